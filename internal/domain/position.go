package domain

import "time"

// Position is a user's share holdings in one market. Rows are created on the
// first trade and never deleted.
type Position struct {
	UserID    string    `json:"user_id"`
	MarketID  string    `json:"market_id"`
	YesShares float64   `json:"yes_shares"`
	NoShares  float64   `json:"no_shares"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Shares returns the holding on one side.
func (p Position) Shares(side Side) float64 {
	if side == SideYes {
		return p.YesShares
	}
	return p.NoShares
}

// PositionOp is a keyed change to a position. Applying the same ID twice is
// rejected with ErrAlreadyExists.
type PositionOp struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	MarketID  string    `json:"market_id"`
	YesDelta  float64   `json:"yes_delta"`
	NoDelta   float64   `json:"no_delta"`
	CreatedAt time.Time `json:"created_at"`
}

// ShareEpsilon absorbs float noise when a holder sells everything they own.
const ShareEpsilon = 1e-9

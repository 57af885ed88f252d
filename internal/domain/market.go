package domain

import (
	"strings"
	"time"
)

// Side is one of the two binary outcomes a share can pay out on.
type Side string

const (
	SideYes Side = "YES"
	SideNo  Side = "NO"
)

// ParseSide accepts "yes"/"no" in any case.
func ParseSide(s string) (Side, error) {
	switch Side(strings.ToUpper(strings.TrimSpace(s))) {
	case SideYes:
		return SideYes, nil
	case SideNo:
		return SideNo, nil
	default:
		return "", ErrInvalidSide
	}
}

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideYes {
		return SideNo
	}
	return SideYes
}

// MarketMode selects the single trading engine a market accepts.
type MarketMode string

const (
	MarketModeAMM       MarketMode = "amm"
	MarketModeOrderbook MarketMode = "orderbook"
)

// ParseMarketMode validates a mode string; empty means "use the default".
func ParseMarketMode(s string) (MarketMode, error) {
	switch MarketMode(strings.ToLower(strings.TrimSpace(s))) {
	case MarketModeAMM:
		return MarketModeAMM, nil
	case MarketModeOrderbook:
		return MarketModeOrderbook, nil
	case "":
		return "", nil
	default:
		return "", Invalid("mode must be amm or orderbook")
	}
}

// Market is a yes/no question with its AMM pool state.
type Market struct {
	ID                     string     `json:"id"`
	ChannelID              string     `json:"channel_id"`
	Title                  string     `json:"title"`
	Description            string     `json:"description,omitempty"`
	Rules                  string     `json:"rules,omitempty"`
	ResolutionSource       string     `json:"resolution_source,omitempty"`
	Mode                   MarketMode `json:"mode"`
	YesPool                float64    `json:"yes_pool"`
	NoPool                 float64    `json:"no_pool"`
	Collateral             int64      `json:"collateral"`
	Version                int64      `json:"version"`
	Resolved               bool       `json:"resolved"`
	Outcome                Side       `json:"outcome,omitempty"`
	ResolvedAt             *time.Time `json:"resolved_at,omitempty"`
	ResolvedBy             string     `json:"resolved_by,omitempty"`
	SettledAt              *time.Time `json:"settled_at,omitempty"`
	CloseTime              *time.Time `json:"close_time,omitempty"`
	ExpectedResolutionTime *time.Time `json:"expected_resolution_time,omitempty"`
	CreatedBy              string     `json:"created_by"`
	CreatedAt              time.Time  `json:"created_at"`
	UpdatedAt              time.Time  `json:"updated_at"`
}

// Closed reports whether the close time has passed at now.
func (m Market) Closed(now time.Time) bool {
	return m.CloseTime != nil && !now.Before(*m.CloseTime)
}

// MarketLockKey is the lock every writer of a market's pool, positions or
// resolution holds.
func MarketLockKey(id string) string { return "market:" + id }

// MarketFilter narrows market listings.
type MarketFilter struct {
	ChannelID string
	Resolved  *bool
}

// PoolUpdate is a compare-and-swap write of a market's pool state. It applies
// only when the stored version equals FromVersion and the market is not
// resolved; on success the version becomes FromVersion+1. ID keys the change
// so that it can be reverted exactly once.
type PoolUpdate struct {
	ID              string
	MarketID        string
	FromVersion     int64
	YesPool         float64
	NoPool          float64
	CollateralDelta int64
}

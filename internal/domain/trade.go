package domain

import (
	"strings"
	"time"
)

// BetType distinguishes AMM buys and sells from FIFO matches.
type BetType string

const (
	BetTypeBuy   BetType = "buy"
	BetTypeSell  BetType = "sell"
	BetTypeMatch BetType = "match"
)

// ParseAction accepts "buy"/"sell" in any case.
func ParseAction(s string) (BetType, error) {
	switch BetType(strings.ToLower(strings.TrimSpace(s))) {
	case BetTypeBuy:
		return BetTypeBuy, nil
	case BetTypeSell:
		return BetTypeSell, nil
	default:
		return "", ErrInvalidAction
	}
}

// Bet is an append-only trade record. Amount is the money moved in cents;
// YesPrice is the market's YES price right after the trade.
type Bet struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	MarketID  string    `json:"market_id"`
	Side      Side      `json:"side"`
	Type      BetType   `json:"type"`
	Amount    int64     `json:"amount"`
	Shares    float64   `json:"shares"`
	YesPrice  float64   `json:"yes_price"`
	OrderID   string    `json:"order_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// PricePoint is one sample of a market's YES price.
type PricePoint struct {
	At       time.Time `json:"at"`
	YesPrice float64   `json:"yes_price"`
}

package domain

import "time"

// Account holds a user's play-money balance in cents.
type Account struct {
	UserID    string    `json:"user_id"`
	Balance   int64     `json:"balance"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// LedgerEntry is a keyed balance movement. Amount is signed: negative for
// debits. The ID doubles as an idempotency key.
type LedgerEntry struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	Amount       int64     `json:"amount"`
	Reason       string    `json:"reason"`
	Ref          string    `json:"ref,omitempty"`
	BalanceAfter int64     `json:"balance_after"`
	CreatedAt    time.Time `json:"created_at"`
}

// Ledger entry reasons.
const (
	ReasonInitialGrant = "initial_grant"
	ReasonTradeBuy     = "trade_buy"
	ReasonTradeSell    = "trade_sell"
	ReasonMatch        = "match"
	ReasonPayout       = "payout"
	ReasonReversal     = "reversal"
)

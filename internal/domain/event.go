package domain

import "time"

// Pub/sub channels.
const (
	ChannelMarkets = "markets"
	ChannelBets    = "bets"
	ChannelOrders  = "orders"
)

// MarketChannel is the per-market update channel.
func MarketChannel(marketID string) string { return "market:" + marketID }

// Event types carried on the bus.
const (
	EventMarketCreated  = "market_created"
	EventMarketResolved = "market_resolved"
	EventMarketSettled  = "market_settled"
	EventTrade          = "trade"
	EventBet            = "bet"
	EventOrderCancelled = "order_cancelled"
	EventRollbackFailed = "rollback_failed"
)

// Event is the envelope published after a committed state change.
type Event struct {
	Type      string    `json:"type"`
	MarketID  string    `json:"market_id,omitempty"`
	UserID    string    `json:"user_id,omitempty"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

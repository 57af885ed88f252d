package domain

import "time"

// OrderStatus tracks the lifecycle of a resting order. Terminal states are
// final.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusFilled    OrderStatus = "filled"
	OrderStatusCancelled OrderStatus = "cancelled"
)

// Order is resting interest on the FIFO matching path. Amount and
// FilledAmount are cents; Price is cents per share.
type Order struct {
	ID           string      `json:"id"`
	UserID       string      `json:"user_id"`
	MarketID     string      `json:"market_id"`
	Side         Side        `json:"side"`
	Price        int64       `json:"price"`
	Amount       int64       `json:"amount"`
	FilledAmount int64       `json:"filled_amount"`
	Status       OrderStatus `json:"status"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// Remaining returns the unfilled notional.
func (o Order) Remaining() int64 {
	if r := o.Amount - o.FilledAmount; r > 0 {
		return r
	}
	return 0
}

// OrderFill is a compare-and-swap fill: it applies only while the order is
// pending and its filled amount still equals ExpectFilled. ID keys the fill
// so that it can be undone exactly once.
type OrderFill struct {
	ID           string
	OrderID      string
	ExpectFilled int64
	Amount       int64
}

package domain

import (
	"encoding/json"
	"time"
)

// SagaStatus is the lifecycle of a journaled trade.
type SagaStatus string

const (
	SagaPending     SagaStatus = "pending"
	SagaCommitted   SagaStatus = "committed"
	SagaCompensated SagaStatus = "compensated"
	SagaFailed      SagaStatus = "failed"
)

// Step kinds recorded in the journal. Each kind knows how to undo itself.
const (
	StepLedger    = "ledger"
	StepPool      = "pool"
	StepPosition  = "position"
	StepBet       = "bet"
	StepOrderFill = "order_fill"
)

// SagaStep is one journaled forward action. Payload carries whatever the
// step needs to compensate itself.
type SagaStep struct {
	Seq       int             `json:"seq"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// SagaRecord is the journal for one trade request.
type SagaRecord struct {
	ID        string     `json:"id"`
	Operation string     `json:"operation"`
	UserID    string     `json:"user_id"`
	MarketID  string     `json:"market_id"`
	Status    SagaStatus `json:"status"`
	Steps     []SagaStep `json:"steps"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// MarketStore persists markets and their pool state.
type MarketStore interface {
	Create(ctx context.Context, m Market) error
	GetByID(ctx context.Context, id string) (Market, error)
	List(ctx context.Context, filter MarketFilter, opts ListOpts) ([]Market, error)
	// UpdatePool returns ErrVersionConflict when the version moved and
	// ErrMarketResolved when the market resolved underneath the caller.
	UpdatePool(ctx context.Context, u PoolUpdate) (Market, error)
	// RevertPool undoes the update keyed id. Collateral is always restored;
	// reserves are restored only if no later update has landed. Unknown or
	// already reverted ids are a no-op.
	RevertPool(ctx context.Context, id string) error
	// MarkResolved flips resolved from false to true exactly once; the
	// loser of a race gets ErrMarketResolved.
	MarkResolved(ctx context.Context, id string, outcome Side, by string, at time.Time) (Market, error)
	MarkSettled(ctx context.Context, id string, at time.Time) error
	ListUnsettled(ctx context.Context) ([]Market, error)
	ListResolvedBefore(ctx context.Context, before time.Time) ([]Market, error)
}

// LedgerStore persists accounts and their keyed balance movements.
type LedgerStore interface {
	// EnsureAccount creates the account with its initial grant if missing and
	// reports whether it was created.
	EnsureAccount(ctx context.Context, userID string, initial int64) (Account, bool, error)
	GetAccount(ctx context.Context, userID string) (Account, error)
	// Apply atomically checks balance+amount >= 0, moves the balance and
	// records the entry. A reused entry ID returns ErrAlreadyExists.
	Apply(ctx context.Context, e LedgerEntry) (LedgerEntry, error)
	GetEntry(ctx context.Context, id string) (LedgerEntry, error)
	ListEntries(ctx context.Context, userID string, opts ListOpts) ([]LedgerEntry, error)
}

// PositionStore persists share holdings.
type PositionStore interface {
	Get(ctx context.Context, userID, marketID string) (Position, error)
	// Apply adds the op's deltas atomically and rejects any result below
	// zero with ErrInsufficientShares. A reused op ID returns ErrAlreadyExists.
	Apply(ctx context.Context, op PositionOp) (Position, error)
	GetOp(ctx context.Context, id string) (PositionOp, error)
	ListByMarket(ctx context.Context, marketID string) ([]Position, error)
	ListByUser(ctx context.Context, userID string) ([]Position, error)
}

// OrderStore persists FIFO orders.
type OrderStore interface {
	Create(ctx context.Context, o Order) error
	GetByID(ctx context.Context, id string) (Order, error)
	// ListPending returns pending orders on one side, oldest first.
	ListPending(ctx context.Context, marketID string, side Side) ([]Order, error)
	ListByUser(ctx context.Context, userID string, opts ListOpts) ([]Order, error)
	// Fill returns ErrVersionConflict when ExpectFilled no longer matches.
	Fill(ctx context.Context, f OrderFill) (Order, error)
	// Unfill reverses the fill keyed id; unknown or already reverted ids are
	// a no-op.
	Unfill(ctx context.Context, id string) error
	Cancel(ctx context.Context, id, userID string) (Order, error)
	CancelPendingByMarket(ctx context.Context, marketID string) (int64, error)
}

// BetStore persists the append-only trade record.
type BetStore interface {
	Insert(ctx context.Context, b Bet) error
	// Delete exists only for compensation of an unfinished trade.
	Delete(ctx context.Context, id string) error
	ListByMarket(ctx context.Context, marketID string, opts ListOpts) ([]Bet, error)
	ListByUser(ctx context.Context, userID string, opts ListOpts) ([]Bet, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}

// SagaStore journals multi-step trades so that an interrupted trade can be
// compensated after a crash.
type SagaStore interface {
	Begin(ctx context.Context, s SagaRecord) error
	AppendStep(ctx context.Context, sagaID string, step SagaStep) error
	Finish(ctx context.Context, sagaID string, status SagaStatus) error
	Get(ctx context.Context, sagaID string) (SagaRecord, error)
	ListPending(ctx context.Context, olderThan time.Time) ([]SagaRecord, error)
	ListPendingByMarket(ctx context.Context, marketID string) ([]SagaRecord, error)
}

// Stores bundles every persistence interface a backend provides.
type Stores struct {
	Markets   MarketStore
	Ledger    LedgerStore
	Positions PositionStore
	Orders    OrderStore
	Bets      BetStore
	Audit     AuditStore
	Sagas     SagaStore
}

// Package memory implements the persistence interfaces with mutex-guarded
// maps. It backs single-node runs (storage.driver = "memory") and tests.
package memory

import (
	"sort"
	"time"

	"github.com/alanyoungcy/playmarket/internal/domain"
)

// New returns a full set of empty in-memory stores.
func New() domain.Stores {
	return domain.Stores{
		Markets:   NewMarketStore(),
		Ledger:    NewLedgerStore(),
		Positions: NewPositionStore(),
		Orders:    NewOrderStore(),
		Bets:      NewBetStore(),
		Audit:     NewAuditStore(),
		Sagas:     NewSagaStore(),
	}
}

func now() time.Time { return time.Now().UTC() }

// page applies the time window and offset/limit of opts to items, which must
// already be in presentation order.
func page[T any](items []T, at func(T) time.Time, opts domain.ListOpts) []T {
	out := make([]T, 0, len(items))
	for _, it := range items {
		ts := at(it)
		if opts.Since != nil && ts.Before(*opts.Since) {
			continue
		}
		if opts.Until != nil && !ts.Before(*opts.Until) {
			continue
		}
		out = append(out, it)
	}
	if opts.Offset > 0 {
		if opts.Offset >= len(out) {
			return []T{}
		}
		out = out[opts.Offset:]
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out
}

// newestFirst sorts by timestamp descending, falling back to insertion order.
func newestFirst[T any](items []T, at func(T) time.Time) {
	sort.SliceStable(items, func(i, j int) bool { return at(items[i]).After(at(items[j])) })
}

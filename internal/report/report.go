// Package report renders console summaries of the markets for operators.
package report

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/playmarket/internal/amm"
	"github.com/alanyoungcy/playmarket/internal/domain"
)

// Row is one market line of the report.
type Row struct {
	Market   domain.Market
	YesPrice float64
	Trades   int
	Volume   int64
	Holders  int
}

// Summary aggregates the rows.
type Summary struct {
	Markets    int
	Open       int
	Resolved   int
	Unsettled  int
	Collateral int64
	Volume     int64
}

// Builder collects report rows from the stores.
type Builder struct {
	stores domain.Stores
	floor  float64
}

// NewBuilder creates a Builder. floor is the AMM virtual-liquidity floor.
func NewBuilder(stores domain.Stores, floor float64) *Builder {
	return &Builder{stores: stores, floor: floor}
}

// Build loads every market matching filter with its trade statistics.
func (b *Builder) Build(ctx context.Context, filter domain.MarketFilter) ([]Row, Summary, error) {
	markets, err := b.stores.Markets.List(ctx, filter, domain.ListOpts{})
	if err != nil {
		return nil, Summary{}, fmt.Errorf("report: list markets: %w", err)
	}
	var (
		rows []Row
		sum  Summary
	)
	for _, m := range markets {
		bets, err := b.stores.Bets.ListByMarket(ctx, m.ID, domain.ListOpts{})
		if err != nil {
			return nil, Summary{}, fmt.Errorf("report: bets of %s: %w", m.ID, err)
		}
		holders, err := b.stores.Positions.ListByMarket(ctx, m.ID)
		if err != nil {
			return nil, Summary{}, fmt.Errorf("report: positions of %s: %w", m.ID, err)
		}
		r := Row{
			Market:   m,
			YesPrice: amm.Pool{Yes: m.YesPool, No: m.NoPool}.Effective(b.floor).YesPrice(),
			Trades:   len(bets),
			Holders:  len(holders),
		}
		for _, bet := range bets {
			r.Volume += bet.Amount
		}
		rows = append(rows, r)

		sum.Markets++
		sum.Volume += r.Volume
		switch {
		case m.Resolved && m.SettledAt == nil:
			sum.Resolved++
			sum.Unsettled++
		case m.Resolved:
			sum.Resolved++
		default:
			sum.Open++
			sum.Collateral += m.Collateral
		}
	}
	return rows, sum, nil
}

// Render writes rows as a table followed by the summary.
func Render(w io.Writer, rows []Row, sum Summary, now time.Time) error {
	table := tablewriter.NewWriter(w)
	table.Header("ID", "Market", "Mode", "YES", "NO", "Trades", "Volume", "Collateral", "Holders", "Status")
	for _, r := range rows {
		m := r.Market
		if err := table.Append(
			shortID(m.ID),
			truncate(m.Title, 40),
			string(m.Mode),
			percent(r.YesPrice),
			percent(1-r.YesPrice),
			fmt.Sprintf("%d", r.Trades),
			dollars(r.Volume),
			dollars(m.Collateral),
			fmt.Sprintf("%d", r.Holders),
			status(m, now),
		); err != nil {
			return fmt.Errorf("report: append row: %w", err)
		}
	}
	if err := table.Render(); err != nil {
		return fmt.Errorf("report: render: %w", err)
	}

	fmt.Fprintf(w, "\n  Markets: %d (open %d, resolved %d, unsettled %d)\n", sum.Markets, sum.Open, sum.Resolved, sum.Unsettled)
	fmt.Fprintf(w, "  Volume:  %s\n", dollars(sum.Volume))
	fmt.Fprintf(w, "  Open collateral: %s\n", dollars(sum.Collateral))
	return nil
}

func status(m domain.Market, now time.Time) string {
	switch {
	case m.Resolved && m.SettledAt == nil:
		return "resolved " + string(m.Outcome) + " (settling)"
	case m.Resolved:
		return "resolved " + string(m.Outcome)
	case m.Closed(now):
		return "closed"
	default:
		return "open"
	}
}

func dollars(cents int64) string {
	return "$" + decimal.New(cents, -2).StringFixed(2)
}

func percent(p float64) string {
	return decimal.NewFromFloat(p*100).StringFixed(1) + "%"
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

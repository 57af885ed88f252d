package report

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/playmarket/internal/domain"
	"github.com/alanyoungcy/playmarket/internal/store/memory"
)

func TestBuildAndRender(t *testing.T) {
	ctx := context.Background()
	stores := memory.New()
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, stores.Markets.Create(ctx, domain.Market{ID: "open-market-1", Title: "Will it rain?", Mode: domain.MarketModeAMM, YesPool: 9090.9, NoPool: 11000}))
	_, err := stores.Markets.UpdatePool(ctx, domain.PoolUpdate{ID: "p1", MarketID: "open-market-1", YesPool: 9090.9, NoPool: 11000, CollateralDelta: 1000})
	require.NoError(t, err)
	require.NoError(t, stores.Bets.Insert(ctx, domain.Bet{ID: "b1", UserID: "u1", MarketID: "open-market-1", Side: domain.SideYes, Type: domain.BetTypeBuy, Amount: 1000}))

	require.NoError(t, stores.Markets.Create(ctx, domain.Market{ID: "done", Title: "Done?", Mode: domain.MarketModeOrderbook, YesPool: 10000, NoPool: 10000}))
	_, err = stores.Markets.MarkResolved(ctx, "done", domain.SideNo, "admin", now)
	require.NoError(t, err)

	rows, sum, err := NewBuilder(stores, 10000).Build(ctx, domain.MarketFilter{})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, 2, sum.Markets)
	assert.Equal(t, 1, sum.Open)
	assert.Equal(t, 1, sum.Unsettled)
	assert.Equal(t, int64(1000), sum.Volume)
	assert.Equal(t, int64(1000), sum.Collateral)

	var buf bytes.Buffer
	require.NoError(t, Render(&buf, rows, sum, now))
	out := buf.String()
	assert.Contains(t, out, "Will it rain?")
	assert.Contains(t, out, "open-mar")
	assert.Contains(t, out, "resolved NO (settling)")
	assert.Contains(t, out, "$10.00")
	assert.Contains(t, out, "Markets: 2 (open 1, resolved 1, unsettled 1)")
}

func TestFormatting(t *testing.T) {
	assert.Equal(t, "$0.05", dollars(5))
	assert.Equal(t, "$-1.50", dollars(-150))
	assert.Equal(t, "50.0%", percent(0.5))
	assert.Equal(t, "25.0%", percent(0.25))
	assert.Equal(t, "abc", truncate("abc", 5))
	assert.Equal(t, "abcd…", truncate("abcdefgh", 5))
}

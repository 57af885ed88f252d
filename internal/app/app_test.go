package app

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/playmarket/internal/config"
	"github.com/alanyoungcy/playmarket/internal/domain"
	"github.com/alanyoungcy/playmarket/internal/service"
)

func testApp(t *testing.T) (*App, *Dependencies) {
	t.Helper()
	cfg := config.Defaults()
	cfg.Auth.JWTSecret = "secret"
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	a := New(&cfg, logger)
	deps, cleanup, err := Wire(context.Background(), &cfg, logger)
	require.NoError(t, err)
	t.Cleanup(cleanup)
	return a, deps
}

func TestWireMemoryDefaults(t *testing.T) {
	_, deps := testApp(t)

	assert.NotNil(t, deps.Stores.Markets)
	assert.NotNil(t, deps.Locks)
	assert.NotNil(t, deps.Bus)
	assert.Nil(t, deps.Archiver)
	assert.Nil(t, deps.Cache)
	assert.Empty(t, deps.Pingers)
}

func TestServiceConfigMapping(t *testing.T) {
	cfg := config.Defaults()
	got := serviceConfig(&cfg)

	assert.Equal(t, domain.MarketModeAMM, got.DefaultMode)
	assert.Equal(t, float64(10000), got.InitialLiquidity)
	assert.Equal(t, int64(100), got.MinBuyCents)
	assert.Equal(t, 10*time.Second, got.LockTTL)
	assert.Equal(t, 30, got.RateLimit)
}

func TestReportListsMarkets(t *testing.T) {
	a, deps := testApp(t)
	ctx := context.Background()

	admin := domain.Identity{UserID: "root", Role: domain.RoleAdmin}
	_, err := deps.Markets.Create(ctx, admin, service.CreateMarketRequest{
		ChannelID: "general",
		Title:     "Will it rain tomorrow?",
	})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, a.writeReport(ctx, deps.Stores, &buf))
	assert.Contains(t, buf.String(), "Will it rain tomorrow?")
	assert.Contains(t, buf.String(), "Markets: 1 (open 1")
}

func TestRecoverModeOnEmptyJournal(t *testing.T) {
	a, deps := testApp(t)
	assert.NoError(t, a.RecoverMode(context.Background(), deps))
}

func TestArchiveModeRequiresS3(t *testing.T) {
	a, deps := testApp(t)
	err := a.ArchiveMode(context.Background(), deps)
	assert.ErrorContains(t, err, "s3 is not enabled")
}

func TestRunRejectsUnknownMode(t *testing.T) {
	cfg := config.Defaults()
	cfg.Mode = "trade"
	a := New(&cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	defer a.Close()

	err := a.Run(context.Background())
	assert.ErrorContains(t, err, `unsupported mode "trade"`)
}

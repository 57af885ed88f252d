package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	s3blob "github.com/alanyoungcy/playmarket/internal/blob/s3"
	"github.com/alanyoungcy/playmarket/internal/broker/amqp"
	cachemem "github.com/alanyoungcy/playmarket/internal/cache/memory"
	"github.com/alanyoungcy/playmarket/internal/cache/redis"
	"github.com/alanyoungcy/playmarket/internal/config"
	"github.com/alanyoungcy/playmarket/internal/domain"
	"github.com/alanyoungcy/playmarket/internal/executor"
	"github.com/alanyoungcy/playmarket/internal/ledger"
	"github.com/alanyoungcy/playmarket/internal/matching"
	"github.com/alanyoungcy/playmarket/internal/metrics"
	"github.com/alanyoungcy/playmarket/internal/notify"
	"github.com/alanyoungcy/playmarket/internal/position"
	"github.com/alanyoungcy/playmarket/internal/server/handler"
	"github.com/alanyoungcy/playmarket/internal/service"
	"github.com/alanyoungcy/playmarket/internal/settlement"
	"github.com/alanyoungcy/playmarket/internal/store/memory"
	"github.com/alanyoungcy/playmarket/internal/store/postgres"
	"github.com/alanyoungcy/playmarket/internal/store/sqlite"
)

// Dependencies bundles everything the modes need. It is constructed by Wire
// and torn down by the returned cleanup function.
type Dependencies struct {
	Stores domain.Stores

	// Health checks by component name.
	Pingers map[string]handler.Pinger

	Locks    domain.LockManager
	Limiter  domain.RateLimiter
	Bus      domain.SignalBus
	Cache    domain.MarketCache
	Archiver domain.Archiver
	Notifier *notify.Notifier
	Metrics  *metrics.Metrics

	Publisher *service.Publisher
	Dedup     *executor.Dedup

	Trades   *service.TradeService
	Markets  *service.MarketService
	Orders   *service.OrderService
	Accounts *service.AccountService
	Recovery *service.RecoveryService
}

// s3Health adapts the S3 client's bucket probe to handler.Pinger.
type s3Health struct{ c *s3blob.Client }

func (h s3Health) Ping(ctx context.Context) error { return h.c.Health(ctx) }

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(what string, err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, fmt.Errorf("wire: %s: %w", what, err)
	}

	deps := &Dependencies{Pingers: make(map[string]handler.Pinger)}

	// --- Stores ---
	switch cfg.Storage.Driver {
	case "postgres":
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			return fail("postgres", err)
		}
		closers = append(closers, pgClient.Close)
		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				return fail("postgres migrations", err)
			}
		}
		deps.Stores = pgClient.Stores()
		deps.Pingers["postgres"] = pgClient
	case "sqlite":
		db, err := sqlite.Open(cfg.SQLite.Path)
		if err != nil {
			return fail("sqlite", err)
		}
		closers = append(closers, func() { _ = db.Close() })
		deps.Stores = db.Stores()
		deps.Pingers["sqlite"] = db
	default:
		deps.Stores = memory.New()
	}

	// --- Locks, rate limits, signal bus, market cache ---
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
			KeyPrefix:  cfg.Redis.KeyPrefix,
		})
		if err != nil {
			return fail("redis", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		locks := redis.NewLockManager(redisClient)
		locks.OnUnlockError(func(key string, err error) {
			logger.Warn("wire: lock release failed", slog.String("key", key), slog.String("error", err.Error()))
		})
		deps.Locks = locks
		deps.Limiter = redis.NewRateLimiter(redisClient)
		deps.Bus = redis.NewSignalBusWithMaxLen(redisClient, cfg.Redis.StreamMaxLen)
		deps.Cache = redis.NewMarketCache(redisClient, cfg.Redis.CacheTTL.Duration)
		deps.Pingers["redis"] = redisClient
	} else {
		deps.Locks = cachemem.NewLockManager()
		deps.Limiter = cachemem.NewRateLimiter()
		deps.Bus = cachemem.NewSignalBus(int(cfg.Redis.StreamMaxLen))
	}

	// --- Event export ---
	var broker service.Broker
	if cfg.AMQP.Enabled {
		pub, err := amqp.New(amqp.Config{
			URL:        cfg.AMQP.URL,
			Exchange:   cfg.AMQP.Exchange,
			RoutingKey: cfg.AMQP.RoutingKey,
			Heartbeat:  10 * time.Second,
			RetryDelay: cfg.AMQP.RetryDelay.Duration,
		}, logger)
		if err != nil {
			return fail("amqp", err)
		}
		closers = append(closers, func() { _ = pub.Close() })
		broker = pub
	}

	// --- S3 archive ---
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			Prefix:         cfg.S3.Prefix,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail("s3", err)
		}
		deps.Archiver = s3blob.NewArchiver(s3blob.NewWriter(s3Client), s3blob.NewReader(s3Client), deps.Stores, logger)
		deps.Pingers["s3"] = s3Health{c: s3Client}
	}

	// --- Notifications ---
	httpClient := &http.Client{Timeout: 10 * time.Second}
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramBaseURL,
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
			httpClient,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL, httpClient))
	}
	deps.Notifier = notify.NewNotifier(senders, notify.Options{
		Events:    cfg.Notify.Events,
		PerMinute: cfg.Notify.PerMinute,
		Critical:  []string{domain.EventRollbackFailed},
	}, logger)

	// --- Engines and services ---
	deps.Metrics = metrics.New()
	deps.Dedup = executor.NewDedup(cfg.Trading.DedupTTL.Duration)
	deps.Publisher = service.NewPublisher(deps.Bus, broker, logger)
	closers = append(closers, deps.Publisher.Wait)

	st := deps.Stores
	led := ledger.New(st.Ledger, cfg.Market.InitialBalance)
	tracker := position.NewTracker(st.Positions)

	sd := service.Deps{
		Stores:    st,
		Ledger:    led,
		Positions: tracker,
		Executor: executor.New(executor.Deps{
			Ledger:    led,
			Positions: tracker,
			Markets:   st.Markets,
			Orders:    st.Orders,
			Bets:      st.Bets,
			Journal:   st.Sagas,
			Locks:     deps.Locks,
			LockTTL:   cfg.Trading.LockTTL.Duration,
		}, logger),
		Matching:   matching.NewEngine(st.Orders, led, cfg.Market.OrderPrice, logger),
		Settlement: settlement.NewEngine(st.Markets, st.Orders, led, tracker, logger),
		Locks:      deps.Locks,
		Limiter:    deps.Limiter,
		Publisher:  deps.Publisher,
		Cache:      deps.Cache,
		Archiver:   deps.Archiver,
		Alerter:    deps.Notifier,
		Metrics:    deps.Metrics,
		Dedup:      deps.Dedup,
	}
	svcCfg := serviceConfig(cfg)

	deps.Trades = service.NewTradeService(sd, svcCfg, logger)
	deps.Markets = service.NewMarketService(sd, svcCfg, logger)
	deps.Orders = service.NewOrderService(sd, svcCfg, logger)
	deps.Accounts = service.NewAccountService(sd, svcCfg, logger)
	deps.Recovery = service.NewRecoveryService(sd, cfg.Recovery.StaleAfter.Duration, logger)

	return deps, cleanup, nil
}

func serviceConfig(cfg *config.Config) service.Config {
	return service.Config{
		InitialLiquidity: cfg.Market.InitialLiquidity,
		DefaultMode:      domain.MarketMode(cfg.Market.DefaultMode),
		MinBuyCents:      cfg.Market.MinBuyCents,
		MinBetCents:      cfg.Market.MinBetCents,
		SellAfterClose:   cfg.Trading.SellAfterClose,
		SellCloseWindow:  cfg.Trading.SellCloseWindow.Duration,
		LockTTL:          cfg.Trading.LockTTL.Duration,
		LockWait:         cfg.Trading.LockWait.Duration,
		RateLimit:        cfg.Trading.RateLimit,
		RateWindow:       cfg.Trading.RateWindow.Duration,
		ArchiveOnResolve: cfg.Archive.OnResolve,
	}
}

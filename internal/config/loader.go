package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies PLAYMARKET_* environment variable overrides, and
// returns the final Config. An empty path skips the file. The returned Config
// has NOT been validated; the caller should invoke Config.Validate() after
// Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known PLAYMARKET_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Storage ──
	setStr(&cfg.Storage.Driver, "PLAYMARKET_STORAGE_DRIVER")
	setStr(&cfg.SQLite.Path, "PLAYMARKET_SQLITE_PATH")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "PLAYMARKET_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // platform alias
	setStr(&cfg.Postgres.Host, "PLAYMARKET_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "PLAYMARKET_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "PLAYMARKET_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "PLAYMARKET_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "PLAYMARKET_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "PLAYMARKET_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "PLAYMARKET_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "PLAYMARKET_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "PLAYMARKET_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "PLAYMARKET_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "PLAYMARKET_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "PLAYMARKET_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "PLAYMARKET_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "PLAYMARKET_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "PLAYMARKET_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "PLAYMARKET_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.KeyPrefix, "PLAYMARKET_REDIS_KEY_PREFIX")
	setInt64(&cfg.Redis.StreamMaxLen, "PLAYMARKET_REDIS_STREAM_MAX_LEN")
	setDuration(&cfg.Redis.CacheTTL, "PLAYMARKET_REDIS_CACHE_TTL")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "PLAYMARKET_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "PLAYMARKET_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "PLAYMARKET_S3_REGION")
	setStr(&cfg.S3.Bucket, "PLAYMARKET_S3_BUCKET")
	setStr(&cfg.S3.Prefix, "PLAYMARKET_S3_PREFIX")
	setStr(&cfg.S3.AccessKey, "PLAYMARKET_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "PLAYMARKET_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "PLAYMARKET_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "PLAYMARKET_S3_FORCE_PATH_STYLE")

	// ── AMQP ──
	setBool(&cfg.AMQP.Enabled, "PLAYMARKET_AMQP_ENABLED")
	setStr(&cfg.AMQP.URL, "PLAYMARKET_AMQP_URL")
	setStr(&cfg.AMQP.Exchange, "PLAYMARKET_AMQP_EXCHANGE")
	setStr(&cfg.AMQP.RoutingKey, "PLAYMARKET_AMQP_ROUTING_KEY")
	setDuration(&cfg.AMQP.RetryDelay, "PLAYMARKET_AMQP_RETRY_DELAY")

	// ── Market ──
	setFloat64(&cfg.Market.InitialLiquidity, "PLAYMARKET_MARKET_INITIAL_LIQUIDITY")
	setInt64(&cfg.Market.InitialBalance, "PLAYMARKET_MARKET_INITIAL_BALANCE")
	setStr(&cfg.Market.DefaultMode, "PLAYMARKET_MARKET_DEFAULT_MODE")
	setInt64(&cfg.Market.MinBuyCents, "PLAYMARKET_MARKET_MIN_BUY_CENTS")
	setInt64(&cfg.Market.MinBetCents, "PLAYMARKET_MARKET_MIN_BET_CENTS")
	setInt64(&cfg.Market.OrderPrice, "PLAYMARKET_MARKET_ORDER_PRICE")

	// ── Trading ──
	setBool(&cfg.Trading.SellAfterClose, "PLAYMARKET_TRADING_SELL_AFTER_CLOSE")
	setDuration(&cfg.Trading.SellCloseWindow, "PLAYMARKET_TRADING_SELL_CLOSE_WINDOW")
	setDuration(&cfg.Trading.LockTTL, "PLAYMARKET_TRADING_LOCK_TTL")
	setDuration(&cfg.Trading.LockWait, "PLAYMARKET_TRADING_LOCK_WAIT")
	setInt(&cfg.Trading.RateLimit, "PLAYMARKET_TRADING_RATE_LIMIT")
	setDuration(&cfg.Trading.RateWindow, "PLAYMARKET_TRADING_RATE_WINDOW")
	setDuration(&cfg.Trading.DedupTTL, "PLAYMARKET_TRADING_DEDUP_TTL")

	// ── Recovery / Archive ──
	setDuration(&cfg.Recovery.Interval, "PLAYMARKET_RECOVERY_INTERVAL")
	setDuration(&cfg.Recovery.StaleAfter, "PLAYMARKET_RECOVERY_STALE_AFTER")
	setBool(&cfg.Archive.OnResolve, "PLAYMARKET_ARCHIVE_ON_RESOLVE")
	setInt(&cfg.Archive.RetentionDays, "PLAYMARKET_ARCHIVE_RETENTION_DAYS")

	// ── Auth / Server ──
	setStr(&cfg.Auth.JWTSecret, "PLAYMARKET_AUTH_JWT_SECRET")
	setInt(&cfg.Server.Port, "PLAYMARKET_SERVER_PORT")
	setInt(&cfg.Server.Port, "PORT") // platform alias
	setStringSlice(&cfg.Server.CORSOrigins, "PLAYMARKET_SERVER_CORS_ORIGINS")
	setInt(&cfg.Server.RateLimit, "PLAYMARKET_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateWindow, "PLAYMARKET_SERVER_RATE_WINDOW")
	setDuration(&cfg.Server.ShutdownTimeout, "PLAYMARKET_SERVER_SHUTDOWN_TIMEOUT")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "PLAYMARKET_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "PLAYMARKET_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.TelegramBaseURL, "PLAYMARKET_NOTIFY_TELEGRAM_BASE_URL")
	setStr(&cfg.Notify.DiscordWebhookURL, "PLAYMARKET_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "PLAYMARKET_NOTIFY_EVENTS")
	setInt(&cfg.Notify.PerMinute, "PLAYMARKET_NOTIFY_PER_MINUTE")

	// ── Top-level ──
	setStr(&cfg.Mode, "PLAYMARKET_MODE")
	setStr(&cfg.LogLevel, "PLAYMARKET_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}

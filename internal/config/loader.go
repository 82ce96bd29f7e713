package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies TOKENSENTRY_* environment variable overrides,
// and returns the final Config. The returned Config has NOT been validated;
// the caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known TOKENSENTRY_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Wallet ──
	setStr(&cfg.Wallet.PrivateKey, "TOKENSENTRY_WALLET_PRIVATE_KEY")
	setStr(&cfg.Wallet.KeyfilePath, "TOKENSENTRY_WALLET_KEYFILE_PATH")
	setStr(&cfg.Wallet.Passphrase, "TOKENSENTRY_WALLET_PASSPHRASE")

	// ── Oracle ──
	setStr(&cfg.Oracle.BaseURL, "TOKENSENTRY_ORACLE_BASE_URL")
	setStr(&cfg.Oracle.APIKey, "TOKENSENTRY_ORACLE_API_KEY")
	setStr(&cfg.Oracle.WsURL, "TOKENSENTRY_ORACLE_WS_URL")
	setDuration(&cfg.Oracle.CacheMaxAge, "TOKENSENTRY_ORACLE_CACHE_MAX_AGE")

	// ── Executor ──
	setStr(&cfg.Executor.BaseURL, "TOKENSENTRY_EXECUTOR_BASE_URL")
	setInt(&cfg.Executor.SlippageBps, "TOKENSENTRY_EXECUTOR_SLIPPAGE_BPS")
	setInt(&cfg.Executor.MaxRetries, "TOKENSENTRY_EXECUTOR_MAX_RETRIES")

	// ── Monitor ──
	setDuration(&cfg.Monitor.Interval, "TOKENSENTRY_MONITOR_INTERVAL")
	setInt(&cfg.Monitor.MaxConcurrent, "TOKENSENTRY_MONITOR_MAX_CONCURRENT")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "TOKENSENTRY_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "TOKENSENTRY_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "TOKENSENTRY_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "TOKENSENTRY_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "TOKENSENTRY_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "TOKENSENTRY_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "TOKENSENTRY_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "TOKENSENTRY_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "TOKENSENTRY_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "TOKENSENTRY_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "TOKENSENTRY_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "TOKENSENTRY_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "TOKENSENTRY_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "TOKENSENTRY_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "TOKENSENTRY_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "TOKENSENTRY_REDIS_TLS_ENABLED")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "TOKENSENTRY_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "TOKENSENTRY_S3_REGION")
	setStr(&cfg.S3.Bucket, "TOKENSENTRY_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "TOKENSENTRY_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "TOKENSENTRY_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "TOKENSENTRY_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "TOKENSENTRY_S3_FORCE_PATH_STYLE")
	setBool(&cfg.S3.ArchiveEnabled, "TOKENSENTRY_S3_ARCHIVE_ENABLED")
	setInt(&cfg.S3.RetentionDays, "TOKENSENTRY_S3_RETENTION_DAYS")
	setDuration(&cfg.S3.ArchiveInterval, "TOKENSENTRY_S3_ARCHIVE_INTERVAL")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "TOKENSENTRY_SERVER_ENABLED")
	setStr(&cfg.Server.Addr, "TOKENSENTRY_SERVER_ADDR")
	setStr(&cfg.Server.APIKey, "TOKENSENTRY_SERVER_API_KEY")
	setStringSlice(&cfg.Server.CORSOrigins, "TOKENSENTRY_SERVER_CORS_ORIGINS")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "TOKENSENTRY_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "TOKENSENTRY_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "TOKENSENTRY_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "TOKENSENTRY_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "TOKENSENTRY_MODE")
	setStr(&cfg.LogLevel, "TOKENSENTRY_LOG_LEVEL")
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

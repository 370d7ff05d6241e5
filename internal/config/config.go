// Marketwatch is a Steam Community Market monitoring service.
// Copyright (C) 2026 Marketwatch Contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package config builds the runtime configuration shared by the monitor
// and worker binaries. Values come from environment variables first and
// command-line flags second; flags override env. Durations in the
// environment are plain integer seconds.
package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"marketwatch/internal/logging"
)

// Config holds the runtime configuration for both binaries.
type Config struct {
	// DatabaseURL (DATABASE_URL) selects the relational store: a
	// postgres:// or sqlite:// DSN.
	DatabaseURL string `validate:"required"`

	// RedisAddr (REDIS_ADDR), RedisPassword (REDIS_PASSWORD) and
	// RedisDB (REDIS_DB) locate the coordination Redis. The password
	// is never logged.
	RedisAddr     string `validate:"required"`
	RedisPassword string
	RedisDB       int    `validate:"min=0"`

	// Queue settings: QUEUE_STREAM, QUEUE_GROUP, QUEUE_MAX_RETRIES,
	// QUEUE_PREFETCH, QUEUE_ACK_TIMEOUT (seconds).
	QueueStream     string        `validate:"required"`
	QueueGroup      string        `validate:"required"`
	QueueMaxRetries int           `validate:"min=1"`
	QueuePrefetch   int           `validate:"min=1"`
	QueueAckTimeout time.Duration `validate:"gt=0"`

	// Job settings: WORKER_CONCURRENCY, LOCK_TTL, STUCK_TIMEOUT and
	// HEARTBEAT_INTERVAL (all durations in seconds). StuckTimeout must
	// stay below LockTTL so stuck locks are reclaimed by software
	// before Redis expires them.
	WorkerConcurrency int           `validate:"min=1"`
	LockTTL           time.Duration `validate:"gt=0"`
	StuckTimeout      time.Duration `validate:"gt=0"`
	HeartbeatInterval time.Duration `validate:"gt=0"`

	// Proxy pool settings: PROXY_BLOCK_BASE, PROXY_BLOCK_MAX,
	// PROXY_CACHE_TTL, HEALTH_SCAN_INTERVAL (seconds) and
	// HEALTH_SCAN_CONCURRENCY.
	ProxyBlockBase        time.Duration `validate:"gt=0"`
	ProxyBlockMax         time.Duration `validate:"gt=0"`
	ProxyCacheTTL         time.Duration `validate:"gt=0"`
	HealthScanInterval    time.Duration `validate:"gt=0"`
	HealthScanConcurrency int           `validate:"min=1"`

	// FetchTimeout (FETCH_TIMEOUT, seconds) bounds one upstream call.
	FetchTimeout time.Duration `validate:"gt=0"`

	// AdminAddr (ADMIN_ADDR) and MetricsAddr (METRICS_ADDR) are the
	// listen addresses. AdminTokenHash (ADMIN_TOKEN_HASH) is a bcrypt
	// hash gating the admin API; empty disables auth. Never logged.
	AdminAddr      string `validate:"required"`
	AdminTokenHash string
	MetricsAddr    string `validate:"required"`

	// LogLevel (LOG_LEVEL) and LogFormat (LOG_FORMAT) shape the
	// process logger.
	LogLevel  string `validate:"oneof=debug info warn error"`
	LogFormat string `validate:"oneof=text json"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		DatabaseURL:           "sqlite://marketwatch.db",
		RedisAddr:             "localhost:6379",
		RedisPassword:         "",
		RedisDB:               0,
		QueueStream:           "parsing_tasks",
		QueueGroup:            "parsing_workers",
		QueueMaxRetries:       5,
		QueuePrefetch:         10,
		QueueAckTimeout:       900 * time.Second,
		WorkerConcurrency:     10,
		LockTTL:               3600 * time.Second,
		StuckTimeout:          600 * time.Second,
		HeartbeatInterval:     300 * time.Second,
		ProxyBlockBase:        600 * time.Second,
		ProxyBlockMax:         3600 * time.Second,
		ProxyCacheTTL:         60 * time.Second,
		HealthScanInterval:    300 * time.Second,
		HealthScanConcurrency: 20,
		FetchTimeout:          30 * time.Second,
		AdminAddr:             ":8080",
		AdminTokenHash:        "",
		MetricsAddr:           ":9090",
		LogLevel:              "info",
		LogFormat:             "text",
	}
}

// FromEnv seeds a Config from the environment on top of the defaults.
// Unparseable values fall back to the default for that field.
func FromEnv() Config {
	def := Default()
	return Config{
		DatabaseURL:           getenv("DATABASE_URL", def.DatabaseURL),
		RedisAddr:             getenv("REDIS_ADDR", def.RedisAddr),
		RedisPassword:         getenv("REDIS_PASSWORD", def.RedisPassword),
		RedisDB:               getenvInt("REDIS_DB", def.RedisDB),
		QueueStream:           getenv("QUEUE_STREAM", def.QueueStream),
		QueueGroup:            getenv("QUEUE_GROUP", def.QueueGroup),
		QueueMaxRetries:       getenvInt("QUEUE_MAX_RETRIES", def.QueueMaxRetries),
		QueuePrefetch:         getenvInt("QUEUE_PREFETCH", def.QueuePrefetch),
		QueueAckTimeout:       getenvSeconds("QUEUE_ACK_TIMEOUT", def.QueueAckTimeout),
		WorkerConcurrency:     getenvInt("WORKER_CONCURRENCY", def.WorkerConcurrency),
		LockTTL:               getenvSeconds("LOCK_TTL", def.LockTTL),
		StuckTimeout:          getenvSeconds("STUCK_TIMEOUT", def.StuckTimeout),
		HeartbeatInterval:     getenvSeconds("HEARTBEAT_INTERVAL", def.HeartbeatInterval),
		ProxyBlockBase:        getenvSeconds("PROXY_BLOCK_BASE", def.ProxyBlockBase),
		ProxyBlockMax:         getenvSeconds("PROXY_BLOCK_MAX", def.ProxyBlockMax),
		ProxyCacheTTL:         getenvSeconds("PROXY_CACHE_TTL", def.ProxyCacheTTL),
		HealthScanInterval:    getenvSeconds("HEALTH_SCAN_INTERVAL", def.HealthScanInterval),
		HealthScanConcurrency: getenvInt("HEALTH_SCAN_CONCURRENCY", def.HealthScanConcurrency),
		FetchTimeout:          getenvSeconds("FETCH_TIMEOUT", def.FetchTimeout),
		AdminAddr:             getenv("ADMIN_ADDR", def.AdminAddr),
		AdminTokenHash:        getenv("ADMIN_TOKEN_HASH", def.AdminTokenHash),
		MetricsAddr:           getenv("METRICS_ADDR", def.MetricsAddr),
		LogLevel:              getenv("LOG_LEVEL", def.LogLevel),
		LogFormat:             getenv("LOG_FORMAT", def.LogFormat),
	}
}

// BindFlags registers one flag per field, defaulting to the current
// value so flags override whatever the environment produced.
func (c *Config) BindFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.DatabaseURL, "database-url", c.DatabaseURL, "postgres:// or sqlite:// DSN (env DATABASE_URL)")
	fs.StringVar(&c.RedisAddr, "redis-addr", c.RedisAddr, "Redis host:port (env REDIS_ADDR)")
	fs.StringVar(&c.RedisPassword, "redis-password", c.RedisPassword, "Redis password (env REDIS_PASSWORD)")
	fs.IntVar(&c.RedisDB, "redis-db", c.RedisDB, "Redis logical DB (env REDIS_DB)")
	fs.StringVar(&c.QueueStream, "queue-stream", c.QueueStream, "work queue stream key (env QUEUE_STREAM)")
	fs.StringVar(&c.QueueGroup, "queue-group", c.QueueGroup, "consumer group name (env QUEUE_GROUP)")
	fs.IntVar(&c.QueueMaxRetries, "queue-max-retries", c.QueueMaxRetries, "deliveries before dead-letter (env QUEUE_MAX_RETRIES)")
	fs.IntVar(&c.QueuePrefetch, "queue-prefetch", c.QueuePrefetch, "messages read per poll (env QUEUE_PREFETCH)")
	fs.DurationVar(&c.QueueAckTimeout, "queue-ack-timeout", c.QueueAckTimeout, "pending delivery reclaim age (env QUEUE_ACK_TIMEOUT, seconds)")
	fs.IntVar(&c.WorkerConcurrency, "workers", c.WorkerConcurrency, "concurrent jobs per worker process (env WORKER_CONCURRENCY)")
	fs.DurationVar(&c.LockTTL, "lock-ttl", c.LockTTL, "task lock TTL (env LOCK_TTL, seconds)")
	fs.DurationVar(&c.StuckTimeout, "stuck-timeout", c.StuckTimeout, "age before a held lock counts as stuck (env STUCK_TIMEOUT, seconds)")
	fs.DurationVar(&c.HeartbeatInterval, "heartbeat-interval", c.HeartbeatInterval, "lock extension cadence (env HEARTBEAT_INTERVAL, seconds)")
	fs.DurationVar(&c.ProxyBlockBase, "proxy-block-base", c.ProxyBlockBase, "first rate-limit block duration (env PROXY_BLOCK_BASE, seconds)")
	fs.DurationVar(&c.ProxyBlockMax, "proxy-block-max", c.ProxyBlockMax, "rate-limit block cap (env PROXY_BLOCK_MAX, seconds)")
	fs.DurationVar(&c.ProxyCacheTTL, "proxy-cache-ttl", c.ProxyCacheTTL, "active proxy snapshot TTL (env PROXY_CACHE_TTL, seconds)")
	fs.DurationVar(&c.HealthScanInterval, "health-scan-interval", c.HealthScanInterval, "proxy scan cadence (env HEALTH_SCAN_INTERVAL, seconds)")
	fs.IntVar(&c.HealthScanConcurrency, "health-scan-concurrency", c.HealthScanConcurrency, "parallel probes per scan (env HEALTH_SCAN_CONCURRENCY)")
	fs.DurationVar(&c.FetchTimeout, "fetch-timeout", c.FetchTimeout, "upstream request timeout (env FETCH_TIMEOUT, seconds)")
	fs.StringVar(&c.AdminAddr, "admin-addr", c.AdminAddr, "admin API listen address (env ADMIN_ADDR)")
	fs.StringVar(&c.AdminTokenHash, "admin-token-hash", c.AdminTokenHash, "bcrypt hash gating the admin API (env ADMIN_TOKEN_HASH)")
	fs.StringVar(&c.MetricsAddr, "metrics-addr", c.MetricsAddr, "metrics listen address (env METRICS_ADDR)")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log level: debug|info|warn|error (env LOG_LEVEL)")
	fs.StringVar(&c.LogFormat, "log-format", c.LogFormat, "log format: text|json (env LOG_FORMAT)")
}

// Load builds the effective configuration for a binary: defaults, env,
// then flags, validated as a whole.
func Load(name string, args []string) (Config, error) {
	cfg := FromEnv()
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	cfg.BindFlags(fs)
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks field constraints and the DSN scheme.
func (c Config) Validate() error {
	if err := c.validateDSN(); err != nil {
		return err
	}
	if c.StuckTimeout >= c.LockTTL {
		return fmt.Errorf("config: STUCK_TIMEOUT (%s) must be below LOCK_TTL (%s)", c.StuckTimeout, c.LockTTL)
	}
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

func (c Config) validateDSN() error {
	switch {
	case strings.HasPrefix(c.DatabaseURL, "sqlite://"),
		strings.HasPrefix(c.DatabaseURL, "postgres://"),
		strings.HasPrefix(c.DatabaseURL, "postgresql://"):
		return nil
	default:
		return fmt.Errorf("config: DATABASE_URL must use sqlite:// or postgres://, got %q", logging.RedactURL(c.DatabaseURL))
	}
}

// LogTo writes the effective configuration at startup, with secrets
// masked.
func (c Config) LogTo(logger *slog.Logger) {
	logger.Info("effective configuration",
		"database_url", logging.RedactURL(c.DatabaseURL),
		"redis_addr", c.RedisAddr,
		"redis_password", redactSecret(c.RedisPassword),
		"redis_db", c.RedisDB,
		"queue_stream", c.QueueStream,
		"queue_group", c.QueueGroup,
		"queue_max_retries", c.QueueMaxRetries,
		"queue_prefetch", c.QueuePrefetch,
		"queue_ack_timeout", c.QueueAckTimeout,
		"workers", c.WorkerConcurrency,
		"lock_ttl", c.LockTTL,
		"stuck_timeout", c.StuckTimeout,
		"heartbeat_interval", c.HeartbeatInterval,
		"proxy_block_base", c.ProxyBlockBase,
		"proxy_block_max", c.ProxyBlockMax,
		"proxy_cache_ttl", c.ProxyCacheTTL,
		"health_scan_interval", c.HealthScanInterval,
		"health_scan_concurrency", c.HealthScanConcurrency,
		"fetch_timeout", c.FetchTimeout,
		"admin_addr", c.AdminAddr,
		"admin_token_hash", redactSecret(c.AdminTokenHash),
		"metrics_addr", c.MetricsAddr,
		"log_level", c.LogLevel,
		"log_format", c.LogFormat,
	)
}

func redactSecret(s string) string {
	if s == "" {
		return ""
	}
	return "[redacted]"
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

// getenvSeconds reads a duration given as integer seconds.
func getenvSeconds(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return time.Duration(n) * time.Second
}

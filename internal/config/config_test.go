package config

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

// Tests for configuration loading: default values, environment
// overrides, flag precedence over the environment, and validation
// failures.

import (
	"strings"
	"testing"
	"time"
)

func TestDefaultValidates(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://mw:secret@db:5432/marketwatch")
	t.Setenv("REDIS_DB", "3")
	t.Setenv("LOCK_TTL", "7200")
	t.Setenv("QUEUE_MAX_RETRIES", "2")
	t.Setenv("LOG_FORMAT", "json")

	cfg := FromEnv()
	if cfg.DatabaseURL != "postgres://mw:secret@db:5432/marketwatch" {
		t.Errorf("DatabaseURL = %q", cfg.DatabaseURL)
	}
	if cfg.RedisDB != 3 {
		t.Errorf("RedisDB = %d, want 3", cfg.RedisDB)
	}
	if cfg.LockTTL != 7200*time.Second {
		t.Errorf("LockTTL = %s, want 2h", cfg.LockTTL)
	}
	if cfg.QueueMaxRetries != 2 {
		t.Errorf("QueueMaxRetries = %d, want 2", cfg.QueueMaxRetries)
	}
	if cfg.LogFormat != "json" {
		t.Errorf("LogFormat = %q, want json", cfg.LogFormat)
	}
	if cfg.QueueStream != "parsing_tasks" {
		t.Errorf("untouched field lost its default: QueueStream = %q", cfg.QueueStream)
	}
}

func TestFromEnvBadValueFallsBack(t *testing.T) {
	t.Setenv("WORKER_CONCURRENCY", "many")
	t.Setenv("STUCK_TIMEOUT", "10m")

	cfg := FromEnv()
	if cfg.WorkerConcurrency != Default().WorkerConcurrency {
		t.Errorf("WorkerConcurrency = %d, want default %d", cfg.WorkerConcurrency, Default().WorkerConcurrency)
	}
	if cfg.StuckTimeout != Default().StuckTimeout {
		t.Errorf("StuckTimeout = %s, want default %s", cfg.StuckTimeout, Default().StuckTimeout)
	}
}

func TestLoadFlagOverridesEnv(t *testing.T) {
	t.Setenv("DATABASE_URL", "sqlite://env.db")
	t.Setenv("ADMIN_ADDR", ":7000")

	cfg, err := Load("test", []string{"--admin-addr", ":7100", "--lock-ttl", "30m"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.AdminAddr != ":7100" {
		t.Errorf("AdminAddr = %q, want flag value :7100", cfg.AdminAddr)
	}
	if cfg.LockTTL != 30*time.Minute {
		t.Errorf("LockTTL = %s, want 30m", cfg.LockTTL)
	}
	if cfg.DatabaseURL != "sqlite://env.db" {
		t.Errorf("DatabaseURL = %q, want env value", cfg.DatabaseURL)
	}
}

func TestLoadRejectsUnknownFlag(t *testing.T) {
	if _, err := Load("test", []string{"--no-such-flag"}); err == nil {
		t.Fatal("expected an error for an unknown flag")
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{
			name:   "unsupported dsn scheme",
			mutate: func(c *Config) { c.DatabaseURL = "mysql://db/marketwatch" },
			want:   "DATABASE_URL",
		},
		{
			name:   "stuck timeout not below lock ttl",
			mutate: func(c *Config) { c.StuckTimeout = c.LockTTL },
			want:   "STUCK_TIMEOUT",
		},
		{
			name:   "unknown log level",
			mutate: func(c *Config) { c.LogLevel = "loud" },
			want:   "LogLevel",
		},
		{
			name:   "zero workers",
			mutate: func(c *Config) { c.WorkerConcurrency = 0 },
			want:   "WorkerConcurrency",
		},
		{
			name:   "empty queue stream",
			mutate: func(c *Config) { c.QueueStream = "" },
			want:   "QueueStream",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected a validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestValidateRedactsDSNPassword(t *testing.T) {
	cfg := Default()
	cfg.DatabaseURL = "mysql://mw:hunter2@db/marketwatch"
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected a validation error")
	}
	if strings.Contains(err.Error(), "hunter2") {
		t.Errorf("error leaks the DSN password: %q", err)
	}
}

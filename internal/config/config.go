// AlephAuto is a pipeline job orchestration and monitoring service.
// Copyright (C) 2026 Matthew Burns
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

// Package config loads service configuration from environment variables
// with validated defaults. Misconfiguration is surfaced as an error so the
// binary can exit with code 2.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// HardMaxAttempts is the absolute attempt cap. MAX_ATTEMPTS is configurable
// below it but never beyond it.
const HardMaxAttempts = 5

// Config holds all runtime configuration for the service.
type Config struct {
	// Port is the HTTP bind port (JOBS_API_PORT).
	Port int

	// Env is the runtime mode (APP_ENV, falling back to NODE_ENV);
	// only affects logging verbosity and format.
	Env string

	// LogLevel is debug, info, warn, or error.
	LogLevel string

	// DataDir is the root for persisted state (database, reports default).
	DataDir string

	// DBPath is the SQLite database file.
	DBPath string

	// ReportsDir is the bounded directory served by the reports API.
	ReportsDir string

	// ScriptsDir is where subprocess pipeline scripts live.
	ScriptsDir string

	// PythonPath overrides subprocess interpreter discovery when set.
	PythonPath string

	// DefaultRepositoryPath is the repository cron-triggered repository
	// pipelines operate on. Required before scheduling those pipelines.
	DefaultRepositoryPath string

	// MaxConcurrent is the global concurrency cap C.
	MaxConcurrent int

	// PerPipelineMax caps permits held by a single pipeline; 0 means C.
	PerPipelineMax int

	// MaxAttempts is the retry attempt cap, clamped to HardMaxAttempts.
	MaxAttempts int

	// BaseTimeout is the per-attempt timeout before workload extensions.
	BaseTimeout time.Duration

	// CancelGrace is how long a cancelled worker gets before escalation.
	CancelGrace time.Duration

	// BatchWindow is the push broadcaster flush cadence.
	BatchWindow time.Duration

	// SubscriberQueueCap bounds each subscriber's outbound queue.
	SubscriberQueueCap int

	// IdleDisconnect closes subscribers whose transport stays unwritable.
	IdleDisconnect time.Duration

	// RateLimitPerMinute bounds mutation requests per client IP.
	RateLimitPerMinute int

	// MutationToken, when set, is required on mutation endpoints.
	MutationToken string

	// RedisHost/RedisPort configure the optional scan-result cache.
	// An empty host disables the cache transparently.
	RedisHost string
	RedisPort int

	// SentryDSN configures the optional error reporter.
	SentryDSN string

	// SecretCachePath is the Doppler secret cache file watched by the
	// health probe; empty disables the probe.
	SecretCachePath string

	// SecretCacheMaxAge is the age beyond which the probe reports degraded.
	SecretCacheMaxAge time.Duration
}

// Default returns the baseline configuration before environment overrides.
func Default() Config {
	return Config{
		Port:               8080,
		Env:                "development",
		LogLevel:           "info",
		DataDir:            "data",
		MaxConcurrent:      5,
		MaxAttempts:        2,
		BaseTimeout:        60 * time.Second,
		CancelGrace:        5 * time.Second,
		BatchWindow:        500 * time.Millisecond,
		SubscriberQueueCap: 256,
		IdleDisconnect:     30 * time.Second,
		RateLimitPerMinute: 30,
		RedisPort:          6379,
		SecretCacheMaxAge:  24 * time.Hour,
	}
}

// LoadFromEnv builds a Config from the process environment.
func LoadFromEnv() (Config, error) {
	cfg := Default()

	if val := os.Getenv("JOBS_API_PORT"); val != "" {
		p, err := strconv.Atoi(val)
		if err != nil || p <= 0 || p > 65535 {
			return cfg, fmt.Errorf("invalid JOBS_API_PORT %q", val)
		}
		cfg.Port = p
	}

	if val := os.Getenv("APP_ENV"); val != "" {
		cfg.Env = val
	} else if val := os.Getenv("NODE_ENV"); val != "" {
		cfg.Env = val
	}
	if cfg.Env == "development" {
		cfg.LogLevel = "debug"
	}
	if val := os.Getenv("LOG_LEVEL"); val != "" {
		cfg.LogLevel = val
	}

	if val := os.Getenv("DATA_DIR"); val != "" {
		cfg.DataDir = val
	}
	cfg.DBPath = filepath.Join(cfg.DataDir, "alephauto.db")
	if val := os.Getenv("DB_PATH"); val != "" {
		cfg.DBPath = val
	}
	cfg.ReportsDir = filepath.Join(cfg.DataDir, "reports")
	if val := os.Getenv("REPORTS_DIR"); val != "" {
		cfg.ReportsDir = val
	}
	cfg.ScriptsDir = "scripts"
	if val := os.Getenv("SCRIPTS_DIR"); val != "" {
		cfg.ScriptsDir = val
	}
	cfg.PythonPath = os.Getenv("PIPELINE_PYTHON")
	cfg.DefaultRepositoryPath = os.Getenv("DEFAULT_REPOSITORY_PATH")

	if val := os.Getenv("MAX_CONCURRENT"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil || n < 1 {
			return cfg, fmt.Errorf("invalid MAX_CONCURRENT %q", val)
		}
		cfg.MaxConcurrent = n
	}
	if val := os.Getenv("PER_PIPELINE_MAX"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil || n < 1 {
			return cfg, fmt.Errorf("invalid PER_PIPELINE_MAX %q", val)
		}
		cfg.PerPipelineMax = n
	}
	if val := os.Getenv("MAX_ATTEMPTS"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil || n < 1 {
			return cfg, fmt.Errorf("invalid MAX_ATTEMPTS %q", val)
		}
		cfg.MaxAttempts = n
	}
	// Configuration may lower the cap but never exceed the absolute limit.
	if cfg.MaxAttempts > HardMaxAttempts {
		cfg.MaxAttempts = HardMaxAttempts
	}
	if cfg.PerPipelineMax == 0 || cfg.PerPipelineMax > cfg.MaxConcurrent {
		cfg.PerPipelineMax = cfg.MaxConcurrent
	}

	var err error
	if cfg.BaseTimeout, err = envDuration("JOB_BASE_TIMEOUT", cfg.BaseTimeout); err != nil {
		return cfg, err
	}
	if cfg.CancelGrace, err = envDuration("CANCEL_GRACE", cfg.CancelGrace); err != nil {
		return cfg, err
	}
	if cfg.BatchWindow, err = envDuration("BATCH_WINDOW", cfg.BatchWindow); err != nil {
		return cfg, err
	}
	if cfg.IdleDisconnect, err = envDuration("IDLE_DISCONNECT", cfg.IdleDisconnect); err != nil {
		return cfg, err
	}
	if val := os.Getenv("SUB_QUEUE_CAP"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil || n < 16 {
			return cfg, fmt.Errorf("invalid SUB_QUEUE_CAP %q (minimum 16)", val)
		}
		cfg.SubscriberQueueCap = n
	}
	if val := os.Getenv("RATE_LIMIT_PER_MINUTE"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil || n < 1 {
			return cfg, fmt.Errorf("invalid RATE_LIMIT_PER_MINUTE %q", val)
		}
		cfg.RateLimitPerMinute = n
	}

	cfg.MutationToken = os.Getenv("MUTATION_TOKEN")
	cfg.RedisHost = os.Getenv("REDIS_HOST")
	if val := os.Getenv("REDIS_PORT"); val != "" {
		p, err := strconv.Atoi(val)
		if err != nil || p <= 0 || p > 65535 {
			return cfg, fmt.Errorf("invalid REDIS_PORT %q", val)
		}
		cfg.RedisPort = p
	}
	cfg.SentryDSN = os.Getenv("SENTRY_DSN")
	cfg.SecretCachePath = os.Getenv("SECRET_CACHE_PATH")
	if cfg.SecretCacheMaxAge, err = envDuration("SECRET_CACHE_MAX_AGE", cfg.SecretCacheMaxAge); err != nil {
		return cfg, err
	}

	return cfg, nil
}

func envDuration(key string, def time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return def, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return def, fmt.Errorf("invalid %s: %w", key, err)
	}
	if d <= 0 {
		return def, fmt.Errorf("%s must be positive", key)
	}
	return d, nil
}

// RedisAddr returns host:port for the cache, or "" when disabled.
func (c Config) RedisAddr() string {
	if c.RedisHost == "" {
		return ""
	}
	return fmt.Sprintf("%s:%d", c.RedisHost, c.RedisPort)
}

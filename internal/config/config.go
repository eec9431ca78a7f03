// Package config loads the engine configuration: JSON5 file overlaid by
// AFX_* environment variables. Secrets (DSN, API credentials, bot token) are
// env-only and never written back to the file.
package config

import (
	"fmt"
	"sync"
	"time"
)

// Config is the root configuration for the AutoForwardX engine.
type Config struct {
	Engine    EngineConfig    `json:"engine"`
	API       APIConfig       `json:"api"`
	Database  DatabaseConfig  `json:"database,omitempty"`
	Telegram  TelegramConfig  `json:"telegram"`
	Limits    LimitsConfig    `json:"limits"`
	Alerts    AlertsConfig    `json:"alerts,omitempty"`
	Janitor   JanitorConfig   `json:"janitor,omitempty"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`

	mu sync.RWMutex
}

// EngineConfig tunes the delivery pipeline.
type EngineConfig struct {
	Workers        int      `json:"workers"`         // delivery worker count
	ClaimBatch     int      `json:"claim_batch"`     // items per claim_due call
	MaxAttempts    int      `json:"max_attempts"`    // delivery retries before failed
	IngressBuffer  int      `json:"ingress_buffer"`  // per-session update buffer
	HealthInterval Duration `json:"health_interval"` // supervisor ping interval
	MaxFailures    int      `json:"max_failures"`    // consecutive ping failures before deactivation
}

// APIConfig configures the control-plane HTTP listener.
type APIConfig struct {
	Host  string `json:"host"`
	Port  int    `json:"port"`
	Token string `json:"-"` // from env AFX_API_TOKEN only
}

// Addr returns the listen address.
func (a APIConfig) Addr() string { return fmt.Sprintf("%s:%d", a.Host, a.Port) }

// DatabaseConfig selects the store backend. A Postgres DSN switches the engine
// to managed mode; otherwise a local SQLite file is used (standalone mode).
type DatabaseConfig struct {
	PostgresDSN string `json:"-"` // from env AFX_POSTGRES_DSN only
	SQLitePath  string `json:"sqlite_path,omitempty"`
}

// Managed reports whether the Postgres backend is configured.
func (d DatabaseConfig) Managed() bool { return d.PostgresDSN != "" }

// TelegramConfig carries the platform API credentials. The engine passes them
// through to the client library and never interprets them.
type TelegramConfig struct {
	APIID   int    `json:"-"` // from env AFX_TG_API_ID only
	APIHash string `json:"-"` // from env AFX_TG_API_HASH only
}

// LimitsConfig tunes the anti-ban controller.
type LimitsConfig struct {
	RatePerMinute     int     `json:"rate_per_minute"`
	RatePerHour       int     `json:"rate_per_hour"`
	WarningThreshold  float64 `json:"warning_threshold"`
	CriticalThreshold float64 `json:"critical_threshold"`
	EnforceDailyCap   bool    `json:"enforce_daily_cap"` // soft msgs_per_day check at enqueue
}

// AlertsConfig configures the optional operator alert bot.
type AlertsConfig struct {
	BotToken string `json:"-"` // from env AFX_ALERT_BOT_TOKEN only
	ChatID   int64  `json:"chat_id,omitempty"`
}

// JanitorConfig configures retention cleanup.
type JanitorConfig struct {
	Schedule          string   `json:"schedule"` // cron expression
	ActivityRetention Duration `json:"activity_retention"`
}

// TelemetryConfig configures OTLP trace export.
type TelemetryConfig struct {
	Enabled  bool   `json:"enabled,omitempty"`
	Endpoint string `json:"endpoint,omitempty"` // host:port of the OTLP collector
	Protocol string `json:"protocol,omitempty"` // "http" (default) or "grpc"
	Insecure bool   `json:"insecure,omitempty"`
}

// Duration is a time.Duration that unmarshals from JSON strings like "5m".
type Duration time.Duration

func (d *Duration) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		parsed, err := time.ParseDuration(s[1 : len(s)-1])
		if err != nil {
			return fmt.Errorf("parse duration %s: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	// bare number = seconds
	var secs float64
	if _, err := fmt.Sscanf(s, "%f", &secs); err != nil {
		return fmt.Errorf("parse duration %s: %w", s, err)
	}
	*d = Duration(time.Duration(secs * float64(time.Second)))
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf("%q", time.Duration(d).String())), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// SnapshotLimits returns a consistent copy of the tunable limits. The fsnotify
// watcher may replace them at runtime.
func (c *Config) SnapshotLimits() LimitsConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Limits
}

// SetLimits replaces the tunable limits (hot reload path).
func (c *Config) SetLimits(l LimitsConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Limits = l
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.Engine.Workers <= 0 {
		return fmt.Errorf("engine.workers must be positive, got %d", c.Engine.Workers)
	}
	if c.Engine.MaxAttempts <= 0 {
		return fmt.Errorf("engine.max_attempts must be positive, got %d", c.Engine.MaxAttempts)
	}
	if c.Limits.WarningThreshold <= 0 || c.Limits.WarningThreshold >= 1 {
		return fmt.Errorf("limits.warning_threshold must be in (0,1), got %v", c.Limits.WarningThreshold)
	}
	if c.Limits.CriticalThreshold <= c.Limits.WarningThreshold || c.Limits.CriticalThreshold >= 1 {
		return fmt.Errorf("limits.critical_threshold must be in (warning,1), got %v", c.Limits.CriticalThreshold)
	}
	if c.Telegram.APIID == 0 || c.Telegram.APIHash == "" {
		return fmt.Errorf("AFX_TG_API_ID and AFX_TG_API_HASH are required")
	}
	return nil
}

package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/titanous/json5"
)

// Default returns a Config with engine defaults applied.
func Default() *Config {
	return &Config{
		Engine: EngineConfig{
			Workers:        16,
			ClaimBatch:     32,
			MaxAttempts:    3,
			IngressBuffer:  256,
			HealthInterval: Duration(5 * time.Minute),
			MaxFailures:    3,
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 18600,
		},
		Database: DatabaseConfig{
			SQLitePath: "autoforwardx.db",
		},
		Limits: LimitsConfig{
			RatePerMinute:     20,
			RatePerHour:       300,
			WarningThreshold:  0.80,
			CriticalThreshold: 0.95,
		},
		Janitor: JanitorConfig{
			Schedule:          "0 3 * * *",
			ActivityRetention: Duration(30 * 24 * time.Hour),
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars. A missing file
// is not an error; defaults plus env apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config. Env takes precedence
// over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	envFloat := func(key string, dst *float64) {
		if v := os.Getenv(key); v != "" {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				*dst = f
			}
		}
	}

	envStr("AFX_POSTGRES_DSN", &c.Database.PostgresDSN)
	envStr("AFX_SQLITE_PATH", &c.Database.SQLitePath)
	envStr("AFX_API_TOKEN", &c.API.Token)
	envStr("AFX_HOST", &c.API.Host)
	envInt("AFX_PORT", &c.API.Port)

	envInt("AFX_TG_API_ID", &c.Telegram.APIID)
	envStr("AFX_TG_API_HASH", &c.Telegram.APIHash)

	envInt("AFX_WORKERS", &c.Engine.Workers)
	envInt("AFX_MAX_ATTEMPTS", &c.Engine.MaxAttempts)
	envInt("AFX_INGRESS_BUFFER", &c.Engine.IngressBuffer)
	if v := os.Getenv("AFX_HEALTH_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Engine.HealthInterval = Duration(d)
		}
	}

	envInt("AFX_RATE_LIMIT_PER_MINUTE", &c.Limits.RatePerMinute)
	envInt("AFX_RATE_LIMIT_PER_HOUR", &c.Limits.RatePerHour)
	envFloat("AFX_WARNING_THRESHOLD", &c.Limits.WarningThreshold)
	envFloat("AFX_CRITICAL_THRESHOLD", &c.Limits.CriticalThreshold)

	envStr("AFX_ALERT_BOT_TOKEN", &c.Alerts.BotToken)
	if v := os.Getenv("AFX_ALERT_CHAT_ID"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Alerts.ChatID = n
		}
	}
}

// Watch re-reads the tunable limits section when the config file changes.
// Only rate limits and thresholds are hot-reloaded; structural settings
// (workers, listeners, DSN) require a restart.
func (c *Config) Watch(path string, stop <-chan struct{}) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", path, err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				fresh, err := Load(path)
				if err != nil {
					slog.Warn("config reload failed", "error", err)
					continue
				}
				c.SetLimits(fresh.Limits)
				slog.Info("config limits reloaded",
					"per_minute", fresh.Limits.RatePerMinute,
					"per_hour", fresh.Limits.RatePerHour)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("config watcher error", "error", err)
			case <-stop:
				return
			}
		}
	}()
	return nil
}

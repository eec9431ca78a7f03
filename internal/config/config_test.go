package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Engine.Workers != 16 {
		t.Errorf("workers = %d, want 16", cfg.Engine.Workers)
	}
	if cfg.API.Port != 18600 {
		t.Errorf("port = %d, want 18600", cfg.API.Port)
	}
	if cfg.Database.Managed() {
		t.Error("default config must be standalone")
	}
	if cfg.Database.SQLitePath != "autoforwardx.db" {
		t.Errorf("sqlite path = %q", cfg.Database.SQLitePath)
	}
}

func TestLoad_FileWithComments(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	content := `{
	// delivery tuning
	engine: { workers: 4, health_interval: "90s" },
	api: { port: 9000 },
	limits: { rate_per_minute: 5 },
}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Engine.Workers != 4 {
		t.Errorf("workers = %d, want 4", cfg.Engine.Workers)
	}
	if cfg.Engine.HealthInterval.Std() != 90*time.Second {
		t.Errorf("health interval = %v, want 90s", cfg.Engine.HealthInterval.Std())
	}
	if cfg.API.Port != 9000 {
		t.Errorf("port = %d, want 9000", cfg.API.Port)
	}
	if cfg.Limits.RatePerMinute != 5 {
		t.Errorf("rate per minute = %d, want 5", cfg.Limits.RatePerMinute)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{api: {port: 9000}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("AFX_PORT", "9100")
	t.Setenv("AFX_API_TOKEN", "secret")
	t.Setenv("AFX_POSTGRES_DSN", "postgres://u:p@localhost/afx")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.API.Port != 9100 {
		t.Errorf("port = %d, want env override 9100", cfg.API.Port)
	}
	if cfg.API.Token != "secret" {
		t.Errorf("token = %q", cfg.API.Token)
	}
	if !cfg.Database.Managed() {
		t.Error("postgres dsn must switch to managed mode")
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := Default()
		cfg.Telegram.APIID = 12345
		cfg.Telegram.APIHash = "hash"
		return cfg
	}

	if err := valid().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero workers", func(c *Config) { c.Engine.Workers = 0 }},
		{"zero attempts", func(c *Config) { c.Engine.MaxAttempts = 0 }},
		{"warning out of range", func(c *Config) { c.Limits.WarningThreshold = 1.5 }},
		{"critical below warning", func(c *Config) { c.Limits.CriticalThreshold = 0.5 }},
		{"missing telegram creds", func(c *Config) { c.Telegram.APIID = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate accepted invalid config")
			}
		})
	}
}

func TestDuration_JSON(t *testing.T) {
	var d Duration
	if err := json.Unmarshal([]byte(`"2m30s"`), &d); err != nil {
		t.Fatal(err)
	}
	if d.Std() != 150*time.Second {
		t.Errorf("parsed = %v, want 2m30s", d.Std())
	}

	if err := json.Unmarshal([]byte(`45`), &d); err != nil {
		t.Fatal(err)
	}
	if d.Std() != 45*time.Second {
		t.Errorf("bare number = %v, want 45s", d.Std())
	}

	out, err := json.Marshal(Duration(90 * time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != `"1m30s"` {
		t.Errorf("marshal = %s, want \"1m30s\"", out)
	}
}

func TestSnapshotAndSetLimits(t *testing.T) {
	cfg := Default()
	l := cfg.SnapshotLimits()
	l.RatePerMinute = 99
	if cfg.SnapshotLimits().RatePerMinute == 99 {
		t.Error("snapshot must be a copy")
	}
	cfg.SetLimits(l)
	if cfg.SnapshotLimits().RatePerMinute != 99 {
		t.Error("SetLimits did not apply")
	}
}

func TestWatch_ReloadsLimits(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{limits: {rate_per_minute: 10}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	stop := make(chan struct{})
	defer close(stop)
	if err := cfg.Watch(path, stop); err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(path, []byte(`{limits: {rate_per_minute: 42, warning_threshold: 0.8, critical_threshold: 0.95}}`), 0o644); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(3 * time.Second)
	for {
		if cfg.SnapshotLimits().RatePerMinute == 42 {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("limits not reloaded, rate_per_minute = %d", cfg.SnapshotLimits().RatePerMinute)
		case <-time.After(50 * time.Millisecond):
		}
	}
}

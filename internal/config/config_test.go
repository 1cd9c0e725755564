package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaultsWhenFileMissing(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Database.Driver != "mysql" {
		t.Errorf("default driver = %q, want mysql", cfg.Database.Driver)
	}
	if cfg.Monitor.StatusTransitionDelay != 10*time.Minute {
		t.Errorf("default transition delay = %s, want 10m", cfg.Monitor.StatusTransitionDelay)
	}
	if cfg.Monitor.MaxScreenshotsPerBatch != 10 {
		t.Errorf("default max screenshots = %d, want 10", cfg.Monitor.MaxScreenshotsPerBatch)
	}
	if cfg.App.WorkerPoolSize != 4 {
		t.Errorf("default worker pool size = %d, want 4", cfg.App.WorkerPoolSize)
	}
}

func TestLoadParsesDurationStrings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	raw := `{
		"database": {"driver": "sqlite", "dsn": "file::memory:"},
		"ocr": {"api_key": "k", "timeout": "45s"},
		"monitor": {
			"status_transition_delay": "30m",
			"tx_timeout": "3s"
		}
	}`
	if err := os.WriteFile(path, []byte(raw), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.OCR.Timeout != 45*time.Second {
		t.Errorf("ocr timeout = %s, want 45s", cfg.OCR.Timeout)
	}
	if cfg.Monitor.StatusTransitionDelay != 30*time.Minute {
		t.Errorf("transition delay = %s, want 30m", cfg.Monitor.StatusTransitionDelay)
	}
	if cfg.Monitor.TxTimeout != 3*time.Second {
		t.Errorf("tx timeout = %s, want 3s", cfg.Monitor.TxTimeout)
	}
	// 文件未写的字段回落到默认值
	if cfg.Monitor.StatusCheckInterval != time.Minute {
		t.Errorf("check interval = %s, want default 1m", cfg.Monitor.StatusCheckInterval)
	}
	if cfg.Database.Driver != "sqlite" {
		t.Errorf("driver = %q, want sqlite", cfg.Database.Driver)
	}
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	raw := `{"monitor": {"status_transition_delay": "ten minutes"}}`
	if err := os.WriteFile(path, []byte(raw), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for malformed duration, got nil")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("OCR_API_KEY", "env-key")
	t.Setenv("REDIS_ADDR", "redis.internal:6380")
	t.Setenv("MONITOR_STATUS_TRANSITION_DELAY", "90s")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.OCR.APIKey != "env-key" {
		t.Errorf("ocr api key = %q, want env-key", cfg.OCR.APIKey)
	}
	if cfg.Redis.Addr != "redis.internal:6380" {
		t.Errorf("redis addr = %q, want redis.internal:6380", cfg.Redis.Addr)
	}
	if cfg.Monitor.StatusTransitionDelay != 90*time.Second {
		t.Errorf("transition delay = %s, want 90s", cfg.Monitor.StatusTransitionDelay)
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg := getDefaultConfig()
		cfg.OCR.APIKey = "k"
		return cfg
	}

	if err := base().Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing_api_key", func(c *Config) { c.OCR.APIKey = "" }},
		{"missing_endpoint", func(c *Config) { c.OCR.Endpoint = "" }},
		{"zero_transition_delay", func(c *Config) { c.Monitor.StatusTransitionDelay = 0 }},
		{"zero_check_interval", func(c *Config) { c.Monitor.StatusCheckInterval = 0 }},
		{"zero_cleanup_days", func(c *Config) { c.Monitor.CleanupOldDataDays = 0 }},
		{"zero_batch_limit", func(c *Config) { c.Monitor.MaxScreenshotsPerBatch = 0 }},
		{"bad_driver", func(c *Config) { c.Database.Driver = "postgres" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Errorf("expected validation error for %s, got nil", tt.name)
			}
		})
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	cfg := getDefaultConfig()
	cfg.Monitor.StatusTransitionDelay = 25 * time.Minute

	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Monitor.StatusTransitionDelay != 25*time.Minute {
		t.Errorf("round-trip delay = %s, want 25m", loaded.Monitor.StatusTransitionDelay)
	}
}

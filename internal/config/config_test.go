package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	if cfg.StoreBackend != "notion" {
		t.Fatalf("default store backend = %s", cfg.StoreBackend)
	}
	if cfg.HTTPPort == "" {
		t.Fatalf("http port must have a default")
	}
	if cfg.SweepInterval <= 0 {
		t.Fatalf("sweep interval = %s", cfg.SweepInterval)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("STORE_BACKEND", "postgres")
	t.Setenv("SWEEP_INTERVAL", "30s")
	t.Setenv("RATE_LIMIT_PER_MIN", "5")
	cfg := Load()
	if cfg.StoreBackend != "postgres" {
		t.Fatalf("store backend = %s", cfg.StoreBackend)
	}
	if cfg.SweepInterval != 30*time.Second {
		t.Fatalf("sweep interval = %s", cfg.SweepInterval)
	}
	if cfg.RateLimitPerMin != 5 {
		t.Fatalf("rate limit = %d", cfg.RateLimitPerMin)
	}
}

func TestLoadBadValuesFallBack(t *testing.T) {
	t.Setenv("SWEEP_INTERVAL", "often")
	t.Setenv("RATE_LIMIT_PER_MIN", "lots")
	cfg := Load()
	if cfg.SweepInterval != 5*time.Minute {
		t.Fatalf("sweep interval fallback = %s", cfg.SweepInterval)
	}
	if cfg.RateLimitPerMin != 120 {
		t.Fatalf("rate limit fallback = %d", cfg.RateLimitPerMin)
	}
}

package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("SCRIBEDROP_ENV", "")
	t.Setenv("SCRIBEDROP_ADDRESS", "")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Backend != BackendPostgres || cfg.Language != "en" {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.SignedURLTTL != 15*time.Minute || cfg.WatchdogMinutes != 30 {
		t.Fatalf("unexpected timing defaults ttl=%s watchdog=%d", cfg.SignedURLTTL, cfg.WatchdogMinutes)
	}
	if len(cfg.SigningSecret) == 0 {
		t.Fatalf("expected generated signing secret")
	}
	if cfg.PublicBaseURL != "http://localhost:8080" {
		t.Fatalf("unexpected public base url %s", cfg.PublicBaseURL)
	}
	if cfg.KafkaBrokers != nil {
		t.Fatalf("expected kafka disabled by default, got %v", cfg.KafkaBrokers)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("SCRIBEDROP_BACKEND", "memory")
	t.Setenv("SCRIBEDROP_SIGNED_TTL", "2m")
	t.Setenv("SCRIBEDROP_WATCHDOG_MINUTES", "-4")
	t.Setenv("SCRIBEDROP_KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("SCRIBEDROP_S3_USE_SSL", "true")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Backend != BackendMemory || cfg.SignedURLTTL != 2*time.Minute || !cfg.S3UseSSL {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if cfg.WatchdogMinutes != 30 {
		t.Fatalf("expected non-positive watchdog to fall back, got %d", cfg.WatchdogMinutes)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "k2:9092" {
		t.Fatalf("unexpected brokers %v", cfg.KafkaBrokers)
	}
}

func TestLoadRejectsMockInProduction(t *testing.T) {
	t.Setenv("SCRIBEDROP_ENV", "production")
	t.Setenv("SCRIBEDROP_ENGINE", "mock")
	if _, err := Load(); err == nil {
		t.Fatalf("expected mock engine to be refused in production")
	}
}

func TestLoadRejectsUnknownBackend(t *testing.T) {
	t.Setenv("SCRIBEDROP_BACKEND", "sqlite")
	if _, err := Load(); err == nil {
		t.Fatalf("expected unknown backend to fail")
	}
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("app:\n  environment: test\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.App.Environment != "test" {
		t.Fatalf("expected file value, got %q", cfg.App.Environment)
	}
	if cfg.RateLimit.Capacity != 10 || cfg.RateLimit.RefillEvery != time.Minute {
		t.Fatalf("unexpected rate limit defaults: %+v", cfg.RateLimit)
	}
	if cfg.Breaker.Tracking.Cooldown != 30*time.Second || cfg.Breaker.Polling.FailureThreshold != 5 {
		t.Fatalf("unexpected breaker defaults: %+v", cfg.Breaker)
	}
	if len(cfg.Telemetry.Rules) != 4 {
		t.Fatalf("expected default rules, got %d", len(cfg.Telemetry.Rules))
	}
	if cfg.Telemetry.Rules[0].Window != 15*time.Minute {
		t.Fatalf("rule window not decoded: %+v", cfg.Telemetry.Rules[0])
	}
	if cfg.Provider.Cost("submit_search") != 0.10 {
		t.Fatalf("unexpected submit cost %v", cfg.Provider.Cost("submit_search"))
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("CASEMONITOR_DISPATCHER_CONCURRENCY", "3")
	t.Setenv("CASEMONITOR_WEBHOOK_SECRET", "s3cret")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Dispatcher.Concurrency != 3 || cfg.Webhook.Secret != "s3cret" {
		t.Fatalf("env override not applied: %+v %+v", cfg.Dispatcher, cfg.Webhook)
	}
}

func TestValidateRejectsBadRule(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := []byte(`telemetry:
  rules:
    - id: bogus
      metric: latency
      window: 1m
`)
	if err := os.WriteFile(path, body, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected unknown metric to be rejected")
	}
}

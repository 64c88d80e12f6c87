package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CORE_ENV", "testing")
	t.Setenv("CORE_DB_URL", "")
	t.Setenv("CORE_PAYMENT_WEBHOOK_SECRET", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Env != Testing {
		t.Fatalf("expected testing environment, got %s", cfg.Env)
	}
	if cfg.TaskBackoffBase.Seconds() != 30 {
		t.Fatalf("expected default backoff base of 30s, got %s", cfg.TaskBackoffBase)
	}
	if cfg.TaskBackoffCap.Seconds() != 3600 {
		t.Fatalf("expected default backoff cap of 3600s, got %s", cfg.TaskBackoffCap)
	}
	if cfg.TenantMaxConcurrency != 8 {
		t.Fatalf("expected default concurrency cap of 8, got %d", cfg.TenantMaxConcurrency)
	}
	if cfg.BusinessTZ != "America/New_York" {
		t.Fatalf("expected default business tz, got %s", cfg.BusinessTZ)
	}
}

func TestValidateRejectsInvertedBackoff(t *testing.T) {
	cfg := Config{
		TaskBackoffBase:      time.Minute,
		TaskBackoffCap:       time.Second,
		TenantMaxConcurrency: 1,
		AIBudgetToken:        1,
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for backoff cap below base")
	}
}

func TestValidateRequiresWebhookSecretInProduction(t *testing.T) {
	cfg := Config{
		Env:                  Production,
		TaskBackoffBase:      time.Second,
		TaskBackoffCap:       time.Minute,
		TenantMaxConcurrency: 1,
		AIBudgetToken:        1,
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for missing webhook secret in production")
	}
}

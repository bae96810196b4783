package config

import (
	"testing"
	"time"
)

func TestValidateClampsRetentionWindow(t *testing.T) {
	cases := []struct {
		in   time.Duration
		want time.Duration
	}{
		{1 * time.Hour, MinRetentionWindow},
		{6 * time.Hour, 6 * time.Hour},
		{9 * time.Hour, 9 * time.Hour},
		{12 * time.Hour, 12 * time.Hour},
		{48 * time.Hour, MaxRetentionWindow},
	}

	for _, tc := range cases {
		cfg := &Config{Backup: BackupConfig{RetentionWindow: tc.in}}
		if err := cfg.Validate(); err != nil {
			t.Fatalf("validate failed for %v: %v", tc.in, err)
		}
		if cfg.Backup.RetentionWindow != tc.want {
			t.Errorf("retention %v clamped to %v, want %v", tc.in, cfg.Backup.RetentionWindow, tc.want)
		}
	}
}

func TestValidateRequiresSecretsInProduction(t *testing.T) {
	cfg := &Config{
		Server: ServerConfig{Env: "production"},
		Backup: BackupConfig{RetentionWindow: 6 * time.Hour},
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("production config without admin token must fail validation")
	}

	cfg.Admin.Token = "tok"
	if err := cfg.Validate(); err == nil {
		t.Fatal("production config without webhook secret must fail validation")
	}

	cfg.Webhook.Secret = "sec"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("fully configured production config rejected: %v", err)
	}
}

func TestValidateLenientInDevelopment(t *testing.T) {
	cfg := &Config{
		Server: ServerConfig{Env: "development"},
		Backup: BackupConfig{RetentionWindow: 6 * time.Hour},
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("development config should not require secrets: %v", err)
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if cfg.Rotation.SpendThreshold == "" {
		t.Fatal("spend threshold default missing")
	}
	if cfg.Backup.RetentionWindow < MinRetentionWindow || cfg.Backup.RetentionWindow > MaxRetentionWindow {
		t.Fatalf("retention window %v outside bounds", cfg.Backup.RetentionWindow)
	}
	if cfg.RateLimit.WebhookLimit <= 0 {
		t.Fatal("webhook rate limit must be positive")
	}
}

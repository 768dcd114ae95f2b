package config

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("WEBHOOK_SECRETS", "")
	t.Setenv("WITHDRAWAL_FEE", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Vesting.Tier1Window != 90*24*time.Hour {
		t.Errorf("tier1 window = %s", cfg.Vesting.Tier1Window)
	}
	if cfg.Vesting.Tier2Window != 360*24*time.Hour {
		t.Errorf("tier2 window = %s", cfg.Vesting.Tier2Window)
	}
	if !cfg.Withdrawal.Fee.IsZero() {
		t.Errorf("fee = %s, want 0", cfg.Withdrawal.Fee)
	}
	if len(cfg.Server.WebhookSecrets) != 0 {
		t.Errorf("expected no webhook secrets, got %v", cfg.Server.WebhookSecrets)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("WITHDRAWAL_FEE", "1.25")
	t.Setenv("LISTENER_POLLING_INTERVAL", "90s")
	t.Setenv("WEBHOOK_SECRETS", "generic=s1, impact = s2")
	t.Setenv("RATE_LIMIT_RPM", "30")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !cfg.Withdrawal.Fee.Equal(decimal.RequireFromString("1.25")) {
		t.Errorf("fee = %s", cfg.Withdrawal.Fee)
	}
	if cfg.Listener.PollingInterval != 90*time.Second {
		t.Errorf("polling interval = %s", cfg.Listener.PollingInterval)
	}
	if cfg.Server.WebhookSecrets["generic"] != "s1" || cfg.Server.WebhookSecrets["impact"] != "s2" {
		t.Errorf("unexpected secrets %v", cfg.Server.WebhookSecrets)
	}
	if cfg.Server.RequestsPerMinute != 30 {
		t.Errorf("rpm = %v", cfg.Server.RequestsPerMinute)
	}
}

func TestLoadRejectsMalformedValues(t *testing.T) {
	tests := []struct {
		key   string
		value string
	}{
		{"MERGE_INTERVAL", "hourly"},
		{"WITHDRAWAL_FEE", "abc"},
		{"WITHDRAWAL_FEE", "-1"},
		{"WEBHOOK_SECRETS", "generic"},
		{"PRIME_UNITS_PER_ASSET", "0"},
	}
	for _, tt := range tests {
		t.Run(tt.key+"="+tt.value, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			if _, err := Load(); err == nil {
				t.Errorf("expected error for %s=%q", tt.key, tt.value)
			}
		})
	}
}

package config

import (
	"strings"
	"testing"
	"time"
)

func setRequired(t *testing.T) {
	t.Helper()
	for k, v := range map[string]string{
		"ALGOD_URL":       "http://algod:4001",
		"API_TOKEN":       "svc-token",
		"FEE_RECIPIENT":   "FEEADDR",
		"SPONSOR_SECRET":  "0x" + strings.Repeat("11", 32),
		"CUSD_ASSET_ID":   "31566704",
		"CONFIO_ASSET_ID": "744368179",
		"PAYMENT_APP_ID":  "1001",
		"P2P_APP_ID":      "1002",
		"INVITE_APP_ID":   "1003",
		"PAYROLL_APP_ID":  "1004",
		"PRESALE_APP_ID":  "1005",
		"REWARDS_APP_ID":  "1006",
	} {
		t.Setenv(k, v)
	}
}

func TestLoad_DefaultsAndEnv(t *testing.T) {
	setRequired(t)
	t.Setenv("ROUND_WINDOW", "500")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 8080 || cfg.Server.GRPCPort != 9090 {
		t.Errorf("ports: %d %d", cfg.Server.Port, cfg.Server.GRPCPort)
	}
	if cfg.Store.Driver != "redis" {
		t.Errorf("store driver: %q", cfg.Store.Driver)
	}
	if cfg.Timing.RoundWindow != 500 {
		t.Errorf("ROUND_WINDOW not applied: %d", cfg.Timing.RoundWindow)
	}
	if cfg.Contracts.PresaleAppID != 1005 {
		t.Errorf("PRESALE_APP_ID: %d", cfg.Contracts.PresaleAppID)
	}
	if !cfg.Contracts.P2PSponsored || cfg.Contracts.PayrollSponsored {
		t.Error("sponsorship defaults wrong")
	}
	// (500 + 10) rounds at 2.8s
	if got := cfg.Timing.ReservationTTL(); got != 510*2800*time.Millisecond {
		t.Errorf("reservation ttl: %v", got)
	}
}

func TestLoad_MissingAlgodURL(t *testing.T) {
	setRequired(t)
	t.Setenv("ALGOD_URL", "")

	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "ALGOD_URL") {
		t.Fatalf("expected ALGOD_URL error, got %v", err)
	}
}

func TestLoad_KeySourcesExclusive(t *testing.T) {
	setRequired(t)
	t.Setenv("SPONSOR_KMS_KEY_ID", "arn:aws:kms:us-east-1:1:key/abc")

	if _, err := Load(); err == nil {
		t.Fatal("secret and KMS key accepted together")
	}
}

func TestLoad_PostgresNeedsDSN(t *testing.T) {
	setRequired(t)
	t.Setenv("STORE_DRIVER", "postgres")

	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "POSTGRES_DSN") {
		t.Fatalf("expected POSTGRES_DSN error, got %v", err)
	}
}

package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig
	Redis     RedisConfig
	Store     StoreConfig
	Algod     AlgodConfig
	Sponsor   SponsorConfig
	Timing    TimingConfig
	Contracts ContractsConfig
}

type ServerConfig struct {
	Port      int     `mapstructure:"port"`
	GRPCPort  int     `mapstructure:"grpc_port"`
	APIToken  string  `mapstructure:"api_token"`
	RateLimit float64 `mapstructure:"rate_limit"`
	RateBurst int     `mapstructure:"rate_burst"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
}

// StoreConfig selects the record store: "redis" (default) or "postgres".
type StoreConfig struct {
	Driver      string `mapstructure:"driver"`
	PostgresDSN string `mapstructure:"postgres_dsn"`
}

type AlgodConfig struct {
	URL           string `mapstructure:"url"`
	Token         string `mapstructure:"token"`
	TimeoutSec    int64  `mapstructure:"timeout_sec"`
	RetryBudget   int    `mapstructure:"retry_budget"`
	MaxConcurrent int64  `mapstructure:"max_concurrent"`
}

func (a AlgodConfig) Timeout() time.Duration { return time.Duration(a.TimeoutSec) * time.Second }

// SponsorConfig holds the sponsor key source and its funding thresholds, all
// in microalgos. Exactly one of Secret or KMSKeyID is set.
type SponsorConfig struct {
	Secret              string `mapstructure:"secret"`
	KMSKeyID            string `mapstructure:"kms_key_id"`
	KMSRegion           string `mapstructure:"kms_region"`
	MinOperatingBalance uint64 `mapstructure:"min_operating_balance"`
	WarningThreshold    uint64 `mapstructure:"warning_threshold"`
	PerTxCap            uint64 `mapstructure:"per_tx_cap"`
	RefreshIntervalSec  int64  `mapstructure:"refresh_interval_sec"`
	DriftTolerance      uint64 `mapstructure:"drift_tolerance"`
}

func (s SponsorConfig) RefreshInterval() time.Duration {
	return time.Duration(s.RefreshIntervalSec) * time.Second
}

type TimingConfig struct {
	RoundWindow      uint64 `mapstructure:"round_window"`
	SafetyMargin     uint64 `mapstructure:"safety_margin"`
	RoundDurationMs  int64  `mapstructure:"round_duration_ms"`
	SubmitTimeoutSec int64  `mapstructure:"submit_timeout_sec"`
	SweepIntervalSec int64  `mapstructure:"sweep_interval_sec"`
	ConfirmPollMs    int64  `mapstructure:"confirm_poll_ms"`
	DryRun           bool   `mapstructure:"dry_run"`
}

func (t TimingConfig) RoundDuration() time.Duration {
	return time.Duration(t.RoundDurationMs) * time.Millisecond
}

func (t TimingConfig) SubmitTimeout() time.Duration {
	return time.Duration(t.SubmitTimeoutSec) * time.Second
}

func (t TimingConfig) SweepInterval() time.Duration {
	return time.Duration(t.SweepIntervalSec) * time.Second
}

func (t TimingConfig) ConfirmPoll() time.Duration {
	return time.Duration(t.ConfirmPollMs) * time.Millisecond
}

// ReservationTTL is one round window plus the safety margin, in wall time.
func (t TimingConfig) ReservationTTL() time.Duration {
	return time.Duration(t.RoundWindow+t.SafetyMargin) * t.RoundDuration()
}

type ContractsConfig struct {
	CUSDAssetID   uint64 `mapstructure:"cusd_asset_id"`
	CONFIOAssetID uint64 `mapstructure:"confio_asset_id"`
	FeeRecipient  string `mapstructure:"fee_recipient"`

	PaymentAppID uint64 `mapstructure:"payment_app_id"`
	P2PAppID     uint64 `mapstructure:"p2p_app_id"`
	InviteAppID  uint64 `mapstructure:"invite_app_id"`
	PayrollAppID uint64 `mapstructure:"payroll_app_id"`
	PresaleAppID uint64 `mapstructure:"presale_app_id"`
	RewardsAppID uint64 `mapstructure:"rewards_app_id"`

	P2PSponsored     bool `mapstructure:"p2p_sponsored"`
	InviteSponsored  bool `mapstructure:"invite_sponsored"`
	PayrollSponsored bool `mapstructure:"payroll_sponsored"`
}

func Load() (*Config, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.grpc_port", 9090)
	v.SetDefault("server.rate_limit", 20.0)
	v.SetDefault("server.rate_burst", 40)
	v.SetDefault("redis.addr", "redis:6379")
	v.SetDefault("store.driver", "redis")
	v.SetDefault("algod.timeout_sec", 10)
	v.SetDefault("algod.retry_budget", 5)
	v.SetDefault("algod.max_concurrent", 16)
	v.SetDefault("sponsor.kms_region", "us-east-1")
	v.SetDefault("sponsor.min_operating_balance", 1_000_000)
	v.SetDefault("sponsor.warning_threshold", 5_000_000)
	v.SetDefault("sponsor.per_tx_cap", 2_000_000)
	v.SetDefault("sponsor.refresh_interval_sec", 30)
	v.SetDefault("sponsor.drift_tolerance", 100_000)
	v.SetDefault("timing.round_window", 1000)
	v.SetDefault("timing.safety_margin", 10)
	v.SetDefault("timing.round_duration_ms", 2800)
	v.SetDefault("timing.submit_timeout_sec", 60)
	v.SetDefault("timing.sweep_interval_sec", 15)
	v.SetDefault("timing.confirm_poll_ms", 1000)
	v.SetDefault("timing.dry_run", false)
	v.SetDefault("contracts.p2p_sponsored", true)
	v.SetDefault("contracts.invite_sponsored", true)
	v.SetDefault("contracts.payroll_sponsored", false)

	// Config file (optional)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/app")
	_ = v.ReadInConfig()

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit env bindings
	bindings := map[string]string{
		"server.port":                   "PORT",
		"server.grpc_port":              "GRPC_PORT",
		"server.api_token":              "API_TOKEN",
		"server.rate_limit":             "RATE_LIMIT",
		"server.rate_burst":             "RATE_BURST",
		"redis.addr":                    "REDIS_ADDR",
		"redis.password":                "REDIS_PASSWORD",
		"store.driver":                  "STORE_DRIVER",
		"store.postgres_dsn":            "POSTGRES_DSN",
		"algod.url":                     "ALGOD_URL",
		"algod.token":                   "ALGOD_TOKEN",
		"algod.timeout_sec":             "ALGOD_TIMEOUT_SEC",
		"algod.retry_budget":            "ALGOD_RETRY_BUDGET",
		"algod.max_concurrent":          "ALGOD_MAX_CONCURRENT",
		"sponsor.secret":                "SPONSOR_SECRET",
		"sponsor.kms_key_id":            "SPONSOR_KMS_KEY_ID",
		"sponsor.kms_region":            "SPONSOR_KMS_REGION",
		"sponsor.min_operating_balance": "SPONSOR_MIN_BALANCE",
		"sponsor.warning_threshold":     "SPONSOR_WARNING_THRESHOLD",
		"sponsor.per_tx_cap":            "SPONSOR_PER_TX_CAP",
		"sponsor.refresh_interval_sec":  "SPONSOR_REFRESH_SEC",
		"sponsor.drift_tolerance":       "SPONSOR_DRIFT_TOLERANCE",
		"timing.round_window":           "ROUND_WINDOW",
		"timing.safety_margin":          "ROUND_SAFETY_MARGIN",
		"timing.round_duration_ms":      "ROUND_DURATION_MS",
		"timing.submit_timeout_sec":     "SUBMIT_TIMEOUT_SEC",
		"timing.sweep_interval_sec":     "SWEEP_INTERVAL_SEC",
		"timing.confirm_poll_ms":        "CONFIRM_POLL_MS",
		"timing.dry_run":                "DRY_RUN",
		"contracts.cusd_asset_id":       "CUSD_ASSET_ID",
		"contracts.confio_asset_id":     "CONFIO_ASSET_ID",
		"contracts.fee_recipient":       "FEE_RECIPIENT",
		"contracts.payment_app_id":      "PAYMENT_APP_ID",
		"contracts.p2p_app_id":          "P2P_APP_ID",
		"contracts.invite_app_id":       "INVITE_APP_ID",
		"contracts.payroll_app_id":      "PAYROLL_APP_ID",
		"contracts.presale_app_id":      "PRESALE_APP_ID",
		"contracts.rewards_app_id":      "REWARDS_APP_ID",
		"contracts.p2p_sponsored":       "P2P_SPONSORED",
		"contracts.invite_sponsored":    "INVITE_SPONSORED",
		"contracts.payroll_sponsored":   "PAYROLL_SPONSORED",
	}
	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	type req struct {
		val  string
		name string
	}
	for _, r := range []req{
		{c.Algod.URL, "ALGOD_URL"},
		{c.Server.APIToken, "API_TOKEN"},
		{c.Contracts.FeeRecipient, "FEE_RECIPIENT"},
	} {
		if r.val == "" {
			return fmt.Errorf("required config missing: %s", r.name)
		}
	}
	type reqID struct {
		val  uint64
		name string
	}
	for _, r := range []reqID{
		{c.Contracts.CUSDAssetID, "CUSD_ASSET_ID"},
		{c.Contracts.CONFIOAssetID, "CONFIO_ASSET_ID"},
		{c.Contracts.PaymentAppID, "PAYMENT_APP_ID"},
		{c.Contracts.P2PAppID, "P2P_APP_ID"},
		{c.Contracts.InviteAppID, "INVITE_APP_ID"},
		{c.Contracts.PayrollAppID, "PAYROLL_APP_ID"},
		{c.Contracts.PresaleAppID, "PRESALE_APP_ID"},
		{c.Contracts.RewardsAppID, "REWARDS_APP_ID"},
	} {
		if r.val == 0 {
			return fmt.Errorf("required config missing: %s", r.name)
		}
	}

	switch {
	case c.Sponsor.Secret == "" && c.Sponsor.KMSKeyID == "":
		return fmt.Errorf("required config missing: SPONSOR_SECRET or SPONSOR_KMS_KEY_ID")
	case c.Sponsor.Secret != "" && c.Sponsor.KMSKeyID != "":
		return fmt.Errorf("SPONSOR_SECRET and SPONSOR_KMS_KEY_ID are mutually exclusive")
	}
	switch c.Store.Driver {
	case "redis":
	case "postgres":
		if c.Store.PostgresDSN == "" {
			return fmt.Errorf("required config missing: POSTGRES_DSN")
		}
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.Store.Driver)
	}
	if c.Timing.RoundWindow <= c.Timing.SafetyMargin {
		return fmt.Errorf("ROUND_WINDOW (%d) must exceed ROUND_SAFETY_MARGIN (%d)", c.Timing.RoundWindow, c.Timing.SafetyMargin)
	}
	if c.Sponsor.WarningThreshold < c.Sponsor.MinOperatingBalance {
		return fmt.Errorf("SPONSOR_WARNING_THRESHOLD below SPONSOR_MIN_BALANCE")
	}
	return nil
}

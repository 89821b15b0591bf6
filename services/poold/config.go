package poold

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"tidepool/core/epoch"
	"tidepool/crypto"
	"tidepool/native/distribution"
	"tidepool/native/fees"
	"tidepool/native/weights"
)

// Duration wraps time.Duration to support YAML and TOML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	return d.UnmarshalText([]byte(value.Value))
}

// UnmarshalText parses human readable duration strings.
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures the runtime configuration for poold.
type Config struct {
	ListenAddress string                 `yaml:"listen" toml:"listen"`
	DataDir       string                 `yaml:"data_dir" toml:"data_dir"`
	Environment   string                 `yaml:"environment" toml:"environment"`
	EpochLength   Duration               `yaml:"epoch_length" toml:"epoch_length"`
	Assets        []string               `yaml:"assets" toml:"assets"`
	Admin         string                 `yaml:"admin" toml:"admin"`
	Targets       []TargetConfig         `yaml:"targets" toml:"targets"`
	Fees          FeesConfig             `yaml:"fees" toml:"fees"`
	Auth          AuthConfig             `yaml:"auth" toml:"auth"`
	RateLimits    map[string]RateLimit   `yaml:"rate_limits" toml:"rate_limits"`
	History       HistoryConfig          `yaml:"history" toml:"history"`
	Keeper        KeeperConfig           `yaml:"keeper" toml:"keeper"`
	Weights       WeightsConfig          `yaml:"weights" toml:"weights"`
	Logging       LoggingConfig          `yaml:"logging" toml:"logging"`
	Telemetry     TelemetryConfig        `yaml:"telemetry" toml:"telemetry"`
	Webhooks      []WebhookConfig        `yaml:"webhooks" toml:"webhooks"`
	Genesis       []GenesisMint          `yaml:"genesis" toml:"genesis"`
}

// TargetConfig declares a distribution target and its recovery policy.
type TargetConfig struct {
	Name        string `yaml:"name" toml:"name"`
	Policy      string `yaml:"policy" toml:"policy"`
	GraceEpochs uint64 `yaml:"grace_epochs" toml:"grace_epochs"`
	Treasury    string `yaml:"treasury" toml:"treasury"`
}

// FeesConfig configures the fee router split.
type FeesConfig struct {
	BurnShareBps  uint32 `yaml:"burn_share_bps" toml:"burn_share_bps"`
	RewardsTarget string `yaml:"rewards_target" toml:"rewards_target"`
}

// AuthConfig configures bearer token validation for privileged endpoints.
type AuthConfig struct {
	HMACSecret     string   `yaml:"hmac_secret" toml:"hmac_secret"`
	HMACSecretFile string   `yaml:"hmac_secret_file" toml:"hmac_secret_file"`
	HMACSecretEnv  string   `yaml:"hmac_secret_env" toml:"hmac_secret_env"`
	Issuer         string   `yaml:"issuer" toml:"issuer"`
	Audience       string   `yaml:"audience" toml:"audience"`
	ScopeClaim     string   `yaml:"scope_claim" toml:"scope_claim"`
	ClockSkew      Duration `yaml:"clock_skew" toml:"clock_skew"`
}

// RateLimit bounds requests per client for a route group.
type RateLimit struct {
	RequestsPerMinute float64 `yaml:"requests_per_minute" toml:"requests_per_minute"`
	Burst             int     `yaml:"burst" toml:"burst"`
}

// HistoryConfig selects the event history database.
type HistoryConfig struct {
	DSN     string `yaml:"dsn" toml:"dsn"`
	DSNEnv  string `yaml:"dsn_env" toml:"dsn_env"`
	Disable bool   `yaml:"disable" toml:"disable"`
}

// KeeperConfig drives the background checkpoint loop.
type KeeperConfig struct {
	Interval Duration `yaml:"interval" toml:"interval"`
}

// WeightsConfig tunes the frozen-epoch weight cache.
type WeightsConfig struct {
	CacheSize int `yaml:"cache_size" toml:"cache_size"`
}

// LoggingConfig controls structured log output.
type LoggingConfig struct {
	Level      string `yaml:"level" toml:"level"`
	File       string `yaml:"file" toml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" toml:"max_age_days"`
}

// TelemetryConfig configures the OTLP exporters.
type TelemetryConfig struct {
	Endpoint    string            `yaml:"endpoint" toml:"endpoint"`
	Insecure    bool              `yaml:"insecure" toml:"insecure"`
	Headers     map[string]string `yaml:"headers" toml:"headers"`
	Metrics     bool              `yaml:"metrics" toml:"metrics"`
	Traces      bool              `yaml:"traces" toml:"traces"`
	SampleRatio float64           `yaml:"sample_ratio" toml:"sample_ratio"`
}

// WebhookConfig registers an endpoint for committed ledger events.
type WebhookConfig struct {
	Endpoint    string   `yaml:"endpoint" toml:"endpoint"`
	Secret      string   `yaml:"secret" toml:"secret"`
	SecretFile  string   `yaml:"secret_file" toml:"secret_file"`
	EventTypes  []string `yaml:"event_types" toml:"event_types"`
	MaxAttempts int      `yaml:"max_attempts" toml:"max_attempts"`
}

// GenesisMint credits an account once, when the ledger has no recorded assets.
type GenesisMint struct {
	Asset   string `yaml:"asset" toml:"asset"`
	Account string `yaml:"account" toml:"account"`
	Amount  string `yaml:"amount" toml:"amount"`
}

// LoadConfig reads configuration from the supplied path. Files ending in
// .toml are decoded as TOML, everything else as YAML.
func LoadConfig(path string) (Config, error) {
	cfg := Config{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
	default:
		file, err := os.Open(path)
		if err != nil {
			return cfg, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()
		dec := yaml.NewDecoder(file)
		if err := dec.Decode(&cfg); err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
	}
	applyDefaults(&cfg)
	if err := cfg.Auth.normalise(); err != nil {
		return cfg, fmt.Errorf("auth: %w", err)
	}
	if err := cfg.History.normalise(); err != nil {
		return cfg, fmt.Errorf("history: %w", err)
	}
	for i := range cfg.Webhooks {
		if err := cfg.Webhooks[i].normalise(); err != nil {
			return cfg, fmt.Errorf("webhook %d: %w", i, err)
		}
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":8090"
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "data/poold"
	}
	if cfg.EpochLength.Duration == 0 {
		cfg.EpochLength.Duration = epoch.DefaultLength
	}
	if cfg.Auth.ScopeClaim == "" {
		cfg.Auth.ScopeClaim = "scope"
	}
	if cfg.Auth.ClockSkew.Duration == 0 {
		cfg.Auth.ClockSkew.Duration = 2 * time.Minute
	}
	if cfg.RateLimits == nil {
		cfg.RateLimits = map[string]RateLimit{
			"mutations": {RequestsPerMinute: 120, Burst: 20},
		}
	}
	if cfg.Weights.CacheSize <= 0 {
		cfg.Weights.CacheSize = weights.DefaultCacheSize
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Fees.RewardsTarget == "" && len(cfg.Targets) > 0 {
		cfg.Fees.RewardsTarget = cfg.Targets[0].Name
	}
}

func validateConfig(cfg Config) error {
	if err := (epoch.Config{Length: cfg.EpochLength.Duration}).Validate(); err != nil {
		return err
	}
	if len(cfg.Targets) == 0 {
		return fmt.Errorf("at least one distribution target must be configured")
	}
	if _, err := cfg.DistributionTargets(); err != nil {
		return err
	}
	if strings.TrimSpace(cfg.Admin) != "" {
		if _, err := crypto.ParseIdentity(cfg.Admin); err != nil {
			return fmt.Errorf("admin: %w", err)
		}
	}
	if err := cfg.FeePolicy().Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(cfg.Auth.HMACSecret) == "" {
		return fmt.Errorf("auth hmac secret must be configured")
	}
	for i, mint := range cfg.Genesis {
		if strings.TrimSpace(mint.Asset) == "" {
			return fmt.Errorf("genesis %d: asset required", i)
		}
		if _, err := crypto.ParseIdentity(mint.Account); err != nil {
			return fmt.Errorf("genesis %d: %w", i, err)
		}
		if _, err := parseAmount(mint.Amount); err != nil {
			return fmt.Errorf("genesis %d: %w", i, err)
		}
	}
	return nil
}

// DistributionTargets converts the configured targets into engine targets.
func (c Config) DistributionTargets() ([]distribution.Target, error) {
	out := make([]distribution.Target, 0, len(c.Targets))
	for _, raw := range c.Targets {
		policy, err := distribution.ParseRecoveryPolicy(raw.Policy)
		if err != nil {
			return nil, fmt.Errorf("target %s: %w", raw.Name, err)
		}
		target := distribution.Target{Name: raw.Name, Policy: policy, GraceEpochs: raw.GraceEpochs}
		if strings.TrimSpace(raw.Treasury) != "" {
			treasury, err := crypto.ParseIdentity(raw.Treasury)
			if err != nil {
				return nil, fmt.Errorf("target %s treasury: %w", raw.Name, err)
			}
			target.Treasury = treasury
		}
		if err := target.Validate(); err != nil {
			return nil, fmt.Errorf("target %s: %w", raw.Name, err)
		}
		out = append(out, target)
	}
	return out, nil
}

// FeePolicy returns the configured fee router policy.
func (c Config) FeePolicy() fees.Policy {
	return fees.Policy{BurnShareBps: c.Fees.BurnShareBps, RewardsTarget: c.Fees.RewardsTarget}.Normalized()
}

// AdminIdentity returns the configured sweep administrator, if any.
func (c Config) AdminIdentity() ([20]byte, bool) {
	if strings.TrimSpace(c.Admin) == "" {
		return [20]byte{}, false
	}
	id, err := crypto.ParseIdentity(c.Admin)
	if err != nil {
		return [20]byte{}, false
	}
	return id, true
}

func (g GenesisMint) parse() ([20]byte, *big.Int, error) {
	to, err := crypto.ParseIdentity(g.Account)
	if err != nil {
		return [20]byte{}, nil, err
	}
	amount, err := parseAmount(g.Amount)
	if err != nil {
		return [20]byte{}, nil, err
	}
	return to, amount, nil
}

// parseAmount decodes a non-negative base-10 integer.
func parseAmount(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, errors.New("amount required")
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", raw)
	}
	if amount.Sign() < 0 {
		return nil, fmt.Errorf("amount must not be negative")
	}
	return amount, nil
}

func readSecret(inline, file, env string) (string, error) {
	value := strings.TrimSpace(inline)
	if value != "" {
		return value, nil
	}
	switch {
	case strings.TrimSpace(env) != "":
		value = strings.TrimSpace(os.Getenv(strings.TrimSpace(env)))
		if value == "" {
			return "", fmt.Errorf("env %s is empty", strings.TrimSpace(env))
		}
		return value, nil
	case strings.TrimSpace(file) != "":
		contents, err := os.ReadFile(strings.TrimSpace(file))
		if err != nil {
			return "", fmt.Errorf("read %s: %w", file, err)
		}
		return strings.TrimSpace(string(contents)), nil
	}
	return "", nil
}

func (a *AuthConfig) normalise() error {
	secret, err := readSecret(a.HMACSecret, a.HMACSecretFile, a.HMACSecretEnv)
	if err != nil {
		return err
	}
	a.HMACSecret = secret
	a.Issuer = strings.TrimSpace(a.Issuer)
	a.Audience = strings.TrimSpace(a.Audience)
	return nil
}

func (h *HistoryConfig) normalise() error {
	dsn, err := readSecret(h.DSN, "", h.DSNEnv)
	if err != nil {
		return err
	}
	h.DSN = dsn
	return nil
}

func (w *WebhookConfig) normalise() error {
	w.Endpoint = strings.TrimSpace(w.Endpoint)
	if w.Endpoint == "" {
		return errors.New("endpoint required")
	}
	secret, err := readSecret(w.Secret, w.SecretFile, "")
	if err != nil {
		return err
	}
	if secret == "" {
		return errors.New("secret required")
	}
	w.Secret = secret
	return nil
}

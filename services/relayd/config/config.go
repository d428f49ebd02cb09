// Package config loads relayd's runtime configuration: a thin YAML file of
// non-secret defaults, overlaid with every secret and deployment-specific
// value named in the wire protocol's environment-variable contract.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML unmarshalling of human
// readable duration strings ("500ms", "30s").
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
	raw := value.Value
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

// Config captures relayd's full runtime configuration.
type Config struct {
	ListenAddress  string            `yaml:"listen"`
	KeypairPath    string            `yaml:"keypair_path"`
	Network        string            `yaml:"network"`
	RPCURLs        map[string]string `yaml:"rpc_urls"`
	RPCFallback    string            `yaml:"rpc_fallback"`
	ExecutorProgID string            `yaml:"-"`
	ExecutionKey   string            `yaml:"-"`
	SkipSigVerify  bool              `yaml:"-"`
	UseMagicBlock  bool              `yaml:"-"`
	RaydiumAPIURL  string            `yaml:"raydium_api_url"`
	KnownPools     []KnownPool       `yaml:"known_pools"`
	RateLimit      RateLimitConfig   `yaml:"rate_limit"`
	Confirm        ConfirmConfig     `yaml:"confirmation"`
	LegacyEnvelope bool              `yaml:"legacy_envelope_enabled"`
	CORSOrigins    []string          `yaml:"cors_origins"`
	AmountFloorLamports uint64       `yaml:"amount_floor_lamports"`
}

// KnownPool seeds the pool-discovery known-pool map (§4.F step 3).
type KnownPool struct {
	MintA  string `yaml:"mint_a"`
	MintB  string `yaml:"mint_b"`
	PoolID string `yaml:"pool_id"`
}

// RateLimitConfig tunes the sliding-window admission filter.
type RateLimitConfig struct {
	Limit  int      `yaml:"limit"`
	Window Duration `yaml:"window"`
}

// ConfirmConfig tunes the confirmation-polling schedule (§4.E phase 4).
type ConfirmConfig struct {
	FastInterval   Duration `yaml:"fast_interval"`
	SlowInterval   Duration `yaml:"slow_interval"`
	FastWindow     Duration `yaml:"fast_window"`
	FundingDeadline Duration `yaml:"funding_deadline"`
	SwapDeadline   Duration `yaml:"swap_deadline"`
	WatcherDeadline Duration `yaml:"watcher_deadline"`
}

type loadOptions struct {
	env func(string) (string, bool)
}

// Option customises behaviour when loading relayd configuration.
type Option func(*loadOptions)

// WithEnvLookup overrides the environment lookup function, for tests.
func WithEnvLookup(fn func(string) (string, bool)) Option {
	return func(o *loadOptions) {
		if o != nil && fn != nil {
			o.env = fn
		}
	}
}

// Load reads the YAML defaults at path (if non-empty and present), then
// overlays every value the wire protocol names as an environment variable,
// and finally validates the result.
func Load(path string, opts ...Option) (Config, error) {
	cfg := Config{}
	options := loadOptions{env: func(k string) (string, bool) { return os.LookupEnv(k) }}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}

	if path != "" {
		file, err := os.Open(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("open config: %w", err)
			}
		} else {
			defer file.Close()
			dec := yaml.NewDecoder(file)
			if err := dec.Decode(&cfg); err != nil {
				return cfg, fmt.Errorf("decode config: %w", err)
			}
		}
	}

	applyDefaults(&cfg)
	applyEnvOverlay(&cfg, options.env)

	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":3001"
	}
	if cfg.KeypairPath == "" {
		cfg.KeypairPath = ".tee-keypair.json"
	}
	if cfg.Network == "" {
		cfg.Network = "devnet"
	}
	if cfg.RPCURLs == nil {
		cfg.RPCURLs = map[string]string{}
	}
	if _, ok := cfg.RPCURLs["devnet"]; !ok {
		cfg.RPCURLs["devnet"] = "https://api.devnet.solana.com"
	}
	if _, ok := cfg.RPCURLs["testnet"]; !ok {
		cfg.RPCURLs["testnet"] = "https://api.testnet.solana.com"
	}
	if _, ok := cfg.RPCURLs["mainnet"]; !ok {
		cfg.RPCURLs["mainnet"] = "https://api.mainnet-beta.solana.com"
	}
	if cfg.RaydiumAPIURL == "" {
		cfg.RaydiumAPIURL = "https://api.raydium.io"
	}
	if cfg.RateLimit.Limit <= 0 {
		cfg.RateLimit.Limit = 30
	}
	if cfg.RateLimit.Window.Duration <= 0 {
		cfg.RateLimit.Window.Duration = 60 * time.Second
	}
	if cfg.Confirm.FastInterval.Duration <= 0 {
		cfg.Confirm.FastInterval.Duration = 500 * time.Millisecond
	}
	if cfg.Confirm.SlowInterval.Duration <= 0 {
		cfg.Confirm.SlowInterval.Duration = 2 * time.Second
	}
	if cfg.Confirm.FastWindow.Duration <= 0 {
		cfg.Confirm.FastWindow.Duration = 5 * time.Second
	}
	if cfg.Confirm.FundingDeadline.Duration <= 0 {
		cfg.Confirm.FundingDeadline.Duration = 30 * time.Second
	}
	if cfg.Confirm.SwapDeadline.Duration <= 0 {
		cfg.Confirm.SwapDeadline.Duration = 40 * time.Second
	}
	if cfg.Confirm.WatcherDeadline.Duration <= 0 {
		cfg.Confirm.WatcherDeadline.Duration = 60 * time.Second
	}
	if cfg.AmountFloorLamports == 0 {
		cfg.AmountFloorLamports = 10_000_000
	}
}

// applyEnvOverlay reads every secret/deployment-specific value spec.md §6
// names explicitly, per-variable, overriding the YAML defaults.
func applyEnvOverlay(cfg *Config, lookup func(string) (string, bool)) {
	if v, ok := lookup("PORT"); ok && strings.TrimSpace(v) != "" {
		cfg.ListenAddress = ":" + strings.TrimSpace(v)
	}
	for _, network := range []string{"DEVNET", "TESTNET", "MAINNET"} {
		if v, ok := lookup("SOLANA_RPC_URL_" + network); ok && strings.TrimSpace(v) != "" {
			if cfg.RPCURLs == nil {
				cfg.RPCURLs = map[string]string{}
			}
			cfg.RPCURLs[strings.ToLower(network)] = strings.TrimSpace(v)
		}
	}
	if v, ok := lookup("SOLANA_RPC_URL_DEVNET_FALLBACK"); ok {
		cfg.RPCFallback = strings.TrimSpace(v)
	}
	if v, ok := lookup("SOLANA_EXECUTOR_PROGRAM_ID"); ok {
		cfg.ExecutorProgID = strings.TrimSpace(v)
	}
	if v, ok := lookup("SOLANA_EXECUTION_SECRET_KEY"); ok {
		cfg.ExecutionKey = strings.TrimSpace(v)
	}
	if v, ok := lookup("SKIP_SIGNATURE_VERIFICATION"); ok {
		cfg.SkipSigVerify = strings.EqualFold(strings.TrimSpace(v), "true") || strings.TrimSpace(v) == "1"
	}
	if v, ok := lookup("USE_MAGICBLOCK_PER"); ok {
		cfg.UseMagicBlock = strings.EqualFold(strings.TrimSpace(v), "true") || strings.TrimSpace(v) == "1"
	}
	if v, ok := lookup("RAYDIUM_API_URL"); ok && strings.TrimSpace(v) != "" {
		cfg.RaydiumAPIURL = strings.TrimSpace(v)
	}
}

func validate(cfg Config) error {
	if cfg.ExecutorProgID == "" {
		return fmt.Errorf("SOLANA_EXECUTOR_PROGRAM_ID must be configured")
	}
	if strings.Trim(cfg.ExecutorProgID, "1") == "" {
		return fmt.Errorf("SOLANA_EXECUTOR_PROGRAM_ID must not be the zero address")
	}
	if cfg.RateLimit.Limit <= 0 {
		return fmt.Errorf("rate_limit.limit must be positive")
	}
	return nil
}

// RPCURLFor resolves the canonical RPC URL for a network name, as served by
// GET /api/rpc-url?network=….
func (c Config) RPCURLFor(network string) (string, bool) {
	url, ok := c.RPCURLs[strings.ToLower(strings.TrimSpace(network))]
	return url, ok
}

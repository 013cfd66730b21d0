package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"ledgerrelay/internal/admission"
	"ledgerrelay/internal/cache"
)

// Environment variables that override file values
const (
	EnvHbarTotal          = "HBAR_RATE_LIMIT_TINYBAR"
	EnvHbarBasic          = "HBAR_RATE_LIMIT_BASIC"
	EnvHbarExtended       = "HBAR_RATE_LIMIT_EXTENDED"
	EnvHbarPrivileged     = "HBAR_RATE_LIMIT_PRIVILEGED"
	EnvHbarDuration       = "HBAR_RATE_LIMIT_DURATION"
	EnvSendRawTxSizeLimit = "SEND_RAW_TRANSACTION_SIZE_LIMIT"
)

// LookupEnv matches os.LookupEnv
type LookupEnv func(key string) (string, bool)

// Load reads and parses the configuration file. Files ending in .yaml or
// .yml are parsed as YAML, everything else as JSON.
func Load(path string) (*Config, error) {
	return LoadWithEnv(path, os.LookupEnv)
}

// LoadWithEnv is Load with an explicit environment
func LoadWithEnv(path string, env LookupEnv) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := newConfig()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := applyEnv(cfg, env); err != nil {
		return nil, fmt.Errorf("invalid environment: %w", err)
	}

	applyDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// newConfig returns a Config with the spend ceilings preset, so a zero from
// the file or the environment is kept as an explicit "no spending"
func newConfig() *Config {
	return &Config{
		HbarLimit: HbarLimitConfig{
			Basic:      DefaultHbarBasic,
			Extended:   DefaultHbarExtended,
			Privileged: DefaultHbarPrivileged,
			Total:      DefaultHbarTotal,
		},
	}
}

// applyEnv overrides budget settings from the environment
func applyEnv(cfg *Config, env LookupEnv) error {
	if env == nil {
		return nil
	}

	int64Vars := []struct {
		key string
		dst *int64
	}{
		{EnvHbarTotal, &cfg.HbarLimit.Total},
		{EnvHbarBasic, &cfg.HbarLimit.Basic},
		{EnvHbarExtended, &cfg.HbarLimit.Extended},
		{EnvHbarPrivileged, &cfg.HbarLimit.Privileged},
	}
	for _, v := range int64Vars {
		raw, ok := env(v.key)
		if !ok || raw == "" {
			continue
		}
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return fmt.Errorf("%s: %w", v.key, err)
		}
		*v.dst = n
	}

	intVars := []struct {
		key string
		dst *int
	}{
		{EnvHbarDuration, &cfg.HbarLimit.Duration},
		{EnvSendRawTxSizeLimit, &cfg.HbarLimit.SendRawTransactionSizeLimit},
	}
	for _, v := range intVars {
		raw, ok := env(v.key)
		if !ok || raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("%s: %w", v.key, err)
		}
		*v.dst = n
	}
	return nil
}

// applyDefaults sets default values for unset fields
func applyDefaults(cfg *Config) {
	if cfg.Host == "" {
		cfg.Host = DefaultHost
	}
	if cfg.RPCPort == 0 {
		cfg.RPCPort = DefaultRPCPort
	}
	if cfg.WSPort == 0 {
		cfg.WSPort = DefaultWSPort
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = DefaultLogLevel
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.HealthCheckInterval == 0 {
		cfg.HealthCheckInterval = DefaultHealthCheckInterval
	}
	if cfg.StatusLogInterval == 0 {
		cfg.StatusLogInterval = DefaultStatusLogInterval
	}
	if cfg.LagRecoveryTimeout == 0 {
		cfg.LagRecoveryTimeout = DefaultLagRecoveryTimeout
	}
	if cfg.RetryMaxAttempts == 0 {
		cfg.RetryMaxAttempts = DefaultRetryMaxAttempts
	}
	if cfg.WSMessageRate > 0 && cfg.WSMessageBurst == 0 {
		cfg.WSMessageBurst = DefaultWSMessageBurst
	}

	rl := &cfg.RateLimit
	if rl.Tier1 == 0 {
		rl.Tier1 = DefaultTier1
	}
	if rl.Tier2 == 0 {
		rl.Tier2 = DefaultTier2
	}
	if rl.Tier3 == 0 {
		rl.Tier3 = DefaultTier3
	}
	if rl.Duration == 0 {
		rl.Duration = DefaultRateLimitDuration
	}
	if rl.JanitorInterval == 0 {
		rl.JanitorInterval = DefaultRateLimitJanitor
	}

	hl := &cfg.HbarLimit
	if hl.Duration == 0 {
		hl.Duration = DefaultHbarDuration
	}
	if hl.CentEquivalent == 0 {
		hl.CentEquivalent = DefaultCentEquivalent
	}
	if hl.HbarEquivalent == 0 {
		hl.HbarEquivalent = DefaultHbarEquivalent
	}
	if hl.SendRawTransactionSizeLimit == 0 {
		hl.SendRawTransactionSizeLimit = DefaultSendRawTxSizeLimit
	}

	if cfg.Cache != nil {
		if cfg.Cache.MaxEntries == 0 {
			cfg.Cache.MaxEntries = DefaultCacheMaxEntries
		}
		if cfg.Cache.JanitorInterval == 0 {
			cfg.Cache.JanitorInterval = DefaultCacheJanitorInterval
		}
	}

	if cfg.Policy.DefaultTier == "" {
		cfg.Policy.DefaultTier = DefaultPolicyTier
	}

	for i := range cfg.Upstreams {
		if cfg.Upstreams[i].Weight == 0 {
			cfg.Upstreams[i].Weight = DefaultUpstreamWeight
		}
		if cfg.Upstreams[i].Role == "" {
			cfg.Upstreams[i].Role = DefaultUpstreamRole
		}
	}
}

// validate checks the configuration for errors
func validate(cfg *Config) error {
	if len(cfg.Upstreams) == 0 {
		return errors.New("at least one upstream is required")
	}

	upstreamNames := make(map[string]bool)
	for i, upstream := range cfg.Upstreams {
		if upstream.Name == "" {
			return fmt.Errorf("upstream[%d]: name is required", i)
		}
		if upstreamNames[upstream.Name] {
			return fmt.Errorf("duplicate upstream name '%s'", upstream.Name)
		}
		upstreamNames[upstream.Name] = true

		if upstream.RPCURL == "" {
			return fmt.Errorf("upstream '%s': rpcUrl is required", upstream.Name)
		}
		if upstream.Weight <= 0 {
			return fmt.Errorf("upstream '%s': weight must be positive", upstream.Name)
		}
		if upstream.Role != RoleMain && upstream.Role != RoleFallback {
			return fmt.Errorf("upstream '%s': role must be 'main' or 'fallback'", upstream.Name)
		}
	}

	if cfg.RPCPort < 1 || cfg.RPCPort > 65535 {
		return fmt.Errorf("rpcPort must be between 1 and 65535")
	}
	if cfg.WSPort < 1 || cfg.WSPort > 65535 {
		return fmt.Errorf("wsPort must be between 1 and 65535")
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[cfg.LogLevel] {
		return fmt.Errorf("logLevel must be one of: debug, info, warn, error")
	}

	if cfg.RequestTimeout < 0 {
		return fmt.Errorf("requestTimeout must be non-negative")
	}
	if cfg.HealthCheckInterval < 0 {
		return fmt.Errorf("healthCheckInterval must be non-negative")
	}
	if cfg.RetryMaxAttempts < 0 {
		return fmt.Errorf("retryMaxAttempts must be non-negative")
	}
	if cfg.WSMessageRate < 0 || cfg.WSMessageBurst < 0 {
		return fmt.Errorf("wsMessageRate and wsMessageBurst must be non-negative")
	}

	if err := validateLimits(cfg); err != nil {
		return err
	}

	if cfg.Cache != nil {
		if err := validateCache(cfg.Cache); err != nil {
			return err
		}
	}

	return validatePolicy(&cfg.Policy)
}

func validateLimits(cfg *Config) error {
	rl := cfg.RateLimit
	if rl.Tier1 < 0 || rl.Tier2 < 0 || rl.Tier3 < 0 {
		return fmt.Errorf("rateLimit tiers must be non-negative")
	}
	if rl.Duration < 0 {
		return fmt.Errorf("rateLimit.duration must be positive")
	}
	if rl.JanitorInterval < 0 {
		return fmt.Errorf("rateLimit.janitorInterval must be non-negative")
	}

	hl := cfg.HbarLimit
	if hl.Basic < 0 || hl.Extended < 0 || hl.Privileged < 0 || hl.Total < 0 {
		return fmt.Errorf("hbarLimit budgets must be non-negative")
	}
	if hl.Duration < 0 {
		return fmt.Errorf("hbarLimit.duration must be positive")
	}
	if hl.CentEquivalent <= 0 || hl.HbarEquivalent <= 0 {
		return fmt.Errorf("hbarLimit exchange rate must be positive")
	}
	if hl.SendRawTransactionSizeLimit < 0 {
		return fmt.Errorf("hbarLimit.sendRawTransactionSizeLimit must be non-negative")
	}
	return cfg.AdmissionLimits().Validate()
}

// AdmissionLimits converts the rate and budget sections into controller limits
func (c *Config) AdmissionLimits() admission.Limits {
	return admission.Limits{
		Tier1:         c.RateLimit.Tier1,
		Tier2:         c.RateLimit.Tier2,
		Tier3:         c.RateLimit.Tier3,
		RequestWindow: c.RateLimit.GetDurationWindow(),
		Basic:         c.HbarLimit.Basic,
		Extended:      c.HbarLimit.Extended,
		Privileged:    c.HbarLimit.Privileged,
		Total:         c.HbarLimit.Total,
		BudgetWindow:  c.HbarLimit.GetDurationWindow(),
	}
}

func validateCache(c *CacheConfig) error {
	if c.MaxEntries < 0 {
		return fmt.Errorf("cache.maxEntries must be positive")
	}
	if c.Shards < 0 {
		return fmt.Errorf("cache.shards must be non-negative")
	}
	if c.JanitorInterval < 0 {
		return fmt.Errorf("cache.janitorInterval must be non-negative")
	}
	for name, ms := range c.TTL {
		if !cache.Category(name).Valid() {
			return fmt.Errorf("cache.ttl: unknown category '%s'", name)
		}
		if ms <= 0 {
			return fmt.Errorf("cache.ttl.%s must be positive", name)
		}
	}
	return nil
}

func validatePolicy(p *PolicyConfig) error {
	if _, err := admission.ParseTier(p.DefaultTier); err != nil {
		return fmt.Errorf("policy.defaultTier: %w", err)
	}
	for name, identities := range p.Tiers {
		if _, err := admission.ParseTier(name); err != nil {
			return fmt.Errorf("policy.tiers: %w", err)
		}
		if err := checkIdentities("policy.tiers."+name, identities); err != nil {
			return err
		}
	}
	if err := checkIdentities("policy.extended", p.Extended); err != nil {
		return err
	}
	return checkIdentities("policy.privileged", p.Privileged)
}

func checkIdentities(field string, identities []string) error {
	for i, id := range identities {
		if strings.TrimSpace(id) == "" {
			return fmt.Errorf("%s[%d]: identity must not be empty", field, i)
		}
	}
	return nil
}

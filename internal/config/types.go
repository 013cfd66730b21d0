package config

import "time"

// Role defines the upstream role type
type Role string

const (
	RoleMain     Role = "main"
	RoleFallback Role = "fallback"
)

// Config represents the main configuration structure. It is loaded once at
// startup and never mutated afterwards.
type Config struct {
	Host                string `json:"host" yaml:"host"`
	RPCPort             int    `json:"rpcPort" yaml:"rpcPort"`
	WSPort              int    `json:"wsPort" yaml:"wsPort"`
	LogLevel            string `json:"logLevel" yaml:"logLevel"`
	MaxBodySize         int64  `json:"maxBodySize" yaml:"maxBodySize"`
	RequestTimeout      int    `json:"requestTimeout" yaml:"requestTimeout"`           // ms
	HealthCheckInterval int    `json:"healthCheckInterval" yaml:"healthCheckInterval"` // ms
	StatusLogInterval   int    `json:"statusLogInterval" yaml:"statusLogInterval"`     // ms
	BlockLagThreshold   uint64 `json:"blockLagThreshold" yaml:"blockLagThreshold"`
	LagRecoveryTimeout  int    `json:"lagRecoveryTimeout" yaml:"lagRecoveryTimeout"` // ms
	RetryEnabled        *bool  `json:"retryEnabled,omitempty" yaml:"retryEnabled,omitempty"`
	RetryMaxAttempts    int    `json:"retryMaxAttempts" yaml:"retryMaxAttempts"`

	// WSMessageRate caps inbound frames per second on one WebSocket
	// connection, before any admission accounting. 0 disables the guard.
	WSMessageRate  float64 `json:"wsMessageRate" yaml:"wsMessageRate"`
	WSMessageBurst int     `json:"wsMessageBurst" yaml:"wsMessageBurst"`

	// DebugAdmission serves per-identity usage at /debug/admission/{identity}
	DebugAdmission bool `json:"debugAdmission" yaml:"debugAdmission"`

	RateLimit      RateLimitConfig       `json:"rateLimit" yaml:"rateLimit"`
	HbarLimit      HbarLimitConfig       `json:"hbarLimit" yaml:"hbarLimit"`
	Cache          *CacheConfig          `json:"cache,omitempty" yaml:"cache,omitempty"`
	Policy         PolicyConfig          `json:"policy" yaml:"policy"`
	CircuitBreaker *CircuitBreakerConfig `json:"circuitBreaker,omitempty" yaml:"circuitBreaker,omitempty"`
	Metrics        MetricsConfig         `json:"metrics" yaml:"metrics"`
	Upstreams      []UpstreamConfig      `json:"upstreams" yaml:"upstreams"`
}

// RateLimitConfig holds per-tier request ceilings over a shared window
type RateLimitConfig struct {
	Tier1           int `json:"tier1" yaml:"tier1"`
	Tier2           int `json:"tier2" yaml:"tier2"`
	Tier3           int `json:"tier3" yaml:"tier3"`
	Duration        int `json:"duration" yaml:"duration"`               // ms
	JanitorInterval int `json:"janitorInterval" yaml:"janitorInterval"` // ms, 0 disables the idle sweep
}

// HbarLimitConfig holds the spend ceilings in tinybars
type HbarLimitConfig struct {
	Basic      int64 `json:"basic" yaml:"basic"`
	Extended   int64 `json:"extended" yaml:"extended"`
	Privileged int64 `json:"privileged" yaml:"privileged"`
	Total      int64 `json:"total" yaml:"total"`
	Duration   int   `json:"duration" yaml:"duration"` // ms

	// Exchange rate used to price operations: HbarEquivalent HBAR buy
	// CentEquivalent US cents
	CentEquivalent int64 `json:"centEquivalent" yaml:"centEquivalent"`
	HbarEquivalent int64 `json:"hbarEquivalent" yaml:"hbarEquivalent"`

	SendRawTransactionSizeLimit int `json:"sendRawTransactionSizeLimit" yaml:"sendRawTransactionSizeLimit"` // bytes
}

// CacheConfig represents cache configuration
type CacheConfig struct {
	Enabled         bool           `json:"enabled" yaml:"enabled"`
	MaxEntries      int            `json:"maxEntries" yaml:"maxEntries"`
	Shards          int            `json:"shards" yaml:"shards"`
	TTL             map[string]int `json:"ttl" yaml:"ttl"`                         // category -> ms
	JanitorInterval int            `json:"janitorInterval" yaml:"janitorInterval"` // ms, 0 disables
}

// PolicyConfig assigns tiers and budget classes to identities. Entries are
// API keys, IP addresses or CIDR prefixes.
type PolicyConfig struct {
	DefaultTier string              `json:"defaultTier" yaml:"defaultTier"`
	Tiers       map[string][]string `json:"tiers" yaml:"tiers"`
	Extended    []string            `json:"extended" yaml:"extended"`
	Privileged  []string            `json:"privileged" yaml:"privileged"`
}

// CircuitBreakerConfig configures the per-upstream circuit breaker
type CircuitBreakerConfig struct {
	Enabled             bool `json:"enabled" yaml:"enabled"`
	FailureThreshold    int  `json:"failureThreshold" yaml:"failureThreshold"`
	RecoveryTimeout     int  `json:"recoveryTimeout" yaml:"recoveryTimeout"` // ms
	HalfOpenMaxRequests int  `json:"halfOpenMaxRequests" yaml:"halfOpenMaxRequests"`
}

// MetricsConfig toggles the Prometheus endpoint
type MetricsConfig struct {
	Disabled bool `json:"disabled" yaml:"disabled"`
}

// UpstreamConfig represents a single upstream configuration
type UpstreamConfig struct {
	Name   string `json:"name" yaml:"name"`
	RPCURL string `json:"rpcUrl" yaml:"rpcUrl"`
	Weight int    `json:"weight" yaml:"weight"`
	Role   Role   `json:"role" yaml:"role"`
}

// Default values
const (
	DefaultHost                = "localhost"
	DefaultRPCPort             = 7546
	DefaultWSPort              = 8546
	DefaultLogLevel            = "info"
	DefaultMaxBodySize         = int64(0) // 0 means no limit
	DefaultRequestTimeout      = 10000    // ms
	DefaultHealthCheckInterval = 10000    // ms
	DefaultStatusLogInterval   = 60000    // ms
	DefaultLagRecoveryTimeout  = 2000     // ms
	DefaultRetryEnabled        = true
	DefaultRetryMaxAttempts    = 3
	DefaultUpstreamWeight      = 1
	DefaultUpstreamRole        = RoleMain
	DefaultWSMessageBurst      = 50

	DefaultTier1              = 100
	DefaultTier2              = 800
	DefaultTier3              = 1600
	DefaultRateLimitDuration  = 60000 // ms
	DefaultRateLimitJanitor   = 60000 // ms
	DefaultHbarBasic          = int64(1_120_000_000)
	DefaultHbarExtended       = int64(3_200_000_000)
	DefaultHbarPrivileged     = int64(8_000_000_000)
	DefaultHbarTotal          = int64(800_000_000_000)
	DefaultHbarDuration       = 86400000 // ms
	DefaultCentEquivalent     = int64(12)
	DefaultHbarEquivalent     = int64(1)
	DefaultSendRawTxSizeLimit = 131072 // bytes

	DefaultCacheMaxEntries      = 1000
	DefaultCacheJanitorInterval = 60000 // ms
	DefaultPolicyTier           = "tier1"
)

func msDuration(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// GetRequestTimeoutDuration returns request timeout as time.Duration
func (c *Config) GetRequestTimeoutDuration() time.Duration {
	return msDuration(c.RequestTimeout)
}

// GetHealthCheckIntervalDuration returns health check interval as time.Duration
func (c *Config) GetHealthCheckIntervalDuration() time.Duration {
	return msDuration(c.HealthCheckInterval)
}

// GetStatusLogIntervalDuration returns status log interval as time.Duration
func (c *Config) GetStatusLogIntervalDuration() time.Duration {
	return msDuration(c.StatusLogInterval)
}

// GetLagRecoveryTimeoutDuration returns lag recovery timeout as time.Duration
func (c *Config) GetLagRecoveryTimeoutDuration() time.Duration {
	return msDuration(c.LagRecoveryTimeout)
}

// IsRetryEnabled reports whether failed upstream calls are retried
func (c *Config) IsRetryEnabled() bool {
	if c.RetryEnabled == nil {
		return DefaultRetryEnabled
	}
	return *c.RetryEnabled
}

// IsCacheEnabled returns true if cache is configured and enabled
func (c *Config) IsCacheEnabled() bool {
	return c.Cache != nil && c.Cache.Enabled
}

// GetDurationWindow returns the request window as time.Duration
func (r *RateLimitConfig) GetDurationWindow() time.Duration {
	return msDuration(r.Duration)
}

// GetJanitorInterval returns the idle identity sweep interval
func (r *RateLimitConfig) GetJanitorInterval() time.Duration {
	return msDuration(r.JanitorInterval)
}

// GetDurationWindow returns the budget reset window as time.Duration
func (h *HbarLimitConfig) GetDurationWindow() time.Duration {
	return msDuration(h.Duration)
}

// GetTTLDurations returns the configured per-category TTL overrides
func (c *CacheConfig) GetTTLDurations() map[string]time.Duration {
	out := make(map[string]time.Duration, len(c.TTL))
	for cat, ms := range c.TTL {
		out[cat] = msDuration(ms)
	}
	return out
}

// GetJanitorInterval returns the expired entry sweep interval
func (c *CacheConfig) GetJanitorInterval() time.Duration {
	return msDuration(c.JanitorInterval)
}

// GetRecoveryTimeoutDuration returns the open-state duration
func (c *CircuitBreakerConfig) GetRecoveryTimeoutDuration() time.Duration {
	return msDuration(c.RecoveryTimeout)
}

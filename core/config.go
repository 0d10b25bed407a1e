package core

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// RoutingStrategy selects how the router orders candidate providers.
type RoutingStrategy string

const (
	StrategyPriority     RoutingStrategy = "priority"
	StrategyRoundRobin   RoutingStrategy = "round_robin"
	StrategyWeighted     RoutingStrategy = "weighted"
	StrategyLeastLoaded  RoutingStrategy = "least_loaded"
	StrategyLatencyBased RoutingStrategy = "latency_based"
)

// IsValid reports whether the strategy is one of the known strategies.
func (s RoutingStrategy) IsValid() bool {
	switch s {
	case StrategyPriority, StrategyRoundRobin, StrategyWeighted,
		StrategyLeastLoaded, StrategyLatencyBased:
		return true
	}
	return false
}

// BreakerConfig configures the per-provider circuit breakers.
type BreakerConfig struct {
	// Threshold is the number of consecutive retryable failures that
	// opens the circuit.
	Threshold int `yaml:"threshold" json:"threshold"`

	// OpenSeconds is how long an open circuit waits before allowing a
	// half-open probe.
	OpenSeconds int `yaml:"open_seconds" json:"open_seconds"`

	// InvalidateCacheOnOpen clears the provider's cache prefix when its
	// breaker opens. Off by default: cached content from a degraded
	// provider stays valid.
	InvalidateCacheOnOpen bool `yaml:"invalidate_cache_on_open" json:"invalidate_cache_on_open"`
}

// CachePolicy selects the L1 eviction policy.
type CachePolicy string

const (
	CachePolicyLRU CachePolicy = "LRU"
	CachePolicyLFU CachePolicy = "LFU"
	CachePolicyTTL CachePolicy = "TTL"
)

// CacheConfig configures the multi-tier response cache.
type CacheConfig struct {
	L1MaxEntries      int         `yaml:"l1_max_entries" json:"l1_max_entries"`
	L1Policy          CachePolicy `yaml:"l1_policy" json:"l1_policy"`
	DefaultTTLSeconds int         `yaml:"default_ttl_s" json:"default_ttl_s"`
	L2Enabled         bool        `yaml:"l2_enabled" json:"l2_enabled"`
	L2TTLSeconds      int         `yaml:"l2_ttl_s" json:"l2_ttl_s"`

	// NonCacheableParams are parameter and envelope keys excluded from
	// cache key derivation.
	NonCacheableParams []string `yaml:"non_cacheable_params" json:"non_cacheable_params"`

	// NegativeThrottleTTLSeconds bounds the rate_limit_exceeded negative
	// entry per provider.
	NegativeThrottleTTLSeconds int `yaml:"negative_throttle_ttl_s" json:"negative_throttle_ttl_s"`
}

// DefaultTTL returns the L1 TTL as a duration.
func (c CacheConfig) DefaultTTL() time.Duration {
	return time.Duration(c.DefaultTTLSeconds) * time.Second
}

// L2TTL returns the warm-tier TTL as a duration.
func (c CacheConfig) L2TTL() time.Duration {
	return time.Duration(c.L2TTLSeconds) * time.Second
}

// RouterConfig is the single configuration struct consumed at router
// construction.
type RouterConfig struct {
	Strategy         RoutingStrategy `yaml:"strategy" json:"strategy"`
	DefaultTimeoutMs int64           `yaml:"default_timeout_ms" json:"default_timeout_ms"`
	DefaultRetry     RetryConfig     `yaml:"default_retry" json:"default_retry"`
	Breaker          BreakerConfig   `yaml:"breaker" json:"breaker"`
	Cache            CacheConfig     `yaml:"cache" json:"cache"`

	// DisableSingleflight turns off coalescing of identical in-flight
	// requests. Expressed as an opt-out so partially filled configs keep
	// coalescing on.
	DisableSingleflight bool `yaml:"disable_singleflight" json:"disable_singleflight"`

	// LatencyWindow is the number of samples in the rolling latency
	// average used by latency_based routing.
	LatencyWindow int `yaml:"latency_window" json:"latency_window"`

	// AsyncCallbacks lets Execute return a processing response
	// immediately when the request carries a callback URL.
	AsyncCallbacks bool `yaml:"async_callbacks" json:"async_callbacks"`
}

// DefaultRouterConfig returns a production-ready default configuration.
func DefaultRouterConfig() *RouterConfig {
	return &RouterConfig{
		Strategy:         StrategyPriority,
		DefaultTimeoutMs: DefaultTimeoutMs,
		DefaultRetry:     DefaultRetryConfig(),
		Breaker: BreakerConfig{
			Threshold:   5,
			OpenSeconds: 60,
		},
		Cache: CacheConfig{
			L1MaxEntries:               1000,
			L1Policy:                   CachePolicyLRU,
			DefaultTTLSeconds:          3600,
			L2TTLSeconds:               86400,
			NonCacheableParams:         []string{"metadata", "callback_url", "request_id", "created_at"},
			NegativeThrottleTTLSeconds: 300,
		},
		LatencyWindow: 100,
	}
}

// ApplyDefaults fills zero values from the default configuration.
func (c *RouterConfig) ApplyDefaults() {
	def := DefaultRouterConfig()
	if c.Strategy == "" {
		c.Strategy = def.Strategy
	}
	if c.DefaultTimeoutMs == 0 {
		c.DefaultTimeoutMs = def.DefaultTimeoutMs
	}
	if c.DefaultRetry.MaxRetries == 0 && c.DefaultRetry.BaseDelayMs == 0 {
		c.DefaultRetry = def.DefaultRetry
	}
	if c.Breaker.Threshold == 0 {
		c.Breaker.Threshold = def.Breaker.Threshold
	}
	if c.Breaker.OpenSeconds == 0 {
		c.Breaker.OpenSeconds = def.Breaker.OpenSeconds
	}
	if c.Cache.L1MaxEntries == 0 {
		c.Cache.L1MaxEntries = def.Cache.L1MaxEntries
	}
	if c.Cache.L1Policy == "" {
		c.Cache.L1Policy = def.Cache.L1Policy
	}
	if c.Cache.DefaultTTLSeconds == 0 {
		c.Cache.DefaultTTLSeconds = def.Cache.DefaultTTLSeconds
	}
	if c.Cache.L2TTLSeconds == 0 {
		c.Cache.L2TTLSeconds = def.Cache.L2TTLSeconds
	}
	if c.Cache.NonCacheableParams == nil {
		c.Cache.NonCacheableParams = def.Cache.NonCacheableParams
	}
	if c.Cache.NegativeThrottleTTLSeconds == 0 {
		c.Cache.NegativeThrottleTTLSeconds = def.Cache.NegativeThrottleTTLSeconds
	}
	if c.LatencyWindow == 0 {
		c.LatencyWindow = def.LatencyWindow
	}
}

// Validate checks the configuration for values the router cannot run with.
func (c *RouterConfig) Validate() error {
	if !c.Strategy.IsValid() {
		return fmt.Errorf("%w: unknown strategy %q", ErrInvalidConfig, c.Strategy)
	}
	if c.DefaultTimeoutMs <= 0 {
		return fmt.Errorf("%w: default_timeout_ms must be positive, got %d", ErrInvalidConfig, c.DefaultTimeoutMs)
	}
	if c.DefaultRetry.MaxRetries < 0 {
		return fmt.Errorf("%w: default_retry.max_retries must be >= 0, got %d", ErrInvalidConfig, c.DefaultRetry.MaxRetries)
	}
	if c.DefaultRetry.BaseDelayMs <= 0 {
		return fmt.Errorf("%w: default_retry.base_delay_ms must be > 0, got %d", ErrInvalidConfig, c.DefaultRetry.BaseDelayMs)
	}
	if c.Breaker.Threshold < 1 {
		return fmt.Errorf("%w: breaker.threshold must be >= 1, got %d", ErrInvalidConfig, c.Breaker.Threshold)
	}
	if c.Breaker.OpenSeconds < 1 {
		return fmt.Errorf("%w: breaker.open_seconds must be >= 1, got %d", ErrInvalidConfig, c.Breaker.OpenSeconds)
	}
	if c.Cache.L1MaxEntries < 1 {
		return fmt.Errorf("%w: cache.l1_max_entries must be >= 1, got %d", ErrInvalidConfig, c.Cache.L1MaxEntries)
	}
	switch c.Cache.L1Policy {
	case CachePolicyLRU, CachePolicyLFU, CachePolicyTTL:
	default:
		return fmt.Errorf("%w: unknown cache policy %q", ErrInvalidConfig, c.Cache.L1Policy)
	}
	if c.LatencyWindow < 1 {
		return fmt.Errorf("%w: latency_window must be >= 1, got %d", ErrInvalidConfig, c.LatencyWindow)
	}
	return nil
}

// LoadRouterConfig reads a YAML configuration file, applies defaults, and
// validates the result.
func LoadRouterConfig(path string) (*RouterConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	var cfg RouterConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

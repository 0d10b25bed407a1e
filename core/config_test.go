package core

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultRouterConfigValid(t *testing.T) {
	cfg := DefaultRouterConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate, got %v", err)
	}
	if cfg.Strategy != StrategyPriority {
		t.Errorf("expected priority strategy, got %s", cfg.Strategy)
	}
	if cfg.Breaker.Threshold != 5 || cfg.Breaker.OpenSeconds != 60 {
		t.Errorf("unexpected breaker defaults: %+v", cfg.Breaker)
	}
	if cfg.DisableSingleflight {
		t.Error("singleflight should default on")
	}
}

func TestApplyDefaultsFillsZeroValues(t *testing.T) {
	cfg := &RouterConfig{Strategy: StrategyRoundRobin}
	cfg.ApplyDefaults()

	if cfg.Strategy != StrategyRoundRobin {
		t.Errorf("explicit strategy overwritten: %s", cfg.Strategy)
	}
	if cfg.DefaultTimeoutMs != DefaultTimeoutMs {
		t.Errorf("timeout default not applied: %d", cfg.DefaultTimeoutMs)
	}
	if cfg.Cache.L1Policy != CachePolicyLRU {
		t.Errorf("cache policy default not applied: %s", cfg.Cache.L1Policy)
	}
	if cfg.DisableSingleflight {
		t.Error("partial config must keep singleflight on")
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaulted config should validate, got %v", err)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*RouterConfig)
	}{
		{"unknown strategy", func(c *RouterConfig) { c.Strategy = "coin_flip" }},
		{"zero timeout", func(c *RouterConfig) { c.DefaultTimeoutMs = 0 }},
		{"negative retries", func(c *RouterConfig) { c.DefaultRetry.MaxRetries = -1 }},
		{"zero breaker threshold", func(c *RouterConfig) { c.Breaker.Threshold = 0 }},
		{"unknown cache policy", func(c *RouterConfig) { c.Cache.L1Policy = "MRU" }},
		{"zero latency window", func(c *RouterConfig) { c.LatencyWindow = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultRouterConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}
}

func TestLoadRouterConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "router.yaml")
	yaml := `
strategy: latency_based
default_timeout_ms: 30000
breaker:
  threshold: 3
  open_seconds: 10
  invalidate_cache_on_open: true
cache:
  l1_max_entries: 50
  l1_policy: LFU
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadRouterConfig(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Strategy != StrategyLatencyBased {
		t.Errorf("strategy not loaded: %s", cfg.Strategy)
	}
	if cfg.Breaker.Threshold != 3 || !cfg.Breaker.InvalidateCacheOnOpen {
		t.Errorf("breaker not loaded: %+v", cfg.Breaker)
	}
	if cfg.Cache.L1Policy != CachePolicyLFU || cfg.Cache.L1MaxEntries != 50 {
		t.Errorf("cache not loaded: %+v", cfg.Cache)
	}
	// Unset fields pick up defaults.
	if cfg.Cache.DefaultTTLSeconds != 3600 {
		t.Errorf("cache TTL default not applied: %d", cfg.Cache.DefaultTTLSeconds)
	}
}

func TestLoadRouterConfigMissingFile(t *testing.T) {
	if _, err := LoadRouterConfig(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

package cache

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/makaronz/animatize/core"
)

// TieredCache fronts the hot in-process tier and the optional warm tier.
// Cache failures are never fatal: any L1/L2 error is logged and the caller
// proceeds as if the lookup missed.
type TieredCache struct {
	cfg    core.CacheConfig
	l1     *MemoryCache
	l2     core.KeyValueStore
	logger core.Logger
}

// NewTieredCache builds the cache from configuration. l2 may be nil; it is
// also ignored unless the configuration enables it.
func NewTieredCache(cfg core.CacheConfig, l2 core.KeyValueStore, logger core.Logger) *TieredCache {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if !cfg.L2Enabled {
		l2 = nil
	}
	return &TieredCache{
		cfg:    cfg,
		l1:     NewMemoryCache(cfg.L1MaxEntries, cfg.L1Policy),
		l2:     l2,
		logger: logger,
	}
}

// KeyFor derives the cache key for req against the given provider.
func (t *TieredCache) KeyFor(provider string, req *core.UnifiedRequest) string {
	return Key(provider, req, t.cfg.NonCacheableParams)
}

// Get looks up a response, checking L1 then L2. A warm hit is promoted
// into L1 with the remaining default TTL.
func (t *TieredCache) Get(ctx context.Context, key string) (*core.UnifiedResponse, bool) {
	if entry, ok := t.l1.Get(key); ok {
		return entry.Response, true
	}

	if t.l2 == nil {
		return nil, false
	}

	raw, found, err := t.l2.Get(ctx, key)
	if err != nil {
		t.logger.Warn("Warm tier lookup failed, treating as miss", map[string]interface{}{
			"operation": "cache_l2_get",
			"key":       key,
			"error":     err.Error(),
		})
		return nil, false
	}
	if !found {
		return nil, false
	}

	var resp core.UnifiedResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		t.logger.Warn("Warm tier entry corrupt, treating as miss", map[string]interface{}{
			"operation": "cache_l2_get",
			"key":       key,
			"error":     err.Error(),
		})
		return nil, false
	}

	t.l1.Set(key, &resp, t.cfg.DefaultTTL())
	return &resp, true
}

// Set writes a response through both tiers. Only successful responses are
// cacheable; anything else is silently dropped here so no caller can
// violate the write policy.
func (t *TieredCache) Set(ctx context.Context, key string, resp *core.UnifiedResponse) {
	if resp == nil || resp.Status != core.StatusSuccess {
		return
	}

	t.l1.Set(key, resp, t.cfg.DefaultTTL())

	if t.l2 == nil {
		return
	}
	raw, err := json.Marshal(resp)
	if err != nil {
		t.logger.Warn("Warm tier encode failed", map[string]interface{}{
			"operation": "cache_l2_set",
			"key":       key,
			"error":     err.Error(),
		})
		return
	}
	if err := t.l2.Set(ctx, key, raw, t.cfg.L2TTL()); err != nil {
		t.logger.Warn("Warm tier write failed", map[string]interface{}{
			"operation": "cache_l2_set",
			"key":       key,
			"error":     err.Error(),
		})
	}
}

// SetThrottled records the negative entry for a rate-limited provider so
// subsequent candidates can skip it without a provider call.
func (t *TieredCache) SetThrottled(ctx context.Context, provider string, retryAfterMs int64) {
	ttl := time.Duration(t.cfg.NegativeThrottleTTLSeconds) * time.Second
	key := ThrottleKey(provider)

	resp := &core.UnifiedResponse{
		SchemaVersion: core.CurrentSchemaVersion,
		Provider:      provider,
		Status:        core.StatusFailed,
		Error: core.NewErrorDetails(core.ErrCodeRateLimitExceeded, provider,
			"provider throttled").WithRetryAfter(retryAfterMs),
	}
	// Negative entries bypass the success-only policy deliberately, so
	// they go to L1 directly rather than through Set.
	t.l1.Set(key, resp, ttl)

	if t.l2 != nil {
		if err := t.l2.Set(ctx, key, []byte(strconv.FormatInt(retryAfterMs, 10)), ttl); err != nil {
			t.logger.Warn("Warm tier throttle write failed", map[string]interface{}{
				"operation": "cache_l2_set",
				"provider":  provider,
				"error":     err.Error(),
			})
		}
	}
}

// Throttled reports whether the provider has an active negative entry and
// returns the recorded retry delay hint.
func (t *TieredCache) Throttled(ctx context.Context, provider string) (int64, bool) {
	if entry, ok := t.l1.Get(ThrottleKey(provider)); ok {
		if entry.Response.Error != nil && entry.Response.Error.RetryAfterMs != nil {
			return *entry.Response.Error.RetryAfterMs, true
		}
		return 0, true
	}
	if t.l2 == nil {
		return 0, false
	}
	raw, found, err := t.l2.Get(ctx, ThrottleKey(provider))
	if err != nil || !found {
		return 0, false
	}
	ms, _ := strconv.ParseInt(string(raw), 10, 64)
	return ms, true
}

// Invalidate removes every entry under prefix from both tiers and returns
// the number removed from L1.
func (t *TieredCache) Invalidate(ctx context.Context, prefix string) int {
	removed := t.l1.InvalidatePrefix(prefix)

	if t.l2 != nil {
		keys, err := t.l2.Scan(ctx, prefix)
		if err != nil {
			t.logger.Warn("Warm tier scan failed during invalidation", map[string]interface{}{
				"operation": "cache_invalidate",
				"prefix":    prefix,
				"error":     err.Error(),
			})
			return removed
		}
		for _, key := range keys {
			if err := t.l2.Delete(ctx, key); err != nil {
				t.logger.Warn("Warm tier delete failed during invalidation", map[string]interface{}{
					"operation": "cache_invalidate",
					"key":       key,
					"error":     err.Error(),
				})
			}
		}
	}

	t.logger.Info("Cache invalidated", map[string]interface{}{
		"operation":  "cache_invalidate",
		"prefix":     prefix,
		"l1_removed": removed,
	})
	return removed
}

// AddCoalesced records singleflight waiters that shared a provider call.
func (t *TieredCache) AddCoalesced(n int64) {
	t.l1.addCoalesced(n)
}

// Stats returns the L1 counter snapshot.
func (t *TieredCache) Stats() Stats {
	return t.l1.Stats()
}

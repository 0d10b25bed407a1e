package router

import (
	"context"
	"sync"
	"time"

	"github.com/makaronz/animatize/cache"
)

// CheckHealth probes every registered provider concurrently and returns
// the per-provider result. Healthy providers get their state stamped for
// the Stats surface; nothing here flips routing eligibility, that stays
// with the breaker.
func (r *Router) CheckHealth(ctx context.Context) map[string]bool {
	r.mu.RLock()
	regs := make([]*registration, 0, len(r.providers))
	for _, reg := range r.providers {
		regs = append(regs, reg)
	}
	r.mu.RUnlock()

	results := make(map[string]bool, len(regs))
	var resMu sync.Mutex
	var wg sync.WaitGroup

	for _, reg := range regs {
		wg.Add(1)
		go func(reg *registration) {
			defer wg.Done()
			ok := reg.adapter.HealthCheck(ctx)
			if ok {
				reg.state.MarkHealthy(time.Now())
			}
			resMu.Lock()
			results[reg.state.Name] = ok
			resMu.Unlock()
		}(reg)
	}
	wg.Wait()

	r.logger.Debug("Health check completed", map[string]interface{}{
		"operation": "health_check",
		"providers": len(results),
	})
	return results
}

// Stats returns a point-in-time snapshot of every provider's routing
// state, breaker metrics, and the cache counters.
func (r *Router) Stats() map[string]interface{} {
	r.mu.RLock()
	providers := make(map[string]interface{}, len(r.providers))
	for name, reg := range r.providers {
		snap := reg.state.Snapshot()
		snap["breaker"] = reg.breaker.Metrics()
		providers[name] = snap
	}
	r.mu.RUnlock()

	cacheStats := r.cache.Stats()
	return map[string]interface{}{
		"strategy":  string(r.cfg.Strategy),
		"providers": providers,
		"cache": map[string]interface{}{
			"hits":        cacheStats.Hits,
			"misses":      cacheStats.Misses,
			"evictions":   cacheStats.Evictions,
			"expirations": cacheStats.Expirations,
			"coalesced":   cacheStats.Coalesced,
			"size":        cacheStats.Size,
		},
	}
}

// InvalidateProvider drops every cached response for one provider from
// both cache tiers and returns the number removed from the hot tier.
func (r *Router) InvalidateProvider(ctx context.Context, provider string) int {
	return r.cache.Invalidate(ctx, cache.ProviderPrefix(provider))
}

// Cache exposes the tiered cache for callers that manage entries
// directly, such as the pipeline's regeneration path.
func (r *Router) Cache() *cache.TieredCache {
	return r.cache
}

package router

import (
	"math/rand"
	"sort"

	"github.com/makaronz/animatize/core"
)

// orderCandidates arranges the eligible registrations according to the
// configured strategy. Tie-breaks are deterministic by name so identical
// ProviderState always yields identical ordering.
func (r *Router) orderCandidates(regs []*registration, strategy core.RoutingStrategy) []*registration {
	out := make([]*registration, len(regs))
	copy(out, regs)

	// Name order is the deterministic base every strategy refines.
	sort.Slice(out, func(i, j int) bool { return out[i].state.Name < out[j].state.Name })

	switch strategy {
	case core.StrategyRoundRobin:
		if len(out) > 1 {
			offset := int(r.rrCursor.Add(1)-1) % len(out)
			rotated := make([]*registration, 0, len(out))
			rotated = append(rotated, out[offset:]...)
			rotated = append(rotated, out[:offset]...)
			out = rotated
		}

	case core.StrategyWeighted:
		out = r.weightedOrder(out)

	case core.StrategyLeastLoaded:
		sort.SliceStable(out, func(i, j int) bool {
			ci, cj := out[i].state.Concurrency(), out[j].state.Concurrency()
			if ci != cj {
				return ci < cj
			}
			return out[i].state.Name < out[j].state.Name
		})

	case core.StrategyLatencyBased:
		sort.SliceStable(out, func(i, j int) bool {
			li, oki := out[i].state.AvgLatency()
			lj, okj := out[j].state.AvgLatency()
			if oki != okj {
				return oki // measured providers sort before unmeasured
			}
			if oki && li != lj {
				return li < lj
			}
			return out[i].state.Name < out[j].state.Name
		})

	default: // priority
		sort.SliceStable(out, func(i, j int) bool {
			pi, pj := out[i].state.Priority(), out[j].state.Priority()
			if pi != pj {
				return pi > pj
			}
			return out[i].state.Name < out[j].state.Name
		})
	}

	return out
}

// weightedOrder samples without replacement proportional to weight.
// Zero-weight providers keep their deterministic name order at the tail.
func (r *Router) weightedOrder(regs []*registration) []*registration {
	remaining := make([]*registration, len(regs))
	copy(remaining, regs)
	out := make([]*registration, 0, len(regs))

	r.rngMu.Lock()
	defer r.rngMu.Unlock()

	for len(remaining) > 0 {
		total := 0.0
		for _, reg := range remaining {
			if w := reg.state.Weight(); w > 0 {
				total += w
			}
		}
		if total == 0 {
			out = append(out, remaining...)
			break
		}

		pick := r.rng.Float64() * total
		idx := len(remaining) - 1
		for i, reg := range remaining {
			w := reg.state.Weight()
			if w <= 0 {
				continue
			}
			pick -= w
			if pick < 0 {
				idx = i
				break
			}
		}

		out = append(out, remaining[idx])
		remaining = append(remaining[:idx], remaining[idx+1:]...)
	}

	return out
}

// newStrategyRNG returns the seeded source used by weighted ordering.
// Kept separate so tests can install a deterministic seed.
func newStrategyRNG(seed int64) *rand.Rand {
	return rand.New(rand.NewSource(seed))
}

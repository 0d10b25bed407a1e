package router

import (
	"testing"
	"time"

	"github.com/makaronz/animatize/core"
)

func regsNamed(names ...string) []*registration {
	out := make([]*registration, len(names))
	for i, name := range names {
		out[i] = &registration{state: newProviderState(name, 0, 1, true, 10)}
	}
	return out
}

func names(regs []*registration) []string {
	out := make([]string, len(regs))
	for i, reg := range regs {
		out[i] = reg.state.Name
	}
	return out
}

func assertOrder(t *testing.T, got []*registration, want ...string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("order = %v, want %v", names(got), want)
	}
	for i := range want {
		if got[i].state.Name != want[i] {
			t.Fatalf("order = %v, want %v", names(got), want)
		}
	}
}

func TestPriorityOrdering(t *testing.T) {
	r := &Router{rng: newStrategyRNG(1)}
	regs := regsNamed("a", "b", "c")
	regs[0].state.priority = 1
	regs[1].state.priority = 10
	regs[2].state.priority = 5

	assertOrder(t, r.orderCandidates(regs, core.StrategyPriority), "b", "c", "a")
}

func TestPriorityTieBreaksByName(t *testing.T) {
	r := &Router{rng: newStrategyRNG(1)}
	regs := regsNamed("c", "a", "b")
	for _, reg := range regs {
		reg.state.priority = 7
	}
	assertOrder(t, r.orderCandidates(regs, core.StrategyPriority), "a", "b", "c")
}

func TestRoundRobinRotates(t *testing.T) {
	r := &Router{rng: newStrategyRNG(1)}
	regs := regsNamed("a", "b", "c")

	assertOrder(t, r.orderCandidates(regs, core.StrategyRoundRobin), "a", "b", "c")
	assertOrder(t, r.orderCandidates(regs, core.StrategyRoundRobin), "b", "c", "a")
	assertOrder(t, r.orderCandidates(regs, core.StrategyRoundRobin), "c", "a", "b")
	assertOrder(t, r.orderCandidates(regs, core.StrategyRoundRobin), "a", "b", "c")
}

func TestLeastLoadedOrdering(t *testing.T) {
	r := &Router{rng: newStrategyRNG(1)}
	regs := regsNamed("a", "b", "c")
	regs[0].state.incConcurrency()
	regs[0].state.incConcurrency()
	regs[2].state.incConcurrency()

	assertOrder(t, r.orderCandidates(regs, core.StrategyLeastLoaded), "b", "c", "a")
}

func TestLatencyBasedOrdering(t *testing.T) {
	r := &Router{rng: newStrategyRNG(1)}
	regs := regsNamed("a", "b", "c")
	regs[0].state.RecordLatency(300 * time.Millisecond)
	regs[1].state.RecordLatency(100 * time.Millisecond)
	// c has no samples and must sort last.

	assertOrder(t, r.orderCandidates(regs, core.StrategyLatencyBased), "b", "a", "c")
}

func TestWeightedOrderingFavorsWeight(t *testing.T) {
	r := &Router{rng: newStrategyRNG(42)}
	regs := regsNamed("heavy", "light")
	regs[0].state.weight = 99
	regs[1].state.weight = 1

	heavyFirst := 0
	const rounds = 200
	for i := 0; i < rounds; i++ {
		if r.orderCandidates(regs, core.StrategyWeighted)[0].state.Name == "heavy" {
			heavyFirst++
		}
	}
	if heavyFirst < rounds*9/10 {
		t.Errorf("heavy led only %d/%d rounds", heavyFirst, rounds)
	}
}

func TestWeightedOrderingIsPermutation(t *testing.T) {
	r := &Router{rng: newStrategyRNG(7)}
	regs := regsNamed("a", "b", "c", "d")
	for i, reg := range regs {
		reg.state.weight = float64(i + 1)
	}

	for i := 0; i < 50; i++ {
		out := r.orderCandidates(regs, core.StrategyWeighted)
		seen := make(map[string]bool, len(out))
		for _, reg := range out {
			seen[reg.state.Name] = true
		}
		if len(seen) != len(regs) {
			t.Fatalf("not a permutation: %v", names(out))
		}
	}
}

func TestWeightedZeroWeightsKeepNameOrder(t *testing.T) {
	r := &Router{rng: newStrategyRNG(3)}
	regs := regsNamed("a", "b", "weighted")
	regs[0].state.weight = 0
	regs[1].state.weight = 0
	regs[2].state.weight = 5

	out := r.orderCandidates(regs, core.StrategyWeighted)
	assertOrder(t, out, "weighted", "a", "b")
}

func TestRolloverLatencyWindow(t *testing.T) {
	s := newProviderState("a", 0, 1, true, 3)
	for _, d := range []time.Duration{100, 200, 300, 400} {
		s.RecordLatency(d * time.Millisecond)
	}
	// Window of 3 keeps the last three samples: 200, 300, 400.
	avg, ok := s.AvgLatency()
	if !ok {
		t.Fatal("expected samples")
	}
	if avg != 300*time.Millisecond {
		t.Errorf("avg = %v, want 300ms", avg)
	}
}

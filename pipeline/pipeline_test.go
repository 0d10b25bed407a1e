package pipeline

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/makaronz/animatize/core"
)

// stubExecutor fabricates responses keyed by the shot ID embedded in the
// request ID, tracking concurrency for fan-out assertions.
type stubExecutor struct {
	mu            sync.Mutex
	inFlight      int32
	maxSeen       int32
	calls         []string
	providers     []string
	delay         time.Duration
	failShots     map[string]bool
	failProviders map[string]bool
	urlForShot    func(shotID string, req *core.UnifiedRequest) string
}

func newStubExecutor() *stubExecutor {
	return &stubExecutor{failShots: map[string]bool{}, failProviders: map[string]bool{}}
}

func shotFromRequestID(id string) string {
	if idx := strings.LastIndexByte(id, '/'); idx >= 0 {
		return id[idx+1:]
	}
	return id
}

func (s *stubExecutor) Execute(ctx context.Context, req *core.UnifiedRequest) *core.UnifiedResponse {
	n := atomic.AddInt32(&s.inFlight, 1)
	for {
		max := atomic.LoadInt32(&s.maxSeen)
		if n <= max || atomic.CompareAndSwapInt32(&s.maxSeen, max, n) {
			break
		}
	}
	defer atomic.AddInt32(&s.inFlight, -1)

	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
		}
	}

	shotID := shotFromRequestID(req.RequestID)
	s.mu.Lock()
	s.calls = append(s.calls, shotID)
	s.providers = append(s.providers, req.Provider)
	s.mu.Unlock()

	if s.failShots[shotID] || s.failProviders[req.Provider] {
		return core.FailedResponse(req, core.NewErrorDetails(core.ErrCodeProviderError, "stub", "scripted failure"))
	}

	url := "https://cdn.test/" + shotID + ".mp4"
	if s.urlForShot != nil {
		url = s.urlForShot(shotID, req)
	}
	return &core.UnifiedResponse{
		SchemaVersion: core.CurrentSchemaVersion,
		RequestID:     req.RequestID,
		Provider:      "stub",
		Status:        core.StatusSuccess,
		Result:        map[string]interface{}{"urls": []interface{}{url}},
	}
}

func intentWithShots(n int) *core.IntentRequest {
	intent := &core.IntentRequest{RequestID: "intent-1"}
	for i := 0; i < n; i++ {
		intent.Shots = append(intent.Shots, core.Shot{
			ShotID:     fmt.Sprintf("shot-%d", i),
			SceneID:    "scene-1",
			IntentText: fmt.Sprintf("beat %d of the chase", i),
		})
	}
	return intent
}

func TestRunPreservesShotOrder(t *testing.T) {
	exec := newStubExecutor()
	p, err := New(exec, WithMaxParallel(4))
	if err != nil {
		t.Fatal(err)
	}

	result, err := p.Run(context.Background(), intentWithShots(8))
	if err != nil {
		t.Fatal(err)
	}
	if result.Status != core.StatusSuccess {
		t.Fatalf("status = %s", result.Status)
	}
	for i, sr := range result.Shots {
		want := fmt.Sprintf("shot-%d", i)
		if sr.ShotID != want {
			t.Errorf("slot %d holds %s, want %s", i, sr.ShotID, want)
		}
		if sr.Response.Status != core.StatusSuccess {
			t.Errorf("shot %s failed: %+v", sr.ShotID, sr.Response.Error)
		}
	}
}

func TestRunBoundsParallelism(t *testing.T) {
	exec := newStubExecutor()
	exec.delay = 20 * time.Millisecond
	p, err := New(exec, WithMaxParallel(2))
	if err != nil {
		t.Fatal(err)
	}

	if _, err := p.Run(context.Background(), intentWithShots(6)); err != nil {
		t.Fatal(err)
	}
	if max := atomic.LoadInt32(&exec.maxSeen); max > 2 {
		t.Errorf("max in-flight = %d, want <= 2", max)
	}
}

func TestRunIntentOverridesParallelism(t *testing.T) {
	exec := newStubExecutor()
	exec.delay = 20 * time.Millisecond
	p, err := New(exec, WithMaxParallel(1))
	if err != nil {
		t.Fatal(err)
	}

	intent := intentWithShots(4)
	intent.MaxParallel = 4
	if _, err := p.Run(context.Background(), intent); err != nil {
		t.Fatal(err)
	}
	if max := atomic.LoadInt32(&exec.maxSeen); max < 2 {
		t.Errorf("intent max_parallel ignored, max in-flight = %d", max)
	}
}

func TestRunPartialSuccess(t *testing.T) {
	exec := newStubExecutor()
	exec.failShots["shot-1"] = true
	p, err := New(exec)
	if err != nil {
		t.Fatal(err)
	}

	result, err := p.Run(context.Background(), intentWithShots(3))
	if err != nil {
		t.Fatal(err)
	}
	if result.Status != core.StatusPartialSuccess {
		t.Fatalf("status = %s, want partial_success", result.Status)
	}
	if result.Shots[1].Response.Status != core.StatusFailed {
		t.Error("failed shot should stay failed in its slot")
	}
	if result.Shots[0].Response.Status != core.StatusSuccess || result.Shots[2].Response.Status != core.StatusSuccess {
		t.Error("one shot's failure must not fail its siblings")
	}
}

func TestRunAllShotsFailed(t *testing.T) {
	exec := newStubExecutor()
	for i := 0; i < 3; i++ {
		exec.failShots[fmt.Sprintf("shot-%d", i)] = true
	}
	p, _ := New(exec)

	result, err := p.Run(context.Background(), intentWithShots(3))
	if err != nil {
		t.Fatal(err)
	}
	if result.Status != core.StatusFailed {
		t.Fatalf("status = %s, want failed", result.Status)
	}
}

func TestRunRejectsBadIntents(t *testing.T) {
	p, _ := New(newStubExecutor())

	if _, err := p.Run(context.Background(), &core.IntentRequest{}); err == nil {
		t.Error("empty intent should be rejected")
	}
	if _, err := p.Run(context.Background(), &core.IntentRequest{
		Shots: []core.Shot{{ShotID: "a"}, {ShotID: "a"}},
	}); err == nil {
		t.Error("duplicate shot IDs should be rejected")
	}
	if _, err := p.Run(context.Background(), &core.IntentRequest{
		Shots: []core.Shot{{}},
	}); err == nil {
		t.Error("missing shot ID should be rejected")
	}
}

func TestRunCancellation(t *testing.T) {
	exec := newStubExecutor()
	exec.delay = 200 * time.Millisecond
	p, _ := New(exec, WithMaxParallel(1))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if _, err := p.Run(ctx, intentWithShots(10)); err == nil {
		t.Fatal("canceled run should surface an error")
	}
	// With fan-out of one and an early cancel, most shots never start.
	exec.mu.Lock()
	started := len(exec.calls)
	exec.mu.Unlock()
	if started >= 10 {
		t.Errorf("cancellation should stop unstarted shots, started %d", started)
	}
}

// recordingCompiler notes which provider every compilation targeted.
type recordingCompiler struct {
	mu        sync.Mutex
	providers []string
}

func (r *recordingCompiler) Compile(ctx context.Context, intent string, features *core.AnalysisFeatures, provider, model string) (*core.CompiledPrompt, error) {
	r.mu.Lock()
	r.providers = append(r.providers, provider)
	r.mu.Unlock()
	return &core.CompiledPrompt{Text: intent + " for " + provider}, nil
}

func TestRunRoutesEachTargetProvider(t *testing.T) {
	exec := newStubExecutor()
	compiler := &recordingCompiler{}
	p, err := New(exec, WithCompiler(compiler))
	if err != nil {
		t.Fatal(err)
	}

	intent := &core.IntentRequest{
		RequestID: "intent-1",
		Shots: []core.Shot{{
			ShotID:          "shot-0",
			IntentText:      "storm over the bay",
			TargetProviders: []string{"sora", "veo"},
		}},
	}
	result, err := p.Run(context.Background(), intent)
	if err != nil {
		t.Fatal(err)
	}

	sr := result.Shots[0]
	if len(sr.Variants) != 2 {
		t.Fatalf("variants = %d, want one per target provider", len(sr.Variants))
	}
	if sr.Variants[0].Provider != "sora" || sr.Variants[1].Provider != "veo" {
		t.Errorf("variant providers = %s, %s", sr.Variants[0].Provider, sr.Variants[1].Provider)
	}
	exec.mu.Lock()
	routed := append([]string(nil), exec.providers...)
	exec.mu.Unlock()
	if len(routed) != 2 || routed[0] != "sora" || routed[1] != "veo" {
		t.Errorf("routed providers = %v, want [sora veo]", routed)
	}
	compiler.mu.Lock()
	compiled := append([]string(nil), compiler.providers...)
	compiler.mu.Unlock()
	if len(compiled) != 2 || compiled[0] != "sora" || compiled[1] != "veo" {
		t.Errorf("compiler targets = %v, want one compilation per provider", compiled)
	}
	if sr.Response != sr.Variants[0].Response {
		t.Error("primary should be the first successful variant")
	}
}

func TestRunPrimaryVariantFirstSuccess(t *testing.T) {
	exec := newStubExecutor()
	exec.failProviders["sora"] = true
	p, _ := New(exec)

	intent := &core.IntentRequest{
		RequestID: "intent-1",
		Shots: []core.Shot{{
			ShotID:          "shot-0",
			IntentText:      "dawn on the ridge",
			TargetProviders: []string{"sora", "veo"},
		}},
	}
	result, err := p.Run(context.Background(), intent)
	if err != nil {
		t.Fatal(err)
	}
	if result.Status != core.StatusSuccess {
		t.Fatalf("status = %s, one surviving variant should carry the shot", result.Status)
	}

	sr := result.Shots[0]
	if sr.Variants[0].Response.Status != core.StatusFailed {
		t.Error("sora variant should have failed")
	}
	if sr.Response != sr.Variants[1].Response || sr.Response.Status != core.StatusSuccess {
		t.Error("primary should move to the first successful variant")
	}
}

// keyedExtractor returns a fixed embedding per frame payload.
type keyedExtractor struct {
	embeddings map[string][]float32
}

func (k *keyedExtractor) Embed(ctx context.Context, frame []byte) ([]float32, error) {
	if e, ok := k.embeddings[string(frame)]; ok {
		return e, nil
	}
	return []float32{1, 0}, nil
}

func fetchURLBytes(ctx context.Context, url string) ([]byte, error) {
	return []byte(url), nil
}

func TestConsistencyViolationDegrades(t *testing.T) {
	exec := newStubExecutor()
	extractor := &keyedExtractor{embeddings: map[string][]float32{
		"https://cdn.test/shot-0.mp4": {1, 0},
		"https://cdn.test/shot-1.mp4": {1, 0},
		"https://cdn.test/shot-2.mp4": {0, 1}, // orthogonal: pair score 0.5
	}}
	p, _ := New(exec,
		WithExtractor(extractor, fetchURLBytes),
		WithConsistencyPolicy(core.ConsistencyPolicy{Threshold: 0.9}),
	)

	result, err := p.Run(context.Background(), intentWithShots(3))
	if err != nil {
		t.Fatal(err)
	}
	if result.Status != core.StatusPartialSuccess {
		t.Fatalf("status = %s, want partial_success", result.Status)
	}
	if result.Consistency == nil || result.Consistency.Passed {
		t.Fatalf("report = %+v", result.Consistency)
	}
	if len(result.Consistency.Scores) != 2 {
		t.Errorf("pair scores = %d, want 2", len(result.Consistency.Scores))
	}
	if result.Consistency.MinScore > 0.51 {
		t.Errorf("min score = %f", result.Consistency.MinScore)
	}
	// Only the failing pair's shots are affected: shot-0 pairs cleanly
	// with shot-1 and keeps its clean success.
	clean := result.Shots[0].Response
	if clean.Status != core.StatusSuccess || clean.MetaBool(core.MetaDegraded) || clean.Error != nil {
		t.Errorf("shot-0 outside the failing pair should stay untouched: %+v", clean)
	}
	for _, sr := range result.Shots[1:] {
		resp := sr.Response
		if resp.Status != core.StatusPartialSuccess {
			t.Errorf("shot %s status = %s, want partial_success", sr.ShotID, resp.Status)
		}
		if !resp.MetaBool(core.MetaDegraded) {
			t.Errorf("shot %s should be marked degraded", sr.ShotID)
		}
		if resp.Error == nil {
			t.Fatalf("shot %s should carry the violation details", sr.ShotID)
		}
		pair, ok := resp.Error.Details["consistency_violation"].(map[string]interface{})
		if !ok {
			t.Fatalf("shot %s details = %+v", sr.ShotID, resp.Error.Details)
		}
		if pair["from_shot_id"] != "shot-1" || pair["to_shot_id"] != "shot-2" {
			t.Errorf("offending pair = %v", pair)
		}
		if resp.Error.Retryable {
			t.Error("a consistency verdict is terminal, not retryable")
		}
	}
}

func TestConsistencyPassing(t *testing.T) {
	exec := newStubExecutor()
	extractor := &keyedExtractor{embeddings: map[string][]float32{}}
	p, _ := New(exec,
		WithExtractor(extractor, fetchURLBytes),
		WithConsistencyPolicy(core.ConsistencyPolicy{Threshold: 0.9}),
	)

	result, err := p.Run(context.Background(), intentWithShots(3))
	if err != nil {
		t.Fatal(err)
	}
	if result.Status != core.StatusSuccess {
		t.Fatalf("status = %s", result.Status)
	}
	if result.Consistency != nil && !result.Consistency.Passed {
		t.Errorf("identical embeddings should pass: %+v", result.Consistency)
	}
}

func TestConsistencyRegeneration(t *testing.T) {
	exec := newStubExecutor()
	// The regenerated shot gets a distinct URL because the nonce lands in
	// the parameters and the stub keys on it.
	exec.urlForShot = func(shotID string, req *core.UnifiedRequest) string {
		if _, ok := req.Parameters["regen_nonce"]; ok {
			return "https://cdn.test/" + shotID + "-regen.mp4"
		}
		return "https://cdn.test/" + shotID + ".mp4"
	}
	extractor := &keyedExtractor{embeddings: map[string][]float32{
		"https://cdn.test/shot-0.mp4":       {1, 0},
		"https://cdn.test/shot-1.mp4":       {0, 1}, // violates on first pass
		"https://cdn.test/shot-1-regen.mp4": {1, 0}, // aligned after regen
	}}
	p, _ := New(exec,
		WithExtractor(extractor, fetchURLBytes),
		WithConsistencyPolicy(core.ConsistencyPolicy{Threshold: 0.9, Regenerate: true}),
	)

	result, err := p.Run(context.Background(), intentWithShots(2))
	if err != nil {
		t.Fatal(err)
	}
	if result.Status != core.StatusSuccess {
		t.Fatalf("status = %s, report = %+v", result.Status, result.Consistency)
	}
	if !result.Consistency.Passed {
		t.Errorf("regeneration should have repaired the sequence: %+v", result.Consistency)
	}
	if got := firstURL(result.Shots[1].Response); !strings.Contains(got, "-regen") {
		t.Errorf("shot-1 should carry the regenerated artifact, got %s", got)
	}
}

func TestConsistencySkippedWithoutExtractor(t *testing.T) {
	exec := newStubExecutor()
	p, _ := New(exec, WithConsistencyPolicy(core.ConsistencyPolicy{Threshold: 0.9}))

	result, err := p.Run(context.Background(), intentWithShots(2))
	if err != nil {
		t.Fatal(err)
	}
	if result.Status != core.StatusSuccess || result.Consistency != nil {
		t.Errorf("validation without an extractor must be skipped, got %+v", result.Consistency)
	}
}

func TestCosineScore(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 2, 3}, []float32{1, 2, 3}, 1},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, 0},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0.5},
		{"zero vector", []float32{0, 0}, []float32{1, 0}, 0},
		{"length mismatch", []float32{1}, []float32{1, 0}, 0},
		{"empty", nil, nil, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := cosineScore(tt.a, tt.b)
			if diff := got - tt.want; diff > 1e-9 || diff < -1e-9 {
				t.Errorf("score = %f, want %f", got, tt.want)
			}
		})
	}
}

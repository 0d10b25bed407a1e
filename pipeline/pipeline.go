// Package pipeline turns a multi-shot creative intent into an ordered
// sequence of routed generation calls with optional cross-shot
// consistency validation.
package pipeline

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/makaronz/animatize/core"
	"github.com/makaronz/animatize/telemetry"
)

// defaultMaxParallel bounds shot fan-out when neither the pipeline nor
// the intent sets a limit.
const defaultMaxParallel = 3

// Executor routes one unified request. Satisfied by the router.
type Executor interface {
	Execute(ctx context.Context, req *core.UnifiedRequest) *core.UnifiedResponse
}

// FrameFetcher retrieves a generated frame for consistency embedding.
type FrameFetcher func(ctx context.Context, url string) ([]byte, error)

// Pipeline fans shots out through the executor and reassembles results in
// shot order. Analyzer, compiler, and extractor are optional: a nil stage
// is skipped, degrading the pipeline rather than failing it.
type Pipeline struct {
	executor  Executor
	analyzer  core.Analyzer
	compiler  core.PromptCompiler
	extractor core.ConsistencyExtractor
	fetcher   FrameFetcher
	logger    core.Logger
	sink      core.EventSink

	maxParallel int
	policy      core.ConsistencyPolicy
}

// Option customizes pipeline construction.
type Option func(*Pipeline)

// WithAnalyzer installs the image analysis stage.
func WithAnalyzer(a core.Analyzer) Option {
	return func(p *Pipeline) { p.analyzer = a }
}

// WithCompiler installs the prompt compilation stage.
func WithCompiler(c core.PromptCompiler) Option {
	return func(p *Pipeline) { p.compiler = c }
}

// WithExtractor installs the consistency embedding stage together with
// the fetcher that retrieves generated frames for it.
func WithExtractor(e core.ConsistencyExtractor, f FrameFetcher) Option {
	return func(p *Pipeline) {
		p.extractor = e
		p.fetcher = f
	}
}

// WithConsistencyPolicy sets the default cross-shot policy. An intent's
// own policy takes precedence.
func WithConsistencyPolicy(policy core.ConsistencyPolicy) Option {
	return func(p *Pipeline) { p.policy = policy }
}

// WithMaxParallel bounds the shot fan-out.
func WithMaxParallel(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.maxParallel = n
		}
	}
}

// WithLogger sets the pipeline's logger. Defaults to no-op.
func WithLogger(logger core.Logger) Option {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithEventSink sets the telemetry sink. Defaults to no-op.
func WithEventSink(sink core.EventSink) Option {
	return func(p *Pipeline) {
		if sink != nil {
			p.sink = sink
		}
	}
}

// New builds a pipeline over the given executor.
func New(executor Executor, opts ...Option) (*Pipeline, error) {
	if executor == nil {
		return nil, fmt.Errorf("%w: executor cannot be nil", core.ErrInvalidConfig)
	}
	p := &Pipeline{
		executor:    executor,
		logger:      &core.NoOpLogger{},
		sink:        &core.NoOpSink{},
		maxParallel: defaultMaxParallel,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// ShotVariant is one routed generation for one of a shot's target
// providers.
type ShotVariant struct {
	Provider string                `json:"provider"`
	Response *core.UnifiedResponse `json:"response"`
}

// ShotResult collects a shot's routed variants, one per target provider.
// Order matches the intent's shot order regardless of completion order.
// Response is the primary variant: the first successful one, or the first
// routed when none succeeded.
type ShotResult struct {
	ShotID   string                `json:"shot_id"`
	Response *core.UnifiedResponse `json:"response"`
	Variants []ShotVariant         `json:"variants"`
}

// IntentResult is the assembled outcome of one multi-shot intent.
type IntentResult struct {
	RequestID   string             `json:"request_id"`
	Status      core.ResponseStatus `json:"status"`
	Shots       []ShotResult       `json:"shots"`
	Consistency *ConsistencyReport `json:"consistency,omitempty"`
}

// Run executes every shot and assembles results in shot order. A failed
// shot fails only itself: the intent completes with partial_success
// unless every shot failed. Cancellation stops unstarted shots; shots
// already in flight run to their own completion.
func (p *Pipeline) Run(ctx context.Context, intent *core.IntentRequest) (*IntentResult, error) {
	if intent == nil || len(intent.Shots) == 0 {
		return nil, fmt.Errorf("%w: intent carries no shots", core.ErrInvalidConfig)
	}
	seen := make(map[string]struct{}, len(intent.Shots))
	for _, shot := range intent.Shots {
		if shot.ShotID == "" {
			return nil, fmt.Errorf("%w: shot without shot_id", core.ErrInvalidConfig)
		}
		if _, dup := seen[shot.ShotID]; dup {
			return nil, fmt.Errorf("%w: duplicate shot_id %q", core.ErrInvalidConfig, shot.ShotID)
		}
		seen[shot.ShotID] = struct{}{}
	}

	requestID := intent.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}

	limit := p.maxParallel
	if intent.MaxParallel > 0 {
		limit = intent.MaxParallel
	}

	results := make([]ShotResult, len(intent.Shots))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	for i := range intent.Shots {
		i, shot := i, intent.Shots[i]
		g.Go(func() error {
			// Shots queued behind the limit must not start once the
			// intent is canceled.
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = p.runShot(gctx, requestID, intent, &shot)
			return nil
		})
	}
	// Shot failures land in their slots; the group only surfaces
	// cancellation.
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result := &IntentResult{
		RequestID: requestID,
		Shots:     results,
		Status:    assembleStatus(results),
	}

	policy := p.policy
	if intent.Consistency != nil {
		policy = *intent.Consistency
	}
	if policy.Threshold > 0 && result.Status == core.StatusSuccess {
		p.validateConsistency(ctx, intent, result, policy)
	}

	return result, nil
}

// runShot drives one shot through analysis, then compiles and routes one
// request per target provider. Analysis runs once; the compiler runs per
// provider so each variant gets a provider-tuned prompt.
func (p *Pipeline) runShot(ctx context.Context, requestID string, intent *core.IntentRequest, shot *core.Shot) ShotResult {
	features := p.analyzeShot(ctx, shot)

	targets := shot.TargetProviders
	if len(targets) == 0 {
		targets = []string{core.ProviderAuto}
	}

	sr := ShotResult{ShotID: shot.ShotID, Variants: make([]ShotVariant, 0, len(targets))}
	for _, provider := range targets {
		req := p.buildRequest(ctx, requestID, intent, shot, features, provider)
		resp := p.executor.Execute(ctx, req)
		sr.Variants = append(sr.Variants, ShotVariant{Provider: provider, Response: resp})

		if resp.Status == core.StatusFailed {
			p.logger.Warn("Shot variant failed", map[string]interface{}{
				"operation":  "pipeline_shot",
				"request_id": requestID,
				"shot_id":    shot.ShotID,
				"provider":   provider,
				"code":       failureCode(resp),
			})
		}
		if sr.Response == nil || (sr.Response.Status != core.StatusSuccess && resp.Status == core.StatusSuccess) {
			sr.Response = resp
		}
	}
	return sr
}

// analyzeShot runs the optional image analysis stage. Analysis failure is
// not fatal: the shot proceeds on intent text alone.
func (p *Pipeline) analyzeShot(ctx context.Context, shot *core.Shot) *core.AnalysisFeatures {
	if p.analyzer == nil || len(shot.ImageRef) == 0 {
		return nil
	}
	features, err := p.analyzer.Analyze(ctx, shot.ImageRef)
	if err != nil {
		p.logger.Warn("Image analysis failed, proceeding without features", map[string]interface{}{
			"operation": "pipeline_analyze",
			"shot_id":   shot.ShotID,
			"error":     err.Error(),
		})
		return nil
	}
	return features
}

// buildRequest assembles the unified request for one shot variant. Control
// precedence is locked over derived over compiled: the artist's explicit
// choices always win.
func (p *Pipeline) buildRequest(ctx context.Context, requestID string, intent *core.IntentRequest, shot *core.Shot, features *core.AnalysisFeatures, provider string) *core.UnifiedRequest {
	prompt := shot.IntentText
	params := make(map[string]interface{})

	if p.compiler != nil {
		compiled, err := p.compiler.Compile(ctx, shot.IntentText, features, provider, "")
		if err != nil {
			p.logger.Warn("Prompt compilation failed, using raw intent", map[string]interface{}{
				"operation": "pipeline_compile",
				"shot_id":   shot.ShotID,
				"error":     err.Error(),
			})
		} else {
			prompt = compiled.Text
			for k, v := range compiled.ControlParams {
				params[k] = v
			}
			if compiled.NegativeText != "" {
				params["negative_prompt"] = compiled.NegativeText
			}
		}
	}

	for k, v := range shot.DerivedControls {
		params[k] = v
	}
	for k, v := range shot.LockedControls {
		params[k] = v
	}

	model, _ := params["model"].(string)
	delete(params, "model")

	if len(shot.ImageRef) > 0 {
		params["source_image"] = shot.ImageRef
	}

	return &core.UnifiedRequest{
		SchemaVersion: core.CurrentSchemaVersion,
		RequestID:     fmt.Sprintf("%s/%s", requestID, shot.ShotID),
		Provider:      provider,
		Model:         model,
		Prompt:        prompt,
		MediaType:     core.MediaVideo,
		Parameters:    params,
		TimeoutMs:     intent.TimeoutMs,
		Metadata: map[string]interface{}{
			"scene_id": shot.SceneID,
			"shot_id":  shot.ShotID,
		},
	}
}

// validateConsistency embeds each successful shot's first artifact and
// scores adjacent pairs. A failing pair degrades the intent to
// partial_success; when the policy allows it, the later shot of the worst
// pair gets one regeneration before the verdict.
func (p *Pipeline) validateConsistency(ctx context.Context, intent *core.IntentRequest, result *IntentResult, policy core.ConsistencyPolicy) {
	if p.extractor == nil || p.fetcher == nil {
		p.logger.Debug("Consistency validation skipped, no extractor configured", map[string]interface{}{
			"operation":  "pipeline_consistency",
			"request_id": result.RequestID,
		})
		return
	}

	shotIDs, embeddings, ok := p.embedShots(ctx, result)
	if !ok {
		return
	}

	report := scoreSequence(shotIDs, embeddings, policy.Threshold)

	if !report.Passed && policy.Regenerate {
		if p.regenerateWorst(ctx, intent, result, report) {
			if shotIDs, embeddings, ok = p.embedShots(ctx, result); ok {
				report = scoreSequence(shotIDs, embeddings, policy.Threshold)
			}
		}
	}

	result.Consistency = report
	if !report.Passed {
		result.Status = core.StatusPartialSuccess
		p.markViolations(result, report, policy.Threshold)
		telemetry.Emit(p.sink, telemetry.EventConsistencyViolation, map[string]interface{}{
			"request_id": result.RequestID,
			"min_score":  report.MinScore,
			"threshold":  policy.Threshold,
		})
	}
}

// markViolations degrades the shots of every failing pair: both ends drop
// to partial_success and carry the offending pair in
// details.consistency_violation. Shots outside failing pairs are left
// untouched.
func (p *Pipeline) markViolations(result *IntentResult, report *ConsistencyReport, threshold float64) {
	violations := make(map[string]PairScore)
	for _, pair := range report.Scores {
		if pair.Score >= threshold {
			continue
		}
		if _, seen := violations[pair.FromShotID]; !seen {
			violations[pair.FromShotID] = pair
		}
		if _, seen := violations[pair.ToShotID]; !seen {
			violations[pair.ToShotID] = pair
		}
	}

	for i := range result.Shots {
		pair, affected := violations[result.Shots[i].ShotID]
		if !affected {
			continue
		}
		resp := result.Shots[i].Response
		if resp.Status == core.StatusSuccess {
			resp.Status = core.StatusPartialSuccess
		}
		resp.SetMeta(core.MetaDegraded, true)

		details := core.NewErrorDetails(core.ErrCodeUnknown, resp.Provider,
			"cross-shot consistency below threshold")
		// Terminal quality verdict, not a transient failure.
		details.Retryable = false
		details.WithDetail("consistency_violation", map[string]interface{}{
			"from_shot_id": pair.FromShotID,
			"to_shot_id":   pair.ToShotID,
			"score":        pair.Score,
			"threshold":    threshold,
		})
		resp.Error = details
	}
}

// embedShots fetches and embeds the first artifact of every shot. Any
// fetch or embed failure abandons validation; it never fails the intent.
func (p *Pipeline) embedShots(ctx context.Context, result *IntentResult) ([]string, [][]float32, bool) {
	shotIDs := make([]string, 0, len(result.Shots))
	embeddings := make([][]float32, 0, len(result.Shots))

	for _, sr := range result.Shots {
		url := firstURL(sr.Response)
		if url == "" {
			return nil, nil, false
		}
		frame, err := p.fetcher(ctx, url)
		if err != nil {
			p.logger.Warn("Frame fetch failed, skipping consistency validation", map[string]interface{}{
				"operation": "pipeline_consistency",
				"shot_id":   sr.ShotID,
				"error":     err.Error(),
			})
			return nil, nil, false
		}
		embedding, err := p.extractor.Embed(ctx, frame)
		if err != nil {
			p.logger.Warn("Embedding failed, skipping consistency validation", map[string]interface{}{
				"operation": "pipeline_consistency",
				"shot_id":   sr.ShotID,
				"error":     err.Error(),
			})
			return nil, nil, false
		}
		shotIDs = append(shotIDs, sr.ShotID)
		embeddings = append(embeddings, embedding)
	}
	return shotIDs, embeddings, true
}

// regenerateWorst re-runs the later shot of the lowest-scoring pair with
// a nonce parameter so the cache cannot replay the rejected artifact.
// Returns whether a regeneration actually happened.
func (p *Pipeline) regenerateWorst(ctx context.Context, intent *core.IntentRequest, result *IntentResult, report *ConsistencyReport) bool {
	worst := -1
	worstScore := 2.0
	for i, pair := range report.Scores {
		if pair.Score < worstScore {
			worstScore = pair.Score
			worst = i
		}
	}
	if worst < 0 {
		return false
	}

	targetID := report.Scores[worst].ToShotID
	for i := range intent.Shots {
		if intent.Shots[i].ShotID != targetID {
			continue
		}
		shot := intent.Shots[i]
		if shot.LockedControls == nil {
			shot.LockedControls = map[string]interface{}{}
		} else {
			cp := make(map[string]interface{}, len(shot.LockedControls)+1)
			for k, v := range shot.LockedControls {
				cp[k] = v
			}
			shot.LockedControls = cp
		}
		shot.LockedControls["regen_nonce"] = uuid.NewString()

		p.logger.Info("Regenerating shot after consistency violation", map[string]interface{}{
			"operation":  "pipeline_regenerate",
			"request_id": result.RequestID,
			"shot_id":    targetID,
			"score":      worstScore,
		})

		rerun := p.runShot(ctx, result.RequestID, intent, &shot)
		if rerun.Response == nil || rerun.Response.Status != core.StatusSuccess {
			return false
		}
		for j := range result.Shots {
			if result.Shots[j].ShotID == targetID {
				result.Shots[j] = rerun
				return true
			}
		}
	}
	return false
}

// assembleStatus derives the intent status from per-shot outcomes.
func assembleStatus(results []ShotResult) core.ResponseStatus {
	succeeded := 0
	for _, sr := range results {
		if sr.Response != nil && sr.Response.Status == core.StatusSuccess {
			succeeded++
		}
	}
	switch succeeded {
	case len(results):
		return core.StatusSuccess
	case 0:
		return core.StatusFailed
	default:
		return core.StatusPartialSuccess
	}
}

// firstURL pulls the first artifact URL from a successful response.
func firstURL(resp *core.UnifiedResponse) string {
	if resp == nil || resp.Result == nil {
		return ""
	}
	urls, ok := resp.Result["urls"].([]interface{})
	if !ok || len(urls) == 0 {
		return ""
	}
	url, _ := urls[0].(string)
	return url
}

// failureCode extracts the error code for log fields.
func failureCode(resp *core.UnifiedResponse) string {
	if resp.Error != nil {
		return string(resp.Error.Code)
	}
	return ""
}

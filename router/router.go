package router

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/makaronz/animatize/cache"
	"github.com/makaronz/animatize/core"
	"github.com/makaronz/animatize/resilience"
	"github.com/makaronz/animatize/telemetry"
)

// registration bundles everything the router holds per provider. The
// adapter is stateless; state, breaker, and limiter are router-owned.
type registration struct {
	adapter core.Adapter
	state   *ProviderState
	breaker *resilience.Breaker
	limiter *resilience.Limiter
}

// Router is the single entry point for routed generation calls. It owns
// provider selection, the response cache, and the per-provider breaker,
// limiter, and retry protection around every call.
type Router struct {
	cfg       *core.RouterConfig
	logger    core.Logger
	sink      core.EventSink
	transport core.Transport
	cache     *cache.TieredCache
	l2        core.KeyValueStore

	sf singleflight.Group

	mu        sync.RWMutex
	providers map[string]*registration

	rrCursor atomic.Uint64
	rngMu    sync.Mutex
	rng      *rand.Rand
}

// Option customizes router construction.
type Option func(*Router)

// WithLogger sets the router's logger. Defaults to no-op.
func WithLogger(logger core.Logger) Option {
	return func(r *Router) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithEventSink sets the telemetry sink. Defaults to no-op.
func WithEventSink(sink core.EventSink) Option {
	return func(r *Router) {
		if sink != nil {
			r.sink = sink
		}
	}
}

// WithL2Store attaches the warm cache tier. Ignored unless the
// configuration enables L2.
func WithL2Store(store core.KeyValueStore) Option {
	return func(r *Router) {
		r.l2 = store
	}
}

// WithStrategySeed seeds the weighted-strategy sampler. Tests use this
// for deterministic ordering.
func WithStrategySeed(seed int64) Option {
	return func(r *Router) {
		r.rng = newStrategyRNG(seed)
	}
}

// NewRouter builds a router around the given transport. The transport is
// required: adapters produce native payloads, the transport carries them.
func NewRouter(cfg *core.RouterConfig, transport core.Transport, opts ...Option) (*Router, error) {
	if transport == nil {
		return nil, core.NewRouterError("new_router", "", fmt.Errorf("%w: transport cannot be nil", core.ErrInvalidConfig))
	}
	if cfg == nil {
		cfg = core.DefaultRouterConfig()
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, core.NewRouterError("new_router", "", err)
	}

	r := &Router{
		cfg:       cfg,
		logger:    &core.NoOpLogger{},
		sink:      &core.NoOpSink{},
		transport: transport,
		providers: make(map[string]*registration),
		rng:       newStrategyRNG(time.Now().UnixNano()),
	}
	for _, opt := range opts {
		opt(r)
	}

	r.cache = cache.NewTieredCache(cfg.Cache, r.l2, r.logger)

	r.logger.Info("Router initialized", map[string]interface{}{
		"operation":  "router_init",
		"strategy":   string(cfg.Strategy),
		"l2_enabled": cfg.Cache.L2Enabled,
	})
	return r, nil
}

// Register adds a provider adapter under the given routing attributes.
// Registering a name twice is an error; use Deregister first to replace.
func (r *Router) Register(name string, adapter core.Adapter, priority int, weight float64, enabled bool) error {
	if adapter == nil {
		return core.NewRouterError("register", name, core.ErrNilAdapter)
	}
	if name == "" {
		name = adapter.Name()
	}
	if name == "" || name == core.ProviderAuto {
		return core.NewRouterError("register", name, fmt.Errorf("%w: invalid provider name %q", core.ErrInvalidConfig, name))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.providers[name]; exists {
		return core.NewRouterError("register", name, core.ErrAlreadyRegistered)
	}

	caps := adapter.Capabilities()
	breaker := resilience.NewBreaker(name,
		r.cfg.Breaker.Threshold,
		time.Duration(r.cfg.Breaker.OpenSeconds)*time.Second,
		resilience.WithLogger(r.logger),
		resilience.WithStateChangeListener(r.onBreakerTransition),
	)

	r.providers[name] = &registration{
		adapter: adapter,
		state:   newProviderState(name, priority, weight, enabled, r.cfg.LatencyWindow),
		breaker: breaker,
		limiter: resilience.NewLimiter(name, caps.RateLimitPerMinute, r.logger),
	}

	r.logger.Info("Provider registered", map[string]interface{}{
		"operation": "register",
		"provider":  name,
		"priority":  priority,
		"weight":    weight,
		"enabled":   enabled,
		"rpm":       caps.RateLimitPerMinute,
	})
	return nil
}

// Deregister removes a provider. In-flight calls against it complete.
func (r *Router) Deregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.providers[name]; !exists {
		return core.NewRouterError("deregister", name, core.ErrProviderNotFound)
	}
	delete(r.providers, name)
	r.logger.Info("Provider deregistered", map[string]interface{}{
		"operation": "deregister",
		"provider":  name,
	})
	return nil
}

// SetEnabled flips a provider's routing participation without removing it.
func (r *Router) SetEnabled(name string, enabled bool) error {
	r.mu.RLock()
	reg, exists := r.providers[name]
	r.mu.RUnlock()
	if !exists {
		return core.NewRouterError("set_enabled", name, core.ErrProviderNotFound)
	}
	reg.state.SetEnabled(enabled)
	return nil
}

// onBreakerTransition bridges breaker state changes into telemetry and,
// when configured, cache invalidation for the opened provider.
func (r *Router) onBreakerTransition(provider string, from, to resilience.CircuitState) {
	switch to {
	case resilience.StateOpen:
		telemetry.Emit(r.sink, telemetry.EventBreakerOpened, map[string]interface{}{
			"provider": provider,
			"from":     from.String(),
		})
		if r.cfg.Breaker.InvalidateCacheOnOpen {
			r.cache.Invalidate(context.Background(), cache.ProviderPrefix(provider))
		}
	case resilience.StateClosed:
		telemetry.Emit(r.sink, telemetry.EventBreakerClosed, map[string]interface{}{
			"provider": provider,
			"from":     from.String(),
		})
	}
}

// Execute routes one unified request through cache, selection, and the
// protected attempt sequence. Failures surface as failed responses, never
// as panics; the error return covers programming-level misuse only.
func (r *Router) Execute(ctx context.Context, req *core.UnifiedRequest) *core.UnifiedResponse {
	start := time.Now()

	// Work on a copy so per-call normalization never leaks to the caller.
	req = req.Clone()
	if req.TimeoutMs <= 0 {
		req.TimeoutMs = r.cfg.DefaultTimeoutMs
	}
	if req.RetryConfig == nil {
		retry := r.cfg.DefaultRetry
		req.RetryConfig = &retry
	}

	if details := core.ValidateRequest(req); details != nil {
		return r.finish(core.FailedResponse(req, details), start)
	}

	telemetry.Emit(r.sink, telemetry.EventRequestReceived, map[string]interface{}{
		"request_id": req.RequestID,
		"provider":   req.Provider,
		"media_type": string(req.MediaType),
	})

	if req.CallbackURL != "" && r.cfg.AsyncCallbacks {
		go r.executeAsync(req, start)
		return &core.UnifiedResponse{
			SchemaVersion: core.CurrentSchemaVersion,
			RequestID:     req.RequestID,
			Provider:      req.Provider,
			Model:         req.Model,
			Status:        core.StatusProcessing,
		}
	}

	ctx, cancel := context.WithTimeout(ctx, req.Timeout())
	defer cancel()

	return r.finish(r.route(ctx, req), start)
}

// finish stamps processing time and emits the completion event.
func (r *Router) finish(resp *core.UnifiedResponse, start time.Time) *core.UnifiedResponse {
	resp.ProcessingTimeMs = time.Since(start).Milliseconds()
	attrs := map[string]interface{}{
		"request_id":  resp.RequestID,
		"provider":    resp.Provider,
		"status":      string(resp.Status),
		"duration_ms": resp.ProcessingTimeMs,
	}
	if resp.Error != nil {
		attrs["code"] = string(resp.Error.Code)
	}
	telemetry.Emit(r.sink, telemetry.EventRequestCompleted, attrs)
	return resp
}

// executeAsync runs the routed call detached from the caller and delivers
// the result to the request's callback URL.
func (r *Router) executeAsync(req *core.UnifiedRequest, start time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), req.Timeout())
	defer cancel()

	resp := r.finish(r.route(ctx, req), start)
	if err := r.deliverCallback(ctx, req, resp); err != nil {
		r.logger.Error("Callback delivery failed", map[string]interface{}{
			"operation":    "callback_deliver",
			"request_id":   req.RequestID,
			"callback_url": req.CallbackURL,
			"error":        err.Error(),
		})
	}
}

// deliverCallback posts the serialized response, down-migrated to the
// caller's declared schema version, to the callback URL.
func (r *Router) deliverCallback(ctx context.Context, req *core.UnifiedRequest, resp *core.UnifiedResponse) error {
	body, err := core.Serialize(resp, req.SchemaVersion)
	if err != nil {
		return err
	}
	status, _, _, err := r.transport.Do(ctx, &core.NativeRequest{
		Method:  "POST",
		URL:     req.CallbackURL,
		Headers: map[string]string{"Content-Type": "application/json"},
		Body:    body,
	})
	if err != nil {
		return err
	}
	if status >= 400 {
		return fmt.Errorf("callback endpoint returned %d", status)
	}
	return nil
}

// candidateResult carries one candidate's outcome through singleflight.
type candidateResult struct {
	resp     *core.UnifiedResponse
	details  *core.ErrorDetails
	attempts int
	skipped  bool
}

// route runs the selection and fallback cascade for a validated request
// under an already-bounded context.
func (r *Router) route(ctx context.Context, req *core.UnifiedRequest) *core.UnifiedResponse {
	deadline, _ := ctx.Deadline()

	if req.Provider != "" && req.Provider != core.ProviderAuto {
		r.mu.RLock()
		_, known := r.providers[req.Provider]
		r.mu.RUnlock()
		if !known {
			return core.FailedResponse(req, core.NewErrorDetails(
				core.ErrCodeInvalidRequest, req.Provider,
				core.ErrProviderNotFound.Error()).WithDetail("field", "provider"))
		}
	}

	candidates, primary, validationErr := r.candidates(req)
	if len(candidates) == 0 {
		if validationErr == nil {
			validationErr = core.NewErrorDetails(core.ErrCodeInvalidRequest, req.Provider,
				core.ErrNoCandidates.Error())
		}
		return core.FailedResponse(req, validationErr)
	}

	totalAttempts := 0
	var lastDetails *core.ErrorDetails

	for i, reg := range candidates {
		if ctx.Err() != nil {
			break
		}
		name := reg.state.Name

		key := r.cache.KeyFor(name, req)
		if cached, ok := r.cache.Get(ctx, key); ok {
			telemetry.Emit(r.sink, telemetry.EventCacheHit, map[string]interface{}{
				"request_id": req.RequestID,
				"provider":   name,
			})
			return r.cachedCopy(cached, req, totalAttempts)
		}
		telemetry.Emit(r.sink, telemetry.EventCacheMiss, map[string]interface{}{
			"request_id": req.RequestID,
			"provider":   name,
		})

		if i > 0 {
			telemetry.Emit(r.sink, telemetry.EventFallbackEngaged, map[string]interface{}{
				"request_id": req.RequestID,
				"provider":   name,
				"previous":   candidates[i-1].state.Name,
			})
		}
		telemetry.Emit(r.sink, telemetry.EventProviderSelected, map[string]interface{}{
			"request_id": req.RequestID,
			"provider":   name,
			"strategy":   string(r.cfg.Strategy),
			"rank":       i,
		})

		if ms, throttled := r.cache.Throttled(ctx, name); throttled {
			lastDetails = core.NewErrorDetails(core.ErrCodeRateLimitExceeded, name,
				"provider throttled by negative cache entry").WithRetryAfter(ms)
			continue
		}

		res := r.tryCandidate(ctx, reg, req, key, deadline)
		totalAttempts += res.attempts

		if res.skipped {
			lastDetails = res.details
			continue
		}

		if res.resp != nil {
			out := r.shallowCopy(res.resp)
			out.SetMeta(core.MetaCached, false)
			out.SetMeta(core.MetaAttempts, totalAttempts)
			out.SetMeta(core.MetaFallbackUsed, name != primary)
			return out
		}

		lastDetails = res.details
		if res.details != nil && !res.details.Retryable {
			// Caller error: no other provider will help.
			resp := core.FailedResponse(req, res.details)
			resp.SetMeta(core.MetaAttempts, totalAttempts)
			resp.SetMeta(core.MetaFallbackUsed, false)
			return resp
		}
	}

	if ctx.Err() != nil && lastDetails == nil {
		lastDetails = core.NewErrorDetails(core.ErrCodeTimeout, req.Provider,
			"request deadline exceeded before any provider responded")
	}
	if lastDetails == nil {
		lastDetails = core.NewErrorDetails(core.ErrCodeProviderError, req.Provider,
			"all candidate providers unavailable")
	}

	resp := core.FailedResponse(req, lastDetails)
	resp.SetMeta(core.MetaAttempts, totalAttempts)
	resp.SetMeta(core.MetaFallbackUsed, len(candidates) > 1)
	return resp
}

// tryCandidate runs the retry loop for one provider, coalescing identical
// in-flight work through singleflight when enabled.
func (r *Router) tryCandidate(ctx context.Context, reg *registration, req *core.UnifiedRequest, key string, deadline time.Time) candidateResult {
	if r.cfg.DisableSingleflight {
		return r.callCandidate(ctx, reg, req, key, deadline)
	}

	v, _, shared := r.sf.Do(key, func() (interface{}, error) {
		return r.callCandidate(ctx, reg, req, key, deadline), nil
	})
	res := v.(candidateResult)
	if shared {
		r.cache.AddCoalesced(1)
		// Waiters share the executor's work; they issued no attempts of
		// their own.
		res.attempts = 0
		if res.resp != nil {
			res.resp = r.shallowCopy(res.resp)
		}
	}
	return res
}

// callCandidate is the protected attempt sequence against one provider:
// breaker gate, then the bounded retry loop, then breaker bookkeeping and
// the cache write.
func (r *Router) callCandidate(ctx context.Context, reg *registration, req *core.UnifiedRequest, key string, deadline time.Time) candidateResult {
	name := reg.state.Name

	_, allowed := reg.breaker.Allow()
	if !allowed {
		return candidateResult{
			skipped: true,
			details: core.NewErrorDetails(core.ErrCodeProviderError, name,
				core.ErrCircuitOpen.Error()),
		}
	}

	retrier := &resilience.Retrier{
		Config:   req.Retry(),
		Deadline: deadline,
		Logger:   r.logger,
		OnRetry: func(attempt int, delay time.Duration, details *core.ErrorDetails) {
			telemetry.Emit(r.sink, telemetry.EventRetryScheduled, map[string]interface{}{
				"request_id": req.RequestID,
				"provider":   name,
				"attempt":    attempt,
				"delay_ms":   delay.Milliseconds(),
				"code":       string(details.Code),
			})
		},
	}

	resp, details, attempts := retrier.Do(ctx, func(attempt int) (*core.UnifiedResponse, *core.ErrorDetails) {
		return r.attempt(ctx, reg, req, attempt, deadline)
	})

	if details == nil {
		reg.breaker.RecordSuccess()
		// A canceled caller must not poison the cache with a response it
		// never observed completing.
		if ctx.Err() == nil {
			r.cache.Set(ctx, key, resp)
		}
		return candidateResult{resp: resp, attempts: attempts}
	}

	// One classified failure per candidate, recorded after the retry
	// budget is spent. The breaker ignores codes that indicate caller
	// error rather than provider health.
	reg.breaker.RecordFailure(details.Code)

	if details.Code == core.ErrCodeRateLimitExceeded {
		var hint int64
		if details.RetryAfterMs != nil {
			hint = *details.RetryAfterMs
		}
		r.cache.SetThrottled(ctx, name, hint)
	}

	return candidateResult{details: details, attempts: attempts}
}

// attempt issues exactly one provider call: limiter token, native
// translation, transport, classification.
func (r *Router) attempt(ctx context.Context, reg *registration, req *core.UnifiedRequest, attempt int, deadline time.Time) (*core.UnifiedResponse, *core.ErrorDetails) {
	name := reg.state.Name
	telemetry.Emit(r.sink, telemetry.EventAttemptStarted, map[string]interface{}{
		"request_id": req.RequestID,
		"provider":   name,
		"attempt":    attempt,
	})

	budget := time.Duration(0)
	if !deadline.IsZero() {
		budget = time.Until(deadline)
	}
	if details := reg.limiter.Acquire(ctx, budget); details != nil {
		r.emitAttemptFailed(req, name, attempt, details)
		return nil, details
	}

	native, err := reg.adapter.ToNative(req)
	if err != nil {
		details := core.NewErrorDetails(core.ErrCodeInvalidRequest, name,
			fmt.Sprintf("request translation failed: %v", err))
		r.emitAttemptFailed(req, name, attempt, details)
		return nil, details
	}

	reg.state.incConcurrency()
	callStart := time.Now()
	status, _, body, err := r.transport.Do(ctx, native)
	latency := time.Since(callStart)
	reg.state.decConcurrency()

	if err != nil || status >= 400 {
		details := reg.adapter.ClassifyTransportError(status, body, err)
		if details == nil {
			details = core.NewErrorDetails(core.ErrCodeUnknown, name, "unclassified transport failure")
		}
		if details.Provider == "" {
			details.Provider = name
		}
		r.emitAttemptFailed(req, name, attempt, details)
		return nil, details
	}

	resp, err := reg.adapter.FromNative(body, req)
	if err != nil {
		details := core.NewErrorDetails(core.ErrCodeUnknown, name,
			fmt.Sprintf("response normalization failed: %v", err))
		r.emitAttemptFailed(req, name, attempt, details)
		return nil, details
	}

	reg.state.RecordLatency(latency)

	resp.SchemaVersion = core.CurrentSchemaVersion
	resp.RequestID = req.RequestID
	resp.Provider = name
	if resp.Model == "" {
		resp.Model = req.Model
	}
	if resp.Status == "" {
		resp.Status = core.StatusSuccess
	}

	telemetry.Emit(r.sink, telemetry.EventAttemptSucceeded, map[string]interface{}{
		"request_id": req.RequestID,
		"provider":   name,
		"attempt":    attempt,
		"latency_ms": latency.Milliseconds(),
	})
	return resp, nil
}

func (r *Router) emitAttemptFailed(req *core.UnifiedRequest, provider string, attempt int, details *core.ErrorDetails) {
	telemetry.Emit(r.sink, telemetry.EventAttemptFailed, map[string]interface{}{
		"request_id": req.RequestID,
		"provider":   provider,
		"attempt":    attempt,
		"code":       string(details.Code),
		"retryable":  details.Retryable,
	})
}

// candidates builds the ordered provider list for a request. Fixed
// provider requests put the named provider first when it is usable, then
// fall back through the remaining providers in strategy order. The first
// capability rejection is kept so an empty list surfaces a real reason.
func (r *Router) candidates(req *core.UnifiedRequest) ([]*registration, string, *core.ErrorDetails) {
	r.mu.RLock()
	all := make([]*registration, 0, len(r.providers))
	for _, reg := range r.providers {
		all = append(all, reg)
	}
	r.mu.RUnlock()

	var firstValidation *core.ErrorDetails
	eligible := make([]*registration, 0, len(all))
	for _, reg := range all {
		if !reg.state.Enabled() {
			continue
		}
		if reg.breaker.Blocking() {
			continue
		}
		if details := reg.adapter.Validate(req); details != nil {
			if details.Provider == "" {
				details.Provider = reg.state.Name
			}
			if firstValidation == nil {
				firstValidation = details
			}
			continue
		}
		eligible = append(eligible, reg)
	}
	// Map iteration order is random; make rejection reporting stable.
	if firstValidation != nil && len(eligible) == 0 && len(all) > 1 {
		sort.Slice(all, func(i, j int) bool { return all[i].state.Name < all[j].state.Name })
		for _, reg := range all {
			if !reg.state.Enabled() || reg.breaker.Blocking() {
				continue
			}
			if details := reg.adapter.Validate(req); details != nil {
				if details.Provider == "" {
					details.Provider = reg.state.Name
				}
				firstValidation = details
				break
			}
		}
	}

	ordered := r.orderCandidates(eligible, r.cfg.Strategy)

	if req.Provider == "" || req.Provider == core.ProviderAuto {
		if len(ordered) == 0 {
			return nil, "", firstValidation
		}
		return ordered, ordered[0].state.Name, firstValidation
	}

	// Fixed provider: named provider first when usable, remaining
	// candidates form the fallback cascade behind it.
	out := make([]*registration, 0, len(ordered))
	for _, reg := range ordered {
		if reg.state.Name == req.Provider {
			out = append(out, reg)
			break
		}
	}
	for _, reg := range ordered {
		if reg.state.Name != req.Provider {
			out = append(out, reg)
		}
	}
	return out, req.Provider, firstValidation
}

// cachedCopy builds the per-caller view of a cache hit.
func (r *Router) cachedCopy(cached *core.UnifiedResponse, req *core.UnifiedRequest, attempts int) *core.UnifiedResponse {
	out := r.shallowCopy(cached)
	out.RequestID = req.RequestID
	out.SetMeta(core.MetaCached, true)
	out.SetMeta(core.MetaAttempts, attempts)
	out.SetMeta(core.MetaFallbackUsed, false)
	return out
}

// shallowCopy clones a response with a fresh metadata map so per-caller
// metadata never mutates the cached or shared instance.
func (r *Router) shallowCopy(resp *core.UnifiedResponse) *core.UnifiedResponse {
	out := *resp
	out.Metadata = make(map[string]interface{}, len(resp.Metadata)+4)
	for k, v := range resp.Metadata {
		out.Metadata[k] = v
	}
	return &out
}

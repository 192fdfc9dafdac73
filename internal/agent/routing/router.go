package routing

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/stratumlabs/stratum/internal/agent/providers"
	"github.com/stratumlabs/stratum/internal/cache"
	"github.com/stratumlabs/stratum/internal/config"
	"github.com/stratumlabs/stratum/internal/observability"
	"github.com/stratumlabs/stratum/pkg/models"
)

// RedactionMarker replaces content the provider's safety layer refused to
// produce. Content-filter failures are never retried.
const RedactionMarker = "[content removed by provider safety filter]"

// transientRetryDelay is the back-off before the single same-provider retry.
const transientRetryDelay = 500 * time.Millisecond

type candidate struct {
	provider providers.Provider
	cfg      config.ProviderConfig
}

// Router picks a provider per request, consults the cache, and handles
// retry and fallback across the ranked candidate list.
type Router struct {
	strategy   config.RouterStrategy
	candidates []candidate
	byName     map[string]candidate
	cache      *cache.Cache
	logger     *observability.Logger
	metrics    *observability.Metrics
	sleep      func(ctx context.Context, d time.Duration) error
}

// NewRouter builds a Router over the instantiated providers, in config order.
func NewRouter(cfg config.RouterConfig, instances map[string]providers.Provider, c *cache.Cache, logger *observability.Logger, metrics *observability.Metrics) *Router {
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{})
	}
	r := &Router{
		strategy: cfg.Strategy,
		byName:   make(map[string]candidate),
		cache:    c,
		logger:   logger,
		metrics:  metrics,
		sleep:    sleepCtx,
	}
	for _, pc := range cfg.Providers {
		p, ok := instances[pc.Name]
		if !ok {
			continue
		}
		cand := candidate{provider: p, cfg: pc}
		r.candidates = append(r.candidates, cand)
		r.byName[pc.Name] = cand
	}
	return r
}

// Generate routes one completion request. On cache hit no provider is
// contacted. Tool-bearing requests bypass the cache entirely.
func (r *Router) Generate(ctx context.Context, req *models.CompletionRequest) (*models.CompletionResponse, error) {
	task := Classify(req)

	cacheable := r.cache != nil && r.cache.Cacheable(req)
	var fingerprint string
	if cacheable {
		fingerprint = cache.Fingerprint(req)
		if resp := r.cache.Lookup(ctx, fingerprint); resp != nil {
			return resp, nil
		}
	}

	ranked := r.rank(req, task)
	if len(ranked) == 0 {
		return nil, providers.ErrNoProviderAvailable
	}

	var lastErr error
	for _, cand := range ranked {
		resp, err := r.generateOne(ctx, cand, req)
		if err == nil {
			r.observeSelection(task, cand.cfg.Name)
			if cacheable {
				r.cache.Store(ctx, fingerprint, resp)
			}
			return resp, nil
		}

		reason := providers.Classify(err)
		if reason == providers.ReasonContentFilter {
			// Redact and stop; the conversation continues.
			r.observeSelection(task, cand.cfg.Name)
			return &models.CompletionResponse{
				Provider:   cand.cfg.Name,
				Model:      req.Model,
				Content:    RedactionMarker,
				StopReason: models.StopEnd,
			}, nil
		}
		if !reason.FallsBack() {
			return nil, err
		}
		r.observeFallback(cand.cfg.Name, string(reason))
		r.logger.Warn(ctx, "provider failed, falling back",
			"provider", cand.cfg.Name, "reason", string(reason), "error", err)
		lastErr = err
	}

	if lastErr != nil {
		return nil, errors.Join(providers.ErrNoProviderAvailable, lastErr)
	}
	return nil, providers.ErrNoProviderAvailable
}

// generateOne calls a single provider, retrying once with back-off on a
// transient failure.
func (r *Router) generateOne(ctx context.Context, cand candidate, req *models.CompletionRequest) (*models.CompletionResponse, error) {
	sub := *req
	if sub.Model == "" {
		sub.Model = cand.cfg.DefaultModel
	}
	sub.Provider = cand.cfg.Name

	start := time.Now()
	resp, err := cand.provider.Generate(ctx, &sub)
	r.observeCall(cand.cfg.Name, sub.Model, err, time.Since(start), resp)
	if err == nil {
		return resp, nil
	}

	if providers.Classify(err).Retryable() {
		if serr := r.sleep(ctx, transientRetryDelay); serr != nil {
			return nil, err
		}
		start = time.Now()
		resp, retryErr := cand.provider.Generate(ctx, &sub)
		r.observeCall(cand.cfg.Name, sub.Model, retryErr, time.Since(start), resp)
		if retryErr == nil {
			return resp, nil
		}
		return nil, retryErr
	}
	return nil, err
}

// rank orders candidates for a task under the request's quality floor and
// cost ceiling. Pinned requests skip selection.
func (r *Router) rank(req *models.CompletionRequest, task Task) []candidate {
	if req.Provider != "" {
		if cand, ok := r.byName[req.Provider]; ok {
			return []candidate{cand}
		}
		return nil
	}

	var eligible []candidate
	for _, cand := range r.candidates {
		if cand.cfg.Quality < req.QualityFloor {
			continue
		}
		if task == TaskToolUse && !cand.provider.SupportsTools() {
			continue
		}
		if req.CostCeilingUSD > 0 {
			if r.estimateCost(cand, req) > req.CostCeilingUSD {
				continue
			}
		}
		eligible = append(eligible, cand)
	}

	switch r.strategy {
	case config.StrategyPrimaryOnly:
		if len(eligible) > 1 {
			eligible = eligible[:1]
		}
	case config.StrategyHybrid:
		r.sortForTask(eligible, task, req)
	}
	// Fallback-chain keeps config order.
	return eligible
}

func (r *Router) sortForTask(cands []candidate, task Task, req *models.CompletionRequest) {
	switch task {
	case TaskTrivial:
		sort.SliceStable(cands, func(i, j int) bool {
			return r.estimateCost(cands[i], req) < r.estimateCost(cands[j], req)
		})
	case TaskCode, TaskReasoning, TaskLargeContext:
		sort.SliceStable(cands, func(i, j int) bool {
			return cands[i].cfg.Quality > cands[j].cfg.Quality
		})
	}
	// Chat and tool-use keep config order.
}

func (r *Router) estimateCost(cand candidate, req *models.CompletionRequest) float64 {
	inputChars := len(req.System)
	for _, msg := range req.Messages {
		inputChars += len(msg.Content)
	}
	inputTokens := inputChars / 4
	outputTokens := req.MaxTokens
	if outputTokens <= 0 {
		outputTokens = 1024
	}
	model := req.Model
	if model == "" {
		model = cand.cfg.DefaultModel
	}
	return cand.provider.CostEstimate(model, inputTokens, outputTokens)
}

func (r *Router) observeSelection(task Task, provider string) {
	if r.metrics != nil {
		r.metrics.RouterSelections.WithLabelValues(string(task), provider).Inc()
	}
}

func (r *Router) observeFallback(provider, reason string) {
	if r.metrics != nil {
		r.metrics.RouterFallbacks.WithLabelValues(provider, reason).Inc()
	}
}

func (r *Router) observeCall(provider, model string, err error, elapsed time.Duration, resp *models.CompletionResponse) {
	if r.metrics == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = string(providers.Classify(err))
	}
	in, out := 0, 0
	if resp != nil {
		in, out = resp.InputTokens, resp.OutputTokens
	}
	r.metrics.RecordLLMRequest(provider, model, status, elapsed.Seconds(), in, out)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

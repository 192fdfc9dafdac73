package routing

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stratumlabs/stratum/internal/agent/providers"
	"github.com/stratumlabs/stratum/internal/cache"
	"github.com/stratumlabs/stratum/internal/config"
	"github.com/stratumlabs/stratum/pkg/models"
)

type scriptedProvider struct {
	name     string
	tools    bool
	cost     float64
	errs     []error // consumed per call; nil means success
	calls    int
	lastReq  *models.CompletionRequest
	response string
}

func (p *scriptedProvider) Name() string        { return p.name }
func (p *scriptedProvider) SupportsTools() bool { return p.tools }

func (p *scriptedProvider) Models() []string { return []string{"model-" + p.name} }

func (p *scriptedProvider) CostEstimate(model string, in, out int) float64 { return p.cost }

func (p *scriptedProvider) Generate(ctx context.Context, req *models.CompletionRequest) (*models.CompletionResponse, error) {
	idx := p.calls
	p.calls++
	p.lastReq = req
	if idx < len(p.errs) && p.errs[idx] != nil {
		return nil, p.errs[idx]
	}
	content := p.response
	if content == "" {
		content = "response from " + p.name
	}
	return &models.CompletionResponse{
		Provider: p.name, Model: req.Model, Content: content,
		StopReason: models.StopEnd, InputTokens: 10, OutputTokens: 5,
	}, nil
}

func newTestRouter(strategy config.RouterStrategy, c *cache.Cache, provs ...*scriptedProvider) *Router {
	cfg := config.RouterConfig{Strategy: strategy}
	instances := make(map[string]providers.Provider)
	for i, p := range provs {
		cfg.Providers = append(cfg.Providers, config.ProviderConfig{
			Name: p.name, DefaultModel: "model-" + p.name, Quality: 5 + i,
		})
		instances[p.name] = p
	}
	r := NewRouter(cfg, instances, c, nil, nil)
	r.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return r
}

func chatReq(text string) *models.CompletionRequest {
	return &models.CompletionRequest{
		Messages: []models.CompletionMessage{{Role: "user", Content: text}},
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		text string
		want Task
	}{
		{"hi", TaskTrivial},
		{"tell me about the weather in lisbon this weekend", TaskChat},
		{"why does this func panic when the package imports cycle?", TaskCode},
		{"analyze the tradeoff between latency and consistency", TaskReasoning},
	}
	for _, tc := range cases {
		if got := Classify(chatReq(tc.text)); got != tc.want {
			t.Errorf("%q: task = %s, want %s", tc.text, got, tc.want)
		}
	}

	toolReq := chatReq("anything")
	toolReq.Tools = []models.ToolDescriptor{{Name: "echo"}}
	if Classify(toolReq) != TaskToolUse {
		t.Error("tool-bearing requests always classify tool-use")
	}
}

func TestRouter_SuccessFirstCandidate(t *testing.T) {
	p1 := &scriptedProvider{name: "anthropic", tools: true}
	p2 := &scriptedProvider{name: "openai", tools: true}
	r := newTestRouter(config.StrategyFallbackChain, nil, p1, p2)

	resp, err := r.Generate(context.Background(), chatReq("hello there, how are you"))
	if err != nil {
		t.Fatal(err)
	}
	if resp.Provider != "anthropic" || p2.calls != 0 {
		t.Errorf("first candidate should serve: %+v", resp)
	}
	if p1.lastReq.Model != "model-anthropic" {
		t.Errorf("default model should apply, got %q", p1.lastReq.Model)
	}
}

func TestRouter_TransientRetriesOnceThenFallsBack(t *testing.T) {
	transient := &providers.ProviderError{Reason: providers.ReasonTransient, Message: "503"}
	p1 := &scriptedProvider{name: "anthropic", errs: []error{transient, transient}}
	p2 := &scriptedProvider{name: "openai"}
	r := newTestRouter(config.StrategyFallbackChain, nil, p1, p2)

	resp, err := r.Generate(context.Background(), chatReq("hello, what can you do"))
	if err != nil {
		t.Fatal(err)
	}
	if p1.calls != 2 {
		t.Errorf("transient error retries exactly once, got %d calls", p1.calls)
	}
	if resp.Provider != "openai" {
		t.Errorf("fallback should serve, got %s", resp.Provider)
	}
}

func TestRouter_RateLimitedFallsBackImmediately(t *testing.T) {
	limited := &providers.ProviderError{Reason: providers.ReasonRateLimited}
	p1 := &scriptedProvider{name: "anthropic", errs: []error{limited}}
	p2 := &scriptedProvider{name: "openai"}
	r := newTestRouter(config.StrategyFallbackChain, nil, p1, p2)

	resp, err := r.Generate(context.Background(), chatReq("tell me something interesting"))
	if err != nil {
		t.Fatal(err)
	}
	if p1.calls != 1 {
		t.Errorf("rate-limited must not retry the same provider, got %d calls", p1.calls)
	}
	if resp.Provider != "openai" {
		t.Errorf("fallback should serve, got %s", resp.Provider)
	}
}

func TestRouter_AuthSurfaces(t *testing.T) {
	authErr := &providers.ProviderError{Reason: providers.ReasonAuth}
	p1 := &scriptedProvider{name: "anthropic", errs: []error{authErr}}
	p2 := &scriptedProvider{name: "openai"}
	r := newTestRouter(config.StrategyFallbackChain, nil, p1, p2)

	_, err := r.Generate(context.Background(), chatReq("hello out there friend"))
	if err == nil || p2.calls != 0 {
		t.Fatalf("auth errors surface without fallback, err=%v p2calls=%d", err, p2.calls)
	}
}

func TestRouter_ContentFilterRedacts(t *testing.T) {
	filtered := &providers.ProviderError{Reason: providers.ReasonContentFilter}
	p1 := &scriptedProvider{name: "anthropic", errs: []error{filtered, filtered}}
	p2 := &scriptedProvider{name: "openai"}
	r := newTestRouter(config.StrategyFallbackChain, nil, p1, p2)

	resp, err := r.Generate(context.Background(), chatReq("write me an interesting story"))
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != RedactionMarker {
		t.Errorf("content filter yields a redaction marker, got %q", resp.Content)
	}
	if p1.calls != 1 || p2.calls != 0 {
		t.Error("content filter is never retried and never falls back")
	}
}

func TestRouter_ExhaustedRaisesNoProvider(t *testing.T) {
	limited := &providers.ProviderError{Reason: providers.ReasonRateLimited}
	p1 := &scriptedProvider{name: "anthropic", errs: []error{limited}}
	p2 := &scriptedProvider{name: "openai", errs: []error{limited}}
	r := newTestRouter(config.StrategyFallbackChain, nil, p1, p2)

	_, err := r.Generate(context.Background(), chatReq("hello hello hello out there"))
	if !errors.Is(err, providers.ErrNoProviderAvailable) {
		t.Fatalf("exhausted list raises no-provider-available, got %v", err)
	}
}

func TestRouter_PinnedProviderSkipsSelection(t *testing.T) {
	p1 := &scriptedProvider{name: "anthropic"}
	p2 := &scriptedProvider{name: "openai"}
	r := newTestRouter(config.StrategyFallbackChain, nil, p1, p2)

	req := chatReq("hello with a pin on the second provider")
	req.Provider = "openai"
	resp, err := r.Generate(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Provider != "openai" || p1.calls != 0 {
		t.Error("pinned provider must be used directly")
	}
}

func TestRouter_QualityFloorFilters(t *testing.T) {
	p1 := &scriptedProvider{name: "anthropic"} // quality 5
	p2 := &scriptedProvider{name: "openai"}    // quality 6
	r := newTestRouter(config.StrategyFallbackChain, nil, p1, p2)

	req := chatReq("a question that needs the better tier of model here")
	req.QualityFloor = 6
	resp, err := r.Generate(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Provider != "openai" || p1.calls != 0 {
		t.Error("quality floor should exclude the lower tier")
	}
}

func TestRouter_ToolUseRequiresToolProvider(t *testing.T) {
	p1 := &scriptedProvider{name: "anthropic", tools: false}
	p2 := &scriptedProvider{name: "openai", tools: true}
	r := newTestRouter(config.StrategyFallbackChain, nil, p1, p2)

	req := chatReq("use a tool for me please")
	req.Tools = []models.ToolDescriptor{{Name: "echo", InputSchema: json.RawMessage(`{}`)}}
	resp, err := r.Generate(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Provider != "openai" || p1.calls != 0 {
		t.Error("tool-use routes only to tool-capable providers")
	}
}

func TestRouter_CacheHitSkipsProviders(t *testing.T) {
	p1 := &scriptedProvider{name: "anthropic"}
	c := cache.New(cache.Options{TTL: time.Minute, TemperatureThreshold: 0.3})
	r := newTestRouter(config.StrategyFallbackChain, c, p1)

	req := chatReq("what is the capital of france, in one word")
	if _, err := r.Generate(context.Background(), req); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Generate(context.Background(), req); err != nil {
		t.Fatal(err)
	}
	if p1.calls != 1 {
		t.Errorf("second identical request should be a cache hit, got %d calls", p1.calls)
	}
}

func TestRouter_ToolRequestsNeverCached(t *testing.T) {
	p1 := &scriptedProvider{name: "anthropic", tools: true}
	c := cache.New(cache.Options{TTL: time.Minute, TemperatureThreshold: 0.3})
	r := newTestRouter(config.StrategyFallbackChain, c, p1)

	req := chatReq("list my files using the tool")
	req.Tools = []models.ToolDescriptor{{Name: "list_directory", InputSchema: json.RawMessage(`{}`)}}
	r.Generate(context.Background(), req)
	r.Generate(context.Background(), req)
	if p1.calls != 2 {
		t.Errorf("tool-bearing requests bypass the cache, got %d calls", p1.calls)
	}
}

func TestRouter_PrimaryOnlyNeverFallsBack(t *testing.T) {
	limited := &providers.ProviderError{Reason: providers.ReasonRateLimited}
	p1 := &scriptedProvider{name: "anthropic", errs: []error{limited}}
	p2 := &scriptedProvider{name: "openai"}
	r := newTestRouter(config.StrategyPrimaryOnly, nil, p1, p2)

	_, err := r.Generate(context.Background(), chatReq("hello can anyone hear me now"))
	if !errors.Is(err, providers.ErrNoProviderAvailable) {
		t.Fatalf("primary-only exhausts after the first provider, got %v", err)
	}
	if p2.calls != 0 {
		t.Error("primary-only must not touch the second provider")
	}
}

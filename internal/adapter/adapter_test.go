package adapter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rapportlabs/rapport/internal/config"
	"github.com/rapportlabs/rapport/internal/fault"
	"github.com/rapportlabs/rapport/pkg/provider/llm"
	"github.com/rapportlabs/rapport/pkg/provider/llm/mock"
	"github.com/rapportlabs/rapport/pkg/types"
)

// captureBilling collects accounting rows.
type captureBilling struct {
	mu   sync.Mutex
	recs []BillingRecord
}

func (b *captureBilling) Record(rec BillingRecord) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.recs = append(b.recs, rec)
}

func (b *captureBilling) all() []BillingRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]BillingRecord(nil), b.recs...)
}

// mockFactory serves pre-built providers keyed "provider/model".
func mockFactory(providers map[string]llm.Provider) Factory {
	return func(providerName, model string) (llm.Provider, error) {
		p, ok := providers[providerName+"/"+model]
		if !ok {
			return nil, fmt.Errorf("no mock for %s/%s", providerName, model)
		}
		return p, nil
	}
}

func routedConfig() config.LLMConfig {
	return config.LLMConfig{
		Routing: map[string][]config.RouteEntry{
			"cheap": {
				{Provider: "openai", Model: "gpt-4o-mini"},
				{Provider: "groq", Model: "llama-3.1-8b"},
			},
		},
		CoolOffSeconds: 60,
	}
}

func TestCall_DirectBypass(t *testing.T) {
	direct := &mock.Provider{CompleteResponse: &llm.CompletionResponse{
		Content: "direct",
		Usage:   llm.Usage{PromptTokens: 10, CompletionTokens: 5},
	}}
	a := New(routedConfig(), WithFactory(mockFactory(map[string]llm.Provider{
		"anthropic/claude-3-5-haiku-latest": direct,
	})))

	res, err := a.Call(context.Background(), Call{
		TaskType: types.TaskGeneration,
		Prompt:   "hi",
		UserID:   "u1",
		Provider: "anthropic",
		Model:    "claude-3-5-haiku-latest",
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Text != "direct" || res.Provider != "anthropic" {
		t.Errorf("result = %+v", res)
	}
	if res.CostUSD <= 0 {
		t.Errorf("cost = %v, want > 0 for claude tokens", res.CostUSD)
	}
}

func TestCall_TierFallback(t *testing.T) {
	failing := &mock.Provider{CompleteErr: errors.New("quota blown")}
	healthy := &mock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "from groq"}}
	a := New(routedConfig(), WithFactory(mockFactory(map[string]llm.Provider{
		"openai/gpt-4o-mini": failing,
		"groq/llama-3.1-8b":  healthy,
	})))

	res, err := a.Call(context.Background(), Call{
		TaskType: types.TaskScene, Prompt: "p", Quality: types.QualityCheap, UserID: "u1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Text != "from groq" || res.Provider != "groq" {
		t.Errorf("result = %+v", res)
	}

	// The failing provider is now benched; the next call must not touch it.
	before := len(failing.CompleteCalls)
	if _, err := a.Call(context.Background(), Call{
		TaskType: types.TaskScene, Prompt: "p", Quality: types.QualityCheap, UserID: "u1",
	}); err != nil {
		t.Fatal(err)
	}
	if len(failing.CompleteCalls) != before {
		t.Error("benched provider was called again inside cool-off")
	}
}

func TestCall_AllProvidersFailed(t *testing.T) {
	bill := &captureBilling{}
	a := New(routedConfig(),
		WithFactory(mockFactory(map[string]llm.Provider{
			"openai/gpt-4o-mini": &mock.Provider{CompleteErr: errors.New("down")},
			"groq/llama-3.1-8b":  &mock.Provider{CompleteErr: errors.New("also down")},
		})),
		WithBilling(bill),
	)

	_, err := a.Call(context.Background(), Call{
		TaskType: types.TaskGeneration, Prompt: "p", Quality: types.QualityCheap, UserID: "u1",
	})
	if !fault.Is(err, fault.KindAllProvidersFailed) {
		t.Fatalf("kind = %v, want all_providers_failed", fault.KindOf(err))
	}

	// Failed attempts are still billed, at zero cost.
	recs := bill.all()
	if len(recs) != 2 {
		t.Fatalf("billing rows = %d, want 2", len(recs))
	}
	for _, rec := range recs {
		if rec.Success || rec.CostUSD != 0 {
			t.Errorf("failed attempt billed wrong: %+v", rec)
		}
	}
}

func TestCall_NoTierNoDefault(t *testing.T) {
	a := New(config.LLMConfig{}, WithFactory(mockFactory(nil)))
	_, err := a.Call(context.Background(), Call{TaskType: types.TaskScene, Prompt: "p"})
	if !fault.Is(err, fault.KindModelUnavailable) {
		t.Errorf("kind = %v, want model_unavailable", fault.KindOf(err))
	}
}

func TestCall_DisabledRoutingUsesDefault(t *testing.T) {
	deflt := &mock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "ok"}}
	cfg := routedConfig()
	cfg.DisableQualityRouting = true
	cfg.DefaultProvider, cfg.DefaultModel = "ollama", "llama3"
	a := New(cfg, WithFactory(mockFactory(map[string]llm.Provider{
		"ollama/llama3": deflt,
	})))

	res, err := a.Call(context.Background(), Call{
		TaskType: types.TaskGeneration, Prompt: "p", Quality: types.QualityPremium,
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Provider != "ollama" {
		t.Errorf("provider = %q, want ollama", res.Provider)
	}
}

// stalledProvider blocks until its context is cancelled.
type stalledProvider struct{}

func (stalledProvider) Complete(ctx context.Context, _ llm.CompletionRequest) (*llm.CompletionResponse, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (stalledProvider) CountTokens([]llm.Message) (int, error) { return 0, nil }

func (stalledProvider) Capabilities() llm.ModelCapabilities { return llm.ModelCapabilities{} }

func TestCall_PerCallTimeout(t *testing.T) {
	a := New(routedConfig(),
		WithFactory(mockFactory(map[string]llm.Provider{
			"anthropic/claude-3-5-haiku-latest": stalledProvider{},
		})),
		WithTimeout(20*time.Millisecond),
	)

	start := time.Now()
	_, err := a.Call(context.Background(), Call{
		TaskType: types.TaskGeneration, Prompt: "p", UserID: "u1",
		Provider: "anthropic", Model: "claude-3-5-haiku-latest",
	})
	if !fault.Is(err, fault.KindTimeout) {
		t.Fatalf("kind = %v, want timeout for a stalled provider", fault.KindOf(err))
	}
	if time.Since(start) > time.Second {
		t.Error("call was not bounded by the configured timeout")
	}
}

func TestUsageAccounting(t *testing.T) {
	p := &mock.Provider{CompleteResponse: &llm.CompletionResponse{
		Content: "ok",
		Usage:   llm.Usage{PromptTokens: 100, CompletionTokens: 50},
	}}
	a := New(routedConfig(), WithFactory(mockFactory(map[string]llm.Provider{
		"openai/gpt-4o-mini": p,
	})))

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := a.Call(ctx, Call{
			TaskType: types.TaskGeneration, Prompt: "p", Quality: types.QualityCheap, UserID: "u1",
		}); err != nil {
			t.Fatal(err)
		}
	}

	u := a.Usage("u1")
	if u.Calls != 3 || u.InputTokens != 300 || u.OutputTokens != 150 {
		t.Errorf("usage = %+v", u)
	}
	want := 3 * EstimateCost("gpt-4o-mini", 100, 50)
	if diff := u.CostUSD - want; diff > 1e-12 || diff < -1e-12 {
		t.Errorf("cost = %v, want %v", u.CostUSD, want)
	}
	if a.Usage("stranger").Calls != 0 {
		t.Error("unknown user should report zero usage")
	}
}

func TestEstimateCost(t *testing.T) {
	cases := []struct {
		model string
		in    int
		out   int
		want  float64
	}{
		{"gpt-4o-mini", 1_000_000, 0, 0.15},
		{"gpt-4o", 0, 1_000_000, 10.00},
		{"claude-3-5-haiku-latest", 1_000_000, 1_000_000, 4.80},
		{"totally-local-model", 1_000_000, 1_000_000, 0},
	}
	for _, c := range cases {
		got := EstimateCost(c.model, c.in, c.out)
		if diff := got - c.want; diff > 1e-9 || diff < -1e-9 {
			t.Errorf("EstimateCost(%q) = %v, want %v", c.model, got, c.want)
		}
	}
}

func TestCallMultimodal_UnsupportedCapability(t *testing.T) {
	// Vision interface present but capability flag off: must not count as capable.
	textOnly := &mock.Provider{
		VisionResponse: &llm.CompletionResponse{Content: "should never be used"},
	}
	a := New(routedConfig(), WithFactory(mockFactory(map[string]llm.Provider{
		"openai/gpt-4o-mini": textOnly,
		"groq/llama-3.1-8b":  textOnly,
	})))

	_, err := a.CallMultimodal(context.Background(), MultimodalCall{
		Prompt:    "describe",
		ImageURLs: []string{"https://cdn/a.png"},
		Quality:   types.QualityCheap,
	})
	if !fault.Is(err, fault.KindUnsupportedCapability) {
		t.Errorf("kind = %v, want unsupported_capability", fault.KindOf(err))
	}
}

func TestCallMultimodal_RoutesToVisionProvider(t *testing.T) {
	vision := &mock.Provider{
		VisionResponse:    &llm.CompletionResponse{Content: `{"scene":{}}`},
		ModelCapabilities: llm.ModelCapabilities{SupportsVision: true},
	}
	a := New(routedConfig(), WithFactory(mockFactory(map[string]llm.Provider{
		"openai/gpt-4o-mini": vision,
	})))

	res, err := a.CallMultimodal(context.Background(), MultimodalCall{
		Prompt:    "parse this screenshot",
		ImageURLs: []string{"https://cdn/a.png", "https://cdn/b.png"},
		Quality:   types.QualityCheap,
		UserID:    "u1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Provider != "openai" {
		t.Errorf("provider = %q", res.Provider)
	}

	if len(vision.VisionCalls) != 1 {
		t.Fatalf("vision calls = %d", len(vision.VisionCalls))
	}
	req := vision.VisionCalls[0].Req
	if len(req.Images) != 2 || req.Images[0].Type != llm.ImageURL {
		t.Errorf("images = %+v", req.Images)
	}
}

func TestCallMultimodal_NoImages(t *testing.T) {
	a := New(routedConfig(), WithFactory(mockFactory(nil)))
	_, err := a.CallMultimodal(context.Background(), MultimodalCall{Prompt: "p"})
	if !fault.Is(err, fault.KindValidation) {
		t.Errorf("kind = %v, want validation", fault.KindOf(err))
	}
}

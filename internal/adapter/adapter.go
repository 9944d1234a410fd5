// Package adapter is the uniform call surface over the configured LLM
// providers: quality-tier routing with per-provider circuit breakers,
// direct provider/model bypass, per-user usage accounting, and multimodal
// dispatch for the merge step.
package adapter

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/rapportlabs/rapport/internal/config"
	"github.com/rapportlabs/rapport/internal/fault"
	"github.com/rapportlabs/rapport/internal/observe"
	"github.com/rapportlabs/rapport/internal/resilience"
	"github.com/rapportlabs/rapport/pkg/provider/llm"
	"github.com/rapportlabs/rapport/pkg/types"
)

// Call is one LLM request as the pipeline sees it.
type Call struct {
	TaskType types.TaskType
	Prompt   string

	// SystemPrompt is an optional instruction injected ahead of the prompt.
	SystemPrompt string

	// Quality selects the routing tier. Ignored when Provider and Model are
	// both set.
	Quality types.Quality

	UserID string

	// Provider and Model, when both set, bypass tier routing entirely.
	Provider string
	Model    string

	// MaxTokens caps the completion. Zero means provider default.
	MaxTokens int

	Temperature float64
}

// Result is the adapter's normalised response.
type Result struct {
	Text         string
	Provider     string
	Model        string
	InputTokens  int
	OutputTokens int
	CostUSD      float64
	Latency      time.Duration
}

// BillingRecord is one accounting row handed to the billing sink. Failed
// attempts are recorded too, with zero cost.
type BillingRecord struct {
	UserID       string
	TaskType     types.TaskType
	SceneTag     string
	Provider     string
	Model        string
	InputTokens  int
	OutputTokens int
	CostUSD      float64
	LatencyMS    int64
	TS           time.Time
	Success      bool
	Error        string
}

// BillingSink receives accounting rows. Implementations must not block; the
// adapter calls Record inline on the request path.
type BillingSink interface {
	Record(rec BillingRecord)
}

// candidate is one (provider, model) routing entry.
type candidate struct {
	provider string
	model    string
}

// Adapter routes calls across the provider pool. Safe for concurrent use.
type Adapter struct {
	cfg     config.LLMConfig
	factory Factory
	billing BillingSink
	metrics *observe.Metrics
	timeout time.Duration

	mu        sync.Mutex
	instances map[string]llm.Provider

	tiers map[types.Quality]*resilience.FallbackGroup[candidate]

	usage sync.Map // user_id -> *usageCounters
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithFactory overrides how provider instances are built. Used by tests.
func WithFactory(f Factory) Option {
	return func(a *Adapter) { a.factory = f }
}

// WithBilling attaches an accounting sink.
func WithBilling(sink BillingSink) Option {
	return func(a *Adapter) { a.billing = sink }
}

// WithMetrics attaches the metrics instruments.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *Adapter) { a.metrics = m }
}

// WithTimeout bounds every provider call. Zero means no bound.
func WithTimeout(d time.Duration) Option {
	return func(a *Adapter) { a.timeout = d }
}

// New builds an adapter from the LLM configuration.
func New(cfg config.LLMConfig, opts ...Option) *Adapter {
	a := &Adapter{
		cfg:       cfg,
		factory:   defaultFactory(cfg),
		instances: make(map[string]llm.Provider),
		tiers:     make(map[types.Quality]*resilience.FallbackGroup[candidate]),
	}
	for _, opt := range opts {
		opt(a)
	}

	coolOff := time.Duration(cfg.CoolOffSeconds) * time.Second
	if coolOff <= 0 {
		coolOff = 60 * time.Second
	}
	for tier, routes := range cfg.Routing {
		group := resilience.NewFallbackGroup[candidate](resilience.FallbackConfig{
			CircuitBreaker: resilience.CircuitBreakerConfig{CoolOff: coolOff},
		})
		for _, r := range routes {
			group.Add(r.Provider+"/"+r.Model, candidate{provider: r.Provider, model: r.Model})
		}
		a.tiers[types.Quality(tier)] = group
	}
	return a
}

// sceneTag maps a task type to the provider-side scene label carried in
// accounting rows.
func sceneTag(t types.TaskType) string {
	switch t {
	case types.TaskScene, types.TaskStrategyPlanning:
		return "system"
	case types.TaskGeneration, types.TaskMergeStep:
		return "chat"
	case types.TaskQC:
		return "coach"
	case types.TaskPersona:
		return "persona"
	default:
		return "chat"
	}
}

// Call routes and executes one completion. Direct provider/model requests
// bypass tier routing; otherwise candidates for the tier are tried in order,
// skipping providers in cool-off. All-candidate exhaustion reports
// all_providers_failed carrying the last provider error.
func (a *Adapter) Call(ctx context.Context, call Call) (*Result, error) {
	if call.Quality == "" {
		call.Quality = types.QualityNormal
	}

	// Direct bypass.
	if call.Provider != "" && call.Model != "" {
		return a.callOne(ctx, call, call.Provider, call.Model)
	}

	if a.cfg.DisableQualityRouting {
		return a.callDefault(ctx, call)
	}

	group, ok := a.tiers[call.Quality]
	if !ok || group.Len() == 0 {
		return a.callDefault(ctx, call)
	}

	result, winner, err := resilience.ExecuteWithResult(group, func(name string, c candidate) (*Result, error) {
		return a.callOne(ctx, call, c.provider, c.model)
	})
	if err != nil {
		return nil, fault.Wrap(fault.KindAllProvidersFailed, "tier "+string(call.Quality), err)
	}
	slog.Debug("llm call routed", "tier", call.Quality, "winner", winner, "task", call.TaskType)
	return result, nil
}

// callDefault uses the tier-agnostic default provider/model.
func (a *Adapter) callDefault(ctx context.Context, call Call) (*Result, error) {
	if a.cfg.DefaultProvider == "" || a.cfg.DefaultModel == "" {
		return nil, fault.Newf(fault.KindModelUnavailable,
			"no candidates for tier %q and no default provider configured", call.Quality)
	}
	return a.callOne(ctx, call, a.cfg.DefaultProvider, a.cfg.DefaultModel)
}

// callOne executes the call against a specific provider/model and accounts
// for the outcome.
func (a *Adapter) callOne(ctx context.Context, call Call, providerName, model string) (*Result, error) {
	p, err := a.instance(providerName, model)
	if err != nil {
		return nil, err
	}

	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	start := time.Now()
	resp, err := p.Complete(ctx, llm.CompletionRequest{
		Messages:     []llm.Message{{Role: "user", Content: call.Prompt}},
		SystemPrompt: call.SystemPrompt,
		Temperature:  call.Temperature,
		MaxTokens:    call.MaxTokens,
	})
	latency := time.Since(start)

	if err != nil {
		a.record(ctx, call, providerName, model, nil, latency, err)
		if ctx.Err() != nil {
			return nil, fault.Wrap(fault.KindTimeout, "llm call", ctx.Err())
		}
		return nil, fault.Wrap(fault.KindModelUnavailable, providerName+"/"+model, err)
	}

	result := &Result{
		Text:         resp.Content,
		Provider:     providerName,
		Model:        model,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
		CostUSD:      EstimateCost(model, resp.Usage.PromptTokens, resp.Usage.CompletionTokens),
		Latency:      latency,
	}
	a.record(ctx, call, providerName, model, result, latency, nil)
	return result, nil
}

// record writes billing, usage, and metrics for one attempt.
func (a *Adapter) record(ctx context.Context, call Call, providerName, model string, res *Result, latency time.Duration, callErr error) {
	rec := BillingRecord{
		UserID:    call.UserID,
		TaskType:  call.TaskType,
		SceneTag:  sceneTag(call.TaskType),
		Provider:  providerName,
		Model:     model,
		LatencyMS: latency.Milliseconds(),
		TS:        time.Now().UTC(),
	}
	status := "error"
	if callErr == nil && res != nil {
		rec.InputTokens = res.InputTokens
		rec.OutputTokens = res.OutputTokens
		rec.CostUSD = res.CostUSD
		rec.Success = true
		status = "ok"
		a.addUsage(call.UserID, res)
	} else if callErr != nil {
		rec.Error = callErr.Error()
	}

	if a.billing != nil {
		a.billing.Record(rec)
	}
	if a.metrics != nil {
		a.metrics.RecordLLMCall(ctx, providerName, string(call.TaskType), status, latency.Seconds())
		if rec.Success {
			a.metrics.RecordCost(ctx, providerName, model, rec.CostUSD)
		} else {
			a.metrics.RecordProviderError(ctx, providerName, string(fault.KindOf(callErr)))
		}
	}
}

// Available reports whether the given tier has at least one provider not in
// cool-off, or a default is configured.
func (a *Adapter) Available(q types.Quality) bool {
	if a.cfg.DefaultProvider != "" && a.cfg.DefaultModel != "" {
		return true
	}
	group, ok := a.tiers[q]
	return ok && group.Available()
}

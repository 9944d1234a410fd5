// Package orchestrator drives the reasoning pipeline: context build, scene
// analysis, strategy planning, persona inference, reply generation with the
// intimacy gate, plus the single-call multimodal merge mode. It owns the
// retry, fallback, and cost-cap semantics and writes the audit trail.
package orchestrator

import (
	"context"
	"time"

	"github.com/rapportlabs/rapport/internal/adapter"
	"github.com/rapportlabs/rapport/internal/audit"
	"github.com/rapportlabs/rapport/internal/config"
	"github.com/rapportlabs/rapport/internal/observe"
	"github.com/rapportlabs/rapport/internal/prompt"
	"github.com/rapportlabs/rapport/internal/stages"
	"github.com/rapportlabs/rapport/pkg/types"
)

// RiskFlagCostLimit is attached to the response when the cost cap clamped
// call quality mid-request.
const RiskFlagCostLimit = "cost_limit_exceeded"

// MultimodalCaller is the adapter slice the merge step uses.
type MultimodalCaller interface {
	CallMultimodal(ctx context.Context, call adapter.MultimodalCall) (*adapter.Result, error)
}

// Request is one orchestrated pipeline run.
type Request struct {
	Session       string
	UserID        string
	CorrelationID string
	Scene         types.SceneType

	// Messages is the dialog history, oldest first.
	Messages []types.Message

	// ReplyAnchor is the counterpart message replies should respond to.
	ReplyAnchor string

	// TargetIntimacy is the user's requested level.
	TargetIntimacy int

	// GenerateReply toggles stages 5–6.
	GenerateReply bool

	// Quality is the base tier; empty means normal.
	Quality types.Quality
}

// Output is the pipeline's accumulated result.
type Output struct {
	Context    *types.ConversationContext
	Scene      *types.SceneAnalysisResult
	Persona    *types.PersonaSnapshot
	Plan       *types.StrategyPlan
	Generation *types.GenerationResult

	// RiskFlags merges the scene's flags with orchestration-level ones.
	RiskFlags []string

	CostUSD  float64
	Attempts int
}

// Orchestrator composes the stage services. Safe for concurrent use.
type Orchestrator struct {
	contextBuilder *stages.ContextBuilder
	sceneAnalyzer  *stages.SceneAnalyzer
	planner        *stages.StrategyPlanner
	persona        *stages.PersonaInferencer
	generator      *stages.ReplyGenerator
	checker        *stages.IntimacyChecker

	mm      MultimodalCaller
	asm     *prompt.Assembler
	auditor *audit.Logger
	prober  DimensionResolver
	capture *CaptureLog
	metrics *observe.Metrics

	cfg config.PipelineConfig
}

// Deps bundles the orchestrator's collaborators.
type Deps struct {
	ContextBuilder *stages.ContextBuilder
	SceneAnalyzer  *stages.SceneAnalyzer
	Planner        *stages.StrategyPlanner
	Persona        *stages.PersonaInferencer
	Generator      *stages.ReplyGenerator
	Checker        *stages.IntimacyChecker

	Multimodal MultimodalCaller
	Assembler  *prompt.Assembler
	Audit      *audit.Logger
	Prober     DimensionResolver
	Capture    *CaptureLog
	Metrics    *observe.Metrics
}

// New wires an orchestrator. Audit defaults to the slog sink; capture may be
// nil when failed-reply logging is off.
func New(cfg config.PipelineConfig, deps Deps) *Orchestrator {
	if deps.Audit == nil {
		deps.Audit = audit.NewLogger(nil)
	}
	return &Orchestrator{
		contextBuilder: deps.ContextBuilder,
		sceneAnalyzer:  deps.SceneAnalyzer,
		planner:        deps.Planner,
		persona:        deps.Persona,
		generator:      deps.Generator,
		checker:        deps.Checker,
		mm:             deps.Multimodal,
		asm:            deps.Assembler,
		auditor:        deps.Audit,
		prober:         deps.Prober,
		capture:        deps.Capture,
		metrics:        deps.Metrics,
		cfg:            cfg,
	}
}

// costTracker accumulates per-request spend and clamps quality once the cap
// is crossed. Request-scoped, not shared.
type costTracker struct {
	limit   float64
	spent   float64
	clamped bool
}

func (t *costTracker) add(res *adapter.Result) {
	if res != nil {
		t.spent += res.CostUSD
	}
}

// quality returns the tier to use for the next call, downgrading to cheap
// once spend crosses the limit.
func (t *costTracker) quality(want types.Quality) types.Quality {
	if t.limit > 0 && t.spent >= t.limit {
		t.clamped = true
	}
	if t.clamped {
		return types.QualityCheap
	}
	if want == "" {
		return types.QualityNormal
	}
	return want
}

// Run executes the classic pipeline (Mode A) end to end.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*Output, error) {
	start := time.Now()
	cost := &costTracker{limit: o.cfg.CostLimitUSD}

	// Stage 1: context build (soft-fail).
	sctx, done := o.startStage(ctx, "context")
	cc, res := o.contextBuilder.Build(sctx, req.Messages, req.UserID)
	cost.add(res)
	done()

	// Stage 2: scene analysis.
	sctx, done = o.startStage(ctx, "scene")
	scene, res, err := o.sceneAnalyzer.Analyze(sctx, prompt.SceneInput{
		Messages:         req.Messages,
		Summary:          cc.Summary,
		TargetIntimacy:   req.TargetIntimacy,
		InferredIntimacy: cc.CurrentIntimacyLevel,
	}, req.UserID)
	cost.add(res)
	done()
	if err != nil {
		return nil, err
	}
	o.auditScene(req, scene)

	return o.resume(ctx, req, cc, scene, cost, start)
}

// RunWithScene resumes the pipeline at stage 3 with a context and scene
// produced elsewhere (the merge step).
func (o *Orchestrator) RunWithScene(ctx context.Context, req Request, cc *types.ConversationContext, scene *types.SceneAnalysisResult) (*Output, error) {
	o.auditScene(req, scene)
	return o.resume(ctx, req, cc, scene, &costTracker{limit: o.cfg.CostLimitUSD}, time.Now())
}

// resume runs stages 3–6 and assembles the output.
func (o *Orchestrator) resume(ctx context.Context, req Request, cc *types.ConversationContext, scene *types.SceneAnalysisResult, cost *costTracker, start time.Time) (*Output, error) {
	// Stage 3: strategy planning (recovers via synthesised plan).
	var plan *types.StrategyPlan
	if o.cfg.NoStrategyPlanner {
		plan = stages.SynthesizePlan(scene)
	} else {
		sctx, done := o.startStage(ctx, "strategy")
		var res *adapter.Result
		plan, res = o.planner.Plan(sctx, scene, req.UserID)
		cost.add(res)
		done()
	}

	// Stage 4: persona inference (recovers via stored persona).
	sctx, done := o.startStage(ctx, "persona")
	persona, res := o.persona.Infer(sctx, req.Messages, req.UserID)
	cost.add(res)
	done()
	o.auditor.Log(req.Session, req.UserID, req.CorrelationID, audit.KindPersonaSnapshot, audit.PersonaSnapshotLog{
		Style:         persona.Style,
		Pacing:        string(persona.Pacing),
		RiskTolerance: string(persona.RiskTolerance),
		Confidence:    persona.Confidence,
	})

	out := &Output{Context: cc, Scene: scene, Persona: persona, Plan: plan}

	// Stages 5–6: generation with the intimacy gate.
	if req.GenerateReply {
		gen, attempts, err := o.generate(ctx, req, cc, scene, plan, persona, cost)
		if err != nil {
			return nil, err
		}
		out.Generation = gen
		out.Attempts = attempts
	}

	out.RiskFlags = append(out.RiskFlags, scene.RiskFlags...)
	if cost.clamped {
		out.RiskFlags = append(out.RiskFlags, RiskFlagCostLimit)
	}
	out.CostUSD = cost.spent

	o.auditGeneration(req, out, time.Since(start))
	return out, nil
}

// startStage opens a span for one pipeline stage. The returned func ends the
// span and records the stage latency metric.
func (o *Orchestrator) startStage(ctx context.Context, stage string) (context.Context, func()) {
	start := time.Now()
	sctx, span := observe.StartSpan(ctx, "pipeline."+stage)
	return sctx, func() {
		span.End()
		if o.metrics != nil {
			o.metrics.RecordStage(sctx, stage, time.Since(start).Seconds())
		}
	}
}

func (o *Orchestrator) auditScene(req Request, scene *types.SceneAnalysisResult) {
	o.auditor.Log(req.Session, req.UserID, req.CorrelationID, audit.KindSceneAnalysis, audit.SceneAnalysisLog{
		RelationshipState: string(scene.RelationshipState),
		Scenario:          string(scene.Scenario),
		IntimacyLevel:     scene.IntimacyLevel,
		CurrentScenario:   string(scene.CurrentScenario),
		Strategies:        scene.RecommendedStrategies,
		RiskFlags:         scene.RiskFlags,
	})
}

func (o *Orchestrator) auditGeneration(req Request, out *Output, elapsed time.Duration) {
	rec := audit.GenerationResultLog{
		Attempts:     out.Attempts,
		TotalCostUSD: out.CostUSD,
		DurationMS:   elapsed.Milliseconds(),
	}
	if out.Generation != nil {
		rec.Fallback = out.Generation.Fallback
		rec.ReplyCount = len(out.Generation.Candidates)
		rec.OverallAdvice = out.Generation.OverallAdvice
		for _, c := range out.Generation.Candidates {
			rec.Strategies = append(rec.Strategies, c.StrategyCode)
		}
	}
	o.auditor.Log(req.Session, req.UserID, req.CorrelationID, audit.KindGenerationResult, rec)
}

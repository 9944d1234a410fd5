package orchestrator

import (
	"context"
	"log/slog"

	"github.com/rapportlabs/rapport/internal/audit"
	"github.com/rapportlabs/rapport/internal/fault"
	"github.com/rapportlabs/rapport/internal/prompt"
	"github.com/rapportlabs/rapport/pkg/types"
)

// Attempt lifecycle states, in the order an attempt moves through them.
const (
	stateGenerating = "generating"
	stateChecking   = "checking"
	stateAccepted   = "accepted"
	stateRejected   = "rejected"
	stateExhausted  = "exhausted"
)

const defaultMaxRetries = 3

// generate runs the generation/check loop. Each attempt reshapes the input
// per the retry seed; the target intimacy is never changed between attempts.
// When every attempt fails the gate, the last candidates come back flagged
// fallback with a template reply appended.
func (o *Orchestrator) generate(ctx context.Context, req Request, cc *types.ConversationContext, scene *types.SceneAnalysisResult, plan *types.StrategyPlan, persona *types.PersonaSnapshot, cost *costTracker) (*types.GenerationResult, int, error) {
	maxAttempts := o.cfg.MaxRetries
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxRetries
	}

	base := prompt.GenerationInput{
		Context:        cc,
		Scene:          scene,
		Plan:           plan,
		Persona:        persona,
		ReplyAnchor:    req.ReplyAnchor,
		TargetIntimacy: req.TargetIntimacy,
	}

	var (
		lastGen *types.GenerationResult
		lastErr error
	)
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if cost.limit > 0 && cost.spent >= cost.limit && o.cfg.StrictCostEnforcement {
			return nil, attempt - 1, fault.New(fault.KindCostLimitExceeded, "request cost budget exhausted")
		}
		if attempt > 1 && o.metrics != nil {
			o.metrics.ReplyRetries.Add(ctx, 1)
		}

		in := seedAttempt(base, attempt)
		in.Quality = cost.quality(qualityForAttempt(attempt, req.Quality))

		slog.Debug("generation attempt", "attempt", attempt, "state", stateGenerating,
			"scenario", in.Scenario, "quality", in.Quality)
		gen, res, err := o.generator.Generate(ctx, in, req.UserID)
		cost.add(res)
		if err != nil {
			if res != nil {
				o.captureFailure(req, string(types.TaskGeneration), res.Text, err)
			}
			lastErr = err
			continue
		}

		slog.Debug("generation attempt", "attempt", attempt, "state", stateChecking)
		verdict, checkRes := o.checker.Check(ctx, prompt.IntimacyCheckInput{
			Candidate:      topCandidate(gen),
			TargetIntimacy: req.TargetIntimacy,
			PersonaPrompt:  persona.Prompt,
			Scenario:       in.Scenario,
			Summary:        cc.Summary,
		}, req.UserID)
		cost.add(checkRes)
		o.auditor.Log(req.Session, req.UserID, req.CorrelationID, audit.KindIntimacyCheck, audit.IntimacyCheckLog{
			Attempt:            attempt,
			Passed:             verdict.Passed,
			Score:              verdict.Score,
			PerDimensionScores: verdict.PerDimensionScores,
			Reason:             verdict.Reason,
			TargetIntimacy:     req.TargetIntimacy,
		})

		if verdict.Passed {
			slog.Debug("generation attempt", "attempt", attempt, "state", stateAccepted)
			return gen, attempt, nil
		}
		slog.Debug("generation attempt", "attempt", attempt, "state", stateRejected, "reason", verdict.Reason)
		lastGen = gen
	}

	slog.Debug("generation attempts", "state", stateExhausted, "max_attempts", maxAttempts)
	if lastGen == nil {
		// Every attempt failed before producing candidates.
		if lastErr != nil {
			return nil, maxAttempts, lastErr
		}
		return nil, maxAttempts, fault.New(fault.KindIntimacyRejected, "no candidate survived generation")
	}
	return o.substituteFallback(ctx, req, lastGen, scene.RelationshipState), maxAttempts, nil
}

// qualityForAttempt keeps the requested tier on the first attempt and drops
// to cheap on retries.
func qualityForAttempt(attempt int, base types.Quality) types.Quality {
	if attempt > 1 {
		return types.QualityCheap
	}
	return base
}

// seedAttempt reshapes the generation input for a retry: the second attempt
// drops the top-weighted strategy and forces the SAFE posture; the third
// boosts the runner-up and switches to RECOVERY.
func seedAttempt(base prompt.GenerationInput, attempt int) prompt.GenerationInput {
	in := base
	switch {
	case attempt == 2:
		in.Plan = dropTopStrategy(base.Plan)
		in.Scenario = types.ScenarioSafe
	case attempt >= 3:
		in.Plan = boostRunnerUp(base.Plan)
		in.Scenario = types.ScenarioRecovery
	}
	return in
}

func clonePlan(p *types.StrategyPlan) *types.StrategyPlan {
	if p == nil {
		return nil
	}
	out := &types.StrategyPlan{
		RecommendedScenario: p.RecommendedScenario,
		StrategyWeights:     make(map[string]float64, len(p.StrategyWeights)),
		AvoidStrategies:     append([]string(nil), p.AvoidStrategies...),
	}
	for code, w := range p.StrategyWeights {
		out.StrategyWeights[code] = w
	}
	return out
}

func dropTopStrategy(p *types.StrategyPlan) *types.StrategyPlan {
	top := p.TopStrategies(1)
	if len(top) == 0 {
		return p
	}
	out := clonePlan(p)
	delete(out.StrategyWeights, top[0])
	return out
}

func boostRunnerUp(p *types.StrategyPlan) *types.StrategyPlan {
	pair := p.TopStrategies(2)
	if len(pair) < 2 {
		return p
	}
	out := clonePlan(p)
	out.StrategyWeights[pair[1]] = 1.0
	return out
}

func topCandidate(gen *types.GenerationResult) string {
	if gen == nil || len(gen.Candidates) == 0 {
		return ""
	}
	return gen.Candidates[0].Text
}

// captureFailure persists unparseable model output for offline triage.
func (o *Orchestrator) captureFailure(req Request, task, raw string, cause error) {
	if o.metrics != nil {
		o.metrics.ParseFailures.Add(context.Background(), 1)
	}
	if o.capture == nil {
		return
	}
	if err := o.capture.Capture(req.CorrelationID, task, raw); err != nil {
		slog.Warn("failed-reply capture failed", "task", task, "error", err, "cause", cause)
	}
}

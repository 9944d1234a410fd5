package stages

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/rapportlabs/rapport/internal/prompt"
	"github.com/rapportlabs/rapport/internal/schema"
	"github.com/rapportlabs/rapport/pkg/types"
)

// maxStrategyWeights bounds the plan size.
const maxStrategyWeights = 10

// StrategyPlanner weights the strategies reply generation should favour.
// Planner failures never abort: a linear-decay plan over the scene's
// recommended strategies stands in.
type StrategyPlanner struct {
	llm Caller
	asm *prompt.Assembler
}

// NewStrategyPlanner wires the stage.
func NewStrategyPlanner(llm Caller, asm *prompt.Assembler) *StrategyPlanner {
	return &StrategyPlanner{llm: llm, asm: asm}
}

// planReply is the model's answer shape.
type planReply struct {
	RecommendedScenario string             `json:"recommended_scenario"`
	StrategyWeights     map[string]float64 `json:"strategy_weights"`
	AvoidStrategies     []string           `json:"avoid_strategies"`
}

// SynthesizePlan builds the fallback plan: linearly decreasing weights
// (1.0, 0.9, 0.8, …) over the scene's recommended strategies.
func SynthesizePlan(scene *types.SceneAnalysisResult) *types.StrategyPlan {
	plan := &types.StrategyPlan{
		RecommendedScenario: scene.RecommendedScenario,
		StrategyWeights:     make(map[string]float64, len(scene.RecommendedStrategies)),
	}
	for i, code := range scene.RecommendedStrategies {
		w := 1.0 - 0.1*float64(i)
		if w < 0 {
			w = 0
		}
		plan.StrategyWeights[code] = w
	}
	return plan
}

// Plan runs the planner call, falling back to the synthesised plan on any
// failure. The returned result may be nil.
func (p *StrategyPlanner) Plan(ctx context.Context, scene *types.SceneAnalysisResult, userID string) (*types.StrategyPlan, *adapterResult) {
	res, err := p.llm.Call(ctx, callFor(types.TaskStrategyPlanning, p.asm.StrategyPlanning(scene), types.QualityCheap, userID))
	if err != nil {
		slog.Warn("strategy planner failed, synthesising plan", "error", err)
		return SynthesizePlan(scene), nil
	}

	doc, err := schema.Extract(res.Text)
	if err != nil {
		slog.Warn("planner reply unparseable, synthesising plan", "error", err)
		return SynthesizePlan(scene), res
	}
	var reply planReply
	if err := json.Unmarshal(doc, &reply); err != nil || len(reply.StrategyWeights) == 0 {
		slog.Warn("planner reply malformed, synthesising plan", "error", err)
		return SynthesizePlan(scene), res
	}

	plan := &types.StrategyPlan{
		RecommendedScenario: schema.ExpandScenario(reply.RecommendedScenario),
		StrategyWeights:     make(map[string]float64, len(reply.StrategyWeights)),
		AvoidStrategies:     reply.AvoidStrategies,
	}
	for code, w := range reply.StrategyWeights {
		if len(plan.StrategyWeights) >= maxStrategyWeights {
			break
		}
		if w < 0 {
			w = 0
		}
		if w > 1 {
			w = 1
		}
		plan.StrategyWeights[code] = w
	}
	return plan, res
}

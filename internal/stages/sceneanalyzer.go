package stages

import (
	"context"

	"github.com/rapportlabs/rapport/internal/fault"
	"github.com/rapportlabs/rapport/internal/prompt"
	"github.com/rapportlabs/rapport/internal/schema"
	"github.com/rapportlabs/rapport/pkg/types"
)

// Risk flags raised when the requested intimacy diverges from the inferred
// one by two or more stages.
const (
	FlagOverlyHighExpectation = "overly_high_expectation"
	FlagCoolDownRequired      = "cool_down_required"
)

// SceneAnalyzer classifies the conversation's relationship state, scenario,
// and recommended strategies. Unlike the context builder it has no local
// recovery: a failed analysis aborts the pipeline attempt.
type SceneAnalyzer struct {
	llm Caller
	asm *prompt.Assembler
}

// NewSceneAnalyzer wires the stage.
func NewSceneAnalyzer(llm Caller, asm *prompt.Assembler) *SceneAnalyzer {
	return &SceneAnalyzer{llm: llm, asm: asm}
}

// Analyze runs the scene call. The result's IntimacyLevel always reflects the
// requested target; expectation-gap risk flags are computed locally from the
// target and inferred stages.
func (s *SceneAnalyzer) Analyze(ctx context.Context, in prompt.SceneInput, userID string) (*types.SceneAnalysisResult, *adapterResult, error) {
	res, err := s.llm.Call(ctx, callFor(types.TaskScene, s.asm.Scene(in), types.QualityNormal, userID))
	if err != nil {
		return nil, nil, err
	}

	doc, err := schema.Extract(res.Text)
	if err != nil {
		return nil, res, err
	}
	scene, err := schema.ParseScene(doc)
	if err != nil {
		return nil, res, fault.Wrap(fault.KindReplyParseFailed, "scene analysis", err)
	}

	scene.IntimacyLevel = types.ClampIntimacy(in.TargetIntimacy)
	scene.RiskFlags = appendGapFlags(scene.RiskFlags, in.TargetIntimacy, in.InferredIntimacy)
	return scene, res, nil
}

// appendGapFlags adds the expectation-gap flags for a target/inferred stage
// delta of two or more.
func appendGapFlags(flags []string, target, inferred int) []string {
	delta := int(types.StageOf(target)) - int(types.StageOf(inferred))
	switch {
	case delta >= 2:
		flags = append(flags, FlagOverlyHighExpectation)
	case delta <= -2:
		flags = append(flags, FlagCoolDownRequired)
	}
	return flags
}

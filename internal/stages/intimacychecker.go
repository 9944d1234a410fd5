package stages

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/rapportlabs/rapport/internal/prompt"
	"github.com/rapportlabs/rapport/internal/schema"
	"github.com/rapportlabs/rapport/pkg/types"
)

// ReasonModerationUnavailable marks a fail-open pass where the evaluator
// itself could not be reached.
const ReasonModerationUnavailable = "moderation_unavailable"

// ReasonStageExceeded marks a reply scored two or more stages above target.
const ReasonStageExceeded = "stage_exceeded"

// IntimacyChecker is the moderation gate on generated replies. The evaluator
// is a prompt-scored LLM call; evaluator failures are governed by FailOpen.
type IntimacyChecker struct {
	llm Caller
	asm *prompt.Assembler

	// FailOpen passes candidates when the evaluator is unavailable.
	FailOpen bool
}

// NewIntimacyChecker wires the gate. failOpen defaults to true in config.
func NewIntimacyChecker(llm Caller, asm *prompt.Assembler, failOpen bool) *IntimacyChecker {
	return &IntimacyChecker{llm: llm, asm: asm, FailOpen: failOpen}
}

// checkReply is the evaluator's answer shape.
type checkReply struct {
	Decision           string    `json:"decision"`
	Score              float64   `json:"score"`
	PerDimensionScores []float64 `json:"per_dimension_scores"`
	Reason             string    `json:"reason"`
}

// Check scores one candidate. A candidate passes iff the evaluator decided
// pass and no per-dimension score maps to a stage two or more above the
// target stage. The returned result may be nil on evaluator failure.
func (c *IntimacyChecker) Check(ctx context.Context, in prompt.IntimacyCheckInput, userID string) (*types.IntimacyCheckResult, *adapterResult) {
	res, err := c.llm.Call(ctx, callFor(types.TaskQC, c.asm.IntimacyCheck(in), types.QualityCheap, userID))
	if err != nil {
		return c.unavailable(err), nil
	}

	doc, err := schema.Extract(res.Text)
	if err != nil {
		return c.unavailable(err), res
	}
	var reply checkReply
	if err := json.Unmarshal(doc, &reply); err != nil || reply.Decision == "" {
		return c.unavailable(err), res
	}

	out := &types.IntimacyCheckResult{
		Passed:             reply.Decision == "pass",
		Score:              clamp01(reply.Score),
		PerDimensionScores: reply.PerDimensionScores,
		Reason:             reply.Reason,
	}

	targetStage := types.StageOf(in.TargetIntimacy)
	for _, score := range reply.PerDimensionScores {
		if int(types.StageOf(int(score)))-int(targetStage) >= 2 {
			out.Passed = false
			if out.Reason == "" {
				out.Reason = ReasonStageExceeded
			}
			break
		}
	}
	return out, res
}

// unavailable applies the fail-open policy when the evaluator cannot answer.
func (c *IntimacyChecker) unavailable(cause error) *types.IntimacyCheckResult {
	slog.Warn("intimacy evaluator unavailable", "fail_open", c.FailOpen, "error", cause)
	if c.FailOpen {
		return &types.IntimacyCheckResult{Passed: true, Reason: ReasonModerationUnavailable}
	}
	return &types.IntimacyCheckResult{Passed: false, Reason: ReasonModerationUnavailable}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

package orchestrator

import (
	"context"

	"github.com/rapportlabs/rapport/internal/audit"
	"github.com/rapportlabs/rapport/pkg/types"
)

// Synthetic provider/model names used for template substitutions in the
// audit trail.
const (
	FallbackProvider = "fallback"
	FallbackModel    = "template"
)

// fallbackTemplates are the conservative replies substituted when every
// generation attempt failed the intimacy gate, keyed by relationship state.
var fallbackTemplates = map[types.RelationshipState]string{
	types.RelationshipIgnition:    "Haha, I was just wondering about that. What's your take?",
	types.RelationshipPropulsion:  "That sounds really nice. I'd love to hear more.",
	types.RelationshipVentilation: "I hear you. No rush, take your time.",
	types.RelationshipEquilibrium: "Sounds good to me.",
}

// fallbackTemplateDefault covers an unknown or missing relationship state.
const fallbackTemplateDefault = "Okay, I understand."

// FallbackTemplate returns the template reply for a relationship state.
func FallbackTemplate(state types.RelationshipState) string {
	if t, ok := fallbackTemplates[state]; ok {
		return t
	}
	return fallbackTemplateDefault
}

// substituteFallback flags the last rejected result and appends the template
// reply. The substitution costs nothing, which the audit row records.
func (o *Orchestrator) substituteFallback(ctx context.Context, req Request, last *types.GenerationResult, state types.RelationshipState) *types.GenerationResult {
	out := &types.GenerationResult{Fallback: true}
	if last != nil {
		out.Candidates = append(out.Candidates, last.Candidates...)
		out.OverallAdvice = last.OverallAdvice
	}
	out.Candidates = append(out.Candidates, types.ReplyCandidate{
		Text:         FallbackTemplate(state),
		StrategyCode: FallbackModel,
	})
	if out.OverallAdvice == "" {
		out.OverallAdvice = "Keep it light and let the conversation breathe."
	}

	if o.metrics != nil {
		o.metrics.FallbackReplies.Add(ctx, 1)
	}
	o.auditor.Log(req.Session, req.UserID, req.CorrelationID, audit.KindLLMCall, audit.LLMCallLog{
		TaskType: string(types.TaskGeneration),
		Provider: FallbackProvider,
		Model:    FallbackModel,
		Success:  true,
	})
	return out
}

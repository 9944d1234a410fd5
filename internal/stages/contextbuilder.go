package stages

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/rapportlabs/rapport/internal/prompt"
	"github.com/rapportlabs/rapport/internal/schema"
	"github.com/rapportlabs/rapport/pkg/types"
)

// defaultContextSummary is the stand-in when context building fails.
const defaultContextSummary = "Unable to build context"

// ContextBuilder produces the first-stage conversation summary. It is the
// pipeline's designated soft-fail point: any failure yields a conservative
// default and never aborts the request.
type ContextBuilder struct {
	llm Caller
	asm *prompt.Assembler
}

// NewContextBuilder wires the stage.
func NewContextBuilder(llm Caller, asm *prompt.Assembler) *ContextBuilder {
	return &ContextBuilder{llm: llm, asm: asm}
}

// contextReply is the model's answer shape.
type contextReply struct {
	Summary              string   `json:"summary"`
	EmotionState         string   `json:"emotion_state"`
	CurrentIntimacyLevel int      `json:"current_intimacy_level"`
	RiskFlags            []string `json:"risk_flags"`
}

// defaultContext is the soft-fail stand-in.
func defaultContext(messages []types.Message) *types.ConversationContext {
	return &types.ConversationContext{
		Summary:              defaultContextSummary,
		EmotionState:         types.EmotionNeutral,
		CurrentIntimacyLevel: 50,
		Conversation:         messages,
	}
}

// Build runs the context call. The returned result may be nil when the call
// itself failed; the context is never nil.
func (b *ContextBuilder) Build(ctx context.Context, messages []types.Message, userID string) (*types.ConversationContext, *adapterResult) {
	res, err := b.llm.Call(ctx, callFor(types.TaskScene, b.asm.Context(messages), types.QualityCheap, userID))
	if err != nil {
		slog.Warn("context build failed, using defaults", "error", err)
		return defaultContext(messages), nil
	}

	doc, err := schema.Extract(res.Text)
	if err != nil {
		slog.Warn("context reply unparseable, using defaults", "error", err)
		return defaultContext(messages), res
	}
	var reply contextReply
	if err := json.Unmarshal(doc, &reply); err != nil || reply.Summary == "" {
		slog.Warn("context reply malformed, using defaults", "error", err)
		return defaultContext(messages), res
	}

	return &types.ConversationContext{
		Summary:              reply.Summary,
		EmotionState:         schema.ExpandEmotion(reply.EmotionState),
		CurrentIntimacyLevel: types.ClampIntimacy(reply.CurrentIntimacyLevel),
		RiskFlags:            reply.RiskFlags,
		Conversation:         messages,
	}, res
}

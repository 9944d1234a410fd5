package stages

import (
	"context"

	"github.com/rapportlabs/rapport/internal/fault"
	"github.com/rapportlabs/rapport/internal/prompt"
	"github.com/rapportlabs/rapport/internal/schema"
	"github.com/rapportlabs/rapport/pkg/types"
)

// ReplyGenerator produces the reply candidates. Parse failures propagate so
// the orchestrator can capture the raw output and retry.
type ReplyGenerator struct {
	llm Caller
	asm *prompt.Assembler
}

// NewReplyGenerator wires the stage.
func NewReplyGenerator(llm Caller, asm *prompt.Assembler) *ReplyGenerator {
	return &ReplyGenerator{llm: llm, asm: asm}
}

// Generate runs one generation attempt. On parse failure the adapter result
// is still returned so the raw text can be captured.
func (g *ReplyGenerator) Generate(ctx context.Context, in prompt.GenerationInput, userID string) (*types.GenerationResult, *adapterResult, error) {
	promptText, budget := g.asm.Generation(in)

	call := callFor(types.TaskGeneration, promptText, in.Quality, userID)
	call.MaxTokens = budget
	res, err := g.llm.Call(ctx, call)
	if err != nil {
		return nil, nil, err
	}

	doc, err := schema.Extract(res.Text)
	if err != nil {
		return nil, res, err
	}
	gen, err := schema.ParseGeneration(doc)
	if err != nil {
		return nil, res, fault.Wrap(fault.KindReplyParseFailed, "reply generation", err)
	}
	return gen, res, nil
}

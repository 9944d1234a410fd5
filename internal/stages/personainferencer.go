package stages

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/rapportlabs/rapport/internal/profile"
	"github.com/rapportlabs/rapport/internal/prompt"
	"github.com/rapportlabs/rapport/internal/schema"
	"github.com/rapportlabs/rapport/pkg/types"
)

// PersonaInferencer reads the user's stored persona and optionally refreshes
// the inferred intimacy/topics from the conversation. Never aborts: the
// stored (or default) persona stands in on any failure.
type PersonaInferencer struct {
	llm     Caller
	asm     *prompt.Assembler
	profile *profile.Facade

	// UseLLM enables the conversation-driven refinement call.
	UseLLM bool
}

// NewPersonaInferencer wires the stage.
func NewPersonaInferencer(llm Caller, asm *prompt.Assembler, f *profile.Facade) *PersonaInferencer {
	return &PersonaInferencer{llm: llm, asm: asm, profile: f, UseLLM: true}
}

// personaReply is the model's answer shape. The compact {s,p,r,c,pr} form is
// handled by schema.ParsePersona; this covers the inference extras.
type personaReply struct {
	Style            string   `json:"style"`
	Pacing           string   `json:"pacing"`
	RiskTolerance    string   `json:"risk_tolerance"`
	Confidence       float64  `json:"confidence"`
	InferredIntimacy int      `json:"inferred_intimacy"`
	Topics           []string `json:"topics"`
	Traits           []string `json:"traits"`
}

// Infer returns the persona snapshot for this request. The returned result
// may be nil when the refinement call was skipped or failed.
func (p *PersonaInferencer) Infer(ctx context.Context, messages []types.Message, userID string) (*types.PersonaSnapshot, *adapterResult) {
	prof := p.profile.FetchOrCreate(ctx, userID)
	snap := p.profile.Snapshot(prof)
	if !p.UseLLM || len(messages) == 0 {
		return snap, nil
	}

	res, err := p.llm.Call(ctx, callFor(types.TaskPersona, p.asm.Persona(messages, snap.Prompt), types.QualityCheap, userID))
	if err != nil {
		slog.Warn("persona inference failed, using stored persona", "error", err)
		return snap, nil
	}

	doc, err := schema.Extract(res.Text)
	if err != nil {
		slog.Warn("persona reply unparseable, using stored persona", "error", err)
		return snap, res
	}

	var reply personaReply
	if err := json.Unmarshal(doc, &reply); err == nil && (reply.Style != "" || reply.Pacing != "") {
		if reply.Style != "" {
			prof.Style = reply.Style
		}
		if reply.Pacing != "" {
			prof.Pacing = schema.ExpandPacing(reply.Pacing)
		}
		if reply.RiskTolerance != "" {
			prof.RiskTolerance = schema.ExpandRisk(reply.RiskTolerance)
		}
		if reply.Confidence > 0 {
			prof.Confidence = reply.Confidence
		}
		if len(reply.Traits) > 0 {
			p.profile.RecordTraits(ctx, userID, reply.Traits...)
		}
		if reply.InferredIntimacy > 0 || len(reply.Topics) > 0 {
			p.profile.UpdateInference(ctx, userID, reply.InferredIntimacy, reply.Topics)
		}
		return p.profile.Snapshot(prof), res
	}

	// Compact shape from a codec-aware model.
	if compact, err := schema.ParsePersona(doc); err == nil {
		return compact, res
	}
	return snap, res
}

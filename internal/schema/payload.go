package schema

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rapportlabs/rapport/internal/fault"
	"github.com/rapportlabs/rapport/pkg/types"
)

// maxReplies caps how many candidates one generation payload may carry.
const maxReplies = 5

// compactPayload is the token-thrifty reply shape: "r" is a list of
// [text, strategy, reasoning?] tuples, "adv" is the overall advice.
type compactPayload struct {
	R   []json.RawMessage `json:"r"`
	Adv string            `json:"adv"`
}

// verbosePayload is the long-form reply shape.
type verbosePayload struct {
	Replies []verboseReply `json:"replies"`
	Advice  string         `json:"overall_advice"`
}

type verboseReply struct {
	Text      string `json:"text"`
	Strategy  string `json:"strategy"`
	Reasoning string `json:"reasoning,omitempty"`
}

// ParseGeneration decodes a generation payload in either the compact or the
// verbose shape. doc must be valid JSON, normally the output of [Extract].
// Results are trimmed to at most 5 candidates; empty-text entries are dropped.
func ParseGeneration(doc []byte) (*types.GenerationResult, error) {
	var compact compactPayload
	if err := json.Unmarshal(doc, &compact); err == nil && len(compact.R) > 0 {
		return fromCompact(compact)
	}

	var verbose verbosePayload
	if err := json.Unmarshal(doc, &verbose); err == nil && len(verbose.Replies) > 0 {
		out := &types.GenerationResult{OverallAdvice: verbose.Advice}
		for _, r := range verbose.Replies {
			if strings.TrimSpace(r.Text) == "" {
				continue
			}
			out.Candidates = append(out.Candidates, types.ReplyCandidate{
				Text:         r.Text,
				StrategyCode: strings.TrimSpace(r.Strategy),
				Reasoning:    r.Reasoning,
			})
		}
		if len(out.Candidates) == 0 {
			return nil, fault.New(fault.KindReplyParseFailed, "generation payload has no usable replies")
		}
		clampCandidates(out)
		return out, nil
	}

	return nil, fault.Newf(fault.KindReplyParseFailed, "unrecognised generation payload: %s", preview(string(doc)))
}

// fromCompact decodes the tuple form. Each tuple may hold 1, 2, or 3
// elements; missing elements fill with empty strings.
func fromCompact(p compactPayload) (*types.GenerationResult, error) {
	out := &types.GenerationResult{OverallAdvice: p.Adv}
	for i, raw := range p.R {
		var tuple []string
		if err := json.Unmarshal(raw, &tuple); err != nil {
			// Tolerate {"text":...} objects inside "r"; some models mix shapes.
			var obj verboseReply
			if err2 := json.Unmarshal(raw, &obj); err2 != nil || obj.Text == "" {
				return nil, fault.Newf(fault.KindReplyParseFailed, "reply %d is neither tuple nor object: %v", i, err)
			}
			tuple = []string{obj.Text, obj.Strategy, obj.Reasoning}
		}
		if len(tuple) == 0 || strings.TrimSpace(tuple[0]) == "" {
			continue
		}
		c := types.ReplyCandidate{Text: tuple[0]}
		if len(tuple) > 1 {
			c.StrategyCode = strings.TrimSpace(tuple[1])
		}
		if len(tuple) > 2 {
			c.Reasoning = tuple[2]
		}
		out.Candidates = append(out.Candidates, c)
	}
	if len(out.Candidates) == 0 {
		return nil, fault.New(fault.KindReplyParseFailed, "compact payload has no usable replies")
	}
	clampCandidates(out)
	return out, nil
}

func clampCandidates(g *types.GenerationResult) {
	if len(g.Candidates) > maxReplies {
		g.Candidates = g.Candidates[:maxReplies]
	}
}

// RenderGeneration encodes a result in the compact tuple shape. Reasoning is
// included per tuple only when includeReasoning is set.
func RenderGeneration(g *types.GenerationResult, includeReasoning bool) ([]byte, error) {
	p := compactPayload{Adv: g.OverallAdvice, R: make([]json.RawMessage, 0, len(g.Candidates))}
	for _, c := range g.Candidates {
		tuple := []string{c.Text, c.StrategyCode}
		if includeReasoning && c.Reasoning != "" {
			tuple = append(tuple, c.Reasoning)
		}
		raw, err := json.Marshal(tuple)
		if err != nil {
			return nil, fmt.Errorf("render generation: %w", err)
		}
		p.R = append(p.R, raw)
	}
	return json.Marshal(p)
}

// ── compact scene / persona payloads ──────────────────────────────────────

// CompactScene is the one-letter-coded wire form of a scene analysis.
type CompactScene struct {
	RS string   `json:"rs"`           // relationship state code
	SC string   `json:"sc"`           // scenario code
	IL int      `json:"il"`           // intimacy level 0–100
	CS string   `json:"cs"`           // current scenario code
	RC string   `json:"rc"`           // recommended scenario code
	ST []string `json:"st,omitempty"` // recommended strategies
	RF []string `json:"rf,omitempty"` // risk flags
}

// CompressScene converts a scene analysis to its compact wire form.
func CompressScene(x *types.SceneAnalysisResult) CompactScene {
	return CompactScene{
		RS: CompressRelationship(x.RelationshipState),
		SC: CompressScenario(x.Scenario),
		IL: types.ClampIntimacy(x.IntimacyLevel),
		CS: CompressScenario(x.CurrentScenario),
		RC: CompressScenario(x.RecommendedScenario),
		ST: x.RecommendedStrategies,
		RF: x.RiskFlags,
	}
}

// ExpandScene converts a compact scene payload back to the domain type.
// Unknown codes land on the safe defaults, never on an error.
func ExpandScene(c CompactScene) *types.SceneAnalysisResult {
	return &types.SceneAnalysisResult{
		RelationshipState:     ExpandRelationship(c.RS),
		Scenario:              ExpandScenario(c.SC),
		IntimacyLevel:         types.ClampIntimacy(c.IL),
		CurrentScenario:       ExpandScenario(c.CS),
		RecommendedScenario:   ExpandScenario(c.RC),
		RecommendedStrategies: c.ST,
		RiskFlags:             c.RF,
	}
}

// ParseScene decodes a scene payload that may arrive in compact or verbose
// form. Verbose keys win when both are present.
func ParseScene(doc []byte) (*types.SceneAnalysisResult, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(doc, &probe); err != nil {
		return nil, fault.Wrap(fault.KindReplyParseFailed, "scene payload", err)
	}
	if _, ok := probe["relationship_state"]; ok {
		var verbose struct {
			RelationshipState     string   `json:"relationship_state"`
			Scenario              string   `json:"scenario"`
			IntimacyLevel         int      `json:"intimacy_level"`
			CurrentScenario       string   `json:"current_scenario"`
			RecommendedScenario   string   `json:"recommended_scenario"`
			RecommendedStrategies []string `json:"recommended_strategies"`
			RiskFlags             []string `json:"risk_flags"`
		}
		if err := json.Unmarshal(doc, &verbose); err != nil {
			return nil, fault.Wrap(fault.KindReplyParseFailed, "scene payload", err)
		}
		return &types.SceneAnalysisResult{
			RelationshipState:     ExpandRelationship(verbose.RelationshipState),
			Scenario:              ExpandScenario(verbose.Scenario),
			IntimacyLevel:         types.ClampIntimacy(verbose.IntimacyLevel),
			CurrentScenario:       ExpandScenario(verbose.CurrentScenario),
			RecommendedScenario:   ExpandScenario(verbose.RecommendedScenario),
			RecommendedStrategies: verbose.RecommendedStrategies,
			RiskFlags:             verbose.RiskFlags,
		}, nil
	}
	var compact CompactScene
	if err := json.Unmarshal(doc, &compact); err != nil {
		return nil, fault.Wrap(fault.KindReplyParseFailed, "scene payload", err)
	}
	return ExpandScene(compact), nil
}

// CompactPersona is the one-letter-coded wire form of a persona snapshot.
type CompactPersona struct {
	S  string  `json:"s"`            // style
	P  string  `json:"p"`            // pacing code
	R  string  `json:"r"`            // risk tolerance code
	C  float64 `json:"c"`            // confidence 0–1
	Pr string  `json:"pr,omitempty"` // rendered prompt fragment
}

// CompressPersona converts a persona snapshot to its compact wire form.
func CompressPersona(p *types.PersonaSnapshot) CompactPersona {
	return CompactPersona{
		S:  p.Style,
		P:  CompressPacing(p.Pacing),
		R:  CompressRisk(p.RiskTolerance),
		C:  p.Confidence,
		Pr: p.Prompt,
	}
}

// ExpandPersona converts a compact persona payload back to the domain type.
func ExpandPersona(c CompactPersona) *types.PersonaSnapshot {
	return &types.PersonaSnapshot{
		Style:         c.S,
		Pacing:        ExpandPacing(c.P),
		RiskTolerance: ExpandRisk(c.R),
		Confidence:    c.C,
		Prompt:        c.Pr,
	}
}

// ParsePersona decodes a persona payload in compact or verbose form.
func ParsePersona(doc []byte) (*types.PersonaSnapshot, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(doc, &probe); err != nil {
		return nil, fault.Wrap(fault.KindReplyParseFailed, "persona payload", err)
	}
	if _, ok := probe["style"]; ok {
		var verbose struct {
			Style         string  `json:"style"`
			Pacing        string  `json:"pacing"`
			RiskTolerance string  `json:"risk_tolerance"`
			Confidence    float64 `json:"confidence"`
			Prompt        string  `json:"prompt"`
		}
		if err := json.Unmarshal(doc, &verbose); err != nil {
			return nil, fault.Wrap(fault.KindReplyParseFailed, "persona payload", err)
		}
		return &types.PersonaSnapshot{
			Style:         verbose.Style,
			Pacing:        ExpandPacing(verbose.Pacing),
			RiskTolerance: ExpandRisk(verbose.RiskTolerance),
			Confidence:    verbose.Confidence,
			Prompt:        verbose.Prompt,
		}, nil
	}
	var compact CompactPersona
	if err := json.Unmarshal(doc, &compact); err != nil {
		return nil, fault.Wrap(fault.KindReplyParseFailed, "persona payload", err)
	}
	return ExpandPersona(compact), nil
}

// Package types defines the shared domain types used across all Rapport packages.
//
// These types form the lingua franca between the LLM adapter, the prompt
// layer, the pipeline stages, and the orchestrator. They are intentionally
// minimal — each package defines its own internal types, but cross-cutting
// data structures live here to avoid circular imports.
package types

import "time"

// Speaker labels for dialog messages. The end-user is "user" (or "self");
// the conversation counterpart is "talker" (aliases "other" and "left").
// Any unrecognised label is treated as the counterpart.
const (
	SpeakerUser    = "user"
	SpeakerSelf    = "self"
	SpeakerTalker  = "talker"
	SpeakerOther   = "other"
	SpeakerLeft    = "left"
	SpeakerUnknown = "unknown"
)

// IsUserSpeaker reports whether the given speaker label denotes the end-user.
func IsUserSpeaker(speaker string) bool {
	return speaker == SpeakerUser || speaker == SpeakerSelf
}

// Message is a single dialog line extracted from a screenshot or provided as
// free text.
type Message struct {
	// ID is a caller-assigned or generated identifier. May be empty.
	ID string

	// Speaker is one of the Speaker* constants or a free-form label.
	Speaker string

	// Content is the message text.
	Content string

	// Timestamp is when the message was sent, if known.
	Timestamp time.Time
}

// FromUser reports whether the message was written by the end-user.
func (m Message) FromUser() bool { return IsUserSpeaker(m.Speaker) }

// EmotionState describes the overall emotional tone of a conversation.
type EmotionState string

const (
	EmotionPositive EmotionState = "positive"
	EmotionNeutral  EmotionState = "neutral"
	EmotionNegative EmotionState = "negative"
	EmotionTense    EmotionState = "tense"
)

// IsValid reports whether e is a recognised emotion state.
func (e EmotionState) IsValid() bool {
	switch e {
	case EmotionPositive, EmotionNeutral, EmotionNegative, EmotionTense:
		return true
	}
	return false
}

// ConversationContext is the first-stage summary of a conversation. It is
// produced once per request and consumed read-only by every later stage.
type ConversationContext struct {
	// Summary is a short natural-language description of where the
	// conversation stands.
	Summary string

	// EmotionState is the inferred overall tone.
	EmotionState EmotionState

	// CurrentIntimacyLevel is the intimacy level (0–100) inferred from the
	// conversation itself, as opposed to the level the user asked for.
	CurrentIntimacyLevel int

	// RiskFlags carries warnings raised during context building.
	RiskFlags []string

	// Conversation is the ordered dialog history the summary was built from.
	Conversation []Message

	// HistorySummary optionally condenses older turns that were truncated.
	HistorySummary string
}

// Scenario is the conversational risk posture recommended for the next reply.
type Scenario string

const (
	ScenarioSafe     Scenario = "SAFE"
	ScenarioBalanced Scenario = "BALANCED"
	ScenarioRisky    Scenario = "RISKY"
	ScenarioRecovery Scenario = "RECOVERY"
	ScenarioNegative Scenario = "NEGATIVE"
)

// IsValid reports whether s is a recognised scenario.
func (s Scenario) IsValid() bool {
	switch s {
	case ScenarioSafe, ScenarioBalanced, ScenarioRisky, ScenarioRecovery, ScenarioNegative:
		return true
	}
	return false
}

// RelationshipState is the macroscopic trajectory of the relationship.
type RelationshipState string

const (
	RelationshipIgnition    RelationshipState = "ignition"    // initiating contact
	RelationshipPropulsion  RelationshipState = "propulsion"  // actively advancing
	RelationshipVentilation RelationshipState = "ventilation" // cooling down
	RelationshipEquilibrium RelationshipState = "equilibrium" // stable
)

// IsValid reports whether r is a recognised relationship state.
func (r RelationshipState) IsValid() bool {
	switch r {
	case RelationshipIgnition, RelationshipPropulsion, RelationshipVentilation, RelationshipEquilibrium:
		return true
	}
	return false
}

// SceneAnalysisResult is the second-stage analysis of the conversation.
//
// IntimacyLevel always reflects the level the user *requested*; the inferred
// level lives on [ConversationContext.CurrentIntimacyLevel].
type SceneAnalysisResult struct {
	RelationshipState     RelationshipState `json:"relationship_state"`
	Scenario              Scenario          `json:"scenario"`
	IntimacyLevel         int               `json:"intimacy_level"`
	CurrentScenario       Scenario          `json:"current_scenario"`
	RecommendedScenario   Scenario          `json:"recommended_scenario"`
	RecommendedStrategies []string          `json:"recommended_strategies"` // at most 5
	RiskFlags             []string          `json:"risk_flags"`
}

// Pacing describes how fast a persona likes to move a conversation.
type Pacing string

const (
	PacingSlow   Pacing = "slow"
	PacingNormal Pacing = "normal"
	PacingFast   Pacing = "fast"
)

// RiskTolerance describes how much conversational risk a persona accepts.
type RiskTolerance string

const (
	RiskLow    RiskTolerance = "low"
	RiskMedium RiskTolerance = "medium"
	RiskHigh   RiskTolerance = "high"
)

// PersonaSnapshot is the rendered persona used to flavour reply generation.
type PersonaSnapshot struct {
	// Style is a free-form description of the user's texting style.
	Style string

	// Pacing is the persona's preferred conversation speed.
	Pacing Pacing

	// RiskTolerance is the persona's appetite for risky replies.
	RiskTolerance RiskTolerance

	// Confidence is how sure the profile engine is about this snapshot, 0–1.
	Confidence float64

	// Prompt is the snapshot rendered as a prompt fragment.
	Prompt string
}

// StrategyPlan weights the reply strategies the generator should favour.
// At most 10 weights are carried; each weight is in [0, 1].
type StrategyPlan struct {
	RecommendedScenario Scenario
	StrategyWeights     map[string]float64
	AvoidStrategies     []string
}

// TopStrategies returns up to n strategy codes ordered by descending weight.
// Ties break lexicographically so the result is deterministic.
func (p *StrategyPlan) TopStrategies(n int) []string {
	if p == nil || len(p.StrategyWeights) == 0 || n <= 0 {
		return nil
	}
	codes := make([]string, 0, len(p.StrategyWeights))
	for code := range p.StrategyWeights {
		codes = append(codes, code)
	}
	// Insertion sort by (weight desc, code asc); the map never exceeds 10 entries.
	for i := 1; i < len(codes); i++ {
		for j := i; j > 0; j-- {
			wj, wp := p.StrategyWeights[codes[j]], p.StrategyWeights[codes[j-1]]
			if wj > wp || (wj == wp && codes[j] < codes[j-1]) {
				codes[j], codes[j-1] = codes[j-1], codes[j]
			} else {
				break
			}
		}
	}
	if len(codes) > n {
		codes = codes[:n]
	}
	return codes
}

// ReplyCandidate is one suggested reply produced by the generator.
type ReplyCandidate struct {
	// Text is the suggested reply, ready to send.
	Text string

	// StrategyCode identifies the tactic behind the reply
	// (e.g. "emotional_resonance", "curiosity_hook").
	StrategyCode string

	// Reasoning optionally explains why this reply fits. Omitted in compact mode.
	Reasoning string
}

// GenerationResult is the full output of one reply-generation call:
// 1–5 candidates plus a piece of overall advice.
type GenerationResult struct {
	Candidates    []ReplyCandidate
	OverallAdvice string

	// Fallback marks results where every attempt failed the intimacy gate and
	// a template reply was substituted.
	Fallback bool
}

// IntimacyCheckResult is the verdict of the intimacy moderation gate.
type IntimacyCheckResult struct {
	// Passed is true when the candidate may be shown to the user.
	Passed bool

	// Score is the evaluator's aggregate score in [0, 1].
	Score float64

	// PerDimensionScores carries the raw per-dimension intimacy scores.
	PerDimensionScores []float64

	// Reason explains a failure or a fail-open pass. Empty on a clean pass.
	Reason string
}

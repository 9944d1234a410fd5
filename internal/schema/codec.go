// Package schema implements the compact wire schema used between Rapport and
// its LLM providers.
//
// Prompts instruct models to answer with one-letter codes for scenarios,
// relationship states, tones, pacing, and risk tolerance; the codec in this
// package maps those codes back to the full domain vocabulary and compresses
// domain values for prompt embedding. Reads are forgiving: full names in any
// case, known aliases (including Chinese relationship labels), and near-miss
// spellings within edit distance 2 are all accepted. Unknown inputs map to
// safe defaults (BALANCED, equilibrium, neutral, normal, medium).
//
// The package also contains the robust JSON extractor used on every model
// reply (extract.go) and the compact reply payload codec (payload.go).
package schema

import (
	"strings"

	"github.com/antzucaro/matchr"

	"github.com/rapportlabs/rapport/pkg/types"
)

// fuzzyMaxDistance is the largest Levenshtein distance at which a long-form
// label still matches a vocabulary entry. Single-letter codes never match
// fuzzily; see expand.
const fuzzyMaxDistance = 2

// scenarioCodes maps one-letter codes to scenarios. RECOVERY uses C because
// R is taken by RISKY.
var scenarioCodes = map[string]types.Scenario{
	"S": types.ScenarioSafe,
	"B": types.ScenarioBalanced,
	"R": types.ScenarioRisky,
	"C": types.ScenarioRecovery,
	"N": types.ScenarioNegative,
}

// scenarioAliases are long-form labels seen in real model output.
var scenarioAliases = map[string]types.Scenario{
	"safe zone":       types.ScenarioSafe,
	"play it safe":    types.ScenarioSafe,
	"稳妥":              types.ScenarioSafe,
	"balanced zone":   types.ScenarioBalanced,
	"平衡":              types.ScenarioBalanced,
	"risky zone":      types.ScenarioRisky,
	"high risk":       types.ScenarioRisky,
	"冒险":              types.ScenarioRisky,
	"recovery mode":   types.ScenarioRecovery,
	"damage control":  types.ScenarioRecovery,
	"修复":              types.ScenarioRecovery,
	"negative spiral": types.ScenarioNegative,
	"消极":              types.ScenarioNegative,
}

// relationshipCodes maps one-letter codes to relationship states.
var relationshipCodes = map[string]types.RelationshipState{
	"I": types.RelationshipIgnition,
	"P": types.RelationshipPropulsion,
	"V": types.RelationshipVentilation,
	"E": types.RelationshipEquilibrium,
}

// relationshipAliases include the Chinese labels the original prompts used.
var relationshipAliases = map[string]types.RelationshipState{
	"点燃": types.RelationshipIgnition,
	"破冰": types.RelationshipIgnition,
	"推进": types.RelationshipPropulsion,
	"升温": types.RelationshipPropulsion,
	"降温": types.RelationshipVentilation,
	"冷却": types.RelationshipVentilation,
	"平衡": types.RelationshipEquilibrium,
	"稳定": types.RelationshipEquilibrium,
}

// emotionCodes maps one-letter tone codes to emotion states. G stands for
// "gloomy" (negative) because N is taken by neutral.
var emotionCodes = map[string]types.EmotionState{
	"P": types.EmotionPositive,
	"N": types.EmotionNeutral,
	"G": types.EmotionNegative,
	"T": types.EmotionTense,
}

// pacingCodes maps one-letter codes to pacing values.
var pacingCodes = map[string]types.Pacing{
	"S": types.PacingSlow,
	"N": types.PacingNormal,
	"F": types.PacingFast,
}

// riskCodes maps one-letter codes to risk tolerance values.
var riskCodes = map[string]types.RiskTolerance{
	"L": types.RiskLow,
	"M": types.RiskMedium,
	"H": types.RiskHigh,
}

// ExpandScenario maps a code, full name, or alias to a Scenario.
// Unknown inputs yield BALANCED.
func ExpandScenario(s string) types.Scenario {
	if v, ok := expand(s, scenarioCodes, scenarioAliases, scenarioNames()); ok {
		return v
	}
	return types.ScenarioBalanced
}

// CompressScenario returns the one-letter code for a scenario.
func CompressScenario(s types.Scenario) string {
	for code, v := range scenarioCodes {
		if v == s {
			return code
		}
	}
	return "B"
}

// ExpandRelationship maps a code, full name, or alias to a RelationshipState.
// Unknown inputs yield equilibrium.
func ExpandRelationship(s string) types.RelationshipState {
	if v, ok := expand(s, relationshipCodes, relationshipAliases, relationshipNames()); ok {
		return v
	}
	return types.RelationshipEquilibrium
}

// CompressRelationship returns the one-letter code for a relationship state.
func CompressRelationship(r types.RelationshipState) string {
	for code, v := range relationshipCodes {
		if v == r {
			return code
		}
	}
	return "E"
}

// ExpandEmotion maps a code or full name to an EmotionState.
// Unknown inputs yield neutral.
func ExpandEmotion(s string) types.EmotionState {
	if v, ok := expand(s, emotionCodes, nil, emotionNames()); ok {
		return v
	}
	return types.EmotionNeutral
}

// CompressEmotion returns the one-letter code for an emotion state.
func CompressEmotion(e types.EmotionState) string {
	for code, v := range emotionCodes {
		if v == e {
			return code
		}
	}
	return "N"
}

// ExpandPacing maps a code or full name to a Pacing. Unknown inputs yield normal.
func ExpandPacing(s string) types.Pacing {
	if v, ok := expand(s, pacingCodes, nil, pacingNames()); ok {
		return v
	}
	return types.PacingNormal
}

// CompressPacing returns the one-letter code for a pacing value.
func CompressPacing(p types.Pacing) string {
	for code, v := range pacingCodes {
		if v == p {
			return code
		}
	}
	return "N"
}

// ExpandRisk maps a code or full name to a RiskTolerance.
// Unknown inputs yield medium.
func ExpandRisk(s string) types.RiskTolerance {
	if v, ok := expand(s, riskCodes, nil, riskNames()); ok {
		return v
	}
	return types.RiskMedium
}

// CompressRisk returns the one-letter code for a risk tolerance.
func CompressRisk(r types.RiskTolerance) string {
	for code, v := range riskCodes {
		if v == r {
			return code
		}
	}
	return "M"
}

// expand resolves s against a code table, an alias table, and the full-name
// vocabulary. Resolution order: exact code (upper-cased), full name
// (case-insensitive), alias, then fuzzy match against full names for inputs
// longer than 3 runes.
func expand[T ~string](s string, codes map[string]T, aliases map[string]T, names map[string]T) (T, bool) {
	var zero T
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return zero, false
	}

	if v, ok := codes[strings.ToUpper(trimmed)]; ok {
		return v, true
	}
	lower := strings.ToLower(trimmed)
	if v, ok := names[lower]; ok {
		return v, true
	}
	if v, ok := aliases[lower]; ok {
		return v, true
	}
	if v, ok := aliases[trimmed]; ok {
		return v, true
	}

	// Fuzzy rescue for near-miss spellings ("Ballanced", "equilibrum").
	// Short inputs are excluded so stray letters cannot jump categories.
	if len([]rune(lower)) > 3 {
		for name, v := range names {
			if matchr.Levenshtein(lower, name) <= fuzzyMaxDistance {
				return v, true
			}
		}
	}
	return zero, false
}

func scenarioNames() map[string]types.Scenario {
	out := make(map[string]types.Scenario, len(scenarioCodes))
	for _, v := range scenarioCodes {
		out[strings.ToLower(string(v))] = v
	}
	return out
}

func relationshipNames() map[string]types.RelationshipState {
	out := make(map[string]types.RelationshipState, len(relationshipCodes))
	for _, v := range relationshipCodes {
		out[strings.ToLower(string(v))] = v
	}
	return out
}

func emotionNames() map[string]types.EmotionState {
	out := make(map[string]types.EmotionState, len(emotionCodes))
	for _, v := range emotionCodes {
		out[strings.ToLower(string(v))] = v
	}
	return out
}

func pacingNames() map[string]types.Pacing {
	out := make(map[string]types.Pacing, len(pacingCodes))
	for _, v := range pacingCodes {
		out[strings.ToLower(string(v))] = v
	}
	return out
}

func riskNames() map[string]types.RiskTolerance {
	out := make(map[string]types.RiskTolerance, len(riskCodes))
	for _, v := range riskCodes {
		out[strings.ToLower(string(v))] = v
	}
	return out
}

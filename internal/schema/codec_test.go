package schema

import (
	"testing"

	"github.com/rapportlabs/rapport/pkg/types"
)

func TestExpandScenario(t *testing.T) {
	cases := []struct {
		in   string
		want types.Scenario
	}{
		{"S", types.ScenarioSafe},
		{"B", types.ScenarioBalanced},
		{"R", types.ScenarioRisky},
		{"C", types.ScenarioRecovery},
		{"N", types.ScenarioNegative},
		{"safe", types.ScenarioSafe},
		{"SAFE", types.ScenarioSafe},
		{"Balanced", types.ScenarioBalanced},
		{"recovery mode", types.ScenarioRecovery},
		{"damage control", types.ScenarioRecovery},
		{"冒险", types.ScenarioRisky},
		// Near-miss spellings within edit distance 2.
		{"Ballanced", types.ScenarioBalanced},
		{"recovey", types.ScenarioRecovery},
		// Unknowns land on BALANCED.
		{"", types.ScenarioBalanced},
		{"X", types.ScenarioBalanced},
		{"whatever this is", types.ScenarioBalanced},
	}
	for _, c := range cases {
		if got := ExpandScenario(c.in); got != c.want {
			t.Errorf("ExpandScenario(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestExpandRelationship(t *testing.T) {
	cases := []struct {
		in   string
		want types.RelationshipState
	}{
		{"I", types.RelationshipIgnition},
		{"P", types.RelationshipPropulsion},
		{"V", types.RelationshipVentilation},
		{"E", types.RelationshipEquilibrium},
		{"ignition", types.RelationshipIgnition},
		{"Equilibrium", types.RelationshipEquilibrium},
		{"点燃", types.RelationshipIgnition},
		{"降温", types.RelationshipVentilation},
		{"equilibrum", types.RelationshipEquilibrium}, // typo rescue
		{"??", types.RelationshipEquilibrium},
		{"", types.RelationshipEquilibrium},
	}
	for _, c := range cases {
		if got := ExpandRelationship(c.in); got != c.want {
			t.Errorf("ExpandRelationship(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestShortInputsNeverFuzzyMatch(t *testing.T) {
	// A stray two-letter token must not jump to a category via edit distance.
	if got := ExpandScenario("sa"); got != types.ScenarioBalanced {
		t.Errorf("ExpandScenario(sa) = %v, want default BALANCED", got)
	}
	if got := ExpandRisk("lo"); got != types.RiskMedium {
		t.Errorf("ExpandRisk(lo) = %v, want default medium", got)
	}
}

func TestRoundTrip(t *testing.T) {
	for _, s := range []types.Scenario{
		types.ScenarioSafe, types.ScenarioBalanced, types.ScenarioRisky,
		types.ScenarioRecovery, types.ScenarioNegative,
	} {
		if got := ExpandScenario(CompressScenario(s)); got != s {
			t.Errorf("scenario round trip: %v → %v", s, got)
		}
	}
	for _, r := range []types.RelationshipState{
		types.RelationshipIgnition, types.RelationshipPropulsion,
		types.RelationshipVentilation, types.RelationshipEquilibrium,
	} {
		if got := ExpandRelationship(CompressRelationship(r)); got != r {
			t.Errorf("relationship round trip: %v → %v", r, got)
		}
	}
	for _, e := range []types.EmotionState{
		types.EmotionPositive, types.EmotionNeutral, types.EmotionNegative, types.EmotionTense,
	} {
		if got := ExpandEmotion(CompressEmotion(e)); got != e {
			t.Errorf("emotion round trip: %v → %v", e, got)
		}
	}
	for _, p := range []types.Pacing{types.PacingSlow, types.PacingNormal, types.PacingFast} {
		if got := ExpandPacing(CompressPacing(p)); got != p {
			t.Errorf("pacing round trip: %v → %v", p, got)
		}
	}
	for _, r := range []types.RiskTolerance{types.RiskLow, types.RiskMedium, types.RiskHigh} {
		if got := ExpandRisk(CompressRisk(r)); got != r {
			t.Errorf("risk round trip: %v → %v", r, got)
		}
	}
}

func TestSceneRoundTrip(t *testing.T) {
	orig := &types.SceneAnalysisResult{
		RelationshipState:     types.RelationshipPropulsion,
		Scenario:              types.ScenarioRisky,
		IntimacyLevel:         63,
		CurrentScenario:       types.ScenarioBalanced,
		RecommendedScenario:   types.ScenarioSafe,
		RecommendedStrategies: []string{"curiosity_hook", "light_tease"},
		RiskFlags:             []string{"overly_high_expectation"},
	}
	got := ExpandScene(CompressScene(orig))
	if got.RelationshipState != orig.RelationshipState ||
		got.Scenario != orig.Scenario ||
		got.IntimacyLevel != orig.IntimacyLevel ||
		got.CurrentScenario != orig.CurrentScenario ||
		got.RecommendedScenario != orig.RecommendedScenario {
		t.Errorf("scene round trip mismatch: got %+v", got)
	}
	if len(got.RecommendedStrategies) != 2 || got.RecommendedStrategies[0] != "curiosity_hook" {
		t.Errorf("strategies not preserved: %v", got.RecommendedStrategies)
	}
	if len(got.RiskFlags) != 1 || got.RiskFlags[0] != "overly_high_expectation" {
		t.Errorf("risk flags not preserved: %v", got.RiskFlags)
	}
}

func TestPersonaRoundTrip(t *testing.T) {
	orig := &types.PersonaSnapshot{
		Style:         "playful, emoji-heavy",
		Pacing:        types.PacingFast,
		RiskTolerance: types.RiskHigh,
		Confidence:    0.85,
		Prompt:        "User texts fast and playful.",
	}
	got := ExpandPersona(CompressPersona(orig))
	if *got != *orig {
		t.Errorf("persona round trip: got %+v, want %+v", got, orig)
	}
}

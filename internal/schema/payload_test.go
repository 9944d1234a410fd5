package schema

import (
	"testing"

	"github.com/rapportlabs/rapport/pkg/types"
)

func TestParseGeneration_Compact(t *testing.T) {
	doc := []byte(`{"r":[["Hey, how was your day?","warm_opener","low stakes"],["Miss you","affection"]],"adv":"keep it light"}`)
	g, err := ParseGeneration(doc)
	if err != nil {
		t.Fatal(err)
	}
	if len(g.Candidates) != 2 {
		t.Fatalf("candidates = %d, want 2", len(g.Candidates))
	}
	if g.Candidates[0].Text != "Hey, how was your day?" ||
		g.Candidates[0].StrategyCode != "warm_opener" ||
		g.Candidates[0].Reasoning != "low stakes" {
		t.Errorf("candidate 0 = %+v", g.Candidates[0])
	}
	if g.Candidates[1].Reasoning != "" {
		t.Errorf("two-element tuple should have no reasoning: %+v", g.Candidates[1])
	}
	if g.OverallAdvice != "keep it light" {
		t.Errorf("advice = %q", g.OverallAdvice)
	}
}

func TestParseGeneration_SingleElementTuple(t *testing.T) {
	g, err := ParseGeneration([]byte(`{"r":[["Sounds good!"]]}`))
	if err != nil {
		t.Fatal(err)
	}
	if g.Candidates[0].Text != "Sounds good!" || g.Candidates[0].StrategyCode != "" {
		t.Errorf("one-element tuple = %+v", g.Candidates[0])
	}
}

func TestParseGeneration_Verbose(t *testing.T) {
	doc := []byte(`{"replies":[{"text":"hi","strategy":"s1","reasoning":"r1"}],"overall_advice":"adv"}`)
	g, err := ParseGeneration(doc)
	if err != nil {
		t.Fatal(err)
	}
	if g.Candidates[0].Text != "hi" || g.Candidates[0].StrategyCode != "s1" || g.Candidates[0].Reasoning != "r1" {
		t.Errorf("candidate = %+v", g.Candidates[0])
	}
	if g.OverallAdvice != "adv" {
		t.Errorf("advice = %q", g.OverallAdvice)
	}
}

func TestParseGeneration_MixedObjectInCompactList(t *testing.T) {
	doc := []byte(`{"r":[{"text":"hello","strategy":"warm"}]}`)
	g, err := ParseGeneration(doc)
	if err != nil {
		t.Fatal(err)
	}
	if g.Candidates[0].Text != "hello" || g.Candidates[0].StrategyCode != "warm" {
		t.Errorf("candidate = %+v", g.Candidates[0])
	}
}

func TestParseGeneration_CapsAtFive(t *testing.T) {
	doc := []byte(`{"r":[["a","x"],["b","x"],["c","x"],["d","x"],["e","x"],["f","x"],["g","x"]]}`)
	g, err := ParseGeneration(doc)
	if err != nil {
		t.Fatal(err)
	}
	if len(g.Candidates) != 5 {
		t.Errorf("candidates = %d, want 5", len(g.Candidates))
	}
}

func TestParseGeneration_EmptyTextDropped(t *testing.T) {
	doc := []byte(`{"r":[["","x"],["ok","y"]]}`)
	g, err := ParseGeneration(doc)
	if err != nil {
		t.Fatal(err)
	}
	if len(g.Candidates) != 1 || g.Candidates[0].Text != "ok" {
		t.Errorf("candidates = %+v", g.Candidates)
	}
}

func TestParseGeneration_Unusable(t *testing.T) {
	if _, err := ParseGeneration([]byte(`{"something":"else"}`)); err == nil {
		t.Fatal("expected error for unrecognised payload")
	}
	if _, err := ParseGeneration([]byte(`{"r":[[""]]}`)); err == nil {
		t.Fatal("expected error when every reply is empty")
	}
}

func TestRenderGeneration_RoundTrip(t *testing.T) {
	orig := &types.GenerationResult{
		Candidates: []types.ReplyCandidate{
			{Text: "Hey!", StrategyCode: "warm_opener", Reasoning: "safe"},
			{Text: "What's up?", StrategyCode: "casual"},
		},
		OverallAdvice: "stay relaxed",
	}
	doc, err := RenderGeneration(orig, true)
	if err != nil {
		t.Fatal(err)
	}
	back, err := ParseGeneration(doc)
	if err != nil {
		t.Fatal(err)
	}
	if len(back.Candidates) != 2 || back.OverallAdvice != orig.OverallAdvice {
		t.Fatalf("round trip mismatch: %+v", back)
	}
	if back.Candidates[0] != orig.Candidates[0] {
		t.Errorf("candidate 0 changed: %+v", back.Candidates[0])
	}

	// Render→parse→render must be stable.
	doc2, err := RenderGeneration(back, true)
	if err != nil {
		t.Fatal(err)
	}
	if string(doc) != string(doc2) {
		t.Errorf("render not idempotent:\n%s\n%s", doc, doc2)
	}
}

func TestRenderGeneration_ReasoningStripped(t *testing.T) {
	orig := &types.GenerationResult{
		Candidates: []types.ReplyCandidate{{Text: "Hey!", StrategyCode: "s", Reasoning: "because"}},
	}
	doc, err := RenderGeneration(orig, false)
	if err != nil {
		t.Fatal(err)
	}
	back, err := ParseGeneration(doc)
	if err != nil {
		t.Fatal(err)
	}
	if back.Candidates[0].Reasoning != "" {
		t.Errorf("reasoning leaked through compact render: %+v", back.Candidates[0])
	}
}

func TestParseScene_Verbose(t *testing.T) {
	doc := []byte(`{"relationship_state":"propulsion","scenario":"RISKY","intimacy_level":130,
		"current_scenario":"B","recommended_scenario":"safe","recommended_strategies":["x"],"risk_flags":[]}`)
	got, err := ParseScene(doc)
	if err != nil {
		t.Fatal(err)
	}
	if got.RelationshipState != types.RelationshipPropulsion {
		t.Errorf("state = %v", got.RelationshipState)
	}
	if got.Scenario != types.ScenarioRisky || got.RecommendedScenario != types.ScenarioSafe {
		t.Errorf("scenarios = %v / %v", got.Scenario, got.RecommendedScenario)
	}
	if got.IntimacyLevel != 100 {
		t.Errorf("intimacy not clamped: %d", got.IntimacyLevel)
	}
}

func TestParseScene_Compact(t *testing.T) {
	got, err := ParseScene([]byte(`{"rs":"I","sc":"S","il":15,"cs":"S","rc":"B"}`))
	if err != nil {
		t.Fatal(err)
	}
	if got.RelationshipState != types.RelationshipIgnition || got.Scenario != types.ScenarioSafe {
		t.Errorf("compact scene = %+v", got)
	}
	if got.RecommendedScenario != types.ScenarioBalanced {
		t.Errorf("recommended = %v", got.RecommendedScenario)
	}
}

func TestParsePersona_BothShapes(t *testing.T) {
	verbose, err := ParsePersona([]byte(`{"style":"dry humour","pacing":"slow","risk_tolerance":"H","confidence":0.7}`))
	if err != nil {
		t.Fatal(err)
	}
	if verbose.Pacing != types.PacingSlow || verbose.RiskTolerance != types.RiskHigh {
		t.Errorf("verbose persona = %+v", verbose)
	}

	compact, err := ParsePersona([]byte(`{"s":"dry humour","p":"S","r":"H","c":0.7}`))
	if err != nil {
		t.Fatal(err)
	}
	if compact.Pacing != types.PacingSlow || compact.Confidence != 0.7 {
		t.Errorf("compact persona = %+v", compact)
	}
}

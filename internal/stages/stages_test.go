package stages

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rapportlabs/rapport/internal/adapter"
	"github.com/rapportlabs/rapport/internal/config"
	"github.com/rapportlabs/rapport/internal/fault"
	"github.com/rapportlabs/rapport/internal/profile"
	"github.com/rapportlabs/rapport/internal/prompt"
	"github.com/rapportlabs/rapport/internal/promptreg"
	"github.com/rapportlabs/rapport/pkg/types"
)

// fakeCaller scripts adapter responses, one per call in order. The last entry
// repeats; a set err fails every call.
type fakeCaller struct {
	mu        sync.Mutex
	responses []string
	err       error
	calls     []adapter.Call
}

func (f *fakeCaller) Call(_ context.Context, call adapter.Call) (*adapter.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := len(f.calls)
	f.calls = append(f.calls, call)
	if f.err != nil {
		return nil, f.err
	}
	if idx >= len(f.responses) {
		idx = len(f.responses) - 1
	}
	return &adapter.Result{Text: f.responses[idx], Provider: "mock", Model: "mock"}, nil
}

func newAsm(t *testing.T, cfg config.PromptConfig) *prompt.Assembler {
	t.Helper()
	reg, err := promptreg.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	a, err := prompt.New(reg, cfg)
	if err != nil {
		t.Fatal(err)
	}
	return a
}

var testMessages = []types.Message{
	{Speaker: types.SpeakerUser, Content: "hi"},
	{Speaker: types.SpeakerTalker, Content: "hey, long day?"},
}

func TestContextBuilder_Success(t *testing.T) {
	llm := &fakeCaller{responses: []string{
		`{"summary":"Friendly check-in","emotion_state":"P","current_intimacy_level":42,"risk_flags":[]}`,
	}}
	b := NewContextBuilder(llm, newAsm(t, config.PromptConfig{}))

	cc, res := b.Build(context.Background(), testMessages, "u1")
	if res == nil {
		t.Fatal("expected adapter result")
	}
	if cc.Summary != "Friendly check-in" || cc.EmotionState != types.EmotionPositive {
		t.Errorf("context = %+v", cc)
	}
	if cc.CurrentIntimacyLevel != 42 || len(cc.Conversation) != 2 {
		t.Errorf("context = %+v", cc)
	}
}

func TestContextBuilder_SoftFail(t *testing.T) {
	for name, llm := range map[string]*fakeCaller{
		"call error":  {err: errors.New("provider down")},
		"garbage out": {responses: []string{"total nonsense with no braces but quite long enough that the extractor must refuse to wrap it because context replies are structured" + string(make([]byte, 500))}},
	} {
		b := NewContextBuilder(llm, newAsm(t, config.PromptConfig{}))
		cc, _ := b.Build(context.Background(), testMessages, "u1")
		if cc.Summary != defaultContextSummary {
			t.Errorf("%s: summary = %q", name, cc.Summary)
		}
		if cc.EmotionState != types.EmotionNeutral || cc.CurrentIntimacyLevel != 50 {
			t.Errorf("%s: defaults wrong: %+v", name, cc)
		}
	}
}

func TestSceneAnalyzer_Success(t *testing.T) {
	llm := &fakeCaller{responses: []string{
		`{"rs":"P","sc":"B","il":70,"cs":"S","rc":"B","st":["curiosity_hook"],"rf":[]}`,
	}}
	s := NewSceneAnalyzer(llm, newAsm(t, config.PromptConfig{UseCompactSchemas: true}))

	scene, _, err := s.Analyze(context.Background(), prompt.SceneInput{
		Messages: testMessages, TargetIntimacy: 35, InferredIntimacy: 30,
	}, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if scene.RelationshipState != types.RelationshipPropulsion || scene.Scenario != types.ScenarioBalanced {
		t.Errorf("scene = %+v", scene)
	}
	// The requested target wins over whatever the model claimed.
	if scene.IntimacyLevel != 35 {
		t.Errorf("intimacy = %d, want requested 35", scene.IntimacyLevel)
	}
	if len(scene.RiskFlags) != 0 {
		t.Errorf("risk flags = %v, want none for a 0-stage gap", scene.RiskFlags)
	}
}

func TestSceneAnalyzer_GapFlags(t *testing.T) {
	cases := []struct {
		target, inferred int
		want             string
	}{
		{80, 10, FlagOverlyHighExpectation},
		{10, 60, FlagCoolDownRequired},
		{45, 30, ""},
	}
	for _, c := range cases {
		flags := appendGapFlags(nil, c.target, c.inferred)
		if c.want == "" {
			if len(flags) != 0 {
				t.Errorf("(%d,%d) flags = %v, want none", c.target, c.inferred, flags)
			}
			continue
		}
		if len(flags) != 1 || flags[0] != c.want {
			t.Errorf("(%d,%d) flags = %v, want [%s]", c.target, c.inferred, flags, c.want)
		}
	}
}

func TestSceneAnalyzer_ParseFailure(t *testing.T) {
	long := make([]byte, 600)
	for i := range long {
		long[i] = 'x'
	}
	llm := &fakeCaller{responses: []string{string(long)}}
	s := NewSceneAnalyzer(llm, newAsm(t, config.PromptConfig{}))

	_, res, err := s.Analyze(context.Background(), prompt.SceneInput{Messages: testMessages}, "u1")
	if err == nil {
		t.Fatal("expected error")
	}
	if res == nil {
		t.Error("raw result should survive for failure capture")
	}
}

func TestStrategyPlanner_Success(t *testing.T) {
	llm := &fakeCaller{responses: []string{
		`{"recommended_scenario":"R","strategy_weights":{"bold_move":1.4,"playful_tease":0.6},"avoid_strategies":["guilt_trip"]}`,
	}}
	p := NewStrategyPlanner(llm, newAsm(t, config.PromptConfig{}))

	plan, _ := p.Plan(context.Background(), &types.SceneAnalysisResult{
		RecommendedScenario: types.ScenarioBalanced,
	}, "u1")
	if plan.RecommendedScenario != types.ScenarioRisky {
		t.Errorf("scenario = %v", plan.RecommendedScenario)
	}
	// Out-of-range weights clamp into [0,1].
	if plan.StrategyWeights["bold_move"] != 1.0 {
		t.Errorf("weight = %v, want clamped 1.0", plan.StrategyWeights["bold_move"])
	}
	if len(plan.AvoidStrategies) != 1 {
		t.Errorf("avoid = %v", plan.AvoidStrategies)
	}
}

func TestStrategyPlanner_SynthesizesOnFailure(t *testing.T) {
	llm := &fakeCaller{err: errors.New("down")}
	p := NewStrategyPlanner(llm, newAsm(t, config.PromptConfig{}))

	scene := &types.SceneAnalysisResult{
		RecommendedScenario:   types.ScenarioSafe,
		RecommendedStrategies: []string{"a", "b", "c"},
	}
	plan, _ := p.Plan(context.Background(), scene, "u1")
	if plan.RecommendedScenario != types.ScenarioSafe {
		t.Errorf("scenario = %v", plan.RecommendedScenario)
	}
	want := map[string]float64{"a": 1.0, "b": 0.9, "c": 0.8}
	for code, w := range want {
		got := plan.StrategyWeights[code]
		if diff := got - w; diff > 1e-9 || diff < -1e-9 {
			t.Errorf("weight[%s] = %v, want %v", code, got, w)
		}
	}
}

func TestPersonaInferencer_RefinesProfile(t *testing.T) {
	llm := &fakeCaller{responses: []string{
		`{"style":"short and dry","pacing":"F","risk_tolerance":"H","confidence":0.7,"inferred_intimacy":55,"topics":["work"],"traits":["answers late at night"]}`,
	}}
	f := profile.NewFacade(profile.NewMemory())
	p := NewPersonaInferencer(llm, newAsm(t, config.PromptConfig{}), f)

	snap, res := p.Infer(context.Background(), testMessages, "u1")
	if res == nil {
		t.Fatal("expected adapter result")
	}
	if snap.Style != "short and dry" || snap.Pacing != types.PacingFast || snap.RiskTolerance != types.RiskHigh {
		t.Errorf("snapshot = %+v", snap)
	}

	// Inference side effects persist on the profile.
	prof := f.FetchOrCreate(context.Background(), "u1")
	if prof.InferredIntimacy != 55 {
		t.Errorf("inferred intimacy = %d, want 55", prof.InferredIntimacy)
	}
	if len(prof.Traits) != 1 || prof.Traits[0] != "answers late at night" {
		t.Errorf("traits = %v, want the learned observation recorded", prof.Traits)
	}
}

func TestPersonaInferencer_FallsBackToStored(t *testing.T) {
	llm := &fakeCaller{err: errors.New("down")}
	f := profile.NewFacade(profile.NewMemory())
	p := NewPersonaInferencer(llm, newAsm(t, config.PromptConfig{}), f)

	snap, _ := p.Infer(context.Background(), testMessages, "u1")
	if snap.Pacing != types.PacingNormal || snap.RiskTolerance != types.RiskMedium {
		t.Errorf("snapshot = %+v, want stored defaults", snap)
	}
}

func TestReplyGenerator_CompactParse(t *testing.T) {
	llm := &fakeCaller{responses: []string{
		`{"r":[["Hello!","emotional_resonance"],["Tell me more","curiosity_hook"]],"adv":"Keep it warm"}`,
	}}
	g := NewReplyGenerator(llm, newAsm(t, config.PromptConfig{UseCompactSchemas: true}))

	gen, _, err := g.Generate(context.Background(), prompt.GenerationInput{
		Quality: types.QualityCheap, TargetIntimacy: 30,
	}, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(gen.Candidates) != 2 || gen.Candidates[0].Text != "Hello!" {
		t.Errorf("candidates = %+v", gen.Candidates)
	}
	if gen.OverallAdvice != "Keep it warm" {
		t.Errorf("advice = %q", gen.OverallAdvice)
	}

	// The cheap budget rides along as max_tokens.
	if got := llm.calls[0].MaxTokens; got != 50 {
		t.Errorf("max_tokens = %d, want 50", got)
	}
}

func TestReplyGenerator_ParseFailureKeepsRaw(t *testing.T) {
	long := make([]byte, 600)
	for i := range long {
		long[i] = 'y'
	}
	llm := &fakeCaller{responses: []string{string(long)}}
	g := NewReplyGenerator(llm, newAsm(t, config.PromptConfig{}))

	_, res, err := g.Generate(context.Background(), prompt.GenerationInput{}, "u1")
	if !fault.Is(err, fault.KindReplyParseFailed) {
		t.Errorf("kind = %v, want reply_parse_failed", fault.KindOf(err))
	}
	if res == nil || res.Text == "" {
		t.Error("raw text must survive for the failure-capture log")
	}
}

func TestIntimacyChecker_Pass(t *testing.T) {
	llm := &fakeCaller{responses: []string{
		`{"decision":"pass","score":0.9,"per_dimension_scores":[25,30]}`,
	}}
	c := NewIntimacyChecker(llm, newAsm(t, config.PromptConfig{}), true)

	out, _ := c.Check(context.Background(), prompt.IntimacyCheckInput{
		Candidate: "Sounds fun!", TargetIntimacy: 30,
	}, "u1")
	if !out.Passed || out.Score != 0.9 {
		t.Errorf("result = %+v", out)
	}
}

func TestIntimacyChecker_StageExceededOverridesPass(t *testing.T) {
	// Evaluator says pass but one dimension scores bonded against a stranger
	// target: the local rule must fail it.
	llm := &fakeCaller{responses: []string{
		`{"decision":"pass","score":0.8,"per_dimension_scores":[15,90]}`,
	}}
	c := NewIntimacyChecker(llm, newAsm(t, config.PromptConfig{}), true)

	out, _ := c.Check(context.Background(), prompt.IntimacyCheckInput{
		Candidate: "I love you", TargetIntimacy: 10,
	}, "u1")
	if out.Passed {
		t.Fatal("stage-exceeded candidate passed")
	}
	if out.Reason != ReasonStageExceeded {
		t.Errorf("reason = %q", out.Reason)
	}
}

func TestIntimacyChecker_FailOpenPolicy(t *testing.T) {
	open := NewIntimacyChecker(&fakeCaller{err: errors.New("down")}, newAsm(t, config.PromptConfig{}), true)
	out, res := open.Check(context.Background(), prompt.IntimacyCheckInput{Candidate: "x"}, "u1")
	if !out.Passed || out.Reason != ReasonModerationUnavailable {
		t.Errorf("fail-open result = %+v", out)
	}
	if res != nil {
		t.Error("no adapter result expected on call failure")
	}

	closed := NewIntimacyChecker(&fakeCaller{err: errors.New("down")}, newAsm(t, config.PromptConfig{}), false)
	out, _ = closed.Check(context.Background(), prompt.IntimacyCheckInput{Candidate: "x"}, "u1")
	if out.Passed {
		t.Error("fail-closed must reject when the evaluator is down")
	}
}

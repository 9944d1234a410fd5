package predict

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/rapportlabs/rapport/internal/adapter"
	"github.com/rapportlabs/rapport/internal/cache"
	"github.com/rapportlabs/rapport/internal/fault"
	"github.com/rapportlabs/rapport/internal/orchestrator"
	"github.com/rapportlabs/rapport/internal/screenshot"
	"github.com/rapportlabs/rapport/pkg/types"
)

// fakePipeline records orchestrator invocations and returns a canned output.
type fakePipeline struct {
	mu       sync.Mutex
	runs     []orchestrator.Request
	resumes  []orchestrator.Request
	merges   []orchestrator.MergeRequest
	out      *orchestrator.Output
	mergeOut *orchestrator.MergeResult
	runErr   error
	mergeErr error
}

func (f *fakePipeline) Run(_ context.Context, req orchestrator.Request) (*orchestrator.Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, req)
	return f.out, f.runErr
}

func (f *fakePipeline) RunWithScene(_ context.Context, req orchestrator.Request, _ *types.ConversationContext, _ *types.SceneAnalysisResult) (*orchestrator.Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resumes = append(f.resumes, req)
	return f.out, f.runErr
}

func (f *fakePipeline) Merge(_ context.Context, req orchestrator.MergeRequest) (*orchestrator.MergeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.merges = append(f.merges, req)
	return f.mergeOut, f.mergeErr
}

// fakeParser returns a fixed bubble set per URL and counts calls.
type fakeParser struct {
	mu      sync.Mutex
	bubbles map[string][]screenshot.Bubble
	err     error
	calls   int
}

func (f *fakeParser) Parse(_ context.Context, url string) ([]screenshot.Bubble, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.bubbles[url], nil
}

type fixedProber struct{ dims screenshot.Dims }

func (p fixedProber) ResolveSync(context.Context, string, types.SceneType, string) screenshot.Dims {
	return p.dims
}

// fakeCaller answers the text-QA adapter call.
type fakeCaller struct {
	text string
	err  error
	call adapter.Call
}

func (f *fakeCaller) Call(_ context.Context, call adapter.Call) (*adapter.Result, error) {
	f.call = call
	if f.err != nil {
		return nil, f.err
	}
	return &adapter.Result{Text: f.text, Provider: "mock", Model: "mock"}, nil
}

const (
	imgA = "https://cdn.example.com/a.png"
	imgB = "https://cdn.example.com/b.png"
)

var talkerBubbles = []screenshot.Bubble{
	{BBox: types.BBox{X1: 50, Y1: 100, X2: 500, Y2: 200}, Text: "did you eat yet?", Sender: "talker"},
	{BBox: types.BBox{X1: 540, Y1: 260, X2: 1000, Y2: 360}, Text: "not yet, just got home", Sender: "user"},
	{BBox: types.BBox{X1: 50, Y1: 420, X2: 500, Y2: 520}, Text: "let's grab noodles then", Sender: "talker"},
}

func happyOutput() *orchestrator.Output {
	return &orchestrator.Output{
		Scene: &types.SceneAnalysisResult{
			RelationshipState:   types.RelationshipPropulsion,
			Scenario:            types.ScenarioBalanced,
			IntimacyLevel:       30,
			RecommendedScenario: types.ScenarioBalanced,
		},
		Generation: &types.GenerationResult{
			Candidates:    []types.ReplyCandidate{{Text: "Noodles sound perfect, where to?", StrategyCode: "curiosity_hook"}},
			OverallAdvice: "Keep it light.",
		},
		Attempts: 1,
	}
}

func newCoordinator(p *fakePipeline, parser *fakeParser, llm Caller, opts Options) *Coordinator {
	return New(p, parser, fixedProber{screenshot.Dims{Width: 1000, Height: 2000}}, llm, cache.New(nil), nil, opts)
}

func baseRequest(scene types.SceneType, content ...string) Request {
	return Request{
		Content:   content,
		Language:  "zh",
		Scene:     scene,
		UserID:    "u1",
		SessionID: "s1",
	}
}

func TestValidate_Rejections(t *testing.T) {
	c := newCoordinator(&fakePipeline{}, &fakeParser{}, &fakeCaller{}, Options{})
	cases := map[string]Request{
		"empty content":  {Language: "zh", Scene: 1, UserID: "u", SessionID: "s"},
		"blank item":     {Content: []string{"  "}, Language: "zh", Scene: 1, UserID: "u", SessionID: "s"},
		"bad scene":      {Content: []string{"hi"}, Language: "zh", Scene: 7, UserID: "u", SessionID: "s"},
		"no session":     {Content: []string{"hi"}, Language: "zh", Scene: 1, UserID: "u"},
		"no user":        {Content: []string{"hi"}, Language: "zh", Scene: 1, SessionID: "s"},
		"bad language":   {Content: []string{"hi"}, Language: "fr", Scene: 1, UserID: "u", SessionID: "s"},
		"bad properties": {Content: []string{"hi"}, Language: "zh", Scene: 1, UserID: "u", SessionID: "s", OtherProperties: "{not json"},
	}
	bad := 1.5
	r := baseRequest(1, "hi")
	r.ConfThreshold = &bad
	cases["conf out of range"] = r

	for name, req := range cases {
		if _, err := c.Handle(context.Background(), req); fault.KindOf(err) != fault.KindValidation {
			t.Errorf("%s: err = %v, want validation", name, err)
		}
	}
}

func TestValidate_Normalisation(t *testing.T) {
	c := newCoordinator(&fakePipeline{}, &fakeParser{}, &fakeCaller{}, Options{})
	req := baseRequest(2, "hello")
	req.OtherProperties = ` { "b" : 1 , "a" : "x" } `

	props, err := c.validate(&req)
	if err != nil {
		t.Fatal(err)
	}
	if req.RequestID == "" {
		t.Error("request_id not generated")
	}
	if req.OtherProperties != `{"a":"x","b":1}` {
		t.Errorf("other_properties = %q, want canonical form", req.OtherProperties)
	}
	if props["b"] != float64(1) {
		t.Errorf("props = %v", props)
	}
}

func TestGroupContent(t *testing.T) {
	groups := groupContent([]string{"t1", imgA, "t2", imgB, "t3"})
	if len(groups) != 3 {
		t.Fatalf("groups = %d, want 3", len(groups))
	}
	if groups[0].image != imgA || len(groups[0].texts) != 1 || groups[0].texts[0] != "t1" {
		t.Errorf("group 0 = %+v", groups[0])
	}
	if groups[1].image != imgB || groups[1].texts[0] != "t2" {
		t.Errorf("group 1 = %+v", groups[1])
	}
	if groups[2].image != "" || groups[2].texts[0] != "t3" {
		t.Errorf("group 2 = %+v", groups[2])
	}
}

func TestHandle_TextQA(t *testing.T) {
	llm := &fakeCaller{text: "The capital of France is Paris."}
	c := newCoordinator(&fakePipeline{}, &fakeParser{}, llm, Options{})

	req := baseRequest(types.SceneTextQA, "what is the capital of France?")
	req.Reply = true
	resp, err := c.Handle(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}

	if len(resp.Results) != 1 || resp.Results[0].Content != req.Content[0] {
		t.Fatalf("results = %+v", resp.Results)
	}
	d := resp.Results[0].Dialogs[0]
	if d.Position != [4]float64{0, 0, 1, 1} || !d.FromUser || d.Speaker != types.SpeakerUser {
		t.Errorf("dialog = %+v", d)
	}
	if len(resp.SuggestedReplies) != 1 || resp.SuggestedReplies[0] != "The capital of France is Paris." {
		t.Errorf("replies = %v", resp.SuggestedReplies)
	}
	if !strings.Contains(llm.call.Prompt, "capital of France") {
		t.Errorf("prompt = %q", llm.call.Prompt)
	}
}

func TestHandle_TextQAWithoutReplyFlag(t *testing.T) {
	llm := &fakeCaller{text: "Paris."}
	c := newCoordinator(&fakePipeline{}, &fakeParser{}, llm, Options{})

	// Scene 2 answers the question whether or not the caller set reply.
	resp, err := c.Handle(context.Background(), baseRequest(types.SceneTextQA, "what is the capital of France?"))
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.SuggestedReplies) != 1 || resp.SuggestedReplies[0] != "Paris." {
		t.Errorf("replies = %v, want the answer regardless of the reply flag", resp.SuggestedReplies)
	}
}

func TestHandle_ImageFlow(t *testing.T) {
	pipe := &fakePipeline{out: happyOutput()}
	parser := &fakeParser{bubbles: map[string][]screenshot.Bubble{imgA: talkerBubbles}}
	c := newCoordinator(pipe, parser, &fakeCaller{}, Options{})

	req := baseRequest(types.SceneImage, imgA)
	req.Reply = true
	req.SceneAnalysis = true
	req.OtherProperties = `{"target_intimacy": 45}`
	resp, err := c.Handle(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}

	if !resp.Success || resp.Scene != 1 || resp.RequestID == "" {
		t.Errorf("resp header = %+v", resp)
	}
	if len(resp.Results) != 1 || len(resp.Results[0].Dialogs) != 3 {
		t.Fatalf("results = %+v", resp.Results)
	}
	// Pixel bubbles come back normalised against the probed dimensions.
	first := resp.Results[0].Dialogs[0]
	if first.Position != [4]float64{0.05, 0.05, 0.5, 0.1} {
		t.Errorf("position = %v", first.Position)
	}
	if resp.Results[0].Scenario == "" || !strings.Contains(resp.Results[0].Scenario, "propulsion") {
		t.Errorf("scenario = %q", resp.Results[0].Scenario)
	}
	if len(resp.SuggestedReplies) != 1 {
		t.Errorf("replies = %v", resp.SuggestedReplies)
	}

	if len(pipe.runs) != 1 {
		t.Fatalf("pipeline runs = %d, want 1", len(pipe.runs))
	}
	run := pipe.runs[0]
	if run.ReplyAnchor != "let's grab noodles then" {
		t.Errorf("anchor = %q, want last talker line", run.ReplyAnchor)
	}
	if run.TargetIntimacy != 45 {
		t.Errorf("target intimacy = %d, want 45 from other_properties", run.TargetIntimacy)
	}
	if len(run.Messages) != 3 || !run.GenerateReply {
		t.Errorf("run = %+v", run)
	}
}

func TestHandle_SquareScreenshotNormalisation(t *testing.T) {
	bubbles := []screenshot.Bubble{
		{BBox: types.BBox{X1: 10, Y1: 10, X2: 110, Y2: 40}, Text: "hey there", Sender: "talker"},
	}
	pipe := &fakePipeline{out: happyOutput()}
	parser := &fakeParser{bubbles: map[string][]screenshot.Bubble{imgA: bubbles}}
	c := New(pipe, parser, fixedProber{screenshot.Dims{Width: 500, Height: 500}}, &fakeCaller{}, cache.New(nil), nil, Options{})

	resp, err := c.Handle(context.Background(), baseRequest(types.SceneImage, imgA))
	if err != nil {
		t.Fatal(err)
	}
	// Pixel coordinates scale against the real 500x500 image on the very
	// first request, not against a stand-in portrait frame.
	got := resp.Results[0].Dialogs[0].Position
	if got != [4]float64{0.02, 0.02, 0.22, 0.08} {
		t.Errorf("position = %v, want [0.02 0.02 0.22 0.08]", got)
	}
}

func TestHandle_TrailingTextIsAnchor(t *testing.T) {
	pipe := &fakePipeline{out: happyOutput()}
	parser := &fakeParser{bubbles: map[string][]screenshot.Bubble{imgA: talkerBubbles}}
	c := newCoordinator(pipe, parser, &fakeCaller{}, Options{})

	req := baseRequest(types.SceneImageText, imgA, "she said she is free saturday")
	req.Reply = true
	if _, err := c.Handle(context.Background(), req); err != nil {
		t.Fatal(err)
	}
	if pipe.runs[0].ReplyAnchor != "she said she is free saturday" {
		t.Errorf("anchor = %q, want trailing text verbatim", pipe.runs[0].ReplyAnchor)
	}
}

func TestHandle_NoTalkerMessage(t *testing.T) {
	userOnly := []screenshot.Bubble{
		{BBox: types.BBox{X1: 540, Y1: 260, X2: 1000, Y2: 360}, Text: "hello?", Sender: "user"},
	}
	pipe := &fakePipeline{out: happyOutput()}
	parser := &fakeParser{bubbles: map[string][]screenshot.Bubble{imgA: userOnly}}
	c := newCoordinator(pipe, parser, &fakeCaller{}, Options{})

	req := baseRequest(types.SceneImage, imgA)
	req.Reply = true
	_, err := c.Handle(context.Background(), req)
	if fault.KindOf(err) != fault.KindValidation || !strings.Contains(err.Error(), "no_talker_message") {
		t.Fatalf("err = %v, want no_talker_message validation failure", err)
	}
}

func TestHandle_CacheReuse(t *testing.T) {
	pipe := &fakePipeline{out: happyOutput()}
	parser := &fakeParser{bubbles: map[string][]screenshot.Bubble{imgA: talkerBubbles}}
	c := newCoordinator(pipe, parser, &fakeCaller{}, Options{})

	req := baseRequest(types.SceneImage, imgA)
	if _, err := c.Handle(context.Background(), req); err != nil {
		t.Fatal(err)
	}
	resp, err := c.Handle(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if parser.calls != 1 {
		t.Errorf("parser calls = %d, want 1 (second request served from cache)", parser.calls)
	}
	if len(resp.Results[0].Dialogs) != 3 {
		t.Errorf("cached result = %+v", resp.Results[0])
	}
}

func TestHandle_SceneMismatch(t *testing.T) {
	c := newCoordinator(&fakePipeline{out: happyOutput()},
		&fakeParser{bubbles: map[string][]screenshot.Bubble{imgA: talkerBubbles}}, &fakeCaller{text: "hi"}, Options{})

	if _, err := c.Handle(context.Background(), baseRequest(types.SceneImage, imgA)); err != nil {
		t.Fatal(err)
	}
	_, err := c.Handle(context.Background(), baseRequest(types.SceneTextQA, "hello"))
	if fault.KindOf(err) != fault.KindSceneMismatch {
		t.Fatalf("err = %v, want scene_mismatch", err)
	}
}

func TestHandle_MergeMode(t *testing.T) {
	pipe := &fakePipeline{
		out: happyOutput(),
		mergeOut: &orchestrator.MergeResult{
			Dialogs: []types.DialogItem{
				{Position: [4]float64{0.1, 0.1, 0.5, 0.2}, Text: "hey", Speaker: types.SpeakerTalker},
			},
			Context: &types.ConversationContext{Summary: "Opening"},
			Scene:   &types.SceneAnalysisResult{RelationshipState: types.RelationshipIgnition},
		},
	}
	c := newCoordinator(pipe, &fakeParser{}, &fakeCaller{}, Options{UseMergeStep: true})

	req := baseRequest(types.SceneImage, imgA)
	req.Reply = true
	resp, err := c.Handle(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if len(pipe.merges) != 1 || pipe.merges[0].ImageURL != imgA {
		t.Fatalf("merges = %+v", pipe.merges)
	}
	// The merge output resumes the pipeline instead of re-running stages 1–2.
	if len(pipe.resumes) != 1 || len(pipe.runs) != 0 {
		t.Errorf("resumes = %d runs = %d, want 1/0", len(pipe.resumes), len(pipe.runs))
	}
	if len(resp.Results[0].Dialogs) != 1 || resp.Results[0].Dialogs[0].Text != "hey" {
		t.Errorf("results = %+v", resp.Results)
	}
}

func TestIsImageURL(t *testing.T) {
	if !IsImageURL("https://x.test/a.png") || !IsImageURL("http://x.test/a.png") {
		t.Error("URL not recognised")
	}
	if IsImageURL("just some text") || IsImageURL("ftp://x.test/a.png") {
		t.Error("non-image content recognised as URL")
	}
}

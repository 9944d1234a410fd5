// Package predict drives one /predict request end to end: validation, scene
// consistency, resource grouping, per-image analysis with cache reuse, reply
// anchor selection, and response assembly.
package predict

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/google/uuid"

	"github.com/rapportlabs/rapport/internal/adapter"
	"github.com/rapportlabs/rapport/internal/cache"
	"github.com/rapportlabs/rapport/internal/fault"
	"github.com/rapportlabs/rapport/internal/observe"
	"github.com/rapportlabs/rapport/internal/orchestrator"
	"github.com/rapportlabs/rapport/internal/screenshot"
	"github.com/rapportlabs/rapport/pkg/types"
)

// defaultTargetIntimacy applies when other_properties carries no target.
const defaultTargetIntimacy = 30

// Request is the /predict request body.
type Request struct {
	// Content items are image URLs or free-text lines, in conversation order.
	Content []string `json:"content"`

	Language  string          `json:"language"`
	Scene     types.SceneType `json:"scene"`
	UserID    string          `json:"user_id"`
	SessionID string          `json:"session_id"`
	RequestID string          `json:"request_id,omitempty"`

	// OtherProperties is a JSON string of extension fields. It is re-serialised
	// canonically before use; "" is allowed.
	OtherProperties string `json:"other_properties"`

	// ConfThreshold, when set, must lie in [0, 1].
	ConfThreshold *float64 `json:"conf_threshold,omitempty"`

	// Reply asks for suggested replies; SceneAnalysis attaches the scenario.
	Reply         bool `json:"reply"`
	SceneAnalysis bool `json:"scene_analysis"`
}

// Response is the /predict response body.
type Response struct {
	Success          bool                `json:"success"`
	Message          string              `json:"message"`
	UserID           string              `json:"user_id"`
	RequestID        string              `json:"request_id,omitempty"`
	SessionID        string              `json:"session_id"`
	Scene            int                 `json:"scene"`
	Results          []types.ImageResult `json:"results"`
	SuggestedReplies []string            `json:"suggested_replies,omitempty"`
}

// Pipeline is the orchestrator surface the coordinator drives.
type Pipeline interface {
	Run(ctx context.Context, req orchestrator.Request) (*orchestrator.Output, error)
	RunWithScene(ctx context.Context, req orchestrator.Request, cc *types.ConversationContext, scene *types.SceneAnalysisResult) (*orchestrator.Output, error)
	Merge(ctx context.Context, req orchestrator.MergeRequest) (*orchestrator.MergeResult, error)
}

// Parser is the screenshot OCR surface.
type Parser interface {
	Parse(ctx context.Context, imageURL string) ([]screenshot.Bubble, error)
}

// DimensionResolver supplies image dimensions for bbox normalisation. The
// OCR path needs real dimensions on first sight, so the resolve is inline.
type DimensionResolver interface {
	ResolveSync(ctx context.Context, session string, scene types.SceneType, url string) screenshot.Dims
}

// Caller is the adapter slice used for the text-QA path.
type Caller interface {
	Call(ctx context.Context, call adapter.Call) (*adapter.Result, error)
}

// Options tunes the coordinator.
type Options struct {
	// SupportedLanguages defaults to ["zh", "en"].
	SupportedLanguages []string

	// UseMergeStep switches image analysis to the single multimodal call.
	UseMergeStep bool

	// MaxConcurrentImages bounds per-request image fan-out. Defaults to 4.
	MaxConcurrentImages int
}

// Coordinator handles /predict requests. Safe for concurrent use.
type Coordinator struct {
	pipeline Pipeline
	parser   Parser
	prober   DimensionResolver
	llm      Caller
	cache    *cache.Cache
	metrics  *observe.Metrics
	opts     Options
}

// New wires a coordinator. The cache may be nil (no reuse, no scene lock
// persistence beyond process memory).
func New(pipeline Pipeline, parser Parser, prober DimensionResolver, llm Caller, c *cache.Cache, metrics *observe.Metrics, opts Options) *Coordinator {
	if len(opts.SupportedLanguages) == 0 {
		opts.SupportedLanguages = []string{"zh", "en"}
	}
	if opts.MaxConcurrentImages <= 0 {
		opts.MaxConcurrentImages = 4
	}
	if c == nil {
		c = cache.New(nil)
	}
	return &Coordinator{
		pipeline: pipeline,
		parser:   parser,
		prober:   prober,
		llm:      llm,
		cache:    c,
		metrics:  metrics,
		opts:     opts,
	}
}

// Handle processes one request. Errors carry a fault kind the HTTP layer maps
// to a status code.
func (c *Coordinator) Handle(ctx context.Context, req Request) (*Response, error) {
	props, err := c.validate(&req)
	if err != nil {
		return nil, err
	}
	if err := c.cache.CheckScene(ctx, req.SessionID, req.Scene); err != nil {
		return nil, err
	}

	resp := &Response{
		Success:   true,
		Message:   "ok",
		UserID:    req.UserID,
		RequestID: req.RequestID,
		SessionID: req.SessionID,
		Scene:     int(req.Scene),
	}

	if req.Scene == types.SceneTextQA {
		return c.textQA(ctx, req, resp)
	}

	results, merged, err := c.processContent(ctx, req)
	if err != nil {
		return nil, err
	}
	resp.Results = results

	if req.Reply || req.SceneAnalysis {
		out, err := c.analyse(ctx, req, props, results, merged)
		if err != nil {
			return nil, err
		}
		if req.SceneAnalysis && out.Scene != nil {
			for i := range resp.Results {
				resp.Results[i] = resp.Results[i].WithScenario(out.Scene)
			}
		}
		if req.Reply && out.Generation != nil {
			for _, cand := range out.Generation.Candidates {
				resp.SuggestedReplies = append(resp.SuggestedReplies, cand.Text)
			}
		}
	}
	return resp, nil
}

// validate checks the request shape and normalises generated fields. It
// returns the canonically parsed other_properties map.
func (c *Coordinator) validate(req *Request) (map[string]any, error) {
	if len(req.Content) == 0 {
		return nil, fault.New(fault.KindValidation, "content must not be empty")
	}
	for _, item := range req.Content {
		if strings.TrimSpace(item) == "" {
			return nil, fault.New(fault.KindValidation, "content items must not be blank")
		}
	}
	if !req.Scene.IsValid() {
		return nil, fault.Newf(fault.KindValidation, "scene %d not in {1,2,3}", req.Scene)
	}
	if req.SessionID == "" {
		return nil, fault.New(fault.KindValidation, "session_id is required")
	}
	if req.UserID == "" {
		return nil, fault.New(fault.KindValidation, "user_id is required")
	}
	if !c.languageSupported(req.Language) {
		return nil, fault.Newf(fault.KindValidation, "language %q not supported", req.Language)
	}
	if req.ConfThreshold != nil && (*req.ConfThreshold < 0 || *req.ConfThreshold > 1) {
		return nil, fault.Newf(fault.KindValidation, "conf_threshold %f not in [0,1]", *req.ConfThreshold)
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}

	props := map[string]any{}
	if req.OtherProperties != "" {
		if err := json.Unmarshal([]byte(req.OtherProperties), &props); err != nil {
			return nil, fault.Wrap(fault.KindValidation, "other_properties is not valid JSON", err)
		}
		// Canonical re-serialisation: stable key order, no client whitespace.
		canon, err := json.Marshal(props)
		if err != nil {
			return nil, fault.Wrap(fault.KindValidation, "other_properties", err)
		}
		req.OtherProperties = string(canon)
	}
	return props, nil
}

func (c *Coordinator) languageSupported(lang string) bool {
	for _, l := range c.opts.SupportedLanguages {
		if l == lang {
			return true
		}
	}
	return false
}

// targetIntimacy reads the requested level from other_properties.
func targetIntimacy(props map[string]any) int {
	if v, ok := props["target_intimacy"].(float64); ok {
		return types.ClampIntimacy(int(v))
	}
	return defaultTargetIntimacy
}

// textQA answers a scene-2 request: the content is a question, the answer
// comes from a single adapter call, echoed back as the only suggested reply.
// Scene 2 always answers; the reply flag is not consulted.
func (c *Coordinator) textQA(ctx context.Context, req Request, resp *Response) (*Response, error) {
	for _, item := range req.Content {
		resp.Results = append(resp.Results, types.ImageResult{
			Content: item,
			Dialogs: []types.DialogItem{{
				Position: [4]float64{0, 0, 1, 1},
				Text:     item,
				Speaker:  types.SpeakerUser,
				FromUser: true,
			}},
		})
	}

	var b strings.Builder
	b.WriteString("Answer the user's question directly and concisely, in the user's language.\n\n## Question\n")
	b.WriteString(strings.Join(req.Content, "\n"))
	res, err := c.llm.Call(ctx, adapter.Call{
		TaskType: types.TaskGeneration,
		Prompt:   b.String(),
		Quality:  types.QualityNormal,
		UserID:   req.UserID,
	})
	if err != nil {
		return nil, err
	}
	resp.SuggestedReplies = []string{strings.TrimSpace(res.Text)}
	return resp, nil
}

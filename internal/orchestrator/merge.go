package orchestrator

import (
	"context"
	"encoding/json"

	"github.com/rapportlabs/rapport/internal/adapter"
	"github.com/rapportlabs/rapport/internal/fault"
	"github.com/rapportlabs/rapport/internal/schema"
	"github.com/rapportlabs/rapport/internal/screenshot"
	"github.com/rapportlabs/rapport/pkg/types"
)

// DimensionResolver supplies image dimensions for bounding-box normalisation.
type DimensionResolver interface {
	Resolve(ctx context.Context, session string, scene types.SceneType, url string) screenshot.Dims
}

// MergeRequest is one single-call multimodal run (Mode B): one vision call
// parses the screenshot, summarises the conversation, and analyses the scene.
type MergeRequest struct {
	Session        string
	UserID         string
	CorrelationID  string
	Scene          types.SceneType
	ImageURL       string
	TargetIntimacy int
}

// MergeResult is the compound output of the merge call, ready for the
// pipeline to resume at strategy planning.
type MergeResult struct {
	Dialogs []types.DialogItem
	Context *types.ConversationContext
	Scene   *types.SceneAnalysisResult
	CostUSD float64
}

// mergeReply is the model's compound answer shape.
type mergeReply struct {
	ScreenshotParse struct {
		Bubbles []mergeBubble `json:"bubbles"`
	} `json:"screenshot_parse"`
	ConversationSummary string          `json:"conversation_summary"`
	Scene               json.RawMessage `json:"scene"`
}

type mergeBubble struct {
	BBox   types.BBox `json:"bbox"`
	Text   string     `json:"text"`
	Sender string     `json:"sender"`
}

// Merge runs the single multimodal call and normalises its output. The model
// may report bubble boxes in pixel or 0–1 space; both come back normalised.
func (o *Orchestrator) Merge(ctx context.Context, req MergeRequest) (*MergeResult, error) {
	res, err := o.mm.CallMultimodal(ctx, adapter.MultimodalCall{
		Prompt:    o.asm.MergeStep(req.TargetIntimacy),
		ImageURLs: []string{req.ImageURL},
		Quality:   types.QualityNormal,
		UserID:    req.UserID,
	})
	if err != nil {
		return nil, err
	}

	doc, err := schema.Extract(res.Text)
	if err != nil {
		o.captureFailure(Request{CorrelationID: req.CorrelationID}, string(types.TaskMergeStep), res.Text, err)
		return nil, fault.Wrap(fault.KindReplyParseFailed, "merge step", err)
	}
	var reply mergeReply
	if err := json.Unmarshal(doc, &reply); err != nil {
		o.captureFailure(Request{CorrelationID: req.CorrelationID}, string(types.TaskMergeStep), res.Text, err)
		return nil, fault.Wrap(fault.KindReplyParseFailed, "merge step", err)
	}

	out := &MergeResult{CostUSD: res.CostUSD}
	out.Dialogs = o.normaliseBubbles(ctx, req, reply.ScreenshotParse.Bubbles)

	messages := make([]types.Message, 0, len(out.Dialogs))
	for _, d := range out.Dialogs {
		messages = append(messages, types.Message{Speaker: d.Speaker, Content: d.Text})
	}
	out.Context = &types.ConversationContext{
		Summary:              reply.ConversationSummary,
		EmotionState:         types.EmotionNeutral,
		CurrentIntimacyLevel: 50,
		Conversation:         messages,
	}

	// "scene": null arrives as a non-empty raw message; it means no analysis.
	if len(reply.Scene) > 0 && string(reply.Scene) != "null" {
		scene, err := schema.ParseScene(reply.Scene)
		if err != nil {
			return nil, fault.Wrap(fault.KindReplyParseFailed, "merge step scene", err)
		}
		scene.IntimacyLevel = types.ClampIntimacy(req.TargetIntimacy)
		out.Scene = scene
	}
	return out, nil
}

// normaliseBubbles converts bubble boxes to 0–1 coordinates. Dimensions are
// only resolved when some box is in pixel space; a coordinate above 1.5 is
// the tell (a normalised box never exceeds 1, and sub-1.5 pixel boxes do not
// occur at phone resolutions).
func (o *Orchestrator) normaliseBubbles(ctx context.Context, req MergeRequest, bubbles []mergeBubble) []types.DialogItem {
	needDims := false
	for _, b := range bubbles {
		if bboxLooksPixel(b.BBox) {
			needDims = true
			break
		}
	}
	dims := screenshot.Dims{Width: screenshot.PlaceholderWidth, Height: screenshot.PlaceholderHeight}
	if needDims && o.prober != nil {
		dims = o.prober.Resolve(ctx, req.Session, req.Scene, req.ImageURL)
	}

	items := make([]types.DialogItem, 0, len(bubbles))
	for _, b := range bubbles {
		box := b.BBox.Normalise(dims.Width, dims.Height)
		items = append(items, types.DialogItem{
			Position: [4]float64{box.X1, box.Y1, box.X2, box.Y2},
			Text:     b.Text,
			Speaker:  b.Sender,
			FromUser: types.IsUserSpeaker(b.Sender),
		})
	}
	return items
}

func bboxLooksPixel(b types.BBox) bool {
	const pixelThreshold = 1.5
	return b.X1 > pixelThreshold || b.Y1 > pixelThreshold ||
		b.X2 > pixelThreshold || b.Y2 > pixelThreshold
}

package predict

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rapportlabs/rapport/internal/cache"
	"github.com/rapportlabs/rapport/internal/fault"
	"github.com/rapportlabs/rapport/internal/orchestrator"
	"github.com/rapportlabs/rapport/internal/screenshot"
	"github.com/rapportlabs/rapport/pkg/types"
)

// IsImageURL reports whether a content item is an image reference rather
// than free text.
func IsImageURL(item string) bool {
	return strings.HasPrefix(item, "http://") || strings.HasPrefix(item, "https://")
}

// group is one analysis unit: at most one image plus the text items attached
// to it. indices point into the original content slice.
type group struct {
	image   string
	texts   []string
	indices []int
}

// groupContent splits content into analysis groups: each image starts a new
// group; text items attach to the group holding the next image; trailing
// texts form a final image-less group.
func groupContent(content []string) []group {
	var (
		groups  []group
		pending []string
		pendIdx []int
	)
	for i, item := range content {
		if IsImageURL(item) {
			groups = append(groups, group{
				image:   item,
				texts:   pending,
				indices: append(pendIdx, i),
			})
			pending, pendIdx = nil, nil
			continue
		}
		pending = append(pending, item)
		pendIdx = append(pendIdx, i)
	}
	if len(pending) > 0 {
		groups = append(groups, group{texts: pending, indices: pendIdx})
	}
	return groups
}

// mergedByURL records merge-step outputs produced during this request, so
// the reply phase can resume the pipeline without re-analysing.
type mergedByURL map[string]*orchestrator.MergeResult

// processContent turns every content item into an [types.ImageResult],
// running image analysis with bounded fan-out and reusing cached results.
func (c *Coordinator) processContent(ctx context.Context, req Request) ([]types.ImageResult, mergedByURL, error) {
	results := make([]types.ImageResult, len(req.Content))
	// Per-index slots keep the goroutines race-free; the map is built after.
	mrs := make([]*orchestrator.MergeResult, len(req.Content))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.MaxConcurrentImages)

	for i, item := range req.Content {
		if !IsImageURL(item) {
			// Free text becomes a pseudo-result with a single full-frame dialog.
			results[i] = types.ImageResult{
				Content: item,
				Dialogs: []types.DialogItem{{
					Position: [4]float64{0, 0, 1, 1},
					Text:     item,
					Speaker:  types.SpeakerUser,
					FromUser: true,
				}},
			}
			continue
		}

		g.Go(func() error {
			res, mr, err := c.processImage(gctx, req, item)
			if err != nil {
				return err
			}
			results[i] = *res
			mrs[i] = mr
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	merged := make(mergedByURL)
	for i, mr := range mrs {
		if mr != nil {
			merged[req.Content[i]] = mr
		}
	}
	return results, merged, nil
}

// processImage resolves one image: cache first, then OCR (Mode A) or the
// multimodal merge call (Mode B). Fresh results are cached for the session.
func (c *Coordinator) processImage(ctx context.Context, req Request, url string) (*types.ImageResult, *orchestrator.MergeResult, error) {
	key := cache.Key{
		Session:  req.SessionID,
		Category: cache.CategoryImageResult,
		Resource: url,
		Scene:    req.Scene.Normalise(),
	}
	if ev := c.cache.Last(ctx, key); ev != nil {
		var cached types.ImageResult
		if err := json.Unmarshal(ev.Payload, &cached); err == nil && cached.Content != "" {
			return &cached, nil, nil
		}
	}

	start := time.Now()
	var (
		result *types.ImageResult
		mr     *orchestrator.MergeResult
		err    error
	)
	if c.opts.UseMergeStep {
		result, mr, err = c.mergeImage(ctx, req, url)
	} else {
		result, err = c.ocrImage(ctx, req, url)
	}
	if err != nil {
		return nil, nil, err
	}
	if c.metrics != nil {
		c.metrics.OCRDuration.Record(ctx, time.Since(start).Seconds())
	}

	if payload, err := json.Marshal(result); err == nil {
		c.cache.Append(ctx, key, payload)
	}
	return result, mr, nil
}

// ocrImage is the Mode A image path: screenshot parser plus dimension-based
// bbox normalisation.
func (c *Coordinator) ocrImage(ctx context.Context, req Request, url string) (*types.ImageResult, error) {
	bubbles, err := c.parser.Parse(ctx, url)
	if err != nil {
		return nil, err
	}
	dims := screenshot.Dims{Width: screenshot.PlaceholderWidth, Height: screenshot.PlaceholderHeight}
	if c.prober != nil {
		dims = c.prober.ResolveSync(ctx, req.SessionID, req.Scene, url)
	}
	return &types.ImageResult{
		Content: url,
		Dialogs: screenshot.Dialogs(bubbles, dims.Width, dims.Height),
	}, nil
}

// mergeImage is the Mode B image path: one multimodal call parses, summarises
// and analyses in a single round trip.
func (c *Coordinator) mergeImage(ctx context.Context, req Request, url string) (*types.ImageResult, *orchestrator.MergeResult, error) {
	mr, err := c.pipeline.Merge(ctx, orchestrator.MergeRequest{
		Session:        req.SessionID,
		UserID:         req.UserID,
		CorrelationID:  req.RequestID,
		Scene:          req.Scene,
		ImageURL:       url,
		TargetIntimacy: defaultTargetIntimacy,
	})
	if err != nil {
		return nil, nil, err
	}
	return &types.ImageResult{Content: url, Dialogs: mr.Dialogs}, mr, nil
}

// analyse runs the reasoning pipeline over the last analysis group and, when
// a merge result for that group exists, resumes it instead of re-running the
// early stages.
func (c *Coordinator) analyse(ctx context.Context, req Request, props map[string]any, results []types.ImageResult, merged mergedByURL) (*orchestrator.Output, error) {
	groups := groupContent(req.Content)
	if len(groups) == 0 {
		return nil, fault.New(fault.KindValidation, "nothing to analyse")
	}
	last := groups[len(groups)-1]

	var anchor string
	if req.Reply {
		var err error
		anchor, err = replyAnchor(req.Content, results)
		if err != nil {
			return nil, err
		}
	}

	orq := orchestrator.Request{
		Session:        req.SessionID,
		UserID:         req.UserID,
		CorrelationID:  req.RequestID,
		Scene:          req.Scene,
		Messages:       groupMessages(last, results),
		ReplyAnchor:    anchor,
		TargetIntimacy: targetIntimacy(props),
		GenerateReply:  req.Reply,
	}

	if mr, ok := merged[last.image]; ok && mr.Context != nil && mr.Scene != nil {
		return c.pipeline.RunWithScene(ctx, orq, mr.Context, mr.Scene)
	}
	return c.pipeline.Run(ctx, orq)
}

// groupMessages flattens a group's results into dialog messages, content
// order preserved.
func groupMessages(g group, results []types.ImageResult) []types.Message {
	var msgs []types.Message
	for _, idx := range g.indices {
		if idx >= len(results) {
			continue
		}
		msgs = append(msgs, results[idx].Messages()...)
	}
	return msgs
}

// replyAnchor picks the counterpart message replies respond to: the last
// content item verbatim when it is text, otherwise the last talker line of
// that image's dialogs.
func replyAnchor(content []string, results []types.ImageResult) (string, error) {
	lastIdx := len(content) - 1
	if !IsImageURL(content[lastIdx]) {
		return content[lastIdx], nil
	}
	dialogs := results[lastIdx].Dialogs
	for i := len(dialogs) - 1; i >= 0; i-- {
		switch dialogs[i].Speaker {
		case types.SpeakerTalker, types.SpeakerLeft, types.SpeakerOther:
			return dialogs[i].Text, nil
		}
	}
	return "", fault.New(fault.KindValidation, "no_talker_message: no counterpart line to reply to")
}

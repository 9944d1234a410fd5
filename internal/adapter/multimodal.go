package adapter

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"net/http"
	"time"

	_ "image/gif"
	_ "image/png"

	"github.com/rapportlabs/rapport/internal/config"
	"github.com/rapportlabs/rapport/internal/fault"
	"github.com/rapportlabs/rapport/pkg/provider/llm"
	"github.com/rapportlabs/rapport/pkg/types"
)

// MultimodalCall is one vision request: a prompt plus one or more images.
type MultimodalCall struct {
	Prompt string

	// ImageURLs are the source images; the adapter converts them to the
	// configured wire format (url passthrough or base64 inline).
	ImageURLs []string

	Quality types.Quality
	UserID  string

	// Provider and Model, when both set, bypass tier routing.
	Provider string
	Model    string

	MaxTokens int
}

const maxInlineImageBytes = 8 << 20

// CallMultimodal executes a vision completion. Candidates without vision
// support are skipped; if no capable provider exists the call fails with
// unsupported_capability.
func (a *Adapter) CallMultimodal(ctx context.Context, call MultimodalCall) (*Result, error) {
	if call.Quality == "" {
		call.Quality = types.QualityNormal
	}
	if len(call.ImageURLs) == 0 {
		return nil, fault.New(fault.KindValidation, "multimodal call without images")
	}

	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	images, err := a.imageParts(ctx, call.ImageURLs)
	if err != nil {
		return nil, err
	}

	var candidates []candidate
	if call.Provider != "" && call.Model != "" {
		candidates = []candidate{{provider: call.Provider, model: call.Model}}
	} else {
		if !a.cfg.DisableQualityRouting {
			for _, r := range a.cfg.Routing[string(call.Quality)] {
				candidates = append(candidates, candidate{provider: r.Provider, model: r.Model})
			}
		}
		if len(candidates) == 0 && a.cfg.DefaultProvider != "" && a.cfg.DefaultModel != "" {
			candidates = append(candidates, candidate{provider: a.cfg.DefaultProvider, model: a.cfg.DefaultModel})
		}
	}
	if len(candidates) == 0 {
		return nil, fault.Newf(fault.KindModelUnavailable, "no candidates for tier %q", call.Quality)
	}

	var (
		lastErr    error
		sawCapable bool
	)
	for _, c := range candidates {
		p, err := a.instance(c.provider, c.model)
		if err != nil {
			lastErr = err
			continue
		}
		vp, ok := p.(llm.VisionProvider)
		if !ok || !p.Capabilities().SupportsVision {
			continue
		}
		sawCapable = true

		acct := Call{TaskType: types.TaskMergeStep, Quality: call.Quality, UserID: call.UserID}
		start := time.Now()
		resp, err := vp.CompleteVision(ctx, llm.VisionRequest{
			Prompt:    call.Prompt,
			Images:    images,
			MaxTokens: call.MaxTokens,
		})
		latency := time.Since(start)
		if err != nil {
			a.record(ctx, acct, c.provider, c.model, nil, latency, err)
			if ctx.Err() != nil {
				return nil, fault.Wrap(fault.KindTimeout, "multimodal call", ctx.Err())
			}
			lastErr = err
			continue
		}

		result := &Result{
			Text:         resp.Content,
			Provider:     c.provider,
			Model:        c.model,
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
			CostUSD:      EstimateCost(c.model, resp.Usage.PromptTokens, resp.Usage.CompletionTokens),
			Latency:      latency,
		}
		a.record(ctx, acct, c.provider, c.model, result, latency, nil)
		return result, nil
	}

	if !sawCapable {
		return nil, fault.Newf(fault.KindUnsupportedCapability,
			"no multimodal-capable provider in tier %q", call.Quality)
	}
	return nil, fault.Wrap(fault.KindAllProvidersFailed, "multimodal tier "+string(call.Quality), lastErr)
}

// imageParts converts image URLs to the configured wire format.
func (a *Adapter) imageParts(ctx context.Context, urls []string) ([]llm.ImagePart, error) {
	parts := make([]llm.ImagePart, 0, len(urls))
	for _, u := range urls {
		if a.cfg.MultimodalImageFormat != config.ImageFormatBase64 {
			parts = append(parts, llm.ImagePart{Source: u, Type: llm.ImageURL})
			continue
		}
		part, err := a.inlineImage(ctx, u)
		if err != nil {
			return nil, fault.Wrap(fault.KindImageLoadFailed, "inline image "+u, err)
		}
		parts = append(parts, part)
	}
	return parts, nil
}

// inlineImage downloads an image and encodes it base64, optionally
// recompressing to JPEG to cut payload size.
func (a *Adapter) inlineImage(ctx context.Context, url string) (llm.ImagePart, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return llm.ImagePart{}, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return llm.ImagePart{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return llm.ImagePart{}, fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxInlineImageBytes))
	if err != nil {
		return llm.ImagePart{}, err
	}

	mime := resp.Header.Get("Content-Type")
	if a.cfg.MultimodalImageCompress {
		if compressed, ok := recompressJPEG(raw); ok {
			raw, mime = compressed, "image/jpeg"
		}
	}
	if mime == "" {
		mime = "image/jpeg"
	}
	return llm.ImagePart{
		Source: base64.StdEncoding.EncodeToString(raw),
		Type:   llm.ImageBase64,
		MIME:   mime,
	}, nil
}

// recompressJPEG re-encodes the image at quality 80. Undecodable input is
// passed through unchanged.
func recompressJPEG(raw []byte) ([]byte, bool) {
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, false
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 80}); err != nil {
		return nil, false
	}
	if buf.Len() >= len(raw) {
		return nil, false
	}
	return buf.Bytes(), true
}

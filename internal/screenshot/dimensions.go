package screenshot

import (
	"context"
	"encoding/json"
	"fmt"
	"image"
	"io"
	"log/slog"
	"net/http"
	"time"

	// Decoders for DecodeConfig; chat screenshots are PNG or JPEG, GIF shows
	// up from some CDNs.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/rapportlabs/rapport/internal/cache"
	"github.com/rapportlabs/rapport/pkg/types"
)

// Placeholder dimensions assumed for a phone screenshot whose real size is
// not yet known.
const (
	PlaceholderWidth  = 1080
	PlaceholderHeight = 1920
)

// Dims is an image's pixel dimensions.
type Dims struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// DimensionProber resolves image dimensions, caching results per session so
// later requests for the same image skip the fetch. Safe for concurrent use.
type DimensionProber struct {
	http  *http.Client
	cache *cache.Cache
}

// NewDimensionProber creates a prober storing results in c.
func NewDimensionProber(c *cache.Cache, timeout time.Duration) *DimensionProber {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &DimensionProber{
		http:  &http.Client{Timeout: timeout},
		cache: c,
	}
}

func dimsKey(session string, scene types.SceneType, url string) cache.Key {
	return cache.Key{
		Session:  session,
		Category: cache.CategoryImageDimensions,
		Resource: url,
		Scene:    scene.Normalise(),
	}
}

// Cached returns previously probed dimensions for an image, if any.
func (p *DimensionProber) Cached(ctx context.Context, session string, scene types.SceneType, url string) (Dims, bool) {
	ev := p.cache.Last(ctx, dimsKey(session, scene, url))
	if ev == nil {
		return Dims{}, false
	}
	var d Dims
	if err := json.Unmarshal(ev.Payload, &d); err != nil || d.Width <= 0 || d.Height <= 0 {
		return Dims{}, false
	}
	return d, true
}

// Fetch downloads just enough of the image to decode its dimensions.
func (p *DimensionProber) Fetch(ctx context.Context, url string) (Dims, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Dims{}, fmt.Errorf("screenshot: build dims request: %w", err)
	}
	resp, err := p.http.Do(req)
	if err != nil {
		return Dims{}, fmt.Errorf("screenshot: fetch image: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Dims{}, fmt.Errorf("screenshot: fetch image: HTTP %d", resp.StatusCode)
	}

	// Headers live at the front of the file; 512 KiB covers every format.
	cfg, _, err := image.DecodeConfig(io.LimitReader(resp.Body, 512<<10))
	if err != nil {
		return Dims{}, fmt.Errorf("screenshot: decode image config: %w", err)
	}
	return Dims{Width: cfg.Width, Height: cfg.Height}, nil
}

// FetchDetached probes an image in the background and caches the result for
// subsequent requests. It never extends response latency and swallows its own
// errors.
func (p *DimensionProber) FetchDetached(session string, scene types.SceneType, url string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		d, err := p.Fetch(ctx, url)
		if err != nil {
			slog.Debug("background dimension fetch failed", "url", url, "error", err)
			return
		}
		payload, err := json.Marshal(d)
		if err != nil {
			return
		}
		p.cache.Append(ctx, dimsKey(session, scene, url), payload)
	}()
}

// Resolve returns cached dimensions when available, otherwise the phone
// placeholder, scheduling a detached probe to fill the cache. Use this on
// paths that must not block on an image fetch (the merge step).
func (p *DimensionProber) Resolve(ctx context.Context, session string, scene types.SceneType, url string) Dims {
	if d, ok := p.Cached(ctx, session, scene, url); ok {
		return d
	}
	p.FetchDetached(session, scene, url)
	return Dims{Width: PlaceholderWidth, Height: PlaceholderHeight}
}

// ResolveSync returns cached dimensions when available, otherwise fetches
// them inline, bounded by the prober's HTTP timeout. The placeholder stands
// in only when the fetch itself fails.
func (p *DimensionProber) ResolveSync(ctx context.Context, session string, scene types.SceneType, url string) Dims {
	if d, ok := p.Cached(ctx, session, scene, url); ok {
		return d
	}
	d, err := p.Fetch(ctx, url)
	if err != nil {
		slog.Debug("inline dimension fetch failed, using placeholder", "url", url, "error", err)
		return Dims{Width: PlaceholderWidth, Height: PlaceholderHeight}
	}
	if payload, err := json.Marshal(d); err == nil {
		p.cache.Append(ctx, dimsKey(session, scene, url), payload)
	}
	return d
}

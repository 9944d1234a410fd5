// Package screenshot talks to the external OCR service that turns chat
// screenshots into labelled bubbles, and probes image dimensions for bbox
// normalisation.
package screenshot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rapportlabs/rapport/internal/fault"
	"github.com/rapportlabs/rapport/pkg/types"
)

// Bubble is one OCR-detected chat bubble with its pixel-space bounding box.
type Bubble struct {
	BBox   types.BBox `json:"bbox"`
	Text   string     `json:"text"`
	Sender string     `json:"sender"`
}

// parseRequest is the outbound payload.
type parseRequest struct {
	ImageURL string `json:"image_url"`
}

// parseResponse is the parser's envelope. Code 0 is success; anything else is
// fatal for the image.
type parseResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data struct {
		Bubbles []Bubble `json:"bubbles"`
	} `json:"data"`
}

// Client calls the screenshot parser service. Safe for concurrent use.
type Client struct {
	endpoint string
	http     *http.Client
}

// NewClient creates a parser client for the given endpoint URL.
func NewClient(endpoint string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		endpoint: endpoint,
		http:     &http.Client{Timeout: timeout},
	}
}

// Parse submits an image URL and returns its bubbles. All failures — network,
// HTTP status, non-zero envelope code — classify as image_load_failed for
// that image.
func (c *Client) Parse(ctx context.Context, imageURL string) ([]Bubble, error) {
	if c.endpoint == "" {
		return nil, fault.New(fault.KindImageLoadFailed, "screenshot parser not configured")
	}

	body, err := json.Marshal(parseRequest{ImageURL: imageURL})
	if err != nil {
		return nil, fault.Wrap(fault.KindInternal, "marshal parse request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fault.Wrap(fault.KindInternal, "build parse request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fault.Wrap(fault.KindTimeout, "screenshot parser", ctx.Err())
		}
		return nil, fault.Wrap(fault.KindImageLoadFailed, "screenshot parser request", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fault.Newf(fault.KindImageLoadFailed, "screenshot parser returned HTTP %d", resp.StatusCode)
	}

	var parsed parseResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4<<20)).Decode(&parsed); err != nil {
		return nil, fault.Wrap(fault.KindImageLoadFailed, "decode parser response", err)
	}
	if parsed.Code != 0 {
		return nil, fault.Newf(fault.KindImageLoadFailed, "screenshot parser code %d: %s", parsed.Code, parsed.Msg)
	}
	return parsed.Data.Bubbles, nil
}

// Dialogs converts bubbles into normalised dialog items using the given image
// dimensions. Sender labels other than "user"/"self" count as the counterpart.
func Dialogs(bubbles []Bubble, width, height int) []types.DialogItem {
	out := make([]types.DialogItem, 0, len(bubbles))
	for _, b := range bubbles {
		nb := b.BBox.Normalise(width, height)
		out = append(out, types.DialogItem{
			Position: [4]float64{nb.X1, nb.Y1, nb.X2, nb.Y2},
			Text:     b.Text,
			Speaker:  b.Sender,
			FromUser: types.IsUserSpeaker(b.Sender),
		})
	}
	return out
}

// String implements fmt.Stringer for log output without dumping bubble text.
func (c *Client) String() string {
	return fmt.Sprintf("screenshot.Client(%s)", c.endpoint)
}

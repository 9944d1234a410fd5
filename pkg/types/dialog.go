package types

import "encoding/json"

// BBox is an axis-aligned bounding box. Depending on origin it may hold pixel
// coordinates (as returned by the screenshot parser) or normalised 0–1
// coordinates (as emitted in API responses).
type BBox struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

// Normalised reports whether every coordinate already lies in [0, 1].
func (b BBox) Normalised() bool {
	return b.X1 >= 0 && b.X1 <= 1 && b.Y1 >= 0 && b.Y1 <= 1 &&
		b.X2 >= 0 && b.X2 <= 1 && b.Y2 >= 0 && b.Y2 <= 1
}

// Normalise divides pixel coordinates by the image dimensions, clamps every
// coordinate to [0, 1], and swaps corners so that X1 ≤ X2 and Y1 ≤ Y2.
// Boxes that are already normalised are only clamped and reordered.
func (b BBox) Normalise(width, height int) BBox {
	out := b
	if !b.Normalised() && width > 0 && height > 0 {
		out.X1 = b.X1 / float64(width)
		out.X2 = b.X2 / float64(width)
		out.Y1 = b.Y1 / float64(height)
		out.Y2 = b.Y2 / float64(height)
	}
	out.X1, out.X2 = clamp01(out.X1), clamp01(out.X2)
	out.Y1, out.Y2 = clamp01(out.Y1), clamp01(out.Y2)
	if out.X1 > out.X2 {
		out.X1, out.X2 = out.X2, out.X1
	}
	if out.Y1 > out.Y2 {
		out.Y1, out.Y2 = out.Y2, out.Y1
	}
	return out
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// DialogItem is one chat bubble in an API response. Position is always
// normalised: [minX, minY, maxX, maxY], each in [0, 1].
type DialogItem struct {
	Position [4]float64 `json:"position"`
	Text     string     `json:"text"`
	Speaker  string     `json:"speaker"`
	FromUser bool       `json:"from_user"`
}

// ImageResult is the per-resource result in a predict response. Content is
// the original URL or text item; Scenario is the JSON-serialised
// [SceneAnalysisResult] or "".
type ImageResult struct {
	Content  string       `json:"content"`
	Dialogs  []DialogItem `json:"dialogs"`
	Scenario string       `json:"scenario"`
}

// WithScenario returns a copy of r with the scenario field set to the JSON
// serialisation of analysis. A nil analysis clears the field.
func (r ImageResult) WithScenario(analysis *SceneAnalysisResult) ImageResult {
	if analysis == nil {
		r.Scenario = ""
		return r
	}
	raw, err := json.Marshal(analysis)
	if err != nil {
		r.Scenario = ""
		return r
	}
	r.Scenario = string(raw)
	return r
}

// Messages converts the dialog items to [Message] values, preserving order.
func (r ImageResult) Messages() []Message {
	msgs := make([]Message, 0, len(r.Dialogs))
	for _, d := range r.Dialogs {
		msgs = append(msgs, Message{Speaker: d.Speaker, Content: d.Text})
	}
	return msgs
}

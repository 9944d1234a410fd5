package cache

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rapportlabs/rapport/internal/fault"
	"github.com/rapportlabs/rapport/pkg/types"
)

func testKey(resource string) Key {
	return Key{Session: "s1", Category: CategoryImageResult, Resource: resource, Scene: types.SceneImage}
}

func TestMemory_AppendMonotonicSeq(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	key := testKey("https://cdn/a.png")

	var prev int64
	for i := 0; i < 5; i++ {
		payload, _ := json.Marshal(map[string]int{"n": i})
		ev, err := m.Append(ctx, key, payload)
		if err != nil {
			t.Fatal(err)
		}
		if ev.Seq <= prev {
			t.Fatalf("seq not strictly increasing: %d after %d", ev.Seq, prev)
		}
		prev = ev.Seq
	}

	events, err := m.Events(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 5 {
		t.Fatalf("events = %d, want 5", len(events))
	}
	for i := 1; i < len(events); i++ {
		if events[i].Seq <= events[i-1].Seq {
			t.Errorf("history out of order at %d", i)
		}
	}

	last, err := m.Last(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if last.Seq != events[len(events)-1].Seq {
		t.Errorf("Last.Seq = %d, want %d", last.Seq, events[len(events)-1].Seq)
	}
}

func TestMemory_IdempotentAppend(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	key := testKey("https://cdn/a.png")
	payload := json.RawMessage(`{"content":"parsed"}`)

	first, _ := m.Append(ctx, key, payload)
	second, _ := m.Append(ctx, key, payload)
	if second.Seq != first.Seq {
		t.Errorf("retry created a new event: seq %d vs %d", second.Seq, first.Seq)
	}

	// A different payload is a new event.
	third, _ := m.Append(ctx, key, json.RawMessage(`{"content":"other"}`))
	if third.Seq == first.Seq {
		t.Error("distinct payload deduplicated")
	}
}

func TestMemory_DedupeWindowExpires(t *testing.T) {
	m := NewMemory()
	base := time.Unix(1_700_000_000, 0)
	m.now = func() time.Time { return base }

	ctx := context.Background()
	key := testKey("https://cdn/a.png")
	payload := json.RawMessage(`{"x":1}`)

	first, _ := m.Append(ctx, key, payload)
	base = base.Add(dedupeWindow + time.Second)
	second, _ := m.Append(ctx, key, payload)
	if second.Seq == first.Seq {
		t.Error("payload outside the window should append fresh")
	}
}

func TestMemory_Resources(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	for _, url := range []string{"https://cdn/b.png", "https://cdn/a.png", "https://cdn/c.png"} {
		_, _ = m.Append(ctx, testKey(url), json.RawMessage(`{}`))
	}
	// Another category must not leak into the listing.
	_, _ = m.Append(ctx, Key{Session: "s1", Category: CategoryImageDimensions, Resource: "https://cdn/d.png", Scene: types.SceneImage}, json.RawMessage(`{}`))

	rs, err := m.Resources(ctx, "s1", types.SceneImage, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(rs) != 3 || rs[0] != "https://cdn/a.png" {
		t.Errorf("resources = %v", rs)
	}

	limited, _ := m.Resources(ctx, "s1", types.SceneImage, 2)
	if len(limited) != 2 {
		t.Errorf("limit ignored: %v", limited)
	}
}

func TestCheckScene(t *testing.T) {
	c := New(NewMemory())
	ctx := context.Background()

	if err := c.CheckScene(ctx, "s1", types.SceneTextQA); err != nil {
		t.Fatalf("first scene: %v", err)
	}
	if err := c.CheckScene(ctx, "s1", types.SceneTextQA); err != nil {
		t.Fatalf("same scene again: %v", err)
	}
	err := c.CheckScene(ctx, "s1", types.SceneImage)
	if err == nil {
		t.Fatal("scene switch accepted")
	}
	if !fault.Is(err, fault.KindSceneMismatch) {
		t.Errorf("kind = %v, want scene_mismatch", fault.KindOf(err))
	}
}

func TestCheckScene_NormalisesImageText(t *testing.T) {
	c := New(NewMemory())
	ctx := context.Background()

	if err := c.CheckScene(ctx, "s2", types.SceneImage); err != nil {
		t.Fatal(err)
	}
	// Scene 3 normalises to 1, so it is the same pinned scene.
	if err := c.CheckScene(ctx, "s2", types.SceneImageText); err != nil {
		t.Errorf("scene 3 after scene 1 rejected: %v", err)
	}
}

// failingBackend simulates an unreachable store.
type failingBackend struct{}

var errDown = errors.New("connection refused")

func (failingBackend) Append(context.Context, Key, json.RawMessage) (Event, error) {
	return Event{}, errDown
}
func (failingBackend) Last(context.Context, Key) (*Event, error)     { return nil, errDown }
func (failingBackend) Events(context.Context, Key) ([]Event, error)  { return nil, errDown }
func (failingBackend) Resources(context.Context, string, types.SceneType, int) ([]string, error) {
	return nil, errDown
}
func (failingBackend) Start(context.Context) error { return errDown }
func (failingBackend) Stop(context.Context) error  { return errDown }

func TestCache_DegradesWhenBackendDown(t *testing.T) {
	c := New(failingBackend{})
	ctx := context.Background()
	c.Start(ctx)

	if ev := c.Last(ctx, testKey("x")); ev != nil {
		t.Error("down backend should read as empty")
	}
	if evs := c.Events(ctx, testKey("x")); evs != nil {
		t.Error("down backend should read as empty history")
	}
	_ = c.Append(ctx, testKey("x"), json.RawMessage(`{}`))

	// The scene check must accept rather than block the request.
	if err := c.CheckScene(ctx, "s1", types.SceneImage); err != nil {
		t.Errorf("scene check failed on down backend: %v", err)
	}
	c.Stop(ctx)
}

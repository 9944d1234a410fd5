// Package cache implements the session categorised cache: per-session ordered
// event lists keyed by (session, category, resource, scene).
//
// Two backends exist: an in-process map (default) and Redis. The [Cache]
// wrapper owns the best-effort policy — when the backend is unreachable the
// cache behaves as if empty and never fails the request path — and the
// scene-consistency lock that pins each session to a single scene type.
package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/rapportlabs/rapport/internal/fault"
	"github.com/rapportlabs/rapport/pkg/types"
)

// Well-known categories.
const (
	// CategoryImageResult stores parsed screenshot results per image URL.
	CategoryImageResult = "image_result"

	// CategorySceneType stores the session's pinned scene type.
	CategorySceneType = "scene_type"

	// CategoryImageDimensions stores probed width×height per image URL.
	CategoryImageDimensions = "image_dimensions"
)

// sceneLockResource is the reserved resource name of the scene pin bucket.
const sceneLockResource = "__scene__"

// dedupeWindow is how far back an identical payload counts as a client retry
// rather than a new event.
const dedupeWindow = 10 * time.Second

// Key addresses one event list.
type Key struct {
	Session  string
	Category string
	Resource string
	Scene    types.SceneType
}

// Event is one entry in a bucket. Within a bucket, Seq is strictly increasing.
type Event struct {
	Key     Key             `json:"key"`
	Payload json.RawMessage `json:"payload"`
	Seq     int64           `json:"seq"`
	TS      time.Time       `json:"ts"`
}

// Backend is the storage layer behind [Cache].
type Backend interface {
	// Append stores payload with the bucket's next seq. Appends of an
	// identical payload within the dedupe window return the existing event.
	Append(ctx context.Context, key Key, payload json.RawMessage) (Event, error)

	// Last returns the highest-seq event of a bucket, or nil.
	Last(ctx context.Context, key Key) (*Event, error)

	// Events returns a bucket's full history, oldest first.
	Events(ctx context.Context, key Key) ([]Event, error)

	// Resources enumerates resources seen under image_result for a session
	// and scene, up to limit (0 = no limit).
	Resources(ctx context.Context, session string, scene types.SceneType, limit int) ([]string, error)

	// Start binds to the backing store; Stop releases it. Both best-effort.
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Cache wraps a [Backend] with the best-effort degradation policy and the
// scene lock. Safe for concurrent use.
type Cache struct {
	backend Backend
}

// New wraps backend. A nil backend means an always-empty cache.
func New(backend Backend) *Cache {
	if backend == nil {
		backend = NewMemory()
	}
	return &Cache{backend: backend}
}

// Start binds the backend. A failure is logged and ignored; the cache then
// serves empty reads until the backend recovers.
func (c *Cache) Start(ctx context.Context) {
	if err := c.backend.Start(ctx); err != nil {
		slog.Warn("cache backend start failed, serving empty", "error", err)
	}
}

// Stop releases the backend best-effort.
func (c *Cache) Stop(ctx context.Context) {
	if err := c.backend.Stop(ctx); err != nil {
		slog.Warn("cache backend stop failed", "error", err)
	}
}

// Append stores payload under key. Backend failures are swallowed; the
// returned event then carries Seq 0.
func (c *Cache) Append(ctx context.Context, key Key, payload json.RawMessage) Event {
	ev, err := c.backend.Append(ctx, key, payload)
	if err != nil {
		slog.Warn("cache append failed", "session", key.Session, "category", key.Category, "error", err)
		return Event{Key: key, Payload: payload, TS: time.Now()}
	}
	return ev
}

// Last returns the newest event of a bucket, or nil. Backend failures read
// as an empty bucket.
func (c *Cache) Last(ctx context.Context, key Key) *Event {
	ev, err := c.backend.Last(ctx, key)
	if err != nil {
		slog.Warn("cache read failed, treating as empty", "session", key.Session, "category", key.Category, "error", err)
		return nil
	}
	return ev
}

// Events returns a bucket's history, oldest first. Backend failures read as
// an empty bucket.
func (c *Cache) Events(ctx context.Context, key Key) []Event {
	evs, err := c.backend.Events(ctx, key)
	if err != nil {
		slog.Warn("cache read failed, treating as empty", "session", key.Session, "category", key.Category, "error", err)
		return nil
	}
	return evs
}

// Resources lists image resources seen for a session and scene.
func (c *Cache) Resources(ctx context.Context, session string, scene types.SceneType, limit int) []string {
	rs, err := c.backend.Resources(ctx, session, scene, limit)
	if err != nil {
		slog.Warn("cache read failed, treating as empty", "session", session, "error", err)
		return nil
	}
	return rs
}

// scenePin is the payload stored in the scene lock bucket.
type scenePin struct {
	Scene types.SceneType `json:"scene"`
}

// CheckScene enforces the scene-consistency invariant: the first request of a
// session pins its (normalised) scene type; later requests with a different
// normalised scene are rejected with scene_mismatch. When the backend is
// unavailable the check degrades to accepting.
func (c *Cache) CheckScene(ctx context.Context, session string, scene types.SceneType) error {
	norm := scene.Normalise()
	key := Key{Session: session, Category: CategorySceneType, Resource: sceneLockResource}

	if last := c.Last(ctx, key); last != nil {
		var pin scenePin
		if err := json.Unmarshal(last.Payload, &pin); err == nil {
			if pin.Scene != norm {
				return fault.Newf(fault.KindSceneMismatch,
					"session %s is bound to scene %d, got %d", session, pin.Scene, norm)
			}
			return nil
		}
		// Corrupt pin: re-pin below rather than lock the session out.
	}

	payload, _ := json.Marshal(scenePin{Scene: norm})
	c.Append(ctx, key, payload)
	return nil
}

package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/rapportlabs/rapport/pkg/types"
)

// Memory is the in-process [Backend]. Buckets live until the process exits or
// the optional TTL reaps them.
type Memory struct {
	mu      sync.RWMutex
	buckets map[Key][]Event
	now     func() time.Time
}

// NewMemory returns an empty in-process backend.
func NewMemory() *Memory {
	return &Memory{
		buckets: make(map[Key][]Event),
		now:     time.Now,
	}
}

// Append implements [Backend]. Appends are serialised per store; an identical
// payload within the dedupe window is treated as a client retry.
func (m *Memory) Append(_ context.Context, key Key, payload json.RawMessage) (Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	events := m.buckets[key]
	for i := len(events) - 1; i >= 0; i-- {
		if now.Sub(events[i].TS) > dedupeWindow {
			break
		}
		if bytes.Equal(events[i].Payload, payload) {
			return events[i], nil
		}
	}

	var seq int64 = 1
	if len(events) > 0 {
		seq = events[len(events)-1].Seq + 1
	}
	ev := Event{Key: key, Payload: append(json.RawMessage(nil), payload...), Seq: seq, TS: now}
	m.buckets[key] = append(events, ev)
	return ev, nil
}

// Last implements [Backend].
func (m *Memory) Last(_ context.Context, key Key) (*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	events := m.buckets[key]
	if len(events) == 0 {
		return nil, nil
	}
	ev := events[len(events)-1]
	return &ev, nil
}

// Events implements [Backend]. The returned slice is a snapshot.
func (m *Memory) Events(_ context.Context, key Key) ([]Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	events := m.buckets[key]
	if len(events) == 0 {
		return nil, nil
	}
	out := make([]Event, len(events))
	copy(out, events)
	return out, nil
}

// Resources implements [Backend].
func (m *Memory) Resources(_ context.Context, session string, scene types.SceneType, limit int) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[string]bool)
	for key := range m.buckets {
		if key.Session == session && key.Category == CategoryImageResult && key.Scene == scene.Normalise() {
			seen[key.Resource] = true
		}
	}
	out := make([]string, 0, len(seen))
	for r := range seen {
		out = append(out, r)
	}
	sort.Strings(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Start implements [Backend]. The memory backend is always ready.
func (m *Memory) Start(context.Context) error { return nil }

// Stop implements [Backend].
func (m *Memory) Stop(context.Context) error { return nil }

var _ Backend = (*Memory)(nil)

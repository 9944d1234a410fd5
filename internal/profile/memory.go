package profile

import (
	"context"
	"sync"
)

// Memory is an in-process Store. Good for tests and single-node deployments
// without a database.
type Memory struct {
	mu       sync.RWMutex
	profiles map[string]Profile
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{profiles: make(map[string]Profile)}
}

func (m *Memory) Get(_ context.Context, userID string) (*Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.profiles[userID]
	if !ok {
		return nil, ErrNotFound
	}
	// Copy out so callers can mutate freely.
	cp := p
	cp.Traits = append([]string(nil), p.Traits...)
	cp.Topics = append([]string(nil), p.Topics...)
	return &cp, nil
}

func (m *Memory) Put(_ context.Context, p *Profile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	cp.Traits = append([]string(nil), p.Traits...)
	cp.Topics = append([]string(nil), p.Topics...)
	m.profiles[p.UserID] = cp
	return nil
}

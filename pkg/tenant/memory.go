package tenant

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process SessionStore, used by tests and by
// deployments that run without a state directory.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]Session
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]Session)}
}

var _ SessionStore = (*MemoryStore)(nil)

func (m *MemoryStore) Create(ctx context.Context, s Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.TenantID]; ok {
		return fmt.Errorf("create %s: %w", s.TenantID, ErrExists)
	}
	m.sessions[s.TenantID] = s
	return nil
}

func (m *MemoryStore) Load(ctx context.Context, tenantID string) (Session, error) {
	if err := ctx.Err(); err != nil {
		return Session{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[tenantID]
	if !ok {
		return Session{}, fmt.Errorf("load %s: %w", tenantID, ErrNotFound)
	}
	return s, nil
}

func (m *MemoryStore) Update(ctx context.Context, s Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.TenantID]; !ok {
		return fmt.Errorf("update %s: %w", s.TenantID, ErrNotFound)
	}
	m.sessions[s.TenantID] = s
	return nil
}

func (m *MemoryStore) Revoke(ctx context.Context, tenantID, reason string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[tenantID]
	if !ok {
		return fmt.Errorf("revoke %s: %w", tenantID, ErrNotFound)
	}
	if s.Status == StatusRevoked {
		return nil
	}
	if err := s.Transition(StatusRevoked, reason, time.Now()); err != nil {
		return err
	}
	s.Token = ""
	m.sessions[tenantID] = s
	return nil
}

func (m *MemoryStore) List(ctx context.Context, statuses ...Status) ([]Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		if matchStatus(s.Status, statuses) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TenantID < out[j].TenantID })
	return out, nil
}

func matchStatus(s Status, statuses []Status) bool {
	if len(statuses) == 0 {
		return true
	}
	for _, want := range statuses {
		if s == want {
			return true
		}
	}
	return false
}

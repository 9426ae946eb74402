// Package prefs stores owner-supplied per-chat response directives.
//
// A preference with an empty chat ID is the tenant's global default. Chat
// entries override the global default key by key; each (tenant, chat) pair
// is last-write-wins.
package prefs

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"
)

// Directive names understood by the responder.
const (
	Tone      = "tone"      // formal, casual, funny, serious, polite, direct
	Verbosity = "verbosity" // short, normal, long
	Emoji     = "emoji"     // on, off
	Slang     = "slang"     // on, off
	Language  = "language"  // free-form language name
	Respond   = "respond"   // always, never, auto
	Note      = "note"      // free text passed to the composer
)

var ErrNotFound = errors.New("preference not found")

// Preference is the directive set for one (tenant, chat) key.
type Preference struct {
	TenantID   string
	ChatID     string // empty = global default
	Directives map[string]string
	UpdatedAt  time.Time
}

// Get returns a directive value, or "" if unset.
func (p Preference) Get(name string) string {
	if p.Directives == nil {
		return ""
	}
	return p.Directives[name]
}

// Repository persists preferences. Lookups are always scoped by tenant.
type Repository interface {
	GetPreference(ctx context.Context, tenantID, chatID string) (Preference, error)
	SetPreference(ctx context.Context, p Preference) error
	DeletePreference(ctx context.Context, tenantID, chatID string) error
}

type key struct{ tenant, chat string }

// Store fronts a Repository with a write-through in-memory map.
type Store struct {
	repo Repository
	now  func() time.Time

	mu    sync.RWMutex
	cache map[key]Preference
}

// NewStore creates a preference store. A nil repo keeps preferences in memory only.
func NewStore(repo Repository) *Store {
	return &Store{repo: repo, now: time.Now, cache: make(map[key]Preference)}
}

// Set replaces the directive set for (tenant, chat). An empty set clears it.
func (s *Store) Set(ctx context.Context, tenantID, chatID string, directives map[string]string) error {
	k := key{tenantID, chatID}
	if len(directives) == 0 {
		if s.repo != nil {
			if err := s.repo.DeletePreference(ctx, tenantID, chatID); err != nil {
				return fmt.Errorf("clear preference: %w", err)
			}
		}
		s.mu.Lock()
		s.cache[k] = Preference{TenantID: tenantID, ChatID: chatID}
		s.mu.Unlock()
		return nil
	}

	p := Preference{
		TenantID:   tenantID,
		ChatID:     chatID,
		Directives: maps.Clone(directives),
		UpdatedAt:  s.now(),
	}
	if s.repo != nil {
		if err := s.repo.SetPreference(ctx, p); err != nil {
			return fmt.Errorf("set preference: %w", err)
		}
	}
	s.mu.Lock()
	s.cache[k] = p
	s.mu.Unlock()
	return nil
}

// Get returns exactly the directives last written for (tenant, chat).
func (s *Store) Get(ctx context.Context, tenantID, chatID string) (Preference, error) {
	k := key{tenantID, chatID}
	s.mu.RLock()
	p, ok := s.cache[k]
	s.mu.RUnlock()
	if ok {
		return clone(p), nil
	}
	if s.repo == nil {
		return Preference{TenantID: tenantID, ChatID: chatID}, nil
	}

	p, err := s.repo.GetPreference(ctx, tenantID, chatID)
	if errors.Is(err, ErrNotFound) {
		p = Preference{TenantID: tenantID, ChatID: chatID}
	} else if err != nil {
		return Preference{}, fmt.Errorf("get preference: %w", err)
	}
	s.mu.Lock()
	s.cache[k] = p
	s.mu.Unlock()
	return clone(p), nil
}

// Resolve merges the tenant's global default with the chat's own entry.
func (s *Store) Resolve(ctx context.Context, tenantID, chatID string) (Preference, error) {
	global, err := s.Get(ctx, tenantID, "")
	if err != nil {
		return Preference{}, err
	}
	if chatID == "" {
		return global, nil
	}
	chat, err := s.Get(ctx, tenantID, chatID)
	if err != nil {
		return Preference{}, err
	}
	merged := Preference{
		TenantID:   tenantID,
		ChatID:     chatID,
		Directives: make(map[string]string, len(global.Directives)+len(chat.Directives)),
		UpdatedAt:  chat.UpdatedAt,
	}
	maps.Copy(merged.Directives, global.Directives)
	maps.Copy(merged.Directives, chat.Directives)
	return merged, nil
}

func clone(p Preference) Preference {
	p.Directives = maps.Clone(p.Directives)
	return p
}

// Forget drops every cached preference of a tenant.
func (s *Store) Forget(tenantID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.cache {
		if k.tenant == tenantID {
			delete(s.cache, k)
		}
	}
}

package responder

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

const autoKeyPrefix = "auto/"

// KV persists small tenant-scoped values. Satisfied by state.DB and pgstate.Store.
type KV interface {
	KVSet(ctx context.Context, tenantID, key, value string) error
	KVDelete(ctx context.Context, tenantID, key string) error
	KVScan(ctx context.Context, tenantID, prefix string) (map[string]string, error)
}

// AutoState tracks auto-mode for one chat.
type AutoState struct {
	Enabled      bool      `json:"enabled"`
	EnabledAt    time.Time `json:"enabled_at"`
	DisabledAt   time.Time `json:"disabled_at,omitempty"`
	LastResponse time.Time `json:"last_response,omitempty"`
	HourStart    time.Time `json:"hour_start"`
	HourCount    int       `json:"hour_count"`
	Responses    int       `json:"responses"`
	Skips        int       `json:"skips"`
}

// AutoLimits bound how often auto-mode may answer in one chat.
type AutoLimits struct {
	Cooldown   time.Duration
	MaxPerHour int
}

// autoStates is the per-chat auto-mode table of one tenant.
type autoStates struct {
	tenantID string
	limits   AutoLimits
	kv       KV
	states   *xsync.MapOf[string, AutoState]
}

func newAutoStates(tenantID string, limits AutoLimits, kv KV) *autoStates {
	return &autoStates{
		tenantID: tenantID,
		limits:   limits,
		kv:       kv,
		states:   xsync.NewMapOf[string, AutoState](),
	}
}

// restore reloads enabled chats persisted by a previous run.
func (a *autoStates) restore(ctx context.Context) {
	if a.kv == nil {
		return
	}
	saved, err := a.kv.KVScan(ctx, a.tenantID, autoKeyPrefix)
	if err != nil {
		slog.Warn("failed to restore auto-mode state", "tenant", a.tenantID, "error", err)
		return
	}
	for key, value := range saved {
		at, err := time.Parse(time.RFC3339, value)
		if err != nil {
			continue
		}
		chatID := strings.TrimPrefix(key, autoKeyPrefix)
		a.states.Store(chatID, AutoState{Enabled: true, EnabledAt: at, HourStart: at})
	}
}

func (a *autoStates) enable(ctx context.Context, chatID string, now time.Time) {
	a.states.Compute(chatID, func(s AutoState, loaded bool) (AutoState, bool) {
		if s.Enabled {
			return s, false
		}
		return AutoState{Enabled: true, EnabledAt: now, HourStart: now, Responses: s.Responses, Skips: s.Skips}, false
	})
	if a.kv != nil {
		if err := a.kv.KVSet(ctx, a.tenantID, autoKeyPrefix+chatID, now.UTC().Format(time.RFC3339)); err != nil {
			slog.Warn("failed to persist auto-mode", "tenant", a.tenantID, "chat", chatID, "error", err)
		}
	}
}

func (a *autoStates) disable(ctx context.Context, chatID string, now time.Time) {
	a.states.Compute(chatID, func(s AutoState, loaded bool) (AutoState, bool) {
		if !loaded {
			return s, true
		}
		s.Enabled = false
		s.DisabledAt = now
		return s, false
	})
	if a.kv != nil {
		if err := a.kv.KVDelete(ctx, a.tenantID, autoKeyPrefix+chatID); err != nil {
			slog.Warn("failed to persist auto-mode", "tenant", a.tenantID, "chat", chatID, "error", err)
		}
	}
}

func (a *autoStates) enabled(chatID string) bool {
	s, ok := a.states.Load(chatID)
	return ok && s.Enabled
}

// allow reports whether an auto response may be sent now, given the
// cooldown and the hourly cap.
func (a *autoStates) allow(chatID string, now time.Time) bool {
	s, ok := a.states.Load(chatID)
	if !ok || !s.Enabled {
		return false
	}
	if !s.LastResponse.IsZero() && now.Sub(s.LastResponse) < a.limits.Cooldown {
		return false
	}
	if now.Sub(s.HourStart) >= time.Hour {
		return true
	}
	return a.limits.MaxPerHour <= 0 || s.HourCount < a.limits.MaxPerHour
}

func (a *autoStates) recordResponse(chatID string, now time.Time) {
	a.states.Compute(chatID, func(s AutoState, loaded bool) (AutoState, bool) {
		if !loaded {
			return s, true
		}
		if now.Sub(s.HourStart) >= time.Hour {
			s.HourStart = now
			s.HourCount = 0
		}
		s.HourCount++
		s.Responses++
		s.LastResponse = now
		return s, false
	})
}

func (a *autoStates) recordSkip(chatID string) {
	a.states.Compute(chatID, func(s AutoState, loaded bool) (AutoState, bool) {
		if !loaded {
			return s, true
		}
		s.Skips++
		return s, false
	})
}

func (a *autoStates) snapshot() map[string]AutoState {
	out := make(map[string]AutoState)
	a.states.Range(func(chatID string, s AutoState) bool {
		out[chatID] = s
		return true
	})
	return out
}

// sweep drops chats whose auto-mode has been off for longer than maxAge.
func (a *autoStates) sweep(now time.Time, maxAge time.Duration) int {
	n := 0
	a.states.Range(func(chatID string, s AutoState) bool {
		if !s.Enabled && now.Sub(s.DisabledAt) > maxAge {
			a.states.Delete(chatID)
			n++
		}
		return true
	})
	return n
}

package style

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

var ErrNoProfile = errors.New("no stored style profile")

// Repository persists one profile per tenant.
type Repository interface {
	LoadProfile(ctx context.Context, tenantID string) (Profile, error)
	SaveProfile(ctx context.Context, p Profile) error
}

// CacheConfig controls when a cached profile is recomputed.
type CacheConfig struct {
	MaxAge       time.Duration // recompute when older than this
	RefreshAfter int           // recompute after this many new owner messages
	Size         int           // tenants kept in memory
}

func DefaultCacheConfig() CacheConfig {
	return CacheConfig{MaxAge: 24 * time.Hour, RefreshAfter: 20, Size: 4096}
}

type entry struct {
	profile Profile
	fresh   int // owner messages observed since profile was computed
}

// Cache serves profiles, recomputing them only when stale.
type Cache struct {
	profiler *Profiler
	repo     Repository
	cfg      CacheConfig
	now      func() time.Time

	mu      sync.Mutex
	entries *lru.Cache[string, *entry]
}

// NewCache creates a profile cache. repo may be nil.
func NewCache(profiler *Profiler, repo Repository, cfg CacheConfig) (*Cache, error) {
	def := DefaultCacheConfig()
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = def.MaxAge
	}
	if cfg.RefreshAfter <= 0 {
		cfg.RefreshAfter = def.RefreshAfter
	}
	if cfg.Size <= 0 {
		cfg.Size = def.Size
	}
	entries, err := lru.New[string, *entry](cfg.Size)
	if err != nil {
		return nil, fmt.Errorf("create profile cache: %w", err)
	}
	return &Cache{profiler: profiler, repo: repo, cfg: cfg, now: time.Now, entries: entries}, nil
}

// Observe records n new owner-authored messages for tenantID.
func (c *Cache) Observe(tenantID string, n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries.Get(tenantID); ok {
		e.fresh += n
	}
}

// Get returns the tenant's profile, recomputing it from samples when the
// cached one is missing or stale. With too few samples it returns the last
// known profile, or the neutral profile if none exists.
func (c *Cache) Get(ctx context.Context, tenantID string, samples []string) Profile {
	cached, ok := c.lookup(ctx, tenantID)
	if ok && !c.stale(cached) {
		return cached.profile
	}

	p, err := c.profiler.Profile(tenantID, samples)
	if errors.Is(err, ErrInsufficientSample) {
		if ok {
			return cached.profile
		}
		return Neutral(tenantID)
	}

	c.mu.Lock()
	c.entries.Add(tenantID, &entry{profile: p})
	c.mu.Unlock()

	if c.repo != nil {
		if err := c.repo.SaveProfile(ctx, p); err != nil {
			slog.Warn("failed to persist style profile", "tenant", tenantID, "error", err)
		}
	}
	return p
}

// Invalidate drops the in-memory profile for tenantID.
func (c *Cache) Invalidate(tenantID string) {
	c.mu.Lock()
	c.entries.Remove(tenantID)
	c.mu.Unlock()
}

// Stale reports whether the tenant's cached profile is due for a refresh.
func (c *Cache) Stale(tenantID string) bool {
	c.mu.Lock()
	e, ok := c.entries.Peek(tenantID)
	var snapshot entry
	if ok {
		snapshot = *e
	}
	c.mu.Unlock()
	return !ok || c.stale(snapshot)
}

func (c *Cache) lookup(ctx context.Context, tenantID string) (entry, bool) {
	c.mu.Lock()
	e, ok := c.entries.Get(tenantID)
	var snapshot entry
	if ok {
		snapshot = *e
	}
	c.mu.Unlock()
	if ok {
		return snapshot, true
	}
	if c.repo == nil {
		return entry{}, false
	}

	p, err := c.repo.LoadProfile(ctx, tenantID)
	if err != nil {
		if !errors.Is(err, ErrNoProfile) {
			slog.Warn("failed to load style profile", "tenant", tenantID, "error", err)
		}
		return entry{}, false
	}
	loaded := &entry{profile: p}
	c.mu.Lock()
	c.entries.Add(tenantID, loaded)
	c.mu.Unlock()
	return *loaded, true
}

func (c *Cache) stale(e entry) bool {
	if e.fresh >= c.cfg.RefreshAfter {
		return true
	}
	return c.now().Sub(e.profile.ComputedAt) > c.cfg.MaxAge
}

// Package credpool hands out shared API credential bundles to tenants.
//
// A bundle is an interchangeable credential unit (homeserver registration,
// API id/hash pair, ...) that can carry a bounded number of tenant sessions.
// The pool always places a tenant on the least-loaded bundle that still has
// room and never pushes a bundle past its capacity.
package credpool

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrPoolExhausted is returned when every bundle is at capacity.
var ErrPoolExhausted = errors.New("credential pool exhausted")

// Bundle is one credential unit with its capacity and current load.
type Bundle struct {
	ID       string `toml:"id"`
	Secret   string `toml:"secret"`
	Endpoint string `toml:"endpoint"`
	Capacity int    `toml:"capacity"`
	Load     int    `toml:"-"`
}

type slot struct {
	mu     sync.Mutex
	bundle Bundle
}

// Pool allocates bundles to tenants. Each bundle is guarded by its own lock;
// the tenant assignment table has a separate one.
type Pool struct {
	slots []*slot // sorted by bundle ID, fixed after construction
	byID  map[string]*slot

	assignMu sync.Mutex
	assigned map[string]string // tenant ID -> bundle ID
}

// New builds a pool over the given bundles. Bundle IDs must be unique and
// capacities positive.
func New(bundles []Bundle) (*Pool, error) {
	p := &Pool{
		byID:     make(map[string]*slot, len(bundles)),
		assigned: make(map[string]string),
	}
	for _, b := range bundles {
		if b.ID == "" {
			return nil, fmt.Errorf("bundle id is empty")
		}
		if b.Capacity <= 0 {
			return nil, fmt.Errorf("bundle %s: capacity must be positive", b.ID)
		}
		if _, dup := p.byID[b.ID]; dup {
			return nil, fmt.Errorf("duplicate bundle id %s", b.ID)
		}
		b.Load = 0
		s := &slot{bundle: b}
		p.slots = append(p.slots, s)
		p.byID[b.ID] = s
	}
	sort.Slice(p.slots, func(i, j int) bool {
		return p.slots[i].bundle.ID < p.slots[j].bundle.ID
	})
	for _, s := range p.slots {
		poolCapacity.WithLabelValues(s.bundle.ID).Set(float64(s.bundle.Capacity))
		poolLoad.WithLabelValues(s.bundle.ID).Set(0)
	}
	return p, nil
}

// Allocate places tenantID on the least-loaded bundle with spare capacity,
// breaking ties by bundle ID. A tenant that already holds a bundle gets the
// same bundle back.
func (p *Pool) Allocate(tenantID string) (Bundle, error) {
	if b, ok := p.current(tenantID); ok {
		return b, nil
	}

	for _, s := range p.candidates() {
		s.mu.Lock()
		if s.bundle.Load >= s.bundle.Capacity {
			// Filled up since the snapshot was taken.
			s.mu.Unlock()
			continue
		}
		s.bundle.Load++
		b := s.bundle
		s.mu.Unlock()

		p.assignMu.Lock()
		if existing, ok := p.assigned[tenantID]; ok {
			p.assignMu.Unlock()
			p.decrement(s)
			return p.bundle(existing), nil
		}
		p.assigned[tenantID] = b.ID
		p.assignMu.Unlock()

		poolLoad.WithLabelValues(b.ID).Set(float64(b.Load))
		return b, nil
	}
	return Bundle{}, ErrPoolExhausted
}

// Release returns the tenant's bundle slot to the pool. Releasing a tenant
// that holds no bundle is a no-op.
func (p *Pool) Release(tenantID string) {
	p.assignMu.Lock()
	id, ok := p.assigned[tenantID]
	if ok {
		delete(p.assigned, tenantID)
	}
	p.assignMu.Unlock()
	if !ok {
		return
	}
	if s, found := p.byID[id]; found {
		p.decrement(s)
	}
}

// Assigned reports the bundle currently held by tenantID.
func (p *Pool) Assigned(tenantID string) (Bundle, bool) {
	return p.current(tenantID)
}

// Snapshot returns a copy of every bundle, ordered by ID.
func (p *Pool) Snapshot() []Bundle {
	out := make([]Bundle, 0, len(p.slots))
	for _, s := range p.slots {
		s.mu.Lock()
		out = append(out, s.bundle)
		s.mu.Unlock()
	}
	return out
}

// Restore re-establishes a tenant's assignment to a specific bundle, used
// when sessions are reloaded at startup. It fails with ErrPoolExhausted if
// the bundle is full.
func (p *Pool) Restore(tenantID, bundleID string) error {
	s, ok := p.byID[bundleID]
	if !ok {
		return fmt.Errorf("unknown bundle %s", bundleID)
	}
	p.assignMu.Lock()
	defer p.assignMu.Unlock()
	if _, held := p.assigned[tenantID]; held {
		return nil
	}
	s.mu.Lock()
	if s.bundle.Load >= s.bundle.Capacity {
		s.mu.Unlock()
		return fmt.Errorf("restore %s on %s: %w", tenantID, bundleID, ErrPoolExhausted)
	}
	s.bundle.Load++
	load := s.bundle.Load
	s.mu.Unlock()
	p.assigned[tenantID] = bundleID
	poolLoad.WithLabelValues(bundleID).Set(float64(load))
	return nil
}

func (p *Pool) current(tenantID string) (Bundle, bool) {
	p.assignMu.Lock()
	id, ok := p.assigned[tenantID]
	p.assignMu.Unlock()
	if !ok {
		return Bundle{}, false
	}
	return p.bundle(id), true
}

func (p *Pool) bundle(id string) Bundle {
	s := p.byID[id]
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bundle
}

func (p *Pool) decrement(s *slot) {
	s.mu.Lock()
	if s.bundle.Load > 0 {
		s.bundle.Load--
	}
	load := s.bundle.Load
	s.mu.Unlock()
	poolLoad.WithLabelValues(s.bundle.ID).Set(float64(load))
}

// candidates returns the bundles with spare capacity ordered by load, then ID.
func (p *Pool) candidates() []*slot {
	type entry struct {
		s    *slot
		load int
	}
	entries := make([]entry, 0, len(p.slots))
	for _, s := range p.slots {
		s.mu.Lock()
		load, capacity := s.bundle.Load, s.bundle.Capacity
		s.mu.Unlock()
		if load < capacity {
			entries = append(entries, entry{s: s, load: load})
		}
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].load == entries[j].load {
			return entries[i].s.bundle.ID < entries[j].s.bundle.ID
		}
		return entries[i].load < entries[j].load
	})
	out := make([]*slot, len(entries))
	for i, e := range entries {
		out[i] = e.s
	}
	return out
}

// Package isolator supervises tenants: it owns their lifecycle, runs exactly
// one worker per active tenant, restarts crashed workers with backoff and
// suspends tenants that exceed their quotas.
package isolator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sync/errgroup"

	"github.com/nous-labs/understudy/internal/responder"
	"github.com/nous-labs/understudy/pkg/channel"
	"github.com/nous-labs/understudy/pkg/credpool"
	"github.com/nous-labs/understudy/pkg/guard"
	"github.com/nous-labs/understudy/pkg/tenant"
)

var ErrNotActive = errors.New("tenant is not active")

// EventFunc is a callback for publishing isolator events.
// Parameters: event type, message.
type EventFunc func(typ, message string)

// Notifier delivers operator alerts out of band.
type Notifier interface {
	Notify(ctx context.Context, text string) error
}

// Purger erases the stored data of a revoked tenant.
type Purger interface {
	PurgeTenant(ctx context.Context, tenantID string) error
}

// Quota bounds what one tenant may consume.
type Quota struct {
	InboundPerMinute int64   // inbound events across all chats; 0 = unlimited
	MaxHistoryBytes  int64   // buffered chat history; 0 = unlimited
	CPUShare         float64 // share of wall time spent handling events; 0 = unlimited
}

// Config tunes supervision.
type Config struct {
	MaxRestarts   int           // consecutive crashes tolerated before suspension
	RestartBase   time.Duration // first restart delay, doubled per crash
	RestartCap    time.Duration
	StableAfter   time.Duration // a run this long resets the crash count
	QuotaInterval time.Duration // how often usage is sampled
	Quota         Quota
	Responder     responder.Config
}

func DefaultConfig() Config {
	return Config{
		MaxRestarts:   5,
		RestartBase:   time.Second,
		RestartCap:    30 * time.Second,
		StableAfter:   time.Minute,
		QuotaInterval: 5 * time.Second,
		Quota: Quota{
			InboundPerMinute: 30,
			MaxHistoryBytes:  512 << 20,
			CPUShare:         0.25,
		},
		Responder: responder.DefaultConfig(),
	}
}

// Deps are the shared components the isolator hands to tenant workers.
type Deps struct {
	Store    tenant.SessionStore
	Pool     *credpool.Pool
	Channels channel.Factory
	// Shared is the responder template; Channel and OnEvent are filled in
	// per tenant.
	Shared   responder.Deps
	OnEvent  EventFunc // optional
	Notifier Notifier  // optional
	Purger   Purger    // optional
}

// Health is the runtime view of one tenant.
type Health struct {
	TenantID  string                         `json:"tenant_id"`
	Status    tenant.Status                  `json:"status"`
	Reason    string                         `json:"reason,omitempty"`
	BundleID  string                         `json:"bundle_id,omitempty"`
	Running   bool                           `json:"running"`
	Restarts  int                            `json:"restarts"`
	LastError string                         `json:"last_error,omitempty"`
	Usage     responder.Usage                `json:"usage"`
	Auto      map[string]responder.AutoState `json:"auto,omitempty"`
}

// Isolator is the tenant supervisor.
type Isolator struct {
	cfg  Config
	deps Deps
	now  func() time.Time

	root   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	workers *xsync.MapOf[string, *worker]
	locks   *xsync.MapOf[string, *sync.Mutex]
	inbound *guard.Limiter
}

func New(cfg Config, deps Deps) (*Isolator, error) {
	if deps.Store == nil || deps.Pool == nil || deps.Channels == nil {
		return nil, fmt.Errorf("isolator: store, pool and channel factory are required")
	}
	if deps.Shared.Engine == nil || deps.Shared.AI == nil {
		return nil, fmt.Errorf("isolator: decision engine and AI backend are required")
	}
	def := DefaultConfig()
	if cfg.MaxRestarts <= 0 {
		cfg.MaxRestarts = def.MaxRestarts
	}
	if cfg.RestartBase <= 0 {
		cfg.RestartBase = def.RestartBase
	}
	if cfg.RestartCap < cfg.RestartBase {
		cfg.RestartCap = max(def.RestartCap, cfg.RestartBase)
	}
	if cfg.StableAfter <= 0 {
		cfg.StableAfter = def.StableAfter
	}
	if cfg.QuotaInterval <= 0 {
		cfg.QuotaInterval = def.QuotaInterval
	}

	root, cancel := context.WithCancel(context.Background())
	return &Isolator{
		cfg:     cfg,
		deps:    deps,
		now:     time.Now,
		root:    root,
		cancel:  cancel,
		workers: xsync.NewMapOf[string, *worker](),
		locks:   xsync.NewMapOf[string, *sync.Mutex](),
		inbound: guard.NewLimiter(guard.LimiterConfig{
			Limits: map[guard.Op]guard.Limit{
				guard.OpInbound: {Window: time.Minute, PerSubject: cfg.Quota.InboundPerMinute},
			},
		}),
	}, nil
}

// Run restores persisted tenants, samples quotas until ctx is done and then
// shuts every worker down.
func (i *Isolator) Run(ctx context.Context) error {
	if err := i.restore(ctx); err != nil {
		return err
	}
	ticker := time.NewTicker(i.cfg.QuotaInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			i.Shutdown()
			return nil
		case <-ticker.C:
			i.CheckQuotas()
		}
	}
}

// Shutdown stops every worker. Sessions keep their persisted status so the
// next run restores them.
func (i *Isolator) Shutdown() {
	i.cancel()
	var g errgroup.Group
	i.workers.Range(func(id string, w *worker) bool {
		g.Go(func() error {
			i.workers.Delete(id)
			w.stop()
			return nil
		})
		return true
	})
	_ = g.Wait()
	i.wg.Wait()
}

// restore re-attaches persisted sessions to their bundles and starts the
// workers of active tenants.
func (i *Isolator) restore(ctx context.Context) error {
	sessions, err := i.deps.Store.List(ctx)
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}
	for _, s := range sessions {
		tenantsByStatus.WithLabelValues(string(s.Status)).Inc()
		if s.Status != tenant.StatusActive && s.Status != tenant.StatusPending {
			continue
		}
		if err := i.deps.Pool.Restore(s.TenantID, s.BundleID); err != nil {
			slog.Error("failed to restore tenant bundle", "tenant", s.TenantID, "bundle", s.BundleID, "error", err)
			if s.Status == tenant.StatusActive {
				i.violate(s.TenantID, "bundle", "bundle unavailable at startup")
			}
			continue
		}
		if s.Status == tenant.StatusActive {
			b, _ := i.deps.Pool.Assigned(s.TenantID)
			i.startWorker(s, b)
		}
	}
	slog.Info("tenants restored", "sessions", len(sessions), "running", i.workers.Size())
	return nil
}

// Onboard allocates a credential bundle and records a pending session.
// When the pool is exhausted nothing is persisted.
func (i *Isolator) Onboard(ctx context.Context, tenantID, ownerID, token string) (tenant.Session, error) {
	if tenantID == "" || ownerID == "" || token == "" {
		return tenant.Session{}, fmt.Errorf("onboard: tenant id, owner id and token are required")
	}
	unlock := i.lock(tenantID)
	defer unlock()

	if _, err := i.deps.Store.Load(ctx, tenantID); err == nil {
		return tenant.Session{}, fmt.Errorf("onboard %s: %w", tenantID, tenant.ErrExists)
	} else if !errors.Is(err, tenant.ErrNotFound) {
		return tenant.Session{}, fmt.Errorf("onboard %s: %w", tenantID, err)
	}
	b, err := i.deps.Pool.Allocate(tenantID)
	if err != nil {
		return tenant.Session{}, fmt.Errorf("onboard %s: %w", tenantID, err)
	}
	now := i.now()
	s := tenant.Session{
		TenantID:     tenantID,
		BundleID:     b.ID,
		Token:        token,
		OwnerID:      ownerID,
		Status:       tenant.StatusPending,
		CreatedAt:    now,
		LastActiveAt: now,
	}
	if err := i.deps.Store.Create(ctx, s); err != nil {
		i.deps.Pool.Release(tenantID)
		return tenant.Session{}, fmt.Errorf("onboard %s: %w", tenantID, err)
	}
	tenantsByStatus.WithLabelValues(string(tenant.StatusPending)).Inc()
	i.emit("tenant", fmt.Sprintf("%s onboarded on bundle %s", tenantID, b.ID))
	slog.Info("tenant onboarded", "tenant", tenantID, "bundle", b.ID)
	return s, nil
}

// Activate moves a pending tenant to active and starts its worker.
func (i *Isolator) Activate(ctx context.Context, tenantID string) error {
	unlock := i.lock(tenantID)
	defer unlock()

	s, err := i.deps.Store.Load(ctx, tenantID)
	if err != nil {
		return err
	}
	if s.Status != tenant.StatusPending {
		return fmt.Errorf("activate %s: %s -> %s: %w", tenantID, s.Status, tenant.StatusActive, tenant.ErrInvalidTransition)
	}
	b, err := i.deps.Pool.Allocate(tenantID)
	if err != nil {
		return fmt.Errorf("activate %s: %w", tenantID, err)
	}
	s.BundleID = b.ID
	if err := i.transition(ctx, &s, tenant.StatusActive, "activated"); err != nil {
		return err
	}
	i.startWorker(s, b)
	return nil
}

// Suspend stops the tenant's worker and releases its bundle.
func (i *Isolator) Suspend(ctx context.Context, tenantID, reason string) error {
	unlock := i.lock(tenantID)
	defer unlock()

	s, err := i.deps.Store.Load(ctx, tenantID)
	if err != nil {
		return err
	}
	if err := i.transition(ctx, &s, tenant.StatusSuspended, reason); err != nil {
		return err
	}
	i.stopWorker(tenantID)
	i.deps.Pool.Release(tenantID)
	slog.Warn("tenant suspended", "tenant", tenantID, "reason", reason)
	return nil
}

// Resume re-allocates a bundle for a suspended tenant and restarts its worker.
func (i *Isolator) Resume(ctx context.Context, tenantID string) error {
	unlock := i.lock(tenantID)
	defer unlock()

	s, err := i.deps.Store.Load(ctx, tenantID)
	if err != nil {
		return err
	}
	if s.Status != tenant.StatusSuspended {
		return fmt.Errorf("resume %s: %s -> %s: %w", tenantID, s.Status, tenant.StatusActive, tenant.ErrInvalidTransition)
	}
	b, err := i.deps.Pool.Allocate(tenantID)
	if err != nil {
		return fmt.Errorf("resume %s: %w", tenantID, err)
	}
	s.BundleID = b.ID
	if err := i.transition(ctx, &s, tenant.StatusActive, "resumed"); err != nil {
		i.deps.Pool.Release(tenantID)
		return err
	}
	i.startWorker(s, b)
	return nil
}

// Revoke permanently disables a tenant. Revoking twice is a no-op.
func (i *Isolator) Revoke(ctx context.Context, tenantID, reason string) error {
	_, err := i.revokeIf(ctx, tenantID, reason, "")
	return err
}

// revokeIf revokes tenantID when its current status is only, or in any
// status when only is empty. It reports whether the status matched.
func (i *Isolator) revokeIf(ctx context.Context, tenantID, reason string, only tenant.Status) (bool, error) {
	unlock := i.lock(tenantID)
	defer unlock()

	s, err := i.deps.Store.Load(ctx, tenantID)
	if err != nil {
		return false, err
	}
	if only != "" && s.Status != only {
		return false, nil
	}
	i.stopWorker(tenantID)
	i.deps.Pool.Release(tenantID)
	if s.Status == tenant.StatusRevoked {
		return true, nil
	}
	if err := i.deps.Store.Revoke(ctx, tenantID, reason); err != nil {
		return true, fmt.Errorf("revoke %s: %w", tenantID, err)
	}
	i.inbound.Forget(tenantID)
	if i.deps.Shared.Guard != nil {
		i.deps.Shared.Guard.Forget(tenantID)
	}
	if i.deps.Purger != nil {
		if err := i.deps.Purger.PurgeTenant(ctx, tenantID); err != nil {
			slog.Warn("failed to purge tenant data", "tenant", tenantID, "error", err)
		}
	}
	if i.deps.Shared.Prefs != nil {
		i.deps.Shared.Prefs.Forget(tenantID)
	}
	if i.deps.Shared.Styles != nil {
		i.deps.Shared.Styles.Invalidate(tenantID)
	}
	tenantsByStatus.WithLabelValues(string(s.Status)).Dec()
	tenantsByStatus.WithLabelValues(string(tenant.StatusRevoked)).Inc()
	i.emit("tenant", fmt.Sprintf("%s revoked: %s", tenantID, reason))
	slog.Info("tenant revoked", "tenant", tenantID, "reason", reason)
	return true, nil
}

// ExpirePending revokes pending sessions older than maxAge and returns how
// many were revoked. A session activated since the listing is left alone.
func (i *Isolator) ExpirePending(ctx context.Context, maxAge time.Duration) (int, error) {
	pending, err := i.deps.Store.List(ctx, tenant.StatusPending)
	if err != nil {
		return 0, fmt.Errorf("list pending sessions: %w", err)
	}
	cutoff := i.now().Add(-maxAge)
	n := 0
	for _, s := range pending {
		if !s.CreatedAt.Before(cutoff) {
			continue
		}
		revoked, err := i.revokeIf(ctx, s.TenantID, "authorization expired", tenant.StatusPending)
		if err != nil {
			slog.Warn("failed to expire pending tenant", "tenant", s.TenantID, "error", err)
			continue
		}
		if revoked {
			n++
		}
	}
	return n, nil
}

// Route delivers an inbound event to the owning tenant's worker. Events for
// tenants without a running worker are dropped.
func (i *Isolator) Route(ctx context.Context, msg channel.Message) error {
	w, ok := i.workers.Load(msg.TenantID)
	if !ok {
		routeDropped.WithLabelValues("inactive").Inc()
		return fmt.Errorf("route to %s: %w", msg.TenantID, ErrNotActive)
	}
	if err := i.inbound.Check(msg.TenantID, guard.OpInbound); err != nil {
		routeDropped.WithLabelValues("quota").Inc()
		i.violate(msg.TenantID, "inbound", "inbound message rate exceeded")
		return err
	}
	mgr := w.manager()
	if mgr == nil {
		routeDropped.WithLabelValues("restarting").Inc()
		return nil
	}
	err := mgr.Handle(ctx, msg)
	switch {
	case errors.Is(err, responder.ErrQueueFull):
		routeDropped.WithLabelValues("quota").Inc()
		i.violate(msg.TenantID, "queue", "event queue limit exceeded")
	case errors.Is(err, responder.ErrClosed):
		routeDropped.WithLabelValues("restarting").Inc()
		return nil
	}
	return err
}

// Health reports the persisted status and runtime state of a tenant.
func (i *Isolator) Health(ctx context.Context, tenantID string) (Health, error) {
	s, err := i.deps.Store.Load(ctx, tenantID)
	if err != nil {
		return Health{}, err
	}
	h := Health{
		TenantID: s.TenantID,
		Status:   s.Status,
		Reason:   s.StatusReason,
		BundleID: s.BundleID,
	}
	if w, ok := i.workers.Load(tenantID); ok {
		h.Restarts, h.LastError = w.crashInfo()
		if mgr := w.manager(); mgr != nil {
			h.Running = true
			h.Usage = mgr.Usage()
			h.Auto = mgr.AutoStatus()
		}
	}
	return h, nil
}

// Statuses returns every tenant's status.
func (i *Isolator) Statuses(ctx context.Context) (map[string]tenant.Status, error) {
	sessions, err := i.deps.Store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	out := make(map[string]tenant.Status, len(sessions))
	for _, s := range sessions {
		out[s.TenantID] = s.Status
	}
	return out, nil
}

// Running reports how many tenant workers are up.
func (i *Isolator) Running() int { return i.workers.Size() }

// SweepAutoStates forgets auto-mode states disabled for longer than maxAge
// across all running tenants.
func (i *Isolator) SweepAutoStates(maxAge time.Duration) int {
	n := 0
	i.eachManager(func(m *responder.Manager) { n += m.SweepAuto(maxAge) })
	return n
}

// SweepChats drops chat histories idle for longer than idle.
func (i *Isolator) SweepChats(idle time.Duration) int {
	n := 0
	i.eachManager(func(m *responder.Manager) { n += m.SweepChats(idle) })
	return n
}

// SweepRateWindows drops rate-limit windows unused for at least idle, both
// the tenant inbound quota and the shared response guard.
func (i *Isolator) SweepRateWindows(idle time.Duration) int {
	n := i.inbound.Sweep(idle)
	if i.deps.Shared.Guard != nil {
		n += i.deps.Shared.Guard.Sweep(idle)
	}
	return n
}

func (i *Isolator) eachManager(fn func(*responder.Manager)) {
	i.workers.Range(func(_ string, w *worker) bool {
		if m := w.manager(); m != nil {
			fn(m)
		}
		return true
	})
}

// transition validates and persists a status change.
func (i *Isolator) transition(ctx context.Context, s *tenant.Session, to tenant.Status, reason string) error {
	from := s.Status
	if err := s.Transition(to, reason, i.now()); err != nil {
		return fmt.Errorf("tenant %s: %w", s.TenantID, err)
	}
	if err := i.deps.Store.Update(ctx, *s); err != nil {
		return fmt.Errorf("tenant %s: %w", s.TenantID, err)
	}
	tenantsByStatus.WithLabelValues(string(from)).Dec()
	tenantsByStatus.WithLabelValues(string(to)).Inc()
	i.emit("tenant", fmt.Sprintf("%s %s -> %s (%s)", s.TenantID, from, to, reason))
	return nil
}

// violate suspends a tenant asynchronously. It may be called from the
// tenant's own worker, which Suspend waits for.
func (i *Isolator) violate(tenantID, quota, reason string) {
	if w, ok := i.workers.Load(tenantID); ok && !w.violated.CompareAndSwap(false, true) {
		return
	}
	quotaViolations.WithLabelValues(quota).Inc()
	i.wg.Add(1)
	go func() {
		defer i.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := i.Suspend(ctx, tenantID, reason); err != nil {
			slog.Error("failed to suspend tenant", "tenant", tenantID, "reason", reason, "error", err)
			return
		}
		i.alert(ctx, fmt.Sprintf("tenant %s suspended: %s", tenantID, reason))
	}()
}

func (i *Isolator) alert(ctx context.Context, text string) {
	slog.Error("operator alert", "alert", text)
	i.emit("alert", text)
	if i.deps.Notifier == nil {
		return
	}
	if err := i.deps.Notifier.Notify(ctx, text); err != nil {
		slog.Warn("failed to deliver operator alert", "error", err)
	}
}

func (i *Isolator) emit(typ, message string) {
	if i.deps.OnEvent != nil {
		i.deps.OnEvent(typ, message)
	}
}

func (i *Isolator) lock(tenantID string) func() {
	mu, _ := i.locks.LoadOrCompute(tenantID, func() *sync.Mutex { return &sync.Mutex{} })
	mu.Lock()
	return mu.Unlock
}

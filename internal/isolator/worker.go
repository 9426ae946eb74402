package isolator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nous-labs/understudy/internal/responder"
	"github.com/nous-labs/understudy/pkg/channel"
	"github.com/nous-labs/understudy/pkg/credpool"
	"github.com/nous-labs/understudy/pkg/tenant"
)

var errChannelStopped = errors.New("channel stopped unexpectedly")

// worker is the running unit of one active tenant: a channel connection and
// the responder fed by it. The supervisor goroutine rebuilds both after a
// crash.
type worker struct {
	session tenant.Session
	bundle  credpool.Bundle
	log     *slog.Logger
	cancel  context.CancelFunc
	done    chan struct{}

	violated atomic.Bool

	mu       sync.Mutex
	mgr      *responder.Manager
	restarts int
	lastErr  string
	cpuFrom  time.Time
	cpuBusy  time.Duration
}

func (w *worker) manager() *responder.Manager {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.mgr
}

func (w *worker) setManager(m *responder.Manager) {
	w.mu.Lock()
	w.mgr = m
	w.mu.Unlock()
}

func (w *worker) crashInfo() (int, string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.restarts, w.lastErr
}

// stop cancels the worker and waits for it to exit. Safe to call twice.
func (w *worker) stop() {
	w.cancel()
	<-w.done
}

func (i *Isolator) startWorker(s tenant.Session, b credpool.Bundle) {
	i.stopWorker(s.TenantID)

	ctx, cancel := context.WithCancel(i.root)
	w := &worker{
		session: s,
		bundle:  b,
		log:     slog.With("tenant", s.TenantID),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	i.workers.Store(s.TenantID, w)
	go i.supervise(ctx, w)
	w.log.Info("tenant worker started", "bundle", b.ID)
}

func (i *Isolator) stopWorker(tenantID string) {
	if w, ok := i.workers.LoadAndDelete(tenantID); ok {
		w.stop()
		w.log.Info("tenant worker stopped")
	}
}

// supervise runs the worker until its context ends, restarting it after a
// crash with exponential backoff. Authentication failures and too many
// consecutive crashes suspend the tenant instead.
func (i *Isolator) supervise(ctx context.Context, w *worker) {
	defer close(w.done)

	backoff := i.cfg.RestartBase
	crashes := 0
	for {
		started := i.now()
		err := i.runOnce(ctx, w)
		if ctx.Err() != nil {
			return
		}

		w.mu.Lock()
		w.lastErr = err.Error()
		w.mu.Unlock()

		if errors.Is(err, tenant.ErrAuthFailure) {
			w.log.Error("tenant authentication failed", "error", err)
			i.violate(w.session.TenantID, "auth", "authentication failure: "+err.Error())
			return
		}
		if i.now().Sub(started) >= i.cfg.StableAfter {
			crashes = 0
			backoff = i.cfg.RestartBase
		}
		crashes++
		if crashes > i.cfg.MaxRestarts {
			w.log.Error("tenant worker keeps crashing", "crashes", crashes, "error", err)
			i.violate(w.session.TenantID, "crash", fmt.Sprintf("worker crashed %d times: %v", crashes, err))
			return
		}

		workerRestarts.Inc()
		w.mu.Lock()
		w.restarts++
		w.mu.Unlock()
		w.log.Warn("tenant worker crashed, restarting", "attempt", crashes, "backoff", backoff, "error", err)
		i.emit("restart", fmt.Sprintf("%s worker restart %d: %v", w.session.TenantID, crashes, err))

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, i.cfg.RestartCap)
	}
}

// runOnce opens the channel, starts a fresh responder and blocks until the
// worker is stopped, the channel fails or the responder reports a panic.
// It returns nil only when ctx is done.
func (i *Isolator) runOnce(ctx context.Context, w *worker) error {
	ch, err := i.deps.Channels(channel.Credentials{
		TenantID: w.session.TenantID,
		OwnerID:  w.session.OwnerID,
		Token:    w.session.Token,
		Endpoint: w.bundle.Endpoint,
		Secret:   w.bundle.Secret,
	})
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}

	rctx, cancel := context.WithCancel(ctx)
	defer cancel()

	deps := i.deps.Shared
	deps.Channel = ch
	tenantID := w.session.TenantID
	deps.OnEvent = func(typ, message string) {
		i.emit(typ, tenantID+": "+message)
	}
	mgr := responder.New(rctx, tenantID, w.session.OwnerID, i.cfg.Responder, deps)
	w.setManager(mgr)
	defer func() {
		w.setManager(nil)
		mgr.Close()
		if err := ch.Stop(); err != nil {
			w.log.Warn("failed to stop channel", "error", err)
		}
	}()

	errc := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				errc <- fmt.Errorf("channel panic: %v", r)
			}
		}()
		errc <- ch.Start(rctx, func(ctx context.Context, msg channel.Message) error {
			msg.TenantID = tenantID
			return i.Route(ctx, msg)
		})
	}()

	select {
	case <-ctx.Done():
		cancel()
		<-errc
		return nil
	case err := <-errc:
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			err = errChannelStopped
		}
		return err
	case err := <-mgr.Crashed():
		cancel()
		<-errc
		return err
	}
}

// CheckQuotas samples every running tenant and suspends those over their
// memory or CPU quota.
func (i *Isolator) CheckQuotas() {
	now := i.now()
	q := i.cfg.Quota
	i.workers.Range(func(id string, w *worker) bool {
		mgr := w.manager()
		if mgr == nil {
			return true
		}
		usage := mgr.Usage()
		if q.MaxHistoryBytes > 0 && int64(usage.HistoryBytes) > q.MaxHistoryBytes {
			i.violate(id, "memory", fmt.Sprintf("buffered history %d bytes over limit %d", usage.HistoryBytes, q.MaxHistoryBytes))
			return true
		}
		if share, ok := w.cpuShare(now, usage.Busy); ok && q.CPUShare > 0 && share > q.CPUShare {
			i.violate(id, "cpu", fmt.Sprintf("cpu share %.2f over limit %.2f", share, q.CPUShare))
		}
		return true
	})
}

// cpuShare returns the share of wall time spent busy since the last full
// minute of samples. ok is false until a minute has been observed.
func (w *worker) cpuShare(now time.Time, busy time.Duration) (float64, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cpuFrom.IsZero() || busy < w.cpuBusy {
		w.cpuFrom, w.cpuBusy = now, busy
		return 0, false
	}
	elapsed := now.Sub(w.cpuFrom)
	if elapsed < time.Minute {
		return 0, false
	}
	share := float64(busy-w.cpuBusy) / float64(elapsed)
	w.cpuFrom, w.cpuBusy = now, busy
	return share, true
}

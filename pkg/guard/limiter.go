// Package guard implements per-tenant and global rate limiting, the content
// filter applied before any AI request, and owner-identity checks.
package guard

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/RussellLuo/slidingwindow"
	"github.com/puzpuzpuz/xsync/v3"
)

var ErrRateLimited = errors.New("rate limited")

// Op is a limited operation class.
type Op string

const (
	OpAICall  Op = "ai_call"
	OpSend    Op = "send"
	OpInbound Op = "inbound"
)

// Limit is the threshold for one operation class.
type Limit struct {
	Window     time.Duration
	PerSubject int64 // 0 = unlimited
	Global     int64 // 0 = unlimited
}

// LimiterConfig configures a Limiter.
type LimiterConfig struct {
	Limits map[Op]Limit
	// A subject whose attempts reach BlockFactor times its threshold within
	// one window is refused outright for BlockDuration.
	BlockFactor   int64
	BlockDuration time.Duration
}

func DefaultLimiterConfig() LimiterConfig {
	return LimiterConfig{
		Limits: map[Op]Limit{
			OpAICall:  {Window: time.Minute, PerSubject: 10, Global: 100},
			OpSend:    {Window: time.Minute, PerSubject: 20, Global: 600},
			OpInbound: {Window: time.Minute, PerSubject: 30},
		},
		BlockFactor:   2,
		BlockDuration: 5 * time.Minute,
	}
}

type window struct {
	allowed  *slidingwindow.Limiter // global windows only
	attempts *slidingwindow.Limiter // nil when blocking is disabled
	size     time.Duration

	mu           sync.Mutex
	stamps       []time.Time // last admissions, oldest at next once full
	next         int
	lastSeen     time.Time
	blockedUntil time.Time
}

func (w *window) blocked(now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastSeen = now
	return now.Before(w.blockedUntil)
}

func (w *window) block(until time.Time) {
	w.mu.Lock()
	w.blockedUntil = until
	w.mu.Unlock()
}

// admit records an admission at now unless the window already holds its
// full count of admissions younger than size.
func (w *window) admit(now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastSeen = now
	if len(w.stamps) < cap(w.stamps) {
		w.stamps = append(w.stamps, now)
		return true
	}
	if now.Sub(w.stamps[w.next]) < w.size {
		return false
	}
	w.stamps[w.next] = now
	w.next = (w.next + 1) % len(w.stamps)
	return true
}

func (w *window) idle(now time.Time, after time.Duration) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return !now.Before(w.blockedUntil) && now.Sub(w.lastSeen) >= after
}

// Limiter keeps one exact sliding window per (subject, op) plus an
// approximate global window per op. Windows live in a concurrent map so
// unrelated subjects never contend.
type Limiter struct {
	cfg LimiterConfig
	now func() time.Time

	subjects *xsync.MapOf[string, *window]
	globals  *xsync.MapOf[Op, *window]
}

func NewLimiter(cfg LimiterConfig) *Limiter {
	if cfg.Limits == nil {
		cfg.Limits = DefaultLimiterConfig().Limits
	}
	return &Limiter{
		cfg:      cfg,
		now:      time.Now,
		subjects: xsync.NewMapOf[string, *window](),
		globals:  xsync.NewMapOf[Op, *window](),
	}
}

func windowFunc() (slidingwindow.Window, slidingwindow.StopFunc) {
	return slidingwindow.NewLocalWindow()
}

// Check consumes one unit of op for subject. It returns ErrRateLimited when
// the subject's window, the global window, or an abuse block refuses it.
func (l *Limiter) Check(subject string, op Op) error {
	limit, ok := l.cfg.Limits[op]
	if !ok || limit.Window <= 0 {
		return nil
	}
	now := l.now()

	if limit.PerSubject > 0 {
		w, _ := l.subjects.LoadOrCompute(subject+"|"+string(op), func() *window {
			return l.newWindow(limit.Window, limit.PerSubject, true)
		})
		if w.blocked(now) {
			rateLimited.WithLabelValues(string(op), "blocked").Inc()
			return ErrRateLimited
		}
		if w.attempts != nil && !w.attempts.AllowN(now, 1) {
			w.block(now.Add(l.cfg.BlockDuration))
			rateLimited.WithLabelValues(string(op), "blocked").Inc()
			return ErrRateLimited
		}
		if !w.admit(now) {
			rateLimited.WithLabelValues(string(op), "subject").Inc()
			return ErrRateLimited
		}
	}

	if limit.Global > 0 {
		g, _ := l.globals.LoadOrCompute(op, func() *window {
			return l.newWindow(limit.Window, limit.Global, false)
		})
		if !g.allowed.AllowN(now, 1) {
			rateLimited.WithLabelValues(string(op), "global").Inc()
			return ErrRateLimited
		}
	}
	return nil
}

// Forget drops every window held for subject and for its sub-subjects
// ("subject/..."), e.g. when a tenant is revoked.
func (l *Limiter) Forget(subject string) {
	own, nested := subject+"|", subject+"/"
	l.subjects.Range(func(key string, _ *window) bool {
		if strings.HasPrefix(key, own) || strings.HasPrefix(key, nested) {
			l.subjects.Delete(key)
		}
		return true
	})
}

// Sweep drops subject windows unused for at least idle, keeping those that
// are still blocked, and returns how many were dropped.
func (l *Limiter) Sweep(idle time.Duration) int {
	now := l.now()
	n := 0
	l.subjects.Range(func(key string, _ *window) bool {
		l.subjects.Compute(key, func(w *window, loaded bool) (*window, bool) {
			if !loaded || !w.idle(now, idle) {
				return w, !loaded
			}
			n++
			return w, true
		})
		return true
	})
	return n
}

func (l *Limiter) newWindow(size time.Duration, limit int64, subject bool) *window {
	w := &window{size: size}
	if !subject {
		w.allowed, _ = slidingwindow.NewLimiter(size, limit, windowFunc)
		return w
	}
	w.stamps = make([]time.Time, 0, limit)
	if l.cfg.BlockFactor > 1 && l.cfg.BlockDuration > 0 {
		w.attempts, _ = slidingwindow.NewLimiter(size, limit*l.cfg.BlockFactor, windowFunc)
	}
	return w
}

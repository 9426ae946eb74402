// Package upkeep implements the periodic housekeeping of the tenant host.
//
// The upkeep worker runs on a cron schedule and:
//   - revokes pending sessions that were never activated
//   - forgets auto-mode states that have been off for a long time
//   - drops chat histories that have gone idle
//
// Every cycle produces a Report that is logged and published as an event.
package upkeep

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// EventFunc is a callback for publishing upkeep events.
// Parameters: event type, message.
type EventFunc func(typ, message string)

// Target is what the worker maintains. *isolator.Isolator satisfies it.
type Target interface {
	ExpirePending(ctx context.Context, maxAge time.Duration) (int, error)
	SweepAutoStates(maxAge time.Duration) int
	SweepChats(idle time.Duration) int
	SweepRateWindows(idle time.Duration) int
}

// Report holds the results of a single upkeep cycle.
type Report struct {
	Cycle          int       `json:"cycle"`
	StartedAt      time.Time `json:"started_at"`
	Duration       string    `json:"duration"`
	PendingExpired int       `json:"pending_expired"`
	AutoSwept      int       `json:"auto_swept"`
	ChatsSwept     int       `json:"chats_swept"`
	WindowsSwept   int       `json:"rate_windows_swept"`
	Errors         []string  `json:"errors,omitempty"`
}

// Config holds upkeep worker configuration.
type Config struct {
	Schedule        string        // cron spec (default "@every 1m")
	PendingExpiry   time.Duration // revoke pending sessions older than this (default 5m)
	AutoStateMaxAge time.Duration // forget auto-mode off for longer than this (default 7d)
	ChatIdle        time.Duration // drop chat history idle for longer than this (default 24h)
	RateIdle        time.Duration // drop rate windows unused for this long (default 1h)
}

func DefaultConfig() Config {
	return Config{
		Schedule:        "@every 1m",
		PendingExpiry:   5 * time.Minute,
		AutoStateMaxAge: 7 * 24 * time.Hour,
		ChatIdle:        24 * time.Hour,
		RateIdle:        time.Hour,
	}
}

// Worker is the upkeep background worker.
type Worker struct {
	target   Target
	onEvent  EventFunc
	cfg      Config
	schedule cron.Schedule

	mu         sync.RWMutex
	lastReport *Report
	cycleCount int
}

// NewWorker creates an upkeep worker. The schedule is validated up front.
func NewWorker(target Target, onEvent EventFunc, cfg Config) (*Worker, error) {
	def := DefaultConfig()
	if cfg.Schedule == "" {
		cfg.Schedule = def.Schedule
	}
	if cfg.PendingExpiry <= 0 {
		cfg.PendingExpiry = def.PendingExpiry
	}
	if cfg.AutoStateMaxAge <= 0 {
		cfg.AutoStateMaxAge = def.AutoStateMaxAge
	}
	if cfg.ChatIdle <= 0 {
		cfg.ChatIdle = def.ChatIdle
	}
	if cfg.RateIdle <= 0 {
		cfg.RateIdle = def.RateIdle
	}
	schedule, err := cron.ParseStandard(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("parse upkeep schedule %q: %w", cfg.Schedule, err)
	}
	return &Worker{target: target, onEvent: onEvent, cfg: cfg, schedule: schedule}, nil
}

// Run schedules cycles until ctx is cancelled. A cycle still running when
// the next one is due is not overlapped.
func (w *Worker) Run(ctx context.Context) {
	slog.Info("upkeep worker started",
		"schedule", w.cfg.Schedule,
		"pending_expiry", w.cfg.PendingExpiry,
		"auto_state_max_age", w.cfg.AutoStateMaxAge,
		"chat_idle", w.cfg.ChatIdle,
	)

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	c.Schedule(w.schedule, cron.FuncJob(func() {
		w.logReport(w.RunOnce(ctx))
	}))
	c.Start()

	<-ctx.Done()
	<-c.Stop().Done()
	slog.Info("upkeep worker stopped")
}

// RunOnce runs a single upkeep cycle and returns its report.
func (w *Worker) RunOnce(ctx context.Context) *Report {
	w.mu.Lock()
	w.cycleCount++
	cycle := w.cycleCount
	w.mu.Unlock()

	start := time.Now()
	report := &Report{Cycle: cycle, StartedAt: start}

	n, err := w.target.ExpirePending(ctx, w.cfg.PendingExpiry)
	if err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("expire pending: %v", err))
		slog.Warn("upkeep: expire pending failed", "error", err)
	}
	report.PendingExpired = n
	if n > 0 {
		w.emit("status", fmt.Sprintf("upkeep: revoked %d pending sessions past %s", n, w.cfg.PendingExpiry))
	}

	report.AutoSwept = w.target.SweepAutoStates(w.cfg.AutoStateMaxAge)
	report.ChatsSwept = w.target.SweepChats(w.cfg.ChatIdle)
	report.WindowsSwept = w.target.SweepRateWindows(w.cfg.RateIdle)
	report.Duration = time.Since(start).Round(time.Millisecond).String()

	w.mu.Lock()
	w.lastReport = report
	w.mu.Unlock()
	return report
}

// LastReport returns the most recent upkeep report.
func (w *Worker) LastReport() *Report {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.lastReport
}

func (w *Worker) logReport(r *Report) {
	if r.PendingExpired == 0 && r.AutoSwept == 0 && r.ChatsSwept == 0 && r.WindowsSwept == 0 && len(r.Errors) == 0 {
		slog.Debug("upkeep: nothing to do", "cycle", r.Cycle)
		return
	}
	summary := fmt.Sprintf("upkeep cycle %d (%s): %d pending expired, %d auto states swept, %d chats swept, %d rate windows swept",
		r.Cycle, r.Duration, r.PendingExpired, r.AutoSwept, r.ChatsSwept, r.WindowsSwept)
	if len(r.Errors) > 0 {
		summary += fmt.Sprintf(", %d errors", len(r.Errors))
	}
	slog.Info("upkeep: cycle complete", "summary", summary)
	w.emit("status", summary)
}

func (w *Worker) emit(typ, message string) {
	if w.onEvent != nil {
		w.onEvent(typ, message)
	}
}

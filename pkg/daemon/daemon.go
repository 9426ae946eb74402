// Package daemon is the process host: it owns the HTTP surface, the event
// bus and the lifecycle of registered modules.
package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

// Config holds host settings.
type Config struct {
	Name            string
	HTTPAddr        string
	ShutdownTimeout time.Duration
	RecentEvents    int // events replayed to new SSE clients' buffer
}

// CheckFunc reports whether a dependency is usable.
type CheckFunc func(ctx context.Context) error

type Daemon struct {
	Config  Config
	Events  *EventBus
	Modules map[string]Module

	order     []Module
	checks    map[string]CheckFunc
	startedAt time.Time

	healthyMu sync.RWMutex
	healthy   bool

	addrMu     sync.Mutex
	addr       net.Addr
	ready      chan struct{}
	httpServer *http.Server
}

func New(cfg Config) *Daemon {
	if cfg.Name == "" {
		cfg.Name = "understudy"
	}
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = ":8080"
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	return &Daemon{
		Config:    cfg,
		Events:    NewEventBus(cfg.RecentEvents),
		Modules:   map[string]Module{},
		checks:    map[string]CheckFunc{},
		startedAt: time.Now(),
		ready:     make(chan struct{}),
	}
}

func (d *Daemon) RegisterModule(m Module) error {
	if m == nil {
		return fmt.Errorf("module is nil")
	}
	name := m.Name()
	if name == "" {
		return fmt.Errorf("module name is empty")
	}
	if _, exists := d.Modules[name]; exists {
		return fmt.Errorf("module already registered: %s", name)
	}
	d.Modules[name] = m
	d.order = append(d.order, m)
	return nil
}

// AddCheck registers a dependency probed by /health.
func (d *Daemon) AddCheck(name string, fn CheckFunc) {
	d.checks[name] = fn
}

// Emit publishes an event. It matches the EventFunc callbacks of the
// components the host wires together.
func (d *Daemon) Emit(typ, message string) {
	d.Events.Publish(Event{Type: typ, Message: message})
}

// Ready is closed once the HTTP listener is bound.
func (d *Daemon) Ready() <-chan struct{} { return d.ready }

// Addr returns the bound HTTP address, or nil before Ready.
func (d *Daemon) Addr() net.Addr {
	d.addrMu.Lock()
	defer d.addrMu.Unlock()
	return d.addr
}

func (d *Daemon) setHealthy(v bool) {
	d.healthyMu.Lock()
	d.healthy = v
	d.healthyMu.Unlock()
}

func (d *Daemon) isHealthy() bool {
	d.healthyMu.RLock()
	v := d.healthy
	d.healthyMu.RUnlock()
	return v
}

// Handler returns the HTTP surface: host routes plus every module's routes.
func (d *Daemon) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", d.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /v1/events", d.handleEvents)
	for _, m := range d.order {
		m.RegisterRoutes(mux)
	}
	return mux
}

// Run initializes and starts every module, serves HTTP and blocks until
// ctx is cancelled or the listener fails. Modules are stopped in reverse
// registration order.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.initModules(); err != nil {
		return err
	}

	ln, err := net.Listen("tcp", d.Config.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", d.Config.HTTPAddr, err)
	}
	d.addrMu.Lock()
	d.addr = ln.Addr()
	d.addrMu.Unlock()

	d.httpServer = &http.Server{Handler: d.Handler(), ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		err := d.httpServer.Serve(ln)
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	close(d.ready)
	slog.Info("http listening", "addr", ln.Addr().String())

	var g errgroup.Group
	for _, m := range d.order {
		g.Go(func() error {
			if err := m.Start(ctx); err != nil && ctx.Err() == nil {
				slog.Error("module start failed", "module", m.Name(), "error", err)
				d.Emit(EventError, fmt.Sprintf("module %s failed: %v", m.Name(), err))
			}
			return nil
		})
	}

	d.setHealthy(true)
	d.Emit(EventStatus, d.Config.Name+" started")

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	d.setHealthy(false)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), d.Config.ShutdownTimeout)
	defer cancel()
	if err := d.httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown failed", "error", err)
	}

	for i := len(d.order) - 1; i >= 0; i-- {
		m := d.order[i]
		if err := m.Stop(); err != nil {
			slog.Warn("module stop failed", "module", m.Name(), "error", err)
		}
	}
	_ = g.Wait()
	return runErr
}

func (d *Daemon) initModules() error {
	for _, m := range d.order {
		if err := m.Init(d); err != nil {
			return fmt.Errorf("init module %s: %w", m.Name(), err)
		}
	}
	return nil
}

type healthResponse struct {
	Status  string            `json:"status"`
	Uptime  string            `json:"uptime,omitempty"`
	Modules []string          `json:"modules,omitempty"`
	Checks  map[string]string `json:"checks,omitempty"`
}

func (d *Daemon) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !d.isHealthy() {
		writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "starting"})
		return
	}

	resp := healthResponse{
		Status: "ok",
		Uptime: time.Since(d.startedAt).Round(time.Second).String(),
	}
	for name := range d.Modules {
		resp.Modules = append(resp.Modules, name)
	}
	sort.Strings(resp.Modules)

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	for name, check := range d.checks {
		if err := check(ctx); err != nil {
			if resp.Checks == nil {
				resp.Checks = map[string]string{}
			}
			resp.Checks[name] = err.Error()
			resp.Status = "degraded"
		}
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func (d *Daemon) handleEvents(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	events, done := d.Events.Subscribe()
	defer d.Events.Unsubscribe(done)

	for _, e := range d.Events.Recent(50) {
		fmt.Fprintf(w, "data: %s\n\n", e.MarshalEvent())
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			fmt.Fprintf(w, "data: %s\n\n", evt.MarshalEvent())
			flusher.Flush()
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		slog.Warn("failed to encode response", "error", err)
	}
}

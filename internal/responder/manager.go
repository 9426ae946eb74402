// Package responder runs the per-tenant response pipeline: it keeps a short
// history per chat, asks the decision engine for a verdict, calls the AI
// backend, simulates typing and delivers the reply.
//
// Events of one chat are processed strictly in arrival order by a drain
// goroutine that exists only while the chat has queued events. Chats and
// tenants proceed in parallel.
package responder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/nous-labs/understudy/internal/llm"
	"github.com/nous-labs/understudy/pkg/channel"
	"github.com/nous-labs/understudy/pkg/decision"
	"github.com/nous-labs/understudy/pkg/guard"
	"github.com/nous-labs/understudy/pkg/prefs"
	"github.com/nous-labs/understudy/pkg/style"
	"github.com/nous-labs/understudy/pkg/typing"
)

var (
	ErrClosed    = errors.New("responder closed")
	ErrQueueFull = errors.New("responder queue full")
)

// Completer is the AI backend as seen by the responder. *llm.Router satisfies it.
type Completer interface {
	Complete(ctx context.Context, tier llm.Tier, req llm.CompletionRequest) (*llm.CompletionResponse, error)
}

// EventFunc is a callback for publishing responder events.
// Parameters: event type, message.
type EventFunc func(typ, message string)

// Config tunes the pipeline.
type Config struct {
	HistoryWindow  int           // messages kept per chat
	AITimeout      time.Duration // per AI attempt
	MaxAttempts    int
	RetryBackoff   time.Duration // doubled after each failed attempt
	Auto           AutoLimits
	InfoTTL        time.Duration // lifetime of informational replies
	NotifyFailures bool          // tell the owner when an owner-triggered response fails
	MaxQueued      int           // events waiting across all chats; 0 = unlimited
	SampleSize     int           // owner messages kept for style profiling
}

func DefaultConfig() Config {
	return Config{
		HistoryWindow: 10,
		AITimeout:     30 * time.Second,
		MaxAttempts:   3,
		RetryBackoff:  500 * time.Millisecond,
		Auto:          AutoLimits{Cooldown: 30 * time.Second, MaxPerHour: 10},
		InfoTTL:       5 * time.Second,
		MaxQueued:     256,
		SampleSize:    50,
	}
}

// Deps are the shared components a Manager drives.
type Deps struct {
	Channel channel.Channel
	Engine  *decision.Engine
	Guard   *guard.Guard
	AI      Completer
	Typing  *typing.Simulator
	Styles  *style.Cache
	Prefs   *prefs.Store
	KV      KV        // optional; persists auto-mode across restarts
	OnEvent EventFunc // optional
}

// Usage is the tenant's current resource footprint.
type Usage struct {
	Queued       int
	HistoryBytes int
	Busy         time.Duration // cumulative handling time, excluding AI and typing waits
}

type chat struct {
	mu       sync.Mutex
	queue    []channel.Message
	running  bool
	history  []decision.ChatMessage
	bytes    int
	lastSeen time.Time
}

// Manager is the response pipeline of one tenant.
type Manager struct {
	tenantID string
	ownerID  string
	cfg      Config
	deps     Deps
	now      func() time.Time

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	closeMu sync.RWMutex
	closed  bool
	crashed chan error

	chats *xsync.MapOf[string, *chat]
	auto  *autoStates

	samplesMu sync.Mutex
	samples   []string

	queued       atomic.Int64
	historyBytes atomic.Int64
	busy         atomic.Int64
}

// New creates the pipeline for a tenant. All work runs under a context
// derived from ctx; Close cancels it.
func New(ctx context.Context, tenantID, ownerID string, cfg Config, deps Deps) *Manager {
	def := DefaultConfig()
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = def.HistoryWindow
	}
	if cfg.AITimeout <= 0 {
		cfg.AITimeout = def.AITimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = def.RetryBackoff
	}
	if cfg.InfoTTL <= 0 {
		cfg.InfoTTL = def.InfoTTL
	}
	if cfg.SampleSize <= 0 {
		cfg.SampleSize = def.SampleSize
	}
	if deps.Guard == nil {
		deps.Guard = guard.New(nil, nil)
	}
	if deps.Prefs == nil {
		deps.Prefs = prefs.NewStore(nil)
	}
	if deps.Typing == nil {
		deps.Typing = typing.New(typing.DefaultConfig(), nil)
	}

	mctx, cancel := context.WithCancel(ctx)
	m := &Manager{
		tenantID: tenantID,
		ownerID:  ownerID,
		cfg:      cfg,
		deps:     deps,
		now:      time.Now,
		ctx:      mctx,
		cancel:   cancel,
		crashed:  make(chan error, 1),
		chats:    xsync.NewMapOf[string, *chat](),
		auto:     newAutoStates(tenantID, cfg.Auto, deps.KV),
	}
	m.auto.restore(mctx)
	return m
}

// Handle enqueues an inbound event on its chat's queue. It never blocks on
// processing; it returns ErrQueueFull when the tenant's backlog is at its
// limit and ErrClosed after Close.
func (m *Manager) Handle(_ context.Context, msg channel.Message) error {
	m.closeMu.RLock()
	defer m.closeMu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	if m.cfg.MaxQueued > 0 && m.queued.Load() >= int64(m.cfg.MaxQueued) {
		return fmt.Errorf("tenant %s: %w", m.tenantID, ErrQueueFull)
	}

	var start bool
	c, _ := m.chats.Compute(msg.ChatID, func(c *chat, loaded bool) (*chat, bool) {
		if !loaded {
			c = &chat{}
		}
		c.mu.Lock()
		c.queue = append(c.queue, msg)
		m.queued.Add(1)
		start = !c.running
		c.running = true
		c.mu.Unlock()
		return c, false
	})

	if start {
		m.wg.Add(1)
		go m.drain(msg.ChatID, c)
	}
	return nil
}

// Crashed delivers the first panic recovered while processing an event.
func (m *Manager) Crashed() <-chan error { return m.crashed }

// Close cancels all in-flight work and waits for it to stop.
func (m *Manager) Close() {
	m.closeMu.Lock()
	m.closed = true
	m.closeMu.Unlock()
	m.cancel()
	m.wg.Wait()
}

// Usage reports the tenant's current footprint.
func (m *Manager) Usage() Usage {
	return Usage{
		Queued:       int(m.queued.Load()),
		HistoryBytes: int(m.historyBytes.Load()),
		Busy:         time.Duration(m.busy.Load()),
	}
}

// AutoStatus returns the auto-mode state of every known chat.
func (m *Manager) AutoStatus() map[string]AutoState {
	return m.auto.snapshot()
}

// SweepAuto forgets chats whose auto-mode has been off longer than maxAge.
func (m *Manager) SweepAuto(maxAge time.Duration) int {
	return m.auto.sweep(m.now(), maxAge)
}

// SweepChats drops the history of chats idle for longer than idle. A chat
// is removed from the map under its own lock, so an event queued
// concurrently either keeps the chat alive or lands on a fresh one.
func (m *Manager) SweepChats(idle time.Duration) int {
	cutoff := m.now().Add(-idle)
	n := 0
	m.chats.Range(func(chatID string, _ *chat) bool {
		m.chats.Compute(chatID, func(c *chat, loaded bool) (*chat, bool) {
			if !loaded {
				return c, true
			}
			c.mu.Lock()
			defer c.mu.Unlock()
			if c.running || len(c.queue) > 0 || !c.lastSeen.Before(cutoff) {
				return c, false
			}
			m.historyBytes.Add(-int64(c.bytes))
			c.history, c.bytes = nil, 0
			n++
			return c, true
		})
		return true
	})
	return n
}

func (m *Manager) drain(chatID string, c *chat) {
	defer m.wg.Done()
	for {
		c.mu.Lock()
		if len(c.queue) == 0 || m.ctx.Err() != nil {
			dropped := len(c.queue)
			c.queue = nil
			c.running = false
			c.mu.Unlock()
			m.queued.Add(-int64(dropped))
			return
		}
		msg := c.queue[0]
		c.queue = c.queue[1:]
		c.mu.Unlock()
		m.queued.Add(-1)

		m.safeProcess(chatID, c, msg)
	}
}

func (m *Manager) safeProcess(chatID string, c *chat, msg channel.Message) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("responder panic in chat %s: %v", chatID, r)
			slog.Error("responder panic", "tenant", m.tenantID, "chat", chatID, "panic", r)
			select {
			case m.crashed <- err:
			default:
			}
		}
	}()
	m.process(chatID, c, msg)
}

func (m *Manager) process(chatID string, c *chat, msg channel.Message) {
	ctx := m.ctx
	start := time.Now()
	defer func() { m.charge(start) }()

	owner := m.deps.Guard.Authorize(m.ownerID, msg.SenderID)
	cm := decision.ChatMessage{
		ID:           msg.ID,
		SenderID:     msg.SenderID,
		Text:         msg.Content,
		At:           msg.Timestamp,
		ReplyToOwner: msg.ReplyToOwner,
		Mentions:     msg.Mentions,
	}
	if cm.At.IsZero() {
		cm.At = m.now()
	}
	var cmd decision.Command
	if owner {
		cmd = decision.ParseCommand(msg.Content, m.deps.Engine.Prefixes())
		if cmd.Kind != decision.CmdNone && !cmd.Kind.Trigger() {
			m.runCommand(ctx, chatID, msg, cmd)
			return
		}
	}
	trigger := owner && cmd.Kind != decision.CmdNone
	var cc decision.ChatContext
	if trigger {
		cc = m.window(chatID, c, cm, msg.IsGroup)
	} else {
		cc = m.record(chatID, c, cm, msg.IsGroup)
	}

	switch {
	case owner && cmd.Kind == decision.CmdNone:
		m.observeOwner(msg.Content)
	case owner:
		defer m.deleteMessage(ctx, chatID, msg.ID)
	default:
		if err := m.deps.Guard.Check(chatSubject(m.tenantID, chatID), guard.OpInbound); err != nil {
			eventsDropped.WithLabelValues("inbound-rate").Inc()
			return
		}
	}

	pref, err := m.deps.Prefs.Resolve(ctx, m.tenantID, chatID)
	if err != nil {
		slog.Warn("failed to resolve preferences", "tenant", m.tenantID, "chat", chatID, "error", err)
		pref = prefs.Preference{TenantID: m.tenantID, ChatID: chatID}
	}
	profile := style.Neutral(m.tenantID)
	if m.deps.Styles != nil {
		profile = m.deps.Styles.Get(ctx, m.tenantID, m.ownerSamples())
	}

	v := m.deps.Engine.Decide(decision.Input{
		Context:    cc,
		Message:    cm,
		Profile:    profile,
		Preference: pref,
		AutoMode:   m.auto.enabled(chatID),
	})
	verdicts.WithLabelValues(string(v.Reason)).Inc()
	if !v.Respond {
		slog.Debug("staying silent", "tenant", m.tenantID, "chat", chatID, "reason", v.Reason)
		return
	}

	auto := !owner
	if auto && !m.auto.allow(chatID, m.now()) {
		eventsDropped.WithLabelValues("auto-limit").Inc()
		return
	}

	subject := v.Query
	if v.Mode == decision.ModeStyleMimic {
		subject = targetText(cc, v.Target)
	}
	if err := m.deps.Guard.Admit(m.tenantID, guard.OpAICall, subject); err != nil {
		cause := "ai-rate"
		if errors.Is(err, guard.ErrContentRejected) {
			cause = "content"
		}
		eventsDropped.WithLabelValues(cause).Inc()
		slog.Debug("response refused", "tenant", m.tenantID, "chat", chatID, "error", err)
		return
	}

	m.charge(start)
	resp, err := m.complete(ctx, v, cc, profile, pref)
	start = time.Now()
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		eventsDropped.WithLabelValues("ai-failure").Inc()
		slog.Warn("AI backend failed, dropping event", "tenant", m.tenantID, "chat", chatID, "error", err)
		m.emit("ai_failure", fmt.Sprintf("chat %s: %v", chatID, err))
		if owner && m.cfg.NotifyFailures {
			m.notice(ctx, chatID, "⚠️ could not generate a response, try again later")
		}
		return
	}

	reply, ok := cleanReply(resp.Content)
	if !ok {
		if auto {
			m.auto.recordSkip(chatID)
		}
		eventsDropped.WithLabelValues("skip").Inc()
		return
	}

	delay := m.deps.Typing.DelayFor(reply)
	m.charge(start)
	indicator := func(ctx context.Context, on bool) error {
		return m.deps.Channel.SetComposing(ctx, chatID, on)
	}
	if err := m.deps.Typing.Compose(ctx, indicator, delay); err != nil {
		start = time.Now()
		return
	}
	start = time.Now()

	if err := m.deps.Guard.Check(m.tenantID, guard.OpSend); err != nil {
		eventsDropped.WithLabelValues("send-rate").Inc()
		return
	}
	if ctx.Err() != nil {
		return
	}

	out := channel.Response{ChatID: chatID, Content: reply}
	if cc.IsGroup && v.Mode == decision.ModeStyleMimic {
		out.ReplyTo = v.Target
	}
	sentID, err := m.deps.Channel.Send(ctx, out)
	if err != nil {
		eventsDropped.WithLabelValues("send-failure").Inc()
		slog.Warn("send failed", "tenant", m.tenantID, "chat", chatID, "error", err)
		return
	}

	responsesSent.WithLabelValues(string(v.Mode)).Inc()
	if auto {
		m.auto.recordResponse(chatID, m.now())
	}
	m.record(chatID, c, decision.ChatMessage{ID: sentID, SenderID: m.ownerID, Text: reply, At: m.now()}, msg.IsGroup)
	m.emit("response", fmt.Sprintf("chat %s: %s (%d chars)", chatID, v.Mode, len(reply)))
	slog.Info("response sent", "tenant", m.tenantID, "chat", chatID, "mode", v.Mode, "delay", delay)
}

// complete calls the AI backend, retrying timeouts and backend failures
// with doubling backoff.
func (m *Manager) complete(ctx context.Context, v decision.Verdict, cc decision.ChatContext, profile style.Profile, pref prefs.Preference) (*llm.CompletionResponse, error) {
	req := buildRequest(v, cc, profile, pref)
	tier := llm.TierFor(v.Mode)
	backoff := m.cfg.RetryBackoff

	var lastErr error
	for attempt := 1; attempt <= m.cfg.MaxAttempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, m.cfg.AITimeout)
		resp, err := m.deps.AI.Complete(callCtx, tier, req)
		cancel()
		if err == nil {
			aiCalls.WithLabelValues("ok").Inc()
			return resp, nil
		}
		if ctx.Err() != nil {
			aiCalls.WithLabelValues("cancelled").Inc()
			return nil, ctx.Err()
		}
		lastErr = err
		outcome, retry := classify(err)
		aiCalls.WithLabelValues(outcome).Inc()
		if !retry || attempt == m.cfg.MaxAttempts {
			break
		}

		slog.Warn("AI call failed, retrying",
			"tenant", m.tenantID,
			"attempt", attempt,
			"backoff", backoff,
			"error", err,
		)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return nil, lastErr
}

func classify(err error) (outcome string, retry bool) {
	switch {
	case errors.Is(err, llm.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return "timeout", true
	case errors.Is(err, llm.ErrContentRejected):
		return "rejected", true
	case errors.Is(err, llm.ErrBackend):
		return "backend", true
	}
	return "error", false
}

func (m *Manager) runCommand(ctx context.Context, chatID string, msg channel.Message, cmd decision.Command) {
	var info string
	switch cmd.Kind {
	case decision.CmdAutoOn:
		m.auto.enable(ctx, chatID, m.now())
		info = "🤖 auto-reply on"
	case decision.CmdAutoOff:
		m.auto.disable(ctx, chatID, m.now())
		info = "🤖 auto-reply off"
	case decision.CmdPreference:
		target, arg := chatID, cmd.Arg
		if head, rest, _ := strings.Cut(arg, " "); strings.EqualFold(head, "global") {
			target, arg = "", strings.TrimSpace(rest)
		}
		directives := prefs.ParseDirectives(arg)
		if err := m.deps.Prefs.Set(ctx, m.tenantID, target, directives); err != nil {
			slog.Warn("failed to store preferences", "tenant", m.tenantID, "chat", chatID, "error", err)
			info = "⚠️ preferences not saved"
			break
		}
		scope := "this chat"
		if target == "" {
			scope = "all chats"
		}
		info = fmt.Sprintf("⚙️ preferences for %s: %s", scope, prefs.Describe(directives))
	}
	m.emit("command", fmt.Sprintf("chat %s: %s", chatID, cmd.Kind))
	m.deleteMessage(ctx, chatID, msg.ID)
	m.notice(ctx, chatID, info)
}

// notice sends an informational message and deletes it after InfoTTL.
func (m *Manager) notice(ctx context.Context, chatID, text string) {
	if text == "" || ctx.Err() != nil {
		return
	}
	id, err := m.deps.Channel.Send(ctx, channel.Response{ChatID: chatID, Content: text})
	if err != nil {
		slog.Warn("failed to send notice", "tenant", m.tenantID, "chat", chatID, "error", err)
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		select {
		case <-ctx.Done():
		case <-time.After(m.cfg.InfoTTL):
		}
		m.deleteMessage(ctx, chatID, id)
	}()
}

func (m *Manager) deleteMessage(ctx context.Context, chatID, messageID string) {
	if messageID == "" {
		return
	}
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := m.deps.Channel.Delete(dctx, chatID, messageID); err != nil {
		slog.Debug("failed to delete message", "tenant", m.tenantID, "chat", chatID, "error", err)
	}
}

// window returns the current history with cm appended, without storing cm.
// Trigger commands are deleted from the chat and stay out of history.
func (m *Manager) window(chatID string, c *chat, cm decision.ChatMessage, isGroup bool) decision.ChatContext {
	c.mu.Lock()
	defer c.mu.Unlock()
	return decision.ChatContext{
		TenantID: m.tenantID,
		ChatID:   chatID,
		IsGroup:  isGroup,
		OwnerID:  m.ownerID,
		Recent:   append(slices.Clone(c.history), cm),
	}
}

// record appends to the chat history and returns the current window.
func (m *Manager) record(chatID string, c *chat, cm decision.ChatMessage, isGroup bool) decision.ChatContext {
	c.mu.Lock()
	defer c.mu.Unlock()

	before := c.bytes
	c.history = append(c.history, cm)
	c.bytes += len(cm.Text)
	for len(c.history) > m.cfg.HistoryWindow {
		c.bytes -= len(c.history[0].Text)
		c.history = c.history[1:]
	}
	c.lastSeen = m.now()
	m.historyBytes.Add(int64(c.bytes - before))

	return decision.ChatContext{
		TenantID: m.tenantID,
		ChatID:   chatID,
		IsGroup:  isGroup,
		OwnerID:  m.ownerID,
		Recent:   slices.Clone(c.history),
	}
}

func (m *Manager) observeOwner(text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	m.samplesMu.Lock()
	m.samples = append(m.samples, text)
	if over := len(m.samples) - m.cfg.SampleSize; over > 0 {
		m.samples = slices.Clone(m.samples[over:])
	}
	m.samplesMu.Unlock()
	if m.deps.Styles != nil {
		m.deps.Styles.Observe(m.tenantID, 1)
	}
}

func (m *Manager) ownerSamples() []string {
	m.samplesMu.Lock()
	defer m.samplesMu.Unlock()
	return slices.Clone(m.samples)
}

func (m *Manager) charge(start time.Time) {
	m.busy.Add(int64(time.Since(start)))
}

func (m *Manager) emit(typ, message string) {
	if m.deps.OnEvent != nil {
		m.deps.OnEvent(typ, message)
	}
}

func targetText(cc decision.ChatContext, target string) string {
	for i := len(cc.Recent) - 1; i >= 0; i-- {
		if cc.Recent[i].ID == target {
			return cc.Recent[i].Text
		}
	}
	return ""
}

func chatSubject(tenantID, chatID string) string {
	return tenantID + "/" + chatID
}

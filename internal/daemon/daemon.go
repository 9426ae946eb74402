// Package daemon assembles the understudy process: it opens state, loads
// the credential pool and wires every component into the host.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/nous-labs/understudy/internal/channel/matrix"
	"github.com/nous-labs/understudy/internal/isolator"
	"github.com/nous-labs/understudy/internal/llm"
	"github.com/nous-labs/understudy/internal/notify"
	"github.com/nous-labs/understudy/internal/responder"
	"github.com/nous-labs/understudy/pkg/channel"
	"github.com/nous-labs/understudy/pkg/credpool"
	coredaemon "github.com/nous-labs/understudy/pkg/daemon"
	"github.com/nous-labs/understudy/pkg/decision"
	"github.com/nous-labs/understudy/pkg/guard"
	"github.com/nous-labs/understudy/pkg/prefs"
	"github.com/nous-labs/understudy/pkg/state"
	"github.com/nous-labs/understudy/pkg/state/pgstate"
	"github.com/nous-labs/understudy/pkg/style"
	"github.com/nous-labs/understudy/pkg/tenant"
	"github.com/nous-labs/understudy/pkg/typing"
	"github.com/nous-labs/understudy/pkg/upkeep"
)

// Store is everything the process persists: sessions, preferences, style
// profiles and tenant-scoped kv entries.
type Store interface {
	tenant.SessionStore
	prefs.Repository
	style.Repository
	responder.KV
	isolator.Purger
	Ping(ctx context.Context) error
}

var (
	_ Store = (*state.DB)(nil)
	_ Store = (*pgstate.Store)(nil)
)

// App is the assembled process.
type App struct {
	Host     *coredaemon.Daemon
	Isolator *isolator.Isolator
	Upkeep   *upkeep.Worker
	Store    Store

	closers []func()
}

// wiring replaces external connections in tests.
type wiring struct {
	store    Store
	channels channel.Factory
	bots     notify.BotFactory
}

// Build wires the process from cfg.
func Build(ctx context.Context, cfg *Config) (*App, error) {
	return build(ctx, cfg, wiring{})
}

func build(ctx context.Context, cfg *Config, w wiring) (app *App, err error) {
	app = &App{}
	defer func() {
		if err != nil {
			app.Close()
		}
	}()

	app.Host = coredaemon.New(coredaemon.Config{Name: cfg.Name, HTTPAddr: cfg.HTTPAddr})

	app.Store = w.store
	if app.Store == nil {
		if app.Store, err = app.openStore(ctx, cfg); err != nil {
			return app, err
		}
	}
	app.Host.AddCheck("state", app.Store.Ping)

	bundles, err := credpool.LoadBundles(cfg.BundlesPath)
	if err != nil {
		return app, err
	}
	pool, err := credpool.New(bundles)
	if err != nil {
		return app, fmt.Errorf("credential pool: %w", err)
	}
	capacity := 0
	for _, b := range bundles {
		capacity += b.Capacity
	}
	slog.Info("credential pool loaded", "bundles", len(bundles), "capacity", capacity)

	router, err := buildRouter(cfg.LLM)
	if err != nil {
		return app, err
	}

	shared, err := buildResponderDeps(cfg, app.Store, router)
	if err != nil {
		return app, err
	}

	channels := w.channels
	if channels == nil {
		mcfg := matrix.DefaultConfig()
		mcfg.SendRate = cfg.Matrix.SendRate
		mcfg.SendBurst = cfg.Matrix.SendBurst
		mcfg.TypingTTL = cfg.Matrix.TypingTTL
		mcfg.RetryBackoff = cfg.Matrix.RetryBackoff
		mcfg.MaxRetries = cfg.Matrix.MaxRetries
		mcfg.ResyncDelay = cfg.Matrix.ResyncDelay
		channels = matrix.NewFactory(mcfg)
	}

	deps := isolator.Deps{
		Store:    app.Store,
		Pool:     pool,
		Channels: channels,
		Shared:   shared,
		OnEvent:  app.Host.Emit,
		Purger:   app.Store,
	}
	if cfg.Telegram.Token != "" {
		tcfg := notify.DefaultConfig()
		tcfg.Token = cfg.Telegram.Token
		tcfg.ChatIDs = cfg.Telegram.ChatIDs
		tcfg.Dedup = cfg.Telegram.Dedup
		var tg *notify.Telegram
		if w.bots != nil {
			tg, err = notify.NewTelegramWithFactory(tcfg, w.bots)
		} else {
			tg, err = notify.NewTelegram(tcfg)
		}
		if err != nil {
			return app, fmt.Errorf("telegram alerts: %w", err)
		}
		deps.Notifier = tg
		slog.Info("telegram alerts enabled", "chats", len(cfg.Telegram.ChatIDs))
	}

	icfg := isolator.DefaultConfig()
	icfg.MaxRestarts = cfg.Isolator.MaxRestarts
	icfg.RestartBase = cfg.Isolator.RestartBase
	icfg.RestartCap = cfg.Isolator.RestartCap
	icfg.StableAfter = cfg.Isolator.StableAfter
	icfg.QuotaInterval = cfg.Isolator.QuotaInterval
	icfg.Quota = isolator.Quota{
		InboundPerMinute: cfg.Isolator.InboundPerMinute,
		MaxHistoryBytes:  cfg.Isolator.MaxHistoryBytes,
		CPUShare:         cfg.Isolator.CPUShare,
	}
	icfg.Responder = responderConfig(cfg.Responder)
	if app.Isolator, err = isolator.New(icfg, deps); err != nil {
		return app, err
	}

	app.Upkeep, err = upkeep.NewWorker(app.Isolator, app.Host.Emit, upkeep.Config{
		Schedule:        cfg.Upkeep.Schedule,
		PendingExpiry:   cfg.Upkeep.AuthExpiry,
		AutoStateMaxAge: cfg.Upkeep.AutoStateMaxAge,
		ChatIdle:        cfg.Upkeep.ChatIdle,
		RateIdle:        cfg.Upkeep.RateIdle,
	})
	if err != nil {
		return app, err
	}

	if err := app.Host.RegisterModule(app.Isolator); err != nil {
		return app, err
	}
	if err := app.Host.RegisterModule(app.Upkeep); err != nil {
		return app, err
	}
	return app, nil
}

// Run serves until ctx is cancelled, then releases every resource.
func (a *App) Run(ctx context.Context) error {
	defer a.Close()
	return a.Host.Run(ctx)
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func (a *App) openStore(ctx context.Context, cfg *Config) (Store, error) {
	var sealer *state.Sealer
	if cfg.SecretKey != "" {
		sealer = state.NewSealer(cfg.SecretKey)
	}

	if cfg.PostgresURL == "" {
		db, err := state.Open(cfg.StateDir, sealer)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() {
			if err := db.Close(); err != nil {
				slog.Warn("failed to close state", "error", err)
			}
		})
		return db, nil
	}

	if sealer == nil {
		if cfg.StateDir == "" {
			return nil, fmt.Errorf("secret_key or state_dir is required to seal tokens in postgres")
		}
		s, err := state.LoadOrCreateKey(filepath.Join(cfg.StateDir, "secret.key"))
		if err != nil {
			return nil, err
		}
		sealer = s
	}
	pg, err := pgstate.New(ctx, cfg.PostgresURL, sealer)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, pg.Close)
	if err := pg.Init(ctx); err != nil {
		return nil, fmt.Errorf("init postgres state: %w", err)
	}
	slog.Info("state opened", "backend", "postgres")
	return pg, nil
}

func buildRouter(cfg LLMConfig) (*llm.Router, error) {
	providers := make(map[llm.Tier]llm.Provider)
	for _, t := range []struct {
		tier llm.Tier
		name string
		p    ProviderConfig
	}{
		{llm.TierDeep, "deep", cfg.Deep},
		{llm.TierMid, "mid", cfg.Mid},
		{llm.TierFast, "fast", cfg.Fast},
	} {
		provider := newProvider(t.p)
		if provider == nil {
			continue
		}
		providers[t.tier] = provider
		slog.Info("LLM provider configured",
			"tier", t.name,
			"provider", provider.Name(),
			"model", t.p.Model,
		)
	}
	if len(providers) == 0 {
		return nil, fmt.Errorf("no LLM provider configured: set llm.deep or llm.fast with an api_key")
	}
	return llm.NewRouter(providers), nil
}

func newProvider(p ProviderConfig) llm.Provider {
	if p.Provider == "" || p.APIKey == "" {
		return nil
	}
	switch strings.ToLower(p.Provider) {
	case "anthropic":
		if p.BaseURL != "" {
			return llm.NewAnthropicCompat(p.Provider, p.BaseURL, p.APIKey, p.Model)
		}
		return llm.NewAnthropic(p.APIKey, p.Model)
	case "anthropic-compat", "kimi":
		if p.BaseURL == "" {
			return nil
		}
		return llm.NewAnthropicCompat(p.Provider, p.BaseURL, p.APIKey, p.Model)
	default:
		if p.BaseURL == "" {
			return nil
		}
		return llm.NewOpenAICompat(p.Provider, p.BaseURL, p.APIKey, p.Model)
	}
}

func buildResponderDeps(cfg *Config, store Store, ai responder.Completer) (responder.Deps, error) {
	dcfg := decision.DefaultConfig()
	dcfg.AddressKeywords = cfg.Decision.AddressKeywords
	if len(cfg.Decision.IgnorePatterns) > 0 {
		dcfg.IgnorePatterns = cfg.Decision.IgnorePatterns
	}
	if cfg.Decision.FloodCount > 0 {
		dcfg.FloodCount = cfg.Decision.FloodCount
	}
	if cfg.Decision.FloodWindow > 0 {
		dcfg.FloodWindow = cfg.Decision.FloodWindow
	}
	engine, err := decision.NewEngine(dcfg)
	if err != nil {
		return responder.Deps{}, fmt.Errorf("decision engine: %w", err)
	}

	g := cfg.Guard
	if g.Window <= 0 {
		g.Window = time.Minute
	}
	lcfg := guard.DefaultLimiterConfig()
	lcfg.Limits = map[guard.Op]guard.Limit{
		guard.OpAICall:  {Window: g.Window, PerSubject: g.AIPerSubject, Global: g.AIGlobal},
		guard.OpSend:    {Window: g.Window, PerSubject: g.SendPerSubject, Global: g.SendGlobal},
		guard.OpInbound: {Window: g.Window, PerSubject: g.InboundPerChat},
	}
	if g.BlockFactor > 0 {
		lcfg.BlockFactor = g.BlockFactor
	}
	if g.BlockDuration > 0 {
		lcfg.BlockDuration = g.BlockDuration
	}
	fcfg := guard.DefaultFilterConfig()
	if len(g.BlockedPatterns) > 0 {
		fcfg.BlockedPatterns = g.BlockedPatterns
	}
	if g.MaxLength > 0 {
		fcfg.MaxLength = g.MaxLength
	}
	filter, err := guard.NewFilter(fcfg)
	if err != nil {
		return responder.Deps{}, fmt.Errorf("content filter: %w", err)
	}

	scfg := style.DefaultConfig()
	if cfg.Style.MinSamples > 0 {
		scfg.MinSamples = cfg.Style.MinSamples
	}
	styles, err := style.NewCache(style.NewProfiler(scfg), store, style.CacheConfig{
		MaxAge:       cfg.Style.MaxAge,
		RefreshAfter: cfg.Style.RefreshAfter,
		Size:         cfg.Style.CacheSize,
	})
	if err != nil {
		return responder.Deps{}, fmt.Errorf("style cache: %w", err)
	}

	tcfg := typing.DefaultConfig()
	tcfg.WPM = cfg.Typing.WPM
	tcfg.Min = cfg.Typing.Min
	tcfg.Max = cfg.Typing.Max
	tcfg.Variation = cfg.Typing.Variation
	tcfg.PauseChance = cfg.Typing.PauseChance

	return responder.Deps{
		Engine: engine,
		Guard:  guard.New(guard.NewLimiter(lcfg), filter),
		AI:     ai,
		Typing: typing.New(tcfg, nil),
		Styles: styles,
		Prefs:  prefs.NewStore(store),
		KV:     store,
	}, nil
}

func responderConfig(c ResponderConfig) responder.Config {
	return responder.Config{
		HistoryWindow:  c.HistoryWindow,
		AITimeout:      c.AITimeout,
		MaxAttempts:    c.MaxAttempts,
		RetryBackoff:   c.RetryBackoff,
		Auto:           responder.AutoLimits{Cooldown: c.AutoCooldown, MaxPerHour: c.AutoMaxPerHour},
		InfoTTL:        c.InfoTTL,
		NotifyFailures: c.NotifyFailures,
		MaxQueued:      c.MaxQueued,
		SampleSize:     c.SampleSize,
	}
}

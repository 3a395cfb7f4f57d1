// Package app wires all parley subsystems into a running server.
//
// The App struct owns the full lifecycle: New builds the relay, health
// endpoints and HTTP server from a config, Run serves until its context is
// cancelled, and Shutdown drains sessions and stops everything in order.
//
// For testing, inject metric instruments and an error tracker via functional
// options and exercise [App.Handler] with net/http/httptest.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/health"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/relay"
	"github.com/MrWong99/parley/internal/resilience"
	"github.com/MrWong99/parley/internal/session"
	"github.com/MrWong99/parley/pkg/provider/s2s"
)

// App owns all subsystem lifetimes.
type App struct {
	provider s2s.Provider
	watcher  *config.Watcher
	level    *slog.LevelVar
	log      *slog.Logger

	mu  sync.Mutex
	cfg *config.Config

	metrics        *observe.Metrics
	metricsHandler http.Handler
	errs           *observe.ErrorTracker
	sessions       *session.Manager
	breaker        *resilience.CircuitBreaker
	relay          *relay.Server
	health         *health.Handler
	server         *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
	stopErr  error
}

// Option is a functional option for New.
type Option func(*App)

// WithMetrics injects metric instruments instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler serves h on /metrics. Without it /metrics is not
// registered.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithErrorTracker injects the tracker behind /errors.
func WithErrorTracker(t *observe.ErrorTracker) Option {
	return func(a *App) { a.errs = t }
}

// WithLogger sets the logger passed to every subsystem.
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// WithWatcher runs w alongside the server and applies hot-reloadable changes.
// The watcher's change callback must call [App.ApplyConfig].
func WithWatcher(w *config.Watcher) Option {
	return func(a *App) { a.watcher = w }
}

// WithLevelVar lets [App.ApplyConfig] change the log level at runtime.
func WithLevelVar(lv *slog.LevelVar) Option {
	return func(a *App) { a.level = lv }
}

// WithCloser registers fn to run at the end of Shutdown.
func WithCloser(fn func() error) Option {
	return func(a *App) { a.closers = append(a.closers, fn) }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App serving provider with cfg. provider may be nil, in which
// case every session fails with an upstream error and /readyz reports the
// upstream as unconfigured.
func New(cfg *config.Config, provider s2s.Provider, opts ...Option) (*App, error) {
	a := &App{
		cfg:      cfg,
		provider: provider,
		log:      slog.Default(),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.errs == nil {
		a.errs = observe.NewErrorTracker(observe.DefaultErrorCapacity)
	}
	if a.provider == nil {
		a.provider = unconfigured{}
	}

	rc, err := RelayConfig(cfg)
	if err != nil {
		return nil, err
	}

	breakerCfg := cfg.Breaker.CircuitBreaker("upstream")
	breakerCfg.OnStateChange = func(from, to resilience.State) {
		a.log.Warn("upstream circuit breaker changed state", "from", from, "to", to)
	}
	a.breaker = resilience.NewCircuitBreaker(breakerCfg)
	a.sessions = session.NewManager(session.WithMaxSessions(cfg.Relay.MaxSessions))

	relayOpts := []relay.Option{
		relay.WithLogger(a.log),
		relay.WithMetrics(a.metrics),
		relay.WithErrorTracker(a.errs),
		relay.WithBreaker(a.breaker),
		relay.WithSessions(a.sessions),
		relay.WithOriginPatterns(cfg.Server.AllowedOrigins...),
	}
	if r := cfg.Relay.ConnectRate; r > 0 {
		relayOpts = append(relayOpts, relay.WithConnectLimiter(rate.NewLimiter(rate.Limit(r), max(cfg.Relay.ConnectBurst, 1))))
	}
	a.relay = relay.NewServer(a.provider, rc, relayOpts...)

	a.health = health.New(
		health.WithChecker(
			health.Checker{Name: "upstream", Check: a.checkUpstream},
			health.Checker{Name: "capacity", Check: a.checkCapacity},
		),
		health.WithSummary(a.summary),
		health.WithRecentErrors(func() any { return a.errs.Recent() }),
	)

	a.server = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return a, nil
}

// RelayConfig converts the loaded configuration into per-session relay
// settings.
func RelayConfig(cfg *config.Config) (relay.Config, error) {
	capCfg, err := cfg.Capture.Pipeline()
	if err != nil {
		return relay.Config{}, err
	}
	return relay.Config{
		ProviderName:     cfg.Upstream.Name,
		Session:          cfg.Upstream.SessionConfig(),
		Capture:          capCfg,
		BargeIn:          cfg.BargeIn.Detector(),
		PlaybackCapacity: cfg.Playback.QueueCapacity,
		PlaybackFrame:    cfg.Playback.FrameSamples,
		UplinkQueue:      cfg.Relay.UplinkQueue,
		OutboundQueue:    cfg.Relay.OutboundQueue,
		InterruptLock:    cfg.Relay.InterruptLock,
		SlowConnect:      cfg.Relay.SlowConnect,
		ConnectTimeout:   cfg.Relay.ConnectTimeout,
	}, nil
}

// Handler returns the HTTP routes wrapped in the observability middleware.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /ws", a.relay)
	a.health.Register(mux)
	if a.metricsHandler != nil {
		mux.Handle("GET /metrics", a.metricsHandler)
	}
	return observe.Middleware(a.metrics)(mux)
}

// Relay returns the WebSocket relay.
func (a *App) Relay() *relay.Server { return a.relay }

// Config returns the configuration currently applied.
func (a *App) Config() *config.Config {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP until ctx is cancelled, then shuts down gracefully within
// server.shutdown_timeout.
func (a *App) Run(ctx context.Context) error {
	cfg := a.Config()
	ln, err := net.Listen("tcp", cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen: %w", err)
	}
	a.log.Info("listening", "addr", ln.Addr().String(), "tls", cfg.Server.TLS != nil)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if tls := cfg.Server.TLS; tls != nil {
			err = a.server.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = a.server.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	})
	if a.watcher != nil {
		g.Go(func() error { return a.watcher.Run(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
		defer cancel()
		return a.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// ─── Hot reload ──────────────────────────────────────────────────────────────

// ApplyConfig applies the hot-reloadable parts of next. Capture, barge-in and
// playback settings take effect for sessions started afterwards; sections
// that need a restart are logged and ignored.
func (a *App) ApplyConfig(next *config.Config, diff config.ConfigDiff) {
	if len(diff.RestartRequired) > 0 {
		a.log.Warn("config changes need a restart to take effect", "sections", diff.RestartRequired)
	}
	if !diff.HotReloadable() {
		return
	}

	a.mu.Lock()
	merged := *a.cfg
	merged.Server.LogLevel = next.Server.LogLevel
	merged.Capture = next.Capture
	merged.BargeIn = next.BargeIn
	merged.Playback = next.Playback
	a.mu.Unlock()

	rc, err := RelayConfig(&merged)
	if err != nil {
		a.log.Error("config reload rejected", "err", err)
		return
	}
	a.relay.SetConfig(rc)
	if diff.LogLevelChanged && a.level != nil {
		a.level.Set(SlogLevel(diff.NewLogLevel))
	}

	a.mu.Lock()
	a.cfg = &merged
	a.mu.Unlock()
	a.log.Info("config reloaded",
		"log_level", merged.Server.LogLevel,
		"capture", diff.CaptureChanged,
		"barge_in", diff.BargeInChanged,
		"playback", diff.PlaybackChanged,
	)
}

// SlogLevel maps a config log level to an slog level.
func SlogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ─── Health ──────────────────────────────────────────────────────────────────

func (a *App) checkUpstream(context.Context) error {
	if _, ok := a.provider.(unconfigured); ok {
		return errors.New("no upstream provider configured")
	}
	if a.breaker.State() == resilience.StateOpen {
		return resilience.ErrCircuitOpen
	}
	return nil
}

func (a *App) checkCapacity(context.Context) error {
	limit := a.Config().Relay.MaxSessions
	if n := a.sessions.Count(); limit > 0 && n >= limit {
		return fmt.Errorf("session limit reached (%d/%d)", n, limit)
	}
	return nil
}

func (a *App) summary() health.Summary {
	cfg := a.Config()
	_, missing := a.provider.(unconfigured)
	return health.Summary{
		ActiveSessions:     a.sessions.Count(),
		TotalErrors:        a.errs.Total(),
		UpstreamConfigured: !missing,
		Provider:           cfg.Upstream.Name,
		Model:              cfg.Upstream.Model,
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown marks the server as draining, ends all sessions, stops the HTTP
// server and runs the registered closers. It respects the context deadline:
// if ctx expires first, remaining closers are skipped and the context error
// is returned.
func (a *App) Shutdown(ctx context.Context) error {
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "sessions", a.sessions.Count())
		a.health.SetDraining()

		if err := a.sessions.Shutdown(ctx); err != nil {
			a.log.Warn("sessions did not finish in time", "err", err)
			a.stopErr = err
		}
		if err := a.server.Shutdown(ctx); err != nil {
			a.log.Warn("http shutdown error", "err", err)
			a.stopErr = errors.Join(a.stopErr, err)
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				a.log.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				a.stopErr = errors.Join(a.stopErr, ctx.Err())
				return
			default:
			}
			if err := closer(); err != nil {
				a.log.Warn("closer error", "index", i, "err", err)
			}
		}

		a.log.Info("shutdown complete")
	})
	return a.stopErr
}

// unconfigured is the provider used when no upstream is configured.
type unconfigured struct{}

var errUnconfigured = errors.New("app: no upstream provider configured")

func (unconfigured) Connect(context.Context, s2s.SessionConfig) (s2s.SessionHandle, error) {
	return nil, errUnconfigured
}

func (unconfigured) Capabilities() s2s.Capabilities { return s2s.Capabilities{} }

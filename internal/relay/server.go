// Package relay bridges browser voice clients to an upstream speech-to-speech
// model.
//
// A [Server] accepts one WebSocket per client on /ws, opens a matching
// upstream session through the configured [s2s.Provider] and runs a
// [Session] that wires the capture pipeline, barge-in detector, turn machine
// and playback queue between the two.
package relay

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/resilience"
	"github.com/MrWong99/parley/internal/session"
	"github.com/MrWong99/parley/pkg/provider/s2s"
)

// Option configures a [Server].
type Option func(*Server)

// WithLogger sets the base logger. Session loggers add session_id.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// WithMetrics sets the metric instruments. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithErrorTracker sets the tracker that receives connect and session errors.
func WithErrorTracker(t *observe.ErrorTracker) Option {
	return func(s *Server) { s.errs = t }
}

// WithBreaker guards upstream connects with cb.
func WithBreaker(cb *resilience.CircuitBreaker) Option {
	return func(s *Server) { s.breaker = cb }
}

// WithSessions sets the session registry used for limits and shutdown.
func WithSessions(m *session.Manager) Option {
	return func(s *Server) { s.sessions = m }
}

// WithOriginPatterns allows cross-origin upgrades from hosts matching the
// given patterns. See [websocket.AcceptOptions].
func WithOriginPatterns(patterns ...string) Option {
	return func(s *Server) { s.origins = patterns }
}

// WithConnectLimiter rejects upgrades with 429 Too Many Requests while l has
// no tokens left.
func WithConnectLimiter(l *rate.Limiter) Option {
	return func(s *Server) { s.limiter = l }
}

// Server is the /ws handler.
type Server struct {
	provider s2s.Provider
	cfg      atomic.Pointer[Config]

	breaker  *resilience.CircuitBreaker
	sessions *session.Manager
	metrics  *observe.Metrics
	errs     *observe.ErrorTracker
	origins  []string
	limiter  *rate.Limiter
	log      *slog.Logger

	live sync.Map // session id -> *Session
}

var _ http.Handler = (*Server)(nil)

// NewServer returns a Server relaying to provider.
func NewServer(provider s2s.Provider, cfg Config, opts ...Option) *Server {
	s := &Server{
		provider: provider,
		log:      slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	if s.errs == nil {
		s.errs = observe.NewErrorTracker(observe.DefaultErrorCapacity)
	}
	if s.sessions == nil {
		s.sessions = session.NewManager()
	}
	if s.breaker == nil {
		s.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "upstream"})
	}
	s.SetConfig(cfg)
	return s
}

// SetConfig replaces the configuration used for new sessions.
func (s *Server) SetConfig(cfg Config) {
	cfg = cfg.withDefaults()
	s.cfg.Store(&cfg)
}

// Config returns the configuration used for new sessions.
func (s *Server) Config() Config { return *s.cfg.Load() }

// Sessions returns the session registry.
func (s *Server) Sessions() *session.Manager { return s.sessions }

// Lookup returns the running session with the given id.
func (s *Server) Lookup(id string) (*Session, bool) {
	v, ok := s.live.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*Session), true
}

// Breaker returns the circuit breaker guarding upstream connects.
func (s *Server) Breaker() *resilience.CircuitBreaker { return s.breaker }

// ServeHTTP upgrades the request and runs one relay session until it ends.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	cfg := s.Config()

	if s.limiter != nil && !s.limiter.Allow() {
		s.log.Warn("relay: session rate limit exceeded", "remote", r.RemoteAddr)
		http.Error(w, "too many new sessions, retry later", http.StatusTooManyRequests)
		return
	}

	ctx, info, done, err := s.sessions.Start(r.Context(), r.RemoteAddr)
	if err != nil {
		s.log.Warn("relay: rejecting session", "remote", r.RemoteAddr, "err", err)
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	defer done()
	ctx = observe.WithSessionID(ctx, info.ID)
	log := s.log.With("session_id", info.ID)

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.origins})
	if err != nil {
		log.Warn("relay: websocket accept failed", "err", err)
		return
	}
	conn.SetReadLimit(DefaultReadLimit)
	log.Info("relay: client connected", "remote", info.RemoteAddr)

	handle, err := s.connect(ctx, cfg, log)
	if err != nil {
		s.errs.Record("upstream_connect", err.Error(), info.ID, map[string]any{"provider": cfg.ProviderName})
		msg := serverMessage{
			Type:    msgError,
			Message: "failed to connect upstream: " + err.Error(),
			Details: "Check server logs for more details.",
		}
		wctx, cancel := context.WithTimeout(ctx, cfg.WriteTimeout)
		if werr := conn.Write(wctx, websocket.MessageText, msg.encode()); werr != nil {
			log.Debug("relay: error notice not delivered", "err", werr)
		}
		cancel()
		conn.Close(websocket.StatusInternalError, "upstream unavailable")
		s.metrics.RecordSessionEnd(ctx, outcomeUpstreamError)
		return
	}

	sess := newSession(info.ID, cfg, conn, handle, s.metrics, s.errs, log)
	s.live.Store(info.ID, sess)
	defer s.live.Delete(info.ID)
	sess.out.sendControl(ctx, serverMessage{Type: msgSessionID, SessionID: info.ID})
	if err := sess.Run(ctx); err != nil {
		log.Warn("relay: session failed", "err", err)
	}
}

// connect opens the upstream session through the circuit breaker. The
// returned error is sent to the client verbatim.
func (s *Server) connect(ctx context.Context, cfg Config, log *slog.Logger) (s2s.SessionHandle, error) {
	ctx, span := observe.StartSpan(ctx, "relay.connect",
		trace.WithAttributes(attribute.String("parley.provider", cfg.ProviderName)))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	start := time.Now()
	slow := time.AfterFunc(cfg.SlowConnect, func() {
		log.Warn("relay: upstream handshake is slow", "provider", cfg.ProviderName, "elapsed", time.Since(start))
	})
	handle, err := resilience.Call(s.breaker, func() (s2s.SessionHandle, error) {
		return s.provider.Connect(ctx, cfg.Session)
	})
	slow.Stop()
	elapsed := time.Since(start)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "upstream connect failed")
		s.metrics.RecordUpstreamConnect(ctx, cfg.ProviderName, "error", elapsed.Seconds())
		kind := "connect"
		if errors.Is(err, resilience.ErrCircuitOpen) {
			kind = "circuit_open"
		}
		s.metrics.RecordUpstreamError(ctx, cfg.ProviderName, kind)
		log.Error("relay: upstream connect failed", "provider", cfg.ProviderName, "elapsed", elapsed, "err", err)
		return nil, err
	}
	s.metrics.RecordUpstreamConnect(ctx, cfg.ProviderName, "ok", elapsed.Seconds())
	log.Info("relay: upstream connected", "provider", cfg.ProviderName, "elapsed", elapsed)
	return handle, nil
}

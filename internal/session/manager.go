// Package session tracks the live voice sessions of the server so that they
// can be counted, capped and shut down together.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrLimitReached is returned by [Manager.Start] when the configured
	// maximum number of concurrent sessions is active.
	ErrLimitReached = errors.New("session: concurrent session limit reached")

	// ErrShuttingDown is returned by [Manager.Start] after [Manager.Shutdown]
	// and is the cancellation cause of every session cancelled by it.
	ErrShuttingDown = errors.New("session: server is shutting down")
)

// Info holds metadata about an active session.
type Info struct {
	// ID is the random UUID assigned by [Manager.Start].
	ID string

	// StartedAt is when the session was registered.
	StartedAt time.Time

	// RemoteAddr is the client address, for logs.
	RemoteAddr string
}

type entry struct {
	info   Info
	cancel context.CancelCauseFunc
}

// Manager tracks active sessions. All exported methods are safe for
// concurrent use.
type Manager struct {
	max int
	now func() time.Time

	mu       sync.Mutex
	sessions map[string]*entry
	closing  bool
	wg       sync.WaitGroup
}

// Option configures a [Manager].
type Option func(*Manager)

// WithMaxSessions caps the number of concurrent sessions. Zero means
// unlimited.
func WithMaxSessions(n int) Option {
	return func(m *Manager) { m.max = n }
}

// NewManager returns an empty Manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		now:      time.Now,
		sessions: make(map[string]*entry),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Start registers a new session and returns its context, metadata and a done
// function. The context is cancelled with [ErrShuttingDown] on shutdown, or
// with [context.Canceled] when done is called. done must be called exactly
// once when the session has fully torn down.
func (m *Manager) Start(parent context.Context, remoteAddr string) (context.Context, Info, func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closing {
		return nil, Info{}, nil, ErrShuttingDown
	}
	if m.max > 0 && len(m.sessions) >= m.max {
		return nil, Info{}, nil, fmt.Errorf("%w (%d)", ErrLimitReached, m.max)
	}

	info := Info{ID: uuid.NewString(), StartedAt: m.now().UTC(), RemoteAddr: remoteAddr}
	ctx, cancel := context.WithCancelCause(parent)
	m.sessions[info.ID] = &entry{info: info, cancel: cancel}
	m.wg.Add(1)

	var once sync.Once
	done := func() {
		once.Do(func() {
			cancel(context.Canceled)
			m.mu.Lock()
			delete(m.sessions, info.ID)
			m.mu.Unlock()
			m.wg.Done()
		})
	}
	return ctx, info, done, nil
}

// Count returns the number of active sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// List returns the metadata of all active sessions.
func (m *Manager) List() []Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Info, 0, len(m.sessions))
	for _, e := range m.sessions {
		out = append(out, e.info)
	}
	return out
}

// Shutdown refuses new sessions, cancels every active one with
// [ErrShuttingDown] and waits until all have called done or ctx expires.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closing = true
	n := len(m.sessions)
	for _, e := range m.sessions {
		e.cancel(ErrShuttingDown)
	}
	m.mu.Unlock()

	if n > 0 {
		slog.Info("session: cancelling active sessions", "count", n)
	}

	waited := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("session: shutdown: %d sessions still active: %w", m.Count(), ctx.Err())
	}
}

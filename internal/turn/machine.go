package turn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

var (
	// ErrNotAllowed is returned for a transition absent from the table.
	ErrNotAllowed = errors.New("turn: transition not allowed")

	// ErrLocked is returned while another holder's lock is active.
	ErrLocked = errors.New("turn: state is locked")

	// ErrStopped is returned once the machine's writer has exited.
	ErrStopped = errors.New("turn: machine stopped")

	// ErrInvalidLease is returned when releasing or using a lease that is not
	// the active one.
	ErrInvalidLease = errors.New("turn: invalid lease")
)

// changeBuffer is the capacity of the [Machine.Changes] channel.
const changeBuffer = 32

// Change describes one applied transition.
type Change struct {
	From    State
	To      State
	Trigger Trigger
	At      time.Time
}

// Lease identifies the holder of a lock taken with [Machine.Lock].
type Lease struct {
	id      uint64
	Expires time.Time
}

// Option configures a [Machine].
type Option func(*Machine)

// WithClock replaces time.Now. Tests use it to control lock expiry.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

// WithLogger sets the logger used for rejected transitions.
func WithLogger(l *slog.Logger) Option {
	return func(m *Machine) { m.log = l }
}

// WithRejectHook registers fn to observe every rejected transition. It is
// called from the writer goroutine and must not block.
func WithRejectHook(fn func(from, to State, trigger Trigger, err error)) Option {
	return func(m *Machine) { m.onReject = fn }
}

type requestKind int

const (
	reqTransition requestKind = iota
	reqLock
	reqRelease
)

type request struct {
	kind    requestKind
	to      State
	trigger Trigger
	lease   uint64
	d       time.Duration
	reply   chan response
}

type response struct {
	err   error
	lease Lease
}

// Machine serialises state transitions through a single writer goroutine.
// Start the writer with [Machine.Run]; all other methods are safe for
// concurrent use and block until the writer has applied the request.
type Machine struct {
	now      func() time.Time
	log      *slog.Logger
	onReject func(from, to State, trigger Trigger, err error)

	state   atomic.Int32
	reqs    chan request
	changes chan Change
	done    chan struct{}
	started atomic.Bool

	// Owned by the writer goroutine.
	lockID    uint64
	lockUntil time.Time
	nextLease uint64
}

// New returns a Machine in the Idle state.
func New(opts ...Option) *Machine {
	m := &Machine{
		now:     time.Now,
		log:     slog.Default(),
		reqs:    make(chan request),
		changes: make(chan Change, changeBuffer),
		done:    make(chan struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Run is the writer loop. It returns nil when ctx is cancelled; afterwards
// every request fails with [ErrStopped]. Run must be called exactly once.
func (m *Machine) Run(ctx context.Context) error {
	if !m.started.CompareAndSwap(false, true) {
		return errors.New("turn: machine already running")
	}
	defer close(m.done)
	for {
		select {
		case <-ctx.Done():
			return nil
		case req := <-m.reqs:
			req.reply <- m.apply(req)
		}
	}
}

// State returns a snapshot of the current state.
func (m *Machine) State() State { return State(m.state.Load()) }

// Changes delivers applied transitions. Notifications are dropped when the
// buffer is full; the writer never blocks on observers.
func (m *Machine) Changes() <-chan Change { return m.changes }

// Transition requests a move to state to. It fails with [ErrNotAllowed] for
// pairs outside the table and with [ErrLocked] while a lock is held; in both
// cases the state is unchanged.
func (m *Machine) Transition(ctx context.Context, to State, trigger Trigger) error {
	res, err := m.send(ctx, request{kind: reqTransition, to: to, trigger: trigger})
	if err != nil {
		return err
	}
	return res.err
}

// TransitionWith is [Machine.Transition] on behalf of the lock holder. It is
// accepted while lease is the active lock.
func (m *Machine) TransitionWith(ctx context.Context, lease Lease, to State, trigger Trigger) error {
	res, err := m.send(ctx, request{kind: reqTransition, to: to, trigger: trigger, lease: lease.id})
	if err != nil {
		return err
	}
	return res.err
}

// Lock rejects all transitions except the holder's for d. It fails with
// [ErrLocked] if another lock is still active.
func (m *Machine) Lock(ctx context.Context, d time.Duration) (Lease, error) {
	res, err := m.send(ctx, request{kind: reqLock, d: d})
	if err != nil {
		return Lease{}, err
	}
	return res.lease, res.err
}

// Release ends the lock early. Releasing an expired or foreign lease returns
// [ErrInvalidLease].
func (m *Machine) Release(ctx context.Context, lease Lease) error {
	res, err := m.send(ctx, request{kind: reqRelease, lease: lease.id})
	if err != nil {
		return err
	}
	return res.err
}

func (m *Machine) send(ctx context.Context, req request) (response, error) {
	req.reply = make(chan response, 1)
	select {
	case m.reqs <- req:
	case <-m.done:
		return response{}, ErrStopped
	case <-ctx.Done():
		return response{}, ctx.Err()
	}
	// The writer always replies once it has taken the request.
	return <-req.reply, nil
}

// apply runs on the writer goroutine.
func (m *Machine) apply(req request) response {
	now := m.now()
	locked := m.lockID != 0 && now.Before(m.lockUntil)
	if m.lockID != 0 && !locked {
		m.lockID = 0
	}

	switch req.kind {
	case reqLock:
		if locked {
			return response{err: ErrLocked}
		}
		m.nextLease++
		m.lockID = m.nextLease
		m.lockUntil = now.Add(req.d)
		return response{lease: Lease{id: m.lockID, Expires: m.lockUntil}}

	case reqRelease:
		if !locked || req.lease != m.lockID {
			return response{err: ErrInvalidLease}
		}
		m.lockID = 0
		return response{}
	}

	from := m.State()
	if locked && req.lease != m.lockID {
		return m.reject(from, req, ErrLocked)
	}
	if req.lease != 0 && req.lease != m.lockID {
		return m.reject(from, req, ErrInvalidLease)
	}
	if !Allowed(from, req.to) {
		return m.reject(from, req, ErrNotAllowed)
	}

	m.state.Store(int32(req.to))
	ch := Change{From: from, To: req.to, Trigger: req.trigger, At: now}
	m.log.Debug("turn: state changed", "from", from, "to", req.to, "trigger", req.trigger)
	select {
	case m.changes <- ch:
	default:
		m.log.Debug("turn: change notification dropped", "from", from, "to", req.to)
	}
	return response{}
}

func (m *Machine) reject(from State, req request, err error) response {
	m.log.Warn("turn: transition rejected",
		"from", from, "to", req.to, "trigger", req.trigger, "err", err)
	if m.onReject != nil {
		m.onReject(from, req.to, req.trigger, err)
	}
	return response{err: fmt.Errorf("%w: %s -> %s (%s)", err, from, req.to, req.trigger)}
}

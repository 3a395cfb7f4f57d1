package turn

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// startMachine runs a Machine until the test ends.
func startMachine(t *testing.T, opts ...Option) *Machine {
	t.Helper()
	m := New(opts...)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = m.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return m
}

// moveTo drives m from Idle to target along a valid path.
func moveTo(t *testing.T, m *Machine, target State) {
	t.Helper()
	paths := map[State][]State{
		Idle:         nil,
		Listening:    {Listening},
		Processing:   {Listening, Processing},
		AiSpeaking:   {Listening, AiSpeaking},
		Interrupting: {Listening, AiSpeaking, Interrupting},
	}
	for _, s := range paths[target] {
		if err := m.Transition(context.Background(), s, "test"); err != nil {
			t.Fatalf("moveTo %s: transition to %s: %v", target, s, err)
		}
	}
}

func TestAllowed_Table(t *testing.T) {
	t.Parallel()
	want := map[[2]State]bool{
		{Idle, Listening}:          true,
		{Listening, Processing}:    true,
		{Listening, Idle}:          true,
		{Listening, AiSpeaking}:    true,
		{Processing, AiSpeaking}:   true,
		{Processing, Listening}:    true,
		{Processing, Idle}:         true,
		{AiSpeaking, Listening}:    true,
		{AiSpeaking, Interrupting}: true,
		{AiSpeaking, Idle}:         true,
		{Interrupting, Listening}:  true,
		{Interrupting, Idle}:       true,
	}
	for _, from := range States {
		for _, to := range States {
			if got := Allowed(from, to); got != want[[2]State{from, to}] {
				t.Errorf("Allowed(%s, %s) = %v", from, to, got)
			}
		}
	}
	if Allowed(State(42), Idle) {
		t.Error("unknown state allowed")
	}
}

func TestTransition_RejectsEveryPairOutsideTable(t *testing.T) {
	t.Parallel()
	for _, from := range States {
		for _, to := range States {
			if Allowed(from, to) {
				continue
			}
			t.Run(from.String()+"->"+to.String(), func(t *testing.T) {
				t.Parallel()
				var rejected int
				m := startMachine(t, WithRejectHook(func(State, State, Trigger, error) { rejected++ }))
				moveTo(t, m, from)

				err := m.Transition(context.Background(), to, "test")
				if !errors.Is(err, ErrNotAllowed) {
					t.Fatalf("err = %v, want ErrNotAllowed", err)
				}
				if m.State() != from {
					t.Errorf("state = %s, want unchanged %s", m.State(), from)
				}
				if rejected != 1 {
					t.Errorf("reject hook called %d times", rejected)
				}
			})
		}
	}
}

func TestTransition_AppliesAndNotifies(t *testing.T) {
	t.Parallel()
	m := startMachine(t)
	ctx := context.Background()

	if err := m.Transition(ctx, Listening, TriggerSessionStart); err != nil {
		t.Fatal(err)
	}
	if m.State() != Listening {
		t.Fatalf("state = %s", m.State())
	}
	select {
	case ch := <-m.Changes():
		if ch.From != Idle || ch.To != Listening || ch.Trigger != TriggerSessionStart {
			t.Errorf("change = %+v", ch)
		}
	case <-time.After(time.Second):
		t.Fatal("no change notification")
	}
}

func TestLock_RejectsUntilExpiry(t *testing.T) {
	t.Parallel()
	clk := &fakeClock{now: time.Unix(0, 0)}
	m := startMachine(t, WithClock(clk.Now))
	ctx := context.Background()
	moveTo(t, m, AiSpeaking)

	lease, err := m.Lock(ctx, 200*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Transition(ctx, Listening, TriggerTurnComplete); !errors.Is(err, ErrLocked) {
		t.Fatalf("err = %v, want ErrLocked", err)
	}
	if _, err := m.Lock(ctx, time.Second); !errors.Is(err, ErrLocked) {
		t.Errorf("second Lock err = %v, want ErrLocked", err)
	}
	if m.State() != AiSpeaking {
		t.Fatalf("state changed while locked: %s", m.State())
	}

	clk.Advance(250 * time.Millisecond)
	if err := m.Transition(ctx, Listening, TriggerTurnComplete); err != nil {
		t.Fatalf("transition after expiry: %v", err)
	}
	if err := m.Release(ctx, lease); !errors.Is(err, ErrInvalidLease) {
		t.Errorf("Release of expired lease err = %v, want ErrInvalidLease", err)
	}
}

func TestLock_HolderCanTransition(t *testing.T) {
	t.Parallel()
	m := startMachine(t)
	ctx := context.Background()
	moveTo(t, m, AiSpeaking)

	lease, err := m.Lock(ctx, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.TransitionWith(ctx, lease, Interrupting, TriggerBargeIn); err != nil {
		t.Fatalf("holder transition: %v", err)
	}
	if err := m.TransitionWith(ctx, lease, Listening, TriggerInterruptCompleted); err != nil {
		t.Fatalf("holder transition: %v", err)
	}
	if err := m.TransitionWith(ctx, lease, Interrupting, "test"); !errors.Is(err, ErrNotAllowed) {
		t.Errorf("holder bypassed table: %v", err)
	}
	if err := m.Release(ctx, lease); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := m.Transition(ctx, Processing, TriggerSilence); err != nil {
		t.Errorf("transition after release: %v", err)
	}
	if err := m.TransitionWith(ctx, lease, Listening, "test"); !errors.Is(err, ErrInvalidLease) {
		t.Errorf("released lease err = %v, want ErrInvalidLease", err)
	}
}

func TestTransition_ConcurrentRequestsSerialised(t *testing.T) {
	t.Parallel()
	m := startMachine(t)
	ctx := context.Background()
	moveTo(t, m, AiSpeaking)

	// Many racers all try AiSpeaking -> Listening; exactly one may win.
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for range 50 {
		wg.Go(func() {
			if err := m.Transition(ctx, Listening, TriggerTurnComplete); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		})
	}
	wg.Wait()
	if wins != 1 {
		t.Errorf("%d transitions applied, want exactly 1", wins)
	}
	if m.State() != Listening {
		t.Errorf("state = %s", m.State())
	}
}

func TestMachine_StoppedRejects(t *testing.T) {
	t.Parallel()
	m := New()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = m.Run(ctx)
		close(done)
	}()
	cancel()
	<-done

	if err := m.Transition(context.Background(), Listening, "test"); !errors.Is(err, ErrStopped) {
		t.Errorf("err = %v, want ErrStopped", err)
	}
}

func TestSessionEnd_FromAnyState(t *testing.T) {
	t.Parallel()
	for _, s := range States[1:] {
		m := startMachine(t)
		moveTo(t, m, s)
		if err := m.Transition(context.Background(), Idle, TriggerSessionEnd); err != nil {
			t.Errorf("%s -> idle: %v", s, err)
		}
	}
}

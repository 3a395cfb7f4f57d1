package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/session"
	"github.com/MrWong99/parley/internal/turn"
	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/audio/bargein"
	"github.com/MrWong99/parley/pkg/audio/capture"
	"github.com/MrWong99/parley/pkg/audio/playback"
	"github.com/MrWong99/parley/pkg/provider/s2s"
)

// Session outcomes recorded on [observe.Metrics.Sessions].
const (
	outcomeOK              = "ok"
	outcomeClientClosed    = "client_closed"
	outcomeUpstreamError   = "upstream_error"
	outcomeDownstreamError = "downstream_error"
	outcomeShutdown        = "shutdown"
)

// Interrupt sources.
const (
	sourceBargeIn  = "barge_in"
	sourceClient   = "client"
	sourceUpstream = "upstream"
)

var (
	errClientClosed   = errors.New("relay: client closed the connection")
	errUpstreamClosed = errors.New("relay: upstream session ended")
)

// ending describes how a session terminates. The first recorded ending wins.
type ending struct {
	outcome string
	status  websocket.StatusCode
	reason  string
	notice  *serverMessage
}

// Session relays one client connection to one upstream session. It owns the
// capture pipeline, barge-in detector, turn machine and playback queue for
// that connection.
type Session struct {
	id      string
	cfg     Config
	log     *slog.Logger
	metrics *observe.Metrics
	errs    *observe.ErrorTracker
	conn    *websocket.Conn
	handle  s2s.SessionHandle

	pipeline *capture.Pipeline
	detector *bargein.Detector
	machine  *turn.Machine
	queue    *playback.Queue
	framer   *audio.Framer
	out      *outbound

	captureIn     chan audio.Frame
	captureOut    chan capture.Output
	captureEvents chan capture.Event
	uplink        chan []byte
	clientMsgs    chan clientMessage
	upstream      chan s2s.Event

	// mctx scopes requests to the turn machine. It stays valid until Run has
	// moved the machine back to Idle.
	mctx context.Context

	// Turn bookkeeping, owned by the control loop.
	speakingTurn    uint64
	lastEndedTurn   uint64
	interruptedTurn uint64
	// pendingTurn is a completed turn whose audio is still playing. Zero
	// means none; turns are numbered from 1.
	pendingTurn uint64
	turnEndedAt time.Time

	endMu sync.Mutex
	end   *ending

	teardownOnce sync.Once
}

func newSession(id string, cfg Config, conn *websocket.Conn, handle s2s.SessionHandle, metrics *observe.Metrics, errs *observe.ErrorTracker, log *slog.Logger) *Session {
	s := &Session{
		id:            id,
		cfg:           cfg,
		log:           log,
		metrics:       metrics,
		errs:          errs,
		conn:          conn,
		handle:        handle,
		detector:      bargein.New(cfg.BargeIn),
		captureIn:     make(chan audio.Frame, cfg.UplinkQueue),
		captureOut:    make(chan capture.Output, cfg.UplinkQueue),
		captureEvents: make(chan capture.Event, 8),
		uplink:        make(chan []byte, cfg.UplinkQueue),
		clientMsgs:    make(chan clientMessage, 8),
		upstream:      make(chan s2s.Event, cfg.OutboundQueue),
	}
	s.pipeline = capture.New(cfg.Capture,
		capture.WithLogger(log),
		capture.WithDropHook(func(error) {
			metrics.RecordDroppedFrame(context.Background(), "dsp")
		}),
	)
	pc := s.pipeline.Config()
	s.framer = audio.NewFramer(pc.FrameSize, pc.SampleRate, audio.WithFramerLogger(log))
	s.machine = turn.New(
		turn.WithLogger(log),
		turn.WithRejectHook(func(from, to turn.State, _ turn.Trigger, _ error) {
			metrics.RecordRejectedTransition(context.Background(), from.String(), to.String())
		}),
	)
	s.queue = playback.New(s.play,
		playback.WithLogger(log),
		playback.WithQueueCapacity(cfg.PlaybackCapacity),
	)
	s.out = &outbound{
		conn:         conn,
		writeTimeout: cfg.WriteTimeout,
		control:      make(chan []byte, DefaultControlQueue),
		audio:        make(chan outboundFrame, cfg.OutboundQueue),
		epoch:        s.queue.Epoch,
		onStale: func() {
			metrics.RecordDroppedFrame(context.Background(), "stale_epoch")
		},
	}
	return s
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// State returns the current conversation state.
func (s *Session) State() turn.State { return s.machine.State() }

// PlaybackLen returns the number of reply frames waiting to be played.
func (s *Session) PlaybackLen() int { return s.queue.Len() }

// Run relays until the client leaves, the upstream fails or ctx is
// cancelled, and tears everything down before returning. A client closing
// the connection normally is not an error.
func (s *Session) Run(ctx context.Context) error {
	base := context.WithoutCancel(ctx)
	s.out.base = base

	mctx, stopMachine := context.WithCancel(base)
	s.mctx = mctx
	var mwg sync.WaitGroup
	mwg.Go(func() {
		if err := s.machine.Run(mctx); err != nil {
			s.log.Error("relay: turn machine", "err", err)
		}
	})
	defer func() {
		tctx, cancel := context.WithTimeout(mctx, time.Second)
		if err := s.machine.Transition(tctx, turn.Idle, turn.TriggerSessionEnd); err != nil {
			s.log.Debug("relay: final transition", "err", err)
		}
		cancel()
		stopMachine()
		mwg.Wait()
	}()

	s.metrics.ActiveSessions.Add(base, 1)

	g, gctx := errgroup.WithContext(ctx)
	if err := s.pipeline.Start(gctx, s.captureIn, s.captureOut, s.captureEvents); err != nil {
		s.setEnding(ending{outcome: outcomeDownstreamError, status: websocket.StatusInternalError, reason: "capture unavailable"})
		s.teardown(ctx)
		return fmt.Errorf("relay: start capture: %w", err)
	}

	g.Go(func() error { return s.readDownstream(gctx, base) })
	g.Go(func() error { return s.consumeCapture(gctx) })
	g.Go(func() error { return s.forwardUplink(gctx) })
	g.Go(func() error { return s.readUpstream(gctx) })
	g.Go(func() error {
		if err := s.out.run(gctx); err != nil {
			s.setEnding(ending{outcome: outcomeDownstreamError, status: websocket.StatusInternalError, reason: "write failed"})
			return err
		}
		return nil
	})
	g.Go(func() error { return s.controlLoop(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		s.teardown(ctx)
		return nil
	})

	err := g.Wait()
	if errors.Is(err, errClientClosed) {
		return nil
	}
	return err
}

// setEnding records e unless an ending is already set.
func (s *Session) setEnding(e ending) {
	s.endMu.Lock()
	defer s.endMu.Unlock()
	if s.end == nil {
		s.end = &e
	}
}

func (s *Session) ending(ctx context.Context) ending {
	s.endMu.Lock()
	defer s.endMu.Unlock()
	if s.end != nil {
		return *s.end
	}
	if errors.Is(context.Cause(ctx), session.ErrShuttingDown) {
		return ending{
			outcome: outcomeShutdown,
			status:  websocket.StatusGoingAway,
			reason:  "server shutting down",
			notice:  &serverMessage{Type: msgError, Message: "server shutting down"},
		}
	}
	return ending{outcome: outcomeOK, status: websocket.StatusNormalClosure}
}

// teardown releases every resource of the session exactly once.
func (s *Session) teardown(ctx context.Context) {
	s.teardownOnce.Do(func() {
		end := s.ending(ctx)
		base := context.WithoutCancel(ctx)

		s.queue.Flush()
		if err := s.queue.Close(); err != nil {
			s.log.Warn("relay: close playback", "err", err)
		}
		s.pipeline.Stop()
		if err := s.handle.Close(); err != nil {
			s.log.Warn("relay: close upstream", "err", err)
		}
		if end.notice != nil {
			wctx, cancel := context.WithTimeout(base, 2*time.Second)
			if err := s.conn.Write(wctx, websocket.MessageText, end.notice.encode()); err != nil {
				s.log.Debug("relay: final notice not delivered", "err", err)
			}
			cancel()
		}
		if err := s.conn.Close(end.status, end.reason); err != nil {
			s.log.Debug("relay: close downstream", "err", err)
		}

		s.metrics.ActiveSessions.Add(base, -1)
		s.metrics.RecordSessionEnd(base, end.outcome)
		s.log.Info("relay: session ended", "outcome", end.outcome)
	})
}

// ── Goroutines ───────────────────────────────────────────────────────────────

// readDownstream reads client messages. It reads with a context that the
// session group does not cancel; teardown closing the connection ends it.
func (s *Session) readDownstream(ctx, readCtx context.Context) error {
	for {
		typ, data, err := s.conn.Read(readCtx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				s.setEnding(ending{outcome: outcomeClientClosed, status: websocket.StatusNormalClosure})
				return errClientClosed
			}
			s.setEnding(ending{outcome: outcomeDownstreamError, status: websocket.StatusInternalError, reason: "read failed"})
			return fmt.Errorf("relay: read downstream: %w", err)
		}

		switch typ {
		case websocket.MessageBinary:
			for _, f := range s.framer.Push(data) {
				if pushDropOldest(s.captureIn, f) {
					s.metrics.RecordDroppedFrame(ctx, "capture_backpressure")
				}
			}
		case websocket.MessageText:
			msg, err := parseClientMessage(data)
			if err != nil {
				s.log.Warn("relay: ignoring malformed control message", "err", err)
				continue
			}
			select {
			case s.clientMsgs <- msg:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// consumeCapture feeds capture energy to the barge-in detector and queues the
// processed audio for the upstream.
func (s *Session) consumeCapture(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case out := <-s.captureOut:
			if s.detector.Observe(out.Level, time.Now()) {
				s.metrics.BargeIns.Add(ctx, 1)
			}
			if pushDropOldest(s.uplink, out.PCM) {
				s.metrics.RecordDroppedFrame(ctx, "uplink_backpressure")
			}
		}
	}
}

func (s *Session) forwardUplink(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case pcm := <-s.uplink:
			if err := s.handle.SendAudio(pcm); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				s.upstreamLost(ctx, err)
				return fmt.Errorf("relay: send audio: %w", err)
			}
		}
	}
}

func (s *Session) readUpstream(ctx context.Context) error {
	events := s.handle.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				err := s.handle.Err()
				if err == nil {
					err = errUpstreamClosed
				}
				s.upstreamLost(ctx, err)
				return err
			}
			if ev.Type == s2s.EventTranscript {
				s.log.Info("relay: transcript", "role", ev.Role, "turn", ev.Turn, "text", ev.Text)
				continue
			}
			select {
			case s.upstream <- ev:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

func (s *Session) upstreamLost(ctx context.Context, err error) {
	s.log.Error("relay: upstream connection lost", "err", err)
	s.metrics.RecordUpstreamError(ctx, s.cfg.ProviderName, "session")
	s.errs.Record("upstream_error", "upstream connection lost", s.id, map[string]any{
		"provider": s.cfg.ProviderName,
		"error":    err.Error(),
	})
	s.setEnding(ending{
		outcome: outcomeUpstreamError,
		status:  websocket.StatusInternalError,
		reason:  "upstream connection lost",
		notice: &serverMessage{
			Type:    msgError,
			Message: "upstream connection lost",
			Details: err.Error(),
		},
	})
}

// play is the playback sink. It hands the frame to the outbound writer and
// holds the queue for the frame's duration so playback runs in real time.
func (s *Session) play(ctx context.Context, it playback.Item) error {
	if pushDropOldest(s.out.audio, outboundFrame{epoch: it.Epoch, pcm: it.Frame.PCM()}) {
		s.metrics.RecordDroppedFrame(ctx, "outbound_backpressure")
	}
	t := time.NewTimer(it.Frame.Duration())
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// ── Control loop ─────────────────────────────────────────────────────────────

// controlLoop is the only goroutine that drives the turn machine and the
// turn bookkeeping.
func (s *Session) controlLoop(ctx context.Context) error {
	if err := s.machine.Transition(s.mctx, turn.Listening, turn.TriggerSessionStart); err != nil {
		return fmt.Errorf("relay: start listening: %w", err)
	}
	span := trace.SpanFromContext(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-s.clientMsgs:
			s.handleClient(ctx, msg)
		case <-s.detector.Events():
			if s.machine.State() == turn.AiSpeaking {
				s.interrupt(ctx, sourceBargeIn, 0)
			}
		case ev := <-s.upstream:
			s.handleUpstream(ctx, ev)
		case <-s.queue.Drained():
			if s.pendingTurn != 0 && s.pendingTurn == s.speakingTurn && s.queue.IsEmpty() {
				s.completeTurn(ctx)
			}
		case ev := <-s.captureEvents:
			s.handleCapture(ctx, ev)
		case ch := <-s.machine.Changes():
			span.AddEvent("turn.state", trace.WithAttributes(
				attribute.String("from", ch.From.String()),
				attribute.String("to", ch.To.String()),
				attribute.String("trigger", string(ch.Trigger)),
			))
		}
	}
}

func (s *Session) transition(to turn.State, trigger turn.Trigger) bool {
	// Rejections are logged and counted by the machine.
	return s.machine.Transition(s.mctx, to, trigger) == nil
}

func (s *Session) handleClient(ctx context.Context, msg clientMessage) {
	switch msg.Type {
	case msgInterrupt:
		s.interrupt(ctx, sourceClient, 0)
	case msgEndOfTurn:
		if err := s.handle.EndTurn(); err != nil {
			s.log.Warn("relay: end turn", "err", err)
		}
		if s.machine.State() == turn.Listening {
			s.transition(turn.Processing, turn.TriggerEndOfTurn)
		}
		s.turnEndedAt = time.Now()
		s.out.sendControl(ctx, serverMessage{Type: msgTurnEnded})
	case msgPing:
		s.out.sendControl(ctx, serverMessage{Type: msgPong})
	default:
		s.log.Debug("relay: ignoring control message", "type", msg.Type)
	}
}

func (s *Session) handleCapture(ctx context.Context, ev capture.Event) {
	switch ev.Type {
	case capture.EventCalibrated:
		s.log.Info("relay: capture calibrated", "at", ev.At)
	case capture.EventSpeechStarted:
		s.log.Debug("relay: speech started", "at", ev.At)
		s.out.sendControl(ctx, serverMessage{Type: msgSpeechStarted})
	case capture.EventSilenceDetected:
		if s.machine.State() != turn.Listening {
			return
		}
		if s.cfg.Session.TurnDetection.Mode == s2s.TurnDetectionManual {
			if err := s.handle.EndTurn(); err != nil {
				s.log.Warn("relay: end turn", "err", err)
			}
		}
		s.transition(turn.Processing, turn.TriggerSilence)
		s.turnEndedAt = time.Now()
	}
}

func (s *Session) handleUpstream(ctx context.Context, ev s2s.Event) {
	switch ev.Type {
	case s2s.EventAudio:
		s.handleAudio(ctx, ev)
	case s2s.EventTurnComplete:
		if ev.Turn > s.lastEndedTurn {
			s.lastEndedTurn = ev.Turn
		}
		if ev.Turn <= s.interruptedTurn {
			s.log.Debug("relay: ignoring completion of interrupted turn", "turn", ev.Turn)
			return
		}
		if s.queue.IsEmpty() {
			s.completeTurn(ctx)
		} else {
			s.pendingTurn = ev.Turn
		}
	case s2s.EventInterrupted:
		if ev.Turn > s.lastEndedTurn {
			s.lastEndedTurn = ev.Turn
		}
		if ev.Turn <= s.interruptedTurn {
			return
		}
		s.interrupt(ctx, sourceUpstream, ev.Turn)
	}
}

func (s *Session) handleAudio(ctx context.Context, ev s2s.Event) {
	if ev.Turn <= s.interruptedTurn {
		s.metrics.RecordDroppedFrame(ctx, "interrupted_turn")
		return
	}
	if ev.Turn != s.speakingTurn {
		if s.pendingTurn != 0 && s.pendingTurn < ev.Turn {
			// The next reply is queued behind the completed one, so the
			// floor never returns to the user in between.
			s.log.Debug("relay: superseded turn completion", "turn", s.pendingTurn, "next", ev.Turn)
			s.pendingTurn = 0
		}
		s.speakingTurn = ev.Turn
		s.startSpeaking(ctx)
	}

	rate := s.cfg.Session.Output.SampleRate
	if rate <= 0 {
		rate = audio.PlaybackRate
	}
	step := s.cfg.PlaybackFrame * 2
	for pcm := ev.Audio; len(pcm) > 0; {
		n := min(step, len(pcm))
		frame, err := audio.DecodeFrame(pcm[:n], rate)
		if err != nil {
			s.log.Warn("relay: dropping upstream audio", "turn", ev.Turn, "err", err)
			return
		}
		if _, err := s.queue.Enqueue(frame); err != nil {
			return
		}
		pcm = pcm[n:]
	}
}

// startSpeaking moves to AiSpeaking for the first audio of a new turn.
func (s *Session) startSpeaking(ctx context.Context) {
	switch s.machine.State() {
	case turn.Listening, turn.Processing:
		if !s.transition(turn.AiSpeaking, turn.TriggerUpstreamAudio) {
			return
		}
	case turn.AiSpeaking:
	default:
		return
	}
	now := time.Now()
	s.detector.Arm(now)
	if !s.turnEndedAt.IsZero() {
		s.metrics.ResponseLatency.Record(ctx, now.Sub(s.turnEndedAt).Seconds())
		s.turnEndedAt = time.Time{}
	}
}

func (s *Session) completeTurn(ctx context.Context) {
	s.pendingTurn = 0
	s.detector.Disarm()
	switch s.machine.State() {
	case turn.AiSpeaking, turn.Processing:
		s.transition(turn.Listening, turn.TriggerTurnComplete)
	}
	s.out.sendControl(ctx, serverMessage{Type: msgTurnComplete})
}

// ── Interrupt ────────────────────────────────────────────────────────────────

func interruptTrigger(source string) turn.Trigger {
	switch source {
	case sourceBargeIn:
		return turn.TriggerBargeIn
	case sourceUpstream:
		return turn.TriggerUpstreamInterrupt
	default:
		return turn.TriggerClientInterrupt
	}
}

// interrupt is the single routine behind barge-in, client and upstream
// interrupts. upstreamTurn is the turn named by an upstream interrupt.
func (s *Session) interrupt(ctx context.Context, source string, upstreamTurn uint64) {
	s.metrics.RecordInterrupt(ctx, source)
	if source == sourceUpstream && upstreamTurn > s.interruptedTurn {
		s.interruptedTurn = upstreamTurn
	}
	trigger := interruptTrigger(source)

	state := s.machine.State()
	switch state {
	case turn.AiSpeaking:
		lease, err := s.machine.Lock(s.mctx, s.cfg.InterruptLock)
		if err != nil {
			s.log.Warn("relay: interrupt lock", "err", err)
			return
		}
		defer func() {
			if err := s.machine.Release(s.mctx, lease); err != nil {
				s.log.Warn("relay: interrupt lock expired before release", "err", err)
			}
		}()
		if err := s.machine.TransitionWith(s.mctx, lease, turn.Interrupting, trigger); err != nil {
			return
		}
		if s.speakingTurn > s.interruptedTurn {
			s.interruptedTurn = s.speakingTurn
		}
		s.cancelResponse(ctx, source)
		if err := s.machine.TransitionWith(s.mctx, lease, turn.Listening, turn.TriggerInterruptCompleted); err != nil {
			s.log.Warn("relay: finish interrupt", "err", err)
		}

	case turn.Processing:
		// No audio of the pending reply has arrived, so no turn is marked.
		s.cancelResponse(ctx, source)
		s.transition(turn.Listening, trigger)

	default:
		// Nothing plays locally, but the upstream may already be generating.
		if source != sourceUpstream {
			if err := s.handle.Interrupt(); err != nil {
				s.log.Warn("relay: upstream interrupt", "err", err)
			}
		}
		s.out.sendControl(ctx, serverMessage{Type: msgInterrupted})
		return
	}
	s.log.Info("relay: interrupted", "source", source, "turn", s.interruptedTurn, "from", state)
}

// cancelResponse flushes local playback, stops the upstream response and
// acknowledges the interrupt.
func (s *Session) cancelResponse(ctx context.Context, source string) {
	dropped := s.queue.Flush()
	s.metrics.PlaybackFlushes.Add(ctx, 1)
	discard(s.out.audio)
	s.pendingTurn = 0
	s.detector.Disarm()
	s.log.Debug("relay: playback flushed", "dropped", dropped)

	if source != sourceUpstream {
		if err := s.handle.Interrupt(); err != nil {
			s.log.Warn("relay: upstream interrupt", "err", err)
		}
	}
	s.out.sendControl(ctx, serverMessage{Type: msgInterrupted})
}

// discard empties ch without blocking.
func discard[T any](ch chan T) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}

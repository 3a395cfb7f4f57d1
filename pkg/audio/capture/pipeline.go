package capture

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/parley/pkg/audio"
)

// EventType classifies a voice-activity [Event].
type EventType int

const (
	// EventCalibrated is emitted once the noise profile has been built.
	EventCalibrated EventType = iota

	// EventSpeechStarted is emitted when sound is first confirmed in a
	// speaking episode.
	EventSpeechStarted

	// EventSilenceDetected is emitted exactly once per speaking episode, when
	// silence has lasted SilenceDuration since the last confirmed sound.
	EventSilenceDetected
)

// String returns the human-readable name of the event type.
func (t EventType) String() string {
	switch t {
	case EventCalibrated:
		return "calibrated"
	case EventSpeechStarted:
		return "speech_started"
	case EventSilenceDetected:
		return "silence_detected"
	default:
		return "unknown"
	}
}

// Event is a voice-activity notification. At is the stream time (total
// duration of audio processed so far) at the end of the frame that raised it.
type Event struct {
	Type EventType
	At   time.Duration
}

// Output is the per-frame result of the pipeline.
type Output struct {
	// Frame is the denoised frame, or the raw frame during calibration or
	// when noise reduction is disabled.
	Frame audio.Frame

	// PCM is Frame encoded as little-endian PCM16, ready to forward.
	PCM []byte

	// Level is the RMS of Frame, normalised to [0, 1].
	Level float64

	// Speaking reports the debounced VAD state after this frame.
	Speaking bool

	// Calibrating is true while the noise profile is still being built.
	Calibrating bool
}

// NoiseProfile is the per-position mean absolute amplitude of the
// calibration frames, normalised to [0, 1].
type NoiseProfile []float64

// Option configures a [Pipeline].
type Option func(*Pipeline)

// WithLogger sets the logger used for dropped frames and budget overruns.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.log = l }
}

// WithDropHook registers fn to be called for every frame the run loop drops.
// It is called from the pipeline goroutine and must not block.
func WithDropHook(fn func(err error)) Option {
	return func(p *Pipeline) { p.onDrop = fn }
}

// Pipeline is the capture-side DSP chain: calibration, noise reduction and
// voice-activity detection. All methods are safe for concurrent use; tuning
// changes apply from the next frame boundary.
type Pipeline struct {
	cfg    Config
	log    *slog.Logger
	onDrop func(error)

	mu           sync.Mutex
	strength     float64
	threshold    float64
	reduce       bool
	calibration  []audio.Frame
	profile      NoiseProfile
	noiseFloor   float64
	calibrated   bool
	calibrations int

	// VAD state, in stream time.
	clock     time.Duration
	loudRun   int
	quietRun  int
	speaking  bool
	lastSound time.Duration
	deadline  time.Duration

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New returns an idle pipeline. Call [Pipeline.Start] to begin consuming
// frames, or drive it synchronously with [Pipeline.Process].
func New(cfg Config, opts ...Option) *Pipeline {
	cfg = cfg.withDefaults()
	p := &Pipeline{
		cfg:       cfg,
		log:       slog.Default(),
		strength:  cfg.Strength,
		threshold: cfg.SilenceThreshold,
		reduce:    !cfg.DisableNoiseReduction,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Config returns the effective configuration after defaults.
func (p *Pipeline) Config() Config { return p.cfg }

// Start launches the processing loop. Frames are read from in; each result is
// sent to out and VAD events to events. Either sink may be nil. The loop ends
// when ctx is cancelled, in is closed, or [Pipeline.Stop] is called.
func (p *Pipeline) Start(ctx context.Context, in <-chan audio.Frame, out chan<- Output, events chan<- Event) error {
	if in == nil {
		return ErrNoSource
	}
	p.runMu.Lock()
	defer p.runMu.Unlock()
	if p.done != nil {
		return ErrAlreadyStarted
	}
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.run(ctx, in, out, events, p.done)
	return nil
}

// Stop ends the processing loop and waits for it to exit. Safe to call more
// than once and on a pipeline that was never started.
func (p *Pipeline) Stop() {
	p.runMu.Lock()
	cancel, done := p.cancel, p.done
	p.runMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (p *Pipeline) run(ctx context.Context, in <-chan audio.Frame, out chan<- Output, events chan<- Event, done chan struct{}) {
	defer close(done)
	budget := p.cfg.FrameDuration()

	for {
		var frame audio.Frame
		var ok bool
		select {
		case <-ctx.Done():
			return
		case frame, ok = <-in:
			if !ok {
				return
			}
		}

		start := time.Now()
		res, evs, err := p.Process(frame)
		if err != nil {
			p.log.Warn("capture: dropping frame", "err", err)
			if p.onDrop != nil {
				p.onDrop(err)
			}
			continue
		}
		if elapsed := time.Since(start); elapsed > budget {
			p.log.Warn("capture: frame processing exceeded real-time budget",
				"elapsed", elapsed, "budget", budget)
		}

		if out != nil {
			select {
			case out <- res:
			case <-ctx.Done():
				return
			}
		}
		for _, ev := range evs {
			if events == nil {
				break
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}
}

// Process runs one frame through the pipeline. A frame of the wrong length
// is rejected with [ErrFrameSize] and leaves all state untouched. A failure
// inside the DSP stage is reported as [ErrDSP]; the frame is lost but the
// pipeline remains usable.
func (p *Pipeline) Process(frame audio.Frame) (out Output, events []Event, err error) {
	if frame.Len() != p.cfg.FrameSize {
		return Output{}, nil, fmt.Errorf("%w: got %d samples, want %d", ErrFrameSize, frame.Len(), p.cfg.FrameSize)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			out, events, err = Output{}, nil, fmt.Errorf("%w: %v", ErrDSP, r)
		}
	}()

	p.clock += frame.Duration()

	if !p.calibrated {
		p.calibration = append(p.calibration, frame)
		if len(p.calibration) < p.cfg.CalibrationFrames {
			return Output{Frame: frame, PCM: frame.PCM(), Level: frame.RMS(), Calibrating: true}, nil, nil
		}
		p.finishCalibration()
		return Output{Frame: frame, PCM: frame.PCM(), Level: frame.RMS()}, []Event{{Type: EventCalibrated, At: p.clock}}, nil
	}

	clean := frame
	if p.reduce {
		clean = p.denoise(frame)
	}
	level := clean.RMS()
	if ev, ok := p.detect(level); ok {
		events = append(events, ev)
	}
	return Output{Frame: clean, PCM: clean.PCM(), Level: level, Speaking: p.speaking}, events, nil
}

// finishCalibration builds the noise profile from the stored frames.
// Must be called with p.mu held.
func (p *Pipeline) finishCalibration() {
	p.profile = buildProfile(p.calibration, p.cfg.FrameSize)
	p.noiseFloor = audio.RMSFloat(p.profile) * noiseFloorFactor
	p.calibration = nil
	p.calibrated = true
	p.calibrations++
	p.log.Debug("capture: noise profile ready",
		"frames", p.cfg.CalibrationFrames,
		"noise_floor", p.noiseFloor)
}

// detect updates the debounced VAD state for one frame. Must be called with
// p.mu held.
func (p *Pipeline) detect(level float64) (Event, bool) {
	loud := level > p.threshold && level > p.noiseFloor
	if loud {
		p.quietRun = 0
		p.loudRun++
		if p.loudRun < p.cfg.MinSoundFrames {
			return Event{}, false
		}
		p.lastSound = p.clock
		p.deadline = p.lastSound + p.cfg.SilenceDuration
		if !p.speaking {
			p.speaking = true
			return Event{Type: EventSpeechStarted, At: p.clock}, true
		}
		return Event{}, false
	}

	p.loudRun = 0
	p.quietRun++
	if p.speaking && p.quietRun >= p.cfg.MinSilenceFrames && p.clock >= p.deadline {
		p.speaking = false
		return Event{Type: EventSilenceDetected, At: p.clock}, true
	}
	return Event{}, false
}

// SetStrength changes the noise subtraction strength, clamped to [0, 1].
func (p *Pipeline) SetStrength(x float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.strength = clamp01(x)
}

// SetSensitivity replaces the silence threshold with the one for level.
func (p *Pipeline) SetSensitivity(level Sensitivity) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.threshold = level.Threshold()
}

// SetNoiseReduction enables or disables the subtraction stage.
func (p *Pipeline) SetNoiseReduction(enabled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reduce = enabled
}

// Recalibrate drops the noise profile and re-enters the calibration phase at
// the next frame. A frame being processed concurrently completes with the old
// profile. The VAD episode is reset.
func (p *Pipeline) Recalibrate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calibration = nil
	p.profile = nil
	p.noiseFloor = 0
	p.calibrated = false
	p.loudRun, p.quietRun = 0, 0
	p.speaking = false
}

// IsCalibrated reports whether the current calibration run has completed.
func (p *Pipeline) IsCalibrated() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calibrated
}

// Calibrations returns how many noise profiles have been built.
func (p *Pipeline) Calibrations() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calibrations
}

// NoiseFloor returns the gate level derived from the noise profile.
func (p *Pipeline) NoiseFloor() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.noiseFloor
}

// Profile returns a copy of the current noise profile, or nil before
// calibration completes.
func (p *Pipeline) Profile() NoiseProfile {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.profile == nil {
		return nil
	}
	out := make(NoiseProfile, len(p.profile))
	copy(out, p.profile)
	return out
}

// Speaking reports the current debounced VAD state.
func (p *Pipeline) Speaking() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.speaking
}

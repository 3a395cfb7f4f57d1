// Package bargein detects a user talking over the AI.
//
// A [Detector] is armed whenever the AI starts speaking. While armed it
// watches capture-side energy levels and fires exactly once when enough
// consecutive loud frames arrive outside the grace and cooldown windows. It
// then stays quiet until armed again.
package bargein

import (
	"context"
	"sync"
	"time"
)

// Default tuning values.
const (
	DefaultEnergyThreshold   = 0.03
	DefaultConsecutiveFrames = 2
	DefaultDebounce          = 500 * time.Millisecond
	DefaultGracePeriod       = 300 * time.Millisecond
)

// Config tunes a [Detector]. Zero values select the defaults; use a negative
// duration to disable the grace period or debounce explicitly.
type Config struct {
	// EnergyThreshold is the normalised RMS a frame must exceed.
	EnergyThreshold float64

	// ConsecutiveFrames loud frames in a row trigger a barge-in. At least one.
	ConsecutiveFrames int

	// Debounce is the cooldown after a trigger. It survives re-arming, so a
	// second barge-in cannot follow the first within this window.
	Debounce time.Duration

	// GracePeriod ignores energy for this long after arming, to let echo of
	// the AI's own first syllables die down.
	GracePeriod time.Duration
}

func (c Config) withDefaults() Config {
	if c.EnergyThreshold <= 0 {
		c.EnergyThreshold = DefaultEnergyThreshold
	}
	if c.ConsecutiveFrames < 1 {
		c.ConsecutiveFrames = DefaultConsecutiveFrames
	}
	if c.Debounce == 0 {
		c.Debounce = DefaultDebounce
	} else if c.Debounce < 0 {
		c.Debounce = 0
	}
	if c.GracePeriod == 0 {
		c.GracePeriod = DefaultGracePeriod
	} else if c.GracePeriod < 0 {
		c.GracePeriod = 0
	}
	return c
}

// BargeIn is emitted when the detector fires.
type BargeIn struct {
	// At is the timestamp of the frame that completed the trigger.
	At time.Time

	// Level is that frame's energy.
	Level float64
}

// Level is one frame's energy and the time it was captured.
type Level struct {
	Value float64
	At    time.Time
}

// Detector implements barge-in detection. It is safe for concurrent use.
type Detector struct {
	cfg Config

	mu            sync.Mutex
	armed         bool
	armedAt       time.Time
	run           int
	fired         bool
	cooldownUntil time.Time

	events chan BargeIn
}

// New returns a disarmed Detector.
func New(cfg Config) *Detector {
	return &Detector{
		cfg:    cfg.withDefaults(),
		events: make(chan BargeIn, 1),
	}
}

// Config returns the effective configuration.
func (d *Detector) Config() Config { return d.cfg }

// Arm activates detection from at. Call it on every entry into the AI
// speaking state.
func (d *Detector) Arm(at time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.armed = true
	d.armedAt = at
	d.run = 0
	d.fired = false
}

// Disarm stops detection until the next [Detector.Arm].
func (d *Detector) Disarm() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.armed = false
	d.run = 0
}

// Armed reports whether the detector is armed and has not fired yet.
func (d *Detector) Armed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.armed && !d.fired
}

// Observe feeds one frame's energy level captured at at. It returns true for
// the single frame that triggers a barge-in, and also publishes the event on
// [Detector.Events].
func (d *Detector) Observe(level float64, at time.Time) bool {
	d.mu.Lock()
	if !d.armed || d.fired {
		d.mu.Unlock()
		return false
	}
	if at.Before(d.armedAt.Add(d.cfg.GracePeriod)) || at.Before(d.cooldownUntil) {
		d.run = 0
		d.mu.Unlock()
		return false
	}
	if level <= d.cfg.EnergyThreshold {
		d.run = 0
		d.mu.Unlock()
		return false
	}
	d.run++
	if d.run < d.cfg.ConsecutiveFrames {
		d.mu.Unlock()
		return false
	}
	d.fired = true
	d.cooldownUntil = at.Add(d.cfg.Debounce)
	d.mu.Unlock()

	select {
	case d.events <- BargeIn{At: at, Level: level}:
	default:
	}
	return true
}

// Events delivers triggered barge-ins. The channel has capacity one and a
// pending event is never overwritten; since the detector fires at most once
// per arming, a consumer that keeps up sees every trigger.
func (d *Detector) Events() <-chan BargeIn { return d.events }

// Run feeds every level from levels into [Detector.Observe] until ctx is
// cancelled or levels is closed. Triggers are delivered on [Detector.Events].
func (d *Detector) Run(ctx context.Context, levels <-chan Level) {
	for {
		select {
		case <-ctx.Done():
			return
		case l, ok := <-levels:
			if !ok {
				return
			}
			d.Observe(l.Value, l.At)
		}
	}
}

// Package capture turns raw client audio frames into denoised frames annotated
// with voice-activity events.
//
// Each [Pipeline] first listens to a short run of calibration frames to learn
// the per-position noise amplitude of the room. After calibration every frame
// is passed through time-domain spectral subtraction with a noise gate, and
// its RMS drives a debounced speech/silence detector. Output frames are always
// emitted; VAD results only produce control [Event] values.
package capture

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MrWong99/parley/pkg/audio"
)

var (
	// ErrNoSource is returned by [Pipeline.Start] when no input channel is given.
	ErrNoSource = errors.New("capture: no audio source")

	// ErrAlreadyStarted is returned by [Pipeline.Start] on a running pipeline.
	ErrAlreadyStarted = errors.New("capture: pipeline already started")

	// ErrFrameSize is returned by [Pipeline.Process] for frames whose length
	// does not match the configured frame size.
	ErrFrameSize = errors.New("capture: unexpected frame size")

	// ErrDSP wraps a failure inside the per-frame signal processing. The
	// offending frame is dropped.
	ErrDSP = errors.New("capture: processing failed")
)

// Sensitivity selects the RMS threshold above which a frame counts as loud.
type Sensitivity int

const (
	SensitivityLow Sensitivity = iota
	SensitivityMedium
	SensitivityHigh
)

// Threshold returns the silence threshold for s. Higher sensitivity means a
// lower threshold.
func (s Sensitivity) Threshold() float64 {
	switch s {
	case SensitivityLow:
		return 0.02
	case SensitivityHigh:
		return 0.005
	default:
		return 0.01
	}
}

// String returns the lower-case name of s.
func (s Sensitivity) String() string {
	switch s {
	case SensitivityLow:
		return "low"
	case SensitivityMedium:
		return "medium"
	case SensitivityHigh:
		return "high"
	default:
		return "unknown"
	}
}

// ParseSensitivity parses "low", "medium" or "high".
func ParseSensitivity(s string) (Sensitivity, error) {
	switch strings.ToLower(s) {
	case "low":
		return SensitivityLow, nil
	case "medium", "":
		return SensitivityMedium, nil
	case "high":
		return SensitivityHigh, nil
	}
	return SensitivityMedium, fmt.Errorf("capture: unknown sensitivity %q", s)
}

// Default tuning values.
const (
	DefaultFrameSize         = 4096
	DefaultCalibrationFrames = 10
	DefaultStrength          = 0.7
	DefaultSilenceThreshold  = 0.01
	DefaultMinSoundFrames    = 3
	DefaultMinSilenceFrames  = 3
	DefaultSilenceDuration   = 1500 * time.Millisecond

	// noiseFloorFactor scales the RMS of the noise profile into the gate level.
	noiseFloorFactor = 1.5
)

// Config tunes a [Pipeline]. Zero values are replaced by the defaults above.
type Config struct {
	// SampleRate of incoming frames. Default: [audio.CaptureRate].
	SampleRate int

	// FrameSize is the number of samples per frame. The noise profile has
	// exactly this length.
	FrameSize int

	// CalibrationFrames is the number of leading frames used to build the
	// noise profile.
	CalibrationFrames int

	// Strength scales the subtracted noise profile, clamped to [0, 1]. Zero
	// selects [DefaultStrength]; a negative value subtracts nothing and
	// leaves only the noise gate.
	Strength float64

	// DisableNoiseReduction passes frames through unchanged after calibration.
	// VAD still runs against the noise floor.
	DisableNoiseReduction bool

	// SilenceThreshold is the RMS a frame must exceed to count as loud. When
	// zero, the threshold of Sensitivity is used.
	SilenceThreshold float64

	// Sensitivity is used when SilenceThreshold is zero.
	Sensitivity Sensitivity

	// MinSoundFrames consecutive loud frames confirm sound.
	MinSoundFrames int

	// MinSilenceFrames consecutive quiet frames are required before silence
	// can be reported.
	MinSilenceFrames int

	// SilenceDuration is measured from the last confirmed sound.
	SilenceDuration time.Duration
}

func (c Config) withDefaults() Config {
	if c.SampleRate <= 0 {
		c.SampleRate = audio.CaptureRate
	}
	if c.FrameSize <= 0 {
		c.FrameSize = DefaultFrameSize
	}
	if c.CalibrationFrames <= 0 {
		c.CalibrationFrames = DefaultCalibrationFrames
	}
	if c.Strength == 0 {
		c.Strength = DefaultStrength
	} else if c.Strength < 0 {
		c.Strength = 0
	}
	c.Strength = clamp01(c.Strength)
	if c.SilenceThreshold <= 0 {
		c.SilenceThreshold = c.Sensitivity.Threshold()
	}
	if c.MinSoundFrames <= 0 {
		c.MinSoundFrames = DefaultMinSoundFrames
	}
	if c.MinSilenceFrames <= 0 {
		c.MinSilenceFrames = DefaultMinSilenceFrames
	}
	if c.SilenceDuration <= 0 {
		c.SilenceDuration = DefaultSilenceDuration
	}
	return c
}

// FrameDuration is the real-time budget for processing one frame.
func (c Config) FrameDuration() time.Duration {
	c = c.withDefaults()
	return time.Duration(c.FrameSize) * time.Second / time.Duration(c.SampleRate)
}

func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}

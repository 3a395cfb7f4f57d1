package config

import (
	"fmt"
	"time"

	"github.com/MrWong99/parley/internal/resilience"
	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/audio/bargein"
	"github.com/MrWong99/parley/pkg/audio/capture"
	"github.com/MrWong99/parley/pkg/provider/s2s"
)

// OptString returns Options[key] as a string, or "" when absent or not a
// string.
func (e ProviderEntry) OptString(key string) string {
	s, _ := e.Options[key].(string)
	return s
}

// OptDuration returns Options[key] interpreted as milliseconds (a YAML
// number) or a Go duration string. Missing or malformed values yield 0.
func (e ProviderEntry) OptDuration(key string) time.Duration {
	switch v := e.Options[key].(type) {
	case int:
		return time.Duration(v) * time.Millisecond
	case float64:
		return time.Duration(v * float64(time.Millisecond))
	case string:
		d, err := time.ParseDuration(v)
		if err == nil {
			return d
		}
	}
	return 0
}

// SessionConfig builds the upstream handshake configuration. Client audio is
// always 16 kHz in and 24 kHz out.
func (e ProviderEntry) SessionConfig() s2s.SessionConfig {
	mode := s2s.TurnDetectionAutomatic
	if e.TurnDetection == TurnDetectionManual {
		mode = s2s.TurnDetectionManual
	}
	return s2s.SessionConfig{
		Voice:        e.Voice,
		Instructions: e.Instructions,
		Input:        s2s.AudioFormat{SampleRate: audio.CaptureRate},
		Output:       s2s.AudioFormat{SampleRate: audio.PlaybackRate},
		TurnDetection: s2s.TurnDetection{
			Mode:             mode,
			StartSensitivity: e.OptString("start_sensitivity"),
			EndSensitivity:   e.OptString("end_sensitivity"),
			PrefixPadding:    e.OptDuration("prefix_padding"),
			SilenceDuration:  e.OptDuration("silence_duration"),
		},
	}
}

// Pipeline converts the capture section into a [capture.Config].
func (c CaptureConfig) Pipeline() (capture.Config, error) {
	sens, err := capture.ParseSensitivity(c.Sensitivity)
	if err != nil {
		return capture.Config{}, fmt.Errorf("config: capture: %w", err)
	}
	return capture.Config{
		SampleRate:            audio.CaptureRate,
		FrameSize:             c.FrameSize,
		CalibrationFrames:     c.CalibrationFrames,
		Strength:              c.Strength,
		DisableNoiseReduction: c.DisableNoiseReduction,
		SilenceThreshold:      c.SilenceThreshold,
		Sensitivity:           sens,
		MinSoundFrames:        c.MinSoundFrames,
		MinSilenceFrames:      c.MinSilenceFrames,
		SilenceDuration:       c.SilenceDuration,
	}, nil
}

// Detector converts the barge-in section into a [bargein.Config].
func (b BargeInConfig) Detector() bargein.Config {
	return bargein.Config{
		EnergyThreshold:   b.EnergyThreshold,
		ConsecutiveFrames: b.ConsecutiveFrames,
		Debounce:          b.Debounce,
		GracePeriod:       b.GracePeriod,
	}
}

// CircuitBreaker converts the breaker section into a
// [resilience.CircuitBreakerConfig] labelled name.
func (b BreakerConfig) CircuitBreaker(name string) resilience.CircuitBreakerConfig {
	return resilience.CircuitBreakerConfig{
		Name:         name,
		MaxFailures:  b.MaxFailures,
		ResetTimeout: b.ResetTimeout,
		HalfOpenMax:  b.HalfOpenMax,
	}
}

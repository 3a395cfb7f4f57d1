// Package config provides the configuration schema, loader, hot-reload watcher
// and upstream provider registry for the parley voice server.
package config

import "time"

// LogLevel controls log verbosity for the server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// TurnDetection selects who decides when the user has finished speaking.
type TurnDetection string

const (
	// TurnDetectionAutomatic leaves end-of-turn detection to the upstream
	// service.
	TurnDetectionAutomatic TurnDetection = "automatic"

	// TurnDetectionManual ends turns from the local silence detector and the
	// client's end_of_turn message.
	TurnDetectionManual TurnDetection = "manual"
)

// IsValid reports whether t is a recognised mode.
func (t TurnDetection) IsValid() bool {
	return t == TurnDetectionAutomatic || t == TurnDetectionManual
}

// Config is the root configuration structure. It is typically loaded from a
// YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Upstream ProviderEntry  `yaml:"upstream"`
	Capture  CaptureConfig  `yaml:"capture"`
	Playback PlaybackConfig `yaml:"playback"`
	BargeIn  BargeInConfig  `yaml:"barge_in"`
	Relay    RelayConfig    `yaml:"relay"`
	Breaker  BreakerConfig  `yaml:"breaker"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8000").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// AllowedOrigins lists host patterns accepted for cross-origin WebSocket
	// upgrades. Empty allows only same-origin requests.
	AllowedOrigins []string `yaml:"allowed_origins"`

	// ShutdownTimeout bounds graceful shutdown. Default: 10s.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// ProviderEntry configures the upstream speech-to-speech service. The Name
// field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider ("gemini-live", "openai-realtime").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any. Vertex
	// AI uses service-account credentials instead.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider.
	Model string `yaml:"model"`

	// Voice is the provider-specific output voice name.
	Voice string `yaml:"voice"`

	// Instructions is the system prompt sent at session setup.
	Instructions string `yaml:"instructions"`

	// TurnDetection selects automatic or manual end-of-turn detection.
	// Default: automatic.
	TurnDetection TurnDetection `yaml:"turn_detection"`

	// Options holds provider-specific values, e.g. "project", "region" and
	// "credentials_file" for Vertex AI.
	Options map[string]any `yaml:"options"`
}

// CaptureConfig tunes the capture pipeline. Zero values select the pipeline
// defaults; a negative strength turns noise subtraction off while keeping the
// gate.
type CaptureConfig struct {
	FrameSize             int           `yaml:"frame_size"`
	CalibrationFrames     int           `yaml:"calibration_frames"`
	Strength              float64       `yaml:"strength"`
	DisableNoiseReduction bool          `yaml:"disable_noise_reduction"`
	Sensitivity           string        `yaml:"sensitivity"`
	SilenceThreshold      float64       `yaml:"silence_threshold"`
	MinSoundFrames        int           `yaml:"min_sound_frames"`
	MinSilenceFrames      int           `yaml:"min_silence_frames"`
	SilenceDuration       time.Duration `yaml:"silence_duration"`
}

// PlaybackConfig tunes the playback queue.
type PlaybackConfig struct {
	// QueueCapacity is the initial capacity hint of the queue.
	QueueCapacity int `yaml:"queue_capacity"`

	// FrameSamples is the largest playback item in samples. Upstream chunks
	// are split to this size. Default: 2400 (100 ms at 24 kHz).
	FrameSamples int `yaml:"frame_samples"`
}

// BargeInConfig tunes the barge-in detector. Negative durations disable the
// corresponding window.
type BargeInConfig struct {
	EnergyThreshold   float64       `yaml:"energy_threshold"`
	ConsecutiveFrames int           `yaml:"consecutive_frames"`
	Debounce          time.Duration `yaml:"debounce"`
	GracePeriod       time.Duration `yaml:"grace_period"`
}

// RelayConfig tunes per-session buffering and timing.
type RelayConfig struct {
	// UplinkQueue is the number of capture frames buffered towards upstream
	// before the oldest is dropped. Default: 8.
	UplinkQueue int `yaml:"uplink_queue"`

	// OutboundQueue is the number of playback frames buffered towards the
	// client before the oldest is dropped. Default: 16.
	OutboundQueue int `yaml:"outbound_queue"`

	// InterruptLock is how long the state machine is locked while an
	// interrupt is applied. Default: 2s.
	InterruptLock time.Duration `yaml:"interrupt_lock"`

	// SlowConnect logs a warning when the upstream handshake takes longer.
	// Default: 10s.
	SlowConnect time.Duration `yaml:"slow_connect"`

	// ConnectTimeout bounds the upstream dial and handshake. Default: 30s.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	// MaxSessions caps concurrent sessions. Zero means unlimited.
	MaxSessions int `yaml:"max_sessions"`

	// ConnectRate limits new sessions per second across all clients. Zero
	// means unlimited.
	ConnectRate float64 `yaml:"connect_rate"`

	// ConnectBurst is the number of sessions that may start at once before
	// ConnectRate applies. Default: 1 when ConnectRate is set.
	ConnectBurst int `yaml:"connect_burst"`
}

// BreakerConfig tunes the circuit breaker guarding upstream connects.
type BreakerConfig struct {
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
	HalfOpenMax  int           `yaml:"half_open_max"`
}

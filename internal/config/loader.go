package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/parley/pkg/audio/capture"
)

// ValidProviderNames lists the known upstream provider names. Used by
// [Validate] to warn about unrecognised names.
var ValidProviderNames = []string{"gemini-live", "openai-realtime"}

// Default values applied by [ApplyDefaults].
const (
	DefaultListenAddr      = ":8000"
	DefaultShutdownTimeout = 10 * time.Second
	DefaultUplinkQueue     = 8
	DefaultOutboundQueue   = 16
	DefaultInterruptLock   = 2 * time.Second
	DefaultSlowConnect     = 10 * time.Second
	DefaultConnectTimeout  = 30 * time.Second
)

// Environment variables read by [ApplyEnv].
const (
	EnvProject     = "GCP_PROJECT_ID"
	EnvRegion      = "GCP_REGION"
	EnvCredentials = "SERVICE_ACCOUNT_KEY_PATH"
	EnvGeminiModel = "GEMINI_MODEL"
	EnvHost        = "BACKEND_HOST"
	EnvPort        = "BACKEND_PORT"
	EnvAPIKey      = "PARLEY_API_KEY"
)

// Load reads the YAML configuration file at path, applies environment
// overrides and defaults, and returns a validated [Config].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := decode(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	ApplyEnv(cfg, os.LookupEnv)
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. Environment variables are not consulted. Useful in tests where
// configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg, err := decode(r)
	if err != nil {
		return nil, err
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides cfg with the deployment environment variables. lookup is
// usually [os.LookupEnv]. A GCP project selects the Gemini Live provider on
// Vertex AI when no provider is configured.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) {
	get := func(key string) (string, bool) {
		v, ok := lookup(key)
		return v, ok && v != ""
	}
	setOpt := func(key, val string) {
		if cfg.Upstream.Options == nil {
			cfg.Upstream.Options = make(map[string]any)
		}
		cfg.Upstream.Options[key] = val
	}

	if v, ok := get(EnvProject); ok {
		if cfg.Upstream.Name == "" {
			cfg.Upstream.Name = "gemini-live"
		}
		setOpt("project", v)
	}
	if v, ok := get(EnvRegion); ok {
		setOpt("region", v)
	}
	if v, ok := get(EnvCredentials); ok {
		setOpt("credentials_file", v)
	}
	if v, ok := get(EnvGeminiModel); ok && cfg.Upstream.Name == "gemini-live" {
		cfg.Upstream.Model = v
	}
	if v, ok := get(EnvAPIKey); ok {
		cfg.Upstream.APIKey = v
	}

	host, port, err := net.SplitHostPort(cfg.Server.ListenAddr)
	if err != nil {
		host, port = "", ""
	}
	hostEnv, hostOK := get(EnvHost)
	portEnv, portOK := get(EnvPort)
	if hostOK {
		host = hostEnv
	}
	if portOK {
		port = portEnv
	}
	if hostOK || portOK {
		if port == "" {
			_, port, _ = net.SplitHostPort(DefaultListenAddr)
		}
		cfg.Server.ListenAddr = net.JoinHostPort(host, port)
	}
}

// ApplyDefaults fills zero-valued server, relay and upstream fields. Capture,
// barge-in and breaker zero values are resolved by their own packages.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.ShutdownTimeout <= 0 {
		cfg.Server.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.Upstream.TurnDetection == "" {
		cfg.Upstream.TurnDetection = TurnDetectionAutomatic
	}
	if cfg.Relay.UplinkQueue <= 0 {
		cfg.Relay.UplinkQueue = DefaultUplinkQueue
	}
	if cfg.Relay.OutboundQueue <= 0 {
		cfg.Relay.OutboundQueue = DefaultOutboundQueue
	}
	if cfg.Relay.InterruptLock <= 0 {
		cfg.Relay.InterruptLock = DefaultInterruptLock
	}
	if cfg.Relay.SlowConnect <= 0 {
		cfg.Relay.SlowConnect = DefaultSlowConnect
	}
	if cfg.Relay.ConnectTimeout <= 0 {
		cfg.Relay.ConnectTimeout = DefaultConnectTimeout
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Upstream
	validateProviderName(cfg.Upstream.Name)
	if cfg.Upstream.Name == "" {
		slog.Warn("upstream.name is empty; every session will fail to connect")
	}
	if td := cfg.Upstream.TurnDetection; td != "" && !td.IsValid() {
		errs = append(errs, fmt.Errorf("upstream.turn_detection %q is invalid; valid values: automatic, manual", td))
	}
	if cfg.Upstream.Name == "gemini-live" && cfg.Upstream.APIKey == "" && cfg.Upstream.OptString("project") == "" {
		slog.Warn("gemini-live needs either upstream.api_key or upstream.options.project")
	}

	// Capture
	c := cfg.Capture
	if c.Strength > 1 {
		errs = append(errs, fmt.Errorf("capture.strength %.2f is out of range [0, 1]; use a negative value to disable subtraction", c.Strength))
	}
	if _, err := capture.ParseSensitivity(c.Sensitivity); err != nil {
		errs = append(errs, fmt.Errorf("capture.sensitivity: %w", err))
	}
	for name, v := range map[string]int{
		"frame_size":         c.FrameSize,
		"calibration_frames": c.CalibrationFrames,
		"min_sound_frames":   c.MinSoundFrames,
		"min_silence_frames": c.MinSilenceFrames,
	} {
		if v < 0 {
			errs = append(errs, fmt.Errorf("capture.%s must not be negative, got %d", name, v))
		}
	}
	if c.SilenceThreshold < 0 || c.SilenceThreshold > 1 {
		errs = append(errs, fmt.Errorf("capture.silence_threshold %.3f is out of range [0, 1]", c.SilenceThreshold))
	}

	// Playback
	if cfg.Playback.QueueCapacity < 0 || cfg.Playback.FrameSamples < 0 {
		errs = append(errs, errors.New("playback.queue_capacity and playback.frame_samples must not be negative"))
	}

	// Barge-in
	if t := cfg.BargeIn.EnergyThreshold; t < 0 || t > 1 {
		errs = append(errs, fmt.Errorf("barge_in.energy_threshold %.3f is out of range [0, 1]", t))
	}
	if cfg.BargeIn.ConsecutiveFrames < 0 {
		errs = append(errs, fmt.Errorf("barge_in.consecutive_frames must not be negative, got %d", cfg.BargeIn.ConsecutiveFrames))
	}

	// Relay
	if cfg.Relay.MaxSessions < 0 {
		errs = append(errs, fmt.Errorf("relay.max_sessions must not be negative, got %d", cfg.Relay.MaxSessions))
	}
	if cfg.Relay.ConnectRate < 0 || cfg.Relay.ConnectBurst < 0 {
		errs = append(errs, errors.New("relay.connect_rate and relay.connect_burst must not be negative"))
	}

	// Breaker
	if cfg.Breaker.MaxFailures < 0 || cfg.Breaker.HalfOpenMax < 0 {
		errs = append(errs, errors.New("breaker.max_failures and breaker.half_open_max must not be negative"))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not one of
// [ValidProviderNames].
func validateProviderName(name string) {
	if name == "" || slices.Contains(ValidProviderNames, name) {
		return
	}
	slog.Warn("unknown upstream provider name; may be a typo or third-party provider",
		"name", name,
		"known", ValidProviderNames,
	)
}

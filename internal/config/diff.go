package config

import "reflect"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; they apply to
// sessions started after the reload.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	CaptureChanged  bool
	BargeInChanged  bool
	PlaybackChanged bool

	// RestartRequired lists sections that changed but need a restart, such
	// as the listen address or the upstream provider.
	RestartRequired []string
}

// HotReloadable reports whether d contains any change that can be applied
// without restart.
func (d ConfigDiff) HotReloadable() bool {
	return d.LogLevelChanged || d.CaptureChanged || d.BargeInChanged || d.PlaybackChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	d.CaptureChanged = old.Capture != new.Capture
	d.BargeInChanged = old.BargeIn != new.BargeIn
	d.PlaybackChanged = old.Playback != new.Playback

	if old.Server.ListenAddr != new.Server.ListenAddr || !sameTLS(old.Server.TLS, new.Server.TLS) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if !sameEntry(old.Upstream, new.Upstream) {
		d.RestartRequired = append(d.RestartRequired, "upstream")
	}
	if old.Relay != new.Relay {
		d.RestartRequired = append(d.RestartRequired, "relay")
	}
	if old.Breaker != new.Breaker {
		d.RestartRequired = append(d.RestartRequired, "breaker")
	}
	return d
}

func sameTLS(a, b *TLSConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func sameEntry(a, b ProviderEntry) bool {
	return a.Name == b.Name && a.APIKey == b.APIKey && a.BaseURL == b.BaseURL &&
		a.Model == b.Model && a.Voice == b.Voice && a.Instructions == b.Instructions &&
		a.TurnDetection == b.TurnDetection && reflect.DeepEqual(a.Options, b.Options)
}

package config_test

import (
	"slices"
	"testing"

	"github.com/MrWong99/parley/internal/config"
)

func TestDiff(t *testing.T) {
	t.Parallel()

	base := func() *config.Config {
		return &config.Config{
			Server:   config.ServerConfig{ListenAddr: ":8000", LogLevel: config.LogInfo},
			Upstream: config.ProviderEntry{Name: "gemini-live", Options: map[string]any{"project": "p", "nested": map[string]any{"a": 1}}},
			Capture:  config.CaptureConfig{Strength: 0.7},
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *config.Config)
		hot     bool
		restart []string
		check   func(t *testing.T, d config.ConfigDiff)
	}{
		{
			name:   "no changes",
			mutate: func(*config.Config) {},
		},
		{
			name:   "log level",
			mutate: func(c *config.Config) { c.Server.LogLevel = config.LogDebug },
			hot:    true,
			check: func(t *testing.T, d config.ConfigDiff) {
				if !d.LogLevelChanged || d.NewLogLevel != config.LogDebug {
					t.Errorf("diff = %+v", d)
				}
			},
		},
		{
			name:   "capture tuning",
			mutate: func(c *config.Config) { c.Capture.Sensitivity = "high" },
			hot:    true,
			check: func(t *testing.T, d config.ConfigDiff) {
				if !d.CaptureChanged || d.BargeInChanged {
					t.Errorf("diff = %+v", d)
				}
			},
		},
		{
			name:   "barge-in tuning",
			mutate: func(c *config.Config) { c.BargeIn.ConsecutiveFrames = 4 },
			hot:    true,
		},
		{
			name:    "listen address",
			mutate:  func(c *config.Config) { c.Server.ListenAddr = ":9000" },
			restart: []string{"server"},
		},
		{
			name:    "nested upstream option",
			mutate:  func(c *config.Config) { c.Upstream.Options["nested"] = map[string]any{"a": 2} },
			restart: []string{"upstream"},
		},
		{
			name: "relay and breaker",
			mutate: func(c *config.Config) {
				c.Relay.UplinkQueue = 2
				c.Breaker.MaxFailures = 9
			},
			restart: []string{"relay", "breaker"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			old, cur := base(), base()
			tt.mutate(cur)
			d := config.Diff(old, cur)
			if d.HotReloadable() != tt.hot {
				t.Errorf("HotReloadable = %v, want %v", d.HotReloadable(), tt.hot)
			}
			if !slices.Equal(d.RestartRequired, tt.restart) {
				t.Errorf("RestartRequired = %v, want %v", d.RestartRequired, tt.restart)
			}
			if tt.check != nil {
				tt.check(t, d)
			}
		})
	}
}

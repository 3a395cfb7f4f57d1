package config_test

import (
	"testing"

	"github.com/MrWong99/parley/internal/config"
)

func env(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestApplyEnv(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		start config.Config
		env   map[string]string
		check func(t *testing.T, cfg *config.Config)
	}{
		{
			name: "project selects vertex gemini",
			env: map[string]string{
				config.EnvProject:     "proj",
				config.EnvRegion:      "europe-west4",
				config.EnvCredentials: "/keys/sa.json",
				config.EnvGeminiModel: "gemini-live-2.5",
			},
			check: func(t *testing.T, cfg *config.Config) {
				u := cfg.Upstream
				if u.Name != "gemini-live" || u.Model != "gemini-live-2.5" {
					t.Errorf("upstream = %+v", u)
				}
				if u.OptString("project") != "proj" || u.OptString("region") != "europe-west4" || u.OptString("credentials_file") != "/keys/sa.json" {
					t.Errorf("options = %v", u.Options)
				}
			},
		},
		{
			name:  "explicit provider is kept",
			start: config.Config{Upstream: config.ProviderEntry{Name: "openai-realtime", Model: "gpt"}},
			env:   map[string]string{config.EnvProject: "proj", config.EnvGeminiModel: "ignored"},
			check: func(t *testing.T, cfg *config.Config) {
				if cfg.Upstream.Name != "openai-realtime" || cfg.Upstream.Model != "gpt" {
					t.Errorf("upstream = %+v", cfg.Upstream)
				}
			},
		},
		{
			name:  "host and port",
			start: config.Config{Server: config.ServerConfig{ListenAddr: ":9000"}},
			env:   map[string]string{config.EnvHost: "0.0.0.0", config.EnvPort: "8080"},
			check: func(t *testing.T, cfg *config.Config) {
				if cfg.Server.ListenAddr != "0.0.0.0:8080" {
					t.Errorf("listen_addr = %q", cfg.Server.ListenAddr)
				}
			},
		},
		{
			name:  "port only keeps host",
			start: config.Config{Server: config.ServerConfig{ListenAddr: "127.0.0.1:9000"}},
			env:   map[string]string{config.EnvPort: "7000"},
			check: func(t *testing.T, cfg *config.Config) {
				if cfg.Server.ListenAddr != "127.0.0.1:7000" {
					t.Errorf("listen_addr = %q", cfg.Server.ListenAddr)
				}
			},
		},
		{
			name:  "host only uses default port",
			env:   map[string]string{config.EnvHost: "localhost"},
			check: func(t *testing.T, cfg *config.Config) {
				if cfg.Server.ListenAddr != "localhost:8000" {
					t.Errorf("listen_addr = %q", cfg.Server.ListenAddr)
				}
			},
		},
		{
			name:  "empty values are ignored",
			start: config.Config{Server: config.ServerConfig{ListenAddr: ":9000"}},
			env:   map[string]string{config.EnvProject: "", config.EnvPort: ""},
			check: func(t *testing.T, cfg *config.Config) {
				if cfg.Upstream.Name != "" || cfg.Server.ListenAddr != ":9000" {
					t.Errorf("cfg changed: %+v", cfg)
				}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := tt.start
			config.ApplyEnv(&cfg, env(tt.env))
			tt.check(t, &cfg)
		})
	}
}

func TestApplyDefaults_KeepsExplicitValues(t *testing.T) {
	t.Parallel()
	cfg := config.Config{
		Server: config.ServerConfig{ListenAddr: ":1234", LogLevel: config.LogWarn},
		Relay:  config.RelayConfig{OutboundQueue: 64},
	}
	config.ApplyDefaults(&cfg)

	if cfg.Server.ListenAddr != ":1234" || cfg.Server.LogLevel != config.LogWarn {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Relay.OutboundQueue != 64 || cfg.Relay.UplinkQueue != config.DefaultUplinkQueue {
		t.Errorf("relay = %+v", cfg.Relay)
	}
	if cfg.Server.ShutdownTimeout != config.DefaultShutdownTimeout {
		t.Errorf("shutdown_timeout = %v", cfg.Server.ShutdownTimeout)
	}
}

func TestValidProviderNames(t *testing.T) {
	t.Parallel()
	for _, name := range []string{"gemini-live", "openai-realtime"} {
		found := false
		for _, n := range config.ValidProviderNames {
			if n == name {
				found = true
			}
		}
		if !found {
			t.Errorf("%q missing from ValidProviderNames", name)
		}
	}
}

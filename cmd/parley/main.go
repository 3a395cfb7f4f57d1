// Command parley is the entry point for the parley voice relay server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrWong99/parley/internal/app"
	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/pkg/provider/s2s"
	geminilive "github.com/MrWong99/parley/pkg/provider/s2s/gemini"
	oais2s "github.com/MrWong99/parley/pkg/provider/s2s/openai"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	reloadInterval := flag.Duration("reload-interval", 5*time.Second, "how often the config file is checked for changes")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	// The watcher performs the initial load and later feeds hot reloads into
	// the application once it exists.
	var application *app.App
	watcher, err := config.NewWatcher(*configPath, func(_, next *config.Config, diff config.ConfigDiff) {
		if application != nil {
			application.ApplyConfig(next, diff)
		}
	}, config.WithInterval(*reloadInterval))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "parley: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "parley: %v\n", err)
		}
		return 1
	}
	cfg := watcher.Current()

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(app.SlogLevel(cfg.Server.LogLevel))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level}))
	slog.SetDefault(logger)

	slog.Info("parley starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	telemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "parley",
		ServiceVersion: version,
		RuntimeMetrics: true,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}

	// ── Upstream provider ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(ctx, reg, logger)

	var provider s2s.Provider
	if name := cfg.Upstream.Name; name != "" {
		provider, err = reg.Create(cfg.Upstream)
		if err != nil {
			slog.Error("failed to create upstream provider", "name", name, "err", err)
			return 1
		}
		slog.Info("provider created", "name", name, "model", cfg.Upstream.Model)
	} else {
		slog.Warn("no upstream provider configured, sessions will be rejected")
	}

	printStartupSummary(cfg, reg)

	application, err = app.New(cfg, provider,
		app.WithLogger(logger),
		app.WithLevelVar(&level),
		app.WithWatcher(watcher),
		app.WithMetricsHandler(telemetry.Handler()),
		app.WithCloser(func() error {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return telemetry.Shutdown(shutdownCtx)
		}),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// SIGHUP forces a reload without waiting for the next poll.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				switch err := watcher.Reload(); {
				case errors.Is(err, config.ErrUnchanged):
					slog.Info("SIGHUP: config unchanged", "config", *configPath)
				case err != nil:
					slog.Warn("SIGHUP: reload rejected, keeping previous config", "err", err)
				}
			}
		}
	}()

	slog.Info("server ready, press Ctrl+C to shut down, SIGHUP to reload config")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires the upstream speech-to-speech providers that
// ship with parley into reg.
func registerBuiltinProviders(ctx context.Context, reg *config.Registry, logger *slog.Logger) {
	reg.Register("openai-realtime", func(entry config.ProviderEntry) (s2s.Provider, error) {
		opts := []oais2s.Option{oais2s.WithLogger(logger)}
		if entry.Model != "" {
			opts = append(opts, oais2s.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, oais2s.WithBaseURL(entry.BaseURL))
		}
		if d := entry.OptDuration("setup_timeout"); d > 0 {
			opts = append(opts, oais2s.WithSetupTimeout(d))
		}
		return oais2s.New(entry.APIKey, opts...), nil
	})

	// gemini-live talks to the Gemini API with an API key, or to Vertex AI
	// when options.project is set.
	reg.Register("gemini-live", func(entry config.ProviderEntry) (s2s.Provider, error) {
		opts := []geminilive.Option{geminilive.WithLogger(logger)}
		if entry.Model != "" {
			opts = append(opts, geminilive.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, geminilive.WithBaseURL(entry.BaseURL))
		}
		if d := entry.OptDuration("setup_timeout"); d > 0 {
			opts = append(opts, geminilive.WithSetupTimeout(d))
		}
		if project := entry.OptString("project"); project != "" {
			region := entry.OptString("region")
			if region == "" {
				region = "us-central1"
			}
			ts, err := geminilive.VertexTokenSource(ctx, entry.OptString("credentials_file"))
			if err != nil {
				return nil, fmt.Errorf("vertex credentials: %w", err)
			}
			opts = append(opts, geminilive.WithVertex(project, region, ts))
		}
		return geminilive.New(entry.APIKey, opts...), nil
	})

	for _, name := range reg.Names() {
		slog.Debug("registered provider", "name", name)
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config, reg *config.Registry) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         parley startup summary        ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Upstream", upstreamLabel(cfg.Upstream))
	printRow("Turns", string(cfg.Upstream.TurnDetection))
	printRow("Providers", fmt.Sprintf("%d built in", len(reg.Names())))
	if cfg.Relay.MaxSessions > 0 {
		printRow("Max sessions", fmt.Sprintf("%d", cfg.Relay.MaxSessions))
	} else {
		printRow("Max sessions", "(unlimited)")
	}
	if cfg.Server.TLS != nil {
		printRow("TLS", "enabled")
	} else {
		printRow("TLS", "(disabled)")
	}
	printRow("Listen addr", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func upstreamLabel(e config.ProviderEntry) string {
	switch {
	case e.Name == "":
		return "(not configured)"
	case e.Model != "":
		return e.Name + " / " + e.Model
	default:
		return e.Name
	}
}

func printRow(label, value string) {
	if len(value) > 19 {
		value = value[:16] + "..."
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", label, value)
}

// Command voicebridge is the realtime voice bridge server: it connects
// outbound telephone calls to conversational AI providers and exposes
// health probes and Prometheus metrics over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/outdial/voicebridge/internal/bridge"
	"github.com/outdial/voicebridge/internal/config"
	"github.com/outdial/voicebridge/internal/cost"
	"github.com/outdial/voicebridge/internal/health"
	"github.com/outdial/voicebridge/internal/observe"
	"github.com/outdial/voicebridge/pkg/provider/realtime"
	"github.com/outdial/voicebridge/pkg/provider/realtime/deepgram"
	"github.com/outdial/voicebridge/pkg/provider/realtime/openai"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voicebridge: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voicebridge: %v\n", err)
		}
		return 1
	}

	level := new(slog.LevelVar)

	// ── Logger ────────────────────────────────────────────────────────────────
	level.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("voicebridge starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.Init(ctx, observe.Options{
		ServiceName:    "voicebridge",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Provider registry and session manager ─────────────────────────────────
	registry := config.NewRegistry()
	registerBuiltinAdapters(registry)

	manager := bridge.NewManager(bridge.ManagerConfig{
		Registry: registry,
		Config:   cfg,
		Rates:    cost.Table(cfg.Rates),
		Metrics:  metrics,
	})

	// ── Config hot reload (log level and AMD tuning) ──────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(_, next *config.Config) {
		level.Set(slogLevel(next.Server.LogLevel))
		manager.UpdateConfig(next)
	})
	if err != nil {
		slog.Error("failed to start config watcher", "err", err)
		return 1
	}
	defer watcher.Stop()

	printStartupSummary(cfg)

	// ── HTTP surface: health probes and metrics ───────────────────────────────
	probes := health.New([]health.Checker{
		{Name: "config", Check: func(_ context.Context) error {
			if watcher.Current() == nil {
				return errors.New("no configuration loaded")
			}
			return nil
		}},
		{Name: "providers", Check: func(_ context.Context) error {
			registered := registry.Names()
			for _, entry := range watcher.Current().Providers {
				if slices.Contains(registered, entry.Name) {
					return nil
				}
			}
			return errors.New("no configured provider has a registered adapter")
		}},
	}, health.WithSessionCounter(manager.Count))

	mux := http.NewServeMux()
	probes.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	server := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           observe.Instrument(metrics)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("http server listening", "addr", cfg.Server.ListenAddr)
		var err error
		if tls := cfg.Server.TLS; tls != nil {
			err = server.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()

		slog.Info("shutdown signal received, stopping…")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if err := manager.CloseAll(shutdownCtx); err != nil {
			slog.Warn("session drain error", "err", err)
		}
		return server.Shutdown(shutdownCtx)
	})

	slog.Info("server ready — press Ctrl+C to shut down")

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Adapter wiring ────────────────────────────────────────────────────────────

// registerBuiltinAdapters wires the realtime adapter factories that ship with
// the bridge into reg. Each factory builds one adapter per call session.
func registerBuiltinAdapters(reg *config.Registry) {
	reg.Register(deepgram.Name, func(entry config.ProviderEntry) (realtime.Adapter, error) {
		var opts []deepgram.Option
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithBaseURL(entry.BaseURL))
		}
		return deepgram.New(entry.APIKey, opts...), nil
	})

	reg.Register(openai.Name, func(entry config.ProviderEntry) (realtime.Adapter, error) {
		var opts []openai.Option
		if entry.Model != "" {
			opts = append(opts, openai.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		return openai.New(entry.APIKey, opts...), nil
	})

	for _, name := range []string{deepgram.Name, openai.Name} {
		slog.Debug("registered adapter", "name", name)
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║       voicebridge — startup summary   ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	for _, p := range cfg.Providers {
		value := p.Name
		if p.Model != "" {
			value = p.Name + " / " + p.Model
		}
		if p.Name == cfg.DefaultProvider {
			value += " *"
		}
		if len(value) > 19 {
			value = value[:16] + "…"
		}
		fmt.Printf("║  provider        : %-19s ║\n", value)
	}
	fmt.Printf("║  rate entries    : %-19d ║\n", len(cfg.Rates))
	if cfg.Server.ListenAddr != "" {
		fmt.Printf("║  listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

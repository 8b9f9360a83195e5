// Command cadenza is the main entry point for the Cadenza voice conductor
// server.
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
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/cadenzalabs/cadenza/internal/conductor"
	"github.com/cadenzalabs/cadenza/internal/config"
	"github.com/cadenzalabs/cadenza/internal/health"
	"github.com/cadenzalabs/cadenza/internal/observe"
	"github.com/cadenzalabs/cadenza/internal/server"
	"github.com/cadenzalabs/cadenza/internal/session"
	"github.com/cadenzalabs/cadenza/pkg/provider/model"
	"github.com/cadenzalabs/cadenza/pkg/provider/model/anthropic"
	"github.com/cadenzalabs/cadenza/pkg/provider/model/bedrock"
	"github.com/cadenzalabs/cadenza/pkg/provider/model/openai"
)

// version is stamped at build time via -ldflags.
var version = "dev"

const shutdownTimeout = 15 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	logLevel := flag.String("log-level", "", "override the configured log level (debug, info, warn, error)")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "cadenza: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "cadenza: %v\n", err)
		}
		return 1
	}
	if *logLevel != "" {
		cfg.Server.LogLevel = config.LogLevel(*logLevel)
		if !cfg.Server.LogLevel.IsValid() {
			fmt.Fprintf(os.Stderr, "cadenza: -log-level %q is invalid\n", *logLevel)
			return 1
		}
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("cadenza starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Metrics ───────────────────────────────────────────────────────────────
	shutdownMetrics, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "cadenza",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise metrics", "err", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownMetrics(flushCtx); err != nil {
			slog.Warn("metrics shutdown error", "err", err)
		}
	}()

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(ctx, reg)

	provider, err := reg.CreateModel(cfg.Provider)
	if err != nil {
		slog.Error("failed to create model provider", "name", cfg.Provider.Name, "err", err)
		return 1
	}
	slog.Info("provider created", "name", cfg.Provider.Name, "model", cfg.Provider.Model)

	// ── Core wiring ───────────────────────────────────────────────────────────
	metrics := observe.DefaultMetrics()
	store := session.NewStore(cfg.Limits.MaxTurns, cfg.Limits.RateLimitPerMinute,
		session.WithSessionGauge(metrics.ActiveSessions),
	)
	cond := conductor.New(store, provider,
		conductor.WithProviderName(cfg.Provider.Name),
		conductor.WithMetrics(metrics),
	)
	ws := server.New(store, cond,
		server.WithMaxEventBytes(cfg.Limits.MaxEventBytes),
		server.WithMetrics(metrics),
	)
	checks := health.New(store.Len,
		health.Checker{Name: "provider", Check: func(context.Context) error {
			if provider == nil {
				return errors.New("no model provider configured")
			}
			return nil
		}},
	)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", ws.ServeWS)
	mux.Handle("GET /metrics", promhttp.Handler())
	checks.Register(mux)

	httpSrv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)
	slog.Info("server ready — press Ctrl+C to shut down")

	// ── Serve ─────────────────────────────────────────────────────────────────
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutdown signal received, stopping…")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in model provider factories into
// reg. Each factory receives a config.ProviderConfig and constructs the
// provider from the real implementation packages.
func registerBuiltinProviders(ctx context.Context, reg *config.Registry) {
	reg.RegisterModel("anthropic", func(entry config.ProviderConfig) (model.Provider, error) {
		var opts []anthropic.Option
		if entry.BaseURL != "" {
			opts = append(opts, anthropic.WithBaseURL(entry.BaseURL))
		}
		if entry.MaxTokens > 0 {
			opts = append(opts, anthropic.WithMaxTokens(entry.MaxTokens))
		}
		if entry.ChunkDelayMs > 0 {
			opts = append(opts, anthropic.WithChunkDelay(time.Duration(entry.ChunkDelayMs)*time.Millisecond))
		}
		return anthropic.New(entry.APIKey, entry.Model, opts...)
	})

	reg.RegisterModel("bedrock", func(entry config.ProviderConfig) (model.Provider, error) {
		client, err := bedrock.LoadClient(ctx, entry.Region)
		if err != nil {
			return nil, err
		}
		var opts []bedrock.Option
		if entry.MaxTokens > 0 {
			opts = append(opts, bedrock.WithMaxTokens(entry.MaxTokens))
		}
		if entry.ChunkDelayMs > 0 {
			opts = append(opts, bedrock.WithChunkDelay(time.Duration(entry.ChunkDelayMs)*time.Millisecond))
		}
		return bedrock.New(client, entry.Model, opts...)
	})

	reg.RegisterModel("openai", func(entry config.ProviderConfig) (model.Provider, error) {
		var opts []openai.Option
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		if entry.MaxTokens > 0 {
			opts = append(opts, openai.WithMaxTokens(entry.MaxTokens))
		}
		if entry.ChunkDelayMs > 0 {
			opts = append(opts, openai.WithChunkDelay(time.Duration(entry.ChunkDelayMs)*time.Millisecond))
		}
		return openai.New(entry.APIKey, entry.Model, opts...)
	})

	for _, name := range reg.ModelNames() {
		slog.Debug("registered provider", "name", name)
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         Cadenza — startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printField("Provider", cfg.Provider.Name+" / "+cfg.Provider.Model)
	printField("Listen addr", cfg.Server.ListenAddr)
	printField("Max turns", fmt.Sprintf("%d", cfg.Limits.MaxTurns))
	printField("Rate limit", fmt.Sprintf("%d/min", cfg.Limits.RateLimitPerMinute))
	printField("Event cap", fmt.Sprintf("%d bytes", cfg.Limits.MaxEventBytes))
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printField(name, value string) {
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-15s : %-19s ║\n", name, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

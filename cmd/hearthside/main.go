// Command hearthside runs the voice companion: microphone capture, the Gemini
// Live duplex session, and speaker playback, with a Prometheus metrics
// endpoint for observability.
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
	"sync/atomic"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/hearthside-ai/hearthside/internal/config"
	"github.com/hearthside-ai/hearthside/internal/controller"
	"github.com/hearthside-ai/hearthside/internal/observe"
	"github.com/hearthside-ai/hearthside/internal/session"
	"github.com/hearthside-ai/hearthside/pkg/audio/capture"
	"github.com/hearthside-ai/hearthside/pkg/audio/playback"
	"github.com/hearthside-ai/hearthside/pkg/s2s"
	"github.com/hearthside-ai/hearthside/pkg/s2s/gemini"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// Credentials commonly live in a .env next to the binary during development.
	_ = godotenv.Load()

	// ── Load configuration (with hot reload) ──────────────────────────────────
	var current atomic.Pointer[config.Config]
	levelVar := new(slog.LevelVar)

	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		current.Store(new)
		d := config.Diff(old, new)
		if d.LogLevelChanged {
			levelVar.Set(slogLevel(d.NewLogLevel))
			slog.Info("log level changed", "level", d.NewLogLevel)
		}
		if d.AudioChanged {
			slog.Info("audio gains changed; they apply to the next session")
		}
		if d.ConversationChanged {
			slog.Info("conversation settings changed; restart to apply")
		}
	})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "hearthside: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "hearthside: %v\n", err)
		}
		return 1
	}
	defer watcher.Stop()

	cfg := watcher.Current()
	current.Store(cfg)

	// ── Logger ────────────────────────────────────────────────────────────────
	levelVar.Set(slogLevel(cfg.Server.LogLevel))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: levelVar}))
	slog.SetDefault(logger)

	slog.Info("hearthside starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
		"voice", cfg.Conversation.Voice,
	)

	// The API key must be resolvable before we touch any device or socket.
	apiKey, err := cfg.Gemini.ResolveAPIKey()
	if err != nil {
		fmt.Fprintf(os.Stderr, "hearthside: %v\n", err)
		return 1
	}

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "hearthside"})
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

	// ── Session stack ─────────────────────────────────────────────────────────
	var geminiOpts []gemini.Option
	if cfg.Gemini.Model != "" {
		geminiOpts = append(geminiOpts, gemini.WithModel(cfg.Gemini.Model))
	}
	if cfg.Gemini.BaseURL != "" {
		geminiOpts = append(geminiOpts, gemini.WithBaseURL(cfg.Gemini.BaseURL))
	}
	provider := gemini.New(apiKey, geminiOpts...)

	history := session.NewHistory(0)

	// Assigned after the manager exists; the callbacks below only fire once a
	// session is live, well after both are wired.
	var reconnector *session.Reconnector

	manager := session.NewManager(session.Config{
		Provider: provider,
		Factories: session.Factories{
			NewSource: func() (controller.FrameSource, error) {
				dev, err := capture.NewMalgoDevice()
				if err != nil {
					return nil, err
				}
				audioCfg := current.Load().Audio
				return capture.New(dev, capture.Config{
					DeviceGain:   audioCfg.DeviceGain,
					SoftwareGain: audioCfg.SoftwareGain,
				}, logger), nil
			},
			NewPlayer: func() (session.Player, error) {
				clock := playback.NewClock()
				sink, err := playback.NewOtoSink(clock)
				if err != nil {
					return nil, err
				}
				return playback.New(clock, sink, logger), nil
			},
		},
		Conversation: controller.Config{
			Session: s2s.Config{
				Voice:        cfg.Conversation.Voice,
				Temperature:  cfg.Conversation.Temperature,
				Instructions: cfg.Conversation.Instructions,
			},
			Greeting: cfg.Conversation.Greeting,
		},
		Callbacks: controller.Callbacks{
			OnState: func(s controller.State) {
				slog.Info("session state", "state", s.String())
			},
			OnTranscript: func(t controller.Transcript) {
				history.Add(t)
				fmt.Printf("[%s] %s\n", t.Speaker, t.Text)
			},
			OnTurnComplete: func() {
				slog.Debug("turn complete")
			},
			// The reconnector checks connection state before acting, so a
			// spurious notify is harmless.
			OnError: func(err error) {
				slog.Warn("session error", "err", err)
				reconnector.NotifyDisconnect()
			},
		},
		Logger:  logger,
		Metrics: metrics,
	})

	reconnector = session.NewReconnector(session.ReconnectorConfig{
		Manager: manager,
		OnReconnect: func() {
			slog.Info("session re-established")
		},
	})
	defer reconnector.Stop()
	reconnector.Monitor(ctx)

	// ── Metrics server ────────────────────────────────────────────────────────
	g, gctx := errgroup.WithContext(ctx)
	if cfg.Server.ListenAddr != "" {
		srv := newMetricsServer(cfg.Server.ListenAddr, metrics)
		g.Go(func() error {
			slog.Info("metrics server listening", "addr", cfg.Server.ListenAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	// ── Connect and run ───────────────────────────────────────────────────────
	if err := manager.Connect(ctx); err != nil {
		slog.Error("failed to start session", "err", err)
		return 1
	}

	slog.Info("session live — press Ctrl+C to hang up")
	<-ctx.Done()

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutdown signal received, stopping")
	reconnector.Stop()

	if err := manager.Disconnect(); err != nil {
		slog.Warn("session disconnect error", "err", err)
	}
	slog.Info("conversation ended",
		"transcripts", history.Len(),
		"evicted", history.EvictedCount(),
	)

	if err := g.Wait(); err != nil {
		slog.Warn("metrics server shutdown error", "err", err)
	}

	slog.Info("goodbye")
	return 0
}

// newMetricsServer builds the HTTP server exposing /metrics and /healthz.
func newMetricsServer(addr string, metrics *observe.Metrics) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})

	return &http.Server{
		Addr:              addr,
		Handler:           observe.Middleware(metrics)(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

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

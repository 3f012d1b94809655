package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/enscrypted/gecko/internal/backend"
	"github.com/enscrypted/gecko/internal/conf"
	"github.com/enscrypted/gecko/internal/engine"
	"github.com/enscrypted/gecko/internal/metrics"
	"github.com/enscrypted/gecko/internal/state"
	"github.com/enscrypted/gecko/internal/transport"
	"github.com/enscrypted/gecko/internal/transport/ws"
)

func runCommand(settings *conf.Settings) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the audio engine until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := settings.Validate(); err != nil {
				return err
			}
			return runEngine(settings)
		},
	}
}

func runEngine(settings *conf.Settings) error {
	setupLogging(settings.LogLevel)

	shared := state.NewSharedState()
	commands := transport.NewCommandQueue(64)
	events := transport.NewEventQueue(256)

	registry := prometheus.NewRegistry()
	met, err := metrics.NewEngineMetrics(registry)
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	eng := engine.New(engine.Config{
		SampleRate:      settings.SampleRate,
		FramesPerBuffer: settings.FramesPerBuffer,
		OutputDevice:    settings.OutputDevice,
		AutoCapture:     settings.AutoCapture,
	}, shared, commands, events, func() (backend.CaptureSource, error) {
		return backend.NewPlatformBackend(settings.Backend, settings.SampleRate)
	}, engine.Options{Metrics: met})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if settings.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: settings.MetricsAddr, Handler: mux}
		go func() {
			slog.Info("metrics listening", "addr", settings.MetricsAddr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("metrics server failed", "err", err)
			}
		}()
		defer func() {
			shCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(shCtx)
		}()
	}

	e := echo.New()
	e.HideBanner = true
	bridge := ws.NewHandler(commands, events)
	bridge.Register(e)
	go bridge.Run(ctx)
	go func() {
		slog.Info("control bridge listening", "addr", settings.ListenAddr)
		if err := e.Start(settings.ListenAddr); err != nil && err != http.ErrServerClosed {
			slog.Error("control bridge failed", "err", err)
		}
	}()
	defer func() {
		shCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = e.Shutdown(shCtx)
	}()

	commands.Push(transport.Command{Type: transport.CmdStart})
	eng.Run(ctx)
	return nil
}

// setupLogging installs a text slog handler at the configured level.
func setupLogging(level string) {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}

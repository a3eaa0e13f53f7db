// Command relay runs a transcription session on this machine and relays its
// transcripts and status lines to browser pages over WebSocket.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"livescribe/internal/bootstrap"
	"livescribe/internal/bridge"
	"livescribe/internal/config"
	"livescribe/internal/observe"
)

var version = "dev"

const shutdownTimeout = 10 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	addr := flag.String("addr", "", "listen address (overrides LIVESCRIBE_HTTP_ADDR)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "livescribe-relay: %v\n", err)
		return 1
	}
	if *addr != "" {
		cfg.Server.HTTPAddr = *addr
	}

	logger, err := observe.NewLogger(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "livescribe-relay: %v\n", err)
		return 1
	}
	defer func() { _ = logger.Sync() }()

	reporter, err := observe.InitReporter(cfg.Sentry.DSN, cfg.Sentry.Environment)
	if err != nil {
		logger.Warn("sentry disabled", zap.Error(err))
	}
	defer reporter.Flush(2 * time.Second)

	provider, err := observe.InitProvider("livescribe-relay", version)
	if err != nil {
		logger.Error("failed to initialise metrics", zap.Error(err))
		return 1
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(ctx); err != nil {
			logger.Warn("metrics shutdown error", zap.Error(err))
		}
	}()

	metrics, err := observe.NewMetrics(provider.MeterProvider)
	if err != nil {
		logger.Error("failed to create metric instruments", zap.Error(err))
		return 1
	}

	services, err := bootstrap.BuildWithConfig(cfg, bootstrap.Options{
		Logger:   logger,
		Metrics:  metrics,
		Reporter: reporter,
	})
	if err != nil {
		logger.Error("failed to build services", zap.Error(err))
		return 1
	}

	hub := bridge.NewHub(logger.Named("hub"), metrics)
	bridge.Attach(services.Client, hub)

	server := bridge.NewServer(bridge.ServerConfig{
		Hub:        hub,
		Controller: services,
		Metrics:    provider.Handler,
		Logger:     logger.Named("http"),
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		logger.Info("relay listening", zap.String("addr", cfg.Server.HTTPAddr), zap.String("version", version))
		if err := server.Start(cfg.Server.HTTPAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := services.StopSession(shutdownCtx); err != nil {
			logger.Warn("session did not stop cleanly", zap.Error(err))
		}
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("relay stopped with error", zap.Error(err))
		return 1
	}
	logger.Info("goodbye")
	return 0
}

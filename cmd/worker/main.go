package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"invoicer/internal/app"
	"invoicer/internal/platform/config"
	"invoicer/internal/platform/httpserver"
	"invoicer/internal/platform/logger"
	"invoicer/internal/platform/metrics"
	httptransport "invoicer/internal/transport/http"
)

// main runs the issuance worker on its own. The HTTP listener only serves
// /healthz and /metrics.
func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}
	log := logger.New(cfg.Log)

	if cfg.Queue.Backend == config.BackendMemory || cfg.Storage.Backend == config.BackendMemory {
		log.Error("standalone worker needs shared storage and queue backends",
			"storage", cfg.Storage.Backend,
			"queue", cfg.Queue.Backend,
		)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("worker stopped with error", "error", err)
		os.Exit(1)
	}
	log.Info("worker stopped")
}

func run(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	reg := prometheus.DefaultRegisterer

	infra, err := app.Open(ctx, cfg, log, reg)
	if err != nil {
		return err
	}
	defer infra.Close()

	router := httptransport.NewRouter(httptransport.RouterConfig{
		Logger:  log,
		Metrics: metrics.New(reg),
		Health:  infra.Health,
	})
	srv := httpserver.New(cfg.Server, router)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return httpserver.Run(ctx, srv, cfg.Server.ShutdownTimeout, log)
	})
	g.Go(func() error { return infra.RunWorker(ctx) })
	return g.Wait()
}

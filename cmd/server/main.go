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
	requesthandler "invoicer/internal/invoicerequest/handler"
	requestmetrics "invoicer/internal/invoicerequest/metrics"
	requestservice "invoicer/internal/invoicerequest/service"
	"invoicer/internal/platform/config"
	"invoicer/internal/platform/httpserver"
	"invoicer/internal/platform/logger"
	"invoicer/internal/platform/metrics"
	httptransport "invoicer/internal/transport/http"
)

// main serves the invoice request API and, unless disabled, runs the
// issuance worker in the same process.
func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}
	log := logger.New(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("server stopped with error", "error", err)
		os.Exit(1)
	}
	log.Info("server stopped")
}

func run(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	reg := prometheus.DefaultRegisterer

	infra, err := app.Open(ctx, cfg, log, reg)
	if err != nil {
		return err
	}
	defer infra.Close()

	svc, err := requestservice.New(infra.Requests, infra.Gateway,
		requestservice.WithLogger(log),
		requestservice.WithMetrics(requestmetrics.New(reg)),
		requestservice.WithTopic(cfg.Queue.Topic),
	)
	if err != nil {
		return err
	}

	router := httptransport.NewRouter(httptransport.RouterConfig{
		Logger:  log,
		Metrics: metrics.New(reg),
		Health:  infra.Health,
	}, requesthandler.New(svc, log))
	srv := httpserver.New(cfg.Server, router)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return httpserver.Run(ctx, srv, cfg.Server.ShutdownTimeout, log)
	})
	if cfg.Server.EmbeddedWorker {
		g.Go(func() error { return infra.RunWorker(ctx) })
	} else {
		log.Info("embedded issuance worker disabled")
	}
	return g.Wait()
}

// Package app assembles the process from configuration: the invoice request
// store, the queue gateway and the issuance worker. Both cmd/server and
// cmd/worker build on it.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	requestservice "invoicer/internal/invoicerequest/service"
	"invoicer/internal/invoicerequest/store"
	issuanceclient "invoicer/internal/issuance/client"
	"invoicer/internal/issuance/consumer"
	issuancemetrics "invoicer/internal/issuance/metrics"
	issuance "invoicer/internal/issuance/service"
	"invoicer/internal/platform/config"
	"invoicer/internal/platform/postgres"
	"invoicer/internal/platform/queue"
	"invoicer/internal/platform/queue/kafka"
	"invoicer/internal/platform/queue/memory"
	"invoicer/internal/platform/redis"
)

// HealthCheck reports whether one dependency is reachable.
type HealthCheck func(ctx context.Context) error

// Infra holds the shared infrastructure of a process.
type Infra struct {
	Requests requestservice.Store
	Gateway  *queue.Gateway
	// Checks maps dependency names to their health probes.
	Checks map[string]HealthCheck

	cfg     *config.Config
	logger  *slog.Logger
	reg     prometheus.Registerer
	closers []func() error
}

// Open connects the configured store and queue backends. On error anything
// already opened is closed.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger, reg prometheus.Registerer) (_ *Infra, err error) {
	infra := &Infra{
		Checks: map[string]HealthCheck{},
		cfg:    cfg,
		logger: logger,
		reg:    reg,
	}
	defer func() {
		if err != nil {
			infra.Close()
		}
	}()

	if err := infra.openStore(ctx); err != nil {
		return nil, err
	}
	if err := infra.openQueue(ctx); err != nil {
		return nil, err
	}
	return infra, nil
}

func (i *Infra) openStore(ctx context.Context) error {
	switch i.cfg.Storage.Backend {
	case config.BackendPostgres:
		db, err := postgres.Open(ctx, i.cfg.Postgres)
		if err != nil {
			return err
		}
		i.closers = append(i.closers, db.Close)
		s := store.NewPostgres(db)
		if err := s.EnsureSchema(ctx); err != nil {
			return err
		}
		i.Requests = s
		i.Checks["postgres"] = func(ctx context.Context) error { return postgres.Health(ctx, db) }
	case config.BackendRedis:
		client, err := redis.New(ctx, i.cfg.Redis)
		if err != nil {
			return err
		}
		i.closers = append(i.closers, client.Close)
		i.Requests = store.NewRedis(client.Client, store.WithKeyPrefix(i.cfg.Redis.KeyPrefix))
		i.Checks["redis"] = client.Health
	default:
		i.Requests = store.NewInMemory()
	}
	i.logger.Info("invoice request store ready", "backend", i.cfg.Storage.Backend)
	return nil
}

func (i *Infra) openQueue(ctx context.Context) error {
	var transport queue.Transport
	switch i.cfg.Queue.Backend {
	case config.BackendKafka:
		t, err := kafka.New(ctx, i.cfg.Kafka, i.logger)
		if err != nil {
			return err
		}
		i.closers = append(i.closers, t.Close)
		topics := []string{i.cfg.Queue.Topic}
		if i.cfg.Queue.DeadLetterTopic != "" {
			topics = append(topics, i.cfg.Queue.DeadLetterTopic)
		}
		if err := t.EnsureTopics(ctx, topics...); err != nil {
			return err
		}
		i.Checks["kafka"] = t.Ping
		transport = t
	default:
		b := memory.New()
		i.closers = append(i.closers, b.Close)
		transport = b
	}

	opts := []queue.Option{
		queue.WithLogger(i.logger),
		queue.WithRegisterer(i.reg),
		queue.WithReconnectDelay(i.cfg.Queue.ReconnectDelay),
	}
	if i.cfg.Queue.MaxDeliveries > 0 {
		opts = append(opts, queue.WithDeadLetter(i.cfg.Queue.MaxDeliveries, i.cfg.Queue.DeadLetterTopic))
	}
	i.Gateway = queue.NewGateway(transport, opts...)
	i.logger.Info("queue gateway ready", "backend", i.cfg.Queue.Backend, "topic", i.cfg.Queue.Topic)
	return nil
}

// Health runs every check and joins the failures.
func (i *Infra) Health(ctx context.Context) error {
	var errs []error
	for name, check := range i.Checks {
		if err := check(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// Close releases connections in reverse opening order.
func (i *Infra) Close() {
	for n := len(i.closers) - 1; n >= 0; n-- {
		if err := i.closers[n](); err != nil {
			i.logger.Warn("close failed", "error", err)
		}
	}
	i.closers = nil
}

// NewIssuanceHandler wires the issuance API client, the retry and breaker
// executor and the orchestrator into a queue handler.
func (i *Infra) NewIssuanceHandler() (*consumer.IssuanceHandler, error) {
	m := issuancemetrics.New(i.reg)
	downstream := issuanceclient.New(i.cfg.Downstream.BaseURL, i.cfg.Downstream.Authorization, i.cfg.Downstream.HTTPTimeout)
	executor := issuance.NewDownstreamExecutor(i.cfg.Resilience, i.logger, m)

	svc, err := issuance.New(i.Requests, downstream, executor,
		issuance.WithLogger(i.logger),
		issuance.WithMetrics(m),
	)
	if err != nil {
		return nil, fmt.Errorf("build issuance service: %w", err)
	}
	return consumer.NewIssuanceHandler(svc, i.logger), nil
}

// RunWorker consumes the issuance topic until ctx is done.
func (i *Infra) RunWorker(ctx context.Context) error {
	h, err := i.NewIssuanceHandler()
	if err != nil {
		return err
	}
	i.logger.Info("issuance worker starting", "topic", i.cfg.Queue.Topic)
	return i.Gateway.Consume(ctx, i.cfg.Queue.Topic, h.Handle)
}

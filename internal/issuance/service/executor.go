package service

import (
	"log/slog"
	"time"

	"invoicer/internal/issuance/client"
	"invoicer/internal/issuance/metrics"
	"invoicer/internal/platform/config"
	"invoicer/pkg/platform/circuit"
	"invoicer/pkg/platform/resilience"
	"invoicer/pkg/platform/retry"
)

// DownstreamBreakerName labels the issuance API breaker in logs and metrics.
const DownstreamBreakerName = "issuance_api"

// NewDownstreamExecutor builds the retry and breaker pair guarding the
// issuance API from cfg. Breaker transitions and retries are logged and
// counted on m.
func NewDownstreamExecutor(cfg config.Resilience, logger *slog.Logger, m *metrics.Metrics, opts ...retry.Option) *resilience.Executor {
	if logger == nil {
		logger = slog.Default()
	}

	breaker := circuit.New(DownstreamBreakerName,
		circuit.WithFailureThreshold(cfg.FailureThreshold),
		circuit.WithMinRequests(cfg.MinRequests),
		circuit.WithCallTimeout(cfg.CallTimeout),
		circuit.WithResetTimeout(cfg.ResetTimeout),
		circuit.WithRollingWindow(cfg.RollingWindow, cfg.RollingBuckets),
		circuit.WithOnStateChange(func(c circuit.StateChange) {
			m.ObserveBreakerState(c)
			switch {
			case c.Opened():
				logger.Warn("circuit breaker opened", "breaker", c.Name, "from", c.From.String())
			case c.Closed():
				logger.Info("circuit breaker closed", "breaker", c.Name)
			default:
				logger.Info("circuit breaker half-open, probing", "breaker", c.Name)
			}
		}),
		circuit.WithOnReject(m.IncrementBreakerRejection),
	)

	retrier := retry.New(retry.Policy{
		MaxAttempts:  cfg.MaxAttempts,
		InitialDelay: cfg.InitialDelay,
		MaxDelay:     cfg.MaxDelay,
		Retryable:    client.IsRetryable,
		OnRetry: func(attempt int, err error, delay time.Duration) {
			m.IncrementRetry()
			logger.Warn("issuance attempt failed, retrying",
				"attempt", attempt,
				"delay_ms", delay.Milliseconds(),
				"error", err,
			)
		},
	}, opts...)

	return resilience.New(breaker, retrier, resilience.WithOverallDeadline(cfg.OverallDeadline))
}

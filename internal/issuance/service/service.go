// Package service drives one invoice request from PENDING_ISSUANCE to ISSUED.
//
// ProcessIssuance is the worker's unit of work. It is idempotent: requests
// that are missing or no longer pending are skipped, and the final write is
// conditional on the request still being pending so two workers handling the
// same event cannot both persist an issuance.
//
// Errors returned from ProcessIssuance mean "try again later": the queue
// gateway requeues the message. Skips return nil.
package service

//go:generate mockgen -source=service.go -destination=mocks/mocks.go -package=mocks

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"invoicer/internal/invoicerequest/models"
	"invoicer/internal/issuance/client"
	"invoicer/internal/issuance/metrics"
	id "invoicer/pkg/domain"
	dErrors "invoicer/pkg/domain-errors"
	"invoicer/pkg/platform/circuit"
	"invoicer/pkg/platform/resilience"
	"invoicer/pkg/platform/sentinel"
)

const tracerName = "invoicer/internal/issuance"

// Store is the subset of the invoice request repository the worker needs.
type Store interface {
	FindByID(ctx context.Context, requestID id.InvoiceRequestID) (*models.InvoiceRequest, error)
	UpdateIfStatus(ctx context.Context, req *models.InvoiceRequest, expected models.Status) error
}

// Issuer submits one issuance to the external API.
type Issuer interface {
	Issue(ctx context.Context, p client.Payload) (*client.Result, error)
}

type Service struct {
	requests Store
	issuer   Issuer
	executor *resilience.Executor
	logger   *slog.Logger
	metrics  *metrics.Metrics
	tracer   trace.Tracer
	now      func() time.Time
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithClock sets the clock that stamps UpdatedAt when a result is applied.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithTracer overrides the global otel tracer.
func WithTracer(t trace.Tracer) Option {
	return func(s *Service) {
		if t != nil {
			s.tracer = t
		}
	}
}

func New(requests Store, issuer Issuer, executor *resilience.Executor, opts ...Option) (*Service, error) {
	if requests == nil {
		return nil, errors.New("invoice request store is required")
	}
	if issuer == nil {
		return nil, errors.New("issuer is required")
	}
	if executor == nil {
		return nil, errors.New("resilience executor is required")
	}
	s := &Service{
		requests: requests,
		issuer:   issuer,
		executor: executor,
		logger:   slog.Default(),
		tracer:   otel.Tracer(tracerName),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// ProcessIssuance issues the invoice for requestID if it is still pending.
func (s *Service) ProcessIssuance(ctx context.Context, requestID id.InvoiceRequestID) (err error) {
	start := time.Now()
	defer s.metrics.ObserveProcessing(start)

	ctx, span := s.tracer.Start(ctx, "issuance.process",
		trace.WithAttributes(attribute.String("invoice_request.id", requestID.String())))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	log := s.logger.With("invoice_request_id", requestID.String())

	req, err := s.requests.FindByID(ctx, requestID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			log.WarnContext(ctx, "invoice request not found, skipping")
			s.metrics.IncrementOutcome(metrics.OutcomeSkippedNotFound)
			return nil
		}
		s.metrics.IncrementOutcome(metrics.OutcomeFailed)
		return dErrors.Wrap(err, dErrors.CodeUnavailable, "failed to load invoice request")
	}

	if !req.IsPending() {
		log.InfoContext(ctx, "invoice request is not pending, skipping", "status", req.Status)
		span.SetAttributes(attribute.String("invoice_request.status", req.Status.String()))
		s.metrics.IncrementOutcome(metrics.OutcomeSkippedStatus)
		return nil
	}

	result, err := resilience.Call(ctx, s.executor, func(ctx context.Context) (*client.Result, error) {
		return s.issuer.Issue(ctx, payloadFor(req))
	})
	if errors.Is(err, client.ErrUnusableResponse) {
		// The API accepted the issuance; redelivery would issue a second invoice.
		s.metrics.IncrementOutcome(metrics.OutcomeUnreconciled)
		log.ErrorContext(ctx, "issuance accepted but response unusable, left pending for reconciliation", "error", err)
		span.SetStatus(codes.Error, err.Error())
		return nil
	}
	if err != nil {
		s.metrics.IncrementOutcome(metrics.OutcomeFailed)
		log.ErrorContext(ctx, "invoice issuance failed", "error", err)
		if errors.Is(err, circuit.ErrOpen) {
			return dErrors.Wrap(err, dErrors.CodeUnavailable, "issuance api circuit is open")
		}
		return dErrors.Wrap(err, dErrors.CodeDownstreamFailure, "issuance api call failed")
	}

	if err := req.MarkIssued(result.InvoiceNumber, result.IssuedAt, s.now()); err != nil {
		s.metrics.IncrementOutcome(metrics.OutcomeFailed)
		log.ErrorContext(ctx, "issued invoice rejected by aggregate", "error", err)
		return err
	}

	if err := s.requests.UpdateIfStatus(ctx, req, models.StatusPendingIssuance); err != nil {
		if errors.Is(err, sentinel.ErrConflict) || errors.Is(err, sentinel.ErrNotFound) {
			log.WarnContext(ctx, "invoice request changed during issuance, discarding result",
				"invoice_number", result.InvoiceNumber,
			)
			s.metrics.IncrementOutcome(metrics.OutcomeConflict)
			return nil
		}
		s.metrics.IncrementOutcome(metrics.OutcomeFailed)
		log.ErrorContext(ctx, "failed to persist issued invoice",
			"invoice_number", result.InvoiceNumber,
			"error", err,
		)
		return dErrors.Wrap(err, dErrors.CodeUnavailable, "failed to persist issued invoice")
	}

	span.SetAttributes(attribute.String("invoice.number", result.InvoiceNumber))
	s.metrics.IncrementOutcome(metrics.OutcomeIssued)
	log.InfoContext(ctx, "invoice issued", "invoice_number", result.InvoiceNumber)
	return nil
}

func payloadFor(req *models.InvoiceRequest) client.Payload {
	return client.Payload{
		PayerTaxID:          req.PayerTaxID,
		ServiceMunicipality: req.ServiceMunicipality,
		ServiceState:        req.ServiceState,
		Amount:              req.Amount,
		DesiredIssueDate:    req.DesiredIssueDate,
		Description:         req.Description,
	}
}

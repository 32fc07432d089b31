package service

//go:generate mockgen -source=service.go -destination=mocks/mocks.go -package=mocks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"invoicer/internal/invoicerequest/metrics"
	"invoicer/internal/invoicerequest/models"
	id "invoicer/pkg/domain"
	dErrors "invoicer/pkg/domain-errors"
	"invoicer/pkg/platform/sentinel"
	"invoicer/pkg/requestcontext"
)

// DefaultTopic is the logical queue carrying issuance events.
const DefaultTopic = "invoice_requests"

// Store persists invoice request aggregates.
type Store interface {
	Save(ctx context.Context, req *models.InvoiceRequest) error
	FindByID(ctx context.Context, requestID id.InvoiceRequestID) (*models.InvoiceRequest, error)
	FindAll(ctx context.Context) ([]*models.InvoiceRequest, error)
	FindByStatus(ctx context.Context, status models.Status) ([]*models.InvoiceRequest, error)
	UpdateIfStatus(ctx context.Context, req *models.InvoiceRequest, expected models.Status) error
}

// Publisher hands serialized events to the queue.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, body []byte) error
}

// CreateCommand carries validated producer input.
type CreateCommand struct {
	Fields models.Fields
}

// Service accepts invoice requests and queues them for issuance.
type Service struct {
	requests  Store
	publisher Publisher
	topic     string
	logger    *slog.Logger
	metrics   *metrics.Metrics
	newID     func() id.InvoiceRequestID
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

// WithTopic overrides the issuance topic.
func WithTopic(topic string) Option {
	return func(s *Service) {
		if topic != "" {
			s.topic = topic
		}
	}
}

// WithIDGenerator replaces random ids, mainly for tests.
func WithIDGenerator(fn func() id.InvoiceRequestID) Option {
	return func(s *Service) {
		if fn != nil {
			s.newID = fn
		}
	}
}

// New constructs a Service.
func New(requests Store, publisher Publisher, opts ...Option) (*Service, error) {
	if requests == nil {
		return nil, errors.New("invoice request store is required")
	}
	if publisher == nil {
		return nil, errors.New("publisher is required")
	}
	s := &Service{
		requests:  requests,
		publisher: publisher,
		topic:     DefaultTopic,
		logger:    slog.Default(),
		newID:     id.NewInvoiceRequestID,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Create persists a pending request and then publishes its issuance event.
// If publishing fails the request stays stored as pending and can be
// republished with RequeuePending.
func (s *Service) Create(ctx context.Context, cmd CreateCommand) (*models.InvoiceRequest, error) {
	start := time.Now()
	defer s.metrics.ObserveCreate(start)

	req, err := models.NewInvoiceRequest(s.newID(), cmd.Fields, requestcontext.Now(ctx))
	if err != nil {
		if dErrors.HasCode(err, dErrors.CodeInvariantViolation) {
			return nil, dErrors.New(dErrors.CodeValidation, messageOf(err))
		}
		return nil, err
	}

	if err := s.requests.Save(ctx, req); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to save invoice request")
	}

	if err := s.publish(ctx, req.ID); err != nil {
		s.metrics.IncrementPublishFailure()
		s.logger.ErrorContext(ctx, "failed to publish issuance event",
			"invoice_request_id", req.ID,
			"request_id", requestcontext.RequestID(ctx),
			"error", err,
		)
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "invoice request saved but could not be queued")
	}

	s.metrics.IncrementCreated()
	s.logger.InfoContext(ctx, "invoice request accepted",
		"invoice_request_id", req.ID,
		"request_id", requestcontext.RequestID(ctx),
	)
	return req, nil
}

func (s *Service) Get(ctx context.Context, requestID id.InvoiceRequestID) (*models.InvoiceRequest, error) {
	req, err := s.requests.FindByID(ctx, requestID)
	if err != nil {
		return nil, wrapStoreErr(err, "failed to load invoice request")
	}
	return req, nil
}

func (s *Service) List(ctx context.Context) ([]*models.InvoiceRequest, error) {
	reqs, err := s.requests.FindAll(ctx)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list invoice requests")
	}
	return reqs, nil
}

func (s *Service) ListByStatus(ctx context.Context, status models.Status) ([]*models.InvoiceRequest, error) {
	if !status.IsValid() {
		return nil, dErrors.New(dErrors.CodeValidation, "invalid status filter")
	}
	reqs, err := s.requests.FindByStatus(ctx, status)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list invoice requests")
	}
	return reqs, nil
}

// Cancel moves a pending request to CANCELLED. The write is conditional on
// the request still being pending, so a concurrent issuance wins.
func (s *Service) Cancel(ctx context.Context, requestID id.InvoiceRequestID) (*models.InvoiceRequest, error) {
	req, err := s.requests.FindByID(ctx, requestID)
	if err != nil {
		return nil, wrapStoreErr(err, "failed to load invoice request")
	}

	if err := req.CanCancel(); err != nil {
		return nil, dErrors.New(dErrors.CodeConflict,
			fmt.Sprintf("invoice request is %s and cannot be cancelled", req.Status))
	}
	req.ApplyCancellation(requestcontext.Now(ctx))

	if err := s.requests.UpdateIfStatus(ctx, req, models.StatusPendingIssuance); err != nil {
		return nil, wrapStoreErr(err, "failed to cancel invoice request")
	}

	s.metrics.IncrementCancelled()
	s.logger.InfoContext(ctx, "invoice request cancelled",
		"invoice_request_id", req.ID,
		"request_id", requestcontext.RequestID(ctx),
	)
	return req, nil
}

// RequeuePending republishes the issuance event of every pending request.
// Duplicate events are harmless: the worker skips requests that are no
// longer pending.
func (s *Service) RequeuePending(ctx context.Context) (int, error) {
	pending, err := s.requests.FindByStatus(ctx, models.StatusPendingIssuance)
	if err != nil {
		return 0, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list pending invoice requests")
	}
	published := 0
	for _, req := range pending {
		if err := s.publish(ctx, req.ID); err != nil {
			s.metrics.AddRequeued(published)
			return published, dErrors.Wrap(err, dErrors.CodeUnavailable, "failed to requeue pending invoice requests")
		}
		published++
	}
	s.metrics.AddRequeued(published)
	s.logger.InfoContext(ctx, "pending invoice requests requeued", "count", published)
	return published, nil
}

func (s *Service) publish(ctx context.Context, requestID id.InvoiceRequestID) error {
	body, err := models.EncodeIssuanceRequested(models.IssuanceRequested{InvoiceRequestID: requestID})
	if err != nil {
		return err
	}
	return s.publisher.Publish(ctx, s.topic, requestID.String(), body)
}

func wrapStoreErr(err error, msg string) error {
	switch {
	case errors.Is(err, sentinel.ErrNotFound):
		return dErrors.New(dErrors.CodeNotFound, "invoice request not found")
	case errors.Is(err, sentinel.ErrConflict):
		return dErrors.New(dErrors.CodeConflict, "invoice request changed concurrently")
	default:
		return dErrors.Wrap(err, dErrors.CodeInternal, msg)
	}
}

func messageOf(err error) string {
	var de *dErrors.Error
	if errors.As(err, &de) {
		return de.Message
	}
	return err.Error()
}

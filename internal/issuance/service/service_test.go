package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"invoicer/internal/invoicerequest/models"
	"invoicer/internal/issuance/client"
	"invoicer/internal/issuance/metrics"
	"invoicer/internal/issuance/service/mocks"
	"invoicer/internal/platform/config"
	id "invoicer/pkg/domain"
	dErrors "invoicer/pkg/domain-errors"
	"invoicer/pkg/platform/circuit"
	"invoicer/pkg/platform/retry"
	"invoicer/pkg/platform/sentinel"
	"invoicer/pkg/requestcontext"
)

// instantTimer fires immediately and records requested waits.
type instantTimer struct {
	delays []time.Duration
	c      chan time.Time
}

func (t *instantTimer) Start(d time.Duration) {
	t.delays = append(t.delays, d)
	t.c <- time.Time{}
}
func (t *instantTimer) Stop()               {}
func (t *instantTimer) C() <-chan time.Time { return t.c }

type ProcessIssuanceSuite struct {
	suite.Suite
	store   *mocks.MockStore
	issuer  *mocks.MockIssuer
	timer   *instantTimer
	metrics *metrics.Metrics
	service *Service
	ctx     context.Context
	now     time.Time
	// applied is what the service clock reads once the API has answered.
	applied time.Time
}

func TestProcessIssuanceSuite(t *testing.T) {
	suite.Run(t, new(ProcessIssuanceSuite))
}

func testResilience() config.Resilience {
	return config.Resilience{
		MaxAttempts:      5,
		InitialDelay:     time.Second,
		CallTimeout:      time.Second,
		FailureThreshold: 50,
		MinRequests:      100,
		ResetTimeout:     30 * time.Second,
		RollingWindow:    10 * time.Second,
		RollingBuckets:   10,
	}
}

func (s *ProcessIssuanceSuite) SetupTest() {
	ctrl := gomock.NewController(s.T())
	s.store = mocks.NewMockStore(ctrl)
	s.issuer = mocks.NewMockIssuer(ctrl)
	s.timer = &instantTimer{c: make(chan time.Time, 1)}
	s.metrics = metrics.New(prometheus.NewRegistry())
	s.now = time.Date(2025, 3, 15, 12, 0, 0, 0, time.UTC)
	s.applied = s.now.Add(2 * time.Minute)
	s.ctx = requestcontext.WithTime(context.Background(), s.now)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	executor := NewDownstreamExecutor(testResilience(), logger, s.metrics,
		retry.WithRandom(func() float64 { return 0 }),
		retry.WithTimer(func() backoff.Timer { return s.timer }),
	)
	svc, err := New(s.store, s.issuer, executor,
		WithLogger(logger),
		WithMetrics(s.metrics),
		WithClock(func() time.Time { return s.applied }),
	)
	s.Require().NoError(err)
	s.service = svc
}

func (s *ProcessIssuanceSuite) pending() *models.InvoiceRequest {
	req, err := models.NewInvoiceRequest(id.NewInvoiceRequestID(), models.Fields{
		PayerTaxID:          "12345678000199",
		ServiceMunicipality: "Curitiba",
		ServiceState:        "PR",
		Amount:              decimal.RequireFromString("250.75"),
		DesiredIssueDate:    time.Date(2025, 3, 15, 0, 0, 0, 0, time.UTC),
		Description:         "consulting",
	}, s.now.Add(-time.Hour))
	s.Require().NoError(err)
	return req
}

func (s *ProcessIssuanceSuite) outcome(name string) float64 {
	return promtestutil.ToFloat64(s.metrics.Outcomes.WithLabelValues(name))
}

func (s *ProcessIssuanceSuite) TestIssuesPendingRequest() {
	req := s.pending()
	issuedAt := time.Date(2025, 3, 15, 10, 0, 0, 0, time.UTC)

	s.store.EXPECT().FindByID(gomock.Any(), req.ID).Return(req, nil)
	s.issuer.EXPECT().Issue(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, p client.Payload) (*client.Result, error) {
			s.Equal("Curitiba", p.ServiceMunicipality)
			s.True(p.Amount.Equal(decimal.RequireFromString("250.75")))
			return &client.Result{InvoiceNumber: "NF-1", IssuedAt: issuedAt}, nil
		})
	s.store.EXPECT().UpdateIfStatus(gomock.Any(), gomock.Any(), models.StatusPendingIssuance).DoAndReturn(
		func(_ context.Context, saved *models.InvoiceRequest, _ models.Status) error {
			s.Equal(models.StatusIssued, saved.Status)
			s.Equal("NF-1", *saved.InvoiceNumber)
			s.Equal(issuedAt, *saved.IssuedAt)
			s.Equal(s.applied, saved.UpdatedAt, "updated_at is stamped when the result is applied")
			return nil
		})

	s.Require().NoError(s.service.ProcessIssuance(s.ctx, req.ID))
	s.Equal(1.0, s.outcome(metrics.OutcomeIssued))
}

func (s *ProcessIssuanceSuite) TestSkips() {
	s.Run("missing request is acknowledged", func() {
		missing := id.NewInvoiceRequestID()
		s.store.EXPECT().FindByID(gomock.Any(), missing).Return(nil, sentinel.ErrNotFound)

		s.NoError(s.service.ProcessIssuance(s.ctx, missing))
		s.Equal(1.0, s.outcome(metrics.OutcomeSkippedNotFound))
	})

	s.Run("issued request is not re-issued", func() {
		req := s.pending()
		s.Require().NoError(req.MarkIssued("NF-0", s.now, s.now))
		s.store.EXPECT().FindByID(gomock.Any(), req.ID).Return(req, nil)

		s.NoError(s.service.ProcessIssuance(s.ctx, req.ID))
	})

	s.Run("cancelled request is not issued", func() {
		req := s.pending()
		s.Require().NoError(req.MarkCancelled(s.now))
		s.store.EXPECT().FindByID(gomock.Any(), req.ID).Return(req, nil)

		s.NoError(s.service.ProcessIssuance(s.ctx, req.ID))
		s.Equal(2.0, s.outcome(metrics.OutcomeSkippedStatus))
	})
}

func (s *ProcessIssuanceSuite) TestRepositoryReadFailureIsNotRetried() {
	req := s.pending()
	s.store.EXPECT().FindByID(gomock.Any(), req.ID).Return(nil, errors.New("connection refused"))

	err := s.service.ProcessIssuance(s.ctx, req.ID)

	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeUnavailable))
	s.Empty(s.timer.delays)
}

func (s *ProcessIssuanceSuite) TestRetriesThenSucceeds() {
	req := s.pending()
	s.store.EXPECT().FindByID(gomock.Any(), req.ID).Return(req, nil)
	gomock.InOrder(
		s.issuer.EXPECT().Issue(gomock.Any(), gomock.Any()).Return(nil, &client.DownstreamError{StatusCode: http.StatusBadGateway}).Times(2),
		s.issuer.EXPECT().Issue(gomock.Any(), gomock.Any()).Return(&client.Result{InvoiceNumber: "NF-7", IssuedAt: s.now}, nil),
	)
	s.store.EXPECT().UpdateIfStatus(gomock.Any(), gomock.Any(), models.StatusPendingIssuance).Return(nil)

	s.Require().NoError(s.service.ProcessIssuance(s.ctx, req.ID))
	s.Equal([]time.Duration{time.Second, 2 * time.Second}, s.timer.delays)
	s.Equal(2.0, promtestutil.ToFloat64(s.metrics.DownstreamRetries))
}

func (s *ProcessIssuanceSuite) TestExhaustedRetriesLeaveRequestPending() {
	req := s.pending()
	s.store.EXPECT().FindByID(gomock.Any(), req.ID).Return(req, nil)
	s.issuer.EXPECT().Issue(gomock.Any(), gomock.Any()).Return(nil, &client.DownstreamError{StatusCode: http.StatusServiceUnavailable}).Times(5)

	err := s.service.ProcessIssuance(s.ctx, req.ID)

	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeDownstreamFailure))
	var exhausted *retry.ExhaustedError
	s.Require().ErrorAs(err, &exhausted)
	s.Equal(5, exhausted.Attempts)
	s.Equal([]time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second}, s.timer.delays)
	s.Equal(models.StatusPendingIssuance, req.Status)
	s.Equal(1.0, s.outcome(metrics.OutcomeFailed))
}

func (s *ProcessIssuanceSuite) TestClientErrorStopsImmediately() {
	req := s.pending()
	s.store.EXPECT().FindByID(gomock.Any(), req.ID).Return(req, nil)
	s.issuer.EXPECT().Issue(gomock.Any(), gomock.Any()).Return(nil, &client.DownstreamError{StatusCode: http.StatusUnprocessableEntity, Body: "bad cnpj"})

	err := s.service.ProcessIssuance(s.ctx, req.ID)

	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeDownstreamFailure))
	s.Empty(s.timer.delays)
}

func (s *ProcessIssuanceSuite) TestUnusableSuccessResponseIsNotReposted() {
	req := s.pending()
	s.store.EXPECT().FindByID(gomock.Any(), req.ID).Return(req, nil)
	s.issuer.EXPECT().Issue(gomock.Any(), gomock.Any()).Return(nil, &client.DownstreamError{
		StatusCode: http.StatusOK,
		Err:        fmt.Errorf("%w: parse dataEmissao", client.ErrUnusableResponse),
	}).Times(1)

	s.NoError(s.service.ProcessIssuance(s.ctx, req.ID), "acknowledged so redelivery cannot issue again")
	s.Empty(s.timer.delays)
	s.Equal(models.StatusPendingIssuance, req.Status)
	s.Equal(1.0, s.outcome(metrics.OutcomeUnreconciled))
}

func (s *ProcessIssuanceSuite) TestConcurrentIssuanceIsDiscarded() {
	req := s.pending()
	s.store.EXPECT().FindByID(gomock.Any(), req.ID).Return(req, nil)
	s.issuer.EXPECT().Issue(gomock.Any(), gomock.Any()).Return(&client.Result{InvoiceNumber: "NF-9", IssuedAt: s.now}, nil)
	s.store.EXPECT().UpdateIfStatus(gomock.Any(), gomock.Any(), models.StatusPendingIssuance).Return(sentinel.ErrConflict)

	s.NoError(s.service.ProcessIssuance(s.ctx, req.ID))
	s.Equal(1.0, s.outcome(metrics.OutcomeConflict))
}

func (s *ProcessIssuanceSuite) TestPersistFailureIsReturned() {
	req := s.pending()
	s.store.EXPECT().FindByID(gomock.Any(), req.ID).Return(req, nil)
	s.issuer.EXPECT().Issue(gomock.Any(), gomock.Any()).Return(&client.Result{InvoiceNumber: "NF-9", IssuedAt: s.now}, nil)
	s.store.EXPECT().UpdateIfStatus(gomock.Any(), gomock.Any(), models.StatusPendingIssuance).Return(errors.New("timeout"))

	err := s.service.ProcessIssuance(s.ctx, req.ID)
	s.True(dErrors.HasCode(err, dErrors.CodeUnavailable))
}

func (s *ProcessIssuanceSuite) TestEmptyInvoiceNumberViolatesAggregate() {
	req := s.pending()
	s.store.EXPECT().FindByID(gomock.Any(), req.ID).Return(req, nil)
	s.issuer.EXPECT().Issue(gomock.Any(), gomock.Any()).Return(&client.Result{IssuedAt: s.now}, nil)

	err := s.service.ProcessIssuance(s.ctx, req.ID)
	s.True(dErrors.HasCode(err, dErrors.CodeInvariantViolation))
}

// Justification: an open breaker must surface as unavailable and still
// consume the whole retry budget without reaching the API again.
func TestOpenBreakerShortCircuits(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := mocks.NewMockStore(ctrl)
	issuer := mocks.NewMockIssuer(ctrl)
	m := metrics.New(prometheus.NewRegistry())
	timer := &instantTimer{c: make(chan time.Time, 1)}

	cfg := testResilience()
	cfg.MinRequests = 1
	executor := NewDownstreamExecutor(cfg, nil, m,
		retry.WithRandom(func() float64 { return 0 }),
		retry.WithTimer(func() backoff.Timer { return timer }),
	)
	svc, err := New(store, issuer, executor, WithMetrics(m))
	if err != nil {
		t.Fatal(err)
	}

	req, err := models.NewInvoiceRequest(id.NewInvoiceRequestID(), models.Fields{
		PayerTaxID: "1", ServiceMunicipality: "Curitiba", ServiceState: "PR",
		Amount: decimal.NewFromInt(10), DesiredIssueDate: time.Now(), Description: "x",
	}, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	store.EXPECT().FindByID(gomock.Any(), req.ID).Return(req, nil)
	issuer.EXPECT().Issue(gomock.Any(), gomock.Any()).Return(nil, &client.DownstreamError{StatusCode: 500}).Times(1)

	err = svc.ProcessIssuance(context.Background(), req.ID)

	if !errors.Is(err, circuit.ErrOpen) {
		t.Fatalf("expected circuit open, got %v", err)
	}
	if !dErrors.HasCode(err, dErrors.CodeUnavailable) {
		t.Fatalf("expected unavailable code, got %v", err)
	}
	if got := promtestutil.ToFloat64(m.BreakerRejections.WithLabelValues(DownstreamBreakerName)); got != 4 {
		t.Fatalf("expected 4 rejections, got %v", got)
	}
	if got := promtestutil.ToFloat64(m.BreakerState.WithLabelValues(DownstreamBreakerName)); got != float64(circuit.StateOpen) {
		t.Fatalf("expected open state gauge, got %v", got)
	}
}

// Justification: the external API may answer with any ISO-8601 date. Each
// successful POST creates a real invoice, so one delivery must post once and
// persist the result.
func TestDateOnlyIssueDateFromAPI(t *testing.T) {
	var posts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		n := posts.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"numeroNF":    fmt.Sprintf("NF-%d", n),
			"dataEmissao": "2025-03-15",
		})
	}))
	defer srv.Close()

	ctrl := gomock.NewController(t)
	store := mocks.NewMockStore(ctrl)
	m := metrics.New(prometheus.NewRegistry())
	timer := &instantTimer{c: make(chan time.Time, 1)}
	executor := NewDownstreamExecutor(testResilience(), nil, m,
		retry.WithRandom(func() float64 { return 0 }),
		retry.WithTimer(func() backoff.Timer { return timer }),
	)
	svc, err := New(store, client.New(srv.URL, "", time.Second), executor, WithMetrics(m))
	if err != nil {
		t.Fatal(err)
	}

	req, err := models.NewInvoiceRequest(id.NewInvoiceRequestID(), models.Fields{
		PayerTaxID: "12345678000199", ServiceMunicipality: "Curitiba", ServiceState: "PR",
		Amount: decimal.RequireFromString("250.75"), DesiredIssueDate: time.Now(), Description: "consulting",
	}, time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	store.EXPECT().FindByID(gomock.Any(), req.ID).Return(req, nil)
	store.EXPECT().UpdateIfStatus(gomock.Any(), gomock.Any(), models.StatusPendingIssuance).DoAndReturn(
		func(_ context.Context, saved *models.InvoiceRequest, _ models.Status) error {
			if saved.Status != models.StatusIssued || *saved.InvoiceNumber != "NF-1" {
				t.Errorf("unexpected saved state %s %v", saved.Status, saved.InvoiceNumber)
			}
			if !saved.IssuedAt.Equal(time.Date(2025, 3, 15, 0, 0, 0, 0, time.UTC)) {
				t.Errorf("unexpected issued at %s", saved.IssuedAt)
			}
			return nil
		})

	if err := svc.ProcessIssuance(context.Background(), req.ID); err != nil {
		t.Fatalf("expected issuance to succeed, got %v", err)
	}
	if got := posts.Load(); got != 1 {
		t.Fatalf("expected exactly one POST, got %d", got)
	}
	if len(timer.delays) != 0 {
		t.Fatalf("expected no retries, got %v", timer.delays)
	}
}

// Justification: a 2xx reply that cannot be read still means the API issued
// an invoice. Re-posting would create a duplicate, so the delivery is settled
// after a single POST.
func TestUnreadableSuccessBodyPostsOnce(t *testing.T) {
	var posts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		posts.Add(1)
		_, _ = w.Write([]byte(`{"numeroNF":"NF-1","dataEmissao":"mid-march"}`))
	}))
	defer srv.Close()

	ctrl := gomock.NewController(t)
	store := mocks.NewMockStore(ctrl)
	m := metrics.New(prometheus.NewRegistry())
	timer := &instantTimer{c: make(chan time.Time, 1)}
	executor := NewDownstreamExecutor(testResilience(), nil, m,
		retry.WithRandom(func() float64 { return 0 }),
		retry.WithTimer(func() backoff.Timer { return timer }),
	)
	svc, err := New(store, client.New(srv.URL, "", time.Second), executor, WithMetrics(m))
	if err != nil {
		t.Fatal(err)
	}

	req, err := models.NewInvoiceRequest(id.NewInvoiceRequestID(), models.Fields{
		PayerTaxID: "12345678000199", ServiceMunicipality: "Curitiba", ServiceState: "PR",
		Amount: decimal.RequireFromString("250.75"), DesiredIssueDate: time.Now(), Description: "consulting",
	}, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	store.EXPECT().FindByID(gomock.Any(), req.ID).Return(req, nil)

	if err := svc.ProcessIssuance(context.Background(), req.ID); err != nil {
		t.Fatalf("expected the delivery to be acknowledged, got %v", err)
	}
	if got := posts.Load(); got != 1 {
		t.Fatalf("expected exactly one POST, got %d", got)
	}
	if got := promtestutil.ToFloat64(m.Outcomes.WithLabelValues(metrics.OutcomeUnreconciled)); got != 1 {
		t.Fatalf("expected one unreconciled outcome, got %v", got)
	}
}

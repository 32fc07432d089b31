package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"invoicer/internal/invoicerequest/handler/mocks"
	"invoicer/internal/invoicerequest/models"
	"invoicer/internal/invoicerequest/service"
	id "invoicer/pkg/domain"
	dErrors "invoicer/pkg/domain-errors"
	"invoicer/pkg/requestcontext"
	"invoicer/pkg/testutil"
)

type HandlerSuite struct {
	suite.Suite
	service *mocks.MockService
	router  chi.Router
	now     time.Time
}

func TestHandlerSuite(t *testing.T) {
	suite.Run(t, new(HandlerSuite))
}

func (s *HandlerSuite) SetupTest() {
	ctrl := gomock.NewController(s.T())
	s.service = mocks.NewMockService(ctrl)
	s.router = chi.NewRouter()
	New(s.service, slog.New(slog.NewTextHandler(io.Discard, nil))).Register(s.router)
	s.now = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
}

func validBody() map[string]any {
	return map[string]any{
		"payer_tax_id":         "12345678000199",
		"service_municipality": "Curitiba",
		"service_state":        "pr",
		"amount":               250.75,
		"desired_issue_date":   "2025-03-15T00:00:00Z",
		"description":          "consulting",
	}
}

func (s *HandlerSuite) stored(status models.Status) *models.InvoiceRequest {
	req, err := models.NewInvoiceRequest(id.NewInvoiceRequestID(), models.Fields{
		PayerTaxID:          "12345678000199",
		ServiceMunicipality: "Curitiba",
		ServiceState:        "PR",
		Amount:              decimal.RequireFromString("250.75"),
		DesiredIssueDate:    s.now,
		Description:         "consulting",
	}, s.now)
	s.Require().NoError(err)
	if status == models.StatusIssued {
		s.Require().NoError(req.MarkIssued("NF-1", s.now, s.now))
	}
	return req
}

func (s *HandlerSuite) TestCreate() {
	s.Run("accepted request returns 202 with id and status", func() {
		created := s.stored(models.StatusPendingIssuance)
		s.service.EXPECT().Create(gomock.Any(), gomock.Any()).DoAndReturn(
			func(_ context.Context, cmd service.CreateCommand) (*models.InvoiceRequest, error) {
				s.Equal("PR", cmd.Fields.ServiceState)
				s.True(cmd.Fields.Amount.Equal(decimal.RequireFromString("250.75")))
				s.Equal(time.Date(2025, 3, 15, 0, 0, 0, 0, time.UTC), cmd.Fields.DesiredIssueDate)
				return created, nil
			})

		rr := testutil.Serve(s.router, testutil.NewJSONRequest(s.T(), http.MethodPost, "/api/invoice-requests", validBody()))

		s.Equal(http.StatusAccepted, rr.Code)
		body := testutil.DecodeJSON[acceptedResponse](s.T(), rr)
		s.Equal(created.ID.String(), body.ID)
		s.Equal("PENDING_ISSUANCE", body.Status)
		s.Equal(acceptedMessage, body.Message)
	})

	s.Run("request id and clock reach the service", func() {
		s.service.EXPECT().Create(gomock.Any(), gomock.Any()).DoAndReturn(
			func(ctx context.Context, _ service.CreateCommand) (*models.InvoiceRequest, error) {
				s.Equal("req-42", requestcontext.RequestID(ctx))
				s.Equal(s.now, requestcontext.Now(ctx))
				return s.stored(models.StatusPendingIssuance), nil
			})

		req := testutil.NewJSONRequest(s.T(), http.MethodPost, "/api/invoice-requests", validBody())
		req = testutil.WithRequestTime(testutil.WithRequestID(req, "req-42"), s.now)

		rr := testutil.Serve(s.router, req)
		s.Equal(http.StatusAccepted, rr.Code)
	})

	s.Run("date-only issue date is accepted", func() {
		s.service.EXPECT().Create(gomock.Any(), gomock.Any()).Return(s.stored(models.StatusPendingIssuance), nil)
		body := validBody()
		body["desired_issue_date"] = "2025-03-15"

		rr := testutil.Serve(s.router, testutil.NewJSONRequest(s.T(), http.MethodPost, "/api/invoice-requests", body))
		s.Equal(http.StatusAccepted, rr.Code)
	})

	cases := []struct {
		name   string
		mutate func(map[string]any)
	}{
		{"missing tax id", func(b map[string]any) { delete(b, "payer_tax_id") }},
		{"blank municipality", func(b map[string]any) { b["service_municipality"] = "   " }},
		{"missing amount", func(b map[string]any) { delete(b, "amount") }},
		{"zero amount", func(b map[string]any) { b["amount"] = 0 }},
		{"negative amount", func(b map[string]any) { b["amount"] = -10 }},
		{"unparseable date", func(b map[string]any) { b["desired_issue_date"] = "next tuesday" }},
		{"missing description", func(b map[string]any) { delete(b, "description") }},
	}
	for _, tc := range cases {
		s.Run(tc.name+" is rejected with 400", func() {
			body := validBody()
			tc.mutate(body)

			rr := testutil.Serve(s.router, testutil.NewJSONRequest(s.T(), http.MethodPost, "/api/invoice-requests", body))
			testutil.AssertError(s.T(), rr, http.StatusBadRequest, string(dErrors.CodeValidation))
		})
	}

	s.Run("malformed JSON is a bad request", func() {
		rr := testutil.Serve(s.router, testutil.NewJSONRequest(s.T(), http.MethodPost, "/api/invoice-requests", `{"amount":`))
		testutil.AssertError(s.T(), rr, http.StatusBadRequest, string(dErrors.CodeBadRequest))
	})

	s.Run("queue outage surfaces as 503", func() {
		s.service.EXPECT().Create(gomock.Any(), gomock.Any()).
			Return(nil, dErrors.Wrap(errors.New("broker down"), dErrors.CodeUnavailable, "could not be queued"))

		rr := testutil.Serve(s.router, testutil.NewJSONRequest(s.T(), http.MethodPost, "/api/invoice-requests", validBody()))
		testutil.AssertError(s.T(), rr, http.StatusServiceUnavailable, string(dErrors.CodeUnavailable))
	})
}

func (s *HandlerSuite) TestGet() {
	s.Run("returns the snapshot", func() {
		issued := s.stored(models.StatusIssued)
		s.service.EXPECT().Get(gomock.Any(), issued.ID).Return(issued, nil)

		rr := testutil.Serve(s.router, testutil.NewJSONRequest(s.T(), http.MethodGet, "/api/invoice-requests/"+issued.ID.String(), nil))

		s.Equal(http.StatusOK, rr.Code)
		body := testutil.DecodeJSON[invoiceRequestResponse](s.T(), rr)
		s.Equal("ISSUED", body.Status)
		s.Require().NotNil(body.InvoiceNumber)
		s.Equal("NF-1", *body.InvoiceNumber)
		s.Equal("250.75", body.Amount)
	})

	s.Run("unknown id is 404", func() {
		missing := id.NewInvoiceRequestID()
		s.service.EXPECT().Get(gomock.Any(), missing).Return(nil, dErrors.New(dErrors.CodeNotFound, "invoice request not found"))

		rr := testutil.Serve(s.router, testutil.NewJSONRequest(s.T(), http.MethodGet, "/api/invoice-requests/"+missing.String(), nil))
		testutil.AssertError(s.T(), rr, http.StatusNotFound, string(dErrors.CodeNotFound))
	})

	s.Run("malformed id is 400", func() {
		rr := testutil.Serve(s.router, testutil.NewJSONRequest(s.T(), http.MethodGet, "/api/invoice-requests/not-a-uuid", nil))
		testutil.AssertError(s.T(), rr, http.StatusBadRequest, string(dErrors.CodeInvalidInput))
	})
}

func (s *HandlerSuite) TestList() {
	s.Run("lists everything without a filter", func() {
		s.service.EXPECT().List(gomock.Any()).Return([]*models.InvoiceRequest{
			s.stored(models.StatusPendingIssuance), s.stored(models.StatusIssued),
		}, nil)

		rr := testutil.Serve(s.router, testutil.NewJSONRequest(s.T(), http.MethodGet, "/api/invoice-requests", nil))

		s.Equal(http.StatusOK, rr.Code)
		body := testutil.DecodeJSON[listResponse](s.T(), rr)
		s.Equal(2, body.Total)
	})

	s.Run("filters by status", func() {
		s.service.EXPECT().ListByStatus(gomock.Any(), models.StatusIssued).Return(nil, nil)

		rr := testutil.Serve(s.router, testutil.NewJSONRequest(s.T(), http.MethodGet, "/api/invoice-requests?status=ISSUED", nil))

		s.Equal(http.StatusOK, rr.Code)
		body := testutil.DecodeJSON[listResponse](s.T(), rr)
		s.Zero(body.Total)
		s.NotNil(body.Items)
	})

	s.Run("unknown status filter is 400", func() {
		rr := testutil.Serve(s.router, testutil.NewJSONRequest(s.T(), http.MethodGet, "/api/invoice-requests?status=DRAFT", nil))
		testutil.AssertError(s.T(), rr, http.StatusBadRequest, string(dErrors.CodeValidation))
	})
}

func (s *HandlerSuite) TestCancel() {
	s.Run("cancelled request is returned", func() {
		req := s.stored(models.StatusPendingIssuance)
		s.Require().NoError(req.MarkCancelled(s.now))
		s.service.EXPECT().Cancel(gomock.Any(), req.ID).Return(req, nil)

		rr := testutil.Serve(s.router, testutil.NewJSONRequest(s.T(), http.MethodPost, "/api/invoice-requests/"+req.ID.String()+"/cancel", nil))

		s.Equal(http.StatusOK, rr.Code)
		s.Equal("CANCELLED", testutil.DecodeJSON[invoiceRequestResponse](s.T(), rr).Status)
	})

	s.Run("issued request is a conflict", func() {
		req := s.stored(models.StatusIssued)
		s.service.EXPECT().Cancel(gomock.Any(), req.ID).Return(nil, dErrors.New(dErrors.CodeConflict, "invoice request is ISSUED and cannot be cancelled"))

		rr := testutil.Serve(s.router, testutil.NewJSONRequest(s.T(), http.MethodPost, "/api/invoice-requests/"+req.ID.String()+"/cancel", nil))
		testutil.AssertError(s.T(), rr, http.StatusConflict, string(dErrors.CodeConflict))
	})
}

func (s *HandlerSuite) TestRequeuePending() {
	s.service.EXPECT().RequeuePending(gomock.Any()).Return(3, nil)

	rr := testutil.Serve(s.router, testutil.NewJSONRequest(s.T(), http.MethodPost, "/api/invoice-requests/requeue-pending", nil))

	s.Equal(http.StatusAccepted, rr.Code)
	s.Equal(3, testutil.DecodeJSON[requeueResponse](s.T(), rr).Requeued)
}

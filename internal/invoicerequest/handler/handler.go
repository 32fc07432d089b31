package handler

//go:generate mockgen -source=handler.go -destination=mocks/mocks.go -package=mocks Service

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"invoicer/internal/invoicerequest/models"
	"invoicer/internal/invoicerequest/service"
	id "invoicer/pkg/domain"
	dErrors "invoicer/pkg/domain-errors"
	"invoicer/pkg/platform/httputil"
	"invoicer/pkg/requestcontext"
)

// Service defines the producer operations the handler exposes.
type Service interface {
	Create(ctx context.Context, cmd service.CreateCommand) (*models.InvoiceRequest, error)
	Get(ctx context.Context, requestID id.InvoiceRequestID) (*models.InvoiceRequest, error)
	List(ctx context.Context) ([]*models.InvoiceRequest, error)
	ListByStatus(ctx context.Context, status models.Status) ([]*models.InvoiceRequest, error)
	Cancel(ctx context.Context, requestID id.InvoiceRequestID) (*models.InvoiceRequest, error)
	RequeuePending(ctx context.Context) (int, error)
}

// Handler serves the invoice request endpoints.
type Handler struct {
	requests Service
	logger   *slog.Logger
}

// New creates a new invoice request Handler.
func New(requests Service, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{requests: requests, logger: logger}
}

// Register registers the invoice request routes with the chi router.
func (h *Handler) Register(r chi.Router) {
	r.Route("/api/invoice-requests", func(r chi.Router) {
		r.Post("/", h.handleCreate)
		r.Get("/", h.handleList)
		r.Post("/requeue-pending", h.handleRequeuePending)
		r.Get("/{id}", h.handleGet)
		r.Post("/{id}/cancel", h.handleCancel)
	})
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	req, ok := httputil.DecodeAndPrepare[CreateInvoiceRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}

	created, err := h.requests.Create(ctx, service.CreateCommand{Fields: req.Fields()})
	if err != nil {
		h.logFailure(ctx, "failed to create invoice request", err)
		httputil.WriteError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusAccepted, acceptedResponse{
		ID:      created.ID.String(),
		Status:  created.Status.String(),
		Message: acceptedMessage,
	})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID, err := id.ParseInvoiceRequestID(chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	req, err := h.requests.Get(ctx, requestID)
	if err != nil {
		h.logFailure(ctx, "failed to get invoice request", err)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toResponse(req))
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var (
		reqs []*models.InvoiceRequest
		err  error
	)
	if raw := r.URL.Query().Get("status"); raw != "" {
		status, parseErr := models.ParseStatus(raw)
		if parseErr != nil {
			httputil.WriteError(w, dErrors.New(dErrors.CodeValidation, "unknown status filter"))
			return
		}
		reqs, err = h.requests.ListByStatus(ctx, status)
	} else {
		reqs, err = h.requests.List(ctx)
	}
	if err != nil {
		h.logFailure(ctx, "failed to list invoice requests", err)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toListResponse(reqs))
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID, err := id.ParseInvoiceRequestID(chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	req, err := h.requests.Cancel(ctx, requestID)
	if err != nil {
		h.logFailure(ctx, "failed to cancel invoice request", err)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toResponse(req))
}

func (h *Handler) handleRequeuePending(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	n, err := h.requests.RequeuePending(ctx)
	if err != nil {
		h.logFailure(ctx, "failed to requeue pending invoice requests", err)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, requeueResponse{Requeued: n})
}

// logFailure logs client errors at warn and everything else at error.
func (h *Handler) logFailure(ctx context.Context, msg string, err error) {
	level := slog.LevelError
	if httputil.StatusFor(dErrors.CodeOf(err)) < http.StatusInternalServerError {
		level = slog.LevelWarn
	}
	h.logger.Log(ctx, level, msg,
		"request_id", requestcontext.RequestID(ctx),
		"error", err,
	)
}

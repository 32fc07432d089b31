// Package consumer turns queued issuance events into ProcessIssuance calls.
package consumer

import (
	"context"
	"errors"
	"log/slog"

	"invoicer/internal/invoicerequest/models"
	"invoicer/internal/platform/queue"
	id "invoicer/pkg/domain"
	"invoicer/pkg/requestcontext"
)

// Processor issues one invoice request.
type Processor interface {
	ProcessIssuance(ctx context.Context, requestID id.InvoiceRequestID) error
}

// IssuanceHandler handles messages from the issuance topic.
type IssuanceHandler struct {
	processor Processor
	logger    *slog.Logger
}

func NewIssuanceHandler(processor Processor, logger *slog.Logger) *IssuanceHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &IssuanceHandler{processor: processor, logger: logger}
}

// Handle decodes the event and processes it. Malformed events can never
// succeed, so they are logged and acknowledged.
func (h *IssuanceHandler) Handle(ctx context.Context, msg *queue.Message) error {
	evt, err := models.DecodeIssuanceRequested(msg.Body)
	if err != nil {
		if errors.Is(err, models.ErrMalformedEvent) {
			h.logger.ErrorContext(ctx, "discarding malformed issuance event",
				"message_id", msg.ID.String(),
				"key", msg.Key,
				"error", err,
			)
			return nil
		}
		return err
	}

	ctx = requestcontext.WithRequestID(ctx, msg.ID.String())
	return h.processor.ProcessIssuance(ctx, evt.InvoiceRequestID)
}

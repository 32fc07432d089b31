package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	id "invoicer/pkg/domain"
	dErrors "invoicer/pkg/domain-errors"
)

const (
	// EventTypeIssuanceRequested tags the event published after a request is created.
	EventTypeIssuanceRequested = "invoice_request.created"
	// EventVersionIssuanceRequested is the only supported schema version.
	EventVersionIssuanceRequested = 1
)

// ErrMalformedEvent marks a message body that can never be processed.
var ErrMalformedEvent = errors.New("malformed issuance event")

// IssuanceRequested carries only the aggregate id. Consumers re-read the
// aggregate instead of trusting event content.
type IssuanceRequested struct {
	InvoiceRequestID id.InvoiceRequestID
}

type issuanceRequestedWire struct {
	Type             string `json:"type"`
	Version          int    `json:"version"`
	InvoiceRequestID string `json:"invoice_request_id"`
}

// EncodeIssuanceRequested serializes e as a tagged, versioned record.
func EncodeIssuanceRequested(e IssuanceRequested) ([]byte, error) {
	if e.InvoiceRequestID.IsNil() {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "event requires an invoice request id")
	}
	return json.Marshal(issuanceRequestedWire{
		Type:             EventTypeIssuanceRequested,
		Version:          EventVersionIssuanceRequested,
		InvoiceRequestID: e.InvoiceRequestID.String(),
	})
}

// DecodeIssuanceRequested parses a message body. Unknown fields, trailing
// data, a wrong type tag, an unsupported version or a missing id are all
// rejected with ErrMalformedEvent.
func DecodeIssuanceRequested(body []byte) (IssuanceRequested, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()

	var w issuanceRequestedWire
	if err := dec.Decode(&w); err != nil {
		return IssuanceRequested{}, malformed(fmt.Sprintf("decode: %v", err))
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return IssuanceRequested{}, malformed("trailing data after event")
	}
	if w.Type != EventTypeIssuanceRequested {
		return IssuanceRequested{}, malformed(fmt.Sprintf("unexpected event type %q", w.Type))
	}
	if w.Version != EventVersionIssuanceRequested {
		return IssuanceRequested{}, malformed(fmt.Sprintf("unsupported event version %d", w.Version))
	}
	requestID, err := id.ParseInvoiceRequestID(w.InvoiceRequestID)
	if err != nil {
		return IssuanceRequested{}, dErrors.Wrap(errors.Join(ErrMalformedEvent, err), dErrors.CodeInvalidInput, "invalid invoice_request_id")
	}
	return IssuanceRequested{InvoiceRequestID: requestID}, nil
}

func malformed(msg string) error {
	return dErrors.Wrap(ErrMalformedEvent, dErrors.CodeInvalidInput, msg)
}

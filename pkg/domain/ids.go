// Package domain holds typed identifiers shared across modules.
//
// Each identifier is a distinct named type over uuid.UUID so an invoice
// request id can never be passed where a message id is expected.
package domain

import (
	"github.com/google/uuid"

	dErrors "invoicer/pkg/domain-errors"
)

type (
	// InvoiceRequestID identifies one invoice issuance request aggregate.
	InvoiceRequestID uuid.UUID
	// MessageID identifies one queue message.
	MessageID uuid.UUID
)

func NewInvoiceRequestID() InvoiceRequestID { return InvoiceRequestID(uuid.New()) }
func NewMessageID() MessageID               { return MessageID(uuid.New()) }

func (id InvoiceRequestID) String() string { return uuid.UUID(id).String() }
func (id MessageID) String() string        { return uuid.UUID(id).String() }

func (id InvoiceRequestID) IsNil() bool { return uuid.UUID(id) == uuid.Nil }
func (id MessageID) IsNil() bool        { return uuid.UUID(id) == uuid.Nil }

// ParseInvoiceRequestID parses s and rejects empty, malformed and nil UUIDs.
func ParseInvoiceRequestID(s string) (InvoiceRequestID, error) {
	u, err := parseUUID(s, "invoice request ID")
	return InvoiceRequestID(u), err
}

// ParseMessageID parses s and rejects empty, malformed and nil UUIDs.
func ParseMessageID(s string) (MessageID, error) {
	u, err := parseUUID(s, "message ID")
	return MessageID(u), err
}

func parseUUID(s, label string) (uuid.UUID, error) {
	if s == "" {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, label+" cannot be empty")
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, dErrors.Wrap(err, dErrors.CodeInvalidInput, "invalid "+label)
	}
	if u == uuid.Nil {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, label+" cannot be nil")
	}
	return u, nil
}

func (id InvoiceRequestID) MarshalText() ([]byte, error) { return uuid.UUID(id).MarshalText() }

func (id *InvoiceRequestID) UnmarshalText(b []byte) error {
	parsed, err := ParseInvoiceRequestID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

func (id MessageID) MarshalText() ([]byte, error) { return uuid.UUID(id).MarshalText() }

func (id *MessageID) UnmarshalText(b []byte) error {
	parsed, err := ParseMessageID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

package models

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	id "invoicer/pkg/domain"
	dErrors "invoicer/pkg/domain-errors"
)

// ErrIllegalTransition marks a rejected status transition. It is wrapped in a
// CodeInvariantViolation domain error.
var ErrIllegalTransition = errors.New("illegal status transition")

// Fields are the immutable business fields of a request.
type Fields struct {
	PayerTaxID          string          `json:"payer_tax_id"`
	ServiceMunicipality string          `json:"service_municipality"`
	ServiceState        string          `json:"service_state"`
	Amount              decimal.Decimal `json:"amount"`
	DesiredIssueDate    time.Time       `json:"desired_issue_date"`
	Description         string          `json:"description"`
}

// InvoiceRequest is the aggregate root for one issuance request.
//
// Invariants:
//   - Business fields are set at construction and never change
//   - Status only moves PENDING_ISSUANCE -> ISSUED or PENDING_ISSUANCE -> CANCELLED
//   - InvoiceNumber and IssuedAt are set together, exactly when Status is ISSUED
//   - CreatedAt is immutable; UpdatedAt moves on every mutation
type InvoiceRequest struct {
	ID id.InvoiceRequestID `json:"id"`
	Fields
	Status        Status     `json:"status"`
	InvoiceNumber *string    `json:"invoice_number,omitempty"`
	IssuedAt      *time.Time `json:"issued_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// NewInvoiceRequest builds a pending request. It checks structural
// completeness only; value rules belong to the producer boundary.
func NewInvoiceRequest(requestID id.InvoiceRequestID, f Fields, now time.Time) (*InvoiceRequest, error) {
	if requestID.IsNil() {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "invoice request id is required")
	}
	if err := f.checkComplete(); err != nil {
		return nil, err
	}
	return &InvoiceRequest{
		ID:        requestID,
		Fields:    f,
		Status:    StatusPendingIssuance,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (f Fields) checkComplete() error {
	var missing []string
	if strings.TrimSpace(f.PayerTaxID) == "" {
		missing = append(missing, "payer_tax_id")
	}
	if strings.TrimSpace(f.ServiceMunicipality) == "" {
		missing = append(missing, "service_municipality")
	}
	if strings.TrimSpace(f.ServiceState) == "" {
		missing = append(missing, "service_state")
	}
	if f.DesiredIssueDate.IsZero() {
		missing = append(missing, "desired_issue_date")
	}
	if strings.TrimSpace(f.Description) == "" {
		missing = append(missing, "description")
	}
	if len(missing) > 0 {
		return dErrors.New(dErrors.CodeInvariantViolation, "missing required fields: "+strings.Join(missing, ", "))
	}
	if !f.Amount.IsPositive() {
		return dErrors.New(dErrors.CodeInvariantViolation, "amount must be positive")
	}
	return nil
}

func (r *InvoiceRequest) IsPending() bool {
	return r.Status == StatusPendingIssuance
}

// CanIssue checks the PENDING_ISSUANCE -> ISSUED transition.
func (r *InvoiceRequest) CanIssue() error {
	if !r.Status.CanTransitionTo(StatusIssued) {
		return illegal(r.Status, StatusIssued)
	}
	return nil
}

// ApplyIssuance records the issued invoice. Call CanIssue first.
func (r *InvoiceRequest) ApplyIssuance(invoiceNumber string, issuedAt, now time.Time) {
	r.Status = StatusIssued
	r.InvoiceNumber = &invoiceNumber
	r.IssuedAt = &issuedAt
	r.UpdatedAt = now
}

// MarkIssued validates and applies issuance in one call. A second call on
// the same instance fails with ErrIllegalTransition.
func (r *InvoiceRequest) MarkIssued(invoiceNumber string, issuedAt, now time.Time) error {
	if err := r.CanIssue(); err != nil {
		return err
	}
	if invoiceNumber == "" || issuedAt.IsZero() {
		return dErrors.New(dErrors.CodeInvariantViolation, "invoice number and issue date are required")
	}
	r.ApplyIssuance(invoiceNumber, issuedAt, now)
	return nil
}

// CanCancel checks the PENDING_ISSUANCE -> CANCELLED transition. Cancelling
// an already cancelled request is rejected too.
func (r *InvoiceRequest) CanCancel() error {
	if !r.Status.CanTransitionTo(StatusCancelled) {
		return illegal(r.Status, StatusCancelled)
	}
	return nil
}

// ApplyCancellation moves the request to CANCELLED. Call CanCancel first.
func (r *InvoiceRequest) ApplyCancellation(now time.Time) {
	r.Status = StatusCancelled
	r.UpdatedAt = now
}

// MarkCancelled validates and applies cancellation in one call.
func (r *InvoiceRequest) MarkCancelled(now time.Time) error {
	if err := r.CanCancel(); err != nil {
		return err
	}
	r.ApplyCancellation(now)
	return nil
}

// Clone returns a deep copy so stores never share pointers with callers.
func (r *InvoiceRequest) Clone() *InvoiceRequest {
	c := *r
	if r.InvoiceNumber != nil {
		n := *r.InvoiceNumber
		c.InvoiceNumber = &n
	}
	if r.IssuedAt != nil {
		t := *r.IssuedAt
		c.IssuedAt = &t
	}
	return &c
}

func illegal(from, to Status) error {
	return dErrors.Wrap(ErrIllegalTransition, dErrors.CodeInvariantViolation,
		fmt.Sprintf("cannot move invoice request from %s to %s", from, to))
}

// Snapshot is the storage shape of an aggregate with an unparsed status.
type Snapshot struct {
	ID            id.InvoiceRequestID
	Fields        Fields
	Status        string
	InvoiceNumber *string
	IssuedAt      *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Rehydrate rebuilds an aggregate read from storage, rejecting unknown
// statuses and invoice fields that disagree with the status.
func Rehydrate(s Snapshot) (*InvoiceRequest, error) {
	status, err := ParseStatus(s.Status)
	if err != nil {
		return nil, err
	}
	hasNumber := s.InvoiceNumber != nil
	hasDate := s.IssuedAt != nil
	if hasNumber != hasDate {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "invoice number and issue date must be set together")
	}
	if hasNumber != (status == StatusIssued) {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "invoice fields must be set exactly when status is ISSUED")
	}
	r := &InvoiceRequest{
		ID:            s.ID,
		Fields:        s.Fields,
		Status:        status,
		InvoiceNumber: s.InvoiceNumber,
		IssuedAt:      s.IssuedAt,
		CreatedAt:     s.CreatedAt,
		UpdatedAt:     s.UpdatedAt,
	}
	return r.Clone(), nil
}

// Snapshot returns the storage shape of r.
func (r *InvoiceRequest) Snapshot() Snapshot {
	c := r.Clone()
	return Snapshot{
		ID:            c.ID,
		Fields:        c.Fields,
		Status:        string(c.Status),
		InvoiceNumber: c.InvoiceNumber,
		IssuedAt:      c.IssuedAt,
		CreatedAt:     c.CreatedAt,
		UpdatedAt:     c.UpdatedAt,
	}
}

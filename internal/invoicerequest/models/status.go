package models

import (
	dErrors "invoicer/pkg/domain-errors"
)

// Status is the lifecycle state of an invoice request.
type Status string

const (
	StatusPendingIssuance Status = "PENDING_ISSUANCE"
	StatusIssued          Status = "ISSUED"
	StatusCancelled       Status = "CANCELLED"
)

// ParseStatus accepts only the three known values.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.IsValid() {
		return "", dErrors.New(dErrors.CodeInvalidInput, "invalid status: must be PENDING_ISSUANCE, ISSUED or CANCELLED")
	}
	return st, nil
}

func (s Status) IsValid() bool {
	switch s {
	case StatusPendingIssuance, StatusIssued, StatusCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether no transition leaves s.
func (s Status) IsTerminal() bool {
	return s == StatusIssued || s == StatusCancelled
}

// CanTransitionTo encodes the transition table. Only PENDING_ISSUANCE has
// outgoing edges.
func (s Status) CanTransitionTo(target Status) bool {
	if s != StatusPendingIssuance {
		return false
	}
	return target == StatusIssued || target == StatusCancelled
}

func (s Status) String() string { return string(s) }

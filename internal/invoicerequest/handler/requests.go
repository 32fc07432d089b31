package handler

import (
	"errors"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"invoicer/internal/invoicerequest/models"
	dErrors "invoicer/pkg/domain-errors"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// CreateInvoiceRequest is the producer payload.
type CreateInvoiceRequest struct {
	PayerTaxID          string           `json:"payer_tax_id" validate:"required"`
	ServiceMunicipality string           `json:"service_municipality" validate:"required"`
	ServiceState        string           `json:"service_state" validate:"required"`
	Amount              *decimal.Decimal `json:"amount" validate:"required"`
	DesiredIssueDate    string           `json:"desired_issue_date" validate:"required"`
	Description         string           `json:"description" validate:"required"`

	issueDate time.Time
}

func (r *CreateInvoiceRequest) Normalize() {
	r.PayerTaxID = strings.TrimSpace(r.PayerTaxID)
	r.ServiceMunicipality = strings.TrimSpace(r.ServiceMunicipality)
	r.ServiceState = strings.ToUpper(strings.TrimSpace(r.ServiceState))
	r.DesiredIssueDate = strings.TrimSpace(r.DesiredIssueDate)
	r.Description = strings.TrimSpace(r.Description)
}

// Validate checks required fields, a positive amount and a parseable date.
func (r *CreateInvoiceRequest) Validate() error {
	if err := validate.Struct(r); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return dErrors.New(dErrors.CodeValidation, validationMessage(verrs[0]))
		}
		return dErrors.Wrap(err, dErrors.CodeValidation, "invalid request")
	}
	if !r.Amount.IsPositive() {
		return dErrors.New(dErrors.CodeValidation, "amount must be a positive number")
	}
	t, err := parseIssueDate(r.DesiredIssueDate)
	if err != nil {
		return dErrors.New(dErrors.CodeValidation, "desired_issue_date must be an ISO-8601 date")
	}
	r.issueDate = t
	return nil
}

// Fields returns the validated business fields. Call Validate first.
func (r *CreateInvoiceRequest) Fields() models.Fields {
	return models.Fields{
		PayerTaxID:          r.PayerTaxID,
		ServiceMunicipality: r.ServiceMunicipality,
		ServiceState:        r.ServiceState,
		Amount:              *r.Amount,
		DesiredIssueDate:    r.issueDate,
		Description:         r.Description,
	}
}

func parseIssueDate(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	return time.Parse(time.DateOnly, s)
}

func validationMessage(e validator.FieldError) string {
	switch e.Tag() {
	case "required":
		return e.Field() + " is required"
	default:
		return e.Field() + " is invalid"
	}
}

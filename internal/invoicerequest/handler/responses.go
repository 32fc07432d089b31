package handler

import (
	"time"

	"invoicer/internal/invoicerequest/models"
)

const acceptedMessage = "request received and forwarded for processing"

type acceptedResponse struct {
	ID      string `json:"id"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

type invoiceRequestResponse struct {
	ID                  string     `json:"id"`
	PayerTaxID          string     `json:"payer_tax_id"`
	ServiceMunicipality string     `json:"service_municipality"`
	ServiceState        string     `json:"service_state"`
	Amount              string     `json:"amount"`
	DesiredIssueDate    time.Time  `json:"desired_issue_date"`
	Description         string     `json:"description"`
	Status              string     `json:"status"`
	InvoiceNumber       *string    `json:"invoice_number,omitempty"`
	IssuedAt            *time.Time `json:"issued_at,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

type listResponse struct {
	Items []invoiceRequestResponse `json:"items"`
	Total int                      `json:"total"`
}

type requeueResponse struct {
	Requeued int `json:"requeued"`
}

func toResponse(r *models.InvoiceRequest) invoiceRequestResponse {
	return invoiceRequestResponse{
		ID:                  r.ID.String(),
		PayerTaxID:          r.PayerTaxID,
		ServiceMunicipality: r.ServiceMunicipality,
		ServiceState:        r.ServiceState,
		Amount:              r.Amount.String(),
		DesiredIssueDate:    r.DesiredIssueDate,
		Description:         r.Description,
		Status:              r.Status.String(),
		InvoiceNumber:       r.InvoiceNumber,
		IssuedAt:            r.IssuedAt,
		CreatedAt:           r.CreatedAt,
		UpdatedAt:           r.UpdatedAt,
	}
}

func toListResponse(reqs []*models.InvoiceRequest) listResponse {
	items := make([]invoiceRequestResponse, 0, len(reqs))
	for _, r := range reqs {
		items = append(items, toResponse(r))
	}
	return listResponse{Items: items, Total: len(items)}
}

// Package client calls the external tax-invoice issuance API.
//
// The client performs exactly one HTTP exchange per Issue call. Retry and
// circuit breaking wrap it from the outside.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	issuePath    = "/notas-fiscais"
	maxErrorBody = 4 << 10
)

// ErrUnusableResponse marks a 2xx reply whose body cannot be read. The
// invoice may already exist downstream, so the call must not be repeated.
var ErrUnusableResponse = errors.New("unusable issuance response")

// issuedAtLayouts are the ISO-8601 forms accepted for dataEmissao. Values
// without an offset are read as UTC.
var issuedAtLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04",
	time.DateOnly,
}

// Payload is one issuance submission.
type Payload struct {
	PayerTaxID          string
	ServiceMunicipality string
	ServiceState        string
	Amount              decimal.Decimal
	DesiredIssueDate    time.Time
	Description         string
}

// Result is the issued invoice.
type Result struct {
	InvoiceNumber string
	IssuedAt      time.Time
}

// wire shapes of the external API
type issueRequest struct {
	PayerTaxID          string      `json:"cnpjTomadorServico"`
	ServiceMunicipality string      `json:"municipioPrestacaoServico"`
	ServiceState        string      `json:"estadoPrestacaoServico"`
	Amount              json.Number `json:"valorServico"`
	DesiredIssueDate    string      `json:"dataDesejadaEmissao"`
	Description         string      `json:"descricaoServico"`
}

type issueResponse struct {
	InvoiceNumber string `json:"numeroNF"`
	IssuedAt      string `json:"dataEmissao"`
}

// DownstreamError describes a failed exchange. StatusCode is zero when no
// response was received.
type DownstreamError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *DownstreamError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Err != nil:
		return fmt.Sprintf("issuance api returned %d: %v", e.StatusCode, e.Err)
	case e.StatusCode != 0:
		return fmt.Sprintf("issuance api returned %d: %s", e.StatusCode, e.Body)
	default:
		return fmt.Sprintf("issuance api request failed: %v", e.Err)
	}
}

func (e *DownstreamError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err may succeed on another attempt. Client
// errors are final except 408 and 429. A 2xx is never retried since the
// invoice was accepted. Anything that is not a DownstreamError is treated
// as retryable.
func IsRetryable(err error) bool {
	if errors.Is(err, ErrUnusableResponse) {
		return false
	}
	var de *DownstreamError
	if !errors.As(err, &de) {
		return true
	}
	if de.StatusCode >= 200 && de.StatusCode < 300 {
		return false
	}
	if de.StatusCode >= 400 && de.StatusCode < 500 {
		return de.StatusCode == http.StatusRequestTimeout || de.StatusCode == http.StatusTooManyRequests
	}
	return true
}

// Client is the issuance API client.
type Client struct {
	baseURL       string
	authorization string
	http          *http.Client
}

type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		if c != nil {
			cl.http = c
		}
	}
}

// New builds a client for baseURL. authorization is sent verbatim in the
// Authorization header when non-empty.
func New(baseURL, authorization string, timeout time.Duration, opts ...Option) *Client {
	c := &Client{
		baseURL:       strings.TrimRight(baseURL, "/"),
		authorization: authorization,
		http:          &http.Client{Timeout: timeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Issue submits p and returns the issued invoice.
func (c *Client) Issue(ctx context.Context, p Payload) (*Result, error) {
	body, err := json.Marshal(issueRequest{
		PayerTaxID:          p.PayerTaxID,
		ServiceMunicipality: p.ServiceMunicipality,
		ServiceState:        p.ServiceState,
		Amount:              json.Number(p.Amount.String()),
		DesiredIssueDate:    p.DesiredIssueDate.UTC().Format(time.RFC3339),
		Description:         p.Description,
	})
	if err != nil {
		return nil, fmt.Errorf("encode issuance payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+issuePath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build issuance request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.authorization != "" {
		req.Header.Set("Authorization", c.authorization)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &DownstreamError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &DownstreamError{StatusCode: resp.StatusCode, Body: string(raw)}
	}

	var out issueResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, unusable(resp.StatusCode, fmt.Errorf("decode response: %w", err))
	}
	if out.InvoiceNumber == "" {
		return nil, unusable(resp.StatusCode, errors.New("response has no invoice number"))
	}
	issuedAt, err := parseIssuedAt(out.IssuedAt)
	if err != nil {
		return nil, unusable(resp.StatusCode, fmt.Errorf("parse dataEmissao: %w", err))
	}
	return &Result{InvoiceNumber: out.InvoiceNumber, IssuedAt: issuedAt}, nil
}

func unusable(status int, err error) *DownstreamError {
	return &DownstreamError{StatusCode: status, Err: fmt.Errorf("%w: %w", ErrUnusableResponse, err)}
}

func parseIssuedAt(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range issuedAtLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%q is not an ISO-8601 date", s)
}

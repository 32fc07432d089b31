package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"invoicer/internal/invoicerequest/models"
	id "invoicer/pkg/domain"
	dErrors "invoicer/pkg/domain-errors"
	"invoicer/pkg/platform/sentinel"
)

//go:embed schema.sql
var schemaSQL string

const checkViolation = "23514"

const selectColumns = `
	id, payer_tax_id, service_municipality, service_state, amount, desired_issue_date,
	description, status, invoice_number, issued_at, created_at, updated_at`

// PostgresStore persists invoice requests in PostgreSQL.
// This store is pure I/O; transition rules live on the aggregate.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres constructs a PostgreSQL-backed store. The *sql.DB may use either
// the pgx or the lib/pq driver.
func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// EnsureSchema creates the table and index when missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ensure invoice_requests schema: %w", err)
	}
	return nil
}

// Save upserts by id, writing every mutable field verbatim.
func (s *PostgresStore) Save(ctx context.Context, req *models.InvoiceRequest) error {
	defer observe("postgres", "save", time.Now())
	if req == nil {
		return fmt.Errorf("invoice request is required")
	}
	query := `
		INSERT INTO invoice_requests (` + selectColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			invoice_number = EXCLUDED.invoice_number,
			issued_at = EXCLUDED.issued_at,
			updated_at = EXCLUDED.updated_at
	`
	_, err := s.db.ExecContext(ctx, query,
		req.ID.String(),
		req.PayerTaxID,
		req.ServiceMunicipality,
		req.ServiceState,
		req.Amount,
		req.DesiredIssueDate,
		req.Description,
		string(req.Status),
		nullString(req.InvoiceNumber),
		nullTime(req.IssuedAt),
		req.CreatedAt,
		req.UpdatedAt,
	)
	if err != nil {
		return translateWriteError("save invoice request", err)
	}
	return nil
}

func (s *PostgresStore) FindByID(ctx context.Context, requestID id.InvoiceRequestID) (*models.InvoiceRequest, error) {
	defer observe("postgres", "find_by_id", time.Now())
	query := `SELECT ` + selectColumns + ` FROM invoice_requests WHERE id = $1`
	req, err := scanInvoiceRequest(s.db.QueryRowContext(ctx, query, requestID.String()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("find invoice request: %w", err)
	}
	return req, nil
}

func (s *PostgresStore) FindAll(ctx context.Context) ([]*models.InvoiceRequest, error) {
	defer observe("postgres", "find_all", time.Now())
	query := `SELECT ` + selectColumns + ` FROM invoice_requests ORDER BY created_at, id`
	return s.queryMany(ctx, "find all invoice requests", query)
}

func (s *PostgresStore) FindByStatus(ctx context.Context, status models.Status) ([]*models.InvoiceRequest, error) {
	defer observe("postgres", "find_by_status", time.Now())
	query := `SELECT ` + selectColumns + ` FROM invoice_requests WHERE status = $1 ORDER BY created_at, id`
	return s.queryMany(ctx, "find invoice requests by status", query, string(status))
}

// UpdateIfStatus writes the mutable fields only while the stored status
// still equals expected. A lost race returns sentinel.ErrConflict.
func (s *PostgresStore) UpdateIfStatus(ctx context.Context, req *models.InvoiceRequest, expected models.Status) error {
	defer observe("postgres", "update_if_status", time.Now())
	if req == nil {
		return fmt.Errorf("invoice request is required")
	}
	query := `
		UPDATE invoice_requests
		SET status = $2, invoice_number = $3, issued_at = $4, updated_at = $5
		WHERE id = $1 AND status = $6
	`
	result, err := s.db.ExecContext(ctx, query,
		req.ID.String(),
		string(req.Status),
		nullString(req.InvoiceNumber),
		nullTime(req.IssuedAt),
		req.UpdatedAt,
		string(expected),
	)
	if err != nil {
		return translateWriteError("update invoice request", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update invoice request rows affected: %w", err)
	}
	if rows > 0 {
		return nil
	}

	var exists bool
	if err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM invoice_requests WHERE id = $1)`, req.ID.String(),
	).Scan(&exists); err != nil {
		return fmt.Errorf("check invoice request existence: %w", err)
	}
	if !exists {
		return sentinel.ErrNotFound
	}
	return fmt.Errorf("status changed from %s: %w", expected, sentinel.ErrConflict)
}

func (s *PostgresStore) queryMany(ctx context.Context, op, query string, args ...any) ([]*models.InvoiceRequest, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var out []*models.InvoiceRequest
	for rows.Next() {
		req, err := scanInvoiceRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		out = append(out, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInvoiceRequest(row rowScanner) (*models.InvoiceRequest, error) {
	var (
		rawID         string
		snap          models.Snapshot
		amount        decimal.Decimal
		invoiceNumber sql.NullString
		issuedAt      sql.NullTime
	)
	if err := row.Scan(
		&rawID,
		&snap.Fields.PayerTaxID,
		&snap.Fields.ServiceMunicipality,
		&snap.Fields.ServiceState,
		&amount,
		&snap.Fields.DesiredIssueDate,
		&snap.Fields.Description,
		&snap.Status,
		&invoiceNumber,
		&issuedAt,
		&snap.CreatedAt,
		&snap.UpdatedAt,
	); err != nil {
		return nil, err
	}

	requestID, err := id.ParseInvoiceRequestID(rawID)
	if err != nil {
		return nil, fmt.Errorf("stored id %q: %w", rawID, err)
	}
	snap.ID = requestID
	snap.Fields.Amount = amount
	snap.Fields.DesiredIssueDate = snap.Fields.DesiredIssueDate.UTC()
	snap.CreatedAt = snap.CreatedAt.UTC()
	snap.UpdatedAt = snap.UpdatedAt.UTC()
	if invoiceNumber.Valid {
		n := invoiceNumber.String
		snap.InvoiceNumber = &n
	}
	if issuedAt.Valid {
		t := issuedAt.Time.UTC()
		snap.IssuedAt = &t
	}
	return models.Rehydrate(snap)
}

// translateWriteError maps CHECK constraint violations from either driver to
// an invariant violation.
func translateWriteError(op string, err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && string(pqErr.Code) == checkViolation {
		return dErrors.Wrap(err, dErrors.CodeInvariantViolation, op+": constraint violated")
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == checkViolation {
		return dErrors.Wrap(err, dErrors.CodeInvariantViolation, op+": constraint violated")
	}
	return fmt.Errorf("%s: %w", op, err)
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

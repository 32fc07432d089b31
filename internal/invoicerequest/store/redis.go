package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"invoicer/internal/invoicerequest/models"
	id "invoicer/pkg/domain"
	"invoicer/pkg/platform/sentinel"
)

// maxWatchRetries bounds optimistic retries for unconditional saves.
const maxWatchRetries = 5

// RedisStore keeps one JSON document per request plus sorted-set indexes
// (all requests and one per status) scored by creation time. Conditional
// updates use WATCH/MULTI on the document key.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// RedisStoreOption configures a RedisStore.
type RedisStoreOption func(*RedisStore)

// WithKeyPrefix namespaces every key.
func WithKeyPrefix(prefix string) RedisStoreOption {
	return func(s *RedisStore) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

func NewRedis(client *redis.Client, opts ...RedisStoreOption) *RedisStore {
	s := &RedisStore{client: client, prefix: "invoicer"}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

type redisRecord struct {
	ID                  string          `json:"id"`
	PayerTaxID          string          `json:"payer_tax_id"`
	ServiceMunicipality string          `json:"service_municipality"`
	ServiceState        string          `json:"service_state"`
	Amount              decimal.Decimal `json:"amount"`
	DesiredIssueDate    time.Time       `json:"desired_issue_date"`
	Description         string          `json:"description"`
	Status              string          `json:"status"`
	InvoiceNumber       *string         `json:"invoice_number,omitempty"`
	IssuedAt            *time.Time      `json:"issued_at,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

func (s *RedisStore) docKey(requestID id.InvoiceRequestID) string {
	return s.prefix + ":invoice_request:" + requestID.String()
}

func (s *RedisStore) allKey() string { return s.prefix + ":invoice_requests:all" }

func (s *RedisStore) statusKey(status models.Status) string {
	return s.prefix + ":invoice_requests:status:" + string(status)
}

// Save upserts by id and moves the request between status indexes.
func (s *RedisStore) Save(ctx context.Context, req *models.InvoiceRequest) error {
	defer observe("redis", "save", time.Now())
	if req == nil {
		return fmt.Errorf("invoice request is required")
	}
	doc, err := encodeRecord(req)
	if err != nil {
		return err
	}
	key := s.docKey(req.ID)

	for range maxWatchRetries {
		err = s.client.Watch(ctx, func(tx *redis.Tx) error {
			previous, err := s.loadStatus(ctx, tx, key)
			if err != nil && !errors.Is(err, sentinel.ErrNotFound) {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				s.queueWrite(ctx, pipe, req, doc, previous)
				return nil
			})
			return err
		}, key)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	if err != nil {
		return fmt.Errorf("save invoice request: %w", err)
	}
	return nil
}

// UpdateIfStatus writes req only while the stored status equals expected.
// A concurrent write to the same key between WATCH and EXEC is also reported
// as sentinel.ErrConflict.
func (s *RedisStore) UpdateIfStatus(ctx context.Context, req *models.InvoiceRequest, expected models.Status) error {
	defer observe("redis", "update_if_status", time.Now())
	if req == nil {
		return fmt.Errorf("invoice request is required")
	}
	doc, err := encodeRecord(req)
	if err != nil {
		return err
	}
	key := s.docKey(req.ID)

	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := s.loadStatus(ctx, tx, key)
		if err != nil {
			return err
		}
		if current != expected {
			return fmt.Errorf("status is %s, expected %s: %w", current, expected, sentinel.ErrConflict)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			s.queueWrite(ctx, pipe, req, doc, current)
			return nil
		})
		return err
	}, key)

	switch {
	case err == nil:
		return nil
	case errors.Is(err, redis.TxFailedErr):
		return fmt.Errorf("concurrent write to %s: %w", req.ID, sentinel.ErrConflict)
	case errors.Is(err, sentinel.ErrNotFound), errors.Is(err, sentinel.ErrConflict):
		return err
	default:
		return fmt.Errorf("update invoice request: %w", err)
	}
}

func (s *RedisStore) FindByID(ctx context.Context, requestID id.InvoiceRequestID) (*models.InvoiceRequest, error) {
	defer observe("redis", "find_by_id", time.Now())
	raw, err := s.client.Get(ctx, s.docKey(requestID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find invoice request: %w", err)
	}
	return decodeRecord(raw)
}

func (s *RedisStore) FindAll(ctx context.Context) ([]*models.InvoiceRequest, error) {
	defer observe("redis", "find_all", time.Now())
	return s.loadIndex(ctx, s.allKey())
}

func (s *RedisStore) FindByStatus(ctx context.Context, status models.Status) ([]*models.InvoiceRequest, error) {
	defer observe("redis", "find_by_status", time.Now())
	return s.loadIndex(ctx, s.statusKey(status))
}

func (s *RedisStore) loadIndex(ctx context.Context, index string) ([]*models.InvoiceRequest, error) {
	ids, err := s.client.ZRange(ctx, index, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read index %s: %w", index, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, raw := range ids {
		keys[i] = s.prefix + ":invoice_request:" + raw
	}
	docs, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("read invoice requests: %w", err)
	}

	out := make([]*models.InvoiceRequest, 0, len(docs))
	for _, doc := range docs {
		str, ok := doc.(string)
		if !ok {
			// Index entry without a document: skipped until the next write repairs it.
			continue
		}
		req, err := decodeRecord([]byte(str))
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, nil
}

func (s *RedisStore) loadStatus(ctx context.Context, tx *redis.Tx, key string) (models.Status, error) {
	raw, err := tx.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return "", sentinel.ErrNotFound
	}
	if err != nil {
		return "", err
	}
	req, err := decodeRecord(raw)
	if err != nil {
		return "", err
	}
	return req.Status, nil
}

func (s *RedisStore) queueWrite(ctx context.Context, pipe redis.Pipeliner, req *models.InvoiceRequest, doc []byte, previous models.Status) {
	member := req.ID.String()
	score := float64(req.CreatedAt.UnixNano())
	pipe.Set(ctx, s.docKey(req.ID), doc, 0)
	pipe.ZAdd(ctx, s.allKey(), redis.Z{Score: score, Member: member})
	if previous != "" && previous != req.Status {
		pipe.ZRem(ctx, s.statusKey(previous), member)
	}
	pipe.ZAdd(ctx, s.statusKey(req.Status), redis.Z{Score: score, Member: member})
}

func encodeRecord(req *models.InvoiceRequest) ([]byte, error) {
	snap := req.Snapshot()
	doc, err := json.Marshal(redisRecord{
		ID:                  snap.ID.String(),
		PayerTaxID:          snap.Fields.PayerTaxID,
		ServiceMunicipality: snap.Fields.ServiceMunicipality,
		ServiceState:        snap.Fields.ServiceState,
		Amount:              snap.Fields.Amount,
		DesiredIssueDate:    snap.Fields.DesiredIssueDate,
		Description:         snap.Fields.Description,
		Status:              snap.Status,
		InvoiceNumber:       snap.InvoiceNumber,
		IssuedAt:            snap.IssuedAt,
		CreatedAt:           snap.CreatedAt,
		UpdatedAt:           snap.UpdatedAt,
	})
	if err != nil {
		return nil, fmt.Errorf("encode invoice request: %w", err)
	}
	return doc, nil
}

func decodeRecord(raw []byte) (*models.InvoiceRequest, error) {
	var rec redisRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode invoice request: %w", err)
	}
	requestID, err := id.ParseInvoiceRequestID(rec.ID)
	if err != nil {
		return nil, fmt.Errorf("stored id %q: %w", rec.ID, err)
	}
	return models.Rehydrate(models.Snapshot{
		ID: requestID,
		Fields: models.Fields{
			PayerTaxID:          rec.PayerTaxID,
			ServiceMunicipality: rec.ServiceMunicipality,
			ServiceState:        rec.ServiceState,
			Amount:              rec.Amount,
			DesiredIssueDate:    rec.DesiredIssueDate,
			Description:         rec.Description,
		},
		Status:        rec.Status,
		InvoiceNumber: rec.InvoiceNumber,
		IssuedAt:      rec.IssuedAt,
		CreatedAt:     rec.CreatedAt,
		UpdatedAt:     rec.UpdatedAt,
	})
}

package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"invoicer/internal/invoicerequest/models"
	id "invoicer/pkg/domain"
	"invoicer/pkg/platform/sentinel"
)

// InMemory is a process-local store for development and tests. Values are
// copied on every read and write so callers never share aggregate pointers
// with the store.
type InMemory struct {
	mu       sync.RWMutex
	requests map[id.InvoiceRequestID]*models.InvoiceRequest
	order    map[id.InvoiceRequestID]uint64
	seq      uint64
}

func NewInMemory() *InMemory {
	return &InMemory{
		requests: make(map[id.InvoiceRequestID]*models.InvoiceRequest),
		order:    make(map[id.InvoiceRequestID]uint64),
	}
}

// Save upserts by id.
func (s *InMemory) Save(_ context.Context, req *models.InvoiceRequest) error {
	if req == nil {
		return fmt.Errorf("invoice request is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.order[req.ID]; !ok {
		s.seq++
		s.order[req.ID] = s.seq
	}
	s.requests[req.ID] = req.Clone()
	return nil
}

func (s *InMemory) FindByID(_ context.Context, requestID id.InvoiceRequestID) (*models.InvoiceRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	req, ok := s.requests[requestID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return req.Clone(), nil
}

func (s *InMemory) FindAll(_ context.Context) ([]*models.InvoiceRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collect(func(*models.InvoiceRequest) bool { return true }), nil
}

func (s *InMemory) FindByStatus(_ context.Context, status models.Status) ([]*models.InvoiceRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collect(func(r *models.InvoiceRequest) bool { return r.Status == status }), nil
}

// UpdateIfStatus writes req only when the stored status still equals expected.
func (s *InMemory) UpdateIfStatus(_ context.Context, req *models.InvoiceRequest, expected models.Status) error {
	if req == nil {
		return fmt.Errorf("invoice request is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.requests[req.ID]
	if !ok {
		return sentinel.ErrNotFound
	}
	if current.Status != expected {
		return fmt.Errorf("status is %s, expected %s: %w", current.Status, expected, sentinel.ErrConflict)
	}
	s.requests[req.ID] = req.Clone()
	return nil
}

// collect must be called with the lock held.
func (s *InMemory) collect(keep func(*models.InvoiceRequest) bool) []*models.InvoiceRequest {
	out := make([]*models.InvoiceRequest, 0, len(s.requests))
	for _, r := range s.requests {
		if keep(r) {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return s.order[out[i].ID] < s.order[out[j].ID]
	})
	return out
}

package store_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"

	"invoicer/internal/invoicerequest/models"
	id "invoicer/pkg/domain"
	"invoicer/pkg/platform/sentinel"
)

// Store is the behaviour every backend must share.
type Store interface {
	Save(ctx context.Context, req *models.InvoiceRequest) error
	FindByID(ctx context.Context, requestID id.InvoiceRequestID) (*models.InvoiceRequest, error)
	FindAll(ctx context.Context) ([]*models.InvoiceRequest, error)
	FindByStatus(ctx context.Context, status models.Status) ([]*models.InvoiceRequest, error)
	UpdateIfStatus(ctx context.Context, req *models.InvoiceRequest, expected models.Status) error
}

// StoreContractSuite runs the same behavioural checks against any backend.
// Embedding suites set newStore and reset state in SetupTest.
type StoreContractSuite struct {
	suite.Suite
	store Store
	ctx   context.Context
	base  time.Time
}

func (s *StoreContractSuite) newRequest(offset time.Duration) *models.InvoiceRequest {
	// Microsecond precision survives every backend unchanged.
	created := s.base.Add(offset)
	req, err := models.NewInvoiceRequest(id.NewInvoiceRequestID(), models.Fields{
		PayerTaxID:          "12345678000190",
		ServiceMunicipality: "Curitiba",
		ServiceState:        "PR",
		Amount:              decimal.RequireFromString("250.75"),
		DesiredIssueDate:    time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC),
		Description:         "Desenvolvimento de software",
	}, created)
	s.Require().NoError(err)
	return req
}

func (s *StoreContractSuite) TestSaveAndFind() {
	s.Run("round trips every field", func() {
		req := s.newRequest(0)
		s.Require().NoError(s.store.Save(s.ctx, req))

		found, err := s.store.FindByID(s.ctx, req.ID)
		s.Require().NoError(err)
		s.Equal(req.ID, found.ID)
		s.Equal(req.PayerTaxID, found.PayerTaxID)
		s.True(req.Amount.Equal(found.Amount))
		s.True(req.DesiredIssueDate.Equal(found.DesiredIssueDate))
		s.Equal(models.StatusPendingIssuance, found.Status)
		s.True(req.CreatedAt.Equal(found.CreatedAt))
		s.True(req.UpdatedAt.Equal(found.UpdatedAt))
		s.Nil(found.InvoiceNumber)
	})

	s.Run("returns ErrNotFound for unknown id", func() {
		_, err := s.store.FindByID(s.ctx, id.NewInvoiceRequestID())
		s.ErrorIs(err, sentinel.ErrNotFound)
	})

	s.Run("save upserts the mutable fields", func() {
		req := s.newRequest(time.Second)
		s.Require().NoError(s.store.Save(s.ctx, req))

		issuedAt := s.base.Add(time.Hour)
		s.Require().NoError(req.MarkIssued("NF-77", issuedAt, issuedAt))
		s.Require().NoError(s.store.Save(s.ctx, req))

		found, err := s.store.FindByID(s.ctx, req.ID)
		s.Require().NoError(err)
		s.Equal(models.StatusIssued, found.Status)
		s.Require().NotNil(found.InvoiceNumber)
		s.Equal("NF-77", *found.InvoiceNumber)
		s.True(issuedAt.Equal(*found.IssuedAt))
		s.True(issuedAt.Equal(found.UpdatedAt))
	})

	s.Run("returned values are detached from the store", func() {
		req := s.newRequest(2 * time.Second)
		s.Require().NoError(s.store.Save(s.ctx, req))
		req.Status = models.StatusCancelled

		found, err := s.store.FindByID(s.ctx, req.ID)
		s.Require().NoError(err)
		s.Equal(models.StatusPendingIssuance, found.Status)
	})
}

func (s *StoreContractSuite) TestListing() {
	first := s.newRequest(0)
	second := s.newRequest(time.Second)
	third := s.newRequest(2 * time.Second)
	for _, r := range []*models.InvoiceRequest{first, second, third} {
		s.Require().NoError(s.store.Save(s.ctx, r))
	}
	s.Require().NoError(second.MarkCancelled(s.base.Add(time.Minute)))
	s.Require().NoError(s.store.Save(s.ctx, second))

	all, err := s.store.FindAll(s.ctx)
	s.Require().NoError(err)
	s.Require().Len(all, 3)
	s.Equal([]id.InvoiceRequestID{first.ID, second.ID, third.ID}, ids(all))

	pending, err := s.store.FindByStatus(s.ctx, models.StatusPendingIssuance)
	s.Require().NoError(err)
	s.Equal([]id.InvoiceRequestID{first.ID, third.ID}, ids(pending))

	cancelled, err := s.store.FindByStatus(s.ctx, models.StatusCancelled)
	s.Require().NoError(err)
	s.Equal([]id.InvoiceRequestID{second.ID}, ids(cancelled))

	issued, err := s.store.FindByStatus(s.ctx, models.StatusIssued)
	s.Require().NoError(err)
	s.Empty(issued)
}

func (s *StoreContractSuite) TestUpdateIfStatus() {
	s.Run("applies when the expected status matches", func() {
		req := s.newRequest(0)
		s.Require().NoError(s.store.Save(s.ctx, req))
		s.Require().NoError(req.MarkIssued("NF-1", s.base, s.base.Add(time.Second)))

		s.Require().NoError(s.store.UpdateIfStatus(s.ctx, req, models.StatusPendingIssuance))
		found, err := s.store.FindByID(s.ctx, req.ID)
		s.Require().NoError(err)
		s.Equal(models.StatusIssued, found.Status)
	})

	s.Run("conflicts when another writer moved the status", func() {
		req := s.newRequest(time.Second)
		s.Require().NoError(s.store.Save(s.ctx, req))

		winner := req.Clone()
		s.Require().NoError(winner.MarkIssued("NF-1", s.base, s.base))
		s.Require().NoError(s.store.UpdateIfStatus(s.ctx, winner, models.StatusPendingIssuance))

		loser := req.Clone()
		s.Require().NoError(loser.MarkIssued("NF-2", s.base, s.base))
		err := s.store.UpdateIfStatus(s.ctx, loser, models.StatusPendingIssuance)
		s.ErrorIs(err, sentinel.ErrConflict)

		found, err := s.store.FindByID(s.ctx, req.ID)
		s.Require().NoError(err)
		s.Equal("NF-1", *found.InvoiceNumber)
	})

	s.Run("reports missing requests", func() {
		req := s.newRequest(2 * time.Second)
		err := s.store.UpdateIfStatus(s.ctx, req, models.StatusPendingIssuance)
		s.ErrorIs(err, sentinel.ErrNotFound)
	})
}

// TestConcurrentIssuance verifies exactly one of many racing workers wins.
func (s *StoreContractSuite) TestConcurrentIssuance() {
	req := s.newRequest(0)
	s.Require().NoError(s.store.Save(s.ctx, req))

	const workers = 20
	var wg sync.WaitGroup
	var wins, conflicts atomic.Int32
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			mine := req.Clone()
			if err := mine.MarkIssued("NF-"+string(rune('A'+i)), s.base, s.base); err != nil {
				return
			}
			err := s.store.UpdateIfStatus(s.ctx, mine, models.StatusPendingIssuance)
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, sentinel.ErrConflict):
				conflicts.Add(1)
			}
		}()
	}
	wg.Wait()

	s.Equal(int32(1), wins.Load(), "exactly one worker should win")
	s.Equal(int32(workers-1), conflicts.Load())
}

func ids(reqs []*models.InvoiceRequest) []id.InvoiceRequestID {
	out := make([]id.InvoiceRequestID, len(reqs))
	for i, r := range reqs {
		out[i] = r.ID
	}
	return out
}

package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	stderrors "ceap-engine/internal/common/errors"
	"ceap-engine/internal/common/metrics"
	"ceap-engine/internal/models"
)

// MemoryStore is an in-memory CandidateStore with the same version
// semantics as the Postgres store. Used in tests and shadow runs.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]*models.Candidate
	now   func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithClock(time.Now)
}

// NewMemoryStoreWithClock pins the store's clock; timestamps and expiry
// checks use it instead of the wall clock.
func NewMemoryStoreWithClock(now func() time.Time) *MemoryStore {
	return &MemoryStore{
		items: make(map[string]*models.Candidate),
		now:   now,
	}
}

func (s *MemoryStore) Create(ctx context.Context, cand *models.Candidate) error {
	if err := validateWrite(cand); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := cand.Key()
	if _, exists := s.items[key]; exists {
		metrics.StoreConflicts.WithLabelValues("create").Inc()
		return stderrors.NewOptimisticLockConflictError(key, 0)
	}

	now := s.now().UTC()
	cand.Metadata.Version = 1
	if cand.Metadata.CreatedAt.IsZero() {
		cand.Metadata.CreatedAt = now
	}
	cand.Metadata.UpdatedAt = now
	s.items[key] = cand.Clone()
	return nil
}

func (s *MemoryStore) Update(ctx context.Context, cand *models.Candidate, expectedVersion int64) error {
	if err := validateWrite(cand); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := cand.Key()
	stored, exists := s.items[key]
	if !exists || stored.Metadata.Version != expectedVersion {
		metrics.StoreConflicts.WithLabelValues("update").Inc()
		return stderrors.NewOptimisticLockConflictError(key, expectedVersion)
	}

	cand.Metadata.Version = expectedVersion + 1
	cand.Metadata.CreatedAt = stored.Metadata.CreatedAt
	cand.Metadata.UpdatedAt = s.now().UTC()
	s.items[key] = cand.Clone()
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, key string) (*models.Candidate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored, exists := s.items[key]
	if !exists {
		return nil, stderrors.NewCandidateNotFoundError(key)
	}
	return stored.Clone(), nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.items[key]; !exists {
		return stderrors.NewCandidateNotFoundError(key)
	}
	delete(s.items, key)
	return nil
}

func (s *MemoryStore) QueryByProgramAndChannel(ctx context.Context, q ChannelQuery) ([]*models.Candidate, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultQueryLimit
	}
	now := s.now().UTC()

	s.mu.RLock()
	var matched []*models.Candidate
	for _, cand := range s.items {
		if cand.ProgramID() != q.ProgramID || cand.MarketplaceID() != q.MarketplaceID {
			continue
		}
		if cand.IsExpired(now) || !cand.ChannelEligible(q.Channel) {
			continue
		}
		matched = append(matched, cand.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		si, sj := matched[i].PrimaryScore(), matched[j].PrimaryScore()
		if si != sj {
			if q.Ascending {
				return si < sj
			}
			return si > sj
		}
		di, dj := matched[i].Attributes.EventDate, matched[j].Attributes.EventDate
		if !di.Equal(dj) {
			return di.After(dj)
		}
		return matched[i].Key() < matched[j].Key()
	})
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

func (s *MemoryStore) QueryByProgramAndDate(ctx context.Context, q DateQuery) ([]*models.Candidate, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultQueryLimit
	}

	s.mu.RLock()
	var matched []*models.Candidate
	for _, cand := range s.items {
		if cand.ProgramID() != q.ProgramID {
			continue
		}
		d := cand.Attributes.EventDate
		if d.Before(q.From) || !d.Before(q.To) {
			continue
		}
		matched = append(matched, cand.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		di, dj := matched[i].Attributes.EventDate, matched[j].Attributes.EventDate
		if !di.Equal(dj) {
			return di.Before(dj)
		}
		return matched[i].Key() < matched[j].Key()
	})
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

func (s *MemoryStore) QueryByCustomer(ctx context.Context, customerID string) ([]*models.Candidate, error) {
	s.mu.RLock()
	var matched []*models.Candidate
	for _, cand := range s.items {
		if cand.CustomerID == customerID {
			matched = append(matched, cand.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		si, sj := matched[i].PrimaryScore(), matched[j].PrimaryScore()
		if si != sj {
			return si > sj
		}
		return matched[i].Key() < matched[j].Key()
	})
	return matched, nil
}

func (s *MemoryStore) BatchWrite(ctx context.Context, cands []*models.Candidate) (*BatchResult, error) {
	if len(cands) > MaxBatchSize {
		return nil, stderrors.NewRecordValidationError("batch",
			fmt.Sprintf("size %d exceeds maximum %d", len(cands), MaxBatchSize))
	}

	result := &BatchResult{}
	for _, cand := range cands {
		existing, err := s.Get(ctx, cand.Key())
		switch {
		case stderrors.IsCode(err, stderrors.ErrCodeCandidateNotFound):
			err = s.Create(ctx, cand)
		case err == nil:
			err = s.Update(ctx, cand, existing.Metadata.Version)
		}
		if err != nil {
			result.Unprocessed = append(result.Unprocessed, cand)
			continue
		}
		result.Written++
	}
	return result, nil
}

func (s *MemoryStore) DeleteByCustomer(ctx context.Context, customerID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, cand := range s.items {
		if cand.CustomerID == customerID {
			delete(s.items, key)
			removed++
		}
	}
	return removed, nil
}

// Len reports the number of stored candidates.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

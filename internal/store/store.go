// Package store persists candidates with optimistic concurrency control.
// Versions are strictly monotonic per candidate; a conditional update that
// loses a race returns an optimistic lock conflict and never silently
// overwrites.
package store

import (
	"context"
	"time"

	stderrors "ceap-engine/internal/common/errors"
	"ceap-engine/internal/models"
)

// validateWrite gates every Create/Update. A candidate without an expiry
// horizon never enters the store; the TTL reaper would otherwise skip it
// forever.
func validateWrite(cand *models.Candidate) error {
	if err := cand.Validate(); err != nil {
		return err
	}
	if cand.Metadata.ExpiresAt.IsZero() {
		return stderrors.NewRecordValidationError("expiresAt", "candidate TTL must be positive")
	}
	return nil
}

// Query limits and defaults.
const (
	DefaultQueryLimit = 100
	MaxBatchSize      = 25
)

// ChannelQuery selects live candidates for serving on one channel.
// Results sort by score descending unless Ascending is set.
type ChannelQuery struct {
	ProgramID     string
	MarketplaceID string
	Channel       string
	Limit         int
	Ascending     bool
}

// DateQuery selects candidates whose event date falls in [From, To).
type DateQuery struct {
	ProgramID string
	From      time.Time
	To        time.Time
	Limit     int
}

// BatchResult reports a batch write: items that failed conditional checks
// or persistence come back in Unprocessed for the caller to retry.
type BatchResult struct {
	Written     int
	Unprocessed []*models.Candidate
}

// CandidateStore is the persistence boundary for candidates.
//
// Create assigns version 1 and fails on an existing identity key.
// Update succeeds only when expectedVersion matches the stored version,
// and bumps the version by one.
type CandidateStore interface {
	Create(ctx context.Context, cand *models.Candidate) error
	Update(ctx context.Context, cand *models.Candidate, expectedVersion int64) error
	Get(ctx context.Context, key string) (*models.Candidate, error)
	Delete(ctx context.Context, key string) error
	QueryByProgramAndChannel(ctx context.Context, q ChannelQuery) ([]*models.Candidate, error)
	QueryByProgramAndDate(ctx context.Context, q DateQuery) ([]*models.Candidate, error)
	QueryByCustomer(ctx context.Context, customerID string) ([]*models.Candidate, error)
	BatchWrite(ctx context.Context, cands []*models.Candidate) (*BatchResult, error)
	DeleteByCustomer(ctx context.Context, customerID string) (int, error)
}

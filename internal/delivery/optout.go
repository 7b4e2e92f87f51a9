package delivery

import (
	"context"
	"database/sql"
	"sync"
	"time"

	stderrors "ceap-engine/internal/common/errors"
	"ceap-engine/internal/common/logger"
	"ceap-engine/internal/models"
	"ceap-engine/internal/store"
)

// GlobalChannel marks an opt-out that covers every channel.
const GlobalChannel = "*"

// OptOutStore records customer communication preferences.
type OptOutStore interface {
	IsOptedOut(ctx context.Context, customerID, channel string) (bool, error)
	OptOut(ctx context.Context, customerID, channel string) error
	OptIn(ctx context.Context, customerID, channel string) error
}

// OptOutSchema backs the preference store.
const OptOutSchema = `
CREATE TABLE IF NOT EXISTS opt_outs (
    customer_id TEXT NOT NULL,
    channel     TEXT NOT NULL,
    created_at  TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (customer_id, channel)
);
`

// PostgresOptOutStore implements OptOutStore on PostgreSQL.
type PostgresOptOutStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewPostgresOptOutStore(db *sql.DB) *PostgresOptOutStore {
	return &PostgresOptOutStore{db: db, now: time.Now}
}

func (s *PostgresOptOutStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, OptOutSchema); err != nil {
		return stderrors.NewStoreUnavailableError("ensure opt-out schema", err)
	}
	return nil
}

// IsOptedOut reports whether the customer opted out of the channel or of
// everything.
func (s *PostgresOptOutStore) IsOptedOut(ctx context.Context, customerID, channel string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM opt_outs
		WHERE customer_id = $1 AND channel IN ($2, $3)`,
		customerID, channel, GlobalChannel,
	).Scan(&count)
	if err != nil {
		return false, stderrors.NewStoreUnavailableError("opt-out lookup", err)
	}
	return count > 0, nil
}

func (s *PostgresOptOutStore) OptOut(ctx context.Context, customerID, channel string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO opt_outs (customer_id, channel, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (customer_id, channel) DO NOTHING`,
		customerID, channel, s.now().UTC(),
	)
	if err != nil {
		return stderrors.NewStoreUnavailableError("opt-out insert", err)
	}
	return nil
}

func (s *PostgresOptOutStore) OptIn(ctx context.Context, customerID, channel string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM opt_outs WHERE customer_id = $1 AND channel = $2`,
		customerID, channel,
	)
	if err != nil {
		return stderrors.NewStoreUnavailableError("opt-out delete", err)
	}
	return nil
}

// MemoryOptOutStore is an in-memory OptOutStore for tests and shadow runs.
type MemoryOptOutStore struct {
	mu    sync.RWMutex
	items map[string]map[string]bool
}

func NewMemoryOptOutStore() *MemoryOptOutStore {
	return &MemoryOptOutStore{items: make(map[string]map[string]bool)}
}

func (s *MemoryOptOutStore) IsOptedOut(ctx context.Context, customerID, channel string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	channels := s.items[customerID]
	return channels[channel] || channels[GlobalChannel], nil
}

func (s *MemoryOptOutStore) OptOut(ctx context.Context, customerID, channel string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.items[customerID] == nil {
		s.items[customerID] = make(map[string]bool)
	}
	s.items[customerID][channel] = true
	return nil
}

func (s *MemoryOptOutStore) OptIn(ctx context.Context, customerID, channel string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items[customerID], channel)
	return nil
}

// PreferenceService applies opt-out changes and their side effects. A
// global opt-out also purges the customer's stored candidates across
// programs so no stale solicitation can surface later.
type PreferenceService struct {
	optOuts    OptOutStore
	candidates store.CandidateStore
	logger     logger.Logger
}

func NewPreferenceService(optOuts OptOutStore, candidates store.CandidateStore, log logger.Logger) *PreferenceService {
	return &PreferenceService{
		optOuts:    optOuts,
		candidates: candidates,
		logger:     log.WithFields(map[string]interface{}{"component": "preferences"}),
	}
}

func (p *PreferenceService) OptOutCustomer(ctx context.Context, customerID, channel string) error {
	if err := p.optOuts.OptOut(ctx, customerID, channel); err != nil {
		return err
	}
	if channel != GlobalChannel {
		return nil
	}

	removed, err := p.candidates.DeleteByCustomer(ctx, customerID)
	if err != nil {
		return err
	}
	p.logger.Info("global opt-out purged candidates", map[string]interface{}{
		"customerId": customerID,
		"removed":    removed,
	})
	return nil
}

// filterOptedOut splits candidates into sendable and opted-out. A
// preference store failure fails closed: the candidate is excluded rather
// than risking a send against an unknown preference.
func (p *PreferenceService) filterOptedOut(ctx context.Context, cands []*models.Candidate, channel string) (sendable []*models.Candidate, failed []models.FailedDelivery) {
	for _, cand := range cands {
		optedOut, err := p.optOuts.IsOptedOut(ctx, cand.CustomerID, channel)
		if err != nil {
			p.logger.WithError(err).Warn("opt-out lookup failed, excluding candidate", map[string]interface{}{
				"customerId": cand.CustomerID,
			})
			failed = append(failed, models.FailedDelivery{
				CandidateKey: cand.Key(),
				CustomerID:   cand.CustomerID,
				ReasonCode:   string(stderrors.ErrCodeStoreUnavailable),
				Reason:       "opt-out lookup failed",
				Retryable:    true,
			})
			continue
		}
		if optedOut {
			failed = append(failed, models.FailedDelivery{
				CandidateKey: cand.Key(),
				CustomerID:   cand.CustomerID,
				ReasonCode:   string(stderrors.ErrCodeOptedOut),
				Reason:       "customer opted out",
				Retryable:    false,
			})
			continue
		}
		sendable = append(sendable, cand)
	}
	return sendable, failed
}

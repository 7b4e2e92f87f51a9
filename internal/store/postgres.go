package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	stderrors "ceap-engine/internal/common/errors"
	"ceap-engine/internal/common/logger"
	"ceap-engine/internal/common/metrics"
	"ceap-engine/internal/models"
)

// Schema for the candidates table. The customer_id index backs erasure
// deletes; the serving index matches the channel query's sort order.
const Schema = `
CREATE TABLE IF NOT EXISTS candidates (
    candidate_key  TEXT PRIMARY KEY,
    customer_id    TEXT NOT NULL,
    program_id     TEXT NOT NULL,
    marketplace_id TEXT NOT NULL,
    version        BIGINT NOT NULL,
    score          DOUBLE PRECISION NOT NULL DEFAULT 0,
    event_date     TIMESTAMPTZ NOT NULL,
    expires_at     TIMESTAMPTZ NOT NULL,
    payload        JSONB NOT NULL,
    created_at     TIMESTAMPTZ NOT NULL,
    updated_at     TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_candidates_customer ON candidates (customer_id);
CREATE INDEX IF NOT EXISTS idx_candidates_serving ON candidates (program_id, marketplace_id, expires_at, score DESC);
CREATE INDEX IF NOT EXISTS idx_candidates_event_date ON candidates (program_id, event_date);
`

const uniqueViolation = "23505"

// PostgresStore implements CandidateStore on PostgreSQL. The full candidate
// is stored as JSONB; hot query columns are denormalized beside it.
type PostgresStore struct {
	db     *sql.DB
	logger logger.Logger
	now    func() time.Time
}

func NewPostgresStore(db *sql.DB, log logger.Logger) *PostgresStore {
	return &PostgresStore{db: db, logger: log, now: time.Now}
}

// EnsureSchema creates the candidates table and indexes if absent.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return stderrors.NewStoreUnavailableError("ensure schema", err)
	}
	return nil
}

func (s *PostgresStore) Create(ctx context.Context, cand *models.Candidate) error {
	if err := validateWrite(cand); err != nil {
		return err
	}

	now := s.now().UTC()
	cand.Metadata.Version = 1
	if cand.Metadata.CreatedAt.IsZero() {
		cand.Metadata.CreatedAt = now
	}
	cand.Metadata.UpdatedAt = now

	payload, err := json.Marshal(cand)
	if err != nil {
		return stderrors.NewInternalError("marshal candidate", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO candidates
		    (candidate_key, customer_id, program_id, marketplace_id, version,
		     score, event_date, expires_at, payload, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		cand.Key(), cand.CustomerID, cand.ProgramID(), cand.MarketplaceID(),
		cand.Metadata.Version, cand.PrimaryScore(), cand.Attributes.EventDate.UTC(),
		cand.Metadata.ExpiresAt.UTC(), payload, cand.Metadata.CreatedAt, cand.Metadata.UpdatedAt,
	)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && string(pqErr.Code) == uniqueViolation {
			metrics.StoreConflicts.WithLabelValues("create").Inc()
			return stderrors.NewOptimisticLockConflictError(cand.Key(), 0)
		}
		return stderrors.NewStoreUnavailableError("create candidate", err)
	}
	return nil
}

func (s *PostgresStore) Update(ctx context.Context, cand *models.Candidate, expectedVersion int64) error {
	if err := validateWrite(cand); err != nil {
		return err
	}

	cand.Metadata.Version = expectedVersion + 1
	cand.Metadata.UpdatedAt = s.now().UTC()

	payload, err := json.Marshal(cand)
	if err != nil {
		return stderrors.NewInternalError("marshal candidate", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE candidates
		SET version = $1, score = $2, event_date = $3, expires_at = $4,
		    payload = $5, updated_at = $6
		WHERE candidate_key = $7 AND version = $8`,
		cand.Metadata.Version, cand.PrimaryScore(), cand.Attributes.EventDate.UTC(),
		cand.Metadata.ExpiresAt.UTC(), payload, cand.Metadata.UpdatedAt,
		cand.Key(), expectedVersion,
	)
	if err != nil {
		return stderrors.NewStoreUnavailableError("update candidate", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return stderrors.NewStoreUnavailableError("update candidate", err)
	}
	if affected == 0 {
		metrics.StoreConflicts.WithLabelValues("update").Inc()
		return stderrors.NewOptimisticLockConflictError(cand.Key(), expectedVersion)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, key string) (*models.Candidate, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM candidates WHERE candidate_key = $1`, key,
	).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, stderrors.NewCandidateNotFoundError(key)
	}
	if err != nil {
		return nil, stderrors.NewStoreUnavailableError("get candidate", err)
	}
	return unmarshalCandidate(payload)
}

func (s *PostgresStore) Delete(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM candidates WHERE candidate_key = $1`, key)
	if err != nil {
		return stderrors.NewStoreUnavailableError("delete candidate", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return stderrors.NewCandidateNotFoundError(key)
	}
	return nil
}

// QueryByProgramAndChannel returns unexpired, channel-eligible candidates
// ordered by score descending. Ties break on event date then key so the
// ordering is stable across calls.
func (s *PostgresStore) QueryByProgramAndChannel(ctx context.Context, q ChannelQuery) ([]*models.Candidate, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultQueryLimit
	}

	direction := "DESC"
	if q.Ascending {
		direction = "ASC"
	}
	query := fmt.Sprintf(`
		SELECT payload FROM candidates
		WHERE program_id = $1 AND marketplace_id = $2 AND expires_at > $3
		  AND (payload->'attributes'->'channelEligibility'->>$4)::boolean = TRUE
		ORDER BY score %s, event_date DESC, candidate_key ASC
		LIMIT $5`, direction)
	rows, err := s.db.QueryContext(ctx, query,
		q.ProgramID, q.MarketplaceID, s.now().UTC(), q.Channel, limit,
	)
	if err != nil {
		return nil, stderrors.NewStoreUnavailableError("query by channel", err)
	}
	defer rows.Close()
	return scanCandidates(rows)
}

func (s *PostgresStore) QueryByProgramAndDate(ctx context.Context, q DateQuery) ([]*models.Candidate, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultQueryLimit
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT payload FROM candidates
		WHERE program_id = $1 AND event_date >= $2 AND event_date < $3
		ORDER BY event_date ASC, candidate_key ASC
		LIMIT $4`,
		q.ProgramID, q.From.UTC(), q.To.UTC(), limit,
	)
	if err != nil {
		return nil, stderrors.NewStoreUnavailableError("query by date", err)
	}
	defer rows.Close()
	return scanCandidates(rows)
}

// QueryByCustomer returns every stored candidate for a customer across
// programs. Backed by the customer_id index; serving and opt-out both use
// this path.
func (s *PostgresStore) QueryByCustomer(ctx context.Context, customerID string) ([]*models.Candidate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT payload FROM candidates
		WHERE customer_id = $1
		ORDER BY score DESC, candidate_key ASC`,
		customerID,
	)
	if err != nil {
		return nil, stderrors.NewStoreUnavailableError("query by customer", err)
	}
	defer rows.Close()
	return scanCandidates(rows)
}

// BatchWrite upserts candidates one by one: creates when absent, otherwise
// a conditional update against the stored version. Items that hit version
// conflicts or errors are returned unprocessed.
func (s *PostgresStore) BatchWrite(ctx context.Context, cands []*models.Candidate) (*BatchResult, error) {
	if len(cands) > MaxBatchSize {
		return nil, stderrors.NewRecordValidationError("batch",
			fmt.Sprintf("size %d exceeds maximum %d", len(cands), MaxBatchSize))
	}

	result := &BatchResult{}
	for _, cand := range cands {
		if err := s.writeOne(ctx, cand); err != nil {
			s.logger.WithError(err).Warn("batch item not written", map[string]interface{}{
				"candidateKey": cand.Key(),
			})
			result.Unprocessed = append(result.Unprocessed, cand)
			continue
		}
		result.Written++
	}
	return result, nil
}

func (s *PostgresStore) writeOne(ctx context.Context, cand *models.Candidate) error {
	existing, err := s.Get(ctx, cand.Key())
	if stderrors.IsCode(err, stderrors.ErrCodeCandidateNotFound) {
		return s.Create(ctx, cand)
	}
	if err != nil {
		return err
	}
	cand.Metadata.CreatedAt = existing.Metadata.CreatedAt
	return s.Update(ctx, cand, existing.Metadata.Version)
}

// DeleteByCustomer removes every candidate for a customer and reports how
// many rows went away. Zero is not an error.
func (s *PostgresStore) DeleteByCustomer(ctx context.Context, customerID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM candidates WHERE customer_id = $1`, customerID)
	if err != nil {
		return 0, stderrors.NewStoreUnavailableError("delete by customer", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, stderrors.NewStoreUnavailableError("delete by customer", err)
	}
	return int(affected), nil
}

func scanCandidates(rows *sql.Rows) ([]*models.Candidate, error) {
	var out []*models.Candidate
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, stderrors.NewStoreUnavailableError("scan candidate", err)
		}
		cand, err := unmarshalCandidate(payload)
		if err != nil {
			return nil, err
		}
		out = append(out, cand)
	}
	if err := rows.Err(); err != nil {
		return nil, stderrors.NewStoreUnavailableError("iterate candidates", err)
	}
	return out, nil
}

func unmarshalCandidate(payload []byte) (*models.Candidate, error) {
	var cand models.Candidate
	if err := json.Unmarshal(payload, &cand); err != nil {
		return nil, stderrors.NewInternalError("unmarshal candidate", err)
	}
	return &cand, nil
}

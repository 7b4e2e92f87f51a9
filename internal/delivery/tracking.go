package delivery

import (
	"context"
	"database/sql"
	"sync"
	"time"

	stderrors "ceap-engine/internal/common/errors"
	"ceap-engine/internal/models"
)

// TrackingStore records delivery outcomes and answers campaign queries.
type TrackingStore interface {
	Record(ctx context.Context, rec models.DeliveryRecord) error
	MarkOpened(ctx context.Context, deliveryID string, openedAt time.Time) error
	GetByCustomer(ctx context.Context, customerID string) ([]models.DeliveryRecord, error)
	CampaignMetrics(ctx context.Context, programID, channel string) (models.CampaignMetrics, error)
}

// TrackingSchema backs delivery tracking.
const TrackingSchema = `
CREATE TABLE IF NOT EXISTS deliveries (
    delivery_id   TEXT PRIMARY KEY,
    candidate_key TEXT NOT NULL,
    customer_id   TEXT NOT NULL,
    program_id    TEXT NOT NULL,
    channel       TEXT NOT NULL,
    template_id   TEXT NOT NULL,
    status        TEXT NOT NULL,
    shadow        BOOLEAN NOT NULL,
    sent_at       TIMESTAMPTZ NOT NULL,
    opened_at     TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_deliveries_customer ON deliveries (customer_id);
CREATE INDEX IF NOT EXISTS idx_deliveries_campaign ON deliveries (program_id, channel);
`

// PostgresTrackingStore implements TrackingStore on PostgreSQL.
type PostgresTrackingStore struct {
	db *sql.DB
}

func NewPostgresTrackingStore(db *sql.DB) *PostgresTrackingStore {
	return &PostgresTrackingStore{db: db}
}

func (s *PostgresTrackingStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, TrackingSchema); err != nil {
		return stderrors.NewStoreUnavailableError("ensure tracking schema", err)
	}
	return nil
}

func (s *PostgresTrackingStore) Record(ctx context.Context, rec models.DeliveryRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO deliveries
		    (delivery_id, candidate_key, customer_id, program_id, channel,
		     template_id, status, shadow, sent_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		rec.DeliveryID, rec.CandidateKey, rec.CustomerID, rec.ProgramID,
		rec.Channel, rec.TemplateID, rec.Status, rec.Shadow, rec.SentAt.UTC(),
	)
	if err != nil {
		return stderrors.NewStoreUnavailableError("record delivery", err)
	}
	return nil
}

// MarkOpened transitions SENT to OPENED. Re-marking an opened delivery
// keeps the first open timestamp.
func (s *PostgresTrackingStore) MarkOpened(ctx context.Context, deliveryID string, openedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE deliveries
		SET status = $1, opened_at = $2
		WHERE delivery_id = $3 AND status = $4`,
		models.DeliveryStatusOpened, openedAt.UTC(), deliveryID, models.DeliveryStatusSent,
	)
	if err != nil {
		return stderrors.NewStoreUnavailableError("mark opened", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return stderrors.NewCandidateNotFoundError(deliveryID)
	}
	return nil
}

func (s *PostgresTrackingStore) GetByCustomer(ctx context.Context, customerID string) ([]models.DeliveryRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT delivery_id, candidate_key, customer_id, program_id, channel,
		       template_id, status, shadow, sent_at, opened_at
		FROM deliveries
		WHERE customer_id = $1
		ORDER BY sent_at DESC`,
		customerID,
	)
	if err != nil {
		return nil, stderrors.NewStoreUnavailableError("deliveries by customer", err)
	}
	defer rows.Close()

	var out []models.DeliveryRecord
	for rows.Next() {
		var rec models.DeliveryRecord
		var openedAt sql.NullTime
		if err := rows.Scan(
			&rec.DeliveryID, &rec.CandidateKey, &rec.CustomerID, &rec.ProgramID,
			&rec.Channel, &rec.TemplateID, &rec.Status, &rec.Shadow, &rec.SentAt, &openedAt,
		); err != nil {
			return nil, stderrors.NewStoreUnavailableError("scan delivery", err)
		}
		if openedAt.Valid {
			t := openedAt.Time
			rec.OpenedAt = &t
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, stderrors.NewStoreUnavailableError("iterate deliveries", err)
	}
	return out, nil
}

// CampaignMetrics aggregates sent/opened counts for a program+channel.
// Shadow deliveries are excluded.
func (s *PostgresTrackingStore) CampaignMetrics(ctx context.Context, programID, channel string) (models.CampaignMetrics, error) {
	m := models.CampaignMetrics{ProgramID: programID, Channel: channel}
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE status = $1)
		FROM deliveries
		WHERE program_id = $2 AND channel = $3 AND shadow = FALSE`,
		models.DeliveryStatusOpened, programID, channel,
	).Scan(&m.Sent, &m.Opened)
	if err != nil {
		return m, stderrors.NewStoreUnavailableError("campaign metrics", err)
	}
	if m.Sent > 0 {
		m.OpenRate = float64(m.Opened) / float64(m.Sent)
	}
	return m, nil
}

// MemoryTrackingStore is an in-memory TrackingStore for tests and shadow
// runs.
type MemoryTrackingStore struct {
	mu      sync.RWMutex
	records map[string]models.DeliveryRecord
	order   []string
}

func NewMemoryTrackingStore() *MemoryTrackingStore {
	return &MemoryTrackingStore{records: make(map[string]models.DeliveryRecord)}
}

func (s *MemoryTrackingStore) Record(ctx context.Context, rec models.DeliveryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[rec.DeliveryID]; !exists {
		s.order = append(s.order, rec.DeliveryID)
	}
	s.records[rec.DeliveryID] = rec
	return nil
}

func (s *MemoryTrackingStore) MarkOpened(ctx context.Context, deliveryID string, openedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, exists := s.records[deliveryID]
	if !exists || rec.Status != models.DeliveryStatusSent {
		return stderrors.NewCandidateNotFoundError(deliveryID)
	}
	rec.Status = models.DeliveryStatusOpened
	t := openedAt
	rec.OpenedAt = &t
	s.records[deliveryID] = rec
	return nil
}

func (s *MemoryTrackingStore) GetByCustomer(ctx context.Context, customerID string) ([]models.DeliveryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.DeliveryRecord
	for _, id := range s.order {
		if rec := s.records[id]; rec.CustomerID == customerID {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *MemoryTrackingStore) CampaignMetrics(ctx context.Context, programID, channel string) (models.CampaignMetrics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m := models.CampaignMetrics{ProgramID: programID, Channel: channel}
	for _, rec := range s.records {
		if rec.ProgramID != programID || rec.Channel != channel || rec.Shadow {
			continue
		}
		m.Sent++
		if rec.Status == models.DeliveryStatusOpened {
			m.Opened++
		}
	}
	if m.Sent > 0 {
		m.OpenRate = float64(m.Opened) / float64(m.Sent)
	}
	return m, nil
}

// All returns every record in insertion order.
func (s *MemoryTrackingStore) All() []models.DeliveryRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.DeliveryRecord, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.records[id])
	}
	return out
}

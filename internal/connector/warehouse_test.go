package connector

import (
	"context"
	"testing"
	"time"

	"ceap-engine/internal/common/logger"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWarehouseValidateConfig(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	w := NewWarehouseConnector(db, logger.NewNoOpLogger())

	t.Run("valid", func(t *testing.T) {
		result := w.ValidateConfig(testConnectorConfig())
		assert.True(t, result.Valid)
		assert.Empty(t, result.Errors)
	})

	t.Run("missing source", func(t *testing.T) {
		cc := testConnectorConfig()
		cc.Source = ""
		result := w.ValidateConfig(cc)
		assert.False(t, result.Valid)
	})

	t.Run("injection-shaped table name", func(t *testing.T) {
		cc := testConnectorConfig()
		cc.Source = "orders; DROP TABLE orders"
		result := w.ValidateConfig(cc)
		assert.False(t, result.Valid)
	})

	t.Run("missing required mapping", func(t *testing.T) {
		cc := testConnectorConfig()
		delete(cc.FieldMappings, FieldCustomerID)
		result := w.ValidateConfig(cc)
		assert.False(t, result.Valid)
	})
}

func TestWarehouseExtract(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	// Columns are emitted sorted and deduplicated.
	rows := sqlmock.NewRows([]string{"asin", "customer_id", "marketplace", "order_date", "order_total", "subject_type"}).
		AddRow("P1", "C1", "US", time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), "59.99", "product").
		AddRow("P2", "C2", "DE", "2026-01-02T00:00:00Z", 41.5, "product")

	mock.ExpectQuery(`SELECT asin, customer_id, marketplace, order_date, order_total, subject_type FROM orders WHERE order_date >= \$1 AND order_date < \$2`).
		WillReturnRows(rows)

	w := NewWarehouseConnector(db, logger.NewTestLogger(t))
	it, err := w.Extract(context.Background(), testConnectorConfig(), DateRange{
		Start: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	defer it.Close()

	first, err := it.Next(context.Background())
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, "C1", first.Fields["customer_id"])
	assert.Equal(t, "2026-01-01T00:00:00Z", first.Fields["order_date"])
	assert.Equal(t, "orders-warehouse", first.Metadata["connectorId"])

	second, err := it.Next(context.Background())
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, "C2", second.Fields["customer_id"])
	assert.Equal(t, "41.5", second.Fields["order_total"])

	done, err := it.Next(context.Background())
	require.NoError(t, err)
	assert.Nil(t, done)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWarehouseExtract_RejectsInvalidConfig(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	w := NewWarehouseConnector(db, logger.NewNoOpLogger())
	cc := testConnectorConfig()
	cc.FieldMappings = nil

	_, err = w.Extract(context.Background(), cc, DateRange{})
	assert.Error(t, err)
}

func TestStreamIteratorDrainsBufferedEvents(t *testing.T) {
	events := make(chan RawRecord, 2)
	events <- RawRecord{Fields: map[string]string{"customer_id": "C1"}}
	events <- RawRecord{Fields: map[string]string{"customer_id": "C2"}}

	s := NewStreamConnector(events, logger.NewNoOpLogger())
	it, err := s.Extract(context.Background(), testConnectorConfig(), DateRange{})
	require.NoError(t, err)

	var got []string
	for {
		rec, err := it.Next(context.Background())
		require.NoError(t, err)
		if rec == nil {
			break
		}
		got = append(got, rec.Fields["customer_id"])
	}
	assert.Equal(t, []string{"C1", "C2"}, got)
}

package connector

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"ceap-engine/internal/common/config"
	"ceap-engine/internal/common/logger"
	"ceap-engine/internal/models"
)

const TypeWarehouse = "warehouse"

var identPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// WarehouseConnector extracts rows from a SQL warehouse table. The source
// option names the table; fieldMappings name its columns. The connector
// only reads; query generation beyond this window scan is out of scope.
type WarehouseConnector struct {
	db     *sql.DB
	logger logger.Logger
}

func NewWarehouseConnector(db *sql.DB, log logger.Logger) *WarehouseConnector {
	return &WarehouseConnector{
		db:     db,
		logger: log.WithFields(map[string]interface{}{"connectorType": TypeWarehouse}),
	}
}

func (w *WarehouseConnector) Type() string { return TypeWarehouse }

func (w *WarehouseConnector) ValidateConfig(cc config.ConnectorConfig) *ValidationResult {
	result := &ValidationResult{Valid: true}

	if cc.ConnectorID == "" {
		result.addError("connectorId is required")
	}
	if cc.Source == "" {
		result.addError("source table is required")
	} else if !identPattern.MatchString(cc.Source) {
		result.addError("source %q is not a valid table name", cc.Source)
	}
	ValidateMappings(cc, result)
	for canonical, column := range cc.FieldMappings {
		if !identPattern.MatchString(column) {
			result.addError("mapping %q targets invalid column %q", canonical, column)
		}
	}
	if cc.Options["dateColumn"] != "" && !identPattern.MatchString(cc.Options["dateColumn"]) {
		result.addError("dateColumn %q is not a valid column name", cc.Options["dateColumn"])
	}
	return result
}

func (w *WarehouseConnector) Extract(ctx context.Context, cc config.ConnectorConfig, dateRange DateRange) (RecordIterator, error) {
	if result := w.ValidateConfig(cc); !result.Valid {
		return nil, fmt.Errorf("invalid warehouse connector config: %s", strings.Join(result.Errors, "; "))
	}

	seen := make(map[string]bool, len(cc.FieldMappings))
	columns := make([]string, 0, len(cc.FieldMappings))
	for _, column := range cc.FieldMappings {
		if !seen[column] {
			seen[column] = true
			columns = append(columns, column)
		}
	}
	sort.Strings(columns)

	dateColumn := cc.Options["dateColumn"]
	if dateColumn == "" {
		dateColumn = cc.FieldMappings[FieldEventDate]
	}

	// Identifiers are allowlist-validated above; only the range bounds are
	// parameterized.
	query := fmt.Sprintf(
		"SELECT %s FROM %s WHERE %s >= $1 AND %s < $2",
		strings.Join(columns, ", "), cc.Source, dateColumn, dateColumn,
	)

	rows, err := w.db.QueryContext(ctx, query, dateRange.Start, dateRange.End)
	if err != nil {
		return nil, fmt.Errorf("warehouse extract query failed: %w", err)
	}

	w.logger.Info("warehouse extraction started", map[string]interface{}{
		"connectorId": cc.ConnectorID,
		"source":      cc.Source,
		"start":       dateRange.Start.Format(time.RFC3339),
		"end":         dateRange.End.Format(time.RFC3339),
	})

	return &rowIterator{rows: rows, columns: columns, connectorID: cc.ConnectorID}, nil
}

func (w *WarehouseConnector) TransformToCandidate(record *RawRecord, cc config.ConnectorConfig, program *config.ProgramConfig, now time.Time) (*models.Candidate, error) {
	return MapRecord(record, cc, program, now)
}

// rowIterator adapts sql.Rows to the RecordIterator contract.
type rowIterator struct {
	rows        *sql.Rows
	columns     []string
	connectorID string
}

func (it *rowIterator) Next(ctx context.Context) (*RawRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !it.rows.Next() {
		if err := it.rows.Err(); err != nil {
			return nil, fmt.Errorf("warehouse row scan aborted: %w", err)
		}
		return nil, nil
	}

	values := make([]interface{}, len(it.columns))
	dest := make([]interface{}, len(it.columns))
	for i := range values {
		dest[i] = &values[i]
	}
	if err := it.rows.Scan(dest...); err != nil {
		return nil, fmt.Errorf("warehouse row scan failed: %w", err)
	}

	fields := make(map[string]string, len(it.columns))
	for i, column := range it.columns {
		if s, ok := stringifyColumn(values[i]); ok {
			fields[column] = s
		}
	}
	return &RawRecord{
		Fields:   fields,
		Metadata: map[string]string{"connectorId": it.connectorID},
	}, nil
}

func (it *rowIterator) Close() error {
	return it.rows.Close()
}

// stringifyColumn normalizes driver-specific scan types to strings; dates
// become RFC 3339 so the transform's ISO-8601 parsing accepts them.
func stringifyColumn(v interface{}) (string, bool) {
	switch val := v.(type) {
	case nil:
		return "", false
	case string:
		return val, true
	case []byte:
		return string(val), true
	case time.Time:
		return val.UTC().Format(time.RFC3339), true
	case int64:
		return fmt.Sprintf("%d", val), true
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), true
	case bool:
		return strconv.FormatBool(val), true
	default:
		return fmt.Sprintf("%v", val), true
	}
}

// Package connector ingests raw source records and transforms them into
// candidates. Connectors are registered by type and selected per program
// config; the extraction sequence is one-pass and not restartable mid-fault.
package connector

import (
	"context"
	"fmt"
	"time"

	"ceap-engine/internal/common/config"
	"ceap-engine/internal/models"
)

// RawRecord is one opaque source record. Field values arrive stringly typed
// from warehouse/stream sources; the transform step parses them.
type RawRecord struct {
	Fields   map[string]string `json:"fields"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// DateRange bounds one extraction pass.
type DateRange struct {
	Start time.Time
	End   time.Time
}

// ValidationResult reports connector config validation.
type ValidationResult struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}

func (v *ValidationResult) addError(format string, args ...interface{}) {
	v.Valid = false
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// RecordIterator walks an extraction sequence exactly once. Next returns
// (nil, nil) at end of sequence; a non-nil error means the source faulted
// and the caller must re-extract from scratch.
type RecordIterator interface {
	Next(ctx context.Context) (*RawRecord, error)
	Close() error
}

// Connector is one pluggable extraction source.
type Connector interface {
	Type() string
	ValidateConfig(cc config.ConnectorConfig) *ValidationResult
	Extract(ctx context.Context, cc config.ConnectorConfig, dateRange DateRange) (RecordIterator, error)
	TransformToCandidate(record *RawRecord, cc config.ConnectorConfig, program *config.ProgramConfig, now time.Time) (*models.Candidate, error)
}

// Registry maps connector types to implementations.
type Registry struct {
	connectors map[string]Connector
}

func NewRegistry() *Registry {
	return &Registry{connectors: make(map[string]Connector)}
}

// Register adds a connector, replacing any existing one of the same type.
func (r *Registry) Register(c Connector) {
	r.connectors[c.Type()] = c
}

// Get returns the connector for the given type.
func (r *Registry) Get(connectorType string) (Connector, error) {
	c, ok := r.connectors[connectorType]
	if !ok {
		return nil, fmt.Errorf("unknown connector type %q", connectorType)
	}
	return c, nil
}

// sliceIterator serves a fixed record slice; shared by the stream connector
// and tests.
type sliceIterator struct {
	records []RawRecord
	pos     int
}

func (it *sliceIterator) Next(ctx context.Context) (*RawRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if it.pos >= len(it.records) {
		return nil, nil
	}
	rec := it.records[it.pos]
	it.pos++
	return &rec, nil
}

func (it *sliceIterator) Close() error { return nil }

// NewSliceIterator wraps records in a one-pass iterator.
func NewSliceIterator(records []RawRecord) RecordIterator {
	return &sliceIterator{records: records}
}

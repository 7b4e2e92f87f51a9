package connector

import (
	"context"
	"time"

	"ceap-engine/internal/common/config"
	"ceap-engine/internal/common/logger"
	"ceap-engine/internal/models"
)

const TypeStream = "stream"

// StreamConnector drains reactive events from an in-memory channel. It backs
// the reactive ingestion path where events are pushed at the process
// boundary rather than pulled from a warehouse.
type StreamConnector struct {
	events <-chan RawRecord
	logger logger.Logger
}

func NewStreamConnector(events <-chan RawRecord, log logger.Logger) *StreamConnector {
	return &StreamConnector{
		events: events,
		logger: log.WithFields(map[string]interface{}{"connectorType": TypeStream}),
	}
}

func (s *StreamConnector) Type() string { return TypeStream }

func (s *StreamConnector) ValidateConfig(cc config.ConnectorConfig) *ValidationResult {
	result := &ValidationResult{Valid: true}
	if cc.ConnectorID == "" {
		result.addError("connectorId is required")
	}
	ValidateMappings(cc, result)
	return result
}

// Extract drains currently buffered events. Records pushed after the drain
// starts belong to the next invocation.
func (s *StreamConnector) Extract(ctx context.Context, cc config.ConnectorConfig, _ DateRange) (RecordIterator, error) {
	return &streamIterator{events: s.events}, nil
}

func (s *StreamConnector) TransformToCandidate(record *RawRecord, cc config.ConnectorConfig, program *config.ProgramConfig, now time.Time) (*models.Candidate, error) {
	return MapRecord(record, cc, program, now)
}

type streamIterator struct {
	events <-chan RawRecord
}

func (it *streamIterator) Next(ctx context.Context) (*RawRecord, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case rec, ok := <-it.events:
		if !ok {
			return nil, nil
		}
		return &rec, nil
	default:
		// Channel drained for this pass.
		return nil, nil
	}
}

func (it *streamIterator) Close() error { return nil }

// Package pipeline orchestrates one batch run for a program: extract raw
// records, transform them into candidates, filter, score, and persist.
// Failures isolate per record; one bad record never aborts the batch.
package pipeline

import (
	"context"
	"time"

	"github.com/google/uuid"

	"ceap-engine/internal/common/config"
	stderrors "ceap-engine/internal/common/errors"
	"ceap-engine/internal/common/logger"
	"ceap-engine/internal/common/metrics"
	"ceap-engine/internal/common/observability"
	"ceap-engine/internal/connector"
	"ceap-engine/internal/experiment"
	"ceap-engine/internal/filter"
	"ceap-engine/internal/models"
	"ceap-engine/internal/scoring"
	"ceap-engine/internal/store"
)

const defaultBatchSize = 25

// Report summarizes one pipeline run.
type Report struct {
	ProgramID           string
	WorkflowExecutionID string
	Extracted           int
	ValidationErrors    int
	Filtered            int
	Stored              int
	Unprocessed         int
	Duration            time.Duration
}

// Runner wires the pipeline stages together for batch runs.
type Runner struct {
	connectors *connector.Registry
	filters    *filter.Registry
	scorer     *scoring.Engine
	store      store.CandidateStore
	obs        *observability.Observability
	cfg        config.PipelineConfig
	logger     logger.Logger
	now        func() time.Time
	newID      func() string
}

func NewRunner(connectors *connector.Registry, filters *filter.Registry, scorer *scoring.Engine, st store.CandidateStore, obs *observability.Observability, cfg config.PipelineConfig, log logger.Logger) *Runner {
	return &Runner{
		connectors: connectors,
		filters:    filters,
		scorer:     scorer,
		store:      st,
		obs:        obs,
		cfg:        cfg,
		logger:     log.WithFields(map[string]interface{}{"component": "pipeline"}),
		now:        time.Now,
		newID:      uuid.NewString,
	}
}

func (r *Runner) batchSize() int {
	if r.cfg.BatchSize > 0 && r.cfg.BatchSize <= store.MaxBatchSize {
		return r.cfg.BatchSize
	}
	return defaultBatchSize
}

// Run executes one batch invocation for the program over the date range.
func (r *Runner) Run(ctx context.Context, program *config.ProgramConfig, dateRange connector.DateRange) (*Report, error) {
	start := r.now()
	report := &Report{
		ProgramID:           program.ProgramID,
		WorkflowExecutionID: r.newID(),
	}
	log := r.logger.WithFields(map[string]interface{}{
		"programId":           program.ProgramID,
		"workflowExecutionId": report.WorkflowExecutionID,
	})

	defer func() {
		report.Duration = r.now().Sub(start)
		metrics.PipelineBatchDuration.WithLabelValues(program.ProgramID).Observe(report.Duration.Seconds())
		if r.obs != nil {
			r.obs.RecordRunDuration(ctx, program.ProgramID, report.Duration)
		}
	}()

	if !program.Enabled {
		r.recordRun(ctx, program.ProgramID, "skipped")
		return report, stderrors.NewProgramDisabledError(program.ProgramID)
	}

	chain, err := filter.NewChain(program.FilterChain, r.filters, log)
	if err != nil {
		r.recordRun(ctx, program.ProgramID, "error")
		return report, err
	}

	for _, connectorCfg := range program.DataConnectors {
		if err := r.runConnector(ctx, program, connectorCfg, dateRange, chain, report, log); err != nil {
			r.recordRun(ctx, program.ProgramID, "error")
			return report, err
		}
	}

	r.recordRun(ctx, program.ProgramID, "completed")
	log.Info("pipeline run completed", map[string]interface{}{
		"extracted":        report.Extracted,
		"validationErrors": report.ValidationErrors,
		"filtered":         report.Filtered,
		"stored":           report.Stored,
		"unprocessed":      report.Unprocessed,
	})
	return report, nil
}

func (r *Runner) recordRun(ctx context.Context, programID, status string) {
	if r.obs != nil {
		r.obs.RecordRun(ctx, programID, status)
	}
}

// runConnector drains one connector's extraction in batches.
func (r *Runner) runConnector(ctx context.Context, program *config.ProgramConfig, connectorCfg config.ConnectorConfig, dateRange connector.DateRange, chain *filter.Chain, report *Report, log logger.Logger) error {
	conn, err := r.connectors.Get(connectorCfg.Type)
	if err != nil {
		return stderrors.NewConnectorConfigInvalidError(connectorCfg.ConnectorID, err.Error())
	}
	if result := conn.ValidateConfig(connectorCfg); !result.Valid {
		return stderrors.NewConnectorConfigInvalidError(connectorCfg.ConnectorID, result.Errors[0])
	}

	iter, err := conn.Extract(ctx, connectorCfg, dateRange)
	if err != nil {
		return err
	}
	defer iter.Close()

	batch := make([]*models.Candidate, 0, r.batchSize())
	for {
		record, err := iter.Next(ctx)
		if err != nil {
			return err
		}
		if record == nil {
			break
		}
		report.Extracted++

		cand, err := conn.TransformToCandidate(record, connectorCfg, program, r.now().UTC())
		if err != nil {
			// Per-record validation failure: count it and move on.
			report.ValidationErrors++
			metrics.PipelineRecordsProcessed.WithLabelValues(program.ProgramID, "validation_error").Inc()
			log.WithError(err).Warn("record rejected during transform", map[string]interface{}{
				"connectorId": connectorCfg.ConnectorID,
			})
			continue
		}
		cand.Metadata.WorkflowExecutionID = report.WorkflowExecutionID
		experiment.Apply(cand, program.Experiments)

		batch = append(batch, cand)
		if len(batch) >= r.batchSize() {
			if err := r.processBatch(ctx, program, chain, batch, report, log); err != nil {
				return err
			}
			batch = batch[:0]
		}
	}
	if len(batch) > 0 {
		return r.processBatch(ctx, program, chain, batch, report, log)
	}
	return nil
}

// processBatch filters, scores, and stores one batch of candidates.
func (r *Runner) processBatch(ctx context.Context, program *config.ProgramConfig, chain *filter.Chain, batch []*models.Candidate, report *Report, log logger.Logger) error {
	chainResult, err := chain.Execute(ctx, batch, &filter.Context{
		Program: program,
		Now:     r.now().UTC(),
	})
	if err != nil {
		// failFast chains surface the failure for the whole batch.
		return err
	}
	report.Filtered += len(chainResult.Rejected)
	for range chainResult.Rejected {
		metrics.PipelineRecordsProcessed.WithLabelValues(program.ProgramID, "filtered").Inc()
	}
	if len(chainResult.Passed) == 0 {
		return nil
	}

	if err := r.scorer.ScoreCandidates(ctx, chainResult.Passed, program.ScoringModels); err != nil {
		return err
	}

	writeResult, err := r.store.BatchWrite(ctx, chainResult.Passed)
	if err != nil {
		return err
	}
	report.Stored += writeResult.Written
	report.Unprocessed += len(writeResult.Unprocessed)
	for range writeResult.Unprocessed {
		metrics.PipelineRecordsProcessed.WithLabelValues(program.ProgramID, "unprocessed").Inc()
	}
	for i := 0; i < writeResult.Written; i++ {
		metrics.PipelineRecordsProcessed.WithLabelValues(program.ProgramID, "stored").Inc()
	}
	if len(writeResult.Unprocessed) > 0 {
		log.Warn("batch write left unprocessed items", map[string]interface{}{
			"unprocessed": len(writeResult.Unprocessed),
		})
	}
	return nil
}

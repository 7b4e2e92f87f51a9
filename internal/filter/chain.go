package filter

import (
	"context"
	"sort"
	"sync"

	"ceap-engine/internal/common/config"
	stderrors "ceap-engine/internal/common/errors"
	"ceap-engine/internal/common/logger"
	"ceap-engine/internal/common/metrics"
	"ceap-engine/internal/models"
)

// chainStage pairs a built filter with its configuration.
type chainStage struct {
	filter Filter
	cfg    config.FilterConfig
}

// Chain executes a program's filters strictly by ascending configured
// order. Sequential stages receive exactly the passed output of their
// predecessor; parallel execution runs independent filters concurrently
// against the same input and merges results in configured order so
// rejection attribution stays deterministic.
type Chain struct {
	stages   []chainStage
	parallel bool
	failFast bool
	logger   logger.Logger
}

// ChainResult reports one chain execution.
type ChainResult struct {
	Passed   []*models.Candidate
	Rejected []*models.Candidate
}

// NewChain builds the chain configured for a program.
func NewChain(chainCfg config.FilterChainConfig, registry *Registry, log logger.Logger) (*Chain, error) {
	stages := make([]chainStage, 0, len(chainCfg.Filters))
	for _, fc := range chainCfg.Filters {
		f, err := registry.Build(fc)
		if err != nil {
			return nil, err
		}
		stages = append(stages, chainStage{filter: f, cfg: fc})
	}
	sort.SliceStable(stages, func(i, j int) bool {
		return stages[i].cfg.Order < stages[j].cfg.Order
	})

	return &Chain{
		stages:   stages,
		parallel: chainCfg.ParallelExecution,
		failFast: chainCfg.FailFast,
		logger:   log.WithFields(map[string]interface{}{"component": "filter-chain"}),
	}, nil
}

// Execute runs all stages. A filter hard failure (error or timeout) aborts
// the batch when failFast is set; otherwise the failing filter is skipped
// as pass-through with the degradation logged.
func (c *Chain) Execute(ctx context.Context, candidates []*models.Candidate, fc *Context) (*ChainResult, error) {
	if c.parallel {
		return c.executeParallel(ctx, candidates, fc)
	}
	return c.executeSequential(ctx, candidates, fc)
}

func (c *Chain) executeSequential(ctx context.Context, candidates []*models.Candidate, fc *Context) (*ChainResult, error) {
	result := &ChainResult{}
	remaining := candidates

	for _, stage := range c.stages {
		if len(remaining) == 0 {
			break
		}
		stageResult, err := c.runStage(ctx, stage, remaining, fc)
		if err != nil {
			if c.failFast {
				return nil, err
			}
			c.logSkip(stage, err)
			continue
		}
		c.recordRejections(stage, stageResult.Rejected, fc, result)
		remaining = stageResult.Passed
	}

	result.Passed = remaining
	return result, nil
}

func (c *Chain) executeParallel(ctx context.Context, candidates []*models.Candidate, fc *Context) (*ChainResult, error) {
	type stageOutcome struct {
		result *Result
		err    error
	}
	outcomes := make([]stageOutcome, len(c.stages))

	var wg sync.WaitGroup
	for i, stage := range c.stages {
		wg.Add(1)
		go func(i int, stage chainStage) {
			defer wg.Done()
			r, err := c.runStage(ctx, stage, candidates, fc)
			outcomes[i] = stageOutcome{result: r, err: err}
		}(i, stage)
	}
	wg.Wait()

	// Merge in configured order: the earliest-order rejecting filter owns
	// the attribution; later rejections of the same candidate are dropped.
	result := &ChainResult{}
	rejected := make(map[*models.Candidate]bool)
	for i, stage := range c.stages {
		if outcomes[i].err != nil {
			if c.failFast {
				return nil, outcomes[i].err
			}
			c.logSkip(stage, outcomes[i].err)
			continue
		}
		var owned []Rejection
		for _, rej := range outcomes[i].result.Rejected {
			if !rejected[rej.Candidate] {
				rejected[rej.Candidate] = true
				owned = append(owned, rej)
			}
		}
		c.recordRejections(stage, owned, fc, result)
	}

	for _, cand := range candidates {
		if !rejected[cand] {
			result.Passed = append(result.Passed, cand)
		}
	}
	return result, nil
}

// runStage executes one filter under its configured timeout and verifies
// the partition covers the input.
func (c *Chain) runStage(ctx context.Context, stage chainStage, candidates []*models.Candidate, fc *Context) (*Result, error) {
	stageCtx, cancel := context.WithTimeout(ctx, stage.cfg.Timeout())
	defer cancel()

	type outcome struct {
		result *Result
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		r, err := stage.filter.Execute(stageCtx, candidates, fc)
		done <- outcome{result: r, err: err}
	}()

	select {
	case <-stageCtx.Done():
		return nil, stderrors.NewFilterExecutionFailedError(stage.cfg.FilterID, stageCtx.Err())
	case o := <-done:
		if o.err != nil {
			return nil, stderrors.NewFilterExecutionFailedError(stage.cfg.FilterID, o.err)
		}
		if got := len(o.result.Passed) + len(o.result.Rejected); got != len(candidates) {
			return nil, stderrors.NewFilterExecutionFailedError(stage.cfg.FilterID,
				stderrors.NewInternalError("filter result does not partition input", nil))
		}
		return o.result, nil
	}
}

func (c *Chain) recordRejections(stage chainStage, rejections []Rejection, fc *Context, result *ChainResult) {
	for _, rej := range rejections {
		rej.Candidate.AddRejection(stage.cfg.FilterID, rej.Reason, rej.ReasonCode, fc.Now)
		result.Rejected = append(result.Rejected, rej.Candidate)
		metrics.FilterRejections.WithLabelValues(fc.Program.ProgramID, stage.cfg.FilterID, rej.ReasonCode).Inc()
		c.logger.Debug("candidate rejected", map[string]interface{}{
			"filterId":   stage.cfg.FilterID,
			"reasonCode": rej.ReasonCode,
			"customerId": rej.Candidate.CustomerID,
		})
	}
}

func (c *Chain) logSkip(stage chainStage, err error) {
	c.logger.WithError(err).Warn("filter failed, skipping as pass-through", map[string]interface{}{
		"filterId": stage.cfg.FilterID,
	})
}

package scoring

import (
	"context"
	"sync"
	"time"

	"ceap-engine/internal/common/config"
	stderrors "ceap-engine/internal/common/errors"
	"ceap-engine/internal/common/logger"
	"ceap-engine/internal/common/metrics"
	"ceap-engine/internal/models"
)

// Score provenance markers stored in Score.Metadata.
const (
	sourceLive     = "live"
	sourceFallback = "fallback"
)

const defaultModelConcurrency = 4

// Engine runs every configured model against a batch of candidates. Models
// are independent: a model that fails, times out, or sits behind an open
// breaker contributes its fallback score while the others score normally.
type Engine struct {
	registry *Registry
	resolver FeatureResolver
	cache    *ScoreCache
	logger   logger.Logger

	concurrency int
	now         func() time.Time

	mu       sync.Mutex
	breakers map[string]*Breaker
}

func NewEngine(registry *Registry, resolver FeatureResolver, cache *ScoreCache, log logger.Logger) *Engine {
	return &Engine{
		registry:    registry,
		resolver:    resolver,
		cache:       cache,
		logger:      log,
		concurrency: defaultModelConcurrency,
		now:         time.Now,
		breakers:    make(map[string]*Breaker),
	}
}

func (e *Engine) breaker(modelID string) *Breaker {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.breakers[modelID]
	if !ok {
		b = NewBreaker(modelID)
		e.breakers[modelID] = b
	}
	return b
}

// modelResult holds one model's output for the batch, keyed by candidate
// index. Scores are merged onto candidates only after all models join, so
// no two goroutines ever touch the same candidate.
type modelResult struct {
	modelID string
	scores  map[int]models.Score
}

// ScoreCandidates scores the batch with every model in the program config
// and attaches the results. Candidates that could not be scored by any
// model still come back, carrying fallback scores.
func (e *Engine) ScoreCandidates(ctx context.Context, cands []*models.Candidate, modelCfgs []config.ModelConfig) error {
	if len(cands) == 0 || len(modelCfgs) == 0 {
		return nil
	}

	results := make([]modelResult, len(modelCfgs))
	sem := make(chan struct{}, e.concurrency)
	var wg sync.WaitGroup

	for i, cfg := range modelCfgs {
		wg.Add(1)
		go func(i int, cfg config.ModelConfig) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			results[i] = e.scoreModel(ctx, cands, cfg)
		}(i, cfg)
	}
	wg.Wait()

	for _, res := range results {
		for idx, score := range res.scores {
			cands[idx].SetScore(score)
		}
	}
	return ctx.Err()
}

// scoreModel runs a single model over the batch: cache first, then live
// scoring behind the breaker, then the fallback chain.
func (e *Engine) scoreModel(ctx context.Context, cands []*models.Candidate, cfg config.ModelConfig) modelResult {
	res := modelResult{modelID: cfg.ModelID, scores: make(map[int]models.Score, len(cands))}

	provider, err := e.registry.Get(cfg.ModelID)
	if err != nil {
		e.logger.WithError(err).Error("scoring model not registered", map[string]interface{}{
			"modelId": cfg.ModelID,
		})
		for i := range cands {
			res.scores[i] = e.fallbackScore(cands[i], cfg, "model not registered")
		}
		return res
	}

	var missIdx []int
	for i, cand := range cands {
		if score, ok := e.cache.Get(ctx, cand.Key(), cfg.ModelID); ok {
			res.scores[i] = score
			continue
		}
		missIdx = append(missIdx, i)
	}
	if len(missIdx) == 0 {
		return res
	}

	br := e.breaker(cfg.ModelID)
	required := provider.GetRequiredFeatures()

	for _, i := range missIdx {
		cand := cands[i]

		features, err := e.resolver.Resolve(ctx, cand, required)
		if err != nil {
			// Feature store trouble is not a model failure; it does not
			// feed the breaker.
			e.logger.WithError(err).Warn("feature resolution failed", map[string]interface{}{
				"modelId":     cfg.ModelID,
				"candidateKey": cand.Key(),
			})
			res.scores[i] = e.fallbackScore(cand, cfg, "feature resolution failed")
			continue
		}
		if missing := features.Missing(required); len(missing) > 0 {
			metrics.ScoringCalls.WithLabelValues(cfg.ModelID, "skipped").Inc()
			e.logger.Debug("skipping model, incomplete features", map[string]interface{}{
				"modelId":     cfg.ModelID,
				"candidateKey": cand.Key(),
				"missing":     missing,
			})
			res.scores[i] = e.fallbackScore(cand, cfg, "incomplete features")
			continue
		}

		if !br.Allow() {
			metrics.ScoringCalls.WithLabelValues(cfg.ModelID, "breaker_open").Inc()
			res.scores[i] = e.fallbackScore(cand, cfg, "circuit breaker open")
			continue
		}

		score, err := e.invoke(ctx, provider, cand, features, cfg.Timeout())
		if err != nil {
			br.RecordFailure()
			metrics.ScoringCalls.WithLabelValues(cfg.ModelID, "error").Inc()
			e.logger.WithError(err).Warn("model invocation failed", map[string]interface{}{
				"modelId":     cfg.ModelID,
				"candidateKey": cand.Key(),
			})
			res.scores[i] = e.fallbackScore(cand, cfg, "model invocation failed")
			continue
		}

		br.RecordSuccess()
		metrics.ScoringCalls.WithLabelValues(cfg.ModelID, "success").Inc()
		if score.Metadata == nil {
			score.Metadata = make(map[string]interface{}, 1)
		}
		score.Metadata["source"] = sourceLive
		res.scores[i] = score
		e.cache.Set(ctx, cand.Key(), score, cfg.CacheTTL())
	}
	return res
}

// invoke calls the provider under the model's timeout. A timed-out call
// counts as a failure even though the provider goroutine may still finish.
func (e *Engine) invoke(ctx context.Context, provider ScoringProvider, cand *models.Candidate, features FeatureMap, timeout time.Duration) (models.Score, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		score models.Score
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		s, err := provider.ScoreCandidate(callCtx, cand, features)
		done <- outcome{score: s, err: err}
	}()

	select {
	case out := <-done:
		return out.score, out.err
	case <-callCtx.Done():
		return models.Score{}, stderrors.NewScoringModelTimeoutError(provider.ModelID())
	}
}

// fallbackScore applies the degraded-mode chain: the cache was already
// consulted, so the configured static fallback is used and the degradation
// is logged.
func (e *Engine) fallbackScore(cand *models.Candidate, cfg config.ModelConfig, reason string) models.Score {
	metrics.ScoringCalls.WithLabelValues(cfg.ModelID, "fallback").Inc()
	e.logger.Warn("serving fallback score", map[string]interface{}{
		"modelId":     cfg.ModelID,
		"candidateKey": cand.Key(),
		"reason":      reason,
	})
	return models.Score{
		ModelID:    cfg.ModelID,
		Value:      cfg.FallbackScore,
		Confidence: cfg.FallbackConfidence,
		Timestamp:  e.now().UTC(),
		Metadata: map[string]interface{}{
			"source": sourceFallback,
			"reason": reason,
		},
	}
}

package scoring

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"ceap-engine/internal/common/logger"
	"ceap-engine/internal/common/metrics"
	"ceap-engine/internal/models"
)

// ScoreCache keeps recent model outputs in Redis so repeated runs do not
// re-invoke the model for an unchanged candidate.
type ScoreCache struct {
	client *redis.Client
	logger logger.Logger
}

func NewScoreCache(client *redis.Client, log logger.Logger) *ScoreCache {
	return &ScoreCache{client: client, logger: log}
}

func cacheKey(candidateKey, modelID string) string {
	return fmt.Sprintf("score:%s:%s", candidateKey, modelID)
}

// Get returns the cached score for (candidate, model), or ok=false on a
// miss. Redis errors are reported as misses so scoring proceeds.
func (c *ScoreCache) Get(ctx context.Context, candidateKey, modelID string) (models.Score, bool) {
	var score models.Score
	if c == nil || c.client == nil {
		return score, false
	}

	raw, err := c.client.Get(ctx, cacheKey(candidateKey, modelID)).Bytes()
	if err == redis.Nil {
		metrics.ScoreCacheHits.WithLabelValues(modelID, "miss").Inc()
		return score, false
	}
	if err != nil {
		c.logger.WithError(err).Warn("score cache read failed", map[string]interface{}{
			"modelId": modelID,
		})
		metrics.ScoreCacheHits.WithLabelValues(modelID, "error").Inc()
		return score, false
	}

	if err := json.Unmarshal(raw, &score); err != nil {
		c.logger.WithError(err).Warn("score cache entry corrupt, discarding", map[string]interface{}{
			"modelId": modelID,
		})
		metrics.ScoreCacheHits.WithLabelValues(modelID, "error").Inc()
		return models.Score{}, false
	}

	metrics.ScoreCacheHits.WithLabelValues(modelID, "hit").Inc()
	return score, true
}

// Set stores a score with the model's cache TTL. Write failures are logged
// and swallowed.
func (c *ScoreCache) Set(ctx context.Context, candidateKey string, score models.Score, ttl time.Duration) {
	if c == nil || c.client == nil {
		return
	}

	raw, err := json.Marshal(score)
	if err != nil {
		c.logger.WithError(err).Warn("score cache marshal failed", map[string]interface{}{
			"modelId": score.ModelID,
		})
		return
	}
	if err := c.client.Set(ctx, cacheKey(candidateKey, score.ModelID), raw, ttl).Err(); err != nil {
		c.logger.WithError(err).Warn("score cache write failed", map[string]interface{}{
			"modelId": score.ModelID,
		})
	}
}

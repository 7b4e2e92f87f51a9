package scoring

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"ceap-engine/internal/models"
)

// RedisFeatureResolver reads precomputed features from Redis hashes keyed
// by customer and subject. Feature values are stored as strings and parsed
// numerically where possible.
type RedisFeatureResolver struct {
	client *redis.Client
}

func NewRedisFeatureResolver(client *redis.Client) *RedisFeatureResolver {
	return &RedisFeatureResolver{client: client}
}

func featureKey(cand *models.Candidate) string {
	return fmt.Sprintf("features:%s:%s", cand.CustomerID, cand.Subject.ID)
}

func (r *RedisFeatureResolver) Resolve(ctx context.Context, cand *models.Candidate, required []string) (FeatureMap, error) {
	fm := FeatureMap{
		CustomerID: cand.CustomerID,
		SubjectID:  cand.Subject.ID,
		Features:   make(map[string]interface{}),
	}

	raw, err := r.client.HGetAll(ctx, featureKey(cand)).Result()
	if err != nil {
		return fm, fmt.Errorf("feature store lookup failed: %w", err)
	}
	for name, value := range raw {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			fm.Features[name] = f
		} else {
			fm.Features[name] = value
		}
	}
	return fm, nil
}

// StaticFeatureResolver serves features from a fixed map keyed by customer
// ID. Used in tests and in shadow environments without a feature store.
type StaticFeatureResolver struct {
	ByCustomer map[string]map[string]interface{}
}

func (s *StaticFeatureResolver) Resolve(ctx context.Context, cand *models.Candidate, required []string) (FeatureMap, error) {
	features := s.ByCustomer[cand.CustomerID]
	fm := FeatureMap{
		CustomerID: cand.CustomerID,
		SubjectID:  cand.Subject.ID,
		Features:   make(map[string]interface{}, len(features)),
	}
	for k, v := range features {
		fm.Features[k] = v
	}
	return fm, nil
}

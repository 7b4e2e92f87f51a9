package scoring

import (
	"context"
	"time"

	"ceap-engine/internal/models"
)

// Feature names consumed by the built-in propensity model.
const (
	FeatureOrderCount  = "order_count"
	FeatureReviewRate  = "review_rate"
	FeatureRecencyDays = "recency_days"
)

// PropensityProvider is the built-in engagement-propensity model. It blends
// historical activity, past response rate, and recency into a 0..1 score.
type PropensityProvider struct {
	modelID string
	version string
	now     func() time.Time
}

func NewPropensityProvider(modelID, version string) *PropensityProvider {
	return &PropensityProvider{modelID: modelID, version: version, now: time.Now}
}

func (p *PropensityProvider) ModelID() string { return p.modelID }

func (p *PropensityProvider) GetRequiredFeatures() []string {
	return []string{FeatureOrderCount, FeatureReviewRate, FeatureRecencyDays}
}

func (p *PropensityProvider) HealthCheck(ctx context.Context) error { return nil }

func (p *PropensityProvider) ScoreCandidate(ctx context.Context, cand *models.Candidate, features FeatureMap) (models.Score, error) {
	orderCount := features.Float(FeatureOrderCount)
	reviewRate := features.Float(FeatureReviewRate)
	recencyDays := features.Float(FeatureRecencyDays)

	// Activity saturates at 20 orders; recency decays linearly over 90 days.
	activity := orderCount / 20.0
	if activity > 1 {
		activity = 1
	}
	recency := 1 - recencyDays/90.0
	if recency < 0 {
		recency = 0
	}
	if reviewRate > 1 {
		reviewRate = 1
	}

	value := 0.4*activity + 0.35*reviewRate + 0.25*recency

	return models.Score{
		ModelID:    p.modelID,
		Value:      value,
		Confidence: 0.8,
		Timestamp:  p.now().UTC(),
		Metadata: map[string]interface{}{
			"modelVersion": p.version,
			"scoreType":    "propensity",
		},
	}, nil
}

func (p *PropensityProvider) ScoreBatch(ctx context.Context, cands []*models.Candidate, features []FeatureMap) ([]models.Score, error) {
	return ScoreSequentially(ctx, p, cands, features)
}

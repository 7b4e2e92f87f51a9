// Package scoring scores candidates through pluggable models with caching,
// per-model circuit breaking, and fallback. A scoring failure never aborts
// the pipeline for a candidate; it substitutes a fallback score.
package scoring

import (
	"context"
	"fmt"

	"ceap-engine/internal/models"
)

// FeatureMap carries resolved features for one candidate from the external
// feature store.
type FeatureMap struct {
	CustomerID string                 `json:"customerId"`
	SubjectID  string                 `json:"subjectId"`
	Features   map[string]interface{} `json:"features"`
}

// Missing returns the required features absent from the map.
func (f FeatureMap) Missing(required []string) []string {
	var missing []string
	for _, name := range required {
		if _, ok := f.Features[name]; !ok {
			missing = append(missing, name)
		}
	}
	return missing
}

// Float returns a numeric feature value, tolerating int-typed stores.
func (f FeatureMap) Float(name string) float64 {
	switch v := f.Features[name].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return 0
}

// FeatureResolver looks up model features for a candidate.
type FeatureResolver interface {
	Resolve(ctx context.Context, cand *models.Candidate, required []string) (FeatureMap, error)
}

// ScoringProvider is one pluggable model behind the scoring boundary.
type ScoringProvider interface {
	ModelID() string
	GetRequiredFeatures() []string
	ScoreCandidate(ctx context.Context, cand *models.Candidate, features FeatureMap) (models.Score, error)
	ScoreBatch(ctx context.Context, cands []*models.Candidate, features []FeatureMap) ([]models.Score, error)
	HealthCheck(ctx context.Context) error
}

// ScoreSequentially implements ScoreBatch by looping ScoreCandidate;
// providers without a native batch endpoint embed this behavior.
func ScoreSequentially(ctx context.Context, p ScoringProvider, cands []*models.Candidate, features []FeatureMap) ([]models.Score, error) {
	if len(cands) != len(features) {
		return nil, fmt.Errorf("candidates and features length mismatch: %d != %d", len(cands), len(features))
	}
	scores := make([]models.Score, len(cands))
	for i, cand := range cands {
		s, err := p.ScoreCandidate(ctx, cand, features[i])
		if err != nil {
			return nil, err
		}
		scores[i] = s
	}
	return scores, nil
}

// Registry maps model IDs to providers.
type Registry struct {
	providers map[string]ScoringProvider
}

func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]ScoringProvider)}
}

// Register adds a provider, replacing any existing one with the same model ID.
func (r *Registry) Register(p ScoringProvider) {
	r.providers[p.ModelID()] = p
}

// Get returns the provider for the given model ID.
func (r *Registry) Get(modelID string) (ScoringProvider, error) {
	p, ok := r.providers[modelID]
	if !ok {
		return nil, fmt.Errorf("unknown scoring model %q", modelID)
	}
	return p, nil
}

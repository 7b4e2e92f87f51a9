package serving

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ceap-engine/internal/common/config"
	"ceap-engine/internal/common/logger"
	"ceap-engine/internal/filter"
	"ceap-engine/internal/models"
	"ceap-engine/internal/store"
)

var servingNow = time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)

func servingProgram() *config.ProgramConfig {
	return &config.ProgramConfig{
		ProgramID:    "product-reviews",
		Enabled:      true,
		Marketplaces: []string{"US"},
		FilterChain: config.FilterChainConfig{
			Filters: []config.FilterConfig{
				{
					FilterID: filter.FilterIDEligibilityWindow,
					Type:     filter.TypeEligibility,
					Order:    1,
					Params:   map[string]interface{}{"maxEventAgeDays": 30},
				},
			},
		},
		CandidateTTLDays: 30,
	}
}

func servingCandidate(customerID, subjectID string, score float64, eventAge time.Duration) *models.Candidate {
	return &models.Candidate{
		CustomerID: customerID,
		Context: []models.ContextEntry{
			{Type: models.ContextTypeProgram, ID: "product-reviews"},
			{Type: models.ContextTypeMarketplace, ID: "US"},
		},
		Subject: models.Subject{Type: "ORDER", ID: subjectID},
		Scores: map[string]models.Score{
			"m1": {ModelID: "m1", Value: score, Timestamp: servingNow},
		},
		Attributes: models.Attributes{
			EventDate:          servingNow.Add(-eventAge),
			ChannelEligibility: map[string]bool{"EMAIL": true},
		},
		Metadata: models.Metadata{
			ExpiresAt: servingNow.Add(30 * 24 * time.Hour),
		},
	}
}

func newServiceForTest(t *testing.T, programs ...*config.ProgramConfig) (*Service, *store.MemoryStore) {
	t.Helper()
	mem := store.NewMemoryStoreWithClock(func() time.Time { return servingNow.Add(-2 * time.Hour) })
	svc := NewService(mem, filter.NewDefaultRegistry(), programs, config.ServingConfig{
		DefaultLimit:       25,
		StalenessThreshold: 60,
		RefreshTimeout:     500,
	}, logger.NewTestLogger(t))
	svc.now = func() time.Time { return servingNow }
	return svc, mem
}

func seed(t *testing.T, mem *store.MemoryStore, cands ...*models.Candidate) {
	t.Helper()
	for _, cand := range cands {
		require.NoError(t, mem.Create(context.Background(), cand))
	}
}

func TestServingRanksDeterministically(t *testing.T) {
	svc, mem := newServiceForTest(t, servingProgram())
	seed(t, mem,
		servingCandidate("C1", "O-low", 0.2, 24*time.Hour),
		servingCandidate("C1", "O-high", 0.9, 24*time.Hour),
		servingCandidate("C1", "O-mid", 0.5, 24*time.Hour),
	)

	req := Request{CustomerID: "C1", Channel: "EMAIL", IncludeScores: true}
	first, err := svc.GetCandidatesForCustomer(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, first.Candidates, 3)
	assert.Equal(t, "O-high", first.Candidates[0].Subject.ID)
	assert.Equal(t, "O-mid", first.Candidates[1].Subject.ID)
	assert.Equal(t, "O-low", first.Candidates[2].Subject.ID)

	for i := 0; i < 5; i++ {
		again, err := svc.GetCandidatesForCustomer(context.Background(), req)
		require.NoError(t, err)
		require.Len(t, again.Candidates, 3)
		for j := range first.Candidates {
			assert.Equal(t, first.Candidates[j].Subject.ID, again.Candidates[j].Subject.ID)
		}
	}
}

func TestServingRecencyBreaksEqualScores(t *testing.T) {
	svc, mem := newServiceForTest(t, servingProgram())
	seed(t, mem,
		servingCandidate("C1", "O-old", 0.5, 20*24*time.Hour),
		servingCandidate("C1", "O-new", 0.5, 24*time.Hour),
	)

	resp, err := svc.GetCandidatesForCustomer(context.Background(), Request{
		CustomerID: "C1", Channel: "EMAIL",
	})
	require.NoError(t, err)
	require.Len(t, resp.Candidates, 2)
	assert.Equal(t, "O-new", resp.Candidates[0].Subject.ID)
}

func TestServingFiltersChannelAndExpiry(t *testing.T) {
	svc, mem := newServiceForTest(t, servingProgram())

	smsOnly := servingCandidate("C1", "O-sms", 0.9, 24*time.Hour)
	smsOnly.Attributes.ChannelEligibility = map[string]bool{"SMS": true}
	expired := servingCandidate("C1", "O-exp", 0.9, 24*time.Hour)
	expired.Metadata.CreatedAt = servingNow.Add(-48 * time.Hour)
	expired.Metadata.ExpiresAt = servingNow.Add(-time.Hour)
	seed(t, mem, smsOnly, expired, servingCandidate("C1", "O-ok", 0.5, 24*time.Hour))

	resp, err := svc.GetCandidatesForCustomer(context.Background(), Request{
		CustomerID: "C1", Channel: "EMAIL",
	})
	require.NoError(t, err)
	require.Len(t, resp.Candidates, 1)
	assert.Equal(t, "O-ok", resp.Candidates[0].Subject.ID)
}

func TestServingStripsScoresUnlessRequested(t *testing.T) {
	svc, mem := newServiceForTest(t, servingProgram())
	seed(t, mem, servingCandidate("C1", "O-1", 0.5, 24*time.Hour))

	bare, err := svc.GetCandidatesForCustomer(context.Background(), Request{CustomerID: "C1"})
	require.NoError(t, err)
	require.Len(t, bare.Candidates, 1)
	assert.Nil(t, bare.Candidates[0].Scores)

	scored, err := svc.GetCandidatesForCustomer(context.Background(), Request{CustomerID: "C1", IncludeScores: true})
	require.NoError(t, err)
	assert.NotNil(t, scored.Candidates[0].Scores)
}

func TestServingHonorsLimit(t *testing.T) {
	svc, mem := newServiceForTest(t, servingProgram())
	for i := 0; i < 5; i++ {
		seed(t, mem, servingCandidate("C1", string(rune('a'+i)), float64(i)/10, 24*time.Hour))
	}

	resp, err := svc.GetCandidatesForCustomer(context.Background(), Request{CustomerID: "C1", Limit: 2})
	require.NoError(t, err)
	assert.Len(t, resp.Candidates, 2)
}

func TestServingRefreshDropsNowIneligible(t *testing.T) {
	svc, mem := newServiceForTest(t, servingProgram())

	// Stale record whose event has aged past the eligibility window.
	stale := servingCandidate("C1", "O-stale", 0.9, 45*24*time.Hour)
	stale.Metadata.ExpiresAt = servingNow.Add(24 * time.Hour)
	seed(t, mem, stale, servingCandidate("C1", "O-fresh", 0.5, 24*time.Hour))

	// The store clock stamps UpdatedAt two hours before servingNow, past
	// the one hour staleness threshold, so both records get re-validated.
	resp, err := svc.GetCandidatesForCustomer(context.Background(), Request{
		CustomerID:         "C1",
		Channel:            "EMAIL",
		RefreshEligibility: true,
	})
	require.NoError(t, err)
	assert.True(t, resp.EligibilityRefreshed)
	require.Len(t, resp.Candidates, 1)
	assert.Equal(t, "O-fresh", resp.Candidates[0].Subject.ID)
}

func TestServingRefreshFailureServesStale(t *testing.T) {
	// No program config registered: the refresh cannot run, stale data is
	// served and the flag stays false.
	svc, mem := newServiceForTest(t)
	seed(t, mem, servingCandidate("C1", "O-1", 0.5, 45*24*time.Hour))

	resp, err := svc.GetCandidatesForCustomer(context.Background(), Request{
		CustomerID:         "C1",
		Channel:            "EMAIL",
		RefreshEligibility: true,
	})
	require.NoError(t, err)
	assert.False(t, resp.EligibilityRefreshed)
	require.Len(t, resp.Candidates, 1)
}

func TestServingBatchIsolation(t *testing.T) {
	svc, mem := newServiceForTest(t, servingProgram())
	seed(t, mem,
		servingCandidate("C1", "O-1", 0.5, 24*time.Hour),
		servingCandidate("C2", "O-2", 0.5, 24*time.Hour),
	)

	out := svc.GetCandidatesForCustomers(context.Background(), []string{"C1", "C2", "C3"}, Request{Channel: "EMAIL"})
	require.Len(t, out, 3)
	require.Len(t, out["C1"].Candidates, 1)
	assert.Equal(t, "C1", out["C1"].Candidates[0].CustomerID)
	require.Len(t, out["C2"].Candidates, 1)
	assert.Equal(t, "C2", out["C2"].Candidates[0].CustomerID)
	assert.Empty(t, out["C3"].Candidates)
}

func TestServingAppliesTreatment(t *testing.T) {
	program := servingProgram()
	program.Experiments = []config.ExperimentConfig{{
		ExperimentID: "subject-line-v2",
		Enabled:      true,
		Treatments: []config.TreatmentConfig{
			{TreatmentID: "T1", AllocationPercent: 100},
		},
	}}
	svc, mem := newServiceForTest(t, program)
	seed(t, mem, servingCandidate("C1", "O-1", 0.5, 24*time.Hour))

	first, err := svc.GetCandidatesForCustomer(context.Background(), Request{CustomerID: "C1", Channel: "EMAIL"})
	require.NoError(t, err)
	require.Len(t, first.Candidates, 1)
	treatment := first.Candidates[0].Metadata.ExperimentTreatment
	require.NotNil(t, treatment)
	assert.Equal(t, "T1", treatment.TreatmentID)

	second, err := svc.GetCandidatesForCustomer(context.Background(), Request{CustomerID: "C1", Channel: "EMAIL"})
	require.NoError(t, err)
	assert.Equal(t, treatment, second.Candidates[0].Metadata.ExperimentTreatment)
}

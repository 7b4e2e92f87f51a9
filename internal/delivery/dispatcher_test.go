package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ceap-engine/internal/common/config"
	stderrors "ceap-engine/internal/common/errors"
	"ceap-engine/internal/common/logger"
	"ceap-engine/internal/common/retry"
	"ceap-engine/internal/experiment"
	"ceap-engine/internal/models"
	"ceap-engine/internal/store"
)

var deliveryNow = time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)

// fakeAdapter records sends and can be scripted to fail per customer.
type fakeAdapter struct {
	channel string

	mu        sync.Mutex
	sent      []string
	templates map[string]string
	failFor   map[string]error
}

func (f *fakeAdapter) Channel() string { return f.channel }

func (f *fakeAdapter) Send(ctx context.Context, cand *models.Candidate, templateID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.failFor[cand.CustomerID]; ok {
		return "", err
	}
	f.sent = append(f.sent, cand.CustomerID)
	if f.templates == nil {
		f.templates = map[string]string{}
	}
	f.templates[cand.CustomerID] = templateID
	return "msg-" + cand.CustomerID, nil
}

func (f *fakeAdapter) HealthCheck(ctx context.Context) error { return nil }

func (f *fakeAdapter) sentCustomers() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func (f *fakeAdapter) sentTemplate(customerID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.templates[customerID]
}

func deliveryProgram() *config.ProgramConfig {
	return &config.ProgramConfig{
		ProgramID:    "product-reviews",
		Enabled:      true,
		Marketplaces: []string{"US"},
		Channels: []config.ChannelConfig{
			{
				Name:         ChannelEmail,
				TemplateID:   "review-request-v3",
				FrequencyCap: config.FrequencyCapConfig{MaxSends: 2, WindowDays: 7},
			},
		},
		CandidateTTLDays: 30,
	}
}

func deliveryCandidate(customerID, subjectID string) *models.Candidate {
	return &models.Candidate{
		CustomerID: customerID,
		Context: []models.ContextEntry{
			{Type: models.ContextTypeProgram, ID: "product-reviews"},
			{Type: models.ContextTypeMarketplace, ID: "US"},
		},
		Subject: models.Subject{Type: "ORDER", ID: subjectID},
		Attributes: models.Attributes{
			EventDate:          deliveryNow.Add(-24 * time.Hour),
			ChannelEligibility: map[string]bool{ChannelEmail: true},
		},
		Metadata: models.Metadata{ExpiresAt: deliveryNow.Add(30 * 24 * time.Hour)},
	}
}

type dispatcherFixture struct {
	dispatcher *Dispatcher
	adapter    *fakeAdapter
	optOuts    *MemoryOptOutStore
	tracking   *MemoryTrackingStore
	candidates *store.MemoryStore
}

func newDispatcherFixture(t *testing.T) *dispatcherFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	adapter := &fakeAdapter{channel: ChannelEmail, failFor: map[string]error{}}
	adapters := NewAdapterRegistry()
	adapters.Register(adapter)

	optOuts := NewMemoryOptOutStore()
	candidates := store.NewMemoryStore()
	prefs := NewPreferenceService(optOuts, candidates, logger.NewTestLogger(t))
	tracking := NewMemoryTrackingStore()

	d := NewDispatcher(adapters, prefs, NewFrequencyTracker(client), tracking, nil, logger.NewTestLogger(t))
	d.now = func() time.Time { return deliveryNow }
	d.retryPolicy = retry.Policy{MaxAttempts: 1}
	seq := 0
	d.newID = func() string {
		seq++
		return fmt.Sprintf("d-%04d", seq)
	}

	return &dispatcherFixture{
		dispatcher: d,
		adapter:    adapter,
		optOuts:    optOuts,
		tracking:   tracking,
		candidates: candidates,
	}
}

// Every input candidate must appear exactly once across Delivered+Failed.
func assertPartition(t *testing.T, cands []*models.Candidate, result *models.DeliveryResult) {
	t.Helper()
	seen := map[string]int{}
	for _, rec := range result.Delivered {
		seen[rec.CandidateKey]++
	}
	for _, f := range result.Failed {
		seen[f.CandidateKey]++
	}
	require.Len(t, seen, len(cands))
	for _, cand := range cands {
		assert.Equal(t, 1, seen[cand.Key()], "candidate %s", cand.Key())
	}
}

func TestDispatcherDeliversBatch(t *testing.T) {
	fx := newDispatcherFixture(t)
	cands := []*models.Candidate{
		deliveryCandidate("C1", "O-1"),
		deliveryCandidate("C2", "O-2"),
	}

	result, err := fx.dispatcher.Deliver(context.Background(), cands, &Context{
		Program: deliveryProgram(),
		Channel: ChannelEmail,
	})
	require.NoError(t, err)

	assert.Len(t, result.Delivered, 2)
	assert.Empty(t, result.Failed)
	assertPartition(t, cands, result)
	assert.ElementsMatch(t, []string{"C1", "C2"}, fx.adapter.sentCustomers())

	records := fx.tracking.All()
	require.Len(t, records, 2)
	for _, rec := range records {
		assert.Equal(t, models.DeliveryStatusSent, rec.Status)
		assert.Equal(t, "review-request-v3", rec.TemplateID)
		assert.False(t, rec.Shadow)
		assert.Equal(t, deliveryNow, rec.SentAt)
	}
	assert.Equal(t, 2, result.Metrics.Attempted)
	assert.Equal(t, 2, result.Metrics.Delivered)
}

func TestDispatcherMissingTemplateFailsProgram(t *testing.T) {
	fx := newDispatcherFixture(t)
	program := deliveryProgram()
	program.Channels[0].TemplateID = ""

	cands := []*models.Candidate{
		deliveryCandidate("C1", "O-1"),
		deliveryCandidate("C2", "O-2"),
	}
	result, err := fx.dispatcher.Deliver(context.Background(), cands, &Context{
		Program: program,
		Channel: ChannelEmail,
	})
	require.NoError(t, err)

	assert.Empty(t, result.Delivered)
	require.Len(t, result.Failed, 2)
	for _, f := range result.Failed {
		assert.Equal(t, string(stderrors.ErrCodeNoTemplate), f.ReasonCode)
		assert.False(t, f.Retryable)
	}
	assert.Empty(t, fx.adapter.sentCustomers(), "no send may happen without a template")
	assertPartition(t, cands, result)
}

func TestDispatcherExcludesOptedOut(t *testing.T) {
	fx := newDispatcherFixture(t)
	require.NoError(t, fx.optOuts.OptOut(context.Background(), "C1", ChannelEmail))
	require.NoError(t, fx.optOuts.OptOut(context.Background(), "C3", GlobalChannel))

	cands := []*models.Candidate{
		deliveryCandidate("C1", "O-1"),
		deliveryCandidate("C2", "O-2"),
		deliveryCandidate("C3", "O-3"),
	}
	result, err := fx.dispatcher.Deliver(context.Background(), cands, &Context{
		Program: deliveryProgram(),
		Channel: ChannelEmail,
	})
	require.NoError(t, err)

	require.Len(t, result.Delivered, 1)
	assert.Equal(t, "C2", result.Delivered[0].CustomerID)
	require.Len(t, result.Failed, 2)
	for _, f := range result.Failed {
		assert.Equal(t, string(stderrors.ErrCodeOptedOut), f.ReasonCode)
		assert.False(t, f.Retryable)
	}
	assertPartition(t, cands, result)
}

func TestDispatcherEnforcesFrequencyCap(t *testing.T) {
	fx := newDispatcherFixture(t)
	dctx := &Context{Program: deliveryProgram(), Channel: ChannelEmail}

	// Cap is two sends per window; the third delivery for C1 must be
	// excluded with a retryable code.
	for i := 0; i < 2; i++ {
		result, err := fx.dispatcher.Deliver(context.Background(),
			[]*models.Candidate{deliveryCandidate("C1", fmt.Sprintf("O-%d", i))}, dctx)
		require.NoError(t, err)
		require.Len(t, result.Delivered, 1)
	}

	result, err := fx.dispatcher.Deliver(context.Background(),
		[]*models.Candidate{deliveryCandidate("C1", "O-3")}, dctx)
	require.NoError(t, err)

	assert.Empty(t, result.Delivered)
	require.Len(t, result.Failed, 1)
	assert.Equal(t, string(stderrors.ErrCodeFrequencyCapExceeded), result.Failed[0].ReasonCode)
	assert.True(t, result.Failed[0].Retryable)
}

func TestDispatcherFrequencyCapHoldsWithinOneBatch(t *testing.T) {
	fx := newDispatcherFixture(t)
	dctx := &Context{Program: deliveryProgram(), Channel: ChannelEmail}

	// Three candidates for one customer arrive in a single batch. The
	// window count in Redis is still zero for all of them, so only the
	// in-batch budget can stop the third.
	cands := []*models.Candidate{
		deliveryCandidate("C1", "O-1"),
		deliveryCandidate("C1", "O-2"),
		deliveryCandidate("C1", "O-3"),
		deliveryCandidate("C2", "O-4"),
	}
	result, err := fx.dispatcher.Deliver(context.Background(), cands, dctx)
	require.NoError(t, err)

	assert.Len(t, result.Delivered, 3)
	require.Len(t, result.Failed, 1)
	assert.Equal(t, cands[2].Key(), result.Failed[0].CandidateKey)
	assert.Equal(t, string(stderrors.ErrCodeFrequencyCapExceeded), result.Failed[0].ReasonCode)
	assert.True(t, result.Failed[0].Retryable)
	assertPartition(t, cands, result)

	// The provider saw exactly two C1 sends; C2 has its own budget.
	sent := fx.adapter.sentCustomers()
	caps := map[string]int{}
	for _, c := range sent {
		caps[c]++
	}
	assert.Equal(t, 2, caps["C1"])
	assert.Equal(t, 1, caps["C2"])
}

func TestDispatcherAppliesTreatmentTemplateOverride(t *testing.T) {
	fx := newDispatcherFixture(t)
	program := deliveryProgram()
	program.Experiments = []config.ExperimentConfig{{
		ExperimentID: "review-email-subject-v1",
		Enabled:      true,
		Treatments: []config.TreatmentConfig{{
			TreatmentID:       "T1",
			AllocationPercent: 50,
			ChannelOverrides:  map[string]string{ChannelEmail: "review-request-v3-short"},
		}},
	}}

	inArm := deliveryCandidate("C1", "O-1")
	inArm.Metadata.ExperimentTreatment = &models.ExperimentTreatment{
		ExperimentID: "review-email-subject-v1",
		TreatmentID:  "T1",
	}
	control := deliveryCandidate("C2", "O-2")
	control.Metadata.ExperimentTreatment = &models.ExperimentTreatment{
		ExperimentID: "review-email-subject-v1",
		TreatmentID:  experiment.ControlTreatmentID,
	}

	cands := []*models.Candidate{inArm, control}
	result, err := fx.dispatcher.Deliver(context.Background(), cands, &Context{
		Program: program,
		Channel: ChannelEmail,
	})
	require.NoError(t, err)

	require.Len(t, result.Delivered, 2)
	assert.Equal(t, "review-request-v3-short", fx.adapter.sentTemplate("C1"))
	assert.Equal(t, "review-request-v3", fx.adapter.sentTemplate("C2"))
	for _, rec := range result.Delivered {
		assert.Equal(t, fx.adapter.sentTemplate(rec.CustomerID), rec.TemplateID)
	}
}

func TestDispatcherShadowModeSkipsExternalSend(t *testing.T) {
	fx := newDispatcherFixture(t)
	program := deliveryProgram()
	program.Channels[0].ShadowMode = true

	cands := []*models.Candidate{deliveryCandidate("C1", "O-1")}
	result, err := fx.dispatcher.Deliver(context.Background(), cands, &Context{
		Program: program,
		Channel: ChannelEmail,
	})
	require.NoError(t, err)

	assert.Empty(t, fx.adapter.sentCustomers(), "shadow mode must not hit the provider")
	require.Len(t, result.Delivered, 1)
	assert.True(t, result.Delivered[0].Shadow)
	assert.True(t, result.Metrics.ShadowMode)

	records := fx.tracking.All()
	require.Len(t, records, 1)
	assert.True(t, records[0].Shadow)

	// Shadow sends do not consume the frequency budget.
	live, err := fx.dispatcher.Deliver(context.Background(),
		[]*models.Candidate{deliveryCandidate("C1", "O-2")}, &Context{
			Program: deliveryProgram(),
			Channel: ChannelEmail,
		})
	require.NoError(t, err)
	assert.Len(t, live.Delivered, 1)
}

func TestDispatcherSendFailureLandsInFailed(t *testing.T) {
	fx := newDispatcherFixture(t)
	fx.adapter.failFor["C2"] = errors.New("provider unavailable")

	cands := []*models.Candidate{
		deliveryCandidate("C1", "O-1"),
		deliveryCandidate("C2", "O-2"),
		deliveryCandidate("C3", "O-3"),
	}
	result, err := fx.dispatcher.Deliver(context.Background(), cands, &Context{
		Program: deliveryProgram(),
		Channel: ChannelEmail,
	})
	require.NoError(t, err)

	assert.Len(t, result.Delivered, 2)
	require.Len(t, result.Failed, 1)
	assert.Equal(t, "C2", result.Failed[0].CustomerID)
	assertPartition(t, cands, result)
	assert.Len(t, fx.tracking.All(), 2, "failed sends get no tracking record")
}

func TestDispatcherSendFailureRetries(t *testing.T) {
	fx := newDispatcherFixture(t)
	fx.dispatcher.retryPolicy = retry.Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    time.Millisecond,
		Sleep:       func(ctx context.Context, d time.Duration) error { return nil },
	}

	attempts := 0
	fx.adapter.failFor["C1"] = errors.New("transient")
	// Fail twice, then clear the script so the third attempt succeeds.
	fx.dispatcher.retryPolicy.Sleep = func(ctx context.Context, d time.Duration) error {
		attempts++
		if attempts == 2 {
			fx.adapter.mu.Lock()
			delete(fx.adapter.failFor, "C1")
			fx.adapter.mu.Unlock()
		}
		return nil
	}

	result, err := fx.dispatcher.Deliver(context.Background(),
		[]*models.Candidate{deliveryCandidate("C1", "O-1")}, &Context{
			Program: deliveryProgram(),
			Channel: ChannelEmail,
		})
	require.NoError(t, err)
	assert.Len(t, result.Delivered, 1)
	assert.Equal(t, 2, attempts)
}

func TestPreferenceServiceGlobalOptOutPurgesCandidates(t *testing.T) {
	fx := newDispatcherFixture(t)
	ctx := context.Background()

	cand := deliveryCandidate("C1", "O-1")
	require.NoError(t, fx.candidates.Create(ctx, cand))
	other := deliveryCandidate("C2", "O-2")
	require.NoError(t, fx.candidates.Create(ctx, other))

	prefs := NewPreferenceService(fx.optOuts, fx.candidates, logger.NewTestLogger(t))
	require.NoError(t, prefs.OptOutCustomer(ctx, "C1", GlobalChannel))

	optedOut, err := fx.optOuts.IsOptedOut(ctx, "C1", ChannelEmail)
	require.NoError(t, err)
	assert.True(t, optedOut)
	assert.Equal(t, 1, fx.candidates.Len(), "global opt-out purges the customer's candidates")

	// A channel-scoped opt-out leaves stored candidates alone.
	require.NoError(t, prefs.OptOutCustomer(ctx, "C2", ChannelSMS))
	assert.Equal(t, 1, fx.candidates.Len())
}

func TestTrackingMarkOpenedAndCampaignMetrics(t *testing.T) {
	tracking := NewMemoryTrackingStore()
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		require.NoError(t, tracking.Record(ctx, models.DeliveryRecord{
			DeliveryID: fmt.Sprintf("d-%d", i),
			CustomerID: "C1",
			ProgramID:  "product-reviews",
			Channel:    ChannelEmail,
			Status:     models.DeliveryStatusSent,
			SentAt:     deliveryNow,
		}))
	}
	require.NoError(t, tracking.MarkOpened(ctx, "d-0", deliveryNow.Add(time.Hour)))

	// Already-opened and unknown deliveries cannot transition.
	require.Error(t, tracking.MarkOpened(ctx, "d-0", deliveryNow.Add(2*time.Hour)))
	require.Error(t, tracking.MarkOpened(ctx, "missing", deliveryNow))

	m, err := tracking.CampaignMetrics(ctx, "product-reviews", ChannelEmail)
	require.NoError(t, err)
	assert.Equal(t, int64(4), m.Sent)
	assert.Equal(t, int64(1), m.Opened)
	assert.InDelta(t, 0.25, m.OpenRate, 1e-9)

	byCustomer, err := tracking.GetByCustomer(ctx, "C1")
	require.NoError(t, err)
	assert.Len(t, byCustomer, 4)
}

func TestFrequencyTrackerAtomicIncrements(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	tracker := NewFrequencyTracker(client)
	ctx := context.Background()

	const writers = 10
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = tracker.Record(ctx, "C1", "product-reviews", 24*time.Hour)
		}()
	}
	wg.Wait()

	n, err := tracker.Count(ctx, "C1", "product-reviews")
	require.NoError(t, err)
	assert.Equal(t, writers, n)

	// Window expiry resets the count.
	mr.FastForward(25 * time.Hour)
	n, err = tracker.Count(ctx, "C1", "product-reviews")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

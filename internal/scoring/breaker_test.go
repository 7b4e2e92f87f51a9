package scoring

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBreaker(now *time.Time) *Breaker {
	b := NewBreaker("model-x")
	b.now = func() time.Time { return *now }
	return b
}

func TestBreakerStaysClosedBelowThreshold(t *testing.T) {
	now := time.Now()
	b := newTestBreaker(&now)

	for i := 0; i < 6; i++ {
		require.True(t, b.Allow())
		b.RecordSuccess()
	}
	for i := 0; i < 4; i++ {
		require.True(t, b.Allow())
		b.RecordFailure()
	}

	assert.Equal(t, StateClosed, b.State())
	assert.True(t, b.Allow())
}

func TestBreakerOpensAtHalfFailures(t *testing.T) {
	now := time.Now()
	b := newTestBreaker(&now)

	for i := 0; i < 4; i++ {
		b.RecordSuccess()
	}
	for i := 0; i < 5; i++ {
		b.RecordFailure()
	}
	assert.Equal(t, StateClosed, b.State(), "window not full yet")

	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())
	assert.False(t, b.Allow())
}

func TestBreakerHalfOpenAfterCooldown(t *testing.T) {
	now := time.Now()
	b := newTestBreaker(&now)

	for i := 0; i < 10; i++ {
		b.RecordFailure()
	}
	require.Equal(t, StateOpen, b.State())

	now = now.Add(29 * time.Second)
	assert.False(t, b.Allow())

	now = now.Add(2 * time.Second)
	assert.True(t, b.Allow(), "first call after cooldown is the trial")
	assert.Equal(t, StateHalfOpen, b.State())
	assert.False(t, b.Allow(), "only one trial admitted")
}

func TestBreakerTrialSuccessCloses(t *testing.T) {
	now := time.Now()
	b := newTestBreaker(&now)

	for i := 0; i < 10; i++ {
		b.RecordFailure()
	}
	now = now.Add(31 * time.Second)
	require.True(t, b.Allow())

	b.RecordSuccess()
	assert.Equal(t, StateClosed, b.State())

	// Window restarted: a few failures after recovery do not re-trip.
	for i := 0; i < 4; i++ {
		b.RecordFailure()
	}
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerTrialFailureReopens(t *testing.T) {
	now := time.Now()
	b := newTestBreaker(&now)

	for i := 0; i < 10; i++ {
		b.RecordFailure()
	}
	now = now.Add(31 * time.Second)
	require.True(t, b.Allow())

	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())
	assert.False(t, b.Allow(), "cooldown restarts on trial failure")

	now = now.Add(31 * time.Second)
	assert.True(t, b.Allow())
}

package scoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redismock/v9"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ceap-engine/internal/common/logger"
	"ceap-engine/internal/models"
)

func cacheFixture(t *testing.T) (*ScoreCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewScoreCache(client, logger.NewTestLogger(t)), mr
}

func TestScoreCache_RoundTrip(t *testing.T) {
	cache, mr := cacheFixture(t)
	ctx := context.Background()

	score := models.Score{
		ModelID:    "review-propensity-v2",
		Value:      0.72,
		Confidence: 0.8,
		Timestamp:  time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC),
	}
	cache.Set(ctx, "cand-key", score, time.Hour)

	got, ok := cache.Get(ctx, "cand-key", "review-propensity-v2")
	require.True(t, ok)
	assert.Equal(t, score.Value, got.Value)
	assert.Equal(t, score.Confidence, got.Confidence)
	assert.True(t, score.Timestamp.Equal(got.Timestamp))

	// Expiry turns the hit back into a miss.
	mr.FastForward(2 * time.Hour)
	_, ok = cache.Get(ctx, "cand-key", "review-propensity-v2")
	assert.False(t, ok)
}

func TestScoreCache_MissOnUnknownKey(t *testing.T) {
	cache, _ := cacheFixture(t)
	_, ok := cache.Get(context.Background(), "absent", "review-propensity-v2")
	assert.False(t, ok)
}

func TestScoreCache_CorruptEntryIsMiss(t *testing.T) {
	cache, mr := cacheFixture(t)
	require.NoError(t, mr.Set("score:cand-key:review-propensity-v2", "{not json"))

	_, ok := cache.Get(context.Background(), "cand-key", "review-propensity-v2")
	assert.False(t, ok)
}

func TestScoreCache_ReadErrorIsMiss(t *testing.T) {
	client, mock := redismock.NewClientMock()
	mock.ExpectGet("score:cand-key:review-propensity-v2").SetErr(errors.New("connection reset"))

	cache := NewScoreCache(client, logger.NewNoOpLogger())
	_, ok := cache.Get(context.Background(), "cand-key", "review-propensity-v2")
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestScoreCache_NilSafe(t *testing.T) {
	var cache *ScoreCache
	_, ok := cache.Get(context.Background(), "cand-key", "m")
	assert.False(t, ok)
	cache.Set(context.Background(), "cand-key", models.Score{ModelID: "m"}, time.Hour)
}

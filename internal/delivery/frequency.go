package delivery

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	stderrors "ceap-engine/internal/common/errors"
)

// FrequencyTracker counts sends per customer per program in a rolling
// window. Counts live in Redis under a key that expires with the window,
// and all increments go through INCR so concurrent senders never lose one.
type FrequencyTracker struct {
	client *redis.Client
}

func NewFrequencyTracker(client *redis.Client) *FrequencyTracker {
	return &FrequencyTracker{client: client}
}

func frequencyKey(customerID, programID string) string {
	return fmt.Sprintf("freq:%s:%s", programID, customerID)
}

// Count returns the sends recorded in the current window.
func (t *FrequencyTracker) Count(ctx context.Context, customerID, programID string) (int, error) {
	n, err := t.client.Get(ctx, frequencyKey(customerID, programID)).Int()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, stderrors.NewStoreUnavailableError("frequency count", err)
	}
	return n, nil
}

// Record increments the send count, starting the window on the first send.
func (t *FrequencyTracker) Record(ctx context.Context, customerID, programID string, window time.Duration) error {
	key := frequencyKey(customerID, programID)
	n, err := t.client.Incr(ctx, key).Result()
	if err != nil {
		return stderrors.NewStoreUnavailableError("frequency record", err)
	}
	if n == 1 && window > 0 {
		if err := t.client.Expire(ctx, key, window).Err(); err != nil {
			return stderrors.NewStoreUnavailableError("frequency window", err)
		}
	}
	return nil
}

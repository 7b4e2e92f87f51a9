package delivery

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const (
	contactKeyPrefix  = "contact:"
	contactFieldEmail = "email"
	contactFieldPhone = "phone"
)

// RedisContactResolver reads channel addresses from the contact hash
// maintained by the upstream customer-profile sync. A missing field means
// the customer has no address on that channel.
type RedisContactResolver struct {
	client *redis.Client
}

func NewRedisContactResolver(client *redis.Client) *RedisContactResolver {
	return &RedisContactResolver{client: client}
}

func (r *RedisContactResolver) EmailAddress(ctx context.Context, customerID string) (string, error) {
	return r.lookup(ctx, customerID, contactFieldEmail)
}

func (r *RedisContactResolver) PhoneNumber(ctx context.Context, customerID string) (string, error) {
	return r.lookup(ctx, customerID, contactFieldPhone)
}

func (r *RedisContactResolver) lookup(ctx context.Context, customerID, field string) (string, error) {
	val, err := r.client.HGet(ctx, contactKeyPrefix+customerID, field).Result()
	if err == redis.Nil {
		return "", fmt.Errorf("no %s contact for customer", field)
	}
	if err != nil {
		return "", err
	}
	return val, nil
}

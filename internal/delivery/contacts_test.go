package delivery

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisContactResolver(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	mr.HSet("contact:C1", "email", "c1@example.com")
	mr.HSet("contact:C1", "phone", "+15550100")

	resolver := NewRedisContactResolver(client)
	ctx := context.Background()

	email, err := resolver.EmailAddress(ctx, "C1")
	require.NoError(t, err)
	assert.Equal(t, "c1@example.com", email)

	phone, err := resolver.PhoneNumber(ctx, "C1")
	require.NoError(t, err)
	assert.Equal(t, "+15550100", phone)

	_, err = resolver.EmailAddress(ctx, "C2")
	assert.Error(t, err)
}

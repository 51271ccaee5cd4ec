package database

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountInWindow(t *testing.T) {
	mr := miniredis.RunT(t)
	r := WrapRedis(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	ctx := context.Background()

	for i := int64(1); i <= 3; i++ {
		n, ttl, err := r.CountInWindow(ctx, "k", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, i, n)
		assert.Equal(t, time.Minute, ttl)
	}

	// The window does not slide on later increments.
	mr.FastForward(40 * time.Second)
	_, ttl, err := r.CountInWindow(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 20*time.Second, ttl)

	mr.FastForward(21 * time.Second)
	n, _, err := r.CountInWindow(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	require.NoError(t, r.Delete(ctx, "k"))
	n, _, err = r.CountInWindow(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

package ratelimit

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	extratelimit "github.com/vnmchuo/ratelimiter"
)

type countingStore struct {
	limit   int
	lastKey string
	lastN   int
	err     error
}

func (c *countingStore) AllowN(ctx context.Context, key string, n int) (*extratelimit.Result, error) {
	c.lastKey, c.lastN = key, n
	return &extratelimit.Result{Allowed: n <= c.limit}, c.err
}

func (c *countingStore) Allow(ctx context.Context, key string) (*extratelimit.Result, error) {
	return c.AllowN(ctx, key, 1)
}

func (c *countingStore) Status(ctx context.Context, key string) (*extratelimit.Result, error) {
	c.lastKey = key
	return &extratelimit.Result{Allowed: true}, c.err
}

func TestLimiter_StorePerLimit(t *testing.T) {
	built := map[int]*countingStore{}
	l := NewLimiterWithFactory(100, func(limit int) extratelimit.Limiter {
		s := &countingStore{limit: limit}
		built[limit] = s
		return s
	})
	ctx := context.Background()

	ok, err := l.Allow(ctx, "tenant_a", 0, 50)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "ratelimit:tenant:tenant_a", built[100].lastKey)

	ok, err = l.Allow(ctx, "tenant_b", 10, 50)
	require.NoError(t, err)
	assert.False(t, ok, "a key's own limit overrides the default")

	_, _ = l.Allow(ctx, "tenant_c", 10, 1)
	assert.Len(t, built, 2, "stores are reused per distinct limit")
}

func TestLimiter_StoreError(t *testing.T) {
	l := NewTestLimiter(&countingStore{limit: 100, err: errors.New("redis down")})
	ok, err := l.Allow(context.Background(), "tenant_a", 0, 1)
	assert.Error(t, err)
	assert.False(t, ok)
}

func TestLimiter_Redis(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	l := NewLimiter(rdb, 1000)
	ok, err := l.Allow(context.Background(), "tenant_a", 0, 10)
	require.NoError(t, err)
	assert.True(t, ok)
}

// Package ratelimit enforces per-tenant token budgets over a one-minute
// window, backed by github.com/vnmchuo/ratelimiter.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	extratelimit "github.com/vnmchuo/ratelimiter"
)

// StoreFactory builds a limiter store enforcing limit tokens per window.
type StoreFactory func(limit int) extratelimit.Limiter

// Limiter keeps one store per distinct limit so keys with their own budget
// share the same Redis backend as the default.
type Limiter struct {
	defaultTPM int64
	factory    StoreFactory

	mu     sync.Mutex
	stores map[int64]extratelimit.Limiter
}

func NewLimiter(rdb *redis.Client, defaultTPM int64) *Limiter {
	return NewLimiterWithFactory(defaultTPM, func(limit int) extratelimit.Limiter {
		return extratelimit.NewRedisStore(rdb,
			extratelimit.WithLimit(limit),
			extratelimit.WithWindow(time.Minute),
		)
	})
}

func NewLimiterWithFactory(defaultTPM int64, factory StoreFactory) *Limiter {
	return &Limiter{
		defaultTPM: defaultTPM,
		factory:    factory,
		stores:     make(map[int64]extratelimit.Limiter),
	}
}

// NewTestLimiter uses store for every limit.
func NewTestLimiter(store extratelimit.Limiter) *Limiter {
	return NewLimiterWithFactory(0, func(int) extratelimit.Limiter { return store })
}

func (l *Limiter) store(tpm int64) extratelimit.Limiter {
	if tpm <= 0 {
		tpm = l.defaultTPM
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.stores[tpm]
	if !ok {
		s = l.factory(int(tpm))
		l.stores[tpm] = s
	}
	return s
}

func key(tenantID string) string {
	return fmt.Sprintf("ratelimit:tenant:%s", tenantID)
}

// Allow spends tokens from the tenant's budget. tpm is the tenant's own
// tokens-per-minute limit; 0 uses the default.
func (l *Limiter) Allow(ctx context.Context, tenantID string, tpm int64, tokens int) (bool, error) {
	res, err := l.store(tpm).AllowN(ctx, key(tenantID), tokens)
	if err != nil {
		return false, err
	}
	return res.Allowed, nil
}

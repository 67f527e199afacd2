package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

// lockPoll is the interval between attempts while Acquire waits.
const lockPoll = 50 * time.Millisecond

// Locker hands out short-lived redis locks. A lock that cannot be obtained is
// reported through ok=false rather than an error so callers decide whether a
// held lock means wait, retry later or skip.
type Locker struct {
	client *redislock.Client
	ttl    time.Duration
	wait   time.Duration
}

// NewLocker wraps a redis client. ttl <= 0 defaults to 30s. wait bounds how
// long Acquire polls a held lock; wait <= 0 makes Acquire a single attempt.
func NewLocker(rdb redis.UniversalClient, ttl, wait time.Duration) *Locker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Locker{client: redislock.New(rdb), ttl: ttl, wait: wait}
}

// TryLock attempts to obtain key once. The returned release func is always
// safe to call.
func (l *Locker) TryLock(ctx context.Context, key string) (release func(), ok bool, err error) {
	return l.obtain(ctx, key, nil)
}

// Acquire polls key until it is obtained or the configured wait elapses.
func (l *Locker) Acquire(ctx context.Context, key string) (release func(), ok bool, err error) {
	if l == nil || l.wait <= 0 {
		return l.obtain(ctx, key, nil)
	}
	attempts := int(l.wait / lockPoll)
	return l.obtain(ctx, key, &redislock.Options{
		RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(lockPoll), attempts),
	})
}

func (l *Locker) obtain(ctx context.Context, key string, opts *redislock.Options) (func(), bool, error) {
	noop := func() {}
	if l == nil || l.client == nil {
		return noop, false, nil
	}
	lock, err := l.client.Obtain(ctx, key, l.ttl, opts)
	if err != nil {
		if errors.Is(err, redislock.ErrNotObtained) {
			return noop, false, nil
		}
		return noop, false, fmt.Errorf("platform/cache: obtain %s: %w", key, err)
	}
	return func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = lock.Release(releaseCtx)
	}, true, nil
}

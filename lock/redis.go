package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"

	"github.com/warp/payroll-recon/payroll"
)

// Redis is a Locker backed by bsm/redislock.
type Redis struct {
	client  *redislock.Client
	retries int
	backoff time.Duration
}

// NewRedis wraps a connected client. retries > 0 makes Obtain wait for a busy
// lock with linear backoff instead of failing at once.
func NewRedis(rdb redis.UniversalClient, retries int, backoff time.Duration) *Redis {
	return &Redis{client: redislock.New(rdb), retries: retries, backoff: backoff}
}

// Connect dials Redis and verifies the connection with a PING.
func Connect(ctx context.Context, addr, password string, db int) (redis.UniversalClient, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connect redis %s: %w", addr, err)
	}
	return rdb, nil
}

func (r *Redis) Obtain(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	opts := &redislock.Options{}
	if r.retries > 0 {
		opts.RetryStrategy = redislock.LimitRetry(redislock.LinearBackoff(r.backoff), r.retries)
	}
	l, err := r.client.Obtain(ctx, key, ttl, opts)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, fmt.Errorf("%w: %s", payroll.ErrLockNotObtained, key)
	}
	if err != nil {
		return nil, fmt.Errorf("obtain lock %s: %w", key, err)
	}
	return redisLease{l}, nil
}

type redisLease struct {
	lock *redislock.Lock
}

func (l redisLease) Release(ctx context.Context) error {
	err := l.lock.Release(ctx)
	if errors.Is(err, redislock.ErrLockNotHeld) {
		return nil
	}
	return err
}

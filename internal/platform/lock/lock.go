// Package lock provides a short-lived exclusive lease so that only one
// dispatcher cycle runs at a time, either within one process or across
// every instance sharing a Redis server.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

// ErrNotObtained is returned when another holder owns the lease.
var ErrNotObtained = errors.New("lock: not obtained")

// Release frees a lease. It is safe to call more than once.
type Release func(ctx context.Context) error

// Locker hands out named leases.
type Locker interface {
	Obtain(ctx context.Context, key string, ttl time.Duration) (Release, error)
}

// Local is an in-process Locker.
type Local struct {
	mu   sync.Mutex
	held map[string]time.Time
	now  func() time.Time
}

// NewLocal creates an in-process Locker.
func NewLocal() *Local {
	return &Local{held: make(map[string]time.Time), now: time.Now}
}

func (l *Local) Obtain(_ context.Context, key string, ttl time.Duration) (Release, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if exp, ok := l.held[key]; ok && l.now().Before(exp) {
		return nil, ErrNotObtained
	}
	expiry := l.now().Add(ttl)
	l.held[key] = expiry

	var once sync.Once
	return func(context.Context) error {
		once.Do(func() {
			l.mu.Lock()
			if l.held[key] == expiry {
				delete(l.held, key)
			}
			l.mu.Unlock()
		})
		return nil
	}, nil
}

// Redis is a Locker backed by redislock.
type Redis struct {
	client *redislock.Client
	prefix string
}

// NewRedis creates a Locker on an existing Redis client. Keys are namespaced
// with prefix.
func NewRedis(rdb redis.UniversalClient, prefix string) *Redis {
	return &Redis{client: redislock.New(rdb), prefix: prefix}
}

// Connect parses a redis:// URL, verifies connectivity and returns the client.
func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return rdb, nil
}

func (r *Redis) Obtain(ctx context.Context, key string, ttl time.Duration) (Release, error) {
	l, err := r.client.Obtain(ctx, r.prefix+key, ttl, nil)
	if err == redislock.ErrNotObtained {
		return nil, ErrNotObtained
	}
	if err != nil {
		return nil, fmt.Errorf("obtain %s: %w", key, err)
	}
	return func(ctx context.Context) error {
		if err := l.Release(ctx); err != nil && err != redislock.ErrLockNotHeld {
			return err
		}
		return nil
	}, nil
}

var (
	_ Locker = (*Local)(nil)
	_ Locker = (*Redis)(nil)
)

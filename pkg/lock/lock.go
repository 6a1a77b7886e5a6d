/**
 * @description
 * Per-key mutual exclusion used to serialize mutations of a single conversion.
 * RedisLocker coordinates across replicas; LocalLocker is the in-process
 * fallback when Redis is not configured.
 */
package lock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

// ErrNotObtained is returned when a lock is still held by someone else after
// all retries.
var ErrNotObtained = errors.New("lock not obtained")

// Unlock releases a held lock.
type Unlock func(ctx context.Context) error

// RedisLocker obtains locks through redislock.
type RedisLocker struct {
	client  *redislock.Client
	prefix  string
	ttl     time.Duration
	retries int
	backoff time.Duration
}

// NewRedisLocker wraps a redis client.
func NewRedisLocker(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisLocker {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = "scoutlink:lock"
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisLocker{
		client:  redislock.New(client),
		prefix:  prefix,
		ttl:     ttl,
		retries: 20,
		backoff: 50 * time.Millisecond,
	}
}

func (l *RedisLocker) key(key string) string {
	return fmt.Sprintf("%s:%s", l.prefix, key)
}

// Acquire blocks, with bounded retries, until key is held.
func (l *RedisLocker) Acquire(ctx context.Context, key string) (Unlock, error) {
	held, err := l.client.Obtain(ctx, l.key(key), l.ttl, &redislock.Options{
		RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(l.backoff), l.retries),
	})
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, fmt.Errorf("%w: %s", ErrNotObtained, key)
	}
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context) error {
		if err := held.Release(ctx); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
			return err
		}
		return nil
	}, nil
}

// LocalLocker serializes callers within one process.
type LocalLocker struct {
	mu   sync.Mutex
	keys map[string]*localEntry
}

type localEntry struct {
	slot chan struct{}
	refs int
}

// NewLocalLocker returns an empty in-process locker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{keys: make(map[string]*localEntry)}
}

// Acquire blocks until key is free or ctx is done.
func (l *LocalLocker) Acquire(ctx context.Context, key string) (Unlock, error) {
	l.mu.Lock()
	entry, ok := l.keys[key]
	if !ok {
		entry = &localEntry{slot: make(chan struct{}, 1)}
		l.keys[key] = entry
	}
	entry.refs++
	l.mu.Unlock()

	select {
	case entry.slot <- struct{}{}:
	case <-ctx.Done():
		l.unref(key, entry)
		return nil, fmt.Errorf("%w: %s: %v", ErrNotObtained, key, ctx.Err())
	}

	var once sync.Once
	return func(context.Context) error {
		once.Do(func() {
			<-entry.slot
			l.unref(key, entry)
		})
		return nil
	}, nil
}

func (l *LocalLocker) unref(key string, entry *localEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry.refs--
	if entry.refs == 0 {
		delete(l.keys, key)
	}
}

// held reports how many keys currently have holders or waiters.
func (l *LocalLocker) held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.keys)
}

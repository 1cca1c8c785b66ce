package queue

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// Locker guards a queue run so overlapping cron triggers and the
// internal worker cannot drain the same batch twice.
type Locker interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// RedisLock is a best-effort lease via SETNX. The TTL bounds how long a
// crashed run can block the queue.
type RedisLock struct {
	client *redis.Client
	key    string
	ttl    time.Duration
	holder string
}

func NewRedisLock(client *redis.Client, key string, ttl time.Duration) *RedisLock {
	return &RedisLock{
		client: client,
		key:    key,
		ttl:    ttl,
		holder: uuid.New().String(),
	}
}

func (l *RedisLock) Acquire(ctx context.Context) (bool, error) {
	return l.client.SetNX(ctx, l.key, l.holder, l.ttl).Result()
}

func (l *RedisLock) Release(ctx context.Context) error {
	// Only delete our own lease; a lease that expired mid-run may have
	// been re-acquired by another process.
	val, err := l.client.Get(ctx, l.key).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return err
	}
	if val != l.holder {
		return nil
	}
	return l.client.Del(ctx, l.key).Err()
}

// NoopLock is used when redis is disabled; the deployment then relies
// on the external scheduler not overlapping invocations.
type NoopLock struct{}

func (NoopLock) Acquire(ctx context.Context) (bool, error) { return true, nil }
func (NoopLock) Release(ctx context.Context) error         { return nil }

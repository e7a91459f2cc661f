package sweep

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Locker serializes sweeps across processes. Acquire returns false when
// another holder owns the lease; the release function is a no-op after the
// lease expires, it never releases someone else's lease.
type Locker interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (release func(context.Context) error, acquired bool, err error)
}

// NoopLocker always acquires. Overlapping sweeps then race: each engine
// re-reads an entity's tasks inside its own critical section, and the
// store's open-task uniqueness check catches the remaining window. Deploy
// RedisLocker when more than one process runs sweeps.
type NoopLocker struct{}

func (NoopLocker) Acquire(context.Context, string, time.Duration) (func(context.Context) error, bool, error) {
	return func(context.Context) error { return nil }, true, nil
}

// redisReleaseScript deletes the lease only if the caller still holds it.
// KEYS[1] = lease key
// ARGV[1] = holder token
var redisReleaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker implements Locker on a shared Redis, one SET NX PX per
// acquisition. Two schedulers firing the same sweep at the same minute
// collapse to one run.
type RedisLocker struct {
	client *redis.Client
}

// NewRedisLocker creates a locker over the given Redis connection.
func NewRedisLocker(addr, password string, db int) *RedisLocker {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisLocker{client: rdb}
}

// NewRedisLockerFromClient wraps an existing client.
func NewRedisLockerFromClient(client *redis.Client) *RedisLocker {
	return &RedisLocker{client: client}
}

func (l *RedisLocker) Acquire(ctx context.Context, name string, ttl time.Duration) (func(context.Context) error, bool, error) {
	key := fmt.Sprintf("sweep:lease:%s", name)
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("sweep: acquire lease %s: %w", name, err)
	}
	if !ok {
		return nil, false, nil
	}

	release := func(ctx context.Context) error {
		if err := redisReleaseScript.Run(ctx, l.client, []string{key}, token).Err(); err != nil && err != redis.Nil {
			return fmt.Errorf("sweep: release lease %s: %w", name, err)
		}
		return nil
	}
	return release, true, nil
}

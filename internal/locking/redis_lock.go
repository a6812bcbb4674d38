package locking

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the lock only when the caller still holds it.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`)

// RedisLocker implements Locker with SET NX PX. The TTL bounds how long a
// crashed holder can stall a ride.
type RedisLocker struct {
	client *redis.Client
}

func NewRedisLocker(addr, password string) *RedisLocker {
	return &RedisLocker{client: redis.NewClient(&redis.Options{Addr: addr, Password: password})}
}

func NewRedisLockerWithClient(c *redis.Client) *RedisLocker { return &RedisLocker{client: c} }

func lockKey(key string) string { return "dispatch:lock:" + key }

func (r *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	token := NewToken()
	ok, err := r.client.SetNX(ctx, lockKey(key), token, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

func (r *RedisLocker) Release(ctx context.Context, key, token string) error {
	if err := releaseScript.Run(ctx, r.client, []string{lockKey(key)}, token).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("release lock %s: %w", key, err)
	}
	return nil
}

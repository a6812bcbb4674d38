package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

// RedisQueue stores pending notifications as one hash per driver keyed by
// ride id. The hash expires with the broadcast TTL; a driver who never
// fetches their offers costs nothing long-term.
type RedisQueue struct {
	client *redis.Client
}

func NewRedisQueue(addr, password string) *RedisQueue {
	return &RedisQueue{client: redis.NewClient(&redis.Options{Addr: addr, Password: password})}
}

func NewRedisQueueWithClient(c *redis.Client) *RedisQueue { return &RedisQueue{client: c} }

func pendingKey(driverID string) string { return "dispatch:pending:" + driverID }

func (q *RedisQueue) Enqueue(ctx context.Context, n models.Notification, ttl time.Duration) error {
	b, err := json.Marshal(n)
	if err != nil {
		return err
	}
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, pendingKey(n.DriverID), n.RideID, b)
	pipe.Expire(ctx, pendingKey(n.DriverID), ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("enqueue notification for %s: %w", n.DriverID, err)
	}
	return nil
}

func (q *RedisQueue) Pending(ctx context.Context, driverID string) ([]models.Notification, error) {
	m, err := q.client.HGetAll(ctx, pendingKey(driverID)).Result()
	if err != nil {
		return nil, fmt.Errorf("pending notifications for %s: %w", driverID, err)
	}
	out := make([]models.Notification, 0, len(m))
	for _, raw := range m {
		var n models.Notification
		if err := json.Unmarshal([]byte(raw), &n); err != nil {
			continue
		}
		out = append(out, n)
	}
	return out, nil
}

func (q *RedisQueue) Remove(ctx context.Context, driverID, rideID string) error {
	return q.client.HDel(ctx, pendingKey(driverID), rideID).Err()
}

package broadcast

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

// RedisStore keeps each broadcast as a hash plus two companion sets (the
// notified drivers and the declines), all sharing one expiry so the whole
// record disappears together.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(addr, password string) *RedisStore {
	return &RedisStore{client: redis.NewClient(&redis.Options{Addr: addr, Password: password})}
}

func NewRedisStoreWithClient(c *redis.Client) *RedisStore { return &RedisStore{client: c} }

func recKey(rideID string) string      { return "dispatch:bcast:" + rideID }
func notifiedKey(rideID string) string { return "dispatch:bcast:" + rideID + ":notified" }
func rejectedKey(rideID string) string { return "dispatch:bcast:" + rideID + ":rejected" }

func (s *RedisStore) Create(ctx context.Context, rec *models.BroadcastRecord, ttl time.Duration) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, recKey(rec.RideID), notifiedKey(rec.RideID), rejectedKey(rec.RideID))
	pipe.HSet(ctx, recKey(rec.RideID), map[string]interface{}{
		"pickup_lat":     fmt.Sprintf("%f", rec.Pickup.Lat),
		"pickup_lon":     fmt.Sprintf("%f", rec.Pickup.Lon),
		"dest_lat":       fmt.Sprintf("%f", rec.Destination.Lat),
		"dest_lon":       fmt.Sprintf("%f", rec.Destination.Lon),
		"estimated_fare": fmt.Sprintf("%f", rec.EstimatedFare),
		"radius_km":      fmt.Sprintf("%f", rec.RadiusKm),
		"status":         string(rec.Status),
		"count":          strconv.Itoa(rec.BroadcastCount),
		"created_at":     rec.CreatedAt.UTC().Format(time.RFC3339Nano),
	})
	if len(rec.Notified) > 0 {
		members := make([]interface{}, 0, len(rec.Notified))
		for id := range rec.Notified {
			members = append(members, id)
		}
		pipe.SAdd(ctx, notifiedKey(rec.RideID), members...)
	}
	pipe.Expire(ctx, recKey(rec.RideID), ttl)
	pipe.Expire(ctx, notifiedKey(rec.RideID), ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("create broadcast %s: %w", rec.RideID, err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, rideID string) (*models.BroadcastRecord, error) {
	m, err := s.client.HGetAll(ctx, recKey(rideID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get broadcast %s: %w", rideID, err)
	}
	if len(m) == 0 {
		return nil, ErrNotFound
	}
	rec := &models.BroadcastRecord{
		RideID:   rideID,
		Status:   models.BroadcastStatus(m["status"]),
		Notified: make(map[string]bool),
	}
	rec.Pickup.Lat, _ = strconv.ParseFloat(m["pickup_lat"], 64)
	rec.Pickup.Lon, _ = strconv.ParseFloat(m["pickup_lon"], 64)
	rec.Destination.Lat, _ = strconv.ParseFloat(m["dest_lat"], 64)
	rec.Destination.Lon, _ = strconv.ParseFloat(m["dest_lon"], 64)
	rec.EstimatedFare, _ = strconv.ParseFloat(m["estimated_fare"], 64)
	rec.RadiusKm, _ = strconv.ParseFloat(m["radius_km"], 64)
	rec.BroadcastCount, _ = strconv.Atoi(m["count"])
	rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, m["created_at"])

	ids, err := s.client.SMembers(ctx, notifiedKey(rideID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get notified set %s: %w", rideID, err)
	}
	for _, id := range ids {
		rec.Notified[id] = true
	}
	return rec, nil
}

func (s *RedisStore) AddNotified(ctx context.Context, rideID string, driverIDs []string, radiusKm float64, ttl time.Duration) error {
	if exists, err := s.client.Exists(ctx, recKey(rideID)).Result(); err != nil {
		return err
	} else if exists == 0 {
		return ErrNotFound
	}
	pipe := s.client.TxPipeline()
	if len(driverIDs) > 0 {
		members := make([]interface{}, len(driverIDs))
		for i, id := range driverIDs {
			members[i] = id
		}
		pipe.SAdd(ctx, notifiedKey(rideID), members...)
	}
	pipe.HSet(ctx, recKey(rideID), "radius_km", fmt.Sprintf("%f", radiusKm))
	pipe.HIncrBy(ctx, recKey(rideID), "count", 1)
	pipe.Expire(ctx, recKey(rideID), ttl)
	pipe.Expire(ctx, notifiedKey(rideID), ttl)
	pipe.Expire(ctx, rejectedKey(rideID), ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("extend broadcast %s: %w", rideID, err)
	}
	return nil
}

func (s *RedisStore) SetStatus(ctx context.Context, rideID string, status models.BroadcastStatus) error {
	n, err := s.client.Exists(ctx, recKey(rideID)).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return s.client.HSet(ctx, recKey(rideID), "status", string(status)).Err()
}

func (s *RedisStore) AddRejection(ctx context.Context, rej models.RejectionRecord, ttl time.Duration) error {
	if exists, err := s.client.Exists(ctx, recKey(rej.RideID)).Result(); err != nil {
		return err
	} else if exists == 0 {
		return ErrNotFound
	}
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, rejectedKey(rej.RideID), rej.DriverID, rej.RejectedAt.UTC().Format(time.RFC3339Nano))
	pipe.Expire(ctx, rejectedKey(rej.RideID), ttl)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore) Rejections(ctx context.Context, rideID string) ([]models.RejectionRecord, error) {
	if exists, err := s.client.Exists(ctx, recKey(rideID)).Result(); err != nil {
		return nil, err
	} else if exists == 0 {
		return nil, ErrNotFound
	}
	m, err := s.client.HGetAll(ctx, rejectedKey(rideID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get rejections %s: %w", rideID, err)
	}
	out := make([]models.RejectionRecord, 0, len(m))
	for driverID, ts := range m {
		at, _ := time.Parse(time.RFC3339Nano, ts)
		out = append(out, models.RejectionRecord{RideID: rideID, DriverID: driverID, RejectedAt: at})
	}
	return out, nil
}

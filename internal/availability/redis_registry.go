package availability

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

const (
	geoKey = "dispatch:available_geo"
)

// RedisRegistry implements Registry on Redis: a GEO set holding only
// available drivers and a per-driver hash for status and last update. The
// hash expires after Expiry, and GEO membership changes ride along in the
// same pipeline as the status write.
type RedisRegistry struct {
	client   *redis.Client
	profiles ProfileSync
}

func NewRedisRegistry(addr, password string, profiles ProfileSync) *RedisRegistry {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisRegistry{client: c, profiles: profiles}
}

func driverKey(id string) string { return "dispatch:driver:" + id }

func (r *RedisRegistry) writeStatus(ctx context.Context, driverID string, status models.AvailabilityStatus, loc *models.Coord) error {
	pipe := r.client.TxPipeline()
	fields := map[string]interface{}{
		"status":  string(status),
		"updated": time.Now().UTC().Format(time.RFC3339Nano),
	}
	if loc != nil {
		fields["lat"] = fmt.Sprintf("%f", loc.Lat)
		fields["lon"] = fmt.Sprintf("%f", loc.Lon)
	}
	pipe.HSet(ctx, driverKey(driverID), fields)
	pipe.Expire(ctx, driverKey(driverID), Expiry)
	if status == models.DriverAvailable && loc != nil {
		pipe.GeoAdd(ctx, geoKey, &redis.GeoLocation{Name: driverID, Longitude: loc.Lon, Latitude: loc.Lat})
	} else {
		pipe.ZRem(ctx, geoKey, driverID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("registry write for %s: %w", driverID, err)
	}
	if r.profiles != nil {
		_ = r.profiles.SetStatus(ctx, driverID, string(status))
	}
	return nil
}

func (r *RedisRegistry) SetAvailable(ctx context.Context, driverID string, loc models.Coord) error {
	return r.writeStatus(ctx, driverID, models.DriverAvailable, &loc)
}

func (r *RedisRegistry) SetBusy(ctx context.Context, driverID string) error {
	return r.writeStatus(ctx, driverID, models.DriverBusy, nil)
}

func (r *RedisRegistry) SetUnavailable(ctx context.Context, driverID string) error {
	return r.writeStatus(ctx, driverID, models.DriverUnavailable, nil)
}

func (r *RedisRegistry) UpdateLocation(ctx context.Context, driverID string, loc models.Coord) error {
	rec, ok, err := r.Get(ctx, driverID)
	if err != nil {
		return err
	}
	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, driverKey(driverID), map[string]interface{}{
		"lat":     fmt.Sprintf("%f", loc.Lat),
		"lon":     fmt.Sprintf("%f", loc.Lon),
		"updated": time.Now().UTC().Format(time.RFC3339Nano),
	})
	pipe.Expire(ctx, driverKey(driverID), Expiry)
	if ok && rec.Status == models.DriverAvailable {
		pipe.GeoAdd(ctx, geoKey, &redis.GeoLocation{Name: driverID, Longitude: loc.Lon, Latitude: loc.Lat})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("location refresh for %s: %w", driverID, err)
	}
	return nil
}

func (r *RedisRegistry) Get(ctx context.Context, driverID string) (models.DriverAvailability, bool, error) {
	m, err := r.client.HGetAll(ctx, driverKey(driverID)).Result()
	if err != nil {
		return models.DriverAvailability{}, false, fmt.Errorf("registry read for %s: %w", driverID, err)
	}
	if len(m) == 0 {
		return models.DriverAvailability{}, false, nil
	}
	rec := models.DriverAvailability{DriverID: driverID, Status: models.AvailabilityStatus(m["status"])}
	if v, ok := m["lat"]; ok {
		rec.Loc.Lat, _ = strconv.ParseFloat(v, 64)
	}
	if v, ok := m["lon"]; ok {
		rec.Loc.Lon, _ = strconv.ParseFloat(v, 64)
	}
	if v, ok := m["updated"]; ok {
		rec.UpdatedAt, _ = time.Parse(time.RFC3339Nano, v)
	}
	return rec, true, nil
}

func (r *RedisRegistry) IsAvailable(ctx context.Context, driverID string) (bool, error) {
	rec, ok, err := r.Get(ctx, driverID)
	if err != nil {
		return false, err
	}
	return ok && rec.Status == models.DriverAvailable, nil
}

func (r *RedisRegistry) Nearby(ctx context.Context, center models.Coord, radiusKm float64) ([]DriverDistance, error) {
	res, err := r.client.GeoSearchLocation(ctx, geoKey, &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  center.Lon,
			Latitude:   center.Lat,
			Radius:     radiusKm,
			RadiusUnit: "km",
			Sort:       "ASC",
		},
		WithCoord: true,
		WithDist:  true,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("geo search: %w", err)
	}
	if len(res) == 0 {
		return []DriverDistance{}, nil
	}

	// The GEO set has no TTL of its own; a driver whose hash expired after
	// the silence window (or flipped away from available out of band) must
	// not be dispatched. Re-check each hit against the hash and evict
	// orphans.
	pipe := r.client.Pipeline()
	cmds := make(map[string]*redis.StringCmd, len(res))
	for _, g := range res {
		cmds[g.Name] = pipe.HGet(ctx, driverKey(g.Name), "status")
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("status re-check: %w", err)
	}
	status := make(map[string]string, len(res))
	for id, cmd := range cmds {
		if v, err := cmd.Result(); err == nil {
			status[id] = v
		}
	}

	live, stale := pruneStale(res, status)
	if len(stale) > 0 {
		members := make([]interface{}, len(stale))
		for i, id := range stale {
			members[i] = id
		}
		_ = r.client.ZRem(ctx, geoKey, members...).Err()
	}
	return live, nil
}

// pruneStale splits GEO hits into dispatchable drivers and stale index
// members whose backing hash is gone or no longer available.
func pruneStale(hits []redis.GeoLocation, status map[string]string) (live []DriverDistance, stale []string) {
	live = make([]DriverDistance, 0, len(hits))
	for _, g := range hits {
		if status[g.Name] != string(models.DriverAvailable) {
			stale = append(stale, g.Name)
			continue
		}
		live = append(live, DriverDistance{
			DriverAvailability: models.DriverAvailability{
				DriverID: g.Name,
				Status:   models.DriverAvailable,
				Loc:      models.Coord{Lat: g.Latitude, Lon: g.Longitude},
			},
			DistanceKm: g.Dist,
		})
	}
	return live, stale
}

func (r *RedisRegistry) Close() error { return r.client.Close() }

package availability

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

// Expiry is how long a record survives without a refresh. A driver that
// stops reporting is implicitly offline after this window.
const Expiry = 24 * time.Hour

// DriverDistance is a registry hit annotated with its distance to the
// proximity-query center.
type DriverDistance struct {
	models.DriverAvailability
	DistanceKm float64
}

// Registry tracks each driver's dispatchability and last-known location.
// Every write refreshes the expiry. Status writes add or remove the driver
// from the available index in the same operation so proximity queries never
// scan unavailable drivers.
type Registry interface {
	SetAvailable(ctx context.Context, driverID string, loc models.Coord) error
	SetBusy(ctx context.Context, driverID string) error
	SetUnavailable(ctx context.Context, driverID string) error
	UpdateLocation(ctx context.Context, driverID string, loc models.Coord) error
	Get(ctx context.Context, driverID string) (models.DriverAvailability, bool, error)
	IsAvailable(ctx context.Context, driverID string) (bool, error)
	// Nearby returns available drivers within radiusKm of center, closest
	// first.
	Nearby(ctx context.Context, center models.Coord, radiusKm float64) ([]DriverDistance, error)
}

// ProfileSync mirrors status changes into the durable driver profile for
// reporting. Failures are ignored; the mirror is not needed for matching.
type ProfileSync interface {
	SetStatus(ctx context.Context, driverID, status string) error
}

// Index is the in-memory registry. It backs tests and single-node runs;
// production deployments use the Redis registry.
type Index struct {
	mu       sync.RWMutex
	drivers  map[string]models.DriverAvailability
	profiles ProfileSync
	now      func() time.Time
}

func NewIndex(profiles ProfileSync) *Index {
	return &Index{
		drivers:  make(map[string]models.DriverAvailability),
		profiles: profiles,
		now:      time.Now,
	}
}

func (x *Index) setStatus(ctx context.Context, driverID string, status models.AvailabilityStatus, loc *models.Coord) error {
	x.mu.Lock()
	rec := x.drivers[driverID]
	rec.DriverID = driverID
	rec.Status = status
	if loc != nil {
		rec.Loc = *loc
	}
	rec.UpdatedAt = x.now()
	x.drivers[driverID] = rec
	x.mu.Unlock()

	if x.profiles != nil {
		_ = x.profiles.SetStatus(ctx, driverID, string(status))
	}
	return nil
}

func (x *Index) SetAvailable(ctx context.Context, driverID string, loc models.Coord) error {
	return x.setStatus(ctx, driverID, models.DriverAvailable, &loc)
}

func (x *Index) SetBusy(ctx context.Context, driverID string) error {
	return x.setStatus(ctx, driverID, models.DriverBusy, nil)
}

func (x *Index) SetUnavailable(ctx context.Context, driverID string) error {
	return x.setStatus(ctx, driverID, models.DriverUnavailable, nil)
}

func (x *Index) UpdateLocation(ctx context.Context, driverID string, loc models.Coord) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	rec, ok := x.drivers[driverID]
	if !ok {
		// location ping from an unknown driver creates an unavailable record
		rec = models.DriverAvailability{DriverID: driverID, Status: models.DriverUnavailable}
	}
	rec.Loc = loc
	rec.UpdatedAt = x.now()
	x.drivers[driverID] = rec
	return nil
}

func (x *Index) Get(ctx context.Context, driverID string) (models.DriverAvailability, bool, error) {
	x.mu.RLock()
	rec, ok := x.drivers[driverID]
	x.mu.RUnlock()
	if !ok || x.now().Sub(rec.UpdatedAt) > Expiry {
		return models.DriverAvailability{}, false, nil
	}
	return rec, true, nil
}

func (x *Index) IsAvailable(ctx context.Context, driverID string) (bool, error) {
	rec, ok, err := x.Get(ctx, driverID)
	if err != nil {
		return false, err
	}
	return ok && rec.Status == models.DriverAvailable, nil
}

func (x *Index) Nearby(ctx context.Context, center models.Coord, radiusKm float64) ([]DriverDistance, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	now := x.now()
	out := make([]DriverDistance, 0)
	for _, rec := range x.drivers {
		if rec.Status != models.DriverAvailable || now.Sub(rec.UpdatedAt) > Expiry {
			continue
		}
		d := geo.DistanceKm(center.Lat, center.Lon, rec.Loc.Lat, rec.Loc.Lon)
		if d <= radiusKm {
			out = append(out, DriverDistance{DriverAvailability: rec, DistanceKm: d})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DistanceKm < out[j].DistanceKm })
	return out, nil
}

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/ride-dispatch/internal/availability"
	"github.com/example/ride-dispatch/internal/broadcast"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

var (
	// ErrRideNotOpen reports a ride that is no longer accepting drivers.
	ErrRideNotOpen  = errors.New("ride is not open for dispatch")
	ErrRideNotFound = errors.New("ride not found")
)

// Filter is an optional caller-supplied eligibility predicate, e.g.
// "accepts parcels" or "accepts extended-area rides".
type Filter func(models.DriverAvailability) bool

// Coordinator fans ride requests out to nearby available drivers and
// widens the search when nobody bites. All of its writes are plain
// read-modify-write; it never needs the arbitration lock.
type Coordinator struct {
	Registry   availability.Registry
	Rides      storage.RideStore
	Broadcasts broadcast.Store
	Queue      notify.Queue
	Sink       notify.Sink
	TTL        time.Duration
	Log        *slog.Logger
}

type Request struct {
	RideID        string
	Pickup        models.Coord
	Destination   models.Coord
	EstimatedFare float64
	RadiusKm      float64
	Filter        Filter
}

type Result struct {
	NotifiedDrivers []string
	RadiusKm        float64
}

type ExpandResult struct {
	NewRadiusKm   float64
	NewlyNotified []string
}

func (c *Coordinator) logger() *slog.Logger {
	if c.Log != nil {
		return c.Log
	}
	return slog.Default()
}

// Broadcast runs one notification round: select available drivers within
// the radius, persist the record, enqueue per-driver payloads and push
// through the sink. Push failures are counted, never fatal.
func (c *Coordinator) Broadcast(ctx context.Context, req Request) (Result, error) {
	ride, err := c.Rides.Get(ctx, req.RideID)
	if errors.Is(err, storage.ErrNotFound) {
		return Result{}, ErrRideNotFound
	}
	if err != nil {
		return Result{}, err
	}
	if ride.Status != models.StatusRequested {
		return Result{}, ErrRideNotOpen
	}

	cands, err := c.Registry.Nearby(ctx, req.Pickup, req.RadiusKm)
	if err != nil {
		return Result{}, fmt.Errorf("proximity query: %w", err)
	}
	selected := make([]availability.DriverDistance, 0, len(cands))
	for _, d := range cands {
		if req.Filter != nil && !req.Filter(d.DriverAvailability) {
			continue
		}
		selected = append(selected, d)
	}

	rec := &models.BroadcastRecord{
		RideID:         req.RideID,
		Pickup:         req.Pickup,
		Destination:    req.Destination,
		EstimatedFare:  req.EstimatedFare,
		RadiusKm:       req.RadiusKm,
		Notified:       make(map[string]bool, len(selected)),
		Status:         models.BroadcastActive,
		BroadcastCount: 1,
		CreatedAt:      time.Now(),
	}
	for _, d := range selected {
		rec.Notified[d.DriverID] = true
	}
	if err := c.Broadcasts.Create(ctx, rec, c.TTL); err != nil {
		return Result{}, fmt.Errorf("persist broadcast: %w", err)
	}

	notified := c.notify(ctx, req, selected)
	observability.BroadcastsTotal.Inc()
	c.logger().Info("broadcast",
		"ride_id", req.RideID, "radius_km", req.RadiusKm, "notified", len(notified))
	return Result{NotifiedDrivers: notified, RadiusKm: req.RadiusKm}, nil
}

// Expand re-runs the proximity query at a wider radius and notifies only
// drivers not already in the broadcast's notified set.
func (c *Coordinator) Expand(ctx context.Context, rideID string, incrementKm float64) (ExpandResult, error) {
	ride, err := c.Rides.Get(ctx, rideID)
	if errors.Is(err, storage.ErrNotFound) {
		return ExpandResult{}, ErrRideNotFound
	}
	if err != nil {
		return ExpandResult{}, err
	}
	if ride.Status != models.StatusRequested {
		return ExpandResult{}, ErrRideNotOpen
	}

	rec, err := c.Broadcasts.Get(ctx, rideID)
	if err != nil {
		return ExpandResult{}, err
	}
	if rec.Status != models.BroadcastActive {
		return ExpandResult{}, ErrRideNotOpen
	}

	newRadius := rec.RadiusKm + incrementKm
	cands, err := c.Registry.Nearby(ctx, rec.Pickup, newRadius)
	if err != nil {
		return ExpandResult{}, fmt.Errorf("proximity query: %w", err)
	}
	fresh := make([]availability.DriverDistance, 0)
	for _, d := range cands {
		if !rec.Notified[d.DriverID] {
			fresh = append(fresh, d)
		}
	}
	ids := make([]string, len(fresh))
	for i, d := range fresh {
		ids[i] = d.DriverID
	}
	if err := c.Broadcasts.AddNotified(ctx, rideID, ids, newRadius, c.TTL); err != nil {
		return ExpandResult{}, fmt.Errorf("extend broadcast: %w", err)
	}

	req := Request{
		RideID:        rideID,
		Pickup:        rec.Pickup,
		Destination:   rec.Destination,
		EstimatedFare: rec.EstimatedFare,
		RadiusKm:      newRadius,
	}
	notified := c.notify(ctx, req, fresh)
	observability.ExpansionsTotal.Inc()
	c.logger().Info("radius expanded",
		"ride_id", rideID, "radius_km", newRadius, "newly_notified", len(notified))
	return ExpandResult{NewRadiusKm: newRadius, NewlyNotified: notified}, nil
}

func (c *Coordinator) notify(ctx context.Context, req Request, drivers []availability.DriverDistance) []string {
	now := time.Now()
	notified := make([]string, 0, len(drivers))
	for _, d := range drivers {
		n := models.Notification{
			RideID:        req.RideID,
			DriverID:      d.DriverID,
			Pickup:        req.Pickup,
			Destination:   req.Destination,
			EstimatedFare: req.EstimatedFare,
			DistanceKm:    d.DistanceKm,
			SentAt:        now,
		}
		if err := c.Queue.Enqueue(ctx, n, c.TTL); err != nil {
			c.logger().Warn("enqueue failed", "ride_id", req.RideID, "driver_id", d.DriverID, "error", err)
			continue
		}
		observability.DriversNotifiedTotal.Inc()
		if c.Sink != nil && !c.Sink.Push(ctx, d.DriverID, n) {
			observability.NotifyFailuresTotal.Inc()
		}
		notified = append(notified, d.DriverID)
	}
	return notified
}

package arbiter

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/example/ride-dispatch/internal/availability"
	"github.com/example/ride-dispatch/internal/broadcast"
	"github.com/example/ride-dispatch/internal/fare"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/locking"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

// Outcome is the tagged result of an accept attempt. Exactly one caller
// observes Won for a given ride.
type Outcome int

const (
	Won Outcome = iota
	AlreadyMatched
	Busy // transient lock contention, caller may retry
	NotFound
	DriverUnavailable
)

func (o Outcome) String() string {
	switch o {
	case Won:
		return "won"
	case AlreadyMatched:
		return "already_matched"
	case Busy:
		return "busy"
	case NotFound:
		return "not_found"
	case DriverUnavailable:
		return "driver_unavailable"
	}
	return "unknown"
}

type Result struct {
	Outcome    Outcome
	DistanceKm float64
	ETAMinutes int
	Ride       *models.Ride
}

type EventPublisher interface {
	PublishRideEvent(ev ingest.RideEvent) error
}

// Arbiter resolves concurrent accepts to exactly one winner. It is the only
// component that takes the per-ride mutual-exclusion lock; the re-check of
// the ride status inside the critical section (and the CAS on commit) keeps
// the result correct even if the lock is ever degraded.
type Arbiter struct {
	Locks      locking.Locker
	Rides      storage.RideStore
	Registry   availability.Registry
	Broadcasts broadcast.Store
	Queue      notify.Queue
	Fare       fare.Config
	LockTTL    time.Duration
	Events     EventPublisher
	Log        *slog.Logger
}

func (a *Arbiter) logger() *slog.Logger {
	if a.Log != nil {
		return a.Log
	}
	return slog.Default()
}

func (a *Arbiter) Accept(ctx context.Context, rideID, driverID, riderID string) (Result, error) {
	token, acquired, err := a.Locks.Acquire(ctx, rideID, a.LockTTL)
	if err != nil {
		return Result{}, err
	}
	if !acquired {
		// Someone else is arbitrating. If the ride is already matched the
		// caller lost; otherwise the contention is transient.
		ride, err := a.Rides.Get(ctx, rideID)
		if errors.Is(err, storage.ErrNotFound) {
			return Result{Outcome: NotFound}, nil
		}
		if err != nil {
			return Result{}, err
		}
		if ride.Status == models.StatusMatched {
			observability.AcceptConflictsTotal.Inc()
			return Result{Outcome: AlreadyMatched, Ride: ride}, nil
		}
		return Result{Outcome: Busy}, nil
	}
	// released on every path, including errors
	defer func() { _ = a.Locks.Release(ctx, rideID, token) }()

	drv, found, err := a.Registry.Get(ctx, driverID)
	if err != nil {
		return Result{}, err
	}
	if !found || drv.Status != models.DriverAvailable {
		return Result{Outcome: DriverUnavailable}, nil
	}

	ride, err := a.Rides.Get(ctx, rideID)
	if errors.Is(err, storage.ErrNotFound) {
		return Result{Outcome: NotFound}, nil
	}
	if err != nil {
		return Result{}, err
	}
	if ride.RiderID != riderID {
		return Result{Outcome: NotFound}, nil
	}
	if ride.Status != models.StatusRequested {
		if ride.Status == models.StatusMatched {
			observability.AcceptConflictsTotal.Inc()
			return Result{Outcome: AlreadyMatched, Ride: ride}, nil
		}
		return Result{Outcome: NotFound}, nil
	}

	dist := geo.DistanceKm(drv.Loc.Lat, drv.Loc.Lon, ride.Pickup.Lat, ride.Pickup.Lon)
	eta := a.Fare.ETAMinutes(dist)
	now := time.Now()

	committed, err := a.Rides.UpdateIf(ctx, rideID, models.StatusRequested, func(r *models.Ride) {
		r.DriverID = driverID
		r.Status = models.StatusMatched
		r.MatchedAt = &now
	})
	if err != nil {
		return Result{}, err
	}
	if !committed {
		// lost the CAS safety net despite holding the lock
		observability.AcceptConflictsTotal.Inc()
		ride, _ = a.Rides.Get(ctx, rideID)
		return Result{Outcome: AlreadyMatched, Ride: ride}, nil
	}

	if err := a.Registry.SetBusy(ctx, driverID); err != nil {
		a.logger().Warn("busy flip failed", "driver_id", driverID, "error", err)
	}
	if err := a.Broadcasts.SetStatus(ctx, rideID, models.BroadcastCancelled); err != nil && !errors.Is(err, broadcast.ErrNotFound) {
		a.logger().Warn("broadcast cancel failed", "ride_id", rideID, "error", err)
	}
	_ = a.Queue.Remove(ctx, driverID, rideID)

	observability.MatchesTotal.Inc()
	observability.MatchLatency.Observe(now.Sub(ride.RequestedAt).Seconds())
	if a.Events != nil {
		_ = a.Events.PublishRideEvent(ingest.RideEvent{
			Type: ingest.EventRideMatched, RideID: rideID, DriverID: driverID, At: now,
		})
	}
	a.logger().Info("ride matched",
		"ride_id", rideID, "driver_id", driverID, "distance_km", dist, "eta_min", eta)

	won, err := a.Rides.Get(ctx, rideID)
	if err != nil {
		won = ride
	}
	return Result{Outcome: Won, DistanceKm: dist, ETAMinutes: eta, Ride: won}, nil
}

package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/example/ride-dispatch/internal/broadcast"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

// RejectOutcome is the tagged result of a decline.
type RejectOutcome int

const (
	RejectRecorded RejectOutcome = iota
	RejectRideNotFound
	RejectNotNotified
	RejectAlreadyResolved
)

func (o RejectOutcome) String() string {
	switch o {
	case RejectRecorded:
		return "recorded"
	case RejectRideNotFound:
		return "not_found"
	case RejectNotNotified:
		return "not_notified"
	case RejectAlreadyResolved:
		return "already_resolved"
	}
	return "unknown"
}

// Reject records an explicit decline without closing the request. The
// broadcast stays active for the remaining drivers.
func (c *Coordinator) Reject(ctx context.Context, rideID, driverID string) (RejectOutcome, error) {
	ride, err := c.Rides.Get(ctx, rideID)
	if errors.Is(err, storage.ErrNotFound) {
		return RejectRideNotFound, nil
	}
	if err != nil {
		return RejectRideNotFound, err
	}
	if ride.Status != models.StatusRequested {
		return RejectAlreadyResolved, nil
	}

	rec, err := c.Broadcasts.Get(ctx, rideID)
	if errors.Is(err, broadcast.ErrNotFound) {
		return RejectRideNotFound, nil
	}
	if err != nil {
		return RejectRideNotFound, err
	}
	if rec.Status != models.BroadcastActive {
		return RejectAlreadyResolved, nil
	}
	if !rec.Notified[driverID] {
		return RejectNotNotified, nil
	}

	rej := models.RejectionRecord{RideID: rideID, DriverID: driverID, RejectedAt: time.Now()}
	if err := c.Broadcasts.AddRejection(ctx, rej, c.TTL); err != nil {
		return RejectRideNotFound, err
	}
	_ = c.Queue.Remove(ctx, driverID, rideID)
	observability.RejectionsTotal.Inc()
	c.logger().Info("driver declined", "ride_id", rideID, "driver_id", driverID)
	return RejectRecorded, nil
}

// RemainingDrivers reports how many notified drivers have not yet declined.
func (c *Coordinator) RemainingDrivers(ctx context.Context, rideID string) (int, error) {
	rec, err := c.Broadcasts.Get(ctx, rideID)
	if err != nil {
		return 0, err
	}
	rejs, err := c.Broadcasts.Rejections(ctx, rideID)
	if err != nil {
		return 0, err
	}
	declined := make(map[string]bool, len(rejs))
	for _, r := range rejs {
		declined[r.DriverID] = true
	}
	remaining := 0
	for id := range rec.Notified {
		if !declined[id] {
			remaining++
		}
	}
	return remaining, nil
}

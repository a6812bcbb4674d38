package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/arbiter"
	"github.com/example/ride-dispatch/internal/fare"
	"github.com/example/ride-dispatch/internal/locking"
	"github.com/example/ride-dispatch/internal/models"
)

// Full flow: broadcast to nearby drivers, closest accepts, a second driver
// loses, a third declines what is already resolved.
func TestDispatchAcceptFlow(t *testing.T) {
	ctx := context.Background()
	c, reg, rides, q, _ := newTestCoordinator(t)

	arb := &arbiter.Arbiter{
		Locks:      locking.NewMemoryLocker(),
		Rides:      rides,
		Registry:   reg,
		Broadcasts: c.Broadcasts,
		Queue:      q,
		Fare:       fare.DefaultConfig(),
		LockTTL:    10 * time.Second,
	}

	seedRide(t, rides, "ride1")
	_ = reg.SetAvailable(ctx, "near", models.Coord{Lat: 1 * degPerKm})
	_ = reg.SetAvailable(ctx, "mid", models.Coord{Lat: 2.5 * degPerKm})
	_ = reg.SetAvailable(ctx, "far", models.Coord{Lat: 7 * degPerKm})

	res, err := c.Broadcast(ctx, Request{RideID: "ride1", RadiusKm: 5, EstimatedFare: 90})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.NotifiedDrivers) != 2 || res.NotifiedDrivers[0] != "near" {
		t.Fatalf("notified = %v", res.NotifiedDrivers)
	}

	win, err := arb.Accept(ctx, "ride1", "near", "rider1")
	if err != nil {
		t.Fatal(err)
	}
	if win.Outcome != arbiter.Won {
		t.Fatalf("near: %s", win.Outcome)
	}
	if win.DistanceKm > 1.01 {
		t.Fatalf("distance = %f", win.DistanceKm)
	}
	// 1 km at 30 km/h
	if win.ETAMinutes != 2 {
		t.Fatalf("eta = %d", win.ETAMinutes)
	}

	lose, err := arb.Accept(ctx, "ride1", "mid", "rider1")
	if err != nil {
		t.Fatal(err)
	}
	if lose.Outcome != arbiter.AlreadyMatched {
		t.Fatalf("mid: %s", lose.Outcome)
	}
	if lose.Ride.DriverID != "near" {
		t.Fatalf("loser sees driver %q", lose.Ride.DriverID)
	}

	// matched ride cannot be declined or re-broadcast
	if out, _ := c.Reject(ctx, "ride1", "mid"); out != RejectAlreadyResolved {
		t.Fatalf("reject after match: %v", out)
	}
	if _, err := c.Broadcast(ctx, Request{RideID: "ride1", RadiusKm: 5}); err != ErrRideNotOpen {
		t.Fatalf("broadcast after match: %v", err)
	}

	// winner's pending notification is cleared
	if pending, _ := q.Pending(ctx, "near"); len(pending) != 0 {
		t.Fatalf("pending for winner: %v", pending)
	}
}

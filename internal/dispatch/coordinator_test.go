package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/availability"
	"github.com/example/ride-dispatch/internal/broadcast"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/storage"
)

// countingSink fails delivery for driver ids listed in fail.
type countingSink struct {
	delivered []string
	fail      map[string]bool
}

func (s *countingSink) Push(ctx context.Context, driverID string, n models.Notification) bool {
	if s.fail[driverID] {
		return false
	}
	s.delivered = append(s.delivered, driverID)
	return true
}

// degrees of latitude per kilometre at the equator
const degPerKm = 1.0 / 111.1949

func newTestCoordinator(t *testing.T) (*Coordinator, *availability.Index, *storage.MemoryRideStore, *notify.MemoryQueue, *countingSink) {
	t.Helper()
	reg := availability.NewIndex(nil)
	rides := storage.NewMemoryRideStore()
	q := notify.NewMemoryQueue()
	sink := &countingSink{fail: map[string]bool{}}
	c := &Coordinator{
		Registry:   reg,
		Rides:      rides,
		Broadcasts: broadcast.NewMemoryStore(),
		Queue:      q,
		Sink:       sink,
		TTL:        10 * time.Minute,
	}
	return c, reg, rides, q, sink
}

func seedRide(t *testing.T, rides *storage.MemoryRideStore, id string) *models.Ride {
	t.Helper()
	r := &models.Ride{
		ID: id, RiderID: "rider1", Status: models.StatusRequested,
		Pickup: models.Coord{}, Destination: models.Coord{Lat: 0.1, Lon: 0.1},
		EstimatedFare: 90, Surge: 1, RequestedAt: time.Now(),
	}
	if err := rides.Save(context.Background(), r); err != nil {
		t.Fatal(err)
	}
	return r
}

func TestBroadcastRadiusFilter(t *testing.T) {
	ctx := context.Background()
	c, reg, rides, q, _ := newTestCoordinator(t)
	seedRide(t, rides, "ride1")

	_ = reg.SetAvailable(ctx, "d1", models.Coord{Lat: 1 * degPerKm})
	_ = reg.SetAvailable(ctx, "d2", models.Coord{Lat: 2.5 * degPerKm})
	_ = reg.SetAvailable(ctx, "d3", models.Coord{Lat: 7 * degPerKm})

	res, err := c.Broadcast(ctx, Request{RideID: "ride1", RadiusKm: 5, EstimatedFare: 90})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.NotifiedDrivers) != 2 {
		t.Fatalf("notified = %v, want 2 drivers", res.NotifiedDrivers)
	}
	// closest first
	if res.NotifiedDrivers[0] != "d1" || res.NotifiedDrivers[1] != "d2" {
		t.Fatalf("not sorted by distance: %v", res.NotifiedDrivers)
	}
	if res.RadiusKm != 5 {
		t.Fatalf("radius used = %f", res.RadiusKm)
	}

	rec, err := c.Broadcasts.Get(ctx, "ride1")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != models.BroadcastActive || rec.BroadcastCount != 1 {
		t.Fatalf("record = %+v", rec)
	}
	if !rec.Notified["d1"] || !rec.Notified["d2"] || rec.Notified["d3"] {
		t.Fatalf("notified set wrong: %v", rec.Notified)
	}

	pending, _ := q.Pending(ctx, "d1")
	if len(pending) != 1 || pending[0].RideID != "ride1" {
		t.Fatalf("pending for d1: %v", pending)
	}
	if pending[0].DistanceKm > 1.01 || pending[0].DistanceKm < 0.99 {
		t.Fatalf("payload distance = %f", pending[0].DistanceKm)
	}
}

func TestBroadcastEligibilityFilter(t *testing.T) {
	ctx := context.Background()
	c, reg, rides, _, _ := newTestCoordinator(t)
	seedRide(t, rides, "ride1")
	_ = reg.SetAvailable(ctx, "d1", models.Coord{Lat: 1 * degPerKm})
	_ = reg.SetAvailable(ctx, "d2", models.Coord{Lat: 2 * degPerKm})

	res, err := c.Broadcast(ctx, Request{
		RideID: "ride1", RadiusKm: 5,
		Filter: func(d models.DriverAvailability) bool { return d.DriverID != "d1" },
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.NotifiedDrivers) != 1 || res.NotifiedDrivers[0] != "d2" {
		t.Fatalf("filter not applied: %v", res.NotifiedDrivers)
	}
}

func TestBroadcastDeliveryFailureDoesNotAbort(t *testing.T) {
	ctx := context.Background()
	c, reg, rides, _, sink := newTestCoordinator(t)
	seedRide(t, rides, "ride1")
	_ = reg.SetAvailable(ctx, "d1", models.Coord{Lat: 1 * degPerKm})
	_ = reg.SetAvailable(ctx, "d2", models.Coord{Lat: 2 * degPerKm})
	sink.fail["d1"] = true

	res, err := c.Broadcast(ctx, Request{RideID: "ride1", RadiusKm: 5})
	if err != nil {
		t.Fatal(err)
	}
	// d1's push failed, but d1 is still part of the broadcast round
	if len(res.NotifiedDrivers) != 2 {
		t.Fatalf("notified = %v", res.NotifiedDrivers)
	}
}

func TestBroadcastRequiresOpenRide(t *testing.T) {
	ctx := context.Background()
	c, _, rides, _, _ := newTestCoordinator(t)
	r := seedRide(t, rides, "ride1")
	r.Status = models.StatusMatched
	_ = rides.Save(ctx, r)

	if _, err := c.Broadcast(ctx, Request{RideID: "ride1", RadiusKm: 5}); err != ErrRideNotOpen {
		t.Fatalf("err = %v, want ErrRideNotOpen", err)
	}
	if _, err := c.Broadcast(ctx, Request{RideID: "nope", RadiusKm: 5}); err != ErrRideNotFound {
		t.Fatalf("err = %v, want ErrRideNotFound", err)
	}
}

func TestExpandNotifiesOnlyNewDrivers(t *testing.T) {
	ctx := context.Background()
	c, reg, rides, q, _ := newTestCoordinator(t)
	seedRide(t, rides, "ride1")
	_ = reg.SetAvailable(ctx, "near", models.Coord{Lat: 1 * degPerKm})
	_ = reg.SetAvailable(ctx, "far", models.Coord{Lat: 6 * degPerKm})

	if _, err := c.Broadcast(ctx, Request{RideID: "ride1", RadiusKm: 5}); err != nil {
		t.Fatal(err)
	}
	res, err := c.Expand(ctx, "ride1", 2.5)
	if err != nil {
		t.Fatal(err)
	}
	if res.NewRadiusKm != 7.5 {
		t.Fatalf("new radius = %f", res.NewRadiusKm)
	}
	if len(res.NewlyNotified) != 1 || res.NewlyNotified[0] != "far" {
		t.Fatalf("newly notified = %v", res.NewlyNotified)
	}

	rec, _ := c.Broadcasts.Get(ctx, "ride1")
	// monotone: earlier drivers never drop out
	if !rec.Notified["near"] || !rec.Notified["far"] {
		t.Fatalf("notified set = %v", rec.Notified)
	}
	if rec.BroadcastCount != 2 {
		t.Fatalf("broadcast count = %d", rec.BroadcastCount)
	}

	// second expansion with nobody new stays clean
	res, err = c.Expand(ctx, "ride1", 2.5)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.NewlyNotified) != 0 {
		t.Fatalf("re-notified drivers: %v", res.NewlyNotified)
	}
	pending, _ := q.Pending(ctx, "near")
	if len(pending) != 1 {
		t.Fatalf("near was re-notified: %v", pending)
	}
}

func TestExpandRequiresActiveBroadcast(t *testing.T) {
	ctx := context.Background()
	c, _, rides, _, _ := newTestCoordinator(t)
	seedRide(t, rides, "ride1")

	if _, err := c.Expand(ctx, "ride1", 2.5); err != broadcast.ErrNotFound {
		t.Fatalf("err = %v, want broadcast.ErrNotFound", err)
	}
}

func TestRejectOutcomes(t *testing.T) {
	ctx := context.Background()
	c, reg, rides, q, _ := newTestCoordinator(t)
	seedRide(t, rides, "ride1")
	_ = reg.SetAvailable(ctx, "d1", models.Coord{Lat: 1 * degPerKm})
	_ = reg.SetAvailable(ctx, "d2", models.Coord{Lat: 2 * degPerKm})
	if _, err := c.Broadcast(ctx, Request{RideID: "ride1", RadiusKm: 5}); err != nil {
		t.Fatal(err)
	}

	if out, _ := c.Reject(ctx, "nope", "d1"); out != RejectRideNotFound {
		t.Fatalf("outcome = %v", out)
	}
	if out, _ := c.Reject(ctx, "ride1", "stranger"); out != RejectNotNotified {
		t.Fatalf("outcome = %v", out)
	}

	out, err := c.Reject(ctx, "ride1", "d1")
	if err != nil || out != RejectRecorded {
		t.Fatalf("outcome = %v err = %v", out, err)
	}
	// pending notification removed, ride untouched, broadcast still active
	if pending, _ := q.Pending(ctx, "d1"); len(pending) != 0 {
		t.Fatalf("pending not cleared: %v", pending)
	}
	r, _ := rides.Get(ctx, "ride1")
	if r.Status != models.StatusRequested {
		t.Fatalf("ride status changed: %s", r.Status)
	}
	rec, _ := c.Broadcasts.Get(ctx, "ride1")
	if rec.Status != models.BroadcastActive {
		t.Fatalf("broadcast status changed: %s", rec.Status)
	}

	remaining, err := c.RemainingDrivers(ctx, "ride1")
	if err != nil || remaining != 1 {
		t.Fatalf("remaining = %d err = %v", remaining, err)
	}

	// resolved ride
	r.Status = models.StatusMatched
	_ = rides.Save(ctx, r)
	if out, _ := c.Reject(ctx, "ride1", "d2"); out != RejectAlreadyResolved {
		t.Fatalf("outcome = %v", out)
	}
}

package arbiter

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/availability"
	"github.com/example/ride-dispatch/internal/broadcast"
	"github.com/example/ride-dispatch/internal/fare"
	"github.com/example/ride-dispatch/internal/locking"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/storage"
)

func newTestArbiter(t *testing.T) (*Arbiter, *availability.Index, *storage.MemoryRideStore, broadcast.Store) {
	t.Helper()
	reg := availability.NewIndex(nil)
	rides := storage.NewMemoryRideStore()
	bcasts := broadcast.NewMemoryStore()
	a := &Arbiter{
		Locks:      locking.NewMemoryLocker(),
		Rides:      rides,
		Registry:   reg,
		Broadcasts: bcasts,
		Queue:      notify.NewMemoryQueue(),
		Fare:       fare.DefaultConfig(),
		LockTTL:    10 * time.Second,
	}
	return a, reg, rides, bcasts
}

func seedOpenRide(t *testing.T, rides *storage.MemoryRideStore, bcasts broadcast.Store, id string) {
	t.Helper()
	ctx := context.Background()
	r := &models.Ride{
		ID: id, RiderID: "rider1", Status: models.StatusRequested,
		Pickup: models.Coord{}, Destination: models.Coord{Lat: 0.1},
		EstimatedFare: 90, Surge: 1, RequestedAt: time.Now(),
	}
	if err := rides.Save(ctx, r); err != nil {
		t.Fatal(err)
	}
	rec := &models.BroadcastRecord{
		RideID: id, Notified: map[string]bool{},
		Status: models.BroadcastActive, BroadcastCount: 1, CreatedAt: time.Now(),
	}
	if err := bcasts.Create(ctx, rec, 10*time.Minute); err != nil {
		t.Fatal(err)
	}
}

func TestAcceptWins(t *testing.T) {
	ctx := context.Background()
	a, reg, rides, bcasts := newTestArbiter(t)
	seedOpenRide(t, rides, bcasts, "ride1")
	_ = reg.SetAvailable(ctx, "d1", models.Coord{Lat: 0.01})

	res, err := a.Accept(ctx, "ride1", "d1", "rider1")
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != Won {
		t.Fatalf("outcome = %s", res.Outcome)
	}
	if res.Ride.DriverID != "d1" || res.Ride.Status != models.StatusMatched {
		t.Fatalf("ride = %+v", res.Ride)
	}
	if res.Ride.MatchedAt == nil {
		t.Fatal("matched_at not set")
	}
	if res.ETAMinutes <= 0 {
		t.Fatalf("eta = %d", res.ETAMinutes)
	}

	drv, _, _ := reg.Get(ctx, "d1")
	if drv.Status != models.DriverBusy {
		t.Fatalf("driver status = %s", drv.Status)
	}
	rec, _ := bcasts.Get(ctx, "ride1")
	if rec.Status != models.BroadcastCancelled {
		t.Fatalf("broadcast status = %s", rec.Status)
	}
}

func TestAcceptSecondDriverLoses(t *testing.T) {
	ctx := context.Background()
	a, reg, rides, bcasts := newTestArbiter(t)
	seedOpenRide(t, rides, bcasts, "ride1")
	_ = reg.SetAvailable(ctx, "d1", models.Coord{Lat: 0.01})
	_ = reg.SetAvailable(ctx, "d2", models.Coord{Lat: 0.02})

	if res, _ := a.Accept(ctx, "ride1", "d1", "rider1"); res.Outcome != Won {
		t.Fatalf("first accept: %s", res.Outcome)
	}
	res, err := a.Accept(ctx, "ride1", "d2", "rider1")
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != AlreadyMatched {
		t.Fatalf("second accept: %s", res.Outcome)
	}
	if res.Ride == nil || res.Ride.DriverID != "d1" {
		t.Fatalf("loser should see the winner: %+v", res.Ride)
	}
}

func TestAcceptExactlyOneWinner(t *testing.T) {
	ctx := context.Background()
	a, reg, rides, bcasts := newTestArbiter(t)
	seedOpenRide(t, rides, bcasts, "ride1")

	const n = 8
	drivers := make([]string, n)
	for i := range drivers {
		drivers[i] = string(rune('a' + i))
		_ = reg.SetAvailable(ctx, drivers[i], models.Coord{Lat: 0.01 * float64(i+1)})
	}

	outcomes := make([]Outcome, n)
	var wg sync.WaitGroup
	for i, id := range drivers {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			for {
				res, err := a.Accept(ctx, "ride1", id, "rider1")
				if err != nil {
					t.Error(err)
					return
				}
				if res.Outcome != Busy {
					outcomes[i] = res.Outcome
					return
				}
				time.Sleep(time.Millisecond)
			}
		}(i, id)
	}
	wg.Wait()

	wins := 0
	for i, o := range outcomes {
		switch o {
		case Won:
			wins++
		case AlreadyMatched:
		default:
			t.Fatalf("driver %s: unexpected outcome %s", drivers[i], o)
		}
	}
	if wins != 1 {
		t.Fatalf("winners = %d, want exactly 1", wins)
	}

	r, _ := rides.Get(ctx, "ride1")
	if r.Status != models.StatusMatched || r.DriverID == "" {
		t.Fatalf("ride = %+v", r)
	}
}

func TestAcceptDriverUnavailable(t *testing.T) {
	ctx := context.Background()
	a, reg, rides, bcasts := newTestArbiter(t)
	seedOpenRide(t, rides, bcasts, "ride1")

	if res, _ := a.Accept(ctx, "ride1", "ghost", "rider1"); res.Outcome != DriverUnavailable {
		t.Fatalf("unknown driver: %s", res.Outcome)
	}
	_ = reg.SetAvailable(ctx, "d1", models.Coord{})
	_ = reg.SetBusy(ctx, "d1")
	if res, _ := a.Accept(ctx, "ride1", "d1", "rider1"); res.Outcome != DriverUnavailable {
		t.Fatalf("busy driver: %s", res.Outcome)
	}

	// ride untouched on failed attempts
	r, _ := rides.Get(ctx, "ride1")
	if r.Status != models.StatusRequested {
		t.Fatalf("ride status = %s", r.Status)
	}
}

func TestAcceptNotFound(t *testing.T) {
	ctx := context.Background()
	a, reg, rides, bcasts := newTestArbiter(t)
	seedOpenRide(t, rides, bcasts, "ride1")
	_ = reg.SetAvailable(ctx, "d1", models.Coord{})

	if res, _ := a.Accept(ctx, "nope", "d1", "rider1"); res.Outcome != NotFound {
		t.Fatalf("unknown ride: %s", res.Outcome)
	}
	if res, _ := a.Accept(ctx, "ride1", "d1", "wrong-rider"); res.Outcome != NotFound {
		t.Fatalf("rider mismatch: %s", res.Outcome)
	}
}

// A failed attempt must release the lock and leave the ride acceptable.
func TestAcceptReleasesLockOnFailure(t *testing.T) {
	ctx := context.Background()
	a, reg, rides, bcasts := newTestArbiter(t)
	seedOpenRide(t, rides, bcasts, "ride1")

	if res, _ := a.Accept(ctx, "ride1", "ghost", "rider1"); res.Outcome != DriverUnavailable {
		t.Fatal("setup: expected DriverUnavailable")
	}
	_ = reg.SetAvailable(ctx, "d1", models.Coord{Lat: 0.01})
	res, err := a.Accept(ctx, "ride1", "d1", "rider1")
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != Won {
		t.Fatalf("outcome after failed attempt = %s", res.Outcome)
	}
}

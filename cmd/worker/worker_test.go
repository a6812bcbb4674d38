package main

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/availability"
	"github.com/example/ride-dispatch/internal/broadcast"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/storage"
)

// fakeUpdater implements LocationUpdater for tests
type fakeUpdater struct {
	fail  int // number of times to fail before succeeding
	calls int
	last  models.Coord
}

func (f *fakeUpdater) UpdateLocation(ctx context.Context, driverID string, loc models.Coord) error {
	f.calls++
	if f.calls <= f.fail {
		return errors.New("registry down")
	}
	f.last = loc
	return nil
}

func TestUpdateLocationWithRetry_SucceedsAfterRetries(t *testing.T) {
	f := &fakeUpdater{fail: 1}
	ctx := context.Background()
	start := time.Now()
	if err := updateLocationWithRetry(ctx, f, "d1", models.Coord{Lat: 1, Lon: 2}, 3, 10*time.Millisecond); err != nil {
		t.Fatalf("expected success, got err=%v", err)
	}
	if f.calls != 2 {
		t.Fatalf("expected a retry, got %d calls", f.calls)
	}
	if f.last.Lat != 1 || f.last.Lon != 2 {
		t.Fatalf("wrong location applied: %+v", f.last)
	}
	if time.Since(start) < 10*time.Millisecond {
		t.Fatalf("expected at least one backoff")
	}
}

func TestUpdateLocationWithRetry_FailsWhenExhausted(t *testing.T) {
	f := &fakeUpdater{fail: 5}
	if err := updateLocationWithRetry(context.Background(), f, "d1", models.Coord{}, 3, 5*time.Millisecond); err == nil {
		t.Fatalf("expected error after retries")
	}
	if f.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", f.calls)
	}
}

func TestSweepExpansions(t *testing.T) {
	ctx := context.Background()
	reg := availability.NewIndex(nil)
	rides := storage.NewMemoryRideStore()
	bcasts := broadcast.NewMemoryStore()
	coord := &dispatch.Coordinator{
		Registry:   reg,
		Rides:      rides,
		Broadcasts: bcasts,
		Queue:      notify.NewMemoryQueue(),
		TTL:        10 * time.Minute,
	}

	save := func(id string, status models.RideStatus) {
		_ = rides.Save(ctx, &models.Ride{
			ID: id, RiderID: "rider1", Status: status,
			Surge: 1, RequestedAt: time.Now(),
		})
	}
	save("waiting", models.StatusRequested)
	save("capped", models.StatusRequested)
	save("matched", models.StatusMatched)

	_ = bcasts.Create(ctx, &models.BroadcastRecord{
		RideID: "waiting", RadiusKm: 5, Notified: map[string]bool{},
		Status: models.BroadcastActive, BroadcastCount: 1, CreatedAt: time.Now(),
	}, 10*time.Minute)
	_ = bcasts.Create(ctx, &models.BroadcastRecord{
		RideID: "capped", RadiusKm: 20, Notified: map[string]bool{},
		Status: models.BroadcastActive, BroadcastCount: 1, CreatedAt: time.Now(),
	}, 10*time.Minute)

	expanded := sweepExpansions(ctx, rides, bcasts, coord, 2.5, 20, slog.Default())
	if expanded != 1 {
		t.Fatalf("expanded = %d, want 1", expanded)
	}
	rec, err := bcasts.Get(ctx, "waiting")
	if err != nil {
		t.Fatal(err)
	}
	if rec.RadiusKm != 7.5 {
		t.Fatalf("radius = %f, want 7.5", rec.RadiusKm)
	}
	// at the cap nothing changes
	rec, _ = bcasts.Get(ctx, "capped")
	if rec.RadiusKm != 20 || rec.BroadcastCount != 1 {
		t.Fatalf("capped broadcast touched: %+v", rec)
	}
}

func TestSweepExpansionsClampsToMax(t *testing.T) {
	ctx := context.Background()
	rides := storage.NewMemoryRideStore()
	bcasts := broadcast.NewMemoryStore()
	coord := &dispatch.Coordinator{
		Registry:   availability.NewIndex(nil),
		Rides:      rides,
		Broadcasts: bcasts,
		Queue:      notify.NewMemoryQueue(),
		TTL:        10 * time.Minute,
	}
	_ = rides.Save(ctx, &models.Ride{ID: "r1", RiderID: "rider1", Status: models.StatusRequested, Surge: 1, RequestedAt: time.Now()})
	_ = bcasts.Create(ctx, &models.BroadcastRecord{
		RideID: "r1", RadiusKm: 19, Notified: map[string]bool{},
		Status: models.BroadcastActive, BroadcastCount: 1, CreatedAt: time.Now(),
	}, 10*time.Minute)

	if got := sweepExpansions(ctx, rides, bcasts, coord, 2.5, 20, slog.Default()); got != 1 {
		t.Fatalf("expanded = %d", got)
	}
	rec, _ := bcasts.Get(ctx, "r1")
	if rec.RadiusKm != 20 {
		t.Fatalf("radius = %f, want clamp to 20", rec.RadiusKm)
	}
}

package availability

import (
	"context"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

type statusRecorder struct{ last map[string]string }

func (s *statusRecorder) SetStatus(ctx context.Context, driverID, status string) error {
	if s.last == nil {
		s.last = map[string]string{}
	}
	s.last[driverID] = status
	return nil
}

func TestSetAvailableAndGet(t *testing.T) {
	ctx := context.Background()
	rec := &statusRecorder{}
	x := NewIndex(rec)

	if err := x.SetAvailable(ctx, "d1", models.Coord{Lat: 12.9, Lon: 77.6}); err != nil {
		t.Fatal(err)
	}
	got, ok, err := x.Get(ctx, "d1")
	if err != nil || !ok {
		t.Fatalf("expected record, ok=%v err=%v", ok, err)
	}
	if got.Status != models.DriverAvailable {
		t.Fatalf("status = %s", got.Status)
	}
	if rec.last["d1"] != "available" {
		t.Fatalf("profile not mirrored: %v", rec.last)
	}
	if av, _ := x.IsAvailable(ctx, "d1"); !av {
		t.Fatal("expected available")
	}
}

func TestBusyLeavesIndex(t *testing.T) {
	ctx := context.Background()
	x := NewIndex(nil)
	_ = x.SetAvailable(ctx, "d1", models.Coord{})
	_ = x.SetBusy(ctx, "d1")

	if av, _ := x.IsAvailable(ctx, "d1"); av {
		t.Fatal("busy driver reported available")
	}
	near, err := x.Nearby(ctx, models.Coord{}, 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(near) != 0 {
		t.Fatalf("busy driver returned by proximity query: %v", near)
	}
}

func TestUpdateLocationPreservesStatus(t *testing.T) {
	ctx := context.Background()
	x := NewIndex(nil)
	_ = x.SetBusy(ctx, "d1")
	_ = x.UpdateLocation(ctx, "d1", models.Coord{Lat: 1, Lon: 2})

	got, ok, _ := x.Get(ctx, "d1")
	if !ok || got.Status != models.DriverBusy {
		t.Fatalf("status changed by location refresh: %+v ok=%v", got, ok)
	}
	if got.Loc.Lat != 1 || got.Loc.Lon != 2 {
		t.Fatalf("location not updated: %+v", got.Loc)
	}
}

func TestRecordExpiresAfterWindow(t *testing.T) {
	ctx := context.Background()
	x := NewIndex(nil)
	_ = x.SetAvailable(ctx, "d1", models.Coord{})

	// move the clock past the expiry window
	x.now = func() time.Time { return time.Now().Add(Expiry + time.Minute) }

	if _, ok, _ := x.Get(ctx, "d1"); ok {
		t.Fatal("expected expired record to be absent")
	}
	near, _ := x.Nearby(ctx, models.Coord{}, 100)
	if len(near) != 0 {
		t.Fatal("expired driver still in proximity results")
	}
}

func TestNearbyFiltersAndSorts(t *testing.T) {
	ctx := context.Background()
	x := NewIndex(nil)
	// roughly 1.11 km per 0.01 degree of latitude at the equator
	_ = x.SetAvailable(ctx, "near", models.Coord{Lat: 0.01, Lon: 0})
	_ = x.SetAvailable(ctx, "mid", models.Coord{Lat: 0.02, Lon: 0})
	_ = x.SetAvailable(ctx, "far", models.Coord{Lat: 0.5, Lon: 0})

	got, err := x.Nearby(ctx, models.Coord{}, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 in radius, got %d", len(got))
	}
	if got[0].DriverID != "near" || got[1].DriverID != "mid" {
		t.Fatalf("not sorted by distance: %s, %s", got[0].DriverID, got[1].DriverID)
	}
}

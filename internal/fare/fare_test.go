package fare

import (
	"math"
	"testing"
)

func TestTieredAmount(t *testing.T) {
	cfg := DefaultConfig()

	got, bd := cfg.Amount(5, 1)
	if got != 90 {
		t.Fatalf("5 km fare = %f, want 90", got)
	}
	if bd.DistanceCharge != 60 || bd.Base != 30 {
		t.Fatalf("breakdown wrong: %+v", bd)
	}

	// beyond the 25 km threshold the discounted rate applies
	got, _ = cfg.Amount(30, 1)
	want := 30 + 25*12.0 + 5*10.0
	if got != want {
		t.Fatalf("30 km fare = %f, want %f", got, want)
	}
}

func TestSurgeMultiplier(t *testing.T) {
	cfg := DefaultConfig()
	plain, _ := cfg.Amount(5, 1)
	surged, bd := cfg.Amount(5, 1.5)
	if surged != plain*1.5 {
		t.Fatalf("surge fare = %f, want %f", surged, plain*1.5)
	}
	if bd.Surge != 1.5 {
		t.Fatalf("surge not recorded: %+v", bd)
	}
	// non-positive surge treated as 1
	fallback, _ := cfg.Amount(5, 0)
	if fallback != plain {
		t.Fatalf("zero surge fare = %f, want %f", fallback, plain)
	}
}

func TestFareProtection(t *testing.T) {
	// 40% over the estimate: rider pays the estimate
	if got := Protected(90, 126); got != 90 {
		t.Fatalf("protected fare = %f, want 90", got)
	}
	// 6.7% over: actual stands
	if got := Protected(90, 96); got != 96 {
		t.Fatalf("protected fare = %f, want 96", got)
	}
	// large undershoot is also capped to the estimate
	if got := Protected(90, 50); got != 90 {
		t.Fatalf("protected fare = %f, want 90", got)
	}
	if got := Protected(0, 42); got != 42 {
		t.Fatalf("zero estimate should pass actual through, got %f", got)
	}
}

func TestETAMinutes(t *testing.T) {
	cfg := DefaultConfig() // 30 km/h
	if got := cfg.ETAMinutes(15); got != 30 {
		t.Fatalf("eta = %d, want 30", got)
	}
	if got := cfg.ETAMinutes(1); got != 2 {
		t.Fatalf("eta = %d, want 2", got)
	}
	if got := cfg.ETAMinutes(0); got != 0 {
		t.Fatalf("eta = %d, want 0", got)
	}
	// fractional minutes truncate
	if got := cfg.ETAMinutes(1.4); got != int(math.Floor(1.4/30*60)) {
		t.Fatalf("eta = %d", got)
	}
}

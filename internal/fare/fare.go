package fare

import (
	"math"

	"github.com/example/ride-dispatch/internal/models"
)

// ProtectionBand is the tolerated deviation of the actual fare from the
// estimate. Beyond it the rider pays the estimate.
const ProtectionBand = 0.20

// Config holds the tiered fare parameters. Per-km pricing drops to the
// long-haul rate for the portion of a trip beyond the threshold.
type Config struct {
	Base                float64
	PerKm               float64
	LongHaulPerKm       float64
	LongHaulThresholdKm float64
	AvgSpeedKmh         float64
}

func DefaultConfig() Config {
	return Config{
		Base:                30,
		PerKm:               12,
		LongHaulPerKm:       10,
		LongHaulThresholdKm: 25,
		AvgSpeedKmh:         30,
	}
}

// Amount computes the fare for a distance at the given surge multiplier and
// returns the breakdown alongside.
func (c Config) Amount(distanceKm, surge float64) (float64, models.FareBreakdown) {
	if surge <= 0 {
		surge = 1
	}
	near := math.Min(distanceKm, c.LongHaulThresholdKm)
	far := math.Max(0, distanceKm-c.LongHaulThresholdKm)
	charge := near*c.PerKm + far*c.LongHaulPerKm
	total := (c.Base + charge) * surge
	return total, models.FareBreakdown{
		Base:           c.Base,
		DistanceCharge: charge,
		DistanceKm:     distanceKm,
		Surge:          surge,
	}
}

// ETAMinutes converts a distance into whole minutes at the fixed average
// speed. Routing-aware ETA is deliberately out of scope.
func (c Config) ETAMinutes(distanceKm float64) int {
	speed := c.AvgSpeedKmh
	if speed <= 0 {
		speed = 30
	}
	return int(distanceKm / speed * 60)
}

// Protected applies fare protection: when the actual fare deviates from the
// estimate by more than the band, the rider is charged the estimate.
func Protected(estimated, actual float64) float64 {
	if estimated <= 0 {
		return actual
	}
	if math.Abs(actual-estimated)/estimated > ProtectionBand {
		return estimated
	}
	return actual
}

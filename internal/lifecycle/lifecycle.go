package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/example/ride-dispatch/internal/availability"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/fare"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

var (
	ErrRideNotFound      = errors.New("ride not found")
	ErrNotParticipant    = errors.New("caller is not part of this ride")
	ErrInvalidTransition = errors.New("status does not allow this transition")
	ErrValidation        = errors.New("invalid input")
	// ErrConflict means the ride moved concurrently; the caller may re-read
	// and retry.
	ErrConflict = errors.New("ride state changed")
)

// Rebroadcaster re-enters the dispatch pipeline after a driver bails.
type Rebroadcaster interface {
	Broadcast(ctx context.Context, req dispatch.Request) (dispatch.Result, error)
}

// Payments is the hold/capture surface of the payment provider. All calls
// are best-effort from the lifecycle's point of view.
type Payments interface {
	Capture(ctx context.Context, ref string, amount int64) error
	Cancel(ctx context.Context, ref string) error
}

type EventPublisher interface {
	PublishRideEvent(ev ingest.RideEvent) error
}

// Service drives post-match ride transitions and the cancellation and
// suspension rules.
type Service struct {
	Rides       storage.RideStore
	Drivers     storage.DriverStore
	Registry    availability.Registry
	Broadcaster Rebroadcaster
	Fare        fare.Config

	CancellationFee  float64
	SuspensionLimit  int
	SuspensionWindow time.Duration
	BaseRadiusKm     float64

	Payments Payments
	Events   EventPublisher
	Log      *slog.Logger

	now func() time.Time
}

func (s *Service) clock() time.Time {
	if s.now != nil {
		return s.now()
	}
	return time.Now()
}

func (s *Service) logger() *slog.Logger {
	if s.Log != nil {
		return s.Log
	}
	return slog.Default()
}

func (s *Service) get(ctx context.Context, rideID string) (*models.Ride, error) {
	r, err := s.Rides.Get(ctx, rideID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrRideNotFound
	}
	return r, err
}

// Arrive moves a matched ride to DRIVER_ARRIVING.
func (s *Service) Arrive(ctx context.Context, rideID, driverID string) (*models.Ride, error) {
	r, err := s.get(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if r.DriverID != driverID {
		return nil, ErrNotParticipant
	}
	if !models.CanTransition(r.Status, models.StatusDriverArriving) {
		return nil, ErrInvalidTransition
	}
	ok, err := s.Rides.UpdateIf(ctx, rideID, r.Status, func(r *models.Ride) {
		r.Status = models.StatusDriverArriving
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrConflict
	}
	return s.get(ctx, rideID)
}

// Start begins the trip. Allowed from MATCHED or DRIVER_ARRIVING.
func (s *Service) Start(ctx context.Context, rideID, driverID string) (*models.Ride, error) {
	r, err := s.get(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if r.DriverID != driverID {
		return nil, ErrNotParticipant
	}
	if r.Status != models.StatusMatched && r.Status != models.StatusDriverArriving {
		return nil, ErrInvalidTransition
	}
	now := s.clock()
	ok, err := s.Rides.UpdateIf(ctx, rideID, r.Status, func(r *models.Ride) {
		r.Status = models.StatusInProgress
		r.StartTime = &now
		if r.PickupTime == nil {
			r.PickupTime = &now
		}
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrConflict
	}
	return s.get(ctx, rideID)
}

// Complete ends the trip and settles the fare. The actual fare comes from
// the same tiered formula used at request time, scaled by the ride's surge,
// then capped by fare protection.
func (s *Service) Complete(ctx context.Context, rideID, driverID string, actualDistanceKm float64) (*models.Ride, error) {
	if actualDistanceKm < 0 {
		return nil, ErrValidation
	}
	r, err := s.get(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if r.DriverID != driverID {
		return nil, ErrNotParticipant
	}
	if r.Status != models.StatusInProgress {
		return nil, ErrInvalidTransition
	}

	actual, breakdown := s.Fare.Amount(actualDistanceKm, r.Surge)
	final := fare.Protected(r.EstimatedFare, actual)
	now := s.clock()

	ok, err := s.Rides.UpdateIf(ctx, rideID, models.StatusInProgress, func(r *models.Ride) {
		r.Status = models.StatusCompleted
		r.FinalFare = &final
		r.Breakdown = &breakdown
		r.CompletedAt = &now
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrConflict
	}

	// driver becomes dispatchable again at the drop-off point
	if err := s.Registry.SetAvailable(ctx, driverID, r.Destination); err != nil {
		s.logger().Warn("availability reset failed", "driver_id", driverID, "error", err)
	}
	if s.Payments != nil && r.PaymentRef != "" {
		if err := s.Payments.Capture(ctx, r.PaymentRef, int64(final*100)); err != nil {
			s.logger().Warn("fare capture failed", "ride_id", rideID, "error", err)
		}
	}
	if s.Events != nil {
		_ = s.Events.PublishRideEvent(ingest.RideEvent{
			Type: ingest.EventRideCompleted, RideID: rideID, DriverID: driverID, At: now,
		})
	}
	s.logger().Info("ride completed", "ride_id", rideID, "final_fare", final)
	return s.get(ctx, rideID)
}

// Cancel handles rider- or driver-initiated cancellation of a ride that has
// not yet started. A driver bailing on a matched ride is routed through the
// suspension policy and puts the ride back on the market instead of closing
// it.
func (s *Service) Cancel(ctx context.Context, rideID, userID, reason string) (*models.Ride, error) {
	r, err := s.get(ctx, rideID)
	if err != nil {
		return nil, err
	}

	var actor models.CancelActor
	switch userID {
	case r.RiderID:
		actor = models.CancelledByRider
	case r.DriverID:
		if r.DriverID == "" {
			return nil, ErrNotParticipant
		}
		actor = models.CancelledByDriver
	default:
		return nil, ErrNotParticipant
	}

	switch r.Status {
	case models.StatusRequested, models.StatusMatched, models.StatusDriverArriving:
	default:
		return nil, ErrInvalidTransition
	}

	if actor == models.CancelledByDriver {
		res, err := s.DriverCancel(ctx, rideID, userID, reason)
		if err != nil {
			return nil, err
		}
		return res.Ride, nil
	}

	fee := 0.0
	if r.Status != models.StatusRequested {
		fee = s.CancellationFee
	}
	now := s.clock()
	ok, err := s.Rides.UpdateIf(ctx, rideID, r.Status, func(r *models.Ride) {
		r.Status = models.StatusCancelled
		r.CancelledBy = actor
		r.CancellationReason = reason
		r.CancelledAt = &now
		r.CancellationFee = fee
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrConflict
	}

	if r.DriverID != "" {
		s.freeDriver(ctx, r.DriverID)
	}
	if s.Payments != nil && r.PaymentRef != "" {
		if err := s.Payments.Cancel(ctx, r.PaymentRef); err != nil {
			s.logger().Warn("payment release failed", "ride_id", rideID, "error", err)
		}
	}
	if s.Events != nil {
		_ = s.Events.PublishRideEvent(ingest.RideEvent{
			Type: ingest.EventRideCancelled, RideID: rideID, At: now,
		})
	}
	s.logger().Info("ride cancelled", "ride_id", rideID, "by", string(actor), "fee", fee)
	return s.get(ctx, rideID)
}

type DriverCancelResult struct {
	Suspended         bool
	CancellationCount int
	Ride              *models.Ride
}

// DriverCancel applies the cancellation-counter and suspension rules, then
// reverts the ride to REQUESTED and re-enters dispatch at the base radius.
func (s *Service) DriverCancel(ctx context.Context, rideID, driverID, reason string) (DriverCancelResult, error) {
	r, err := s.get(ctx, rideID)
	if err != nil {
		return DriverCancelResult{}, err
	}
	if r.DriverID != driverID {
		return DriverCancelResult{}, ErrNotParticipant
	}
	if r.Status != models.StatusMatched && r.Status != models.StatusDriverArriving {
		return DriverCancelResult{}, ErrInvalidTransition
	}

	now := s.clock()
	profile, err := s.Drivers.Get(ctx, driverID)
	if errors.Is(err, storage.ErrNotFound) {
		profile = &models.DriverProfile{ID: driverID, LastResetAt: now}
	} else if err != nil {
		return DriverCancelResult{}, err
	}

	if now.Sub(profile.LastResetAt) > s.SuspensionWindow {
		profile.CancellationCount = 0
		profile.LastResetAt = now
	}
	profile.CancellationCount++
	suspended := profile.CancellationCount > s.SuspensionLimit
	if suspended && !profile.Suspended {
		profile.Suspended = true
		profile.SuspendedAt = &now
		observability.SuspensionsTotal.Inc()
	}
	if err := s.Drivers.Upsert(ctx, profile); err != nil {
		return DriverCancelResult{}, err
	}

	ok, err := s.Rides.UpdateIf(ctx, rideID, r.Status, func(r *models.Ride) {
		r.Status = models.StatusRequested
		r.DriverID = ""
		r.MatchedAt = nil
		r.CancelledBy = models.CancelledByDriver
		r.CancellationReason = reason
		r.CancelledAt = &now
		r.CancellationFee = 0
	})
	if err != nil {
		return DriverCancelResult{}, err
	}
	if !ok {
		return DriverCancelResult{}, ErrConflict
	}

	if profile.Suspended {
		if err := s.Registry.SetUnavailable(ctx, driverID); err != nil {
			s.logger().Warn("force-unavailable failed", "driver_id", driverID, "error", err)
		}
	} else {
		s.freeDriver(ctx, driverID)
	}

	ride, err := s.get(ctx, rideID)
	if err != nil {
		return DriverCancelResult{}, err
	}
	if s.Broadcaster != nil {
		if _, err := s.Broadcaster.Broadcast(ctx, dispatch.Request{
			RideID:        rideID,
			Pickup:        ride.Pickup,
			Destination:   ride.Destination,
			EstimatedFare: ride.EstimatedFare,
			RadiusKm:      s.BaseRadiusKm,
		}); err != nil {
			s.logger().Warn("re-broadcast failed", "ride_id", rideID, "error", err)
		}
	}

	s.logger().Info("driver cancelled",
		"ride_id", rideID, "driver_id", driverID,
		"count", profile.CancellationCount, "suspended", profile.Suspended)
	return DriverCancelResult{
		Suspended:         profile.Suspended,
		CancellationCount: profile.CancellationCount,
		Ride:              ride,
	}, nil
}

// freeDriver flips a busy driver back to available at their last known
// position.
func (s *Service) freeDriver(ctx context.Context, driverID string) {
	rec, ok, err := s.Registry.Get(ctx, driverID)
	if err != nil || !ok {
		return
	}
	if rec.Status == models.DriverBusy {
		if err := s.Registry.SetAvailable(ctx, driverID, rec.Loc); err != nil {
			s.logger().Warn("availability reset failed", "driver_id", driverID, "error", err)
		}
	}
}

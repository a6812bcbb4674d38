package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// RideStatus is the closed set of ride lifecycle states.
type RideStatus string

const (
	StatusRequested      RideStatus = "REQUESTED"
	StatusMatched        RideStatus = "MATCHED"
	StatusDriverArriving RideStatus = "DRIVER_ARRIVING"
	StatusInProgress     RideStatus = "IN_PROGRESS"
	StatusCompleted      RideStatus = "COMPLETED"
	StatusCancelled      RideStatus = "CANCELLED"
)

// AllowedTransitions encodes the lifecycle diagram as data. Terminal states
// have no entry.
var AllowedTransitions = map[RideStatus][]RideStatus{
	StatusRequested:      {StatusMatched, StatusCancelled},
	StatusMatched:        {StatusDriverArriving, StatusInProgress, StatusCancelled},
	StatusDriverArriving: {StatusInProgress, StatusCancelled},
	StatusInProgress:     {StatusCompleted},
}

func CanTransition(from, to RideStatus) bool {
	for _, s := range AllowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

type CancelActor string

const (
	CancelledByRider  CancelActor = "rider"
	CancelledByDriver CancelActor = "driver"
)

// FareBreakdown records how a fare was assembled so riders can audit it.
type FareBreakdown struct {
	Base           float64 `json:"base"`
	DistanceCharge float64 `json:"distance_charge"`
	DistanceKm     float64 `json:"distance_km"`
	Surge          float64 `json:"surge"`
}

type Ride struct {
	ID                 string         `json:"id"`
	RiderID            string         `json:"rider_id"`
	DriverID           string         `json:"driver_id,omitempty"` // empty until matched
	Status             RideStatus     `json:"status"`
	Pickup             Coord          `json:"pickup"`
	Destination        Coord          `json:"destination"`
	EstimatedFare      float64        `json:"estimated_fare"`
	FinalFare          *float64       `json:"final_fare,omitempty"`
	Breakdown          *FareBreakdown `json:"fare_breakdown,omitempty"`
	Surge              float64        `json:"surge"`
	PaymentRef         string         `json:"payment_ref,omitempty"`
	RequestedAt        time.Time      `json:"requested_at"`
	MatchedAt          *time.Time     `json:"matched_at,omitempty"`
	PickupTime         *time.Time     `json:"pickup_time,omitempty"`
	StartTime          *time.Time     `json:"start_time,omitempty"`
	CompletedAt        *time.Time     `json:"completed_at,omitempty"`
	CancelledAt        *time.Time     `json:"cancellation_timestamp,omitempty"`
	CancelledBy        CancelActor    `json:"cancelled_by,omitempty"`
	CancellationReason string         `json:"cancellation_reason,omitempty"`
	CancellationFee    float64        `json:"cancellation_fee,omitempty"`
}

// AvailabilityStatus is a driver's dispatchability, not their account state.
type AvailabilityStatus string

const (
	DriverAvailable   AvailabilityStatus = "available"
	DriverBusy        AvailabilityStatus = "busy"
	DriverUnavailable AvailabilityStatus = "unavailable"
)

type DriverAvailability struct {
	DriverID  string             `json:"driver_id"`
	Status    AvailabilityStatus `json:"status"`
	Loc       Coord              `json:"loc"`
	UpdatedAt time.Time          `json:"updated_at"`
}

type BroadcastStatus string

const (
	BroadcastActive    BroadcastStatus = "active"
	BroadcastCancelled BroadcastStatus = "cancelled"
)

// BroadcastRecord tracks one ride's driver-notification round. At most one
// active record exists per ride; stores expire it 10 minutes after creation.
type BroadcastRecord struct {
	RideID         string          `json:"ride_id"`
	Pickup         Coord           `json:"pickup"`
	Destination    Coord           `json:"destination"`
	EstimatedFare  float64         `json:"estimated_fare"`
	RadiusKm       float64         `json:"radius_km"`
	Notified       map[string]bool `json:"notified"`
	Status         BroadcastStatus `json:"status"`
	BroadcastCount int             `json:"broadcast_count"`
	CreatedAt      time.Time       `json:"created_at"`
}

func (b *BroadcastRecord) NotifiedIDs() []string {
	out := make([]string, 0, len(b.Notified))
	for id := range b.Notified {
		out = append(out, id)
	}
	return out
}

type RejectionRecord struct {
	RideID     string    `json:"ride_id"`
	DriverID   string    `json:"driver_id"`
	RejectedAt time.Time `json:"rejected_at"`
}

// DriverProfile is the durable driver record the engine reads and writes:
// the cancellation counter plus the fields used to enrich match results.
type DriverProfile struct {
	ID                string     `json:"id"`
	Name              string     `json:"name,omitempty"`
	VehicleType       string     `json:"vehicle_type,omitempty"`
	Rating            float64    `json:"rating,omitempty"`
	Status            string     `json:"status,omitempty"`
	CancellationCount int        `json:"cancellation_count"`
	LastResetAt       time.Time  `json:"last_reset_at"`
	Suspended         bool       `json:"is_suspended"`
	SuspendedAt       *time.Time `json:"suspended_at,omitempty"`
}

// Notification is the per-driver payload enqueued during a broadcast round.
type Notification struct {
	RideID        string    `json:"ride_id"`
	DriverID      string    `json:"driver_id"`
	Pickup        Coord     `json:"pickup"`
	Destination   Coord     `json:"destination"`
	EstimatedFare float64   `json:"estimated_fare"`
	DistanceKm    float64   `json:"distance_km"`
	SentAt        time.Time `json:"sent_at"`
}

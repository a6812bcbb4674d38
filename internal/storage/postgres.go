package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/models"
)

// PostgresStore implements RideStore and DriverStore on one connection
// pool. Status updates are guarded by a WHERE status = $from clause; a
// zero row count means the ride moved under us and the caller lost.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) DB() *sql.DB { return p.db }

const rideColumns = `id, rider_id, driver_id, status, pickup_lat, pickup_lon,
	dest_lat, dest_lon, estimated_fare, final_fare, surge, payment_ref,
	fare_base, fare_distance_charge, fare_distance_km,
	requested_at, matched_at, pickup_time, start_time, completed_at,
	cancelled_at, cancelled_by, cancellation_reason, cancellation_fee`

func (p *PostgresStore) Save(ctx context.Context, r *models.Ride) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO rides(`+rideColumns+`)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24)`,
		rideArgs(r)...)
	if err != nil {
		return fmt.Errorf("insert ride %s: %w", r.ID, err)
	}
	return nil
}

func rideArgs(r *models.Ride) []any {
	var base, charge, km *float64
	if r.Breakdown != nil {
		base, charge, km = &r.Breakdown.Base, &r.Breakdown.DistanceCharge, &r.Breakdown.DistanceKm
	}
	return []any{
		r.ID, r.RiderID, nullStr(r.DriverID), string(r.Status),
		r.Pickup.Lat, r.Pickup.Lon, r.Destination.Lat, r.Destination.Lon,
		r.EstimatedFare, r.FinalFare, r.Surge, nullStr(r.PaymentRef),
		base, charge, km,
		r.RequestedAt, r.MatchedAt, r.PickupTime, r.StartTime, r.CompletedAt,
		r.CancelledAt, nullStr(string(r.CancelledBy)), nullStr(r.CancellationReason), r.CancellationFee,
	}
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*models.Ride, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM rides WHERE id=$1`, id)
	return scanRide(row)
}

type rowScanner interface{ Scan(dest ...any) error }

func scanRide(row rowScanner) (*models.Ride, error) {
	var r models.Ride
	var driverID, paymentRef, cancelledBy, cancelReason sql.NullString
	var finalFare, base, charge, km sql.NullFloat64
	var matchedAt, pickupTime, startTime, completedAt, cancelledAt sql.NullTime
	var status string

	err := row.Scan(&r.ID, &r.RiderID, &driverID, &status,
		&r.Pickup.Lat, &r.Pickup.Lon, &r.Destination.Lat, &r.Destination.Lon,
		&r.EstimatedFare, &finalFare, &r.Surge, &paymentRef,
		&base, &charge, &km,
		&r.RequestedAt, &matchedAt, &pickupTime, &startTime, &completedAt,
		&cancelledAt, &cancelledBy, &cancelReason, &r.CancellationFee)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan ride: %w", err)
	}

	r.Status = models.RideStatus(status)
	r.DriverID = driverID.String
	r.PaymentRef = paymentRef.String
	r.CancelledBy = models.CancelActor(cancelledBy.String)
	r.CancellationReason = cancelReason.String
	if finalFare.Valid {
		r.FinalFare = &finalFare.Float64
	}
	if base.Valid {
		r.Breakdown = &models.FareBreakdown{
			Base: base.Float64, DistanceCharge: charge.Float64,
			DistanceKm: km.Float64, Surge: r.Surge,
		}
	}
	r.MatchedAt = timePtr(matchedAt)
	r.PickupTime = timePtr(pickupTime)
	r.StartTime = timePtr(startTime)
	r.CompletedAt = timePtr(completedAt)
	r.CancelledAt = timePtr(cancelledAt)
	return &r, nil
}

func (p *PostgresStore) UpdateIf(ctx context.Context, id string, from models.RideStatus, apply func(*models.Ride)) (bool, error) {
	r, err := p.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if r.Status != from {
		return false, nil
	}
	apply(r)
	args := append(rideArgs(r), string(from))
	tag, err := p.db.ExecContext(ctx, `UPDATE rides SET
		rider_id=$2, driver_id=$3, status=$4, pickup_lat=$5, pickup_lon=$6,
		dest_lat=$7, dest_lon=$8, estimated_fare=$9, final_fare=$10, surge=$11,
		payment_ref=$12, fare_base=$13, fare_distance_charge=$14, fare_distance_km=$15,
		requested_at=$16, matched_at=$17, pickup_time=$18, start_time=$19,
		completed_at=$20, cancelled_at=$21, cancelled_by=$22,
		cancellation_reason=$23, cancellation_fee=$24
		WHERE id=$1 AND status=$25`, args...)
	if err != nil {
		return false, fmt.Errorf("update ride %s: %w", id, err)
	}
	n, err := tag.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status models.RideStatus) ([]*models.Ride, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+rideColumns+` FROM rides WHERE status=$1`, string(status))
	if err != nil {
		return nil, fmt.Errorf("list rides by status: %w", err)
	}
	defer rows.Close()
	var out []*models.Ride
	for rows.Next() {
		r, err := scanRide(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// --- driver profiles ---

func (p *PostgresStore) GetDriver(ctx context.Context, id string) (*models.DriverProfile, error) {
	row := p.db.QueryRowContext(ctx, `SELECT id, name, vehicle_type, rating, status,
		cancellation_count, last_reset_at, is_suspended, suspended_at
		FROM drivers WHERE id=$1`, id)
	var d models.DriverProfile
	var name, vehicle, status sql.NullString
	var rating sql.NullFloat64
	var suspendedAt sql.NullTime
	err := row.Scan(&d.ID, &name, &vehicle, &rating, &status,
		&d.CancellationCount, &d.LastResetAt, &d.Suspended, &suspendedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan driver: %w", err)
	}
	d.Name = name.String
	d.VehicleType = vehicle.String
	d.Rating = rating.Float64
	d.Status = status.String
	d.SuspendedAt = timePtr(suspendedAt)
	return &d, nil
}

func (p *PostgresStore) UpsertDriver(ctx context.Context, d *models.DriverProfile) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO drivers(id, name, vehicle_type, rating, status,
		cancellation_count, last_reset_at, is_suspended, suspended_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (id) DO UPDATE SET name=$2, vehicle_type=$3, rating=$4, status=$5,
		cancellation_count=$6, last_reset_at=$7, is_suspended=$8, suspended_at=$9`,
		d.ID, nullStr(d.Name), nullStr(d.VehicleType), d.Rating, nullStr(d.Status),
		d.CancellationCount, d.LastResetAt, d.Suspended, d.SuspendedAt)
	if err != nil {
		return fmt.Errorf("upsert driver %s: %w", d.ID, err)
	}
	return nil
}

func (p *PostgresStore) SetDriverStatus(ctx context.Context, driverID, status string) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO drivers(id, status, last_reset_at)
		VALUES($1,$2,NOW()) ON CONFLICT (id) DO UPDATE SET status=$2`, driverID, status)
	return err
}

func (p *PostgresStore) LiftDriverSuspensions(ctx context.Context, window time.Duration, now time.Time) (int, error) {
	tag, err := p.db.ExecContext(ctx, `UPDATE drivers SET is_suspended=false,
		suspended_at=NULL, cancellation_count=0, last_reset_at=$2
		WHERE is_suspended AND suspended_at < $1`, now.Add(-window), now)
	if err != nil {
		return 0, fmt.Errorf("lift suspensions: %w", err)
	}
	n, err := tag.RowsAffected()
	return int(n), err
}

// DriverAdapter exposes the Postgres driver tables through the DriverStore
// interface.
type DriverAdapter struct{ *PostgresStore }

func (a DriverAdapter) Get(ctx context.Context, id string) (*models.DriverProfile, error) {
	return a.GetDriver(ctx, id)
}
func (a DriverAdapter) Upsert(ctx context.Context, d *models.DriverProfile) error {
	return a.UpsertDriver(ctx, d)
}
func (a DriverAdapter) SetStatus(ctx context.Context, driverID, status string) error {
	return a.SetDriverStatus(ctx, driverID, status)
}
func (a DriverAdapter) LiftExpiredSuspensions(ctx context.Context, window time.Duration, now time.Time) (int, error) {
	return a.LiftDriverSuspensions(ctx, window, now)
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func timePtr(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}

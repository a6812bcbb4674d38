package storage

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

var ErrNotFound = errors.New("not found")

// RideStore defines persistence operations for rides. UpdateIf is the
// compare-and-set the arbitrator leans on: apply is invoked on a copy and
// the write only lands if the stored status still equals from.
type RideStore interface {
	Save(ctx context.Context, r *models.Ride) error
	Get(ctx context.Context, id string) (*models.Ride, error)
	UpdateIf(ctx context.Context, id string, from models.RideStatus, apply func(*models.Ride)) (bool, error)
	ListByStatus(ctx context.Context, status models.RideStatus) ([]*models.Ride, error)
}

// DriverStore holds the durable driver profile the suspension policy reads
// and writes.
type DriverStore interface {
	Get(ctx context.Context, id string) (*models.DriverProfile, error)
	Upsert(ctx context.Context, p *models.DriverProfile) error
	SetStatus(ctx context.Context, driverID, status string) error
	// LiftExpiredSuspensions clears suspensions older than window and
	// resets the cancellation counter, returning how many were lifted.
	LiftExpiredSuspensions(ctx context.Context, window time.Duration, now time.Time) (int, error)
}

type MemoryRideStore struct {
	mu    sync.RWMutex
	rides map[string]models.Ride
}

func NewMemoryRideStore() *MemoryRideStore {
	return &MemoryRideStore{rides: make(map[string]models.Ride)}
}

func (m *MemoryRideStore) Save(ctx context.Context, r *models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rides[r.ID] = *r
	return nil
}

func (m *MemoryRideStore) Get(ctx context.Context, id string) (*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := r
	return &cp, nil
}

func (m *MemoryRideStore) UpdateIf(ctx context.Context, id string, from models.RideStatus, apply func(*models.Ride)) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok {
		return false, ErrNotFound
	}
	if r.Status != from {
		return false, nil
	}
	apply(&r)
	m.rides[id] = r
	return true, nil
}

func (m *MemoryRideStore) ListByStatus(ctx context.Context, status models.RideStatus) ([]*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.Ride, 0)
	for _, r := range m.rides {
		if r.Status == status {
			cp := r
			out = append(out, &cp)
		}
	}
	return out, nil
}

type MemoryDriverStore struct {
	mu      sync.RWMutex
	drivers map[string]models.DriverProfile
}

func NewMemoryDriverStore() *MemoryDriverStore {
	return &MemoryDriverStore{drivers: make(map[string]models.DriverProfile)}
}

func (m *MemoryDriverStore) Get(ctx context.Context, id string) (*models.DriverProfile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.drivers[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := p
	return &cp, nil
}

func (m *MemoryDriverStore) Upsert(ctx context.Context, p *models.DriverProfile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drivers[p.ID] = *p
	return nil
}

func (m *MemoryDriverStore) SetStatus(ctx context.Context, driverID, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.drivers[driverID]
	p.ID = driverID
	p.Status = status
	m.drivers[driverID] = p
	return nil
}

func (m *MemoryDriverStore) LiftExpiredSuspensions(ctx context.Context, window time.Duration, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	lifted := 0
	for id, p := range m.drivers {
		if p.Suspended && p.SuspendedAt != nil && now.Sub(*p.SuspendedAt) > window {
			p.Suspended = false
			p.SuspendedAt = nil
			p.CancellationCount = 0
			p.LastResetAt = now
			m.drivers[id] = p
			lifted++
		}
	}
	return lifted, nil
}

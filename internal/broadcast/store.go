package broadcast

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

var ErrNotFound = errors.New("no broadcast record")

// Store keeps broadcast bookkeeping: which drivers have been notified for a
// ride, the radius in play, and the declines received so far. Records are
// short-lived; implementations expire them ttl after creation regardless of
// outcome so a ride that never resolves cannot leak state.
type Store interface {
	// Create replaces any existing record for the ride, keeping the
	// one-active-record-per-ride invariant.
	Create(ctx context.Context, rec *models.BroadcastRecord, ttl time.Duration) error
	Get(ctx context.Context, rideID string) (*models.BroadcastRecord, error)
	// AddNotified appends drivers to the notified set, records the widened
	// radius, bumps broadcast_count and refreshes the expiry.
	AddNotified(ctx context.Context, rideID string, driverIDs []string, radiusKm float64, ttl time.Duration) error
	SetStatus(ctx context.Context, rideID string, status models.BroadcastStatus) error
	AddRejection(ctx context.Context, rej models.RejectionRecord, ttl time.Duration) error
	Rejections(ctx context.Context, rideID string) ([]models.RejectionRecord, error)
}

type memEntry struct {
	rec        models.BroadcastRecord
	rejections []models.RejectionRecord
	expiresAt  time.Time
}

type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*memEntry
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*memEntry), now: time.Now}
}

func (m *MemoryStore) live(rideID string) (*memEntry, bool) {
	e, ok := m.entries[rideID]
	if !ok || m.now().After(e.expiresAt) {
		return nil, false
	}
	return e, true
}

func (m *MemoryStore) Create(ctx context.Context, rec *models.BroadcastRecord, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	cp.Notified = make(map[string]bool, len(rec.Notified))
	for id := range rec.Notified {
		cp.Notified[id] = true
	}
	m.entries[rec.RideID] = &memEntry{rec: cp, expiresAt: m.now().Add(ttl)}
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, rideID string) (*models.BroadcastRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.live(rideID)
	if !ok {
		return nil, ErrNotFound
	}
	cp := e.rec
	cp.Notified = make(map[string]bool, len(e.rec.Notified))
	for id := range e.rec.Notified {
		cp.Notified[id] = true
	}
	return &cp, nil
}

func (m *MemoryStore) AddNotified(ctx context.Context, rideID string, driverIDs []string, radiusKm float64, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.live(rideID)
	if !ok {
		return ErrNotFound
	}
	for _, id := range driverIDs {
		e.rec.Notified[id] = true
	}
	e.rec.RadiusKm = radiusKm
	e.rec.BroadcastCount++
	e.expiresAt = m.now().Add(ttl)
	return nil
}

func (m *MemoryStore) SetStatus(ctx context.Context, rideID string, status models.BroadcastStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.live(rideID)
	if !ok {
		return ErrNotFound
	}
	e.rec.Status = status
	return nil
}

func (m *MemoryStore) AddRejection(ctx context.Context, rej models.RejectionRecord, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.live(rej.RideID)
	if !ok {
		return ErrNotFound
	}
	e.rejections = append(e.rejections, rej)
	return nil
}

func (m *MemoryStore) Rejections(ctx context.Context, rideID string) ([]models.RejectionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.live(rideID)
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]models.RejectionRecord, len(e.rejections))
	copy(out, e.rejections)
	return out, nil
}

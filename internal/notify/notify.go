package notify

import (
	"context"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// Sink is the opaque real-time notification channel. Push is best-effort:
// it reports delivery but must never fail the caller.
type Sink interface {
	Push(ctx context.Context, driverID string, n models.Notification) bool
}

// Queue holds the pending per-driver notification payloads a broadcast
// round produces. Entries share the broadcast record's TTL.
type Queue interface {
	Enqueue(ctx context.Context, n models.Notification, ttl time.Duration) error
	Pending(ctx context.Context, driverID string) ([]models.Notification, error)
	Remove(ctx context.Context, driverID, rideID string) error
}

type queued struct {
	n         models.Notification
	expiresAt time.Time
}

type MemoryQueue struct {
	mu      sync.RWMutex
	pending map[string]map[string]queued // driverID -> rideID -> entry
	now     func() time.Time
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{pending: make(map[string]map[string]queued), now: time.Now}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, n models.Notification, ttl time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	byRide, ok := q.pending[n.DriverID]
	if !ok {
		byRide = make(map[string]queued)
		q.pending[n.DriverID] = byRide
	}
	byRide[n.RideID] = queued{n: n, expiresAt: q.now().Add(ttl)}
	return nil
}

func (q *MemoryQueue) Pending(ctx context.Context, driverID string) ([]models.Notification, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	now := q.now()
	var out []models.Notification
	for _, e := range q.pending[driverID] {
		if now.Before(e.expiresAt) {
			out = append(out, e.n)
		}
	}
	return out, nil
}

func (q *MemoryQueue) Remove(ctx context.Context, driverID, rideID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.pending[driverID], rideID)
	return nil
}

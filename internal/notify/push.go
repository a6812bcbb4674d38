package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// PushSink posts notification payloads to an external push-provider
// endpoint. Delivery is best-effort; a non-2xx response counts as a miss.
type PushSink struct {
	Endpoint string
	Client   *http.Client
}

func NewPushSink(endpoint string) *PushSink {
	return &PushSink{Endpoint: endpoint, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (p *PushSink) Push(ctx context.Context, driverID string, n models.Notification) bool {
	if p.Endpoint == "" {
		return false
	}
	b, _ := json.Marshal(map[string]any{"driver_id": driverID, "notification": n})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint, bytes.NewReader(b))
	if err != nil {
		return false
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.Client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// FallbackSink tries each sink in order and stops at the first delivery.
// Typical wiring: websocket session first, push provider second.
type FallbackSink struct {
	Sinks []Sink
}

func (f *FallbackSink) Push(ctx context.Context, driverID string, n models.Notification) bool {
	for _, s := range f.Sinks {
		if s.Push(ctx, driverID, n) {
			return true
		}
	}
	return false
}

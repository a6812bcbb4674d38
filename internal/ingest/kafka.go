package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/models"
)

// Event names carried on the ride-event topic.
const (
	EventRideRequested = "ride.requested"
	EventRideMatched   = "ride.matched"
	EventRideCompleted = "ride.completed"
	EventRideCancelled = "ride.cancelled"
)

// RideEvent is what downstream consumers (billing, analytics) see.
type RideEvent struct {
	Type     string    `json:"type"`
	RideID   string    `json:"ride_id"`
	DriverID string    `json:"driver_id,omitempty"`
	At       time.Time `json:"at"`
}

// Producer publishes driver location updates and ride lifecycle events.
type Producer struct {
	locations *kafka.Writer
	events    *kafka.Writer
}

func NewProducer(brokers []string, locationTopic, eventTopic string) *Producer {
	return &Producer{
		locations: &kafka.Writer{Addr: kafka.TCP(brokers...), Topic: locationTopic, Balancer: &kafka.LeastBytes{}},
		events:    &kafka.Writer{Addr: kafka.TCP(brokers...), Topic: eventTopic, Balancer: &kafka.LeastBytes{}},
	}
}

func (p *Producer) PublishLocation(d models.DriverAvailability) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	b, _ := json.Marshal(d)
	return p.locations.WriteMessages(ctx, kafka.Message{Key: []byte(d.DriverID), Value: b})
}

func (p *Producer) PublishRideEvent(ev RideEvent) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	b, _ := json.Marshal(ev)
	return p.events.WriteMessages(ctx, kafka.Message{Key: []byte(ev.RideID), Value: b})
}

func (p *Producer) Close() error {
	var err error
	if p.locations != nil {
		err = p.locations.Close()
	}
	if p.events != nil {
		if e := p.events.Close(); err == nil {
			err = e
		}
	}
	return err
}

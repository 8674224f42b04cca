package billing

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/appforge/appforge/internal/metrics"
)

// UsageEvent is one billable operation, published by the API layer and
// consumed by the usage consumer.
type UsageEvent struct {
	Kind      string    `json:"kind"` // "project_create", "preview"
	UserID    string    `json:"user_id"`
	SandboxID string    `json:"sandbox_id"`
	ProjectID string    `json:"project_id"`
	Quantity  int64     `json:"quantity"`
	Timestamp time.Time `json:"timestamp"`
}

// Meter publishes usage events to NATS JetStream. Publishing is best-effort
// from the caller's point of view: a metering failure must never fail the
// user-facing operation that produced it.
type Meter struct {
	nc *nats.Conn
	js nats.JetStreamContext
}

// NewMeter connects to NATS and ensures the usage stream exists.
func NewMeter(natsURL string) (*Meter, error) {
	nc, err := nats.Connect(natsURL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}

	// Ensure the stream exists
	_, _ = js.AddStream(&nats.StreamConfig{
		Name:     "USAGE_EVENTS",
		Subjects: []string{"usage.events.>"},
		MaxAge:   30 * 24 * time.Hour,
	})

	return &Meter{nc: nc, js: js}, nil
}

// Record publishes one usage event. Errors are logged, not returned.
func (m *Meter) Record(kind, userID, sandboxID, projectID string) {
	event := UsageEvent{
		Kind:      kind,
		UserID:    userID,
		SandboxID: sandboxID,
		ProjectID: projectID,
		Quantity:  1,
		Timestamp: time.Now().UTC(),
	}
	data, err := json.Marshal(event)
	if err != nil {
		log.Printf("meter: failed to marshal usage event: %v", err)
		return
	}
	if _, err := m.js.Publish("usage.events."+kind, data); err != nil {
		log.Printf("meter: failed to publish usage event for user %s: %v", userID, err)
		return
	}
	metrics.UsageEventsTotal.WithLabelValues(kind).Inc()
}

// Close drains the connection.
func (m *Meter) Close() {
	m.nc.Close()
}

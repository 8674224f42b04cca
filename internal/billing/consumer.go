package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"
)

// MeterSink receives usage events pulled off the stream. Implemented by
// StripeMeter in production.
type MeterSink interface {
	RecordUsage(ctx context.Context, kind, userID string, quantity int64, at time.Time) error
}

// UsageConsumer reads usage events from NATS JetStream and forwards them to
// the billing meter.
type UsageConsumer struct {
	sink MeterSink
	nc   *nats.Conn
	js   nats.JetStreamContext
	sub  *nats.Subscription
}

// NewUsageConsumer creates a NATS-to-meter usage consumer.
func NewUsageConsumer(natsURL string, sink MeterSink) (*UsageConsumer, error) {
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

	_, _ = js.AddStream(&nats.StreamConfig{
		Name:     "USAGE_EVENTS",
		Subjects: []string{"usage.events.>"},
		MaxAge:   30 * 24 * time.Hour,
	})

	return &UsageConsumer{sink: sink, nc: nc, js: js}, nil
}

// Start begins consuming usage events with a durable consumer.
func (c *UsageConsumer) Start() error {
	sub, err := c.js.Subscribe("usage.events.>", c.handleMessage,
		nats.Durable("usage-meter-consumer"),
		nats.AckExplicit(),
		nats.MaxAckPending(256),
	)
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	c.sub = sub
	log.Println("usage_consumer: subscribed to usage.events.>")
	return nil
}

// Stop stops the consumer.
func (c *UsageConsumer) Stop() {
	if c.sub != nil {
		c.sub.Unsubscribe()
	}
	c.nc.Close()
}

func (c *UsageConsumer) handleMessage(msg *nats.Msg) {
	var event UsageEvent
	if err := json.Unmarshal(msg.Data, &event); err != nil {
		log.Printf("usage_consumer: failed to unmarshal usage event: %v", err)
		msg.Ack()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.sink.RecordUsage(ctx, event.Kind, event.UserID, event.Quantity, event.Timestamp); err != nil {
		// Leave the message unacked so the meter gets another chance;
		// billing events must not be silently dropped.
		log.Printf("usage_consumer: failed to meter %s event for user %s: %v", event.Kind, event.UserID, err)
		msg.Nak()
		return
	}
	msg.Ack()
}

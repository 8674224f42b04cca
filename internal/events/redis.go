// Package events broadcasts sandbox lifecycle changes between replicas over
// Redis pub/sub. Delivery is best-effort: every consumer of these events
// treats them as a cache-invalidation hint, never as the source of truth.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

const migratedChannel = "sandboxes:migrated"

// MigratedEvent announces that a sandbox was replaced and all records
// re-pointed to its successor.
type MigratedEvent struct {
	OldID string `json:"old_id"`
	NewID string `json:"new_id"`
}

// Bus publishes and subscribes to sandbox events over one Redis connection.
type Bus struct {
	rdb  *redis.Client
	stop chan struct{}
}

// NewBus connects to Redis and verifies the connection.
func NewBus(redisURL string) (*Bus, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Bus{rdb: rdb, stop: make(chan struct{})}, nil
}

// SandboxMigrated publishes a migration announcement. Failures are logged;
// replicas that miss the event fall back to resolving through the store.
func (b *Bus) SandboxMigrated(ctx context.Context, oldID, newID string) {
	data, err := json.Marshal(MigratedEvent{OldID: oldID, NewID: newID})
	if err != nil {
		log.Printf("events: failed to marshal migration event: %v", err)
		return
	}
	if err := b.rdb.Publish(ctx, migratedChannel, data).Err(); err != nil {
		log.Printf("events: failed to publish migration of %s: %v", oldID, err)
	}
}

// SubscribeMigrations runs a subscribe loop in the background, invoking
// handle for every migration announcement until Stop is called.
func (b *Bus) SubscribeMigrations(handle func(MigratedEvent)) {
	go b.subscribeLoop(handle)
}

func (b *Bus) subscribeLoop(handle func(MigratedEvent)) {
	for {
		select {
		case <-b.stop:
			return
		default:
		}

		pubsub := b.rdb.Subscribe(context.Background(), migratedChannel)
		ch := pubsub.Channel()

		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					goto reconnect
				}
				var event MigratedEvent
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					log.Printf("events: invalid migration payload: %v", err)
					continue
				}
				handle(event)
			case <-b.stop:
				pubsub.Close()
				return
			}
		}

	reconnect:
		pubsub.Close()
		log.Println("events: pub/sub channel closed, reconnecting...")
		time.Sleep(2 * time.Second)
	}
}

// Stop closes the subscription loop and the Redis client.
func (b *Bus) Stop() {
	close(b.stop)
	b.rdb.Close()
}

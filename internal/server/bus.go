// Package server integrates the hub with the external Redis pub/sub bus
// that keeps horizontally scaled instances consistent with one another.
package server

import (
	"context"
	"encoding/json"
	"log"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// busEnvelope is the frame as it crosses the bus: the client wire object
// plus the publishing instance's identity. Redis delivers published
// messages back to the publisher's own subscriber, so without the origin
// tag every local message would be delivered twice.
type busEnvelope struct {
	Message
	InstanceID string `json:"origin"`
}

// RedisBus mirrors messages between hub instances over one named Redis
// pub/sub channel. Delivery is best-effort and at-most-once; bus
// unavailability degrades the service to single-instance delivery but
// never blocks or crashes local broadcast.
type RedisBus struct {
	client     *redis.Client
	channel    string
	instanceID string
}

// NewRedisBus creates a bus bound to the given channel. Each bus instance
// gets a unique identity used to filter its own publishes out of the
// subscription stream.
func NewRedisBus(client *redis.Client, channel string) *RedisBus {
	return &RedisBus{
		client:     client,
		channel:    channel,
		instanceID: uuid.NewString(),
	}
}

// Publish serializes the message and publishes it to the shared channel
// exactly once. It satisfies the hub's Publisher interface.
func (b *RedisBus) Publish(ctx context.Context, msg Message) error {
	payload, err := json.Marshal(busEnvelope{Message: msg, InstanceID: b.instanceID})
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, b.channel, payload).Err()
}

// Ping reports whether the bus is currently reachable. It backs the
// health probe's healthy/degraded distinction.
func (b *RedisBus) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Subscribe listens on the shared channel and re-injects messages that
// originated on other instances into the hub's local-only distribution
// path. It blocks until the context is cancelled; go-redis reconnects the
// underlying subscription on its own, so transient bus outages only pause
// cross-instance mirroring.
func (b *RedisBus) Subscribe(ctx context.Context, hub *Hub) {
	sub := b.client.Subscribe(ctx, b.channel)
	defer func() {
		if err := sub.Close(); err != nil {
			log.Printf("Error closing bus subscription: %v", err)
		}
	}()

	log.Printf("Subscribed to bus channel %q", b.channel)
	messages := sub.Channel()

	for {
		select {
		case <-ctx.Done():
			log.Println("Bus subscriber stopping")
			return
		case m, ok := <-messages:
			if !ok {
				log.Println("Bus subscription channel closed")
				return
			}
			b.dispatch(hub, []byte(m.Payload))
		}
	}
}

// dispatch hands one received payload to the hub unless this instance
// published it. Remote messages go through RouteRemote and are therefore
// never re-published, which is what keeps N instances from echoing a
// message N times across the fleet.
func (b *RedisBus) dispatch(hub *Hub, payload []byte) {
	var envelope busEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		log.Printf("Dropping malformed bus payload: %v", err)
		return
	}

	if envelope.InstanceID == b.instanceID {
		// Our own publish echoed back; it was already delivered locally.
		return
	}

	hub.RouteRemote(envelope.Message)
}

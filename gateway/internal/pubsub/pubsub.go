// Package pubsub provides the broadcast channel used to fan messages out to
// WebSocket connections. Backends are interchangeable behind Client.
package pubsub

import (
	"context"
	"errors"
)

var (
	// ErrClosed is returned when the client has been closed.
	ErrClosed = errors.New("pubsub: client closed")
	// ErrPayloadTooLarge is returned when a backend cannot carry the payload.
	ErrPayloadTooLarge = errors.New("pubsub: payload too large")
)

// Client publishes to and subscribes on named topics. Delivery is
// best-effort: slow subscribers may miss messages.
type Client interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topic string) (Subscription, error)
	Close() error
}

// Subscription is one registration on a topic. Close is idempotent and closes
// the Messages channel.
type Subscription interface {
	Messages() <-chan []byte
	Close() error
}

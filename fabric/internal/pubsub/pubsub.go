// Package pubsub is the subject-based, at-most-once publish/subscribe
// adapter. The real implementation (NATSBus) sits on
// github.com/nats-io/nats.go; MemBus is an in-process fake for tests
// that don't want a live NATS server.
package pubsub

import "context"

// MessageHandler receives one message payload per delivery. NATSBus
// dispatches each subscription to its handler on a single goroutine, so a
// handler never races with itself there; MemBus calls it on the
// publisher's goroutine.
type MessageHandler func(subject string, data []byte)

// Subscription can be cancelled independently of the Bus.
type Subscription interface {
	Unsubscribe() error
}

// Bus is the capability contract pub/sub-dependent components need.
type Bus interface {
	// Publish is at-most-once: no delivery guarantee survives a disconnect.
	Publish(ctx context.Context, subject string, data []byte) error

	// Subscribe delivers every message published to subject (exact match)
	// to handler until the returned Subscription is cancelled.
	Subscribe(ctx context.Context, subject string, handler MessageHandler) (Subscription, error)

	// Close releases the underlying connection.
	Close() error
}

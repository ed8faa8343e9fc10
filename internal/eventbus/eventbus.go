// Package eventbus fans channel lifecycle events out to external consumers
// (dashboards, alerting, an admin live-events feed). It offers a Redis
// Streams-backed implementation for cross-process delivery and an in-memory
// fallback for single-process deployments, both implementing
// broker.EventPublisher.
package eventbus

import (
	"camflow-broker/internal/broker"
)

// Bus publishes channel lifecycle events and lets consumers subscribe to
// them. Publication through PublishChannelEvent is always best-effort.
type Bus interface {
	broker.EventPublisher
	Subscribe() Subscription
	Close() error
}

// Subscription is an active consumer of a Bus. Redis bus subscriptions share
// the bus's consumer group, so each event reaches one of them; they read only
// entries the group has not yet delivered, and an entry delivered but never
// acknowledged is not read again. The memory bus drops events for a
// subscription whose buffer is full.
type Subscription interface {
	Events() <-chan broker.ChannelEvent
	Close()
}

// ensure both implementations satisfy Bus at compile time.
var (
	_ Bus = (*RedisBus)(nil)
	_ Bus = (*MemoryBus)(nil)
)

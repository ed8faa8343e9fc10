package broker

import "time"

// ChannelEventType enumerates the lifecycle transitions the audit store and
// event bus observe. The broker's own control flow never reads these back.
type ChannelEventType string

const (
	EventCreated   ChannelEventType = "created"
	EventRunning   ChannelEventType = "running"
	EventExited    ChannelEventType = "exited"
	EventTornDown  ChannelEventType = "torn_down"
)

// ChannelEvent is an immutable record of one channel lifecycle transition.
type ChannelEvent struct {
	ChannelKey ChannelKey       `json:"channel_key"`
	Type       ChannelEventType `json:"event_type"`
	Kind       string           `json:"kind,omitempty"`
	Status     string           `json:"status"`
	Detail     string           `json:"detail,omitempty"`
	OccurredAt time.Time        `json:"occurred_at"`
}

// EventPublisher receives channel lifecycle events for operator-facing
// consumers (audit log, event bus). Publication is always best-effort: a
// failure here never affects Start/Attach/teardown outcomes.
type EventPublisher interface {
	PublishChannelEvent(event ChannelEvent)
}

// noopPublisher discards every event. Used when no audit/event-bus backend
// is configured.
type noopPublisher struct{}

func (noopPublisher) PublishChannelEvent(ChannelEvent) {}

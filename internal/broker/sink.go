package broker

import "time"

// Sink is the subscriber-facing write capability the broker broadcasts
// payloads through. Implementations are supplied by the transport layer
// (e.g. internal/transport's WebSocket Conn) and are opaque to the broker
// beyond this contract.
type Sink interface {
	WriteBinary(payload []byte) error
	IsOpen() bool
	Close() error
}

// Subscriber is one attached consumer of a Channel's broadcast stream.
type Subscriber struct {
	ID         string
	Sink       Sink
	AttachedAt time.Time
}

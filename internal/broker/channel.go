package broker

import (
	"context"
	"net"
	"sync"
	"time"
)

// Channel is the broker's per-stream state: one transcoder subprocess,
// one local listener awaiting the producer connection, and however many
// subscribers are currently attached.
type Channel struct {
	Key      ChannelKey
	Port     int
	Kind     string
	Listener net.Listener

	mu                sync.Mutex
	handle            *ProcessHandle
	status            SupervisorStatus
	subscribers       []*Subscriber
	producerConnected bool
	broadcastRunning  bool
	createdAt         time.Time
	lastAccessAt      time.Time

	cancelPipeline context.CancelFunc
	pipelineDone   chan struct{}
}

func newChannel(key ChannelKey, port int, kind string, ln net.Listener, handle *ProcessHandle, now time.Time) *Channel {
	return &Channel{
		Key:          key,
		Port:         port,
		Kind:         kind,
		Listener:     ln,
		handle:       handle,
		status:       StatusStarting,
		createdAt:    now,
		lastAccessAt: now,
		pipelineDone: make(chan struct{}),
	}
}

// ChannelSnapshot is a consistent, lock-free-to-read copy of a Channel's
// externally visible state, returned by Inspect.
type ChannelSnapshot struct {
	Key              ChannelKey
	Port             int
	Status           SupervisorStatus
	SubscriberCount  int
	CreatedAt        time.Time
	LastAccessAt     time.Time
	LastError        string
	ProducerConnected bool
}

func (c *Channel) snapshot() ChannelSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	var lastError string
	if c.handle != nil {
		if _, exit := c.handle.Status(); exit != nil {
			lastError = exit.LastError
		}
	}
	return ChannelSnapshot{
		Key:               c.Key,
		Port:              c.Port,
		Status:            c.status,
		SubscriberCount:   len(c.subscribers),
		CreatedAt:         c.createdAt,
		LastAccessAt:      c.lastAccessAt,
		LastError:         lastError,
		ProducerConnected: c.producerConnected,
	}
}

func (c *Channel) touch(now time.Time) {
	c.mu.Lock()
	c.lastAccessAt = now
	c.mu.Unlock()
}

func (c *Channel) subscriberCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subscribers)
}

func (c *Channel) isTerminal() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status.Terminal()
}

func (c *Channel) setStatus(status SupervisorStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status.Terminal() {
		return
	}
	c.status = status
}

func (c *Channel) addSubscriber(sub *Subscriber, now time.Time) {
	c.mu.Lock()
	c.subscribers = append(c.subscribers, sub)
	c.lastAccessAt = now
	c.mu.Unlock()
}

func (c *Channel) removeSubscriber(id string, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, sub := range c.subscribers {
		if sub.ID == id {
			c.subscribers = append(c.subscribers[:i], c.subscribers[i+1:]...)
			break
		}
	}
	c.lastAccessAt = now
}

// snapshotSubscribers returns a copy of the current subscriber list, safe to
// range over without holding the channel lock during dispatch.
func (c *Channel) snapshotSubscribers() []*Subscriber {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Subscriber, len(c.subscribers))
	copy(out, c.subscribers)
	return out
}

func (c *Channel) removeDeadLocked(deadIDs map[string]struct{}, now time.Time) {
	if len(deadIDs) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	kept := c.subscribers[:0]
	for _, sub := range c.subscribers {
		if _, dead := deadIDs[sub.ID]; dead {
			continue
		}
		kept = append(kept, sub)
	}
	c.subscribers = kept
	c.lastAccessAt = now
}

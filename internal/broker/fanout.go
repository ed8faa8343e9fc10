package broker

import (
	"context"
	"log/slog"
	"net"
	"time"

	"golang.org/x/sync/errgroup"
)

const producerReadBufferSize = 8 * 1024

// pipeline owns one Channel's producer read loop and broadcast dispatch.
// Start launches it as soon as the channel is created; it then blocks in the
// listener accept until the transcoder dials back.
type pipeline struct {
	channel *Channel
	logger  *slog.Logger
	clock   func() time.Time
	onEnded func()
}

func newPipeline(ch *Channel, logger *slog.Logger, clock func() time.Time, onEnded func()) *pipeline {
	return &pipeline{channel: ch, logger: logger, clock: clock, onEnded: onEnded}
}

// run accepts the single producer connection, then reads and broadcasts
// payloads until EOF, a read error, or cancellation. It always ends by
// invoking onEnded exactly once.
func (p *pipeline) run(ctx context.Context) {
	defer p.onEnded()

	pipelineCtx, cancel := context.WithCancel(ctx)
	p.channel.mu.Lock()
	p.channel.cancelPipeline = cancel
	p.channel.mu.Unlock()
	defer cancel()

	conn, err := p.acceptProducer(pipelineCtx)
	if err != nil {
		p.logger.Debug("producer never connected", "channel", p.channel.Key, "error", err)
		return
	}
	defer conn.Close()
	// Closing the socket on cancellation unblocks a pending Read.
	go func() {
		<-pipelineCtx.Done()
		_ = conn.Close()
	}()

	p.channel.mu.Lock()
	p.channel.producerConnected = true
	p.channel.broadcastRunning = true
	p.channel.mu.Unlock()

	buf := make([]byte, producerReadBufferSize)
	for {
		select {
		case <-pipelineCtx.Done():
			return
		default:
		}

		n, readErr := conn.Read(buf)
		if n > 0 {
			p.broadcast(pipelineCtx, buf[:n])
		}
		if readErr != nil {
			p.logger.Debug("producer read ended", "channel", p.channel.Key, "error", readErr)
			return
		}
	}
}

func (p *pipeline) acceptProducer(ctx context.Context) (net.Conn, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	accepted := make(chan result, 1)
	go func() {
		conn, err := p.channel.Listener.Accept()
		accepted <- result{conn, err}
	}()
	select {
	case r := <-accepted:
		return r.conn, r.err
	case <-ctx.Done():
		_ = p.channel.Listener.Close()
		return nil, ctx.Err()
	}
}

// broadcast dispatches one payload to every open subscriber concurrently,
// waiting for every dispatch to complete (or fail) before returning. Failed
// sinks are evicted under the channel lock once the tick completes.
func (p *pipeline) broadcast(ctx context.Context, payload []byte) {
	subscribers := p.channel.snapshotSubscribers()
	if len(subscribers) == 0 {
		return
	}

	// Copy the payload once: subscriber goroutines must not share the
	// producer's reusable read buffer beyond this tick.
	frame := make([]byte, len(payload))
	copy(frame, payload)

	dead := make(chan string, len(subscribers))
	group, _ := errgroup.WithContext(ctx)
	for _, sub := range subscribers {
		sub := sub
		group.Go(func() error {
			if !sub.Sink.IsOpen() {
				dead <- sub.ID
				return nil
			}
			if err := sub.Sink.WriteBinary(frame); err != nil {
				dead <- sub.ID
				sendErr := newError(CodeSubscriberSendFailed, "subscriber write failed", err)
				p.logger.Warn("evicting subscriber", "channel", p.channel.Key, "subscriber", sub.ID, "error", sendErr)
			}
			return nil
		})
	}
	_ = group.Wait()
	close(dead)

	deadIDs := make(map[string]struct{})
	for id := range dead {
		deadIDs[id] = struct{}{}
	}
	if len(deadIDs) > 0 {
		p.channel.removeDeadLocked(deadIDs, p.clock())
	}
}

// stopPipeline cancels the pipeline's read loop and closes the producer
// socket if connected.
func (c *Channel) stopPipeline() {
	c.mu.Lock()
	cancel := c.cancelPipeline
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

package broker

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"
)

// StartResult is returned by Broker.Start.
type StartResult struct {
	ChannelKey   ChannelKey
	EndpointHint string
	LocalPort    int
	Reused       bool
}

// Config configures a Broker.
type Config struct {
	TranscoderBinaryPath string
	AdvertisedHost       string
	AdvertisedPort       int
	BasePath             string
	StartupProbeDelay    time.Duration
	Logger               *slog.Logger
	Publisher            EventPublisher
	// Clock overrides time.Now for tests; nil uses the real clock.
	Clock func() time.Time
}

func (c *Config) withDefaults() {
	if c.StartupProbeDelay <= 0 {
		c.StartupProbeDelay = 100 * time.Millisecond
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Publisher == nil {
		c.Publisher = noopPublisher{}
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.BasePath == "" {
		c.BasePath = "/v1/streams"
	}
}

// Broker is the public facade over the channel registry: Start, Stop,
// Attach, Detach, Inspect, ShutdownAll. It owns the port allocator and
// process supervisor and is safe for concurrent use.
type Broker struct {
	cfg        Config
	ports      *PortAllocator
	supervisor *Supervisor

	mu          sync.Mutex
	channels    map[ChannelKey]*Channel
	sourceIndex map[string]ChannelKey

	startLocksMu sync.Mutex
	startLocks   map[ChannelKey]*sync.Mutex

	reaper *Reaper
}

// New constructs a Broker. It does not start a reaper: callers build one with
// NewReaper, register it with AttachReaper and call its Start, so tests can
// control the ticker.
func New(cfg Config) *Broker {
	cfg.withDefaults()
	return &Broker{
		cfg:         cfg,
		ports:       NewPortAllocator(),
		supervisor:  NewSupervisor(cfg.TranscoderBinaryPath, cfg.Logger),
		channels:    make(map[ChannelKey]*Channel),
		sourceIndex: make(map[string]ChannelKey),
		startLocks:  make(map[ChannelKey]*sync.Mutex),
	}
}

func (b *Broker) keyLock(key ChannelKey) *sync.Mutex {
	b.startLocksMu.Lock()
	defer b.startLocksMu.Unlock()
	lock, ok := b.startLocks[key]
	if !ok {
		lock = &sync.Mutex{}
		b.startLocks[key] = lock
	}
	return lock
}

// Start resolves a source descriptor to a channel, reusing an existing one
// on fingerprint match or creating a new one. Two concurrent Start calls for
// the same fingerprint are serialized so exactly one subprocess is spawned.
func (b *Broker) Start(ctx context.Context, desc SourceDescriptor) (StartResult, error) {
	if err := desc.validate(); err != nil {
		return StartResult{}, err
	}
	key := Fingerprint(desc)

	lock := b.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	now := b.cfg.Clock()

	b.mu.Lock()
	if ch, ok := b.channels[key]; ok {
		if desc.CallerSourceID != "" {
			b.sourceIndex[desc.CallerSourceID] = key
		}
		b.mu.Unlock()
		ch.touch(now)
		return StartResult{
			ChannelKey:   key,
			EndpointHint: b.endpointHint(key),
			LocalPort:    ch.Port,
			Reused:       true,
		}, nil
	}
	b.mu.Unlock()

	return b.startMiss(ctx, desc, key, now)
}

func (b *Broker) startMiss(ctx context.Context, desc SourceDescriptor, key ChannelKey, now time.Time) (StartResult, error) {
	port, err := b.ports.Lease(ctx)
	if err != nil {
		return StartResult{}, newError(CodeNoPortAvailable, "lease loopback port", err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:"+strconv.Itoa(port))
	if err != nil {
		b.ports.Release(port)
		return StartResult{}, newError(CodeListenerBindFailed, "bind producer listener", err)
	}

	sourceURL, err := BuildSourceURL(desc)
	if err != nil {
		ln.Close()
		b.ports.Release(port)
		return StartResult{}, err
	}

	ch := newChannel(key, port, desc.StreamType.String(), ln, nil, now)

	handle, err := b.supervisor.Spawn(context.Background(), sourceURL, port, func(h *ProcessHandle) {
		b.onProcessExit(key, h)
	})
	if err != nil {
		ln.Close()
		b.ports.Release(port)
		return StartResult{}, err
	}
	ch.handle = handle

	b.mu.Lock()
	b.channels[key] = ch
	if desc.CallerSourceID != "" {
		b.sourceIndex[desc.CallerSourceID] = key
	}
	b.mu.Unlock()

	b.cfg.Publisher.PublishChannelEvent(ChannelEvent{ChannelKey: key, Type: EventCreated, Kind: desc.StreamType.String(), Status: StatusStarting.String(), OccurredAt: now})

	go b.runStartupProbe(ch, handle)
	go b.runPipeline(ch)

	return StartResult{
		ChannelKey:   key,
		EndpointHint: b.endpointHint(key),
		LocalPort:    port,
		Reused:       false,
	}, nil
}

func (b *Broker) runStartupProbe(ch *Channel, handle *ProcessHandle) {
	time.Sleep(b.cfg.StartupProbeDelay)
	if handle.Alive() {
		handle.MarkRunning()
		ch.setStatus(StatusRunning)
		b.cfg.Publisher.PublishChannelEvent(ChannelEvent{ChannelKey: ch.Key, Type: EventRunning, Kind: ch.Kind, Status: StatusRunning.String(), OccurredAt: b.cfg.Clock()})
	} else {
		status, _ := handle.Status()
		ch.setStatus(status)
	}
}

func (b *Broker) runPipeline(ch *Channel) {
	p := newPipeline(ch, b.cfg.Logger, b.cfg.Clock, func() {
		close(ch.pipelineDone)
		b.scheduleTeardown(ch.Key, "pipeline ended")
	})
	p.run(context.Background())
}

func (b *Broker) onProcessExit(key ChannelKey, handle *ProcessHandle) {
	status, exit := handle.Status()
	detail := ""
	if exit != nil {
		detail = exit.LastError
	}

	b.mu.Lock()
	ch, ok := b.channels[key]
	b.mu.Unlock()

	kind := ""
	if ok {
		kind = ch.Kind
	}
	b.cfg.Publisher.PublishChannelEvent(ChannelEvent{ChannelKey: key, Type: EventExited, Kind: kind, Status: status.String(), Detail: detail, OccurredAt: b.cfg.Clock()})

	if !ok {
		return
	}
	ch.setStatus(status)
	go b.exitDrivenTeardown(ch)
}

// exitDrivenTeardown waits up to 3s to let last bytes flush, then up to 30s
// (polled every 1s) for subscribers to drop to zero, then tears down
// regardless.
func (b *Broker) exitDrivenTeardown(ch *Channel) {
	time.Sleep(3 * time.Second)
	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		if ch.subscriberCount() == 0 {
			break
		}
		time.Sleep(1 * time.Second)
	}
	b.teardown(ch.Key, "exit-driven teardown")
}

func (b *Broker) scheduleTeardown(key ChannelKey, reason string) {
	b.teardown(key, reason)
}

func (b *Broker) endpointHint(key ChannelKey) string {
	return "ws://" + b.cfg.AdvertisedHost + ":" + strconv.Itoa(b.cfg.AdvertisedPort) + b.cfg.BasePath + "/" + string(key)
}

// Stop removes only the caller_source_id -> channel_key mapping. It never
// tears down the channel: other callers or attached subscribers may still
// want it, and the reaper or exit-driven teardown will collect it naturally.
func (b *Broker) Stop(callerSourceID string) {
	if callerSourceID == "" {
		return
	}
	b.mu.Lock()
	delete(b.sourceIndex, callerSourceID)
	b.mu.Unlock()
}

// Attach registers a subscriber sink with the channel's fan-out pipeline.
func (b *Broker) Attach(channelKey ChannelKey, sink Sink) (string, error) {
	b.mu.Lock()
	ch, ok := b.channels[channelKey]
	b.mu.Unlock()
	if !ok {
		return "", newError(CodeChannelNotFound, "channel not found", ErrChannelNotFound)
	}
	if ch.isTerminal() {
		return "", newError(CodeSupervisorExited, "transcoder process has already exited", nil)
	}

	id, err := randomSubscriberID()
	if err != nil {
		return "", newError(CodeInternal, "generate subscriber id", err)
	}

	now := b.cfg.Clock()
	ch.addSubscriber(&Subscriber{ID: id, Sink: sink, AttachedAt: now}, now)
	return id, nil
}

// Detach removes a subscriber from the channel's collection. The caller
// still owns closing the sink.
func (b *Broker) Detach(channelKey ChannelKey, subscriberID string) {
	b.mu.Lock()
	ch, ok := b.channels[channelKey]
	b.mu.Unlock()
	if !ok {
		return
	}
	ch.removeSubscriber(subscriberID, b.cfg.Clock())
}

// Inspect returns a snapshot of a Channel, or nil if unknown.
func (b *Broker) Inspect(channelKey ChannelKey) *ChannelSnapshot {
	b.mu.Lock()
	ch, ok := b.channels[channelKey]
	b.mu.Unlock()
	if !ok {
		return nil
	}
	snap := ch.snapshot()
	return &snap
}

// InspectAll returns a snapshot of every live channel.
func (b *Broker) InspectAll() []ChannelSnapshot {
	b.mu.Lock()
	channels := make([]*Channel, 0, len(b.channels))
	for _, ch := range b.channels {
		channels = append(channels, ch)
	}
	b.mu.Unlock()

	out := make([]ChannelSnapshot, 0, len(channels))
	for _, ch := range channels {
		out = append(out, ch.snapshot())
	}
	return out
}

// ShutdownAll tears down every channel and stops the reaper. Safe to call
// once during process shutdown.
func (b *Broker) ShutdownAll() {
	if b.reaper != nil {
		b.reaper.Stop()
	}
	b.mu.Lock()
	keys := make([]ChannelKey, 0, len(b.channels))
	for k := range b.channels {
		keys = append(keys, k)
	}
	b.mu.Unlock()

	var wg sync.WaitGroup
	for _, k := range keys {
		k := k
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.teardown(k, "shutdown all")
		}()
	}
	wg.Wait()
}

// teardown is the idempotent release sequence: remove from registry, stop
// the pipeline, kill the subprocess if running, close the listener, release
// the port, and remove every source-id mapping pointing at this key.
func (b *Broker) teardown(key ChannelKey, reason string) {
	b.mu.Lock()
	ch, ok := b.channels[key]
	if ok {
		delete(b.channels, key)
	}
	for sourceID, k := range b.sourceIndex {
		if k == key {
			delete(b.sourceIndex, sourceID)
		}
	}
	b.mu.Unlock()
	if !ok {
		return
	}

	ch.stopPipeline()

	b.mu.Lock()
	handle := ch.handle
	b.mu.Unlock()
	if handle != nil && handle.Alive() {
		b.supervisor.Terminate(handle)
	}

	_ = ch.Listener.Close()
	b.ports.Release(ch.Port)

	for _, sub := range ch.snapshotSubscribers() {
		_ = sub.Sink.Close()
	}

	b.startLocksMu.Lock()
	delete(b.startLocks, key)
	b.startLocksMu.Unlock()

	b.cfg.Publisher.PublishChannelEvent(ChannelEvent{ChannelKey: key, Type: EventTornDown, Kind: ch.Kind, Status: "torn_down", Detail: reason, OccurredAt: b.cfg.Clock()})
	b.cfg.Logger.Info("channel torn down", "channel", key, "reason", reason)
}

// AttachReaper wires a Reaper into this broker so ShutdownAll also stops it.
func (b *Broker) AttachReaper(r *Reaper) {
	b.reaper = r
}

func randomSubscriberID() (string, error) {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf[:]), nil
}

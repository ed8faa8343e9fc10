package broker

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"
)

func newReaperTestChannel(t *testing.T, key ChannelKey, createdAt, lastAccessAt time.Time, handle *ProcessHandle) *Channel {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	ch := newChannel(key, 0, "main", ln, handle, createdAt)
	ch.lastAccessAt = lastAccessAt
	if handle != nil {
		ch.status = StatusRunning
	}
	return ch
}

func reaperTestBroker() *Broker {
	return &Broker{
		cfg:         Config{},
		channels:    make(map[ChannelKey]*Channel),
		sourceIndex: make(map[string]ChannelKey),
		startLocks:  make(map[ChannelKey]*sync.Mutex),
	}
}

func TestReaperCandidatesSkipsChannelsWithinGracePeriod(t *testing.T) {
	now := time.Now()
	b := reaperTestBroker()
	ch := newReaperTestChannel(t, "fresh", now, now, nil)
	b.channels[ch.Key] = ch

	r := NewReaper(b, discardLogger(), func() time.Time { return now })
	got := r.candidates(now)
	if len(got) != 0 {
		t.Fatalf("expected no candidates within grace period, got %v", got)
	}
}

func TestReaperCandidatesCollectsDeadProducerChannels(t *testing.T) {
	now := time.Now()
	old := now.Add(-time.Hour)
	b := reaperTestBroker()
	ch := newReaperTestChannel(t, "dead-producer", old, old, nil) // nil handle => dead producer
	b.channels[ch.Key] = ch

	r := NewReaper(b, discardLogger(), func() time.Time { return now })
	got := r.candidates(now)
	if len(got) != 1 || got[0] != ch.Key {
		t.Fatalf("expected dead-producer channel to be a candidate, got %v", got)
	}
}

func TestReaperCandidatesCollectsTerminatedProducerChannels(t *testing.T) {
	now := time.Now()
	old := now.Add(-time.Hour)
	handle := &ProcessHandle{status: StatusExitedWithError}
	b := reaperTestBroker()
	ch := newReaperTestChannel(t, "terminated", old, old, handle)
	ch.status = StatusExitedWithError
	b.channels[ch.Key] = ch

	r := NewReaper(b, discardLogger(), func() time.Time { return now })
	got := r.candidates(now)
	if len(got) != 1 || got[0] != ch.Key {
		t.Fatalf("expected terminated-producer channel to be a candidate, got %v", got)
	}
}

func TestReaperCandidatesCollectsLongIdleChannelsWithoutSubscribers(t *testing.T) {
	now := time.Now()
	created := now.Add(-time.Hour)
	idleSince := now.Add(-(longIdleThreshold + time.Minute))
	handle := &ProcessHandle{status: StatusRunning}
	b := reaperTestBroker()
	ch := newReaperTestChannel(t, "idle", created, idleSince, handle)
	b.channels[ch.Key] = ch

	r := NewReaper(b, discardLogger(), func() time.Time { return now })
	got := r.candidates(now)
	if len(got) != 1 || got[0] != ch.Key {
		t.Fatalf("expected idle channel to be a candidate, got %v", got)
	}
}

func TestReaperCandidatesCollectsShortIdleChannelsWithoutSubscribers(t *testing.T) {
	now := time.Now()
	created := now.Add(-time.Hour)
	idleSince := now.Add(-(shortIdleThreshold + 5*time.Second)) // between short and long thresholds
	handle := &ProcessHandle{status: StatusRunning}
	b := reaperTestBroker()
	ch := newReaperTestChannel(t, "short-idle", created, idleSince, handle)
	b.channels[ch.Key] = ch

	r := NewReaper(b, discardLogger(), func() time.Time { return now })
	got := r.candidates(now)
	if len(got) != 1 || got[0] != ch.Key {
		t.Fatalf("expected short-idle channel to be a candidate independent of the long-idle rule, got %v", got)
	}
}

func TestReaperCandidatesSkipsActiveChannelsWithSubscribers(t *testing.T) {
	now := time.Now()
	created := now.Add(-time.Hour)
	idleSince := now.Add(-(longIdleThreshold + time.Minute))
	handle := &ProcessHandle{status: StatusRunning}
	b := reaperTestBroker()
	ch := newReaperTestChannel(t, "active", created, idleSince, handle)
	ch.addSubscriber(&Subscriber{ID: "sub", Sink: &fakeSink{open: true}}, now)
	b.channels[ch.Key] = ch

	r := NewReaper(b, discardLogger(), func() time.Time { return now })
	got := r.candidates(now)
	if len(got) != 0 {
		t.Fatalf("expected no candidates while a subscriber is attached, got %v", got)
	}
}

type fakeTicker struct {
	c      chan time.Time
	stopCh chan struct{}
}

func (f *fakeTicker) C() <-chan time.Time { return f.c }
func (f *fakeTicker) Stop()               {}
func (f *fakeTicker) tick(t time.Time)    { f.c <- t }

func TestReaperStartTicksTearDownAndStopIsIdempotent(t *testing.T) {
	bin := writeScript(t, "sleep 30")
	b := testBroker(t, bin)

	old := time.Now().Add(-time.Hour)
	result, err := b.Start(context.Background(), testDescriptor(1, "caller-a"))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	b.mu.Lock()
	ch := b.channels[result.ChannelKey]
	ch.createdAt = old
	ch.lastAccessAt = old
	ch.handle = nil // force dead-producer classification
	b.mu.Unlock()

	var tk *fakeTicker
	factory := func(d time.Duration) reaperTicker {
		tk = &fakeTicker{c: make(chan time.Time, 1), stopCh: make(chan struct{})}
		return tk
	}

	r := NewReaper(b, discardLogger(), time.Now)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.startWithTicker(ctx, factory)

	tk.tick(time.Now())

	deadline := time.Now().Add(3 * time.Second)
	for b.Inspect(result.ChannelKey) != nil && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if snap := b.Inspect(result.ChannelKey); snap != nil {
		t.Fatalf("expected reaper tick to tear down the dead-producer channel, got %+v", snap)
	}

	r.Stop()
	r.Stop() // idempotent
}

package broker

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"
)

func testBroker(t *testing.T, binaryPath string) *Broker {
	t.Helper()
	b := New(Config{
		TranscoderBinaryPath: binaryPath,
		AdvertisedHost:       "127.0.0.1",
		AdvertisedPort:       9000,
		Logger:               discardLogger(),
		StartupProbeDelay:    10 * time.Millisecond,
	})
	t.Cleanup(b.ShutdownAll)
	return b
}

func testDescriptor(channelNo int, sourceID string) SourceDescriptor {
	return SourceDescriptor{
		CallerSourceID: sourceID,
		Host:           fmt.Sprintf("cam-%d.local", channelNo),
		Port:           554,
		ChannelNo:      channelNo,
		StreamType:     StreamMain,
	}
}

func TestBrokerStartReusesExistingChannelForSameFingerprint(t *testing.T) {
	bin := writeScript(t, "sleep 30")
	b := testBroker(t, bin)
	ctx := context.Background()

	desc := testDescriptor(1, "caller-a")
	first, err := b.Start(ctx, desc)
	if err != nil {
		t.Fatalf("first start: %v", err)
	}
	if first.Reused {
		t.Fatalf("expected first start to create a new channel")
	}

	second, err := b.Start(ctx, desc)
	if err != nil {
		t.Fatalf("second start: %v", err)
	}
	if !second.Reused {
		t.Fatalf("expected second start to reuse the existing channel")
	}
	if second.ChannelKey != first.ChannelKey || second.LocalPort != first.LocalPort {
		t.Fatalf("expected identical channel key/port, got %+v vs %+v", first, second)
	}
}

func TestBrokerStartCreatesDistinctChannelsForDifferentDescriptors(t *testing.T) {
	bin := writeScript(t, "sleep 30")
	b := testBroker(t, bin)
	ctx := context.Background()

	a, err := b.Start(ctx, testDescriptor(1, "caller-a"))
	if err != nil {
		t.Fatalf("start a: %v", err)
	}
	c, err := b.Start(ctx, testDescriptor(2, "caller-b"))
	if err != nil {
		t.Fatalf("start b: %v", err)
	}
	if a.ChannelKey == c.ChannelKey {
		t.Fatalf("expected distinct channel keys")
	}
	if a.LocalPort == c.LocalPort {
		t.Fatalf("expected distinct leased ports")
	}
}

func TestBrokerStartRejectsInvalidDescriptor(t *testing.T) {
	bin := writeScript(t, "exit 0")
	b := testBroker(t, bin)
	_, err := b.Start(context.Background(), SourceDescriptor{})
	if err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestBrokerStartIsSerializedPerFingerprint(t *testing.T) {
	bin := writeScript(t, "sleep 30")
	b := testBroker(t, bin)
	desc := testDescriptor(1, "caller-a")

	const n = 8
	results := make([]StartResult, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = b.Start(context.Background(), desc)
		}()
	}
	wg.Wait()

	reusedCount := 0
	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("start %d: %v", i, errs[i])
		}
		if results[i].Reused {
			reusedCount++
		}
	}
	if reusedCount != n-1 {
		t.Fatalf("expected exactly one non-reused start, got %d reused of %d", reusedCount, n)
	}
}

func TestBrokerAttachUnknownChannelReturnsError(t *testing.T) {
	bin := writeScript(t, "exit 0")
	b := testBroker(t, bin)
	_, err := b.Attach("nonexistent", &fakeSink{open: true})
	if err == nil {
		t.Fatalf("expected error for unknown channel")
	}
}

func TestBrokerAttachRejectsTerminalChannel(t *testing.T) {
	bin := writeScript(t, "exit 0") // exits almost immediately
	b := testBroker(t, bin)
	result, err := b.Start(context.Background(), testDescriptor(1, "caller-a"))
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		snap := b.Inspect(result.ChannelKey)
		if snap == nil {
			t.Fatalf("channel disappeared before becoming terminal")
		}
		if snap.Status.Terminal() {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for channel to reach a terminal status, last=%+v", snap)
		}
		time.Sleep(10 * time.Millisecond)
	}

	_, err = b.Attach(result.ChannelKey, &fakeSink{open: true})
	if err == nil {
		t.Fatalf("expected error attaching to a channel whose transcoder already exited")
	}
	assertBrokerErrorCode(t, err, CodeSupervisorExited)
}

func TestBrokerAttachDetachUpdatesSubscriberCount(t *testing.T) {
	bin := writeScript(t, "sleep 30")
	b := testBroker(t, bin)
	result, err := b.Start(context.Background(), testDescriptor(1, "caller-a"))
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	sink := &fakeSink{open: true}
	id, err := b.Attach(result.ChannelKey, sink)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}

	snap := b.Inspect(result.ChannelKey)
	if snap == nil || snap.SubscriberCount != 1 {
		t.Fatalf("expected subscriber count 1, got %+v", snap)
	}

	b.Detach(result.ChannelKey, id)
	snap = b.Inspect(result.ChannelKey)
	if snap == nil || snap.SubscriberCount != 0 {
		t.Fatalf("expected subscriber count 0 after detach, got %+v", snap)
	}
}

func TestBrokerInspectAllReturnsEveryChannel(t *testing.T) {
	bin := writeScript(t, "sleep 30")
	b := testBroker(t, bin)
	if _, err := b.Start(context.Background(), testDescriptor(1, "a")); err != nil {
		t.Fatalf("start a: %v", err)
	}
	if _, err := b.Start(context.Background(), testDescriptor(2, "b")); err != nil {
		t.Fatalf("start b: %v", err)
	}
	snaps := b.InspectAll()
	if len(snaps) != 2 {
		t.Fatalf("expected 2 channels, got %d", len(snaps))
	}
}

func TestBrokerStopIsSafeForUnknownSourceID(t *testing.T) {
	bin := writeScript(t, "exit 0")
	b := testBroker(t, bin)
	b.Stop("") // no-op
	b.Stop("never-registered")
}

func TestBrokerShutdownAllTearsDownChannelsAndClosesSinks(t *testing.T) {
	bin := writeScript(t, "sleep 30")
	b := testBroker(t, bin)
	result, err := b.Start(context.Background(), testDescriptor(1, "caller-a"))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	sink := &fakeSink{open: true}
	if _, err := b.Attach(result.ChannelKey, sink); err != nil {
		t.Fatalf("attach: %v", err)
	}

	b.ShutdownAll()

	if snap := b.Inspect(result.ChannelKey); snap != nil {
		t.Fatalf("expected channel to be torn down, got %+v", snap)
	}
	if sink.open {
		t.Fatalf("expected subscriber sink to be closed on teardown")
	}
	if b.ports.LeasedCount() != 0 {
		t.Fatalf("expected leased port to be released, count=%d", b.ports.LeasedCount())
	}
}

func TestBrokerProducerToSubscriberFanout(t *testing.T) {
	bin := writeScript(t, "sleep 30")
	b := testBroker(t, bin)
	result, err := b.Start(context.Background(), testDescriptor(1, "caller-a"))
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	sink := &fakeSink{open: true}
	if _, err := b.Attach(result.ChannelKey, sink); err != nil {
		t.Fatalf("attach: %v", err)
	}

	conn, err := net.Dial("tcp", "127.0.0.1:"+strconv.Itoa(result.LocalPort))
	if err != nil {
		t.Fatalf("dial producer listener: %v", err)
	}
	defer conn.Close()

	payload := []byte("mpegts-frame-data")
	if _, err := conn.Write(payload); err != nil {
		t.Fatalf("write: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for len(sink.writes) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if len(sink.writes) == 0 {
		t.Fatalf("expected subscriber to receive the producer payload")
	}
	if string(sink.writes[0]) != string(payload) {
		t.Fatalf("got %q, want %q", sink.writes[0], payload)
	}
}

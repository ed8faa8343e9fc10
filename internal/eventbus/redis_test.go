package eventbus

import (
	"testing"
	"time"

	"camflow-broker/internal/broker"
	"camflow-broker/internal/testsupport/redisstub"
)

func TestRedisBusPublishAndSubscribe(t *testing.T) {
	srv, err := redisstub.Start(redisstub.Options{Password: "secret"})
	if err != nil {
		t.Fatalf("start redis stub: %v", err)
	}
	t.Cleanup(func() { _ = srv.Close() })

	bus, err := NewRedisBus(RedisBusConfig{
		Addr:         srv.Addr(),
		Password:     "secret",
		Stream:       "test-channel-events",
		Group:        "test-consumers",
		BlockTimeout: 50 * time.Millisecond,
		Buffer:       4,
	})
	if err != nil {
		t.Fatalf("new redis bus: %v", err)
	}
	t.Cleanup(func() { _ = bus.Close() })

	sub := bus.Subscribe()
	t.Cleanup(sub.Close)

	event := broker.ChannelEvent{
		ChannelKey: "host_554_1_1_0_0",
		Type:       broker.EventCreated,
		Status:     "starting",
		OccurredAt: time.Now().UTC(),
	}
	bus.PublishChannelEvent(event)

	select {
	case got := <-sub.Events():
		if got.ChannelKey != event.ChannelKey || got.Type != event.Type {
			t.Fatalf("unexpected event: %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for published event")
	}
}

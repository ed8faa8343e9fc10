package httpapi

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"camflow-broker/internal/broker"
	"camflow-broker/internal/transport"
)

func TestNewRequiresBroker(t *testing.T) {
	_, err := New(Config{Addr: "127.0.0.1:0"})
	if err == nil {
		t.Fatalf("expected error when broker is nil")
	}
}

func TestNewRequiresAddr(t *testing.T) {
	b := broker.New(broker.Config{TranscoderBinaryPath: writeFakeTranscoder(t)})
	t.Cleanup(b.ShutdownAll)
	_, err := New(Config{Broker: b})
	if err == nil {
		t.Fatalf("expected error when addr is empty")
	}
}

func TestServerEndToEndSubscriberAttach(t *testing.T) {
	b := broker.New(broker.Config{
		TranscoderBinaryPath: writeFakeTranscoder(t),
		AdvertisedHost:       "127.0.0.1",
		AdvertisedPort:       9000,
		StartupProbeDelay:    5 * time.Millisecond,
	})
	t.Cleanup(b.ShutdownAll)

	srv, err := New(Config{Addr: "127.0.0.1:0", Broker: b})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}

	ts := httptest.NewServer(srv.httpServer.Handler)
	defer ts.Close()

	result, err := b.Start(context.Background(), broker.SourceDescriptor{Host: "cam", Port: 554, ChannelNo: 1, StreamType: broker.StreamMain})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	wsURL := "ws://" + strings.TrimPrefix(ts.URL, "http://") + "/v1/streams/" + string(result.ChannelKey)
	conn, err := transport.Dial(context.Background(), wsURL, nil, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(3 * time.Second)
	for b.Inspect(result.ChannelKey).SubscriberCount == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if snap := b.Inspect(result.ChannelKey); snap.SubscriberCount != 1 {
		t.Fatalf("expected 1 attached subscriber, got %+v", snap)
	}
}

func TestServerHealthzEndToEnd(t *testing.T) {
	b := broker.New(broker.Config{TranscoderBinaryPath: writeFakeTranscoder(t)})
	t.Cleanup(b.ShutdownAll)

	srv, err := New(Config{Addr: "127.0.0.1:0", Broker: b})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ts := httptest.NewServer(srv.httpServer.Handler)
	defer ts.Close()

	resp, err := ts.Client().Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get("X-Content-Type-Options"); got != "nosniff" {
		t.Fatalf("expected security headers middleware to set X-Content-Type-Options, got %q", got)
	}
	if resp.Header.Get("X-Request-Id") == "" {
		t.Fatalf("expected request id middleware to set X-Request-Id")
	}
}

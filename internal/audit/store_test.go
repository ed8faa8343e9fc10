package audit

import (
	"context"
	"testing"

	"camflow-broker/internal/broker"
)

func TestOpenRequiresDSN(t *testing.T) {
	if _, err := Open(""); err == nil {
		t.Fatalf("expected error for empty dsn")
	}
}

func TestOpenRejectsMalformedDSN(t *testing.T) {
	if _, err := Open("not a valid dsn \x00"); err == nil {
		t.Fatalf("expected error for malformed dsn")
	}
}

func TestDedupHashIsStableAndFixedWidth(t *testing.T) {
	a, err := dedupHash("host_554_1_1_0_0")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(a) != 16 {
		t.Fatalf("expected a 16-byte digest, got %d bytes", len(a))
	}

	b, err := dedupHash("host_554_1_1_0_0")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(a) != string(b) {
		t.Fatalf("expected identical keys to hash identically")
	}

	c, err := dedupHash("different_554_1_1_0_0")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(a) == string(c) {
		t.Fatalf("expected different keys to hash differently")
	}
}

func TestNilStoreIsSafeToUse(t *testing.T) {
	var s *Store
	s.PublishChannelEvent(broker.ChannelEvent{ChannelKey: "k", Type: broker.EventCreated}) // must not panic
	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("expected nil store Close to be a no-op, got %v", err)
	}
}

func TestStoreWithNilPoolIsSafeToPublish(t *testing.T) {
	s := &Store{}
	s.PublishChannelEvent(broker.ChannelEvent{ChannelKey: "k", Type: broker.EventCreated}) // must not panic
}

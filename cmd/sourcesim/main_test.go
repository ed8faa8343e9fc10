package main

import (
	"testing"
	"time"
)

func TestDestinationArgFindsLastTCPArgument(t *testing.T) {
	args := []string{"-rtsp_transport", "tcp", "-i", "rtsp://cam/1", "-f", "mpegts", "tcp://127.0.0.1:12345"}
	got := destinationArg(args)
	want := "tcp://127.0.0.1:12345"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestDestinationArgReturnsEmptyWhenAbsent(t *testing.T) {
	if got := destinationArg([]string{"-i", "rtsp://cam/1"}); got != "" {
		t.Fatalf("expected empty string, got %q", got)
	}
}

func TestSyntheticPacketHasSyncByteAndFixedSize(t *testing.T) {
	packet := syntheticPacket(0)
	if len(packet) != mpegtsPacketSize {
		t.Fatalf("expected packet size %d, got %d", mpegtsPacketSize, len(packet))
	}
	if packet[0] != mpegtsSyncByte {
		t.Fatalf("expected sync byte 0x%x, got 0x%x", mpegtsSyncByte, packet[0])
	}
}

func TestSyntheticPacketEncodesContinuityCounter(t *testing.T) {
	p0 := syntheticPacket(0)
	p1 := syntheticPacket(1)
	p16 := syntheticPacket(16) // wraps to the same low nibble as 0

	if p0[3]&0x0F != 0 {
		t.Fatalf("expected continuity counter 0, got %d", p0[3]&0x0F)
	}
	if p1[3]&0x0F != 1 {
		t.Fatalf("expected continuity counter 1, got %d", p1[3]&0x0F)
	}
	if p16[3]&0x0F != p0[3]&0x0F {
		t.Fatalf("expected continuity counter to wrap every 16 packets")
	}
}

func TestEnvDurationParsesGoDurationString(t *testing.T) {
	t.Setenv("CAMFLOW_SOURCESIM_TEST_DURATION", "250ms")
	got := envDuration("CAMFLOW_SOURCESIM_TEST_DURATION", time.Second)
	if got != 250*time.Millisecond {
		t.Fatalf("got %v, want 250ms", got)
	}
}

func TestEnvDurationParsesBareSeconds(t *testing.T) {
	t.Setenv("CAMFLOW_SOURCESIM_TEST_DURATION", "1.5")
	got := envDuration("CAMFLOW_SOURCESIM_TEST_DURATION", time.Second)
	if got != 1500*time.Millisecond {
		t.Fatalf("got %v, want 1.5s", got)
	}
}

func TestEnvDurationFallsBackWhenUnset(t *testing.T) {
	got := envDuration("CAMFLOW_SOURCESIM_UNSET_VAR", 42*time.Second)
	if got != 42*time.Second {
		t.Fatalf("got %v, want 42s", got)
	}
}

func TestEnvDurationFallsBackOnGarbage(t *testing.T) {
	t.Setenv("CAMFLOW_SOURCESIM_TEST_DURATION", "not-a-duration")
	got := envDuration("CAMFLOW_SOURCESIM_TEST_DURATION", 7*time.Second)
	if got != 7*time.Second {
		t.Fatalf("got %v, want 7s", got)
	}
}

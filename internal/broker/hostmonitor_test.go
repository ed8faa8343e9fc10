package broker

import (
	"testing"
	"time"
)

func TestHostMonitorSamplesImmediatelyOnStart(t *testing.T) {
	m := NewHostMonitor(discardLogger(), time.Hour) // long interval: only the initial sample matters
	m.Start()
	defer m.Stop()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if !m.Stats().SampledAt.IsZero() {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	stats := m.Stats()
	if stats.SampledAt.IsZero() {
		t.Fatalf("expected an initial sample to be taken on Start")
	}
	if stats.CPUPercent < 0 || stats.MemoryPercent < 0 {
		t.Fatalf("expected non-negative sample values, got %+v", stats)
	}
}

func TestHostMonitorStopIsIdempotentAndHalts(t *testing.T) {
	m := NewHostMonitor(discardLogger(), 20*time.Millisecond)
	m.Start()

	time.Sleep(50 * time.Millisecond)
	m.Stop()
	first := m.Stats()

	time.Sleep(100 * time.Millisecond)
	second := m.Stats()
	if !first.SampledAt.Equal(second.SampledAt) {
		t.Fatalf("expected sampling to halt after Stop, got %v then %v", first.SampledAt, second.SampledAt)
	}

	m.Stop() // idempotent, must not block or panic
}

func TestHostMonitorDefaultsIntervalWhenNonPositive(t *testing.T) {
	m := NewHostMonitor(nil, 0)
	if m.interval != 15*time.Second {
		t.Fatalf("expected default interval of 15s, got %v", m.interval)
	}
	if m.logger == nil {
		t.Fatalf("expected a default logger to be assigned")
	}
}

package broker

import (
	"log/slog"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// HostStats is a point-in-time snapshot of the host's resource pressure,
// sampled alongside the per-channel registry so operators can tell a
// channel's own transcoder exit apart from host-wide exhaustion.
type HostStats struct {
	CPUPercent    float64
	MemoryPercent float64
	SampledAt     time.Time
}

// HostMonitor periodically samples host CPU and memory utilization. It never
// blocks Start/Stop/Attach/Detach; a failed sample just leaves the previous
// value in place.
type HostMonitor struct {
	logger   *slog.Logger
	interval time.Duration

	mu    sync.RWMutex
	stats HostStats

	stopOnce sync.Once
	done     chan struct{}
	stopped  chan struct{}
}

// NewHostMonitor constructs a HostMonitor that samples every interval
// (defaulting to 15s).
func NewHostMonitor(logger *slog.Logger, interval time.Duration) *HostMonitor {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &HostMonitor{
		logger:   logger,
		interval: interval,
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

// Start begins periodic sampling in a background goroutine.
func (m *HostMonitor) Start() {
	go m.run()
}

// Stop halts sampling and waits for the background goroutine to exit.
func (m *HostMonitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.done)
		<-m.stopped
	})
}

// Stats returns the most recently collected sample.
func (m *HostMonitor) Stats() HostStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats
}

func (m *HostMonitor) run() {
	defer close(m.stopped)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.sample()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.sample()
		}
	}
}

func (m *HostMonitor) sample() {
	prev := m.Stats()
	cpuPercent := prev.CPUPercent
	if percentages, err := cpu.Percent(0, false); err == nil && len(percentages) > 0 {
		cpuPercent = percentages[0]
	} else if err != nil {
		m.logger.Warn("cpu sample failed", "error", err)
	}

	memPercent := prev.MemoryPercent
	if vmStat, err := mem.VirtualMemory(); err == nil {
		memPercent = vmStat.UsedPercent
	} else {
		m.logger.Warn("memory sample failed", "error", err)
	}

	m.mu.Lock()
	m.stats = HostStats{CPUPercent: cpuPercent, MemoryPercent: memPercent, SampledAt: time.Now()}
	m.mu.Unlock()
}

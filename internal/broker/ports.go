package broker

import (
	"context"
	"sync"

	gopsnet "github.com/shirou/gopsutil/v3/net"
)

const (
	portRangeStart = 10000
	portRangeEnd   = 50000
)

// hostPortProbe reports which TCP ports are already bound on the host,
// independent of this process's own bookkeeping.
type hostPortProbe interface {
	BoundPorts(ctx context.Context) (map[int]struct{}, error)
}

// gopsutilPortProbe queries the OS connection table via gopsutil so the
// allocator never hands out a port some unrelated process already owns.
type gopsutilPortProbe struct{}

func (gopsutilPortProbe) BoundPorts(ctx context.Context) (map[int]struct{}, error) {
	conns, err := gopsnet.ConnectionsWithContext(ctx, "tcp")
	if err != nil {
		return nil, err
	}
	bound := make(map[int]struct{}, len(conns))
	for _, c := range conns {
		if c.Laddr.Port > 0 {
			bound[int(c.Laddr.Port)] = struct{}{}
		}
	}
	return bound, nil
}

// PortAllocator leases loopback TCP port numbers from the half-open range
// [10000, 50000), cross-checking the OS's active-listener table so it never
// collides with a port some unrelated process already has open.
type PortAllocator struct {
	mu     sync.Mutex
	leased map[int]struct{}
	probe  hostPortProbe
}

// NewPortAllocator constructs an allocator using the real OS connection
// table for collision checks.
func NewPortAllocator() *PortAllocator {
	return newPortAllocatorWithProbe(gopsutilPortProbe{})
}

func newPortAllocatorWithProbe(probe hostPortProbe) *PortAllocator {
	return &PortAllocator{
		leased: make(map[int]struct{}),
		probe:  probe,
	}
}

// Lease scans ascending from 10000 for the first port that is neither
// already leased by this allocator nor bound anywhere on the host, marks it
// leased, and returns it.
func (p *PortAllocator) Lease(ctx context.Context) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	bound, err := p.probe.BoundPorts(ctx)
	if err != nil {
		return 0, newError(CodeInternal, "query host listener table", err)
	}

	for port := portRangeStart; port < portRangeEnd; port++ {
		if _, taken := p.leased[port]; taken {
			continue
		}
		if _, inUse := bound[port]; inUse {
			continue
		}
		p.leased[port] = struct{}{}
		return port, nil
	}
	return 0, ErrNoPortAvailable
}

// Release returns a port to the pool. Idempotent.
func (p *PortAllocator) Release(port int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.leased, port)
}

// LeasedCount reports the number of currently leased ports, for tests and
// diagnostics.
func (p *PortAllocator) LeasedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.leased)
}

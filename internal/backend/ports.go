package backend

import "sync/atomic"

// PortAllocator hands out strictly increasing loopback ports for region
// instances. Ports are never reused within a process lifetime.
type PortAllocator struct {
	next atomic.Int64
}

// NewPortAllocator starts at base, or just above reserved (the default
// instance's port) when base would not be greater than it.
func NewPortAllocator(base, reserved int) *PortAllocator {
	start := base
	if start <= reserved {
		start = reserved + 1
	}

	p := &PortAllocator{}
	p.next.Store(int64(start) - 1)

	return p
}

// Allocate returns the next port.
func (p *PortAllocator) Allocate() int {
	return int(p.next.Add(1))
}

package region

import (
	"runtime"
	"sync/atomic"
)

// Pin keeps a chained region alive past ordinary reclamation. It is released
// once; Transfer hands ownership to a new Pin and empties the old one.
type Pin struct {
	c atomic.Pointer[Chain]
}

// Pin issues a pin on the region. It fails if the region was already
// released or the reclaimer is retiring it.
func (c *Chain) Pin() (*Pin, error) {
	c.pins.Add(1)
	for c.retiring.Load() && !c.released.Load() {
		runtime.Gosched()
	}
	if c.released.Load() {
		c.pins.Add(-1)
		return nil, ErrReleased
	}
	p := &Pin{}
	p.c.Store(c)
	return p, nil
}

// Region returns the pinned region, or nil once the pin was released or
// transferred.
func (p *Pin) Region() Chained {
	if c := p.c.Load(); c != nil {
		return c.self
	}
	return nil
}

// Transfer moves the pin into a new handle. The receiver becomes empty.
func (p *Pin) Transfer() *Pin {
	out := &Pin{}
	out.c.Store(p.c.Swap(nil))
	return out
}

// Release drops the pin. Calling it again, or on an emptied pin, is a no-op.
func (p *Pin) Release() {
	if c := p.c.Swap(nil); c != nil {
		c.pins.Add(-1)
	}
}

package dma

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/neurogrid/zerocopy/pkg/region"
)

var ErrUnknownRegistration = errors.New("unknown dma registration")

// Key identifies a registration within a Domain.
type Key uint64

// Domain is the table remote writes are resolved against. It stands in for
// the IOMMU or RDMA protection domain: local regions and peer memory are
// registered under keys, and a write names its target by key only.
type Domain struct {
	mu      sync.RWMutex
	next    Key
	entries map[Key]registration
}

type registration struct {
	region *Region
	peer   []byte
}

// NewDomain returns an empty domain.
func NewDomain() *Domain {
	return &Domain{entries: make(map[Key]registration)}
}

// Register adds a DMA region.
func (d *Domain) Register(r *Region) Key {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.next++
	d.entries[d.next] = registration{region: r}
	return d.next
}

// RegisterPeer adds memory owned outside the pool.
func (d *Domain) RegisterPeer(mem []byte) (Key, error) {
	if len(mem) == 0 {
		return 0, region.ErrInvalidSize
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.next++
	d.entries[d.next] = registration{peer: mem}
	return d.next, nil
}

// Deregister removes a registration. It returns once no write into it is in
// flight.
func (d *Domain) Deregister(k Key) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.entries[k]; !ok {
		return errors.Wrapf(ErrUnknownRegistration, "key %d", k)
	}
	delete(d.entries, k)
	return nil
}

// Len returns the number of registrations.
func (d *Domain) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.entries)
}

// Write copies src into the registration k at offset.
func (d *Domain) Write(k Key, offset uint64, src []byte) error {
	return d.write(k, offset, src, nil)
}

// write resolves k and copies src. held is a region whose lock the caller
// already holds.
func (d *Domain) write(k Key, offset uint64, src []byte, held *Region) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	e, ok := d.entries[k]
	if !ok {
		return errors.Wrapf(ErrUnknownRegistration, "key %d", k)
	}
	dst := e.peer
	if e.region != nil {
		if e.region != held {
			e.region.mu.RLock()
			defer e.region.mu.RUnlock()
		}
		dst = e.region.data
		if dst == nil {
			return region.ErrReleased
		}
	}
	if offset > uint64(len(dst)) || uint64(len(src)) > uint64(len(dst))-offset {
		return region.ErrBadRange
	}
	copy(dst[offset:], src)
	return nil
}

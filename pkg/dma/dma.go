// Package dma implements DMA-capable regions: page-aligned memory locked
// into RAM and registered with a Domain so peers can target it by key.
package dma

import (
	"sync"
	"unsafe"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/neurogrid/zerocopy/pkg/heap"
	"github.com/neurogrid/zerocopy/pkg/region"
)

// DefaultAlignment is the page size assumed when Options.Alignment is zero.
const DefaultAlignment = 4096

// Options configure New.
type Options struct {
	// Alignment of the first byte; a power of two. Mappings are always page
	// aligned, so values up to the page size cost nothing.
	Alignment uintptr
	// Domain registers the region for remote writes. Nil uses a private
	// domain.
	Domain *Domain
	Logger log.Logger
}

// Region is a chained region suitable for device DMA. When the platform
// refuses to map or lock the memory it falls back to heap memory and
// DMACapable reports false.
type Region struct {
	chain  region.Chain
	opts   Options
	domain *Domain

	mu     sync.RWMutex
	mem    []byte // whole mapping, nil on fallback
	data   []byte
	locked bool
	key    Key
}

// New allocates size bytes of DMA-capable memory.
func New(size uint64, opts Options) (*Region, error) {
	if size == 0 || size > uint64(maxInt)-uint64(DefaultAlignment) {
		return nil, region.ErrInvalidSize
	}
	if opts.Alignment == 0 {
		opts.Alignment = DefaultAlignment
	}
	if opts.Alignment&(opts.Alignment-1) != 0 {
		return nil, errors.Errorf("dma alignment %d is not a power of two", opts.Alignment)
	}
	if opts.Domain == nil {
		opts.Domain = NewDomain()
	}
	if opts.Logger == nil {
		opts.Logger = log.NewNopLogger()
	}

	r := &Region{opts: opts, domain: opts.Domain}
	if err := r.mapLocked(size); err != nil {
		level.Debug(opts.Logger).Log("msg", "dma mapping unavailable, using heap", "size", size, "err", err)
		buf, herr := heap.Aligned(size, opts.Alignment)
		if herr != nil {
			return nil, herr
		}
		r.data = buf
	}
	r.chain.Init(r, size)
	r.key = r.domain.Register(r)
	return r, nil
}

const maxInt = int(^uint(0) >> 1)

// mapLocked maps anonymous memory padded to the alignment and locks it.
func (r *Region) mapLocked(size uint64) error {
	align := r.opts.Alignment
	page := uintptr(unix.Getpagesize())
	pad := uintptr(0)
	if align > page {
		pad = align
	}
	mem, err := unix.Mmap(-1, 0, int(size)+int(pad), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return err
	}
	shift := uintptr(0)
	if rem := uintptr(unsafe.Pointer(&mem[0])) & (align - 1); rem != 0 {
		shift = align - rem
	}
	data := mem[shift : shift+uintptr(size) : shift+uintptr(size)]
	if err := unix.Mlock(data); err != nil {
		unix.Munmap(mem)
		return err
	}
	r.mem, r.data, r.locked = mem, data, true
	return nil
}

func (r *Region) Chain() *region.Chain { return &r.chain }

func (r *Region) Spawn(size uint64) (region.Chained, error) {
	return New(size, r.opts)
}

// DMACapable reports whether the memory is page-locked. False means the
// region fell back to heap memory.
func (r *Region) DMACapable() bool { return r.locked }

// Key identifies the region within its domain.
func (r *Region) Key() Key { return r.key }

// Domain returns the registration domain of the region.
func (r *Region) Domain() *Domain { return r.domain }

// Addr returns the address of the first byte, for handing to a device.
func (r *Region) Addr() uintptr {
	if b := r.Bytes(); len(b) > 0 {
		return uintptr(unsafe.Pointer(&b[0]))
	}
	return 0
}

func (r *Region) Kind() region.Kind { return region.DMA }

func (r *Region) Size() uint64 { return r.chain.Capacity() }

func (r *Region) Bytes() []byte {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.data
}

func (r *Region) View(offset, length uint64) (region.View, error) {
	if r.chain.Released() {
		return region.View{}, region.ErrReleased
	}
	return region.Bound(r, offset, length)
}

func (r *Region) Fill(b byte) error {
	data := r.Bytes()
	if data == nil {
		return region.ErrReleased
	}
	region.Memset(data, b)
	return nil
}

// RegisterPeer records a peer's memory in the region's domain and returns
// its key. The bytes must stay valid until DeregisterPeer.
func (r *Region) RegisterPeer(mem []byte) (Key, error) {
	if r.chain.Released() {
		return 0, region.ErrReleased
	}
	return r.domain.RegisterPeer(mem)
}

// DeregisterPeer forgets a peer registration.
func (r *Region) DeregisterPeer(k Key) error {
	return r.domain.Deregister(k)
}

// RDMAWrite copies [offset, offset+length) of r into the registration
// identified by remote at remoteOffset.
func (r *Region) RDMAWrite(offset, length uint64, remote Key, remoteOffset uint64) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.data == nil {
		return region.ErrReleased
	}
	if offset > uint64(len(r.data)) || length > uint64(len(r.data))-offset {
		return region.ErrBadRange
	}
	return r.domain.write(remote, remoteOffset, r.data[offset:offset+length], r)
}

// Release deregisters, unlocks and unmaps the region.
func (r *Region) Release() error {
	if !r.chain.MarkReleased() {
		return nil
	}
	// Deregistering waits for in-flight writes into this region.
	_ = r.domain.Deregister(r.key)

	r.mu.Lock()
	defer r.mu.Unlock()

	var err error
	if r.mem != nil {
		if r.locked {
			err = unix.Munlock(r.data)
		}
		if merr := unix.Munmap(r.mem); merr != nil && err == nil {
			err = merr
		}
	}
	r.mem, r.data = nil, nil
	return errors.Wrap(err, "release dma region")
}

func (r *Region) Local() bool      { return true }
func (r *Region) FileBacked() bool { return false }
func (r *Region) Shared() bool     { return false }

package gpu

import (
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/neurogrid/zerocopy/pkg/heap"
	"github.com/neurogrid/zerocopy/pkg/region"
)

// HostDriver emulates a GPU in host memory. Device-local buffers are ordinary
// Go memory that is only reachable through Upload and Download, so code
// written against it behaves as it would against a discrete device.
type HostDriver struct {
	closed atomic.Bool
}

// NewHostDriver returns the host-emulated driver.
func NewHostDriver() *HostDriver {
	return &HostDriver{}
}

func (d *HostDriver) Name() string { return "host" }

func (d *HostDriver) Device() int { return 0 }

func (d *HostDriver) Alloc(size uint64, unified bool) (Buffer, error) {
	if d.closed.Load() {
		return nil, ErrDriverClosed
	}
	mem, err := heap.Aligned(size, heap.Alignment)
	if err != nil {
		return nil, err
	}
	return &hostBuffer{driver: d, mem: mem, unified: unified}, nil
}

func (d *HostDriver) Close() error {
	d.closed.Store(true)
	return nil
}

type hostBuffer struct {
	driver  *HostDriver
	unified bool

	mu  sync.RWMutex
	mem []byte
}

func (b *hostBuffer) Host() []byte {
	if !b.unified {
		return nil
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.mem
}

func (b *hostBuffer) Handle() uintptr {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.mem) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b.mem[0]))
}

func (b *hostBuffer) Size() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return uint64(len(b.mem))
}

func (b *hostBuffer) span(off, n uint64) ([]byte, error) {
	if b.mem == nil {
		return nil, region.ErrReleased
	}
	if off > uint64(len(b.mem)) || n > uint64(len(b.mem))-off {
		return nil, region.ErrBadRange
	}
	return b.mem[off : off+n], nil
}

func (b *hostBuffer) Upload(dst uint64, src []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, err := b.span(dst, uint64(len(src)))
	if err != nil {
		return err
	}
	copy(s, src)
	return nil
}

func (b *hostBuffer) Download(dst []byte, src uint64) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, err := b.span(src, uint64(len(dst)))
	if err != nil {
		return err
	}
	copy(dst, s)
	return nil
}

func (b *hostBuffer) CopyFrom(dstOff uint64, src Buffer, srcOff, n uint64) error {
	from, ok := src.(*hostBuffer)
	if !ok || from.driver != b.driver {
		return ErrForeignBuffer
	}
	if from != b {
		from.mu.RLock()
		defer from.mu.RUnlock()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	s, err := from.span(srcOff, n)
	if err != nil {
		return err
	}
	d, err := b.span(dstOff, n)
	if err != nil {
		return err
	}
	copy(d, s)
	return nil
}

func (b *hostBuffer) Memset(v byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.mem == nil {
		return region.ErrReleased
	}
	region.Memset(b.mem, v)
	return nil
}

func (b *hostBuffer) Sync() error { return nil }

func (b *hostBuffer) Free() error {
	b.mu.Lock()
	b.mem = nil
	b.mu.Unlock()
	return nil
}

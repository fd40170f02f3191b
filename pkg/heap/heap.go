// Package heap provides the plain memory region class.
package heap

import (
	"sync"
	"unsafe"

	"github.com/neurogrid/zerocopy/pkg/region"
)

// Alignment is the minimum alignment of a heap region's first byte.
const Alignment = 64

// Region is a chained region backed by Go heap memory.
type Region struct {
	chain region.Chain

	mu   sync.RWMutex
	buf  []byte
	kind region.Kind
}

// New allocates a zeroed heap region of size bytes.
func New(size uint64) (*Region, error) {
	return NewKind(size, region.Heap)
}

// NewKind allocates a heap region reporting kind. Classes that fall back to
// host memory use it to keep their tag.
func NewKind(size uint64, kind region.Kind) (*Region, error) {
	buf, err := Aligned(size, Alignment)
	if err != nil {
		return nil, err
	}
	r := &Region{buf: buf, kind: kind}
	r.chain.Init(r, size)
	return r, nil
}

// Aligned returns a zeroed slice of size bytes whose first byte is aligned to
// align, which must be a power of two.
func Aligned(size uint64, align uintptr) (b []byte, err error) {
	if size == 0 || size > uint64(maxInt)-uint64(align) {
		return nil, region.ErrInvalidSize
	}
	defer func() {
		// make panics with a runtime error when the allocation is refused.
		if recover() != nil {
			b, err = nil, region.ErrOutOfMemory
		}
	}()
	raw := make([]byte, int(size)+int(align))
	shift := 0
	if rem := uintptr(unsafe.Pointer(&raw[0])) & (align - 1); rem != 0 {
		shift = int(align - rem)
	}
	return raw[shift : shift+int(size) : shift+int(size)], nil
}

const maxInt = int(^uint(0) >> 1)

func (r *Region) Chain() *region.Chain { return &r.chain }

func (r *Region) Spawn(size uint64) (region.Chained, error) {
	return NewKind(size, r.kind)
}

func (r *Region) Kind() region.Kind { return r.kind }

func (r *Region) Size() uint64 { return r.chain.Capacity() }

func (r *Region) Bytes() []byte {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.buf
}

func (r *Region) View(offset, length uint64) (region.View, error) {
	if r.chain.Released() {
		return region.View{}, region.ErrReleased
	}
	return region.Bound(r, offset, length)
}

func (r *Region) Fill(b byte) error {
	buf := r.Bytes()
	if buf == nil {
		return region.ErrReleased
	}
	region.Memset(buf, b)
	return nil
}

// Release drops the backing slice. The garbage collector frees it once no
// view still references it.
func (r *Region) Release() error {
	if !r.chain.MarkReleased() {
		return nil
	}
	r.mu.Lock()
	r.buf = nil
	r.mu.Unlock()
	return nil
}

func (r *Region) Local() bool      { return true }
func (r *Region) FileBacked() bool { return false }
func (r *Region) Shared() bool     { return false }

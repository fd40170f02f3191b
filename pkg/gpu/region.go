package gpu

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/neurogrid/zerocopy/pkg/region"
)

// DefaultStagingSize bounds the host memory used to map device-local regions.
const DefaultStagingSize = 256 << 20

var staging = sync.OnceValue(func() *StagingPool {
	return NewStagingPool(DefaultStagingSize)
})

// Region is a chained region living in GPU memory.
type Region struct {
	chain  region.Chain
	driver Driver
	kind   region.Kind

	mu     sync.RWMutex
	buf    Buffer
	staged []byte
}

// New allocates a GPU region of the given kind on d.
//
// GPUUnified and GPUDeviceLocal work on every driver; with the host driver
// unified memory is plain host memory (Fallback reports it) and device-local
// memory is emulated. GPUVendorA needs the CUDA driver. GPUVendorB has no
// backend in this build.
func New(d Driver, size uint64, kind region.Kind) (*Region, error) {
	if size == 0 {
		return nil, region.ErrInvalidSize
	}

	var unified bool
	switch kind {
	case region.GPUUnified:
		unified = true
	case region.GPUDeviceLocal:
	case region.GPUVendorA:
		if d.Name() != "cuda" {
			return nil, errors.Wrapf(region.ErrUnsupported, "%s needs the cuda driver, have %s", kind, d.Name())
		}
	default:
		return nil, errors.Wrapf(region.ErrUnsupported, "%s on %s driver", kind, d.Name())
	}

	buf, err := d.Alloc(size, unified)
	if err != nil {
		return nil, errors.Wrapf(err, "alloc %d bytes on %s device %d", size, d.Name(), d.Device())
	}
	r := &Region{driver: d, kind: kind, buf: buf}
	r.chain.Init(r, size)
	return r, nil
}

func (r *Region) Chain() *region.Chain { return &r.chain }

func (r *Region) Spawn(size uint64) (region.Chained, error) {
	return New(r.driver, size, r.kind)
}

func (r *Region) Kind() region.Kind { return r.kind }

func (r *Region) Size() uint64 { return r.chain.Capacity() }

// Fallback reports whether a unified region is served from host memory
// because no GPU driver is available.
func (r *Region) Fallback() bool {
	return r.kind == region.GPUUnified && r.driver.Name() == "host"
}

func (r *Region) buffer() (Buffer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.buf == nil {
		return nil, region.ErrReleased
	}
	return r.buf, nil
}

func (r *Region) Bytes() []byte {
	b, err := r.buffer()
	if err != nil {
		return nil
	}
	return b.Host()
}

func (r *Region) View(offset, length uint64) (region.View, error) {
	if r.chain.Released() {
		return region.View{}, region.ErrReleased
	}
	return region.Bound(r, offset, length)
}

// Fill runs a device-side memset.
func (r *Region) Fill(v byte) error {
	b, err := r.buffer()
	if err != nil {
		return err
	}
	return b.Memset(v)
}

// Map returns host-accessible bytes for the region. Unified memory is
// returned directly; device-local memory is downloaded into a staging buffer
// that Unmap writes back.
func (r *Region) Map() ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.buf == nil {
		return nil, region.ErrReleased
	}
	if h := r.buf.Host(); h != nil {
		return h, nil
	}
	if r.staged != nil {
		return r.staged, nil
	}
	s, err := staging().Get(int(r.buf.Size()))
	if err != nil {
		return nil, err
	}
	if err := r.buf.Download(s, 0); err != nil {
		staging().Put(s)
		return nil, err
	}
	r.staged = s
	return s, nil
}

// Unmap writes a staged mapping back to the device. It is a no-op for
// unified memory.
func (r *Region) Unmap() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.buf == nil {
		return region.ErrReleased
	}
	if r.buf.Host() != nil {
		return nil
	}
	if r.staged == nil {
		return ErrNotMapped
	}
	err := r.buf.Upload(0, r.staged)
	staging().Put(r.staged)
	r.staged = nil
	return err
}

// Upload copies src to the device at offset.
func (r *Region) Upload(offset uint64, src []byte) error {
	b, err := r.buffer()
	if err != nil {
		return err
	}
	return b.Upload(offset, src)
}

// Download copies len(dst) bytes starting at offset from the device.
func (r *Region) Download(dst []byte, offset uint64) error {
	b, err := r.buffer()
	if err != nil {
		return err
	}
	return b.Download(dst, offset)
}

// CopyFrom copies n bytes of src at srcOff into r at dstOff without going
// through the host. Both regions must use the same driver.
func (r *Region) CopyFrom(dstOff uint64, src *Region, srcOff, n uint64) error {
	if src.driver != r.driver {
		return ErrForeignBuffer
	}
	s, err := src.buffer()
	if err != nil {
		return err
	}
	d, err := r.buffer()
	if err != nil {
		return err
	}
	return d.CopyFrom(dstOff, s, srcOff, n)
}

// Synchronize blocks until queued device work on the region completes.
func (r *Region) Synchronize() error {
	b, err := r.buffer()
	if err != nil {
		return err
	}
	return b.Sync()
}

// NativeHandle returns the device pointer for handing the region to a driver
// API.
func (r *Region) NativeHandle() uintptr {
	b, err := r.buffer()
	if err != nil {
		return 0
	}
	return b.Handle()
}

func (r *Region) Release() error {
	if !r.chain.MarkReleased() {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.staged != nil {
		staging().Put(r.staged)
		r.staged = nil
	}
	err := r.buf.Free()
	r.buf = nil
	return err
}

// Local reports whether the CPU can address the region, which holds only for
// unified memory.
func (r *Region) Local() bool { return r.kind == region.GPUUnified }

func (r *Region) FileBacked() bool { return false }
func (r *Region) Shared() bool     { return false }

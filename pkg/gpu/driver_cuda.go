//go:build cuda
// +build cuda

package gpu

import (
	"runtime"
	"sync"
	"unsafe"

	"github.com/neurogrid/zerocopy/gpu/bindings"
	"github.com/neurogrid/zerocopy/pkg/region"
)

// CUDADriver allocates buffers with the CUDA runtime. All work goes through a
// single stream serialized by mu.
type CUDADriver struct {
	device int
	stream bindings.Stream
	mu     sync.Mutex
	closed bool
}

// NewCUDADriver selects device and creates the stream used for copies.
func NewCUDADriver(device int) (*CUDADriver, error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if err := bindings.SetDevice(device); err != nil {
		return nil, err
	}
	stream, err := bindings.CreateStream()
	if err != nil {
		return nil, err
	}
	return &CUDADriver{device: device, stream: stream}, nil
}

func (d *CUDADriver) Name() string { return "cuda" }

func (d *CUDADriver) Device() int { return d.device }

func (d *CUDADriver) Alloc(size uint64, unified bool) (Buffer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, ErrDriverClosed
	}
	if err := bindings.SetDevice(d.device); err != nil {
		return nil, err
	}

	var (
		ptr unsafe.Pointer
		err error
	)
	if unified {
		ptr, err = bindings.AllocManaged(int(size))
	} else {
		ptr, err = bindings.AllocDevice(int(size))
	}
	if err != nil {
		if bindings.IsOutOfMemory(err) {
			return nil, region.ErrOutOfMemory
		}
		return nil, err
	}
	return &cudaBuffer{driver: d, ptr: ptr, size: size, unified: unified}, nil
}

// MemInfo returns total and free memory of the driver's device.
func (d *CUDADriver) MemInfo() (totalMem, freeMem int64, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := bindings.SetDevice(d.device); err != nil {
		return 0, 0, err
	}
	return bindings.GetDeviceMemInfo()
}

func (d *CUDADriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true
	return bindings.DestroyStream(d.stream)
}

type cudaBuffer struct {
	driver  *CUDADriver
	ptr     unsafe.Pointer
	size    uint64
	unified bool
}

func (b *cudaBuffer) Host() []byte {
	if !b.unified || b.ptr == nil {
		return nil
	}
	return unsafe.Slice((*byte)(b.ptr), b.size)
}

func (b *cudaBuffer) Handle() uintptr { return uintptr(b.ptr) }

func (b *cudaBuffer) Size() uint64 { return b.size }

func (b *cudaBuffer) at(off, n uint64) (unsafe.Pointer, error) {
	if b.ptr == nil {
		return nil, region.ErrReleased
	}
	if off > b.size || n > b.size-off {
		return nil, region.ErrBadRange
	}
	return unsafe.Add(b.ptr, off), nil
}

func (b *cudaBuffer) Upload(dst uint64, src []byte) error {
	if len(src) == 0 {
		return nil
	}
	b.driver.mu.Lock()
	defer b.driver.mu.Unlock()

	p, err := b.at(dst, uint64(len(src)))
	if err != nil {
		return err
	}
	if err := bindings.CopyToDevice(p, unsafe.Pointer(&src[0]), len(src), b.driver.stream); err != nil {
		return err
	}
	// src is Go memory; the copy must finish before it can move.
	return bindings.SyncStream(b.driver.stream)
}

func (b *cudaBuffer) Download(dst []byte, src uint64) error {
	if len(dst) == 0 {
		return nil
	}
	b.driver.mu.Lock()
	defer b.driver.mu.Unlock()

	p, err := b.at(src, uint64(len(dst)))
	if err != nil {
		return err
	}
	if err := bindings.CopyToHost(unsafe.Pointer(&dst[0]), p, len(dst), b.driver.stream); err != nil {
		return err
	}
	return bindings.SyncStream(b.driver.stream)
}

func (b *cudaBuffer) CopyFrom(dstOff uint64, src Buffer, srcOff, n uint64) error {
	from, ok := src.(*cudaBuffer)
	if !ok || from.driver != b.driver {
		return ErrForeignBuffer
	}
	b.driver.mu.Lock()
	defer b.driver.mu.Unlock()

	s, err := from.at(srcOff, n)
	if err != nil {
		return err
	}
	d, err := b.at(dstOff, n)
	if err != nil {
		return err
	}
	return bindings.CopyDevice(d, s, int(n), b.driver.stream)
}

func (b *cudaBuffer) Memset(v byte) error {
	b.driver.mu.Lock()
	defer b.driver.mu.Unlock()

	p, err := b.at(0, b.size)
	if err != nil {
		return err
	}
	return bindings.Memset(p, v, int(b.size), b.driver.stream)
}

func (b *cudaBuffer) Sync() error {
	b.driver.mu.Lock()
	defer b.driver.mu.Unlock()
	return bindings.SyncStream(b.driver.stream)
}

func (b *cudaBuffer) Free() error {
	b.driver.mu.Lock()
	defer b.driver.mu.Unlock()

	if b.ptr == nil {
		return nil
	}
	if err := bindings.SyncStream(b.driver.stream); err != nil {
		return err
	}
	err := bindings.FreeDevice(b.ptr)
	b.ptr = nil
	return err
}

//go:build cuda
// +build cuda

package gpu

import (
	"sync"
	"unsafe"

	"github.com/neurogrid/zerocopy/gpu/bindings"
)

// StagingPool recycles pinned (page-locked) host buffers used to map
// device-local regions. Pinned memory lets the driver DMA directly.
type StagingPool struct {
	maxSize     int64
	currentSize int64
	owned       map[uintptr]*pinned
	free        []*pinned
	mu          sync.Mutex
	closed      bool
}

type pinned struct {
	ptr  unsafe.Pointer
	data []byte
}

// NewStagingPool creates a pool holding at most maxSize bytes.
func NewStagingPool(maxSize int64) *StagingPool {
	return &StagingPool{
		maxSize: maxSize,
		owned:   make(map[uintptr]*pinned),
	}
}

// Get returns a pinned buffer of exactly size bytes.
func (p *StagingPool) Get(size int) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrStagingClosed
	}

	for i, buf := range p.free {
		if len(buf.data) >= size {
			p.free = append(p.free[:i], p.free[i+1:]...)
			return buf.data[:size], nil
		}
	}

	if p.currentSize+int64(size) > p.maxSize {
		p.shrink(int64(size))
		if p.currentSize+int64(size) > p.maxSize {
			return nil, ErrStagingExhausted
		}
	}

	ptr, err := bindings.AllocPinned(size)
	if err != nil {
		return nil, err
	}
	buf := &pinned{ptr: ptr, data: unsafe.Slice((*byte)(ptr), size)}
	p.owned[uintptr(ptr)] = buf
	p.currentSize += int64(size)
	return buf.data, nil
}

// Put hands a buffer obtained from Get back to the pool. Foreign buffers are
// ignored.
func (p *StagingPool) Put(data []byte) {
	if cap(data) == 0 {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	buf, ok := p.owned[uintptr(unsafe.Pointer(&data[:1][0]))]
	if !ok {
		return
	}
	p.free = append(p.free, buf)
}

// shrink frees pinned buffers until want more bytes fit (must hold lock).
func (p *StagingPool) shrink(want int64) {
	for len(p.free) > 0 && p.currentSize+want > p.maxSize {
		buf := p.free[len(p.free)-1]
		p.free = p.free[:len(p.free)-1]

		bindings.FreePinned(buf.ptr)
		delete(p.owned, uintptr(buf.ptr))
		p.currentSize -= int64(len(buf.data))
	}
}

// Stats returns pool statistics.
func (p *StagingPool) Stats() StagingStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	return StagingStats{
		MaxSize:     p.maxSize,
		CurrentSize: p.currentSize,
		BufferCount: len(p.owned),
		FreeCount:   len(p.free),
	}
}

// Close frees all pinned memory.
func (p *StagingPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	for _, buf := range p.owned {
		bindings.FreePinned(buf.ptr)
	}
	p.owned = nil
	p.free = nil
	p.currentSize = 0
	return nil
}

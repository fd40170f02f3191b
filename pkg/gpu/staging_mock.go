//go:build !cuda
// +build !cuda

package gpu

import (
	"sync"
)

// StagingPool recycles host buffers used to map device-local regions.
// Without CUDA the buffers are regular Go memory.
type StagingPool struct {
	maxSize     int64
	currentSize int64
	owned       map[*byte]int
	free        [][]byte
	mu          sync.Mutex
	closed      bool
}

// NewStagingPool creates a pool holding at most maxSize bytes.
func NewStagingPool(maxSize int64) *StagingPool {
	return &StagingPool{
		maxSize: maxSize,
		owned:   make(map[*byte]int),
	}
}

// Get returns a buffer of exactly size bytes.
func (p *StagingPool) Get(size int) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrStagingClosed
	}

	for i, buf := range p.free {
		if cap(buf) >= size {
			p.free = append(p.free[:i], p.free[i+1:]...)
			return buf[:size], nil
		}
	}

	if p.currentSize+int64(size) > p.maxSize {
		p.shrink(int64(size))
		if p.currentSize+int64(size) > p.maxSize {
			return nil, ErrStagingExhausted
		}
	}

	data := make([]byte, size)
	p.owned[&data[0]] = size
	p.currentSize += int64(size)
	return data, nil
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
	data = data[:cap(data)]
	if _, ok := p.owned[&data[0]]; !ok {
		return
	}
	p.free = append(p.free, data)
}

// shrink drops free buffers until want more bytes fit (must hold lock).
func (p *StagingPool) shrink(want int64) {
	for len(p.free) > 0 && p.currentSize+want > p.maxSize {
		buf := p.free[len(p.free)-1]
		p.free = p.free[:len(p.free)-1]

		if size, ok := p.owned[&buf[0]]; ok {
			delete(p.owned, &buf[0])
			p.currentSize -= int64(size)
		}
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

// Close drops every buffer.
func (p *StagingPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closed = true
	p.owned = nil
	p.free = nil
	p.currentSize = 0
	return nil
}

// Package gpu provides GPU-resident regions: unified memory that the CPU can
// address directly and device-local memory reached through staged copies.
package gpu

import (
	"errors"
)

var (
	ErrDriverClosed     = errors.New("GPU driver closed")
	ErrForeignBuffer    = errors.New("buffer belongs to another GPU driver")
	ErrStagingExhausted = errors.New("staging memory pool exhausted")
	ErrStagingClosed    = errors.New("staging memory pool closed")
	ErrNotMapped        = errors.New("region is not mapped")
)

// Driver allocates device buffers on one GPU.
type Driver interface {
	// Name identifies the backend ("cuda", "host").
	Name() string

	// Device returns the device ordinal.
	Device() int

	// Alloc returns a buffer of size bytes. Unified buffers are also
	// addressable from the host.
	Alloc(size uint64, unified bool) (Buffer, error)

	// Close releases driver resources. Buffers must be freed first.
	Close() error
}

// Buffer is one device allocation.
type Buffer interface {
	// Host returns the host view of a unified buffer, nil for device-local
	// memory.
	Host() []byte

	// Handle is the native device pointer.
	Handle() uintptr

	Size() uint64

	// Upload copies src to the buffer at offset dst.
	Upload(dst uint64, src []byte) error

	// Download copies from the buffer at offset src into dst.
	Download(dst []byte, src uint64) error

	// CopyFrom copies n bytes from src at srcOff into this buffer at dstOff,
	// on the device.
	CopyFrom(dstOff uint64, src Buffer, srcOff, n uint64) error

	Memset(b byte) error

	// Sync blocks until queued work on the buffer completes.
	Sync() error

	Free() error
}

// StagingStats contains staging pool statistics.
type StagingStats struct {
	MaxSize     int64
	CurrentSize int64
	BufferCount int
	FreeCount   int
}

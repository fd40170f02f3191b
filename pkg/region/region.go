// Package region defines the byte-region contract shared by every storage
// class (heap, file-mapped, shared memory, DMA, GPU, network) and the chained
// claim protocol that producers and consumers use to carve ranges out of it.
package region

import (
	"time"
)

// Region is a byte container of fixed capacity.
//
// Out-of-range views, local access to regions that are not locally
// addressable and any use after Release are programming errors: they fail
// immediately and are never retried.
type Region interface {
	// Kind reports the class tag the region was allocated for.
	Kind() Kind

	// Size returns the capacity in bytes. It never changes while claims exist.
	Size() uint64

	// Bytes returns the whole backing storage when the region is locally
	// addressable, nil otherwise or after release.
	Bytes() []byte

	// View returns a bounded, non-owning reference to [offset, offset+length).
	// A zero length means "through the end".
	View(offset, length uint64) (View, error)

	// Fill writes b to every byte of the region, on the device if needed.
	Fill(b byte) error

	// Release frees the underlying storage. It is idempotent.
	Release() error

	Local() bool
	FileBacked() bool
	Shared() bool
}

// View is a bounded reference into a region. It does not own the bytes.
type View struct {
	Region Region
	Offset uint64
	Len    uint64
}

// Bound validates [offset, offset+length) against r and returns the view.
// Concrete regions use it to implement Region.View.
func Bound(r Region, offset, length uint64) (View, error) {
	size := r.Size()
	if offset > size {
		return View{}, ErrBadRange
	}
	if length == 0 {
		length = size - offset
	}
	if length > size-offset {
		return View{}, ErrBadRange
	}
	return View{Region: r, Offset: offset, Len: length}, nil
}

// Bytes resolves the view to a slice of the backing storage.
func (v View) Bytes() ([]byte, error) {
	if v.Region == nil {
		return nil, ErrBadRange
	}
	if !v.Region.Local() {
		return nil, ErrNotAddressable
	}
	b := v.Region.Bytes()
	if b == nil {
		return nil, ErrReleased
	}
	end := v.Offset + v.Len
	if end > uint64(len(b)) {
		return nil, ErrBadRange
	}
	return b[v.Offset:end:end], nil
}

// Memset sets every byte of b to v.
func Memset(b []byte, v byte) {
	if len(b) == 0 {
		return
	}
	if v == 0 {
		clear(b)
		return
	}
	b[0] = v
	for i := 1; i < len(b); i *= 2 {
		copy(b[i:], b[:i])
	}
}

// NowMillis is the wall clock used for drain deadlines.
func NowMillis() uint64 {
	return uint64(time.Now().UnixMilli())
}

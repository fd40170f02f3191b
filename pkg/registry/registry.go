// Package registry implements the lock-free table that assigns chained
// regions their numeric identities.
package registry

import (
	"runtime"
	"sync/atomic"

	"github.com/neurogrid/zerocopy/pkg/region"
)

const (
	DefaultInitialSlots = 1024
	DefaultMaxSlots     = 1 << 24
)

type entry struct {
	r region.Chained
}

type slab []atomic.Pointer[entry]

// Registry maps slot indices to chained regions. Growth appends slabs of the
// initial size; a slot never moves once published, so an identity stays
// valid for as long as the region is registered.
type Registry struct {
	initial uint32
	max     uint32

	dir     atomic.Pointer[[]slab]
	size    atomic.Uint32
	cursor  atomic.Uint32
	growing atomic.Bool
	growths atomic.Uint64
}

// New returns a registry with initial slots, growing up to max.
func New(initial, max uint32) *Registry {
	if initial == 0 {
		initial = DefaultInitialSlots
	}
	if max < initial {
		max = initial
	}
	r := &Registry{initial: initial, max: max}
	dir := []slab{make(slab, initial)}
	r.dir.Store(&dir)
	r.size.Store(initial)
	return r
}

// Size returns the current number of slots.
func (r *Registry) Size() uint32 { return r.size.Load() }

// Growths returns how many slabs were appended since creation.
func (r *Registry) Growths() uint64 { return r.growths.Load() }

func (r *Registry) slot(i uint32) *atomic.Pointer[entry] {
	dir := *r.dir.Load()
	s := i / r.initial
	if int(s) >= len(dir) {
		return nil
	}
	return &dir[s][i%r.initial]
}

// Claim stores c in a free slot and binds the slot index as its identity.
func (r *Registry) Claim(c region.Chained) (uint32, error) {
	e := &entry{r: c}
	for {
		size := r.size.Load()
		for budget := size; budget > 0; budget-- {
			i := r.cursor.Add(1) - 1
			s := r.slot(i % size)
			if s != nil && s.CompareAndSwap(nil, e) {
				id := i % size
				c.Chain().BindIdentity(id)
				return id, nil
			}
		}
		if err := r.grow(size); err != nil {
			return 0, err
		}
	}
}

// grow appends one slab when the registry still has size slots. Callers that
// lose the latch wait for the winner and retry against the new size.
func (r *Registry) grow(size uint32) error {
	if !r.growing.CompareAndSwap(false, true) {
		for r.growing.Load() {
			runtime.Gosched()
		}
		return nil
	}
	defer r.growing.Store(false)

	if r.size.Load() != size {
		return nil
	}
	if uint64(size)+uint64(r.initial) > uint64(r.max) {
		return region.ErrRegistryExhausted
	}

	old := *r.dir.Load()
	dir := make([]slab, len(old), len(old)+1)
	copy(dir, old)
	dir = append(dir, make(slab, r.initial))
	r.dir.Store(&dir)
	r.cursor.Store(size)
	r.size.Store(size + r.initial)
	r.growths.Add(1)
	return nil
}

// Get returns the region registered under id, or nil if the slot is empty.
func (r *Registry) Get(id uint32) region.Chained {
	s := r.slot(id % r.size.Load())
	if s == nil {
		return nil
	}
	if e := s.Load(); e != nil {
		return e.r
	}
	return nil
}

// Clear empties the slot of id if it still holds c. Only the caller that
// gets true may release c.
func (r *Registry) Clear(id uint32, c region.Chained) bool {
	s := r.slot(id % r.size.Load())
	if s == nil {
		return false
	}
	e := s.Load()
	if e == nil || e.r != c {
		return false
	}
	return s.CompareAndSwap(e, nil)
}

// Range calls fn for every occupied slot until fn returns false.
func (r *Registry) Range(fn func(id uint32, c region.Chained) bool) {
	size := r.size.Load()
	for i := uint32(0); i < size; i++ {
		s := r.slot(i)
		if s == nil {
			return
		}
		if e := s.Load(); e != nil {
			if !fn(i, e.r) {
				return
			}
		}
	}
}

// Len counts occupied slots.
func (r *Registry) Len() int {
	n := 0
	r.Range(func(uint32, region.Chained) bool {
		n++
		return true
	})
	return n
}

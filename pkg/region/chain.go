package region

import (
	"math"
	"runtime"
	"sync/atomic"
)

// NeverDeadline marks a region that has not been drained.
const NeverDeadline = math.MaxUint64

// Chained is a region that participates in the chained claim protocol.
// Concrete classes own their storage and keep a Chain for everything else.
type Chained interface {
	Region

	// Chain returns the claim/lifecycle state of the region.
	Chain() *Chain

	// Spawn returns a new, unregistered instance of the same concrete class
	// with the given capacity. It is what makes chains homogeneous.
	Spawn(size uint64) (Chained, error)
}

// AdmitFunc registers a freshly spawned successor before it is published.
type AdmitFunc func(Chained) error

type link struct {
	r Chained
}

// Chain holds the per-region claim, successor, pin and drain state.
//
// Watermarks use plain fetch-add; the successor pointer, drained flag, pin
// count and deadline are published with atomic stores so a reader that
// observes them also observes the writes made before them.
type Chain struct {
	self     Chained
	admit    AdmitFunc
	capacity atomic.Uint64

	id         atomic.Uint32
	registered atomic.Bool

	produced atomic.Uint64
	_        [56]byte
	consumed atomic.Uint64
	_        [56]byte

	// sealed is set by the single producer claim that straddles capacity;
	// limit is where that claim started, i.e. the usable end of the region.
	sealed atomic.Bool
	limit  atomic.Uint64

	next    atomic.Pointer[link]
	loading atomic.Bool

	constructed atomic.Uint64
	destructed  atomic.Uint64
	pins        atomic.Int64
	drained     atomic.Bool
	deadline    atomic.Uint64
	lastSeq     atomic.Uint64
	ttl         atomic.Uint64
	deadSpace   atomic.Uint64
	retiring    atomic.Bool
	released    atomic.Bool
}

// Init binds the chain to the region that embeds it. Constructors call it
// before the region escapes.
func (c *Chain) Init(self Chained, capacity uint64) {
	c.self = self
	c.capacity.Store(capacity)
	c.deadline.Store(NeverDeadline)
}

// SetAdmit installs the hook used to register successors. It must be called
// before the region is shared.
func (c *Chain) SetAdmit(fn AdmitFunc) {
	c.admit = fn
}

// BindIdentity records the registry slot index as the region identity.
func (c *Chain) BindIdentity(id uint32) {
	c.id.Store(id)
	c.registered.Store(true)
}

// ID returns the registry identity and whether one was assigned.
func (c *Chain) ID() (uint32, bool) {
	return c.id.Load(), c.registered.Load()
}

// Self returns the region the chain was initialized with.
func (c *Chain) Self() Chained { return c.self }

func (c *Chain) Capacity() uint64 { return c.capacity.Load() }

// Resize changes the capacity of a region that has never been claimed.
func (c *Chain) Resize(capacity uint64) error {
	if capacity == 0 {
		return ErrInvalidSize
	}
	if c.produced.Load() != 0 || c.consumed.Load() != 0 {
		return ErrBusy
	}
	c.capacity.Store(capacity)
	return nil
}

// ProduceClaim reserves size bytes for writing. When the range would overrun
// this region the claim moves to the successor, allocating it if needed. The
// returned claim never crosses a region boundary.
func (c *Chain) ProduceClaim(size uint64) (Claim, error) {
	if size == 0 {
		return Claim{}, ErrInvalidSize
	}
	if size > c.capacity.Load() {
		return Claim{}, ErrOversizedClaim
	}
	if c.released.Load() {
		return Claim{}, ErrReleased
	}

	cur := c
	for {
		capacity := cur.capacity.Load()
		off := cur.produced.Add(size) - size
		end := off + size
		if end <= capacity {
			return Claim{
				Region:    cur.self,
				Offset:    off,
				Size:      size,
				Remaining: int64(capacity) - int64(end),
			}, nil
		}
		if off <= capacity {
			// Exactly one claim covers the capacity boundary. The tail it
			// leaves behind is abandoned.
			cur.deadSpace.Add(capacity - off)
			cur.limit.Store(off)
			cur.sealed.Store(true)
		}

		next, err := cur.Successor(true)
		if err != nil {
			return Claim{}, err
		}
		cur = next.Chain()
	}
}

// ConsumeClaim reserves size bytes for reading. It never allocates: when the
// data lives in a successor that has not been published yet, or the producer
// has not claimed far enough, it returns an empty claim.
func (c *Chain) ConsumeClaim(size uint64) (Claim, error) {
	if size == 0 {
		return Claim{}, ErrInvalidSize
	}
	if size > c.capacity.Load() {
		return Claim{}, ErrOversizedClaim
	}
	if c.released.Load() {
		return Claim{}, ErrReleased
	}

	cur := c
	for {
		capacity := cur.capacity.Load()
		produced := cur.produced.Load()
		avail := produced
		sealed := false
		if produced > capacity {
			if !cur.sealed.Load() {
				return Claim{}, nil
			}
			avail = cur.limit.Load()
			sealed = true
		}

		off := cur.consumed.Load()
		end := off + size
		if end <= avail {
			if !cur.consumed.CompareAndSwap(off, end) {
				continue
			}
			return Claim{
				Region:    cur.self,
				Offset:    off,
				Size:      size,
				Remaining: int64(capacity) - int64(end),
			}, nil
		}
		if !sealed {
			return Claim{}, nil
		}

		next, err := cur.Successor(false)
		if err != nil || next == nil {
			return Claim{}, err
		}
		cur = next.Chain()
	}
}

// Successor returns the next region in the chain. When allocate is true and
// no successor exists, one is spawned with the same capacity; at most one
// goroutine allocates while the others wait for it to publish.
func (c *Chain) Successor(allocate bool) (Chained, error) {
	if l := c.next.Load(); l != nil {
		return l.r, nil
	}
	if !allocate {
		return nil, nil
	}

	for {
		if c.loading.CompareAndSwap(false, true) {
			if l := c.next.Load(); l != nil {
				c.loading.Store(false)
				return l.r, nil
			}
			next, err := c.spawn()
			if err != nil {
				c.loading.Store(false)
				return nil, err
			}
			c.next.Store(&link{r: next})
			c.loading.Store(false)
			return next, nil
		}

		for c.loading.Load() {
			runtime.Gosched()
		}
		if l := c.next.Load(); l != nil {
			return l.r, nil
		}
	}
}

func (c *Chain) spawn() (Chained, error) {
	next, err := c.self.Spawn(c.capacity.Load())
	if err != nil {
		return nil, err
	}
	next.Chain().ttl.Store(c.ttl.Load())
	if c.admit != nil {
		if err := c.admit(next); err != nil {
			_ = next.Release()
			return nil, err
		}
	}
	return next, nil
}

// Retain records that a client took a reference to the region.
func (c *Chain) Retain() {
	c.constructed.Add(1)
}

// Relinquish records that a client dropped its reference. The destruction
// count never passes the construction count.
func (c *Chain) Relinquish() error {
	for {
		d := c.destructed.Load()
		if d >= c.constructed.Load() {
			return ErrNotRetained
		}
		if c.destructed.CompareAndSwap(d, d+1) {
			return nil
		}
	}
}

// SetTTL sets the grace period, in milliseconds, added to the clock when the
// region is drained.
func (c *Chain) SetTTL(ms uint64) {
	c.ttl.Store(ms)
}

func (c *Chain) TTL() uint64 { return c.ttl.Load() }

// SetLastSequence stores a marker for higher layers.
func (c *Chain) SetLastSequence(seq uint64) {
	c.lastSeq.Store(seq)
}

func (c *Chain) LastSequence() uint64 { return c.lastSeq.Load() }

// MarkDrained signals that no further traffic is expected and starts the
// drain deadline.
func (c *Chain) MarkDrained() {
	c.deadline.Store(saturatingAdd(NowMillis(), c.ttl.Load()))
	c.drained.Store(true)
}

func (c *Chain) Drained() bool { return c.drained.Load() }

// Deadline returns the drain deadline in unix milliseconds.
func (c *Chain) Deadline() uint64 { return c.deadline.Load() }

// Pinned reports whether any pin is outstanding.
func (c *Chain) Pinned() bool { return c.pins.Load() > 0 }

// Reclaimable reports whether the reclaimer may retire the region at now
// (unix milliseconds). Pinned regions are never reclaimable; otherwise a
// drained region goes once its references balance or its deadline passes.
func (c *Chain) Reclaimable(now uint64) bool {
	if !c.drained.Load() || c.released.Load() {
		return false
	}
	if c.pins.Load() > 0 {
		return false
	}
	if c.destructed.Load() >= c.constructed.Load() {
		return true
	}
	return now >= c.deadline.Load()
}

// BeginRetire claims the region for the reclaimer if it is reclaimable at
// now. Once it returns true, Pin waits for the release and fails instead of
// racing it. A pin taken before the claim wins and the region stays live.
func (c *Chain) BeginRetire(now uint64) bool {
	if !c.Reclaimable(now) || !c.retiring.CompareAndSwap(false, true) {
		return false
	}
	if c.pins.Load() > 0 {
		c.retiring.Store(false)
		return false
	}
	return true
}

// MarkReleased flips the released flag. Only the first caller gets true and
// must free the storage.
func (c *Chain) MarkReleased() bool {
	return c.released.CompareAndSwap(false, true)
}

func (c *Chain) Released() bool { return c.released.Load() }

// DeadSpace returns the bytes abandoned at the tail of this region.
func (c *Chain) DeadSpace() uint64 { return c.deadSpace.Load() }

// State is a point-in-time copy of the chain counters.
type State struct {
	ID          uint32
	Registered  bool
	Capacity    uint64
	Produced    uint64
	Consumed    uint64
	DeadSpace   uint64
	HasNext     bool
	Constructed uint64
	Destructed  uint64
	Pins        int64
	Drained     bool
	Deadline    uint64
	TTL         uint64
	LastSeq     uint64
	Released    bool
}

// Snapshot reads every counter. Fields are loaded one by one, so the result
// is not a consistent cut under concurrent traffic; the consumer watermark
// is loaded before the producer watermark so Consumed <= Produced holds.
func (c *Chain) Snapshot() State {
	return State{
		ID:          c.id.Load(),
		Registered:  c.registered.Load(),
		Capacity:    c.capacity.Load(),
		Consumed:    c.consumed.Load(),
		Produced:    c.produced.Load(),
		DeadSpace:   c.deadSpace.Load(),
		HasNext:     c.next.Load() != nil,
		Constructed: c.constructed.Load(),
		Destructed:  c.destructed.Load(),
		Pins:        c.pins.Load(),
		Drained:     c.drained.Load(),
		Deadline:    c.deadline.Load(),
		TTL:         c.ttl.Load(),
		LastSeq:     c.lastSeq.Load(),
		Released:    c.released.Load(),
	}
}

func saturatingAdd(a, b uint64) uint64 {
	s := a + b
	if s < a {
		return NeverDeadline
	}
	return s
}

package nic

import (
	"context"
	"io"
	"sync"
	"sync/atomic"

	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/neurogrid/zerocopy/pkg/heap"
	"github.com/neurogrid/zerocopy/pkg/region"
)

// link is the transport state shared by a region and its successors. The
// region that created it closes it.
type link struct {
	opts   Options
	kind   region.Kind
	conn   Conn
	queue  chan Record
	stats  counters
	closed atomic.Bool
	done   chan struct{}
	once   sync.Once
}

func newLink(kind region.Kind, conn Conn, opts Options) *link {
	return &link{
		opts:  opts,
		kind:  kind,
		conn:  conn,
		queue: make(chan Record, opts.QueueDepth),
		done:  make(chan struct{}),
	}
}

func (l *link) close() error {
	var err error
	l.once.Do(func() {
		l.closed.Store(true)
		close(l.done)
		if l.conn != nil {
			err = l.conn.Close()
		}
	})
	return err
}

// base holds the storage and receive plumbing common to every network
// region variant.
type base struct {
	chain region.Chain
	link  *link
	head  bool

	mu  sync.RWMutex
	buf []byte
}

func (b *base) init(self region.Chained, size uint64, l *link, head bool) error {
	buf, err := heap.Aligned(size, heap.Alignment)
	if err != nil {
		return err
	}
	b.buf, b.link, b.head = buf, l, head
	b.chain.Init(self, size)
	return nil
}

func (b *base) Chain() *region.Chain { return &b.chain }

func (b *base) Kind() region.Kind { return b.link.kind }

func (b *base) Size() uint64 { return b.chain.Capacity() }

func (b *base) Bytes() []byte {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.buf
}

func (b *base) View(offset, length uint64) (region.View, error) {
	if b.chain.Released() {
		return region.View{}, region.ErrReleased
	}
	return region.Bound(b.chain.Self(), offset, length)
}

func (b *base) Fill(v byte) error {
	buf := b.Bytes()
	if buf == nil {
		return region.ErrReleased
	}
	region.Memset(buf, v)
	return nil
}

// Endpoint returns the remote side this region talks to.
func (b *base) Endpoint() Endpoint { return b.link.opts.Endpoint }

// Stats returns the traffic counters shared by the region and its
// successors.
func (b *base) Stats() Stats { return b.link.stats.snapshot() }

// Closed reports whether the transport side was shut down.
func (b *base) Closed() bool { return b.link.closed.Load() }

// Done is closed when the transport side shuts down.
func (b *base) Done() <-chan struct{} { return b.link.done }

// Close shuts the transport side down. Queued records stay readable.
func (b *base) Close() error {
	return b.link.close()
}

// Poll returns the next delivered record without blocking.
func (b *base) Poll() (Record, bool) {
	select {
	case rec := <-b.link.queue:
		return rec, true
	default:
		return Record{}, false
	}
}

// Next blocks until a record is delivered, the region is closed or ctx is
// done. Records queued before Close are still returned.
func (b *base) Next(ctx context.Context) (Record, error) {
	select {
	case rec := <-b.link.queue:
		return rec, nil
	default:
	}
	select {
	case rec := <-b.link.queue:
		return rec, nil
	case <-b.link.done:
		if rec, ok := b.Poll(); ok {
			return rec, nil
		}
		return Record{}, ErrClosed
	case <-ctx.Done():
		return Record{}, ctx.Err()
	}
}

// Deliver copies p into the region and publishes a record for it. Transports
// that cannot read in place use it.
func (b *base) Deliver(p []byte) (Record, error) {
	return b.receive(uint64(len(p)), 0, func(dst []byte) (int, error) {
		return copy(dst, p), nil
	})
}

// receive claims max bytes, lets fill write into them in place and publishes
// a record for the bytes actually written. The rest of the claim is left as
// dead space.
func (b *base) receive(max, stream uint64, fill func([]byte) (int, error)) (Record, error) {
	l := b.link
	if l.closed.Load() {
		return Record{}, ErrClosed
	}
	c, err := b.chain.ProduceClaim(max)
	if err != nil {
		l.stats.errors.Add(1)
		return Record{}, err
	}
	dst, err := c.Bytes()
	if err != nil {
		l.stats.errors.Add(1)
		return Record{}, err
	}
	n, ferr := fill(dst)
	if n <= 0 {
		if ferr != nil && !isEOF(ferr) {
			l.stats.errors.Add(1)
		}
		return Record{}, ferr
	}
	rec := Record{Region: c.Region, Offset: c.Offset, Length: uint64(n), Stream: stream}
	if err := b.publish(rec); err != nil {
		return rec, err
	}
	return rec, ferr
}

func (b *base) publish(rec Record) error {
	l := b.link
	l.stats.bytesReceived.Add(rec.Length)
	l.stats.packetsReceived.Add(1)
	select {
	case l.queue <- rec:
		return nil
	default:
		l.stats.drops.Add(1)
		level.Debug(l.opts.Logger).Log("msg", "receive queue full, dropping record", "endpoint", l.opts.Endpoint, "bytes", rec.Length)
		return ErrQueueFull
	}
}

// Transmit sends [offset, offset+length) of the region over the transport.
func (b *base) Transmit(offset, length uint64) error {
	v, err := b.View(offset, length)
	if err != nil {
		return err
	}
	p, err := v.Bytes()
	if err != nil {
		return err
	}
	return b.send(p)
}

func (b *base) send(p []byte) error {
	l := b.link
	if l.closed.Load() || l.conn == nil {
		return ErrClosed
	}
	n, err := l.conn.Write(p)
	l.stats.bytesSent.Add(uint64(n))
	if err != nil {
		l.stats.errors.Add(1)
		return errors.Wrapf(err, "send to %s", l.opts.Endpoint)
	}
	l.stats.packetsSent.Add(1)
	return nil
}

// SendFrom sends [offset, offset+length) of another region. Shared
// file-backed sources go straight from the page cache when the transport
// supports it; other locally addressable sources are written directly;
// device memory is copied through this region's own storage.
func (b *base) SendFrom(src region.Region, offset, length uint64) error {
	v, err := src.View(offset, length)
	if err != nil {
		return err
	}
	l := b.link
	if l.closed.Load() || l.conn == nil {
		return ErrClosed
	}

	if fs, ok := l.conn.(FileSender); ok && src.FileBacked() && src.Shared() {
		if fr, ok := src.(fileRegion); ok && fr.File() != nil {
			n, err := fs.SendFile(fr.File(), int64(v.Offset), int64(v.Len))
			l.stats.bytesSent.Add(uint64(n))
			if err != nil {
				l.stats.errors.Add(1)
				return errors.Wrapf(err, "sendfile to %s", l.opts.Endpoint)
			}
			l.stats.packetsSent.Add(1)
			return nil
		}
	}

	if src.Local() {
		p, err := v.Bytes()
		if err != nil {
			return err
		}
		return b.send(p)
	}

	d, ok := src.(downloader)
	if !ok {
		return region.ErrNotAddressable
	}
	c, err := b.chain.ProduceClaim(v.Len)
	if err != nil {
		return err
	}
	staged, err := c.Bytes()
	if err != nil {
		return err
	}
	if err := d.Download(staged, v.Offset); err != nil {
		l.stats.errors.Add(1)
		return err
	}
	return b.send(staged)
}

// ZeroCopy reports whether the transport can send file-backed regions
// without copying.
func (b *base) ZeroCopy() bool {
	_, ok := b.link.conn.(FileSender)
	return ok
}

// Release frees the byte area. Releasing the region that created the link
// also closes the transport side.
func (b *base) Release() error {
	if !b.chain.MarkReleased() {
		return nil
	}
	b.mu.Lock()
	b.buf = nil
	b.mu.Unlock()
	if b.head {
		return b.link.close()
	}
	return nil
}

func (b *base) Local() bool      { return true }
func (b *base) FileBacked() bool { return false }
func (b *base) Shared() bool     { return b.ZeroCopy() }

func isEOF(err error) bool {
	return errors.Is(err, io.EOF)
}

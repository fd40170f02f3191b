package nic

import (
	"io"

	"github.com/pkg/errors"

	"github.com/neurogrid/zerocopy/pkg/region"
)

// Stream is a network region over an ordered byte stream such as TCP or a
// libp2p stream.
type Stream struct {
	base
}

// NewStream creates a stream region of size bytes sending on conn.
func NewStream(size uint64, conn Conn, opts Options) (*Stream, error) {
	if size == 0 {
		return nil, region.ErrInvalidSize
	}
	opts = opts.withDefaults()
	s := &Stream{}
	if err := s.init(s, size, newLink(region.NetStream, conn, opts), true); err != nil {
		return nil, err
	}
	return s, nil
}

// Spawn creates a successor sharing the transport, queue and counters.
func (s *Stream) Spawn(size uint64) (region.Chained, error) {
	n := &Stream{}
	if err := n.init(n, size, s.link, false); err != nil {
		return nil, err
	}
	return n, nil
}

// Receive performs one read from r directly into a freshly claimed chunk.
// It returns io.EOF once r is exhausted.
func (s *Stream) Receive(r io.Reader) (Record, error) {
	chunk := s.link.opts.ReceiveChunk
	if c := s.chain.Capacity(); chunk > c {
		chunk = c
	}
	return s.receive(chunk, 0, r.Read)
}

// Pump receives from r until it is exhausted or fails. A clean end of
// stream returns a nil error. Records dropped on a full queue are counted
// and the pump keeps reading.
func (s *Stream) Pump(r io.Reader) (int64, error) {
	var total int64
	for {
		rec, err := s.Receive(r)
		total += int64(rec.Length)
		switch {
		case err == io.EOF:
			return total, nil
		case errors.Is(err, ErrQueueFull):
		case err != nil:
			return total, err
		}
	}
}

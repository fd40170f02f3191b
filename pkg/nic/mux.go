package nic

import (
	"context"
	"io"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/neurogrid/zerocopy/pkg/region"
)

// Direction of a multiplexed stream.
type Direction uint8

const (
	Bidirectional Direction = iota
	Unidirectional
)

func (d Direction) String() string {
	if d == Unidirectional {
		return "uni"
	}
	return "bidi"
}

// StreamState is the lifecycle of one multiplexed stream.
type StreamState uint8

const (
	StreamIdle StreamState = iota
	StreamOpen
	StreamLocalClosed
	StreamRemoteClosed
	StreamClosed
)

func (s StreamState) String() string {
	switch s {
	case StreamIdle:
		return "idle"
	case StreamOpen:
		return "open"
	case StreamLocalClosed:
		return "local-closed"
	case StreamRemoteClosed:
		return "remote-closed"
	case StreamClosed:
		return "closed"
	}
	return "unknown"
}

// MuxStream is one stream of a multiplexed connection. Close finishes the
// send side. Read on a stream that cannot receive returns an error.
type MuxStream interface {
	io.Reader
	io.Writer
	Close() error
}

// MuxConn is a connection carrying many independent streams.
type MuxConn interface {
	OpenStream(ctx context.Context, dir Direction) (MuxStream, error)
	Close() error
}

type muxStream struct {
	id       uint64
	dir      Direction
	remote   bool
	conn     MuxStream
	state    StreamState
	priority uint8

	sendMu sync.Mutex
	recvMu sync.Mutex
}

func (s *muxStream) canSend() bool {
	if s.dir == Unidirectional && s.remote {
		return false
	}
	return s.state == StreamOpen || s.state == StreamRemoteClosed
}

func (s *muxStream) canReceive() bool {
	if s.dir == Unidirectional && !s.remote {
		return false
	}
	return s.state == StreamOpen || s.state == StreamLocalClosed
}

// streamTable is shared by a multiplexed region and its successors.
type streamTable struct {
	conn MuxConn

	mu      sync.Mutex
	next    uint64
	streams map[uint64]*muxStream
}

// muxConn adapts the connection to the link, which only ever closes it.
type muxConn struct{ MuxConn }

func (muxConn) Write([]byte) (int, error) {
	return 0, errors.Wrap(ErrStreamState, "multiplexed regions send on streams")
}

// Multiplexed is a network region over a connection carrying independent
// prioritized streams, such as QUIC.
type Multiplexed struct {
	base
	table *streamTable
}

// NewMultiplexed creates a multiplexed region of size bytes over conn.
func NewMultiplexed(size uint64, conn MuxConn, opts Options) (*Multiplexed, error) {
	if size == 0 {
		return nil, region.ErrInvalidSize
	}
	if conn == nil {
		return nil, errors.New("multiplexed region needs a connection")
	}
	opts = opts.withDefaults()
	m := &Multiplexed{table: &streamTable{conn: conn, streams: make(map[uint64]*muxStream)}}
	if err := m.init(m, size, newLink(region.NetMultiplexed, muxConn{conn}, opts), true); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Multiplexed) Spawn(size uint64) (region.Chained, error) {
	n := &Multiplexed{table: m.table}
	if err := n.init(n, size, m.link, false); err != nil {
		return nil, err
	}
	return n, nil
}

func (m *Multiplexed) lookup(id uint64) (*muxStream, error) {
	m.table.mu.Lock()
	defer m.table.mu.Unlock()
	s, ok := m.table.streams[id]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownStream, "stream %d", id)
	}
	return s, nil
}

func (m *Multiplexed) add(dir Direction, remote bool, state StreamState) *muxStream {
	m.table.mu.Lock()
	defer m.table.mu.Unlock()
	m.table.next++
	s := &muxStream{id: m.table.next, dir: dir, remote: remote, state: state}
	m.table.streams[s.id] = s
	return s
}

// OpenStream opens a locally initiated stream and returns its identifier.
func (m *Multiplexed) OpenStream(ctx context.Context, dir Direction) (uint64, error) {
	if m.link.closed.Load() {
		return 0, ErrClosed
	}
	s := m.add(dir, false, StreamIdle)
	conn, err := m.table.conn.OpenStream(ctx, dir)

	m.table.mu.Lock()
	defer m.table.mu.Unlock()
	if err != nil {
		delete(m.table.streams, s.id)
		m.link.stats.errors.Add(1)
		return 0, errors.Wrap(err, "open stream")
	}
	s.conn, s.state = conn, StreamOpen
	return s.id, nil
}

// Accept adopts a stream the remote side opened. Transports call it from
// their accept loop.
func (m *Multiplexed) Accept(conn MuxStream, dir Direction) (uint64, error) {
	if m.link.closed.Load() {
		return 0, ErrClosed
	}
	s := m.add(dir, true, StreamOpen)
	m.table.mu.Lock()
	s.conn = conn
	m.table.mu.Unlock()
	return s.id, nil
}

// SendOnStream sends [offset, offset+length) of the region on stream id.
// final finishes the local side of the stream after the bytes.
func (m *Multiplexed) SendOnStream(id, offset, length uint64, final bool) error {
	if m.link.closed.Load() {
		return ErrClosed
	}
	s, err := m.lookup(id)
	if err != nil {
		return err
	}
	v, err := m.View(offset, length)
	if err != nil {
		return err
	}
	p, err := v.Bytes()
	if err != nil {
		return err
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	m.table.mu.Lock()
	ok := s.canSend()
	state := s.state
	m.table.mu.Unlock()
	if !ok {
		return errors.Wrapf(ErrStreamState, "send on stream %d in state %s", id, state)
	}

	n, err := s.conn.Write(p)
	m.link.stats.bytesSent.Add(uint64(n))
	if err != nil {
		m.link.stats.errors.Add(1)
		return errors.Wrapf(err, "send on stream %d", id)
	}
	m.link.stats.packetsSent.Add(1)

	if final {
		return m.finish(s)
	}
	return nil
}

// finish closes the send side of s.
func (m *Multiplexed) finish(s *muxStream) error {
	err := s.conn.Close()
	m.table.mu.Lock()
	switch s.state {
	case StreamOpen:
		s.state = StreamLocalClosed
	case StreamRemoteClosed:
		s.state = StreamClosed
	}
	m.table.mu.Unlock()
	if err != nil {
		m.link.stats.errors.Add(1)
		return errors.Wrapf(err, "finish stream %d", s.id)
	}
	return nil
}

// ReceiveOnStream reads up to size bytes from stream id into the region at
// offset and publishes a record for them. When the remote side finished the
// stream it publishes a final record and returns io.EOF.
func (m *Multiplexed) ReceiveOnStream(id, offset, size uint64) (uint64, error) {
	v, err := m.View(offset, size)
	if err != nil {
		return 0, err
	}
	dst, err := v.Bytes()
	if err != nil {
		return 0, err
	}
	rec, err := m.receiveOn(id, func(r io.Reader) (Record, error) {
		n, err := r.Read(dst)
		if n <= 0 {
			return Record{}, err
		}
		return Record{Region: m, Offset: v.Offset, Length: uint64(n), Stream: id}, err
	})
	return rec.Length, err
}

// ReceiveNext reads from stream id into a freshly claimed chunk of the
// chain. The unread part of the chunk is abandoned.
func (m *Multiplexed) ReceiveNext(id uint64) (Record, error) {
	return m.receiveOn(id, func(r io.Reader) (Record, error) {
		chunk := m.link.opts.ReceiveChunk
		if c := m.chain.Capacity(); chunk > c {
			chunk = c
		}
		c, err := m.chain.ProduceClaim(chunk)
		if err != nil {
			return Record{}, err
		}
		dst, err := c.Bytes()
		if err != nil {
			return Record{}, err
		}
		n, err := r.Read(dst)
		if n <= 0 {
			return Record{}, err
		}
		return Record{Region: c.Region, Offset: c.Offset, Length: uint64(n), Stream: id}, err
	})
}

func (m *Multiplexed) receiveOn(id uint64, read func(io.Reader) (Record, error)) (Record, error) {
	if m.link.closed.Load() {
		return Record{}, ErrClosed
	}
	s, err := m.lookup(id)
	if err != nil {
		return Record{}, err
	}

	s.recvMu.Lock()
	defer s.recvMu.Unlock()

	m.table.mu.Lock()
	ok := s.canReceive()
	state := s.state
	m.table.mu.Unlock()
	if !ok {
		return Record{}, errors.Wrapf(ErrStreamState, "receive on stream %d in state %s", id, state)
	}

	rec, err := read(s.conn)
	eof := errors.Is(err, io.EOF)
	if err != nil && !eof {
		m.link.stats.errors.Add(1)
		return rec, errors.Wrapf(err, "receive on stream %d", id)
	}
	if eof {
		m.table.mu.Lock()
		switch s.state {
		case StreamOpen:
			s.state = StreamRemoteClosed
		case StreamLocalClosed:
			s.state = StreamClosed
		}
		m.table.mu.Unlock()
		rec.Final = true
		rec.Stream = id
		if rec.Region == nil {
			rec.Region = m
		}
	}
	if rec.Length > 0 || eof {
		if perr := m.publish(rec); perr != nil {
			return rec, perr
		}
	}
	if eof {
		return rec, io.EOF
	}
	return rec, nil
}

// CloseStream closes both sides of stream id. Closing a closed stream is a
// no-op.
func (m *Multiplexed) CloseStream(id uint64) error {
	s, err := m.lookup(id)
	if err != nil {
		return err
	}
	m.table.mu.Lock()
	prev := s.state
	s.state = StreamClosed
	m.table.mu.Unlock()

	if prev == StreamOpen || prev == StreamRemoteClosed {
		if s.dir == Unidirectional && s.remote {
			return nil
		}
		if err := s.conn.Close(); err != nil {
			m.link.stats.errors.Add(1)
			return errors.Wrapf(err, "close stream %d", id)
		}
	}
	return nil
}

// SetStreamPriority sets the scheduling priority of stream id. Higher
// values are served first by Streams.
func (m *Multiplexed) SetStreamPriority(id uint64, priority uint8) error {
	m.table.mu.Lock()
	defer m.table.mu.Unlock()
	s, ok := m.table.streams[id]
	if !ok {
		return errors.Wrapf(ErrUnknownStream, "stream %d", id)
	}
	if s.state == StreamClosed {
		return errors.Wrapf(ErrStreamState, "prioritize stream %d in state %s", id, s.state)
	}
	s.priority = priority
	return nil
}

// StreamPriority returns the priority of stream id.
func (m *Multiplexed) StreamPriority(id uint64) (uint8, error) {
	m.table.mu.Lock()
	defer m.table.mu.Unlock()
	s, ok := m.table.streams[id]
	if !ok {
		return 0, errors.Wrapf(ErrUnknownStream, "stream %d", id)
	}
	return s.priority, nil
}

// StreamState returns the lifecycle state of stream id.
func (m *Multiplexed) StreamState(id uint64) (StreamState, error) {
	m.table.mu.Lock()
	defer m.table.mu.Unlock()
	s, ok := m.table.streams[id]
	if !ok {
		return 0, errors.Wrapf(ErrUnknownStream, "stream %d", id)
	}
	return s.state, nil
}

// Streams returns the streams that are not closed, highest priority first
// and oldest first among equals.
func (m *Multiplexed) Streams() []uint64 {
	m.table.mu.Lock()
	live := make([]*muxStream, 0, len(m.table.streams))
	for _, s := range m.table.streams {
		if s.state != StreamClosed {
			live = append(live, s)
		}
	}
	m.table.mu.Unlock()

	sort.Slice(live, func(i, j int) bool {
		if live[i].priority != live[j].priority {
			return live[i].priority > live[j].priority
		}
		return live[i].id < live[j].id
	})
	ids := make([]uint64, len(live))
	for i, s := range live {
		ids[i] = s.id
	}
	return ids
}

// Close closes every stream and then the connection.
func (m *Multiplexed) Close() error {
	for _, id := range m.Streams() {
		_ = m.CloseStream(id)
	}
	return m.base.Close()
}

package nic

import (
	"bytes"
	"context"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/neurogrid/zerocopy/pkg/gpu"
	"github.com/neurogrid/zerocopy/pkg/heap"
	"github.com/neurogrid/zerocopy/pkg/mapped"
	"github.com/neurogrid/zerocopy/pkg/region"
)

// recordingConn collects written bytes, one entry per Write.
type recordingConn struct {
	mu     sync.Mutex
	writes [][]byte
	closed bool
	err    error
}

func (c *recordingConn) Write(b []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return 0, c.err
	}
	c.writes = append(c.writes, append([]byte(nil), b...))
	return len(b), nil
}

func (c *recordingConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *recordingConn) all() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return bytes.Join(c.writes, nil)
}

// fileConn also implements FileSender.
type fileConn struct {
	recordingConn
	sent []int64
}

func (c *fileConn) SendFile(f *os.File, offset, n int64) (int64, error) {
	buf := make([]byte, n)
	if _, err := f.ReadAt(buf, offset); err != nil {
		return 0, err
	}
	c.sent = append(c.sent, offset, n)
	w, err := c.Write(buf)
	return int64(w), err
}

var ep = Endpoint{Protocol: TCP, Address: "127.0.0.1", Port: 9000}

func TestEndpoint(t *testing.T) {
	require.Equal(t, "tcp://127.0.0.1:9000", ep.String())
	got, err := ParseEndpoint("quic://[::1]:443")
	require.NoError(t, err)
	require.Equal(t, Endpoint{Protocol: QUIC, Address: "::1", Port: 443}, got)
	require.Equal(t, "[::1]:443", got.HostPort())

	for _, bad := range []string{"127.0.0.1:1", "sctp://a:1", "tcp://a", "udp://a:70000"} {
		_, err := ParseEndpoint(bad)
		require.Error(t, err, bad)
	}
}

func TestStreamTransmit(t *testing.T) {
	conn := &recordingConn{}
	s, err := NewStream(64, conn, Options{Endpoint: ep})
	require.NoError(t, err)
	require.Equal(t, region.NetStream, s.Kind())
	require.True(t, s.Local())
	require.False(t, s.Shared())

	copy(s.Bytes(), "hello world")
	require.NoError(t, s.Transmit(6, 5))
	require.Equal(t, "world", string(conn.all()))
	require.ErrorIs(t, s.Transmit(60, 5), region.ErrBadRange)

	st := s.Stats()
	require.Equal(t, uint64(5), st.BytesSent)
	require.Equal(t, uint64(1), st.PacketsSent)

	conn.err = errors.New("broken pipe")
	require.Error(t, s.Transmit(0, 1))
	require.Equal(t, uint64(1), s.Stats().Errors)

	require.NoError(t, s.Release())
	require.True(t, conn.closed)
	require.True(t, s.Closed())
	require.ErrorIs(t, s.Transmit(0, 1), region.ErrReleased)
}

func TestStreamPumpChainsRegions(t *testing.T) {
	s, err := NewStream(64, &recordingConn{}, Options{ReceiveChunk: 16})
	require.NoError(t, err)
	defer s.Release()

	data := make([]byte, 100)
	for i := range data {
		data[i] = byte(i)
	}
	n, err := s.Pump(bytes.NewReader(data))
	require.NoError(t, err)
	require.Equal(t, int64(100), n)

	var got []byte
	regions := map[region.Chained]bool{}
	for {
		rec, ok := s.Poll()
		if !ok {
			break
		}
		b, err := rec.Bytes()
		require.NoError(t, err)
		got = append(got, b...)
		regions[rec.Region] = true
	}
	require.Equal(t, data, got)
	require.Len(t, regions, 2)

	next, err := s.Chain().Successor(false)
	require.NoError(t, err)
	require.IsType(t, &Stream{}, next)
	require.Equal(t, uint64(100), s.Stats().BytesReceived)
	require.Equal(t, uint64(7), s.Stats().PacketsReceived)

	// Successors share the link; releasing them leaves it open.
	require.NoError(t, next.Release())
	require.False(t, s.Closed())
}

func TestQueueFullDrops(t *testing.T) {
	s, err := NewStream(64, &recordingConn{}, Options{QueueDepth: 1})
	require.NoError(t, err)
	defer s.Release()

	_, err = s.Deliver([]byte("one"))
	require.NoError(t, err)
	_, err = s.Deliver([]byte("two"))
	require.ErrorIs(t, err, ErrQueueFull)
	require.Equal(t, uint64(1), s.Stats().Drops)

	_, err = s.Deliver(make([]byte, 65))
	require.ErrorIs(t, err, region.ErrOversizedClaim)
	require.Equal(t, uint64(1), s.Stats().Errors)
}

func TestPumpContinuesPastDrops(t *testing.T) {
	s, err := NewStream(64, &recordingConn{}, Options{QueueDepth: 1, ReceiveChunk: 16})
	require.NoError(t, err)
	defer s.Release()

	data := bytes.Repeat([]byte{7}, 100)
	n, err := s.Pump(bytes.NewReader(data))
	require.NoError(t, err)
	require.Equal(t, int64(100), n)

	stats := s.Stats()
	require.Equal(t, uint64(100), stats.BytesReceived)
	require.Equal(t, uint64(7), stats.PacketsReceived)
	require.Equal(t, uint64(6), stats.Drops)
	require.False(t, s.Closed())

	rec, ok := s.Poll()
	require.True(t, ok)
	require.Equal(t, uint64(16), rec.Length)
	_, ok = s.Poll()
	require.False(t, ok)
}

func TestNextAfterClose(t *testing.T) {
	s, err := NewStream(64, &recordingConn{}, Options{})
	require.NoError(t, err)
	defer s.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = s.Next(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	_, err = s.Deliver([]byte("queued"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	rec, err := s.Next(context.Background())
	require.NoError(t, err)
	b, err := rec.Bytes()
	require.NoError(t, err)
	require.Equal(t, "queued", string(b))

	_, err = s.Next(context.Background())
	require.ErrorIs(t, err, ErrClosed)
	_, err = s.Deliver([]byte("late"))
	require.ErrorIs(t, err, ErrClosed)
}

func TestSendFrom(t *testing.T) {
	t.Run("local", func(t *testing.T) {
		conn := &recordingConn{}
		s, err := NewStream(64, conn, Options{})
		require.NoError(t, err)
		defer s.Release()

		src, err := heap.New(32)
		require.NoError(t, err)
		require.NoError(t, src.Fill('x'))
		require.NoError(t, s.SendFrom(src, 4, 8))
		require.Equal(t, "xxxxxxxx", string(conn.all()))
		// Nothing was claimed from the sender.
		require.Zero(t, s.Chain().Snapshot().Produced)
	})

	t.Run("file", func(t *testing.T) {
		conn := &fileConn{}
		s, err := NewStream(64, conn, Options{})
		require.NoError(t, err)
		defer s.Release()
		require.True(t, s.Shared())

		src, err := mapped.Open(128, mapped.Options{Dir: t.TempDir(), Temp: true})
		require.NoError(t, err)
		defer src.Release()
		copy(src.Bytes()[100:], "from the page cache")

		require.NoError(t, s.SendFrom(src, 100, 19))
		require.Equal(t, []int64{100, 19}, conn.sent)
		require.Equal(t, "from the page cache", string(conn.all()))
	})

	t.Run("device", func(t *testing.T) {
		conn := &recordingConn{}
		s, err := NewStream(64, conn, Options{})
		require.NoError(t, err)
		defer s.Release()

		src, err := gpu.New(gpu.NewHostDriver(), 32, region.GPUDeviceLocal)
		require.NoError(t, err)
		defer src.Release()
		require.NoError(t, src.Upload(0, []byte("device bytes")))

		require.NoError(t, s.SendFrom(src, 0, 12))
		require.Equal(t, "device bytes", string(conn.all()))
		require.Equal(t, uint64(12), s.Chain().Snapshot().Produced)
	})
}

func TestDatagram(t *testing.T) {
	conn := &recordingConn{}
	d, err := NewDatagram(MaxDatagram+100, conn, Options{Endpoint: Endpoint{Protocol: UDP}})
	require.NoError(t, err)
	defer d.Release()
	require.Equal(t, region.NetDatagram, d.Kind())

	require.NoError(t, d.Transmit(0, 10))
	require.NoError(t, d.Transmit(10, 20))
	require.Len(t, conn.writes, 2)
	require.ErrorIs(t, d.Transmit(0, MaxDatagram+1), region.ErrBadRange)

	rec, err := d.Deliver([]byte("packet"))
	require.NoError(t, err)
	require.Equal(t, uint64(6), rec.Length)
	require.Equal(t, uint64(2), d.Stats().PacketsSent)
	require.Equal(t, uint64(1), d.Stats().PacketsReceived)
}

// pipeStream is one end of an in-memory stream.
type pipeStream struct {
	r      io.Reader
	w      bytes.Buffer
	closed bool
}

func (p *pipeStream) Read(b []byte) (int, error) {
	if p.r == nil {
		return 0, errors.New("send-only stream")
	}
	return p.r.Read(b)
}
func (p *pipeStream) Write(b []byte) (int, error) { return p.w.Write(b) }
func (p *pipeStream) Close() error                { p.closed = true; return nil }

type fakeMux struct {
	mu      sync.Mutex
	opened  []*pipeStream
	inbound io.Reader
	fail    error
	closed  bool
}

func (f *fakeMux) OpenStream(_ context.Context, dir Direction) (MuxStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	s := &pipeStream{}
	if dir == Bidirectional {
		s.r = f.inbound
	}
	f.opened = append(f.opened, s)
	return s, nil
}

func (f *fakeMux) Close() error { f.closed = true; return nil }

func TestMultiplexedStreamLifecycle(t *testing.T) {
	conn := &fakeMux{inbound: bytes.NewReader([]byte("reply"))}
	m, err := NewMultiplexed(256, conn, Options{Endpoint: Endpoint{Protocol: QUIC}})
	require.NoError(t, err)
	defer m.Release()

	id, err := m.OpenStream(context.Background(), Bidirectional)
	require.NoError(t, err)
	state, err := m.StreamState(id)
	require.NoError(t, err)
	require.Equal(t, StreamOpen, state)

	copy(m.Bytes(), "request")
	require.NoError(t, m.SendOnStream(id, 0, 7, true))
	require.Equal(t, "request", conn.opened[0].w.String())
	require.True(t, conn.opened[0].closed)
	state, _ = m.StreamState(id)
	require.Equal(t, StreamLocalClosed, state)
	require.ErrorIs(t, m.SendOnStream(id, 0, 1, false), ErrStreamState)

	n, err := m.ReceiveOnStream(id, 128, 64)
	require.NoError(t, err)
	require.Equal(t, uint64(5), n)
	require.Equal(t, "reply", string(m.Bytes()[128:133]))

	n, err = m.ReceiveOnStream(id, 133, 64)
	require.ErrorIs(t, err, io.EOF)
	require.Zero(t, n)
	state, _ = m.StreamState(id)
	require.Equal(t, StreamClosed, state)

	rec, ok := m.Poll()
	require.True(t, ok)
	require.Equal(t, Record{Region: m, Offset: 128, Length: 5, Stream: id}, rec)
	rec, ok = m.Poll()
	require.True(t, ok)
	require.True(t, rec.Final)
	require.Equal(t, id, rec.Stream)

	_, err = m.ReceiveOnStream(id, 0, 1)
	require.ErrorIs(t, err, ErrStreamState)
	require.ErrorIs(t, m.SetStreamPriority(id, 1), ErrStreamState)
}

func TestMultiplexedRemoteFinishFirst(t *testing.T) {
	m, err := NewMultiplexed(64, &fakeMux{}, Options{ReceiveChunk: 32})
	require.NoError(t, err)
	defer m.Release()

	remote := &pipeStream{r: bytes.NewReader([]byte("pushed"))}
	id, err := m.Accept(remote, Bidirectional)
	require.NoError(t, err)

	rec, err := m.ReceiveNext(id)
	require.NoError(t, err)
	b, err := rec.Bytes()
	require.NoError(t, err)
	require.Equal(t, "pushed", string(b))

	_, err = m.ReceiveNext(id)
	require.ErrorIs(t, err, io.EOF)
	state, _ := m.StreamState(id)
	require.Equal(t, StreamRemoteClosed, state)

	require.NoError(t, m.SendOnStream(id, 0, 4, true))
	state, _ = m.StreamState(id)
	require.Equal(t, StreamClosed, state)
}

func TestMultiplexedDirections(t *testing.T) {
	conn := &fakeMux{}
	m, err := NewMultiplexed(64, conn, Options{})
	require.NoError(t, err)
	defer m.Release()

	out, err := m.OpenStream(context.Background(), Unidirectional)
	require.NoError(t, err)
	require.NoError(t, m.SendOnStream(out, 0, 8, false))
	_, err = m.ReceiveOnStream(out, 0, 8)
	require.ErrorIs(t, err, ErrStreamState)

	in, err := m.Accept(&pipeStream{r: bytes.NewReader(nil)}, Unidirectional)
	require.NoError(t, err)
	require.ErrorIs(t, m.SendOnStream(in, 0, 8, false), ErrStreamState)

	require.ErrorIs(t, m.SendOnStream(99, 0, 1, false), ErrUnknownStream)
	require.ErrorIs(t, m.CloseStream(99), ErrUnknownStream)
	_, err = m.StreamPriority(99)
	require.ErrorIs(t, err, ErrUnknownStream)

	// Bytes only leave a multiplexed region on a stream.
	require.ErrorIs(t, m.Transmit(0, 1), ErrStreamState)
}

func TestMultiplexedPriorities(t *testing.T) {
	conn := &fakeMux{}
	m, err := NewMultiplexed(64, conn, Options{})
	require.NoError(t, err)

	var ids []uint64
	for i := 0; i < 4; i++ {
		id, err := m.OpenStream(context.Background(), Bidirectional)
		require.NoError(t, err)
		ids = append(ids, id)
	}
	require.NoError(t, m.SetStreamPriority(ids[2], 255))
	require.NoError(t, m.SetStreamPriority(ids[0], 10))
	require.NoError(t, m.CloseStream(ids[1]))
	require.NoError(t, m.CloseStream(ids[1]))

	require.Equal(t, []uint64{ids[2], ids[0], ids[3]}, m.Streams())
	p, err := m.StreamPriority(ids[2])
	require.NoError(t, err)
	require.Equal(t, uint8(255), p)

	conn.fail = errors.New("too many streams")
	_, err = m.OpenStream(context.Background(), Bidirectional)
	require.Error(t, err)
	require.Len(t, m.Streams(), 3)
	require.Equal(t, uint64(1), m.Stats().Errors)

	require.NoError(t, m.Close())
	require.True(t, conn.closed)
	require.Empty(t, m.Streams())
	for _, s := range conn.opened {
		require.True(t, s.closed)
	}
	_, err = m.OpenStream(context.Background(), Bidirectional)
	require.ErrorIs(t, err, ErrClosed)
	require.NoError(t, m.Release())
}

package transport

import (
	"bytes"
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/require"

	"github.com/neurogrid/zerocopy/pkg/mapped"
	"github.com/neurogrid/zerocopy/pkg/nic"
	"github.com/neurogrid/zerocopy/pkg/pool"
	"github.com/neurogrid/zerocopy/pkg/region"
)

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// collect reads records from r until n bytes have arrived.
type receiver interface {
	Next(ctx context.Context) (nic.Record, error)
}

func collect(t *testing.T, ctx context.Context, r receiver, n int) []byte {
	t.Helper()
	var got []byte
	for len(got) < n {
		rec, err := r.Next(ctx)
		require.NoError(t, err)
		b, err := rec.Bytes()
		require.NoError(t, err)
		got = append(got, b...)
	}
	return got
}

func TestTCPLoopback(t *testing.T) {
	ctx := testContext(t)
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	tr := NewTCP(log.NewNopLogger(), nic.Options{ReceiveChunk: 16})
	serveCtx, stop := context.WithCancel(ctx)
	accepted := make(chan *nic.Stream, 1)
	served := make(chan error, 1)
	go func() {
		served <- tr.Serve(serveCtx, l, 1024, func(s *nic.Stream) { accepted <- s })
	}()

	ep, err := nic.ParseEndpoint("tcp://" + l.Addr().String())
	require.NoError(t, err)
	client, err := tr.Dial(ctx, ep, 1024)
	require.NoError(t, err)
	require.True(t, client.ZeroCopy())
	require.Equal(t, region.NetStream, client.Kind())

	var server *nic.Stream
	select {
	case server = <-accepted:
	case <-ctx.Done():
		t.Fatal("no connection accepted")
	}

	require.NoError(t, client.Fill('x'))
	require.NoError(t, client.Transmit(0, 40))
	require.Equal(t, bytes.Repeat([]byte{'x'}, 40), collect(t, ctx, server, 40))
	require.Equal(t, uint64(40), client.Stats().BytesSent)

	t.Run("sendfile", func(t *testing.T) {
		src, err := mapped.Open(4096, mapped.Options{Dir: t.TempDir(), Temp: true})
		require.NoError(t, err)
		defer src.Release()
		copy(src.Bytes()[100:], "from the page cache")

		require.NoError(t, server.SendFrom(src, 100, 19))
		require.Equal(t, []byte("from the page cache"), collect(t, ctx, client, 19))
	})

	require.NoError(t, client.Release())
	require.NoError(t, server.Release())
	stop()
	require.NoError(t, <-served)
	tr.Wait()
}

func TestTCPConstructor(t *testing.T) {
	ctx := testContext(t)
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	go func() {
		for {
			c, err := l.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				io.Copy(io.Discard, c)
			}()
		}
	}()

	tr := NewTCP(nil, nic.Options{})
	ep, err := nic.ParseEndpoint("tcp://" + l.Addr().String())
	require.NoError(t, err)

	p, err := pool.New(pool.DefaultConfig(), nil, nil)
	require.NoError(t, err)
	defer p.Close()
	_, err = p.Allocate(256, region.NetStream)
	require.ErrorIs(t, err, region.ErrUnsupported)

	p.Register(region.NetStream, tr.Constructor(ctx, ep))
	r, err := p.Allocate(256, region.NetStream)
	require.NoError(t, err)
	require.Equal(t, region.NetStream, r.Kind())
	require.Equal(t, uint64(256), r.Size())
}

func TestUDPEcho(t *testing.T) {
	ctx := testContext(t)
	tr := NewUDP(log.NewNopLogger(), nic.Options{})

	server, addr, err := tr.Bind("127.0.0.1:0", 4096)
	require.NoError(t, err)
	require.ErrorIs(t, server.Transmit(0, 8), ErrNoPeer)

	ep, err := nic.ParseEndpoint("udp://" + addr.String())
	require.NoError(t, err)
	client, err := tr.Dial(ctx, ep, 4096)
	require.NoError(t, err)
	require.Equal(t, region.NetDatagram, client.Kind())

	copy(client.Bytes(), "ping")
	require.NoError(t, client.Transmit(0, 4))
	rec, err := server.Next(ctx)
	require.NoError(t, err)
	b, err := rec.Bytes()
	require.NoError(t, err)
	require.Equal(t, []byte("ping"), b)

	copy(server.Bytes()[1024:], "pong")
	require.NoError(t, server.Transmit(1024, 4))
	rec, err = client.Next(ctx)
	require.NoError(t, err)
	b, err = rec.Bytes()
	require.NoError(t, err)
	require.Equal(t, []byte("pong"), b)

	require.NoError(t, client.Release())
	require.NoError(t, server.Release())
	tr.Wait()
}

func TestQUICStreams(t *testing.T) {
	ctx := testContext(t)
	serverTLS, clientTLS, err := SelfSignedTLS("127.0.0.1")
	require.NoError(t, err)

	server := NewQUIC(log.NewNopLogger(), nic.Options{}, serverTLS)
	client := NewQUIC(log.NewNopLogger(), nic.Options{}, clientTLS)

	listenCtx, stop := context.WithCancel(ctx)
	ready := make(chan net.Addr, 1)
	accepted := make(chan *nic.Multiplexed, 1)
	listened := make(chan error, 1)
	go func() {
		listened <- server.Listen(listenCtx, "127.0.0.1:0", 4096,
			func(a net.Addr) { ready <- a },
			func(m *nic.Multiplexed) { accepted <- m })
	}()

	addr := <-ready
	ep, err := nic.ParseEndpoint("quic://" + addr.String())
	require.NoError(t, err)
	m, err := client.Dial(ctx, ep, 4096)
	require.NoError(t, err)
	require.Equal(t, region.NetMultiplexed, m.Kind())

	id, err := m.OpenStream(ctx, nic.Bidirectional)
	require.NoError(t, err)
	state, err := m.StreamState(id)
	require.NoError(t, err)
	require.Equal(t, nic.StreamOpen, state)

	copy(m.Bytes(), "hello over quic")
	require.NoError(t, m.SendOnStream(id, 0, 15, true))
	state, err = m.StreamState(id)
	require.NoError(t, err)
	require.Equal(t, nic.StreamLocalClosed, state)

	// The peer only learns about a stream once data arrives on it.
	var peer *nic.Multiplexed
	select {
	case peer = <-accepted:
	case <-ctx.Done():
		t.Fatal("no connection accepted")
	}
	var streams []uint64
	require.Eventually(t, func() bool {
		streams = peer.Streams()
		return len(streams) == 1
	}, 5*time.Second, 10*time.Millisecond)

	var got []byte
	for {
		rec, err := peer.ReceiveNext(streams[0])
		if rec.Length > 0 {
			b, berr := rec.Bytes()
			require.NoError(t, berr)
			got = append(got, b...)
		}
		if err != nil {
			break
		}
	}
	require.Equal(t, []byte("hello over quic"), got)

	require.NoError(t, m.Release())
	require.NoError(t, peer.Release())
	stop()
	require.NoError(t, <-listened)
	client.Wait()
	server.Wait()
}

func TestP2PRegion(t *testing.T) {
	ctx := testContext(t)

	accepted := make(chan *nic.Stream, 1)
	a, err := NewP2PNode(ctx, log.NewNopLogger(), P2PConfig{}, nic.Options{}, nil)
	require.NoError(t, err)
	defer a.Close()
	b, err := NewP2PNode(ctx, log.NewNopLogger(), P2PConfig{MaxRegion: 1 << 20}, nic.Options{}, func(s *nic.Stream) { accepted <- s })
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, a.Host().Connect(ctx, peer.AddrInfo{ID: b.Host().ID(), Addrs: b.Host().Addrs()}))

	_, err = a.OpenRegion(ctx, b.Host().ID(), 2<<20)
	require.ErrorIs(t, err, ErrRefused)

	local, err := a.OpenRegion(ctx, b.Host().ID(), 4096)
	require.NoError(t, err)
	require.Equal(t, nic.P2P, local.Endpoint().Protocol)

	var remote *nic.Stream
	select {
	case remote = <-accepted:
	case <-ctx.Done():
		t.Fatal("region not accepted")
	}

	copy(local.Bytes(), "segment payload")
	require.NoError(t, local.Transmit(0, 15))
	require.Equal(t, []byte("segment payload"), collect(t, ctx, remote, 15))

	_, stats, err := a.Ping(ctx, b.Host().ID())
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.Regions)
	require.Equal(t, uint64(15), stats.BytesReceived)

	// Nodes refusing regions say so.
	_, err = b.OpenRegion(ctx, a.Host().ID(), 4096)
	require.ErrorIs(t, err, ErrRefused)

	require.NoError(t, local.Release())
	require.Eventually(t, remote.Closed, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, remote.Release())
}

// Package transport connects network regions to real wires: TCP streams,
// UDP datagrams, QUIC connections and libp2p streams.
package transport

import (
	"context"
	"net"
	"os"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/neurogrid/zerocopy/pkg/nic"
	"github.com/neurogrid/zerocopy/pkg/pool"
)

// TCPConn is a TCP connection usable as the transmit side of a stream
// region. It sends file ranges with sendfile(2).
type TCPConn struct {
	*net.TCPConn
}

// SendFile writes n bytes of f starting at offset without copying them
// through user space.
func (c TCPConn) SendFile(f *os.File, offset, n int64) (int64, error) {
	rc, err := c.SyscallConn()
	if err != nil {
		return 0, err
	}
	var (
		sent    int64
		sendErr error
	)
	err = rc.Write(func(fd uintptr) bool {
		for sent < n {
			off := offset + sent
			w, err := unix.Sendfile(int(fd), int(f.Fd()), &off, int(n-sent))
			if w > 0 {
				sent += int64(w)
			}
			switch {
			case err == unix.EAGAIN:
				return false
			case err == unix.EINTR:
				continue
			case err != nil:
				sendErr = err
				return true
			case w == 0:
				sendErr = unix.EIO
				return true
			}
		}
		return true
	})
	if sendErr != nil {
		return sent, os.NewSyscallError("sendfile", sendErr)
	}
	return sent, err
}

// TCP dials and accepts stream regions over TCP.
type TCP struct {
	logger log.Logger
	opts   nic.Options
	dialer net.Dialer

	wg sync.WaitGroup
}

// NewTCP returns a TCP transport creating regions with opts.
func NewTCP(logger log.Logger, opts nic.Options) *TCP {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	opts.Logger = logger
	return &TCP{logger: logger, opts: opts}
}

// Dial connects to ep and returns a stream region of size bytes fed by the
// connection.
func (t *TCP) Dial(ctx context.Context, ep nic.Endpoint, size uint64) (*nic.Stream, error) {
	c, err := t.dialer.DialContext(ctx, "tcp", ep.HostPort())
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", ep)
	}
	return t.attach(c.(*net.TCPConn), ep, size)
}

func (t *TCP) attach(c *net.TCPConn, ep nic.Endpoint, size uint64) (*nic.Stream, error) {
	opts := t.opts
	opts.Endpoint = ep
	s, err := nic.NewStream(size, TCPConn{c}, opts)
	if err != nil {
		c.Close()
		return nil, err
	}
	level.Info(t.logger).Log("msg", "tcp region connected", "endpoint", ep, "local", c.LocalAddr())

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		n, err := s.Pump(c)
		if err != nil && !s.Closed() {
			level.Warn(t.logger).Log("msg", "tcp receive failed", "endpoint", ep, "err", err)
		}
		level.Info(t.logger).Log("msg", "tcp region disconnected", "endpoint", ep, "received", n)
	}()
	return s, nil
}

// Serve accepts connections on l until ctx is done, handing each new stream
// region to accept.
func (t *TCP) Serve(ctx context.Context, l net.Listener, size uint64, accept func(*nic.Stream)) error {
	stop := context.AfterFunc(ctx, func() { l.Close() })
	defer stop()

	for {
		c, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "accept")
		}
		ep, err := endpointOf(nic.TCP, c.RemoteAddr())
		if err != nil {
			c.Close()
			continue
		}
		s, err := t.attach(c.(*net.TCPConn), ep, size)
		if err != nil {
			level.Warn(t.logger).Log("msg", "failed to create region for connection", "endpoint", ep, "err", err)
			continue
		}
		accept(s)
	}
}

// Wait blocks until every receive goroutine has exited. Regions stop
// receiving once released or closed.
func (t *TCP) Wait() {
	t.wg.Wait()
}

// Constructor returns a pool constructor that dials ep for every
// allocation.
func (t *TCP) Constructor(ctx context.Context, ep nic.Endpoint) pool.Constructor {
	return pool.As(func(size uint64) (*nic.Stream, error) {
		return t.Dial(ctx, ep, size)
	})
}

func endpointOf(p nic.Protocol, addr net.Addr) (nic.Endpoint, error) {
	host, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		return nic.Endpoint{}, err
	}
	return nic.ParseEndpoint(p.String() + "://" + net.JoinHostPort(host, port))
}

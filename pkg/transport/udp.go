package transport

import (
	"context"
	"net"
	"sync"
	"sync/atomic"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/neurogrid/zerocopy/pkg/nic"
	"github.com/neurogrid/zerocopy/pkg/pool"
)

var ErrNoPeer = errors.New("no datagram peer yet")

// boundConn sends to the last peer a bound socket heard from.
type boundConn struct {
	*net.UDPConn
	peer atomic.Pointer[net.UDPAddr]
}

func (c *boundConn) Write(b []byte) (int, error) {
	addr := c.peer.Load()
	if addr == nil {
		return 0, ErrNoPeer
	}
	return c.WriteToUDP(b, addr)
}

// UDP creates datagram regions over UDP sockets.
type UDP struct {
	logger log.Logger
	opts   nic.Options
	dialer net.Dialer

	wg sync.WaitGroup
}

// NewUDP returns a UDP transport creating regions with opts.
func NewUDP(logger log.Logger, opts nic.Options) *UDP {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	opts.Logger = logger
	return &UDP{logger: logger, opts: opts}
}

// Dial returns a datagram region of size bytes exchanging packets with ep.
func (u *UDP) Dial(ctx context.Context, ep nic.Endpoint, size uint64) (*nic.Datagram, error) {
	c, err := u.dialer.DialContext(ctx, "udp", ep.HostPort())
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", ep)
	}
	uc := c.(*net.UDPConn)
	d, err := u.region(uc, ep, size)
	if err != nil {
		return nil, err
	}
	u.receive(d, ep, func(b []byte) (int, error) { return uc.Read(b) })
	return d, nil
}

// Bind returns a datagram region of size bytes receiving on addr. It
// replies to whichever peer sent the most recent packet.
func (u *UDP) Bind(addr string, size uint64) (*nic.Datagram, net.Addr, error) {
	laddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "resolve %s", addr)
	}
	uc, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "listen %s", addr)
	}
	ep, err := endpointOf(nic.UDP, uc.LocalAddr())
	if err != nil {
		uc.Close()
		return nil, nil, err
	}
	bc := &boundConn{UDPConn: uc}
	d, err := u.region(bc, ep, size)
	if err != nil {
		return nil, nil, err
	}
	u.receive(d, ep, func(b []byte) (int, error) {
		n, from, err := uc.ReadFromUDP(b)
		if from != nil {
			bc.peer.Store(from)
		}
		return n, err
	})
	return d, uc.LocalAddr(), nil
}

func (u *UDP) region(c nic.Conn, ep nic.Endpoint, size uint64) (*nic.Datagram, error) {
	opts := u.opts
	opts.Endpoint = ep
	d, err := nic.NewDatagram(size, c, opts)
	if err != nil {
		c.Close()
		return nil, err
	}
	return d, nil
}

// receive reads packets into a scratch buffer and delivers each one until
// the socket is closed.
func (u *UDP) receive(d *nic.Datagram, ep nic.Endpoint, read func([]byte) (int, error)) {
	u.wg.Add(1)
	go func() {
		defer u.wg.Done()
		buf := make([]byte, nic.MaxDatagram)
		for {
			n, err := read(buf)
			if err != nil {
				if !d.Closed() {
					level.Warn(u.logger).Log("msg", "udp receive failed", "endpoint", ep, "err", err)
				}
				return
			}
			if _, err := d.Deliver(buf[:n]); err != nil {
				if errors.Is(err, nic.ErrClosed) {
					return
				}
				level.Debug(u.logger).Log("msg", "dropped datagram", "endpoint", ep, "bytes", n, "err", err)
			}
		}
	}()
}

// Wait blocks until every receive goroutine has exited.
func (u *UDP) Wait() {
	u.wg.Wait()
}

// Constructor returns a pool constructor that dials ep for every
// allocation.
func (u *UDP) Constructor(ctx context.Context, ep nic.Endpoint) pool.Constructor {
	return pool.As(func(size uint64) (*nic.Datagram, error) {
		return u.Dial(ctx, ep, size)
	})
}

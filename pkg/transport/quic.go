package transport

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/quic-go/quic-go"

	"github.com/neurogrid/zerocopy/pkg/nic"
	"github.com/neurogrid/zerocopy/pkg/pool"
)

// ALPN is the application protocol negotiated on QUIC connections.
const ALPN = "zerocopy-mux"

var errSendOnly = errors.New("stream is send-only")

// quicConn adapts a QUIC connection to nic.MuxConn.
type quicConn struct {
	conn *quic.Conn
}

func (c quicConn) OpenStream(ctx context.Context, dir nic.Direction) (nic.MuxStream, error) {
	if dir == nic.Unidirectional {
		s, err := c.conn.OpenUniStreamSync(ctx)
		if err != nil {
			return nil, err
		}
		return sendOnly{s}, nil
	}
	s, err := c.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (c quicConn) Close() error {
	return c.conn.CloseWithError(0, "region closed")
}

type sendOnly struct {
	*quic.SendStream
}

func (sendOnly) Read([]byte) (int, error) { return 0, errSendOnly }

type receiveOnly struct {
	*quic.ReceiveStream
}

func (receiveOnly) Write([]byte) (int, error) { return 0, errSendOnly }

func (r receiveOnly) Close() error {
	r.CancelRead(0)
	return nil
}

// QUIC creates multiplexed regions over QUIC connections.
type QUIC struct {
	logger log.Logger
	opts   nic.Options
	tls    *tls.Config
	conf   *quic.Config

	wg sync.WaitGroup
}

// NewQUIC returns a QUIC transport. tlsConf must carry a certificate for
// listening; dialing only needs the peer to be trusted.
func NewQUIC(logger log.Logger, opts nic.Options, tlsConf *tls.Config) *QUIC {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	opts.Logger = logger
	tlsConf = tlsConf.Clone()
	tlsConf.NextProtos = []string{ALPN}
	return &QUIC{
		logger: logger,
		opts:   opts,
		tls:    tlsConf,
		conf:   &quic.Config{KeepAlivePeriod: 15 * time.Second},
	}
}

// Dial connects to ep and returns a multiplexed region of size bytes.
// Streams the peer opens are adopted until the connection closes.
func (q *QUIC) Dial(ctx context.Context, ep nic.Endpoint, size uint64) (*nic.Multiplexed, error) {
	conn, err := quic.DialAddr(ctx, ep.HostPort(), q.tls, q.conf)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", ep)
	}
	return q.attach(conn, ep, size)
}

func (q *QUIC) attach(conn *quic.Conn, ep nic.Endpoint, size uint64) (*nic.Multiplexed, error) {
	opts := q.opts
	opts.Endpoint = ep
	m, err := nic.NewMultiplexed(size, quicConn{conn}, opts)
	if err != nil {
		conn.CloseWithError(0, "")
		return nil, err
	}
	level.Info(q.logger).Log("msg", "quic region connected", "endpoint", ep)

	ctx := conn.Context()
	q.wg.Add(2)
	go func() {
		defer q.wg.Done()
		for {
			s, err := conn.AcceptStream(ctx)
			if err != nil {
				return
			}
			if _, err := m.Accept(s, nic.Bidirectional); err != nil {
				s.CancelRead(0)
				s.Close()
				return
			}
		}
	}()
	go func() {
		defer q.wg.Done()
		for {
			s, err := conn.AcceptUniStream(ctx)
			if err != nil {
				return
			}
			if _, err := m.Accept(receiveOnly{s}, nic.Unidirectional); err != nil {
				s.CancelRead(0)
				return
			}
		}
	}()
	return m, nil
}

// Listen accepts QUIC connections on addr until ctx is done, handing each
// new multiplexed region to accept. ready, when not nil, receives the bound
// address.
func (q *QUIC) Listen(ctx context.Context, addr string, size uint64, ready func(net.Addr), accept func(*nic.Multiplexed)) error {
	l, err := quic.ListenAddr(addr, q.tls, q.conf)
	if err != nil {
		return errors.Wrapf(err, "listen %s", addr)
	}
	defer l.Close()
	if ready != nil {
		ready(l.Addr())
	}

	for {
		conn, err := l.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "accept")
		}
		ep, err := endpointOf(nic.QUIC, conn.RemoteAddr())
		if err != nil {
			conn.CloseWithError(0, "")
			continue
		}
		m, err := q.attach(conn, ep, size)
		if err != nil {
			level.Warn(q.logger).Log("msg", "failed to create region for connection", "endpoint", ep, "err", err)
			continue
		}
		accept(m)
	}
}

// Wait blocks until every accept goroutine has exited.
func (q *QUIC) Wait() {
	q.wg.Wait()
}

// Constructor returns a pool constructor that dials ep for every
// allocation.
func (q *QUIC) Constructor(ctx context.Context, ep nic.Endpoint) pool.Constructor {
	return pool.As(func(size uint64) (*nic.Multiplexed, error) {
		return q.Dial(ctx, ep, size)
	})
}

// SelfSignedTLS returns a server configuration with a fresh ECDSA
// certificate for hosts, and a client configuration trusting it.
func SelfSignedTLS(hosts ...string) (server, client *tls.Config, err error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return nil, nil, err
	}
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: "zerocopy"},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			tmpl.IPAddresses = append(tmpl.IPAddresses, ip)
		} else {
			tmpl.DNSNames = append(tmpl.DNSNames, h)
		}
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, err
	}
	roots := x509.NewCertPool()
	roots.AddCert(cert)

	server = &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: key, Leaf: cert}},
		NextProtos:   []string{ALPN},
	}
	client = &tls.Config{RootCAs: roots, NextProtos: []string{ALPN}}
	return server, client, nil
}

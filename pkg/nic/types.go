// Package nic implements network regions: chained regions whose bytes are
// filled by a transport and drained onto one. Each region owns a byte area
// and a receive queue of records naming the ranges the transport delivered.
package nic

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/go-kit/log"
	"github.com/pkg/errors"

	"github.com/neurogrid/zerocopy/pkg/region"
)

var (
	ErrClosed        = errors.New("network region closed")
	ErrStreamState   = errors.New("operation not allowed in stream state")
	ErrUnknownStream = errors.New("unknown stream")
	ErrQueueFull     = errors.New("receive queue full")
)

// Protocol tags an endpoint with the transport that understands it.
type Protocol uint8

const (
	TCP Protocol = iota + 1
	UDP
	QUIC
	P2P
)

func (p Protocol) String() string {
	switch p {
	case TCP:
		return "tcp"
	case UDP:
		return "udp"
	case QUIC:
		return "quic"
	case P2P:
		return "p2p"
	}
	return fmt.Sprintf("protocol(%d)", uint8(p))
}

// ParseProtocol is the inverse of Protocol.String.
func ParseProtocol(s string) (Protocol, error) {
	switch strings.ToLower(s) {
	case "tcp":
		return TCP, nil
	case "udp":
		return UDP, nil
	case "quic":
		return QUIC, nil
	case "p2p":
		return P2P, nil
	}
	return 0, errors.Errorf("unknown protocol %q", s)
}

// Endpoint describes the remote side of a network region.
type Endpoint struct {
	Protocol Protocol
	Address  string
	Port     uint16
}

func (e Endpoint) String() string {
	return e.Protocol.String() + "://" + net.JoinHostPort(e.Address, strconv.Itoa(int(e.Port)))
}

// HostPort returns the address in host:port form.
func (e Endpoint) HostPort() string {
	return net.JoinHostPort(e.Address, strconv.Itoa(int(e.Port)))
}

// ParseEndpoint parses "proto://host:port".
func ParseEndpoint(s string) (Endpoint, error) {
	proto, addr, ok := strings.Cut(s, "://")
	if !ok {
		return Endpoint{}, errors.Errorf("endpoint %q has no protocol", s)
	}
	p, err := ParseProtocol(proto)
	if err != nil {
		return Endpoint{}, err
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return Endpoint{}, errors.Wrapf(err, "endpoint %q", s)
	}
	n, err := strconv.ParseUint(port, 10, 16)
	if err != nil {
		return Endpoint{}, errors.Wrapf(err, "endpoint %q port", s)
	}
	return Endpoint{Protocol: p, Address: host, Port: uint16(n)}, nil
}

// Record names bytes a transport deposited into a region.
type Record struct {
	Region region.Chained
	Offset uint64
	Length uint64

	// Stream is the multiplexed stream the bytes arrived on, zero otherwise.
	Stream uint64
	// Final is set on the last record of a stream.
	Final bool
}

// Bytes resolves the record to the delivered bytes.
func (r Record) Bytes() ([]byte, error) {
	if r.Region == nil {
		return nil, region.ErrBadRange
	}
	if r.Length == 0 {
		return nil, nil
	}
	v, err := region.Bound(r.Region, r.Offset, r.Length)
	if err != nil {
		return nil, err
	}
	return v.Bytes()
}

// Stats is a snapshot of a region's traffic counters. Every field is
// monotonic.
type Stats struct {
	BytesSent       uint64
	BytesReceived   uint64
	PacketsSent     uint64
	PacketsReceived uint64
	Errors          uint64
	Drops           uint64
}

type counters struct {
	bytesSent       atomic.Uint64
	bytesReceived   atomic.Uint64
	packetsSent     atomic.Uint64
	packetsReceived atomic.Uint64
	errors          atomic.Uint64
	drops           atomic.Uint64
}

func (c *counters) snapshot() Stats {
	return Stats{
		BytesSent:       c.bytesSent.Load(),
		BytesReceived:   c.bytesReceived.Load(),
		PacketsSent:     c.packetsSent.Load(),
		PacketsReceived: c.packetsReceived.Load(),
		Errors:          c.errors.Load(),
		Drops:           c.drops.Load(),
	}
}

// Conn is the transmit side a transport hands to a stream or datagram
// region. For datagram transports each Write is one packet.
type Conn interface {
	Write(b []byte) (int, error)
	Close() error
}

// FileSender is implemented by transports that can send a file range without
// copying it through user space.
type FileSender interface {
	SendFile(f *os.File, offset, n int64) (int64, error)
}

// fileRegion is satisfied by file-backed regions.
type fileRegion interface {
	File() *os.File
}

// downloader is satisfied by regions that are not locally addressable but
// can copy their contents out, such as device-local GPU memory.
type downloader interface {
	Download(dst []byte, offset uint64) error
}

const (
	DefaultQueueDepth   = 1024
	DefaultReceiveChunk = 64 << 10
)

// Options configure a network region.
type Options struct {
	Endpoint Endpoint
	// QueueDepth bounds the receive queue; deliveries beyond it are dropped.
	QueueDepth int
	// ReceiveChunk is how much a stream receive claims at a time.
	ReceiveChunk uint64
	Logger       log.Logger
}

func (o Options) withDefaults() Options {
	if o.QueueDepth <= 0 {
		o.QueueDepth = DefaultQueueDepth
	}
	if o.ReceiveChunk == 0 {
		o.ReceiveChunk = DefaultReceiveChunk
	}
	if o.Logger == nil {
		o.Logger = log.NewNopLogger()
	}
	return o
}

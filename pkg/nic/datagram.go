package nic

import (
	"github.com/pkg/errors"

	"github.com/neurogrid/zerocopy/pkg/region"
)

// MaxDatagram is the largest UDP payload over IPv4.
const MaxDatagram = 65507

// Datagram is a network region over a packet transport. Every Transmit is
// one packet and every delivery one record.
type Datagram struct {
	base
}

// NewDatagram creates a datagram region of size bytes sending on conn.
func NewDatagram(size uint64, conn Conn, opts Options) (*Datagram, error) {
	if size == 0 {
		return nil, region.ErrInvalidSize
	}
	opts = opts.withDefaults()
	d := &Datagram{}
	if err := d.init(d, size, newLink(region.NetDatagram, conn, opts), true); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Datagram) Spawn(size uint64) (region.Chained, error) {
	n := &Datagram{}
	if err := n.init(n, size, d.link, false); err != nil {
		return nil, err
	}
	return n, nil
}

// Transmit sends [offset, offset+length) as a single packet.
func (d *Datagram) Transmit(offset, length uint64) error {
	if length > MaxDatagram {
		d.link.stats.errors.Add(1)
		return errors.Wrapf(region.ErrBadRange, "datagram of %d bytes", length)
	}
	return d.base.Transmit(offset, length)
}

// SendFrom sends [offset, offset+length) of src as a single packet.
func (d *Datagram) SendFrom(src region.Region, offset, length uint64) error {
	if length > MaxDatagram {
		d.link.stats.errors.Add(1)
		return errors.Wrapf(region.ErrBadRange, "datagram of %d bytes", length)
	}
	return d.base.SendFrom(src, offset, length)
}

// Package snapshot writes region contents to lz4-compressed snapshot streams
// and restores them. Snapshots are only taken on request; regions never
// compress transparently.
//
// A snapshot is a sequence of frames, each covering one block of the
// region:
//
//	magic "ZCS1" | flags u8 | original size u64 | crc32 u32 | payload size u32 | payload
//
// The payload is an lz4 block, or the raw bytes when flagStored is set
// because the block did not compress. All integers are little endian.
package snapshot

import (
	"encoding/binary"
	"hash/crc32"
	"io"

	"github.com/pierrec/lz4/v4"
	"github.com/pkg/errors"

	"github.com/neurogrid/zerocopy/pkg/region"
)

const (
	Magic = "ZCS1"

	// DefaultBlockSize is the region span compressed per frame.
	DefaultBlockSize = 4 << 20

	frameHeaderSize = 4 + 1 + 8 + 4 + 4

	flagStored = 1 << 0
)

var (
	ErrCorrupt  = errors.New("corrupt snapshot")
	ErrChecksum = errors.New("snapshot checksum mismatch")
)

// Options control how a snapshot is written.
type Options struct {
	// BlockSize is the number of region bytes per frame.
	BlockSize int
	// High selects the slower high-compression lz4 encoder.
	High bool
}

func (o Options) withDefaults() Options {
	if o.BlockSize <= 0 {
		o.BlockSize = DefaultBlockSize
	}
	return o
}

// Stats describe a written or restored snapshot.
type Stats struct {
	Frames     int
	Original   uint64
	Compressed uint64
}

// Ratio returns original over compressed size.
func (s Stats) Ratio() float64 {
	if s.Compressed == 0 {
		return 0
	}
	return float64(s.Original) / float64(s.Compressed)
}

type downloader interface {
	Download(dst []byte, offset uint64) error
}

type uploader interface {
	Upload(offset uint64, src []byte) error
}

type blockCompressor interface {
	CompressBlock(src, dst []byte) (int, error)
}

// Write compresses [offset, offset+length) of r into w. A zero length runs to
// the end of the region. Regions that are not locally addressable are copied
// out block by block when they support it.
func Write(w io.Writer, r region.Region, offset, length uint64, opts Options) (Stats, error) {
	opts = opts.withDefaults()
	v, err := r.View(offset, length)
	if err != nil {
		return Stats{}, err
	}

	var src func(off uint64, n int) ([]byte, error)
	if r.Local() {
		data, err := v.Bytes()
		if err != nil {
			return Stats{}, err
		}
		src = func(off uint64, n int) ([]byte, error) {
			return data[off : off+uint64(n)], nil
		}
	} else {
		d, ok := r.(downloader)
		if !ok {
			return Stats{}, region.ErrNotAddressable
		}
		staged := make([]byte, opts.BlockSize)
		src = func(off uint64, n int) ([]byte, error) {
			if err := d.Download(staged[:n], v.Offset+off); err != nil {
				return nil, err
			}
			return staged[:n], nil
		}
	}

	var c blockCompressor = &lz4.Compressor{}
	if opts.High {
		c = &lz4.CompressorHC{Level: lz4.Level9}
	}
	fw := frameWriter{w: w, c: c, dst: make([]byte, frameHeaderSize+lz4.CompressBlockBound(opts.BlockSize))}

	var stats Stats
	for off := uint64(0); off < v.Len; {
		n := int(min(uint64(opts.BlockSize), v.Len-off))
		block, err := src(off, n)
		if err != nil {
			return stats, errors.Wrapf(err, "read block at %d", off)
		}
		written, err := fw.write(block)
		if err != nil {
			return stats, err
		}
		stats.Frames++
		stats.Original += uint64(n)
		stats.Compressed += uint64(written)
		off += uint64(n)
	}
	return stats, nil
}

type frameWriter struct {
	w   io.Writer
	c   blockCompressor
	dst []byte
}

func (fw *frameWriter) write(block []byte) (int, error) {
	payload := fw.dst[frameHeaderSize:]
	n, err := fw.c.CompressBlock(block, payload)
	if err != nil {
		return 0, errors.Wrap(err, "lz4 compress")
	}
	var flags byte
	if n == 0 || n >= len(block) {
		flags = flagStored
		n = copy(payload, block)
	}

	hdr := fw.dst[:frameHeaderSize]
	copy(hdr, Magic)
	hdr[4] = flags
	binary.LittleEndian.PutUint64(hdr[5:13], uint64(len(block)))
	binary.LittleEndian.PutUint32(hdr[13:17], crc32.ChecksumIEEE(block))
	binary.LittleEndian.PutUint32(hdr[17:21], uint32(n))

	if _, err := fw.w.Write(fw.dst[:frameHeaderSize+n]); err != nil {
		return 0, err
	}
	return frameHeaderSize + n, nil
}

// Read restores a snapshot from rd into r starting at offset. It fails with
// region.ErrBadRange when the snapshot does not fit.
func Read(rd io.Reader, r region.Region, offset uint64) (Stats, error) {
	var (
		dst  func(off uint64, b []byte) error
		size = r.Size()
	)
	if offset > size {
		return Stats{}, region.ErrBadRange
	}
	if r.Local() {
		data := r.Bytes()
		if data == nil {
			return Stats{}, region.ErrReleased
		}
		dst = func(off uint64, b []byte) error {
			copy(data[off:], b)
			return nil
		}
	} else {
		u, ok := r.(uploader)
		if !ok {
			return Stats{}, region.ErrNotAddressable
		}
		dst = u.Upload
	}

	var (
		stats Stats
		hdr   [frameHeaderSize]byte
		in    []byte
		out   []byte
		off   = offset
	)
	for {
		if _, err := io.ReadFull(rd, hdr[:]); err != nil {
			if err == io.EOF {
				return stats, nil
			}
			return stats, errors.Wrap(ErrCorrupt, err.Error())
		}
		if string(hdr[:4]) != Magic {
			return stats, errors.Wrap(ErrCorrupt, "bad magic")
		}
		flags := hdr[4]
		orig := binary.LittleEndian.Uint64(hdr[5:13])
		sum := binary.LittleEndian.Uint32(hdr[13:17])
		plen := binary.LittleEndian.Uint32(hdr[17:21])

		if orig > size-off {
			return stats, errors.Wrapf(region.ErrBadRange, "frame of %d bytes at %d exceeds region of %d", orig, off, size)
		}
		if flags&flagStored != 0 && uint64(plen) != orig {
			return stats, errors.Wrap(ErrCorrupt, "stored frame size mismatch")
		}

		in = grow(in, int(plen))
		if _, err := io.ReadFull(rd, in); err != nil {
			return stats, errors.Wrap(ErrCorrupt, err.Error())
		}

		block := in
		if flags&flagStored == 0 {
			out = grow(out, int(orig))
			n, err := lz4.UncompressBlock(in, out)
			if err != nil {
				return stats, errors.Wrap(ErrCorrupt, err.Error())
			}
			if uint64(n) != orig {
				return stats, errors.Wrapf(ErrCorrupt, "frame decoded to %d bytes, want %d", n, orig)
			}
			block = out
		}
		if crc32.ChecksumIEEE(block) != sum {
			return stats, errors.Wrapf(ErrChecksum, "frame %d", stats.Frames)
		}
		if err := dst(off, block); err != nil {
			return stats, err
		}

		stats.Frames++
		stats.Original += orig
		stats.Compressed += uint64(frameHeaderSize) + uint64(plen)
		off += orig
	}
}

// Scan validates frame headers without decoding payloads and reports the
// totals, which tells a caller how large a region Read needs.
func Scan(rd io.Reader) (Stats, error) {
	var (
		stats Stats
		hdr   [frameHeaderSize]byte
	)
	for {
		if _, err := io.ReadFull(rd, hdr[:]); err != nil {
			if err == io.EOF {
				return stats, nil
			}
			return stats, errors.Wrap(ErrCorrupt, err.Error())
		}
		if string(hdr[:4]) != Magic {
			return stats, errors.Wrap(ErrCorrupt, "bad magic")
		}
		plen := int64(binary.LittleEndian.Uint32(hdr[17:21]))
		if _, err := io.CopyN(io.Discard, rd, plen); err != nil {
			return stats, errors.Wrap(ErrCorrupt, err.Error())
		}
		stats.Frames++
		stats.Original += binary.LittleEndian.Uint64(hdr[5:13])
		stats.Compressed += uint64(frameHeaderSize) + uint64(plen)
	}
}

func grow(b []byte, n int) []byte {
	if cap(b) < n {
		return make([]byte, n)
	}
	return b[:n]
}

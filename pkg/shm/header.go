package shm

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/pkg/errors"
)

// Segment header layout, little endian, at offset 0 of every segment.
const (
	HeaderSize = 64
	Version    = 1

	offMagic    = 0
	offVersion  = 4
	offRefcount = 8
	offSize     = 16
	offCreated  = 24
	offCreator  = 32
	creatorLen  = 24
)

var magic = [4]byte{'Z', 'C', 'S', 'M'}

var (
	ErrBadMagic   = errors.New("not a shared memory segment")
	ErrBadVersion = errors.New("unsupported shared memory segment version")
	ErrTooSmall   = errors.New("shared memory segment smaller than requested")
)

// Header describes a segment.
type Header struct {
	Version  uint32
	Refcount uint32
	Size     uint64
	Created  time.Time
	Creator  string
}

func (h Header) String() string {
	return fmt.Sprintf("version=%d refcount=%d size=%d created=%s creator=%q",
		h.Version, h.Refcount, h.Size, h.Created.UTC().Format(time.RFC3339Nano), h.Creator)
}

// initHeader writes a fresh header into b without the magic. The refcount is
// left at zero for the creator to claim before publishHeader makes the
// segment attachable.
func initHeader(b []byte, size uint64, creator string) {
	binary.LittleEndian.PutUint32(b[offVersion:], Version)
	binary.LittleEndian.PutUint64(b[offSize:], size)
	binary.LittleEndian.PutUint64(b[offCreated:], uint64(time.Now().UnixNano()))
	tag := make([]byte, creatorLen)
	copy(tag, creator)
	copy(b[offCreator:offCreator+creatorLen], tag)
}

// publishHeader stores the magic, after which other processes may attach.
func publishHeader(b []byte) {
	(*atomic.Uint32)(unsafe.Pointer(&b[offMagic])).Store(binary.LittleEndian.Uint32(magic[:]))
}

func decodeHeader(b []byte, refcount uint32) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, ErrBadMagic
	}
	if !bytes.Equal(b[offMagic:offMagic+4], magic[:]) {
		return Header{}, ErrBadMagic
	}
	h := Header{
		Version:  binary.LittleEndian.Uint32(b[offVersion:]),
		Refcount: refcount,
		Size:     binary.LittleEndian.Uint64(b[offSize:]),
		Created:  time.Unix(0, int64(binary.LittleEndian.Uint64(b[offCreated:]))),
		Creator:  string(bytes.TrimRight(b[offCreator:offCreator+creatorLen], "\x00")),
	}
	if h.Version != Version {
		return h, errors.Wrapf(ErrBadVersion, "version %d", h.Version)
	}
	return h, nil
}

// refcount returns the process-shared counter inside a mapped header.
func refcount(b []byte) *atomic.Uint32 {
	return (*atomic.Uint32)(unsafe.Pointer(&b[offRefcount]))
}

// defaultCreator tags segments with the creating pid and host.
func defaultCreator() string {
	host, _ := os.Hostname()
	if i := strings.IndexByte(host, '.'); i > 0 {
		host = host[:i]
	}
	tag := fmt.Sprintf("%d@%s", os.Getpid(), host)
	if len(tag) > creatorLen {
		tag = tag[:creatorLen]
	}
	return tag
}

// ReadHeader reads the header of segment name in dir without attaching to it.
func ReadHeader(name, dir string) (Header, error) {
	f, err := os.Open(segmentPath(name, dir))
	if err != nil {
		return Header{}, errors.Wrapf(err, "open segment %s", name)
	}
	defer f.Close()

	b := make([]byte, HeaderSize)
	if _, err := f.ReadAt(b, 0); err != nil {
		return Header{}, errors.Wrapf(ErrBadMagic, "read header of %s: %v", name, err)
	}
	return decodeHeader(b, binary.LittleEndian.Uint32(b[offRefcount:]))
}

// Package shm implements named shared memory regions that several processes
// can map at once. A segment is a file in a memory-backed directory
// (/dev/shm on Linux) holding a small header followed by the region bytes;
// the header carries a process-shared reference count and the last process
// to detach removes the name.
package shm

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/neurogrid/zerocopy/pkg/region"
)

// DefaultDir is where segments live when Options.Dir is empty.
var DefaultDir = func() string {
	if st, err := os.Stat("/dev/shm"); err == nil && st.IsDir() {
		return "/dev/shm"
	}
	return os.TempDir()
}()

// Options configure Create and Attach.
type Options struct {
	// Name identifies the segment. Create generates one when empty.
	Name string
	// Dir overrides DefaultDir.
	Dir string
	// Creator is stored in the header; it defaults to pid@host.
	Creator string
}

// Region is a chained region mapped from a named segment.
type Region struct {
	chain region.Chain
	opts  Options
	name  string
	base  string
	seq   *atomic.Uint32

	mu   sync.RWMutex
	mem  []byte // header + data
	data []byte
}

// Create makes a new segment of size bytes and attaches to it. It fails if
// the name already exists.
func Create(size uint64, opts Options) (*Region, error) {
	if opts.Name == "" {
		opts.Name = generateName()
	}
	return create(size, opts, opts.Name, new(atomic.Uint32))
}

func create(size uint64, opts Options, base string, seq *atomic.Uint32) (*Region, error) {
	if err := checkName(opts.Name); err != nil {
		return nil, err
	}
	if size == 0 || size > uint64(maxInt-HeaderSize) {
		return nil, region.ErrInvalidSize
	}
	path := segmentPath(opts.Name, opts.Dir)

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, errors.Wrapf(err, "create segment %s", opts.Name)
	}
	defer f.Close()

	total := int64(size) + HeaderSize
	if err := unix.Ftruncate(int(f.Fd()), total); err != nil {
		os.Remove(path)
		return nil, errors.Wrapf(mapErr(err), "size segment %s", opts.Name)
	}
	mem, err := unix.Mmap(int(f.Fd()), 0, int(total), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		os.Remove(path)
		return nil, errors.Wrapf(mapErr(err), "map segment %s", opts.Name)
	}

	creator := opts.Creator
	if creator == "" {
		creator = defaultCreator()
	}
	initHeader(mem, size, creator)
	if !refcount(mem).CompareAndSwap(0, 1) {
		unix.Munmap(mem)
		os.Remove(path)
		return nil, errors.Errorf("segment %s was attached before it was initialized", opts.Name)
	}
	publishHeader(mem)
	return newRegion(mem, size, opts, base, seq), nil
}

// Attach maps an existing segment. size must not exceed the size recorded in
// the header; zero attaches to the whole segment. Segments whose last user
// already detached cannot be revived.
func Attach(name string, size uint64, opts Options) (*Region, error) {
	opts.Name = name
	if err := checkName(name); err != nil {
		return nil, err
	}
	path := segmentPath(name, opts.Dir)

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "open segment %s", name)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, errors.Wrapf(err, "stat segment %s", name)
	}
	if st.Size() < HeaderSize {
		return nil, errors.Wrapf(ErrBadMagic, "segment %s", name)
	}
	mem, err := unix.Mmap(int(f.Fd()), 0, int(st.Size()), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, errors.Wrapf(mapErr(err), "map segment %s", name)
	}

	h, err := decodeHeader(mem, 0)
	if err == nil && h.Size+HeaderSize > uint64(len(mem)) {
		err = errors.Wrapf(ErrTooSmall, "segment %s header claims %d bytes", name, h.Size)
	}
	if err == nil && size > h.Size {
		err = errors.Wrapf(ErrTooSmall, "segment %s holds %d bytes, want %d", name, h.Size, size)
	}
	if err == nil && !acquire(refcount(mem)) {
		err = errors.Wrapf(region.ErrReleased, "segment %s", name)
	}
	if err != nil {
		unix.Munmap(mem)
		return nil, err
	}
	if size == 0 {
		size = h.Size
	}
	return newRegion(mem, size, opts, name, new(atomic.Uint32)), nil
}

// Open attaches to the whole of an existing segment.
func Open(name string, opts Options) (*Region, error) {
	return Attach(name, 0, opts)
}

func newRegion(mem []byte, size uint64, opts Options, base string, seq *atomic.Uint32) *Region {
	r := &Region{
		opts: opts,
		name: opts.Name,
		base: base,
		seq:  seq,
		mem:  mem,
		data: mem[HeaderSize : HeaderSize+size : HeaderSize+size],
	}
	r.chain.Init(r, size)
	return r
}

// acquire increments a non-zero reference count.
func acquire(rc *atomic.Uint32) bool {
	for {
		n := rc.Load()
		if n == 0 {
			return false
		}
		if rc.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

const maxInt = int(^uint(0) >> 1)

var nameSeq atomic.Uint64

func generateName() string {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return fmt.Sprintf("zc-%d-%d-%s", os.Getpid(), nameSeq.Add(1), hex.EncodeToString(b[:]))
}

func checkName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsRune(name, '/') {
		return errors.Errorf("invalid segment name %q", name)
	}
	return nil
}

func segmentPath(name, dir string) string {
	if dir == "" {
		dir = DefaultDir
	}
	return filepath.Join(dir, name)
}

func mapErr(err error) error {
	if errors.Is(err, unix.ENOMEM) || errors.Is(err, unix.ENOSPC) {
		return region.ErrOutOfMemory
	}
	return err
}

func (r *Region) Chain() *region.Chain { return &r.chain }

// Spawn creates a successor segment named <base>.<n>.
func (r *Region) Spawn(size uint64) (region.Chained, error) {
	opts := r.opts
	opts.Name = fmt.Sprintf("%s.%d", r.base, r.seq.Add(1))
	return create(size, opts, r.base, r.seq)
}

// Name returns the segment name other processes attach with.
func (r *Region) Name() string { return r.name }

// Path returns the segment's location on disk.
func (r *Region) Path() string { return segmentPath(r.name, r.opts.Dir) }

// Header returns the current header, loading the reference count
// atomically.
func (r *Region) Header() (Header, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.mem == nil {
		return Header{}, region.ErrReleased
	}
	return decodeHeader(r.mem, refcount(r.mem).Load())
}

// Refcount returns the number of attached mappings.
func (r *Region) Refcount() uint32 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.mem == nil {
		return 0
	}
	return refcount(r.mem).Load()
}

func (r *Region) Kind() region.Kind { return region.SharedMemory }

func (r *Region) Size() uint64 { return r.chain.Capacity() }

func (r *Region) Bytes() []byte {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.data
}

func (r *Region) View(offset, length uint64) (region.View, error) {
	if r.chain.Released() {
		return region.View{}, region.ErrReleased
	}
	return region.Bound(r, offset, length)
}

func (r *Region) Fill(b byte) error {
	data := r.Bytes()
	if data == nil {
		return region.ErrReleased
	}
	region.Memset(data, b)
	return nil
}

// Release detaches this mapping. The last process to detach unlinks the
// segment name.
func (r *Region) Release() error {
	if !r.chain.MarkReleased() {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	last := refcount(r.mem).Add(^uint32(0)) == 0
	err := unix.Munmap(r.mem)
	r.mem, r.data = nil, nil
	if last {
		if rerr := os.Remove(r.Path()); rerr != nil && !os.IsNotExist(rerr) && err == nil {
			err = rerr
		}
	}
	return errors.Wrapf(err, "release segment %s", r.name)
}

func (r *Region) Local() bool      { return true }
func (r *Region) FileBacked() bool { return false }
func (r *Region) Shared() bool     { return true }

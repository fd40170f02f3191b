// Package mapped implements file-backed regions: a file extended to the
// region capacity and memory-mapped into the process.
package mapped

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/neurogrid/zerocopy/pkg/region"
)

// Mode selects how the file is mapped.
type Mode int

const (
	ReadWrite Mode = iota
	ReadOnly
	// CopyOnWrite maps the file privately: writes stay in this process and
	// never reach the file.
	CopyOnWrite
)

func (m Mode) String() string {
	switch m {
	case ReadWrite:
		return "read-write"
	case ReadOnly:
		return "read-only"
	case CopyOnWrite:
		return "copy-on-write"
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

// SyncPolicy controls what Release does with dirty pages.
type SyncPolicy int

const (
	// SyncNone leaves write-back to the kernel.
	SyncNone SyncPolicy = iota
	// SyncOnRelease flushes synchronously before unmapping.
	SyncOnRelease
	// SyncAsyncOnRelease schedules write-back before unmapping.
	SyncAsyncOnRelease
)

// Advice is an access-pattern hint passed to the kernel.
type Advice int

const (
	AdviceNormal Advice = iota
	AdviceSequential
	AdviceRandom
	AdviceWillNeed
	AdviceDontNeed
)

var madvise = map[Advice]int{
	AdviceNormal:     unix.MADV_NORMAL,
	AdviceSequential: unix.MADV_SEQUENTIAL,
	AdviceRandom:     unix.MADV_RANDOM,
	AdviceWillNeed:   unix.MADV_WILLNEED,
	AdviceDontNeed:   unix.MADV_DONTNEED,
}

// Options configure Open.
type Options struct {
	// Path of the backing file. Empty creates a new file in Dir.
	Path string
	// Dir holds generated files. Empty uses os.TempDir.
	Dir  string
	Mode Mode
	Sync SyncPolicy
	// Temp removes the backing file on release.
	Temp bool
	// Preallocate reserves disk blocks instead of leaving the file sparse.
	Preallocate bool
}

// Region is a chained region backed by a memory-mapped file.
type Region struct {
	chain region.Chain
	opts  Options
	path  string
	base  string
	seq   *atomic.Uint32

	mu     sync.RWMutex
	f      *os.File
	data   []byte
	locked bool
}

// Open maps size bytes of the file described by opts, creating and extending
// it as needed. Read-only mappings require an existing file of at least size
// bytes.
func Open(size uint64, opts Options) (*Region, error) {
	return open(size, opts, opts.Path, new(atomic.Uint32))
}

func open(size uint64, opts Options, base string, seq *atomic.Uint32) (*Region, error) {
	if size == 0 || size > uint64(maxInt) {
		return nil, region.ErrInvalidSize
	}

	f, err := openFile(opts)
	if err != nil {
		return nil, err
	}
	r := &Region{opts: opts, path: f.Name(), base: base, seq: seq, f: f}
	cleanup := func() {
		f.Close()
		if opts.Temp || opts.Path == "" {
			os.Remove(r.path)
		}
	}

	if err := r.extend(size); err != nil {
		cleanup()
		return nil, err
	}
	if err := r.mmap(size); err != nil {
		cleanup()
		return nil, err
	}
	r.chain.Init(r, size)
	return r, nil
}

const maxInt = int(^uint(0) >> 1)

func openFile(opts Options) (*os.File, error) {
	if opts.Path == "" {
		if opts.Mode == ReadOnly {
			return nil, errors.Wrap(region.ErrReadOnly, "read-only mapping needs an existing file")
		}
		f, err := os.CreateTemp(opts.Dir, "region-*.bin")
		return f, errors.Wrap(err, "create backing file")
	}
	flag := os.O_RDWR | os.O_CREATE
	if opts.Mode == ReadOnly {
		flag = os.O_RDONLY
	}
	f, err := os.OpenFile(opts.Path, flag, 0o644)
	return f, errors.Wrapf(err, "open %s", opts.Path)
}

// extend grows the file to at least size bytes.
func (r *Region) extend(size uint64) error {
	st, err := r.f.Stat()
	if err != nil {
		return errors.Wrapf(err, "stat %s", r.path)
	}
	if uint64(st.Size()) >= size {
		return nil
	}
	if r.opts.Mode == ReadOnly {
		return errors.Wrapf(region.ErrBadRange, "%s holds %d bytes, need %d", r.path, st.Size(), size)
	}
	if r.opts.Preallocate {
		if err := preallocate(r.f, int64(size)); err != nil {
			return errors.Wrapf(err, "preallocate %s", r.path)
		}
	}
	return errors.Wrapf(unix.Ftruncate(int(r.f.Fd()), int64(size)), "truncate %s", r.path)
}

func (r *Region) mmap(size uint64) error {
	prot := unix.PROT_READ
	flags := unix.MAP_SHARED
	switch r.opts.Mode {
	case ReadWrite:
		prot |= unix.PROT_WRITE
	case CopyOnWrite:
		prot |= unix.PROT_WRITE
		flags = unix.MAP_PRIVATE
	}
	data, err := unix.Mmap(int(r.f.Fd()), 0, int(size), prot, flags)
	if err != nil {
		if errors.Is(err, unix.ENOMEM) {
			return region.ErrOutOfMemory
		}
		return errors.Wrapf(err, "mmap %s", r.path)
	}
	r.data = data
	return nil
}

func (r *Region) Chain() *region.Chain { return &r.chain }

// Spawn maps a new file next to this one. Successors of an explicit path P
// are named P.1, P.2 and so on; generated files get a fresh name.
func (r *Region) Spawn(size uint64) (region.Chained, error) {
	if r.opts.Mode == ReadOnly {
		return nil, region.ErrReadOnly
	}
	opts := r.opts
	if r.base != "" {
		opts.Path = fmt.Sprintf("%s.%d", r.base, r.seq.Add(1))
	}
	return open(size, opts, r.base, r.seq)
}

// Path returns the backing file path.
func (r *Region) Path() string { return r.path }

// Mode returns the mapping mode.
func (r *Region) Mode() Mode { return r.opts.Mode }

// File returns the open backing file, for zero-copy transmission.
func (r *Region) File() *os.File {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.f
}

func (r *Region) Kind() region.Kind { return region.FileBacked }

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
	if r.opts.Mode == ReadOnly {
		return region.ErrReadOnly
	}
	data := r.Bytes()
	if data == nil {
		return region.ErrReleased
	}
	region.Memset(data, b)
	return nil
}

// Flush writes dirty pages back to the file. With async the call only
// schedules the write-back.
func (r *Region) Flush(async bool) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.flush(async)
}

func (r *Region) flush(async bool) error {
	if r.data == nil {
		return region.ErrReleased
	}
	if r.opts.Mode != ReadWrite {
		return nil
	}
	flags := unix.MS_SYNC
	if async {
		flags = unix.MS_ASYNC
	}
	return errors.Wrapf(unix.Msync(r.data, flags), "msync %s", r.path)
}

// Advise passes an access-pattern hint for the whole mapping.
func (r *Region) Advise(a Advice) error {
	adv, ok := madvise[a]
	if !ok {
		return errors.Errorf("unknown advice %d", a)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.data == nil {
		return region.ErrReleased
	}
	return errors.Wrapf(unix.Madvise(r.data, adv), "madvise %s", r.path)
}

// Lock pins the mapped pages in physical memory.
func (r *Region) Lock() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.data == nil {
		return region.ErrReleased
	}
	if r.locked {
		return nil
	}
	if err := unix.Mlock(r.data); err != nil {
		if errors.Is(err, unix.ENOMEM) || errors.Is(err, unix.EAGAIN) {
			return region.ErrOutOfMemory
		}
		return errors.Wrapf(err, "mlock %s", r.path)
	}
	r.locked = true
	return nil
}

// Unlock undoes Lock.
func (r *Region) Unlock() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.data == nil {
		return region.ErrReleased
	}
	if !r.locked {
		return nil
	}
	r.locked = false
	return errors.Wrapf(unix.Munlock(r.data), "munlock %s", r.path)
}

// Resize changes the file size and remaps it. It is refused once the region
// has been claimed from. When the new size cannot be mapped the old size is
// restored; if even that fails the region is released.
func (r *Region) Resize(size uint64) error {
	if r.opts.Mode == ReadOnly {
		return region.ErrReadOnly
	}
	if size == 0 || size > uint64(maxInt) {
		return region.ErrInvalidSize
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.data == nil {
		return region.ErrReleased
	}
	old := r.chain.Capacity()
	if err := r.chain.Resize(size); err != nil {
		return err
	}
	if err := r.remap(size); err != nil {
		_ = r.chain.Resize(old)
		if rerr := r.remap(old); rerr != nil {
			r.chain.MarkReleased()
			r.f.Close()
			if r.opts.Temp {
				os.Remove(r.path)
			}
			return errors.Wrapf(region.ErrReleased, "resize %s: %v; restore: %v", r.path, err, rerr)
		}
		return err
	}
	return nil
}

func (r *Region) remap(size uint64) error {
	if r.locked {
		unix.Munlock(r.data)
		r.locked = false
	}
	if r.data != nil {
		if err := unix.Munmap(r.data); err != nil {
			return errors.Wrapf(err, "munmap %s", r.path)
		}
		r.data = nil
	}
	if err := unix.Ftruncate(int(r.f.Fd()), int64(size)); err != nil {
		return errors.Wrapf(err, "truncate %s", r.path)
	}
	return r.mmap(size)
}

// Release unmaps the region, applies the sync policy and removes temporary
// files.
func (r *Region) Release() error {
	if !r.chain.MarkReleased() {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	if r.data != nil {
		switch r.opts.Sync {
		case SyncOnRelease:
			errs = append(errs, r.flush(false))
		case SyncAsyncOnRelease:
			errs = append(errs, r.flush(true))
		}
		if r.locked {
			errs = append(errs, unix.Munlock(r.data))
		}
		errs = append(errs, unix.Munmap(r.data))
		r.data = nil
	}
	errs = append(errs, r.f.Close())
	if r.opts.Temp {
		errs = append(errs, os.Remove(r.path))
	}
	for _, err := range errs {
		if err != nil {
			return errors.Wrapf(err, "release %s", r.path)
		}
	}
	return nil
}

func (r *Region) Local() bool      { return true }
func (r *Region) FileBacked() bool { return true }
func (r *Region) Shared() bool     { return r.opts.Mode != CopyOnWrite }

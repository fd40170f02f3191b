package mapped

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/neurogrid/zerocopy/pkg/region"
)

func TestReadWritePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.bin")

	r, err := Open(4096, Options{Path: path, Sync: SyncOnRelease})
	require.NoError(t, err)
	require.True(t, r.Local())
	require.True(t, r.FileBacked())
	require.True(t, r.Shared())
	require.Equal(t, region.FileBacked, r.Kind())

	require.NoError(t, r.Fill(0x5A))
	copy(r.Bytes()[100:], "hello")
	require.NoError(t, r.Flush(false))
	require.NoError(t, r.Flush(true))
	require.NoError(t, r.Release())
	require.NoError(t, r.Release())

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Len(t, got, 4096)
	require.Equal(t, []byte("hello"), got[100:105])
	require.Equal(t, byte(0x5A), got[0])
	require.Equal(t, byte(0x5A), got[4095])
}

func TestTempFileRemovedOnRelease(t *testing.T) {
	dir := t.TempDir()
	r, err := Open(1024, Options{Dir: dir, Temp: true})
	require.NoError(t, err)

	_, err = os.Stat(r.Path())
	require.NoError(t, err)
	require.Equal(t, dir, filepath.Dir(r.Path()))

	require.NoError(t, r.Release())
	_, err = os.Stat(r.Path())
	require.True(t, os.IsNotExist(err))
	require.Nil(t, r.Bytes())
	require.ErrorIs(t, r.Fill(1), region.ErrReleased)
	require.ErrorIs(t, r.Flush(false), region.ErrReleased)
}

func TestReadOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ro.bin")
	require.NoError(t, os.WriteFile(path, bytes.Repeat([]byte{7}, 512), 0o644))

	r, err := Open(512, Options{Path: path, Mode: ReadOnly})
	require.NoError(t, err)
	defer r.Release()

	require.Equal(t, bytes.Repeat([]byte{7}, 512), r.Bytes())
	require.ErrorIs(t, r.Fill(0), region.ErrReadOnly)
	require.ErrorIs(t, r.Resize(1024), region.ErrReadOnly)
	_, err = r.Spawn(512)
	require.ErrorIs(t, err, region.ErrReadOnly)

	_, err = Open(1024, Options{Path: path, Mode: ReadOnly})
	require.ErrorIs(t, err, region.ErrBadRange)
	_, err = Open(1024, Options{Mode: ReadOnly})
	require.ErrorIs(t, err, region.ErrReadOnly)
}

func TestCopyOnWriteLeavesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cow.bin")
	require.NoError(t, os.WriteFile(path, make([]byte, 256), 0o644))

	r, err := Open(256, Options{Path: path, Mode: CopyOnWrite})
	require.NoError(t, err)
	require.False(t, r.Shared())

	require.NoError(t, r.Fill(0xFF))
	require.Equal(t, byte(0xFF), r.Bytes()[10])
	require.NoError(t, r.Release())

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, make([]byte, 256), got)
}

func TestSuccessorNaming(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chain.bin")
	r, err := Open(64, Options{Path: path, Temp: true})
	require.NoError(t, err)
	defer r.Release()

	_, err = r.Chain().ProduceClaim(64)
	require.NoError(t, err)
	c, err := r.Chain().ProduceClaim(32)
	require.NoError(t, err)

	next := c.Region.(*Region)
	defer next.Release()
	require.Equal(t, path+".1", next.Path())

	_, err = next.Chain().ProduceClaim(64)
	require.NoError(t, err)
	third, err := next.Chain().Successor(false)
	require.NoError(t, err)
	defer third.Release()
	require.Equal(t, path+".2", third.(*Region).Path())
}

func TestResize(t *testing.T) {
	r, err := Open(4096, Options{Dir: t.TempDir(), Temp: true})
	require.NoError(t, err)
	defer r.Release()

	require.NoError(t, r.Resize(8192))
	require.Equal(t, uint64(8192), r.Size())
	require.Len(t, r.Bytes(), 8192)
	st, err := r.File().Stat()
	require.NoError(t, err)
	require.Equal(t, int64(8192), st.Size())

	_, err = r.Chain().ProduceClaim(10)
	require.NoError(t, err)
	require.ErrorIs(t, r.Resize(4096), region.ErrBusy)
	require.Equal(t, uint64(8192), r.Size())
}

func TestFailedResizeKeepsMapping(t *testing.T) {
	r, err := Open(4096, Options{Dir: t.TempDir(), Temp: true})
	require.NoError(t, err)
	defer r.Release()
	copy(r.Bytes()[10:], "kept")

	require.Error(t, r.Resize(1<<62))
	require.False(t, r.Chain().Released())
	require.Equal(t, uint64(4096), r.Size())
	require.Len(t, r.Bytes(), 4096)
	require.Equal(t, []byte("kept"), r.Bytes()[10:14])
	st, err := r.File().Stat()
	require.NoError(t, err)
	require.Equal(t, int64(4096), st.Size())

	require.NoError(t, r.Fill(1))
	require.NoError(t, r.Resize(8192))
	require.Len(t, r.Bytes(), 8192)
}

func TestAdviseAndLock(t *testing.T) {
	r, err := Open(4096, Options{Dir: t.TempDir(), Temp: true, Preallocate: true})
	require.NoError(t, err)
	defer r.Release()

	for _, a := range []Advice{AdviceNormal, AdviceSequential, AdviceRandom, AdviceWillNeed, AdviceDontNeed} {
		require.NoError(t, r.Advise(a))
	}
	require.Error(t, r.Advise(Advice(99)))

	if err := r.Lock(); err != nil {
		t.Skipf("mlock unavailable: %v", err)
	}
	require.NoError(t, r.Lock())
	require.NoError(t, r.Unlock())
	require.NoError(t, r.Unlock())
}

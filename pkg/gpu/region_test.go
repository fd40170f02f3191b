package gpu

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/neurogrid/zerocopy/pkg/region"
)

func TestUnifiedIsHostAddressable(t *testing.T) {
	d := NewHostDriver()
	r, err := New(d, 256, region.GPUUnified)
	require.NoError(t, err)
	defer r.Release()

	require.True(t, r.Local())
	require.True(t, r.Fallback())
	require.NotZero(t, r.NativeHandle())

	require.NoError(t, r.Fill(0x11))
	require.Equal(t, bytes.Repeat([]byte{0x11}, 256), r.Bytes())

	m, err := r.Map()
	require.NoError(t, err)
	m[0] = 0x22
	require.NoError(t, r.Unmap())
	require.Equal(t, byte(0x22), r.Bytes()[0])
}

func TestDeviceLocalNeedsStaging(t *testing.T) {
	d := NewHostDriver()
	r, err := New(d, 128, region.GPUDeviceLocal)
	require.NoError(t, err)
	defer r.Release()

	require.False(t, r.Local())
	require.False(t, r.Fallback())
	require.Nil(t, r.Bytes())

	v, err := r.View(0, 0)
	require.NoError(t, err)
	_, err = v.Bytes()
	require.ErrorIs(t, err, region.ErrNotAddressable)

	require.NoError(t, r.Upload(10, []byte("device")))
	got := make([]byte, 6)
	require.NoError(t, r.Download(got, 10))
	require.Equal(t, []byte("device"), got)

	require.ErrorIs(t, r.Upload(125, []byte("overflow")), region.ErrBadRange)
	require.ErrorIs(t, r.Unmap(), ErrNotMapped)

	m, err := r.Map()
	require.NoError(t, err)
	require.Equal(t, []byte("device"), m[10:16])
	copy(m, "staged")
	require.NoError(t, r.Unmap())

	require.NoError(t, r.Download(got, 0))
	require.Equal(t, []byte("staged"), got)
	require.NoError(t, r.Synchronize())
}

func TestFillDeviceLocal(t *testing.T) {
	r, err := New(NewHostDriver(), 64, region.GPUDeviceLocal)
	require.NoError(t, err)
	defer r.Release()

	require.NoError(t, r.Fill(0x7F))
	got := make([]byte, 64)
	require.NoError(t, r.Download(got, 0))
	require.Equal(t, bytes.Repeat([]byte{0x7F}, 64), got)
}

func TestCopyFrom(t *testing.T) {
	d := NewHostDriver()
	src, err := New(d, 64, region.GPUDeviceLocal)
	require.NoError(t, err)
	dst, err := New(d, 64, region.GPUDeviceLocal)
	require.NoError(t, err)

	require.NoError(t, src.Upload(0, []byte("0123456789")))
	require.NoError(t, dst.CopyFrom(32, src, 2, 4))
	got := make([]byte, 4)
	require.NoError(t, dst.Download(got, 32))
	require.Equal(t, []byte("2345"), got)

	require.ErrorIs(t, dst.CopyFrom(62, src, 0, 4), region.ErrBadRange)

	other, err := New(NewHostDriver(), 64, region.GPUDeviceLocal)
	require.NoError(t, err)
	require.ErrorIs(t, dst.CopyFrom(0, other, 0, 4), ErrForeignBuffer)
}

func TestVendorKinds(t *testing.T) {
	d := NewHostDriver()

	_, err := New(d, 64, region.GPUVendorA)
	require.ErrorIs(t, err, region.ErrUnsupported)
	_, err = New(d, 64, region.GPUVendorB)
	require.ErrorIs(t, err, region.ErrUnsupported)
	_, err = New(d, 64, region.Heap)
	require.ErrorIs(t, err, region.ErrUnsupported)
	_, err = New(d, 0, region.GPUUnified)
	require.ErrorIs(t, err, region.ErrInvalidSize)
}

func TestSpawnKeepsKindAndDriver(t *testing.T) {
	d := NewHostDriver()
	r, err := New(d, 32, region.GPUDeviceLocal)
	require.NoError(t, err)

	claim, err := r.Chain().ProduceClaim(32)
	require.NoError(t, err)
	require.Same(t, r, claim.Region)

	claim, err = r.Chain().ProduceClaim(16)
	require.NoError(t, err)
	next, ok := claim.Region.(*Region)
	require.True(t, ok)
	require.Equal(t, region.GPUDeviceLocal, next.Kind())
	require.Same(t, d, next.driver)
}

func TestReleaseIsIdempotent(t *testing.T) {
	r, err := New(NewHostDriver(), 32, region.GPUDeviceLocal)
	require.NoError(t, err)
	_, err = r.Map()
	require.NoError(t, err)

	require.NoError(t, r.Release())
	require.NoError(t, r.Release())
	require.ErrorIs(t, r.Fill(0), region.ErrReleased)
	require.ErrorIs(t, r.Upload(0, []byte{1}), region.ErrReleased)
	require.Zero(t, r.NativeHandle())
	_, err = r.Map()
	require.ErrorIs(t, err, region.ErrReleased)
}

func TestStagingPoolReuse(t *testing.T) {
	p := NewStagingPool(1024)
	a, err := p.Get(512)
	require.NoError(t, err)
	_, err = p.Get(600)
	require.ErrorIs(t, err, ErrStagingExhausted)

	p.Put(a)
	b, err := p.Get(256)
	require.NoError(t, err)
	require.Len(t, b, 256)
	require.Equal(t, 1, p.Stats().BufferCount)

	require.NoError(t, p.Close())
	_, err = p.Get(1)
	require.ErrorIs(t, err, ErrStagingClosed)
}

func TestDriverClose(t *testing.T) {
	d, err := NewDriver(0)
	require.NoError(t, err)
	require.Equal(t, IsCUDAEnabled(), d.Name() == "cuda")
	require.NoError(t, d.Close())
	if !IsCUDAEnabled() {
		_, err = d.Alloc(8, true)
		require.ErrorIs(t, err, ErrDriverClosed)
	}
}

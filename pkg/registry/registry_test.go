package registry

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/neurogrid/zerocopy/pkg/heap"
	"github.com/neurogrid/zerocopy/pkg/region"
)

func newRegion(t *testing.T) region.Chained {
	t.Helper()
	r, err := heap.New(8)
	require.NoError(t, err)
	return r
}

func TestClaimAssignsSlotIndex(t *testing.T) {
	reg := New(4, 16)

	for want := uint32(0); want < 4; want++ {
		r := newRegion(t)
		id, err := reg.Claim(r)
		require.NoError(t, err)
		require.Equal(t, want, id)

		got, ok := r.Chain().ID()
		require.True(t, ok)
		require.Equal(t, id, got)
		require.Same(t, r, reg.Get(id))
	}
	require.Equal(t, uint32(4), reg.Size())
	require.Zero(t, reg.Growths())
}

func TestGrowthKeepsIdentities(t *testing.T) {
	reg := New(DefaultInitialSlots, DefaultMaxSlots)

	regions := make([]region.Chained, DefaultInitialSlots+1)
	ids := make([]uint32, len(regions))
	for i := range regions {
		regions[i] = newRegion(t)
		id, err := reg.Claim(regions[i])
		require.NoError(t, err)
		ids[i] = id
	}

	require.Equal(t, uint32(DefaultInitialSlots), ids[len(ids)-1])
	require.Equal(t, uint32(2*DefaultInitialSlots), reg.Size())
	require.Equal(t, uint64(1), reg.Growths())
	for i, r := range regions {
		require.Same(t, r, reg.Get(ids[i]))
	}
	require.Equal(t, len(regions), reg.Len())
}

func TestExhausted(t *testing.T) {
	reg := New(2, 3)
	for i := 0; i < 2; i++ {
		_, err := reg.Claim(newRegion(t))
		require.NoError(t, err)
	}
	_, err := reg.Claim(newRegion(t))
	require.ErrorIs(t, err, region.ErrRegistryExhausted)
	require.Equal(t, uint32(2), reg.Size())
}

func TestClearOnlyMatchingRegion(t *testing.T) {
	reg := New(4, 4)
	a, b := newRegion(t), newRegion(t)

	id, err := reg.Claim(a)
	require.NoError(t, err)

	require.False(t, reg.Clear(id, b))
	require.Same(t, a, reg.Get(id))

	require.True(t, reg.Clear(id, a))
	require.Nil(t, reg.Get(id))
	require.False(t, reg.Clear(id, a), "second clear must lose")

	// An emptied slot is reused by a later claim.
	for i := 0; i < 4; i++ {
		_, err := reg.Claim(newRegion(t))
		require.NoError(t, err)
	}
	require.NotNil(t, reg.Get(id))
}

func TestConcurrentClaimsAreUnique(t *testing.T) {
	const workers, each = 8, 300
	reg := New(64, 1<<16)

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		ids = map[uint32]region.Chained{}
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < each; i++ {
				r, err := heap.New(8)
				if err != nil {
					t.Error(err)
					return
				}
				id, err := reg.Claim(r)
				if err != nil {
					t.Error(err)
					return
				}
				mu.Lock()
				if _, dup := ids[id]; dup {
					t.Errorf("identity %d handed out twice", id)
				}
				ids[id] = r
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Len(t, ids, workers*each)
	for id, r := range ids {
		require.Same(t, r, reg.Get(id))
	}
}

func TestRangeStopsEarly(t *testing.T) {
	reg := New(8, 8)
	for i := 0; i < 5; i++ {
		_, err := reg.Claim(newRegion(t))
		require.NoError(t, err)
	}
	n := 0
	reg.Range(func(uint32, region.Chained) bool {
		n++
		return n < 3
	})
	require.Equal(t, 3, n)
}

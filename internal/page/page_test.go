package page

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ankhcore/coreos/internal/common"
)

func TestAllocFreeRoundtrip(t *testing.T) {
	a := NewAllocator(8, nil)
	require.Equal(t, 8, a.NFree())

	fn, err := a.Alloc()
	require.Zero(t, err)
	require.Equal(t, 7, a.NFree())
	require.EqualValues(t, 1, a.Refcount(fn))

	a.Refdown(fn)
	require.Equal(t, 8, a.NFree())
}

func TestAllocExhaustionIsReportedNotFatal(t *testing.T) {
	a := NewAllocator(2, nil)
	_, err1 := a.Alloc()
	_, err2 := a.Alloc()
	require.Zero(t, err1)
	require.Zero(t, err2)

	_, err3 := a.Alloc()
	require.Equal(t, common.ENOMEM, err3)
}

type fakeReclaimer struct {
	frames []uint32
}

func (f *fakeReclaimer) ReclaimOne() (uint32, bool) {
	if len(f.frames) == 0 {
		return 0, false
	}
	fn := f.frames[0]
	f.frames = f.frames[1:]
	return fn, true
}

func TestReclaimOnExhaustion(t *testing.T) {
	a := NewAllocator(1, nil)
	fn, err := a.Alloc()
	require.Zero(t, err)

	// Simulate a cache holding fn as a clean, evictable page: like the page
	// and buffer caches, it unhashes the frame and hands its number back
	// still carrying the cache's reference, which Alloc then reuses.
	rec := &fakeReclaimer{frames: []uint32{fn}}
	a.RegisterReclaimer(rec)

	// The only frame is allocated, so the free list is empty and the next
	// Alloc must reclaim.
	fn2, err := a.Alloc()
	require.Zero(t, err)
	require.Equal(t, fn, fn2)
}

func TestRefcountNeverGoesNegative(t *testing.T) {
	a := NewAllocator(1, nil)
	fn, _ := a.Alloc()
	a.Refup(fn)
	require.EqualValues(t, 2, a.Refcount(fn))
	a.Refdown(fn)
	require.EqualValues(t, 1, a.Refcount(fn))
	a.Refdown(fn)
	require.EqualValues(t, 0, a.Refcount(fn))
}

func TestAllocContig(t *testing.T) {
	a := NewAllocator(8, nil)
	base, err := a.AllocContig(2) // 4 pages
	require.Zero(t, err)
	for i := uint32(0); i < 4; i++ {
		require.EqualValues(t, 1, a.Refcount(base+i))
	}
	require.Equal(t, 4, a.NFree())

	a.FreeContig(base, 2)
	require.Equal(t, 8, a.NFree())
}

func TestDataIsZeroedOnAlloc(t *testing.T) {
	a := NewAllocator(1, nil)
	fn, _ := a.Alloc()
	d := a.Data(fn)
	d[0] = 0xAA
	a.Refdown(fn)
	fn2, _ := a.Alloc()
	require.Equal(t, fn, fn2)
	require.EqualValues(t, 0, a.Data(fn2)[0])
}

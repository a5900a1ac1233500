package paging

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ankhcore/coreos/internal/page"
)

func TestMapUnmap(t *testing.T) {
	pages := page.NewAllocator(4, nil)
	d := NewDirectory(pages)
	fn, _ := pages.Alloc()

	d.Map(0x1000, fn, P|W|U)
	pte := d.Lookup(0x1000)
	require.NotNil(t, pte)
	require.True(t, pte.Present())
	require.EqualValues(t, fn, pte.Frame)

	ok := d.Unmap(0x1000)
	require.True(t, ok)
	require.Nil(t, d.Lookup(0x1000))
}

func TestForkCOWSharesFramesReadOnly(t *testing.T) {
	pages := page.NewAllocator(4, nil)
	parent := NewDirectory(pages)
	fn, _ := pages.Alloc()
	parent.Map(0x2000, fn, P|W|U)

	child := parent.ForkCOW()

	pp := parent.Lookup(0x2000)
	cp := child.Lookup(0x2000)
	require.Equal(t, pp.Frame, cp.Frame)
	require.Zero(t, pp.Flags&W, "parent must lose write permission on COW")
	require.Zero(t, cp.Flags&W, "child must not have write permission on COW")
	require.NotZero(t, pp.Flags&COW)
	require.NotZero(t, cp.Flags&COW)
	require.EqualValues(t, 2, pages.Refcount(fn))
}

func TestResolveCOWDuplicatesSharedPage(t *testing.T) {
	pages := page.NewAllocator(4, nil)
	parent := NewDirectory(pages)
	fn, _ := pages.Alloc()
	pages.Data(fn)[0] = 0xAA
	parent.Map(0x3000, fn, P|W|U)
	child := parent.ForkCOW()

	// Child writes: must duplicate since refcount is 2.
	err := child.ResolveCOW(0x3000)
	require.Zero(t, err)
	cp := child.Lookup(0x3000)
	require.NotEqual(t, fn, cp.Frame)
	require.NotZero(t, cp.Flags&W)
	require.EqualValues(t, 0xAA, pages.Data(cp.Frame)[0])

	// Parent still owns the original frame untouched and now exclusively.
	pp := parent.Lookup(0x3000)
	require.Equal(t, fn, pp.Frame)
	require.EqualValues(t, 1, pages.Refcount(fn))

	// Parent writes now: fast path, no duplication since refcount is 1.
	err = parent.ResolveCOW(0x3000)
	require.Zero(t, err)
	pp2 := parent.Lookup(0x3000)
	require.Equal(t, fn, pp2.Frame)
	require.NotZero(t, pp2.Flags&W)
}

func TestTeardownReleasesFrames(t *testing.T) {
	pages := page.NewAllocator(2, nil)
	d := NewDirectory(pages)
	fn, _ := pages.Alloc()
	d.Map(0x1000, fn, P|W|U)
	require.Equal(t, 1, pages.NFree())

	d.Teardown()
	require.Equal(t, 2, pages.NFree())
	require.Nil(t, d.Lookup(0x1000))
}

func TestFlushPageAdvancesGeneration(t *testing.T) {
	pages := page.NewAllocator(2, nil)
	d := NewDirectory(pages)
	g0 := d.Generation()
	fn, _ := pages.Alloc()
	d.Map(0x4000, fn, P|W|U)
	require.Greater(t, d.Generation(), g0)
}

package pagecache

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ankhcore/coreos/internal/common"
	"github.com/ankhcore/coreos/internal/page"
)

// fakeInode is a minimal in-memory pagecache.Inode for tests: it holds a
// single byte slice standing in for a file's whole contents.
type fakeInode struct {
	data    []byte
	written map[uintptr][]byte
	roErr   common.Err_t
}

func (f *fakeInode) ReadPage(off uintptr) ([]byte, common.Err_t) {
	buf := make([]byte, common.PGSIZE)
	copy(buf, f.data[off:])
	return buf, 0
}

func (f *fakeInode) WritePage(off uintptr, data []byte) common.Err_t {
	if f.roErr != 0 {
		return f.roErr
	}
	if f.written == nil {
		f.written = make(map[uintptr][]byte)
	}
	f.written[off] = append([]byte(nil), data...)
	return 0
}

func newFakeInode() *fakeInode {
	data := make([]byte, common.PGSIZE*2)
	for i := range data {
		data[i] = 0x5A
	}
	return &fakeInode{data: data}
}

func TestGetPageFillsOnMissAndHitsOnRelookup(t *testing.T) {
	pages := page.NewAllocator(8, nil)
	c := New(pages, nil)
	ino := newFakeInode()

	fn1, err := c.GetPage(ino, 0)
	require.Zero(t, err)
	require.EqualValues(t, 0x5A, pages.Data(fn1)[0])
	require.EqualValues(t, 2, pages.Refcount(fn1)) // cache's own + caller's

	fn2, err := c.GetPage(ino, 0)
	require.Zero(t, err)
	require.Equal(t, fn1, fn2, "second lookup must hit the same cached frame")
	require.EqualValues(t, 3, pages.Refcount(fn1))
}

func TestMarkDirtyAndSyncWritesBack(t *testing.T) {
	pages := page.NewAllocator(8, nil)
	c := New(pages, nil)
	ino := newFakeInode()

	fn, _ := c.GetPage(ino, 0)
	pages.Data(fn)[0] = 0x42
	c.MarkDirty(ino, 0)

	require.Zero(t, c.Sync(ino))
	require.EqualValues(t, 0x42, ino.written[0][0])
}

func TestInvalidateDropsPagesPastNewSize(t *testing.T) {
	pages := page.NewAllocator(8, nil)
	c := New(pages, nil)
	ino := newFakeInode()

	fn0, _ := c.GetPage(ino, 0)
	fn1, _ := c.GetPage(ino, common.PGSIZE)
	refBefore := pages.Refcount(fn1)

	c.Invalidate(ino, common.PGSIZE) // truncate to exactly one page

	// the page at offset 0 survives untouched
	fn0b, _ := c.GetPage(ino, 0)
	require.Equal(t, fn0, fn0b)

	// the page at offset PGSIZE was dropped: refcount fell by the cache's
	// own reference.
	require.Less(t, pages.Refcount(fn1), refBefore)
}

func TestReclaimOneEvictsOnlyCleanUnmappedPages(t *testing.T) {
	pages := page.NewAllocator(2, nil)
	c := New(pages, nil)
	ino := newFakeInode()

	fnA, _ := c.GetPage(ino, 0)
	c.Put(fnA) // drop the caller's extra ref: only the cache holds it now
	fnB, _ := c.GetPage(ino, common.PGSIZE)
	// keep the caller's reference on fnB so it looks "mapped"

	_ = fnB
	frame, ok := c.ReclaimOne()
	require.True(t, ok)
	require.Equal(t, fnA, frame, "only the unreferenced page is reclaimable")
}

func TestReclaimOneSkipsDirtyPages(t *testing.T) {
	pages := page.NewAllocator(1, nil)
	c := New(pages, nil)
	ino := newFakeInode()

	fn, _ := c.GetPage(ino, 0)
	c.Put(fn)
	c.MarkDirty(ino, 0)

	_, ok := c.ReclaimOne()
	require.False(t, ok, "a dirty page must not be offered for reclaim")
}

func TestAllocatorReclaimsThroughPageCacheOnExhaustion(t *testing.T) {
	pages := page.NewAllocator(1, nil)
	c := New(pages, nil)
	ino := newFakeInode()

	fn, _ := c.GetPage(ino, 0)
	c.Put(fn) // cache alone holds the only frame, clean and unreferenced

	// The allocator has no free frames left; it must reclaim via the
	// cache rather than fail.
	fn2, err := pages.Alloc()
	require.Zero(t, err)
	require.Equal(t, fn, fn2)
}

package vmregion

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ankhcore/coreos/internal/common"
	"github.com/ankhcore/coreos/internal/page"
	"github.com/ankhcore/coreos/internal/paging"
)

func newAS(npages int) (*AddressSpace, *page.Allocator) {
	pages := page.NewAllocator(npages, nil)
	dir := paging.NewDirectory(pages)
	return New(dir), pages
}

func TestRegionsStaySortedNonOverlapping(t *testing.T) {
	as, _ := newAS(32)
	require.Zero(t, as.MapAnonymous(0x1000, 0x2000, ProtRead|ProtWrite))
	require.Zero(t, as.MapAnonymous(0x5000, 0x6000, ProtRead))
	require.Zero(t, as.MapAnonymous(0x2000, 0x3000, ProtRead))

	regs := as.Regions()
	for i := 1; i < len(regs); i++ {
		require.LessOrEqual(t, regs[i-1].End, regs[i].Start)
	}
}

func TestAdjacentRegionsMergeWhenCompatible(t *testing.T) {
	as, _ := newAS(32)
	require.Zero(t, as.MapAnonymous(0x1000, 0x2000, ProtRead|ProtWrite))
	require.Zero(t, as.MapAnonymous(0x2000, 0x3000, ProtRead|ProtWrite))

	regs := as.Regions()
	require.Len(t, regs, 1)
	require.EqualValues(t, 0x1000, regs[0].Start)
	require.EqualValues(t, 0x3000, regs[0].End)
}

func TestMapFixedReplacesOverlapAtomically(t *testing.T) {
	as, _ := newAS(32)
	require.Zero(t, as.MapAnonymous(0x1000, 0x4000, ProtRead|ProtWrite))
	err := as.MapFixed(0x2000, 0x3000, ProtRead, KindAnon, Backing{})
	require.Zero(t, err)

	regs := as.Regions()
	require.Len(t, regs, 3)
	require.EqualValues(t, 0x1000, regs[0].Start)
	require.EqualValues(t, 0x2000, regs[0].End)
	require.EqualValues(t, 0x2000, regs[1].Start)
	require.EqualValues(t, 0x3000, regs[1].End)
	require.Equal(t, ProtRead, regs[1].Prot)
	require.EqualValues(t, 0x3000, regs[2].Start)
	require.EqualValues(t, 0x4000, regs[2].End)
}

func TestMmapNonPageAlignedOffsetRejected(t *testing.T) {
	as, _ := newAS(32)
	err := as.MapFile(0x1000, 0x2000, ProtRead, false, Backing{Offset: 17})
	require.Equal(t, common.EINVAL, err)
}

func TestFaultOutsideRegionIsSegv(t *testing.T) {
	as, _ := newAS(32)
	err := as.Fault(0xdead0000, false)
	require.Equal(t, common.EFAULT, err)
}

func TestAnonFaultZeroFills(t *testing.T) {
	as, pages := newAS(32)
	require.Zero(t, as.MapAnonymous(0x1000, 0x2000, ProtRead|ProtWrite))

	err := as.Fault(0x1000, false)
	require.Zero(t, err)
	pte := as.Dir.Lookup(0x1000)
	require.NotNil(t, pte)
	require.True(t, pte.Present())
	data := pages.Data(pte.Frame)
	for _, b := range data {
		require.EqualValues(t, 0, b)
	}
}

func TestBrkGrowAndShrink(t *testing.T) {
	as, _ := newAS(32)
	as.InitBrk(0x10000)
	nb := as.Brk(0x12000)
	require.EqualValues(t, 0x12000, nb)

	nb = as.Brk(0x11000)
	require.EqualValues(t, 0x11000, nb)
}

func TestBrkLoweringBelowStartIsNoop(t *testing.T) {
	as, _ := newAS(32)
	as.InitBrk(0x10000)
	as.Brk(0x12000)
	old := as.Brk(0x9000) // below BrkStart: unchanged
	require.EqualValues(t, 0x12000, old)
}

func TestMapPrivateFileFaultInstallsCOW(t *testing.T) {
	as, pages := newAS(32)
	fn, _ := pages.Alloc()
	pages.Data(fn)[0] = 0x5A
	backing := Backing{
		Inode: "file1",
		GetPage: func(inode interface{}, off uintptr) (uint32, common.Err_t) {
			pages.Refup(fn)
			return fn, 0
		},
	}
	require.Zero(t, as.MapFile(0x40000, 0x41000, ProtRead|ProtWrite, false, backing))

	require.Zero(t, as.Fault(0x40000, false))
	pte := as.Dir.Lookup(0x40000)
	require.NotZero(t, pte.Flags&paging.COW)
	require.Equal(t, fn, pte.Frame)

	// a private write must not propagate to the backing file: it must
	// duplicate away from the shared page-cache frame.
	require.Zero(t, as.Fault(0x40000, true))
	pte2 := as.Dir.Lookup(0x40000)
	require.Zero(t, pte2.Flags&paging.COW)
	require.NotZero(t, pte2.Flags&paging.W)
	require.NotEqual(t, fn, pte2.Frame)
	require.EqualValues(t, 0x5A, pages.Data(fn)[0], "original page-cache frame must be untouched")
}

func TestForkCOWSharesFrameUntilChildWrites(t *testing.T) {
	as, pages := newAS(32)
	require.Zero(t, as.MapAnonymous(0x1000, 0x2000, ProtRead|ProtWrite))
	require.Zero(t, as.Fault(0x1000, true))
	parentPte := as.Dir.Lookup(0x1000)
	pages.Data(parentPte.Frame)[0] = 0xAA

	child := as.ForkCOW()

	// parent's own mapping is now read-only-shared.
	parentPte = as.Dir.Lookup(0x1000)
	require.NotZero(t, parentPte.Flags&paging.COW)
	childPte := child.Dir.Lookup(0x1000)
	require.Equal(t, parentPte.Frame, childPte.Frame)
	require.EqualValues(t, 2, pages.Refcount(parentPte.Frame))

	// region list carried over, independent slice.
	require.Len(t, child.Regions(), 1)
	require.Zero(t, child.MapAnonymous(0x9000, 0xa000, ProtRead))
	require.Len(t, as.Regions(), 1, "mutating the child's region list must not affect the parent's")

	// child write resolves COW onto a fresh frame; parent's byte is untouched.
	require.Zero(t, child.Fault(0x1000, true))
	childPte = child.Dir.Lookup(0x1000)
	pages.Data(childPte.Frame)[0] = 0xBB

	require.NotEqual(t, parentPte.Frame, childPte.Frame)
	require.EqualValues(t, 0xAA, pages.Data(parentPte.Frame)[0])
	require.EqualValues(t, 0xBB, pages.Data(childPte.Frame)[0])
	require.EqualValues(t, 1, pages.Refcount(parentPte.Frame))
}

func TestMapSharedFileWritesThrough(t *testing.T) {
	as, pages := newAS(32)
	fn, _ := pages.Alloc()
	var dirtied bool
	backing := Backing{
		Inode: "file2",
		GetPage: func(inode interface{}, off uintptr) (uint32, common.Err_t) {
			pages.Refup(fn)
			return fn, 0
		},
		MarkDirty: func(inode interface{}, off uintptr) {
			dirtied = true
		},
	}
	require.Zero(t, as.MapFile(0x50000, 0x51000, ProtRead|ProtWrite, true, backing))
	require.Zero(t, as.Fault(0x50000, true))
	pte := as.Dir.Lookup(0x50000)
	require.Equal(t, fn, pte.Frame, "shared mapping must use the cached frame directly")
	require.True(t, dirtied)
}

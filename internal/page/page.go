// Package page implements spec.md §4.A: the physical page allocator. It
// owns a flat frame table, a free list, and the reclaim policy that lets
// allocation succeed under memory pressure by evicting clean cache pages.
//
// Grounded on justanotherdot-biscuit's physmem/physpg_t (main.go phys_init,
// pgcount, _pg2pgn): a flat array of frame descriptors linked into a free
// list via a "nexti" index, with refcount driving the free/used split.
package page

import (
	"sync"

	"github.com/ankhcore/coreos/internal/common"
	"github.com/ankhcore/coreos/internal/kmetrics"
)

// Owner names which cache, if any, holds this frame — spec.md §3's
// invariant that at most one of {cached-by-inode, cached-by-buffers,
// anonymous} holds for any page.
type Owner int

const (
	OwnerNone Owner = iota
	OwnerPageCache
	OwnerBufferCache
	OwnerAnon
)

const noFrame = ^uint32(0)

type frame struct {
	refcount int32
	owner    Owner
	ownerKey interface{} // e.g. (inode, offset) or (dev, block) — opaque here
	pinned   bool        // shared-memory or kernel-pinned pages reclaim must skip
	data     []byte
	next     uint32 // free-list linkage; noFrame if not on the free list
}

// Reclaimer is implemented by caches that hold clean, reclaimable pages.
// Registered with an Allocator, it is consulted when Alloc() finds the
// free list empty.
type Reclaimer interface {
	// ReclaimOne evicts one clean page it owns and returns the freed frame
	// number. ok is false if nothing reclaimable remains.
	ReclaimOne() (frameno uint32, ok bool)
}

// Allocator is the global physical page allocator (§4.A).
type Allocator struct {
	mu         sync.Mutex
	frames     []frame
	freeHead   uint32
	nfree      int
	reclaimers []Reclaimer
	metrics    *kmetrics.Registry
}

// NewAllocator builds an allocator governing npages physical frames, all
// initially free.
func NewAllocator(npages int, m *kmetrics.Registry) *Allocator {
	if npages <= 0 {
		panic("page: npages must be positive")
	}
	a := &Allocator{
		frames:  make([]frame, npages),
		metrics: m,
	}
	a.freeHead = 0
	for i := range a.frames {
		a.frames[i].next = uint32(i + 1)
		a.frames[i].data = make([]byte, common.PGSIZE)
	}
	a.frames[npages-1].next = noFrame
	a.nfree = npages
	a.reportLocked()
	return a
}

// RegisterReclaimer adds r to the set consulted when the free list is
// exhausted. Order matters only for which victim is picked first; spec.md
// §9's open question ("clock hand or first-success scan?") is resolved here
// as first-success linear scan across registered reclaimers in registration
// order — simplest policy that satisfies "OOM is reported, never fatal."
func (a *Allocator) RegisterReclaimer(r Reclaimer) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reclaimers = append(a.reclaimers, r)
}

func (a *Allocator) reportLocked() {
	if a.metrics == nil {
		return
	}
	a.metrics.FreePages.Set(float64(a.nfree))
	a.metrics.UsedPages.Set(float64(len(a.frames) - a.nfree))
}

// popFreeLocked pops one frame from the free list, or returns (0, false)
// if empty.
func (a *Allocator) popFreeLocked() (uint32, bool) {
	if a.freeHead == noFrame {
		return 0, false
	}
	fn := a.freeHead
	a.freeHead = a.frames[fn].next
	a.frames[fn].next = noFrame
	a.nfree--
	return fn, true
}

func (a *Allocator) pushFreeLocked(fn uint32) {
	a.frames[fn].next = a.freeHead
	a.freeHead = fn
	a.nfree++
}

// Alloc returns a single zeroed frame, reclaiming from registered caches if
// the free list is empty. Failure is reported as ENOMEM, never panics
// (§4.A "out-of-memory is reported up; it is never fatal").
func (a *Allocator) Alloc() (uint32, common.Err_t) {
	a.mu.Lock()
	defer a.mu.Unlock()
	fn, ok := a.popFreeLocked()
	if !ok {
		var rok bool
		fn, rok = a.reclaimLocked()
		if !rok {
			return 0, common.ENOMEM
		}
	}
	a.frames[fn].refcount = 1
	a.frames[fn].owner = OwnerNone
	a.frames[fn].ownerKey = nil
	a.frames[fn].pinned = false
	for i := range a.frames[fn].data {
		a.frames[fn].data[i] = 0
	}
	a.reportLocked()
	return fn, 0
}

// reclaimLocked scans registered reclaimers, evicting the first clean page
// offered, skipping nothing here since reclaimers themselves must not
// offer pinned pages (§4.A "skipping shared-memory-pinned pages").
func (a *Allocator) reclaimLocked() (uint32, bool) {
	for _, r := range a.reclaimers {
		if fn, ok := r.ReclaimOne(); ok {
			if a.metrics != nil {
				a.metrics.PageReclaims.Inc()
			}
			return fn, true
		}
	}
	return 0, false
}

// AllocContig allocates 2^order contiguous frames by frame number,
// returning the base frame. Used by kernel-heap bucket-page allocation
// (§4.B) which needs multi-page groups.
func (a *Allocator) AllocContig(order uint) (uint32, common.Err_t) {
	n := uint32(1) << order
	a.mu.Lock()
	defer a.mu.Unlock()
	if n == 1 {
		a.mu.Unlock()
		fn, err := a.Alloc()
		a.mu.Lock()
		return fn, err
	}
	// Linear scan for n consecutive free, unreferenced frames. Biscuit's
	// allocator has the same restriction (contiguous allocation is rare and
	// only used for large kernel structures), so a scan is the documented
	// policy rather than a buddy allocator.
	run := uint32(0)
	for i := uint32(0); i < uint32(len(a.frames)); i++ {
		if a.frames[i].refcount == 0 && a.onFreeListLocked(i) {
			run++
			if run == n {
				base := i - n + 1
				for j := base; j <= i; j++ {
					a.removeFromFreeListLocked(j)
					a.frames[j].refcount = 1
					a.frames[j].owner = OwnerNone
					for k := range a.frames[j].data {
						a.frames[j].data[k] = 0
					}
				}
				a.reportLocked()
				return base, 0
			}
		} else {
			run = 0
		}
	}
	return 0, common.ENOMEM
}

// onFreeListLocked is O(n) but AllocContig is a rare, large-granularity
// operation (bucket-page growth), so the scan cost is acceptable.
func (a *Allocator) onFreeListLocked(fn uint32) bool {
	for i := a.freeHead; i != noFrame; i = a.frames[i].next {
		if i == fn {
			return true
		}
	}
	return false
}

func (a *Allocator) removeFromFreeListLocked(fn uint32) {
	if a.freeHead == fn {
		a.freeHead = a.frames[fn].next
		a.frames[fn].next = noFrame
		a.nfree--
		return
	}
	for i := a.freeHead; i != noFrame; i = a.frames[i].next {
		if a.frames[i].next == fn {
			a.frames[i].next = a.frames[fn].next
			a.frames[fn].next = noFrame
			a.nfree--
			return
		}
	}
	panic("page: frame not on free list")
}

// FreeContig returns 2^order frames starting at base, as handed out by
// AllocContig, to the free list, dropping the single reference AllocContig
// gave each frame. A frame holding any other reference count panics.
func (a *Allocator) FreeContig(base uint32, order uint) {
	n := uint32(1) << order
	a.mu.Lock()
	defer a.mu.Unlock()
	for j := base; j < base+n; j++ {
		if a.frames[j].refcount != 1 {
			panic("page: freeing shared or unallocated contiguous frame")
		}
		a.frames[j].refcount = 0
		a.frames[j].owner = OwnerNone
		a.frames[j].ownerKey = nil
		a.frames[j].pinned = false
		a.pushFreeLocked(j)
	}
	a.reportLocked()
}

// Refup increments a frame's reference count — used when a PTE, the page
// cache, or a buffer head gains a reference to the frame.
func (a *Allocator) Refup(fn uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.frames[fn].refcount <= 0 {
		panic("page: refup on unreferenced frame")
	}
	a.frames[fn].refcount++
}

// Refdown decrements a frame's reference count, returning it to the free
// list once it reaches zero (§4.A "Free returns a page once its refcount
// drops to zero").
func (a *Allocator) Refdown(fn uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.frames[fn].refcount <= 0 {
		panic("page: refdown on unreferenced frame")
	}
	a.frames[fn].refcount--
	if a.frames[fn].refcount == 0 {
		a.frames[fn].owner = OwnerNone
		a.frames[fn].ownerKey = nil
		a.frames[fn].pinned = false
		a.pushFreeLocked(fn)
		a.reportLocked()
	}
}

// Refcount returns the current reference count of a frame.
func (a *Allocator) Refcount(fn uint32) int32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.frames[fn].refcount
}

// RefcountUnsafe reads a frame's reference count without locking. It
// exists only for a Reclaimer's ReclaimOne to decide eviction eligibility:
// ReclaimOne runs with this allocator's lock already held by the Alloc
// call that invoked it, so a normal Lock()ing Refcount would deadlock.
// Callers outside that context must use Refcount instead.
func (a *Allocator) RefcountUnsafe(fn uint32) int32 {
	return a.frames[fn].refcount
}

// Data returns the backing bytes for a frame. The caller must hold a
// reference to fn (i.e. have allocated or refup'd it).
func (a *Allocator) Data(fn uint32) []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.frames[fn].data
}

// SetOwner records which cache owns fn and under what key, enforcing the
// "at most one of {page-cache, buffer-cache, anon}" invariant.
func (a *Allocator) SetOwner(fn uint32, o Owner, key interface{}, pinned bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.frames[fn].owner = o
	a.frames[fn].ownerKey = key
	a.frames[fn].pinned = pinned
}

// Owner returns the current owner kind and key of fn.
func (a *Allocator) Owner(fn uint32) (Owner, interface{}) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.frames[fn].owner, a.frames[fn].ownerKey
}

// Pinned reports whether fn is marked pinned (e.g. shared-memory backed),
// which reclaim must skip per §4.A.
func (a *Allocator) Pinned(fn uint32) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.frames[fn].pinned
}

// NFree returns the number of frames currently on the free list.
func (a *Allocator) NFree() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.nfree
}

// NFrames returns the total number of frames this allocator governs.
func (a *Allocator) NFrames() int {
	return len(a.frames)
}

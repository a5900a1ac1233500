// Package vmregion implements spec.md §4.F: an ordered, non-overlapping
// list of memory regions per address space, the mmap/mprotect/mremap/brk
// rules, and the page-fault dispatcher that ties region lookup to
// internal/paging's PTE manipulation.
//
// Grounded on the Oichkatzelesfrettschen Biscuit fork's vm/as.go (Vm_t,
// Vmregion_t, Sys_pgfault) — that file combines region bookkeeping and PTE
// mutation in one package the same way this package wraps a
// paging.Directory, and its Sys_pgfault control flow (guard-page check,
// COW fast path when refcount==1, VANON vs. VFILE dispatch) is the model
// for Fault below.
package vmregion

import (
	"sort"
	"sync"

	"github.com/ankhcore/coreos/internal/common"
	"github.com/ankhcore/coreos/internal/paging"
)

// Prot bits for a region's protection, independent of the PTE flags a
// fault installs (a region may be readable/writable while individual PTEs
// are temporarily read-only for COW).
type Prot uint32

const (
	ProtRead Prot = 1 << iota
	ProtWrite
	ProtExec
)

// Kind names a region's backing.
type Kind int

const (
	KindAnon       Kind = iota // zero-fill on demand, private
	KindFilePriv               // file-backed, MAP_PRIVATE (COW on write)
	KindFileShared             // file-backed, MAP_SHARED
)

// Backing is the file-backing of a KindFilePriv/KindFileShared region.
// Inode is an opaque key (the VFS inode pointer). GetPage/MarkDirty let
// this package stay independent of the vfs/pagecache packages while still
// sharing the SAME physical frame between the page cache and an mmap'd
// region, per §4.D "file-backed mmap fault returns the cached page
// directly" and §8's mmap/pread/read round-trip property.
type Backing struct {
	Inode  interface{}
	Offset uintptr // byte offset within the file of region start

	// GetPage returns the physical frame backing the page at file-relative
	// offset off (page-aligned), with one reference already taken on the
	// caller's behalf (the page-cache entry itself retains its own,
	// separate reference).
	GetPage func(inode interface{}, off uintptr) (frame uint32, err common.Err_t)
	// MarkDirty flags the cached page at off dirty, called when a
	// MAP_SHARED mapping is faulted in writable or written to.
	MarkDirty func(inode interface{}, off uintptr)
}

// Region is one mapped range [Start, End) in an address space.
type Region struct {
	Start, End uintptr
	Prot       Prot
	Kind       Kind
	GrowsDown  bool
	Locked     bool
	File       Backing
}

func (r *Region) contains(va uintptr) bool { return va >= r.Start && va < r.End }

// mergeable reports whether two adjacent regions have identical
// protection/backing and thus may be merged into one, per §4.F "insert
// (merging adjacent regions of identical protection and backing)."
func mergeable(a, b *Region) bool {
	if a.Prot != b.Prot || a.Kind != b.Kind || a.GrowsDown != b.GrowsDown || a.Locked != b.Locked {
		return false
	}
	if a.Kind == KindAnon {
		return true
	}
	return a.File.Inode == b.File.Inode && a.File.Offset+(a.End-a.Start) == b.File.Offset
}

// AddressSpace is a task's mm: region list plus page table.
type AddressSpace struct {
	mu      sync.Mutex
	regions []*Region
	Dir     *paging.Directory

	BrkStart, BrkEnd uintptr // current heap region boundaries
}

// New creates an empty address space over dir.
func New(dir *paging.Directory) *AddressSpace {
	return &AddressSpace{Dir: dir}
}

// Find returns the region containing va, if any.
func (as *AddressSpace) Find(va uintptr) (*Region, bool) {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.findLocked(va)
}

func (as *AddressSpace) findLocked(va uintptr) (*Region, bool) {
	i := sort.Search(len(as.regions), func(i int) bool { return as.regions[i].End > va })
	if i < len(as.regions) && as.regions[i].contains(va) {
		return as.regions[i], true
	}
	return nil, false
}

// intersects reports whether [start,end) overlaps any existing region and
// returns the index range [lo,hi) of overlapping regions.
func (as *AddressSpace) intersects(start, end uintptr) (lo, hi int) {
	lo = sort.Search(len(as.regions), func(i int) bool { return as.regions[i].End > start })
	hi = lo
	for hi < len(as.regions) && as.regions[hi].Start < end {
		hi++
	}
	return
}

// removeRangeLocked removes/splits any region overlap with [start,end),
// unmapping PTEs in that sub-range and releasing their frames. Used by
// MAP_FIXED and munmap.
func (as *AddressSpace) removeRangeLocked(start, end uintptr) {
	lo, hi := as.intersects(start, end)
	if lo == hi {
		return
	}
	var replacement []*Region
	for i := lo; i < hi; i++ {
		r := as.regions[i]
		if r.Start < start {
			left := *r
			left.End = start
			replacement = append(replacement, &left)
		}
		if r.End > end {
			right := *r
			right.Start = end
			if r.Kind != KindAnon {
				right.File.Offset += end - r.Start
			}
			replacement = append(replacement, &right)
		}
	}
	as.Dir.UnmapRange(start, end)
	merged := append([]*Region{}, as.regions[:lo]...)
	merged = append(merged, replacement...)
	merged = append(merged, as.regions[hi:]...)
	as.regions = merged
}

// insertLocked places r into the sorted region list, merging with
// immediate neighbors when their protection/backing match.
func (as *AddressSpace) insertLocked(r *Region) {
	i := sort.Search(len(as.regions), func(i int) bool { return as.regions[i].Start >= r.Start })
	as.regions = append(as.regions, nil)
	copy(as.regions[i+1:], as.regions[i:])
	as.regions[i] = r

	// merge with predecessor
	if i > 0 && as.regions[i-1].End == r.Start && mergeable(as.regions[i-1], r) {
		as.regions[i-1].End = r.End
		as.regions = append(as.regions[:i], as.regions[i+1:]...)
		i--
	}
	// merge with successor
	if i+1 < len(as.regions) && as.regions[i].End == as.regions[i+1].Start && mergeable(as.regions[i], as.regions[i+1]) {
		as.regions[i].End = as.regions[i+1].End
		as.regions = append(as.regions[:i+1], as.regions[i+2:]...)
	}
}

const (
	mapFixed = 1 << iota
	mapShared
	mapPrivate
	mapAnonymous
)

// MapFixed replaces overlapping range atomically (§4.F "MAP_FIXED replaces
// overlapping range atomically").
func (as *AddressSpace) MapFixed(start, end uintptr, prot Prot, kind Kind, file Backing) common.Err_t {
	if start%common.PGSIZE != 0 {
		return common.EINVAL
	}
	as.mu.Lock()
	defer as.mu.Unlock()
	as.removeRangeLocked(start, end)
	as.insertLocked(&Region{Start: start, End: end, Prot: prot, Kind: kind, File: file})
	return 0
}

// MapAnonymous inserts a new anonymous region at [start,end) which must not
// overlap an existing region.
func (as *AddressSpace) MapAnonymous(start, end uintptr, prot Prot) common.Err_t {
	return as.mapNonOverlapping(start, end, &Region{Start: start, End: end, Prot: prot, Kind: KindAnon})
}

// MapFile inserts a file-backed region. offset must be page-aligned
// (§4.F "File-backed: offset must be page-aligned").
func (as *AddressSpace) MapFile(start, end uintptr, prot Prot, shared bool, file Backing) common.Err_t {
	if file.Offset%common.PGSIZE != 0 {
		return common.EINVAL
	}
	kind := KindFilePriv
	if shared {
		kind = KindFileShared
	}
	return as.mapNonOverlapping(start, end, &Region{Start: start, End: end, Prot: prot, Kind: kind, File: file})
}

func (as *AddressSpace) mapNonOverlapping(start, end uintptr, r *Region) common.Err_t {
	if start%common.PGSIZE != 0 || end <= start {
		return common.EINVAL
	}
	as.mu.Lock()
	defer as.mu.Unlock()
	lo, hi := as.intersects(start, end)
	if lo != hi {
		return common.EINVAL
	}
	as.insertLocked(r)
	return 0
}

// Munmap removes mappings in [start,end), splitting any region that only
// partially overlaps.
func (as *AddressSpace) Munmap(start, end uintptr) {
	as.mu.Lock()
	defer as.mu.Unlock()
	as.removeRangeLocked(start, end)
}

// Mprotect rewrites protection for [start,end), splitting regions at the
// boundary as needed (§4.F "mprotect rewrites PTEs in the range and may
// split regions").
func (as *AddressSpace) Mprotect(start, end uintptr, prot Prot) common.Err_t {
	as.mu.Lock()
	defer as.mu.Unlock()
	lo, hi := as.intersects(start, end)
	// verify full coverage: no gaps
	cursor := start
	for i := lo; i < hi; i++ {
		if as.regions[i].Start > cursor {
			return common.EINVAL
		}
		cursor = as.regions[i].End
	}
	if cursor < end {
		return common.EINVAL
	}

	var split []*Region
	for i := lo; i < hi; i++ {
		r := as.regions[i]
		s, e := r.Start, r.End
		if s < start {
			left := *r
			left.End = start
			split = append(split, &left)
			s = start
		}
		if e > end {
			right := *r
			right.Start = end
			if r.Kind != KindAnon {
				right.File.Offset += end - r.Start
			}
			split = append(split, &right)
			e = end
		}
		mid := *r
		mid.Start, mid.End = s, e
		mid.Prot = prot
		split = append(split, &mid)
	}
	as.regions = append(append(append([]*Region{}, as.regions[:lo]...), split...), as.regions[hi:]...)
	sort.Slice(as.regions, func(i, j int) bool { return as.regions[i].Start < as.regions[j].Start })

	// Rewrite existing PTEs to match new protection; COW pages keep their
	// read-only state until faulted regardless of the now-writable region.
	w := prot&ProtWrite != 0
	for va := common.Pgrounddown(start); va < end; va += common.PGSIZE {
		pte := as.Dir.Lookup(va)
		if pte == nil || !pte.Present() {
			continue
		}
		if w && pte.Flags&paging.COW == 0 {
			pte.Flags |= paging.W
		} else if !w {
			pte.Flags &^= paging.W
		}
		as.Dir.FlushPage(va)
	}
	return 0
}

// Mremap grows or relocates the region containing old. mayMove allows
// relocation when in-place growth is blocked by a neighbor (§4.F).
func (as *AddressSpace) Mremap(oldStart uintptr, newLen uintptr, mayMove bool) (uintptr, common.Err_t) {
	as.mu.Lock()
	r, ok := as.findLocked(oldStart)
	if !ok || r.Start != oldStart {
		as.mu.Unlock()
		return 0, common.EINVAL
	}
	newEnd := r.Start + newLen
	i := sort.Search(len(as.regions), func(i int) bool { return as.regions[i].Start >= r.Start })
	blocked := i+1 < len(as.regions) && as.regions[i+1].Start < newEnd
	if !blocked {
		r.End = newEnd
		as.mu.Unlock()
		return r.Start, 0
	}
	as.mu.Unlock()
	if !mayMove {
		return 0, common.ENOMEM
	}
	// Relocate: find unused space equal to newLen by scanning past the
	// current highest region (simplest policy).
	as.mu.Lock()
	var top uintptr
	if len(as.regions) > 0 {
		top = as.regions[len(as.regions)-1].End
	}
	newStart := common.Pgroundup(top + common.PGSIZE)
	old := *r
	as.removeRangeLocked(r.Start, r.End)
	nr := old
	nr.Start = newStart
	nr.End = newStart + newLen
	as.insertLocked(&nr)
	as.mu.Unlock()
	return newStart, 0
}

// Brk grows or shrinks the heap region, refusing to collide with another
// region or to lower the break within text (§4.F, §8 "brk lowering to
// within text returns the unchanged old break").
func (as *AddressSpace) Brk(newBrk uintptr) uintptr {
	as.mu.Lock()
	defer as.mu.Unlock()
	if newBrk < as.BrkStart {
		return as.BrkEnd
	}
	if newBrk > as.BrkEnd {
		lo, hi := as.intersects(as.BrkEnd, newBrk)
		if lo != hi {
			return as.BrkEnd
		}
	}
	if newBrk > as.BrkEnd {
		as.insertLocked(&Region{Start: as.BrkEnd, End: newBrk, Prot: ProtRead | ProtWrite, Kind: KindAnon})
	} else if newBrk < as.BrkEnd {
		as.removeRangeLocked(newBrk, as.BrkEnd)
	}
	as.BrkEnd = newBrk
	return as.BrkEnd
}

// InitBrk sets up the initial heap region boundary (both ends equal,
// empty) — called once when a task's address space is built.
func (as *AddressSpace) InitBrk(start uintptr) {
	as.mu.Lock()
	defer as.mu.Unlock()
	as.BrkStart = start
	as.BrkEnd = start
}

// Regions returns a snapshot of the sorted, non-overlapping region list
// for inspection/testing (§8 "the vm_area list is sorted and pairwise
// non-overlapping").
func (as *AddressSpace) Regions() []Region {
	as.mu.Lock()
	defer as.mu.Unlock()
	out := make([]Region, len(as.regions))
	for i, r := range as.regions {
		out[i] = *r
	}
	return out
}

// ForkCOW duplicates the whole address space for task fork: the backing
// directory is copied copy-on-write (internal/paging.Directory.ForkCOW)
// and the region list is duplicated verbatim alongside it, since regions
// describe permission/backing rather than sharing — only the PTEs
// underneath become read-only-shared (spec.md §4.H "duplicates mm" and
// §4.C's directory-level COW fork).
func (as *AddressSpace) ForkCOW() *AddressSpace {
	as.mu.Lock()
	defer as.mu.Unlock()
	child := &AddressSpace{
		Dir:      as.Dir.ForkCOW(),
		BrkStart: as.BrkStart,
		BrkEnd:   as.BrkEnd,
	}
	child.regions = make([]*Region, len(as.regions))
	for i, r := range as.regions {
		cp := *r
		child.regions[i] = &cp
	}
	return child
}

// Fault implements spec.md §4.C's page-fault dispatch, wired through the
// region this package owns: write fault on a COW page resolves via
// internal/paging; a fault into a backed region installs its page; a
// fault outside any region returns SIGSEGV (EFAULT, translated by the
// caller into a signal); a supervisor-mode fault against an unmapped
// kernel address is the caller's responsibility to panic on (kernel
// addresses never appear as regions here).
func (as *AddressSpace) Fault(va uintptr, write bool) common.Err_t {
	as.mu.Lock()
	r, ok := as.findLocked(va)
	as.mu.Unlock()
	if !ok {
		return common.EFAULT
	}
	if write && r.Prot&ProtWrite == 0 {
		return common.EFAULT
	}

	pte := as.Dir.Lookup(va)
	if pte != nil && pte.Present() {
		if write && pte.Flags&paging.COW != 0 {
			return as.Dir.ResolveCOW(va)
		}
		// already mapped and permitted: spurious/concurrent fault
		return 0
	}

	switch r.Kind {
	case KindAnon:
		return as.faultAnon(r, va)
	case KindFilePriv, KindFileShared:
		return as.faultFile(r, va, write)
	}
	return common.EFAULT
}

func (as *AddressSpace) faultAnon(r *Region, va uintptr) common.Err_t {
	fn, err := as.Dir.AllocForFault()
	if err != 0 {
		return err
	}
	flags := paging.P | paging.U
	if r.Prot&ProtWrite != 0 {
		flags |= paging.W
	}
	as.Dir.Map(common.Pgrounddown(va), fn, flags)
	return 0
}

func (as *AddressSpace) faultFile(r *Region, va uintptr, write bool) common.Err_t {
	pgoff := r.File.Offset + (common.Pgrounddown(va) - r.Start)
	fn, err := r.File.GetPage(r.File.Inode, pgoff)
	if err != 0 {
		return err
	}

	flags := paging.P | paging.U
	switch r.Kind {
	case KindFileShared:
		// shared mappings are never COW: writes go straight through to the
		// cached page and are visible to other mappers/the file itself.
		if r.Prot&ProtWrite != 0 {
			flags |= paging.W
		}
	case KindFilePriv:
		// private file mappings: writable region but COW until the first
		// write, so the dirtying is local to this address space (§4.F
		// "MAP_PRIVATE file-backed: on first write, copy ... into an
		// anonymous page") — the COW duplication happens away from the
		// shared page-cache frame, never touching the on-disk file.
		if r.Prot&ProtWrite != 0 {
			flags |= paging.COW
		}
	}
	as.Dir.Map(common.Pgrounddown(va), fn, flags)
	if write && flags&paging.COW != 0 {
		return as.Dir.ResolveCOW(va)
	}
	if write && r.Kind == KindFileShared && r.File.MarkDirty != nil {
		r.File.MarkDirty(r.File.Inode, pgoff)
	}
	return 0
}

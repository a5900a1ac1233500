// Package heap implements spec.md §4.B: the kernel heap, a bucket/slab
// allocator of fifteen doubling size classes backed by the physical page
// allocator (internal/page).
//
// Grounded on justanotherdot-biscuit's kmalloc (main.go cpus_stack_init
// calls it directly) and the bucket-of-bucket-pages design spec.md
// describes; represented here as handle-based blocks (a *Block, not a raw
// pointer) since this is a hosted simulator with no literal address space
// to carve — the same "intrusive index instead of pointer" substitution
// SPEC_FULL.md's DESIGN NOTES calls for.
package heap

import (
	"sync"

	"github.com/ankhcore/coreos/internal/common"
	"github.com/ankhcore/coreos/internal/page"
)

const (
	NBuckets = 15
	MinBlock = 16 // smallest bucket size, doubling from here
)

// blockSize returns the block size of bucket i (16, 32, 64, ...).
func blockSize(i int) int {
	return MinBlock << uint(i)
}

// bucketOf returns the smallest bucket index whose block size is >= need,
// or -1 if the request exceeds the largest bucket.
func bucketOf(need int) int {
	for i := 0; i < NBuckets; i++ {
		if blockSize(i) >= need {
			return i
		}
	}
	return -1
}

// pageOrder picks how many contiguous physical pages (as a power of two)
// back one bucket page for a given block size: enough for at least 8
// blocks, rounded up to a power of two page count.
func pageOrder(bsz int) uint {
	need := bsz * 8
	order := uint(0)
	for (1 << order) * common.PGSIZE < need {
		order++
	}
	return order
}

type bucketPage struct {
	base      uint32 // base physical frame
	order     uint
	blockSize int
	total     int
	free      []int // indices of free blocks within the page
	data      []byte
}

// Block is a handle to one allocated slab block. It is the heap's
// equivalent of a kernel pointer: opaque to callers, presented back to
// Free to release the block.
type Block struct {
	Bytes []byte // the block's backing storage, length == requested size

	bucket   int
	pg       *bucketPage
	blockIdx int
}

// Heap is a bucket allocator over a page.Allocator.
type Heap struct {
	mu      sync.Mutex
	pages   *page.Allocator
	buckets [NBuckets][]*bucketPage
}

// New creates a Heap backed by pages.
func New(pages *page.Allocator) *Heap {
	return &Heap{pages: pages}
}

// Alloc returns a Block of at least size bytes, or ENOMEM if no page could
// be obtained for a fresh bucket page. Never blocks (§4.B).
func (h *Heap) Alloc(size int) (*Block, common.Err_t) {
	if size <= 0 {
		return nil, common.EINVAL
	}
	bi := bucketOf(size)
	if bi < 0 {
		return nil, common.ENOMEM
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, bp := range h.buckets[bi] {
		if len(bp.free) > 0 {
			return h.popBlockLocked(bi, bp, size), 0
		}
	}

	bp, err := h.newBucketPageLocked(bi)
	if err != 0 {
		return nil, err
	}
	h.buckets[bi] = append(h.buckets[bi], bp)
	return h.popBlockLocked(bi, bp, size), 0
}

func (h *Heap) newBucketPageLocked(bi int) (*bucketPage, common.Err_t) {
	bsz := blockSize(bi)
	order := pageOrder(bsz)
	base, err := h.pages.AllocContig(order)
	if err != 0 {
		return nil, err
	}
	npages := 1 << order
	total := (npages * common.PGSIZE) / bsz
	bp := &bucketPage{
		base:      base,
		order:     order,
		blockSize: bsz,
		total:     total,
		free:      make([]int, total),
		data:      make([]byte, npages*common.PGSIZE),
	}
	for i := 0; i < total; i++ {
		bp.free[i] = i
	}
	return bp, 0
}

func (h *Heap) popBlockLocked(bi int, bp *bucketPage, size int) *Block {
	idx := bp.free[len(bp.free)-1]
	bp.free = bp.free[:len(bp.free)-1]
	off := idx * bp.blockSize
	return &Block{
		Bytes:    bp.data[off : off+size],
		bucket:   bi,
		pg:       bp,
		blockIdx: idx,
	}
}

// Free returns b's block to its bucket page's free list. When the page
// becomes wholly free, it is returned to the physical allocator (§4.B).
func (h *Heap) Free(b *Block) {
	if b == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	bp := b.pg
	bp.free = append(bp.free, b.blockIdx)
	if len(bp.free) == bp.total {
		h.pages.FreeContig(bp.base, bp.order)
		list := h.buckets[b.bucket]
		for i, p := range list {
			if p == bp {
				h.buckets[b.bucket] = append(list[:i], list[i+1:]...)
				break
			}
		}
	}
}

// BlockSize returns the block size of the bucket that would serve a
// request of size bytes, or 0 if no bucket is large enough.
func BlockSize(size int) int {
	bi := bucketOf(size)
	if bi < 0 {
		return 0
	}
	return blockSize(bi)
}

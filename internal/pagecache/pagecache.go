// Package pagecache implements spec.md §4.D: the page cache shared by VFS
// reads/writes and mmap. Pages are hashed by (inode, page-aligned offset);
// a lookup bumps the underlying physical frame's reference count so a page
// stays live as long as any reader, writer, or mapping holds it.
//
// Grounded on justanotherdot-biscuit's bnew/bget buffer hashing (main.go),
// generalized from a (dev, block) key to (inode, offset), and on the
// Oichkatzelesfrettschen vm/as.go convention of handing a fault handler a
// shared frame number rather than a byte copy, so mmap and read(2) observe
// the same physical page (§4.D "file-backed mmap fault returns the cached
// page directly"; §8's mmap/pread/read round-trip property).
package pagecache

import (
	"sync"

	"github.com/ankhcore/coreos/internal/common"
	"github.com/ankhcore/coreos/internal/kmetrics"
	"github.com/ankhcore/coreos/internal/page"
)

// Inode is the capability trait a cached inode implements: fill a page on
// miss, write a dirty one back on Sync. Reclaim skips dirty pages and never
// writes them back. Per §9's "function-pointer
// tables as capability traits," a read-only filesystem expresses no write
// support by having WritePage always return EROFS rather than by a nil
// method.
type Inode interface {
	ReadPage(off uintptr) ([]byte, common.Err_t)
	WritePage(off uintptr, data []byte) common.Err_t
}

type key struct {
	inode interface{}
	off   uintptr
}

type entry struct {
	frame uint32
	dirty bool
}

// Cache is the page cache (§4.D), one instance shared by every mounted
// filesystem and every mmap in the kernel.
type Cache struct {
	mu      sync.Mutex
	pages   *page.Allocator
	metrics *kmetrics.Registry
	byKey   map[key]*entry
	byInode map[interface{}]map[uintptr]*entry
}

// New creates an empty cache backed by pages, registering itself as a
// page.Reclaimer so the physical allocator can evict clean cached pages
// under memory pressure (§4.A).
func New(pages *page.Allocator, m *kmetrics.Registry) *Cache {
	c := &Cache{
		pages:   pages,
		metrics: m,
		byKey:   make(map[key]*entry),
		byInode: make(map[interface{}]map[uintptr]*entry),
	}
	pages.RegisterReclaimer(c)
	return c
}

// GetPage returns the physical frame caching inode's page at off
// (rounded down to a page boundary), filling it via inode.ReadPage on a
// miss. It takes one reference on the caller's behalf in addition to the
// cache's own, matching vmregion.Backing.GetPage's contract.
func (c *Cache) GetPage(inode interface{}, off uintptr) (uint32, common.Err_t) {
	off = common.Pgrounddown(off)
	k := key{inode, off}

	c.mu.Lock()
	if e, ok := c.byKey[k]; ok {
		c.mu.Unlock()
		c.pages.Refup(e.frame)
		if c.metrics != nil {
			c.metrics.PageCacheHits.Inc()
		}
		return e.frame, 0
	}
	c.mu.Unlock()

	ino, ok := inode.(Inode)
	if !ok {
		return 0, common.EINVAL
	}
	data, err := ino.ReadPage(off)
	if err != 0 {
		return 0, err
	}
	fn, aerr := c.pages.Alloc()
	if aerr != 0 {
		return 0, aerr
	}
	copy(c.pages.Data(fn), data)
	c.pages.SetOwner(fn, page.OwnerPageCache, k, false)

	c.mu.Lock()
	e := &entry{frame: fn}
	c.byKey[k] = e
	if c.byInode[inode] == nil {
		c.byInode[inode] = make(map[uintptr]*entry)
	}
	c.byInode[inode][off] = e
	c.mu.Unlock()

	c.pages.Refup(fn) // the caller's reference; Alloc already gave the cache its own
	if c.metrics != nil {
		c.metrics.PageCacheMiss.Inc()
	}
	return fn, 0
}

// Put releases one reference previously taken by GetPage.
func (c *Cache) Put(frame uint32) {
	c.pages.Refdown(frame)
}

// FrameData returns the backing bytes of a cached frame, for callers
// (internal/vfs's generic read/write) that already hold a reference via
// GetPage.
func (c *Cache) FrameData(frame uint32) []byte {
	return c.pages.Data(frame)
}

// MarkDirty flags the cached page at off dirty — called on writes routed
// through the page cache and when a MAP_SHARED mapping is faulted in
// writable.
func (c *Cache) MarkDirty(inode interface{}, off uintptr) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.byKey[key{inode, common.Pgrounddown(off)}]; ok {
		e.dirty = true
	}
}

// Invalidate drops every cached page of inode at or past newSize, per
// §4.D "invalidation on vmtruncate drops pages past the new size."
func (c *Cache) Invalidate(inode interface{}, newSize uintptr) {
	cutoff := common.Pgrounddown(newSize)
	if newSize%common.PGSIZE != 0 {
		cutoff += common.PGSIZE
	}

	c.mu.Lock()
	offs := c.byInode[inode]
	var dropped []uint32
	for off, e := range offs {
		if off < cutoff {
			continue
		}
		delete(offs, off)
		delete(c.byKey, key{inode, off})
		dropped = append(dropped, e.frame)
	}
	if len(offs) == 0 {
		delete(c.byInode, inode)
	}
	c.mu.Unlock()

	for _, fn := range dropped {
		c.pages.Refdown(fn)
	}
}

// Sync writes back every dirty page of inode via its WritePage op,
// clearing the dirty flag on success (§4.D "dirty pages are written back
// by the inode's writepage op on reclaim or on explicit sync").
func (c *Cache) Sync(inode interface{}) common.Err_t {
	ino, ok := inode.(Inode)
	if !ok {
		return common.EINVAL
	}

	c.mu.Lock()
	var offs []uintptr
	var entries []*entry
	for off, e := range c.byInode[inode] {
		if e.dirty {
			offs = append(offs, off)
			entries = append(entries, e)
		}
	}
	c.mu.Unlock()

	for i, e := range entries {
		if err := ino.WritePage(offs[i], c.pages.Data(e.frame)); err != 0 {
			return err
		}
		c.mu.Lock()
		e.dirty = false
		c.mu.Unlock()
	}
	return 0
}

// ReclaimOne implements page.Reclaimer: it evicts one clean, unmapped
// cached page and returns its frame number. It runs with the physical
// allocator's lock already held (the allocator invokes reclaimers from
// inside Alloc), so it must never call back into the allocator's locking
// methods — eligibility is checked via RefcountUnsafe, and the returned
// frame is reclaimed unconditionally by the caller regardless of whatever
// refcount it still carries (§4.A).
func (c *Cache) ReclaimOne() (uint32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range c.byKey {
		if e.dirty {
			continue
		}
		// refcount 1 means only this cache entry holds the frame: no PTE
		// or other reader is using it, so eviction cannot leave a stale
		// mapping behind.
		if c.pages.RefcountUnsafe(e.frame) != 1 {
			continue
		}
		delete(c.byKey, k)
		if offs := c.byInode[k.inode]; offs != nil {
			delete(offs, k.off)
			if len(offs) == 0 {
				delete(c.byInode, k.inode)
			}
		}
		return e.frame, true
	}
	return 0, false
}

// Package vfs implements spec.md §4.G: the VFS spine. An inode/dentry
// cache sits over a per-superblock mount table; namei resolves paths
// through it, crossing mount points and following symlinks up to a hop
// limit; reads and writes are generic, routed through internal/pagecache.
//
// Grounded on justanotherdot-biscuit's fd/inode handling in main.go
// (fd_t, the per-process fd table, refcounted file_t) for the open-file
// table shape, and on sysbox-fs's use of
// github.com/hashicorp/go-immutable-radix for its inode lookup table —
// the same structure here backs a path-keyed dentry cache (§9's "dentry
// cache uses an LRU of refcount-zero entries... replaces C's
// reach-through-pointer lifetime" with a persistent radix index instead
// of a hand-rolled hash table).
package vfs

import (
	"strings"
	"sync"

	iradix "github.com/hashicorp/go-immutable-radix"

	"github.com/ankhcore/coreos/internal/common"
	"github.com/ankhcore/coreos/internal/pagecache"
)

const maxSymlinkHops = 8

// Dirent is one directory entry produced by Readdir/Getdents64 (§6's
// getdents64 record, minus the wire-format reclen packing which Getdents64
// computes).
type Dirent struct {
	Ino  uint64
	Name string
	Type FileType
}

// FileType mirrors S_IFMT's type discriminant (§6), independent of
// permission bits.
type FileType int

const (
	TypeReg FileType = iota
	TypeDir
	TypeChr
	TypeBlk
	TypeFifo
	TypeLnk
	TypeSock
)

// Inode is the capability trait a filesystem's in-memory inode
// implements (§9 "function-pointer tables as capability traits," applied
// to inode_operations/file_operations). It embeds pagecache.Inode so
// every vfs.Inode is directly usable as a page-cache-backed file: generic
// read/write (below) goes through pagecache.Cache.GetPage, not through
// these methods directly.
type Inode interface {
	pagecache.Inode

	Ino() uint64
	Type() FileType
	Size() uint64
	Truncate(newSize uint64) common.Err_t

	// Lookup resolves one path component in a directory inode, returning
	// ENOTDIR if called on a non-directory and ENOENT on a miss.
	Lookup(name string) (Inode, common.Err_t)
	// Readdir lists a directory inode's entries in a stable order.
	Readdir() ([]Dirent, common.Err_t)
}

// Symlink is implemented by inodes with Type() == TypeLnk.
type Symlink interface {
	Readlink() (string, common.Err_t)
}

// Superblock is a mounted filesystem instance (§3 "superblock").
type Superblock struct {
	Device    string
	BlockSize int
	Root      *Dentry

	coveredBy *Dentry // the dentry this sb is mounted on, nil for the global root
}

// Dentry is a name-to-inode binding in the VFS path-resolution cache
// (§3 "dentry"). The root dentry is its own parent.
type Dentry struct {
	mu       sync.Mutex
	Name     string
	Parent   *Dentry
	Inode    Inode // nil = negative: cached "does not exist"
	children map[string]*Dentry
	refcount int
}

func newDentry(name string, parent *Dentry, inode Inode) *Dentry {
	return &Dentry{Name: name, Parent: parent, Inode: inode, children: make(map[string]*Dentry)}
}

func (d *Dentry) negative() bool { return d.Inode == nil }

// Vfs is the global VFS state: root dentry, mount table, and path-keyed
// dentry cache, shared by every open, read, and write.
type Vfs struct {
	mu     sync.Mutex
	root   *Dentry
	mounts map[*Dentry]*Superblock // covered dentry -> mounted superblock
	cache  *iradix.Tree             // absolute path -> *Dentry, an LRU-free fast path for repeat lookups
	pages  *pagecache.Cache
}

// NewSuperblock builds a superblock rooted at rootInode, ready to pass to
// New or Mount.
func NewSuperblock(device string, blockSize int, rootInode Inode) *Superblock {
	sb := &Superblock{Device: device, BlockSize: blockSize}
	root := newDentry("/", nil, rootInode)
	root.Parent = root
	sb.Root = root
	return sb
}

// New creates a Vfs rooted at rootSb, backed by pages for generic
// read/write.
func New(rootSb *Superblock, pages *pagecache.Cache) *Vfs {
	return &Vfs{
		root:   rootSb.Root,
		mounts: make(map[*Dentry]*Superblock),
		cache:  iradix.New(),
		pages:  pages,
	}
}

// Root returns the global root dentry, for building a task's initial fs
// struct (root/pwd).
func (v *Vfs) Root() *Dentry { return v.root }

// Mount installs sb as covering the given dentry (§4.G "mount installs a
// cover; each superblock carries its root dentry").
func (v *Vfs) Mount(covered *Dentry, sb *Superblock) common.Err_t {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, already := v.mounts[covered]; already {
		return common.EBUSY
	}
	sb.coveredBy = covered
	v.mounts[covered] = sb
	v.invalidateCacheLocked()
	return 0
}

// Unmount removes sb's cover, rejecting a busy superblock — one whose
// root dentry has any outstanding reference (Mount itself takes none).
func (v *Vfs) Unmount(covered *Dentry) common.Err_t {
	v.mu.Lock()
	defer v.mu.Unlock()
	sb, ok := v.mounts[covered]
	if !ok {
		return common.EINVAL
	}
	sb.Root.mu.Lock()
	busy := sb.Root.refcount > 0
	sb.Root.mu.Unlock()
	if busy {
		return common.EBUSY
	}
	delete(v.mounts, covered)
	v.invalidateCacheLocked()
	return 0
}

func (v *Vfs) invalidateCacheLocked() {
	v.cache = iradix.New()
}

// crossMountLocked follows d into the covering superblock's root if d is
// a mount point, repeating in case of stacked mounts.
func (v *Vfs) crossMountLocked(d *Dentry) *Dentry {
	for {
		sb, ok := v.mounts[d]
		if !ok {
			return d
		}
		d = sb.Root
	}
}

// climbLocked implements ".." including crossing back out of a mounted
// filesystem through its covering dentry (§4.G "'..' climbs through
// mount points by following the mount's covered dentry").
func (v *Vfs) climbLocked(d *Dentry) *Dentry {
	if d == v.root {
		return v.root
	}
	if d.Parent == d {
		// d is a mounted filesystem's own root (self-parented by its
		// filesystem), but not the global root: climb out via the
		// superblock's recorded cover instead of the real (self) parent.
		for _, sb := range v.mounts {
			if sb.Root == d && sb.coveredBy != nil {
				return sb.coveredBy.Parent
			}
		}
		return v.root
	}
	return d.Parent
}

// Namei resolves path relative to start (ignored if path is absolute),
// per §4.G: tokenizes on '/', looks up each component in the cache or via
// the parent inode's Lookup on a miss, follows symlinks up to
// maxSymlinkHops, and handles '.', '..', '/' before lookup.
//
// Absolute, fully-resolved lookups are additionally served from a
// path-keyed radix cache, avoiding a full component-by-component walk for
// repeat resolutions of the same path. The cache has no LRU and is never
// reclaimed under memory pressure; it is flushed wholesale on any mount
// table change.
func (v *Vfs) Namei(start *Dentry, path string, followFinal bool) (*Dentry, common.Err_t) {
	cacheable := followFinal && strings.HasPrefix(path, "/")
	if cacheable {
		v.mu.Lock()
		if raw, ok := v.cache.Get([]byte(path)); ok {
			v.mu.Unlock()
			return raw.(*Dentry), 0
		}
		v.mu.Unlock()
	}

	d, err := v.namei(start, path, followFinal, 0)
	if err == 0 && cacheable {
		v.mu.Lock()
		v.cache, _, _ = v.cache.Insert([]byte(path), d)
		v.mu.Unlock()
	}
	return d, err
}

func (v *Vfs) namei(start *Dentry, path string, followFinal bool, hops int) (*Dentry, common.Err_t) {
	cur := start
	if strings.HasPrefix(path, "/") {
		v.mu.Lock()
		cur = v.root
		v.mu.Unlock()
	}
	parts := strings.Split(path, "/")
	for i, comp := range parts {
		if comp == "" || comp == "." {
			continue
		}
		last := i == len(parts)-1
		if comp == ".." {
			v.mu.Lock()
			cur = v.climbLocked(cur)
			v.mu.Unlock()
			continue
		}

		child, err := v.lookupOne(cur, comp)
		if err != 0 {
			return nil, err
		}
		if child.negative() {
			return nil, common.ENOENT
		}

		v.mu.Lock()
		child = v.crossMountLocked(child)
		v.mu.Unlock()

		if (!last || followFinal) && child.Inode.Type() == TypeLnk {
			if hops >= maxSymlinkHops {
				return nil, common.ELOOP
			}
			sl, ok := child.Inode.(Symlink)
			if !ok {
				return nil, common.EINVAL
			}
			target, rerr := sl.Readlink()
			if rerr != 0 {
				return nil, rerr
			}
			next, nerr := v.namei(cur, target, true, hops+1)
			if nerr != 0 {
				return nil, nerr
			}
			cur = next
			continue
		}
		cur = child
	}
	return cur, 0
}

// lookupOne resolves one path component under dir, consulting dir's
// child map first and dir.Inode.Lookup on a miss, caching the result
// (including a negative entry) either way.
func (v *Vfs) lookupOne(dir *Dentry, name string) (*Dentry, common.Err_t) {
	dir.mu.Lock()
	if child, ok := dir.children[name]; ok {
		dir.mu.Unlock()
		return child, 0
	}
	dir.mu.Unlock()

	if dir.Inode.Type() != TypeDir {
		return nil, common.ENOTDIR
	}
	ino, err := dir.Inode.Lookup(name)
	var child *Dentry
	if err == common.ENOENT {
		child = newDentry(name, dir, nil) // negative dentry
	} else if err != 0 {
		return nil, err
	} else {
		child = newDentry(name, dir, ino)
	}

	dir.mu.Lock()
	if existing, ok := dir.children[name]; ok {
		dir.mu.Unlock()
		return existing, 0
	}
	dir.children[name] = child
	dir.mu.Unlock()
	return child, 0
}

// Ref bumps a dentry's reference count (held across an open file, a
// process's cwd/root, or a mount point).
func (d *Dentry) Ref() {
	d.mu.Lock()
	d.refcount++
	d.mu.Unlock()
}

// Unref drops a dentry's reference count.
func (d *Dentry) Unref() {
	d.mu.Lock()
	if d.refcount > 0 {
		d.refcount--
	}
	d.mu.Unlock()
}

// ReadAt reads up to len(buf) bytes from ino at offset off through the
// page cache, returning the number of bytes read — 0 at or past EOF
// without error, per §7 "reads from the page cache past EOF return 0."
func (v *Vfs) ReadAt(ino Inode, off int64, buf []byte) (int, common.Err_t) {
	size := int64(ino.Size())
	if off >= size {
		return 0, 0
	}
	n := 0
	for n < len(buf) && off+int64(n) < size {
		pgoff := common.Pgrounddown(uintptr(off + int64(n)))
		frame, err := v.pages.GetPage(ino, pgoff)
		if err != 0 {
			return n, err
		}
		inPage := int(uintptr(off+int64(n)) - pgoff)
		avail := common.PGSIZE - inPage
		remaining := int(size - (off + int64(n)))
		want := len(buf) - n
		if want > avail {
			want = avail
		}
		if want > remaining {
			want = remaining
		}
		copy(buf[n:n+want], v.frameData(frame)[inPage:inPage+want])
		v.pages.Put(frame)
		n += want
	}
	return n, 0
}

// WriteAt writes len(buf) bytes into ino at offset off through the page
// cache, extending the inode's size if the write goes past EOF (§7
// "writes past EOF extend the file").
func (v *Vfs) WriteAt(ino Inode, off int64, buf []byte) (int, common.Err_t) {
	n := 0
	for n < len(buf) {
		pgoff := common.Pgrounddown(uintptr(off + int64(n)))
		frame, err := v.pages.GetPage(ino, pgoff)
		if err != 0 {
			return n, err
		}
		inPage := int(uintptr(off+int64(n)) - pgoff)
		want := len(buf) - n
		if want > common.PGSIZE-inPage {
			want = common.PGSIZE - inPage
		}
		copy(v.frameData(frame)[inPage:inPage+want], buf[n:n+want])
		v.pages.MarkDirty(ino, pgoff)
		v.pages.Put(frame)
		n += want
	}
	newEnd := uint64(off + int64(n))
	if newEnd > ino.Size() {
		// Size growth is a filesystem-specific metadata update; generic
		// read/write only requests it.
		ino.Truncate(newEnd)
	}
	return n, 0
}

func (v *Vfs) frameData(frame uint32) []byte {
	return v.pages.FrameData(frame)
}

// Open flags (§6).
const (
	ORdonly = 1 << iota
	OWronly
	ORdwr
	OCreat
	OExcl
	OTrunc
	OAppend
	ONonblock
)

// File is an open-file object (§3 "file"): dentry, position, flags,
// refcounted across dup/fork.
type File struct {
	mu       sync.Mutex
	Dentry   *Dentry
	Pos      int64
	Flags    int
	refcount int
}

// Open resolves path and returns a fresh, single-referenced File (§4.G
// "open resolves path, allocates a file from the global file pool, calls
// the file operation's open"). There is no separate allocation pool here:
// a *File is the pool slot, and FdTable.Install links it into a task's
// descriptor array.
func (v *Vfs) Open(cwd *Dentry, path string, flags int) (*File, common.Err_t) {
	d, err := v.Namei(cwd, path, true)
	if err != 0 {
		return nil, err
	}
	if flags&OTrunc != 0 {
		d.Inode.Truncate(0)
	}
	d.Ref()
	return &File{Dentry: d, Flags: flags, refcount: 1}, 0
}

// dup increments a File's reference count, used by FdTable.Dup and by
// FdTable.Clone when a fork without CLONE_FILES copies the table.
func (f *File) dup() *File {
	f.mu.Lock()
	f.refcount++
	f.mu.Unlock()
	return f
}

// close drops a File's reference, releasing the underlying dentry once
// it reaches zero (§4.G "close drops refcount; reaching zero calls
// release and put_inode").
func (f *File) close() {
	f.mu.Lock()
	f.refcount--
	rc := f.refcount
	f.mu.Unlock()
	if rc == 0 {
		f.Dentry.Unref()
	}
}

// Read reads into buf at the file's current position, advancing it by
// the number of bytes actually read.
func (v *Vfs) Read(f *File, buf []byte) (int, common.Err_t) {
	f.mu.Lock()
	pos := f.Pos
	f.mu.Unlock()
	n, err := v.ReadAt(f.Dentry.Inode, pos, buf)
	if err == 0 {
		f.mu.Lock()
		f.Pos += int64(n)
		f.mu.Unlock()
	}
	return n, err
}

// Write writes buf at the file's current position (or at end-of-file
// under O_APPEND, repositioning first so concurrent appenders never
// interleave — §8 "writes at O_APPEND reposition to current end of file
// under concurrent appenders"), advancing the position afterward.
func (v *Vfs) Write(f *File, buf []byte) (int, common.Err_t) {
	f.mu.Lock()
	appending := f.Flags&OAppend != 0
	f.mu.Unlock()
	if appending {
		// Appenders are serialized on v.mu so the end-of-file reposition
		// and the write below happen as one step.
		v.mu.Lock()
		defer v.mu.Unlock()
	}
	f.mu.Lock()
	if appending {
		f.Pos = int64(f.Dentry.Inode.Size())
	}
	pos := f.Pos
	f.mu.Unlock()
	n, err := v.WriteAt(f.Dentry.Inode, pos, buf)
	if err == 0 {
		f.mu.Lock()
		f.Pos += int64(n)
		f.mu.Unlock()
	}
	return n, err
}

// Getdents64 fills buf with as many directory records as fit, advancing
// f.Pos (used here as a record index, not a byte offset) to the first
// unread record — §4.G "on partial fills the file position is updated to
// the exact next record." Each record is packed as
// {inode(u64), off(u64), reclen(u16), type(u8), name(NUL-terminated)},
// padded to 8-byte alignment so successive records stay well-formed (§6).
func (v *Vfs) Getdents64(f *File, buf []byte) (int, common.Err_t) {
	if f.Dentry.Inode.Type() != TypeDir {
		return 0, common.ENOTDIR
	}
	entries, err := f.Dentry.Inode.Readdir()
	if err != 0 {
		return 0, err
	}

	f.mu.Lock()
	start := int(f.Pos)
	f.mu.Unlock()

	n := 0
	idx := start
	for idx < len(entries) {
		e := entries[idx]
		reclen := direntLen(e.Name)
		if n+reclen > len(buf) {
			break
		}
		putDirent(buf[n:], e, uint64(idx+1), reclen)
		n += reclen
		idx++
	}
	f.mu.Lock()
	f.Pos = int64(idx)
	f.mu.Unlock()
	return n, 0
}

func direntLen(name string) int {
	const hdr = 8 + 8 + 2 + 1 // ino + off + reclen + type
	raw := hdr + len(name) + 1
	return (raw + 7) &^ 7
}

func putDirent(buf []byte, e Dirent, off uint64, reclen int) {
	putU64(buf[0:8], e.Ino)
	putU64(buf[8:16], off)
	putU16(buf[16:18], uint16(reclen))
	buf[18] = byte(e.Type)
	copy(buf[19:], e.Name)
	buf[19+len(e.Name)] = 0
}

func putU64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

func putU16(b []byte, v uint16) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
}

// FdTable is a task's open-file descriptor array (§3 "fd table"). Under
// CLONE_FILES tasks share the same *FdTable pointer; the table itself
// carries no reference count.
type FdTable struct {
	mu      sync.Mutex
	fds     []*File
	cloexec map[int]bool
}

// NewFdTable creates an empty table of the given capacity.
func NewFdTable(size int) *FdTable {
	return &FdTable{fds: make([]*File, size), cloexec: make(map[int]bool)}
}

// Install links f into the lowest-numbered free descriptor.
func (t *FdTable) Install(f *File) (int, common.Err_t) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, slot := range t.fds {
		if slot == nil {
			t.fds[i] = f
			return i, 0
		}
	}
	return -1, common.EMFILE
}

// Get returns the File at fd.
func (t *FdTable) Get(fd int) (*File, common.Err_t) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if fd < 0 || fd >= len(t.fds) || t.fds[fd] == nil {
		return nil, common.EBADF
	}
	return t.fds[fd], 0
}

// Close drops fd, releasing the underlying File reference (§8 "dup(fd)
// followed by close of either leaves the other fully functional": Close
// only clears this slot and drops one File reference, never touching a
// duplicate's own slot or the File until its last reference is gone).
func (t *FdTable) Close(fd int) common.Err_t {
	t.mu.Lock()
	if fd < 0 || fd >= len(t.fds) || t.fds[fd] == nil {
		t.mu.Unlock()
		return common.EBADF
	}
	f := t.fds[fd]
	t.fds[fd] = nil
	delete(t.cloexec, fd)
	t.mu.Unlock()
	f.close()
	return 0
}

// Dup installs a new descriptor referring to the same File as fd,
// bumping its reference count.
func (t *FdTable) Dup(fd int) (int, common.Err_t) {
	f, err := t.Get(fd)
	if err != 0 {
		return -1, err
	}
	return t.Install(f.dup())
}

// Clone returns a new FdTable sharing the same *File pointers (for a fork
// without CLONE_FILES, which shares open files but not the table) with each
// File's reference count bumped once per descriptor copied.
func (t *FdTable) Clone() *FdTable {
	t.mu.Lock()
	defer t.mu.Unlock()
	nt := NewFdTable(len(t.fds))
	for i, f := range t.fds {
		if f != nil {
			nt.fds[i] = f.dup()
		}
	}
	for fd := range t.cloexec {
		nt.cloexec[fd] = true
	}
	return nt
}

package main

import (
	"sort"

	"github.com/ankhcore/coreos/internal/common"
	"github.com/ankhcore/coreos/internal/vfs"
)

// memInode is the tiny in-memory root filesystem coreosctl boots onto —
// just enough directory/file structure to exercise open/read/write/
// getdents64 on a running kernel without needing a real disk image
// populated ahead of time.
type memInode struct {
	ino      uint64
	typ      vfs.FileType
	data     []byte
	children map[string]*memInode
}

// flatMagic mirrors internal/kexec's FlatFormat header, marking /bin/init
// as a directly-loadable image rather than a script.
var flatMagic = []byte("COREOS1\x00")

func newRootfs(nextIno *uint64) *memInode {
	root := newDir(nextIno)
	motd := newFile(nextIno, []byte("coreos booted\n"))
	root.children["motd"] = motd

	bin := newDir(nextIno)
	root.children["bin"] = bin
	bin.children["init"] = newFile(nextIno, flatMagic)
	bin.children["greet"] = newFile(nextIno, []byte("#!/bin/init\n"))
	return root
}

func newDir(nextIno *uint64) *memInode {
	*nextIno++
	return &memInode{ino: *nextIno, typ: vfs.TypeDir, children: make(map[string]*memInode)}
}

func newFile(nextIno *uint64, data []byte) *memInode {
	*nextIno++
	return &memInode{ino: *nextIno, typ: vfs.TypeReg, data: data}
}

func (m *memInode) Ino() uint64      { return m.ino }
func (m *memInode) Type() vfs.FileType { return m.typ }
func (m *memInode) Size() uint64     { return uint64(len(m.data)) }

func (m *memInode) Truncate(newSize uint64) common.Err_t {
	if newSize <= uint64(len(m.data)) {
		m.data = m.data[:newSize]
		return 0
	}
	grown := make([]byte, newSize)
	copy(grown, m.data)
	m.data = grown
	return 0
}

func (m *memInode) Lookup(name string) (vfs.Inode, common.Err_t) {
	if m.typ != vfs.TypeDir {
		return nil, common.ENOTDIR
	}
	c, ok := m.children[name]
	if !ok {
		return nil, common.ENOENT
	}
	return c, 0
}

func (m *memInode) Readdir() ([]vfs.Dirent, common.Err_t) {
	if m.typ != vfs.TypeDir {
		return nil, common.ENOTDIR
	}
	var out []vfs.Dirent
	for name, c := range m.children {
		out = append(out, vfs.Dirent{Ino: c.ino, Name: name, Type: c.typ})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, 0
}

func (m *memInode) ReadPage(off uintptr) ([]byte, common.Err_t) {
	buf := make([]byte, common.PGSIZE)
	if int(off) < len(m.data) {
		copy(buf, m.data[off:])
	}
	return buf, 0
}

func (m *memInode) WritePage(off uintptr, data []byte) common.Err_t {
	need := int(off) + len(data)
	if need > len(m.data) {
		grown := make([]byte, need)
		copy(grown, m.data)
		m.data = grown
	}
	copy(m.data[off:], data)
	return 0
}

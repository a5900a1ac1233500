// Package common holds the types shared by every kernel substrate package:
// the POSIX-style error code, physical/virtual address aliases, and the
// page/block size constants the rest of the tree is built against.
//
// Grounded on justanotherdot-biscuit's main.go, which threads a single
// common.Err_t and common.Pa_t pair through every subsystem (e.g. fd_stdin,
// proc_new, circbuf_t) instead of per-package error types.
package common

import (
	"golang.org/x/sys/unix"
)

// Err_t is a POSIX-style errno. Zero means success; a negative value is
// "-errno" in the Linux convention spec.md §6/§7 require: negative on
// failure, non-negative on success.
type Err_t int

// Pa_t is a physical address / frame-aligned offset.
type Pa_t uintptr

// Va_t is a virtual address within a task's address space.
type Va_t uintptr

const (
	PGSHIFT = 12
	PGSIZE  = 1 << PGSHIFT
	PGOFFSET Pa_t = PGSIZE - 1

	// BlockSize is the buffer-cache block unit (§4.E); chosen to divide the
	// page size evenly so PGSIZE/BlockSize buffers share exactly one page,
	// per §4.E "buffers share a page."
	BlockSize = 1024
)

// The POSIX error kinds enumerated in spec.md §7, expressed as the negative
// of the golang.org/x/sys/unix errno constants rather than a private enum —
// wired per SPEC_FULL.md's DOMAIN STACK so errno values already match what a
// real syscall ABI would return in EAX.
var (
	ENOMEM    = Err_t(-int(unix.ENOMEM))
	EINVAL    = Err_t(-int(unix.EINVAL))
	ENOENT    = Err_t(-int(unix.ENOENT))
	ENOTDIR   = Err_t(-int(unix.ENOTDIR))
	EISDIR    = Err_t(-int(unix.EISDIR))
	EBADF     = Err_t(-int(unix.EBADF))
	EACCES    = Err_t(-int(unix.EACCES))
	EPERM     = Err_t(-int(unix.EPERM))
	EEXIST    = Err_t(-int(unix.EEXIST))
	EXDEV     = Err_t(-int(unix.EXDEV))
	EMFILE    = Err_t(-int(unix.EMFILE))
	ENOSPC    = Err_t(-int(unix.ENOSPC))
	EROFS     = Err_t(-int(unix.EROFS))
	EINTR     = Err_t(-int(unix.EINTR))
	EAGAIN    = Err_t(-int(unix.EAGAIN))
	ENOSYS    = Err_t(-int(unix.ENOSYS))
	EIO       = Err_t(-int(unix.EIO))
	EPIPE     = Err_t(-int(unix.EPIPE))
	ECHILD    = Err_t(-int(unix.ECHILD))
	ENOTTY    = Err_t(-int(unix.ENOTTY))
	ERANGE    = Err_t(-int(unix.ERANGE))
	EFAULT    = Err_t(-int(unix.EFAULT))
	ENAMETOOLONG = Err_t(-int(unix.ENAMETOOLONG))
	ESRCH     = Err_t(-int(unix.ESRCH))
	ELOOP     = Err_t(-int(unix.ELOOP))
	ENXIO     = Err_t(-int(unix.ENXIO))
	EBUSY     = Err_t(-int(unix.EBUSY))
	ENOEXEC   = Err_t(-int(unix.ENOEXEC))
)

// Ok reports whether e represents success.
func (e Err_t) Ok() bool { return e == 0 }

// Pgroundup rounds v up to the next page boundary.
func Pgroundup(v uintptr) uintptr {
	return (v + PGSIZE - 1) &^ (PGSIZE - 1)
}

// Pgrounddown rounds v down to a page boundary.
func Pgrounddown(v uintptr) uintptr {
	return v &^ (PGSIZE - 1)
}

// Pgoff returns the in-page offset of v.
func Pgoff(v uintptr) uintptr {
	return v & (PGSIZE - 1)
}

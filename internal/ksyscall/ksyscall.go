// Package ksyscall implements spec.md §4.K: the fixed syscall dispatch
// table. Numbers follow the 32-bit x86 Linux assignment per spec.md §6
// (exit=1, fork=2, read=3, write=4, open=5, ...), declared as this
// package's own SYS_* constants.
//
// Grounded on justanotherdot-biscuit's trapstub (main.go): it saves a full
// register frame into a fixed-size array and hands it to a dispatch
// function by trap number. This package generalizes that one dispatch
// site into a registrable table indexed by syscall number, since the
// pack's copy of main.go stops at the single x86 trap vector and does not
// itself define the syscall table.
package ksyscall

import (
	"sync"

	"github.com/ankhcore/coreos/internal/common"
)

// Frame is the saved user register state a trap hands to dispatch, mirroring
// spec.md §6's ABI: eax=number, ebx/ecx/edx/esi/edi/ebp=args, eax=return.
type Frame struct {
	Eax, Ebx, Ecx, Edx, Esi, Edi, Ebp uintptr
}

// Args returns the frame's argument registers in calling-convention order.
func (f *Frame) Args() [6]uintptr {
	return [6]uintptr{f.Ebx, f.Ecx, f.Edx, f.Esi, f.Edi, f.Ebp}
}

// Handler is a registered syscall implementation: it reads its arguments
// from f.Args() and returns the value to be written back into f.Eax.
type Handler func(f *Frame) common.Err_t

// Table is the number-indexed dispatch table (§4.K), populated at init. It
// is a map keyed by syscall number, not a fixed-size array, so any number
// can be registered.
type Table struct {
	handlers map[uintptr]Handler
}

// NewTable creates an empty dispatch table.
func NewTable() *Table {
	return &Table{handlers: make(map[uintptr]Handler)}
}

// Register installs fn as the handler for syscall number nr. Registering
// twice under the same number replaces the prior handler, matching a
// from-scratch init-time table build rather than an append-only log.
func (t *Table) Register(nr uintptr, fn Handler) {
	t.handlers[nr] = fn
}

// Dispatch implements §4.K's trap handling: look up the handler for
// f.Eax, call it with the frame, and write the return value back into
// f.Eax. An unregistered number returns ENOSYS, matching §4.K "unknown
// syscall returns 'function not implemented.'"
func (t *Table) Dispatch(f *Frame) common.Err_t {
	fn, ok := t.handlers[f.Eax]
	if !ok {
		f.Eax = uintptr(common.ENOSYS)
		return common.ENOSYS
	}
	ret := fn(f)
	f.Eax = uintptr(ret)
	return ret
}

// Handles stands in for the byte-addressable user memory a real execve or
// open would dereference ebx/ecx/edx into: this hosted simulator has no
// single flat address space a pointer register could index, so a string or
// []string argument (a path, an argv/envp vector) is registered here once
// and passed across the Frame as the opaque uintptr handle Put returns.
type Handles struct {
	mu     sync.Mutex
	next   uintptr
	values map[uintptr]interface{}
}

// NewHandles creates an empty handle table.
func NewHandles() *Handles {
	return &Handles{values: make(map[uintptr]interface{})}
}

// Put registers v and returns the handle a Frame register should carry.
func (h *Handles) Put(v interface{}) uintptr {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.next++
	nr := h.next
	h.values[nr] = v
	return nr
}

// Get resolves a handle back to the value Put registered it with.
func (h *Handles) Get(handle uintptr) (interface{}, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	v, ok := h.values[handle]
	return v, ok
}

// Free releases a handle once its syscall has consumed it, the way a real
// kernel drops its hold on a copied-in user buffer after the call returns.
func (h *Handles) Free(handle uintptr) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.values, handle)
}

// The numbering spec.md §6 calls out explicitly, following 32-bit x86
// Linux where practical.
const (
	SYS_EXIT      = 1
	SYS_FORK      = 2
	SYS_READ      = 3
	SYS_WRITE     = 4
	SYS_OPEN      = 5
	SYS_CLOSE     = 6
	SYS_WAITPID   = 7
	SYS_EXECVE    = 11
	SYS_LSEEK     = 19
	SYS_GETPID    = 20
	SYS_BRK       = 45
	SYS_SIGACTION = 67
	SYS_SIGRETURN = 119
	SYS_MMAP2     = 192
)

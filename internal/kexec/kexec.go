// Package kexec implements spec.md §4.L: the binary-format registry and
// the execve path that builds a binprm, tries each registered format in
// order, and lets a format recursively rewrite the binprm (the script
// "#!" case) and re-dispatch.
//
// Grounded on justanotherdot-biscuit's proc_new (main.go): it builds a
// fresh common.Proc_t from resolved cwd and an fd set the same way a
// binprm here carries a resolved dentry and copied argv/envp — this
// package generalizes that one-shot process constructor into a
// multi-format, recursively-rewritable loader, since the pack's copy of
// main.go has no exec/binfmt code of its own.
package kexec

import (
	"bytes"
	"path"
	"strings"

	"github.com/ankhcore/coreos/internal/common"
	"github.com/ankhcore/coreos/internal/vfs"
)

// Binprm carries everything execve assembles before a format's LoadBinary
// decides how (or whether) to run it (§4.L "binprm carrying resolved
// dentry, argument/env strings copied into a kernel buffer, counts, and
// an initial user-stack pointer").
type Binprm struct {
	Dentry     *vfs.Dentry
	Data       []byte // the first page or so of the file's contents, for format sniffing
	Argv       []string
	Envp       []string
	StackTop   uintptr
	rewriteHop int
}

const maxRewriteHops = 4

// LoadResult is what a successful format load hands back to execve: the
// entry point to jump to and the final argv the new image actually runs
// with (scripts discard argv[0] and prepend the interpreter).
type LoadResult struct {
	Entry uintptr
	Argv  []string
}

// Rewrite is returned by a format that wants the binprm re-dispatched
// under a different binary (the script "#!" case) instead of loaded
// directly.
type Rewrite struct {
	NewPath string
	NewArgv []string
}

// Format is one registered binary loader (§4.L "each exposes
// load_binary(binprm)"). LoadBinary returns exactly one of: a LoadResult
// (loaded), a *Rewrite (re-dispatch under a new binary), or an error —
// never more than one, matching §7's "a result pointer plus a separate
// error channel are never mixed" applied to this three-way outcome.
type Format interface {
	LoadBinary(b *Binprm) (*LoadResult, *Rewrite, common.Err_t)
}

// Registry holds formats in registration order (§4.L "formats are tried
// in registration order").
type Registry struct {
	formats []Format
	resolve func(path string) (*vfs.Dentry, []byte, common.Err_t)
}

// NewRegistry creates an empty registry. resolve looks up a path (used
// when a script rewrite names an interpreter by path) and returns its
// dentry plus a sniffing prefix of its contents.
func NewRegistry(resolve func(path string) (*vfs.Dentry, []byte, common.Err_t)) *Registry {
	return &Registry{resolve: resolve}
}

// Register appends fmt to the try-in-order list.
func (r *Registry) Register(f Format) {
	r.formats = append(r.formats, f)
}

// Execve implements §4.L's execve: builds the initial binprm, then tries
// each registered format, following at most maxRewriteHops recursive
// rewrites before giving up with ELOOP (scripts whose interpreter is
// itself a script, ad infinitum, must not hang the caller).
func (r *Registry) Execve(dentry *vfs.Dentry, data []byte, argv, envp []string) (*LoadResult, common.Err_t) {
	b := &Binprm{Dentry: dentry, Data: data, Argv: argv, Envp: envp}
	return r.dispatch(b)
}

func (r *Registry) dispatch(b *Binprm) (*LoadResult, common.Err_t) {
	for _, f := range r.formats {
		res, rw, err := f.LoadBinary(b)
		switch {
		case err != 0:
			continue
		case res != nil:
			return res, 0
		case rw != nil:
			if b.rewriteHop >= maxRewriteHops {
				return nil, common.ELOOP
			}
			nd, ndata, rerr := r.resolve(rw.NewPath)
			if rerr != 0 {
				return nil, rerr
			}
			nb := &Binprm{
				Dentry:     nd,
				Data:       ndata,
				Argv:       rw.NewArgv,
				Envp:       b.Envp,
				rewriteHop: b.rewriteHop + 1,
			}
			return r.dispatch(nb)
		}
	}
	return nil, common.ENOEXEC
}

// flatMagic marks a directly-loadable image in this hosted simulator: there
// is no real instruction set to jump into, so the "entry point" a caller
// gets back is just the byte offset immediately past the magic.
var flatMagic = []byte("COREOS1\x00")

// FlatFormat recognizes a flatMagic-prefixed image and loads it without any
// rewrite, the terminal case ScriptFormat's rewrites eventually bottom out
// at (§4.L "formats are tried in registration order" until one matches).
type FlatFormat struct{}

func (FlatFormat) LoadBinary(b *Binprm) (*LoadResult, *Rewrite, common.Err_t) {
	if len(b.Data) < len(flatMagic) || !bytes.Equal(b.Data[:len(flatMagic)], flatMagic) {
		return nil, nil, common.ENOEXEC
	}
	return &LoadResult{Entry: uintptr(len(flatMagic)), Argv: b.Argv}, nil, 0
}

// ScriptFormat implements the "#!" interpreter-line convention: it
// recognizes a leading "#!", discards the script's own argv[0], and
// rewrites the binprm to load the named interpreter with argv set to the
// interpreter's base name, any arguments on the "#!" line, the script's
// path, and the script's remaining arguments (§4.L "script '#!' prepends the
// interpreter, discards the script's argv[0], and re-dispatches with the
// interpreter as the new binary").
type ScriptFormat struct {
	ScriptPath func(b *Binprm) string // how to name the script itself in the rewritten argv
}

func (s *ScriptFormat) LoadBinary(b *Binprm) (*LoadResult, *Rewrite, common.Err_t) {
	if len(b.Data) < 2 || b.Data[0] != '#' || b.Data[1] != '!' {
		return nil, nil, common.ENOEXEC
	}
	line := string(b.Data[2:])
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	fields := strings.Fields(strings.TrimSpace(line))
	if len(fields) == 0 {
		return nil, nil, common.ENOEXEC
	}
	interp := fields[0]
	interpArgs := fields[1:]

	scriptPath := b.ScriptPathOrSelf(s.ScriptPath)
	argv := append(append([]string{path.Base(interp)}, interpArgs...), scriptPath)
	argv = append(argv, b.Argv[1:]...)
	return nil, &Rewrite{NewPath: interp, NewArgv: argv}, 0
}

// ScriptPathOrSelf resolves the path a script rewrite should record for
// itself, falling back to argv[0] when no explicit namer is supplied.
func (b *Binprm) ScriptPathOrSelf(namer func(*Binprm) string) string {
	if namer != nil {
		return namer(b)
	}
	if len(b.Argv) > 0 {
		return b.Argv[0]
	}
	return ""
}

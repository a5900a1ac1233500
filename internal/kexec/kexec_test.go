package kexec

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ankhcore/coreos/internal/common"
	"github.com/ankhcore/coreos/internal/vfs"
)

// elfStubFormat recognizes a fake magic prefix and always loads at a
// fixed entry point, standing in for a real ELF loader.
type elfStubFormat struct{}

func (elfStubFormat) LoadBinary(b *Binprm) (*LoadResult, *Rewrite, common.Err_t) {
	if len(b.Data) < 4 || string(b.Data[:4]) != "\x7fELF" {
		return nil, nil, common.ENOEXEC
	}
	return &LoadResult{Entry: 0x8048000, Argv: b.Argv}, nil, 0
}

func newFileRegistry(files map[string][]byte) *Registry {
	resolve := func(path string) (*vfs.Dentry, []byte, common.Err_t) {
		data, ok := files[path]
		if !ok {
			return nil, nil, common.ENOENT
		}
		return nil, data, 0
	}
	r := NewRegistry(resolve)
	r.Register(&ScriptFormat{})
	r.Register(elfStubFormat{})
	return r
}

func TestExecveLoadsElfDirectly(t *testing.T) {
	files := map[string][]byte{"/bin/prog": append([]byte("\x7fELF"), 0, 0, 0)}
	r := newFileRegistry(files)

	res, err := r.Execve(nil, files["/bin/prog"], []string{"/bin/prog"}, nil)
	require.Zero(t, err)
	require.EqualValues(t, 0x8048000, res.Entry)
}

func TestExecveUnrecognizedFormatIsENOEXEC(t *testing.T) {
	r := newFileRegistry(nil)
	_, err := r.Execve(nil, []byte("garbage"), []string{"/bin/x"}, nil)
	require.Equal(t, common.ENOEXEC, err)
}

func TestExecveRewritesScriptToInterpreter(t *testing.T) {
	files := map[string][]byte{
		"/usr/bin/sh":  append([]byte("\x7fELF"), 0, 0, 0),
		"/usr/bin/app": []byte("#!/usr/bin/sh -x\nrest of script"),
	}
	r := newFileRegistry(files)

	res, err := r.Execve(nil, files["/usr/bin/app"], []string{"/usr/bin/app", "arg1"}, nil)
	require.Zero(t, err)
	require.EqualValues(t, 0x8048000, res.Entry)
}

func TestScriptFormatRewriteArgvOrder(t *testing.T) {
	sf := &ScriptFormat{}
	b := &Binprm{
		Data: []byte("#!/usr/bin/sh -x\nbody"),
		Argv: []string{"/usr/bin/app", "arg1", "arg2"},
	}
	_, rw, err := sf.LoadBinary(b)
	require.Zero(t, err)
	require.Equal(t, "/usr/bin/sh", rw.NewPath)
	require.Equal(t, []string{"sh", "-x", "/usr/bin/app", "arg1", "arg2"}, rw.NewArgv)
}

func TestFlatFormatLoadsDirectly(t *testing.T) {
	data := append(append([]byte{}, flatMagic...), 0xAA, 0xBB)
	res, rw, err := FlatFormat{}.LoadBinary(&Binprm{Data: data, Argv: []string{"/bin/init"}})
	require.Zero(t, err)
	require.Nil(t, rw)
	require.EqualValues(t, len(flatMagic), res.Entry)
	require.Equal(t, []string{"/bin/init"}, res.Argv)
}

func TestFlatFormatRejectsUnmagicData(t *testing.T) {
	_, _, err := FlatFormat{}.LoadBinary(&Binprm{Data: []byte("not a flat image")})
	require.Equal(t, common.ENOEXEC, err)
}

func TestExecveScriptRewritesThenFlatLoads(t *testing.T) {
	files := map[string][]byte{
		"/bin/init":  flatMagic,
		"/bin/greet": []byte("#!/bin/init\n"),
	}
	resolve := func(path string) (*vfs.Dentry, []byte, common.Err_t) {
		data, ok := files[path]
		if !ok {
			return nil, nil, common.ENOENT
		}
		return nil, data, 0
	}
	r := NewRegistry(resolve)
	r.Register(FlatFormat{})
	r.Register(&ScriptFormat{})

	res, err := r.Execve(nil, files["/bin/greet"], []string{"/bin/greet"}, nil)
	require.Zero(t, err)
	require.EqualValues(t, len(flatMagic), res.Entry)
}

func TestExecveRecursiveScriptLoopIsELOOP(t *testing.T) {
	files := map[string][]byte{
		"/bin/a": []byte("#!/bin/b\n"),
		"/bin/b": []byte("#!/bin/c\n"),
		"/bin/c": []byte("#!/bin/d\n"),
		"/bin/d": []byte("#!/bin/e\n"),
		"/bin/e": []byte("#!/bin/a\n"),
	}
	r := newFileRegistry(files)
	_, err := r.Execve(nil, files["/bin/a"], []string{"/bin/a"}, nil)
	require.Equal(t, common.ELOOP, err)
}

package main

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ankhcore/coreos/internal/vfs"
)

func TestNewRootfsHasMotdFile(t *testing.T) {
	var nextIno uint64
	root := newRootfs(&nextIno)

	entries, err := root.Readdir()
	require.Zero(t, err)
	require.Len(t, entries, 2)

	motd, err := root.Lookup("motd")
	require.Zero(t, err)
	require.Equal(t, vfs.TypeReg, motd.Type())
	require.EqualValues(t, len("coreos booted\n"), motd.Size())
}

func TestNewRootfsBinHasInitAndGreet(t *testing.T) {
	var nextIno uint64
	root := newRootfs(&nextIno)

	bin, err := root.Lookup("bin")
	require.Zero(t, err)
	require.Equal(t, vfs.TypeDir, bin.Type())
	binDir := bin.(*memInode)

	init, err := binDir.Lookup("init")
	require.Zero(t, err)
	require.Equal(t, vfs.TypeReg, init.Type())

	greet, err := binDir.Lookup("greet")
	require.Zero(t, err)
	require.Equal(t, vfs.TypeReg, greet.Type())
}

func TestRootfsInodesGetDistinctNumbers(t *testing.T) {
	var nextIno uint64
	root := newRootfs(&nextIno)
	motd, _ := root.Lookup("motd")
	require.NotEqual(t, root.Ino(), motd.Ino())
}

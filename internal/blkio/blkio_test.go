package blkio

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/ankhcore/coreos/internal/common"
)

func TestAferoDriverRoundTripsBlocks(t *testing.T) {
	fs := afero.NewMemMapFs()
	drv, err := OpenAferoDriver(fs, "/disk.img", common.BlockSize, 4, nil)
	require.Zero(t, err)

	w := bytes(common.BlockSize, 0x7)
	require.Zero(t, drv.Request(&Request{Block: 2, Buf: w, Write: true}))

	r := make([]byte, common.BlockSize)
	require.Zero(t, drv.Request(&Request{Block: 2, Buf: r}))
	require.Equal(t, w, r)
}

func TestAferoDriverReadPastEndZeroFills(t *testing.T) {
	fs := afero.NewMemMapFs()
	drv, err := OpenAferoDriver(fs, "/disk.img", common.BlockSize, 0, nil)
	require.Zero(t, err)

	r := make([]byte, common.BlockSize)
	for i := range r {
		r[i] = 0xFF
	}
	require.Zero(t, drv.Request(&Request{Block: 0, Buf: r}))
	for _, b := range r {
		require.EqualValues(t, 0, b)
	}
}

func TestDispatcherSubmitUnknownMajorIsENXIO(t *testing.T) {
	d := NewDispatcher(nil)
	err := d.Submit(&Request{Dev: 3 << 8, Block: 0, Buf: make([]byte, 1)})
	require.Equal(t, common.ENXIO, err)
}

func TestDispatcherRoutesByMajor(t *testing.T) {
	fs := afero.NewMemMapFs()
	drv, _ := OpenAferoDriver(fs, "/disk.img", common.BlockSize, 2, nil)
	d := NewDispatcher(nil)
	d.Register(1, drv)

	buf := bytes(common.BlockSize, 0x2A)
	require.Zero(t, d.WriteBlock(1<<8, 0, buf))
	out := make([]byte, common.BlockSize)
	require.Zero(t, d.ReadBlock(1<<8, 0, out))
	require.Equal(t, buf, out)
}

func TestPartitionedDriverRemapsBlocksAndRejectsOutOfRange(t *testing.T) {
	fs := afero.NewMemMapFs()
	base, _ := OpenAferoDriver(fs, "/disk.img", common.BlockSize, 100, nil)
	pd := NewPartitionedDriver(base)
	pd.AddPartition(1, 10, 5) // minor 1: blocks [10,15)

	w := bytes(common.BlockSize, 0x11)
	require.Zero(t, pd.Request(&Request{Dev: (2 << 8) | 1, Block: 0, Buf: w, Write: true}))

	// verify it landed at the base device's block 10, not block 0
	r := make([]byte, common.BlockSize)
	require.Zero(t, base.Request(&Request{Block: 10, Buf: r}))
	require.Equal(t, w, r)

	err := pd.Request(&Request{Dev: (2 << 8) | 1, Block: 5, Buf: make([]byte, common.BlockSize)})
	require.Equal(t, common.EINVAL, err)

	err = pd.Request(&Request{Dev: (2 << 8) | 9, Block: 0, Buf: make([]byte, common.BlockSize)})
	require.Equal(t, common.ENXIO, err)
}

func bytes(n int, b byte) []byte {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = b
	}
	return buf
}

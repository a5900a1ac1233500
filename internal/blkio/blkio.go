// Package blkio implements spec.md §4.M: block I/O request dispatch. A
// Request built by the buffer cache is handed to the registered driver for
// its major number; the driver reports success or an error, and
// internal/buffercache marks the buffer clean and up-to-date on success or
// leaves it dirty and propagates the error on failure.
//
// Grounded on the retrieval pack's ufs-driver.go block-device pattern
// (ahci_disk_t dispatching Bdev_req_t by BDEV_READ/WRITE/FLUSH), adapted
// from raw ATA port I/O to an afero.Fs-backed disk image — the same
// indirection nestybox-sysbox-fs uses (sysio.IOnodeFile) to swap an
// afero.NewMemMapFs() in tests for an afero.NewOsFs() in production.
package blkio

import (
	"io"
	"os"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/ankhcore/coreos/internal/common"
)

// Request is the unit of work the buffer cache hands to a driver
// (§4.M "struct request{dev, cmd, block, buf, size}"). Dev packs
// major<<8|minor, matching §6's device-number convention.
type Request struct {
	Dev   uint32
	Block uint64
	Buf   []byte
	Write bool
}

func (r *Request) major() uint32 { return r.Dev >> 8 }
func (r *Request) minor() uint32 { return r.Dev & 0xff }

// Driver is the per-major request handler trait (§9 "function-pointer
// tables as capability traits," applied to blk_dev[major].request).
type Driver interface {
	Request(req *Request) common.Err_t
}

// Dispatcher is the blk_dev[] table: one Driver per major number.
type Dispatcher struct {
	mu      sync.RWMutex
	drivers map[uint32]Driver
	log     logrus.FieldLogger
}

// NewDispatcher creates an empty dispatch table. log may be nil.
func NewDispatcher(log logrus.FieldLogger) *Dispatcher {
	return &Dispatcher{drivers: make(map[uint32]Driver), log: log}
}

// Register installs drv as the handler for major.
func (d *Dispatcher) Register(major uint32, drv Driver) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.drivers[major] = drv
}

// Submit dispatches req to its major's driver, or ENXIO if none is
// registered.
func (d *Dispatcher) Submit(req *Request) common.Err_t {
	d.mu.RLock()
	drv, ok := d.drivers[req.major()]
	d.mu.RUnlock()
	if !ok {
		if d.log != nil {
			d.log.WithField("major", req.major()).Warn("blkio: no driver registered")
		}
		return common.ENXIO
	}
	return drv.Request(req)
}

// ReadBlock implements internal/buffercache.Device by submitting a read
// request through this dispatcher.
func (d *Dispatcher) ReadBlock(dev uint32, block uint64, buf []byte) common.Err_t {
	return d.Submit(&Request{Dev: dev, Block: block, Buf: buf})
}

// WriteBlock implements internal/buffercache.Device by submitting a write
// request through this dispatcher.
func (d *Dispatcher) WriteBlock(dev uint32, block uint64, buf []byte) common.Err_t {
	return d.Submit(&Request{Dev: dev, Block: block, Buf: buf, Write: true})
}

// AferoDriver backs a major number with a single disk-image file on an
// afero.Fs — afero.NewMemMapFs() in tests, afero.NewOsFs() against a real
// image file in production, exactly the swap sysbox-fs performs between
// its IOMemFileService and IOOsFileService.
type AferoDriver struct {
	mu        sync.Mutex
	f         afero.File
	blockSize int
	log       logrus.FieldLogger
}

// OpenAferoDriver opens (creating if absent) path on fs as a block device
// of the given block size. sizeBlocks pre-extends the image so reads
// within range never short-read; 0 leaves it to grow with writes.
func OpenAferoDriver(fs afero.Fs, path string, blockSize int, sizeBlocks int64, log logrus.FieldLogger) (*AferoDriver, common.Err_t) {
	f, err := fs.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		if log != nil {
			log.WithError(errors.Wrap(err, "blkio: open")).WithField("path", path).
				Error("failed to open block device image")
		}
		return nil, common.EIO
	}
	if sizeBlocks > 0 {
		if err := f.Truncate(sizeBlocks * int64(blockSize)); err != nil {
			return nil, common.EIO
		}
	}
	return &AferoDriver{f: f, blockSize: blockSize, log: log}, 0
}

// Request implements Driver: it reads or writes req.Buf at the
// block-aligned offset req.Block*blockSize within the backing file.
func (a *AferoDriver) Request(req *Request) common.Err_t {
	a.mu.Lock()
	defer a.mu.Unlock()
	off := int64(req.Block) * int64(a.blockSize)

	if req.Write {
		n, err := a.f.WriteAt(req.Buf, off)
		if err != nil || n != len(req.Buf) {
			if a.log != nil {
				a.log.WithError(errors.Wrap(err, "blkio: write")).
					WithField("block", req.Block).Error("block write failed")
			}
			return common.EIO
		}
		return 0
	}

	n, err := a.f.ReadAt(req.Buf, off)
	if err != nil && err != io.EOF {
		if a.log != nil {
			a.log.WithError(errors.Wrap(err, "blkio: read")).
				WithField("block", req.Block).Error("block read failed")
		}
		return common.EIO
	}
	for i := n; i < len(req.Buf); i++ {
		req.Buf[i] = 0 // reading past image end returns zero-filled blocks
	}
	return 0
}

// Partition is one minor number's (start, length) window onto a base
// driver's block address space (§4.M "partitions are a thin minor-number
// remapping layer").
type Partition struct {
	StartBlock uint64
	NumBlocks  uint64
}

// PartitionedDriver wraps a base Driver, remapping requests whose minor
// number names a registered partition, and passing minor 0 straight
// through as the whole device.
type PartitionedDriver struct {
	mu    sync.RWMutex
	base  Driver
	parts map[uint32]Partition
}

// NewPartitionedDriver wraps base with an empty partition table.
func NewPartitionedDriver(base Driver) *PartitionedDriver {
	return &PartitionedDriver{base: base, parts: make(map[uint32]Partition)}
}

// AddPartition installs minor as a window [start, start+num) onto the
// base device's blocks.
func (p *PartitionedDriver) AddPartition(minor uint32, start, num uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.parts[minor] = Partition{StartBlock: start, NumBlocks: num}
}

// Request implements Driver, remapping req.Block into the partition's
// window before forwarding to the base driver.
func (p *PartitionedDriver) Request(req *Request) common.Err_t {
	minor := req.minor()
	if minor == 0 {
		return p.base.Request(req)
	}
	p.mu.RLock()
	part, ok := p.parts[minor]
	p.mu.RUnlock()
	if !ok {
		return common.ENXIO
	}
	if req.Block >= part.NumBlocks {
		return common.EINVAL
	}
	remapped := *req
	remapped.Block = part.StartBlock + req.Block
	remapped.Dev = req.Dev &^ 0xff
	return p.base.Request(&remapped)
}

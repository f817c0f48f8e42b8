package blockfs

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	uuid "github.com/satori/go.uuid"
)

// StatusCode is the result of a single flash transaction, mapped onto the
// blockfs error Kind space by FlashBlockDevice's callbacks.
type StatusCode int

const (
	StatusSuccess StatusCode = iota
	StatusBadAddress
	StatusTimeout
	StatusBusy
	StatusError
)

// RawFlash is the narrow contract this package needs from the physical
// transport: raw byte-addressed read/program/erase. Actual SPI
// framing (command opcodes, dummy cycles) is the driver's concern and
// lives outside this package.
type RawFlash interface {
	ReadAt(addr uint32, buf []byte) StatusCode
	ProgramAt(addr uint32, buf []byte) StatusCode
	EraseBlock(addr uint32, size uint32) StatusCode
}

// FlashBlockDevice translates (block, offset, size) tuples into byte
// addresses with overflow-safe arithmetic and exposes the five callbacks
// the filesystem core consumes: read, program, erase, sync, lock/unlock.
type FlashBlockDevice struct {
	cfg   Config
	flash RawFlash
	mu    sync.Mutex
	log   *logrus.Entry

	volumeID uuid.UUID
}

func NewFlashBlockDevice(cfg Config, flash RawFlash) (*FlashBlockDevice, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &FlashBlockDevice{
		cfg:      cfg,
		flash:    flash,
		log:      logrus.WithField("component", "blockdevice"),
		volumeID: uuid.NewV4(),
	}, nil
}

// VolumeID returns a random identity tag generated when the device value
// is constructed. It is not written to flash, so two devices constructed
// over the same image report different IDs.
func (d *FlashBlockDevice) VolumeID() uuid.UUID { return d.volumeID }

// address computes block*block_size + off with explicit overflow and
// range checks. Any overflow, or a block/offset/size outside the device,
// yields a KindInvalid error without touching the flash.
func (d *FlashBlockDevice) address(block, off, size uint32) (uint32, error) {
	if block >= d.cfg.BlockCount {
		return 0, newErr(KindInvalid, "address", "", fmt.Errorf("block %d out of range (count %d)", block, d.cfg.BlockCount))
	}
	if off+size < off {
		return 0, newErr(KindInvalid, "address", "", fmt.Errorf("offset+size overflow"))
	}
	if off+size > d.cfg.BlockSize {
		return 0, newErr(KindInvalid, "address", "", fmt.Errorf("offset %d + size %d exceeds block size %d", off, size, d.cfg.BlockSize))
	}
	base := uint64(block) * uint64(d.cfg.BlockSize)
	addr := base + uint64(off)
	if addr > uint64(^uint32(0)) {
		return 0, newErr(KindInvalid, "address", "", fmt.Errorf("address overflow for block %d offset %d", block, off))
	}
	return uint32(addr), nil
}

func statusToErr(op string, s StatusCode) error {
	switch s {
	case StatusSuccess:
		return nil
	case StatusBadAddress:
		return newErr(KindInvalid, op, "", fmt.Errorf("bad address"))
	case StatusTimeout, StatusBusy, StatusError:
		return newErr(KindIO, op, "", fmt.Errorf("flash status %d", s))
	default:
		return newErr(KindIO, op, "", fmt.Errorf("unknown flash status %d", s))
	}
}

// Read copies size bytes from (block, off) into buf[:size].
func (d *FlashBlockDevice) Read(block, off uint32, buf []byte) error {
	size := uint32(len(buf))
	addr, err := d.address(block, off, size)
	if err != nil {
		return err
	}
	return statusToErr("read", d.flash.ReadAt(addr, buf))
}

// Program writes buf to (block, off).
func (d *FlashBlockDevice) Program(block, off uint32, buf []byte) error {
	size := uint32(len(buf))
	addr, err := d.address(block, off, size)
	if err != nil {
		return err
	}
	return statusToErr("program", d.flash.ProgramAt(addr, buf))
}

// Erase erases an entire block.
func (d *FlashBlockDevice) Erase(block uint32) error {
	addr, err := d.address(block, 0, d.cfg.BlockSize)
	if err != nil {
		return err
	}
	return statusToErr("erase", d.flash.EraseBlock(addr, d.cfg.BlockSize))
}

// Sync is a no-op: SPI NOR writes are synchronous at the chip interface,
// there is no write-back cache to flush.
func (d *FlashBlockDevice) Sync() error { return nil }

// Lock acquires the device mutex, held by the filesystem for the duration
// of a single transaction. It returns an unlock func for scope-guard style
// use: `defer dev.Lock()()`.
func (d *FlashBlockDevice) Lock() func() {
	d.mu.Lock()
	return d.mu.Unlock
}

// BlockSize returns the configured erase/program granularity.
func (d *FlashBlockDevice) BlockSize() uint32 { return d.cfg.BlockSize }

// BlockCount returns the configured number of addressable blocks.
func (d *FlashBlockDevice) BlockCount() uint32 { return d.cfg.BlockCount }

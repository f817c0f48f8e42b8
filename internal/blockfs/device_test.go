package blockfs

import (
	"bytes"
	"testing"
)

// fakeFlash is a RawFlash backed by an in-memory byte slice, standing in
// for the physical SPI NOR part in tests.
type fakeFlash struct {
	mem []byte
}

func newFakeFlash(cfg Config) *fakeFlash {
	return &fakeFlash{mem: make([]byte, cfg.BlockSize*cfg.BlockCount)}
}

func (f *fakeFlash) ReadAt(addr uint32, buf []byte) StatusCode {
	if int(addr)+len(buf) > len(f.mem) {
		return StatusBadAddress
	}
	copy(buf, f.mem[addr:])
	return StatusSuccess
}

func (f *fakeFlash) ProgramAt(addr uint32, buf []byte) StatusCode {
	if int(addr)+len(buf) > len(f.mem) {
		return StatusBadAddress
	}
	copy(f.mem[addr:], buf)
	return StatusSuccess
}

func (f *fakeFlash) EraseBlock(addr uint32, size uint32) StatusCode {
	if int(addr)+int(size) > len(f.mem) {
		return StatusBadAddress
	}
	for i := uint32(0); i < size; i++ {
		f.mem[addr+i] = 0xFF
	}
	return StatusSuccess
}

func TestAddressArithmeticOverflow(t *testing.T) {
	cfg := Config{BlockSize: 256, BlockCount: 4, CacheSize: 8, MaxOpenFDs: 1, MaxDirDepth: 1, NameMax: 8}
	dev, err := NewFlashBlockDevice(cfg, newFakeFlash(cfg))
	if err != nil {
		t.Fatalf("NewFlashBlockDevice: %v", err)
	}

	if err := dev.Read(10, 0, make([]byte, 1)); err == nil {
		t.Fatal("expected out-of-range block to be rejected")
	}
	if err := dev.Read(0, 250, make([]byte, 10)); err == nil {
		t.Fatal("expected offset+size beyond block size to be rejected")
	}
	if err := dev.Read(0, 0, make([]byte, 16)); err != nil {
		t.Fatalf("expected in-range read to succeed: %v", err)
	}
}

func TestProgramReadRoundTrip(t *testing.T) {
	cfg := Config{BlockSize: 256, BlockCount: 4, CacheSize: 8, MaxOpenFDs: 1, MaxDirDepth: 1, NameMax: 8}
	dev, err := NewFlashBlockDevice(cfg, newFakeFlash(cfg))
	if err != nil {
		t.Fatalf("NewFlashBlockDevice: %v", err)
	}
	payload := []byte("configblock")
	if err := dev.Program(2, 10, payload); err != nil {
		t.Fatalf("Program: %v", err)
	}
	out := make([]byte, len(payload))
	if err := dev.Read(2, 10, out); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(out, payload) {
		t.Fatalf("got %q want %q", out, payload)
	}
}

func TestEraseSetsErasedPattern(t *testing.T) {
	cfg := Config{BlockSize: 128, BlockCount: 2, CacheSize: 8, MaxOpenFDs: 1, MaxDirDepth: 1, NameMax: 8}
	dev, err := NewFlashBlockDevice(cfg, newFakeFlash(cfg))
	if err != nil {
		t.Fatalf("NewFlashBlockDevice: %v", err)
	}
	if err := dev.Program(0, 0, []byte{0x01, 0x02, 0x03}); err != nil {
		t.Fatalf("Program: %v", err)
	}
	if err := dev.Erase(0); err != nil {
		t.Fatalf("Erase: %v", err)
	}
	out := make([]byte, 3)
	dev.Read(0, 0, out)
	for _, b := range out {
		if b != 0xFF {
			t.Fatalf("expected erased byte 0xFF, got 0x%02x", b)
		}
	}
}

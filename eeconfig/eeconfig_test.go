package eeconfig

import (
	"testing"

	"github.com/tzarc/keymapfs/internal/blockfs"
)

type fakeFlash struct{ mem []byte }

func newFakeFlash(cfg blockfs.Config) *fakeFlash {
	return &fakeFlash{mem: make([]byte, cfg.BlockSize*cfg.BlockCount)}
}

func (f *fakeFlash) ReadAt(addr uint32, buf []byte) blockfs.StatusCode {
	if int(addr)+len(buf) > len(f.mem) {
		return blockfs.StatusBadAddress
	}
	copy(buf, f.mem[addr:])
	return blockfs.StatusSuccess
}

func (f *fakeFlash) ProgramAt(addr uint32, buf []byte) blockfs.StatusCode {
	if int(addr)+len(buf) > len(f.mem) {
		return blockfs.StatusBadAddress
	}
	copy(f.mem[addr:], buf)
	return blockfs.StatusSuccess
}

func (f *fakeFlash) EraseBlock(addr uint32, size uint32) blockfs.StatusCode {
	if int(addr)+int(size) > len(f.mem) {
		return blockfs.StatusBadAddress
	}
	for i := uint32(0); i < size; i++ {
		f.mem[addr+i] = 0xFF
	}
	return blockfs.StatusSuccess
}

// countingFlash wraps fakeFlash and counts ProgramAt calls, so tests can
// assert that an unchanged write performs zero underlying flash writes.
type countingFlash struct {
	*fakeFlash
	programs int
}

func (f *countingFlash) ProgramAt(addr uint32, buf []byte) blockfs.StatusCode {
	f.programs++
	return f.fakeFlash.ProgramAt(addr, buf)
}

func newTestFS(t *testing.T) (*blockfs.Filesystem, *countingFlash) {
	t.Helper()
	cfg := blockfs.DefaultConfig()
	cfg.BlockSize = 512
	cfg.BlockCount = 64
	cfg.CacheSize = 64
	cf := &countingFlash{fakeFlash: newFakeFlash(cfg)}
	dev, err := blockfs.NewFlashBlockDevice(cfg, cf)
	if err != nil {
		t.Fatalf("NewFlashBlockDevice: %v", err)
	}
	fs, err := blockfs.NewFilesystem(cfg, dev, blockfs.NewMemBackingFS())
	if err != nil {
		t.Fatalf("NewFilesystem: %v", err)
	}
	if err := fs.Format(); err != nil {
		t.Fatalf("Format: %v", err)
	}
	if err := fs.Mount(); err != nil {
		t.Fatalf("Mount: %v", err)
	}
	if err := fs.Mkdir("/ee"); err != nil {
		t.Fatalf("Mkdir /ee: %v", err)
	}
	if err := fs.Mkdir("/via"); err != nil {
		t.Fatalf("Mkdir /via: %v", err)
	}
	return fs, cf
}

func testConfig() Config {
	return Config{
		KeyboardDatablock: DatablockConfig{ExpectedVersion: 1, Size: 16},
		UserDatablock:     DatablockConfig{ExpectedVersion: 1, Size: 8},
	}
}

func TestMagicEnableDisable(t *testing.T) {
	fs, _ := newTestFS(t)
	e := New(fs, testConfig())

	if e.IsEnabled() {
		t.Fatal("expected store to start disabled (no magic file yet)")
	}
	if err := e.Enable(); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	if !e.IsEnabled() {
		t.Fatal("expected IsEnabled after Enable")
	}
	if err := e.Disable(); err != nil {
		t.Fatalf("Disable: %v", err)
	}
	if e.IsEnabled() {
		t.Fatal("expected !IsEnabled after Disable")
	}
}

func TestWriteSkippedWhenUnchanged(t *testing.T) {
	fs, cf := newTestFS(t)
	e := New(fs, testConfig())

	if err := e.SetDefaultLayer(2); err != nil {
		t.Fatalf("SetDefaultLayer: %v", err)
	}
	before := cf.programs

	if err := e.SetDefaultLayer(2); err != nil {
		t.Fatalf("SetDefaultLayer (repeat): %v", err)
	}
	if cf.programs != before {
		t.Fatalf("expected no additional flash writes for an unchanged value, programs went from %d to %d", before, cf.programs)
	}

	if err := e.SetDefaultLayer(3); err != nil {
		t.Fatalf("SetDefaultLayer (changed): %v", err)
	}
	if cf.programs == before {
		t.Fatal("expected a flash write when the value actually changed")
	}

	got, ok := e.DefaultLayer()
	if !ok || got != 3 {
		t.Fatalf("expected DefaultLayer()=3, got %d ok=%v", got, ok)
	}
}

func TestDatablockVersionMismatchReturnsZeros(t *testing.T) {
	fs, _ := newTestFS(t)
	e := New(fs, testConfig())

	if got := e.ReadKeyboardDatablock(); len(got) != 16 {
		t.Fatalf("expected zeroed 16-byte block before init, got len %d", len(got))
	}
	for _, b := range e.ReadKeyboardDatablock() {
		if b != 0 {
			t.Fatal("expected all-zero block before init")
		}
	}
}

func TestDatablockInitWriteReadRoundTrip(t *testing.T) {
	fs, _ := newTestFS(t)
	e := New(fs, testConfig())

	if err := e.InitKeyboardDatablock(); err != nil {
		t.Fatalf("InitKeyboardDatablock: %v", err)
	}
	if ok, err := fs.Exists("/ee/kb_datablock"); err != nil || !ok {
		t.Fatalf("expected /ee/kb_datablock to exist after init, ok=%v err=%v", ok, err)
	}
	if ok, _ := fs.Exists("/ee/keyboard_datablock"); ok {
		t.Fatal("keyboard datablock must not be named keyboard_datablock")
	}
	payload := []byte{1, 2, 3, 4}
	if err := e.WriteKeyboardDatablock(payload); err != nil {
		t.Fatalf("WriteKeyboardDatablock: %v", err)
	}
	got := e.ReadKeyboardDatablock()
	if len(got) != 16 {
		t.Fatalf("expected 16-byte block, got %d", len(got))
	}
	for i, want := range payload {
		if got[i] != want {
			t.Fatalf("byte %d: got %d want %d", i, got[i], want)
		}
	}
	for i := len(payload); i < len(got); i++ {
		if got[i] != 0 {
			t.Fatalf("expected padding byte %d to be zero, got %d", i, got[i])
		}
	}
}

func TestDatablockOversizePayloadRejected(t *testing.T) {
	fs, _ := newTestFS(t)
	e := New(fs, testConfig())
	if err := e.InitUserDatablock(); err != nil {
		t.Fatalf("InitUserDatablock: %v", err)
	}
	if err := e.WriteUserDatablock(make([]byte, 99)); err == nil {
		t.Fatal("expected an error for a payload exceeding the configured datablock size")
	}
}

func TestEraseRecreatesEmptyDir(t *testing.T) {
	fs, _ := newTestFS(t)
	e := New(fs, testConfig())

	if err := e.SetDebug(7); err != nil {
		t.Fatalf("SetDebug: %v", err)
	}
	if err := e.Erase(); err != nil {
		t.Fatalf("Erase: %v", err)
	}
	if exists, _ := fs.Exists("/ee"); !exists {
		t.Fatal("expected /ee to exist after Erase")
	}
	if _, ok := e.Debug(); ok {
		t.Fatal("expected debug entry to be gone after Erase")
	}
}

func TestViaLayoutOptionsRoundTrip(t *testing.T) {
	fs, _ := newTestFS(t)
	e := New(fs, testConfig())

	if err := e.SetViaLayoutOptions(0xDEADBEEF); err != nil {
		t.Fatalf("SetViaLayoutOptions: %v", err)
	}
	got, ok := e.ViaLayoutOptions()
	if !ok || got != 0xDEADBEEF {
		t.Fatalf("expected 0xDEADBEEF, got 0x%08x ok=%v", got, ok)
	}
}

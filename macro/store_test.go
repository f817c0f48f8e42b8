package macro

import (
	"bytes"
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

func newTestFS(t *testing.T) *blockfs.Filesystem {
	t.Helper()
	cfg := blockfs.DefaultConfig()
	cfg.BlockSize = 512
	cfg.BlockCount = 64
	cfg.CacheSize = 64
	dev, err := blockfs.NewFlashBlockDevice(cfg, newFakeFlash(cfg))
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
	if err := fs.Mkdir("/macros"); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	return fs
}

func TestMacroSaveLoadRoundTrip(t *testing.T) {
	fs := newTestFS(t)
	store := New(fs, DefaultBufferSize)

	payload := append([]byte("hi\x00bye\x00"), make([]byte, DefaultBufferSize-8)...)
	store.UpdateBuffer(0, payload)
	if !store.IsDirty() {
		t.Fatal("expected UpdateBuffer to mark the store dirty")
	}
	if err := store.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if store.IsDirty() {
		t.Fatal("expected Save to clear the dirty flag")
	}

	data, err := fs.ReadFile("/macros/00")
	if err != nil || string(data) != "hi" {
		t.Fatalf("expected /macros/00 = %q, got %q (err %v)", "hi", data, err)
	}
	data, err = fs.ReadFile("/macros/01")
	if err != nil || string(data) != "bye" {
		t.Fatalf("expected /macros/01 = %q, got %q (err %v)", "bye", data, err)
	}
	if exists, _ := fs.Exists("/macros/02"); exists {
		t.Fatal("expected macro 02 (empty run) to be skipped")
	}

	reload := New(fs, DefaultBufferSize)
	if err := reload.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	got := reload.ReadBuffer(0, 7)
	want := []byte("hi\x00bye\x00")
	if !bytes.Equal(got, want) {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestUpdateBufferClampsToCapacity(t *testing.T) {
	fs := newTestFS(t)
	store := New(fs, 8)
	store.UpdateBuffer(6, []byte("overflow"))
	got := store.ReadBuffer(6, 8)
	if len(got) != 2 {
		t.Fatalf("expected clamped write of 2 bytes, got %d", len(got))
	}
}

package main

import (
	"fmt"
	"os"

	"github.com/tzarc/keymapfs/internal/blockfs"
)

// fileFlash backs blockfs.RawFlash with a plain os.File, treating a flash
// image on disk the same way the firmware treats a physical SPI NOR part:
// reads and programs are byte-addressed, erase fills a region with 0xFF.
type fileFlash struct {
	f    *os.File
	size int64
}

func openFileFlash(path string, size int64) (*fileFlash, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open flash image %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if info.Size() < size {
		if err := f.Truncate(size); err != nil {
			f.Close()
			return nil, fmt.Errorf("extend flash image to %d bytes: %w", size, err)
		}
	}
	return &fileFlash{f: f, size: size}, nil
}

func (ff *fileFlash) Close() error { return ff.f.Close() }

func (ff *fileFlash) ReadAt(addr uint32, buf []byte) blockfs.StatusCode {
	if int64(addr)+int64(len(buf)) > ff.size {
		return blockfs.StatusBadAddress
	}
	if _, err := ff.f.ReadAt(buf, int64(addr)); err != nil {
		return blockfs.StatusError
	}
	return blockfs.StatusSuccess
}

func (ff *fileFlash) ProgramAt(addr uint32, buf []byte) blockfs.StatusCode {
	if int64(addr)+int64(len(buf)) > ff.size {
		return blockfs.StatusBadAddress
	}
	if _, err := ff.f.WriteAt(buf, int64(addr)); err != nil {
		return blockfs.StatusError
	}
	return blockfs.StatusSuccess
}

func (ff *fileFlash) EraseBlock(addr uint32, size uint32) blockfs.StatusCode {
	if int64(addr)+int64(size) > ff.size {
		return blockfs.StatusBadAddress
	}
	erased := make([]byte, size)
	for i := range erased {
		erased[i] = 0xFF
	}
	if _, err := ff.f.WriteAt(erased, int64(addr)); err != nil {
		return blockfs.StatusError
	}
	return blockfs.StatusSuccess
}

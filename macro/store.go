// Package macro implements the flat, NUL-delimited macro buffer: a
// single fixed-size byte buffer holding macro strings back-to-back, each
// terminated by a NUL, split into one file per macro on save and
// concatenated back on load.
package macro

import (
	"bytes"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/tzarc/keymapfs/internal/blockfs"
)

// DefaultBufferSize matches the firmware's fixed 1024-byte macro buffer.
const DefaultBufferSize = 1024

// Store is the opaque window into the macro buffer: bulk read/update by
// (offset, size), a dirty flag, and the flash-backed save/load path.
type Store struct {
	fs     *blockfs.Filesystem
	log    *logrus.Entry
	buffer []byte
	dirty  bool
}

func New(fs *blockfs.Filesystem, size int) *Store {
	if size <= 0 {
		size = DefaultBufferSize
	}
	return &Store{
		fs:     fs,
		log:    logrus.WithField("component", "macro"),
		buffer: make([]byte, size),
	}
}

// ReadBuffer copies size bytes starting at off. Out-of-range reads are
// clamped to the buffer's bounds rather than panicking.
func (s *Store) ReadBuffer(off, size int) []byte {
	if off < 0 || off >= len(s.buffer) {
		return nil
	}
	end := off + size
	if end > len(s.buffer) {
		end = len(s.buffer)
	}
	out := make([]byte, end-off)
	copy(out, s.buffer[off:end])
	return out
}

// UpdateBuffer writes data starting at off, clamped to the buffer's
// bounds, and sets the dirty flag if any byte actually changed.
func (s *Store) UpdateBuffer(off int, data []byte) {
	if off < 0 || off >= len(s.buffer) {
		return
	}
	end := off + len(data)
	if end > len(s.buffer) {
		end = len(s.buffer)
		data = data[:end-off]
	}
	if !bytes.Equal(s.buffer[off:end], data) {
		copy(s.buffer[off:end], data)
		s.dirty = true
	}
}

// IsDirty reports whether the buffer has changed since the last Save.
func (s *Store) IsDirty() bool { return s.dirty }

func macroFileName(n int) string { return fmt.Sprintf("/macros/%02d", n) }

// Save walks the buffer splitting on NUL; each non-empty run is written to
// its own file (no terminator on disk), empty runs are skipped but still
// advance the index, and the dirty flag is cleared on success.
func (s *Store) Save() error {
	if !s.dirty {
		return nil
	}
	n := 0
	start := 0
	for start < len(s.buffer) {
		end := bytes.IndexByte(s.buffer[start:], 0)
		var run []byte
		if end < 0 {
			run = s.buffer[start:]
			start = len(s.buffer)
		} else {
			run = s.buffer[start : start+end]
			start += end + 1
		}
		if len(run) > 0 {
			if err := s.fs.WriteFile(macroFileName(n), run); err != nil {
				s.log.WithError(err).WithField("macro", n).Warn("save failed, will retry next tick")
				return err
			}
		}
		n++
	}
	s.dirty = false
	return nil
}

// Load zeroes the buffer, then for n = 0, 1, ... reads /macros/NN,
// appending a NUL after each and advancing the write pointer by
// count+1. Stops at the first missing file, leaving the remainder zeroed.
func (s *Store) Load() error {
	for i := range s.buffer {
		s.buffer[i] = 0
	}
	pos := 0
	for n := 0; ; n++ {
		data, err := s.fs.ReadFile(macroFileName(n))
		if err != nil {
			if isNotFound(err) {
				break
			}
			return err
		}
		remaining := len(s.buffer) - pos
		if remaining <= 0 {
			break
		}
		if len(data) > remaining-1 {
			data = data[:remaining-1]
		}
		copy(s.buffer[pos:], data)
		pos += len(data)
		s.buffer[pos] = 0
		pos++
	}
	s.dirty = false
	return nil
}

func isNotFound(err error) bool {
	e, ok := err.(*blockfs.Error)
	return ok && e.Kind == blockfs.KindNotFound
}

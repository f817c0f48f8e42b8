// Package keymap implements the per-layer RAM cache and flash-backed
// persistence of dynamic keymaps: a keycode grid per (layer, row, col),
// an "altered" bitmap tracking which positions differ from the
// compile-time default, and a save policy that picks whichever of a
// full-grid or an override-list encoding is smaller.
package keymap

import (
	"encoding/binary"
	"fmt"

	"github.com/bits-and-blooms/bitset"
	"github.com/sirupsen/logrus"

	"github.com/tzarc/keymapfs/internal/blockfs"
)

// KCNo is the "no keycode" sentinel returned for any out-of-range read.
const KCNo uint16 = 0x0000

const (
	modeFullGrid uint8 = 0x00
	modeOverride uint8 = 0x01

	overrideEntrySize = 4 // row:u8, col:u8, keycode:u16
)

// RawDefaultFunc returns the compile-time default keycode for a position,
// queried via the keymap build artifact. Modeled as an injected function
// value rather than a weak-linked symbol.
type RawDefaultFunc func(layer, row, col int) uint16

// Config carries the matrix dimensions this store is sized for.
type Config struct {
	Layers int
	Rows   int
	Cols   int
}

// Store is the per-layer RAM cache plus dirty/altered bookkeeping and the
// Filesystem-backed save/load path. One owning value per caller: no
// package-level globals, everything lives here and callers serialize
// access the same way the Filesystem itself is serialized.
type Store struct {
	cfg   Config
	fs    *blockfs.Filesystem
	raw   RawDefaultFunc
	log   *logrus.Entry

	cache        [][][]uint16
	altered      []*bitset.BitSet
	alteredCount []int
	dirty        *bitset.BitSet
}

func New(cfg Config, fs *blockfs.Filesystem, raw RawDefaultFunc) *Store {
	s := &Store{
		cfg:          cfg,
		fs:           fs,
		raw:          raw,
		log:          logrus.WithField("component", "keymap"),
		cache:        make([][][]uint16, cfg.Layers),
		altered:      make([]*bitset.BitSet, cfg.Layers),
		alteredCount: make([]int, cfg.Layers),
		dirty:        bitset.New(uint(cfg.Layers)),
	}
	for l := 0; l < cfg.Layers; l++ {
		s.cache[l] = make([][]uint16, cfg.Rows)
		for r := 0; r < cfg.Rows; r++ {
			s.cache[l][r] = make([]uint16, cfg.Cols)
		}
		s.altered[l] = bitset.New(uint(cfg.Rows * cfg.Cols))
	}
	s.resetToDefaults()
	return s
}

func (s *Store) bitIndex(row, col int) uint { return uint(row*s.cfg.Cols + col) }

func (s *Store) inRange(layer, row, col int) bool {
	return layer >= 0 && layer < s.cfg.Layers && row >= 0 && row < s.cfg.Rows && col >= 0 && col < s.cfg.Cols
}

func (s *Store) resetToDefaults() {
	for l := 0; l < s.cfg.Layers; l++ {
		for r := 0; r < s.cfg.Rows; r++ {
			for c := 0; c < s.cfg.Cols; c++ {
				s.cache[l][r][c] = s.raw(l, r, c)
			}
		}
		s.altered[l].ClearAll()
		s.alteredCount[l] = 0
	}
	s.dirty.ClearAll()
}

// Read returns the cached keycode at (layer, row, col), or KCNo for any
// out-of-range index.
func (s *Store) Read(layer, row, col int) uint16 {
	if !s.inRange(layer, row, col) {
		return KCNo
	}
	return s.cache[layer][row][col]
}

// Update writes the RAM cache unconditionally, toggles the altered bit iff
// the keycode differs from the raw default, adjusts AlteredCount, and
// marks the layer dirty. Out-of-range writes are silent no-ops, tolerating
// configuration drift between firmware versions with differing matrix
// sizes.
func (s *Store) Update(layer, row, col int, keycode uint16) {
	if !s.inRange(layer, row, col) {
		return
	}
	s.cache[layer][row][col] = keycode

	bit := s.bitIndex(row, col)
	wasAltered := s.altered[layer].Test(bit)
	isAltered := keycode != s.raw(layer, row, col)

	switch {
	case isAltered && !wasAltered:
		s.altered[layer].Set(bit)
		s.alteredCount[layer]++
	case !isAltered && wasAltered:
		s.altered[layer].Clear(bit)
		s.alteredCount[layer]--
	}
	s.dirty.Set(uint(layer))
}

// IsAltered reports whether (layer,row,col) currently differs from its raw
// default.
func (s *Store) IsAltered(layer, row, col int) bool {
	if !s.inRange(layer, row, col) {
		return false
	}
	return s.altered[layer].Test(s.bitIndex(row, col))
}

// AlteredCount returns the population count for a layer.
func (s *Store) AlteredCount(layer int) int {
	if layer < 0 || layer >= s.cfg.Layers {
		return 0
	}
	return s.alteredCount[layer]
}

func layerFileName(layer int) string { return fmt.Sprintf("/layers/key%02d", layer) }

// Save walks every dirty layer and applies the save policy: a layer with
// zero altered positions has its file deleted (raw defaults suffice);
// otherwise the smaller of a full R*C grid or an override list is
// written, preferring the full grid on a tie. Save failures leave the
// dirty bit set for the housekeeping task's next tick to retry.
func (s *Store) Save() error {
	for layer := 0; layer < s.cfg.Layers; layer++ {
		if !s.dirty.Test(uint(layer)) {
			continue
		}
		if err := s.saveLayer(layer); err != nil {
			s.log.WithError(err).WithField("layer", layer).Warn("save failed, will retry next tick")
			return err
		}
		s.dirty.Clear(uint(layer))
	}
	return nil
}

func (s *Store) saveLayer(layer int) error {
	name := layerFileName(layer)
	count := s.alteredCount[layer]
	if count == 0 {
		if err := s.fs.Delete(name); err != nil && !blockfsNotFound(err) {
			return err
		}
		return nil
	}

	fullSize := s.cfg.Rows*s.cfg.Cols*2 + 1
	overrideSize := count*overrideEntrySize + 1

	var payload []byte
	if fullSize <= overrideSize {
		payload = make([]byte, 1, fullSize)
		payload[0] = modeFullGrid
		for r := 0; r < s.cfg.Rows; r++ {
			for c := 0; c < s.cfg.Cols; c++ {
				var kc [2]byte
				binary.LittleEndian.PutUint16(kc[:], s.cache[layer][r][c])
				payload = append(payload, kc[:]...)
			}
		}
		s.log.WithField("layer", layer).Debug("saving full grid")
	} else {
		payload = make([]byte, 1, overrideSize)
		payload[0] = modeOverride
		for r := 0; r < s.cfg.Rows; r++ {
			for c := 0; c < s.cfg.Cols; c++ {
				if !s.altered[layer].Test(s.bitIndex(r, c)) {
					continue
				}
				var entry [overrideEntrySize]byte
				entry[0] = byte(r)
				entry[1] = byte(c)
				binary.LittleEndian.PutUint16(entry[2:4], s.cache[layer][r][c])
				payload = append(payload, entry[:]...)
			}
		}
		s.log.WithField("layer", layer).Debug("saving override list")
	}
	return s.fs.WriteFile(name, payload)
}

// Load resets every layer to raw defaults, then reconstructs the cache
// from disk for any layer with a file present. Each override is replayed
// through Update so the altered bitmap/count stay consistent; running
// Load twice is idempotent.
func (s *Store) Load() error {
	s.resetToDefaults()
	for layer := 0; layer < s.cfg.Layers; layer++ {
		if err := s.loadLayer(layer); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) loadLayer(layer int) error {
	name := layerFileName(layer)
	data, err := s.fs.ReadFile(name)
	if err != nil {
		if blockfsNotFound(err) {
			return nil
		}
		return err
	}
	if len(data) == 0 {
		return nil
	}
	mode := data[0]
	body := data[1:]
	switch mode {
	case modeFullGrid:
		idx := 0
		for r := 0; r < s.cfg.Rows; r++ {
			for c := 0; c < s.cfg.Cols; c++ {
				if idx+2 > len(body) {
					return fmt.Errorf("keymap layer %d: truncated full-grid payload", layer)
				}
				kc := binary.LittleEndian.Uint16(body[idx : idx+2])
				s.Update(layer, r, c, kc)
				idx += 2
			}
		}
	case modeOverride:
		for i := 0; i+overrideEntrySize <= len(body); i += overrideEntrySize {
			row := int(body[i])
			col := int(body[i+1])
			kc := binary.LittleEndian.Uint16(body[i+2 : i+4])
			s.Update(layer, row, col, kc)
		}
	default:
		return fmt.Errorf("keymap layer %d: unexpected mode byte 0x%02x", layer, mode)
	}
	// a freshly loaded layer is not dirty; Update() above marks it dirty,
	// so clear it back out to keep Load idempotent against a following Save.
	s.dirty.Clear(uint(layer))
	return nil
}

// Erase clears every layer back to raw defaults and removes all on-disk
// layer files.
func (s *Store) Erase() error {
	for layer := 0; layer < s.cfg.Layers; layer++ {
		name := layerFileName(layer)
		if err := s.fs.Delete(name); err != nil && !blockfsNotFound(err) {
			return err
		}
	}
	s.resetToDefaults()
	return nil
}

// ReadRaw copies the packed little-endian keycode buffer for VIA-style
// bulk transfers, starting at byte offset off for size bytes, across the
// whole (layer,row,col) address space treated as a flat buffer.
func (s *Store) ReadRaw(off, size int) []byte {
	out := make([]byte, 0, size)
	total := s.cfg.Layers * s.cfg.Rows * s.cfg.Cols * 2
	for i := off; i < off+size && i < total; i += 2 {
		idx := i / 2
		l := idx / (s.cfg.Rows * s.cfg.Cols)
		rem := idx % (s.cfg.Rows * s.cfg.Cols)
		r := rem / s.cfg.Cols
		c := rem % s.cfg.Cols
		var kc [2]byte
		binary.LittleEndian.PutUint16(kc[:], s.Read(l, r, c))
		out = append(out, kc[:]...)
	}
	return out
}

// UpdateRaw writes a packed little-endian keycode buffer at byte offset
// off, the bulk-transfer counterpart to ReadRaw.
func (s *Store) UpdateRaw(off int, data []byte) {
	total := s.cfg.Layers * s.cfg.Rows * s.cfg.Cols * 2
	for i := 0; i+1 < len(data); i += 2 {
		pos := off + i
		if pos+1 >= total {
			break
		}
		idx := pos / 2
		l := idx / (s.cfg.Rows * s.cfg.Cols)
		rem := idx % (s.cfg.Rows * s.cfg.Cols)
		r := rem / s.cfg.Cols
		c := rem % s.cfg.Cols
		kc := binary.LittleEndian.Uint16(data[i : i+2])
		s.Update(l, r, c, kc)
	}
}

func blockfsNotFound(err error) bool {
	e, ok := err.(*blockfs.Error)
	return ok && e.Kind == blockfs.KindNotFound
}

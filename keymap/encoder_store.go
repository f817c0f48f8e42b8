package keymap

import (
	"encoding/binary"
	"fmt"

	"github.com/bits-and-blooms/bitset"
	"github.com/sirupsen/logrus"

	"github.com/tzarc/keymapfs/internal/blockfs"
)

const encoderOverrideEntrySize = 4 // encoder_id:u8, direction:u8, keycode:u16

// EncoderConfig carries the encoder matrix dimensions this store is sized
// for: NUM_ENCODERS rotary encoders, each with NUM_DIRECTIONS directions
// (typically 2: clockwise/counter-clockwise).
type EncoderConfig struct {
	Layers    int
	Encoders  int
	Directions int
}

// EncoderStore mirrors Store's structure, but is keyed by
// (layer, encoder, direction) instead of (layer, row, col), and
// serializes to /layers/encNN instead of /layers/keyNN.
type EncoderStore struct {
	cfg EncoderConfig
	fs  *blockfs.Filesystem
	raw EncoderRawDefaultFunc
	log *logrus.Entry

	cache        [][][]uint16
	altered      []*bitset.BitSet
	alteredCount []int
	dirty        *bitset.BitSet
}

// EncoderRawDefaultFunc returns the compile-time default keycode for one
// encoder direction on one layer.
type EncoderRawDefaultFunc func(layer, encoder, direction int) uint16

func NewEncoderStore(cfg EncoderConfig, fs *blockfs.Filesystem, raw EncoderRawDefaultFunc) *EncoderStore {
	s := &EncoderStore{
		cfg:          cfg,
		fs:           fs,
		raw:          raw,
		log:          logrus.WithField("component", "encodermap"),
		cache:        make([][][]uint16, cfg.Layers),
		altered:      make([]*bitset.BitSet, cfg.Layers),
		alteredCount: make([]int, cfg.Layers),
		dirty:        bitset.New(uint(cfg.Layers)),
	}
	for l := 0; l < cfg.Layers; l++ {
		s.cache[l] = make([][]uint16, cfg.Encoders)
		for e := 0; e < cfg.Encoders; e++ {
			s.cache[l][e] = make([]uint16, cfg.Directions)
		}
		s.altered[l] = bitset.New(uint(cfg.Encoders * cfg.Directions))
	}
	s.resetToDefaults()
	return s
}

func (s *EncoderStore) bitIndex(encoder, direction int) uint {
	return uint(encoder*s.cfg.Directions + direction)
}

func (s *EncoderStore) inRange(layer, encoder, direction int) bool {
	return layer >= 0 && layer < s.cfg.Layers &&
		encoder >= 0 && encoder < s.cfg.Encoders &&
		direction >= 0 && direction < s.cfg.Directions
}

func (s *EncoderStore) resetToDefaults() {
	for l := 0; l < s.cfg.Layers; l++ {
		for e := 0; e < s.cfg.Encoders; e++ {
			for d := 0; d < s.cfg.Directions; d++ {
				s.cache[l][e][d] = s.raw(l, e, d)
			}
		}
		s.altered[l].ClearAll()
		s.alteredCount[l] = 0
	}
	s.dirty.ClearAll()
}

// Read returns KCNo for any out-of-range index.
func (s *EncoderStore) Read(layer, encoder, direction int) uint16 {
	if !s.inRange(layer, encoder, direction) {
		return KCNo
	}
	return s.cache[layer][encoder][direction]
}

// Update mirrors Store.Update's semantics exactly, keyed by
// (layer, encoder, direction) instead of (layer, row, col).
func (s *EncoderStore) Update(layer, encoder, direction int, keycode uint16) {
	if !s.inRange(layer, encoder, direction) {
		return
	}
	s.cache[layer][encoder][direction] = keycode

	bit := s.bitIndex(encoder, direction)
	wasAltered := s.altered[layer].Test(bit)
	isAltered := keycode != s.raw(layer, encoder, direction)

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

func (s *EncoderStore) AlteredCount(layer int) int {
	if layer < 0 || layer >= s.cfg.Layers {
		return 0
	}
	return s.alteredCount[layer]
}

func encoderLayerFileName(layer int) string { return fmt.Sprintf("/layers/enc%02d", layer) }

// Save applies the same full-grid-vs-override-list policy as Store.Save,
// per layer.
func (s *EncoderStore) Save() error {
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

func (s *EncoderStore) saveLayer(layer int) error {
	name := encoderLayerFileName(layer)
	count := s.alteredCount[layer]
	if count == 0 {
		if err := s.fs.Delete(name); err != nil && !blockfsNotFound(err) {
			return err
		}
		return nil
	}

	fullSize := s.cfg.Encoders*s.cfg.Directions*2 + 1
	overrideSize := count*encoderOverrideEntrySize + 1

	var payload []byte
	if fullSize <= overrideSize {
		payload = make([]byte, 1, fullSize)
		payload[0] = modeFullGrid
		for e := 0; e < s.cfg.Encoders; e++ {
			for d := 0; d < s.cfg.Directions; d++ {
				var kc [2]byte
				binary.LittleEndian.PutUint16(kc[:], s.cache[layer][e][d])
				payload = append(payload, kc[:]...)
			}
		}
	} else {
		payload = make([]byte, 1, overrideSize)
		payload[0] = modeOverride
		for e := 0; e < s.cfg.Encoders; e++ {
			for d := 0; d < s.cfg.Directions; d++ {
				if !s.altered[layer].Test(s.bitIndex(e, d)) {
					continue
				}
				var entry [encoderOverrideEntrySize]byte
				entry[0] = byte(e)
				entry[1] = byte(d)
				binary.LittleEndian.PutUint16(entry[2:4], s.cache[layer][e][d])
				payload = append(payload, entry[:]...)
			}
		}
	}
	return s.fs.WriteFile(name, payload)
}

// Load resets to defaults then reconstructs every layer from disk, same
// idempotency guarantee as Store.Load.
func (s *EncoderStore) Load() error {
	s.resetToDefaults()
	for layer := 0; layer < s.cfg.Layers; layer++ {
		if err := s.loadLayer(layer); err != nil {
			return err
		}
	}
	return nil
}

func (s *EncoderStore) loadLayer(layer int) error {
	name := encoderLayerFileName(layer)
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
		for e := 0; e < s.cfg.Encoders; e++ {
			for d := 0; d < s.cfg.Directions; d++ {
				if idx+2 > len(body) {
					return fmt.Errorf("encoder layer %d: truncated full-grid payload", layer)
				}
				kc := binary.LittleEndian.Uint16(body[idx : idx+2])
				s.Update(layer, e, d, kc)
				idx += 2
			}
		}
	case modeOverride:
		for i := 0; i+encoderOverrideEntrySize <= len(body); i += encoderOverrideEntrySize {
			encoder := int(body[i])
			direction := int(body[i+1])
			kc := binary.LittleEndian.Uint16(body[i+2 : i+4])
			s.Update(layer, encoder, direction, kc)
		}
	default:
		return fmt.Errorf("encoder layer %d: unexpected mode byte 0x%02x", layer, mode)
	}
	s.dirty.Clear(uint(layer))
	return nil
}

// Erase clears every layer to defaults and removes all on-disk encoder
// layer files.
func (s *EncoderStore) Erase() error {
	for layer := 0; layer < s.cfg.Layers; layer++ {
		name := encoderLayerFileName(layer)
		if err := s.fs.Delete(name); err != nil && !blockfsNotFound(err) {
			return err
		}
	}
	s.resetToDefaults()
	return nil
}

// Package eeconfig implements the typed key/value accessor over small
// named files: fixed-width settings (magic, debug, default_layer,
// per-feature config bytes) plus variable-length opaque "data blocks"
// guarded by a version tag. Writes are skipped when the new value
// equals what is already on disk, trading a read for an erase cycle.
package eeconfig

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/tzarc/keymapfs/internal/blockfs"
)

// Magic values written to ee/magic to mark the store enabled/disabled.
const (
	MagicNumber    uint16 = 0xFEE5
	MagicNumberOff uint16 = 0x0000
)

// DatablockConfig sizes one of the two opaque data blocks (kb_datablock,
// user_datablock) and names the version this build expects.
type DatablockConfig struct {
	ExpectedVersion uint32
	Size            int
}

// Config names the sizes for both datablocks; a zero Size disables that
// block entirely (Init and Write become no-ops, Read returns an empty slice).
type Config struct {
	KeyboardDatablock DatablockConfig
	UserDatablock     DatablockConfig
}

// EeConfig is the typed accessor over /ee/*.
type EeConfig struct {
	fs  *blockfs.Filesystem
	cfg Config
	log *logrus.Entry
}

func New(fs *blockfs.Filesystem, cfg Config) *EeConfig {
	return &EeConfig{fs: fs, cfg: cfg, log: logrus.WithField("component", "eeconfig")}
}

func path(name string) string { return "/ee/" + name }

// --- fixed-width scalar accessors -------------------------------------

// GetU8 reads a one-byte entry, returning (0, false) if absent.
func (e *EeConfig) GetU8(name string) (uint8, bool) {
	data, err := e.fs.ReadFile(path(name))
	if err != nil || len(data) < 1 {
		return 0, false
	}
	return data[0], true
}

// SetU8 writes a one-byte entry, skipping the write if the on-disk value
// already matches.
func (e *EeConfig) SetU8(name string, v uint8) error {
	return e.writeIfChanged(name, []byte{v})
}

// GetU16 reads a little-endian two-byte entry.
func (e *EeConfig) GetU16(name string) (uint16, bool) {
	data, err := e.fs.ReadFile(path(name))
	if err != nil || len(data) < 2 {
		return 0, false
	}
	return binary.LittleEndian.Uint16(data), true
}

// SetU16 writes a little-endian two-byte entry.
func (e *EeConfig) SetU16(name string, v uint16) error {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	return e.writeIfChanged(name, b[:])
}

// GetU32 reads a little-endian four-byte entry.
func (e *EeConfig) GetU32(name string) (uint32, bool) {
	data, err := e.fs.ReadFile(path(name))
	if err != nil || len(data) < 4 {
		return 0, false
	}
	return binary.LittleEndian.Uint32(data), true
}

// SetU32 writes a little-endian four-byte entry.
func (e *EeConfig) SetU32(name string, v uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return e.writeIfChanged(name, b[:])
}

// writeIfChanged reads back the existing ee/ entry and compares; if it's
// already equal to data, the write is skipped entirely. Otherwise the
// file is truncated and rewritten.
func (e *EeConfig) writeIfChanged(name string, data []byte) error {
	return e.writeIfChangedAt(path(name), data)
}

// writeIfChangedAt is writeIfChanged against an already-prefixed path,
// used by the /via/ accessors which live outside the ee/ directory.
func (e *EeConfig) writeIfChangedAt(p string, data []byte) error {
	existing, err := e.fs.ReadFile(p)
	if err == nil && bytes.Equal(existing, data) {
		return nil
	}
	if err := e.fs.WriteFile(p, data); err != nil {
		e.log.WithError(err).WithField("path", p).Warn("write failed")
		return err
	}
	return nil
}

// --- named entries -------------------------------------------------------

func (e *EeConfig) Magic() (uint16, bool)    { return e.GetU16("magic") }
func (e *EeConfig) SetMagic(v uint16) error  { return e.SetU16("magic", v) }
func (e *EeConfig) Enable() error            { return e.SetMagic(MagicNumber) }
func (e *EeConfig) Disable() error           { return e.SetMagic(MagicNumberOff) }
func (e *EeConfig) IsEnabled() bool          { v, ok := e.Magic(); return ok && v == MagicNumber }

func (e *EeConfig) Debug() (uint8, bool)          { return e.GetU8("debug") }
func (e *EeConfig) SetDebug(v uint8) error         { return e.SetU8("debug", v) }
func (e *EeConfig) DefaultLayer() (uint8, bool)    { return e.GetU8("default_layer") }
func (e *EeConfig) SetDefaultLayer(v uint8) error  { return e.SetU8("default_layer", v) }
func (e *EeConfig) Keymap() (uint8, bool)          { return e.GetU8("keymap") }
func (e *EeConfig) SetKeymap(v uint8) error        { return e.SetU8("keymap", v) }
func (e *EeConfig) Backlight() (uint8, bool)       { return e.GetU8("backlight") }
func (e *EeConfig) SetBacklight(v uint8) error     { return e.SetU8("backlight", v) }
func (e *EeConfig) Audio() (uint8, bool)           { return e.GetU8("audio") }
func (e *EeConfig) SetAudio(v uint8) error         { return e.SetU8("audio", v) }
func (e *EeConfig) RGBLight() (uint32, bool)       { return e.GetU32("rgblight") }
func (e *EeConfig) SetRGBLight(v uint32) error     { return e.SetU32("rgblight", v) }
func (e *EeConfig) RGBMatrix() (uint32, bool)      { return e.GetU32("rgb_matrix") }
func (e *EeConfig) SetRGBMatrix(v uint32) error    { return e.SetU32("rgb_matrix", v) }
func (e *EeConfig) LEDMatrix() (uint32, bool)      { return e.GetU32("led_matrix") }
func (e *EeConfig) SetLEDMatrix(v uint32) error    { return e.SetU32("led_matrix", v) }
func (e *EeConfig) Haptic() (uint32, bool)         { return e.GetU32("haptic") }
func (e *EeConfig) SetHaptic(v uint32) error       { return e.SetU32("haptic", v) }
func (e *EeConfig) UnicodeMode() (uint8, bool)     { return e.GetU8("unicodemode") }
func (e *EeConfig) SetUnicodeMode(v uint8) error   { return e.SetU8("unicodemode", v) }
func (e *EeConfig) StenoMode() (uint8, bool)       { return e.GetU8("stenomode") }
func (e *EeConfig) SetStenoMode(v uint8) error     { return e.SetU8("stenomode", v) }
func (e *EeConfig) Handedness() (uint8, bool)      { return e.GetU8("handedness") }
func (e *EeConfig) SetHandedness(v uint8) error    { return e.SetU8("handedness", v) }
func (e *EeConfig) KeymapHash() (uint32, bool)     { return e.GetU32("keymap_hash") }
func (e *EeConfig) SetKeymapHash(v uint32) error   { return e.SetU32("keymap_hash", v) }

// --- VIA layout entries --------------------------------------------------

// ViaMagic reads the three-byte VIA protocol magic from /via/magic.
func (e *EeConfig) ViaMagic() ([]byte, bool) {
	data, err := e.fs.ReadFile("/via/magic")
	if err != nil || len(data) < 3 {
		return nil, false
	}
	return data[:3], true
}

// SetViaMagic writes the three-byte VIA protocol magic.
func (e *EeConfig) SetViaMagic(magic [3]byte) error {
	return e.writeIfChangedAt(viaPath("magic"), magic[:])
}

// ViaLayoutOptions reads VIA's packed layout-options bitmask.
func (e *EeConfig) ViaLayoutOptions() (uint32, bool) {
	data, err := e.fs.ReadFile(viaPath("layout_options"))
	if err != nil || len(data) < 4 {
		return 0, false
	}
	return binary.LittleEndian.Uint32(data), true
}

// SetViaLayoutOptions writes VIA's packed layout-options bitmask.
func (e *EeConfig) SetViaLayoutOptions(v uint32) error {
	return e.writeIfChangedAt(viaPath("layout_options"), encodeU32(v))
}

// ViaCustomConfig reads VIA's fixed-size custom-config blob, sized by the
// caller (VIA itself defines the layout of the bytes within).
func (e *EeConfig) ViaCustomConfig(size int) []byte {
	out := make([]byte, size)
	data, err := e.fs.ReadFile(viaPath("custom_config"))
	if err == nil {
		copy(out, data)
	}
	return out
}

// SetViaCustomConfig writes VIA's fixed-size custom-config blob.
func (e *EeConfig) SetViaCustomConfig(data []byte) error {
	return e.writeIfChangedAt(viaPath("custom_config"), data)
}

func viaPath(name string) string { return "/via/" + name }

func encodeU32(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

// --- opaque data blocks --------------------------------------------------

// Block file names are independent of their version-counter file names:
// the keyboard version lives at ee/keyboard but its block lives at
// ee/kb_datablock, not ee/keyboard_datablock.
const (
	kbDatablockFile   = "kb_datablock"
	userDatablockFile = "user_datablock"
)

// ReadKeyboardDatablock validates the version file ee/keyboard against
// ExpectedVersion; on mismatch it returns zeros without touching the
// block file itself.
func (e *EeConfig) ReadKeyboardDatablock() []byte {
	return e.readDatablock("keyboard", kbDatablockFile, e.cfg.KeyboardDatablock)
}

// ReadUserDatablock is ReadKeyboardDatablock's counterpart for ee/user.
func (e *EeConfig) ReadUserDatablock() []byte {
	return e.readDatablock("user", userDatablockFile, e.cfg.UserDatablock)
}

func (e *EeConfig) readDatablock(versionName, blockName string, dc DatablockConfig) []byte {
	out := make([]byte, dc.Size)
	if dc.Size == 0 {
		return out
	}
	version, ok := e.GetU32(versionName)
	if !ok || version != dc.ExpectedVersion {
		return out
	}
	data, err := e.fs.ReadFile(path(blockName))
	if err != nil {
		return out
	}
	copy(out, data)
	return out
}

// InitKeyboardDatablock writes the expected version, then truncates the
// block file and extends it to the configured size by writing a single
// zero byte at size-1, avoiding a full-size write.
func (e *EeConfig) InitKeyboardDatablock() error {
	return e.initDatablock("keyboard", kbDatablockFile, e.cfg.KeyboardDatablock)
}

// InitUserDatablock is InitKeyboardDatablock's counterpart for ee/user.
func (e *EeConfig) InitUserDatablock() error {
	return e.initDatablock("user", userDatablockFile, e.cfg.UserDatablock)
}

func (e *EeConfig) initDatablock(versionName, blockName string, dc DatablockConfig) error {
	if dc.Size == 0 {
		return nil
	}
	if err := e.SetU32(versionName, dc.ExpectedVersion); err != nil {
		return err
	}
	return e.extendToSize(path(blockName), dc.Size)
}

// extendToSize truncates p and grows it to size bytes by seeking to
// size-1 and writing a single zero byte, rather than writing size zero
// bytes outright.
func (e *EeConfig) extendToSize(p string, size int) error {
	fd, err := e.fs.Open(p, blockfs.OWrite|blockfs.OTruncate)
	if err != nil {
		return err
	}
	defer e.fs.Close(fd)
	if size == 0 {
		return nil
	}
	if _, err := e.fs.Seek(fd, int64(size-1), io.SeekStart); err != nil {
		return err
	}
	_, err = e.fs.Write(fd, []byte{0})
	return err
}

// WriteKeyboardDatablock overwrites the block contents (which must
// already be initialized via InitKeyboardDatablock) without touching the
// version file.
func (e *EeConfig) WriteKeyboardDatablock(data []byte) error {
	return e.writeDatablock(kbDatablockFile, e.cfg.KeyboardDatablock, data)
}

// WriteUserDatablock is WriteKeyboardDatablock's counterpart for ee/user.
func (e *EeConfig) WriteUserDatablock(data []byte) error {
	return e.writeDatablock(userDatablockFile, e.cfg.UserDatablock, data)
}

func (e *EeConfig) writeDatablock(blockName string, dc DatablockConfig, data []byte) error {
	if dc.Size == 0 {
		return nil
	}
	if len(data) > dc.Size {
		return fmt.Errorf("eeconfig: %s datablock payload %d exceeds configured size %d", blockName, len(data), dc.Size)
	}
	blob := make([]byte, dc.Size)
	copy(blob, data)
	return e.writeIfChanged(blockName, blob)
}

// Erase recursively removes the ee/ directory and recreates it empty.
func (e *EeConfig) Erase() error {
	if err := e.fs.Rmdir("/ee", true); err != nil {
		if ee, ok := err.(*blockfs.Error); !ok || ee.Kind != blockfs.KindNotFound {
			return err
		}
	}
	return e.fs.Mkdir("/ee")
}

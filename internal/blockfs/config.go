package blockfs

import "fmt"

// Config carries every build-time parameter the original firmware baked in
// as preprocessor constants. It is constructed once at boot and threaded
// through every constructor in this module and its siblings (keymap,
// macro, eeconfig) instead of living as package-level mutable state.
type Config struct {
	// BlockSize is the erase/program granularity in bytes, >= 128.
	BlockSize uint32
	// BlockCount is the number of addressable blocks on the part.
	BlockCount uint32
	// CacheSize must be a multiple of 8 and divide BlockSize.
	CacheSize uint32
	// BlockCycles is the erase-cycle budget between relocations.
	BlockCycles uint32

	// MaxOpenFDs bounds the handle table (FS_MAX_NUM_OPEN_FDS), typically 6.
	MaxOpenFDs int
	// MaxDirDepth bounds directory path depth (FS_MAX_DIR_DEPTH), typically 3.
	MaxDirDepth int
	// NameMax bounds a single path segment's length, typically 40.
	NameMax int
}

// MaxFileDepth is one deeper than MaxDirDepth, matching
// FS_MAX_FILE_DEPTH = FS_MAX_DIR_DEPTH + 1.
func (c Config) MaxFileDepth() int { return c.MaxDirDepth + 1 }

// Validate checks the invariants required of BlockDevice parameters and
// the filesystem bounds, returning a *Error(KindInvalid) describing the
// first violation found.
func (c Config) Validate() error {
	switch {
	case c.BlockSize < 128:
		return newErr(KindInvalid, "config", "", fmt.Errorf("block size %d below minimum 128", c.BlockSize))
	case c.BlockCount == 0:
		return newErr(KindInvalid, "config", "", fmt.Errorf("block count must be nonzero"))
	case c.CacheSize == 0 || c.CacheSize%8 != 0:
		return newErr(KindInvalid, "config", "", fmt.Errorf("cache size %d must be a nonzero multiple of 8", c.CacheSize))
	case c.BlockSize%c.CacheSize != 0:
		return newErr(KindInvalid, "config", "", fmt.Errorf("cache size %d must divide block size %d", c.CacheSize, c.BlockSize))
	case c.MaxOpenFDs <= 0:
		return newErr(KindInvalid, "config", "", fmt.Errorf("max open fds must be positive"))
	case c.MaxDirDepth <= 0:
		return newErr(KindInvalid, "config", "", fmt.Errorf("max dir depth must be positive"))
	case c.NameMax <= 0:
		return newErr(KindInvalid, "config", "", fmt.Errorf("name max must be positive"))
	}
	return nil
}

// DefaultConfig mirrors the typical firmware build constants:
// FS_MAX_NUM_OPEN_FDS=6, FS_MAX_DIR_DEPTH=3, name_max=40.
func DefaultConfig() Config {
	return Config{
		BlockSize:   4096,
		BlockCount:  512,
		CacheSize:   256,
		BlockCycles: 100000,
		MaxOpenFDs:  6,
		MaxDirDepth: 3,
		NameMax:     40,
	}
}

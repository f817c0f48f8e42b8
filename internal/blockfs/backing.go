package blockfs

import "io"

// OpenFlag is a bit-mask over {Read, Write, Truncate}:
// mode = Read=1 | Write=2 | Truncate=4.
type OpenFlag int

const (
	ORead     OpenFlag = 1 << 0
	OWrite    OpenFlag = 1 << 1
	OTruncate OpenFlag = 1 << 2
)

// Whence mirrors io.Seek{Start,Current,End} (Set=0, Cur=1, End=2).
type Whence = int

// EntryInfo is what the backing store can report about one directory
// entry: name, size, and directory-ness. The DirEntry exposed to callers
// of Filesystem.ReadDir is derived from this.
type EntryInfo struct {
	Name  string
	Size  int64
	IsDir bool
}

// BackingFile is the narrow per-handle contract the filesystem core needs
// from the log-structured filesystem underneath it: read/write at the
// current offset, seek, and close. This mirrors the real log-structured
// filesystem's lfs_file_* contract without reproducing its internals,
// which this package treats as an external dependency's black box.
type BackingFile interface {
	io.Reader
	io.Writer
	io.Seeker
	Close() error
}

// BackingDir is the per-handle contract for directory iteration.
type BackingDir interface {
	// Next returns the next entry, or ok=false once exhausted.
	Next() (entry EntryInfo, ok bool, err error)
	Close() error
}

// BackingFS is the contract this package needs from the underlying
// log-structured, wear-leveled filesystem: format/mount/unmount, mkdir,
// single-entry remove, existence/stat, and open for file or directory
// iteration. Mount reference counting, the fd table, path validation,
// recursive rmdir, and depth limits are this package's own
// responsibility, layered on top of this contract, not the backing
// implementation's.
//
// Production firmware wires a real log-structured filesystem behind this
// interface. memBackingFS (backing_mem.go) is this repository's own minimal
// stand-in, used for tests and for the storeinspect CLI: it satisfies the
// contract without attempting wear leveling or copy-on-write journaling
// of its own.
type BackingFS interface {
	Format(dev *FlashBlockDevice) error
	Mount(dev *FlashBlockDevice) error
	Unmount() error

	Mkdir(path string) error
	Remove(path string) error
	Exists(path string) (bool, error)
	Stat(path string) (EntryInfo, error)

	OpenFile(path string, flags OpenFlag) (BackingFile, error)
	OpenDir(path string) (BackingDir, error)
}

package blockfs

import (
	"fmt"
	"io"
	"path"
	"sync"

	"github.com/sirupsen/logrus"
)

// Filesystem is the mounted, thread-safe POSIX-like surface over the
// flash store: reference-counted mount/unmount, a bounded fd table, path
// validation at every entry point, and depth-limited recursive rmdir. All
// state lives in this struct, passed by pointer and guarded by its own
// mutex, rather than in package-level globals.
type Filesystem struct {
	cfg     Config
	dev     *FlashBlockDevice
	backing BackingFS

	mu         sync.Mutex
	mountCount int
	fds        *fdTable

	log *logrus.Entry
}

// NewFilesystem wires a Config, a FlashBlockDevice, and a BackingFS
// implementation into an unmounted Filesystem. Open, OpenDir and Mkdir
// mount the backing filesystem on demand when it is not mounted yet;
// Exists, Delete, Rmdir and Stat do not mount it and act on the backing
// filesystem as it stands.
func NewFilesystem(cfg Config, dev *FlashBlockDevice, backing BackingFS) (*Filesystem, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Filesystem{
		cfg:     cfg,
		dev:     dev,
		backing: backing,
		fds:     newFDTable(cfg.MaxOpenFDs),
		log:     logrus.WithField("component", "filesystem"),
	}, nil
}

// Format erases the device and initializes an empty backing filesystem.
func (fs *Filesystem) Format() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := fs.backing.Format(fs.dev); err != nil {
		return newErr(KindIO, "format", "", err)
	}
	fs.log.Info("formatted")
	return nil
}

// Mount increments the reference count; on the 0->1 transition it mounts
// the backing filesystem, formatting and retrying once on failure (a
// fresh or corrupt device). Nested mount/unmount pairs are safe.
func (fs *Filesystem) Mount() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.mountLocked()
}

func (fs *Filesystem) mountLocked() error {
	if fs.mountCount > 0 {
		fs.mountCount++
		return nil
	}
	unlock := fs.dev.Lock()
	err := fs.backing.Mount(fs.dev)
	unlock()
	if err != nil {
		fs.log.WithError(err).Warn("mount failed, formatting and retrying")
		unlock = fs.dev.Lock()
		ferr := fs.backing.Format(fs.dev)
		unlock()
		if ferr != nil {
			return newErr(KindIO, "mount", "", fmt.Errorf("format after failed mount: %w", ferr))
		}
		unlock = fs.dev.Lock()
		err = fs.backing.Mount(fs.dev)
		unlock()
		if err != nil {
			return newErr(KindIO, "mount", "", fmt.Errorf("mount after format: %w", err))
		}
	}
	fs.mountCount = 1
	fs.log.Info("mounted")
	return nil
}

// Unmount decrements the reference count; the backing filesystem is
// actually unmounted only when it reaches zero.
func (fs *Filesystem) Unmount() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.unmountLocked()
}

func (fs *Filesystem) unmountLocked() error {
	if fs.mountCount <= 0 {
		return nil
	}
	fs.mountCount--
	if fs.mountCount > 0 {
		return nil
	}
	unlock := fs.dev.Lock()
	defer unlock()
	if err := fs.backing.Unmount(); err != nil {
		return newErr(KindIO, "unmount", "", err)
	}
	fs.log.Info("unmounted")
	return nil
}

// IsMounted reports mount_count > 0.
func (fs *Filesystem) IsMounted() bool {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.mountCount > 0
}

func clean(p string) string {
	if p == "" {
		return p
	}
	if p[0] != '/' {
		p = "/" + p
	}
	return path.Clean(p)
}

// Mkdir creates a directory, rejecting unsafe or too-deep paths before
// touching the backing store. The backing filesystem is mounted for the
// duration of the call.
func (fs *Filesystem) Mkdir(p string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if _, err := validateNamedPath(fs.cfg, p); err != nil {
		return err
	}
	if err := fs.mountLocked(); err != nil {
		return err
	}
	defer fs.unmountLocked()
	unlock := fs.dev.Lock()
	defer unlock()
	if err := fs.backing.Mkdir(clean(p)); err != nil {
		return newErr(KindIO, "mkdir", p, err)
	}
	return nil
}

// Exists reports whether a path names an existing file or directory.
func (fs *Filesystem) Exists(p string) (bool, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if _, err := validateFilePath(fs.cfg, p); err != nil {
		return false, err
	}
	unlock := fs.dev.Lock()
	defer unlock()
	ok, err := fs.backing.Exists(clean(p))
	if err != nil {
		return false, newErr(KindIO, "exists", p, err)
	}
	return ok, nil
}

// Delete removes a single file (not a directory; use Rmdir for those).
func (fs *Filesystem) Delete(p string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if _, err := validateNamedFilePath(fs.cfg, p); err != nil {
		return err
	}
	unlock := fs.dev.Lock()
	defer unlock()
	if err := fs.backing.Remove(clean(p)); err != nil {
		if e, ok := err.(*Error); ok && e.Kind == KindNotFound {
			return newErr(KindNotFound, "delete", p, err)
		}
		return newErr(KindIO, "delete", p, err)
	}
	return nil
}

// Rmdir removes a directory. With recursive=false the directory must be
// empty. With recursive=true it walks depth-first, deleting files and
// recursing into subdirectories before removing the now-empty directory,
// bounded by FS_MAX_FILE_DEPTH so a cyclic or pathological tree cannot
// spin forever.
func (fs *Filesystem) Rmdir(p string, recursive bool) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if _, err := validateNamedPath(fs.cfg, p); err != nil {
		return err
	}
	unlock := fs.dev.Lock()
	defer unlock()
	if recursive {
		if err := fs.rmdirRecursive(clean(p), 0); err != nil {
			return err
		}
		return nil
	}
	if err := fs.backing.Remove(clean(p)); err != nil {
		return newErr(KindIO, "rmdir", p, err)
	}
	return nil
}

func (fs *Filesystem) rmdirRecursive(p string, depth int) error {
	if depth > fs.cfg.MaxFileDepth() {
		return newErr(KindInvalid, "rmdir", p, fmt.Errorf("depth %d exceeds max %d", depth, fs.cfg.MaxFileDepth()))
	}
	dir, err := fs.backing.OpenDir(p)
	if err != nil {
		if e, ok := err.(*Error); ok && e.Kind == KindNotFound {
			return newErr(KindNotFound, "rmdir", p, err)
		}
		return newErr(KindIO, "rmdir", p, err)
	}
	defer dir.Close()
	for {
		entry, ok, err := dir.Next()
		if err != nil {
			return newErr(KindIO, "rmdir", p, err)
		}
		if !ok {
			break
		}
		if entry.Name == "." || entry.Name == ".." {
			continue
		}
		child := path.Join(p, entry.Name)
		if entry.IsDir {
			if err := fs.rmdirRecursive(child, depth+1); err != nil {
				return err
			}
		} else if err := fs.backing.Remove(child); err != nil {
			return newErr(KindIO, "rmdir", child, err)
		}
	}
	if err := fs.backing.Remove(p); err != nil {
		return newErr(KindIO, "rmdir", p, err)
	}
	return nil
}

// OpenDir opens a directory for iteration, skipping the implicit
// auto-unmount so the backing store stays mounted for the handle's
// lifetime; CloseDir rebalances the mount count.
func (fs *Filesystem) OpenDir(p string) (FD, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if _, err := validateDirPath(fs.cfg, p); err != nil {
		return InvalidFD, err
	}
	if err := fs.mountLocked(); err != nil {
		return InvalidFD, err
	}
	unlock := fs.dev.Lock()
	d, err := fs.backing.OpenDir(clean(p))
	unlock()
	if err != nil {
		fs.unmountLocked()
		return InvalidFD, newErr(KindIO, "opendir", p, err)
	}
	slot, fd, err := fs.fds.allocate()
	if err != nil {
		d.Close()
		fs.unmountLocked()
		return InvalidFD, err
	}
	fs.fds.handles[slot] = handle{kind: handleDir, path: clean(p), dir: d}
	return fd, nil
}

// ReadDir returns the next directory entry for fd, or ok=false at the end
// of the directory. The returned DirEntry's Name is only valid until the
// next ReadDir call on the same fd.
func (fs *Filesystem) ReadDir(fd FD) (DirEntry, bool, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	_, h, ok := fs.fds.find(fd)
	if !ok || h.kind != handleDir {
		return DirEntry{}, false, newErr(KindInvalid, "readdir", "", fmt.Errorf("fd %d is not an open directory", fd))
	}
	unlock := fs.dev.Lock()
	info, more, err := h.dir.Next()
	unlock()
	if err != nil {
		return DirEntry{}, false, newErr(KindIO, "readdir", h.path, err)
	}
	if !more {
		return DirEntry{}, false, nil
	}
	h.lastInfo = info
	return DirEntry{Name: info.Name, Size: info.Size, IsDir: info.IsDir}, true, nil
}

// CloseDir releases the directory handle and rebalances the mount count.
func (fs *Filesystem) CloseDir(fd FD) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	slot, h, ok := fs.fds.find(fd)
	if !ok || h.kind != handleDir {
		return newErr(KindInvalid, "closedir", "", fmt.Errorf("fd %d is not an open directory", fd))
	}
	err := h.dir.Close()
	fs.fds.release(slot)
	fs.unmountLocked()
	if err != nil {
		return newErr(KindIO, "closedir", "", err)
	}
	return nil
}

// Open opens a file under the given mode bit-mask (Read=1, Write=2,
// Truncate=4), skipping auto-unmount like OpenDir.
func (fs *Filesystem) Open(p string, mode OpenFlag) (FD, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if _, err := validateNamedFilePath(fs.cfg, p); err != nil {
		return InvalidFD, err
	}
	if mode&(ORead|OWrite) == 0 {
		return InvalidFD, newErr(KindInvalid, "open", p, fmt.Errorf("mode must include Read or Write"))
	}
	if err := fs.mountLocked(); err != nil {
		return InvalidFD, err
	}
	unlock := fs.dev.Lock()
	f, err := fs.backing.OpenFile(clean(p), mode)
	unlock()
	if err != nil {
		fs.unmountLocked()
		if e, ok := err.(*Error); ok && e.Kind == KindNotFound {
			return InvalidFD, newErr(KindNotFound, "open", p, err)
		}
		return InvalidFD, newErr(KindIO, "open", p, err)
	}
	slot, fd, err := fs.fds.allocate()
	if err != nil {
		f.Close()
		fs.unmountLocked()
		return InvalidFD, err
	}
	fs.fds.handles[slot] = handle{kind: handleFile, path: clean(p), file: f, flags: mode}
	return fd, nil
}

func (fs *Filesystem) fileHandle(fd FD) (*handle, error) {
	_, h, ok := fs.fds.find(fd)
	if !ok || h.kind != handleFile {
		return nil, newErr(KindInvalid, "fd", "", fmt.Errorf("fd %d is not an open file", fd))
	}
	return h, nil
}

// Read reads up to len(buf) bytes from fd at its current offset.
func (fs *Filesystem) Read(fd FD, buf []byte) (int, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	h, err := fs.fileHandle(fd)
	if err != nil {
		return -1, err
	}
	unlock := fs.dev.Lock()
	defer unlock()
	n, err := h.file.Read(buf)
	if err != nil && err != io.EOF {
		return n, newErr(KindIO, "read", h.path, err)
	}
	return n, nil
}

// Write writes len(buf) bytes to fd at its current offset.
func (fs *Filesystem) Write(fd FD, buf []byte) (int, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	h, err := fs.fileHandle(fd)
	if err != nil {
		return -1, err
	}
	unlock := fs.dev.Lock()
	defer unlock()
	n, err := h.file.Write(buf)
	if err != nil {
		return n, newErr(KindIO, "write", h.path, err)
	}
	return n, nil
}

// Seek repositions fd's offset, with whence in {io.SeekStart, io.SeekCurrent, io.SeekEnd}.
func (fs *Filesystem) Seek(fd FD, offset int64, whence int) (int64, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	h, err := fs.fileHandle(fd)
	if err != nil {
		return -1, err
	}
	unlock := fs.dev.Lock()
	defer unlock()
	n, err := h.file.Seek(offset, whence)
	if err != nil {
		return -1, newErr(KindIO, "seek", h.path, err)
	}
	return n, nil
}

// Tell returns fd's current offset.
func (fs *Filesystem) Tell(fd FD) (int64, error) {
	return fs.Seek(fd, 0, io.SeekCurrent)
}

// IsEOF reports whether fd is positioned at end of file: it records tell(),
// seeks to end, compares, and seeks back. Any underlying failure is
// reported as EOF.
func (fs *Filesystem) IsEOF(fd FD) bool {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	h, err := fs.fileHandle(fd)
	if err != nil {
		return true
	}
	unlock := fs.dev.Lock()
	cur, err := h.file.Seek(0, io.SeekCurrent)
	if err != nil {
		unlock()
		return true
	}
	end, err := h.file.Seek(0, io.SeekEnd)
	if err != nil {
		unlock()
		return true
	}
	_, err = h.file.Seek(cur, io.SeekStart)
	unlock()
	if err != nil {
		return true
	}
	return cur == end
}

// Close releases a file handle and rebalances the mount count.
func (fs *Filesystem) Close(fd FD) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	slot, h, ok := fs.fds.find(fd)
	if !ok || h.kind != handleFile {
		return newErr(KindInvalid, "close", "", fmt.Errorf("fd %d is not an open file", fd))
	}
	err := h.file.Close()
	fs.fds.release(slot)
	fs.unmountLocked()
	if err != nil {
		return newErr(KindIO, "close", "", err)
	}
	return nil
}

// ReadFile is a convenience helper used by the NVM stores: open, read to
// EOF, close. Returns (nil, ErrNotFound) if the file does not exist.
func (fs *Filesystem) ReadFile(p string) ([]byte, error) {
	fd, err := fs.Open(p, ORead)
	if err != nil {
		return nil, err
	}
	defer fs.Close(fd)
	var out []byte
	buf := make([]byte, 256)
	for {
		n, err := fs.Read(fd, buf)
		if n > 0 {
			out = append(out, buf[:n]...)
		}
		if err == io.EOF || n == 0 {
			break
		}
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Usage is the fs.FileInfo-shaped summary Stat returns: total capacity and
// how much of it the tree currently occupies.
type Usage struct {
	TotalBytes int64
	UsedBytes  int64
	FreeBytes  int64
}

// Stat walks the whole tree from root and reports aggregate space usage.
// It is a debugging/introspection aid (cmd/storeinspect), not used on the
// hot path, so a full recursive walk per call is an acceptable cost.
func (fs *Filesystem) Stat() (Usage, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	total := int64(fs.cfg.BlockSize) * int64(fs.cfg.BlockCount)
	unlock := fs.dev.Lock()
	used, err := fs.usageLocked("/", 0)
	unlock()
	if err != nil {
		return Usage{}, newErr(KindIO, "stat", "/", err)
	}
	return Usage{TotalBytes: total, UsedBytes: used, FreeBytes: total - used}, nil
}

func (fs *Filesystem) usageLocked(p string, depth int) (int64, error) {
	if depth > fs.cfg.MaxFileDepth() {
		return 0, fmt.Errorf("depth %d exceeds max %d", depth, fs.cfg.MaxFileDepth())
	}
	dir, err := fs.backing.OpenDir(clean(p))
	if err != nil {
		return 0, err
	}
	defer dir.Close()
	var total int64
	for {
		entry, ok, err := dir.Next()
		if err != nil {
			return total, err
		}
		if !ok {
			break
		}
		if entry.Name == "." || entry.Name == ".." {
			continue
		}
		child := path.Join(p, entry.Name)
		if entry.IsDir {
			sub, err := fs.usageLocked(child, depth+1)
			if err != nil {
				return total, err
			}
			total += sub
		} else {
			total += entry.Size
		}
	}
	return total, nil
}

// WriteFile is a convenience helper used by the NVM stores: open with
// Write|Truncate, write the whole payload, close.
func (fs *Filesystem) WriteFile(p string, data []byte) error {
	fd, err := fs.Open(p, OWrite|OTruncate)
	if err != nil {
		return err
	}
	defer fs.Close(fd)
	for len(data) > 0 {
		n, err := fs.Write(fd, data)
		if err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}

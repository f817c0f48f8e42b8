package blockfs

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
)

// memBackingFS is this repository's own minimal implementation of the
// BackingFS contract: a flat, in-RAM tree of files and directories that is
// serialized to the FlashBlockDevice wholesale on Unmount/Format and
// deserialized wholesale on Mount. It is a stand-in for a real
// log-structured filesystem implementation, making no attempt at wear
// leveling or copy-on-write journaling of its own. It exists so the
// Filesystem core above it, and the NVM stores above that, have
// something real to mount, read, and write in tests and in the
// storeinspect CLI.
type memBackingFS struct {
	dev  *FlashBlockDevice
	root *memNode
}

type memNode struct {
	name     string
	isDir    bool
	data     []byte
	children map[string]*memNode
}

func newMemDir(name string) *memNode {
	return &memNode{name: name, isDir: true, children: map[string]*memNode{}}
}

// NewMemBackingFS constructs the reference BackingFS implementation.
func NewMemBackingFS() BackingFS {
	return &memBackingFS{}
}

func (m *memBackingFS) Format(dev *FlashBlockDevice) error {
	m.dev = dev
	m.root = newMemDir("")
	return m.persist()
}

func (m *memBackingFS) Mount(dev *FlashBlockDevice) error {
	m.dev = dev
	root, err := m.load()
	if err != nil {
		return err
	}
	m.root = root
	return nil
}

func (m *memBackingFS) Unmount() error {
	if m.root == nil {
		return nil
	}
	return m.persist()
}

func splitSegments(p string) []string {
	trimmed := strings.Trim(p, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func (m *memBackingFS) lookup(p string) (*memNode, error) {
	node := m.root
	for _, seg := range splitSegments(p) {
		if !node.isDir {
			return nil, newErr(KindInvalid, "lookup", p, fmt.Errorf("%q is not a directory", node.name))
		}
		child, ok := node.children[seg]
		if !ok {
			return nil, newErr(KindNotFound, "lookup", p, fmt.Errorf("no such entry %q", seg))
		}
		node = child
	}
	return node, nil
}

func (m *memBackingFS) lookupParent(p string) (*memNode, string, error) {
	segs := splitSegments(p)
	if len(segs) == 0 {
		return nil, "", newErr(KindInvalid, "lookup", p, fmt.Errorf("root has no parent"))
	}
	parent := m.root
	for _, seg := range segs[:len(segs)-1] {
		if !parent.isDir {
			return nil, "", newErr(KindInvalid, "lookup", p, fmt.Errorf("%q is not a directory", parent.name))
		}
		child, ok := parent.children[seg]
		if !ok {
			return nil, "", newErr(KindNotFound, "lookup", p, fmt.Errorf("no such entry %q", seg))
		}
		parent = child
	}
	return parent, segs[len(segs)-1], nil
}

func (m *memBackingFS) Mkdir(p string) error {
	parent, name, err := m.lookupParent(p)
	if err != nil {
		return err
	}
	if !parent.isDir {
		return newErr(KindInvalid, "mkdir", p, fmt.Errorf("parent is not a directory"))
	}
	if _, exists := parent.children[name]; exists {
		return nil
	}
	parent.children[name] = newMemDir(name)
	return nil
}

func (m *memBackingFS) Remove(p string) error {
	parent, name, err := m.lookupParent(p)
	if err != nil {
		return err
	}
	child, ok := parent.children[name]
	if !ok {
		return newErr(KindNotFound, "remove", p, fmt.Errorf("no such entry"))
	}
	if child.isDir && len(child.children) > 0 {
		return newErr(KindInvalid, "remove", p, fmt.Errorf("directory not empty"))
	}
	delete(parent.children, name)
	return nil
}

func (m *memBackingFS) Exists(p string) (bool, error) {
	_, err := m.lookup(p)
	if err != nil {
		if e, ok := err.(*Error); ok && e.Kind == KindNotFound {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (m *memBackingFS) Stat(p string) (EntryInfo, error) {
	n, err := m.lookup(p)
	if err != nil {
		return EntryInfo{}, err
	}
	return EntryInfo{Name: n.name, Size: int64(len(n.data)), IsDir: n.isDir}, nil
}

func (m *memBackingFS) OpenFile(p string, flags OpenFlag) (BackingFile, error) {
	n, err := m.lookup(p)
	if err != nil {
		if flags&OWrite == 0 {
			return nil, err
		}
		parent, name, perr := m.lookupParent(p)
		if perr != nil {
			return nil, perr
		}
		n = &memNode{name: name}
		parent.children[name] = n
	}
	if n.isDir {
		return nil, newErr(KindInvalid, "open", p, fmt.Errorf("is a directory"))
	}
	if flags&OTruncate != 0 {
		n.data = nil
	}
	return &memFile{node: n, flags: flags}, nil
}

func (m *memBackingFS) OpenDir(p string) (BackingDir, error) {
	n, err := m.lookup(p)
	if err != nil {
		return nil, err
	}
	if !n.isDir {
		return nil, newErr(KindInvalid, "opendir", p, fmt.Errorf("not a directory"))
	}
	names := make([]string, 0, len(n.children))
	for name := range n.children {
		names = append(names, name)
	}
	sort.Strings(names)
	return &memDirHandle{dir: n, names: names}, nil
}

type memFile struct {
	node   *memNode
	flags  OpenFlag
	offset int64
}

func (f *memFile) Read(b []byte) (int, error) {
	if f.flags&ORead == 0 {
		return 0, newErr(KindInvalid, "read", f.node.name, fmt.Errorf("not open for read"))
	}
	if f.offset >= int64(len(f.node.data)) {
		return 0, io.EOF
	}
	n := copy(b, f.node.data[f.offset:])
	f.offset += int64(n)
	return n, nil
}

func (f *memFile) Write(b []byte) (int, error) {
	if f.flags&OWrite == 0 {
		return 0, newErr(KindInvalid, "write", f.node.name, fmt.Errorf("not open for write"))
	}
	end := f.offset + int64(len(b))
	if end > int64(len(f.node.data)) {
		grown := make([]byte, end)
		copy(grown, f.node.data)
		f.node.data = grown
	}
	copy(f.node.data[f.offset:end], b)
	f.offset = end
	return len(b), nil
}

func (f *memFile) Seek(offset int64, whence int) (int64, error) {
	var n int64
	switch whence {
	case io.SeekStart:
		n = offset
	case io.SeekCurrent:
		n = f.offset + offset
	case io.SeekEnd:
		n = int64(len(f.node.data)) + offset
	default:
		return f.offset, newErr(KindInvalid, "seek", f.node.name, fmt.Errorf("bad whence %d", whence))
	}
	if n < 0 {
		return f.offset, newErr(KindInvalid, "seek", f.node.name, fmt.Errorf("negative offset"))
	}
	f.offset = n
	return f.offset, nil
}

func (f *memFile) Close() error { return nil }

type memDirHandle struct {
	dir   *memNode
	names []string
	pos   int
}

func (d *memDirHandle) Next() (EntryInfo, bool, error) {
	if d.pos >= len(d.names) {
		return EntryInfo{}, false, nil
	}
	name := d.names[d.pos]
	d.pos++
	child := d.dir.children[name]
	return EntryInfo{Name: child.name, Size: int64(len(child.data)), IsDir: child.isDir}, true, nil
}

func (d *memDirHandle) Close() error { return nil }

// --- persistence: serialize the whole tree to the block device and back ---
//
// Format: a u32 little-endian payload length, then a sequence of records,
// depth-first pre-order: directories as `kind(1) pathLen(u16) path`, files
// as `kind(1) pathLen(u16) path dataLen(u32) data`, terminated by a single
// memRecEnd kind byte.
// This is deliberately simple: a real log-structured filesystem does
// per-file incremental journaling, while this reference implementation
// snapshots the entire tree, which is adequate for tests and offline
// inspection but not for wear-sensitive production use.

const (
	memRecDir  byte = 0
	memRecFile byte = 1
	memRecEnd  byte = 2
)

func (m *memBackingFS) persist() error {
	var buf bytes.Buffer
	var walk func(prefix string, n *memNode)
	walk = func(prefix string, n *memNode) {
		for _, name := range sortedNames(n.children) {
			child := n.children[name]
			p := path.Join(prefix, name)
			if child.isDir {
				buf.WriteByte(memRecDir)
				writeShortString(&buf, p)
				walk(p, child)
			} else {
				buf.WriteByte(memRecFile)
				writeShortString(&buf, p)
				writeBlob(&buf, child.data)
			}
		}
	}
	walk("", m.root)
	buf.WriteByte(memRecEnd)

	payload := buf.Bytes()
	total := m.dev.BlockSize() * m.dev.BlockCount()
	if uint32(len(payload))+4 > total {
		return newErr(KindFull, "persist", "", fmt.Errorf("serialized tree %d bytes exceeds device capacity %d", len(payload), total))
	}

	blockSize := m.dev.BlockSize()
	header := make([]byte, 4)
	binary.LittleEndian.PutUint32(header, uint32(len(payload)))
	full := append(header, payload...)

	nblocks := (uint32(len(full)) + blockSize - 1) / blockSize
	for b := uint32(0); b < nblocks; b++ {
		if err := m.dev.Erase(b); err != nil {
			return err
		}
		start := b * blockSize
		end := start + blockSize
		if end > uint32(len(full)) {
			end = uint32(len(full))
		}
		chunk := make([]byte, blockSize)
		copy(chunk, full[start:end])
		if err := m.dev.Program(b, 0, chunk); err != nil {
			return err
		}
	}
	return nil
}

func (m *memBackingFS) load() (*memNode, error) {
	blockSize := m.dev.BlockSize()
	header := make([]byte, 4)
	if err := m.dev.Read(0, 0, header); err != nil {
		return nil, err
	}
	length := binary.LittleEndian.Uint32(header)
	if length == 0 {
		return newMemDir(""), nil
	}
	total := length + 4
	nblocks := (total + blockSize - 1) / blockSize
	full := make([]byte, 0, nblocks*blockSize)
	for b := uint32(0); b < nblocks; b++ {
		chunk := make([]byte, blockSize)
		if err := m.dev.Read(b, 0, chunk); err != nil {
			return nil, err
		}
		full = append(full, chunk...)
	}
	payload := full[4 : 4+length]

	root := newMemDir("")
	r := bytes.NewReader(payload)
	for {
		kind, err := r.ReadByte()
		if err != nil {
			return nil, newErr(KindCorrupt, "load", "", fmt.Errorf("truncated tree blob: %w", err))
		}
		if kind == memRecEnd {
			break
		}
		p, err := readShortString(r)
		if err != nil {
			return nil, newErr(KindCorrupt, "load", "", err)
		}
		dir, name := path.Split(p)
		parent := ensureDir(root, dir)
		switch kind {
		case memRecDir:
			parent.children[name] = newMemDir(name)
		case memRecFile:
			data, err := readBlob(r)
			if err != nil {
				return nil, newErr(KindCorrupt, "load", "", err)
			}
			parent.children[name] = &memNode{name: name, data: data}
		default:
			return nil, newErr(KindCorrupt, "load", "", fmt.Errorf("unknown record kind %d", kind))
		}
	}
	return root, nil
}

func ensureDir(root *memNode, p string) *memNode {
	node := root
	for _, seg := range splitSegments(p) {
		child, ok := node.children[seg]
		if !ok {
			child = newMemDir(seg)
			node.children[seg] = child
		}
		node = child
	}
	return node
}

func sortedNames(m map[string]*memNode) []string {
	names := make([]string, 0, len(m))
	for n := range m {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func writeShortString(buf *bytes.Buffer, s string) {
	var lenBuf [2]byte
	binary.LittleEndian.PutUint16(lenBuf[:], uint16(len(s)))
	buf.Write(lenBuf[:])
	buf.WriteString(s)
}

func readShortString(r *bytes.Reader) (string, error) {
	var lenBuf [2]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return "", err
	}
	n := binary.LittleEndian.Uint16(lenBuf[:])
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}

func writeBlob(buf *bytes.Buffer, data []byte) {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(data)))
	buf.Write(lenBuf[:])
	buf.Write(data)
}

func readBlob(r *bytes.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}

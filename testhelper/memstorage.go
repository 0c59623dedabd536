package testhelper

import (
	"io"
	"io/fs"
	"os"
	"time"

	"github.com/go-ext2/ext2fs/backend"
)

// MemStorage is an in-memory backend.Storage backed by a plain byte slice,
// for tests that need a writable device without touching the filesystem.
type MemStorage struct {
	data     []byte
	pos      int64
	readOnly bool
}

// NewMemStorage allocates a zeroed in-memory device of the given size.
func NewMemStorage(size int64) *MemStorage {
	return &MemStorage{data: make([]byte, size)}
}

var _ backend.Storage = (*MemStorage)(nil)
var _ backend.WritableFile = (*MemStorage)(nil)

func (m *MemStorage) Stat() (fs.FileInfo, error) {
	return memFileInfo{size: int64(len(m.data))}, nil
}

func (m *MemStorage) Read(b []byte) (int, error) {
	n, err := m.ReadAt(b, m.pos)
	m.pos += int64(n)
	return n, err
}

func (m *MemStorage) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= int64(len(m.data)) {
		if len(p) == 0 {
			return 0, nil
		}
		return 0, io.EOF
	}
	n := copy(p, m.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (m *MemStorage) WriteAt(p []byte, off int64) (int, error) {
	if m.readOnly {
		return 0, backend.ErrIncorrectOpenMode
	}
	end := off + int64(len(p))
	if end > int64(len(m.data)) {
		return 0, io.ErrShortWrite
	}
	return copy(m.data[off:end], p), nil
}

func (m *MemStorage) Seek(offset int64, whence int) (int64, error) {
	var pos int64
	switch whence {
	case io.SeekStart:
		pos = offset
	case io.SeekCurrent:
		pos = m.pos + offset
	case io.SeekEnd:
		pos = int64(len(m.data)) + offset
	default:
		return -1, backend.ErrNotSuitable
	}
	m.pos = pos
	return pos, nil
}

func (m *MemStorage) Close() error { return nil }

func (m *MemStorage) Sys() (*os.File, error) {
	return nil, backend.ErrNotSuitable
}

func (m *MemStorage) Writable() (backend.WritableFile, error) {
	if m.readOnly {
		return nil, backend.ErrIncorrectOpenMode
	}
	return m, nil
}

type memFileInfo struct {
	size int64
}

func (i memFileInfo) Name() string       { return "memstorage" }
func (i memFileInfo) Size() int64        { return i.size }
func (i memFileInfo) Mode() fs.FileMode  { return 0o600 }
func (i memFileInfo) ModTime() time.Time { return time.Time{} }
func (i memFileInfo) IsDir() bool        { return false }
func (i memFileInfo) Sys() any           { return nil }

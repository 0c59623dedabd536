// Package driver implements the POSIX-shaped surface that sits on top of
// the ext2 volume engine: path resolution, the open-file table, mount
// registry, and the open/read/seek/readdir/stat/rename/unlink/mkdir/
// rmdir/fcntl operations. Every public method acquires the driver's
// single process-wide mutex for its entire duration -- there are no
// sub-locks, and the ext2 package itself performs no locking of its
// own.
package driver

import (
	"errors"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/go-ext2/ext2fs/ext2"
)

// maxOpenFiles bounds the open-file table.
const maxOpenFiles = 16

// defaultSymlinkDepth is how many symlink hops resolvePath will follow
// before failing with ELOOP.
const defaultSymlinkDepth = 8

var (
	// ErrTooManyOpen means the open-file table has no free slot.
	ErrTooManyOpen = errors.New("driver: too many open files")
	// ErrIsDirectory means a call that refuses directories (unlink,
	// read/write through a non-O_DIR handle) was given one.
	ErrIsDirectory = errors.New("driver: is a directory")
	// ErrNotDirectory means open(O_DIR) was given a non-directory.
	ErrNotDirectory = errors.New("driver: not a directory")
	// ErrNotMounted means a path didn't resolve to any registered mount.
	ErrNotMounted = errors.New("driver: not mounted")
	// ErrAlreadyMounted means mount was called on an occupied mount point.
	ErrAlreadyMounted = errors.New("driver: mount point already in use")
)

// Driver is the single process-wide context: one mutex, one open-file
// table, one mount registry. At most one instance is expected per
// process.
type Driver struct {
	mu     sync.Mutex
	mounts map[string]*Mount
	files  [maxOpenFiles]*openFile
	log    *logrus.Logger
}

// New constructs a driver context. Call Shutdown when done; there is at
// most one Driver instance expected per process, mirroring the original
// single-instance lifecycle the ambient design note describes.
func New(log *logrus.Logger) *Driver {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Driver{
		mounts: make(map[string]*Mount),
		log:    log,
	}
}

// Shutdown unmounts every remaining mount. Mounts with live open handles
// are forcibly released; callers that care should Close their handles
// and Unmount explicitly first.
func (d *Driver) Shutdown() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var firstErr error
	for path, m := range d.mounts {
		if err := m.volume.Shutdown(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(d.mounts, path)
	}
	return firstErr
}

func (d *Driver) allocFileSlot() (int, error) {
	for i, f := range d.files {
		if f == nil {
			return i, nil
		}
	}
	return -1, ErrTooManyOpen
}

// handleFor validates a 1-based handle index and returns its slot.
func (d *Driver) handleFor(h int) (*openFile, error) {
	if h < 1 || h > maxOpenFiles || d.files[h-1] == nil {
		return nil, ext2.ErrInvalidArg
	}
	return d.files[h-1], nil
}

package driver

import (
	"github.com/go-ext2/ext2fs/backend"
	"github.com/go-ext2/ext2fs/backend/file"
	"github.com/go-ext2/ext2fs/ext2"
)

// MountFlags is a bitmask of mount-time options, following the same
// bitmask idiom as the rest of the pack's VFS-facing driver designs.
type MountFlags uint32

const (
	// MountReadWrite requests a writable mount; absent, the mount is
	// read-only regardless of what the underlying device supports.
	MountReadWrite MountFlags = 1 << 0
)

func (f MountFlags) ReadWrite() bool { return f&MountReadWrite != 0 }

// Mount is one active association between a block device and a path in
// the registry's namespace.
type Mount struct {
	path   string
	volume *ext2.Volume
	flags  MountFlags
}

// Path returns the mount point this Mount is registered under.
func (m *Mount) Path() string { return m.path }

// ReadOnly reports whether mutating operations are rejected on this mount.
func (m *Mount) ReadOnly() bool { return m.volume.ReadOnly() }

// Mount registers a new ext2 volume at mountPoint. storage is opened at
// byte offset start within the backing device/image.
func (d *Driver) Mount(mountPoint string, storage backend.Storage, start int64, flags MountFlags) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.mounts[mountPoint]; exists {
		return wrap(ErrAlreadyMounted)
	}

	// A non-zero start means the volume lives in a partition on a larger
	// device (e.g. an MBR/GPT slot) rather than occupying the whole
	// backend. Wrapping it in a SubStorage view lets the rest of the
	// volume engine address everything from its own byte 0.
	view := storage
	if start != 0 {
		stat, err := storage.Stat()
		if err != nil {
			return wrap(err)
		}
		view = backend.Sub(storage, start, stat.Size()-start)
		start = 0
	}

	opts := &ext2.Options{
		ReadOnly: !flags.ReadWrite(),
		Log:      d.log,
	}
	v, err := ext2.Init(view, start, opts)
	if err != nil {
		return wrap(err)
	}

	d.mounts[mountPoint] = &Mount{path: mountPoint, volume: v, flags: flags}
	d.log.WithField("mountpoint", mountPoint).Info("ext2 filesystem mounted")
	return nil
}

// MountPath opens the device or image file at devicePath and mounts it at
// mountPoint, the convenience entry point for callers outside this
// package's in-memory test fixtures: it wires backend/file's OS-file
// Storage (and, for raw block devices, the BLKGETSIZE64-backed autosize
// path in backend.NewBlockDeviceAutosize via ext2.Init) so mounting an
// actual /dev node or .img file exercises that backend end to end.
func (d *Driver) MountPath(mountPoint, devicePath string, flags MountFlags) error {
	storage, err := file.OpenFromPath(devicePath, !flags.ReadWrite())
	if err != nil {
		return wrap(err)
	}
	return d.Mount(mountPoint, storage, 0, flags)
}

// Unmount releases mountPoint. It refuses with EBUSY while any open
// file handle still references the mount, rather than silently freeing
// it out from under live handles.
func (d *Driver) Unmount(mountPoint string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	m, ok := d.mounts[mountPoint]
	if !ok {
		return wrap(ErrNotMounted)
	}
	for _, f := range d.files {
		if f != nil && f.mount == m {
			return wrap(ext2.ErrBusy)
		}
	}
	if err := m.volume.Shutdown(); err != nil {
		return wrap(err)
	}
	delete(d.mounts, mountPoint)
	d.log.WithField("mountpoint", mountPoint).Info("ext2 filesystem unmounted")
	return nil
}

// mountFor finds the mount owning a driver-absolute path by longest
// matching registered prefix, and the path remainder relative to it.
func (d *Driver) mountFor(path string) (*Mount, string, error) {
	best := ""
	for p := range d.mounts {
		if matchesMountPrefix(path, p) && len(p) > len(best) {
			best = p
		}
	}
	if best == "" {
		return nil, "", ErrNotMounted
	}
	rel := path[len(best):]
	return d.mounts[best], rel, nil
}

func matchesMountPrefix(path, mountPoint string) bool {
	if mountPoint == "/" {
		return true
	}
	if len(path) < len(mountPoint) {
		return false
	}
	if path[:len(mountPoint)] != mountPoint {
		return false
	}
	return len(path) == len(mountPoint) || path[len(mountPoint)] == '/'
}

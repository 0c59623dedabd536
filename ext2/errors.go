package ext2

import "errors"

// Sentinel errors returned by the volume engine. The driver package maps
// these onto its own POSIX-flavored error codes; nothing in this package
// knows about errno numbers.
var (
	// ErrNotExt2 means the byte range handed to Init does not carry a
	// recognizable ext2 superblock, or carries one requiring features this
	// driver does not implement.
	ErrNotExt2 = errors.New("ext2: not an ext2 filesystem")

	// ErrIO wraps a failure from the underlying block device.
	ErrIO = errors.New("ext2: device I/O error")

	// ErrNotFound means a name, inode number, or block group does not
	// exist.
	ErrNotFound = errors.New("ext2: not found")

	// ErrExists means a directory entry with that name is already present.
	ErrExists = errors.New("ext2: already exists")

	// ErrNotDir means an operation that requires a directory inode was
	// given something else.
	ErrNotDir = errors.New("ext2: not a directory")

	// ErrIsDir means an operation that refuses directories was given one.
	ErrIsDir = errors.New("ext2: is a directory")

	// ErrNotEmpty means rmdir was asked to remove a non-empty directory.
	ErrNotEmpty = errors.New("ext2: directory not empty")

	// ErrBusy means the requested operation cannot proceed because some
	// other state (open handles, a pinned cache slot) still references the
	// resource.
	ErrBusy = errors.New("ext2: resource busy")

	// ErrNoSpace means the volume has no more free blocks or inodes to
	// satisfy an allocation.
	ErrNoSpace = errors.New("ext2: no space left on device")

	// ErrReadOnly means a mutating call was made against a device with no
	// write_blocks, or a volume explicitly opened read-only.
	ErrReadOnly = errors.New("ext2: filesystem is read-only")

	// ErrInvalidArg means a caller-supplied argument (offset, length, mode
	// bits, name) fails a structural invariant.
	ErrInvalidArg = errors.New("ext2: invalid argument")

	// ErrNameTooLong means a path component exceeds maxNameLen bytes.
	ErrNameTooLong = errors.New("ext2: name too long")

	// ErrTooManySymlinks means path resolution exceeded its configured
	// symlink-following depth.
	ErrTooManySymlinks = errors.New("ext2: too many levels of symbolic links")
)

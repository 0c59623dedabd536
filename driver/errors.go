package driver

import (
	"errors"
	"fmt"

	"github.com/go-ext2/ext2fs/ext2"
)

// Errno is the POSIX-style error code every public driver call returns
// instead of a native Go error, matching the ambient convention of
// returning 0 on success and -1 with an Errno on failure.
type Errno int

const (
	EOK Errno = iota
	EIO
	ENOENT
	EEXIST
	ENOTDIR
	EISDIR
	ENOTEMPTY
	EBUSY
	ENOSPC
	EROFS
	EMFILE
	EINVAL
	ENAMETOOLONG
	ELOOP
	EPERM
)

func (e Errno) String() string {
	switch e {
	case EOK:
		return "OK"
	case EIO:
		return "EIO"
	case ENOENT:
		return "ENOENT"
	case EEXIST:
		return "EEXIST"
	case ENOTDIR:
		return "ENOTDIR"
	case EISDIR:
		return "EISDIR"
	case ENOTEMPTY:
		return "ENOTEMPTY"
	case EBUSY:
		return "EBUSY"
	case ENOSPC:
		return "ENOSPC"
	case EROFS:
		return "EROFS"
	case EMFILE:
		return "EMFILE"
	case EINVAL:
		return "EINVAL"
	case ENAMETOOLONG:
		return "ENAMETOOLONG"
	case ELOOP:
		return "ELOOP"
	case EPERM:
		return "EPERM"
	default:
		return fmt.Sprintf("Errno(%d)", int(e))
	}
}

// Error wraps an Errno with the internal error that produced it, so
// callers that want detail can still unwrap down to the ext2 package's
// sentinels while the public boundary only ever exposes the Errno.
type Error struct {
	Code Errno
	Err  error
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %v", e.Code, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// errnoFor maps an internal ext2/driver error onto the POSIX-style code
// the public API returns. Internal errors bubble up synchronously and
// are mapped exactly once, at the boundary.
func errnoFor(err error) Errno {
	switch {
	case err == nil:
		return EOK
	case errors.Is(err, ext2.ErrNotExt2):
		return EINVAL
	case errors.Is(err, ext2.ErrIO):
		return EIO
	case errors.Is(err, ext2.ErrNotFound):
		return ENOENT
	case errors.Is(err, ext2.ErrExists):
		return EEXIST
	case errors.Is(err, ext2.ErrNotDir):
		return ENOTDIR
	case errors.Is(err, ext2.ErrIsDir):
		return EISDIR
	case errors.Is(err, ext2.ErrNotEmpty):
		return ENOTEMPTY
	case errors.Is(err, ext2.ErrBusy):
		return EBUSY
	case errors.Is(err, ext2.ErrNoSpace):
		return ENOSPC
	case errors.Is(err, ext2.ErrReadOnly):
		return EROFS
	case errors.Is(err, ErrTooManyOpen):
		return EMFILE
	case errors.Is(err, ext2.ErrInvalidArg):
		return EINVAL
	case errors.Is(err, ext2.ErrNameTooLong):
		return ENAMETOOLONG
	case errors.Is(err, ext2.ErrTooManySymlinks):
		return ELOOP
	case errors.Is(err, ErrIsDirectory):
		return EISDIR
	case errors.Is(err, ErrNotDirectory):
		return ENOTDIR
	case errors.Is(err, ErrNotMounted):
		return EINVAL
	case errors.Is(err, ErrAlreadyMounted):
		return EBUSY
	default:
		return EIO
	}
}

func wrap(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Code: errnoFor(err), Err: err}
}

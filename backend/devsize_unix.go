//go:build linux
// +build linux

package backend

import (
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// DeviceBlockCount returns the number of blockSize-sized blocks backing a
// raw block device (e.g. /dev/sda). It is the real-device counterpart to
// simply dividing an image file's os.Stat size by the block size: a block
// device's apparent file size is 0, so callers must ask the kernel via
// BLKGETSIZE64 instead.
func DeviceBlockCount(f *os.File, blockSize uint32) (uint64, error) {
	if blockSize == 0 {
		return 0, os.ErrInvalid
	}
	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	if info.Mode()&os.ModeDevice == 0 {
		// not a device node; fall back to the ordinary file size
		return uint64(info.Size()) / uint64(blockSize), nil
	}

	var byteSize uint64
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), unix.BLKGETSIZE64, uintptr(unsafe.Pointer(&byteSize))); errno != 0 {
		return 0, errno
	}
	return byteSize / uint64(blockSize), nil
}

//go:build !linux
// +build !linux

package backend

import "os"

// DeviceBlockCount falls back to the file's apparent size on platforms
// without a BLKGETSIZE64-style ioctl. Real block devices report their true
// size through os.Stat on these platforms already.
func DeviceBlockCount(f *os.File, blockSize uint32) (uint64, error) {
	if blockSize == 0 {
		return 0, os.ErrInvalid
	}
	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	return uint64(info.Size()) / uint64(blockSize), nil
}

package backend

import (
	"fmt"
	"io"
)

// BlockDevice adapts a byte-addressed Storage into the fixed-size block
// contract the volume engine is built on: read_blocks, write_blocks,
// block_size, and block_count. Everything above this layer talks in block
// numbers, never byte offsets.
type BlockDevice struct {
	storage    Storage
	start      int64
	blockSize  uint32
	blockCount uint64
}

// NewBlockDevice wraps storage, treating byte offset start as block 0 and
// sizing the device to blockCount blocks of blockSize bytes each.
func NewBlockDevice(storage Storage, start int64, blockSize uint32, blockCount uint64) *BlockDevice {
	return &BlockDevice{storage: storage, start: start, blockSize: blockSize, blockCount: blockCount}
}

// NewBlockDeviceAutosize wraps storage and determines blockCount from the
// device's own reported size (via an ioctl for raw block devices, via
// os.Stat for image files).
func NewBlockDeviceAutosize(storage Storage, start int64, blockSize uint32) (*BlockDevice, error) {
	f, err := storage.Sys()
	if err != nil {
		return nil, fmt.Errorf("backend: cannot determine device size: %w", err)
	}
	count, err := DeviceBlockCount(f, blockSize)
	if err != nil {
		return nil, fmt.Errorf("backend: cannot determine device size: %w", err)
	}
	startBlocks := uint64(start) / uint64(blockSize)
	if count < startBlocks {
		return nil, fmt.Errorf("backend: device smaller than requested start offset")
	}
	return &BlockDevice{storage: storage, start: start, blockSize: blockSize, blockCount: count - startBlocks}, nil
}

func (d *BlockDevice) BlockSize() uint32  { return d.blockSize }
func (d *BlockDevice) BlockCount() uint64 { return d.blockCount }

// Storage exposes the underlying byte-addressed backend, for callers that
// need to read/write at an offset not aligned to a block boundary (the
// superblock, which always lives at byte 1024 regardless of block size).
func (d *BlockDevice) Storage() Storage { return d.storage }
func (d *BlockDevice) Writable() bool {
	_, err := d.storage.Writable()
	return err == nil
}

func (d *BlockDevice) checkRange(startBlock uint64, count uint32) error {
	if count == 0 {
		return fmt.Errorf("backend: zero-length block range")
	}
	if startBlock+uint64(count) > d.blockCount {
		return fmt.Errorf("backend: block range [%d,%d) exceeds device size %d blocks", startBlock, startBlock+uint64(count), d.blockCount)
	}
	return nil
}

// ReadBlocks reads count contiguous blocks starting at startBlock into out,
// which must be exactly count*BlockSize() bytes.
func (d *BlockDevice) ReadBlocks(startBlock uint64, count uint32, out []byte) error {
	if err := d.checkRange(startBlock, count); err != nil {
		return err
	}
	want := int(count) * int(d.blockSize)
	if len(out) != want {
		return fmt.Errorf("backend: read buffer is %d bytes, want %d", len(out), want)
	}
	off := d.start + int64(startBlock)*int64(d.blockSize)
	n, err := d.storage.ReadAt(out, off)
	if err != nil && err != io.EOF {
		return fmt.Errorf("backend: read_blocks at block %d: %w", startBlock, err)
	}
	if n != want {
		return fmt.Errorf("backend: short read at block %d: got %d of %d bytes", startBlock, n, want)
	}
	return nil
}

// WriteBlocks writes count contiguous blocks of in starting at startBlock.
// Returns ErrIncorrectOpenMode (via Writable) if the backend was opened
// read-only.
func (d *BlockDevice) WriteBlocks(startBlock uint64, count uint32, in []byte) error {
	if err := d.checkRange(startBlock, count); err != nil {
		return err
	}
	want := int(count) * int(d.blockSize)
	if len(in) != want {
		return fmt.Errorf("backend: write buffer is %d bytes, want %d", len(in), want)
	}
	w, err := d.storage.Writable()
	if err != nil {
		return err
	}
	off := d.start + int64(startBlock)*int64(d.blockSize)
	n, err := w.WriteAt(in, off)
	if err != nil {
		return fmt.Errorf("backend: write_blocks at block %d: %w", startBlock, err)
	}
	if n != want {
		return fmt.Errorf("backend: short write at block %d: wrote %d of %d bytes", startBlock, n, want)
	}
	return nil
}

package ext2

import (
	"encoding/binary"
	"fmt"
)

// defaultInodeSize is the on-disk inode record size used by revision-0
// filesystems and by revision-1 filesystems that don't override it.
const defaultInodeSize = 128

// directPointers is the count of direct block pointers carried in
// inode.block before the indirect pointers begin.
const directPointers = 12

const (
	indirectIndex       = directPointers     // block[12]: singly indirect
	doubleIndirectIndex = directPointers + 1 // block[13]: doubly indirect
	tripleIndirectIndex = directPointers + 2 // block[14]: triply indirect
	blockPointerCount   = directPointers + 3
)

// fileType bits, packed into the top nibble of inode.mode (S_IFMT).
type fileType uint16

const (
	typeMask fileType = 0xF000

	typeFIFO     fileType = 0x1000
	typeCharDev  fileType = 0x2000
	typeDir      fileType = 0x4000
	typeBlockDev fileType = 0x6000
	typeRegular  fileType = 0x8000
	typeSymlink  fileType = 0xA000
	typeSocket   fileType = 0xC000
)

// permission bits, the low 12 bits of inode.mode (setuid/setgid/sticky +
// rwx for owner/group/other).
const modePermMask = 0x0FFF

// inode flags (inode.flags). The driver stores and preserves the flags
// word but does not act on any of these bits.
const (
	flagSecureDelete    uint32 = 0x00000001
	flagImmutable       uint32 = 0x00000010
	flagAppendOnly      uint32 = 0x00000020
	flagIndexedDir      uint32 = 0x00001000
	flagInlineData      uint32 = 0x10000000 // not supported; not checked at mount
)

// inode is the in-memory image of one on-disk ext2 inode record. Field
// names drop the conventional i_ prefix.
type inode struct {
	mode        uint16
	uidLow      uint16
	sizeLow     uint32
	accessTime  uint32
	changeTime  uint32
	modifyTime  uint32
	deleteTime  uint32
	gidLow      uint16
	linksCount  uint16
	blocks512   uint32 // count of 512-byte sectors allocated to this file
	flags       uint32
	osd1        uint32
	block       [blockPointerCount]uint32
	generation  uint32
	fileACL     uint32
	sizeHigh    uint32 // aka dirACL for directories
	faddr       uint32
	blocksHigh  uint16
	fileACLHigh uint16
	uidHigh     uint16
	gidHigh     uint16

	// in-memory only: populated by parseInlineLink/packInlineLink, never serialized
	// directly (it either lives in block[] for short links or in data
	// blocks for long ones).
	inlineLinkTarget string
	inlineLinkValid  bool

	number uint32
}

func (ino *inode) kind() fileType {
	return fileType(ino.mode) & typeMask
}

func (ino *inode) perm() uint16 {
	return ino.mode & modePermMask
}

func (ino *inode) isDir() bool     { return ino.kind() == typeDir }
func (ino *inode) isRegular() bool { return ino.kind() == typeRegular }
func (ino *inode) isSymlink() bool { return ino.kind() == typeSymlink }

func (ino *inode) setKind(t fileType) {
	ino.mode = uint16(t) | (ino.mode & uint16(modePermMask))
}

func (ino *inode) uid() uint32 { return uint32(ino.uidHigh)<<16 | uint32(ino.uidLow) }
func (ino *inode) gid() uint32 { return uint32(ino.gidHigh)<<16 | uint32(ino.gidLow) }

func (ino *inode) setUID(uid uint32) {
	ino.uidLow = uint16(uid & 0xFFFF)
	ino.uidHigh = uint16(uid >> 16)
}

func (ino *inode) setGID(gid uint32) {
	ino.gidLow = uint16(gid & 0xFFFF)
	ino.gidHigh = uint16(gid >> 16)
}

// size returns the logical file size. Regular files on a filesystem with
// the large_file feature carry a 64-bit size split across
// sizeLow/sizeHigh; everything else, directories included, uses sizeLow
// alone (sizeHigh doubling as dirACL for directories).
func (ino *inode) size(largeFile bool) uint64 {
	if ino.isRegular() && largeFile {
		return uint64(ino.sizeHigh)<<32 | uint64(ino.sizeLow)
	}
	return uint64(ino.sizeLow)
}

func (ino *inode) setSize(size uint64, largeFile bool) {
	ino.sizeLow = uint32(size)
	if ino.isRegular() && largeFile {
		ino.sizeHigh = uint32(size >> 32)
	}
}

// blockCountUsed returns the number of filesystem blocks allocated to
// this inode, derived from the 512-byte sector count ext2 actually
// stores on disk.
func (ino *inode) blockCountUsed(blockSize uint32) uint32 {
	sectors := uint64(ino.blocksHigh)<<32 | uint64(ino.blocks512)
	perBlock := uint64(blockSize / 512)
	return uint32((sectors + perBlock - 1) / perBlock)
}

func (ino *inode) setBlockCountUsed(blocks uint32, blockSize uint32) {
	sectors := uint64(blocks) * uint64(blockSize/512)
	ino.blocks512 = uint32(sectors)
	ino.blocksHigh = uint16(sectors >> 32)
}

func (ino *inode) incBlockUsed(blockSize uint32) {
	ino.setBlockCountUsed(ino.blockCountUsed(blockSize)+1, blockSize)
}

func (ino *inode) decBlockUsed(blockSize uint32) {
	used := ino.blockCountUsed(blockSize)
	if used > 0 {
		ino.setBlockCountUsed(used-1, blockSize)
	}
}

func inodeFromBytes(number uint32, b []byte) (*inode, error) {
	if len(b) < defaultInodeSize {
		return nil, fmt.Errorf("%w: inode record too short (%d bytes)", ErrInvalidArg, len(b))
	}
	le := binary.LittleEndian
	ino := &inode{
		number:     number,
		mode:       le.Uint16(b[0:2]),
		uidLow:     le.Uint16(b[2:4]),
		sizeLow:    le.Uint32(b[4:8]),
		accessTime: le.Uint32(b[8:12]),
		changeTime: le.Uint32(b[12:16]),
		modifyTime: le.Uint32(b[16:20]),
		deleteTime: le.Uint32(b[20:24]),
		gidLow:     le.Uint16(b[24:26]),
		linksCount: le.Uint16(b[26:28]),
		blocks512:  le.Uint32(b[28:32]),
		flags:      le.Uint32(b[32:36]),
		osd1:       le.Uint32(b[36:40]),
	}
	for i := 0; i < blockPointerCount; i++ {
		off := 40 + 4*i
		ino.block[i] = le.Uint32(b[off : off+4])
	}
	ino.generation = le.Uint32(b[100:104])
	ino.fileACL = le.Uint32(b[104:108])
	ino.sizeHigh = le.Uint32(b[108:112])
	ino.faddr = le.Uint32(b[112:116])
	ino.blocksHigh = le.Uint16(b[116:118])
	ino.fileACLHigh = le.Uint16(b[118:120])
	ino.uidHigh = le.Uint16(b[120:122])
	ino.gidHigh = le.Uint16(b[122:124])

	if ino.isSymlink() {
		ino.parseInlineLink()
	}

	return ino, nil
}

func (ino *inode) toBytes() []byte {
	b := make([]byte, defaultInodeSize)
	le := binary.LittleEndian

	le.PutUint16(b[0:2], ino.mode)
	le.PutUint16(b[2:4], ino.uidLow)
	le.PutUint32(b[4:8], ino.sizeLow)
	le.PutUint32(b[8:12], ino.accessTime)
	le.PutUint32(b[12:16], ino.changeTime)
	le.PutUint32(b[16:20], ino.modifyTime)
	le.PutUint32(b[20:24], ino.deleteTime)
	le.PutUint16(b[24:26], ino.gidLow)
	le.PutUint16(b[26:28], ino.linksCount)
	le.PutUint32(b[28:32], ino.blocks512)
	le.PutUint32(b[32:36], ino.flags)
	le.PutUint32(b[36:40], ino.osd1)
	for i := 0; i < blockPointerCount; i++ {
		off := 40 + 4*i
		le.PutUint32(b[off:off+4], ino.block[i])
	}
	le.PutUint32(b[100:104], ino.generation)
	le.PutUint32(b[104:108], ino.fileACL)
	le.PutUint32(b[108:112], ino.sizeHigh)
	le.PutUint32(b[112:116], ino.faddr)
	le.PutUint16(b[116:118], ino.blocksHigh)
	le.PutUint16(b[118:120], ino.fileACLHigh)
	le.PutUint16(b[120:122], ino.uidHigh)
	le.PutUint16(b[122:124], ino.gidHigh)

	return b
}

// inlineLinkCapacity is how many bytes of symlink target fit packed
// directly into the 60 bytes of inode.block, avoiding a data block
// allocation for short links. packInlineLink stores any target of at most
// this many bytes, with no NUL terminator; parseInlineLink treats a
// symlink as inline only when it has no blocks allocated.
const inlineLinkCapacity = directPointers*4 + 3*4

// parseInlineLink reconstructs a fast-symlink target packed into
// inode.block when sizeLow indicates the whole target lives there
// (blockCountUsed is 0: no data block was ever allocated for it).
func (ino *inode) parseInlineLink() {
	if ino.blocks512 != 0 {
		return
	}
	n := int(ino.sizeLow)
	if n > inlineLinkCapacity {
		return
	}
	buf := make([]byte, inlineLinkCapacity)
	for i := 0; i < blockPointerCount; i++ {
		binary.LittleEndian.PutUint32(buf[4*i:4*i+4], ino.block[i])
	}
	ino.inlineLinkTarget = string(buf[:n])
	ino.inlineLinkValid = true
}

// packInlineLink stores target directly into inode.block and returns
// true if it fit. Callers fall back to a regular one-data-block symlink
// when it returns false.
func (ino *inode) packInlineLink(target string) bool {
	if len(target) > inlineLinkCapacity {
		return false
	}
	buf := make([]byte, inlineLinkCapacity)
	copy(buf, target)
	for i := 0; i < blockPointerCount; i++ {
		ino.block[i] = binary.LittleEndian.Uint32(buf[4*i : 4*i+4])
	}
	ino.sizeLow = uint32(len(target))
	ino.blocks512 = 0
	ino.blocksHigh = 0
	ino.inlineLinkTarget = target
	ino.inlineLinkValid = true
	return true
}

// setDevice packs a character/block device's major/minor numbers into
// block[0] using the classic ext2 encoding (major in the high byte, minor
// in the low byte of a 16-bit device number) -- the same layout
// goimagetool's ext2 writer packs RdevMaj/RdevMin into. The newer
// split-field encoding (major spread across block[1]) is not needed for
// device numbers below 256, which covers every device this driver's
// Mknod is expected to create.
func (ino *inode) setDevice(major, minor uint32) {
	ino.block[0] = (major&0xff)<<8 | (minor & 0xff)
	ino.block[1] = 0
}

// device unpacks the major/minor numbers setDevice packed into block[0].
func (ino *inode) device() (major, minor uint32) {
	v := ino.block[0]
	return (v >> 8) & 0xff, v & 0xff
}

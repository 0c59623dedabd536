package ext2

import "encoding/binary"

// groupDescriptorSize is the on-disk size of one block group descriptor.
const groupDescriptorSize = 32

// groupDescriptor mirrors one 32-byte entry of the block group descriptor
// table: the locations of a group's allocation bitmaps and inode table,
// plus its free-space bookkeeping.
type groupDescriptor struct {
	blockBitmap   uint32
	inodeBitmap   uint32
	inodeTable    uint32
	freeBlocks    uint16
	freeInodes    uint16
	usedDirsCount uint16
}

func groupDescriptorFromBytes(b []byte) groupDescriptor {
	le := binary.LittleEndian
	return groupDescriptor{
		blockBitmap:   le.Uint32(b[0:4]),
		inodeBitmap:   le.Uint32(b[4:8]),
		inodeTable:    le.Uint32(b[8:12]),
		freeBlocks:    le.Uint16(b[12:14]),
		freeInodes:    le.Uint16(b[14:16]),
		usedDirsCount: le.Uint16(b[16:18]),
	}
}

func (gd groupDescriptor) toBytes() []byte {
	b := make([]byte, groupDescriptorSize)
	le := binary.LittleEndian
	le.PutUint32(b[0:4], gd.blockBitmap)
	le.PutUint32(b[4:8], gd.inodeBitmap)
	le.PutUint32(b[8:12], gd.inodeTable)
	le.PutUint16(b[12:14], gd.freeBlocks)
	le.PutUint16(b[14:16], gd.freeInodes)
	le.PutUint16(b[16:18], gd.usedDirsCount)
	return b
}

// groupDescriptorTable holds every group's descriptor, in group order. It
// occupies the block(s) immediately following the superblock's block (or
// its backup, in a backup group).
type groupDescriptorTable struct {
	groups []groupDescriptor
	dirty  bool
}

func groupDescriptorTableFromBytes(b []byte, count int) *groupDescriptorTable {
	t := &groupDescriptorTable{groups: make([]groupDescriptor, count)}
	for i := 0; i < count; i++ {
		off := i * groupDescriptorSize
		t.groups[i] = groupDescriptorFromBytes(b[off : off+groupDescriptorSize])
	}
	return t
}

func (t *groupDescriptorTable) toBytes() []byte {
	b := make([]byte, len(t.groups)*groupDescriptorSize)
	for i, gd := range t.groups {
		copy(b[i*groupDescriptorSize:], gd.toBytes())
	}
	return b
}

// blocksNeeded returns how many filesystem blocks the table itself
// occupies.
func (t *groupDescriptorTable) blocksNeeded(blockSize uint32) int {
	total := len(t.groups) * groupDescriptorSize
	return (total + int(blockSize) - 1) / int(blockSize)
}

package ext2

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/go-ext2/ext2fs/backend"
	"github.com/go-ext2/ext2fs/util/bitmap"
	"github.com/go-ext2/ext2fs/util/timestamp"
)

// FormatOptions configures Format. Unset fields pick the same defaults
// mke2fs would for a small single-group image, which is all this driver
// needs to produce fixtures and exercise the write path end to end; it
// is not a full mke2fs replacement (no backup superblocks, no resize
// reservation, no sparse_super placement).
type FormatOptions struct {
	BlockSize  uint32 // 1024, 2048, or 4096; defaults to 1024
	VolumeName string
	Log        *logrus.Logger
}

// Format lays down a fresh, single-or-multi-group ext2 filesystem across
// blockCount blocks of storage starting at byte offset start, then
// mounts and returns it.
func Format(storage backend.Storage, start int64, blockCount uint64, opts *FormatOptions) (*Volume, error) {
	if opts == nil {
		opts = &FormatOptions{}
	}
	blockSize := opts.BlockSize
	if blockSize == 0 {
		blockSize = 1024
	}
	if blockSize != 1024 && blockSize != 2048 && blockSize != 4096 {
		return nil, fmt.Errorf("%w: block size must be 1024, 2048, or 4096", ErrInvalidArg)
	}

	logBS := uint32(0)
	for (1024 << logBS) < blockSize {
		logBS++
	}

	firstDataBlock := uint32(1)
	if blockSize != 1024 {
		firstDataBlock = 0
	}

	blocksPerGroup := blockSize * 8
	groupCount := int((blockCount + uint64(blocksPerGroup) - 1) / uint64(blocksPerGroup))
	if groupCount < 1 {
		groupCount = 1
	}

	inodesPerGroup := blocksPerGroup / 4
	if inodesPerGroup < 64 {
		inodesPerGroup = 64
	}
	inodesPerGroup = (inodesPerGroup + 7) &^ 7 // whole bitmap bytes

	u, err := NewUUID()
	if err != nil {
		return nil, err
	}

	sb := &superblock{
		blockCount:      uint32(blockCount),
		freeBlocks:      0, // filled in below
		inodeCount:      uint32(groupCount) * inodesPerGroup,
		freeInodes:      0,
		firstDataBlock:  firstDataBlock,
		logBlockSize:    logBS,
		logFragSize:     logBS,
		blocksPerGroup:  blocksPerGroup,
		fragsPerGroup:   blocksPerGroup,
		inodesPerGroup:  inodesPerGroup,
		mountTime:       timestamp.GetTime(),
		writeTime:       timestamp.GetTime(),
		maxMountCount:   0xFFFF,
		state:           fsStateCleanlyUnmounted,
		errorBehavior:   errorsContinue,
		lastCheck:       timestamp.GetTime(),
		creatorOS:       creatorOSLinux,
		revisionLevel:   revisionDynamic,
		firstInode:      firstNonReservedInodeRevision0,
		inodeSize:       defaultInodeSize,
		featureIncompat: featureIncompatFileType,
		uuid:            u,
		volumeName:      opts.VolumeName,
		dirty:           true,
	}

	inodeTableBlocksPerGroup := uint32((int(inodesPerGroup)*defaultInodeSize + int(blockSize) - 1) / int(blockSize))

	dev := backend.NewBlockDevice(storage, start, blockSize, blockCount)

	gdt := &groupDescriptorTable{groups: make([]groupDescriptor, groupCount), dirty: true}
	groupBitmaps := make([]*groupRuntime, groupCount)

	nextFree := firstDataBlock + uint32(1+groupDescriptorTableBlocksFor(groupCount, blockSize))
	for g := 0; g < groupCount; g++ {
		groupFirst := firstDataBlock + uint32(g)*blocksPerGroup
		blocksHere := blocksPerGroup
		if g == groupCount-1 {
			blocksHere = uint32(blockCount) - groupFirst
		}

		bb := groupFirst
		ib := groupFirst + 1
		it := groupFirst + 2
		if g == 0 {
			bb = nextFree
			ib = nextFree + 1
			it = nextFree + 2
		}

		// Each bitmap occupies one full block on disk; bits past the
		// group's real item count are marked used so they can never be
		// handed out by FirstFree.
		blockBitmap := bitmap.NewBits(int(blockSize) * 8)
		inodeBitmap := bitmap.NewBits(int(blockSize) * 8)
		for i := int(blocksHere); i < int(blockSize)*8; i++ {
			_ = blockBitmap.Set(i)
		}
		for i := int(inodesPerGroup); i < int(blockSize)*8; i++ {
			_ = inodeBitmap.Set(i)
		}

		usedHere := it + inodeTableBlocksPerGroup - groupFirst
		for i := uint32(0); i < usedHere; i++ {
			_ = blockBitmap.Set(int(i))
		}
		freeBlocksHere := blocksHere - usedHere

		usedInodes := uint32(0)
		if g == 0 {
			usedInodes = sb.firstInode - 1
			for i := uint32(0); i < usedInodes; i++ {
				_ = inodeBitmap.Set(int(i))
			}
		}
		freeInodesHere := inodesPerGroup - usedInodes

		gdt.groups[g] = groupDescriptor{
			blockBitmap: bb,
			inodeBitmap: ib,
			inodeTable:  it,
			freeBlocks:  uint16(freeBlocksHere),
			freeInodes:  uint16(freeInodesHere),
		}
		sb.freeBlocks += freeBlocksHere
		sb.freeInodes += freeInodesHere

		groupBitmaps[g] = &groupRuntime{blockBitmap: blockBitmap, inodeBitmap: inodeBitmap, loaded: true, dirty: true}
	}

	v := &Volume{
		dev:    dev,
		start:  start,
		sb:     sb,
		gdt:    gdt,
		groups: groupBitmaps,
		log:    (&Options{Log: opts.Log}).logger(),
	}
	v.cache = newInodeCache(v, defaultCacheSlots)

	for g := range v.groups {
		if err := v.flushGroup(g); err != nil {
			return nil, err
		}
	}
	if err := writeSpanningBlocks(v.dev, gdtStartBlock(v.sb), v.gdt.toBytes()); err != nil {
		return nil, err
	}
	v.gdt.dirty = false

	root, err := v.cache.get(rootInode)
	if err != nil {
		return nil, err
	}
	if err := v.CreateEmpty(root, rootInode, rootInode, 0o755, 0, 0); err != nil {
		return nil, err
	}
	v.cache.markDirty(root)
	if err := v.cache.flush(root); err != nil {
		return nil, err
	}
	v.cache.put(root)

	if err := v.Sync(); err != nil {
		return nil, err
	}
	return v, nil
}

func groupDescriptorTableBlocksFor(groupCount int, blockSize uint32) int {
	total := groupCount * groupDescriptorSize
	return (total + int(blockSize) - 1) / int(blockSize)
}

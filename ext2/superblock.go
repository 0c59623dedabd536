package ext2

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SuperblockSize is the on-disk size of the ext2 superblock, in bytes. It
// always occupies exactly this many bytes starting at byte offset 1024,
// regardless of the filesystem's block size.
const SuperblockSize = 1024

// SuperblockOffset is the fixed byte offset of the superblock from the
// start of the volume.
const SuperblockOffset = 1024

const magic uint16 = 0xEF53

// filesystem state, stored in superblock.state
type fsState uint16

const (
	fsStateCleanlyUnmounted fsState = 1
	fsStateHasErrors        fsState = 2
)

// behaviour when an error is detected, stored in superblock.errorBehavior
type errorBehavior uint16

const (
	errorsContinue        errorBehavior = 1
	errorsRemountReadOnly errorBehavior = 2
	errorsPanic           errorBehavior = 3
)

const (
	creatorOSLinux uint32 = 0

	revisionOriginal uint32 = 0
	revisionDynamic  uint32 = 1

	// firstNonReservedInodeRevision0 is the lowest usable inode number on a
	// revision-0 filesystem, which has no s_first_ino field.
	firstNonReservedInodeRevision0 uint32 = 11

	rootInode uint32 = 2

	// feature flags this driver understands. Anything else set in
	// featureIncompat means the volume must be refused at mount time.
	featureIncompatFileType uint32 = 0x0002

	// featureROCompatLargeFile marks that some regular file on the
	// volume may exceed 2^32 bytes, in which case sizeHigh holds the
	// upper 32 bits of its size instead of doubling as dirACL.
	featureROCompatLargeFile uint32 = 0x0002
)

// superblock is the in-memory image of the ext2 superblock. Field names
// follow the conventional ext2 s_* names minus the prefix.
type superblock struct {
	inodeCount      uint32
	blockCount      uint32
	reservedBlocks  uint32
	freeBlocks      uint32
	freeInodes      uint32
	firstDataBlock  uint32
	logBlockSize    uint32
	logFragSize     uint32
	blocksPerGroup  uint32
	fragsPerGroup   uint32
	inodesPerGroup  uint32
	mountTime       time.Time
	writeTime       time.Time
	mountCount      uint16
	maxMountCount   uint16
	state           fsState
	errorBehavior   errorBehavior
	minorRevision   uint16
	lastCheck       time.Time
	checkInterval   uint32
	creatorOS       uint32
	revisionLevel   uint32
	defResUID       uint16
	defResGID       uint16

	// revision-1 (EXT2_DYNAMIC_REV) fields; zero-valued and ignored on a
	// revision-0 filesystem.
	firstInode        uint32
	inodeSize         uint16
	blockGroupNr      uint16
	featureCompat     uint32
	featureIncompat   uint32
	featureROCompat   uint32
	uuid              uuid.UUID
	volumeName        string
	lastMounted       string
	algoBitmap        uint32
	preallocBlocks    uint8
	preallocDirBlocks uint8
	hashSeed          [4]uint32
	defHashVersion    uint8
	defaultMountOpts  uint32
	firstMetaBG       uint32

	dirty bool
}

// blockSize returns the filesystem's block size in bytes: 1024 shifted
// left by logBlockSize.
func (sb *superblock) blockSize() uint32 {
	return 1024 << sb.logBlockSize
}

// inodesPerBlockGroup returns how many inodes each block group holds.
func (sb *superblock) inodesPerBlockGroup() uint32 {
	return sb.inodesPerGroup
}

func (sb *superblock) blockGroupCount() int {
	count := (sb.blockCount + sb.blocksPerGroup - 1) / sb.blocksPerGroup
	return int(count)
}

func (sb *superblock) firstNonReservedInode() uint32 {
	if sb.revisionLevel == revisionOriginal {
		return firstNonReservedInodeRevision0
	}
	return sb.firstInode
}

func (sb *superblock) effectiveInodeSize() uint16 {
	if sb.revisionLevel == revisionOriginal || sb.inodeSize == 0 {
		return defaultInodeSize
	}
	return sb.inodeSize
}

func (sb *superblock) hasFileType() bool {
	return sb.revisionLevel != revisionOriginal && sb.featureIncompat&featureIncompatFileType != 0
}

// supported reports whether this driver recognizes every incompatible
// feature flag the volume requires; a volume carrying an unknown
// incompatible flag is refused at mount time. The magic number itself is
// already checked by the caller (superblockFromBytes) before this runs.
func (sb *superblock) supported() error {
	unsupported := sb.featureIncompat &^ (featureIncompatFileType)
	if sb.revisionLevel != revisionOriginal && unsupported != 0 {
		return fmt.Errorf("%w: unsupported incompatible feature flags 0x%x", ErrNotExt2, unsupported)
	}
	if sb.logBlockSize > 2 {
		return fmt.Errorf("%w: unsupported block size log %d", ErrNotExt2, sb.logBlockSize)
	}
	return nil
}

func fixedTrailingBytes(b []byte) string {
	n := 0
	for n < len(b) && b[n] != 0 {
		n++
	}
	return string(b[:n])
}

func putFixedString(b []byte, s string) {
	n := copy(b, s)
	for i := n; i < len(b); i++ {
		b[i] = 0
	}
}

// superblockFromBytes parses a 1024-byte superblock image.
func superblockFromBytes(b []byte) (*superblock, error) {
	if len(b) < SuperblockSize {
		return nil, fmt.Errorf("superblock data too short: %d bytes, need %d", len(b), SuperblockSize)
	}
	le := binary.LittleEndian
	sbMagic := le.Uint16(b[56:58])
	if sbMagic != magic {
		return nil, ErrNotExt2
	}

	sb := &superblock{
		inodeCount:      le.Uint32(b[0:4]),
		blockCount:      le.Uint32(b[4:8]),
		reservedBlocks:  le.Uint32(b[8:12]),
		freeBlocks:      le.Uint32(b[12:16]),
		freeInodes:      le.Uint32(b[16:20]),
		firstDataBlock:  le.Uint32(b[20:24]),
		logBlockSize:    le.Uint32(b[24:28]),
		logFragSize:     le.Uint32(b[28:32]),
		blocksPerGroup:  le.Uint32(b[32:36]),
		fragsPerGroup:   le.Uint32(b[36:40]),
		inodesPerGroup:  le.Uint32(b[40:44]),
		mountTime:       time.Unix(int64(le.Uint32(b[44:48])), 0),
		writeTime:       time.Unix(int64(le.Uint32(b[48:52])), 0),
		mountCount:      le.Uint16(b[52:54]),
		maxMountCount:   le.Uint16(b[54:56]),
		state:           fsState(le.Uint16(b[58:60])),
		errorBehavior:   errorBehavior(le.Uint16(b[60:62])),
		minorRevision:   le.Uint16(b[62:64]),
		lastCheck:       time.Unix(int64(le.Uint32(b[64:68])), 0),
		checkInterval:   le.Uint32(b[68:72]),
		creatorOS:       le.Uint32(b[72:76]),
		revisionLevel:   le.Uint32(b[76:80]),
		defResUID:       le.Uint16(b[80:82]),
		defResGID:       le.Uint16(b[82:84]),
	}

	if sb.revisionLevel != revisionOriginal {
		sb.firstInode = le.Uint32(b[84:88])
		sb.inodeSize = le.Uint16(b[88:90])
		sb.blockGroupNr = le.Uint16(b[90:92])
		sb.featureCompat = le.Uint32(b[92:96])
		sb.featureIncompat = le.Uint32(b[96:100])
		sb.featureROCompat = le.Uint32(b[100:104])
		if u, err := uuid.FromBytes(b[104:120]); err == nil {
			sb.uuid = u
		}
		sb.volumeName = fixedTrailingBytes(b[120:136])
		sb.lastMounted = fixedTrailingBytes(b[136:200])
		sb.algoBitmap = le.Uint32(b[200:204])
		sb.preallocBlocks = b[204]
		sb.preallocDirBlocks = b[205]
		for i := 0; i < 4; i++ {
			sb.hashSeed[i] = le.Uint32(b[236+4*i : 240+4*i])
		}
		sb.defHashVersion = b[252]
		sb.defaultMountOpts = le.Uint32(b[256:260])
		sb.firstMetaBG = le.Uint32(b[260:264])
	}

	if err := sb.supported(); err != nil {
		return nil, err
	}
	return sb, nil
}

// toBytes serializes the superblock back into its 1024-byte on-disk form.
func (sb *superblock) toBytes() []byte {
	b := make([]byte, SuperblockSize)
	le := binary.LittleEndian

	le.PutUint32(b[0:4], sb.inodeCount)
	le.PutUint32(b[4:8], sb.blockCount)
	le.PutUint32(b[8:12], sb.reservedBlocks)
	le.PutUint32(b[12:16], sb.freeBlocks)
	le.PutUint32(b[16:20], sb.freeInodes)
	le.PutUint32(b[20:24], sb.firstDataBlock)
	le.PutUint32(b[24:28], sb.logBlockSize)
	le.PutUint32(b[28:32], sb.logFragSize)
	le.PutUint32(b[32:36], sb.blocksPerGroup)
	le.PutUint32(b[36:40], sb.fragsPerGroup)
	le.PutUint32(b[40:44], sb.inodesPerGroup)
	le.PutUint32(b[44:48], uint32(sb.mountTime.Unix()))
	le.PutUint32(b[48:52], uint32(sb.writeTime.Unix()))
	le.PutUint16(b[52:54], sb.mountCount)
	le.PutUint16(b[54:56], sb.maxMountCount)
	le.PutUint16(b[56:58], magic)
	le.PutUint16(b[58:60], uint16(sb.state))
	le.PutUint16(b[60:62], uint16(sb.errorBehavior))
	le.PutUint16(b[62:64], sb.minorRevision)
	le.PutUint32(b[64:68], uint32(sb.lastCheck.Unix()))
	le.PutUint32(b[68:72], sb.checkInterval)
	le.PutUint32(b[72:76], sb.creatorOS)
	le.PutUint32(b[76:80], sb.revisionLevel)
	le.PutUint16(b[80:82], sb.defResUID)
	le.PutUint16(b[82:84], sb.defResGID)

	if sb.revisionLevel != revisionOriginal {
		le.PutUint32(b[84:88], sb.firstInode)
		le.PutUint16(b[88:90], sb.inodeSize)
		le.PutUint16(b[90:92], sb.blockGroupNr)
		le.PutUint32(b[92:96], sb.featureCompat)
		le.PutUint32(b[96:100], sb.featureIncompat)
		le.PutUint32(b[100:104], sb.featureROCompat)
		copy(b[104:120], sb.uuid[:])
		putFixedString(b[120:136], sb.volumeName)
		putFixedString(b[136:200], sb.lastMounted)
		le.PutUint32(b[200:204], sb.algoBitmap)
		b[204] = sb.preallocBlocks
		b[205] = sb.preallocDirBlocks
		for i := 0; i < 4; i++ {
			le.PutUint32(b[236+4*i:240+4*i], sb.hashSeed[i])
		}
		b[252] = sb.defHashVersion
		le.PutUint32(b[256:260], sb.defaultMountOpts)
		le.PutUint32(b[260:264], sb.firstMetaBG)
	}

	return b
}

func (sb *superblock) equal(other *superblock) bool {
	if sb == nil || other == nil {
		return sb == other
	}
	a, b := *sb, *other
	a.dirty, b.dirty = false, false
	return a == b
}

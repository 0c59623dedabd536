package ext2

import (
	"testing"
	"time"

	"github.com/go-test/deep"
	"github.com/google/uuid"

	"github.com/go-ext2/ext2fs/util"
)

func testValidSuperblock() *superblock {
	return &superblock{
		inodeCount:      128,
		blockCount:      1024,
		reservedBlocks:  51,
		freeBlocks:      900,
		freeInodes:      115,
		firstDataBlock:  1,
		logBlockSize:    0,
		logFragSize:     0,
		blocksPerGroup:  8192,
		fragsPerGroup:   8192,
		inodesPerGroup:  128,
		mountTime:       time.Unix(1700000000, 0),
		writeTime:       time.Unix(1700000100, 0),
		mountCount:      3,
		maxMountCount:   20,
		state:           fsStateCleanlyUnmounted,
		errorBehavior:   errorsContinue,
		minorRevision:   0,
		lastCheck:       time.Unix(1699000000, 0),
		checkInterval:   0,
		creatorOS:       creatorOSLinux,
		revisionLevel:   revisionDynamic,
		defResUID:       0,
		defResGID:       0,
		firstInode:      11,
		inodeSize:       128,
		blockGroupNr:    0,
		featureCompat:   0,
		featureIncompat: featureIncompatFileType,
		featureROCompat: featureROCompatLargeFile,
		uuid:            uuid.MustParse("12345678-1234-1234-1234-123456789abc"),
		volumeName:      "test-vol",
		lastMounted:     "/mnt/test",
		algoBitmap:      0,
		hashSeed:        [4]uint32{1, 2, 3, 4},
		defHashVersion:  1,
	}
}

func TestSuperblockRoundTrip(t *testing.T) {
	sb := testValidSuperblock()
	b := sb.toBytes()
	if len(b) != SuperblockSize {
		t.Fatalf("toBytes() produced %d bytes, want %d", len(b), SuperblockSize)
	}

	parsed, err := superblockFromBytes(b)
	if err != nil {
		t.Fatalf("superblockFromBytes() returned error: %v", err)
	}

	deep.CompareUnexportedFields = true
	if diff := deep.Equal(*sb, *parsed); diff != nil {
		t.Errorf("superblockFromBytes(toBytes()) round trip mismatch: %v", diff)
	}

	if !sb.equal(parsed) {
		if different, out := util.DumpByteSlicesWithDiffs(b, parsed.toBytes(), 32, true, true, true); different {
			t.Errorf("superblock bytes diverged after round trip:\n%s", out)
		}
	}
}

func TestSuperblockFromBytesRejectsBadMagic(t *testing.T) {
	sb := testValidSuperblock()
	b := sb.toBytes()
	b[56], b[57] = 0, 0 // corrupt the magic number field

	if _, err := superblockFromBytes(b); err == nil {
		t.Fatal("superblockFromBytes() with corrupted magic should have failed")
	}
}

func TestSuperblockFromBytesRejectsShortInput(t *testing.T) {
	if _, err := superblockFromBytes(make([]byte, SuperblockSize-1)); err == nil {
		t.Fatal("superblockFromBytes() with short input should have failed")
	}
}

func TestSuperblockBlockSize(t *testing.T) {
	tests := []struct {
		log  uint32
		want uint32
	}{
		{0, 1024},
		{1, 2048},
		{2, 4096},
	}
	for _, tt := range tests {
		sb := &superblock{logBlockSize: tt.log}
		if got := sb.blockSize(); got != tt.want {
			t.Errorf("blockSize() with log %d = %d, want %d", tt.log, got, tt.want)
		}
	}
}

func TestSuperblockBlockGroupCount(t *testing.T) {
	sb := &superblock{blockCount: 16385, blocksPerGroup: 8192}
	if got := sb.blockGroupCount(); got != 3 {
		t.Errorf("blockGroupCount() = %d, want 3", got)
	}
}

func TestSuperblockSupportedRejectsUnknownIncompatFeature(t *testing.T) {
	sb := testValidSuperblock()
	sb.featureIncompat = 0x80000000
	if err := sb.supported(); err == nil {
		t.Fatal("supported() should reject an unrecognized incompat feature flag")
	}
}

func TestSuperblockSupportedRejectsLargeBlockSize(t *testing.T) {
	sb := testValidSuperblock()
	sb.logBlockSize = 3
	if err := sb.supported(); err == nil {
		t.Fatal("supported() should reject a block size log above 2")
	}
}

func TestSuperblockEffectiveInodeSize(t *testing.T) {
	rev0 := &superblock{revisionLevel: revisionOriginal, inodeSize: 256}
	if got := rev0.effectiveInodeSize(); got != defaultInodeSize {
		t.Errorf("revision-0 effectiveInodeSize() = %d, want %d", got, defaultInodeSize)
	}

	rev1 := &superblock{revisionLevel: revisionDynamic, inodeSize: 256}
	if got := rev1.effectiveInodeSize(); got != 256 {
		t.Errorf("revision-1 effectiveInodeSize() = %d, want 256", got)
	}
}

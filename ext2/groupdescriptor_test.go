package ext2

import (
	"reflect"
	"testing"

	"github.com/go-test/deep"

	"github.com/go-ext2/ext2fs/util"
)

func testGroupDescriptors() []groupDescriptor {
	return []groupDescriptor{
		{blockBitmap: 3, inodeBitmap: 4, inodeTable: 5, freeBlocks: 100, freeInodes: 50, usedDirsCount: 2},
		{blockBitmap: 1003, inodeBitmap: 1004, inodeTable: 1005, freeBlocks: 200, freeInodes: 60, usedDirsCount: 0},
	}
}

func TestGroupDescriptorRoundTrip(t *testing.T) {
	for _, want := range testGroupDescriptors() {
		b := want.toBytes()
		if len(b) != groupDescriptorSize {
			t.Fatalf("toBytes() produced %d bytes, want %d", len(b), groupDescriptorSize)
		}
		got := groupDescriptorFromBytes(b)
		deep.CompareUnexportedFields = true
		if diff := deep.Equal(want, got); diff != nil {
			t.Errorf("groupDescriptorFromBytes(toBytes()) round trip mismatch: %v", diff)
		}
	}
}

func TestGroupDescriptorTableRoundTrip(t *testing.T) {
	want := &groupDescriptorTable{groups: testGroupDescriptors()}
	b := want.toBytes()

	got := groupDescriptorTableFromBytes(b, len(want.groups))
	if !reflect.DeepEqual(want.groups, got.groups) {
		if different, out := util.DumpByteSlicesWithDiffs(b, got.toBytes(), 32, true, true, true); different {
			t.Errorf("group descriptor table bytes diverged after round trip:\n%s", out)
		}
		t.Errorf("groupDescriptorTableFromBytes(toBytes()) = %+v, want %+v", got.groups, want.groups)
	}
}

func TestGroupDescriptorTableBlocksNeeded(t *testing.T) {
	tests := []struct {
		groups    int
		blockSize uint32
		want      int
	}{
		{groups: 1, blockSize: 1024, want: 1},
		{groups: 32, blockSize: 1024, want: 1},
		{groups: 33, blockSize: 1024, want: 2},
		{groups: 128, blockSize: 4096, want: 1},
	}
	for _, tt := range tests {
		table := &groupDescriptorTable{groups: make([]groupDescriptor, tt.groups)}
		if got := table.blocksNeeded(tt.blockSize); got != tt.want {
			t.Errorf("blocksNeeded(%d groups, block size %d) = %d, want %d", tt.groups, tt.blockSize, got, tt.want)
		}
	}
}

package ext2

import (
	"testing"
)

func TestAlign4(t *testing.T) {
	tests := []struct{ in, want int }{
		{0, 0}, {1, 4}, {2, 4}, {3, 4}, {4, 4}, {5, 8}, {12, 12}, {13, 16},
	}
	for _, tt := range tests {
		if got := align4(tt.in); got != tt.want {
			t.Errorf("align4(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestDirentLen(t *testing.T) {
	tests := []struct {
		nameLen int
		want    uint16
	}{
		{0, 8},
		{1, 12},
		{4, 12},
		{5, 16},
		{255, align4Uint16(direntHeaderSize + 255)},
	}
	for _, tt := range tests {
		if got := direntLen(tt.nameLen); got != tt.want {
			t.Errorf("direntLen(%d) = %d, want %d", tt.nameLen, got, tt.want)
		}
	}
}

func align4Uint16(n int) uint16 {
	return uint16(align4(n))
}

func TestParseDirentsInBlockRoundTrip(t *testing.T) {
	blockSize := 64
	block := make([]byte, blockSize)

	entries := []dirent{
		{inode: rootInode, name: ".", fileType: dirTypeDir},
		{inode: rootInode, name: "..", fileType: dirTypeDir},
		{inode: 12, name: "hello.txt", fileType: dirTypeRegular},
	}
	off := uint16(0)
	for i := range entries {
		entries[i].nameLen = uint8(len(entries[i].name))
		entries[i].blockOffset = off
		if i == len(entries)-1 {
			entries[i].recLen = uint16(blockSize) - off
		} else {
			entries[i].recLen = direntLen(len(entries[i].name))
		}
		if err := writeDirentAt(block, entries[i]); err != nil {
			t.Fatalf("writeDirentAt(%d) failed: %v", i, err)
		}
		off += entries[i].recLen
	}

	parsed, err := parseDirentsInBlock(block)
	if err != nil {
		t.Fatalf("parseDirentsInBlock() returned error: %v", err)
	}
	if len(parsed) != len(entries) {
		t.Fatalf("parseDirentsInBlock() returned %d entries, want %d", len(parsed), len(entries))
	}
	for i, want := range entries {
		got := parsed[i]
		if got.inode != want.inode || got.name != want.name || got.fileType != want.fileType || got.recLen != want.recLen {
			t.Errorf("entry %d = %+v, want %+v", i, got, want)
		}
	}
}

func TestParseDirentsInBlockRejectsTruncatedRecord(t *testing.T) {
	block := make([]byte, 8)
	if _, err := parseDirentsInBlock(block[:4]); err == nil {
		t.Fatal("parseDirentsInBlock() on a truncated header should fail")
	}
}

func TestParseDirentsInBlockRejectsOverlongRecLen(t *testing.T) {
	block := make([]byte, 16)
	block[4] = 255 // rec_len low byte, far beyond the block
	if _, err := parseDirentsInBlock(block); err == nil {
		t.Fatal("parseDirentsInBlock() with an out-of-range rec_len should fail")
	}
}

func TestDirFileTypeFor(t *testing.T) {
	tests := []struct {
		kind fileType
		want dirFileType
	}{
		{typeRegular, dirTypeRegular},
		{typeDir, dirTypeDir},
		{typeCharDev, dirTypeCharDev},
		{typeBlockDev, dirTypeBlockDev},
		{typeFIFO, dirTypeFIFO},
		{typeSocket, dirTypeSocket},
		{typeSymlink, dirTypeSymlink},
		{0, dirTypeUnknown},
	}
	for _, tt := range tests {
		if got := dirFileTypeFor(tt.kind); got != tt.want {
			t.Errorf("dirFileTypeFor(%v) = %v, want %v", tt.kind, got, tt.want)
		}
	}
}

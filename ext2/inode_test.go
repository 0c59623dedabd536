package ext2

import "testing"

func TestInodeRoundTrip(t *testing.T) {
	ino := &inode{
		number:     42,
		mode:       uint16(typeRegular) | 0o644,
		uidLow:     1000,
		sizeLow:    12345,
		accessTime: 111,
		changeTime: 222,
		modifyTime: 333,
		linksCount: 1,
		flags:      flagAppendOnly,
		generation: 7,
	}
	ino.block[0] = 10
	ino.block[indirectIndex] = 20

	b := ino.toBytes()
	if len(b) != defaultInodeSize {
		t.Fatalf("toBytes() produced %d bytes, want %d", len(b), defaultInodeSize)
	}

	parsed, err := inodeFromBytes(42, b)
	if err != nil {
		t.Fatalf("inodeFromBytes() returned error: %v", err)
	}
	if parsed.mode != ino.mode || parsed.sizeLow != ino.sizeLow || parsed.uidLow != ino.uidLow {
		t.Errorf("round trip mismatch: got %+v, want %+v", parsed, ino)
	}
	if parsed.block[0] != 10 || parsed.block[indirectIndex] != 20 {
		t.Errorf("round trip lost block pointers: %v", parsed.block)
	}
}

func TestInodeFromBytesRejectsShortInput(t *testing.T) {
	if _, err := inodeFromBytes(1, make([]byte, defaultInodeSize-1)); err == nil {
		t.Fatal("inodeFromBytes() with a short buffer should fail")
	}
}

func TestInodeUidGidSplit(t *testing.T) {
	ino := &inode{}
	ino.setUID(0x00010002)
	ino.setGID(0x00030004)
	if ino.uid() != 0x00010002 {
		t.Errorf("uid() = %#x, want %#x", ino.uid(), 0x00010002)
	}
	if ino.gid() != 0x00030004 {
		t.Errorf("gid() = %#x, want %#x", ino.gid(), 0x00030004)
	}
}

func TestInodeSizeLargeFile(t *testing.T) {
	ino := &inode{mode: uint16(typeRegular)}
	ino.setSize(1<<33+5, true)
	if got := ino.size(true); got != 1<<33+5 {
		t.Errorf("size(largeFile=true) = %d, want %d", got, uint64(1<<33+5))
	}
	if got := ino.size(false); got != uint64(ino.sizeLow) {
		t.Errorf("size(largeFile=false) = %d, want sizeLow %d", got, ino.sizeLow)
	}
}

func TestInodeBlockCountUsed(t *testing.T) {
	ino := &inode{}
	ino.setBlockCountUsed(3, 1024)
	if got := ino.blockCountUsed(1024); got != 3 {
		t.Errorf("blockCountUsed() = %d, want 3", got)
	}
	ino.incBlockUsed(1024)
	if got := ino.blockCountUsed(1024); got != 4 {
		t.Errorf("blockCountUsed() after incBlockUsed = %d, want 4", got)
	}
	ino.decBlockUsed(1024)
	ino.decBlockUsed(1024)
	if got := ino.blockCountUsed(1024); got != 2 {
		t.Errorf("blockCountUsed() after two decBlockUsed = %d, want 2", got)
	}
}

func TestInlineLinkPackAndParse(t *testing.T) {
	ino := &inode{mode: uint16(typeSymlink)}
	if ok := ino.packInlineLink("/etc/passwd"); !ok {
		t.Fatal("packInlineLink() of a short target should succeed")
	}
	ino.inlineLinkTarget, ino.inlineLinkValid = "", false
	ino.parseInlineLink()
	if !ino.inlineLinkValid || ino.inlineLinkTarget != "/etc/passwd" {
		t.Errorf("parseInlineLink() = (%q, %v), want (/etc/passwd, true)", ino.inlineLinkTarget, ino.inlineLinkValid)
	}
}

func TestInlineLinkPackRejectsOverlongTarget(t *testing.T) {
	ino := &inode{}
	long := make([]byte, inlineLinkCapacity+1)
	for i := range long {
		long[i] = 'a'
	}
	if ok := ino.packInlineLink(string(long)); ok {
		t.Fatal("packInlineLink() of an over-long target should fail")
	}
}

func TestInlineLinkParseIgnoresAllocatedSymlinks(t *testing.T) {
	ino := &inode{mode: uint16(typeSymlink), sizeLow: 5, blocks512: 2}
	ino.parseInlineLink()
	if ino.inlineLinkValid {
		t.Error("parseInlineLink() should not treat a block-backed symlink as inline")
	}
}

func TestDevicePackUnpack(t *testing.T) {
	ino := &inode{}
	ino.setDevice(8, 3)
	major, minor := ino.device()
	if major != 8 || minor != 3 {
		t.Errorf("device() = (%d, %d), want (8, 3)", major, minor)
	}
}

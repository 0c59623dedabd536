package ext2

import "testing"

func TestBlockPathDirect(t *testing.T) {
	v := newTestVolume(t, 4096)
	level, path, err := v.blockPath(5)
	if err != nil {
		t.Fatalf("blockPath(5) failed: %v", err)
	}
	if level != 0 || len(path) != 1 || path[0] != 5 {
		t.Errorf("blockPath(5) = (%d, %v), want (0, [5])", level, path)
	}
}

func TestBlockPathIndirectionLevels(t *testing.T) {
	v := newTestVolume(t, 4096)
	p := v.pointersPerBlock()

	tests := []struct {
		logical   uint32
		wantLevel int
	}{
		{directPointers, 1},
		{directPointers + p - 1, 1},
		{directPointers + p, 2},
		{directPointers + p + p*p - 1, 2},
		{directPointers + p + p*p, 3},
	}
	for _, tt := range tests {
		level, _, err := v.blockPath(tt.logical)
		if err != nil {
			t.Fatalf("blockPath(%d) failed: %v", tt.logical, err)
		}
		if level != tt.wantLevel {
			t.Errorf("blockPath(%d) level = %d, want %d", tt.logical, level, tt.wantLevel)
		}
	}
}

func TestBlockPathRejectsOutOfRange(t *testing.T) {
	v := newTestVolume(t, 4096)
	p := v.pointersPerBlock()
	huge := directPointers + p + p*p + p*p*p
	if _, _, err := v.blockPath(huge); err == nil {
		t.Fatalf("blockPath(%d) should exceed the maximum ext2 file size", huge)
	}
}

func TestBlockForHoleWithoutAllocate(t *testing.T) {
	v := newTestVolume(t, 4096)
	childNo, ci, err := v.AllocInode(0, false)
	if err != nil {
		t.Fatalf("AllocInode failed: %v", err)
	}
	defer v.PutInode(ci)
	_ = childNo

	phys, err := v.BlockFor(ci, 3, false)
	if err != nil {
		t.Fatalf("BlockFor(hole, allocate=false) failed: %v", err)
	}
	if phys != 0 {
		t.Errorf("BlockFor(hole, allocate=false) = %d, want 0", phys)
	}
}

func TestBlockForAllocatesDirectAndIndirect(t *testing.T) {
	v := newTestVolume(t, 8192)
	_, ci, err := v.AllocInode(0, false)
	if err != nil {
		t.Fatalf("AllocInode failed: %v", err)
	}
	defer v.PutInode(ci)

	direct, err := v.BlockFor(ci, 2, true)
	if err != nil || direct == 0 {
		t.Fatalf("BlockFor(direct, allocate=true) = (%d, %v)", direct, err)
	}
	again, err := v.BlockFor(ci, 2, false)
	if err != nil || again != direct {
		t.Fatalf("BlockFor(direct) re-read = (%d, %v), want %d", again, err, direct)
	}

	p := v.pointersPerBlock()
	indirectIdx := directPointers + p/2
	indirect, err := v.BlockFor(ci, indirectIdx, true)
	if err != nil || indirect == 0 {
		t.Fatalf("BlockFor(single-indirect, allocate=true) = (%d, %v)", indirect, err)
	}
	if ci.Inode().block[indirectIndex] == 0 {
		t.Error("allocating a single-indirect block should populate the indirect pointer slot")
	}
}

func TestTruncateToFreesBlocksAndIndirectTree(t *testing.T) {
	v := newTestVolume(t, 8192)
	_, ci, err := v.AllocInode(0, false)
	if err != nil {
		t.Fatalf("AllocInode failed: %v", err)
	}
	defer v.PutInode(ci)

	p := v.pointersPerBlock()
	lastLogical := directPointers + p/2
	if _, err := v.BlockFor(ci, lastLogical, true); err != nil {
		t.Fatalf("BlockFor(allocate) failed: %v", err)
	}
	size := uint64(lastLogical+1) * uint64(v.BlockSize())
	v.SetSize(ci, size)

	if err := v.TruncateTo(ci, 0); err != nil {
		t.Fatalf("TruncateTo(0) failed: %v", err)
	}
	if v.Size(ci) != 0 {
		t.Errorf("Size() after truncate to 0 = %d, want 0", v.Size(ci))
	}
	if ci.Inode().block[indirectIndex] != 0 {
		t.Error("TruncateTo(0) should reclaim the now-empty single-indirect block")
	}
	for i := 0; i < directPointers; i++ {
		if ci.Inode().block[i] != 0 {
			t.Errorf("TruncateTo(0) left direct pointer %d = %d, want 0", i, ci.Inode().block[i])
		}
	}
}

func TestTruncateToGrowingIsNoOp(t *testing.T) {
	v := newTestVolume(t, 4096)
	_, ci, err := v.AllocInode(0, false)
	if err != nil {
		t.Fatalf("AllocInode failed: %v", err)
	}
	defer v.PutInode(ci)

	v.SetSize(ci, 100)
	if err := v.TruncateTo(ci, 200); err != nil {
		t.Fatalf("TruncateTo(larger size) failed: %v", err)
	}
	if v.Size(ci) != 100 {
		t.Errorf("TruncateTo(larger size) changed size to %d, want unchanged 100", v.Size(ci))
	}
}

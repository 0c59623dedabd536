package ext2

import "testing"

func TestInodeCacheGetPinsSameIdentity(t *testing.T) {
	v := newTestVolume(t, 4096)
	_, ci1, err := v.AllocInode(0, false)
	if err != nil {
		t.Fatalf("AllocInode failed: %v", err)
	}
	v.cache.markDirty(ci1)
	if err := v.cache.flush(ci1); err != nil {
		t.Fatalf("flush failed: %v", err)
	}

	ci2, err := v.GetInode(ci1.Number())
	if err != nil {
		t.Fatalf("GetInode failed: %v", err)
	}
	if ci1 != ci2 {
		t.Error("two GetInode calls for the same inode number should return the same *CachedInode")
	}
	if ci2.refCount != 2 {
		t.Errorf("refCount after two gets = %d, want 2", ci2.refCount)
	}

	v.PutInode(ci1)
	v.PutInode(ci2)
	if ci1.refCount != 0 {
		t.Errorf("refCount after two puts = %d, want 0", ci1.refCount)
	}
}

func TestInodeCacheAccessors(t *testing.T) {
	v := newTestVolume(t, 4096)
	_, ci, err := v.AllocInode(0, false)
	if err != nil {
		t.Fatalf("AllocInode failed: %v", err)
	}
	defer v.PutInode(ci)

	ci.SetMode(KindRegular, 0o644)
	if !ci.IsRegular() {
		t.Error("SetMode(KindRegular, ...) should make IsRegular() true")
	}
	if ci.Perm() != 0o644 {
		t.Errorf("Perm() = %o, want 0644", ci.Perm())
	}

	ci.SetUID(1000)
	ci.SetGID(1000)
	if ci.UID() != 1000 || ci.GID() != 1000 {
		t.Errorf("UID/GID = %d/%d, want 1000/1000", ci.UID(), ci.GID())
	}

	ci.SetLinksCount(3)
	if ci.LinksCount() != 3 {
		t.Errorf("LinksCount() = %d, want 3", ci.LinksCount())
	}

	ci.SetMode(KindCharDevice, 0o600)
	ci.SetDevice(8, 1)
	major, minor := ci.Device()
	if major != 8 || minor != 1 {
		t.Errorf("Device() = (%d, %d), want (8, 1)", major, minor)
	}
}

func TestInodeCacheEvictionReturnsBusyWhenAllPinned(t *testing.T) {
	v := newTestVolume(t, 4096)
	v.cache = newInodeCache(v, 2)

	_, ci1, err := v.AllocInode(0, false)
	if err != nil {
		t.Fatalf("AllocInode failed: %v", err)
	}
	_, ci2, err := v.AllocInode(0, false)
	if err != nil {
		t.Fatalf("AllocInode failed: %v", err)
	}
	defer v.PutInode(ci1)
	defer v.PutInode(ci2)

	if _, _, err := v.AllocInode(0, false); err != ErrBusy {
		t.Fatalf("AllocInode with a full, fully-pinned cache = %v, want ErrBusy", err)
	}
}

func TestInodeCacheEvictsLeastRecentlyIdle(t *testing.T) {
	v := newTestVolume(t, 4096)
	v.cache = newInodeCache(v, 2)

	no1, ci1, err := v.AllocInode(0, false)
	if err != nil {
		t.Fatalf("AllocInode failed: %v", err)
	}
	no2, ci2, err := v.AllocInode(0, false)
	if err != nil {
		t.Fatalf("AllocInode failed: %v", err)
	}
	v.PutInode(ci1) // idles first
	v.PutInode(ci2) // idles second, so ci1 is the LRU victim

	_, ci3, err := v.AllocInode(0, false)
	if err != nil {
		t.Fatalf("AllocInode after both idle failed: %v", err)
	}
	defer v.PutInode(ci3)

	if _, ok := v.cache.byNumber[no1]; ok {
		t.Errorf("inode %d should have been evicted as the least-recently-idle entry", no1)
	}
	if _, ok := v.cache.byNumber[no2]; !ok {
		t.Errorf("inode %d should still be resident", no2)
	}
}

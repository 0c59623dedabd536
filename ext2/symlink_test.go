package ext2

import (
	"strings"
	"testing"
)

func newSymlinkInode(t *testing.T, v *Volume) *CachedInode {
	t.Helper()
	_, ci, err := v.AllocInode(0, false)
	if err != nil {
		t.Fatalf("AllocInode failed: %v", err)
	}
	ci.SetMode(KindSymlink, 0o777)
	ci.SetLinksCount(1)
	return ci
}

func TestWriteLinkInlineRoundTrip(t *testing.T) {
	v := newTestVolume(t, 4096)
	ci := newSymlinkInode(t, v)
	defer v.PutInode(ci)

	const target = "/etc/hostname"
	if err := v.WriteLink(ci, target); err != nil {
		t.Fatalf("WriteLink(%q) failed: %v", target, err)
	}
	if ci.Inode().blocks512 != 0 {
		t.Error("a short target should be stored inline, without allocating a data block")
	}
	got, err := v.ReadLink(ci)
	if err != nil {
		t.Fatalf("ReadLink() failed: %v", err)
	}
	if got != target {
		t.Errorf("ReadLink() = %q, want %q", got, target)
	}
}

func TestWriteLinkBlockBackedRoundTrip(t *testing.T) {
	v := newTestVolume(t, 4096)
	ci := newSymlinkInode(t, v)
	defer v.PutInode(ci)

	target := "/" + strings.Repeat("long-component/", 8) + "leaf"
	if len(target) <= inlineLinkCapacity {
		t.Fatalf("test target is %d bytes, need > %d to force block storage", len(target), inlineLinkCapacity)
	}
	if err := v.WriteLink(ci, target); err != nil {
		t.Fatalf("WriteLink(long target) failed: %v", err)
	}
	if ci.Inode().block[0] == 0 {
		t.Error("a long target should allocate a data block")
	}
	got, err := v.ReadLink(ci)
	if err != nil {
		t.Fatalf("ReadLink() failed: %v", err)
	}
	if got != target {
		t.Errorf("ReadLink() = %q, want %q", got, target)
	}
}

func TestReadLinkRejectsNonSymlink(t *testing.T) {
	v := newTestVolume(t, 4096)
	_, ci, err := v.AllocInode(0, false)
	if err != nil {
		t.Fatalf("AllocInode failed: %v", err)
	}
	defer v.PutInode(ci)
	ci.SetMode(KindRegular, 0o644)

	if _, err := v.ReadLink(ci); err != ErrInvalidArg {
		t.Fatalf("ReadLink() on a regular file = %v, want ErrInvalidArg", err)
	}
}

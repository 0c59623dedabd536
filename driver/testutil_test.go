package driver

import (
	"testing"

	"github.com/go-ext2/ext2fs/backend"
	"github.com/go-ext2/ext2fs/ext2"
	"github.com/go-ext2/ext2fs/testhelper"
)

// buildFixture formats a small in-memory ext2 volume, hands it to build for
// populating content directly through the ext2 package (the same fixture
// idiom ext2/testutil_test.go uses), flushes it, and returns the backing
// storage ready to be mounted fresh through a Driver.
func buildFixture(t *testing.T, blocks uint64, build func(v *ext2.Volume)) backend.Storage {
	t.Helper()
	storage := testhelper.NewMemStorage(int64(blocks) * 1024)
	v, err := ext2.Format(storage, 0, blocks, &ext2.FormatOptions{BlockSize: 1024})
	if err != nil {
		t.Fatalf("Format() failed: %v", err)
	}
	if build != nil {
		build(v)
	}
	if err := v.Shutdown(); err != nil {
		t.Fatalf("Shutdown() failed: %v", err)
	}
	return storage
}

// mountFixture mounts storage read-write at "/" on a fresh Driver and
// registers cleanup.
func mountFixture(t *testing.T, storage backend.Storage) *Driver {
	t.Helper()
	d := New(nil)
	if err := d.Mount("/", storage, 0, MountReadWrite); err != nil {
		t.Fatalf("Mount() failed: %v", err)
	}
	t.Cleanup(func() {
		_ = d.Shutdown()
	})
	return d
}

// writeFileContent allocates blocks for ci starting at logical block
// startBlock (leaving anything before it a hole) and stores data packed
// from that block onward, then sets the inode's logical size.
func writeFileContent(t *testing.T, v *ext2.Volume, ci *ext2.CachedInode, startBlock uint32, data []byte, size uint64) {
	t.Helper()
	bs := int(v.BlockSize())
	for off := 0; off < len(data); off += bs {
		end := off + bs
		if end > len(data) {
			end = len(data)
		}
		buf := make([]byte, bs)
		copy(buf, data[off:end])
		logical := startBlock + uint32(off/bs)
		phys, err := v.BlockFor(ci, logical, true)
		if err != nil {
			t.Fatalf("BlockFor(%d, allocate) failed: %v", logical, err)
		}
		if err := v.WriteBlock(phys, buf); err != nil {
			t.Fatalf("WriteBlock(%d) failed: %v", phys, err)
		}
	}
	v.SetSize(ci, size)
}

// addFile allocates a regular-file inode, links it into parent under name,
// and returns the cached inode (caller must PutInode it).
func addFile(t *testing.T, v *ext2.Volume, parent *ext2.CachedInode, name string) *ext2.CachedInode {
	t.Helper()
	group := v.GroupOf(parent.Number())
	inodeNo, ci, err := v.AllocInode(group, false)
	if err != nil {
		t.Fatalf("AllocInode(%q) failed: %v", name, err)
	}
	ci.SetMode(ext2.KindRegular, 0o644)
	ci.SetLinksCount(1)
	v.MarkInodeDirty(ci)
	if err := v.AddEntry(parent, name, inodeNo, ext2.KindRegular); err != nil {
		t.Fatalf("AddEntry(%q) failed: %v", name, err)
	}
	return ci
}

// errnoOf unwraps err down to the driver's public Errno, or -1 if err is
// not a *Error.
func errnoOf(err error) Errno {
	if err == nil {
		return EOK
	}
	if de, ok := err.(*Error); ok {
		return de.Code
	}
	return Errno(-1)
}

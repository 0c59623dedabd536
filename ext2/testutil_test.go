package ext2

import (
	"testing"

	"github.com/go-ext2/ext2fs/testhelper"
)

// newTestVolume formats a small in-memory ext2 volume for use by a
// single test. Building a fresh filesystem (rather than loading a fixed
// image) means Format's write path gets exercised by every test too.
func newTestVolume(t *testing.T, blocks uint64) *Volume {
	t.Helper()
	storage := testhelper.NewMemStorage(int64(blocks) * 1024)
	v, err := Format(storage, 0, blocks, &FormatOptions{BlockSize: 1024})
	if err != nil {
		t.Fatalf("Format() failed: %v", err)
	}
	return v
}

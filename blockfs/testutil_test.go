package blockfs

import (
	"path/filepath"
	"testing"
)

// newTestFS formats a small, scratch image in the test's temp directory
// and returns the mounted FileSystem, closing and removing it on cleanup.
func newTestFS(t *testing.T, sizeBlocks, blocksPerGroup uint64) *FileSystem {
	t.Helper()
	path := filepath.Join(t.TempDir(), "image.bin")
	fsys, err := Format(path, Params{SizeBlocks: sizeBlocks, BlocksPerGroup: uint32(blocksPerGroup)})
	if err != nil {
		t.Fatalf("Format: %v", err)
	}
	t.Cleanup(func() { fsys.Close() })
	return fsys
}

func requireNoError(t *testing.T, err error, what string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %v", what, err)
	}
}

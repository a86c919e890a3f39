package blockfs

import (
	"path/filepath"
	"testing"
)

func TestFormatCreatesRootAtInodeTwo(t *testing.T) {
	fs := newTestFS(t, 256, 256)
	num, err := fs.resolve("/", true, 0)
	requireNoError(t, err, "resolve")
	if num != rootInodeNum {
		t.Fatalf("root resolved to inode %d, want %d", num, rootInodeNum)
	}
	in, err := fs.readInode(num)
	requireNoError(t, err, "readInode")
	if !in.isDir() || in.linksCount != 2 || in.size() != BlockSize {
		t.Fatalf("root inode = %+v", in)
	}
	entries, err := fs.readdir(in)
	requireNoError(t, err, "readdir")
	names := map[string]uint32{}
	for _, e := range entries {
		names[e.Name] = e.InodeNum
	}
	if names["."] != rootInodeNum || names[".."] != rootInodeNum {
		t.Errorf("root's . and .. = %v, want both to point at inode %d", names, rootInodeNum)
	}
}

func TestFormatRejectsImageSmallerThanOneGroup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "image.bin")
	if _, err := Format(path, Params{SizeBlocks: 10, BlocksPerGroup: 256}); err == nil {
		t.Fatalf("Format should reject an image smaller than one block group")
	}
}

func TestFormatMultipleGroups(t *testing.T) {
	fs := newTestFS(t, 512, 256)
	if len(fs.groups) != 2 {
		t.Fatalf("groups = %d, want 2", len(fs.groups))
	}
	if fs.sb.groupCount() != 2 {
		t.Errorf("groupCount() = %d, want 2", fs.sb.groupCount())
	}
}

func TestMountRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "image.bin")
	created, err := Format(path, Params{SizeBlocks: 256, BlocksPerGroup: 256})
	requireNoError(t, err, "Format")
	requireNoError(t, created.Mkdir("/a", 0o755), "Mkdir")
	requireNoError(t, created.Close(), "Close")

	mounted, err := Mount(path)
	requireNoError(t, err, "Mount")
	defer mounted.Close()

	info, err := mounted.Stat("/a")
	requireNoError(t, err, "Stat")
	if !info.IsDir() {
		t.Errorf("/a should still be a directory after remount")
	}
}

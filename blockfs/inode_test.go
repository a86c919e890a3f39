package blockfs

import (
	"testing"

	"github.com/go-test/deep"
)

func TestInodeRoundTrip(t *testing.T) {
	in := &inode{
		num:        2,
		mode:       SIfdir | 0o755,
		uid:        1000,
		gid:        1000,
		linksCount: 2,
		atime:      111,
		ctime:      222,
		mtime:      333,
		flags:      0,
	}
	copy(in.extentRoot[:], []byte{0x0A, 0xF3, 0, 0, 3, 0, 0, 0})
	in.setSize(1 << 40) // exercise size_high

	b := in.toBytes()
	if len(b) != inodeSize {
		t.Fatalf("toBytes() length = %d, want %d", len(b), inodeSize)
	}
	got, err := inodeFromBytes(2, b)
	if err != nil {
		t.Fatalf("inodeFromBytes: %v", err)
	}
	if diff := deep.Equal(in, got); diff != nil {
		t.Errorf("round-trip mismatch: %v", diff)
	}
	if got.size() != 1<<40 {
		t.Errorf("size() = %d, want %d", got.size(), uint64(1)<<40)
	}
}

func TestInodeTypePredicates(t *testing.T) {
	cases := []struct {
		mode                        uint32
		isDir, isRegular, isSymlink bool
	}{
		{SIfdir, true, false, false},
		{SIfreg, false, true, false},
		{SIflnk, false, false, true},
	}
	for _, c := range cases {
		in := &inode{mode: c.mode}
		if in.isDir() != c.isDir || in.isRegular() != c.isRegular || in.isSymlink() != c.isSymlink {
			t.Errorf("mode %#o: isDir=%v isRegular=%v isSymlink=%v", c.mode, in.isDir(), in.isRegular(), in.isSymlink())
		}
	}
}

func TestInodeFromBytesRejectsShort(t *testing.T) {
	if _, err := inodeFromBytes(1, make([]byte, inodeSize-1)); err == nil {
		t.Fatalf("expected an error for a truncated inode record")
	}
}

func TestFileTypeTag(t *testing.T) {
	cases := map[uint32]uint8{
		SIfreg: dirTypeRegular,
		SIfdir: dirTypeDir,
		SIflnk: dirTypeSymlink,
		SIfifo: dirTypeUnknown,
	}
	for mode, want := range cases {
		if got := fileTypeTag(mode); got != want {
			t.Errorf("fileTypeTag(%#o) = %d, want %d", mode, got, want)
		}
	}
}

package blockfs

import "testing"

func TestDirRecordEncodeDecode(t *testing.T) {
	r := &dirRecord{inodeNum: 7, entryLen: 20, fileType: dirTypeRegular, name: "hello"}
	got, err := decodeDirRecord(r.encode())
	requireNoError(t, err, "decodeDirRecord")
	if got.inodeNum != 7 || got.entryLen != 20 || got.fileType != dirTypeRegular || got.name != "hello" {
		t.Fatalf("decoded = %+v", got)
	}
}

func TestDirRecordZeroInodeIsFree(t *testing.T) {
	r := &dirRecord{inodeNum: 0, entryLen: 32}
	if !r.free() {
		t.Fatalf("inode_num==0 should mark a free slot")
	}
}

func TestAlign4(t *testing.T) {
	cases := map[uint32]uint32{0: 0, 1: 4, 4: 4, 5: 8, 15: 16, 16: 16}
	for in, want := range cases {
		if got := align4(in); got != want {
			t.Errorf("align4(%d) = %d, want %d", in, got, want)
		}
	}
}

func TestAddLookupRemoveDirEntry(t *testing.T) {
	fs := newTestFS(t, 256, 256)
	dir, err := fs.readInode(rootInodeNum)
	requireNoError(t, err, "readInode")

	requireNoError(t, fs.addDirEntry(dir, "one", 100, dirTypeRegular), "addDirEntry")
	requireNoError(t, fs.addDirEntry(dir, "two", 101, dirTypeRegular), "addDirEntry")

	dir, err = fs.readInode(rootInodeNum)
	requireNoError(t, err, "readInode")

	got, err := fs.lookupDir(dir, "two")
	requireNoError(t, err, "lookupDir")
	if got != 101 {
		t.Fatalf("lookupDir(two) = %d, want 101", got)
	}

	requireNoError(t, fs.removeDirEntry(dir, "one"), "removeDirEntry")
	dir, err = fs.readInode(rootInodeNum)
	requireNoError(t, err, "readInode")
	if got, err := fs.lookupDir(dir, "one"); err != nil || got != 0 {
		t.Fatalf("lookupDir(one) after removal = (%d, %v), want (0, nil)", got, err)
	}
	// "two" must survive the removal of an unrelated entry.
	if got, err := fs.lookupDir(dir, "two"); err != nil || got != 101 {
		t.Fatalf("lookupDir(two) after removing one = (%d, %v), want (101, nil)", got, err)
	}
}

func TestAddDirEntryReusesFreedSlot(t *testing.T) {
	fs := newTestFS(t, 256, 256)
	dir, err := fs.readInode(rootInodeNum)
	requireNoError(t, err, "readInode")
	sizeBefore := dir.size()

	requireNoError(t, fs.addDirEntry(dir, "tmp", 55, dirTypeRegular), "addDirEntry")
	dir, err = fs.readInode(rootInodeNum)
	requireNoError(t, err, "readInode")
	requireNoError(t, fs.removeDirEntry(dir, "tmp"), "removeDirEntry")
	dir, err = fs.readInode(rootInodeNum)
	requireNoError(t, err, "readInode")
	requireNoError(t, fs.addDirEntry(dir, "tmp2", 56, dirTypeRegular), "addDirEntry (reuse)")

	dir, err = fs.readInode(rootInodeNum)
	requireNoError(t, err, "readInode")
	if dir.size() != sizeBefore {
		t.Errorf("reusing a freed slot should not grow the directory: size=%d, want %d", dir.size(), sizeBefore)
	}
}

func TestReaddirSkipsDotEntries(t *testing.T) {
	fs := newTestFS(t, 256, 256)
	requireNoError(t, fs.Mkdir("/d", 0o755), "Mkdir")
	names, err := fs.Readdir("/d")
	requireNoError(t, err, "Readdir")
	if len(names) != 0 {
		t.Fatalf("Readdir(/d) = %v, want empty (., .. excluded)", names)
	}
}

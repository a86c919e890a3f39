package blockfs

import (
	"testing"

	"github.com/bits-and-blooms/bitset"
)

func TestAllocateBlockSkipsReserved(t *testing.T) {
	fs := newTestFS(t, 256, 256)
	// Group 0 reserves blocks 0..47 (superblock, gd table, bitmaps, inode
	// table); the root directory's own block already consumed one free
	// block, so the first block this test allocates must still land past
	// the reserved region.
	p, err := fs.allocateBlock()
	requireNoError(t, err, "allocateBlock")
	if p < 48 {
		t.Fatalf("allocateBlock returned a reserved block: %d", p)
	}
}

func TestAllocateBlockAtRejectsReserved(t *testing.T) {
	fs := newTestFS(t, 256, 256)
	if err := fs.allocateBlockAt(0); err == nil {
		t.Fatalf("allocateBlockAt(0) should fail: block 0 is the superblock")
	}
}

func TestAllocateFreeBlockRoundTrip(t *testing.T) {
	fs := newTestFS(t, 256, 256)
	before := fs.sb.freeBlocksCount

	p, err := fs.allocateBlock()
	requireNoError(t, err, "allocateBlock")
	if fs.sb.freeBlocksCount != before-1 {
		t.Fatalf("freeBlocksCount after allocate = %d, want %d", fs.sb.freeBlocksCount, before-1)
	}
	requireNoError(t, fs.freeBlock(p), "freeBlock")
	if fs.sb.freeBlocksCount != before {
		t.Fatalf("freeBlocksCount after free = %d, want %d", fs.sb.freeBlocksCount, before)
	}
}

func TestFreeBlockRefusesReserved(t *testing.T) {
	fs := newTestFS(t, 256, 256)
	before := fs.sb.freeBlocksCount
	requireNoError(t, fs.freeBlock(0), "freeBlock(0) should be a silent no-op")
	if fs.sb.freeBlocksCount != before {
		t.Errorf("freeing a reserved block must not change the free count: got %d, want %d", fs.sb.freeBlocksCount, before)
	}
}

func TestAllocateFreeInodeRoundTrip(t *testing.T) {
	fs := newTestFS(t, 256, 256)
	before := fs.sb.freeInodesCount

	num, err := fs.allocateInode()
	requireNoError(t, err, "allocateInode")
	if fs.sb.freeInodesCount != before-1 {
		t.Fatalf("freeInodesCount after allocate = %d, want %d", fs.sb.freeInodesCount, before-1)
	}
	requireNoError(t, fs.freeInode(num), "freeInode")
	if fs.sb.freeInodesCount != before {
		t.Fatalf("freeInodesCount after free = %d, want %d", fs.sb.freeInodesCount, before)
	}
}

func TestFreeInodeDoubleFreeIsNoOp(t *testing.T) {
	fs := newTestFS(t, 256, 256)
	num, err := fs.allocateInode()
	requireNoError(t, err, "allocateInode")
	requireNoError(t, fs.freeInode(num), "freeInode")
	before := fs.sb.freeInodesCount
	requireNoError(t, fs.freeInode(num), "freeInode (double free)")
	if fs.sb.freeInodesCount != before {
		t.Errorf("double-freeing an inode must be a no-op: got %d, want %d", fs.sb.freeInodesCount, before)
	}
}

// TestSuperblockFreeCountMatchesBitmapAcrossGroups cross-checks the
// superblock's running free_blocks_count against an independent bitset
// built fresh from what each group's block bitmap says on disk, per
// spec.md §8's counter invariant.
func TestSuperblockFreeCountMatchesBitmapAcrossGroups(t *testing.T) {
	fs := newTestFS(t, 512, 256)

	for i := 0; i < 5; i++ {
		if _, err := fs.allocateBlock(); err != nil {
			t.Fatalf("allocateBlock: %v", err)
		}
	}

	var totalFree uint64
	for g, gd := range fs.groups {
		bm, err := fs.loadBlockBitmap(g)
		requireNoError(t, err, "loadBlockBitmap")

		bs := bitset.New(uint(fs.sb.blocksPerGroup))
		for i := 0; i < int(fs.sb.blocksPerGroup); i++ {
			if set, _ := bm.IsSet(i); set {
				bs.Set(uint(i))
			}
		}
		freeInGroup := uint32(fs.sb.blocksPerGroup) - uint32(bs.Count())
		if freeInGroup != gd.freeBlocksCount {
			t.Errorf("group %d: bitset-derived free=%d, group descriptor says %d", g, freeInGroup, gd.freeBlocksCount)
		}
		totalFree += uint64(gd.freeBlocksCount)
	}
	if totalFree != fs.sb.freeBlocksCount {
		t.Errorf("sum of per-group free_blocks_count = %d, want superblock total %d", totalFree, fs.sb.freeBlocksCount)
	}
}

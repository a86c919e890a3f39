package blockfs

import (
	"bytes"
	"testing"
)

func TestExtentNodeEncodeDecode(t *testing.T) {
	n := &extentNode{
		maxEntries: inlineMaxEntries,
		depth:      0,
		leaves: []leafEntry{
			{logicalBlock: 0, blockCount: 1, startBlock: 50},
			{logicalBlock: 1, blockCount: 2, startBlock: 100},
		},
	}
	got, err := decodeExtentNode(n.encode(extentRootSize))
	requireNoError(t, err, "decodeExtentNode")
	if got.depth != 0 || len(got.leaves) != 2 {
		t.Fatalf("decoded node = %+v", got)
	}
	if got.leaves[1].startBlock != 100 || got.leaves[1].blockCount != 2 {
		t.Errorf("leaf[1] = %+v", got.leaves[1])
	}
}

func TestExtentNodeRejectsBadMagic(t *testing.T) {
	b := make([]byte, extentRootSize)
	if _, err := decodeExtentNode(b); err == nil {
		t.Fatalf("expected an error for a zeroed (bad-magic) extent node")
	}
}

func TestEmptyRootHasNoEntries(t *testing.T) {
	r := emptyRoot()
	if r.entriesCount() != 0 || r.depth != 0 || r.maxEntries != inlineMaxEntries {
		t.Fatalf("emptyRoot() = %+v", r)
	}
}

func TestFindInsertSingleBlock(t *testing.T) {
	fs := newTestFS(t, 256, 256)
	in, err := fs.readInode(rootInodeNum)
	requireNoError(t, err, "readInode")

	p, err := fs.insertExtent(in, 5)
	requireNoError(t, err, "insertExtent")

	got, ok, err := fs.findExtent(in, 5)
	requireNoError(t, err, "findExtent")
	if !ok || got != p {
		t.Fatalf("findExtent(5) = (%d, %v), want (%d, true)", got, ok, p)
	}
	if _, ok, err := fs.findExtent(in, 6); err != nil || ok {
		t.Fatalf("findExtent(6) should be a hole, got ok=%v err=%v", ok, err)
	}
}

func TestCoalesceExtendsExistingLeaf(t *testing.T) {
	fs := newTestFS(t, 256, 256)
	num, err := fs.allocateRegularFileInode(0o644)
	requireNoError(t, err, "allocateRegularFileInode")
	in, err := fs.readInode(num)
	requireNoError(t, err, "readInode")

	p0, err := fs.insertExtent(in, 0)
	requireNoError(t, err, "insertExtent(0)")
	p1, err := fs.insertExtent(in, 1)
	requireNoError(t, err, "insertExtent(1)")
	if p1 != p0+1 {
		t.Fatalf("insertExtent(1) claimed block %d, want the block right after %d", p1, p0)
	}

	root, err := fs.readRoot(in)
	requireNoError(t, err, "readRoot")
	if root.entriesCount() != 1 {
		t.Fatalf("expected coalescing to keep a single leaf entry, got %d", root.entriesCount())
	}
	if root.leaves[0].blockCount != 2 {
		t.Errorf("leaf block_count = %d, want 2", root.leaves[0].blockCount)
	}
}

func TestCoalesceDoesNotFireAcrossAGap(t *testing.T) {
	fs := newTestFS(t, 256, 256)
	num, err := fs.allocateRegularFileInode(0o644)
	requireNoError(t, err, "allocateRegularFileInode")
	in, err := fs.readInode(num)
	requireNoError(t, err, "readInode")

	_, err = fs.insertExtent(in, 0)
	requireNoError(t, err, "insertExtent(0)")

	// Logical block 2 (not 1) must not coalesce into the block-0 leaf even
	// though the next free block is still physically contiguous.
	_, err = fs.insertExtent(in, 2)
	requireNoError(t, err, "insertExtent(2)")

	root, err := fs.readRoot(in)
	requireNoError(t, err, "readRoot")
	if root.entriesCount() != 2 {
		t.Fatalf("a gap in logical blocks must prevent coalescing, got %d entries", root.entriesCount())
	}
}

func TestInlineRootSplitsOnOverflow(t *testing.T) {
	fs := newTestFS(t, 256, 256)
	in, err := fs.readInode(rootInodeNum)
	requireNoError(t, err, "readInode")

	// The inline root holds at most 3 leaves; logical blocks far enough
	// apart never coalesce, forcing a split on the 4th insert.
	for l := uint32(0); l < 4; l++ {
		_, err := fs.insertExtent(in, l*10)
		requireNoError(t, err, "insertExtent")
	}

	root, err := fs.readRoot(in)
	requireNoError(t, err, "readRoot")
	if root.depth == 0 {
		t.Fatalf("expected the inline root to have split into an index node, still depth 0")
	}
	for l := uint32(0); l < 4; l++ {
		if _, ok, err := fs.findExtent(in, l*10); err != nil || !ok {
			t.Errorf("findExtent(%d) after split: ok=%v err=%v", l*10, ok, err)
		}
	}
}

func TestFreeSubtreeResetsRootAndFreesBlocks(t *testing.T) {
	fs := newTestFS(t, 256, 256)
	in, err := fs.readInode(rootInodeNum)
	requireNoError(t, err, "readInode")

	for l := uint32(0); l < 5; l++ {
		_, err := fs.insertExtent(in, l*10)
		requireNoError(t, err, "insertExtent")
	}
	freeBefore := fs.sb.freeBlocksCount

	requireNoError(t, fs.freeSubtree(in), "freeSubtree")

	root, err := fs.readRoot(in)
	requireNoError(t, err, "readRoot")
	if root.entriesCount() != 0 || root.depth != 0 {
		t.Fatalf("expected an empty depth-0 root after freeSubtree, got %+v", root)
	}
	if fs.sb.freeBlocksCount <= freeBefore {
		t.Errorf("freeSubtree should have returned blocks to the pool: before=%d after=%d", freeBefore, fs.sb.freeBlocksCount)
	}
}

// TestWriteSequentialBlocksCoalescesThroughTheRealPath writes several
// sequential blocks through Write (the only production entry point into
// ensureDataBlock/insertExtent), rather than calling insertExtent directly,
// to confirm the coalescing fast path actually fires there and not just
// against hand-picked physical blocks.
func TestWriteSequentialBlocksCoalescesThroughTheRealPath(t *testing.T) {
	fs := newTestFS(t, 256, 256)
	writeFile(t, fs, "/seq", bytes.Repeat([]byte{0x7A}, 3*BlockSize))

	num := mustLookup(t, fs, "/", "seq")
	in, err := fs.readInode(num)
	requireNoError(t, err, "readInode")

	root, err := fs.readRoot(in)
	requireNoError(t, err, "readRoot")
	if root.entriesCount() != 1 {
		t.Fatalf("writing 3 sequential blocks should coalesce into a single leaf, got %d entries", root.entriesCount())
	}
	if root.leaves[0].blockCount != 3 {
		t.Fatalf("leaf block_count = %d, want 3", root.leaves[0].blockCount)
	}
}

package blockfs

import (
	"testing"

	"github.com/go-test/deep"
)

// deep skips unexported fields unless told otherwise, and every codec
// struct in this package has only unexported fields.
func init() { deep.CompareUnexportedFields = true }

func TestSuperblockRoundTrip(t *testing.T) {
	sb := &superblock{
		fsSizeBlocks:    65536,
		blockSize:       BlockSize,
		blocksPerGroup:  BlocksPerGroup,
		inodesPerGroup:  InodesPerGroup,
		totalInodes:     16384,
		freeBlocksCount: 60000,
		freeInodesCount: 16000,
		firstDataBlock:  46,
	}
	b := sb.toBytes()
	if len(b) != superblockSize {
		t.Fatalf("toBytes() length = %d, want %d", len(b), superblockSize)
	}
	got, err := superblockFromBytes(b)
	if err != nil {
		t.Fatalf("superblockFromBytes: %v", err)
	}
	if diff := deep.Equal(sb, got); diff != nil {
		t.Errorf("round-trip mismatch: %v", diff)
	}
}

func TestSuperblockChecksumChangesWithContent(t *testing.T) {
	a := &superblock{fsSizeBlocks: 100, blockSize: BlockSize, blocksPerGroup: BlocksPerGroup, inodesPerGroup: InodesPerGroup}
	b := &superblock{fsSizeBlocks: 200, blockSize: BlockSize, blocksPerGroup: BlocksPerGroup, inodesPerGroup: InodesPerGroup}
	a.toBytes()
	b.toBytes()
	if a.checksumField == b.checksumField {
		t.Errorf("two superblocks with different content should not collide on checksum")
	}
}

func TestSuperblockFromBytesRejectsShort(t *testing.T) {
	if _, err := superblockFromBytes(make([]byte, superblockSize-1)); err == nil {
		t.Fatalf("expected an error for a truncated superblock")
	}
}

func TestSuperblockFromBytesRejectsWrongBlockSize(t *testing.T) {
	sb := &superblock{fsSizeBlocks: 10, blockSize: 1024, blocksPerGroup: BlocksPerGroup, inodesPerGroup: InodesPerGroup}
	if _, err := superblockFromBytes(sb.toBytes()); err == nil {
		t.Fatalf("expected an error for an unexpected block size")
	}
}

func TestGroupCount(t *testing.T) {
	cases := []struct {
		fsSize uint64
		want   uint64
	}{
		{BlocksPerGroup, 1},
		{BlocksPerGroup + 1, 2},
		{BlocksPerGroup * 3, 3},
	}
	for _, c := range cases {
		sb := &superblock{fsSizeBlocks: c.fsSize, blocksPerGroup: BlocksPerGroup}
		if got := sb.groupCount(); got != c.want {
			t.Errorf("groupCount() for %d blocks = %d, want %d", c.fsSize, got, c.want)
		}
	}
}

func TestGroupDescriptorRoundTrip(t *testing.T) {
	gd := &groupDescriptor{
		blockBitmapBlock: 2,
		inodeBitmapBlock: 3,
		inodeTableBlock:  4,
		freeBlocksCount:  8000,
		freeInodesCount:  2000,
	}
	got := groupDescriptorFromBytes(gd.toBytes())
	if diff := deep.Equal(gd, got); diff != nil {
		t.Errorf("round-trip mismatch: %v", diff)
	}
}

func TestReservedBlocksInGroup(t *testing.T) {
	gd := &groupDescriptor{blockBitmapBlock: 10, inodeBitmapBlock: 11, inodeTableBlock: 12}
	reserved := reservedBlocksInGroup(0, gd)
	for _, want := range []uint64{0, 1, 10, 11, 12, 12 + inodeTableBlocks - 1} {
		if _, ok := reserved[want]; !ok {
			t.Errorf("block %d should be reserved in group 0", want)
		}
	}
	if _, ok := reserved[13+inodeTableBlocks]; ok {
		t.Errorf("block past the inode table should not be reserved")
	}

	reservedG1 := reservedBlocksInGroup(1, gd)
	if _, ok := reservedG1[0]; ok {
		t.Errorf("block 0 is only reserved in group 0")
	}
}

package blockfs

import "encoding/binary"

// groupDescriptor is the in-memory form of the 32-byte on-disk group
// descriptor: the location of a block group's bitmaps and inode table, plus
// its free counters.
type groupDescriptor struct {
	blockBitmapBlock uint64
	inodeBitmapBlock uint64
	inodeTableBlock  uint64
	freeBlocksCount  uint32
	freeInodesCount  uint32
}

func (gd *groupDescriptor) toBytes() []byte {
	b := make([]byte, groupDescriptorSize)
	binary.LittleEndian.PutUint64(b[0:8], gd.blockBitmapBlock)
	binary.LittleEndian.PutUint64(b[8:16], gd.inodeBitmapBlock)
	binary.LittleEndian.PutUint64(b[16:24], gd.inodeTableBlock)
	binary.LittleEndian.PutUint32(b[24:28], gd.freeBlocksCount)
	binary.LittleEndian.PutUint32(b[28:32], gd.freeInodesCount)
	return b
}

func groupDescriptorFromBytes(b []byte) *groupDescriptor {
	return &groupDescriptor{
		blockBitmapBlock: binary.LittleEndian.Uint64(b[0:8]),
		inodeBitmapBlock: binary.LittleEndian.Uint64(b[8:16]),
		inodeTableBlock:  binary.LittleEndian.Uint64(b[16:24]),
		freeBlocksCount:  binary.LittleEndian.Uint32(b[24:28]),
		freeInodesCount:  binary.LittleEndian.Uint32(b[28:32]),
	}
}

// groupDescriptorOffset returns the byte offset of group g's descriptor
// within the group-descriptor table, which starts at block 1 (byte B).
func groupDescriptorOffset(g int) int64 {
	return int64(BlockSize) + int64(g)*groupDescriptorSize
}

// reservedBlocksInGroup returns the physical block numbers within group g
// that are reserved metadata and must never be handed out by the block
// allocator: group 0's superblock and group-descriptor-table blocks (0 and
// 1), plus every group's own block bitmap, inode bitmap and inode-table
// blocks.
func reservedBlocksInGroup(g int, gd *groupDescriptor) map[uint64]struct{} {
	reserved := make(map[uint64]struct{})
	if g == 0 {
		reserved[0] = struct{}{}
		reserved[1] = struct{}{}
	}
	reserved[gd.blockBitmapBlock] = struct{}{}
	reserved[gd.inodeBitmapBlock] = struct{}{}
	for i := uint64(0); i < inodeTableBlocks; i++ {
		reserved[gd.inodeTableBlock+i] = struct{}{}
	}
	return reserved
}

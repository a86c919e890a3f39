package blockfs

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/kotazzz/goext4/internal/blockdevice"
	"github.com/kotazzz/goext4/internal/bitmap"
)

// Params configures Format, the same role the teacher's ext4.Params plays
// for its Create: almost everything else about the layout is fixed by the
// format itself.
type Params struct {
	// SizeBlocks is the total number of blocks the image should span.
	SizeBlocks uint64

	// BlocksPerGroup overrides BlocksPerGroup for tests that want to force
	// multiple block groups without a multi-gigabyte image; zero means
	// "use the default".
	BlocksPerGroup uint32
}

// groupLayout is the set of block numbers the formatter computes once for each
// group before it writes anything.
type groupLayout struct {
	blockBitmapBlock uint64
	inodeBitmapBlock uint64
	inodeTableBlock  uint64
}

// Format creates a brand-new image file at path and writes its superblock,
// group-descriptor table, per-group bitmaps (with every reserved slot
// pre-marked used), an empty inode table, and inode #2 as the root
// directory containing "." and "..". It is the one place in this package
// that assembles a filesystem from nothing rather than mutating one that
// Mount already validated.
func Format(path string, p Params) (*FileSystem, error) {
	bpg := p.BlocksPerGroup
	if bpg == 0 {
		bpg = BlocksPerGroup
	}
	if p.SizeBlocks < uint64(bpg) {
		return nil, newErr("Format", path, KindInvalid, fmt.Errorf("image must span at least one full block group (%d blocks)", bpg))
	}

	groupCount := (p.SizeBlocks + uint64(bpg) - 1) / uint64(bpg)
	if groupCount*groupDescriptorSize > BlockSize {
		return nil, newErr("Format", path, KindInvalid, fmt.Errorf("%d block groups do not fit in the one-block group-descriptor table", groupCount))
	}

	dev, err := blockdevice.Create(path, int64(p.SizeBlocks)*BlockSize, BlockSize)
	if err != nil {
		return nil, newErr("Format", path, KindIoError, err)
	}

	layouts := make([]groupLayout, groupCount)
	for g := range layouts {
		base := uint64(g) * uint64(bpg)
		if g == 0 {
			// Blocks 0 and 1 are already spoken for (superblock,
			// group-descriptor table); group 0's own bitmaps and inode
			// table start right after them.
			base += 2
		}
		layouts[g] = groupLayout{
			blockBitmapBlock: base,
			inodeBitmapBlock: base + 1,
			inodeTableBlock:  base + 2,
		}
	}

	sb := &superblock{
		fsSizeBlocks:   p.SizeBlocks,
		blockSize:      BlockSize,
		blocksPerGroup: bpg,
		inodesPerGroup: InodesPerGroup,
		totalInodes:    InodesPerGroup * groupCount,
		firstDataBlock: uint32(layouts[0].inodeTableBlock + inodeTableBlocks),
	}

	groups := make([]groupDescriptor, groupCount)
	for g := range groups {
		bm := bitmap.NewBytes(BlockSize)
		im := bitmap.NewBytes(BlockSize)

		gd := groupDescriptor{
			blockBitmapBlock: layouts[g].blockBitmapBlock,
			inodeBitmapBlock: layouts[g].inodeBitmapBlock,
			inodeTableBlock:  layouts[g].inodeTableBlock,
		}
		for rb := range reservedBlocksInGroup(g, &gd) {
			local := int(rb - uint64(g)*uint64(bpg))
			if err := bm.Set(local); err != nil {
				dev.Close()
				return nil, newErr("Format", path, KindIoError, err)
			}
		}
		groupBlocks := uint64(bpg)
		if g == int(groupCount-1) {
			groupBlocks = p.SizeBlocks - uint64(g)*uint64(bpg)
		}
		// A bitmap block holds 4096*8=32768 bits, more than bpg blocks
		// ever needs; every bit past this group's actual block count (be
		// it bpg itself, or fewer for a trailing partial group) addresses
		// no real physical block and must never be handed out.
		for local := int(groupBlocks); local < bm.Len(); local++ {
			if err := bm.Set(local); err != nil {
				dev.Close()
				return nil, newErr("Format", path, KindIoError, err)
			}
		}
		gd.freeBlocksCount = uint32(bm.FreeCount())
		gd.freeInodesCount = InodesPerGroup

		if g == 0 {
			// Inode #1 (group 0, bit 0) is reserved and never handed out,
			// so the very next allocateInode() call lands on #2: the root.
			if err := im.Set(0); err != nil {
				dev.Close()
				return nil, newErr("Format", path, KindIoError, err)
			}
			gd.freeInodesCount--
		}

		if err := dev.WriteBlock(gd.blockBitmapBlock, bm.Bytes()); err != nil {
			dev.Close()
			return nil, newErr("Format", path, KindIoError, err)
		}
		if err := dev.WriteBlock(gd.inodeBitmapBlock, im.Bytes()); err != nil {
			dev.Close()
			return nil, newErr("Format", path, KindIoError, err)
		}
		zero := make([]byte, BlockSize)
		for i := uint64(0); i < inodeTableBlocks; i++ {
			if err := dev.WriteBlock(gd.inodeTableBlock+i, zero); err != nil {
				dev.Close()
				return nil, newErr("Format", path, KindIoError, err)
			}
		}

		groups[g] = gd
		sb.freeBlocksCount += uint64(gd.freeBlocksCount)
		sb.freeInodesCount += uint64(gd.freeInodesCount)
	}

	if _, err := dev.WriteAt(sb.toBytes(), 0); err != nil {
		dev.Close()
		return nil, newErr("Format", path, KindIoError, err)
	}
	for g := range groups {
		if _, err := dev.WriteAt(groups[g].toBytes(), groupDescriptorOffset(g)); err != nil {
			dev.Close()
			return nil, newErr("Format", path, KindIoError, err)
		}
	}

	id := uuid.New().String()
	fsys := &FileSystem{
		dev:    dev,
		sb:     sb,
		groups: groups,
		files:  newFileTable(),
		id:     id,
		logger: sessionLogger(id),
	}

	if err := fsys.formatRoot(); err != nil {
		dev.Close()
		return nil, err
	}

	fsys.logger.Infof("formatted %s: %d groups, %d blocks, %d inodes", path, groupCount, p.SizeBlocks, sb.totalInodes)
	return fsys, nil
}

// formatRoot allocates and initializes inode #2 as the root directory of a
// freshly formatted image: its own "." and parent ".." both point at
// itself, since root has no parent.
func (fs *FileSystem) formatRoot() error {
	num, err := fs.allocateInode()
	if err != nil {
		return err
	}
	if num != rootInodeNum {
		return newErr("Format", "", KindIoError, fmt.Errorf("expected root inode to be #%d, allocator returned #%d", rootInodeNum, num))
	}
	block, err := fs.allocateBlock()
	if err != nil {
		return err
	}
	now := nowUnix()
	root := &inode{
		num:        num,
		mode:       SIfdir | 0o755,
		linksCount: 2,
		atime:      now,
		ctime:      now,
		mtime:      now,
	}
	fs.writeRoot(root, &extentNode{maxEntries: inlineMaxEntries, depth: 0, leaves: []leafEntry{{logicalBlock: 0, blockCount: 1, startBlock: block}}})
	root.setSize(BlockSize)

	data := make([]byte, BlockSize)
	dot := &dirRecord{inodeNum: num, fileType: dirTypeDir, name: ".", entryLen: align4(dirRecordHeaderSize + 1)}
	dotdot := &dirRecord{inodeNum: num, fileType: dirTypeDir, name: "..", entryLen: align4(dirRecordHeaderSize + 2)}
	// A free record fills the rest of the block, so the first entries added
	// to the root reuse it instead of growing the directory.
	freeRec := &dirRecord{inodeNum: 0, entryLen: BlockSize - dot.entryLen - dotdot.entryLen}
	copy(data, dot.encode())
	copy(data[dot.entryLen:], dotdot.encode())
	copy(data[dot.entryLen+dotdot.entryLen:], freeRec.encode())
	if err := fs.dev.WriteBlock(block, data); err != nil {
		return wrapIo("Format", "", err)
	}
	return fs.writeInode(root)
}

package blockfs

import (
	"fmt"

	"github.com/kotazzz/goext4/internal/bitmap"
)

// loadBlockBitmap reads and decodes the block bitmap for group g.
func (fs *FileSystem) loadBlockBitmap(g int) (*bitmap.Bitmap, error) {
	gd := fs.groups[g]
	buf, err := fs.dev.ReadBlock(gd.blockBitmapBlock)
	if err != nil {
		return nil, wrapIo("loadBlockBitmap", "", err)
	}
	return bitmap.FromBytes(buf), nil
}

func (fs *FileSystem) storeBlockBitmap(g int, bm *bitmap.Bitmap) error {
	gd := fs.groups[g]
	if err := fs.dev.WriteBlock(gd.blockBitmapBlock, bm.Bytes()); err != nil {
		return wrapIo("storeBlockBitmap", "", err)
	}
	return nil
}

func (fs *FileSystem) loadInodeBitmap(g int) (*bitmap.Bitmap, error) {
	gd := fs.groups[g]
	buf, err := fs.dev.ReadBlock(gd.inodeBitmapBlock)
	if err != nil {
		return nil, wrapIo("loadInodeBitmap", "", err)
	}
	return bitmap.FromBytes(buf), nil
}

func (fs *FileSystem) storeInodeBitmap(g int, bm *bitmap.Bitmap) error {
	gd := fs.groups[g]
	if err := fs.dev.WriteBlock(gd.inodeBitmapBlock, bm.Bytes()); err != nil {
		return wrapIo("storeInodeBitmap", "", err)
	}
	return nil
}

// writeGroupDescriptor persists group g's descriptor and the superblock, in
// that order. Every allocator mutation ends with this call so the free
// counters on disk never drift from the bitmaps that back them.
func (fs *FileSystem) writeGroupDescriptor(g int) error {
	gd := fs.groups[g]
	if _, err := fs.dev.WriteAt(gd.toBytes(), groupDescriptorOffset(g)); err != nil {
		return wrapIo("writeGroupDescriptor", "", err)
	}
	if _, err := fs.dev.WriteAt(fs.sb.toBytes(), 0); err != nil {
		return wrapIo("writeGroupDescriptor", "", err)
	}
	return nil
}

// allocateInode finds the lowest-numbered free inode, marks it used and
// returns its 1-based inode number. Groups are scanned in ascending order;
// the first group with a nonzero free-inode count supplies the slot.
func (fs *FileSystem) allocateInode() (uint32, error) {
	for g, gd := range fs.groups {
		if gd.freeInodesCount == 0 {
			continue
		}
		bm, err := fs.loadInodeBitmap(g)
		if err != nil {
			return 0, err
		}
		bit := bm.FirstFree(0)
		if bit < 0 || bit >= InodesPerGroup {
			fs.logger.Warnf("block group %d reports %d free inodes but its bitmap is full", g, gd.freeInodesCount)
			continue
		}
		if err := bm.Set(bit); err != nil {
			return 0, newErr("allocateInode", "", KindIoError, err)
		}
		if err := fs.storeInodeBitmap(g, bm); err != nil {
			return 0, err
		}
		gd.freeInodesCount--
		fs.groups[g] = gd
		fs.sb.freeInodesCount--
		if err := fs.writeGroupDescriptor(g); err != nil {
			return 0, err
		}
		num := uint32(g)*uint32(fs.sb.inodesPerGroup) + uint32(bit) + 1
		fs.logger.Debugf("allocated inode %d in group %d", num, g)
		return num, nil
	}
	return 0, newErr("allocateInode", "", KindNoSpace, fmt.Errorf("no free inodes"))
}

// freeInode clears i's bit, a no-op if it was already clear.
func (fs *FileSystem) freeInode(i uint32) error {
	if i == 0 {
		return newErr("freeInode", "", KindInvalid, fmt.Errorf("inode number 0 is invalid"))
	}
	g := int((uint64(i) - 1) / fs.sb.inodesPerGroup)
	bit := int((uint64(i) - 1) % fs.sb.inodesPerGroup)
	if g >= len(fs.groups) {
		return newErr("freeInode", "", KindInvalid, fmt.Errorf("inode %d is beyond filesystem bounds", i))
	}
	bm, err := fs.loadInodeBitmap(g)
	if err != nil {
		return err
	}
	set, err := bm.IsSet(bit)
	if err != nil {
		return newErr("freeInode", "", KindIoError, err)
	}
	if !set {
		return nil
	}
	if err := bm.Clear(bit); err != nil {
		return newErr("freeInode", "", KindIoError, err)
	}
	if err := fs.storeInodeBitmap(g, bm); err != nil {
		return err
	}
	gd := fs.groups[g]
	gd.freeInodesCount++
	fs.groups[g] = gd
	fs.sb.freeInodesCount++
	return fs.writeGroupDescriptor(g)
}

// blockLocation splits a physical block number into its group and the bit
// position within that group's bitmap.
func (fs *FileSystem) blockLocation(p uint64) (g int, bit int, err error) {
	bpg := uint64(fs.sb.blocksPerGroup)
	g = int(p / bpg)
	bit = int(p % bpg)
	if g >= len(fs.groups) {
		return 0, 0, newErr("", "", KindInvalid, fmt.Errorf("block %d is beyond filesystem bounds", p))
	}
	return g, bit, nil
}

// isReserved reports whether physical block p (known to belong to group g)
// is reserved metadata. reservedBlocksInGroup keys its set by global
// physical block number, not the bit's offset within the group, so p (not
// bit) is what must be looked up.
func (fs *FileSystem) isReserved(g int, p uint64) bool {
	gd := fs.groups[g]
	_, reserved := reservedBlocksInGroup(g, &gd)[p]
	return reserved
}

// allocateBlock finds the lowest-numbered free, non-reserved physical
// block, marks it used and returns it.
func (fs *FileSystem) allocateBlock() (uint64, error) {
	for g, gd := range fs.groups {
		if gd.freeBlocksCount == 0 {
			continue
		}
		bm, err := fs.loadBlockBitmap(g)
		if err != nil {
			return 0, err
		}
		search := 0
		for {
			bit := bm.FirstFree(search)
			if bit < 0 || bit >= int(fs.sb.blocksPerGroup) {
				break
			}
			if fs.isReserved(g, uint64(g)*uint64(fs.sb.blocksPerGroup)+uint64(bit)) {
				search = bit + 1
				continue
			}
			if err := bm.Set(bit); err != nil {
				return 0, newErr("allocateBlock", "", KindIoError, err)
			}
			if err := fs.storeBlockBitmap(g, bm); err != nil {
				return 0, err
			}
			gd.freeBlocksCount--
			fs.groups[g] = gd
			fs.sb.freeBlocksCount--
			if err := fs.writeGroupDescriptor(g); err != nil {
				return 0, err
			}
			p := uint64(g)*uint64(fs.sb.blocksPerGroup) + uint64(bit)
			fs.logger.Debugf("allocated block %d in group %d", p, g)
			return p, nil
		}
	}
	return 0, newErr("allocateBlock", "", KindNoSpace, fmt.Errorf("no free blocks"))
}

// allocateBlockAt marks p used, failing if it is already set. Used by the
// extent coalescing fast path, which must claim one specific block (the one
// immediately following an existing extent) or not at all.
func (fs *FileSystem) allocateBlockAt(p uint64) error {
	g, bit, err := fs.blockLocation(p)
	if err != nil {
		return err
	}
	if fs.isReserved(g, p) {
		return newErr("allocateBlockAt", "", KindInvalid, fmt.Errorf("block %d is reserved metadata", p))
	}
	bm, err := fs.loadBlockBitmap(g)
	if err != nil {
		return err
	}
	set, err := bm.IsSet(bit)
	if err != nil {
		return newErr("allocateBlockAt", "", KindIoError, err)
	}
	if set {
		return newErr("allocateBlockAt", "", KindExists, fmt.Errorf("block %d is already in use", p))
	}
	if err := bm.Set(bit); err != nil {
		return newErr("allocateBlockAt", "", KindIoError, err)
	}
	if err := fs.storeBlockBitmap(g, bm); err != nil {
		return err
	}
	gd := fs.groups[g]
	gd.freeBlocksCount--
	fs.groups[g] = gd
	fs.sb.freeBlocksCount--
	return fs.writeGroupDescriptor(g)
}

// freeBlock clears p's bit and restores counters, but silently refuses to
// free any block that reservedBlocksInGroup claims as metadata: refusing is
// safer than corrupting the bitmaps, inode table or superblock.
func (fs *FileSystem) freeBlock(p uint64) error {
	g, bit, err := fs.blockLocation(p)
	if err != nil {
		return err
	}
	if fs.isReserved(g, p) {
		fs.logger.Warnf("refusing to free reserved block %d", p)
		return nil
	}
	bm, err := fs.loadBlockBitmap(g)
	if err != nil {
		return err
	}
	if err := bm.Clear(bit); err != nil {
		return newErr("freeBlock", "", KindIoError, err)
	}
	if err := fs.storeBlockBitmap(g, bm); err != nil {
		return err
	}
	gd := fs.groups[g]
	gd.freeBlocksCount++
	fs.groups[g] = gd
	fs.sb.freeBlocksCount++
	return fs.writeGroupDescriptor(g)
}

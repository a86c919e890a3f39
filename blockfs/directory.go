package blockfs

import (
	"encoding/binary"
	"fmt"
)

const dirRecordHeaderSize = 14 // inode_num(4) + entry_len(4) + name_len(4) + file_type(1) + reserved(1)

// dirRecord is the in-memory, unpacked form of one variable-length
// directory record. entryLen is the record's total on-disk span (header +
// name + padding), not len(name); a free record keeps its entryLen so it
// can be reused by a later add_entry.
type dirRecord struct {
	inodeNum uint32
	entryLen uint32
	fileType uint8
	name     string
}

func align4(n uint32) uint32 { return (n + 3) &^ 3 }

func (r *dirRecord) free() bool { return r.inodeNum == 0 }

func (r *dirRecord) encode() []byte {
	b := make([]byte, r.entryLen)
	binary.LittleEndian.PutUint32(b[0:4], r.inodeNum)
	binary.LittleEndian.PutUint32(b[4:8], r.entryLen)
	binary.LittleEndian.PutUint32(b[8:12], uint32(len(r.name)))
	b[12] = r.fileType
	b[13] = 0
	copy(b[14:14+len(r.name)], r.name)
	return b
}

func decodeDirRecord(b []byte) (*dirRecord, error) {
	if len(b) < dirRecordHeaderSize {
		return nil, corruptErr("decodeDirRecord", "", "directory record shorter than 14-byte header")
	}
	r := &dirRecord{
		inodeNum: binary.LittleEndian.Uint32(b[0:4]),
		entryLen: binary.LittleEndian.Uint32(b[4:8]),
		fileType: b[12],
	}
	nameLen := binary.LittleEndian.Uint32(b[8:12])
	if r.entryLen == 0 {
		return r, nil // caller treats entry_len==0 as end-of-stream/corrupt
	}
	if uint32(dirRecordHeaderSize)+nameLen > uint32(len(b)) {
		return nil, corruptErr("decodeDirRecord", "", "directory record name overruns its entry_len")
	}
	r.name = string(b[14 : 14+nameLen])
	return r, nil
}

// dirCursor locates one record's exact byte span within a directory's data
// stream: which logical block it lives in, and its offset within that
// block's bytes.
type dirCursor struct {
	logical uint32
	offset  uint32
	record  *dirRecord
}

// walkDir calls visit for every record in dir's data stream, in stream
// order, stopping (without error) when visit returns false or the stream
// is exhausted. It stops with a corruption error if it meets a zero
// entry_len before exhausting inode.size, since a well-formed stream tiles
// every block exactly.
func (fs *FileSystem) walkDir(dir *inode, visit func(dirCursor) (bool, error)) error {
	size := dir.size()
	numBlocks := uint32((size + BlockSize - 1) / BlockSize)
	for l := uint32(0); l < numBlocks; l++ {
		block, err := fs.readDataBlock(dir, l)
		if err != nil {
			return err
		}
		off := uint32(0)
		for off < BlockSize {
			rec, err := decodeDirRecord(block[off:])
			if err != nil {
				return err
			}
			if rec.entryLen == 0 {
				return corruptErr("walkDir", "", "zero entry_len before end of directory stream")
			}
			cont, err := visit(dirCursor{logical: l, offset: off, record: rec})
			if err != nil {
				return err
			}
			if !cont {
				return nil
			}
			off += rec.entryLen
		}
	}
	return nil
}

// lookupDir returns the inode number named by name in dir, or 0 if absent.
func (fs *FileSystem) lookupDir(dir *inode, name string) (uint32, error) {
	var found uint32
	err := fs.walkDir(dir, func(c dirCursor) (bool, error) {
		if !c.record.free() && c.record.name == name {
			found = c.record.inodeNum
			return false, nil
		}
		return true, nil
	})
	if err != nil {
		return 0, err
	}
	return found, nil
}

// addDirEntry installs a (name -> childInode) record in dir, splitting a
// free slot or appending a fresh block as needed.
func (fs *FileSystem) addDirEntry(dir *inode, name string, childInode uint32, fileType uint8) error {
	required := align4(uint32(dirRecordHeaderSize + len(name)))

	type slot struct {
		logical, offset uint32
		entryLen        uint32
	}
	var found *slot
	err := fs.walkDir(dir, func(c dirCursor) (bool, error) {
		if c.record.free() && c.record.entryLen >= required {
			found = &slot{logical: c.logical, offset: c.offset, entryLen: c.record.entryLen}
			return false, nil
		}
		return true, nil
	})
	if err != nil {
		return err
	}

	if found != nil {
		block, err := fs.readDataBlock(dir, found.logical)
		if err != nil {
			return err
		}
		newRec := &dirRecord{inodeNum: childInode, fileType: fileType, name: name}
		if found.entryLen-required >= dirRecordHeaderSize {
			newRec.entryLen = required
			copy(block[found.offset:], newRec.encode())
			freeRec := &dirRecord{inodeNum: 0, entryLen: found.entryLen - required}
			copy(block[found.offset+required:], freeRec.encode())
		} else {
			newRec.entryLen = found.entryLen
			copy(block[found.offset:], newRec.encode())
		}
		return fs.writeDataBlock(dir, found.logical, block)
	}

	// No free slot anywhere: grow the directory by one block.
	newLogical := uint32(dir.size() / BlockSize)
	block := make([]byte, BlockSize)
	rec := &dirRecord{inodeNum: childInode, fileType: fileType, name: name, entryLen: required}
	copy(block, rec.encode())
	freeRec := &dirRecord{inodeNum: 0, entryLen: BlockSize - required}
	copy(block[required:], freeRec.encode())
	if err := fs.writeDataBlock(dir, newLogical, block); err != nil {
		return err
	}
	dir.setSize(dir.size() + BlockSize)
	return fs.writeInode(dir)
}

// removeDirEntry deletes the record named name from dir: absorbed into an
// in-block predecessor if one exists, otherwise zeroed in place as a
// reusable free slot. The backing block is never freed; directory
// shrinking is out of scope.
func (fs *FileSystem) removeDirEntry(dir *inode, name string) error {
	var target *dirCursor
	var predecessor *dirCursor
	err := fs.walkDir(dir, func(c dirCursor) (bool, error) {
		cc := c
		if !c.record.free() && c.record.name == name {
			target = &cc
			return false, nil
		}
		if target == nil {
			last := cc
			predecessor = &last
		}
		return true, nil
	})
	if err != nil {
		return err
	}
	if target == nil {
		return newErr("removeDirEntry", name, KindNotFound, fmt.Errorf("no such directory entry"))
	}

	block, err := fs.readDataBlock(dir, target.logical)
	if err != nil {
		return err
	}

	if predecessor != nil && predecessor.logical == target.logical {
		predLen := predecessor.record.entryLen + target.record.entryLen
		predecessor.record.entryLen = predLen
		copy(block[predecessor.offset:], predecessor.record.encode())
		return fs.writeDataBlock(dir, target.logical, block)
	}

	freeRec := &dirRecord{inodeNum: 0, entryLen: target.record.entryLen}
	copy(block[target.offset:], freeRec.encode())
	return fs.writeDataBlock(dir, target.logical, block)
}

// DirEntry is one name visible in a directory listing.
type DirEntry struct {
	Name     string
	InodeNum uint32
	FileType uint8
}

// readdir returns every non-free entry in dir, in stream order.
func (fs *FileSystem) readdir(dir *inode) ([]DirEntry, error) {
	var entries []DirEntry
	err := fs.walkDir(dir, func(c dirCursor) (bool, error) {
		if !c.record.free() {
			entries = append(entries, DirEntry{Name: c.record.name, InodeNum: c.record.inodeNum, FileType: c.record.fileType})
		}
		return true, nil
	})
	return entries, err
}

// dirIsEmpty reports whether dir contains only "." and "..".
func (fs *FileSystem) dirIsEmpty(dir *inode) (bool, error) {
	entries, err := fs.readdir(dir)
	if err != nil {
		return false, err
	}
	for _, e := range entries {
		if e.Name != "." && e.Name != ".." {
			return false, nil
		}
	}
	return true, nil
}

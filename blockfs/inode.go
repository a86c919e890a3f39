package blockfs

import (
	"encoding/binary"
	"fmt"
)

// Open flags, mode bits and directory-entry file-type tags, matching
// traditional POSIX values so callers can pass the constants they already
// know.
const (
	ORdOnly = 0
	OWrOnly = 1
	ORdWr   = 2
	OCreat  = 0o100
	OTrunc  = 0o1000

	SIfmt  = 0o170000
	SIfifo = 0o010000
	SIfchr = 0o020000
	SIfdir = 0o040000
	SIfblk = 0o060000
	SIfreg = 0o100000
	SIflnk = 0o120000
	SIfsock = 0o140000
)

// Directory-entry file_type tags (spec.md §6).
const (
	dirTypeUnknown = 0
	dirTypeRegular = 1
	dirTypeDir     = 2
	dirTypeSymlink = 7
)

func fileTypeTag(mode uint32) uint8 {
	switch mode & SIfmt {
	case SIfreg:
		return dirTypeRegular
	case SIfdir:
		return dirTypeDir
	case SIflnk:
		return dirTypeSymlink
	default:
		return dirTypeUnknown
	}
}

const extentRootSize = 48

// inode is the in-memory, unpacked form of the 88-byte on-disk inode
// record. extentRoot is kept as raw bytes exactly as stored — codec and
// semantics for the B+ tree rooted in it live in extent.go, which always
// treats it as precisely 48 bytes, never a truncated/padded 4096-byte node.
type inode struct {
	num        uint32
	mode       uint32
	uid        uint32
	sizeLo     uint32
	gid        uint32
	linksCount uint32
	sizeHigh   uint32
	atime      uint32
	ctime      uint32
	mtime      uint32
	flags      uint32
	extentRoot [extentRootSize]byte
}

func (in *inode) size() uint64 {
	return uint64(in.sizeHigh)<<32 | uint64(in.sizeLo)
}

func (in *inode) setSize(sz uint64) {
	in.sizeLo = uint32(sz)
	in.sizeHigh = uint32(sz >> 32)
}

func (in *inode) isDir() bool     { return in.mode&SIfmt == SIfdir }
func (in *inode) isRegular() bool { return in.mode&SIfmt == SIfreg }
func (in *inode) isSymlink() bool { return in.mode&SIfmt == SIflnk }

func (in *inode) toBytes() []byte {
	b := make([]byte, inodeSize)
	binary.LittleEndian.PutUint32(b[0:4], in.mode)
	binary.LittleEndian.PutUint32(b[4:8], in.uid)
	binary.LittleEndian.PutUint32(b[8:12], in.sizeLo)
	binary.LittleEndian.PutUint32(b[12:16], in.gid)
	binary.LittleEndian.PutUint32(b[16:20], in.linksCount)
	binary.LittleEndian.PutUint32(b[20:24], in.sizeHigh)
	binary.LittleEndian.PutUint32(b[24:28], in.atime)
	binary.LittleEndian.PutUint32(b[28:32], in.ctime)
	binary.LittleEndian.PutUint32(b[32:36], in.mtime)
	binary.LittleEndian.PutUint32(b[36:40], in.flags)
	copy(b[40:88], in.extentRoot[:])
	return b
}

func inodeFromBytes(num uint32, b []byte) (*inode, error) {
	if len(b) < inodeSize {
		return nil, corruptErr("readInode", "", fmt.Sprintf("inode %d record shorter than 88 bytes", num))
	}
	in := &inode{
		num:        num,
		mode:       binary.LittleEndian.Uint32(b[0:4]),
		uid:        binary.LittleEndian.Uint32(b[4:8]),
		sizeLo:     binary.LittleEndian.Uint32(b[8:12]),
		gid:        binary.LittleEndian.Uint32(b[12:16]),
		linksCount: binary.LittleEndian.Uint32(b[16:20]),
		sizeHigh:   binary.LittleEndian.Uint32(b[20:24]),
		atime:      binary.LittleEndian.Uint32(b[24:28]),
		ctime:      binary.LittleEndian.Uint32(b[28:32]),
		mtime:      binary.LittleEndian.Uint32(b[32:36]),
		flags:      binary.LittleEndian.Uint32(b[36:40]),
	}
	copy(in.extentRoot[:], b[40:88])
	return in, nil
}

// locateInode resolves an inode number to the group/index pair and the
// inode table byte offset within the image that holds its record.
func (fs *FileSystem) locateInode(num uint32) (group int, index uint64, offset int64, err error) {
	if num == 0 {
		return 0, 0, 0, newErr("locateInode", "", KindInvalid, fmt.Errorf("inode number 0 is invalid"))
	}
	group = int((uint64(num) - 1) / fs.sb.inodesPerGroup)
	index = (uint64(num) - 1) % fs.sb.inodesPerGroup
	if group >= len(fs.groups) {
		return 0, 0, 0, newErr("locateInode", "", KindInvalid, fmt.Errorf("inode %d is beyond filesystem bounds", num))
	}
	gd := fs.groups[group]
	offset = int64(gd.inodeTableBlock)*BlockSize + int64(index)*inodeSize
	return group, index, offset, nil
}

// readInode reads and unpacks the inode record for num.
func (fs *FileSystem) readInode(num uint32) (*inode, error) {
	_, _, offset, err := fs.locateInode(num)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, inodeSize)
	if _, err := fs.dev.ReadAt(buf, offset); err != nil {
		return nil, wrapIo("readInode", "", err)
	}
	return inodeFromBytes(num, buf)
}

// writeInode packs and persists in at its inode number's slot.
func (fs *FileSystem) writeInode(in *inode) error {
	_, _, offset, err := fs.locateInode(in.num)
	if err != nil {
		return err
	}
	if _, err := fs.dev.WriteAt(in.toBytes(), offset); err != nil {
		return wrapIo("writeInode", "", err)
	}
	return nil
}

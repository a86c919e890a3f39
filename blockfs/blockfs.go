package blockfs

import (
	"fmt"
	"io/fs"
	"time"

	"github.com/google/uuid"
	"github.com/kotazzz/goext4/internal/blockdevice"
	"github.com/sirupsen/logrus"
)

// FileSystem is the mounted, in-memory handle onto a block image: the
// superblock and group descriptors kept resident (they are small and
// rewritten on every allocator mutation anyway), plus the block device and
// open-file table backing every operation in this package.
type FileSystem struct {
	dev    *blockdevice.Device
	sb     *superblock
	groups []groupDescriptor

	files *fileTable

	id     string
	logger *logrus.Entry
}

// ID returns this mount's session correlation id, a fresh UUIDv4 minted by
// Mount/Format, attached to every log entry the session emits.
func (fs *FileSystem) ID() string { return fs.id }

// Mount opens an existing, already-formatted image and loads its
// superblock and group-descriptor table.
func Mount(path string) (*FileSystem, error) {
	dev, err := blockdevice.Open(path, BlockSize)
	if err != nil {
		return nil, newErr("Mount", path, KindIoError, err)
	}
	sbBuf := make([]byte, superblockSize)
	if _, err := dev.ReadAt(sbBuf, 0); err != nil {
		dev.Close()
		return nil, newErr("Mount", path, KindIoError, err)
	}
	sb, err := superblockFromBytes(sbBuf)
	if err != nil {
		dev.Close()
		return nil, err
	}
	groups := make([]groupDescriptor, sb.groupCount())
	for g := range groups {
		gdBuf := make([]byte, groupDescriptorSize)
		if _, err := dev.ReadAt(gdBuf, groupDescriptorOffset(g)); err != nil {
			dev.Close()
			return nil, newErr("Mount", path, KindIoError, err)
		}
		groups[g] = *groupDescriptorFromBytes(gdBuf)
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
	fsys.logger.Infof("mounted %s: %d groups, %d free blocks, %d free inodes", path, len(groups), sb.freeBlocksCount, sb.freeInodesCount)
	return fsys, nil
}

// Close flushes the underlying image and releases its file handle. It does
// not check for outstanding open descriptors; callers are expected to
// close them first.
func (fs *FileSystem) Close() error {
	if err := fs.dev.Flush(); err != nil {
		return newErr("Close", "", KindIoError, err)
	}
	fs.logger.Infof("unmounted")
	return fs.dev.Close()
}

func nowUnix() uint32 { return uint32(time.Now().Unix()) }

// allocateRegularFileInode writes a fresh, empty regular-file inode and
// returns its number.
func (fs *FileSystem) allocateRegularFileInode(mode uint32) (uint32, error) {
	num, err := fs.allocateInode()
	if err != nil {
		return 0, err
	}
	now := nowUnix()
	in := &inode{
		num:        num,
		mode:       SIfreg | (mode &^ SIfmt),
		linksCount: 1,
		atime:      now,
		ctime:      now,
		mtime:      now,
	}
	fs.writeRoot(in, emptyRoot())
	if err := fs.writeInode(in); err != nil {
		return 0, err
	}
	return num, nil
}

// Open resolves path, optionally creating a fresh regular file, and
// returns an Fd into this FileSystem's open-file table.
func (fs *FileSystem) Open(path string, flags int, mode uint32) (Fd, error) {
	num, err := fs.resolve(path, true, 0)
	if err != nil {
		if !Is(err, KindNotFound) || flags&OCreat == 0 {
			return 0, err
		}
		parentPath, name := splitParentChild(path)
		if name == "" {
			return 0, newErr("Open", path, KindInvalid, fmt.Errorf("empty file name"))
		}
		parentNum, perr := fs.resolve(parentPath, true, 0)
		if perr != nil {
			return 0, perr
		}
		parent, perr := fs.readInode(parentNum)
		if perr != nil {
			return 0, perr
		}
		if !parent.isDir() {
			return 0, newErr("Open", path, KindNotDirectory, fmt.Errorf("parent is not a directory"))
		}
		childNum, cerr := fs.allocateRegularFileInode(mode)
		if cerr != nil {
			return 0, cerr
		}
		if err := fs.addDirEntry(parent, name, childNum, dirTypeRegular); err != nil {
			return 0, err
		}
		num = childNum
	}

	in, err := fs.readInode(num)
	if err != nil {
		return 0, err
	}
	if !in.isRegular() {
		return 0, newErr("Open", path, KindIsDirectory, fmt.Errorf("not a regular file"))
	}
	if flags&OTrunc != 0 {
		if err := fs.freeSubtree(in); err != nil {
			return 0, err
		}
		in.setSize(0)
		in.mtime = nowUnix()
		if err := fs.writeInode(in); err != nil {
			return 0, err
		}
	}
	return fs.files.open(num, flags), nil
}

func (fs *FileSystem) lookupOpenFile(op string, fd Fd) (*openFile, error) {
	of, ok := fs.files.get(fd)
	if !ok {
		return nil, newErr(op, "", KindBadDescriptor, fmt.Errorf("fd %d is not open", fd))
	}
	return of, nil
}

// Read reads up to n bytes starting at off (or the descriptor's current
// offset if off is negative), clipped to the file's size.
func (fs *FileSystem) Read(fd Fd, n int, off int64) ([]byte, error) {
	of, err := fs.lookupOpenFile("Read", fd)
	if err != nil {
		return nil, err
	}
	if !of.readable() {
		return nil, newErr("Read", "", KindAccessDenied, fmt.Errorf("fd opened write-only"))
	}
	in, err := fs.readInode(of.inodeNum)
	if err != nil {
		return nil, err
	}
	start := of.offset
	advancing := off < 0
	if !advancing {
		start = uint64(off)
	}
	size := in.size()
	if start >= size {
		return []byte{}, nil
	}
	end := start + uint64(n)
	if end > size {
		end = size
	}
	out := make([]byte, 0, end-start)
	firstBlock := uint32(start / BlockSize)
	lastBlock := uint32((end - 1) / BlockSize)
	for l := firstBlock; l <= lastBlock; l++ {
		block, err := fs.readDataBlock(in, l)
		if err != nil {
			return nil, err
		}
		blockStart := uint64(l) * BlockSize
		lo := uint64(0)
		if blockStart < start {
			lo = start - blockStart
		}
		hi := uint64(BlockSize)
		if blockStart+hi > end {
			hi = end - blockStart
		}
		out = append(out, block[lo:hi]...)
	}
	if advancing {
		of.offset = end
	}
	return out, nil
}

// Write writes data starting at off (or the descriptor's current offset if
// off is negative), growing the file and its extent tree as needed.
func (fs *FileSystem) Write(fd Fd, data []byte, off int64) (int, error) {
	of, err := fs.lookupOpenFile("Write", fd)
	if err != nil {
		return 0, err
	}
	if !of.writable() {
		return 0, newErr("Write", "", KindAccessDenied, fmt.Errorf("fd opened read-only"))
	}
	in, err := fs.readInode(of.inodeNum)
	if err != nil {
		return 0, err
	}
	start := of.offset
	advancing := off < 0
	if !advancing {
		start = uint64(off)
	}
	end := start + uint64(len(data))
	firstBlock := uint32(start / BlockSize)
	var lastBlock uint32
	if len(data) > 0 {
		lastBlock = uint32((end - 1) / BlockSize)
	} else {
		lastBlock = firstBlock
	}
	written := 0
	for l := firstBlock; l <= lastBlock && len(data) > 0; l++ {
		blockStart := uint64(l) * BlockSize
		lo := uint64(0)
		if blockStart < start {
			lo = start - blockStart
		}
		hi := uint64(BlockSize)
		if blockStart+hi > end {
			hi = end - blockStart
		}
		var block []byte
		if lo == 0 && hi == BlockSize {
			block = make([]byte, BlockSize)
		} else {
			block, err = fs.readDataBlock(in, l)
			if err != nil {
				return written, err
			}
		}
		n := copy(block[lo:hi], data[written:])
		written += n
		if err := fs.writeDataBlock(in, l, block); err != nil {
			return written, err
		}
	}
	if end > in.size() {
		in.setSize(end)
	}
	in.mtime = nowUnix()
	if err := fs.writeInode(in); err != nil {
		return written, err
	}
	if advancing {
		of.offset = end
	}
	return written, nil
}

// reclaimIfOrphaned frees an inode's data and slot once both its link
// count and its open-descriptor reference count have dropped to zero.
func (fs *FileSystem) reclaimIfOrphaned(num uint32) error {
	in, err := fs.readInode(num)
	if err != nil {
		return err
	}
	if in.linksCount > 0 || fs.files.referenced(num) {
		return nil
	}
	// An inline symlink target occupies extent_root in place of an extent
	// tree, so there are no blocks to free.
	if !(in.isSymlink() && in.size() <= extentRootSize) {
		if err := fs.freeSubtree(in); err != nil {
			return err
		}
	}
	return fs.freeInode(num)
}

// CloseFile drops fd from the open-file table, reclaiming the underlying
// inode if this was the last descriptor on an already-unlinked
// (links_count==0) file.
func (fs *FileSystem) CloseFile(fd Fd) error {
	num, _, ok := fs.files.close(fd)
	if !ok {
		return newErr("Close", "", KindBadDescriptor, fmt.Errorf("fd %d is not open", fd))
	}
	return fs.reclaimIfOrphaned(num)
}

// Unlink removes path's directory entry and decrements its link count,
// reclaiming immediately if it reaches zero with no open descriptor, or
// deferring to the owning fd's eventual Close otherwise. Directories must
// be removed with Rmdir.
func (fs *FileSystem) Unlink(path string) error {
	parentPath, name := splitParentChild(path)
	parentNum, err := fs.resolve(parentPath, true, 0)
	if err != nil {
		return err
	}
	parent, err := fs.readInode(parentNum)
	if err != nil {
		return err
	}
	childNum, err := fs.lookupDir(parent, name)
	if err != nil {
		return err
	}
	if childNum == 0 {
		return newErr("Unlink", path, KindNotFound, fmt.Errorf("no such file or directory"))
	}
	child, err := fs.readInode(childNum)
	if err != nil {
		return err
	}
	if child.isDir() {
		return newErr("Unlink", path, KindIsDirectory, fmt.Errorf("use Rmdir to remove a directory"))
	}
	if err := fs.removeDirEntry(parent, name); err != nil {
		return err
	}
	if child.linksCount > 0 {
		child.linksCount--
	}
	if err := fs.writeInode(child); err != nil {
		return err
	}
	return fs.reclaimIfOrphaned(childNum)
}

// Mkdir creates a new, empty directory at path containing "." and "..".
func (fs *FileSystem) Mkdir(path string, mode uint32) error {
	parentPath, name := splitParentChild(path)
	if name == "" {
		return newErr("Mkdir", path, KindInvalid, fmt.Errorf("empty directory name"))
	}
	parentNum, err := fs.resolve(parentPath, true, 0)
	if err != nil {
		return err
	}
	parent, err := fs.readInode(parentNum)
	if err != nil {
		return err
	}
	if !parent.isDir() {
		return newErr("Mkdir", path, KindNotDirectory, fmt.Errorf("parent is not a directory"))
	}
	if existing, err := fs.lookupDir(parent, name); err != nil {
		return err
	} else if existing != 0 {
		return newErr("Mkdir", path, KindExists, fmt.Errorf("already exists"))
	}

	childNum, err := fs.allocateInode()
	if err != nil {
		return err
	}
	block, err := fs.allocateBlock()
	if err != nil {
		return err
	}
	now := nowUnix()
	child := &inode{
		num:        childNum,
		mode:       SIfdir | (mode &^ SIfmt),
		linksCount: 2,
		atime:      now,
		ctime:      now,
		mtime:      now,
	}
	fs.writeRoot(child, &extentNode{maxEntries: inlineMaxEntries, depth: 0, leaves: []leafEntry{{logicalBlock: 0, blockCount: 1, startBlock: block}}})
	child.setSize(BlockSize)

	data := make([]byte, BlockSize)
	dot := &dirRecord{inodeNum: childNum, fileType: dirTypeDir, name: ".", entryLen: align4(dirRecordHeaderSize + 1)}
	dotdot := &dirRecord{inodeNum: parentNum, fileType: dirTypeDir, name: "..", entryLen: BlockSize - dot.entryLen}
	copy(data, dot.encode())
	copy(data[dot.entryLen:], dotdot.encode())
	if err := fs.dev.WriteBlock(block, data); err != nil {
		return wrapIo("Mkdir", path, err)
	}
	if err := fs.writeInode(child); err != nil {
		return err
	}
	if err := fs.addDirEntry(parent, name, childNum, dirTypeDir); err != nil {
		return err
	}
	parent.linksCount++
	return fs.writeInode(parent)
}

// Rmdir removes an empty directory (one containing only "." and "..").
func (fs *FileSystem) Rmdir(path string) error {
	if len(splitPath(path)) == 0 {
		return newErr("Rmdir", path, KindAccessDenied, fmt.Errorf("cannot remove the root directory"))
	}
	parentPath, name := splitParentChild(path)
	parentNum, err := fs.resolve(parentPath, true, 0)
	if err != nil {
		return err
	}
	parent, err := fs.readInode(parentNum)
	if err != nil {
		return err
	}
	childNum, err := fs.lookupDir(parent, name)
	if err != nil {
		return err
	}
	if childNum == 0 {
		return newErr("Rmdir", path, KindNotFound, fmt.Errorf("no such file or directory"))
	}
	child, err := fs.readInode(childNum)
	if err != nil {
		return err
	}
	if !child.isDir() {
		return newErr("Rmdir", path, KindNotDirectory, fmt.Errorf("not a directory"))
	}
	empty, err := fs.dirIsEmpty(child)
	if err != nil {
		return err
	}
	if !empty {
		return newErr("Rmdir", path, KindNotEmpty, fmt.Errorf("directory not empty"))
	}
	if err := fs.removeDirEntry(parent, name); err != nil {
		return err
	}
	if err := fs.freeSubtree(child); err != nil {
		return err
	}
	if err := fs.freeInode(childNum); err != nil {
		return err
	}
	if parent.linksCount > 0 {
		parent.linksCount--
	}
	return fs.writeInode(parent)
}

// RemoveAll performs a post-order recursive removal of path: files via
// Unlink, directories via Rmdir, with the root of the call removed last.
// The name mirrors the standard library's os.RemoveAll for a Go caller's
// muscle memory; spec.md calls this rmdir_recursive.
func (fs *FileSystem) RemoveAll(path string) error {
	num, err := fs.resolve(path, false, 0)
	if err != nil {
		if Is(err, KindNotFound) {
			return nil
		}
		return err
	}
	in, err := fs.readInode(num)
	if err != nil {
		return err
	}
	if !in.isDir() {
		return fs.Unlink(path)
	}
	entries, err := fs.readdir(in)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.Name == "." || e.Name == ".." {
			continue
		}
		if err := fs.RemoveAll(path + "/" + e.Name); err != nil {
			return err
		}
	}
	return fs.Rmdir(path)
}

// Readdir returns the names visible in the directory at path, other than
// "." and "..", in on-disk iteration order.
func (fs *FileSystem) Readdir(path string) ([]string, error) {
	num, err := fs.resolve(path, true, 0)
	if err != nil {
		return nil, err
	}
	in, err := fs.readInode(num)
	if err != nil {
		return nil, err
	}
	if !in.isDir() {
		return nil, newErr("Readdir", path, KindNotDirectory, fmt.Errorf("not a directory"))
	}
	entries, err := fs.readdir(in)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Name == "." || e.Name == ".." {
			continue
		}
		names = append(names, e.Name)
	}
	return names, nil
}

// Link creates a new hard link at newPath pointing at target's inode.
func (fs *FileSystem) Link(target, newPath string) error {
	targetNum, err := fs.resolve(target, false, 0)
	if err != nil {
		return err
	}
	targetInode, err := fs.readInode(targetNum)
	if err != nil {
		return err
	}
	if targetInode.isDir() {
		return newErr("Link", target, KindIsDirectory, fmt.Errorf("cannot hard-link a directory"))
	}
	parentPath, name := splitParentChild(newPath)
	parentNum, err := fs.resolve(parentPath, true, 0)
	if err != nil {
		return err
	}
	parent, err := fs.readInode(parentNum)
	if err != nil {
		return err
	}
	if existing, err := fs.lookupDir(parent, name); err != nil {
		return err
	} else if existing != 0 {
		return newErr("Link", newPath, KindExists, fmt.Errorf("already exists"))
	}
	if err := fs.addDirEntry(parent, name, targetNum, fileTypeTag(targetInode.mode)); err != nil {
		return err
	}
	targetInode.linksCount++
	return fs.writeInode(targetInode)
}

// Symlink creates a symbolic link at newPath pointing at target.
func (fs *FileSystem) Symlink(target, newPath string) error {
	parentPath, name := splitParentChild(newPath)
	parentNum, err := fs.resolve(parentPath, true, 0)
	if err != nil {
		return err
	}
	parent, err := fs.readInode(parentNum)
	if err != nil {
		return err
	}
	if existing, err := fs.lookupDir(parent, name); err != nil {
		return err
	} else if existing != 0 {
		return newErr("Symlink", newPath, KindExists, fmt.Errorf("already exists"))
	}

	num, err := fs.allocateInode()
	if err != nil {
		return err
	}
	now := nowUnix()
	in := &inode{
		num:        num,
		mode:       SIflnk | 0o777,
		linksCount: 1,
		atime:      now,
		ctime:      now,
		mtime:      now,
	}
	in.setSize(uint64(len(target)))
	fs.writeRoot(in, emptyRoot())
	if len(target) <= extentRootSize {
		copy(in.extentRoot[:], target)
	} else {
		block, err := fs.allocateBlock()
		if err != nil {
			return err
		}
		buf := make([]byte, BlockSize)
		copy(buf, target)
		if err := fs.dev.WriteBlock(block, buf); err != nil {
			return wrapIo("Symlink", newPath, err)
		}
		fs.writeRoot(in, &extentNode{maxEntries: inlineMaxEntries, depth: 0, leaves: []leafEntry{{logicalBlock: 0, blockCount: 1, startBlock: block}}})
	}
	if err := fs.writeInode(in); err != nil {
		return err
	}
	return fs.addDirEntry(parent, name, num, dirTypeSymlink)
}

// ReadLink resolves path one level as a symlink and returns its target
// string, without walking the target itself.
func (fs *FileSystem) ReadLink(path string) (string, error) {
	num, err := fs.resolve(path, false, 0)
	if err != nil {
		return "", err
	}
	in, err := fs.readInode(num)
	if err != nil {
		return "", err
	}
	if !in.isSymlink() {
		return "", newErr("ReadLink", path, KindInvalid, fmt.Errorf("not a symbolic link"))
	}
	return fs.readSymlinkTarget(in)
}

// FileInfo is a structured view of a resolved inode, satisfying
// io/fs.FileInfo so this filesystem can be used anywhere that interface is
// expected.
type FileInfo struct {
	name       string
	inodeNum   uint32
	mode       uint32
	sizeBytes  uint64
	uid, gid   uint32
	atime      uint32
	mtime      uint32
	ctime      uint32
	linksCount uint32
}

func (fi *FileInfo) Name() string       { return fi.name }
func (fi *FileInfo) Size() int64        { return int64(fi.sizeBytes) }
func (fi *FileInfo) Mode() fs.FileMode  { return fs.FileMode(fi.mode & 0o777) | fi.dirBit() }
func (fi *FileInfo) ModTime() time.Time { return time.Unix(int64(fi.mtime), 0) }
func (fi *FileInfo) IsDir() bool        { return fi.mode&SIfmt == SIfdir }
func (fi *FileInfo) Sys() any           { return fi }

func (fi *FileInfo) dirBit() fs.FileMode {
	if fi.IsDir() {
		return fs.ModeDir
	}
	if fi.mode&SIfmt == SIflnk {
		return fs.ModeSymlink
	}
	return 0
}

func (fi *FileInfo) InodeNum() uint32   { return fi.inodeNum }
func (fi *FileInfo) Uid() uint32        { return fi.uid }
func (fi *FileInfo) Gid() uint32        { return fi.gid }
func (fi *FileInfo) Atime() uint32      { return fi.atime }
func (fi *FileInfo) Ctime() uint32      { return fi.ctime }
func (fi *FileInfo) LinksCount() uint32 { return fi.linksCount }

func (fs *FileSystem) statAt(path string, followLast bool) (*FileInfo, error) {
	num, err := fs.resolve(path, followLast, 0)
	if err != nil {
		return nil, err
	}
	in, err := fs.readInode(num)
	if err != nil {
		return nil, err
	}
	_, name := splitParentChild(path)
	if name == "" {
		name = "/"
	}
	return &FileInfo{
		name:       name,
		inodeNum:   num,
		mode:       in.mode,
		sizeBytes:  in.size(),
		uid:        in.uid,
		gid:        in.gid,
		atime:      in.atime,
		mtime:      in.mtime,
		ctime:      in.ctime,
		linksCount: in.linksCount,
	}, nil
}

// Stat resolves path, following a trailing symlink.
func (fs *FileSystem) Stat(path string) (*FileInfo, error) { return fs.statAt(path, true) }

// Lstat resolves path without following a trailing symlink.
func (fs *FileSystem) Lstat(path string) (*FileInfo, error) { return fs.statAt(path, false) }

// Truncate sets path's regular-file size. The extent tree has only one
// free primitive, free_subtree, so shrinking to a nonzero size (freeing
// some but not all blocks) is not supported; callers that want that must
// go through Open with O_TRUNC followed by writes, exactly as the
// underlying on-disk format does. Truncate to zero and truncate-up
// (growing a hole, matching Write's own size-extension behavior) are both
// supported directly.
func (fs *FileSystem) Truncate(path string, size uint64) error {
	num, err := fs.resolve(path, true, 0)
	if err != nil {
		return err
	}
	in, err := fs.readInode(num)
	if err != nil {
		return err
	}
	if !in.isRegular() {
		return newErr("Truncate", path, KindIsDirectory, fmt.Errorf("not a regular file"))
	}
	if size > 0 && size < in.size() {
		return newErr("Truncate", path, KindInvalid, fmt.Errorf("shrinking to a nonzero size is not supported; use O_TRUNC"))
	}
	if size == 0 && in.size() > 0 {
		if err := fs.freeSubtree(in); err != nil {
			return err
		}
	}
	in.setSize(size)
	in.mtime = nowUnix()
	return fs.writeInode(in)
}

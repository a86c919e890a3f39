package blockfs

import "sync"

// Fd identifies an open file within a single FileSystem's open-file table.
// It has no meaning across Mount/Close cycles or between FileSystem
// instances.
type Fd uint64

// openFile is one entry in the open-file table: an inode number plus the
// per-descriptor state (offset, access mode) a POSIX-style read/write pair
// needs.
type openFile struct {
	inodeNum uint32
	offset   uint64
	flags    int
}

func (of *openFile) readable() bool { return of.flags&ORdWr != 0 || of.flags&OWrOnly == 0 }
func (of *openFile) writable() bool { return of.flags&OWrOnly != 0 || of.flags&ORdWr != 0 }

// fileTable is the open-file table keyed by Fd, plus a per-inode reference
// count so close() can tell whether it was the last descriptor pointing at
// an unlinked inode (spec.md §4.7's deferred-reclamation rule).
type fileTable struct {
	mu       sync.Mutex
	next     Fd
	byFd     map[Fd]*openFile
	refCount map[uint32]int
}

func newFileTable() *fileTable {
	return &fileTable{
		// Starts at 3, mirroring POSIX's reservation of fd 0/1/2.
		next:     3,
		byFd:     make(map[Fd]*openFile),
		refCount: make(map[uint32]int),
	}
}

func (t *fileTable) open(inodeNum uint32, flags int) Fd {
	t.mu.Lock()
	defer t.mu.Unlock()
	fd := t.next
	t.next++
	t.byFd[fd] = &openFile{inodeNum: inodeNum, flags: flags}
	t.refCount[inodeNum]++
	return fd
}

func (t *fileTable) get(fd Fd) (*openFile, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	of, ok := t.byFd[fd]
	return of, ok
}

// close removes fd from the table and reports the inode it referenced and
// whether any other descriptor still references that inode.
func (t *fileTable) close(fd Fd) (inodeNum uint32, stillReferenced bool, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	of, ok := t.byFd[fd]
	if !ok {
		return 0, false, false
	}
	delete(t.byFd, fd)
	t.refCount[of.inodeNum]--
	remaining := t.refCount[of.inodeNum]
	if remaining <= 0 {
		delete(t.refCount, of.inodeNum)
	}
	return of.inodeNum, remaining > 0, true
}

// referenced reports whether any open descriptor currently points at
// inodeNum. Used by unlink to decide between immediate and deferred
// reclamation.
func (t *fileTable) referenced(inodeNum uint32) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.refCount[inodeNum] > 0
}

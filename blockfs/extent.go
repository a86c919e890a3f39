package blockfs

import (
	"encoding/binary"
	"fmt"
	"sort"
)

const (
	extentMagic = 0xF30A

	extentHeaderSize = 8
	extentEntrySize  = 12

	// inlineMaxEntries is imposed by the 48-byte extent_root envelope:
	// 8-byte header + 3*12 = 44 <= 48.
	inlineMaxEntries = 3

	// nodeMaxEntries is how many entries fit in a whole block: 8-byte
	// header + 340*12 = 4088 <= 4096, zero-padded to B.
	nodeMaxEntries = (BlockSize - extentHeaderSize) / extentEntrySize
)

// leafEntry describes one contiguous run of physical blocks covering
// logical range [LogicalBlock, LogicalBlock+BlockCount).
type leafEntry struct {
	logicalBlock uint32
	blockCount   uint16
	startBlock   uint64
}

func (e leafEntry) end() uint32 { return e.logicalBlock + uint32(e.blockCount) }

// indexEntry points at the child node responsible for logical blocks
// starting at LogicalBlock (up to the next sibling's key).
type indexEntry struct {
	logicalBlock uint32
	childBlock   uint64
}

// extentNode is the in-memory, unpacked form of either an inline root or a
// full-block extent-tree node. depth==0 nodes carry leaves; depth>0 nodes
// carry index entries. This mirrors the on-disk tagged-variant layout
// exactly rather than modeling leaf/index as separate Go types, since the
// tag (depth) and the storage slot are the same bytes either way.
type extentNode struct {
	maxEntries uint16
	depth      uint16
	leaves     []leafEntry
	indices    []indexEntry
}

func emptyRoot() *extentNode {
	return &extentNode{maxEntries: inlineMaxEntries, depth: 0}
}

func (n *extentNode) entriesCount() int {
	if n.depth == 0 {
		return len(n.leaves)
	}
	return len(n.indices)
}

func (n *extentNode) full() bool {
	return n.entriesCount() >= int(n.maxEntries)
}

// encode packs n into a buffer of exactly size bytes (48 for the inline
// root, BlockSize for an out-of-line node), zero-padded.
func (n *extentNode) encode(size int) []byte {
	b := make([]byte, size)
	binary.LittleEndian.PutUint16(b[0:2], extentMagic)
	binary.LittleEndian.PutUint16(b[2:4], uint16(n.entriesCount()))
	binary.LittleEndian.PutUint16(b[4:6], n.maxEntries)
	binary.LittleEndian.PutUint16(b[6:8], n.depth)
	off := extentHeaderSize
	if n.depth == 0 {
		for _, e := range n.leaves {
			binary.LittleEndian.PutUint32(b[off:off+4], e.logicalBlock)
			binary.LittleEndian.PutUint16(b[off+4:off+6], e.blockCount)
			binary.LittleEndian.PutUint16(b[off+6:off+8], uint16(e.startBlock>>32))
			binary.LittleEndian.PutUint32(b[off+8:off+12], uint32(e.startBlock))
			off += extentEntrySize
		}
	} else {
		for _, e := range n.indices {
			binary.LittleEndian.PutUint32(b[off:off+4], e.logicalBlock)
			binary.LittleEndian.PutUint64(b[off+4:off+12], e.childBlock)
			off += extentEntrySize
		}
	}
	return b
}

func decodeExtentNode(b []byte) (*extentNode, error) {
	if len(b) < extentHeaderSize {
		return nil, corruptErr("decodeExtentNode", "", "extent node shorter than 8-byte header")
	}
	magic := binary.LittleEndian.Uint16(b[0:2])
	if magic != extentMagic {
		return nil, corruptErr("decodeExtentNode", "", fmt.Sprintf("bad extent magic %#x", magic))
	}
	count := binary.LittleEndian.Uint16(b[2:4])
	n := &extentNode{
		maxEntries: binary.LittleEndian.Uint16(b[4:6]),
		depth:      binary.LittleEndian.Uint16(b[6:8]),
	}
	off := extentHeaderSize
	if int(count)*extentEntrySize+extentHeaderSize > len(b) {
		return nil, corruptErr("decodeExtentNode", "", "extent entry count overruns node")
	}
	if n.depth == 0 {
		n.leaves = make([]leafEntry, 0, count)
		for i := uint16(0); i < count; i++ {
			logical := binary.LittleEndian.Uint32(b[off : off+4])
			blockCount := binary.LittleEndian.Uint16(b[off+4 : off+6])
			hi := binary.LittleEndian.Uint16(b[off+6 : off+8])
			lo := binary.LittleEndian.Uint32(b[off+8 : off+12])
			n.leaves = append(n.leaves, leafEntry{
				logicalBlock: logical,
				blockCount:   blockCount,
				startBlock:   uint64(hi)<<32 | uint64(lo),
			})
			off += extentEntrySize
		}
	} else {
		n.indices = make([]indexEntry, 0, count)
		for i := uint16(0); i < count; i++ {
			logical := binary.LittleEndian.Uint32(b[off : off+4])
			child := binary.LittleEndian.Uint64(b[off+4 : off+12])
			n.indices = append(n.indices, indexEntry{logicalBlock: logical, childBlock: child})
			off += extentEntrySize
		}
	}
	return n, nil
}

func (fs *FileSystem) readRoot(in *inode) (*extentNode, error) {
	return decodeExtentNode(in.extentRoot[:])
}

func (fs *FileSystem) writeRoot(in *inode, n *extentNode) {
	copy(in.extentRoot[:], n.encode(extentRootSize))
}

func (fs *FileSystem) readNode(block uint64) (*extentNode, error) {
	b, err := fs.dev.ReadBlock(block)
	if err != nil {
		return nil, wrapIo("readNode", "", err)
	}
	return decodeExtentNode(b)
}

func (fs *FileSystem) writeNode(block uint64, n *extentNode) error {
	if err := fs.dev.WriteBlock(block, n.encode(BlockSize)); err != nil {
		return wrapIo("writeNode", "", err)
	}
	return nil
}

// findExtent resolves logical block L to the physical block that holds it,
// or ok==false if L falls in a hole.
func (fs *FileSystem) findExtent(in *inode, l uint32) (physical uint64, ok bool, err error) {
	root, err := fs.readRoot(in)
	if err != nil {
		return 0, false, err
	}
	node := root
	for node.depth > 0 {
		idx := lastIndexLE(node.indices, l)
		if idx < 0 {
			// Same choice as descendToLeaf: a key below every index entry
			// is stored in the first child.
			idx = 0
		}
		node, err = fs.readNode(node.indices[idx].childBlock)
		if err != nil {
			return 0, false, err
		}
	}
	for _, e := range node.leaves {
		if e.logicalBlock <= l && l < e.end() {
			return e.startBlock + uint64(l-e.logicalBlock), true, nil
		}
	}
	return 0, false, nil
}

// lastIndexLE returns the index of the entry with the largest logicalBlock
// <= l, or -1 if every entry's key exceeds l.
func lastIndexLE(entries []indexEntry, l uint32) int {
	i := sort.Search(len(entries), func(i int) bool { return entries[i].logicalBlock > l }) - 1
	return i
}

// descendToLeaf walks from the inline root to the leaf that would hold
// logical block L, recording each visited node alongside the physical
// block it lives in (0 for the inline root, which has no block of its
// own).
type pathStep struct {
	block uint64
	node  *extentNode
}

func (fs *FileSystem) descendToLeaf(in *inode, l uint32) ([]pathStep, error) {
	root, err := fs.readRoot(in)
	if err != nil {
		return nil, err
	}
	path := []pathStep{{block: 0, node: root}}
	node := root
	for node.depth > 0 {
		idx := lastIndexLE(node.indices, l)
		if idx < 0 {
			idx = 0
		}
		child := node.indices[idx].childBlock
		next, err := fs.readNode(child)
		if err != nil {
			return nil, err
		}
		path = append(path, pathStep{block: child, node: next})
		node = next
	}
	return path, nil
}

// insertExtent allocates a physical block for logical block L and wires it
// into in's extent tree, applying the coalescing fast path first, and
// returns the physical block that ended up backing L.
func (fs *FileSystem) insertExtent(in *inode, l uint32) (uint64, error) {
	if p, ok, err := fs.tryCoalesce(in, l); err != nil {
		return 0, err
	} else if ok {
		return p, nil
	}
	p, err := fs.allocateBlock()
	if err != nil {
		return 0, err
	}
	if err := fs.insertLeaf(in, leafEntry{logicalBlock: l, blockCount: 1, startBlock: p}); err != nil {
		return 0, err
	}
	return p, nil
}

// tryCoalesce implements the spec's only form of extent extension: if the
// immediately previous leaf (by logical_block order, across the whole
// tree) ends exactly at L, claim the physical block right after its run
// directly (via allocateBlockAt, not the general free-block scan) and grow
// the leaf in place instead of adding a new entry. Claiming, not merely
// allocating first and reclaiming second, is what lets this fire on the
// single free-block pool every real write draws from.
func (fs *FileSystem) tryCoalesce(in *inode, l uint32) (uint64, bool, error) {
	path, err := fs.descendToLeaf(in, l)
	if err != nil {
		return 0, false, err
	}
	leaf := path[len(path)-1]
	best := -1
	for i, e := range leaf.node.leaves {
		if e.end() == l {
			best = i
			break
		}
	}
	if best < 0 {
		return 0, false, nil
	}
	e := leaf.node.leaves[best]
	candidate := e.startBlock + uint64(e.blockCount)
	if err := fs.allocateBlockAt(candidate); err != nil {
		return 0, false, nil
	}
	leaf.node.leaves[best].blockCount++
	if err := fs.persistNode(in, path, len(path)-1); err != nil {
		return 0, false, err
	}
	return candidate, true, nil
}

func (fs *FileSystem) persistNode(in *inode, path []pathStep, i int) error {
	step := path[i]
	if step.block == 0 {
		fs.writeRoot(in, step.node)
		return nil
	}
	return fs.writeNode(step.block, step.node)
}

// insertLeaf places a new leaf entry, splitting leaves (and, recursively,
// their parents, up to and including the inline root) as needed.
func (fs *FileSystem) insertLeaf(in *inode, newLeaf leafEntry) error {
	path, err := fs.descendToLeaf(in, newLeaf.logicalBlock)
	if err != nil {
		return err
	}
	leafStep := path[len(path)-1]
	entries := append(append([]leafEntry{}, leafStep.node.leaves...), newLeaf)
	sort.Slice(entries, func(i, j int) bool { return entries[i].logicalBlock < entries[j].logicalBlock })

	if len(entries) <= int(leafStep.node.maxEntries) {
		leafStep.node.leaves = entries
		return fs.persistNode(in, path, len(path)-1)
	}

	mid := len(entries) / 2
	left := &extentNode{maxEntries: leafStep.node.maxEntries, depth: 0, leaves: entries[:mid]}
	rightEntries := entries[mid:]

	if len(path) == 1 {
		// Splitting the inline root itself: allocate two fresh blocks for
		// the split halves and replace the root with a depth+1 index node
		// of two entries pointing at them.
		return fs.splitInlineRoot(in, left, &extentNode{maxEntries: nodeMaxEntries, depth: 0, leaves: rightEntries})
	}

	rightBlock, err := fs.allocateBlock()
	if err != nil {
		return err
	}
	right := &extentNode{maxEntries: nodeMaxEntries, depth: 0, leaves: rightEntries}
	if err := fs.writeNode(rightBlock, right); err != nil {
		return err
	}
	leafStep.node.leaves = left.leaves
	if err := fs.persistNode(in, path, len(path)-1); err != nil {
		return err
	}
	newIndex := indexEntry{logicalBlock: rightEntries[0].logicalBlock, childBlock: rightBlock}
	return fs.insertIndex(in, path[:len(path)-1], newIndex)
}

// insertIndex places newIndex into the parent identified by the tail of
// path (path excludes the leaf level already handled by the caller),
// splitting index nodes up the tree, and splitting the inline root itself
// if the recursion reaches it full.
func (fs *FileSystem) insertIndex(in *inode, path []pathStep, newIndex indexEntry) error {
	parent := path[len(path)-1]
	entries := append(append([]indexEntry{}, parent.node.indices...), newIndex)
	sort.Slice(entries, func(i, j int) bool { return entries[i].logicalBlock < entries[j].logicalBlock })

	if len(entries) <= int(parent.node.maxEntries) {
		parent.node.indices = entries
		return fs.persistNode(in, path, len(path)-1)
	}

	mid := len(entries) / 2
	leftEntries := entries[:mid]
	rightEntries := entries[mid:]

	if len(path) == 1 {
		left := &extentNode{maxEntries: parent.node.maxEntries, depth: parent.node.depth, indices: leftEntries}
		right := &extentNode{maxEntries: nodeMaxEntries, depth: parent.node.depth, indices: rightEntries}
		return fs.splitInlineRoot(in, left, right)
	}

	rightBlock, err := fs.allocateBlock()
	if err != nil {
		return err
	}
	right := &extentNode{maxEntries: nodeMaxEntries, depth: parent.node.depth, indices: rightEntries}
	if err := fs.writeNode(rightBlock, right); err != nil {
		return err
	}
	parent.node.indices = leftEntries
	if err := fs.persistNode(in, path, len(path)-1); err != nil {
		return err
	}
	grandIndex := indexEntry{logicalBlock: rightEntries[0].logicalBlock, childBlock: rightBlock}
	return fs.insertIndex(in, path[:len(path)-1], grandIndex)
}

// splitInlineRoot handles the one case the spec calls out specially: the
// 48-byte inline root itself overflowing. Both halves go to fresh
// out-of-line blocks; the root becomes a depth+1 index node of exactly two
// entries.
func (fs *FileSystem) splitInlineRoot(in *inode, left, right *extentNode) error {
	leftBlock, err := fs.allocateBlock()
	if err != nil {
		return err
	}
	rightBlock, err := fs.allocateBlock()
	if err != nil {
		return err
	}
	if err := fs.writeNode(leftBlock, left); err != nil {
		return err
	}
	if err := fs.writeNode(rightBlock, right); err != nil {
		return err
	}
	var leftKey uint32
	if left.depth == 0 {
		leftKey = left.leaves[0].logicalBlock
	} else {
		leftKey = left.indices[0].logicalBlock
	}
	var rightKey uint32
	if right.depth == 0 {
		rightKey = right.leaves[0].logicalBlock
	} else {
		rightKey = right.indices[0].logicalBlock
	}
	newRoot := &extentNode{
		maxEntries: inlineMaxEntries,
		depth:      left.depth + 1,
		indices: []indexEntry{
			{logicalBlock: leftKey, childBlock: leftBlock},
			{logicalBlock: rightKey, childBlock: rightBlock},
		},
	}
	fs.writeRoot(in, newRoot)
	return nil
}

// freeSubtree walks the whole extent tree rooted in in, post-order,
// freeing every physical block it references (both data blocks covered by
// leaves and the out-of-line node blocks themselves), then resets the
// inline root to an empty leaf node.
func (fs *FileSystem) freeSubtree(in *inode) error {
	root, err := fs.readRoot(in)
	if err != nil {
		return err
	}
	if err := fs.freeSubtreeNode(root); err != nil {
		return err
	}
	fs.writeRoot(in, emptyRoot())
	return nil
}

func (fs *FileSystem) freeSubtreeNode(n *extentNode) error {
	if n.depth == 0 {
		for _, e := range n.leaves {
			for b := e.startBlock; b < e.startBlock+uint64(e.blockCount); b++ {
				if err := fs.freeBlock(b); err != nil {
					return err
				}
			}
		}
		return nil
	}
	for _, e := range n.indices {
		child, err := fs.readNode(e.childBlock)
		if err != nil {
			return err
		}
		if err := fs.freeSubtreeNode(child); err != nil {
			return err
		}
		if err := fs.freeBlock(e.childBlock); err != nil {
			return err
		}
	}
	return nil
}

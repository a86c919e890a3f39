package blockfs

// This file holds the data-stream helpers shared by the directory layer
// and the regular-file read/write path: both walk an inode's logical
// blocks through the same extent tree, they just interpret the bytes
// differently.

// readDataBlock returns the contents of in's logical block l. A hole (no
// extent covers l) reads as a block of zeros, matching "holes... read as
// zeros" in the extent-tree invariants.
func (fs *FileSystem) readDataBlock(in *inode, l uint32) ([]byte, error) {
	p, ok, err := fs.findExtent(in, l)
	if err != nil {
		return nil, err
	}
	if !ok {
		return make([]byte, BlockSize), nil
	}
	b, err := fs.dev.ReadBlock(p)
	if err != nil {
		return nil, wrapIo("readDataBlock", "", err)
	}
	return b, nil
}

// ensureDataBlock returns the physical block backing in's logical block l,
// allocating and wiring a fresh block into the extent tree (via the
// coalescing insert path) if l is currently a hole.
func (fs *FileSystem) ensureDataBlock(in *inode, l uint32) (uint64, error) {
	p, ok, err := fs.findExtent(in, l)
	if err != nil {
		return 0, err
	}
	if ok {
		return p, nil
	}
	return fs.insertExtent(in, l)
}

// writeDataBlock writes a full block's worth of data to in's logical block
// l, allocating it first if necessary.
func (fs *FileSystem) writeDataBlock(in *inode, l uint32, data []byte) error {
	p, err := fs.ensureDataBlock(in, l)
	if err != nil {
		return err
	}
	if err := fs.dev.WriteBlock(p, data); err != nil {
		return wrapIo("writeDataBlock", "", err)
	}
	return nil
}

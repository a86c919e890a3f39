package blockfs

import (
	"fmt"
	"strings"
)

const maxSymlinkDepth = 16

// splitPath tokenizes p on "/", dropping empty components and ".", and
// resolving ".." by popping the running component stack (a leading ".."
// past the root is simply dropped, since root has no parent to escape to).
func splitPath(p string) []string {
	var stack []string
	for _, tok := range strings.Split(p, "/") {
		switch tok {
		case "", ".":
			continue
		case "..":
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		default:
			stack = append(stack, tok)
		}
	}
	return stack
}

// resolve walks p from the root, returning the inode number of the final
// component. followLast controls whether a symlink at the very last
// component is itself followed (false is what callers like lstat/readlink
// want; true is the default for everything else).
func (fs *FileSystem) resolve(p string, followLast bool, depth int) (uint32, error) {
	if depth > maxSymlinkDepth {
		return 0, newErr("resolve", p, KindTooManyLinks, fmt.Errorf("too many levels of symbolic links"))
	}
	components := splitPath(p)
	current := uint32(rootInodeNum)
	for i, c := range components {
		in, err := fs.readInode(current)
		if err != nil {
			return 0, err
		}
		if !in.isDir() {
			return 0, newErr("resolve", p, KindNotDirectory, fmt.Errorf("%q is not a directory", c))
		}
		child, err := fs.lookupDir(in, c)
		if err != nil {
			return 0, err
		}
		if child == 0 {
			return 0, newErr("resolve", p, KindNotFound, fmt.Errorf("no such file or directory: %q", c))
		}
		isLast := i == len(components)-1
		childInode, err := fs.readInode(child)
		if err != nil {
			return 0, err
		}
		if childInode.isSymlink() && (followLast || !isLast) {
			target, err := fs.readSymlinkTarget(childInode)
			if err != nil {
				return 0, err
			}
			resolvedTarget := target
			if !strings.HasPrefix(target, "/") {
				// A relative symlink target is resolved from its
				// containing directory, not from the root: splice the
				// remaining path components back in place of it.
				resolvedTarget = strings.Join(components[:i], "/") + "/" + target
			}
			remaining := components[i+1:]
			fullPath := resolvedTarget
			if len(remaining) > 0 {
				fullPath = resolvedTarget + "/" + strings.Join(remaining, "/")
			}
			return fs.resolve(fullPath, followLast, depth+1)
		}
		current = child
	}
	return current, nil
}

// readSymlinkTarget recovers the stored target path of a symlink inode: if
// the target is short enough (<=48 bytes) and the extent tree was never
// used, it is the first size bytes of extent_root; otherwise it is an
// ordinary data stream.
func (fs *FileSystem) readSymlinkTarget(in *inode) (string, error) {
	size := in.size()
	if size <= extentRootSize {
		// An inline target overwrites the extent header, so a root that
		// does not decode is the inline case as well.
		if root, err := fs.readRoot(in); err != nil || root.entriesCount() == 0 {
			return string(in.extentRoot[:size]), nil
		}
	}
	var b strings.Builder
	remaining := size
	for l := uint32(0); uint64(l)*BlockSize < size; l++ {
		block, err := fs.readDataBlock(in, l)
		if err != nil {
			return "", err
		}
		n := uint64(BlockSize)
		if remaining < n {
			n = remaining
		}
		b.Write(block[:n])
		remaining -= n
	}
	return b.String(), nil
}

// splitParentChild splits a resolve-able path into its parent directory
// path and the final component's name, e.g. "/a/b/c" -> ("/a/b", "c").
func splitParentChild(p string) (parent, child string) {
	components := splitPath(p)
	if len(components) == 0 {
		return "/", ""
	}
	child = components[len(components)-1]
	parent = "/" + strings.Join(components[:len(components)-1], "/")
	return parent, child
}

package ext2

import (
	"encoding/binary"
	"fmt"
)

// pointersPerBlock returns how many 4-byte block pointers fit in one
// indirect block.
func (v *Volume) pointersPerBlock() uint32 {
	return v.BlockSize() / 4
}

func (v *Volume) readPointerBlock(blockNo uint32) ([]uint32, error) {
	buf, err := v.ReadBlock(blockNo)
	if err != nil {
		return nil, err
	}
	ptrs := make([]uint32, len(buf)/4)
	for i := range ptrs {
		ptrs[i] = binary.LittleEndian.Uint32(buf[4*i : 4*i+4])
	}
	return ptrs, nil
}

func (v *Volume) writePointerBlock(blockNo uint32, ptrs []uint32) error {
	buf := make([]byte, len(ptrs)*4)
	for i, p := range ptrs {
		binary.LittleEndian.PutUint32(buf[4*i:4*i+4], p)
	}
	return v.WriteBlock(blockNo, buf)
}

func (v *Volume) inodeHintGroup(ino *inode) int {
	if ino.number == 0 {
		return 0
	}
	return int((ino.number - 1) / v.sb.inodesPerGroup)
}

// blockPath decomposes a logical block index into its indirection level
// (0 = direct, 1/2/3 = single/double/triple indirect) and the chain of
// within-block indices to follow to reach it.
func (v *Volume) blockPath(logicalIndex uint32) (level int, path []uint32, err error) {
	p := v.pointersPerBlock()
	switch {
	case logicalIndex < directPointers:
		return 0, []uint32{logicalIndex}, nil
	case logicalIndex < directPointers+p:
		return 1, []uint32{logicalIndex - directPointers}, nil
	case logicalIndex < directPointers+p+p*p:
		rem := logicalIndex - directPointers - p
		return 2, []uint32{rem / p, rem % p}, nil
	case logicalIndex < directPointers+p+p*p+p*p*p:
		rem := logicalIndex - directPointers - p - p*p
		return 3, []uint32{rem / (p * p), (rem % (p * p)) / p, rem % p}, nil
	default:
		return 0, nil, fmt.Errorf("%w: logical block %d exceeds maximum ext2 file size", ErrInvalidArg, logicalIndex)
	}
}

func rootIndexForLevel(level int) int {
	switch level {
	case 1:
		return indirectIndex
	case 2:
		return doubleIndirectIndex
	case 3:
		return tripleIndirectIndex
	default:
		return -1
	}
}

// BlockFor translates an inode-relative logical block index to a device
// block number. A zero leaf pointer with allocate=false is a hole and
// returns (0, nil); callers zero-fill the read buffer in that case. With
// allocate=true, every zero pointer along the path is allocated and
// linked in; newly allocated indirect blocks are zeroed, the data block
// returned at the end of the path is not.
func (v *Volume) BlockFor(ci *CachedInode, logicalIndex uint32, allocate bool) (uint32, error) {
	ino := ci.body
	level, path, err := v.blockPath(logicalIndex)
	if err != nil {
		return 0, err
	}

	if level == 0 {
		idx := path[0]
		ptr := ino.block[idx]
		if ptr == 0 && allocate {
			nb, err := v.AllocBlock(v.inodeHintGroup(ino))
			if err != nil {
				return 0, err
			}
			ino.block[idx] = nb
			ino.incBlockUsed(v.BlockSize())
			v.cache.markDirty(ci)
			return nb, nil
		}
		return ptr, nil
	}

	rootIdx := rootIndexForLevel(level)
	current := ino.block[rootIdx]
	if current == 0 {
		if !allocate {
			return 0, nil
		}
		nb, err := v.AllocBlock(v.inodeHintGroup(ino))
		if err != nil {
			return 0, err
		}
		if err := v.WriteBlock(nb, v.zeroedBlock()); err != nil {
			return 0, err
		}
		ino.block[rootIdx] = nb
		ino.incBlockUsed(v.BlockSize())
		v.cache.markDirty(ci)
		current = nb
	}

	for depth := 0; depth < len(path); depth++ {
		ptrs, err := v.readPointerBlock(current)
		if err != nil {
			return 0, err
		}
		idx := path[depth]
		child := ptrs[idx]
		last := depth == len(path)-1
		if child == 0 {
			if !allocate {
				return 0, nil
			}
			nb, err := v.AllocBlock(v.inodeHintGroup(ino))
			if err != nil {
				return 0, err
			}
			if !last {
				if err := v.WriteBlock(nb, v.zeroedBlock()); err != nil {
					return 0, err
				}
			}
			ptrs[idx] = nb
			if err := v.writePointerBlock(current, ptrs); err != nil {
				return 0, err
			}
			ino.incBlockUsed(v.BlockSize())
			v.cache.markDirty(ci)
			child = nb
		}
		if last {
			return child, nil
		}
		current = child
	}
	return current, nil
}

// clearBlockPointer zeroes out the on-disk pointer slot that referenced
// logicalIndex, without freeing anything else along the path. Used by
// TruncateTo after the target block itself has already been freed.
func (v *Volume) clearBlockPointer(ci *CachedInode, logicalIndex uint32) error {
	ino := ci.body
	level, path, err := v.blockPath(logicalIndex)
	if err != nil {
		return err
	}
	if level == 0 {
		ino.block[path[0]] = 0
		v.cache.markDirty(ci)
		return nil
	}
	rootIdx := rootIndexForLevel(level)
	current := ino.block[rootIdx]
	if current == 0 {
		return nil
	}
	for depth := 0; depth < len(path)-1; depth++ {
		ptrs, err := v.readPointerBlock(current)
		if err != nil {
			return err
		}
		next := ptrs[path[depth]]
		if next == 0 {
			return nil
		}
		current = next
	}
	ptrs, err := v.readPointerBlock(current)
	if err != nil {
		return err
	}
	ptrs[path[len(path)-1]] = 0
	return v.writePointerBlock(current, ptrs)
}

// freeIndirectTreeIfEmpty frees rootIdx's indirect block (and, for
// double/triple trees, any now-empty children) when every pointer in it
// reads zero. Called top-down from TruncateTo once the leaf blocks for a
// given indirection level are all freed.
func (v *Volume) freeIndirectTreeIfEmpty(ci *CachedInode, rootIdx int, depth int) error {
	ino := ci.body
	root := ino.block[rootIdx]
	if root == 0 {
		return nil
	}
	empty, err := v.freeSubtreeIfEmpty(root, depth)
	if err != nil {
		return err
	}
	if empty {
		if err := v.FreeBlock(root); err != nil {
			return err
		}
		ino.decBlockUsed(v.BlockSize())
		ino.block[rootIdx] = 0
		v.cache.markDirty(ci)
	}
	return nil
}

// freeSubtreeIfEmpty recursively frees all-zero children of the indirect
// block at blockNo, reporting whether blockNo's own pointer table is now
// entirely zero (and therefore also reclaimable by the caller).
func (v *Volume) freeSubtreeIfEmpty(blockNo uint32, depth int) (bool, error) {
	ptrs, err := v.readPointerBlock(blockNo)
	if err != nil {
		return false, err
	}
	changed := false
	allZero := true
	for i, p := range ptrs {
		if p == 0 {
			continue
		}
		if depth > 1 {
			childEmpty, err := v.freeSubtreeIfEmpty(p, depth-1)
			if err != nil {
				return false, err
			}
			if childEmpty {
				if err := v.FreeBlock(p); err != nil {
					return false, err
				}
				ptrs[i] = 0
				changed = true
				continue
			}
		}
		allZero = false
	}
	if changed {
		if err := v.writePointerBlock(blockNo, ptrs); err != nil {
			return false, err
		}
	}
	return allZero, nil
}

// TruncateTo shrinks an inode's allocation to newSize bytes, freeing
// every leaf block beyond ceil(newSize/blockSize) and then any indirect
// block whose subtree became empty. Growing a file
// (newSize >= current size) is a no-op here; sparse growth is handled at
// the point of write, which this driver's core does not implement.
func (v *Volume) TruncateTo(ci *CachedInode, newSize uint64) error {
	ino := ci.body
	largeFile := v.largeFile()
	oldSize := ino.size(largeFile)
	if newSize >= oldSize {
		return nil
	}
	bs := uint64(v.BlockSize())
	oldBlocks := (oldSize + bs - 1) / bs
	newBlocks := (newSize + bs - 1) / bs
	p := uint64(v.pointersPerBlock())

	for idx := oldBlocks; idx > newBlocks; idx-- {
		logical := uint32(idx - 1)
		phys, err := v.BlockFor(ci, logical, false)
		if err != nil {
			return err
		}
		if phys == 0 {
			continue
		}
		if err := v.FreeBlock(phys); err != nil {
			return err
		}
		ino.decBlockUsed(v.BlockSize())
		if err := v.clearBlockPointer(ci, logical); err != nil {
			return err
		}
	}

	if newBlocks <= directPointers {
		if err := v.freeIndirectTreeIfEmpty(ci, indirectIndex, 1); err != nil {
			return err
		}
	}
	if newBlocks <= directPointers+p {
		if err := v.freeIndirectTreeIfEmpty(ci, doubleIndirectIndex, 2); err != nil {
			return err
		}
	}
	if newBlocks <= directPointers+p+p*p {
		if err := v.freeIndirectTreeIfEmpty(ci, tripleIndirectIndex, 3); err != nil {
			return err
		}
	}

	ino.setSize(newSize, largeFile)
	v.cache.markDirty(ci)
	return nil
}

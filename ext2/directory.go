package ext2

// directoryBlockCount returns how many blocks back a directory inode; a
// directory's size is always a whole multiple of the block size.
func (v *Volume) directoryBlockCount(ci *CachedInode) uint32 {
	return ci.body.sizeLow / v.BlockSize()
}

func (v *Volume) readDirBlock(ci *CachedInode, blockIndex uint32) ([]byte, uint32, error) {
	phys, err := v.BlockFor(ci, blockIndex, false)
	if err != nil {
		return nil, 0, err
	}
	if phys == 0 {
		return v.zeroedBlock(), 0, nil
	}
	buf, err := v.ReadBlock(phys)
	return buf, phys, err
}

// Lookup walks dirCi's blocks looking for name, comparing by length then
// bytes. Returns the matching entry's inode number and true, or (0,
// false) if absent.
func (v *Volume) Lookup(dirCi *CachedInode, name string) (uint32, bool, error) {
	if !dirCi.body.isDir() {
		return 0, false, ErrNotDir
	}
	blocks := v.directoryBlockCount(dirCi)
	for b := uint32(0); b < blocks; b++ {
		data, _, err := v.readDirBlock(dirCi, b)
		if err != nil {
			return 0, false, err
		}
		entries, err := parseDirentsInBlock(data)
		if err != nil {
			return 0, false, err
		}
		for _, e := range entries {
			if e.inode == 0 || int(e.nameLen) != len(name) {
				continue
			}
			if e.name == name {
				return e.inode, true, nil
			}
		}
	}
	return 0, false, nil
}

// AddEntry inserts a name -> childInodeNo record into dirCi, splitting
// trailing slack in an existing record when there's room, or appending a
// fresh directory block otherwise.
func (v *Volume) AddEntry(dirCi *CachedInode, name string, childInodeNo uint32, childKind Kind) error {
	if !dirCi.body.isDir() {
		return ErrNotDir
	}
	if len(name) == 0 {
		return ErrInvalidArg
	}
	if len(name) > maxNameLen {
		return ErrNameTooLong
	}
	if _, found, err := v.Lookup(dirCi, name); err != nil {
		return err
	} else if found {
		return ErrExists
	}

	needed := direntLen(len(name))
	blocks := v.directoryBlockCount(dirCi)

	for b := uint32(0); b < blocks; b++ {
		data, phys, err := v.readDirBlock(dirCi, b)
		if err != nil {
			return err
		}
		entries, err := parseDirentsInBlock(data)
		if err != nil {
			return err
		}
		for _, e := range entries {
			used := direntLen(int(e.nameLen))
			if e.inode == 0 {
				used = 0
			}
			slack := e.recLen - used
			if slack < needed {
				continue
			}
			newEntry := dirent{
				inode:       childInodeNo,
				recLen:      e.recLen - used,
				nameLen:     uint8(len(name)),
				fileType:    dirFileTypeFor(fileType(childKind)),
				name:        name,
				blockOffset: e.blockOffset + used,
			}
			if e.inode != 0 {
				e.recLen = used
				if err := writeDirentAt(data, e); err != nil {
					return err
				}
			}
			if err := writeDirentAt(data, newEntry); err != nil {
				return err
			}
			return v.WriteBlock(phys, data)
		}
	}

	// No room in any existing block: allocate a fresh one.
	newBlockIndex := blocks
	phys, err := v.BlockFor(dirCi, newBlockIndex, true)
	if err != nil {
		return err
	}
	data := v.zeroedBlock()
	entry := dirent{
		inode:       childInodeNo,
		recLen:      uint16(v.BlockSize()),
		nameLen:     uint8(len(name)),
		fileType:    dirFileTypeFor(fileType(childKind)),
		name:        name,
		blockOffset: 0,
	}
	if err := writeDirentAt(data, entry); err != nil {
		return err
	}
	if err := v.WriteBlock(phys, data); err != nil {
		return err
	}
	dirCi.body.sizeLow += v.BlockSize()
	v.cache.markDirty(dirCi)
	return nil
}

// RemoveEntry deletes the record named name from dirCi. If it is the
// first record in its block its inode field is zeroed in place;
// otherwise the previous record's rec_len is extended to swallow it. The
// freed inode number is returned; RemoveEntry does not touch the target
// inode itself.
func (v *Volume) RemoveEntry(dirCi *CachedInode, name string) (uint32, error) {
	if !dirCi.body.isDir() {
		return 0, ErrNotDir
	}
	blocks := v.directoryBlockCount(dirCi)
	for b := uint32(0); b < blocks; b++ {
		data, phys, err := v.readDirBlock(dirCi, b)
		if err != nil {
			return 0, err
		}
		entries, err := parseDirentsInBlock(data)
		if err != nil {
			return 0, err
		}
		for i, e := range entries {
			if e.inode == 0 || e.name != name {
				continue
			}
			removed := e.inode
			if i == 0 {
				e.inode = 0
				if err := writeDirentAt(data, e); err != nil {
					return 0, err
				}
			} else {
				prev := entries[i-1]
				prev.recLen += e.recLen
				if err := writeDirentAt(data, prev); err != nil {
					return 0, err
				}
			}
			if err := v.WriteBlock(phys, data); err != nil {
				return 0, err
			}
			return removed, nil
		}
	}
	return 0, ErrNotFound
}

// RedirEntry rewrites name's inode field in place without touching its
// rec_len. Rename uses it to repoint a moved directory's ".." entry at
// its new parent.
func (v *Volume) RedirEntry(dirCi *CachedInode, name string, newInodeNo uint32, newKind Kind) error {
	if !dirCi.body.isDir() {
		return ErrNotDir
	}
	blocks := v.directoryBlockCount(dirCi)
	for b := uint32(0); b < blocks; b++ {
		data, phys, err := v.readDirBlock(dirCi, b)
		if err != nil {
			return err
		}
		entries, err := parseDirentsInBlock(data)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if e.inode == 0 || e.name != name {
				continue
			}
			e.inode = newInodeNo
			e.fileType = dirFileTypeFor(fileType(newKind))
			if err := writeDirentAt(data, e); err != nil {
				return err
			}
			return v.WriteBlock(phys, data)
		}
	}
	return ErrNotFound
}

// IsEmpty reports whether every live record in dirCi is "." or "..".
func (v *Volume) IsEmpty(dirCi *CachedInode) (bool, error) {
	if !dirCi.body.isDir() {
		return false, ErrNotDir
	}
	blocks := v.directoryBlockCount(dirCi)
	for b := uint32(0); b < blocks; b++ {
		data, _, err := v.readDirBlock(dirCi, b)
		if err != nil {
			return false, err
		}
		entries, err := parseDirentsInBlock(data)
		if err != nil {
			return false, err
		}
		for _, e := range entries {
			if e.inode == 0 {
				continue
			}
			if e.name != "." && e.name != ".." {
				return false, nil
			}
		}
	}
	return true, nil
}

// EntryAt reads the single directory record starting exactly at byte
// offset within dirCi's data, for use by a readdir cursor that advances
// by rec_len. inode == 0 means a skipped (deleted) record; callers should
// advance by recLen and try again rather than treating it as an error.
func (v *Volume) EntryAt(dirCi *CachedInode, offset uint64) (name string, inodeNo uint32, recLen uint16, err error) {
	if !dirCi.body.isDir() {
		return "", 0, 0, ErrNotDir
	}
	bs := uint64(v.BlockSize())
	blockIndex := uint32(offset / bs)
	inBlock := uint32(offset % bs)

	data, _, err := v.readDirBlock(dirCi, blockIndex)
	if err != nil {
		return "", 0, 0, err
	}
	entries, err := parseDirentsInBlock(data)
	if err != nil {
		return "", 0, 0, err
	}
	for _, e := range entries {
		if uint32(e.blockOffset) == inBlock {
			return e.name, e.inode, e.recLen, nil
		}
	}
	return "", 0, 0, ErrInvalidArg
}

// CreateEmpty initializes a freshly allocated directory inode: one block
// holding "." (self) and ".." (parent), links_count = 2, size =
// block_size.
func (v *Volume) CreateEmpty(dirCi *CachedInode, selfNo, parentNo uint32, mode uint16, uid, gid uint32) error {
	ino := dirCi.body
	ino.mode = uint16(typeDir) | (mode & modePermMask)
	ino.setUID(uid)
	ino.setGID(gid)
	ino.linksCount = 2

	phys, err := v.BlockFor(dirCi, 0, true)
	if err != nil {
		return err
	}
	data := v.zeroedBlock()

	dotLen := direntLen(1)
	dot := dirent{inode: selfNo, recLen: dotLen, nameLen: 1, fileType: dirTypeDir, name: ".", blockOffset: 0}
	if err := writeDirentAt(data, dot); err != nil {
		return err
	}
	dotdot := dirent{
		inode:       parentNo,
		recLen:      uint16(v.BlockSize()) - dotLen,
		nameLen:     2,
		fileType:    dirTypeDir,
		name:        "..",
		blockOffset: dotLen,
	}
	if err := writeDirentAt(data, dotdot); err != nil {
		return err
	}
	if err := v.WriteBlock(phys, data); err != nil {
		return err
	}

	ino.sizeLow = v.BlockSize()
	v.cache.markDirty(dirCi)
	return nil
}

package ext2

// ReadLink returns a symlink inode's target path, resolving it whether
// the target was packed inline into the inode's block array or stored in
// a regular data block.
func (v *Volume) ReadLink(ci *CachedInode) (string, error) {
	ino := ci.body
	if !ino.isSymlink() {
		return "", ErrInvalidArg
	}
	if ino.inlineLinkValid {
		return ino.inlineLinkTarget, nil
	}
	phys, err := v.BlockFor(ci, 0, false)
	if err != nil {
		return "", err
	}
	if phys == 0 {
		return "", nil
	}
	buf, err := v.ReadBlock(phys)
	if err != nil {
		return "", err
	}
	n := ino.sizeLow
	if int(n) > len(buf) {
		n = uint32(len(buf))
	}
	return string(buf[:n]), nil
}

// WriteLink stores target as ci's symlink body, using the inline fast-
// symlink encoding when it fits in the inode's block array and a regular
// data block otherwise.
func (v *Volume) WriteLink(ci *CachedInode, target string) error {
	ino := ci.body
	ino.setKind(typeSymlink)
	if ino.packInlineLink(target) {
		v.cache.markDirty(ci)
		return nil
	}
	phys, err := v.BlockFor(ci, 0, true)
	if err != nil {
		return err
	}
	buf := v.zeroedBlock()
	copy(buf, target)
	if err := v.WriteBlock(phys, buf); err != nil {
		return err
	}
	ino.sizeLow = uint32(len(target))
	v.cache.markDirty(ci)
	return nil
}

package driver

import (
	"errors"
	"io"
	"time"

	"github.com/go-ext2/ext2fs/ext2"
)

// OpenFlags mirrors the POSIX open(2) flag bits this driver understands.
type OpenFlags uint32

const (
	ORDONLY OpenFlags = 0
	OWRONLY OpenFlags = 1 << 0
	ORDWR   OpenFlags = 1 << 1
	OCREAT  OpenFlags = 1 << 2
	OEXCL   OpenFlags = 1 << 3
	OTRUNC  OpenFlags = 1 << 4
	OAPPEND OpenFlags = 1 << 5
	ODIR    OpenFlags = 1 << 6
)

func (f OpenFlags) wantsWrite() bool {
	return f&(OWRONLY|ORDWR|OTRUNC|OAPPEND) != 0
}

// openFile is one slot in the driver's fixed-size open-file table.
type openFile struct {
	mount    *Mount
	inodeNo  uint32
	ci       *ext2.CachedInode
	flags    OpenFlags
	position uint64
}

// Stat is the information stat(path) and readdir return about a
// filesystem object.
type Stat struct {
	InodeNo uint32
	Kind    ext2.Kind
	Size    uint64
	MTime   time.Time
	Perm    uint16
	ReadOK  bool
	WriteOK bool
}

// DirEntry is one entry yielded by ReadDir.
type DirEntry struct {
	Name    string
	InodeNo uint32
	Kind    ext2.Kind
}

func nowUnix() uint32 { return uint32(time.Now().Unix()) }

func statFor(v *ext2.Volume, ci *ext2.CachedInode) Stat {
	perm := ci.Perm()
	return Stat{
		InodeNo: ci.Number(),
		Kind:    ci.Kind(),
		Size:    v.Size(ci),
		MTime:   time.Unix(int64(ci.MTime()), 0),
		Perm:    perm,
		ReadOK:  perm&0o400 != 0,
		WriteOK: perm&0o200 != 0,
	}
}

// Open resolves path within the mount owning it and returns a 1-based
// file handle. uid/gid are stamped on a newly created inode (OCREAT);
// they are otherwise unused, since this driver stores but does not
// enforce permission bits.
func (d *Driver) Open(path string, flags OpenFlags, mode uint16, uid, gid uint32) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	m, rel, err := d.mountFor(path)
	if err != nil {
		return -1, wrap(err)
	}
	if flags.wantsWrite() && m.ReadOnly() {
		return -1, wrap(ext2.ErrReadOnly)
	}

	ci, _, err := d.resolvePath(m, rel)
	if err != nil {
		if !errors.Is(err, ext2.ErrNotFound) {
			return -1, wrap(err)
		}
		if flags&OCREAT == 0 {
			return -1, wrap(ext2.ErrNotFound)
		}
		created, cerr := d.createFile(m, rel, mode, uid, gid)
		if cerr != nil {
			return -1, wrap(cerr)
		}
		ci = created
	} else if flags&(OCREAT|OEXCL) == OCREAT|OEXCL {
		m.volume.PutInode(ci)
		return -1, wrap(ext2.ErrExists)
	}

	isDir := ci.IsDir()
	if isDir && flags&ODIR == 0 {
		m.volume.PutInode(ci)
		return -1, wrap(ErrIsDirectory)
	}
	if !isDir && flags&ODIR != 0 {
		m.volume.PutInode(ci)
		return -1, wrap(ErrNotDirectory)
	}

	if flags&OTRUNC != 0 && ci.IsRegular() {
		if err := m.volume.TruncateTo(ci, 0); err != nil {
			m.volume.PutInode(ci)
			return -1, wrap(err)
		}
	}

	slot, err := d.allocFileSlot()
	if err != nil {
		m.volume.PutInode(ci)
		return -1, wrap(err)
	}
	pos := uint64(0)
	if flags&OAPPEND != 0 {
		pos = m.volume.Size(ci)
	}
	d.files[slot] = &openFile{mount: m, inodeNo: ci.Number(), ci: ci, flags: flags, position: pos}
	return slot + 1, nil
}

func (d *Driver) createFile(m *Mount, rel string, mode uint16, uid, gid uint32) (*ext2.CachedInode, error) {
	parentCi, leaf, err := d.resolveParent(m, rel)
	if err != nil {
		return nil, err
	}
	group := m.volume.GroupOf(parentCi.Number())
	inodeNo, ci, err := m.volume.AllocInode(group, false)
	if err != nil {
		m.volume.PutInode(parentCi)
		return nil, err
	}
	ci.SetMode(ext2.KindRegular, mode)
	ci.SetUID(uid)
	ci.SetGID(gid)
	ci.SetLinksCount(1)
	m.volume.MarkInodeDirty(ci)

	if err := m.volume.AddEntry(parentCi, leaf, inodeNo, ext2.KindRegular); err != nil {
		m.volume.PutInode(parentCi)
		m.volume.PutInode(ci)
		_ = m.volume.FreeInode(inodeNo, false)
		return nil, err
	}
	m.volume.PutInode(parentCi)
	return ci, nil
}

// Close releases a handle's resources.
func (d *Driver) Close(h int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	f, err := d.handleFor(h)
	if err != nil {
		return wrap(err)
	}
	f.mount.volume.PutInode(f.ci)
	d.files[h-1] = nil
	return nil
}

// Read fills buf starting at the handle's current position, clamped to
// the file's size, and advances position by the number of bytes read.
func (d *Driver) Read(h int, buf []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	f, err := d.handleFor(h)
	if err != nil {
		return 0, wrap(err)
	}
	if f.ci.IsDir() {
		return 0, wrap(ErrIsDirectory)
	}
	v := f.mount.volume
	size := v.Size(f.ci)
	if f.position >= size {
		return 0, nil
	}
	want := uint64(len(buf))
	if remaining := size - f.position; want > remaining {
		want = remaining
	}

	bs := uint64(v.BlockSize())
	var total uint64
	for total < want {
		abs := f.position + total
		logical := uint32(abs / bs)
		inBlock := abs % bs
		chunk := bs - inBlock
		if chunk > want-total {
			chunk = want - total
		}
		phys, err := v.BlockFor(f.ci, logical, false)
		if err != nil {
			return int(total), wrap(err)
		}
		if phys == 0 {
			for i := uint64(0); i < chunk; i++ {
				buf[total+i] = 0
			}
		} else {
			data, err := v.ReadBlock(phys)
			if err != nil {
				return int(total), wrap(err)
			}
			copy(buf[total:total+chunk], data[inBlock:inBlock+chunk])
		}
		total += chunk
	}
	f.position += total
	return int(total), nil
}

// Seek repositions a handle per whence (io.SeekStart/Current/End),
// clamped to [0, size].
func (d *Driver) Seek(h int, offset int64, whence int) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	f, err := d.handleFor(h)
	if err != nil {
		return 0, wrap(err)
	}
	size := int64(f.mount.volume.Size(f.ci))

	var newPos int64
	switch whence {
	case io.SeekStart:
		newPos = offset
	case io.SeekCurrent:
		newPos = int64(f.position) + offset
	case io.SeekEnd:
		newPos = size + offset
	default:
		return 0, wrap(ext2.ErrInvalidArg)
	}
	if newPos < 0 {
		newPos = 0
	}
	if newPos > size {
		newPos = size
	}
	f.position = uint64(newPos)
	return newPos, nil
}

// Tell returns a handle's current byte position.
func (d *Driver) Tell(h int) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	f, err := d.handleFor(h)
	if err != nil {
		return 0, wrap(err)
	}
	return int64(f.position), nil
}

// ReadDir returns the next directory entry for a handle opened with
// ODIR, skipping deleted (inode == 0) records. It returns io.EOF once
// position reaches the directory's size.
func (d *Driver) ReadDir(h int) (*DirEntry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	f, err := d.handleFor(h)
	if err != nil {
		return nil, wrap(err)
	}
	if !f.ci.IsDir() {
		return nil, wrap(ErrNotDirectory)
	}
	v := f.mount.volume
	size := v.Size(f.ci)

	for {
		if f.position >= size {
			return nil, io.EOF
		}
		name, inodeNo, recLen, err := v.EntryAt(f.ci, f.position)
		if err != nil {
			return nil, wrap(err)
		}
		f.position += uint64(recLen)
		if inodeNo == 0 {
			continue
		}
		child, err := v.GetInode(inodeNo)
		if err != nil {
			return nil, wrap(err)
		}
		entry := &DirEntry{Name: name, InodeNo: inodeNo, Kind: child.Kind()}
		v.PutInode(child)
		return entry, nil
	}
}

// Stat resolves path and returns its metadata without opening a handle.
func (d *Driver) Stat(path string) (Stat, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	m, rel, err := d.mountFor(path)
	if err != nil {
		return Stat{}, wrap(err)
	}
	ci, _, err := d.resolvePath(m, rel)
	if err != nil {
		return Stat{}, wrap(err)
	}
	s := statFor(m.volume, ci)
	m.volume.PutInode(ci)
	return s, nil
}

// Mkdir creates a new, empty directory at path.
func (d *Driver) Mkdir(path string, mode uint16, uid, gid uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	m, rel, err := d.mountFor(path)
	if err != nil {
		return wrap(err)
	}
	if m.ReadOnly() {
		return wrap(ext2.ErrReadOnly)
	}
	parentCi, leaf, err := d.resolveParent(m, rel)
	if err != nil {
		return wrap(err)
	}
	if _, found, err := m.volume.Lookup(parentCi, leaf); err != nil {
		m.volume.PutInode(parentCi)
		return wrap(err)
	} else if found {
		m.volume.PutInode(parentCi)
		return wrap(ext2.ErrExists)
	}

	group := m.volume.GroupOf(parentCi.Number())
	inodeNo, ci, err := m.volume.AllocInode(group, true)
	if err != nil {
		m.volume.PutInode(parentCi)
		return wrap(err)
	}
	if err := m.volume.CreateEmpty(ci, inodeNo, parentCi.Number(), mode, uid, gid); err != nil {
		m.volume.PutInode(parentCi)
		m.volume.PutInode(ci)
		_ = m.volume.FreeInode(inodeNo, true)
		return wrap(err)
	}
	if err := m.volume.AddEntry(parentCi, leaf, inodeNo, ext2.KindDirectory); err != nil {
		m.volume.PutInode(parentCi)
		m.volume.PutInode(ci)
		_ = m.volume.FreeInode(inodeNo, true)
		return wrap(err)
	}
	parentCi.SetLinksCount(parentCi.LinksCount() + 1)
	parentCi.Touch(false, true, true, nowUnix())
	m.volume.MarkInodeDirty(parentCi)

	m.volume.PutInode(ci)
	m.volume.PutInode(parentCi)
	return nil
}

// handleBusyFor reports whether any open handle currently references
// inodeNo on mount m.
func (d *Driver) handleBusyFor(m *Mount, inodeNo uint32) bool {
	for _, f := range d.files {
		if f != nil && f.mount == m && f.inodeNo == inodeNo {
			return true
		}
	}
	return false
}

// Rmdir removes an empty, non-root, non-busy directory.
func (d *Driver) Rmdir(path string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	m, rel, err := d.mountFor(path)
	if err != nil {
		return wrap(err)
	}
	if m.ReadOnly() {
		return wrap(ext2.ErrReadOnly)
	}
	ci, no, err := d.resolvePath(m, rel)
	if err != nil {
		return wrap(err)
	}
	defer m.volume.PutInode(ci)

	if no == m.volume.RootInode() {
		return wrap(ext2.ErrInvalidArg)
	}
	if !ci.IsDir() {
		return wrap(ErrNotDirectory)
	}
	if d.handleBusyFor(m, no) {
		return wrap(ext2.ErrBusy)
	}
	empty, err := m.volume.IsEmpty(ci)
	if err != nil {
		return wrap(err)
	}
	if !empty {
		return wrap(ext2.ErrNotEmpty)
	}

	parentCi, leaf, err := d.resolveParent(m, rel)
	if err != nil {
		return wrap(err)
	}
	defer m.volume.PutInode(parentCi)

	if _, err := m.volume.RemoveEntry(parentCi, leaf); err != nil {
		return wrap(err)
	}
	if err := m.volume.TruncateTo(ci, 0); err != nil {
		return wrap(err)
	}
	if err := m.volume.FreeInode(no, true); err != nil {
		return wrap(err)
	}
	parentCi.SetLinksCount(parentCi.LinksCount() - 1)
	parentCi.Touch(false, true, true, nowUnix())
	m.volume.MarkInodeDirty(parentCi)
	return nil
}

// Unlink removes a non-directory entry, freeing its inode once its link
// count reaches zero.
func (d *Driver) Unlink(path string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	m, rel, err := d.mountFor(path)
	if err != nil {
		return wrap(err)
	}
	if m.ReadOnly() {
		return wrap(ext2.ErrReadOnly)
	}
	ci, no, err := d.resolvePath(m, rel)
	if err != nil {
		return wrap(err)
	}
	defer m.volume.PutInode(ci)

	if no == m.volume.RootInode() {
		return wrap(ext2.ErrInvalidArg)
	}
	if ci.IsDir() {
		return wrap(ErrIsDirectory)
	}
	if d.handleBusyFor(m, no) {
		return wrap(ext2.ErrBusy)
	}

	parentCi, leaf, err := d.resolveParent(m, rel)
	if err != nil {
		return wrap(err)
	}
	defer m.volume.PutInode(parentCi)

	if _, err := m.volume.RemoveEntry(parentCi, leaf); err != nil {
		return wrap(err)
	}
	parentCi.Touch(false, true, true, nowUnix())
	m.volume.MarkInodeDirty(parentCi)

	ci.SetLinksCount(ci.LinksCount() - 1)
	m.volume.MarkInodeDirty(ci)
	if ci.LinksCount() == 0 {
		if err := m.volume.TruncateTo(ci, 0); err != nil {
			return wrap(err)
		}
		if err := m.volume.FreeInode(no, false); err != nil {
			return wrap(err)
		}
	}
	return nil
}

// Link creates an additional name for an existing non-directory inode.
func (d *Driver) Link(oldPath, newPath string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	m, oldRel, err := d.mountFor(oldPath)
	if err != nil {
		return wrap(err)
	}
	m2, newRel, err := d.mountFor(newPath)
	if err != nil {
		return wrap(err)
	}
	if m != m2 {
		return wrap(ext2.ErrInvalidArg)
	}
	if m.ReadOnly() {
		return wrap(ext2.ErrReadOnly)
	}

	srcCi, srcNo, err := d.resolvePath(m, oldRel)
	if err != nil {
		return wrap(err)
	}
	defer m.volume.PutInode(srcCi)
	if srcCi.IsDir() {
		return wrap(ErrIsDirectory)
	}

	parentCi, leaf, err := d.resolveParent(m, newRel)
	if err != nil {
		return wrap(err)
	}
	defer m.volume.PutInode(parentCi)

	if err := m.volume.AddEntry(parentCi, leaf, srcNo, srcCi.Kind()); err != nil {
		return wrap(err)
	}
	srcCi.SetLinksCount(srcCi.LinksCount() + 1)
	m.volume.MarkInodeDirty(srcCi)
	return nil
}

// newSpecialInode allocates and links an inode of a non-regular,
// non-directory kind into a parent directory, factoring the steps Symlink
// and Mknod share with createFile.
func (d *Driver) newSpecialInode(path string, kind ext2.Kind, mode uint16, uid, gid uint32) (*Mount, *ext2.CachedInode, error) {
	m, rel, err := d.mountFor(path)
	if err != nil {
		return nil, nil, err
	}
	if m.ReadOnly() {
		return nil, nil, ext2.ErrReadOnly
	}
	parentCi, leaf, err := d.resolveParent(m, rel)
	if err != nil {
		return nil, nil, err
	}
	defer m.volume.PutInode(parentCi)

	if _, found, err := m.volume.Lookup(parentCi, leaf); err != nil {
		return nil, nil, err
	} else if found {
		return nil, nil, ext2.ErrExists
	}

	group := m.volume.GroupOf(parentCi.Number())
	inodeNo, ci, err := m.volume.AllocInode(group, false)
	if err != nil {
		return nil, nil, err
	}
	ci.SetMode(kind, mode)
	ci.SetUID(uid)
	ci.SetGID(gid)
	ci.SetLinksCount(1)
	m.volume.MarkInodeDirty(ci)

	if err := m.volume.AddEntry(parentCi, leaf, inodeNo, kind); err != nil {
		m.volume.PutInode(ci)
		_ = m.volume.FreeInode(inodeNo, false)
		return nil, nil, err
	}
	return m, ci, nil
}

// Symlink creates a new symbolic link at path pointing at target: a
// fast symlink packed inline into the inode's block pointers when the
// target fits, a regular one-data-block link otherwise.
func (d *Driver) Symlink(path, target string, uid, gid uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	m, ci, err := d.newSpecialInode(path, ext2.KindSymlink, 0o777, uid, gid)
	if err != nil {
		return wrap(err)
	}
	defer m.volume.PutInode(ci)
	if err := m.volume.WriteLink(ci, target); err != nil {
		return wrap(err)
	}
	return nil
}

// Mknod creates a FIFO, character device, or block device at path.
// Sockets are recognized on read but never created here, so this rejects
// KindSocket and every directory/regular/symlink kind with InvalidArg.
func (d *Driver) Mknod(path string, kind ext2.Kind, mode uint16, major, minor uint32, uid, gid uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch kind {
	case ext2.KindFIFO, ext2.KindCharDevice, ext2.KindBlockDevice:
	default:
		return wrap(ext2.ErrInvalidArg)
	}

	m, ci, err := d.newSpecialInode(path, kind, mode, uid, gid)
	if err != nil {
		return wrap(err)
	}
	if kind == ext2.KindCharDevice || kind == ext2.KindBlockDevice {
		ci.SetDevice(major, minor)
		m.volume.MarkInodeDirty(ci)
	}
	m.volume.PutInode(ci)
	return nil
}

// Rename moves/renames oldPath to newPath, within a single mount.
func (d *Driver) Rename(oldPath, newPath string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	m, oldRel, err := d.mountFor(oldPath)
	if err != nil {
		return wrap(err)
	}
	m2, newRel, err := d.mountFor(newPath)
	if err != nil {
		return wrap(err)
	}
	if m != m2 {
		return wrap(ext2.ErrInvalidArg)
	}
	if m.ReadOnly() {
		return wrap(ext2.ErrReadOnly)
	}

	srcCi, srcNo, err := d.resolvePath(m, oldRel)
	if err != nil {
		return wrap(err)
	}
	defer m.volume.PutInode(srcCi)
	if srcNo == m.volume.RootInode() {
		return wrap(ext2.ErrInvalidArg)
	}

	oldParentCi, oldLeaf, err := d.resolveParent(m, oldRel)
	if err != nil {
		return wrap(err)
	}
	defer m.volume.PutInode(oldParentCi)

	newParentCi, newLeaf, err := d.resolveParent(m, newRel)
	if err != nil {
		return wrap(err)
	}
	defer m.volume.PutInode(newParentCi)

	destNo, destFound, err := m.volume.Lookup(newParentCi, newLeaf)
	if err != nil {
		return wrap(err)
	}
	if destFound {
		if d.handleBusyFor(m, destNo) {
			return wrap(ext2.ErrBusy)
		}
		destCi, err := m.volume.GetInode(destNo)
		if err != nil {
			return wrap(err)
		}
		sameKind := destCi.IsDir() == srcCi.IsDir()
		if !sameKind {
			m.volume.PutInode(destCi)
			if srcCi.IsDir() {
				return wrap(ErrNotDirectory)
			}
			return wrap(ErrIsDirectory)
		}
		if destCi.IsDir() {
			empty, err := m.volume.IsEmpty(destCi)
			if err != nil {
				m.volume.PutInode(destCi)
				return wrap(err)
			}
			if !empty {
				m.volume.PutInode(destCi)
				return wrap(ext2.ErrNotEmpty)
			}
		}
		if _, err := m.volume.RemoveEntry(newParentCi, newLeaf); err != nil {
			m.volume.PutInode(destCi)
			return wrap(err)
		}
		destCi.SetLinksCount(destCi.LinksCount() - 1)
		m.volume.MarkInodeDirty(destCi)
		if destCi.LinksCount() == 0 {
			if err := m.volume.TruncateTo(destCi, 0); err != nil {
				m.volume.PutInode(destCi)
				return wrap(err)
			}
			if err := m.volume.FreeInode(destNo, destCi.IsDir()); err != nil {
				m.volume.PutInode(destCi)
				return wrap(err)
			}
		}
		m.volume.PutInode(destCi)
	}

	if err := m.volume.AddEntry(newParentCi, newLeaf, srcNo, srcCi.Kind()); err != nil {
		return wrap(err)
	}
	if _, err := m.volume.RemoveEntry(oldParentCi, oldLeaf); err != nil {
		return wrap(err)
	}

	if srcCi.IsDir() && newParentCi.Number() != oldParentCi.Number() {
		if err := m.volume.RedirEntry(srcCi, "..", newParentCi.Number(), ext2.KindDirectory); err != nil {
			return wrap(err)
		}
		oldParentCi.SetLinksCount(oldParentCi.LinksCount() - 1)
		m.volume.MarkInodeDirty(oldParentCi)
		newParentCi.SetLinksCount(newParentCi.LinksCount() + 1)
		m.volume.MarkInodeDirty(newParentCi)
	}

	now := nowUnix()
	oldParentCi.Touch(false, true, true, now)
	newParentCi.Touch(false, true, true, now)
	m.volume.MarkInodeDirty(oldParentCi)
	m.volume.MarkInodeDirty(newParentCi)
	return nil
}

// Fcntl implements only F_GETFL; F_SETFL/F_GETFD/F_SETFD are accepted
// as no-ops and everything else fails with EINVAL.
const (
	FGETFL = iota
	FSETFL
	FGETFD
	FSETFD
)

func (d *Driver) Fcntl(h int, cmd int, arg int) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	f, err := d.handleFor(h)
	if err != nil {
		return -1, wrap(err)
	}
	switch cmd {
	case FGETFL:
		return int(f.flags), nil
	case FSETFL, FGETFD, FSETFD:
		return 0, nil
	default:
		return -1, wrap(ext2.ErrInvalidArg)
	}
}

package ext2

// defaultCacheSlots is the inode cache's fixed slot count when the caller
// doesn't override it via Options.CacheSlots.
const defaultCacheSlots = 64

// CachedInode is a reference-counted, write-back handle onto one inode's
// in-memory body. Two concurrent Get calls for the same inode number
// return the same *CachedInode (identity, not a copy) so that a mutation
// through one handle is visible through the other.
type CachedInode struct {
	number   uint32
	body     *inode
	refCount int
	dirty    bool
	// becameIdleAt orders refCount==0 entries for LRU-on-zero-refcount
	// eviction; it is a logical clock tick, not a wall-clock timestamp,
	// so eviction order is deterministic and reproducible in tests.
	becameIdleAt uint64
}

// Inode exposes the mutable on-disk body. Callers must hold a reference
// (obtained via Volume.GetInode) for the duration of any read or write,
// and must call Volume.MarkInodeDirty after any mutation.
func (ci *CachedInode) Inode() *inode { return ci.body }

// Number returns the inode number this handle refers to.
func (ci *CachedInode) Number() uint32 { return ci.number }

// Kind returns the object type (regular, directory, symlink, ...).
func (ci *CachedInode) Kind() Kind { return Kind(ci.body.kind()) }

func (ci *CachedInode) IsDir() bool     { return ci.body.isDir() }
func (ci *CachedInode) IsRegular() bool { return ci.body.isRegular() }
func (ci *CachedInode) IsSymlink() bool { return ci.body.isSymlink() }

// Mode returns the full on-disk mode word (type nibble + permission bits).
func (ci *CachedInode) Mode() uint16 { return ci.body.mode }

// Perm returns just the permission bits (mode without the type nibble).
func (ci *CachedInode) Perm() uint16 { return ci.body.perm() }

func (ci *CachedInode) SetMode(kind Kind, perm uint16) {
	ci.body.mode = uint16(kind) | (perm & modePermMask)
}

func (ci *CachedInode) UID() uint32        { return ci.body.uid() }
func (ci *CachedInode) GID() uint32        { return ci.body.gid() }
func (ci *CachedInode) SetUID(uid uint32)  { ci.body.setUID(uid) }
func (ci *CachedInode) SetGID(gid uint32)  { ci.body.setGID(gid) }
func (ci *CachedInode) LinksCount() uint16 { return ci.body.linksCount }
func (ci *CachedInode) SetLinksCount(n uint16) { ci.body.linksCount = n }

func (ci *CachedInode) ATime() uint32 { return ci.body.accessTime }
func (ci *CachedInode) CTime() uint32 { return ci.body.changeTime }
func (ci *CachedInode) MTime() uint32 { return ci.body.modifyTime }

// SetDevice stamps a newly created character/block device inode's
// major/minor numbers. Callers must also SetMode with KindCharDevice or
// KindBlockDevice.
func (ci *CachedInode) SetDevice(major, minor uint32) { ci.body.setDevice(major, minor) }

// Device returns a device-file inode's major/minor numbers.
func (ci *CachedInode) Device() (major, minor uint32) { return ci.body.device() }

func (ci *CachedInode) Touch(atime, ctime, mtime bool, now uint32) {
	if atime {
		ci.body.accessTime = now
	}
	if ctime {
		ci.body.changeTime = now
	}
	if mtime {
		ci.body.modifyTime = now
	}
}

// inodeCache is a bounded slot table mapping inode numbers to cached
// bodies. It performs no locking of its own: the caller's global lock
// (see the driver package) serializes every access.
type inodeCache struct {
	v        *Volume
	capacity int
	byNumber map[uint32]*CachedInode
	clock    uint64
}

func newInodeCache(v *Volume, capacity int) *inodeCache {
	if capacity <= 0 {
		capacity = defaultCacheSlots
	}
	return &inodeCache{
		v:        v,
		capacity: capacity,
		byNumber: make(map[uint32]*CachedInode, capacity),
	}
}

// get returns a pinned (refcount incremented) handle for inodeNo, reading
// it from disk on a cache miss. Returns ErrBusy if the table is full and
// every resident entry has a nonzero refcount.
func (c *inodeCache) get(inodeNo uint32) (*CachedInode, error) {
	if ci, ok := c.byNumber[inodeNo]; ok {
		ci.refCount++
		return ci, nil
	}

	if len(c.byNumber) >= c.capacity {
		if err := c.evictOne(); err != nil {
			return nil, err
		}
	}

	body, err := c.v.readInodeRaw(inodeNo)
	if err != nil {
		return nil, err
	}
	ci := &CachedInode{number: inodeNo, body: body, refCount: 1}
	c.byNumber[inodeNo] = ci
	return ci, nil
}

// evictOne flushes and drops the least-recently-zeroed entry with
// refCount 0. Returns ErrBusy if no entry qualifies.
func (c *inodeCache) evictOne() error {
	var victim *CachedInode
	for _, ci := range c.byNumber {
		if ci.refCount != 0 {
			continue
		}
		if victim == nil || ci.becameIdleAt < victim.becameIdleAt {
			victim = ci
		}
	}
	if victim == nil {
		return ErrBusy
	}
	if victim.dirty {
		if err := c.v.writeInodeRaw(victim.body); err != nil {
			return err
		}
		victim.dirty = false
	}
	delete(c.byNumber, victim.number)
	return nil
}

// put releases one reference. When refCount reaches zero the entry
// remains resident (eligible for future reclaim) rather than being
// evicted immediately.
func (c *inodeCache) put(ci *CachedInode) {
	if ci.refCount <= 0 {
		return
	}
	ci.refCount--
	if ci.refCount == 0 {
		c.clock++
		ci.becameIdleAt = c.clock
	}
}

func (c *inodeCache) markDirty(ci *CachedInode) {
	ci.dirty = true
}

func (c *inodeCache) flush(ci *CachedInode) error {
	if !ci.dirty {
		return nil
	}
	if err := c.v.writeInodeRaw(ci.body); err != nil {
		return err
	}
	ci.dirty = false
	return nil
}

func (c *inodeCache) flushAll() error {
	for _, ci := range c.byNumber {
		if err := c.flush(ci); err != nil {
			return err
		}
	}
	return nil
}

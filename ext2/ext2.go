// Package ext2 implements the volume engine, inode cache, block map
// walker, and directory machinery for a read/write ext2 filesystem. It
// assumes a single caller at a time: every exported method expects its
// caller (the driver package) to hold a process-wide lock for the
// duration of the call, per the filesystem's global-mutex concurrency
// model. Nothing in this package takes its own lock.
package ext2

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/go-ext2/ext2fs/backend"
	"github.com/go-ext2/ext2fs/util/bitmap"
	"github.com/go-ext2/ext2fs/util/timestamp"
)

// groupRuntime holds the in-memory bitmaps for one block group, lazily
// loaded from disk and flushed back on shutdown/sync.
type groupRuntime struct {
	blockBitmap *bitmap.Bitmap
	inodeBitmap *bitmap.Bitmap
	loaded      bool
	dirty       bool
}

// Volume is a mounted ext2 filesystem: the superblock, the group
// descriptor table, per-group allocation bitmaps, and the inode cache,
// all backed by a block device.
type Volume struct {
	dev      *backend.BlockDevice
	start    int64 // byte offset of block 0 within dev's underlying storage
	sb       *superblock
	gdt      *groupDescriptorTable
	groups   []*groupRuntime
	cache    *inodeCache
	readOnly bool
	log      *logrus.Entry
}

// Options configures Init and Format.
type Options struct {
	// ReadOnly forces the volume open read-only even if the device
	// supports writes.
	ReadOnly bool
	// Log receives structured diagnostics; defaults to logrus.StandardLogger.
	Log *logrus.Logger
	// CacheSlots sizes the inode cache; 0 picks the package default.
	CacheSlots int
}

func (o *Options) logger() *logrus.Entry {
	l := logrus.StandardLogger()
	if o != nil && o.Log != nil {
		l = o.Log
	}
	return l.WithField("component", "ext2")
}

// Init mounts an ext2 volume starting at byte offset start within storage.
// It reads the superblock directly (ext2's block size is unknown until
// the superblock is parsed), resizes the block device view to the real
// filesystem block size, then loads the group descriptor table.
func Init(storage backend.Storage, start int64, opts *Options) (*Volume, error) {
	log := opts.logger()

	// The superblock always starts at byte 1024 regardless of the
	// eventual fs block size, so it is read directly off the backend
	// rather than through a block-sized view that doesn't exist yet.
	raw := make([]byte, SuperblockSize)
	n, err := storage.ReadAt(raw, start+SuperblockOffset)
	if err != nil || n != len(raw) {
		return nil, fmt.Errorf("%w: reading superblock: %v", ErrIO, err)
	}
	sb, err := superblockFromBytes(raw)
	if err != nil {
		return nil, err
	}

	blockSize := sb.blockSize()
	writable := true
	if _, werr := storage.Writable(); werr != nil {
		writable = false
	}
	readOnly := !writable || (opts != nil && opts.ReadOnly)

	// A storage backed by a real OS file (backend/file's rawBackend) can
	// expose its *os.File via Sys(); ask the kernel for the device's true
	// block count through it rather than trusting Stat(), which reports a
	// bogus zero size for raw block device nodes like /dev/sdX (see
	// backend/devsize_unix.go's BLKGETSIZE64 path). Anything else
	// (testhelper.MemStorage, an io.File without Sys support) falls back
	// to Stat().
	var dev *backend.BlockDevice
	if _, serr := storage.Sys(); serr == nil {
		dev, err = backend.NewBlockDeviceAutosize(storage, start, blockSize)
		if err != nil {
			return nil, fmt.Errorf("%w: sizing device: %v", ErrIO, err)
		}
	} else {
		stat, err := storage.Stat()
		if err != nil {
			return nil, fmt.Errorf("%w: stat backend: %v", ErrIO, err)
		}
		totalBlocks := uint64(stat.Size()-start) / uint64(blockSize)
		dev = backend.NewBlockDevice(storage, start, blockSize, totalBlocks)
	}

	gdtBlock := gdtStartBlock(sb)
	gdtBytes := make([]byte, sb.blockGroupCount()*groupDescriptorSize)
	if err := readSpanningBlocks(dev, gdtBlock, gdtBytes); err != nil {
		return nil, fmt.Errorf("%w: reading group descriptor table: %v", ErrIO, err)
	}
	gdt := groupDescriptorTableFromBytes(gdtBytes, sb.blockGroupCount())

	v := &Volume{
		dev:      dev,
		start:    start,
		sb:       sb,
		gdt:      gdt,
		groups:   make([]*groupRuntime, sb.blockGroupCount()),
		readOnly: readOnly,
		log:      log,
	}
	for i := range v.groups {
		v.groups[i] = &groupRuntime{}
	}
	slots := defaultCacheSlots
	if opts != nil && opts.CacheSlots > 0 {
		slots = opts.CacheSlots
	}
	v.cache = newInodeCache(v, slots)

	log.WithFields(logrus.Fields{
		"blocks":     sb.blockCount,
		"inodes":     sb.inodeCount,
		"groups":     len(v.groups),
		"block_size": blockSize,
		"read_only":  readOnly,
	}).Info("ext2 volume mounted")

	return v, nil
}

// gdtStartBlock returns the block holding the first group descriptor: the
// block right after the superblock's own block, except on a filesystem
// whose block size exceeds 1024 bytes, where the superblock and the GDT
// share block 0 is impossible (superblock always starts at byte 1024) so
// the GDT instead begins at block 1 in all cases the first-data-block
// field encodes correctly.
func gdtStartBlock(sb *superblock) uint32 {
	return sb.firstDataBlock + 1
}

func readSpanningBlocks(dev *backend.BlockDevice, startBlock uint32, out []byte) error {
	bs := int(dev.BlockSize())
	count := (len(out) + bs - 1) / bs
	buf := make([]byte, count*bs)
	if err := dev.ReadBlocks(uint64(startBlock), uint32(count), buf); err != nil {
		return err
	}
	copy(out, buf)
	return nil
}

func writeSpanningBlocks(dev *backend.BlockDevice, startBlock uint32, data []byte) error {
	bs := int(dev.BlockSize())
	count := (len(data) + bs - 1) / bs
	buf := make([]byte, count*bs)
	copy(buf, data)
	return dev.WriteBlocks(uint64(startBlock), uint32(count), buf)
}

// BlockSize returns the filesystem's block size in bytes.
func (v *Volume) BlockSize() uint32 { return v.sb.blockSize() }

// largeFile reports whether this volume's ro_compat features allow a
// regular file's size to exceed 4 GiB (sizeHigh holding the upper bits
// instead of doubling as dirACL).
func (v *Volume) largeFile() bool {
	return v.sb.featureROCompat&featureROCompatLargeFile != 0
}

// Size returns a cached inode's logical size in bytes.
func (v *Volume) Size(ci *CachedInode) uint64 {
	return ci.body.size(v.largeFile())
}

// SetSize sets a cached inode's logical size without touching its block
// allocation; pair with TruncateTo when shrinking.
func (v *Volume) SetSize(ci *CachedInode, size uint64) {
	ci.body.setSize(size, v.largeFile())
	v.cache.markDirty(ci)
}

// ReadOnly reports whether mutating operations are rejected.
func (v *Volume) ReadOnly() bool { return v.readOnly }

// RootInode is the well-known inode number of the volume's root directory.
func (v *Volume) RootInode() uint32 { return rootInode }

// GroupOf returns the block group index an inode number belongs to, for
// callers choosing an AllocInode placement hint from a parent directory.
func (v *Volume) GroupOf(inodeNo uint32) int {
	if inodeNo == 0 {
		return 0
	}
	return int((inodeNo - 1) / v.sb.inodesPerGroup)
}

// ReadBlock reads one filesystem block.
func (v *Volume) ReadBlock(blockNo uint32) ([]byte, error) {
	buf := make([]byte, v.BlockSize())
	if err := v.dev.ReadBlocks(uint64(blockNo), 1, buf); err != nil {
		return nil, fmt.Errorf("%w: block %d: %v", ErrIO, blockNo, err)
	}
	return buf, nil
}

// WriteBlock writes one filesystem block.
func (v *Volume) WriteBlock(blockNo uint32, data []byte) error {
	if v.readOnly {
		return ErrReadOnly
	}
	if uint32(len(data)) != v.BlockSize() {
		return fmt.Errorf("%w: write buffer is %d bytes, want %d", ErrInvalidArg, len(data), v.BlockSize())
	}
	if err := v.dev.WriteBlocks(uint64(blockNo), 1, data); err != nil {
		return fmt.Errorf("%w: block %d: %v", ErrIO, blockNo, err)
	}
	return nil
}

// zeroedBlock returns a fresh all-zero buffer of one block's size; it
// allocates nothing on disk and writes nothing.
func (v *Volume) zeroedBlock() []byte {
	return make([]byte, v.BlockSize())
}

func (v *Volume) groupRuntimeFor(group int) (*groupRuntime, error) {
	if group < 0 || group >= len(v.groups) {
		return nil, fmt.Errorf("%w: group %d out of range", ErrInvalidArg, group)
	}
	g := v.groups[group]
	if g.loaded {
		return g, nil
	}
	gd := v.gdt.groups[group]
	bbBytes, err := v.ReadBlock(gd.blockBitmap)
	if err != nil {
		return nil, err
	}
	ibBytes, err := v.ReadBlock(gd.inodeBitmap)
	if err != nil {
		return nil, err
	}
	g.blockBitmap = bitmap.FromBytes(bbBytes)
	g.inodeBitmap = bitmap.FromBytes(ibBytes)
	g.loaded = true
	return g, nil
}

func (v *Volume) flushGroup(group int) error {
	g := v.groups[group]
	if !g.loaded || !g.dirty {
		return nil
	}
	gd := v.gdt.groups[group]
	if err := v.WriteBlock(gd.blockBitmap, g.blockBitmap.ToBytes()); err != nil {
		return err
	}
	if err := v.WriteBlock(gd.inodeBitmap, g.inodeBitmap.ToBytes()); err != nil {
		return err
	}
	g.dirty = false
	return nil
}

// groupFirstBlock returns the filesystem-wide number of the first block
// of group (firstDataBlock + group*blocksPerGroup). A group's block
// bitmap addresses every block in the group starting at this one.
func (v *Volume) groupFirstBlock(group int) uint32 {
	return v.sb.firstDataBlock + uint32(group)*v.sb.blocksPerGroup
}

func (v *Volume) blocksInGroup(group int) uint32 {
	if group == len(v.groups)-1 {
		last := v.sb.blockCount - v.groupFirstBlock(group)
		return last
	}
	return v.sb.blocksPerGroup
}

func (v *Volume) inodesInGroup() uint32 { return v.sb.inodesPerGroup }

// AllocBlock finds and marks used the first free block, preferring
// hintGroup and wrapping around every other group on a miss.
func (v *Volume) AllocBlock(hintGroup int) (uint32, error) {
	if v.readOnly {
		return 0, ErrReadOnly
	}
	n := len(v.groups)
	if n == 0 {
		return 0, ErrNoSpace
	}
	if hintGroup < 0 || hintGroup >= n {
		hintGroup = 0
	}
	for i := 0; i < n; i++ {
		group := (hintGroup + i) % n
		g, err := v.groupRuntimeFor(group)
		if err != nil {
			return 0, err
		}
		if v.gdt.groups[group].freeBlocks == 0 {
			continue
		}
		bit := g.blockBitmap.FirstFree(0)
		if bit < 0 || uint32(bit) >= v.blocksInGroup(group) {
			continue
		}
		if err := g.blockBitmap.Set(bit); err != nil {
			return 0, err
		}
		g.dirty = true
		v.gdt.groups[group].freeBlocks--
		v.gdt.dirty = true
		v.sb.freeBlocks--
		v.sb.dirty = true
		blockNo := v.groupFirstBlock(group) + uint32(bit)
		return blockNo, nil
	}
	return 0, ErrNoSpace
}

// FreeBlock clears a block's bitmap bit and restores free counts.
func (v *Volume) FreeBlock(blockNo uint32) error {
	if v.readOnly {
		return ErrReadOnly
	}
	group := int((blockNo - v.sb.firstDataBlock) / v.sb.blocksPerGroup)
	g, err := v.groupRuntimeFor(group)
	if err != nil {
		return err
	}
	bit := int(blockNo - v.groupFirstBlock(group))
	set, err := g.blockBitmap.IsSet(bit)
	if err != nil {
		return err
	}
	if !set {
		v.log.WithField("block", blockNo).Warn("freeing an already-free block")
		return nil
	}
	if err := g.blockBitmap.Clear(bit); err != nil {
		return err
	}
	g.dirty = true
	v.gdt.groups[group].freeBlocks++
	v.gdt.dirty = true
	v.sb.freeBlocks++
	v.sb.dirty = true
	return nil
}

// leastUsedGroup implements the Orlov-lite directory placement policy:
// pick the group with the most free inodes.
func (v *Volume) leastUsedGroup() int {
	best := 0
	bestFree := uint16(0)
	for i, gd := range v.gdt.groups {
		if gd.freeInodes > bestFree {
			bestFree = gd.freeInodes
			best = i
		}
	}
	return best
}

// AllocInode locates a free inode bit, preferring parentGroup for regular
// files and the least-used group for new directories, zeroes the on-disk
// inode, and returns it already pinned (refcount 1) from the inode cache.
func (v *Volume) AllocInode(parentGroup int, isDir bool) (uint32, *CachedInode, error) {
	if v.readOnly {
		return 0, nil, ErrReadOnly
	}
	n := len(v.groups)
	if n == 0 {
		return 0, nil, ErrNoSpace
	}
	start := parentGroup
	if isDir {
		start = v.leastUsedGroup()
	}
	if start < 0 || start >= n {
		start = 0
	}
	for i := 0; i < n; i++ {
		group := (start + i) % n
		g, err := v.groupRuntimeFor(group)
		if err != nil {
			return 0, nil, err
		}
		if v.gdt.groups[group].freeInodes == 0 {
			continue
		}
		bit := g.inodeBitmap.FirstFree(0)
		if bit < 0 || uint32(bit) >= v.inodesInGroup() {
			continue
		}
		if err := g.inodeBitmap.Set(bit); err != nil {
			return 0, nil, err
		}
		g.dirty = true
		v.gdt.groups[group].freeInodes--
		if isDir {
			v.gdt.groups[group].usedDirsCount++
		}
		v.gdt.dirty = true
		v.sb.freeInodes--
		v.sb.dirty = true

		inodeNo := uint32(group)*v.sb.inodesPerGroup + uint32(bit) + 1
		ci, err := v.cache.get(inodeNo)
		if err != nil {
			return 0, nil, err
		}
		now := uint32(timestamp.GetTime().Unix())
		*ci.body = inode{number: inodeNo}
		ci.body.accessTime = now
		ci.body.changeTime = now
		ci.body.modifyTime = now
		ci.body.linksCount = 0
		v.cache.markDirty(ci)
		return inodeNo, ci, nil
	}
	return 0, nil, ErrNoSpace
}

// FreeInode clears an inode's bitmap bit and restores free-inode / used-
// directory counts.
func (v *Volume) FreeInode(inodeNo uint32, wasDir bool) error {
	if v.readOnly {
		return ErrReadOnly
	}
	group := int((inodeNo - 1) / v.sb.inodesPerGroup)
	bit := int((inodeNo - 1) % v.sb.inodesPerGroup)
	g, err := v.groupRuntimeFor(group)
	if err != nil {
		return err
	}
	set, err := g.inodeBitmap.IsSet(bit)
	if err != nil {
		return err
	}
	if !set {
		v.log.WithField("inode", inodeNo).Warn("freeing an already-free inode")
		return nil
	}
	if err := g.inodeBitmap.Clear(bit); err != nil {
		return err
	}
	g.dirty = true
	v.gdt.groups[group].freeInodes++
	if wasDir && v.gdt.groups[group].usedDirsCount > 0 {
		v.gdt.groups[group].usedDirsCount--
	}
	v.gdt.dirty = true
	v.sb.freeInodes++
	v.sb.dirty = true
	return nil
}

// inodeLocation returns the block and in-block byte offset of an inode
// record, given the group descriptor table's recorded inode-table start.
func (v *Volume) inodeLocation(inodeNo uint32) (block uint32, offset uint32, err error) {
	if inodeNo == 0 || inodeNo > v.sb.inodeCount {
		return 0, 0, fmt.Errorf("%w: inode %d out of range", ErrInvalidArg, inodeNo)
	}
	group := int((inodeNo - 1) / v.sb.inodesPerGroup)
	index := (inodeNo - 1) % v.sb.inodesPerGroup
	if group >= len(v.gdt.groups) {
		return 0, 0, fmt.Errorf("%w: inode %d maps to invalid group", ErrInvalidArg, inodeNo)
	}
	inodeSize := uint32(v.sb.effectiveInodeSize())
	perBlock := v.BlockSize() / inodeSize
	block = v.gdt.groups[group].inodeTable + index/perBlock
	offset = (index % perBlock) * inodeSize
	return block, offset, nil
}

func (v *Volume) readInodeRaw(inodeNo uint32) (*inode, error) {
	block, offset, err := v.inodeLocation(inodeNo)
	if err != nil {
		return nil, err
	}
	buf, err := v.ReadBlock(block)
	if err != nil {
		return nil, err
	}
	inodeSize := uint32(v.sb.effectiveInodeSize())
	return inodeFromBytes(inodeNo, buf[offset:offset+inodeSize])
}

func (v *Volume) writeInodeRaw(ino *inode) error {
	block, offset, err := v.inodeLocation(ino.number)
	if err != nil {
		return err
	}
	buf, err := v.ReadBlock(block)
	if err != nil {
		return err
	}
	copy(buf[offset:], ino.toBytes())
	return v.WriteBlock(block, buf)
}

// GetInode fetches a refcounted, write-back cached inode. Callers must
// call PutInode when finished.
func (v *Volume) GetInode(inodeNo uint32) (*CachedInode, error) {
	return v.cache.get(inodeNo)
}

// PutInode releases a reference obtained from GetInode.
func (v *Volume) PutInode(ci *CachedInode) {
	v.cache.put(ci)
}

// MarkInodeDirty flags a cached inode for write-back.
func (v *Volume) MarkInodeDirty(ci *CachedInode) {
	v.cache.markDirty(ci)
}

// Sync flushes every dirty inode, every dirty group's bitmaps, the group
// descriptor table, and the superblock.
func (v *Volume) Sync() error {
	if v.readOnly {
		return nil
	}
	if err := v.cache.flushAll(); err != nil {
		return err
	}
	for i := range v.groups {
		if err := v.flushGroup(i); err != nil {
			return err
		}
	}
	if v.gdt.dirty {
		if err := writeSpanningBlocks(v.dev, gdtStartBlock(v.sb), v.gdt.toBytes()); err != nil {
			return err
		}
		v.gdt.dirty = false
	}
	if v.sb.dirty {
		raw := v.sb.toBytes()
		if _, err := v.writeRawSuperblock(raw); err != nil {
			return err
		}
		v.sb.dirty = false
	}
	return nil
}

func (v *Volume) writeRawSuperblock(raw []byte) (int, error) {
	w, err := v.rawWritable()
	if err != nil {
		return 0, err
	}
	return w.WriteAt(raw, v.start+SuperblockOffset)
}

func (v *Volume) rawWritable() (backend.WritableFile, error) {
	return v.dev.Storage().Writable()
}

// Shutdown flushes everything dirty and releases in-memory state. The
// volume must not be used after Shutdown returns.
func (v *Volume) Shutdown() error {
	if err := v.Sync(); err != nil {
		return err
	}
	v.log.Info("ext2 volume unmounted")
	return nil
}

// NewUUID generates the volume UUID Format stamps into a fresh
// superblock.
func NewUUID() (uuid.UUID, error) {
	return uuid.NewRandom()
}

// CheckFreeCounts verifies that summed per-group free
// block/inode counts equal the superblock's totals. It loads every
// group's bitmaps (forcing a read of any not yet cached) and recomputes
// free counts directly from the bits, rather than trusting the group
// descriptors' own bookkeeping, so it catches drift between the two.
func (v *Volume) CheckFreeCounts() error {
	var freeBlocks, freeInodes uint32
	for g := range v.groups {
		rt, err := v.groupRuntimeFor(g)
		if err != nil {
			return err
		}
		fb := uint32(rt.blockBitmap.CountFree(int(v.blocksInGroup(g))))
		fi := uint32(rt.inodeBitmap.CountFree(int(v.inodesInGroup())))
		if fb != uint32(v.gdt.groups[g].freeBlocks) {
			return fmt.Errorf("%w: group %d free blocks: bitmap says %d, descriptor says %d", ErrInvalidArg, g, fb, v.gdt.groups[g].freeBlocks)
		}
		if fi != uint32(v.gdt.groups[g].freeInodes) {
			return fmt.Errorf("%w: group %d free inodes: bitmap says %d, descriptor says %d", ErrInvalidArg, g, fi, v.gdt.groups[g].freeInodes)
		}
		freeBlocks += fb
		freeInodes += fi
	}
	if freeBlocks != v.sb.freeBlocks {
		return fmt.Errorf("%w: superblock free blocks %d, sum over groups %d", ErrInvalidArg, v.sb.freeBlocks, freeBlocks)
	}
	if freeInodes != v.sb.freeInodes {
		return fmt.Errorf("%w: superblock free inodes %d, sum over groups %d", ErrInvalidArg, v.sb.freeInodes, freeInodes)
	}
	return nil
}

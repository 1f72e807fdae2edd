package inode

import (
	"encoding/binary"
	"log"
	"os"

	"github.com/minix012/kernel/bitmap"
	"github.com/minix012/kernel/buffercache"
	"github.com/minix012/kernel/internal/blkdev"
	"github.com/minix012/kernel/waitq"
)

// Logger is the minimal logging contract, satisfied directly by
// *log.Logger, used for the non-fatal diagnostics this package reports
// (inode still in use on invalidate, mounted-inode-has-no-superblock).
type Logger interface {
	Printf(format string, v ...interface{})
}

// SuperInfo is the slice of a mounted filesystem's superblock this
// package needs: the bitmap buffers new_inode/free_inode bit-twiddle,
// and the two block counts read_inode/write_inode need to locate an
// inode's on-disk block. super.Super satisfies this.
type SuperInfo interface {
	ImapBlocks() uint32
	ZmapBlocks() uint32
	Bitmap() *bitmap.Maps
}

// Locator is how this package finds a device's mounted superblock
// without importing package super (which itself depends on this
// package for its root and mounted-on inodes -- the same
// function-pointer-shaped avoidance buffercache uses for sync_inodes).
type Locator interface {
	GetSuper(dev uint32) (SuperInfo, bool)
	// MountRoot resolves inode's mount point, if inode.mount is set, to
	// the device and root inode number of the filesystem mounted there
	// (the scan over super_block[] for s_imount==inode in iget).
	MountRoot(inode *Inode) (dev uint32, rootIno uint32, ok bool)
}

// BlockDeviceSizer optionally answers read_inode's "block device size in
// blocks" lookup (blk_size[major][minor] in the original). Without one
// registered, block-device inodes get the original's 0x7fffffff
// "unknown size" fallback.
type BlockDeviceSizer interface {
	BlockDeviceSize(dev blkdev.DeviceID) (blocks uint32, ok bool)
}

// Table is the fixed in-memory inode pool (inode_table[NR_INODE]).
type Table struct {
	cache   *buffercache.Cache
	locator Locator
	logger  Logger
	sizer   BlockDeviceSizer

	mu     *waitq.Queue // guards every Inode's table-wide fields (dev/num/count/dirty/mount/Pipe)
	slots  []*Inode
	cursor int // get_empty_inode's static last_inode, as an index
}

// NewTable allocates n inode slots (NR_INODE is conventionally 32-64).
func NewTable(n int, cache *buffercache.Cache, locator Locator, logger Logger) *Table {
	if logger == nil {
		logger = log.New(os.Stderr, "inode: ", log.LstdFlags)
	}
	t := &Table{
		cache:   cache,
		locator: locator,
		logger:  logger,
		mu:      waitq.NewQueue(),
		slots:   make([]*Inode, n),
	}
	for i := range t.slots {
		t.slots[i] = &Inode{table: t, gate: waitq.NewGate()}
	}
	return t
}

// SetBlockDeviceSizer wires an optional block-device size lookup.
func (t *Table) SetBlockDeviceSizer(s BlockDeviceSizer) { t.sizer = s }

// SetMountPoint marks or clears inode.i_mount, used by the superblock
// registry when mounting/unmounting a filesystem onto this inode.
func (t *Table) SetMountPoint(inode *Inode, mounted bool) {
	t.mu.Lock()
	inode.mount = mounted
	t.mu.Unlock()
}

func (t *Table) logf(format string, v ...interface{}) {
	if t.logger != nil {
		t.logger.Printf(format, v...)
	}
}

// waitOnInode is wait_on_inode: block until the slot's lock flag clears,
// without claiming it.
func waitOnInode(inode *Inode) { inode.gate.WaitUnlocked() }

// lockInode is lock_inode: block until clear, then claim it.
func lockInode(inode *Inode) { inode.gate.Lock() }

// unlockInode is unlock_inode: clear and wake waiters.
func unlockInode(inode *Inode) { inode.gate.Unlock() }

// GetEmptyInode is get_empty_inode: round-robin scan for any count==0
// slot, preferring one that's also clean and unlocked; if every
// count==0 slot is dirty or locked, write it back / wait and recheck,
// since another task may claim it while this one sleeps. Panics if no
// count==0 slot exists anywhere -- a capacity-planning failure, not a
// recoverable condition.
func (t *Table) GetEmptyInode() *Inode {
	for {
		var candidate *Inode
		t.mu.Lock()
		for i := 0; i < len(t.slots); i++ {
			t.cursor = (t.cursor + 1) % len(t.slots)
			s := t.slots[t.cursor]
			if s.count != 0 {
				continue
			}
			candidate = s
			if !s.dirty && !s.gate.Locked() {
				break
			}
		}
		t.mu.Unlock()

		if candidate == nil {
			panic("inode: no free inodes in table")
		}

		waitOnInode(candidate)
		for candidate.Dirty() {
			t.writeInode(candidate)
			waitOnInode(candidate)
		}

		t.mu.Lock()
		free := candidate.count == 0
		if free {
			*candidate = Inode{table: t, gate: candidate.gate, count: 1}
		}
		t.mu.Unlock()
		if free {
			return candidate
		}
		// Lost the race to another task while we slept; rescan.
	}
}

// GetPipeInode is get_pipe_inode: an empty slot turned into a pipe, with
// a fresh ring buffer and two references (reader + writer).
func (t *Table) GetPipeInode() *Inode {
	inode := t.GetEmptyInode()
	t.mu.Lock()
	inode.count = 2
	inode.Pipe = &Pipe{Buf: make([]byte, PipeSize), Writers: waitq.NewQueue()}
	t.mu.Unlock()
	return inode
}

// Iget is iget: obtain a reference to inode nr on dev, reading it from
// disk on first reference.
func (t *Table) Iget(dev, nr uint32) *Inode {
	if dev == 0 {
		panic("inode: iget with dev==0")
	}
	empty := t.GetEmptyInode()

scan:
	for {
		t.mu.Lock()
		var found *Inode
		for _, s := range t.slots {
			if s.Dev == dev && s.Num == nr {
				found = s
				break
			}
		}
		t.mu.Unlock()
		if found == nil {
			break scan
		}

		waitOnInode(found)

		t.mu.Lock()
		stillMatches := found.Dev == dev && found.Num == nr
		if stillMatches {
			found.count++
		}
		t.mu.Unlock()
		if !stillMatches {
			continue scan // identity changed under us; rescan from the top
		}

		t.mu.Lock()
		mounted := found.mount
		t.mu.Unlock()
		if mounted {
			mdev, rootIno, ok := t.locator.MountRoot(found)
			if !ok {
				t.logf("inode: mounted inode has no superblock")
				t.Iput(empty)
				return found
			}
			t.Iput(found)
			dev, nr = mdev, rootIno
			continue scan
		}

		t.Iput(empty)
		return found
	}

	inode := empty
	t.mu.Lock()
	inode.Dev = dev
	inode.Num = nr
	t.mu.Unlock()
	t.readInode(inode)
	return inode
}

// Iput is iput: release one reference, handling pipes, unreferenced
// (dev==0) slots, block devices, and the truncate+free_inode path for
// unlinked-but-open files.
func (t *Table) Iput(inode *Inode) {
	if inode == nil {
		return
	}
	waitOnInode(inode)

	t.mu.Lock()
	if inode.count == 0 {
		t.mu.Unlock()
		panic("inode: iput on inode with zero refcount")
	}
	t.mu.Unlock()

	if inode.IsPipe() {
		t.mu.Lock()
		pipe := inode.Pipe
		t.mu.Unlock()
		// iput wakes both pipe wait slots: i_wait (readers blocked on an
		// empty pipe, reusing the inode's own gate) and i_wait2 (writers
		// blocked on a full one, Pipe.Writers).
		inode.gate.Wake()
		pipe.Writers.Wake()
		t.mu.Lock()
		inode.count--
		remaining := inode.count
		if remaining == 0 {
			*inode = Inode{table: t, gate: inode.gate}
		}
		t.mu.Unlock()
		return
	}

	t.mu.Lock()
	noDev := inode.Dev == 0
	t.mu.Unlock()
	if noDev {
		t.mu.Lock()
		inode.count--
		t.mu.Unlock()
		return
	}

	if inode.IsBlockDevice() {
		t.cache.SyncDev(uint32(inode.Zone[0]))
		waitOnInode(inode)
	}

	for {
		t.mu.Lock()
		if inode.count > 1 {
			inode.count--
			t.mu.Unlock()
			return
		}
		nlinks := inode.NLinks
		dirty := inode.dirty
		t.mu.Unlock()

		if nlinks == 0 {
			t.Truncate(inode)
			t.freeInode(inode)
			return
		}
		if dirty {
			t.writeInode(inode)
			waitOnInode(inode)
			continue
		}
		t.mu.Lock()
		inode.count--
		t.mu.Unlock()
		return
	}
}

// freeInode is free_inode: clear the imap bit (once) and zero the slot.
// dev==0 and the count/nlinks guard are handled by Iput's call sites, so
// here the preconditions are already programming invariants.
func (t *Table) freeInode(inode *Inode) {
	t.mu.Lock()
	dev, num, count, nlinks := inode.Dev, inode.Num, inode.count, inode.NLinks
	t.mu.Unlock()

	if dev == 0 {
		t.mu.Lock()
		*inode = Inode{table: t, gate: inode.gate}
		t.mu.Unlock()
		return
	}
	if count > 1 {
		panic("inode: trying to free inode with count>1")
	}
	if nlinks != 0 {
		panic("inode: trying to free inode with links")
	}
	info, ok := t.locator.GetSuper(dev)
	if !ok {
		panic("inode: trying to free inode on nonexistent device")
	}
	info.Bitmap().FreeInode(num)

	t.mu.Lock()
	*inode = Inode{table: t, gate: inode.gate}
	t.mu.Unlock()
}

// InvalidateInodes is invalidate_inodes: for every dev-matching slot,
// warn if it's still referenced, then clear its device and dirty bit.
func (t *Table) InvalidateInodes(dev uint32) {
	for _, s := range t.slots {
		waitOnInode(s)
		t.mu.Lock()
		if s.Dev == dev {
			if s.count != 0 {
				t.logf("inode: inode in use on removed disk")
			}
			s.Dev = 0
			s.dirty = false
		}
		t.mu.Unlock()
	}
}

// SyncInodes is sync_inodes: write back every dirty non-pipe inode. This
// is wired into buffercache.Cache.SetInodeFlusher so sync_dev/sys_sync
// call it without buffercache importing this package.
func (t *Table) SyncInodes() {
	for _, s := range t.slots {
		waitOnInode(s)
		t.mu.Lock()
		dirty := s.dirty
		pipe := s.Pipe != nil
		t.mu.Unlock()
		if dirty && !pipe {
			t.writeInode(s)
		}
	}
}

// readInode is read_inode: lock, locate the on-disk inode's block via
// the superblock's bitmap block counts, copy the OnDiskSize-byte record
// out, and for block-device inodes resolve Size from the registered
// sizer. Any failure to locate the owning superblock or its inode block
// is a programming-invariant violation, not a recoverable condition.
func (t *Table) readInode(inode *Inode) {
	lockInode(inode)
	defer unlockInode(inode)

	info, ok := t.locator.GetSuper(inode.Dev)
	if !ok {
		panic("inode: trying to read inode without dev")
	}
	block := inodeBlock(info, inode.Num)
	bh, ok := t.cache.Bread(inode.Dev, block)
	if !ok {
		panic("inode: unable to read i-node block")
	}
	decodeInode(inode, bh.Data(), slotIndex(inode.Num))
	t.cache.Brelse(bh)

	if inode.IsBlockDevice() {
		inode.Size = 0x7fffffff
		if t.sizer != nil {
			if blocks, ok := t.sizer.BlockDeviceSize(blkdev.DeviceID(inode.Zone[0])); ok {
				inode.Size = blocks * buffercache.BlockSize
			}
		}
	}
}

// writeInode is write_inode: lock, no-op if clean or detached, locate
// the on-disk block, splice this inode's record in, mark the buffer
// dirty and this inode clean.
func (t *Table) writeInode(inode *Inode) {
	lockInode(inode)
	defer unlockInode(inode)

	t.mu.Lock()
	dirty, dev := inode.dirty, inode.Dev
	t.mu.Unlock()
	if !dirty || dev == 0 {
		return
	}

	info, ok := t.locator.GetSuper(dev)
	if !ok {
		panic("inode: trying to write inode without device")
	}
	block := inodeBlock(info, inode.Num)
	bh, ok := t.cache.Bread(dev, block)
	if !ok {
		panic("inode: unable to read i-node block")
	}
	encodeInode(inode, bh.Data(), slotIndex(inode.Num))
	bh.MarkDirty()
	t.cache.Brelse(bh)

	t.mu.Lock()
	inode.dirty = false
	t.mu.Unlock()
}

func inodeBlock(info SuperInfo, num uint32) uint32 {
	return 2 + info.ImapBlocks() + info.ZmapBlocks() + (num-1)/InodesPerBlock
}

func slotIndex(num uint32) uint32 { return (num - 1) % InodesPerBlock }

func decodeInode(inode *Inode, block []byte, slot uint32) {
	rec := block[slot*OnDiskSize : (slot+1)*OnDiskSize]
	inode.Mode = binary.LittleEndian.Uint16(rec[0:2])
	inode.UID = binary.LittleEndian.Uint16(rec[2:4])
	inode.Size = binary.LittleEndian.Uint32(rec[4:8])
	inode.Mtime = binary.LittleEndian.Uint32(rec[8:12])
	inode.GID = rec[12]
	inode.NLinks = rec[13]
	for i := 0; i < 9; i++ {
		inode.Zone[i] = binary.LittleEndian.Uint16(rec[14+2*i : 16+2*i])
	}
}

func encodeInode(inode *Inode, block []byte, slot uint32) {
	rec := block[slot*OnDiskSize : (slot+1)*OnDiskSize]
	binary.LittleEndian.PutUint16(rec[0:2], inode.Mode)
	binary.LittleEndian.PutUint16(rec[2:4], inode.UID)
	binary.LittleEndian.PutUint32(rec[4:8], inode.Size)
	binary.LittleEndian.PutUint32(rec[8:12], inode.Mtime)
	rec[12] = inode.GID
	rec[13] = inode.NLinks
	for i := 0; i < 9; i++ {
		binary.LittleEndian.PutUint16(rec[14+2*i:16+2*i], inode.Zone[i])
	}
}

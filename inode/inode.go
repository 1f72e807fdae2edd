// Package inode implements the fixed in-memory inode table described in
// spec.md §4.5: iget/iput reference counting, get_empty_inode/
// get_pipe_inode allocation, read_inode/write_inode on-disk transfer,
// and the bmap family in bmap.go. Grounded on
// _examples/original_source/fs/inode.c and include/linux/fs.h.
package inode

import (
	"github.com/minix012/kernel/bitmap"
	"github.com/minix012/kernel/buffercache"
	"github.com/minix012/kernel/waitq"
)

// NameLen and RootIno are filesystem-layout constants consumed by the
// inode table (the directory-entry layout itself belongs to fsimage).
const (
	NameLen = 14
	RootIno = 1
)

// OnDiskSize is the exact byte width of one on-disk inode (spec.md §6):
// mode(2) uid(2) size(4) time(4) gid(1) nlinks(1) zone[9](18).
const OnDiskSize = 32

// InodesPerBlock is INODES_PER_BLOCK: how many on-disk inodes fit in
// one buffercache.BlockSize block.
const InodesPerBlock = buffercache.BlockSize / OnDiskSize

// Mode bits sufficient to distinguish a block-device inode for
// read_inode's size-from-blk_size special case; the rest of the mode
// word (permission bits, other file types) is opaque to this package --
// interpreting it belongs to the VFS layer this spec excludes.
const (
	modeTypeMask    = 0170000
	ModeBlockDevice = 0060000
)

// PipeSize is PAGE_SIZE, the fixed ring-buffer capacity get_pipe_inode
// allocates; the original overloads i_size to hold the page's address,
// we just allocate the buffer inline on the tagged Pipe variant.
const PipeSize = 4096

// Pipe is the tagged variant for a pipe inode (spec.md §9's "replace the
// overloaded size/zone[0]/zone[1] fields with a tagged variant"). Head
// and tail are byte offsets modulo PipeSize; Writers is the original's
// i_wait2, dedicated to tasks blocked on a full pipe.
type Pipe struct {
	Buf     []byte
	Head    uint32
	Tail    uint32
	Writers *waitq.Queue
}

// Len is PIPE_SIZE(inode): bytes currently buffered.
func (p *Pipe) Len() uint32 { return (p.Head - p.Tail) & (PipeSize - 1) }

// Empty is PIPE_EMPTY(inode).
func (p *Pipe) Empty() bool { return p.Head == p.Tail }

// Full is PIPE_FULL(inode).
func (p *Pipe) Full() bool { return p.Len() == PipeSize-1 }

// Inode is one slot of the fixed in-memory inode table (m_inode). Every
// Inode is allocated once by a Table and lives for the table's entire
// life, re-keyed by identity (Dev, Num) exactly like a buffercache
// Buffer is re-keyed by (dev, block) on reuse.
type Inode struct {
	table *Table
	gate  *waitq.Gate // i_lock + i_wait: locked flag plus its waiters

	// On-disk fields, valid when Dev != 0.
	Mode   uint16
	UID    uint16
	Size   uint32
	Mtime  uint32
	GID    uint8
	NLinks uint8
	Zone   [9]uint16

	// Memory-only fields.
	Atime, Ctime uint32
	Dev          uint32
	Num          uint32

	count  int32
	dirty  bool
	mount  bool
	seek   bool
	update bool

	Pipe *Pipe // non-nil iff this slot currently holds a pipe
}

// IsBlockDevice reports whether Mode names a block-device inode (the
// one case read_inode special-cases for Size).
func (i *Inode) IsBlockDevice() bool { return i.Mode&modeTypeMask == ModeBlockDevice }

// Count is the live reference count; zero means the slot is eligible
// for reuse by get_empty_inode.
func (i *Inode) Count() int32 {
	i.table.mu.Lock()
	defer i.table.mu.Unlock()
	return i.count
}

// Dirty reports whether the in-memory copy needs writing back.
func (i *Inode) Dirty() bool {
	i.table.mu.Lock()
	defer i.table.mu.Unlock()
	return i.dirty
}

// MarkDirty flags the inode for write-back (i_dirt = 1).
func (i *Inode) MarkDirty() {
	i.table.mu.Lock()
	i.dirty = true
	i.table.mu.Unlock()
}

// Mount reports whether this inode is a mount point (i_mount): some
// superblock's imount pins it.
func (i *Inode) Mount() bool {
	i.table.mu.Lock()
	defer i.table.mu.Unlock()
	return i.mount
}

// IsPipe reports whether this slot currently holds a pipe.
func (i *Inode) IsPipe() bool {
	i.table.mu.Lock()
	defer i.table.mu.Unlock()
	return i.Pipe != nil
}

// bitmapFor fetches the bitmap.Maps backing this inode's device,
// panicking as the original does when a device claims an inode but
// turns out to have no mounted superblock.
func (i *Inode) bitmapFor() *bitmap.Maps {
	info, ok := i.table.locator.GetSuper(i.Dev)
	if !ok {
		panic("inode: operation on inode with unmounted device")
	}
	return info.Bitmap()
}

// Package fsimage lays out a MINIX filesystem image on a plain byte
// buffer: boot block, superblock, bitmaps, and the inode/zone area that
// follow it (spec.md §6). Grounded on _examples/original_source/fs/
// bitmap.c's layout assumptions (read_super/MINIX_SUPER_MAGIC) and
// include/linux/fs.h's struct d_super_block and struct dir_entry; the
// superblock record itself reuses super.EncodeSuper rather than
// duplicating the field layout.
package fsimage

import (
	"bytes"
	"fmt"

	"github.com/minix012/kernel/bitmap"
	"github.com/minix012/kernel/buffercache"
	"github.com/minix012/kernel/inode"
	"github.com/minix012/kernel/super"

	"github.com/natefinch/atomic"
)

// BootBlockSize is block 0, reserved for a boot loader and left zeroed
// by Format; spec.md §6's layout begins the superblock at block 1.
const BootBlockSize = buffercache.BlockSize

// DirEntry is struct dir_entry: a 16-bit inode number and a fixed
// 14-byte name, DIR_ENTRIES_PER_BLOCK of which pack into one block.
// This is the supplemented directory-entry encoding spec.md's
// distillation omits; no path resolution or lookup-by-name is built on
// top of it, preserving the VFS-path-resolution Non-goal.
type DirEntry struct {
	Inode uint16
	Name  [inode.NameLen]byte
}

// DirEntrySize is the on-disk width of one DirEntry: 2 + 14 bytes.
const DirEntrySize = 2 + inode.NameLen

// DirEntriesPerBlock is DIR_ENTRIES_PER_BLOCK.
const DirEntriesPerBlock = buffercache.BlockSize / DirEntrySize

// EncodeDirEntry writes e into a DirEntrySize-byte record.
func EncodeDirEntry(e DirEntry, rec []byte) {
	rec[0] = byte(e.Inode)
	rec[1] = byte(e.Inode >> 8)
	copy(rec[2:2+inode.NameLen], e.Name[:])
}

// DecodeDirEntry reads one DirEntry out of a DirEntrySize-byte record.
func DecodeDirEntry(rec []byte) DirEntry {
	var e DirEntry
	e.Inode = uint16(rec[0]) | uint16(rec[1])<<8
	copy(e.Name[:], rec[2:2+inode.NameLen])
	return e
}

// NewDirName truncates or zero-pads name to the fixed directory-entry
// width, matching the original's silent truncation of long names.
func NewDirName(name string) [inode.NameLen]byte {
	var out [inode.NameLen]byte
	copy(out[:], name)
	return out
}

// Layout describes the block ranges of a freshly-formatted image,
// returned by Format so callers (mkminixfs) can report what they built
// without re-deriving the arithmetic.
type Layout struct {
	NInodes, NZones             uint32
	ImapBlocks, ZmapBlocks       uint32
	FirstDataZone                uint32
	InodeTableBlock              uint32 // first block holding on-disk inodes
	InodeTableBlocks             uint32
}

// imapBlocksFor computes the minimum whole blocks of bitmap needed to
// cover n bits (used for both the inode and the zone bitmap), the same
// ceiling-divide the original's
// mkfs (tools/build, not in the retrieved pack) performs.
func imapBlocksFor(nbits uint32) uint32 {
	return (nbits + bitmap.BitsPerBlock - 1) / bitmap.BitsPerBlock
}

// computeLayout derives every block-range boundary of a filesystem of
// the given size from ninodes and total device blocks, following
// read_super's own arithmetic in reverse (first_data_zone is whatever
// follows the boot block, superblock, bitmaps, and inode table).
func computeLayout(ninodes, nzones uint32) Layout {
	imapBlocks := imapBlocksFor(ninodes + 1) // +1 for the reserved bit 0
	zmapBlocks := imapBlocksFor(nzones + 1)
	inodeTableBlocks := (ninodes + uint32(inode.InodesPerBlock) - 1) / uint32(inode.InodesPerBlock)

	// Block 0: boot block. Block 1: superblock. Blocks 2..: imap, zmap,
	// inode table, then data zones -- exactly read_super's bread
	// sequence in super.Registry.ReadSuper.
	inodeTableBlock := uint32(2) + imapBlocks + zmapBlocks
	firstDataZone := inodeTableBlock + inodeTableBlocks

	return Layout{
		NInodes:          ninodes,
		NZones:           nzones,
		ImapBlocks:       imapBlocks,
		ZmapBlocks:       zmapBlocks,
		FirstDataZone:    firstDataZone,
		InodeTableBlock:  inodeTableBlock,
		InodeTableBlocks: inodeTableBlocks,
	}
}

// Format builds a complete filesystem image in memory: a zeroed boot
// block, a valid superblock record, bitmaps with bit 0 and the root
// directory's bits set, a root directory inode, and the root
// directory's "." and ".." entries in its first data zone. totalBlocks
// is the device's whole capacity in BlockSize units; ninodes sizes the
// inode bitmap and table.
func Format(totalBlocks, ninodes uint32) ([]byte, Layout, error) {
	if totalBlocks < 16 {
		return nil, Layout{}, fmt.Errorf("fsimage: device too small: %d blocks", totalBlocks)
	}
	nzones := totalBlocks
	layout := computeLayout(ninodes, nzones)
	if layout.FirstDataZone+1 >= nzones {
		return nil, Layout{}, fmt.Errorf("fsimage: %d blocks too small for %d inodes", totalBlocks, ninodes)
	}

	image := make([]byte, totalBlocks*buffercache.BlockSize)
	blockAt := func(n uint32) []byte {
		off := n * buffercache.BlockSize
		return image[off : off+buffercache.BlockSize]
	}

	sb := &super.Super{
		NInodes:         uint16(layout.NInodes),
		NZones:          uint16(layout.NZones),
		ImapBlocksCount: uint16(layout.ImapBlocks),
		ZmapBlocksCount: uint16(layout.ZmapBlocks),
		FirstDataZone:   uint16(layout.FirstDataZone),
		LogZoneSize:     0,
		MaxSize:         (7 + 512 + 512*512) * buffercache.BlockSize, // direct+single+double indirect ceiling, in bytes
		MagicNumber:     super.Magic,
	}
	super.EncodeSuper(sb, blockAt(1))

	// Bit 0 reserved in both bitmaps (spec.md §6).
	setBit(blockAt(2), 0)
	imapLastBlock := uint32(2) + layout.ImapBlocks - 1
	zmapFirstBlock := imapLastBlock + 1
	setBit(blockAt(zmapFirstBlock), 0)

	// Root inode occupies inode number inode.RootIno == 1, which is bit
	// 1 of the imap -- new_inode's bit-0-reserved convention means the
	// first real allocation is always bit 1.
	setBit(blockAt(2), inode.RootIno)

	// Root directory's data lives in the first data zone, zone number
	// first_data_zone (bitmap.NewZone's convention: bit k is zone
	// first_data_zone-1+k, so bit 1 is the first data zone itself).
	setBit(blockAt(zmapFirstBlock), 1)
	rootZone := layout.FirstDataZone

	rootInode := inode.Inode{
		Mode:   0040755, // directory, rwxr-xr-x
		NLinks: 2,       // "." and the parent's entry onto this root
		Size:   uint32(2 * DirEntrySize),
	}
	rootInode.Zone[0] = uint16(rootZone)
	writeInodeRecord(blockAt(layout.InodeTableBlock), 0, rootInode)

	dirBlock := blockAt(rootZone)
	EncodeDirEntry(DirEntry{Inode: inode.RootIno, Name: NewDirName(".")}, dirBlock[0:DirEntrySize])
	EncodeDirEntry(DirEntry{Inode: inode.RootIno, Name: NewDirName("..")}, dirBlock[DirEntrySize:2*DirEntrySize])

	return image, layout, nil
}

// setBit sets bit k of a bitmap block in place, used only while
// hand-assembling a fresh image before any buffercache.Cache exists to
// own these blocks (bitmap.Maps.NewInode/NewZone take over afterward).
func setBit(block []byte, k uint32) {
	block[k/8] |= 1 << (k % 8)
}

// writeInodeRecord encodes one on-disk inode at the given slot index
// within an inode-table block, duplicating the little-endian layout
// inode.Table's unexported encodeInode uses -- kept separate because
// mkfs writes a single bootstrap inode before any Table exists.
func writeInodeRecord(block []byte, slot int, in inode.Inode) {
	rec := block[slot*inode.OnDiskSize : (slot+1)*inode.OnDiskSize]
	le16 := func(off int, v uint16) { rec[off], rec[off+1] = byte(v), byte(v>>8) }
	le32 := func(off int, v uint32) {
		rec[off] = byte(v)
		rec[off+1] = byte(v >> 8)
		rec[off+2] = byte(v >> 16)
		rec[off+3] = byte(v >> 24)
	}
	le16(0, in.Mode)
	le16(2, in.UID)
	le32(4, in.Size)
	le32(8, in.Mtime)
	rec[12] = in.GID
	rec[13] = in.NLinks
	for i, z := range in.Zone {
		le16(14+i*2, z)
	}
}

// WriteFile atomically persists a formatted image to path, so a crash
// mid-write never leaves a half-written superblock or bitmap on disk
// (the same concern EncodeSuper's 18-byte record exists to keep atomic
// within a single block; WriteFile extends that guarantee to the whole
// image file).
func WriteFile(path string, image []byte) error {
	return atomic.WriteFile(path, bytes.NewReader(image))
}

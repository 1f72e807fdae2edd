// Package bitmap implements the inode and zone bitmap allocator
// described in spec.md §4.4: free_block/new_block and
// free_inode/new_inode over the eight fixed bitmap buffers a mounted
// filesystem pins for the lifetime of the mount. Grounded on
// _examples/original_source/fs/bitmap.c.
package bitmap

import (
	"fmt"

	"github.com/minix012/kernel/buffercache"
)

// Slots is the number of bitmap buffers a filesystem pins for each of
// its inode and zone bitmaps (I_MAP_SLOTS / Z_MAP_SLOTS in the
// original, both 8).
const Slots = 8

// BitsPerBlock is the number of bits addressed by one 1024-byte bitmap
// block.
const BitsPerBlock = buffercache.BlockSize * 8 // 8192

// Logger is the minimal logging contract for the non-fatal "bit already
// set/cleared" consistency warnings the original reports with printk
// rather than panic.
type Logger interface {
	Printf(format string, v ...interface{})
}

// Maps is the pair of pinned bitmap buffer arrays a mounted filesystem
// owns: Super keeps one of these alive (never releasing the buffers)
// for as long as the device is mounted, mirroring s_imap/s_zmap.
type Maps struct {
	Dev   uint32
	Cache *buffercache.Cache

	IMap [Slots]*buffercache.Buffer
	ZMap [Slots]*buffercache.Buffer

	NInodes       uint32
	NZones        uint32
	FirstDataZone uint32

	Logger Logger
}

func (m *Maps) logf(format string, v ...interface{}) {
	if m.Logger != nil {
		m.Logger.Printf(format, v...)
	}
}

// findFirstZero is find_first_zero: the offset in bits of the first
// clear bit in data, or BitsPerBlock if every bit is set.
func findFirstZero(data []byte) int {
	for i, b := range data {
		if b == 0xFF {
			continue
		}
		for bit := 0; bit < 8; bit++ {
			if b&(1<<uint(bit)) == 0 {
				return i*8 + bit
			}
		}
	}
	return BitsPerBlock
}

func testBit(data []byte, nr int) bool {
	return data[nr/8]&(1<<uint(nr%8)) != 0
}

// setBit reports whether the bit was already set, matching the
// original's set_bit return value convention.
func setBit(data []byte, nr int) bool {
	already := testBit(data, nr)
	data[nr/8] |= 1 << uint(nr%8)
	return already
}

// clearBit reports whether the bit was already clear.
func clearBit(data []byte, nr int) bool {
	already := !testBit(data, nr)
	data[nr/8] &^= 1 << uint(nr%8)
	return already
}

// NewZone is new_block: scan the zone bitmap for the first free bit,
// claim it, zero the corresponding data block on disk and return its
// zone number. Returns (0, false) if the device is full.
func (m *Maps) NewZone() (uint32, bool) {
	var bh *buffercache.Buffer
	slot := Slots
	offset := BitsPerBlock
	for i := 0; i < Slots; i++ {
		if m.ZMap[i] == nil {
			continue
		}
		if j := findFirstZero(m.ZMap[i].Data()); j < BitsPerBlock {
			bh, slot, offset = m.ZMap[i], i, j
			break
		}
	}
	if bh == nil || offset >= BitsPerBlock {
		return 0, false
	}
	if setBit(bh.Data(), offset) {
		panic("bitmap: new_block: bit already set")
	}
	bh.MarkDirty()

	zone := uint32(offset) + uint32(slot)*BitsPerBlock + m.FirstDataZone - 1
	if zone >= m.NZones {
		return 0, false
	}

	blk := m.Cache.GetBlk(m.Dev, zone)
	if blk.Count() != 1 {
		panic("bitmap: new_block: count is != 1")
	}
	data := blk.Data()
	for i := range data {
		data[i] = 0
	}
	blk.SetUptodate(true)
	blk.MarkDirty()
	m.Cache.Brelse(blk)
	return zone, true
}

// FreeZone is free_block: release the cache's reference to the zone's
// buffer (discarding its dirty and uptodate state if nothing else holds
// it), then clear its bitmap bit. zone must lie in the data zone range;
// violating that is a programming error, not a recoverable condition,
// so it panics exactly as the original does.
func (m *Maps) FreeZone(zone uint32) {
	if zone < m.FirstDataZone || zone >= m.NZones {
		panic("bitmap: trying to free block not in datazone")
	}

	if bh := m.Cache.GetHashTable(m.Dev, zone); bh != nil {
		if bh.Count() > 1 {
			m.Cache.Brelse(bh)
		} else {
			bh.SetDirty(false)
			bh.SetUptodate(false)
			if bh.Count() > 0 {
				m.Cache.Brelse(bh)
			}
		}
	}

	rel := zone - (m.FirstDataZone - 1)
	slot := int(rel / BitsPerBlock)
	bit := int(rel % BitsPerBlock)
	bh := m.ZMap[slot]
	if bh == nil {
		panic("bitmap: free_block: nonexistent zmap slot")
	}
	if clearBit(bh.Data(), bit) {
		m.logf("bitmap: free_block (%d:%d): bit already cleared", m.Dev, zone)
	}
	bh.MarkDirty()
}

// NewInode is the bitmap half of new_inode: claim the first free bit in
// the inode bitmap and return the 1-based inode number. Inode struct
// population (uid/gid/timestamps/i_count) is the inode package's job,
// matching the separation between bitmap.c and inode.c in the original.
func (m *Maps) NewInode() (uint32, bool) {
	var bh *buffercache.Buffer
	slot := Slots
	offset := BitsPerBlock
	for i := 0; i < Slots; i++ {
		if m.IMap[i] == nil {
			continue
		}
		if j := findFirstZero(m.IMap[i].Data()); j < BitsPerBlock {
			bh, slot, offset = m.IMap[i], i, j
			break
		}
	}
	num := uint32(offset) + uint32(slot)*BitsPerBlock
	if bh == nil || offset >= BitsPerBlock || num > m.NInodes {
		return 0, false
	}
	if setBit(bh.Data(), offset) {
		panic("bitmap: new_inode: bit already set")
	}
	bh.MarkDirty()
	return num, true
}

// FreeInode is free_inode's bitmap half: clear num's bit in the inode
// bitmap. num must be in [1, NInodes]; out-of-range is a programming
// error in the caller (inode.Table's Iput/freeInode path already
// validates the live inode before calling here), so it panics.
func (m *Maps) FreeInode(num uint32) {
	if num < 1 || num > m.NInodes {
		panic("bitmap: trying to free inode 0 or nonexistent inode")
	}
	bh := m.IMap[num/BitsPerBlock]
	if bh == nil {
		panic(fmt.Sprintf("bitmap: nonexistent imap slot for inode %d", num))
	}
	if clearBit(bh.Data(), int(num%BitsPerBlock)) {
		m.logf("bitmap: free_inode %d: bit already cleared", num)
	}
	bh.MarkDirty()
}

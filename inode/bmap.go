package inode

import (
	"time"

	"github.com/minix012/kernel/bitmap"
)

// Block-count constants from spec.md §9/§4.6: 7 direct zones, 512
// single-indirect entries (a 1024-byte block of 16-bit zone numbers),
// 512*512 double-indirect entries.
const (
	directZones     = 7
	indirectEntries = 512
	maxBlock        = directZones + indirectEntries + indirectEntries*indirectEntries
)

// Bmap is bmap: translate file-relative block index b to its device
// zone, or 0 if unmapped. Never allocates.
func (t *Table) Bmap(inode *Inode, block uint32) uint32 {
	return t.bmap(inode, block, false)
}

// CreateBlock is create_block: like Bmap, but allocates any missing
// direct/indirect/data zone along the way.
func (t *Table) CreateBlock(inode *Inode, block uint32) uint32 {
	return t.bmap(inode, block, true)
}

// bmap is _bmap. block >= maxBlock is a programming-invariant
// violation -- the design caps files at 7 direct + 1 single-indirect +
// 1 double-indirect zone of 16-bit zone numbers (spec.md §1 Non-goals).
func (t *Table) bmap(inode *Inode, block uint32, create bool) uint32 {
	if block >= maxBlock {
		panic("inode: _bmap: block too big")
	}

	if block < directZones {
		if create && inode.Zone[block] == 0 {
			if z := t.newZoneFor(inode); z != 0 {
				inode.Zone[block] = uint16(z)
				t.touchCtime(inode)
			}
		}
		return uint32(inode.Zone[block])
	}
	block -= directZones

	if block < indirectEntries {
		return t.bmapIndirect(inode, 7, block, create)
	}
	block -= indirectEntries

	return t.bmapDoubleIndirect(inode, block, create)
}

// bmapIndirect resolves one level of indirection through the zone
// stored at inode.Zone[slot] (called only with slot 7, the
// single-indirect zone; double-indirect is bmapDoubleIndirect), entry
// index within that block.
func (t *Table) bmapIndirect(inode *Inode, slot int, entry uint32, create bool) uint32 {
	if create && inode.Zone[slot] == 0 {
		if z := t.newZoneFor(inode); z != 0 {
			inode.Zone[slot] = uint16(z)
			t.touchCtime(inode)
		}
	}
	if inode.Zone[slot] == 0 {
		return 0
	}
	bh, ok := t.cache.Bread(inode.Dev, uint32(inode.Zone[slot]))
	if !ok {
		return 0
	}
	defer t.cache.Brelse(bh)

	i := readZoneEntry(bh.Data(), entry)
	if create && i == 0 {
		if z := t.newZoneFor(inode); z != 0 {
			i = z
			writeZoneEntry(bh.Data(), entry, i)
			bh.MarkDirty()
		}
	}
	return i
}

// bmapDoubleIndirect resolves the two-level indirection through
// inode.Zone[8]: the outer entry (b>>9) names a block of 512 inner zone
// numbers, the inner entry (b&511) names the data zone.
func (t *Table) bmapDoubleIndirect(inode *Inode, block uint32, create bool) uint32 {
	if create && inode.Zone[8] == 0 {
		if z := t.newZoneFor(inode); z != 0 {
			inode.Zone[8] = uint16(z)
			t.touchCtime(inode)
		}
	}
	if inode.Zone[8] == 0 {
		return 0
	}
	bh, ok := t.cache.Bread(inode.Dev, uint32(inode.Zone[8]))
	if !ok {
		return 0
	}
	outerEntry := block >> 9
	inner := readZoneEntry(bh.Data(), outerEntry)
	if create && inner == 0 {
		if z := t.newZoneFor(inode); z != 0 {
			inner = z
			writeZoneEntry(bh.Data(), outerEntry, inner)
			bh.MarkDirty()
		}
	}
	t.cache.Brelse(bh)
	if inner == 0 {
		return 0
	}

	bh2, ok := t.cache.Bread(inode.Dev, inner)
	if !ok {
		return 0
	}
	defer t.cache.Brelse(bh2)

	innerEntry := block & (indirectEntries - 1)
	i := readZoneEntry(bh2.Data(), innerEntry)
	if create && i == 0 {
		if z := t.newZoneFor(inode); z != 0 {
			i = z
			writeZoneEntry(bh2.Data(), innerEntry, i)
			bh2.MarkDirty()
		}
	}
	return i
}

func readZoneEntry(data []byte, idx uint32) uint32 {
	return uint32(data[idx*2]) | uint32(data[idx*2+1])<<8
}

func writeZoneEntry(data []byte, idx uint32, v uint32) {
	data[idx*2] = byte(v)
	data[idx*2+1] = byte(v >> 8)
}

// newZoneFor allocates a fresh zone via the inode's device bitmap and
// marks the inode dirty (the caller sets ctime and zeroes-or-links as
// appropriate around the call).
func (t *Table) newZoneFor(inode *Inode) uint32 {
	z, ok := inode.bitmapFor().NewZone()
	if !ok {
		return 0
	}
	t.mu.Lock()
	inode.dirty = true
	t.mu.Unlock()
	return z
}

func (t *Table) touchCtime(inode *Inode) {
	t.mu.Lock()
	inode.Ctime = uint32(time.Now().Unix())
	t.mu.Unlock()
}

// Truncate is truncate: free every zone reachable from inode (direct,
// single-indirect, and double-indirect, including the indirection
// blocks themselves), then reset size and zero every zone slot. Used by
// Iput when nlinks has dropped to zero.
func (t *Table) Truncate(inode *Inode) {
	bm := inode.bitmapFor()

	for i := 0; i < directZones; i++ {
		if inode.Zone[i] != 0 {
			bm.FreeZone(uint32(inode.Zone[i]))
			inode.Zone[i] = 0
		}
	}
	if inode.Zone[7] != 0 {
		t.freeIndirect(inode, uint32(inode.Zone[7]), bm)
		inode.Zone[7] = 0
	}
	if inode.Zone[8] != 0 {
		t.freeDoubleIndirect(inode, uint32(inode.Zone[8]), bm)
		inode.Zone[8] = 0
	}

	t.mu.Lock()
	inode.Size = 0
	inode.dirty = true
	t.mu.Unlock()
}

func (t *Table) freeIndirect(inode *Inode, zone uint32, bm *bitmap.Maps) {
	bh, ok := t.cache.Bread(inode.Dev, zone)
	if ok {
		for i := uint32(0); i < indirectEntries; i++ {
			if z := readZoneEntry(bh.Data(), i); z != 0 {
				bm.FreeZone(z)
			}
		}
		t.cache.Brelse(bh)
	}
	bm.FreeZone(zone)
}

func (t *Table) freeDoubleIndirect(inode *Inode, zone uint32, bm *bitmap.Maps) {
	bh, ok := t.cache.Bread(inode.Dev, zone)
	if ok {
		for i := uint32(0); i < indirectEntries; i++ {
			if z := readZoneEntry(bh.Data(), i); z != 0 {
				t.freeIndirect(inode, z, bm)
			}
		}
		t.cache.Brelse(bh)
	}
	bm.FreeZone(zone)
}

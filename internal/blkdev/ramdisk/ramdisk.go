// Package ramdisk implements an in-memory blkdev.Driver, the Go
// counterpart of do_rd_request in the original kernel's RAM disk
// driver. It backs the tests with a disk image that never touches the
// filesystem.
package ramdisk

import (
	"context"

	"github.com/minix012/kernel/internal/blkdev"
)

// Disk is a byte slice addressed in blkdev.SectorSize sectors.
type Disk struct {
	sectors []byte
}

// New allocates a zeroed disk of the given sector count.
func New(nrSectors uint64) *Disk {
	return &Disk{sectors: make([]byte, nrSectors*blkdev.SectorSize)}
}

// NewFromImage wraps an existing byte slice (its length is rounded down
// to a whole number of sectors).
func NewFromImage(image []byte) *Disk {
	n := (len(image) / blkdev.SectorSize) * blkdev.SectorSize
	return &Disk{sectors: image[:n]}
}

// Bytes exposes the backing store, mainly for tests that want to
// inspect the disk out of band.
func (d *Disk) Bytes() []byte { return d.sectors }

// Do performs the transfer directly against the backing slice. It fails
// only for a transfer past the end of the disk or a command other than
// Read/Write -- there is no simulated hardware error path here, since
// the whole point of a ramdisk is that the medium can't misbehave; for
// in-range transfers retry logic in blkdev.Queue degenerates to a
// single successful attempt.
func (d *Disk) Do(_ context.Context, cmd blkdev.Command, sector, nrSectors uint64, buf []byte) bool {
	start := sector * blkdev.SectorSize
	end := start + nrSectors*blkdev.SectorSize
	if end > uint64(len(d.sectors)) {
		return false
	}
	switch cmd {
	case blkdev.Read:
		copy(buf, d.sectors[start:end])
	case blkdev.Write:
		copy(d.sectors[start:end], buf)
	default:
		return false
	}
	return true
}

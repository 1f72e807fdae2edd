// Package testutil collects the small test fixture every package in
// this module rebuilds: a ramdisk-backed buffer cache wired through a
// request router. Grounded on fuse/internal/testutil's role in the
// teacher repo (shared setup helpers for *_test.go files across
// packages), adapted from FUSE mount/unmount fixtures to this domain's
// disk/cache fixture.
package testutil

import (
	"testing"

	"github.com/minix012/kernel/buffercache"
	"github.com/minix012/kernel/internal/blkdev"
	"github.com/minix012/kernel/internal/blkdev/ramdisk"
)

// Dev is the device number every test fixture registers its ramdisk
// under, chosen to match the non-zero "device 0 means unallocated"
// convention the bitmap/inode packages rely on.
const Dev = 1

// testLogger adapts *testing.T to buffercache.Logger, only emitting
// anything when VerboseTest reports DEBUG=1 -- otherwise every fixture
// cache would spam t.Logf for every expected-exceptional condition the
// buffer cache and friends log in the ordinary course of a test.
type testLogger struct {
	t *testing.T
}

func (l testLogger) Printf(format string, v ...interface{}) {
	if VerboseTest() {
		l.t.Logf(format, v...)
	}
}

// NewCache builds a ramdisk of nrSectors sectors behind a request
// router, and a buffer cache of nrBuffers headers over it. t.Helper()
// marks every failure inside as belonging to the caller.
func NewCache(t *testing.T, nrBuffers int, nrSectors uint64) *buffercache.Cache {
	t.Helper()
	router := blkdev.NewRouter(blkdev.NRRequest)
	disk := ramdisk.New(nrSectors)
	router.Register(Dev, disk)
	return buffercache.New(nrBuffers, router, testLogger{t})
}

// ZeroBlock fetches block via GetBlk, zeroes it, marks it uptodate and
// dirty, and releases it -- the common "lay down a known-zero block
// before a bitmap/superblock test reads or writes into it" step.
func ZeroBlock(t *testing.T, cache *buffercache.Cache, dev, block uint32) {
	t.Helper()
	b := cache.GetBlk(dev, block)
	for i := range b.Data() {
		b.Data()[i] = 0
	}
	b.SetUptodate(true)
	b.MarkDirty()
	cache.Brelse(b)
}

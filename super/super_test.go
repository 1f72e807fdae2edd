package super

import (
	"testing"

	"github.com/minix012/kernel/buffercache"
	"github.com/minix012/kernel/inode"
	"github.com/minix012/kernel/internal/testutil"
)

const testDev = testutil.Dev

// writeFakeImage lays out a minimal on-disk image directly through the
// cache: block 1 is the superblock record, blocks 2..2+imap-1 the inode
// bitmap, the rest the zone bitmap, matching the layout ReadSuper walks.
func writeFakeImage(t *testing.T, cache *buffercache.Cache, ninodes, nzones, firstDataZone uint16) {
	t.Helper()
	sb := &Super{
		NInodes:         ninodes,
		NZones:          nzones,
		ImapBlocksCount: 1,
		ZmapBlocksCount: 1,
		FirstDataZone:   firstDataZone,
		LogZoneSize:     0,
		MaxSize:         7 * 1024,
		MagicNumber:     Magic,
	}
	b := cache.GetBlk(testDev, 1)
	EncodeSuper(sb, b.Data())
	b.MarkDirty()
	b.SetUptodate(true)
	cache.Brelse(b)

	imap := cache.GetBlk(testDev, 2)
	for i := range imap.Data() {
		imap.Data()[i] = 0
	}
	imap.Data()[0] |= 1 // bit 0 reserved
	imap.MarkDirty()
	imap.SetUptodate(true)
	cache.Brelse(imap)

	zmap := cache.GetBlk(testDev, 3)
	for i := range zmap.Data() {
		zmap.Data()[i] = 0
	}
	zmap.Data()[0] |= 1
	zmap.MarkDirty()
	zmap.SetUptodate(true)
	cache.Brelse(zmap)
}

func newTestRegistry(t *testing.T) (*Registry, *buffercache.Cache) {
	t.Helper()
	cache := testutil.NewCache(t, 64, 4096)

	writeFakeImage(t, cache, 64, 512, 40)

	registry := NewRegistry(cache, nil, nil)
	table := inode.NewTable(16, cache, registry, nil)
	registry.SetTable(table)
	return registry, cache
}

func TestReadSuperDecodesFields(t *testing.T) {
	registry, _ := newTestRegistry(t)
	sb, err := registry.ReadSuper(testDev)
	if err != nil {
		t.Fatalf("ReadSuper: %v", err)
	}
	if sb.NInodes != 64 || sb.NZones != 512 || sb.FirstDataZone != 40 {
		t.Fatalf("ReadSuper: got nin=%d nz=%d fdz=%d", sb.NInodes, sb.NZones, sb.FirstDataZone)
	}
	if sb.BitmapMaps.IMap[0] == nil || sb.BitmapMaps.ZMap[0] == nil {
		t.Fatalf("ReadSuper: bitmap buffers not pinned")
	}
}

func TestReadSuperCachesSameSuper(t *testing.T) {
	registry, _ := newTestRegistry(t)
	a, err := registry.ReadSuper(testDev)
	if err != nil {
		t.Fatalf("ReadSuper: %v", err)
	}
	b, err := registry.ReadSuper(testDev)
	if err != nil {
		t.Fatalf("ReadSuper (second): %v", err)
	}
	if a != b {
		t.Fatalf("ReadSuper: expected the same *Super on repeat calls")
	}
}

func TestReadSuperBadMagic(t *testing.T) {
	cache := testutil.NewCache(t, 64, 4096)

	writeFakeImage(t, cache, 64, 512, 40)
	b, ok := cache.Bread(testDev, 1)
	if !ok {
		t.Fatalf("Bread: want ok")
	}
	b.Data()[16] = 0xFF
	b.Data()[17] = 0xFF
	b.MarkDirty()
	cache.Brelse(b)

	registry := NewRegistry(cache, nil, nil)
	if _, err := registry.ReadSuper(testDev); err == nil {
		t.Fatalf("ReadSuper: want error on bad magic")
	}
}

func TestMountGivesRootInode(t *testing.T) {
	registry, _ := newTestRegistry(t)
	root, err := registry.Mount(testDev, nil)
	if err != nil {
		t.Fatalf("Mount: %v", err)
	}
	if root.Num != RootIno {
		t.Fatalf("Mount: got root num %d, want %d", root.Num, RootIno)
	}
	registry.Unmount(testDev)
}

func TestMountOntoSetsMountFlag(t *testing.T) {
	registry, _ := newTestRegistry(t)
	_, err := registry.Mount(testDev, nil)
	if err != nil {
		t.Fatalf("Mount root: %v", err)
	}
	mountpoint, ok := registry.table.NewInode(testDev, 0, 0)
	if !ok {
		t.Fatalf("NewInode: want ok")
	}

	root, err := registry.Mount(testDev, mountpoint)
	if err != nil {
		t.Fatalf("Mount onto: %v", err)
	}
	if !mountpoint.Mount() {
		t.Fatalf("Mount: mountpoint inode should have i_mount set")
	}

	dev, rootIno, ok := registry.MountRoot(mountpoint)
	if !ok || dev != testDev || rootIno != RootIno {
		t.Fatalf("MountRoot: got (%d,%d,%v)", dev, rootIno, ok)
	}

	registry.table.Iput(root)
	registry.table.Iput(mountpoint)
}

func TestPutSuperReleasesBitmapBuffers(t *testing.T) {
	registry, cache := newTestRegistry(t)
	sb, err := registry.ReadSuper(testDev)
	if err != nil {
		t.Fatalf("ReadSuper: %v", err)
	}
	imap := sb.BitmapMaps.IMap[0]
	before := imap.Count()

	registry.PutSuper(testDev)
	if imap.Count() != before-1 {
		t.Fatalf("PutSuper: imap refcount = %d, want %d", imap.Count(), before-1)
	}
	if _, ok := registry.GetSuper(testDev); ok {
		t.Fatalf("PutSuper: GetSuper should fail after put")
	}
	cache.SyncDev(testDev)
}

type fakeMediaChanger struct{ changed bool }

func (f *fakeMediaChanger) MediaChanged(dev uint32) bool { return f.changed }

func TestCheckDiskChangeTearsDownSuper(t *testing.T) {
	registry, _ := newTestRegistry(t)
	changer := &fakeMediaChanger{changed: true}
	registry.SetMediaChanger(changer)

	if _, err := registry.ReadSuper(testDev); err != nil {
		t.Fatalf("ReadSuper: %v", err)
	}
	registry.CheckDiskChange(testDev)

	if _, ok := registry.GetSuper(testDev); ok {
		t.Fatalf("CheckDiskChange: superblock should be torn down")
	}
}

func TestCheckDiskChangeNoopWithoutChanger(t *testing.T) {
	registry, _ := newTestRegistry(t)
	if _, err := registry.ReadSuper(testDev); err != nil {
		t.Fatalf("ReadSuper: %v", err)
	}
	registry.CheckDiskChange(testDev) // no MediaChanger registered
	if _, ok := registry.GetSuper(testDev); !ok {
		t.Fatalf("CheckDiskChange: superblock should survive with no MediaChanger")
	}
}

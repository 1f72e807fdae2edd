package fdisk

import (
	"bytes"
	"context"
	"os"
	"testing"

	"github.com/minix012/kernel/internal/blkdev"
)

func newTestFile(t *testing.T, size int) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "fdisk-*.img")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	defer f.Close()
	if err := f.Truncate(int64(size)); err != nil {
		t.Fatalf("Truncate: %v", err)
	}
	return f.Name()
}

func TestWriteThenReadRoundTrips(t *testing.T) {
	path := newTestFile(t, 4096)
	disk, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer disk.Close()

	want := bytes.Repeat([]byte{0xAB}, blkdev.SectorSize*blkdev.BlockSectors)
	if ok := disk.Do(context.Background(), blkdev.Write, 4, blkdev.BlockSectors, want); !ok {
		t.Fatalf("Do(Write): want ok")
	}

	got := make([]byte, blkdev.SectorSize*blkdev.BlockSectors)
	if ok := disk.Do(context.Background(), blkdev.Read, 4, blkdev.BlockSectors, got); !ok {
		t.Fatalf("Do(Read): want ok")
	}
	if !bytes.Equal(want, got) {
		t.Fatalf("round trip mismatch: wrote %x, read %x", want, got)
	}
}

func TestReadAtUntouchedSectorIsZero(t *testing.T) {
	path := newTestFile(t, 4096)
	disk, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer disk.Close()

	got := make([]byte, blkdev.SectorSize*blkdev.BlockSectors)
	if ok := disk.Do(context.Background(), blkdev.Read, 0, blkdev.BlockSectors, got); !ok {
		t.Fatalf("Do(Read): want ok")
	}
	for i, b := range got {
		if b != 0 {
			t.Fatalf("byte %d = %#x, want 0 on a freshly truncated file", i, b)
		}
	}
}

func TestOpenMissingFileFails(t *testing.T) {
	if _, err := Open(t.TempDir() + "/does-not-exist.img"); err == nil {
		t.Fatalf("Open: want error for a missing file")
	}
}

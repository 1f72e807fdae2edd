package blkdev_test

import (
	"context"
	"sync"
	"testing"

	"github.com/minix012/kernel/buffercache"
	"github.com/minix012/kernel/internal/blkdev"
)

// recordingDriver records every (cmd, sector) it was asked to perform,
// in dispatch order, so tests can assert on the elevator's ordering
// guarantees. Driver.Do is not told the device, so call.dev stays 0.
type recordingDriver struct {
	mu      sync.Mutex
	calls   []call
	failN   int // when failDev is set, fail the first failN calls, then succeed
	failDev uint32
}

type call struct {
	cmd    blkdev.Command
	dev    uint32
	sector uint64
}

func (d *recordingDriver) Do(_ context.Context, cmd blkdev.Command, sector, nrSectors uint64, buf []byte) bool {
	d.mu.Lock()
	d.calls = append(d.calls, call{cmd, 0, sector})
	n := len(d.calls)
	d.mu.Unlock()
	if d.failDev != 0 && n <= d.failN {
		return false
	}
	return true
}

func newCacheWithDriver(t *testing.T, dev uint32, driver blkdev.Driver) *buffercache.Cache {
	t.Helper()
	router := blkdev.NewRouter(blkdev.NRRequest)
	router.Register(dev, driver)
	return buffercache.New(16, router, nil)
}

func TestRequestUnregisteredDevicePanics(t *testing.T) {
	router := blkdev.NewRouter(blkdev.NRRequest)
	cache := buffercache.New(4, router, nil)
	defer func() {
		if recover() == nil {
			t.Fatalf("Bread on unregistered device: want panic")
		}
	}()
	cache.Bread(99, 0)
}

func TestBreadFailsAfterMaxErrors(t *testing.T) {
	const dev = 1
	driver := &recordingDriver{failN: blkdev.MaxErrors, failDev: dev}
	cache := newCacheWithDriver(t, dev, driver)

	_, ok := cache.Bread(dev, 5)
	if ok {
		t.Fatalf("Bread: want failure after %d errors", blkdev.MaxErrors)
	}
	driver.mu.Lock()
	n := len(driver.calls)
	driver.mu.Unlock()
	if n != blkdev.MaxErrors {
		t.Fatalf("Bread: driver invoked %d times, want %d", n, blkdev.MaxErrors)
	}
}

func TestBreadSucceedsAfterTransientErrors(t *testing.T) {
	const dev = 1
	driver := &recordingDriver{failN: blkdev.MaxErrors - 1, failDev: dev}
	cache := newCacheWithDriver(t, dev, driver)

	b, ok := cache.Bread(dev, 5)
	if !ok {
		t.Fatalf("Bread: want success within the retry budget")
	}
	cache.Brelse(b)
}

// gatedDriver holds its first Do call until release is closed, so the
// requests queued behind it sit in the elevator queue together.
type gatedDriver struct {
	recordingDriver
	release chan struct{}
	once    sync.Once
}

func (d *gatedDriver) Do(ctx context.Context, cmd blkdev.Command, sector, nrSectors uint64, buf []byte) bool {
	d.once.Do(func() { <-d.release })
	return d.recordingDriver.Do(ctx, cmd, sector, nrSectors, buf)
}

func TestReadsDispatchBeforeWrites(t *testing.T) {
	const dev = 1
	driver := &gatedDriver{release: make(chan struct{})}
	router := blkdev.NewRouter(blkdev.NRRequest)
	router.Register(dev, driver)
	cache := buffercache.New(16, router, nil)

	// A read of block 1 holds the head of the queue while the driver is
	// gated. A write of block 5 is queued next, then a read of block 3:
	// IN_ORDER must place the read ahead of the previously-queued write.
	head := cache.GetBlk(dev, 1)
	router.Request(blkdev.Read, head)

	wb := cache.GetBlk(dev, 5)
	wb.Data()[0] = 1
	wb.MarkDirty()
	router.Request(blkdev.Write, wb)

	rb := cache.GetBlk(dev, 3)
	router.Request(blkdev.Read, rb)

	close(driver.release)
	cache.Brelse(head) // each Brelse waits for that buffer's I/O to finish
	cache.Brelse(wb)
	cache.Brelse(rb)

	driver.mu.Lock()
	defer driver.mu.Unlock()
	if len(driver.calls) != 3 || driver.calls[0].cmd != blkdev.Read || driver.calls[1].cmd != blkdev.Read || driver.calls[2].cmd != blkdev.Write {
		t.Fatalf("expected the read to dispatch ahead of the queued write, got %+v", driver.calls)
	}
}

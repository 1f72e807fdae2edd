// Package blkdev implements the block request layer: a bounded pool of
// request descriptors, a per-device elevator-ordered queue, and the
// Driver contract a concrete device (ramdisk, file-backed disk) must
// satisfy. It is the Go counterpart of kernel/blk_drv/{blk.h,
// ll_rw_blk.c} in _examples/original_source.
package blkdev

import (
	"context"
	"fmt"

	"golang.org/x/sync/semaphore"

	"github.com/minix012/kernel/waitq"
)

// Command is the request's opcode. READA/WRITEA are demoted to
// READ/WRITE before a descriptor is ever queued (see Request), so a
// queued Descriptor's Cmd is always Read or Write -- the ordering the
// elevator relies on assumes exactly those two values compare as "reads
// before writes".
type Command int

const (
	Read Command = iota
	Write
	ReadAhead
	WriteAhead
)

func (c Command) String() string {
	switch c {
	case Read:
		return "READ"
	case Write:
		return "WRITE"
	case ReadAhead:
		return "READA"
	case WriteAhead:
		return "WRITEA"
	default:
		return fmt.Sprintf("Command(%d)", int(c))
	}
}

// SectorSize is one disk sector; BlockSectors is the number of sectors
// in one cache block (spec.md §6: "Block size: 1024 bytes = two 512-byte
// sectors").
const (
	SectorSize   = 512
	BlockSectors = 2
)

// MaxErrors is the retry budget for a single request before the queue
// gives up and completes it with ok=false (spec.md §5, §7; MAX_ERRORS in
// the original is "typically 7").
const MaxErrors = 7

// NRRequest is the size of the fixed request-descriptor pool.
const NRRequest = 32

// Block is the minimal contract a cache buffer must satisfy to be
// driven through the request queue -- the fields ll_rw_block and
// add_request touch directly on a struct buffer_head.
type Block interface {
	Dev() uint32
	BlockNr() uint32
	Data() []byte

	Lock()
	Unlock()
	Locked() bool

	Uptodate() bool
	SetUptodate(bool)
	Dirty() bool
	SetDirty(bool)
}

// Driver performs the actual I/O for one attempt at one descriptor. It
// returns false on failure; the queue retries up to MaxErrors times
// before giving up. Do must not retain buf past return.
type Driver interface {
	Do(ctx context.Context, cmd Command, sector, nrSectors uint64, buf []byte) bool
}

// Descriptor is one element of the fixed request pool (spec.md §3).
type Descriptor struct {
	free      bool
	dev       uint32
	cmd       Command
	errors    int
	sector    uint64
	nrSectors uint64
	buffer    []byte
	bh        Block         // nil for page-sized paging I/O
	waiter    chan struct{} // non-nil when bh is nil
	next      *Descriptor
}

// Pool is the fixed-size request descriptor pool shared by every device
// queue that's attached to it, matching the original's single global
// `struct request request[NR_REQUEST]` array. inFlight caps how many
// descriptors across every attached queue may be inside driver.Do at
// once, modeling NR_REQUEST's pool pressure as a weighted semaphore
// acquired by dispatch around each descriptor's driver attempts. Each Queue only ever runs one dispatch goroutine
// processing one descriptor at a time, so with the current one-goroutine-
// per-device-queue wiring this bound is never actually reached unless a
// caller registers more devices on one Pool than the pool's weight --
// it exists so that invariant holds if dispatch is ever changed to run
// more than one request per queue concurrently, not because it clamps
// anything under the present Router/Queue design.
type Pool struct {
	wait     *waitq.Queue
	slots    []Descriptor
	inFlight *semaphore.Weighted
}

// NewPool allocates a pool of n descriptors, all initially free.
func NewPool(n int) *Pool {
	p := &Pool{
		wait:     waitq.NewQueue(),
		slots:    make([]Descriptor, n),
		inFlight: semaphore.NewWeighted(int64(n)),
	}
	for i := range p.slots {
		p.slots[i].free = true
	}
	return p
}

// acquire scans for a free slot: reads may use the whole pool, writes
// only the first two-thirds, reserving the tail third for reads.
func (p *Pool) acquire(rw Command) *Descriptor {
	limit := len(p.slots)
	if rw == Write || rw == WriteAhead {
		limit = (limit * 2) / 3
	}
	for i := limit - 1; i >= 0; i-- {
		if p.slots[i].free {
			return &p.slots[i]
		}
	}
	return nil
}

func (p *Pool) waitForFree() {
	p.wait.Lock()
	p.wait.Wait()
	p.wait.Unlock()
}

func (p *Pool) release(d *Descriptor) {
	d.bh = nil
	d.waiter = nil
	d.buffer = nil
	d.next = nil
	d.free = true
	p.wait.Wake()
}

// inOrder is the elevator comparator IN_ORDER(s1,s2): reads before
// writes, then by device, then by starting sector.
func inOrder(a, b *Descriptor) bool {
	if a.cmd != b.cmd {
		return a.cmd < b.cmd
	}
	if a.dev != b.dev {
		return a.dev < b.dev
	}
	return a.sector < b.sector
}

// Queue is a single device's FIFO/elevator request list, rooted at
// current (CURRENT in the original), plus the pool it draws descriptors
// from and the Driver that actually performs I/O.
type Queue struct {
	pool   *Pool
	driver Driver

	mu      *waitq.Queue // guards current; also used to serialize dispatch
	current *Descriptor
}

// NewQueue attaches a per-device queue to a shared descriptor pool and a
// concrete driver.
func NewQueue(pool *Pool, driver Driver) *Queue {
	return &Queue{pool: pool, driver: driver, mu: waitq.NewQueue()}
}

// Request is ll_rw_block/make_request: submit bh for rw through the
// elevator queue. READA/WRITEA drop silently if bh is already locked
// (someone else's I/O is already in flight for it); otherwise they
// demote to READ/WRITE. A write against a clean buffer, or a read
// against an already-uptodate buffer, is a no-op.
func (q *Queue) Request(rw Command, bh Block) {
	rwAhead := rw == ReadAhead || rw == WriteAhead
	if rwAhead {
		if bh.Locked() {
			return
		}
		if rw == ReadAhead {
			rw = Read
		} else {
			rw = Write
		}
	}
	if rw != Read && rw != Write {
		panic("blkdev: bad block command, must be read or write")
	}

	bh.Lock()
	if (rw == Write && !bh.Dirty()) || (rw == Read && bh.Uptodate()) {
		bh.Unlock()
		return
	}

	for {
		d := q.pool.acquire(rw)
		if d == nil {
			if rwAhead {
				bh.Unlock()
				return
			}
			q.pool.waitForFree()
			continue
		}
		d.dev = bh.Dev()
		d.cmd = rw
		d.errors = 0
		d.sector = uint64(bh.BlockNr()) * BlockSectors
		d.nrSectors = BlockSectors
		d.buffer = bh.Data()
		d.waiter = nil
		d.bh = bh
		d.free = false
		q.addRequest(d)
		return
	}
}

// RequestPage is ll_rw_page: a page-sized (no backing buffer header)
// read or write. It returns a channel that's closed once the request
// completes, standing in for the original's "park the caller
// uninterruptibly, schedule()".
func (q *Queue) RequestPage(rw Command, dev uint32, page uint64, buf []byte) <-chan struct{} {
	if rw != Read && rw != Write {
		panic("blkdev: bad block command, must be read or write")
	}
	done := make(chan struct{})
	for {
		d := q.pool.acquire(Read) // page I/O may draw from the full pool either way
		if d == nil {
			q.pool.waitForFree()
			continue
		}
		d.dev = dev
		d.cmd = rw
		d.errors = 0
		d.sector = page << 3 // one page = 8 sectors = 4 blocks
		d.nrSectors = 8
		d.buffer = buf
		d.bh = nil
		d.waiter = done
		d.free = false
		q.addRequest(d)
		return done
	}
}

// addRequest inserts d into the elevator-ordered queue (add_request),
// clearing the backing buffer's dirty bit now that write-back is
// committed to happen, and kicks off the dispatch loop if the queue was
// idle.
func (q *Queue) addRequest(d *Descriptor) {
	if d.bh != nil {
		d.bh.SetDirty(false)
	}
	d.next = nil

	q.mu.Lock()
	wasIdle := q.current == nil
	if wasIdle {
		q.current = d
	} else {
		tmp := q.current
		for tmp.next != nil {
			if d.bh == nil {
				if tmp.next.bh != nil {
					break
				}
				tmp = tmp.next
				continue
			}
			if (inOrder(tmp, d) || !inOrder(tmp, tmp.next)) && inOrder(d, tmp.next) {
				break
			}
			tmp = tmp.next
		}
		d.next = tmp.next
		tmp.next = d
	}
	q.mu.Unlock()

	if wasIdle {
		go q.dispatch()
	}
}

// dispatch drives the queue head to completion (with retries) and
// advances to the next request, looping until the queue drains. This
// stands in for the original's interrupt-driven DEVICE_INTR chain: one
// "interrupt handler" invocation per completed request.
func (q *Queue) dispatch() {
	for {
		q.mu.Lock()
		d := q.current
		q.mu.Unlock()
		if d == nil {
			return
		}

		ctx := context.Background()
		if err := q.pool.inFlight.Acquire(ctx, 1); err != nil {
			panic("blkdev: inFlight semaphore acquire failed: " + err.Error())
		}
		ok := false
		for attempt := 0; attempt < MaxErrors; attempt++ {
			if q.driver.Do(ctx, d.cmd, d.sector, d.nrSectors, d.buffer) {
				ok = true
				break
			}
			d.errors++
		}
		q.pool.inFlight.Release(1)
		q.endRequest(d, ok)
	}
}

// endRequest is end_request: mark the buffer's uptodate bit, unlock it,
// wake whoever's waiting on the request and on the free-descriptor
// queue, free the slot, and advance the device queue.
func (q *Queue) endRequest(d *Descriptor, ok bool) {
	if d.bh != nil {
		d.bh.SetUptodate(ok)
		d.bh.Unlock()
	}
	if d.waiter != nil {
		close(d.waiter)
	}

	q.mu.Lock()
	q.current = d.next
	q.mu.Unlock()

	q.pool.release(d)
}

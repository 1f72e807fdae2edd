package blkdev

import "sync"

// Router dispatches by device id to the right per-device Queue,
// standing in for the original's blk_dev[NR_BLK_DEV] table indexed by
// major number. Here we key by the full 16-bit device id (major<<8 |
// minor) since each minor in this design gets its own backing driver
// (whole disk or partition), not just each major.
type Router struct {
	pool *Pool

	mu     sync.Mutex
	queues map[uint32]*Queue
}

// NewRouter creates a router backed by a shared descriptor pool of the
// given size (NRRequest is the conventional choice).
func NewRouter(poolSize int) *Router {
	return &Router{
		pool:   NewPool(poolSize),
		queues: make(map[uint32]*Queue),
	}
}

// Register attaches dev's driver, replacing whatever was registered
// before. It must be called before any Request naming dev.
func (r *Router) Register(dev uint32, driver Driver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queues[dev] = NewQueue(r.pool, driver)
}

func (r *Router) queueFor(dev uint32) *Queue {
	r.mu.Lock()
	q := r.queues[dev]
	r.mu.Unlock()
	return q
}

// Request routes bh's request to its device's queue. It panics if dev
// has no registered driver -- spec.md §7 classifies an unknown device
// at this layer as a programming-invariant violation, not a device
// error.
func (r *Router) Request(rw Command, bh Block) {
	q := r.queueFor(bh.Dev())
	if q == nil {
		panic("blkdev: request for unregistered device")
	}
	q.Request(rw, bh)
}

// RequestPage routes a page-sized request to dev's queue.
func (r *Router) RequestPage(rw Command, dev uint32, page uint64, buf []byte) <-chan struct{} {
	q := r.queueFor(dev)
	if q == nil {
		panic("blkdev: request for unregistered device")
	}
	return q.RequestPage(rw, dev, page, buf)
}

package buffercache

import "github.com/minix012/kernel/waitq"

// BlockSize is the cache's unit of I/O, 1024 bytes (spec.md §3/§6).
const BlockSize = 1024

// Buffer is one cached block: spec.md's buffer header. Every Buffer is
// allocated once at init time by a Cache and lives for the process's
// lifetime, re-keyed on every reuse (see Cache.GetBlk) rather than
// being individually created or destroyed.
type Buffer struct {
	cache *Cache
	gate  *waitq.Gate // b_lock / b_wait

	data []byte // 1024 bytes, owned exclusively for this header's life

	// Everything below is guarded by cache.mu because getblk, brelse,
	// sync_dev and friends all reason about it across every buffer at
	// once, exactly as the original scans the whole hash/free-list
	// structure under cli()/sti().
	dev      uint32
	block    uint32
	uptodate bool
	dirty    bool
	count    int32

	hashNext, hashPrev *Buffer
	freeNext, freePrev *Buffer
}

// Dev is the device this buffer is currently keyed to; zero means free
// (not hashed to any device).
func (b *Buffer) Dev() uint32 {
	b.cache.mu.Lock()
	defer b.cache.mu.Unlock()
	return b.dev
}

// BlockNr is the device-relative block number this buffer is keyed to.
func (b *Buffer) BlockNr() uint32 {
	b.cache.mu.Lock()
	defer b.cache.mu.Unlock()
	return b.block
}

// Data is the buffer's backing 1024-byte page. The slice itself never
// moves or is reallocated, so callers may hold onto it across I/O
// without additional synchronization as long as they respect the
// buffer's lock.
func (b *Buffer) Data() []byte { return b.data }

// Lock blocks until no I/O is in flight for this buffer, then marks it
// locked (lock_buffer in the original's ll_rw_blk.c).
func (b *Buffer) Lock() { b.gate.Lock() }

// Unlock clears the locked flag and wakes anyone waiting on it
// (unlock_buffer / end_request).
func (b *Buffer) Unlock() { b.gate.Unlock() }

// Locked reports whether I/O is currently in flight for this buffer.
func (b *Buffer) Locked() bool { return b.gate.Locked() }

// waitUnlocked is wait_on_buffer: block until no I/O is in flight,
// without claiming the lock for the caller (used by the cache itself,
// which only wants to observe completion, not perform I/O).
func (b *Buffer) waitUnlocked() { b.gate.WaitUnlocked() }

// Uptodate reports whether the in-memory copy reflects a completed
// device read, or is freshly allocated and zeroed.
func (b *Buffer) Uptodate() bool {
	b.cache.mu.Lock()
	defer b.cache.mu.Unlock()
	return b.uptodate
}

func (b *Buffer) SetUptodate(v bool) {
	b.cache.mu.Lock()
	b.uptodate = v
	b.cache.mu.Unlock()
}

// Dirty reports whether the in-memory copy supersedes the device copy.
func (b *Buffer) Dirty() bool {
	b.cache.mu.Lock()
	defer b.cache.mu.Unlock()
	return b.dirty
}

func (b *Buffer) SetDirty(v bool) {
	b.cache.mu.Lock()
	b.dirty = v
	b.cache.mu.Unlock()
}

// MarkDirty is a convenience for callers (bitmap, inode, bmap) that
// just wrote into Data() and need to flag the buffer for write-back;
// it's equivalent to SetDirty(true) but reads better at call sites that
// mirror "bh->b_dirt = 1" in the original.
func (b *Buffer) MarkDirty() { b.SetDirty(true) }

// Count is the live reference count; zero means the buffer is eligible
// for reuse by getblk.
func (b *Buffer) Count() int32 {
	b.cache.mu.Lock()
	defer b.cache.mu.Unlock()
	return b.count
}

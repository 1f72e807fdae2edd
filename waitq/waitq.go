// Package waitq implements the wait-queue and sleep primitive that every
// other package in this module sleeps on: buffer_head.b_lock/b_wait,
// m_inode.i_lock/i_wait, super_block.s_lock/s_wait, and the free-pool
// wait lists (buffer_wait, wait_for_request) of the original design all
// reduce to one of the two types here.
//
// The original kernel is cooperatively scheduled on a single CPU: a
// caller disables interrupts, checks a condition, and if it must wait,
// calls sleep_on(&slot), which pushes the slot's previous occupant onto
// the caller's own stack, parks the caller, and restores the previous
// occupant on wake. wake_up(&slot) marks the referenced task runnable;
// that task's own sleep_on call unwinds the rest of the chain when it
// next runs.
//
// None of that stack-threading is meaningful once real goroutines and a
// preemptive scheduler are involved. What must survive the translation,
// per spec.md §9, is only: "at least one waiter is woken per wake_up,
// and a waiter rechecks its condition after return". A sync.Cond gives
// us exactly that -- Wait() atomically releases the guarding mutex and
// reacquires it before returning, which is the same "release across
// the suspend" spec.md asks for when interrupt-disabling is replaced by
// a per-structure mutex.
package waitq

import "sync"

// Gate models a resource with its own locked flag and wait list: the
// buffer cache's per-buffer b_lock/b_wait, an inode's i_lock/i_wait, or
// a superblock's s_lock/s_wait. Lock/Unlock is the lock_inode/
// unlock_inode pair (claims the gate); WaitUnlocked is wait_on_buffer/
// wait_on_inode (waits for in-flight I/O without claiming the gate for
// itself).
type Gate struct {
	mu     sync.Mutex
	cond   *sync.Cond
	locked bool
}

// NewGate returns an unlocked gate.
func NewGate() *Gate {
	g := &Gate{}
	g.cond = sync.NewCond(&g.mu)
	return g
}

// Lock blocks until the gate is free, then claims it.
func (g *Gate) Lock() {
	g.mu.Lock()
	for g.locked {
		g.cond.Wait()
	}
	g.locked = true
	g.mu.Unlock()
}

// Unlock releases the gate and wakes every waiter. Each waiter rechecks
// its own condition on wake; there is no cancellation.
func (g *Gate) Unlock() {
	g.mu.Lock()
	g.locked = false
	g.mu.Unlock()
	g.cond.Broadcast()
}

// WaitUnlocked blocks until the gate is not locked, without claiming it.
func (g *Gate) WaitUnlocked() {
	g.mu.Lock()
	for g.locked {
		g.cond.Wait()
	}
	g.mu.Unlock()
}

// Wake broadcasts to every waiter blocked in WaitUnlocked or Lock
// without otherwise touching the locked flag -- the pipe-inode path
// reuses a plain inode gate as i_wait, waking readers/writers parked on
// it (wake_up(&inode->i_wait)) independently of any lock/unlock pair.
func (g *Gate) Wake() {
	g.mu.Lock()
	g.mu.Unlock()
	g.cond.Broadcast()
}

// Locked reports the current state. Racy by construction -- like the
// original's bh->b_lock, it is a snapshot that may change the instant
// after it is read; callers must recheck under their own wait loop.
func (g *Gate) Locked() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.locked
}

// Queue is a plain wait list not tied to a locked flag: buffer_wait
// (sleep until some buffer frees up) and wait_for_request (sleep until
// a request descriptor frees up) are both of this shape -- the waiter
// is woken and must re-scan for the thing it's after, there is no
// single boolean to flip.
type Queue struct {
	mu   sync.Mutex
	cond *sync.Cond
}

// NewQueue returns an empty wait queue.
func NewQueue() *Queue {
	q := &Queue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Lock/Unlock guard whatever condition the caller re-scans between
// waits; Wait must only be called while holding the lock.
func (q *Queue) Lock()   { q.mu.Lock() }
func (q *Queue) Unlock() { q.mu.Unlock() }

// Wait releases the lock, blocks until Wake is called, and reacquires
// the lock before returning.
func (q *Queue) Wait() { q.cond.Wait() }

// Wake marks every waiter runnable.
func (q *Queue) Wake() { q.cond.Broadcast() }

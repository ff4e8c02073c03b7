// Copyright 2016 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package fiber

// A Mutex is an exclusive lock for fibers, the minimal pairing CondVar
// needs to be independently testable end-to-end (spec.md §6 lists Mutex
// in the abstract API surface; §4.3 requires "a user-held mutex guarding
// the predicate"). Its zero value is unlocked and ready to use.
//
// Mutex is grounded on v.io/x/lib/nsync.Mu, but trades
// nsync's lock-free CAS-on-a-bit-packed-word design (needed there
// because nsync.Mu must work when contended by arbitrary goroutines with
// no persistent per-caller node to queue) for a simpler Spinlock-guarded
// intrusive waitQueue of *Context: this package's Context is already the
// stable, long-lived per-fiber node the wait-queue discipline wants (see
// spec.md §3), so there is no need for nsync's separate pooled-waiter
// allocator (waiter.go's freeWaiters list). Unlock also transfers
// ownership directly to the woken waiter instead of merely waking it to
// re-race for the lock (nsync's "designated waker" optimization, dropped
// here because it exists to cut wakeups under a lock-free fast path this
// design does not have).
//
// Only a single exclusive lock is provided. A shared/reader-writer
// variant is explicitly out of scope (spec.md §1 Non-goals: "mutex/
// shared-mutex beyond what §4.3 specifies").
type Mutex struct {
	spin    Spinlock
	locked  bool
	owner   uint64 // ctx.id of the current holder; 0 if unlocked.
	waiters waitQueue
}

// TryLock attempts to acquire m without blocking, and reports whether it
// succeeded. Unlike Lock, TryLock cannot suspend, so it needs no
// *Context and does not record an owner id; AssertHeld only checks that
// some fiber holds m, not which one.
func (m *Mutex) TryLock() bool {
	m.spin.Lock()
	ok := !m.locked
	if ok {
		m.locked = true
	}
	m.spin.Unlock()
	return ok
}

// Lock blocks the calling fiber until m is free, then acquires it.
func (m *Mutex) Lock(ctx *Context) {
	m.spin.Lock()
	if !m.locked {
		m.locked = true
		m.owner = ctx.id
		m.spin.Unlock()
		return
	}
	m.waiters.push(ctx)
	// suspend releases m.spin for us, after ctx is marked waiting but
	// while still queued, so a concurrent Unlock on another goroutine
	// cannot observe ctx as both runnable and already dequeued.
	ctx.sched.suspend(ctx, m.spin.Unlock)
	// Resumed only via Unlock's direct ownership transfer below: by the
	// time we return here, m.locked and m.owner already reflect that we
	// hold the lock.
}

// Unlock releases m. If a fiber is waiting, ownership transfers directly
// to the fiber at the head of the wait-queue, which is then scheduled;
// m.locked is never seen false while a waiter is queued.
func (m *Mutex) Unlock() {
	m.spin.Lock()
	next := m.waiters.pop()
	if next == nil {
		m.locked = false
		m.owner = 0
		m.spin.Unlock()
		return
	}
	m.owner = next.id // ownership transfers; m.locked stays true.
	m.spin.Unlock()
	next.sched.schedule(next)
}

// AssertHeld panics if m is not currently held. It mirrors
// v.io/x/lib/nsync.Mu.AssertHeld, used to document and check lock
// invariants at call sites.
func (m *Mutex) AssertHeld() {
	m.spin.Lock()
	held := m.locked
	m.spin.Unlock()
	if !held {
		panic("fiber: Mutex not held")
	}
}

// Copyright 2016 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package fiber

import (
	"runtime"

	"go.uber.org/atomic"
)

// A Spinlock is a short-hold, busy-wait lock. It must guard only small,
// bounded, non-suspending critical sections: nothing that holds a
// Spinlock may call a Scheduler suspension primitive, because a spinning
// waiter on another goroutine cannot be preempted by a cooperative
// fiber scheduler the way a blocked OS thread can.
//
// Its zero value is an unlocked Spinlock.
type Spinlock struct {
	held atomic.Bool
}

// spinDelay backs off a busy-wait loop: a handful of empty iterations,
// then a Gosched, so a spinning goroutine does not starve the one
// holding the lock on a GOMAXPROCS=1 or oversubscribed scheduler.
func spinDelay(attempts uint) uint {
	if attempts < 7 {
		for i := 0; i != 1<<attempts; i++ {
		}
		attempts++
	} else {
		runtime.Gosched()
	}
	return attempts
}

// Lock acquires the spinlock, busy-waiting until it is free.
func (s *Spinlock) Lock() {
	if s.held.CompareAndSwap(false, true) { // acquire CAS
		return
	}
	var attempts uint
	for !s.held.CompareAndSwap(false, true) { // acquire CAS
		attempts = spinDelay(attempts)
	}
}

// TryLock attempts to acquire the spinlock without blocking.
func (s *Spinlock) TryLock() bool {
	return s.held.CompareAndSwap(false, true) // acquire CAS
}

// Unlock releases the spinlock. The caller must hold it.
func (s *Spinlock) Unlock() {
	s.held.Store(false) // release store
}

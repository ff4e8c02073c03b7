// Copyright 2016 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package fiber

import (
	"time"

	"go.uber.org/atomic"
)

// State is the lifecycle state of a Context (fiber).
type State uint32

const (
	// StateReady means the Context is runnable and enqueued on some
	// Scheduler's ready queue (or about to be).
	StateReady State = iota
	// StateRunning means the Context currently holds its Scheduler's baton.
	StateRunning
	// StateWaiting means the Context has suspended on some primitive's
	// wait-queue (or the sleep set) and is neither ready nor running.
	StateWaiting
	// StateTerminated means the Context's function has returned (or
	// panicked) and it will never run again.
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateWaiting:
		return "waiting"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// A Context is a fiber control block: one lightweight, cooperatively
// scheduled task with its own goroutine standing in for its "stack"
// (see scheduler.go for why a goroutine is the right Go-native stand-in
// for the stack-allocation/context-switch capability spec.md assumes as
// external). A Context's identity is its pointer address, stable for its
// lifetime.
//
// Exactly one list (a Scheduler's ready queue or some primitive's
// wait-queue) may hold a Context's next link at a time; it
// is every caller's responsibility to respect that discipline, matching
// the invariant on the intrusive waitQueue.
type Context struct {
	id    uint64
	sched *Scheduler
	fn    func(*Context)

	// next links this Context into exactly one waitQueue at a time
	// (a Scheduler's ready queue, or a CondVar's/Channel's wait-queue).
	next *Context

	state atomic.Uint32 // State, read/written atomically: Schedule may be called cross-goroutine.

	// wake is the baton: the Scheduler sends on it to resume this
	// fiber's goroutine; the fiber blocks receiving from it whenever it
	// suspends. Buffered to size 1 so a Schedule() racing a suspend can
	// never deadlock the handoff.
	wake chan struct{}

	// done is closed when the fiber terminates, for Handle.Join.
	done chan struct{}

	// deadline/heapIndex are owned by the Scheduler's sleep set; valid
	// only while this Context is a member of it (heapIndex == -1
	// otherwise).
	deadline  time.Time
	heapIndex int

	// wokenByDeadline distinguishes, after a wait_until-style suspend,
	// whether the Scheduler resumed this fiber because its deadline
	// fired or because some peer called Schedule explicitly. Written
	// only by the Scheduler (under its lock, or from the dispatcher
	// loop, both single-threaded with respect to this Context), read
	// only by the fiber itself after being resumed.
	wokenByDeadline bool
}

// ID returns a Scheduler-unique, never-reused identifier for this fiber.
func (c *Context) ID() uint64 { return c.id }

// Scheduler returns the Scheduler that owns this Context.
func (c *Context) Scheduler() *Scheduler { return c.sched }

// State returns the Context's current lifecycle state.
func (c *Context) State() State { return State(c.state.Load()) }

// Yield marks the calling fiber ready again and gives every other
// ready fiber a chance to run first, guaranteeing their progress. It is
// the this_fiber::yield() of spec.md §6, rendered as a Context method
// because Go has no implicit per-goroutine "current fiber" handle for a
// free function to consult.
func (c *Context) Yield() {
	c.sched.yield(c)
}

// SleepFor suspends the calling fiber for at least d, without holding
// any lock. It is this_fiber::sleep_for(d).
func (c *Context) SleepFor(d time.Duration) {
	c.SleepUntil(time.Now().Add(d))
}

// SleepUntil suspends the calling fiber until at least t. It is
// this_fiber::sleep_until(t).
func (c *Context) SleepUntil(t time.Time) {
	c.sched.waitUntil(c, t, func() {})
}

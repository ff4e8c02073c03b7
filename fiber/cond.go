// Copyright 2016 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package fiber

import "time"

// CondVar is a wait-queue-backed condition variable, per spec.md §4.3.
// It stores no predicate; callers loop on their own predicate, guarded
// by a Locker passed explicitly to Wait/WaitUntil, in the Mesa style
// v.io/x/lib/nsync.CV documents at length. Its zero value is a valid,
// empty CondVar.
//
// Grounded on nsync.CV's Signal/Broadcast/spinlock-guarded waiter queue,
// but waiters here are Contexts linked via their own next field (no
// separate pooled waiter struct, for the same reason given in mutex.go),
// and nsync's optimization of transferring a woken CV waiter directly
// onto its Mu's queue is dropped: spec.md §4.3 describes notify as
// "pop one waiter; schedule it", with reacquisition left to ordinary
// contention on the caller's lock, so that is what this does.
type CondVar struct {
	spin    Spinlock
	waiters waitQueue
}

// Outcome is the result of WaitUntil, per spec.md §8's
// "tri-valued status" framing applied to condition-variable waits.
type Outcome int

const (
	// OutcomeWoken means the wait returned due to Signal, Broadcast, or
	// a permitted spurious wakeup — the caller must still re-check its
	// predicate, per Mesa-style condition variable discipline.
	OutcomeWoken Outcome = iota
	// OutcomeTimeout means the deadline elapsed before any wakeup.
	OutcomeTimeout
)

// Wait atomically releases lk and suspends the calling fiber on cv.
// It is awakened by a call to Signal, Broadcast, or a permitted
// spurious wakeup, reacquires lk, and returns. As with all Mesa-style
// condition variables, callers must re-check their predicate in a loop:
//
//	mu.Lock(ctx)
//	for !predicate() {
//		cv.Wait(ctx, &mu)
//	}
//	// predicate now holds, mu held.
//	mu.Unlock()
func (cv *CondVar) Wait(ctx *Context, lk Locker) {
	cv.spin.Lock()
	cv.waiters.push(ctx)
	// suspend releases lk, then cv.spin, only after ctx is marked
	// waiting: holding cv.spin across the state transition (rather than
	// releasing it right after push) closes a race where a concurrent
	// Signal could pop ctx and schedule it while ctx still reads as
	// Running, before suspend ever marks it Waiting. See mutex.go's Lock
	// for the same discipline.
	ctx.sched.suspend(ctx, func() {
		lk.Unlock()
		cv.spin.Unlock()
	})

	lk.Lock(ctx)
}

// WaitUntil is as Wait, but returns OutcomeTimeout if absDeadline
// elapses with no wakeup. On OutcomeTimeout, ctx is unlinked from cv's
// wait-queue before WaitUntil returns, so a later Signal/Broadcast
// cannot observe or wake it, matching spec.md §8's quantified
// invariant ("a fiber that times out ... never appears in any
// wait-queue after the call returns"). lk is reacquired before
// returning in both cases.
func (cv *CondVar) WaitUntil(ctx *Context, lk Locker, absDeadline time.Time) Outcome {
	cv.spin.Lock()
	cv.waiters.push(ctx)
	woken := ctx.sched.waitUntil(ctx, absDeadline, func() {
		lk.Unlock()
		cv.spin.Unlock()
	})

	outcome := OutcomeWoken
	if !woken {
		cv.spin.Lock()
		// unlink reports whether ctx was still a member: a racing
		// Signal/Broadcast may have already popped it between the
		// deadline firing and our acquiring the spinlock here, in which
		// case this is a normal wakeup, not a timeout.
		if cv.waiters.unlink(ctx) {
			outcome = OutcomeTimeout
		}
		cv.spin.Unlock()
	}

	lk.Lock(ctx)
	return outcome
}

// Signal wakes exactly one fiber currently enqueued on cv, the one that
// arrived first; it does nothing if no fiber is enqueued.
func (cv *CondVar) Signal() {
	cv.spin.Lock()
	w := cv.waiters.pop()
	cv.spin.Unlock()
	if w != nil {
		w.sched.schedule(w)
	}
}

// Broadcast wakes every fiber currently enqueued on cv, in FIFO order
// of arrival.
func (cv *CondVar) Broadcast() {
	cv.spin.Lock()
	all := cv.waiters.drainAll()
	cv.spin.Unlock()
	for _, w := range all {
		w.sched.schedule(w)
	}
}

// Copyright 2016 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package fiber

import (
	"iter"
	"time"

	"go.uber.org/atomic"

	"github.com/vanadium-labs/fiberflow/internal/vlog"
)

// slot is an unbuffered Channel's single in-flight value, published by a
// producer and claimed by exactly one consumer (or reclaimed by the
// producer itself, on timeout). Per spec.md §3, a slot conceptually
// lives in the producer's own frame for the duration of the push; here
// that frame is the producer's fiber goroutine stack, which (per
// scheduler.go's baton-passing design) never moves or returns while the
// producer is suspended, so publishing &slot{} is safe for exactly as
// long as the producer stays parked on it.
type slot[T any] struct {
	value T
	owner *Context
}

// Channel is the unbuffered rendezvous channel of spec.md §4.4: one
// atomic slot, two wait-queues (producers, consumers), a spinlock
// guarding the queues and the closed transition, and a closed flag.
// Every successful Push is matched 1-to-1 with a successful Pop; no
// value is ever buffered. The zero value is an open, empty Channel
// ready to use.
//
// nsync (v.io/x/lib/nsync) has no channel type to draw on directly, so
// the slot-CAS/double-wait-queue structure here is grounded directly on
// spec.md §4.4's operation descriptions; the spinlock-guarded intrusive
// queues and the suspend/wait_until wiring reuse the same
// waitQueue/Spinlock/Scheduler machinery nsync's Mu and CV are grounded
// on (mutex.go, cond.go).
type Channel[T any] struct {
	slotPtr   atomic.Pointer[slot[T]]
	closed    atomic.Bool
	spin      Spinlock
	producers waitQueue
	consumers waitQueue
}

// NewChannel constructs an open, empty Channel[T].
func NewChannel[T any]() *Channel[T] {
	return &Channel[T]{}
}

// IsClosed reports whether c has been closed. The result may be stale
// the instant it is observed by a concurrent Close; it is meant for
// advisory checks, not synchronization.
func (c *Channel[T]) IsClosed() bool {
	return c.closed.Load()
}

// Push blocks the calling fiber until v is consumed by a matching Pop,
// or c is closed. It is spec.md §6's push(v).
func (c *Channel[T]) Push(ctx *Context, v T) Status {
	return c.push(ctx, v, false, time.Time{})
}

// PushWaitUntil is as Push, but returns StatusTimeout if absDeadline
// elapses with no rendezvous. It is push(v, deadline).
func (c *Channel[T]) PushWaitUntil(ctx *Context, v T, absDeadline time.Time) Status {
	return c.push(ctx, v, true, absDeadline)
}

// PushWaitFor is PushWaitUntil relative to now.
func (c *Channel[T]) PushWaitFor(ctx *Context, v T, d time.Duration) Status {
	return c.PushWaitUntil(ctx, v, time.Now().Add(d))
}

// push implements spec.md §4.4's push algorithm verbatim: a CAS loop
// publishing a slot, racing a waiting consumer's claim against the
// producer's own timeout-driven reclaim.
func (c *Channel[T]) push(ctx *Context, v T, timed bool, deadline time.Time) Status {
	for {
		if c.closed.Load() {
			return StatusClosed
		}

		s := &slot[T]{value: v, owner: ctx}
		if c.slotPtr.CompareAndSwap(nil, s) {
			return c.awaitConsumption(ctx, s, timed, deadline)
		}

		// Slot already occupied: join the producers queue and wait for
		// either a normal wake (retry) or a timeout.
		c.spin.Lock()
		if c.closed.Load() {
			c.spin.Unlock()
			return StatusClosed
		}
		if c.slotPtr.Load() == nil {
			// The occupant cleared between our failed CAS and acquiring
			// the spinlock; retry the CAS loop without waiting.
			c.spin.Unlock()
			continue
		}
		c.producers.push(ctx)
		woken := c.suspendOn(ctx, timed, deadline)
		if !woken {
			c.spin.Lock()
			stillQueued := c.producers.unlink(ctx)
			c.spin.Unlock()
			if stillQueued {
				return StatusTimeout
			}
			// A pop() elsewhere already popped us off the producers
			// queue (to let us race for the newly-freed slot) between
			// the deadline firing and our re-acquiring the spinlock;
			// that is a normal wake, not a timeout, so fall through and
			// retry from the top exactly as a normal wake would.
		}
	}
}

// awaitConsumption runs the suspend-and-recheck sequence for the
// producer that just published s, per spec.md §4.4 push step 3's
// "Success" branch.
func (c *Channel[T]) awaitConsumption(ctx *Context, s *slot[T], timed bool, deadline time.Time) Status {
	c.spin.Lock()
	consumer := c.consumers.pop()
	c.spin.Unlock()
	if consumer != nil {
		consumer.sched.schedule(consumer)
	}

	var woken bool
	if timed {
		woken = ctx.sched.waitUntil(ctx, deadline, func() {})
	} else {
		ctx.sched.suspend(ctx, func() {})
		woken = true
	}
	if woken {
		return StatusSuccess
	}

	// Timed out: race the consumer for ownership of the slot. Whichever
	// side's CAS succeeds determines the outcome, per spec.md §4.4's
	// "exactly one of {consumer nil-CAS, producer timeout-clear}
	// succeeds" invariant.
	if c.slotPtr.CompareAndSwap(s, nil) {
		return StatusTimeout
	}
	return StatusSuccess
}

// suspendOn suspends ctx unconditionally (timed == false) or until
// deadline (timed == true), returning true on a normal wake and false
// on a deadline-driven wake. c.spin must be held by the caller; it is
// released as part of the handoff, after ctx is marked waiting, exactly
// as mutex.go's Lock and cond.go's Wait rely on.
func (c *Channel[T]) suspendOn(ctx *Context, timed bool, deadline time.Time) bool {
	if timed {
		return ctx.sched.waitUntil(ctx, deadline, c.spin.Unlock)
	}
	ctx.sched.suspend(ctx, c.spin.Unlock)
	return true
}

// Pop blocks the calling fiber until a value is available or c is
// closed, writing the delivered value into *out on StatusSuccess. It is
// spec.md §6's pop(out).
func (c *Channel[T]) Pop(ctx *Context, out *T) Status {
	v, status := c.pop(ctx, false, time.Time{})
	if status == StatusSuccess {
		*out = v
	}
	return status
}

// PopWaitUntil is as Pop, but returns StatusTimeout if absDeadline
// elapses with no rendezvous.
func (c *Channel[T]) PopWaitUntil(ctx *Context, out *T, absDeadline time.Time) Status {
	v, status := c.pop(ctx, true, absDeadline)
	if status == StatusSuccess {
		*out = v
	}
	return status
}

// PopWaitFor is PopWaitUntil relative to now.
func (c *Channel[T]) PopWaitFor(ctx *Context, out *T, d time.Duration) Status {
	return c.PopWaitUntil(ctx, out, time.Now().Add(d))
}

// ValuePop is as Pop, but returns the value directly instead of through
// an out-parameter, raising a *FiberError carrying
// ErrOperationNotPermitted instead of StatusClosed when the channel is
// closed and drained: there is no status channel for a by-value return
// to report through, per spec.md §7.
func (c *Channel[T]) ValuePop(ctx *Context) (T, error) {
	v, status := c.pop(ctx, false, time.Time{})
	if status == StatusClosed {
		var zero T
		return zero, &FiberError{Kind: ErrOperationNotPermitted}
	}
	return v, nil
}

// pop implements spec.md §4.4's pop algorithm.
func (c *Channel[T]) pop(ctx *Context, timed bool, deadline time.Time) (T, Status) {
	var zero T
	for {
		s := c.slotPtr.Load()
		if s != nil {
			if !c.slotPtr.CompareAndSwap(s, nil) {
				continue // lost the race against another consumer; retry.
			}

			c.spin.Lock()
			producer := c.producers.pop()
			c.spin.Unlock()
			if producer != nil {
				producer.sched.schedule(producer)
			}
			// Wake the slot's own owner: this is the rendezvous
			// acknowledgment that unblocks its Push/PushWaitUntil call.
			s.owner.sched.schedule(s.owner)

			return s.value, StatusSuccess
		}

		c.spin.Lock()
		if c.closed.Load() {
			c.spin.Unlock()
			return zero, StatusClosed
		}
		if c.slotPtr.Load() != nil {
			c.spin.Unlock()
			continue
		}
		c.consumers.push(ctx)
		woken := c.suspendOn(ctx, timed, deadline)
		if !woken {
			c.spin.Lock()
			stillQueued := c.consumers.unlink(ctx)
			c.spin.Unlock()
			if stillQueued {
				return zero, StatusTimeout
			}
			// Already popped by a concurrent push's consumer wakeup;
			// treat as a normal wake and retry.
		}
	}
}

// Close closes c: every subsequent Push/PushWaitUntil and Pop/
// PopWaitUntil/ValuePop returns StatusClosed (or, for ValuePop, the
// operation-not-permitted error) once any published value has been
// drained. Close wakes every fiber currently queued in both the
// producers and consumers wait-queues. Close is idempotent: a second
// call observes closed already true and does nothing further.
//
// If a slot is still published when Close runs, it is claimed here (the
// destructor behavior spec.md §4.4 describes: "consumes it ... without
// delivering the value to any user") so the suspended producer is woken
// rather than left parked on a slot nobody will ever claim.
func (c *Channel[T]) Close() {
	c.spin.Lock()
	if c.closed.Load() {
		c.spin.Unlock()
		return
	}
	c.closed.Store(true)
	producers := c.producers.drainAll()
	consumers := c.consumers.drainAll()
	c.spin.Unlock()

	vlog.Log.VI(1).Infof("fiber: channel closed, waking %d producer(s) and %d consumer(s)",
		len(producers), len(consumers))

	if s := c.slotPtr.Load(); s != nil && c.slotPtr.CompareAndSwap(s, nil) {
		s.owner.sched.schedule(s.owner)
	}
	for _, w := range producers {
		w.sched.schedule(w)
	}
	for _, w := range consumers {
		w.sched.schedule(w)
	}
}

// Iterator is a single-pass input iterator over a Channel's delivered
// values, per spec.md §4.4's "Iterator" subsection. Advance performs a
// ValuePop; once the channel is closed and drained, Advance returns
// false and Value is no longer valid. An Iterator is not safe for
// concurrent use by more than one fiber.
type Iterator[T any] struct {
	ctx *Context
	ch  *Channel[T]
	cur T
	end bool
}

// Iterate returns an Iterator positioned before the first value; call
// Advance to fetch each value in turn.
func (c *Channel[T]) Iterate(ctx *Context) *Iterator[T] {
	return &Iterator[T]{ctx: ctx, ch: c}
}

// Advance fetches the next value via ValuePop, reporting whether one
// was obtained. Once it returns false, the Iterator has reached its
// end-sentinel state and Advance continues to return false.
func (it *Iterator[T]) Advance() bool {
	if it.end {
		return false
	}
	v, err := it.ch.ValuePop(it.ctx)
	if err != nil {
		it.end = true
		var zero T
		it.cur = zero
		return false
	}
	it.cur = v
	return true
}

// Value returns the value fetched by the most recent successful
// Advance. Calling it before any Advance, or after Advance has returned
// false, returns the zero value.
func (it *Iterator[T]) Value() T {
	return it.cur
}

// All returns a single-pass iter.Seq[T] over c's delivered values,
// equivalent to repeatedly calling Advance/Value but idiomatic for a
// range-over-func loop:
//
//	for v := range ch.All(ctx) {
//		...
//	}
//
// This supplements spec.md §4.4's classic begin/end iterator with the
// range-over-func form Go 1.23 added to the language; Iterate/Advance/
// Value remains available for callers that want the classic shape.
func (c *Channel[T]) All(ctx *Context) iter.Seq[T] {
	return func(yield func(T) bool) {
		it := c.Iterate(ctx)
		for it.Advance() {
			if !yield(it.Value()) {
				return
			}
		}
	}
}

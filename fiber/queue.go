// Copyright 2016 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package fiber

// waitQueue is an intrusive, singly-linked FIFO of *Context, keyed by
// the next field embedded in Context. It performs no synchronization of
// its own: callers must hold whatever lock guards the owning structure
// (a Scheduler's runQueue lock, a CondVar's spinlock, a Channel's
// spinlock, ...) before calling any method.
//
// A Context may be linked on at most one waitQueue at a time; that is
// the caller's responsibility to uphold, exactly as spec'd for Context.next.
type waitQueue struct {
	head *Context
	tail *Context
}

// push appends c at the tail of the queue. O(1).
func (q *waitQueue) push(c *Context) {
	c.next = nil
	if q.tail == nil {
		q.head, q.tail = c, c
		return
	}
	q.tail.next = c
	q.tail = c
}

// pop removes and returns the head of the queue, or nil if empty. O(1).
func (q *waitQueue) pop() *Context {
	c := q.head
	if c == nil {
		return nil
	}
	q.head = c.next
	if q.head == nil {
		q.tail = nil
	}
	c.next = nil
	return c
}

// unlink splices a known member c out of the queue, reporting whether c
// was actually found and removed. O(n): it must walk from the head to
// find c's predecessor. Used only on the (comparatively rare) timeout
// path; unlinking a Context not present in the queue is a safe no-op
// that reports false, which callers use to detect the race against a
// concurrent pop/drainAll of the same Context.
func (q *waitQueue) unlink(c *Context) bool {
	if q.head == c {
		q.head = c.next
		if q.head == nil {
			q.tail = nil
		}
		c.next = nil
		return true
	}
	for p := q.head; p != nil; p = p.next {
		if p.next == c {
			p.next = c.next
			if q.tail == c {
				q.tail = p
			}
			c.next = nil
			return true
		}
	}
	return false
}

// empty reports whether the queue has no members.
func (q *waitQueue) empty() bool {
	return q.head == nil
}

// drainAll removes every member of the queue and returns them as a
// slice in FIFO order, leaving the queue empty. Used by operations that
// wake every waiter at once (CondVar.Broadcast, Channel.Close).
func (q *waitQueue) drainAll() []*Context {
	var all []*Context
	for c := q.pop(); c != nil; c = q.pop() {
		all = append(all, c)
	}
	return all
}

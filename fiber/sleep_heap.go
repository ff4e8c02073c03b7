// Copyright 2016 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package fiber

import (
	"container/heap"
	"time"
)

// sleepHeap is a Scheduler's sleep set: Contexts suspended via
// waitUntil, ordered by deadline, per spec.md §4.1. It is a
// container/heap.Interface over a slice, the same general shape as the
// "timeouts timedHeap" + single reusable *time.Timer pairing visible in
// the gaio watcher's field layout (chEventNotify/pendingCreate loop with
// a timeouts heap and one timer.Reset to the earliest pending
// deadline), adapted here to key on *Context instead of an async-io
// control block.
//
// Like waitQueue, sleepHeap performs no synchronization of its own;
// all access is under the owning Scheduler's lock.
type sleepHeap struct {
	items []*Context
}

func (h *sleepHeap) init() { heap.Init(h) }

func (h *sleepHeap) Len() int { return len(h.items) }

func (h *sleepHeap) Less(i, j int) bool { return h.items[i].deadline.Before(h.items[j].deadline) }

func (h *sleepHeap) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.items[i].heapIndex = i
	h.items[j].heapIndex = j
}

func (h *sleepHeap) Push(x any) {
	c := x.(*Context)
	c.heapIndex = len(h.items)
	h.items = append(h.items, c)
}

func (h *sleepHeap) Pop() any {
	old := h.items
	n := len(old)
	c := old[n-1]
	old[n-1] = nil
	c.heapIndex = -1
	h.items = old[:n-1]
	return c
}

// push inserts ctx into the heap, keyed by ctx.deadline.
func (h *sleepHeap) push(ctx *Context) { heap.Push(h, ctx) }

// remove splices ctx out of the heap. It is a no-op if ctx is not a
// current member (heapIndex == -1), which happens when a peer's
// schedule() races the deadline firing in wakeExpired.
func (h *sleepHeap) remove(ctx *Context) {
	if ctx.heapIndex < 0 || ctx.heapIndex >= len(h.items) || h.items[ctx.heapIndex] != ctx {
		return
	}
	heap.Remove(h, ctx.heapIndex)
}

// peekDeadline returns the earliest deadline in the heap. The caller
// must ensure Len() > 0.
func (h *sleepHeap) peekDeadline() time.Time { return h.items[0].deadline }

// wakeExpired pops every Context whose deadline is at or before now,
// marks it woken-by-deadline, and pushes it onto the Scheduler's ready
// queue. It returns the ids of the Contexts it woke, so the caller can
// log "deadline fired" after releasing whatever lock guards this heap
// (wakeExpired itself never suspends or logs, keeping its own hold of
// that lock small and bounded, per Spinlock's contract).
func (h *sleepHeap) wakeExpired(s *Scheduler, now time.Time) []uint64 {
	var woken []uint64
	for h.Len() > 0 && !h.items[0].deadline.After(now) {
		ctx := heap.Pop(h).(*Context)
		ctx.wokenByDeadline = true
		ctx.state.Store(uint32(StateReady))
		s.runQ.push(ctx)
		woken = append(woken, ctx.id)
	}
	return woken
}

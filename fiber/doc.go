// Copyright 2016 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package fiber provides a user-space cooperative concurrency runtime: a
// single-OS-thread Scheduler that multiplexes lightweight, stackful
// fibers (Context), plus two synchronization primitives built on top of
// it, CondVar and Channel, and a thread-safe single-writer Broadcast
// sink used to fan events out to subscribers.
//
// Scheduling is strictly cooperative. A Context only ever suspends at
// one of a handful of well-defined calls (Context.Yield, Channel.Push,
// Channel.Pop, CondVar.Wait, Mutex.Lock under contention, or an explicit
// sleep); there is no preemption. Each Scheduler owns exactly one
// logical thread of control: at most one of its fibers is ever
// executing at a time, even though each fiber is realized as its own
// goroutine. See scheduler.go for how the baton-passing protocol
// enforces that invariant without relying on any machine-level stack
// switch.
package fiber

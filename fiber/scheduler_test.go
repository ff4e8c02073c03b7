// Copyright 2016 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package fiber_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/vanadium-labs/fiberflow/fiber"
)

// testEventualTimeout/testEventualTick are the require.Eventually poll
// parameters shared across this package's scenario tests.
const (
	testEventualTimeout = time.Second
	testEventualTick    = time.Millisecond
)

// verifyNoLeaksOnCleanup registers a goleak check that runs only after
// every other t.Cleanup callback has already run (t.Cleanup unwinds in
// LIFO order, so registering this first makes it fire last) — in
// particular, after runningScheduler's own cleanup has shut the
// Scheduler(s) down. A bare `defer goleak.VerifyNone(t)` would instead
// run before t.Cleanup, while the dispatcher and fiber goroutines are
// still alive, and falsely report a leak every time.
func verifyNoLeaksOnCleanup(t *testing.T) {
	t.Helper()
	t.Cleanup(func() { goleak.VerifyNone(t) })
}

// runningScheduler starts sched's dispatcher loop on a background
// goroutine and registers a cleanup that shuts it down, mirroring the
// teacher's nsync tests' preference for explicit, hand-rolled setup
// over a test-framework fixture.
func runningScheduler(t *testing.T) *fiber.Scheduler {
	t.Helper()
	sched := fiber.NewScheduler(fiber.WithName(t.Name()))
	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = sched.Run(runCtx)
	}()
	t.Cleanup(func() {
		_ = sched.Shutdown(context.Background())
		cancel()
		<-done
	})
	return sched
}

func TestSchedulerFIFOReadyOrder(t *testing.T) {
	verifyNoLeaksOnCleanup(t)
	sched := runningScheduler(t)

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup

	const n = 5
	wg.Add(n)
	for i := 0; i != n; i++ {
		i := i
		sched.Spawn(func(ctx *fiber.Context) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			wg.Done()
		})
	}
	wg.Wait()

	require.Len(t, order, n)
	for i := 0; i != n; i++ {
		require.Equal(t, i, order[i], "fibers spawned at distinct times must resume in FIFO order")
	}
}

func TestSchedulerYieldGuaranteesOthersRun(t *testing.T) {
	verifyNoLeaksOnCleanup(t)
	sched := runningScheduler(t)

	var mu sync.Mutex
	var ran []string
	var wg sync.WaitGroup
	wg.Add(2)

	sched.Spawn(func(ctx *fiber.Context) {
		ctx.Yield()
		mu.Lock()
		ran = append(ran, "A")
		mu.Unlock()
		wg.Done()
	})
	sched.Spawn(func(ctx *fiber.Context) {
		mu.Lock()
		ran = append(ran, "B")
		mu.Unlock()
		wg.Done()
	})
	wg.Wait()

	require.Equal(t, []string{"B", "A"}, ran, "A yielded, so B (spawned second) must finish first")
}

func TestSchedulerSleepUntilWakesAfterDeadline(t *testing.T) {
	verifyNoLeaksOnCleanup(t)
	sched := runningScheduler(t)

	start := time.Now()
	done := make(chan time.Duration, 1)
	sched.Spawn(func(ctx *fiber.Context) {
		ctx.SleepFor(20 * time.Millisecond)
		done <- time.Since(start)
	})

	select {
	case elapsed := <-done:
		require.GreaterOrEqual(t, elapsed, 20*time.Millisecond)
	case <-time.After(time.Second):
		t.Fatal("fiber never woke from SleepFor")
	}
}

// TestSchedulerCrossSchedulerChannel exercises spec.md §5's claim that
// an unbuffered Channel is one of the two components (with Broadcast)
// that legitimately cross Scheduler/OS-thread boundaries: a consumer
// fiber on one Scheduler rendezvous-receives a value pushed by a
// producer fiber on a completely independent Scheduler.
func TestSchedulerCrossSchedulerChannel(t *testing.T) {
	verifyNoLeaksOnCleanup(t)
	schedA := runningScheduler(t)
	schedB := runningScheduler(t)

	ch := fiber.NewChannel[int]()
	got := make(chan int, 1)

	schedA.Spawn(func(ctx *fiber.Context) {
		var v int
		status := ch.Pop(ctx, &v)
		require.Equal(t, fiber.StatusSuccess, status)
		got <- v
	})
	schedB.Spawn(func(ctx *fiber.Context) {
		status := ch.Push(ctx, 99)
		require.Equal(t, fiber.StatusSuccess, status)
	})

	select {
	case v := <-got:
		require.Equal(t, 99, v)
	case <-time.After(time.Second):
		t.Fatal("cross-Scheduler channel rendezvous never completed")
	}
}

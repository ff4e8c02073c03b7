// Copyright 2016 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package fiber_test

import (
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vanadium-labs/fiberflow/fiber"
)

// Scenario 1 (spec.md §8): single rendezvous.
func TestChannelSingleRendezvous(t *testing.T) {
	verifyNoLeaksOnCleanup(t)
	sched := runningScheduler(t)

	ch := fiber.NewChannel[int]()
	pushStatus := make(chan fiber.Status, 1)
	popStatus := make(chan fiber.Status, 1)
	popValue := make(chan int, 1)

	sched.Spawn(func(ctx *fiber.Context) {
		pushStatus <- ch.Push(ctx, 42)
	})
	sched.Spawn(func(ctx *fiber.Context) {
		var v int
		status := ch.Pop(ctx, &v)
		popStatus <- status
		popValue <- v
	})

	require.Equal(t, fiber.StatusSuccess, <-pushStatus)
	require.Equal(t, fiber.StatusSuccess, <-popStatus)
	require.Equal(t, 42, <-popValue)
}

// Scenario 3 (spec.md §8): timeout clears the slot, and a subsequent
// pop on the now-empty channel also times out.
func TestChannelPushTimeoutClearsSlot(t *testing.T) {
	verifyNoLeaksOnCleanup(t)
	sched := runningScheduler(t)

	ch := fiber.NewChannel[int]()
	result := make(chan fiber.Status, 1)

	sched.Spawn(func(ctx *fiber.Context) {
		result <- ch.PushWaitFor(ctx, 99, 10*time.Millisecond)
	})
	require.Equal(t, fiber.StatusTimeout, <-result)

	sched.Spawn(func(ctx *fiber.Context) {
		var v int
		result <- ch.PopWaitFor(ctx, &v, 10*time.Millisecond)
	})
	require.Equal(t, fiber.StatusTimeout, <-result)
}

// Scenario 4 (spec.md §8): FIFO consumers. Three consumers queue (in
// order) on an empty channel; three pushed values are delivered in the
// same order the consumers arrived.
func TestChannelFIFOConsumers(t *testing.T) {
	verifyNoLeaksOnCleanup(t)
	sched := runningScheduler(t)

	ch := fiber.NewChannel[string]()
	var mu sync.Mutex
	received := make(map[int]string)
	var wg sync.WaitGroup
	wg.Add(3)

	for i := 0; i != 3; i++ {
		i := i
		sched.Spawn(func(ctx *fiber.Context) {
			var v string
			require.Equal(t, fiber.StatusSuccess, ch.Pop(ctx, &v))
			mu.Lock()
			received[i] = v
			mu.Unlock()
			wg.Done()
		})
		// Ensure consumer i reaches its blocking Pop, and joins the
		// consumers queue, before consumer i+1 is spawned.
		time.Sleep(20 * time.Millisecond)
	}

	for _, v := range []string{"a", "b", "c"} {
		v := v
		sched.Spawn(func(ctx *fiber.Context) {
			require.Equal(t, fiber.StatusSuccess, ch.Push(ctx, v))
		})
	}

	wg.Wait()
	require.Equal(t, "a", received[0])
	require.Equal(t, "b", received[1])
	require.Equal(t, "c", received[2])
}

// Quantified invariant (spec.md §8): for N pushes and N pops arbitrarily
// interleaved, the multiset of values delivered equals the multiset
// pushed.
func TestChannelMultisetPreserved(t *testing.T) {
	verifyNoLeaksOnCleanup(t)
	sched := runningScheduler(t)

	ch := fiber.NewChannel[int]()
	const n = 200

	var wg sync.WaitGroup
	wg.Add(2 * n)
	for i := 0; i != n; i++ {
		i := i
		sched.Spawn(func(ctx *fiber.Context) {
			require.Equal(t, fiber.StatusSuccess, ch.Push(ctx, i))
			wg.Done()
		})
	}

	var mu sync.Mutex
	var got []int
	for i := 0; i != n; i++ {
		sched.Spawn(func(ctx *fiber.Context) {
			var v int
			require.Equal(t, fiber.StatusSuccess, ch.Pop(ctx, &v))
			mu.Lock()
			got = append(got, v)
			mu.Unlock()
			wg.Done()
		})
	}
	wg.Wait()

	sort.Ints(got)
	want := make([]int, n)
	for i := range want {
		want[i] = i
	}
	require.Equal(t, want, got)
}

func TestChannelCloseWakesEveryWaiter(t *testing.T) {
	verifyNoLeaksOnCleanup(t)
	sched := runningScheduler(t)

	ch := fiber.NewChannel[int]()
	const waiters = 4
	statuses := make(chan fiber.Status, waiters)

	for i := 0; i != waiters; i++ {
		sched.Spawn(func(ctx *fiber.Context) {
			var v int
			statuses <- ch.Pop(ctx, &v)
		})
	}
	time.Sleep(20 * time.Millisecond)

	ch.Close()
	ch.Close() // idempotent: must not panic or double-wake anyone.

	for i := 0; i != waiters; i++ {
		select {
		case s := <-statuses:
			require.Equal(t, fiber.StatusClosed, s)
		case <-time.After(time.Second):
			t.Fatal("not every waiter woke after Close")
		}
	}
	require.True(t, ch.IsClosed())
}

func TestChannelClosedPushAndPopReturnClosed(t *testing.T) {
	ch := fiber.NewChannel[int]()
	ch.Close()
	require.True(t, ch.IsClosed())

	verifyNoLeaksOnCleanup(t)
	sched := runningScheduler(t)

	pushDone := make(chan fiber.Status, 1)
	popDone := make(chan fiber.Status, 1)
	sched.Spawn(func(ctx *fiber.Context) {
		pushDone <- ch.Push(ctx, 1)
	})
	sched.Spawn(func(ctx *fiber.Context) {
		var v int
		popDone <- ch.Pop(ctx, &v)
	})
	require.Equal(t, fiber.StatusClosed, <-pushDone)
	require.Equal(t, fiber.StatusClosed, <-popDone)
}

func TestChannelValuePopOnClosedDrainedChannel(t *testing.T) {
	verifyNoLeaksOnCleanup(t)
	sched := runningScheduler(t)

	ch := fiber.NewChannel[int]()
	ch.Close()

	errCh := make(chan error, 1)
	sched.Spawn(func(ctx *fiber.Context) {
		_, err := ch.ValuePop(ctx)
		errCh <- err
	})

	err := <-errCh
	require.Error(t, err)
	require.True(t, fiber.IsOperationNotPermitted(err))
}

// Iterator traversal (spec.md §8 round-trip property): iterating a
// channel after producers complete and Close visits exactly the values
// pushed, in push order.
func TestChannelIteratorTraversal(t *testing.T) {
	verifyNoLeaksOnCleanup(t)
	sched := runningScheduler(t)

	ch := fiber.NewChannel[int]()
	const n = 5

	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i != n; i++ {
		i := i
		sched.Spawn(func(ctx *fiber.Context) {
			require.Equal(t, fiber.StatusSuccess, ch.Push(ctx, i))
			wg.Done()
		})
	}

	got := make(chan []int, 1)
	sched.Spawn(func(ctx *fiber.Context) {
		var values []int
		it := ch.Iterate(ctx)
		for it.Advance() {
			values = append(values, it.Value())
		}
		got <- values
	})

	// Once every producer's Push has returned (rendezvous complete),
	// close the channel so the iterator's trailing ValuePop sees
	// end-of-stream instead of blocking forever.
	wg.Wait()
	ch.Close()

	select {
	case values := <-got:
		require.Equal(t, []int{0, 1, 2, 3, 4}, values)
	case <-time.After(time.Second):
		t.Fatal("iterator never reached end of stream")
	}
}

func TestChannelAllRangeOverFunc(t *testing.T) {
	verifyNoLeaksOnCleanup(t)
	sched := runningScheduler(t)

	ch := fiber.NewChannel[int]()
	var wg sync.WaitGroup
	wg.Add(3)
	for _, v := range []int{1, 2, 3} {
		v := v
		sched.Spawn(func(ctx *fiber.Context) {
			require.Equal(t, fiber.StatusSuccess, ch.Push(ctx, v))
			wg.Done()
		})
	}

	got := make(chan []int, 1)
	sched.Spawn(func(ctx *fiber.Context) {
		var values []int
		for v := range ch.All(ctx) {
			values = append(values, v)
			if len(values) == 3 {
				break
			}
		}
		got <- values
	})

	wg.Wait()
	select {
	case values := <-got:
		sort.Ints(values)
		require.Equal(t, []int{1, 2, 3}, values)
	case <-time.After(time.Second):
		t.Fatal("All never yielded 3 values")
	}
}

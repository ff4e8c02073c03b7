// Copyright 2016 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package fiber

import (
	"context"
	"runtime"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/vanadium-labs/fiberflow/internal/vlog"
)

// Locker is satisfied by synchronization primitives, built on this
// package's Scheduler, that CondVar.Wait can release and reacquire
// around a suspend. Unlike sync.Locker, Lock takes the calling fiber's
// Context explicitly: Go has no implicit per-goroutine "current fiber"
// handle the way a real stackful-coroutine runtime has an implicit
// "current thread", so every blocking call in this package threads its
// caller's *Context through explicitly, the same way context.Context is
// threaded explicitly through blocking stdlib APIs.
type Locker interface {
	Lock(ctx *Context)
	Unlock()
	TryLock() bool
}

// A Scheduler is a per-OS-thread (per-goroutine, in this realization;
// see below) run loop multiplexing Contexts. Its zero value is not
// usable; construct one with NewScheduler.
//
// Concretely realizing "stackful coroutines" in portable Go, with no
// assembly and no manual stack switching, means each Context's "stack"
// is actually its own goroutine, parked on a channel receive whenever
// it is not logically running. The Scheduler enforces the single-
// logical-thread invariant spec.md requires (§5: "at most one running
// fiber at a time") with a strict baton-passing protocol: the
// dispatcher loop (running on whatever goroutine calls Run) hands the
// baton to exactly one fiber goroutine at a time by sending on its wake
// channel, then blocks on toDispatcher until that fiber suspends,
// yields, or terminates and hands the baton back. Two fiber bodies
// belonging to the same Scheduler therefore never execute concurrently,
// which is the property spec.md's cooperative model depends on; this is
// the Go-native stand-in for the externally-assumed context-switch
// capability spec.md §1 deliberately puts out of scope.
type Scheduler struct {
	opts schedulerOptions

	lock  Spinlock // guards runQ, sleepHeap, and the bookkeeping below
	runQ  waitQueue
	sleep sleepHeap

	toDispatcher chan struct{} // fiber -> dispatcher: "I have suspended/yielded/terminated"
	kick         chan struct{} // peer -> dispatcher: "the ready queue or sleep set changed"
	timer        *time.Timer

	idSeq   atomic.Uint64
	stopped atomic.Bool
	running atomic.Int64 // count of fibers spawned but not yet terminated
	runDone chan struct{}

	// current is the Context presently holding the baton, valid only
	// while the dispatcher is blocked on toDispatcher waiting for it.
	current atomic.Pointer[Context]
}

type schedulerOptions struct {
	name string
}

// SchedulerOption configures a Scheduler at construction, in the
// functional-options idiom v.io/x/lib's vlog.Opts and cmdline packages
// use throughout.
type SchedulerOption func(*schedulerOptions)

// WithName attaches a name to a Scheduler, used only in log messages.
func WithName(name string) SchedulerOption {
	return func(o *schedulerOptions) { o.name = name }
}

// NewScheduler constructs a Scheduler with an empty ready queue and
// sleep set. Call Run (typically from a dedicated goroutine, optionally
// pinned with runtime.LockOSThread) to start its dispatcher loop.
func NewScheduler(opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		toDispatcher: make(chan struct{}),
		kick:         make(chan struct{}, 1),
		timer:        time.NewTimer(time.Hour),
		runDone:      make(chan struct{}),
	}
	for _, o := range opts {
		o(&s.opts)
	}
	s.timer.Stop()
	s.sleep.init()
	return s
}

func (s *Scheduler) name() string {
	if s.opts.name == "" {
		return "fiber.Scheduler"
	}
	return s.opts.name
}

func (s *Scheduler) kickDispatcher() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// schedule makes ctx ready and appends it to the run queue, per
// spec.md §4.1. It is idempotent if ctx is already ready, and may be
// called from any goroutine, including one belonging to a different
// Scheduler than ctx's own (spec.md §5, "Across Schedulers").
func (s *Scheduler) schedule(ctx *Context) {
	s.lock.Lock()
	if State(ctx.state.Load()) == StateReady {
		s.lock.Unlock()
		return
	}
	if ctx.heapIndex >= 0 {
		s.sleep.remove(ctx)
	}
	ctx.state.Store(uint32(StateReady))
	s.runQ.push(ctx)
	s.lock.Unlock()
	s.kickDispatcher()
}

// Schedule is the exported form of schedule, for primitives outside
// this package that hold a *Context and a *Scheduler obtained via
// Context.Scheduler and need to make a foreign Context ready (for
// example, a timer-service or I/O-reactor integration, explicitly out
// of this core's scope per spec.md §1 but a legitimate caller of this
// API).
func (s *Scheduler) Schedule(ctx *Context) { s.schedule(ctx) }

// suspend marks ctx waiting, calls unlock, and switches to the
// dispatcher. It returns once some peer has called schedule(ctx)
// and the dispatcher has resumed ctx.
//
// unlock releases whatever guards the caller's predicate (a Locker's
// Unlock method, a Spinlock's Unlock method, or a no-op) after ctx has
// been marked waiting but before control switches away, so that a peer
// waking on another goroutine can never observe ctx as both "waiting"
// and still holding the lock it suspended under.
func (s *Scheduler) suspend(ctx *Context, unlock func()) {
	ctx.state.Store(uint32(StateWaiting))
	unlock()
	s.toDispatcher <- struct{}{}
	<-ctx.wake
}

// waitUntil is as suspend, but also inserts ctx into the sleep set
// keyed by deadline. It returns true if the resumption was due to an
// explicit schedule() call, false if the deadline fired first. On
// false, the caller is responsible for unlinking ctx from whatever
// wait-queue it also joined (spec.md §4.4's timeout paths; §5
// "Cancellation/timeouts").
func (s *Scheduler) waitUntil(ctx *Context, deadline time.Time, unlock func()) bool {
	ctx.deadline = deadline
	ctx.wokenByDeadline = false

	s.lock.Lock()
	ctx.state.Store(uint32(StateWaiting))
	s.sleep.push(ctx)
	s.lock.Unlock()

	unlock()
	s.toDispatcher <- struct{}{}
	<-ctx.wake

	return !ctx.wokenByDeadline
}

// yield marks ctx ready, re-enqueues it at the tail of the run queue,
// and switches to the dispatcher, guaranteeing other ready fibers make
// progress before ctx runs again.
func (s *Scheduler) yield(ctx *Context) {
	s.lock.Lock()
	ctx.state.Store(uint32(StateReady))
	s.runQ.push(ctx)
	s.lock.Unlock()

	s.toDispatcher <- struct{}{}
	<-ctx.wake
}

// Current returns the Context currently holding the baton on this
// Scheduler, or nil while no fiber of this Scheduler holds it. It does
// not identify its caller: read from any goroutine other than the
// running fiber, it reports whichever fiber holds the baton at that
// instant. It is meaningful only when called from
// within a running fiber of this Scheduler: the dispatcher loop is
// blocked on toDispatcher for the whole time a fiber holds the baton,
// so the happens-before edge from the dispatcher's send on ctx.wake
// makes this read race-free for that fiber.
func (s *Scheduler) Current() *Context {
	return s.current.Load()
}

// Spawn creates a new Context in state StateReady running fn, and
// returns a Handle for joining or detaching it. fn receives its own
// Context, the Go-idiomatic substitute for the implicit "current fiber"
// a stackful runtime in a language with thread-local storage would
// offer for free.
func (s *Scheduler) Spawn(fn func(*Context)) *Handle {
	ctx := &Context{
		id:        s.idSeq.Add(1),
		sched:     s,
		fn:        fn,
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
		heapIndex: -1,
	}
	ctx.state.Store(uint32(StateReady))
	s.running.Add(1)
	vlog.Log.VI(1).Infof("%s: fiber %d spawned", s.name(), ctx.id)

	go s.runFiberBody(ctx)

	s.lock.Lock()
	s.runQ.push(ctx)
	s.lock.Unlock()
	s.kickDispatcher()

	return &Handle{ctx: ctx}
}

func (s *Scheduler) runFiberBody(ctx *Context) {
	<-ctx.wake // block until the dispatcher hands us the baton the first time.

	func() {
		defer func() {
			if r := recover(); r != nil {
				err := errors.Errorf("fiber %d panicked: %v", ctx.id, r)
				vlog.Log.VI(0).Infof("%s: %s", s.name(), err)
			}
		}()
		ctx.fn(ctx)
	}()

	ctx.state.Store(uint32(StateTerminated))
	close(ctx.done)
	s.running.Add(-1)
	vlog.Log.VI(1).Infof("%s: fiber %d terminated", s.name(), ctx.id)
	s.toDispatcher <- struct{}{}
}

// Run executes the dispatcher loop on the calling goroutine until
// Shutdown is called and every ready/sleeping fiber has drained, or
// until the supplied context is cancelled, whichever comes first. Run
// is meant to be called from one dedicated goroutine per Scheduler,
// optionally pinned to an OS thread with runtime.LockOSThread, for the
// lifetime of that thread, matching spec.md §4.1's "per-thread run
// loop."
func (s *Scheduler) Run(stdctx context.Context) error {
	defer close(s.runDone)
	for {
		s.lock.Lock()
		woken := s.sleep.wakeExpired(s, time.Now())
		next := s.runQ.pop()
		if next == nil {
			if s.stopped.Load() && s.sleep.Len() == 0 && s.running.Load() == 0 {
				s.lock.Unlock()
				s.logDeadlinesFired(woken)
				return nil
			}
			var timerC <-chan time.Time
			if s.sleep.Len() > 0 {
				resetTimer(s.timer, time.Until(s.sleep.peekDeadline()))
				timerC = s.timer.C
			}
			s.lock.Unlock()
			s.logDeadlinesFired(woken)

			select {
			case <-s.kick:
			case <-timerC:
			case <-stdctx.Done():
				return stdctx.Err()
			}
			continue
		}
		s.lock.Unlock()
		s.logDeadlinesFired(woken)

		s.current.Store(next)
		next.state.Store(uint32(StateRunning))
		next.wake <- struct{}{}
		<-s.toDispatcher
		s.current.Store(nil)
	}
}

// logDeadlinesFired reports, at vlog.V(1), the ids of fibers wakeExpired
// just moved from the sleep set to the ready queue. Called only after
// s.lock has been released, so logging (which may block briefly on I/O)
// never happens while the Scheduler's Spinlock is held.
func (s *Scheduler) logDeadlinesFired(woken []uint64) {
	for _, id := range woken {
		vlog.Log.VI(1).Infof("%s: fiber %d deadline fired", s.name(), id)
	}
}

// Shutdown stops the Scheduler from treating new Spawns as reasons to
// keep running once the current fiber population drains (callers should
// stop calling Spawn once they begin a shutdown), and blocks until Run
// returns or stdctx is cancelled. Already-ready and already-sleeping
// fibers continue to run to completion; Shutdown does not forcibly
// terminate them, matching spec.md's non-goal of preemption.
func (s *Scheduler) Shutdown(stdctx context.Context) error {
	s.stopped.Store(true)
	s.kickDispatcher()
	select {
	case <-s.runDone:
		return nil
	case <-stdctx.Done():
		return stdctx.Err()
	}
}

// resetTimer reuses a time.Timer across iterations, stopping and
// draining it before each Reset, matching the discipline nsync's CV
// implementation uses for its per-waiter deadline timer (see
// v.io/x/lib/nsync/cv.go and waiter.go): the channel must be known-empty
// before Reset, or a stale tick can be observed on a later select.
func resetTimer(t *time.Timer, d time.Duration) {
	if d < 0 {
		d = 0
	}
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

// LockOSThreadAndRun is a convenience for the common case of dedicating
// a whole OS thread to one Scheduler, matching spec.md §5's "each OS
// thread owns one Scheduler instance."  It must be called from a
// goroutine that will do nothing else for its lifetime.
func LockOSThreadAndRun(stdctx context.Context, s *Scheduler) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	return s.Run(stdctx)
}


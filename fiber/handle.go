// Copyright 2016 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package fiber

import "context"

// A Handle is returned by Scheduler.Spawn and lets the spawner observe
// or abandon a fiber's lifetime. This is the minimal slice of
// spec.md §6's "Fiber::spawn(fn) → handle; handle.join(); handle.detach()"
// that this core keeps: a Scheduler cannot be demonstrated end-to-end
// without some way to start and observe a fiber's termination. The
// richer wrappers spec.md's Non-goals name (futures, promises, barriers)
// remain out of scope.
type Handle struct {
	ctx *Context
}

// Context returns the Context this Handle refers to.
func (h *Handle) Context() *Context { return h.ctx }

// Join blocks the caller until the spawned fiber terminates, or until
// stdctx is cancelled, whichever comes first. Join does not suspend the
// calling fiber cooperatively (it may be called from outside any fiber,
// e.g. from the goroutine that called Scheduler.Spawn); to wait on a
// fiber's termination from within another fiber, suspend on a CondVar
// signalled by the terminating fiber instead.
func (h *Handle) Join(stdctx context.Context) error {
	select {
	case <-h.ctx.done:
		return nil
	case <-stdctx.Done():
		return stdctx.Err()
	}
}

// Detach releases the Handle's interest in the fiber's termination.
// The fiber continues running to completion regardless; Detach simply
// means the caller will no longer Join it. It exists only to make the
// "fire and forget a fiber" intent explicit at call sites, matching
// spec.md §6's handle.detach().
func (h *Handle) Detach() {}

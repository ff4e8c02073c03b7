// Copyright 2016 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package fiber

import (
	"sync"
	"testing"
)

// spinlockTestData mirrors nsync/mu_test.go's testData fixture:
// counters shared and protected by the lock under test.
type spinlockTestData struct {
	nThreads  int
	loopCount int

	spin Spinlock
	i    int
	id   int

	wg sync.WaitGroup
}

func countingLoopSpinlock(td *spinlockTestData, id int) {
	defer td.wg.Done()
	for n := 0; n != td.loopCount; n++ {
		td.spin.Lock()
		td.id = id
		td.i++
		if td.id != id {
			panic("td.id != id")
		}
		td.spin.Unlock()
	}
}

func TestSpinlockNThread(t *testing.T) {
	td := &spinlockTestData{nThreads: 5, loopCount: 20000}
	td.wg.Add(td.nThreads)
	for i := 0; i != td.nThreads; i++ {
		go countingLoopSpinlock(td, i)
	}
	td.wg.Wait()
	if td.i != td.nThreads*td.loopCount {
		t.Fatalf("final count inconsistent: want %d, got %d", td.nThreads*td.loopCount, td.i)
	}
}

func TestSpinlockTryLock(t *testing.T) {
	var s Spinlock
	if !s.TryLock() {
		t.Fatalf("TryLock on a free Spinlock should succeed")
	}
	if s.TryLock() {
		t.Fatalf("TryLock on an already-held Spinlock should fail")
	}
	s.Unlock()
	if !s.TryLock() {
		t.Fatalf("TryLock after Unlock should succeed")
	}
	s.Unlock()
}

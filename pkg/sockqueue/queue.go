// Copyright 2018 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package sockqueue implements the wait-free multi-producer single-consumer
// ring used to deliver received descriptors to a socket. Producers never
// block; the single consumer blocks on empty via a precise wait/wake
// handshake that cannot lose a wake.
package sockqueue

import (
	"errors"
	"sync/atomic"

	"shmnet.dev/shmnet/pkg/wire"
)

// ErrFull is returned by Produce when the queue has no free slot.
var ErrFull = errors.New("sockqueue: queue full")

const (
	// slotEmpty marks a slot with no published value.
	slotEmpty int32 = 0
	// slotReady marks a slot holding a value not yet consumed.
	slotReady int32 = 1
	// slotWaiting marks an empty slot that the consumer is about to (or
	// already has) started waiting on.
	slotWaiting int32 = -1
)

// Queue is a bounded, power-of-two-sized wait-free MPSC ring of
// wire.ShmDescriptor values.
type Queue struct {
	mask uint32

	descs     []wire.ShmDescriptor
	available []int32 // atomic per-slot state, one of slot{Empty,Ready,Waiting}

	prodNext atomic.Uint32
	consNext uint32 // owned by the single consumer, never accessed concurrently

	count atomic.Int32

	cancelWait atomic.Bool
	waitobj    atomic.Pointer[Waiter]
}

// New returns a Queue of the given capacity, which must be a power of two.
func New(capacity int) *Queue {
	if capacity <= 0 || capacity&(capacity-1) != 0 {
		panic("sockqueue: capacity must be a positive power of two")
	}
	return &Queue{
		mask:      uint32(capacity - 1),
		descs:     make([]wire.ShmDescriptor, capacity),
		available: make([]int32, capacity),
	}
}

// Len reports the current conservative occupancy. Intended for statistics;
// racy with respect to concurrent Produce/Consume.
func (q *Queue) Len() int {
	return int(q.count.Load())
}

// Produce publishes desc for the consumer. It never blocks: it returns
// ErrFull immediately if the queue is at capacity.
func (q *Queue) Produce(desc wire.ShmDescriptor) error {
	if q.count.Add(1) > int32(len(q.descs)) {
		q.count.Add(-1)
		return ErrFull
	}

	idx := q.prodNext.Add(1) - 1
	slot := idx & q.mask
	q.descs[slot] = desc

	newState := atomic.AddInt32(&q.available[slot], 1)
	if newState != slotEmpty {
		// The slot went slotEmpty(0) -> slotReady(1): no consumer was
		// waiting on it, nothing more to do.
		return nil
	}
	// The slot went slotWaiting(-1) -> slotEmpty(0): the consumer had
	// marked this slot as awaited. Offer a wake.
	q.offerWake()
	return nil
}

// offerWake implements the cancel_wait handshake: either this producer wins
// the right to wake the consumer, or the consumer has already cancelled its
// own wait, in which case no wake is necessary.
func (q *Queue) offerWake() {
	q.cancelWait.Store(true)
	w := q.waitobj.Load()
	if w == nil {
		// The consumer has not yet published its waiter; it will observe
		// cancelWait on its own next check.
		return
	}
	if q.cancelWait.CompareAndSwap(true, false) {
		(*w).Wake()
	}
	// CAS failure means the consumer itself cancelled the proposal and will
	// proceed without blocking.
}

// Consume blocks until a value is available and returns it.
func (q *Queue) Consume() wire.ShmDescriptor {
	slot := q.consNext & q.mask

	if newState := atomic.AddInt32(&q.available[slot], -1); newState != slotEmpty {
		// old value was slotEmpty(0), so this landed slotWaiting(-1): the
		// slot isn't published yet, block for it.
		q.blockUntilReady(slot)
	}

	desc := q.descs[slot]
	q.consNext++
	q.count.Add(-1)
	return desc
}

func (q *Queue) blockUntilReady(slot uint32) {
	w := newWaiter()
	q.waitobj.Store(&w)
	if !q.cancelWait.CompareAndSwap(true, false) {
		w.Wait()
	}
	q.waitobj.Store(nil)
	// Whether we returned via the CAS or via Wait, a producer has already
	// written descs[slot] before making either move; no further
	// synchronization is needed to read it.
}

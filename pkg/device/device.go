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

// Package device declares the abstract contract a paravirtualized
// virtqueue-pair transport must satisfy for pkg/queue and pkg/driver to
// drive it. It has no concrete virtqueue implementation of its own — the
// real device lives in the hypervisor-exposed PCI BAR — but
// pkg/device/devicetest provides an in-memory fake satisfying this contract
// for tests.
package device

import "errors"

// ErrQueueEmpty is returned by GetBufElem when the used ring has nothing to
// reap.
var ErrQueueEmpty = errors.New("device: queue empty")

// Cookie identifies a buffer submitted with AddBuf; the same value is
// returned by GetBufElem once the device has consumed it. The "index+1"
// cookie-encoding convention lives at the pkg/queue layer, not here — this
// package only carries the opaque uint32 through.
type Cookie uint32

// Queue identifies one of a Device's virtqueues by index: RX and TX rings
// are adjacent indices (2*vcpu, 2*vcpu+1), and the control virtqueue (if
// negotiated) has its own index.
type Queue int

// Device is the collaborator contract an external paravirtualized transport
// must provide. Grounded on the VirtIO 1.2 virtqueue operation set in
// other_examples/iansmith-mazarin__virtqueue.go (descriptor chains, the
// available/used ring split, free-descriptor-list semantics), abstracted
// away from its unsafe-pointer ring layout into an operation-level contract
// for the external device collaborator.
type Device interface {
	// InitSG begins building a new scatter-gather descriptor chain for q.
	InitSG(q Queue)

	// AddOutSG appends a device-readable (guest-to-device) buffer segment
	// to the chain being built for q.
	AddOutSG(q Queue, buf []byte)

	// AddInSG appends a device-writable (device-to-guest) buffer segment
	// to the chain being built for q.
	AddInSG(q Queue, buf []byte)

	// AddBuf submits the chain built by the preceding InitSG/Add*SG calls
	// to q's available ring, tagged with cookie.
	AddBuf(q Queue, cookie Cookie) error

	// Kick notifies the device that q's available ring has new entries.
	Kick(q Queue)

	// UsedRingNotEmpty reports whether q's used ring has an element the
	// guest has not yet reaped.
	UsedRingNotEmpty(q Queue) bool

	// GetBufElem reaps the next used-ring element for q, returning the
	// cookie it was submitted with and the number of bytes the device
	// wrote (0 for TX completions). Returns ErrQueueEmpty if the used ring
	// has nothing pending.
	GetBufElem(q Queue) (Cookie, int, error)

	// GetBufFinalize releases the descriptor chain associated with the
	// most recently reaped element back to q's free list.
	GetBufFinalize(q Queue)

	// EnableInterrupts re-arms used-ring notifications for q.
	EnableInterrupts(q Queue)

	// DisableInterrupts suppresses used-ring notifications for q, used by
	// the poll loop while it is actively draining.
	DisableInterrupts(q Queue)

	// WaitForQueue blocks the calling goroutine until either an interrupt
	// for q fires or cond(q) is observed true, whichever comes first.
	WaitForQueue(q Queue, cond func() bool)
}

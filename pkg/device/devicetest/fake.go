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

// Package devicetest provides an in-process Device fake for exercising
// pkg/queue and pkg/driver without a real hypervisor-exposed PCI BAR.
//
// The fake's buffer memory is one anonymous mmap region per Device, mirroring the
// /dev/shm-backed regions pkg/tcpip/link/sharedmem/queuepair.go allocates
// for its real rings, simplified here to anonymous memory since no second
// process needs to attach to it.
package devicetest

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"shmnet.dev/shmnet/pkg/device"
)

// postedBuf is an RX buffer the guest has posted (AddInSG-only chain) that
// has not yet been completed by a Deliver call.
type postedBuf struct {
	cookie device.Cookie
	segs   [][]byte
}

// completion is one outstanding (unreaped) used-ring entry.
type completion struct {
	cookie device.Cookie
	nread  int
}

type fakeQueue struct {
	mu sync.Mutex

	// building accumulates the scatter-gather chain for InitSG through the
	// next AddBuf.
	out [][]byte
	in  [][]byte

	postedRX []postedBuf
	used     []completion

	interruptsEnabled bool
	notify            chan struct{} // closed and replaced whenever the used ring gains an entry
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{
		interruptsEnabled: true,
		notify:            make(chan struct{}),
	}
}

// Device is an in-memory Device fake. TX-style chains (AddOutSG only) are
// treated as instantly processed by the device and complete immediately;
// RX-style chains (AddInSG only) are parked until a test calls Deliver to
// simulate the device writing received data into them.
type Device struct {
	mu      sync.Mutex
	queues  map[device.Queue]*fakeQueue
	mmapBuf []byte
	mmapOff int
}

// New returns a Device fake with regionSize bytes of mmap-backed scratch
// memory available via NewBuffer.
func New(regionSize int) (*Device, error) {
	buf, err := unix.Mmap(-1, 0, regionSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, err
	}
	return &Device{
		queues:  make(map[device.Queue]*fakeQueue),
		mmapBuf: buf,
	}, nil
}

// Close unmaps the fake's backing memory.
func (d *Device) Close() error {
	return unix.Munmap(d.mmapBuf)
}

// NewBuffer carves a size-byte slice out of the fake's mmap-backed region.
func (d *Device) NewBuffer(size int) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.mmapOff+size > len(d.mmapBuf) {
		panic("devicetest: mmap region exhausted")
	}
	b := d.mmapBuf[d.mmapOff : d.mmapOff+size]
	d.mmapOff += size
	return b
}

func (d *Device) queue(q device.Queue) *fakeQueue {
	d.mu.Lock()
	defer d.mu.Unlock()
	fq, ok := d.queues[q]
	if !ok {
		fq = newFakeQueue()
		d.queues[q] = fq
	}
	return fq
}

func (d *Device) InitSG(q device.Queue) {
	fq := d.queue(q)
	fq.mu.Lock()
	fq.out = fq.out[:0]
	fq.in = fq.in[:0]
	fq.mu.Unlock()
}

func (d *Device) AddOutSG(q device.Queue, buf []byte) {
	fq := d.queue(q)
	fq.mu.Lock()
	fq.out = append(fq.out, buf)
	fq.mu.Unlock()
}

func (d *Device) AddInSG(q device.Queue, buf []byte) {
	fq := d.queue(q)
	fq.mu.Lock()
	fq.in = append(fq.in, buf)
	fq.mu.Unlock()
}

func (d *Device) AddBuf(q device.Queue, cookie device.Cookie) error {
	fq := d.queue(q)
	fq.mu.Lock()
	switch {
	case len(fq.in) > 0:
		// RX-style post: park until Deliver simulates device completion.
		fq.postedRX = append(fq.postedRX, postedBuf{cookie: cookie, segs: append([][]byte(nil), fq.in...)})
		fq.mu.Unlock()
	default:
		// TX-style post (or an empty chain): the fake device "transmits"
		// it instantly.
		fq.used = append(fq.used, completion{cookie: cookie})
		notify := fq.notify
		fq.notify = make(chan struct{})
		fq.mu.Unlock()
		close(notify)
	}
	return nil
}

// Kick is a no-op observation point; the fake delivers synchronously.
func (d *Device) Kick(q device.Queue) {}

func (d *Device) UsedRingNotEmpty(q device.Queue) bool {
	fq := d.queue(q)
	fq.mu.Lock()
	defer fq.mu.Unlock()
	return len(fq.used) > 0
}

func (d *Device) GetBufElem(q device.Queue) (device.Cookie, int, error) {
	fq := d.queue(q)
	fq.mu.Lock()
	defer fq.mu.Unlock()
	if len(fq.used) == 0 {
		return 0, 0, device.ErrQueueEmpty
	}
	e := fq.used[0]
	fq.used = fq.used[1:]
	return e.cookie, e.nread, nil
}

func (d *Device) GetBufFinalize(q device.Queue) {}

func (d *Device) EnableInterrupts(q device.Queue) {
	fq := d.queue(q)
	fq.mu.Lock()
	fq.interruptsEnabled = true
	fq.mu.Unlock()
}

func (d *Device) DisableInterrupts(q device.Queue) {
	fq := d.queue(q)
	fq.mu.Lock()
	fq.interruptsEnabled = false
	fq.mu.Unlock()
}

// WaitForQueue blocks until cond is true, waking either on a notify (a
// Deliver/AddBuf on q) or a short poll interval — the latter exists only so
// a test-driven stop condition folded into cond (e.g. "or shutting down")
// is noticed promptly without requiring every caller to route shutdown
// through a queue event.
func (d *Device) WaitForQueue(q device.Queue, cond func() bool) {
	fq := d.queue(q)
	for {
		if cond() {
			return
		}
		fq.mu.Lock()
		notify := fq.notify
		fq.mu.Unlock()
		select {
		case <-notify:
		case <-time.After(5 * time.Millisecond):
		}
		fq.mu.Lock()
		if fq.notify == notify {
			fq.notify = make(chan struct{})
		}
		fq.mu.Unlock()
	}
}

// Deliver completes the oldest still-posted RX buffer on q by copying src
// into its in-sg segments, simulating the device writing received data.
// Returns the number of bytes copied.
func (d *Device) Deliver(q device.Queue, src []byte) int {
	fq := d.queue(q)
	fq.mu.Lock()
	if len(fq.postedRX) == 0 {
		fq.mu.Unlock()
		panic("devicetest: Deliver with no posted RX buffer")
	}
	pb := fq.postedRX[0]
	fq.postedRX = fq.postedRX[1:]

	n := 0
	for _, seg := range pb.segs {
		if n >= len(src) {
			break
		}
		n += copy(seg, src[n:])
	}
	fq.used = append(fq.used, completion{cookie: pb.cookie, nread: n})
	notify := fq.notify
	fq.notify = make(chan struct{})
	fq.mu.Unlock()
	close(notify)
	return n
}

var _ device.Device = (*Device)(nil)

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

// Package queue implements the per-vCPU transport queue: a paired RX/TX
// virtqueue with a dedicated RX poll thread and a TX buffer freelist.
package queue

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"shmnet.dev/shmnet/pkg/device"
	"shmnet.dev/shmnet/pkg/sched"
	"shmnet.dev/shmnet/pkg/socket"
	"shmnet.dev/shmnet/pkg/wire"
)

// RingDepth is the default depth of both the RX and TX rings, used when New
// is not given an explicit override.
const RingDepth = 256

// ErrTXFull is returned by Transmit when the TX freelist is empty even
// after reaping completions from the device.
var ErrTXFull = errors.New("queue: tx freelist exhausted")

// ErrStopped is returned by Transmit once the queue's poll loop has
// observed a fatal condition and stopped.
var ErrStopped = errors.New("queue: stopped")

// Stats is a point-in-time snapshot of a TransportQueue's counters; fields
// are plain (non-atomic) because Stats copies field by field from the
// owning TransportQueue's atomic counters, avoiding torn reads.
type Stats struct {
	RxPkts      uint64
	RxSockQFull uint64
	RxWakeups   uint64
	TxPkts      uint64
	TxErrors    uint64
}

// TransportQueue is one vCPU's paired RX/TX virtqueue. Its RX poll loop and
// TX buffer-posting shape follow pkg/tcpip/link/sharedmem/sharedmem.go's
// dispatchLoop/PostBuffers pattern, generalized from a single endpoint queue
// to one of N per-vCPU queues feeding a shared socket registry; its TX
// buffer-freelist reclaim follows romshark-afxdp-bench-go/afxdp/afxdp.go's
// reserveTx/umemCompleteFromKernel pattern.
type TransportQueue struct {
	index      int
	dev        device.Device
	rxQ, txQ   device.Queue
	netHdrSize int
	frameSize  int
	ringDepth  int
	registry   *socket.Registry

	rxBufs [][]byte
	txBufs [][]byte

	txFreelistMu sync.Mutex
	txFreelist   []int

	stopped atomic.Bool
	done    sync.WaitGroup

	rxPkts      atomic.Uint64
	rxSockQFull atomic.Uint64
	rxWakeups   atomic.Uint64
	txPkts      atomic.Uint64
	txErrors    atomic.Uint64

	log *logrus.Entry
}

// New constructs a TransportQueue bound to virtqueues rxQ/txQ of dev,
// pinned to the given vCPU index. alloc must return zeroed, non-overlapping
// buffers of the requested size drawn from the shared-memory region backing
// dev (see pkg/device/devicetest.Device.NewBuffer for the test analogue).
// ringDepth, if <= 0, defaults to RingDepth.
func New(index int, dev device.Device, rxQ, txQ device.Queue, netHdrSize int, ringDepth int, registry *socket.Registry, alloc func(size int) []byte, log *logrus.Entry) *TransportQueue {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if ringDepth <= 0 {
		ringDepth = RingDepth
	}
	frameSize := wire.FrameSize(netHdrSize)
	q := &TransportQueue{
		index:      index,
		dev:        dev,
		rxQ:        rxQ,
		txQ:        txQ,
		netHdrSize: netHdrSize,
		frameSize:  frameSize,
		ringDepth:  ringDepth,
		registry:   registry,
		rxBufs:     make([][]byte, ringDepth),
		txBufs:     make([][]byte, ringDepth),
		txFreelist: make([]int, 0, ringDepth),
		log:        log.WithField("vcpu", index),
	}
	for i := 0; i < ringDepth; i++ {
		q.rxBufs[i] = alloc(frameSize)
		q.txBufs[i] = alloc(frameSize)
		q.txFreelist = append(q.txFreelist, i)
	}
	for i := 0; i < ringDepth; i++ {
		q.postRXBuffer(i)
	}
	return q
}

func (q *TransportQueue) postRXBuffer(idx int) {
	q.dev.InitSG(q.rxQ)
	q.dev.AddInSG(q.rxQ, q.rxBufs[idx])
	q.dev.AddBuf(q.rxQ, device.Cookie(idx+1))
}

// Start launches the RX poll goroutine, which pins its OS thread to vCPU
// index (see pkg/sched) before polling. If pinning fails, the failure is
// logged and the loop polls unpinned.
func (q *TransportQueue) Start() {
	q.done.Add(1)
	go q.pollLoop()
}

// Stop requests the poll loop to exit and waits for it to do so.
func (q *TransportQueue) Stop() {
	q.stopped.Store(true)
	q.done.Wait()
}

func (q *TransportQueue) pollLoop() {
	defer q.done.Done()
	if _, err := sched.Pin(q.index); err != nil {
		q.log.WithError(err).Warn("could not pin poll loop to its vCPU")
	}
	for !q.stopped.Load() {
		q.dev.DisableInterrupts(q.rxQ)
		if fatal := q.drainRX(); fatal {
			return
		}
		q.dev.Kick(q.rxQ)
		q.dev.EnableInterrupts(q.rxQ)
		if q.stopped.Load() {
			return
		}
		q.rxWakeups.Add(1)
		q.dev.WaitForQueue(q.rxQ, func() bool {
			return q.dev.UsedRingNotEmpty(q.rxQ) || q.stopped.Load()
		})
	}
}

// drainRX processes every currently-ready RX element. It returns true if it
// hit a fatal condition (an unexpected frame length) and the poll loop must
// stop.
func (q *TransportQueue) drainRX() (fatal bool) {
	for q.dev.UsedRingNotEmpty(q.rxQ) {
		cookie, n, err := q.dev.GetBufElem(q.rxQ)
		if err != nil {
			return false
		}
		idx := int(cookie) - 1
		buf := q.rxBufs[idx]

		if n != q.frameSize {
			q.log.WithFields(logrus.Fields{"got": n, "want": q.frameSize}).Error("unexpected rx frame length, stopping queue")
			q.dev.GetBufFinalize(q.rxQ)
			q.stopped.Store(true)
			return true
		}

		pkt := wire.GetPacketFromFrame(buf, q.netHdrSize)
		q.rxPkts.Add(1)
		if err := q.dispatch(pkt); err != nil {
			q.rxSockQFull.Add(1)
		}

		q.dev.GetBufFinalize(q.rxQ)
		q.postRXBuffer(idx)
	}
	return false
}

func (q *TransportQueue) dispatch(pkt wire.Packet) error {
	id := socket.ID{
		RAddr: pkt.Hdr.SAddr,
		RPort: pkt.Hdr.SPort,
		LPort: pkt.Hdr.DPort,
		Type:  pkt.Hdr.Type,
	}
	sock, ok := q.registry.Lookup(id)
	if !ok && pkt.Hdr.Type == wire.Connless {
		// Only Connless packets fall back to the socket bound on DPort with
		// no remote peer. Connect is not implemented, so no registered
		// socket carries a remote peer, and a Connected packet from a
		// nonzero source address finds no socket and is dropped.
		sock, ok = q.registry.Lookup(socket.ID{LPort: pkt.Hdr.DPort, Type: wire.Connless})
	}
	if !ok {
		return nil // no socket bound; the packet is silently dropped
	}
	return sock.Deliver(pkt.Desc)
}

// Transmit submits pkt on this queue's TX ring, reaping completed buffers
// from a prior Transmit to replenish the freelist if needed.
func (q *TransportQueue) Transmit(pkt wire.Packet) error {
	if q.stopped.Load() {
		return ErrStopped
	}
	idx, ok := q.popFreelist()
	if !ok {
		q.reapTX()
		idx, ok = q.popFreelist()
		if !ok {
			q.txErrors.Add(1)
			return ErrTXFull
		}
	}

	buf := q.txBufs[idx]
	wire.PutPacket(buf, q.netHdrSize, pkt)

	q.dev.InitSG(q.txQ)
	q.dev.AddOutSG(q.txQ, buf[:q.frameSize])
	if err := q.dev.AddBuf(q.txQ, device.Cookie(idx+1)); err != nil {
		q.pushFreelist(idx)
		q.txErrors.Add(1)
		return err
	}
	q.dev.Kick(q.txQ)
	q.txPkts.Add(1)
	return nil
}

func (q *TransportQueue) reapTX() {
	for {
		cookie, _, err := q.dev.GetBufElem(q.txQ)
		if err != nil {
			return
		}
		q.dev.GetBufFinalize(q.txQ)
		q.pushFreelist(int(cookie) - 1)
	}
}

func (q *TransportQueue) popFreelist() (int, bool) {
	q.txFreelistMu.Lock()
	defer q.txFreelistMu.Unlock()
	if len(q.txFreelist) == 0 {
		return 0, false
	}
	idx := q.txFreelist[len(q.txFreelist)-1]
	q.txFreelist = q.txFreelist[:len(q.txFreelist)-1]
	return idx, true
}

func (q *TransportQueue) pushFreelist(idx int) {
	q.txFreelistMu.Lock()
	q.txFreelist = append(q.txFreelist, idx)
	q.txFreelistMu.Unlock()
}

// Stats returns a snapshot of the queue's counters.
func (q *TransportQueue) Stats() Stats {
	return Stats{
		RxPkts:      q.rxPkts.Load(),
		RxSockQFull: q.rxSockQFull.Load(),
		RxWakeups:   q.rxWakeups.Load(),
		TxPkts:      q.txPkts.Load(),
		TxErrors:    q.txErrors.Load(),
	}
}

// Index returns the vCPU index this queue is pinned to.
func (q *TransportQueue) Index() int { return q.index }

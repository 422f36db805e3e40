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

// Package driver implements the transport driver: device feature
// negotiation, multi-queue bring-up (one virtqueue pair per vCPU), and the
// process-wide Context tying the socket layer to the per-vCPU transport
// queues.
package driver

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"shmnet.dev/shmnet/pkg/device"
	"shmnet.dev/shmnet/pkg/queue"
	"shmnet.dev/shmnet/pkg/sched"
	"shmnet.dev/shmnet/pkg/socket"
	"shmnet.dev/shmnet/pkg/wire"
)

// Feature bits consumed from the device.
const (
	FeatureCtrlVQ = 1 << 17
	FeatureMQ     = 1 << 22
)

// ErrMissingFeature is returned by New when the device does not offer a
// feature this driver requires given the requested vCPU count.
var ErrMissingFeature = errors.New("driver: device missing required feature")

// ErrInsufficientQueuePairs is returned by New when the device's declared
// max_virtqueue_pairs is smaller than the requested vCPU count.
var ErrInsufficientQueuePairs = errors.New("driver: device does not support enough queue pairs")

// ErrControlCommandFailed is returned by New when the device nacks the
// CTRL_MQ_VQ_PAIRS_SET command.
var ErrControlCommandFailed = errors.New("driver: control command failed")

// ctrlMQVQPairsSet is the control-ring command: class 4 ("MQ"), command 0
// ("VQ_PAIRS_SET"). Only the first four bytes are written by the driver;
// the fifth (ack) is read back from the device.
type ctrlMQVQPairsSet struct {
	cmdClass       uint8
	command        uint8
	virtqueuePairs uint16
}

func (c ctrlMQVQPairsSet) encode() []byte {
	b := make([]byte, 4)
	b[0] = c.cmdClass
	b[1] = c.command
	b[2] = byte(c.virtqueuePairs)
	b[3] = byte(c.virtqueuePairs >> 8)
	return b
}

// Config describes the parameters New negotiates against the device.
type Config struct {
	// VCPUCount is the number of vCPUs to allocate a transport queue for.
	VCPUCount int
	// NegotiatedFeatures is the feature bitmask reported by the device
	// during probe.
	NegotiatedFeatures uint64
	// MaxVirtqueuePairs is the device's advertised max_virtqueue_pairs
	// config field.
	MaxVirtqueuePairs int
	// ModernNetHeader selects the 12-byte modern device network header
	// over the 10-byte legacy one.
	ModernNetHeader bool
	// LocalAddr is this node's address, stamped into every transmitted
	// packet's Header.SAddr.
	LocalAddr uint32
	// RingDepth overrides each TransportQueue's RX/TX ring depth. <= 0
	// defaults to queue.RingDepth.
	RingDepth int
	// EphemeralPortBase overrides the low end of the registry's ephemeral
	// port range. <= 0 defaults to socket.FirstEphemeral.
	EphemeralPortBase int
}

// Context is the process-wide driver handle: the registry, the per-vCPU
// transport queues, and the negotiated wire parameters, held as an explicit
// struct rather than package globals.
type Context struct {
	cfg        Config
	dev        device.Device
	netHdrSize int
	queues     []*queue.TransportQueue // fixed-length, allocated once in New
	registry   *socket.Registry

	log *logrus.Entry
}

// New probes dev against cfg, negotiates control/multi-queue features, and
// brings up one TransportQueue per vCPU. Grounded on
// pkg/tcpip/link/sharedmem.New/Attach's lifecycle, generalized from a single
// endpoint to N per-vCPU queues plus a feature-negotiation preamble a
// single-queue design does not need.
func New(dev device.Device, cfg Config, alloc func(size int) []byte, log *logrus.Entry) (*Context, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log = log.WithField("component", "driver")

	if cfg.VCPUCount > 1 {
		if cfg.NegotiatedFeatures&FeatureCtrlVQ == 0 {
			return nil, fmt.Errorf("%w: CTRL_VQ required for %d vCPUs", ErrMissingFeature, cfg.VCPUCount)
		}
		if cfg.NegotiatedFeatures&FeatureMQ == 0 {
			return nil, fmt.Errorf("%w: MQ required for %d vCPUs", ErrMissingFeature, cfg.VCPUCount)
		}
	}
	if cfg.MaxVirtqueuePairs < cfg.VCPUCount {
		return nil, fmt.Errorf("%w: max=%d want=%d", ErrInsufficientQueuePairs, cfg.MaxVirtqueuePairs, cfg.VCPUCount)
	}

	netHdrSize := wire.NetHeaderSize(cfg.ModernNetHeader)
	registry := socket.NewRegistry(cfg.EphemeralPortBase, log)

	ctx := &Context{
		cfg:        cfg,
		dev:        dev,
		netHdrSize: netHdrSize,
		queues:     make([]*queue.TransportQueue, cfg.VCPUCount),
		registry:   registry,
		log:        log,
	}

	for i := 0; i < cfg.VCPUCount; i++ {
		rxQ := device.Queue(2 * i)
		txQ := device.Queue(2*i + 1)
		ctx.queues[i] = queue.New(i, dev, rxQ, txQ, netHdrSize, cfg.RingDepth, registry, alloc, log)
	}

	if cfg.VCPUCount > 1 {
		controlQ := device.Queue(2 * cfg.VCPUCount)
		if err := sendCtrlMQVQPairsSet(dev, controlQ, cfg.VCPUCount); err != nil {
			return nil, err
		}
	}

	log.WithFields(logrus.Fields{"vcpus": cfg.VCPUCount, "features": cfg.NegotiatedFeatures}).Info("driver ready (DRIVER_OK)")
	return ctx, nil
}

func sendCtrlMQVQPairsSet(dev device.Device, controlQ device.Queue, vcpuCount int) error {
	cmd := ctrlMQVQPairsSet{cmdClass: 4, command: 0, virtqueuePairs: uint16(vcpuCount)}
	out := cmd.encode()
	ack := make([]byte, 1)

	dev.InitSG(controlQ)
	dev.AddOutSG(controlQ, out)
	dev.AddInSG(controlQ, ack)
	if err := dev.AddBuf(controlQ, 0); err != nil {
		return fmt.Errorf("driver: submitting CTRL_MQ_VQ_PAIRS_SET: %w", err)
	}
	dev.Kick(controlQ)
	dev.WaitForQueue(controlQ, func() bool { return dev.UsedRingNotEmpty(controlQ) })
	if _, _, err := dev.GetBufElem(controlQ); err != nil {
		return fmt.Errorf("driver: reaping CTRL_MQ_VQ_PAIRS_SET ack: %w", err)
	}
	dev.GetBufFinalize(controlQ)

	if ack[0] != 0 {
		return ErrControlCommandFailed
	}
	return nil
}

// Start launches the RX poll loop for every transport queue.
func (c *Context) Start() {
	for _, q := range c.queues {
		q.Start()
	}
}

// Stop stops every transport queue's poll loop and waits for them to exit.
func (c *Context) Stop() {
	for _, q := range c.queues {
		q.Stop()
	}
}

// Registry returns the socket registry backing this driver instance.
func (c *Context) Registry() *socket.Registry { return c.registry }

// Queue returns the transport queue pinned to the given vCPU index.
func (c *Context) Queue(vcpu int) *queue.TransportQueue { return c.queues[vcpu] }

// NumQueues returns the number of per-vCPU transport queues.
func (c *Context) NumQueues() int { return len(c.queues) }

// LocalAddr returns this node's configured address.
func (c *Context) LocalAddr() uint32 { return c.cfg.LocalAddr }

// Xmit implements the socket layer's xmit operation: assign an ephemeral
// local port if sock doesn't have one yet, build the packet header, and
// submit it on the vCPU-pinned transport queue selected by tok, falling
// back to vCPU 0 for a caller that never pinned itself.
func (c *Context) Xmit(tok sched.Token, sock *socket.Socket, desc wire.ShmDescriptor, dstAddr uint32, dstPort uint16) error {
	if sock.ID().Unbound() {
		if err := c.registry.AssignEphemeral(sock); err != nil {
			return fmt.Errorf("driver: xmit: %w", err)
		}
	}
	id := sock.ID()

	pkt := wire.Packet{
		Desc: desc,
		Hdr: wire.Header{
			SAddr: c.cfg.LocalAddr,
			DAddr: dstAddr,
			SPort: id.LPort,
			DPort: dstPort,
			Type:  id.Type,
		},
	}

	vcpu := 0
	if tok.Valid() {
		vcpu = tok.Current()
	}
	return c.queues[vcpu].Transmit(pkt)
}

// AggregateStats sums Stats across every transport queue.
func (c *Context) AggregateStats() queue.Stats {
	var total queue.Stats
	for _, q := range c.queues {
		s := q.Stats()
		total.RxPkts += s.RxPkts
		total.RxSockQFull += s.RxSockQFull
		total.RxWakeups += s.RxWakeups
		total.TxPkts += s.TxPkts
		total.TxErrors += s.TxErrors
	}
	return total
}

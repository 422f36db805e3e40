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

package driver

import (
	"testing"
	"time"

	"shmnet.dev/shmnet/pkg/device"
	"shmnet.dev/shmnet/pkg/device/devicetest"
	"shmnet.dev/shmnet/pkg/sched"
	"shmnet.dev/shmnet/pkg/socket"
	"shmnet.dev/shmnet/pkg/wire"
)

func newTestDriver(t *testing.T, vcpus int) (*Context, *devicetest.Device) {
	t.Helper()
	dev, err := devicetest.New(64 << 20)
	if err != nil {
		t.Fatalf("devicetest.New: %v", err)
	}
	t.Cleanup(func() { dev.Close() })

	cfg := Config{
		VCPUCount:          vcpus,
		NegotiatedFeatures: FeatureCtrlVQ | FeatureMQ,
		MaxVirtqueuePairs:  vcpus,
		LocalAddr:          0x0A000001,
	}
	if vcpus == 1 {
		cfg.NegotiatedFeatures = 0
	}

	if vcpus > 1 {
		go ackControlCommand(dev, device.Queue(2*vcpus))
	}

	ctx, err := New(dev, cfg, dev.NewBuffer, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return ctx, dev
}

// ackControlCommand plays the device side of the CTRL_MQ_VQ_PAIRS_SET
// handshake: the driver posts a chain with both an out-sg (the command) and
// an in-sg (the ack byte), which the fake parks as an RX-style buffer since
// it has an in-sg segment; poll (catching the fake's "nothing posted yet"
// panic) until it appears, then Deliver the ack.
func ackControlCommand(dev *devicetest.Device, controlQ device.Queue) {
	for {
		posted := func() (ok bool) {
			defer func() {
				if recover() != nil {
					ok = false
				}
			}()
			dev.Deliver(controlQ, []byte{0})
			return true
		}()
		if posted {
			return
		}
		time.Sleep(time.Millisecond)
	}
}

func TestNewSingleVCPUNoFeaturesRequired(t *testing.T) {
	ctx, _ := newTestDriver(t, 1)
	if ctx.NumQueues() != 1 {
		t.Fatalf("NumQueues() = %d, want 1", ctx.NumQueues())
	}
}

func TestNewMissingFeatureRejected(t *testing.T) {
	dev, err := devicetest.New(64 << 20)
	if err != nil {
		t.Fatalf("devicetest.New: %v", err)
	}
	defer dev.Close()

	cfg := Config{VCPUCount: 2, NegotiatedFeatures: 0, MaxVirtqueuePairs: 2}
	if _, err := New(dev, cfg, dev.NewBuffer, nil); err == nil {
		t.Fatal("New with missing CTRL_VQ/MQ features should fail")
	}
}

func TestXmitAssignsEphemeralAndTransmits(t *testing.T) {
	ctx, _ := newTestDriver(t, 1)
	sock := socket.NewSocket(wire.Connless, nil)

	tok, err := sched.Pin(0)
	if err != nil {
		t.Fatalf("sched.Pin: %v", err)
	}

	if err := ctx.Xmit(tok, sock, wire.ShmDescriptor{Addr: 1, Len: 1}, 0x0A000002, 6000); err != nil {
		t.Fatalf("Xmit: %v", err)
	}
	if sock.ID().LPort != socket.FirstEphemeral {
		t.Fatalf("LPort = %d, want %d", sock.ID().LPort, socket.FirstEphemeral)
	}
	if got := ctx.AggregateStats().TxPkts; got != 1 {
		t.Fatalf("TxPkts = %d, want 1", got)
	}
}

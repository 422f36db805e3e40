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

package sockqueue

import (
	"sync"
	"testing"
	"time"

	"shmnet.dev/shmnet/pkg/wire"
)

func TestProduceConsumeFIFO(t *testing.T) {
	q := New(8)
	for i := uint64(0); i < 8; i++ {
		if err := q.Produce(wire.ShmDescriptor{Addr: i}); err != nil {
			t.Fatalf("Produce(%d): %v", i, err)
		}
	}
	for i := uint64(0); i < 8; i++ {
		got := q.Consume()
		if got.Addr != i {
			t.Fatalf("Consume() = %d, want %d", got.Addr, i)
		}
	}
}

func TestProduceFullRejects(t *testing.T) {
	q := New(4)
	for i := 0; i < 4; i++ {
		if err := q.Produce(wire.ShmDescriptor{Addr: uint64(i)}); err != nil {
			t.Fatalf("Produce(%d): %v", i, err)
		}
	}
	if err := q.Produce(wire.ShmDescriptor{Addr: 99}); err != ErrFull {
		t.Fatalf("Produce on full queue = %v, want ErrFull", err)
	}
	q.Consume()
	if err := q.Produce(wire.ShmDescriptor{Addr: 99}); err != nil {
		t.Fatalf("Produce after drain: %v", err)
	}
}

func TestConsumeBlocksUntilProduce(t *testing.T) {
	q := New(4)
	done := make(chan wire.ShmDescriptor, 1)
	go func() {
		done <- q.Consume()
	}()

	select {
	case <-done:
		t.Fatal("Consume returned before any Produce")
	case <-time.After(20 * time.Millisecond):
	}

	if err := q.Produce(wire.ShmDescriptor{Addr: 42}); err != nil {
		t.Fatalf("Produce: %v", err)
	}

	select {
	case got := <-done:
		if got.Addr != 42 {
			t.Fatalf("Consume() = %d, want 42", got.Addr)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Consume did not wake after Produce")
	}
}

func TestConcurrentProducersSingleConsumer(t *testing.T) {
	const (
		producers   = 4
		perProducer = 20000
	)
	q := New(256)

	var wg sync.WaitGroup
	wg.Add(producers)
	for p := 0; p < producers; p++ {
		go func(base uint64) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				for q.Produce(wire.ShmDescriptor{Addr: base + uint64(i)}) == ErrFull {
					// spin; consumer will drain
				}
			}
		}(uint64(p) * 1_000_000)
	}

	total := producers * perProducer
	seen := make(map[uint64]bool, total)
	for i := 0; i < total; i++ {
		d := q.Consume()
		if seen[d.Addr] {
			t.Fatalf("duplicate descriptor %d observed", d.Addr)
		}
		seen[d.Addr] = true
	}
	wg.Wait()
	if len(seen) != total {
		t.Fatalf("consumed %d distinct descriptors, want %d", len(seen), total)
	}
}

func TestNewPanicsOnNonPowerOfTwo(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("New(3) did not panic")
		}
	}()
	New(3)
}

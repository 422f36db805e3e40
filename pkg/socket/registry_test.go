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

package socket

import (
	"testing"

	"shmnet.dev/shmnet/pkg/wire"
)

func TestBindAndLookup(t *testing.T) {
	r := NewRegistry(0, nil)
	s := NewSocket(wire.Connless, nil)

	if err := r.Bind(s, 5000); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	got, ok := r.Lookup(s.ID())
	if !ok || got != s {
		t.Fatalf("Lookup after Bind = (%v, %v), want (%v, true)", got, ok, s)
	}
}

func TestBindRejectsPortZero(t *testing.T) {
	r := NewRegistry(0, nil)
	s := NewSocket(wire.Connless, nil)
	if err := r.Bind(s, 0); err != ErrInvalidPort {
		t.Fatalf("Bind(0) = %v, want ErrInvalidPort", err)
	}
}

func TestBindRejectsDuplicate(t *testing.T) {
	r := NewRegistry(0, nil)
	a := NewSocket(wire.Connless, nil)
	b := NewSocket(wire.Connless, nil)

	if err := r.Bind(a, 5001); err != nil {
		t.Fatalf("Bind(a): %v", err)
	}
	if err := r.Bind(b, 5001); err != ErrAlreadyBound {
		t.Fatalf("Bind(b) = %v, want ErrAlreadyBound", err)
	}
	if _, ok := r.Lookup(b.ID()); ok {
		t.Fatal("b should not be registered")
	}
}

func TestAssignEphemeralStartsAtFirst(t *testing.T) {
	r := NewRegistry(0, nil)
	s := NewSocket(wire.Connless, nil)
	if err := r.AssignEphemeral(s); err != nil {
		t.Fatalf("AssignEphemeral: %v", err)
	}
	if s.ID().LPort != FirstEphemeral {
		t.Fatalf("LPort = %d, want %d", s.ID().LPort, FirstEphemeral)
	}

	// A second assignment on an already-bound socket is a no-op.
	if err := r.AssignEphemeral(s); err != nil {
		t.Fatalf("AssignEphemeral (already bound): %v", err)
	}
	if s.ID().LPort != FirstEphemeral {
		t.Fatalf("LPort changed on already-bound socket: %d", s.ID().LPort)
	}
}

func TestAssignEphemeralAdvancesAndWraps(t *testing.T) {
	r := NewRegistry(0, nil)
	a := NewSocket(wire.Connless, nil)
	b := NewSocket(wire.Connless, nil)
	if err := r.AssignEphemeral(a); err != nil {
		t.Fatalf("AssignEphemeral(a): %v", err)
	}
	if err := r.AssignEphemeral(b); err != nil {
		t.Fatalf("AssignEphemeral(b): %v", err)
	}
	if b.ID().LPort != FirstEphemeral+1 {
		t.Fatalf("b.LPort = %d, want %d", b.ID().LPort, FirstEphemeral+1)
	}

	r.lastAssignedPort = LastEphemeral
	c := NewSocket(wire.Connless, nil)
	if err := r.AssignEphemeral(c); err != nil {
		t.Fatalf("AssignEphemeral(c): %v", err)
	}
	// The search wraps to FirstEphemeral; a and b still hold FirstEphemeral
	// and FirstEphemeral+1, so c gets the next free port.
	if c.ID().LPort != FirstEphemeral+2 {
		t.Fatalf("c.LPort = %d, want wraparound to %d", c.ID().LPort, FirstEphemeral+2)
	}
}

func TestAssignEphemeralExhaustion(t *testing.T) {
	r := NewRegistry(0, nil)
	for i := 0; i < numEphemeral; i++ {
		s := NewSocket(wire.Connless, nil)
		if err := r.AssignEphemeral(s); err != nil {
			t.Fatalf("AssignEphemeral #%d: %v", i, err)
		}
	}

	extra := NewSocket(wire.Connless, nil)
	if err := r.AssignEphemeral(extra); err != ErrPortsExhausted {
		t.Fatalf("AssignEphemeral on exhausted range = %v, want ErrPortsExhausted", err)
	}
	if extra.ID().LPort != 0 {
		t.Fatalf("exhausted socket LPort = %d, want 0 (left unbound)", extra.ID().LPort)
	}
}

func TestCloseDeregisters(t *testing.T) {
	r := NewRegistry(0, nil)
	s := NewSocket(wire.Connless, nil)
	if err := r.Bind(s, 6000); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	r.Close(s)
	if _, ok := r.Lookup(ID{LPort: 6000, Type: wire.Connless}); ok {
		t.Fatal("socket still registered after Close")
	}

	// A second Close on an already-deregistered socket is a no-op, not a panic.
	r.Close(s)
}

func TestLookupDuringConcurrentMutation(t *testing.T) {
	r := NewRegistry(0, nil)
	stop := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			s := NewSocket(wire.Connless, nil)
			r.AssignEphemeral(s)
			r.Close(s)
		}
		close(stop)
	}()

	for {
		select {
		case <-stop:
			return
		default:
			r.Lookup(ID{LPort: 1024, Type: wire.Connless})
		}
	}
}

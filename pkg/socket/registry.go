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
	"errors"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// ErrAlreadyBound is returned by Bind when the socket already has a local
// port, or when another socket is already registered under the requested
// identity.
var ErrAlreadyBound = errors.New("socket: already bound")

// ErrInvalidPort is returned by Bind when the requested port is 0.
var ErrInvalidPort = errors.New("socket: invalid port")

// ErrPortsExhausted is returned by AssignEphemeral when every port in the
// ephemeral range is already taken.
var ErrPortsExhausted = errors.New("socket: ephemeral ports exhausted")

// FirstEphemeral and LastEphemeral bound the ephemeral port range.
// The range-iteration shape follows pkg/tcpip/ports.PortManager's
// pickEphemeralPort, adapted to a single shared counter.
const (
	FirstEphemeral = 1024
	LastEphemeral  = 65535
	numEphemeral   = LastEphemeral - FirstEphemeral + 1
)

// snapshot is the immutable map a Registry reader loads without taking any
// lock: the Go-idiomatic realization of an RCU read side. Writers never
// mutate a snapshot in place; they build a new one and swap
// the pointer. A reader that loaded an old snapshot keeps a consistent view
// even after a concurrent Bind/Close replaces it; the old snapshot (and any
// Socket reachable only from it) is reclaimed by the garbage collector once
// the last reader drops its reference — GC standing in for the RCU grace
// period.
type snapshot map[ID]*Socket

// Registry is the process-wide socket table. Owner-side mutation (Bind,
// Close) is serialized by mu; reader-side lookup (Lookup) is lock-free.
type Registry struct {
	mu   sync.Mutex // serializes Bind/Close/AssignEphemeral
	live atomic.Pointer[snapshot]

	ephemeralBase    uint16 // first port handed out by AssignEphemeral
	numEphemeral     uint32 // size of [ephemeralBase, LastEphemeral]
	lastAssignedPort uint16 // next candidate minus one; guarded by mu

	log *logrus.Entry
}

// NewRegistry returns an empty Registry. ephemeralBase sets the low end of
// the ephemeral port range handed out by AssignEphemeral, which always runs
// up to LastEphemeral; a value <= 0 defaults to FirstEphemeral.
func NewRegistry(ephemeralBase int, log *logrus.Entry) *Registry {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if ephemeralBase <= 0 || ephemeralBase > LastEphemeral {
		ephemeralBase = FirstEphemeral
	}
	base := uint16(ephemeralBase)
	r := &Registry{
		ephemeralBase:    base,
		numEphemeral:     uint32(LastEphemeral) - uint32(base) + 1,
		lastAssignedPort: base - 1,
		log:              log.WithField("component", "registry"),
	}
	empty := make(snapshot)
	r.live.Store(&empty)
	return r
}

// Lookup returns the socket registered under id, if any. Lock-free: this is
// the RCU read-side critical section.
func (r *Registry) Lookup(id ID) (*Socket, bool) {
	snap := *r.live.Load()
	s, ok := snap[id]
	return s, ok
}

// replace installs a new snapshot built from mutate(old). Must be called
// with mu held.
func (r *Registry) replace(mutate func(snapshot)) {
	old := *r.live.Load()
	next := make(snapshot, len(old)+1)
	for k, v := range old {
		next[k] = v
	}
	mutate(next)
	r.live.Store(&next)
}

// Bind assigns port to sock and registers it. Fails with ErrInvalidPort for
// port 0, or ErrAlreadyBound if sock already has a local port or another
// socket is already registered under the resulting identity.
func (r *Registry) Bind(sock *Socket, port uint16) error {
	if port == 0 {
		return ErrInvalidPort
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if id := sock.ID(); !id.Unbound() {
		return ErrAlreadyBound
	}
	wantID := sock.ID()
	wantID.LPort = port
	if _, exists := (*r.live.Load())[wantID]; exists {
		return ErrAlreadyBound
	}

	sock.setLocalPort(port)
	r.replace(func(next snapshot) {
		next[sock.ID()] = sock
	})
	r.log.WithFields(logrus.Fields{"port": port}).Debug("socket bound")
	return nil
}

// AssignEphemeral implements the corrected (non-buggy) ephemeral port
// allocation: success returns immediately while mu is still held, and
// exhaustion leaves the socket unbound rather than partially registering it.
func (r *Registry) AssignEphemeral(sock *Socket) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id := sock.ID(); !id.Unbound() {
		return nil // already bound by a racing caller; xmit can proceed
	}

	start := r.lastAssignedPort
	for i := uint32(0); i < r.numEphemeral; i++ {
		candidate := r.nextEphemeral(start, uint16(i+1))
		wantID := sock.ID()
		wantID.LPort = candidate
		if _, exists := (*r.live.Load())[wantID]; exists {
			continue
		}

		sock.setLocalPort(candidate)
		r.replace(func(next snapshot) {
			next[sock.ID()] = sock
		})
		r.lastAssignedPort = candidate
		r.log.WithField("port", candidate).Debug("ephemeral port assigned")
		return nil
	}

	// Exhausted: leave the socket unbound, do not touch lastAssignedPort.
	return ErrPortsExhausted
}

// nextEphemeral returns the port `offset` steps after `start`, wrapping
// within [r.ephemeralBase, LastEphemeral].
func (r *Registry) nextEphemeral(start uint16, offset uint16) uint16 {
	span := uint32(start) - uint32(r.ephemeralBase) + uint32(offset)
	return uint16(uint32(r.ephemeralBase) + span%r.numEphemeral)
}

// Close deregisters sock if it is bound. Safe to call on an unbound socket
// (a no-op). Reclamation of sock's storage, if it is reachable only from an
// in-flight reader's snapshot, is left to the garbage collector.
func (r *Registry) Close(sock *Socket) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := sock.ID()
	if id.Unbound() {
		return
	}
	r.replace(func(next snapshot) {
		delete(next, id)
	})
	r.log.WithField("port", id.LPort).Debug("socket closed")
}

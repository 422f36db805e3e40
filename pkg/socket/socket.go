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

	"github.com/sirupsen/logrus"

	"shmnet.dev/shmnet/pkg/sockqueue"
	"shmnet.dev/shmnet/pkg/wire"
)

// ErrNotBound is returned by Recv on a socket with no local port.
var ErrNotBound = errors.New("socket: not bound")

// ErrNotImplemented is returned by the connection-oriented operations left
// unimplemented (listen/accept/connect).
var ErrNotImplemented = errors.New("socket: not implemented")

// RXQueueDepth is the default capacity of a socket's receive queue.
const RXQueueDepth = 256

// Socket is an endpoint identity paired with its receive queue. The
// embedded ID mutates only through Registry.Bind and
// Registry.AssignEphemeral, under the owning Registry's mutex;
// reads of ID by a Registry snapshot reader race benignly with a concurrent
// Bind because a socket transitions monotonically from unbound to bound and
// is never rebound (see Registry.Bind).
type Socket struct {
	mu sync.Mutex
	id ID

	rx *sockqueue.Queue

	log *logrus.Entry
}

// NewSocket allocates an unbound, unconnected socket of the given type. It
// is not registered until Bind or an implicit ephemeral assignment succeeds.
func NewSocket(typ wire.SocketType, log *logrus.Entry) *Socket {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Socket{
		id: ID{Type: typ},
		rx: sockqueue.New(RXQueueDepth),
		log: log.WithFields(logrus.Fields{
			"component": "socket",
			"type":      typ.String(),
		}),
	}
}

// ID returns the socket's current identity. Safe to call concurrently with
// Bind; may observe either the pre- or post-bind identity for a Bind
// racing with this call, never a torn one (id is copied under mu).
func (s *Socket) ID() ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// setLocalPort assigns port to the socket's identity. Callers (Registry)
// must hold the registry's mutex across setLocalPort and the corresponding
// map insert so the two stay consistent.
func (s *Socket) setLocalPort(port uint16) {
	s.mu.Lock()
	s.id.LPort = port
	s.mu.Unlock()
}

// Deliver enqueues desc for the socket's consumer. Called from the
// transport queue's RX poll loop; never blocks.
func (s *Socket) Deliver(desc wire.ShmDescriptor) error {
	return s.rx.Produce(desc)
}

// Recv blocks until a descriptor addressed to this socket is available.
func (s *Socket) Recv() (wire.ShmDescriptor, error) {
	if s.ID().Unbound() {
		return wire.ShmDescriptor{}, ErrNotBound
	}
	return s.rx.Consume(), nil
}

// Listen is not implemented; connection establishment is out of scope.
func (s *Socket) Listen() error { return ErrNotImplemented }

// Accept is not implemented; see Listen.
func (s *Socket) Accept() error { return ErrNotImplemented }

// Connect is not implemented; see Listen.
func (s *Socket) Connect(wire.Header) error { return ErrNotImplemented }

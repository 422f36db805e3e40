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

// Package socket implements socket identity, the RCU-indexed registry, and
// ephemeral port assignment.
package socket

import "shmnet.dev/shmnet/pkg/wire"

// ID identifies a socket by its 4-tuple and type. It is comparable and used
// directly as a Go map key by Registry; Hash exists alongside it to
// preserve the wire-level hash formula even though the registry itself
// does not need a hash table.
type ID struct {
	RAddr uint32
	RPort uint16
	LPort uint16
	Type  wire.SocketType
}

// Unbound reports whether the socket has not yet acquired a local port.
func (id ID) Unbound() bool { return id.LPort == 0 }

// Unconnected reports whether the socket has no fixed remote peer.
func (id ID) Unconnected() bool { return id.RAddr == 0 && id.RPort == 0 }

func hash32(x uint32) uint32 {
	// fnv-1a, 32-bit: a small, dependency-free mixing function combined
	// below with RAddr/RPort/LPort/Type each contributing a shifted term.
	const (
		offset = 2166136261
		prime  = 16777619
	)
	h := uint32(offset)
	for i := 0; i < 4; i++ {
		h ^= (x >> (8 * i)) & 0xff
		h *= prime
	}
	return h
}

// Hash implements:
//
//	h(raddr) XOR (h(rport) << 1) XOR (h(lport) << 2) XOR (h(type) << 3)
func (id ID) Hash() uint32 {
	return hash32(id.RAddr) ^
		(hash32(uint32(id.RPort)) << 1) ^
		(hash32(uint32(id.LPort)) << 2) ^
		(hash32(uint32(id.Type)) << 3)
}

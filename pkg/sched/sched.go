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

// Package sched provides CPU pinning and the preempt-disable stand-in the
// socket layer's TX path uses to pick a stable per-vCPU transport queue.
package sched

import "errors"

// ErrUnpinned is available to callers that require a Token but were not
// given one; nothing in this module returns it (driver.Context.Xmit uses
// vCPU 0 for a zero Token instead). Go has no primitive to pin a goroutine (as opposed to an OS
// thread) to a vCPU, so
// this package requires goroutines that need a stable vCPU identity to opt
// in explicitly with Pin and thread the resulting Token through, rather
// than relying on ambient goroutine-local state Go doesn't provide.
var ErrUnpinned = errors.New("sched: calling goroutine is not pinned")

// Token identifies the vCPU a goroutine pinned itself to via Pin. Since Go
// has no goroutine-local storage, callers that need "the current vCPU"
// thread this value through explicitly (e.g. as a field alongside the
// *queue.TransportQueue they picked for TX submission).
type Token struct {
	vcpu   int
	pinned bool
}

// Pin locks the calling goroutine to vcpu's OS thread affinity and returns a
// Token identifying it. The lock (and the affinity restriction on Linux)
// lasts for the lifetime of the calling goroutine; Go provides no API to
// undo runtime.LockOSThread's effect other than letting the goroutine exit.
func Pin(vcpu int) (Token, error) {
	if err := pin(vcpu); err != nil {
		return Token{}, err
	}
	return Token{vcpu: vcpu, pinned: true}, nil
}

// Current returns the vCPU a Token was pinned to.
func (t Token) Current() int { return t.vcpu }

// Valid reports whether t was returned by a successful Pin call, as opposed
// to a zero Token.
func (t Token) Valid() bool { return t.pinned }

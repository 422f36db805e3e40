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

//go:build !linux || !(amd64 || arm64)

package sockqueue

import "sync"

// condWaiter is the portable Waiter fallback for platforms without a futex
// syscall wrapper. It preserves cached-wake semantics via a pending flag
// guarded by a condition variable.
type condWaiter struct {
	mu      sync.Mutex
	cond    *sync.Cond
	pending bool
}

func newWaiter() Waiter {
	w := &condWaiter{}
	w.cond = sync.NewCond(&w.mu)
	return w
}

func (w *condWaiter) Wait() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for !w.pending {
		w.cond.Wait()
	}
	w.pending = false
}

func (w *condWaiter) Wake() {
	w.mu.Lock()
	w.pending = true
	w.mu.Unlock()
	w.cond.Signal()
}

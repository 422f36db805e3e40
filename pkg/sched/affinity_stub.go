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

//go:build !linux

package sched

import "runtime"

// pin locks the calling goroutine's OS thread but cannot restrict its
// scheduling affinity on this platform; Pin still returns a Token whose
// Current reports the requested vCPU, so callers get a consistent (if
// unenforced) "current vCPU" answer.
func pin(vcpu int) error {
	runtime.LockOSThread()
	return nil
}

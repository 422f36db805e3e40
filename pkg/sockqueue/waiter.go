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

// Waiter is a single-waiter blocking primitive with cached wakes: a Wake
// call that arrives before the matching Wait still unblocks it. Queue relies
// on this to close the race between a consumer deciding to block and a
// producer publishing a value for it.
type Waiter interface {
	// Wait blocks until a matching Wake has been observed, consuming it.
	Wait()
	// Wake releases one blocked (or future, if none is blocked yet) Wait.
	Wake()
}

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

package sched

import "testing"

func TestPinReturnsMatchingToken(t *testing.T) {
	tok, err := Pin(0)
	if err != nil {
		t.Fatalf("Pin: %v", err)
	}
	if !tok.Valid() {
		t.Fatal("token should be valid after successful Pin")
	}
	if tok.Current() != 0 {
		t.Fatalf("Current() = %d, want 0", tok.Current())
	}
}

func TestZeroTokenInvalid(t *testing.T) {
	var tok Token
	if tok.Valid() {
		t.Fatal("zero Token should be invalid")
	}
}

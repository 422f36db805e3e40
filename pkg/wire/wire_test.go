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

package wire

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestPacketRoundTrip(t *testing.T) {
	p := Packet{
		Desc: ShmDescriptor{Addr: 0xCAFE, Len: 64},
		Hdr: Header{
			SAddr: 0x0A000001,
			DAddr: 0x0A000002,
			SPort: 1024,
			DPort: 5000,
			Type:  Connless,
		},
	}
	buf := make([]byte, PacketSize)
	p.Put(buf)
	got := GetPacket(buf)
	if diff := cmp.Diff(p, got); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestFrameRoundTrip(t *testing.T) {
	for _, modern := range []bool{false, true} {
		netHdrSize := NetHeaderSize(modern)
		frame := make([]byte, FrameSize(netHdrSize))
		p := Packet{
			Desc: ShmDescriptor{Addr: 1, Len: 2},
			Hdr:  Header{SAddr: 1, DAddr: 2, SPort: 3, DPort: 4, Type: Connected},
		}
		PutPacket(frame, netHdrSize, p)
		got := GetPacketFromFrame(frame, netHdrSize)
		if diff := cmp.Diff(p, got); diff != "" {
			t.Fatalf("modern=%v: frame round trip mismatch (-want +got):\n%s", modern, diff)
		}
	}
}

func TestSocketTypeString(t *testing.T) {
	if Connected.String() != "connected" {
		t.Fatalf("Connected.String() = %q", Connected.String())
	}
	if Connless.String() != "connless" {
		t.Fatalf("Connless.String() = %q", Connless.String())
	}
}

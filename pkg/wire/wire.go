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

// Package wire defines the on-wire layout shared with the co-VM peer: the
// shared-memory descriptor, the addressing header, and the packet and
// device-frame envelopes that carry them across a transport queue.
package wire

import (
	"encoding/binary"
	"fmt"
)

// SocketType distinguishes connection-oriented sockets from connectionless
// ones in the on-wire header.
type SocketType uint32

const (
	// Connected marks a socket bound to a single remote peer.
	Connected SocketType = 0
	// Connless marks a socket that may exchange packets with any peer.
	Connless SocketType = 1
)

func (t SocketType) String() string {
	switch t {
	case Connected:
		return "connected"
	case Connless:
		return "connless"
	default:
		return fmt.Sprintf("SocketType(%d)", uint32(t))
	}
}

// DescriptorSize is the encoded size of a ShmDescriptor.
const DescriptorSize = 16

// ShmDescriptor is an opaque reference into a shared-memory region owned by
// the host. This package never dereferences Addr; it is carried end to end
// verbatim.
type ShmDescriptor struct {
	Addr uint64
	Len  uint64
}

// Put encodes d into b, which must be at least DescriptorSize bytes.
func (d ShmDescriptor) Put(b []byte) {
	binary.LittleEndian.PutUint64(b[0:8], d.Addr)
	binary.LittleEndian.PutUint64(b[8:16], d.Len)
}

// GetShmDescriptor decodes a ShmDescriptor from b, which must be at least
// DescriptorSize bytes.
func GetShmDescriptor(b []byte) ShmDescriptor {
	return ShmDescriptor{
		Addr: binary.LittleEndian.Uint64(b[0:8]),
		Len:  binary.LittleEndian.Uint64(b[8:16]),
	}
}

// HeaderSize is the encoded size of a Header.
const HeaderSize = 12

// Header carries the addressing information for a Packet: the 4-tuple plus
// the socket type of the sender.
type Header struct {
	SAddr uint32
	DAddr uint32
	SPort uint16
	DPort uint16
	Type  SocketType
}

// Put encodes h into b, which must be at least HeaderSize bytes.
func (h Header) Put(b []byte) {
	binary.LittleEndian.PutUint32(b[0:4], h.SAddr)
	binary.LittleEndian.PutUint32(b[4:8], h.DAddr)
	binary.LittleEndian.PutUint16(b[8:10], h.SPort)
	binary.LittleEndian.PutUint16(b[10:12], h.DPort)
}

// GetHeader decodes a Header from b, which must be at least HeaderSize
// bytes. The SocketType is supplied separately by the caller because it is
// carried in the trailing 4 bytes of the Packet rather than inside Header
// itself (see Packet.Put).
func GetHeader(b []byte, typ SocketType) Header {
	return Header{
		SAddr: binary.LittleEndian.Uint32(b[0:4]),
		DAddr: binary.LittleEndian.Uint32(b[4:8]),
		SPort: binary.LittleEndian.Uint16(b[8:10]),
		DPort: binary.LittleEndian.Uint16(b[10:12]),
		Type:  typ,
	}
}

// PacketSize is the encoded size of a Packet: descriptor, header, and a
// trailing 4-byte socket-type tag.
const PacketSize = DescriptorSize + HeaderSize + 4

// Packet is the unit exchanged between sockets: a shared-memory descriptor
// plus the header identifying sender and receiver.
type Packet struct {
	Desc ShmDescriptor
	Hdr  Header
}

// Put encodes p into b, which must be at least PacketSize bytes.
func (p Packet) Put(b []byte) {
	p.Desc.Put(b[0:DescriptorSize])
	p.Hdr.Put(b[DescriptorSize : DescriptorSize+HeaderSize])
	binary.LittleEndian.PutUint32(b[DescriptorSize+HeaderSize:PacketSize], uint32(p.Hdr.Type))
}

// GetPacket decodes a Packet from b, which must be at least PacketSize
// bytes.
func GetPacket(b []byte) Packet {
	desc := GetShmDescriptor(b[0:DescriptorSize])
	typ := SocketType(binary.LittleEndian.Uint32(b[DescriptorSize+HeaderSize : PacketSize]))
	hdr := GetHeader(b[DescriptorSize:DescriptorSize+HeaderSize], typ)
	return Packet{Desc: desc, Hdr: hdr}
}

// LegacyNetHeaderSize is the device network header size when the modern
// (VIRTIO_F_VERSION_1-style) feature bit is not negotiated.
const LegacyNetHeaderSize = 10

// ModernNetHeaderSize is the device network header size including the
// trailing 2-byte buffer count present once the modern feature is
// negotiated.
const ModernNetHeaderSize = 12

// NetHeaderSize returns the device network header size for the given
// negotiated-modern flag.
func NetHeaderSize(modern bool) int {
	if modern {
		return ModernNetHeaderSize
	}
	return LegacyNetHeaderSize
}

// FrameSize returns the total size of a DeviceFrame for the given negotiated
// network header size: net_hdr bytes followed by an encoded Packet.
func FrameSize(netHdrSize int) int {
	return netHdrSize + PacketSize
}

// PutPacket writes p into frame at the offset following a net_hdr of size
// netHdrSize. frame must be at least FrameSize(netHdrSize) bytes.
func PutPacket(frame []byte, netHdrSize int, p Packet) {
	p.Put(frame[netHdrSize : netHdrSize+PacketSize])
}

// GetPacketFromFrame extracts the Packet from a DeviceFrame whose net_hdr is
// netHdrSize bytes. frame must be at least FrameSize(netHdrSize) bytes.
func GetPacketFromFrame(frame []byte, netHdrSize int) Packet {
	return GetPacket(frame[netHdrSize : netHdrSize+PacketSize])
}

/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package packet

import (
	"encoding/binary"
	"math/rand"
	"net"
	"unsafe"
)

// Stealth controls optional mutations layered onto an otherwise ordinary
// packet. The IP ID is always randomized and the TCP sequence number is
// randomized whenever TCPSpec.Seq is 0; the fields here are opt-in
// per-probe mutations (bad checksums, padding) for evading naive packet
// inspection. Fragmentation is done separately, by Fragment.
type Stealth struct {
	BadChecksum  bool // intentionally corrupt the TCP/UDP checksum
	PaddingBytes int  // trailing payload padding
}

// TCPSpec describes the TCP segment to build.
type TCPSpec struct {
	SrcIP, DstIP     net.IP
	SrcPort, DstPort uint16
	Flags            uint8
	Window           uint16
	Seq              uint32 // 0 = randomize
	Stealth          Stealth
}

// BuildTCP constructs a complete IPv4+TCP packet for an arbitrary flag
// byte, so Syn/Fin/Null/Xmas/Ack/Window all share this one path, plus
// optional stealth padding/bad-checksum.
func BuildTCP(spec TCPSpec) []byte {
	srcIP := spec.SrcIP.To4()
	dstIP := spec.DstIP.To4()

	window := spec.Window
	if window == 0 {
		window = DefaultTCPWindow
	}

	seq := spec.Seq
	if seq == 0 {
		seq = rand.Uint32() //nolint:gosec // packet field randomization, not cryptographic
	}

	payload := make([]byte, spec.Stealth.PaddingBytes)

	ipHdr := ipv4Header{
		versionAndIHL: (4 << 4) | 5,
		totalLength:   htons(uint16(SizeIPv4Header + SizeTCPHeader + len(payload))),
		id:            uint16(rand.Intn(65536)), //nolint:gosec // IP ID randomization, not cryptographic
		ttl:           defaultTTL,
		protocol:      ProtoTCP,
		srcAddr:       binary.BigEndian.Uint32(srcIP),
		dstAddr:       binary.BigEndian.Uint32(dstIP),
	}

	ipBytes := (*[SizeIPv4Header]byte)(unsafe.Pointer(&ipHdr))[:] //nolint:gosec // fixed-layout wire struct
	ipHdr.checksum = checksum(ipBytes)
	ipBytes = (*[SizeIPv4Header]byte)(unsafe.Pointer(&ipHdr))[:] //nolint:gosec // fixed-layout wire struct

	tcpHdr := tcpHeader{
		srcPort: htons(spec.SrcPort),
		dstPort: htons(spec.DstPort),
		seq:     seq,
		offset:  (uint8(SizeTCPHeader) / 4) << 4,
		flags:   spec.Flags,
		window:  htons(window),
	}

	pseudo := pseudoHeader{
		srcAddr:  ipHdr.srcAddr,
		dstAddr:  ipHdr.dstAddr,
		protocol: ProtoTCP,
		length:   htons(uint16(SizeTCPHeader + len(payload))),
	}

	pseudoBytes := (*[sizePseudoHeader]byte)(unsafe.Pointer(&pseudo))[:] //nolint:gosec // fixed-layout wire struct
	tcpBytes := (*[SizeTCPHeader]byte)(unsafe.Pointer(&tcpHdr))[:]       //nolint:gosec // fixed-layout wire struct
	binary.BigEndian.PutUint32(tcpBytes[4:8], seq)                       // sequence number in network byte order

	sumPayload := make([]byte, 0, len(pseudoBytes)+len(tcpBytes)+len(payload))
	sumPayload = append(sumPayload, pseudoBytes...)
	sumPayload = append(sumPayload, tcpBytes...)
	sumPayload = append(sumPayload, payload...)

	tcpHdr.sum = checksum(sumPayload)
	if spec.Stealth.BadChecksum {
		tcpHdr.sum = ^tcpHdr.sum
	}

	tcpBytes = (*[SizeTCPHeader]byte)(unsafe.Pointer(&tcpHdr))[:] //nolint:gosec // fixed-layout wire struct

	out := make([]byte, 0, SizeIPv4Header+SizeTCPHeader+len(payload))
	out = append(out, ipBytes...)
	out = append(out, tcpBytes...)
	out = append(out, payload...)

	return out
}

// UDPSpec describes the UDP datagram to build.
type UDPSpec struct {
	SrcIP, DstIP     net.IP
	SrcPort, DstPort uint16
	Payload          []byte
	Stealth          Stealth
}

// BuildUDP constructs a complete IPv4+UDP packet carrying payload, used by
// the UDP scanner with protocol-specific probe bodies (SNMP/DNS).
func BuildUDP(spec UDPSpec) []byte {
	srcIP := spec.SrcIP.To4()
	dstIP := spec.DstIP.To4()

	payload := spec.Payload
	if spec.Stealth.PaddingBytes > 0 {
		payload = append(append([]byte{}, payload...), make([]byte, spec.Stealth.PaddingBytes)...)
	}

	ipHdr := ipv4Header{
		versionAndIHL: (4 << 4) | 5,
		totalLength:   htons(uint16(SizeIPv4Header + SizeUDPHeader + len(payload))),
		id:            uint16(rand.Intn(65536)), //nolint:gosec // IP ID randomization, not cryptographic
		ttl:           defaultTTL,
		protocol:      ProtoUDP,
		srcAddr:       binary.BigEndian.Uint32(srcIP),
		dstAddr:       binary.BigEndian.Uint32(dstIP),
	}

	ipBytes := (*[SizeIPv4Header]byte)(unsafe.Pointer(&ipHdr))[:] //nolint:gosec // fixed-layout wire struct
	ipHdr.checksum = checksum(ipBytes)
	ipBytes = (*[SizeIPv4Header]byte)(unsafe.Pointer(&ipHdr))[:] //nolint:gosec // fixed-layout wire struct

	udpHdr := udpHeader{
		srcPort: htons(spec.SrcPort),
		dstPort: htons(spec.DstPort),
		length:  htons(uint16(SizeUDPHeader + len(payload))),
	}

	pseudo := pseudoHeader{
		srcAddr:  ipHdr.srcAddr,
		dstAddr:  ipHdr.dstAddr,
		protocol: ProtoUDP,
		length:   udpHdr.length,
	}

	pseudoBytes := (*[sizePseudoHeader]byte)(unsafe.Pointer(&pseudo))[:] //nolint:gosec // fixed-layout wire struct
	udpBytes := (*[SizeUDPHeader]byte)(unsafe.Pointer(&udpHdr))[:]       //nolint:gosec // fixed-layout wire struct

	sumPayload := make([]byte, 0, len(pseudoBytes)+len(udpBytes)+len(payload))
	sumPayload = append(sumPayload, pseudoBytes...)
	sumPayload = append(sumPayload, udpBytes...)
	sumPayload = append(sumPayload, payload...)

	udpHdr.sum = checksum(sumPayload)
	if spec.Stealth.BadChecksum {
		udpHdr.sum = ^udpHdr.sum
	}

	udpBytes = (*[SizeUDPHeader]byte)(unsafe.Pointer(&udpHdr))[:] //nolint:gosec // fixed-layout wire struct

	out := make([]byte, 0, SizeIPv4Header+SizeUDPHeader+len(payload))
	out = append(out, ipBytes...)
	out = append(out, udpBytes...)
	out = append(out, payload...)

	return out
}

// Fragment splits packet into MTU-sized IPv4 fragments. Only the first
// fragment carries the transport header; this is a stealth mutation meant
// to slip past naive packet filters that don't reassemble, not a general
// IP fragmentation/reassembly implementation.
func Fragment(pkt []byte, mtu int) [][]byte {
	if mtu <= SizeIPv4Header || len(pkt) <= mtu {
		return [][]byte{pkt}
	}

	ipBytes := append([]byte{}, pkt[:SizeIPv4Header]...)
	body := pkt[SizeIPv4Header:]

	chunkSize := (mtu - SizeIPv4Header) &^ 7 // keep offsets 8-byte aligned
	if chunkSize <= 0 {
		return [][]byte{pkt}
	}

	var frags [][]byte

	for offset := 0; offset < len(body); offset += chunkSize {
		end := offset + chunkSize
		if end > len(body) {
			end = len(body)
		}

		frag := append([]byte{}, ipBytes...)
		hdr := (*ipv4Header)(unsafe.Pointer(&frag[0])) //nolint:gosec // fixed-layout wire struct

		moreFragments := end < len(body)
		fragOffsetWords := uint16(offset / 8)

		if moreFragments {
			fragOffsetWords |= 0x2000 // MF bit
		}

		hdr.fragOff = htons(fragOffsetWords)
		hdr.totalLength = htons(uint16(SizeIPv4Header + (end - offset)))
		hdr.checksum = 0

		hdrBytes := (*[SizeIPv4Header]byte)(unsafe.Pointer(hdr))[:] //nolint:gosec // fixed-layout wire struct
		hdr.checksum = checksum(hdrBytes)

		frag = append(frag, body[offset:end]...)
		frags = append(frags, frag)
	}

	return frags
}

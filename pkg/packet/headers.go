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

// Package packet builds and parses the raw IPv4/TCP/UDP headers the scan
// techniques send and correlate against, generalizing the SYN scanner's
// single-purpose packet crafting into a builder covering every TCP flag
// variant and UDP. No ICMP packet is built; ProtoICMP is only a protocol
// number constant.
package packet

import (
	"encoding/binary"
	"errors"
	"net"
	"syscall"
	"unsafe"
)

// TCP flag bits, combined to produce the FIN/NULL/XMAS/ACK/WINDOW variants
// alongside the baseline SYN flag.
const (
	FlagFIN uint8 = 0x01
	FlagSYN uint8 = 0x02
	FlagRST uint8 = 0x04
	FlagPSH uint8 = 0x08
	FlagACK uint8 = 0x10
	FlagURG uint8 = 0x20
)

const (
	SizeIPv4Header   = 20
	SizeTCPHeader    = 20
	SizeUDPHeader    = 8
	sizePseudoHeader = 12

	DefaultTCPWindow = 1024
	defaultTTL       = 64
)

var (
	ErrShortIPv4Header = errors.New("packet: short IPv4 header")
	ErrNotIPv4         = errors.New("packet: not an IPv4 packet")
	ErrBadHeaderLength = errors.New("packet: bad IPv4 header length")
	ErrShortTCPHeader  = errors.New("packet: short TCP header")
	ErrShortUDPHeader  = errors.New("packet: short UDP header")
)

// ipv4Header mirrors the wire layout of an IPv4 header without options,
// field-for-field, so it can be reinterpreted in place via unsafe.Pointer.
type ipv4Header struct {
	versionAndIHL uint8
	tos           uint8
	totalLength   uint16
	id            uint16
	fragOff       uint16
	ttl           uint8
	protocol      uint8
	checksum      uint16
	srcAddr       uint32
	dstAddr       uint32
}

// tcpHeader mirrors the wire layout of a TCP header without options.
type tcpHeader struct {
	srcPort uint16
	dstPort uint16
	seq     uint32
	ack     uint32
	offset  uint8
	flags   uint8
	window  uint16
	sum     uint16
	urgent  uint16
}

// udpHeader mirrors the wire layout of a UDP header.
type udpHeader struct {
	srcPort uint16
	dstPort uint16
	length  uint16
	sum     uint16
}

// pseudoHeader is the IPv4 pseudo-header both TCP and UDP checksum over.
type pseudoHeader struct {
	srcAddr  uint32
	dstAddr  uint32
	zero     uint8
	protocol uint8
	length   uint16
}

// htons converts a uint16 between host and network byte order; the
// conversion is its own inverse.
func htons(n uint16) uint16 {
	return (n << 8) | (n >> 8)
}

// ntohs is htons's inverse, kept as a distinct name at call sites for
// readability even though the operation is identical.
func ntohs(n uint16) uint16 { return htons(n) }

// checksum computes the ones-complement internet checksum (RFC 1071) over
// payload.
func checksum(payload []byte) uint16 {
	var sum uint32

	for i := 0; i+1 < len(payload); i += 2 {
		sum += uint32(binary.BigEndian.Uint16(payload[i:]))
	}

	if len(payload)%2 != 0 {
		sum += uint32(payload[len(payload)-1]) << 8
	}

	for sum > 0xffff {
		sum = (sum >> 16) + (sum & 0xffff)
	}

	return ^uint16(sum)
}

// ParsedIPv4 is the decoded form of an IPv4 header plus a slice over its
// payload (the next protocol's header and data).
type ParsedIPv4 struct {
	SrcIP    net.IP
	DstIP    net.IP
	Protocol uint8
	TTL      uint8
	Payload  []byte
}

// ParseIPv4 decodes buffer's leading IPv4 header. It assumes a 20-byte
// header with no options, matching what this package ever emits.
func ParseIPv4(buffer []byte) (ParsedIPv4, error) {
	if len(buffer) < SizeIPv4Header {
		return ParsedIPv4{}, ErrShortIPv4Header
	}

	hdr := (*ipv4Header)(unsafe.Pointer(&buffer[0])) //nolint:gosec // fixed-layout wire struct

	version := hdr.versionAndIHL >> 4
	if version != 4 {
		return ParsedIPv4{}, ErrNotIPv4
	}

	ihl := int(hdr.versionAndIHL&0x0f) * 4
	if ihl < SizeIPv4Header || ihl > len(buffer) {
		return ParsedIPv4{}, ErrBadHeaderLength
	}

	src := make(net.IP, 4)
	binary.BigEndian.PutUint32(src, hdr.srcAddr)

	dst := make(net.IP, 4)
	binary.BigEndian.PutUint32(dst, hdr.dstAddr)

	return ParsedIPv4{
		SrcIP:    src,
		DstIP:    dst,
		Protocol: hdr.protocol,
		TTL:      hdr.ttl,
		Payload:  buffer[ihl:],
	}, nil
}

// ParsedTCP is the decoded form of a TCP header.
type ParsedTCP struct {
	SrcPort uint16
	DstPort uint16
	Seq     uint32
	Ack     uint32
	Flags   uint8
	Window  uint16
}

// ParseTCP decodes buffer's leading TCP header.
func ParseTCP(buffer []byte) (ParsedTCP, error) {
	if len(buffer) < SizeTCPHeader {
		return ParsedTCP{}, ErrShortTCPHeader
	}

	hdr := (*tcpHeader)(unsafe.Pointer(&buffer[0])) //nolint:gosec // fixed-layout wire struct

	return ParsedTCP{
		SrcPort: ntohs(hdr.srcPort),
		DstPort: ntohs(hdr.dstPort),
		Seq:     binary.BigEndian.Uint32(buffer[4:8]),
		Ack:     binary.BigEndian.Uint32(buffer[8:12]),
		Flags:   hdr.flags,
		Window:  ntohs(hdr.window),
	}, nil
}

// ParsedUDP is the decoded form of a UDP header.
type ParsedUDP struct {
	SrcPort uint16
	DstPort uint16
	Length  uint16
}

// ParseUDP decodes buffer's leading UDP header.
func ParseUDP(buffer []byte) (ParsedUDP, error) {
	if len(buffer) < SizeUDPHeader {
		return ParsedUDP{}, ErrShortUDPHeader
	}

	hdr := (*udpHeader)(unsafe.Pointer(&buffer[0])) //nolint:gosec // fixed-layout wire struct

	return ParsedUDP{
		SrcPort: ntohs(hdr.srcPort),
		DstPort: ntohs(hdr.dstPort),
		Length:  ntohs(hdr.length),
	}, nil
}

const (
	ProtoTCP = syscall.IPPROTO_TCP
	ProtoUDP = syscall.IPPROTO_UDP
	ProtoICMP = syscall.IPPROTO_ICMP
)

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

package rawsock

import (
	"errors"
	"net"

	"golang.org/x/net/bpf"
)

var ErrNonIPv4LocalIP = errors.New("rawsock: PortRangeFilter requires an IPv4 local address")

// PortRangeFilter compiles a classic BPF program that accepts only TCP
// segments whose destination port falls within [start, end], restricting
// the shared receive loop to this process's own ephemeral source-port range.
//
// The filter assumes no IP options (20-byte IPv4 header), matching every
// packet this package ever builds or expects in reply.
func PortRangeFilter(localIP net.IP, start, end uint16) ([]bpf.RawInstruction, error) {
	if localIP.To4() == nil {
		return nil, ErrNonIPv4LocalIP
	}

	const tcpDstOffset = 2 // TCP destination port offset within the TCP header

	prog := []bpf.Instruction{
		// Load destination port (2 bytes at the start of the TCP header,
		// which begins immediately since net.ListenPacket("ip4:tcp", ...)
		// delivers payload starting at the transport header).
		bpf.LoadAbsolute{Off: tcpDstOffset, Size: 2},
		bpf.JumpIf{Cond: bpf.JumpLessThan, Val: uint32(start), SkipTrue: 3},
		bpf.JumpIf{Cond: bpf.JumpGreaterThan, Val: uint32(end), SkipTrue: 2},
		bpf.RetConstant{Val: 0xffff},
		bpf.RetConstant{Val: 0},
		bpf.RetConstant{Val: 0},
	}

	raw, err := bpf.Assemble(prog)
	if err != nil {
		return nil, err
	}

	return raw, nil
}

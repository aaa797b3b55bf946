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
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuildAndParseTCPRoundTrip(t *testing.T) {
	spec := TCPSpec{
		SrcIP:   net.ParseIP("10.0.0.1"),
		DstIP:   net.ParseIP("10.0.0.2"),
		SrcPort: 40000,
		DstPort: 443,
		Flags:   FlagSYN,
		Seq:     123456,
	}

	raw := BuildTCP(spec)

	ip, err := ParseIPv4(raw)
	require.NoError(t, err)
	require.Equal(t, spec.SrcIP.To4().String(), ip.SrcIP.String())
	require.Equal(t, spec.DstIP.To4().String(), ip.DstIP.String())
	require.EqualValues(t, ProtoTCP, ip.Protocol)

	tcp, err := ParseTCP(ip.Payload)
	require.NoError(t, err)
	require.Equal(t, spec.SrcPort, tcp.SrcPort)
	require.Equal(t, spec.DstPort, tcp.DstPort)
	require.Equal(t, spec.Seq, tcp.Seq)
	require.Equal(t, spec.Flags, tcp.Flags)
}

func TestBuildTCPFlagVariants(t *testing.T) {
	cases := []struct {
		name  string
		flags uint8
	}{
		{"fin", FlagFIN},
		{"null", 0},
		{"xmas", FlagFIN | FlagPSH | FlagURG},
		{"ack", FlagACK},
		{"window", FlagACK},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			raw := BuildTCP(TCPSpec{
				SrcIP: net.ParseIP("192.168.1.1"), DstIP: net.ParseIP("192.168.1.2"),
				SrcPort: 12345, DstPort: 80, Flags: tc.flags,
			})

			ip, err := ParseIPv4(raw)
			require.NoError(t, err)

			tcp, err := ParseTCP(ip.Payload)
			require.NoError(t, err)
			require.Equal(t, tc.flags, tcp.Flags)
		})
	}
}

func TestBuildTCPBadChecksumStealth(t *testing.T) {
	good := BuildTCP(TCPSpec{
		SrcIP: net.ParseIP("10.0.0.1"), DstIP: net.ParseIP("10.0.0.2"),
		SrcPort: 1, DstPort: 2, Flags: FlagSYN, Seq: 1,
	})

	bad := BuildTCP(TCPSpec{
		SrcIP: net.ParseIP("10.0.0.1"), DstIP: net.ParseIP("10.0.0.2"),
		SrcPort: 1, DstPort: 2, Flags: FlagSYN, Seq: 1,
		Stealth: Stealth{BadChecksum: true},
	})

	require.NotEqual(t, good, bad)
}

func TestBuildAndParseUDPRoundTrip(t *testing.T) {
	payload := []byte("probe-payload")

	raw := BuildUDP(UDPSpec{
		SrcIP: net.ParseIP("10.0.0.1"), DstIP: net.ParseIP("10.0.0.2"),
		SrcPort: 33333, DstPort: 161, Payload: payload,
	})

	ip, err := ParseIPv4(raw)
	require.NoError(t, err)
	require.EqualValues(t, ProtoUDP, ip.Protocol)

	udp, err := ParseUDP(ip.Payload)
	require.NoError(t, err)
	require.Equal(t, uint16(33333), udp.SrcPort)
	require.Equal(t, uint16(161), udp.DstPort)
	require.Equal(t, ip.Payload[SizeUDPHeader:], payload)
}

func TestParseIPv4RejectsShortBuffer(t *testing.T) {
	_, err := ParseIPv4([]byte{1, 2, 3})
	require.ErrorIs(t, err, ErrShortIPv4Header)
}

func TestParseTCPRejectsShortBuffer(t *testing.T) {
	_, err := ParseTCP([]byte{1, 2, 3})
	require.ErrorIs(t, err, ErrShortTCPHeader)
}

func TestFragmentSplitsOversizedPacket(t *testing.T) {
	raw := BuildTCP(TCPSpec{
		SrcIP: net.ParseIP("10.0.0.1"), DstIP: net.ParseIP("10.0.0.2"),
		SrcPort: 1, DstPort: 2, Flags: FlagSYN,
		Stealth: Stealth{PaddingBytes: 2000},
	})

	frags := Fragment(raw, 576)
	require.Greater(t, len(frags), 1)

	for _, f := range frags {
		require.LessOrEqual(t, len(f), 576)
	}
}

func TestFragmentNoOpBelowMTU(t *testing.T) {
	raw := BuildTCP(TCPSpec{
		SrcIP: net.ParseIP("10.0.0.1"), DstIP: net.ParseIP("10.0.0.2"),
		SrcPort: 1, DstPort: 2, Flags: FlagSYN,
	})

	frags := Fragment(raw, 1500)
	require.Len(t, frags, 1)
	require.Equal(t, raw, frags[0])
}

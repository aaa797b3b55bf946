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

// Package rawsock wraps the raw send/receive sockets the stateless scan
// techniques (Syn and the TCP flag variants) share: one send socket with
// IP_HDRINCL, one receive loop, and a single concurrent correlation table
// keyed by the probe's source port, so every stateless technique
// dispatches through one socket pair instead of opening its own. No BPF
// filter is attached to the receive socket (bpf.go only compiles one), and
// the table key does not include the TCP sequence number.
package rawsock

import (
	"context"
	"fmt"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/carverauto/serviceradar/pkg/logger"
	"github.com/carverauto/serviceradar/pkg/packet"
)

const maxFrameSize = 1500

// Socket owns the raw send socket and receive loop shared across the
// stateless TCP scan techniques: syscall.Socket + IP_HDRINCL for sending,
// paired with net.ListenPacket("ip4:tcp") for receiving replies.
type Socket struct {
	logger     logger.Logger
	sendFD     int
	listenConn net.PacketConn

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	table   *CorrelationTable
	handler ReplyHandler
}

// ReplyHandler is invoked for every parsed TCP reply the receive loop reads.
// The loop does no correlation itself; handlers look the reply's
// destination port up in Table().
type ReplyHandler func(srcIP net.IP, tcp packet.ParsedTCP)

// NewSocket opens a raw IPv4/TCP send socket (IP_HDRINCL) and a matching
// receive PacketConn. Requires CAP_NET_RAW.
func NewSocket(log logger.Logger) (*Socket, error) {
	sendFD, err := syscall.Socket(syscall.AF_INET, syscall.SOCK_RAW, syscall.IPPROTO_TCP)
	if err != nil {
		return nil, fmt.Errorf("rawsock: cannot create raw send socket (requires CAP_NET_RAW): %w", err)
	}

	if err = syscall.SetsockoptInt(sendFD, syscall.IPPROTO_IP, syscall.IP_HDRINCL, 1); err != nil {
		syscall.Close(sendFD)

		return nil, fmt.Errorf("rawsock: cannot set IP_HDRINCL: %w", err)
	}

	listenConn, err := net.ListenPacket("ip4:tcp", "0.0.0.0")
	if err != nil {
		syscall.Close(sendFD)

		return nil, fmt.Errorf("rawsock: cannot open raw listen socket: %w", err)
	}

	return &Socket{
		logger:     log,
		sendFD:     sendFD,
		listenConn: listenConn,
		table:      NewCorrelationTable(),
	}, nil
}

// Send writes a pre-built IPv4 packet to dstIP on the raw send socket.
func (s *Socket) Send(dstIP net.IP, pkt []byte, dstPort int) error {
	addr := syscall.SockaddrInet4{Port: dstPort}
	copy(addr.Addr[:], dstIP.To4())

	return syscall.Sendto(s.sendFD, pkt, 0, &addr)
}

// Table exposes the shared correlation table so scanners can register
// outbound probes before sending and look up matches after receiving.
func (s *Socket) Table() *CorrelationTable {
	return s.table
}

// StartListening launches the single receive loop for this socket, invoking
// handler for every parsed TCP segment. Only one listen loop may run at a
// time; calling StartListening again replaces the handler and restarts it.
func (s *Socket) StartListening(ctx context.Context, handler ReplyHandler) {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
		s.wg.Wait()
	}

	listenCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.handler = handler
	s.mu.Unlock()

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()
		s.listenLoop(listenCtx)
	}()
}

// listenLoop reads inbound IPv4 packets and dispatches parsed TCP replies
// to the registered handler, never holding the correlation table's lock
// across a socket read.
func (s *Socket) listenLoop(ctx context.Context) {
	buf := make([]byte, maxFrameSize)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := s.listenConn.SetReadDeadline(time.Now().Add(100 * time.Millisecond)); err != nil {
			if s.logger != nil {
				s.logger.Debug().Err(err).Msg("rawsock: failed to set read deadline")
			}

			continue
		}

		n, addr, err := s.listenConn.ReadFrom(buf)
		if err != nil {
			var opErr *net.OpError
			if ok := asTimeoutErr(err, &opErr); ok {
				continue
			}

			if s.logger != nil {
				s.logger.Debug().Err(err).Msg("rawsock: read error")
			}

			continue
		}

		ipAddr, ok := addr.(*net.IPAddr)
		if !ok || ipAddr.IP.To4() == nil {
			continue
		}

		tcp, err := packet.ParseTCP(buf[:n])
		if err != nil {
			continue
		}

		if handler := s.handler; handler != nil {
			handler(ipAddr.IP, tcp)
		}
	}
}

func asTimeoutErr(err error, target **net.OpError) bool {
	opErr, ok := err.(*net.OpError) //nolint:errorlint // target assignment requires the concrete type
	if !ok {
		return false
	}

	*target = opErr

	return opErr.Timeout()
}

// Close stops the receive loop and releases both sockets.
func (s *Socket) Close() error {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	s.wg.Wait()

	var err error

	if s.listenConn != nil {
		err = s.listenConn.Close()
	}

	if s.sendFD != 0 {
		if e := syscall.Close(s.sendFD); e != nil && err == nil {
			err = e
		}
	}

	return err
}

// LocalIPv4 discovers an outbound-facing local IPv4 address: dial a
// well-known address to force route selection, falling back to the first
// non-loopback interface address.
func LocalIPv4() (net.IP, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		addrs, ifErr := net.InterfaceAddrs()
		if ifErr != nil {
			return nil, ifErr
		}

		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok && !ipnet.IP.IsLoopback() {
				if v4 := ipnet.IP.To4(); v4 != nil {
					return v4, nil
				}
			}
		}

		return nil, fmt.Errorf("rawsock: no suitable local IPv4 address found")
	}

	defer conn.Close()

	localAddr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return nil, fmt.Errorf("rawsock: unexpected local address type")
	}

	return localAddr.IP.To4(), nil
}

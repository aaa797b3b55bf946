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

package scan

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/gosnmp/gosnmp"
	"github.com/miekg/dns"
	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"

	"github.com/carverauto/serviceradar/pkg/logger"
	"github.com/carverauto/serviceradar/pkg/models"
	"github.com/carverauto/serviceradar/pkg/packet"
	"github.com/carverauto/serviceradar/pkg/rawsock"
	"github.com/carverauto/serviceradar/pkg/timing"
)

// UdpScanner sends one UDP datagram per port and classifies the result the
// way nmap's -sU does: a protocol-aware reply or any datagram back means
// Open, an ICMP port-unreachable means Closed, and silence before the
// deadline means OpenOrFiltered (UDP gives no way to tell "accepted and
// ignored" from "dropped by a firewall"). It follows the same
// send/listen/correlate shape as the raw TCP techniques, but listens for
// ICMP errors instead of TCP flag replies.
type UdpScanner struct {
	logger    logger.Logger
	timeout   time.Duration
	estimator *timing.Estimator
	sourceIP  net.IP
	ports     *PortAllocator
	table     *rawsock.CorrelationTable

	icmpConn *icmp.PacketConn

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
	sinks  map[uint16]synSink
}

var _ Scanner = (*UdpScanner)(nil)

// NewUdpScanner opens a raw ICMP listen socket (requires CAP_NET_RAW, the
// same as the raw TCP techniques) to observe port-unreachable replies.
func NewUdpScanner(opts ScannerOptions) (*UdpScanner, error) {
	conn, err := icmp.ListenPacket("ip4:icmp", "0.0.0.0")
	if err != nil {
		return nil, &CapabilityError{Technique: string(models.TechniqueUdp), Err: err}
	}

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = time.Second
	}

	sourceIP := opts.SourceIP
	if sourceIP == nil {
		ip, ipErr := rawsock.LocalIPv4()
		if ipErr != nil {
			conn.Close()

			return nil, &NetworkError{Op: "discover local IP", Err: ipErr}
		}

		sourceIP = ip
	}

	allocator := opts.PortAllocator
	if allocator == nil {
		allocator = NewPortAllocator(ephemeralPortStart, maxPortNumber)
	}

	ctx, cancel := context.WithCancel(context.Background())

	u := &UdpScanner{
		logger:    opts.Logger,
		timeout:   timeout,
		estimator: opts.Estimator,
		sourceIP:  sourceIP,
		ports:     allocator,
		table:     rawsock.NewCorrelationTable(),
		icmpConn:  conn,
		cancel:    cancel,
		sinks:     make(map[uint16]synSink),
	}

	u.wg.Add(1)

	go func() {
		defer u.wg.Done()
		u.listenICMP(ctx)
	}()

	return u, nil
}

// probeTimeout returns the estimator's current adaptive timeout (seeded from
// its initial RTT before any sample arrives), and the static configured
// timeout only when no estimator is set.
func (u *UdpScanner) probeTimeout() time.Duration {
	if u.estimator != nil {
		if t := u.estimator.Timeout(); t > 0 {
			return t
		}
	}

	return u.timeout
}

func (u *UdpScanner) Name() string { return string(models.TechniqueUdp) }

func (u *UdpScanner) Capabilities() models.Capabilities {
	return models.Capabilities{
		Technique:        models.TechniqueUdp,
		NeedsRawSocket:   true,
		NeedsRoot:        true,
		SupportsBatch:    true,
		PlatformSupports: true,
	}
}

// listenICMP reads inbound ICMP messages and, for a port-unreachable
// (destination-unreachable, code 3), extracts the embedded original UDP
// header to identify which probe it refers to. Other unreachable codes are
// ignored.
func (u *UdpScanner) listenICMP(ctx context.Context) {
	buf := make([]byte, maxICMPFrame)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := u.icmpConn.SetReadDeadline(time.Now().Add(100 * time.Millisecond)); err != nil {
			continue
		}

		n, _, err := u.icmpConn.ReadFrom(buf)
		if err != nil {
			continue
		}

		msg, err := icmp.ParseMessage(ipv4ProtoICMP, buf[:n])
		if err != nil {
			continue
		}

		if msg.Type != ipv4.ICMPTypeDestinationUnreachable || msg.Code != 3 {
			continue
		}

		body, ok := msg.Body.(*icmp.DstUnreach)
		if !ok {
			continue
		}

		u.handleUnreachable(body.Data)
	}
}

func (u *UdpScanner) handleUnreachable(embedded []byte) {
	origIP, err := packet.ParseIPv4(embedded)
	if err != nil {
		return
	}

	origUDP, err := packet.ParseUDP(origIP.Payload)
	if err != nil {
		return
	}

	pending, ok := u.table.Lookup(origUDP.SrcPort)
	if !ok {
		return
	}

	u.deliver(pending.Probe.SourcePort, models.PortResult{
		Port:         pending.Probe.Port,
		State:        models.StateClosed,
		Technique:    models.TechniqueUdp,
		ResponseTime: time.Since(pending.Sent),
	})
	u.ports.Release(pending.Probe.SourcePort)
}

func (u *UdpScanner) deliver(sourcePort uint16, result models.PortResult) {
	u.mu.Lock()
	sink, ok := u.sinks[sourcePort]
	if ok {
		delete(u.sinks, sourcePort)
	}
	u.mu.Unlock()

	if !ok {
		return
	}

	sink.result <- result
	sink.done <- sourcePort
}

func (u *UdpScanner) ScanPort(ctx context.Context, t models.Target, port uint16) (models.PortResult, error) {
	ch, err := u.ScanPorts(ctx, t, []uint16{port})
	if err != nil {
		return models.PortResult{}, err
	}

	result, ok := <-ch
	if !ok {
		return models.PortResult{Port: port, State: models.StateUnknown, Technique: models.TechniqueUdp}, nil
	}

	return result, nil
}

// ScanPorts sends one UDP probe per port from its own locally-bound socket
// (so a direct reply can be read back without going through the shared ICMP
// listener), registering each in the correlation table so an asynchronous
// ICMP port-unreachable can still be matched to it.
func (u *UdpScanner) ScanPorts(ctx context.Context, t models.Target, ports []uint16) (<-chan models.PortResult, error) {
	resultCh := make(chan models.PortResult, len(ports))

	if len(ports) == 0 {
		close(resultCh)

		return resultCh, nil
	}

	dstIP := t.IP
	if dstIP == nil {
		dstIP = net.ParseIP(t.Host)
	}

	if dstIP == nil || dstIP.To4() == nil {
		close(resultCh)

		return resultCh, &ConfigError{Detail: "udp scanner requires a resolved IPv4 target"}
	}

	sourcePorts := make([]uint16, 0, len(ports))
	doneCh := make(chan uint16, len(ports))

	var wg sync.WaitGroup

	for _, port := range ports {
		srcPort, perr := u.ports.Reserve(ctx)
		if perr != nil {
			continue
		}

		sourcePorts = append(sourcePorts, srcPort)

		probe := models.Probe{
			Target:     models.Target{IP: dstIP, Host: t.Host},
			Port:       port,
			Technique:  models.TechniqueUdp,
			SourcePort: srcPort,
			Deadline:   time.Now().Add(u.probeTimeout()),
		}

		u.mu.Lock()
		u.sinks[srcPort] = synSink{result: resultCh, done: doneCh}
		u.mu.Unlock()

		u.table.Register(probe)

		wg.Add(1)

		go func(port, srcPort uint16) {
			defer wg.Done()
			u.probeOne(t, dstIP, port, srcPort, resultCh, doneCh)
		}(port, srcPort)
	}

	go func() {
		wg.Wait()
		go u.awaitTimeouts(ctx, sourcePorts, resultCh, doneCh)
	}()

	return resultCh, nil
}

// probeOne sends a single UDP datagram from a locally-bound socket and
// blocks briefly on that same socket for a direct reply; a response of any
// kind (a full DNS/SNMP decode, or merely a non-empty datagram from an
// unrecognized service) means Open.
func (u *UdpScanner) probeOne(t models.Target, dstIP net.IP, port, srcPort uint16, resultCh chan models.PortResult, doneCh chan uint16) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: u.sourceIP, Port: int(srcPort)})
	if err != nil {
		if u.logger != nil {
			u.logger.Debug().Err(err).Uint16("port", port).Msg("udp scanner: bind failed")
		}

		u.deliver(srcPort, models.PortResult{Port: port, State: models.StateUnknown, Technique: models.TechniqueUdp})
		u.ports.Release(srcPort)

		return
	}
	defer conn.Close()

	payload := probePayload(port)
	sendStart := time.Now()

	if _, err = conn.WriteToUDP(payload, &net.UDPAddr{IP: dstIP, Port: int(port)}); err != nil {
		if u.logger != nil {
			u.logger.Debug().Err(err).Str("target", t.String()).Uint16("port", port).Msg("udp scanner: send failed")
		}
	}

	probeTimeout := u.probeTimeout()

	if err = conn.SetReadDeadline(time.Now().Add(probeTimeout)); err != nil {
		return
	}

	buf := make([]byte, maxUDPReply)

	n, _, err := conn.ReadFromUDP(buf)
	if err != nil {
		if u.estimator != nil {
			u.estimator.Observe(probeTimeout)
		}

		return // timeout or closed: leave classification to awaitTimeouts/ICMP
	}

	if u.estimator != nil {
		u.estimator.Observe(time.Since(sendStart))
	}

	u.table.Remove(srcPort)
	u.deliver(srcPort, models.PortResult{
		Port:      port,
		State:     models.StateOpen,
		Technique: models.TechniqueUdp,
		Service:   ServiceName(port),
		Banner:    describeReply(port, buf[:n]),
	})
}

func (u *UdpScanner) awaitTimeouts(ctx context.Context, sourcePorts []uint16, resultCh chan models.PortResult, doneCh chan uint16) {
	defer close(resultCh)

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	remaining := make(map[uint16]struct{}, len(sourcePorts))
	for _, p := range sourcePorts {
		remaining[p] = struct{}{}
	}

	for len(remaining) > 0 {
		select {
		case <-ctx.Done():
			u.flushRemaining(remaining, resultCh)

			return
		case port := <-doneCh:
			delete(remaining, port)
		case <-ticker.C:
			for _, expired := range u.table.Expired(time.Now()) {
				if _, tracked := remaining[expired.Probe.SourcePort]; !tracked {
					continue
				}

				resultCh <- models.PortResult{Port: expired.Probe.Port, State: models.StateOpenOrFiltered, Technique: models.TechniqueUdp}
				u.forgetSourcePort(expired.Probe.SourcePort, remaining)
			}
		}
	}
}

func (u *UdpScanner) flushRemaining(remaining map[uint16]struct{}, resultCh chan models.PortResult) {
	for port := range remaining {
		u.table.Remove(port)
		resultCh <- models.PortResult{State: models.StateUnknown, Technique: models.TechniqueUdp}
		u.forgetSourcePort(port, remaining)
	}
}

func (u *UdpScanner) forgetSourcePort(port uint16, remaining map[uint16]struct{}) {
	u.mu.Lock()
	delete(u.sinks, port)
	u.mu.Unlock()

	u.ports.Release(port)
	delete(remaining, port)
}

// Stop releases the shared ICMP listen socket; unlike the TCP techniques
// this socket is owned by the scanner itself, not the orchestrator.
func (u *UdpScanner) Stop() error {
	u.cancel()
	u.wg.Wait()

	return u.icmpConn.Close()
}

const (
	maxICMPFrame = 1500
	maxUDPReply  = 4096

	ipv4ProtoICMP = 1 // golang.org/x/net/ipv4's ICMP protocol number for icmp.ParseMessage
)

// probePayload builds a protocol-aware probe body for the ports most likely
// to reply meaningfully, falling back to a single null byte (many UDP
// services only respond to traffic they understand, but a generic probe is
// still worth sending for the ICMP-unreachable signal).
func probePayload(port uint16) []byte {
	switch port {
	case 53:
		if payload, err := dnsProbePayload(); err == nil {
			return payload
		}
	case 161:
		if payload, err := snmpProbePayload(); err == nil {
			return payload
		}
	}

	return []byte{0}
}

func dnsProbePayload() ([]byte, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(".", dns.TypeNS)
	msg.Id = uint16(rand.Intn(65536)) //nolint:gosec // protocol transaction ID, not cryptographic

	return msg.Pack()
}

func snmpProbePayload() ([]byte, error) {
	pkt := &gosnmp.SnmpPacket{
		Version:   gosnmp.Version2c,
		Community: "public",
		PDUType:   gosnmp.GetRequest,
		RequestID: rand.Uint32(), //nolint:gosec // protocol transaction ID, not cryptographic
		Variables: []gosnmp.SnmpPDU{
			{Name: "1.3.6.1.2.1.1.1.0", Type: gosnmp.Null},
		},
	}

	return pkt.MarshalMsg()
}

// describeReply gives ScanPort's caller a short hint at what replied,
// without fully decoding every possible UDP service.
func describeReply(port uint16, reply []byte) string {
	switch port {
	case 53:
		var msg dns.Msg
		if err := msg.Unpack(reply); err == nil {
			return "dns reply"
		}
	case 161:
		var resp gosnmp.SnmpPacket
		if err := resp.UnmarshalMsg(reply); err == nil {
			return "snmp reply"
		}
	}

	return fmt.Sprintf("%d bytes", len(reply))
}

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
	"net"
	"sync"
	"time"

	"github.com/carverauto/serviceradar/pkg/logger"
	"github.com/carverauto/serviceradar/pkg/models"
	"github.com/carverauto/serviceradar/pkg/packet"
	"github.com/carverauto/serviceradar/pkg/rawsock"
	"github.com/carverauto/serviceradar/pkg/timing"
)

const (
	ephemeralPortStart = 32768
	maxPortNumber      = 65535
)

// SynScanner performs half-open (SYN) scanning: a SYN/ACK reply marks the
// port open, RST/ACK marks it closed, and silence marks it filtered. It
// dispatches through a shared *rawsock.Socket instead of opening its own
// send/listen sockets, so it can share one receive loop with the other
// raw-socket techniques.
type SynScanner struct {
	logger    logger.Logger
	timeout   time.Duration
	estimator *timing.Estimator
	socket    *rawsock.Socket
	sourceIP  net.IP
	ports     *PortAllocator

	mu    sync.Mutex
	sinks map[uint16]synSink // source port -> this probe's result channel + completion signal
}

// synSink is what ScanPorts registers per in-flight probe: the channel to
// deliver a classification on, and a completion channel awaitTimeouts
// selects on so it never has to poll the sinks map.
type synSink struct {
	result chan models.PortResult
	done   chan uint16
}

var _ Scanner = (*SynScanner)(nil)

// NewSynScanner builds a SynScanner over opts.Socket, which must already be
// open. NewSynScanner starts (or restarts) the socket's receive loop with
// this scanner's reply handler.
func NewSynScanner(opts ScannerOptions) (*SynScanner, error) {
	if opts.Socket == nil {
		return nil, &ConfigError{Detail: "syn scanner requires a shared rawsock.Socket"}
	}

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = time.Second
	}

	sourceIP := opts.SourceIP
	if sourceIP == nil {
		ip, err := rawsock.LocalIPv4()
		if err != nil {
			return nil, &NetworkError{Op: "discover local IP", Err: err}
		}

		sourceIP = ip
	}

	allocator := opts.PortAllocator
	if allocator == nil {
		allocator = NewPortAllocator(ephemeralPortStart, maxPortNumber)
	}

	s := &SynScanner{
		logger:    opts.Logger,
		timeout:   timeout,
		estimator: opts.Estimator,
		socket:    opts.Socket,
		sourceIP:  sourceIP,
		ports:     allocator,
		sinks:     make(map[uint16]synSink),
	}

	opts.Socket.StartListening(context.Background(), s.handleReply)

	return s, nil
}

// probeTimeout returns the estimator's current adaptive timeout (seeded from
// its initial RTT before any sample arrives), and the static configured
// timeout only when no estimator is set.
func (s *SynScanner) probeTimeout() time.Duration {
	if s.estimator != nil {
		if t := s.estimator.Timeout(); t > 0 {
			return t
		}
	}

	return s.timeout
}

func (s *SynScanner) Name() string { return string(models.TechniqueSyn) }

func (s *SynScanner) Capabilities() models.Capabilities {
	return models.Capabilities{
		Technique:        models.TechniqueSyn,
		NeedsRawSocket:   true,
		NeedsRoot:        true,
		SupportsBatch:    true,
		PlatformSupports: true,
	}
}

// handleReply is registered with the shared socket's receive loop and
// classifies a reply by its TCP flags.
func (s *SynScanner) handleReply(srcIP net.IP, tcp packet.ParsedTCP) {
	pending, ok := s.socket.Table().Lookup(tcp.DstPort)
	if !ok {
		return
	}

	if pending.Probe.Target.IP != nil && !pending.Probe.Target.IP.Equal(srcIP) {
		return
	}

	var state models.PortState

	switch {
	case tcp.Flags&(packet.FlagSYN|packet.FlagACK) == (packet.FlagSYN | packet.FlagACK):
		state = models.StateOpen
	case tcp.Flags&packet.FlagRST != 0:
		state = models.StateClosed
	default:
		return
	}

	rtt := time.Since(pending.Sent)

	if s.estimator != nil {
		s.estimator.Observe(rtt)
	}

	s.deliver(pending.Probe.SourcePort, models.PortResult{
		Port:         pending.Probe.Port,
		State:        state,
		Technique:    models.TechniqueSyn,
		ResponseTime: rtt,
		Service:      ServiceName(pending.Probe.Port),
	})
	s.ports.Release(pending.Probe.SourcePort)
}

func (s *SynScanner) deliver(sourcePort uint16, result models.PortResult) {
	s.mu.Lock()
	sink, ok := s.sinks[sourcePort]
	if ok {
		delete(s.sinks, sourcePort)
	}
	s.mu.Unlock()

	if !ok {
		return
	}

	sink.result <- result
	sink.done <- sourcePort
}

// ScanPort probes a single port and waits for a classification or timeout.
func (s *SynScanner) ScanPort(ctx context.Context, t models.Target, port uint16) (models.PortResult, error) {
	ch, err := s.ScanPorts(ctx, t, []uint16{port})
	if err != nil {
		return models.PortResult{}, err
	}

	result, ok := <-ch
	if !ok {
		return models.PortResult{Port: port, State: models.StateUnknown, Technique: models.TechniqueSyn}, nil
	}

	return result, nil
}

// ScanPorts sends a SYN to each port and streams classifications as replies
// arrive or each probe's deadline passes.
func (s *SynScanner) ScanPorts(ctx context.Context, t models.Target, ports []uint16) (<-chan models.PortResult, error) {
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

		return resultCh, &ConfigError{Detail: "syn scanner requires a resolved IPv4 target"}
	}

	sourcePorts := make([]uint16, 0, len(ports))
	doneCh := make(chan uint16, len(ports))
	probeTimeout := s.probeTimeout()

	for _, port := range ports {
		srcPort, perr := s.ports.Reserve(ctx)
		if perr != nil {
			continue
		}

		sourcePorts = append(sourcePorts, srcPort)

		probe := models.Probe{
			Target:     models.Target{IP: dstIP, Host: t.Host},
			Port:       port,
			Technique:  models.TechniqueSyn,
			SourcePort: srcPort,
			Deadline:   time.Now().Add(probeTimeout),
		}

		s.mu.Lock()
		s.sinks[srcPort] = synSink{result: resultCh, done: doneCh}
		s.mu.Unlock()

		s.socket.Table().Register(probe)

		pkt := packet.BuildTCP(packet.TCPSpec{
			SrcIP: s.sourceIP, DstIP: dstIP,
			SrcPort: srcPort, DstPort: port,
			Flags: packet.FlagSYN,
		})

		if sendErr := s.socket.Send(dstIP, pkt, int(port)); sendErr != nil && s.logger != nil {
			s.logger.Debug().Err(sendErr).Str("target", t.String()).Msg("syn scanner: send failed")
		}
	}

	go s.awaitTimeouts(ctx, sourcePorts, resultCh, doneCh)

	return resultCh, nil
}

// awaitTimeouts blocks until every probe in sourcePorts has either been
// classified by handleReply (signaled on doneCh) or its deadline has
// passed, then closes resultCh and releases any still-reserved source
// ports.
func (s *SynScanner) awaitTimeouts(ctx context.Context, sourcePorts []uint16, resultCh chan models.PortResult, doneCh chan uint16) {
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
			s.flushRemaining(remaining, resultCh)

			return
		case port := <-doneCh:
			delete(remaining, port)
		case <-ticker.C:
			for _, expired := range s.socket.Table().Expired(time.Now()) {
				if _, tracked := remaining[expired.Probe.SourcePort]; !tracked {
					continue
				}

				resultCh <- models.PortResult{Port: expired.Probe.Port, State: models.StateFiltered, Technique: models.TechniqueSyn}
				s.forgetSourcePort(expired.Probe.SourcePort, remaining)
			}
		}
	}
}

func (s *SynScanner) flushRemaining(remaining map[uint16]struct{}, resultCh chan models.PortResult) {
	for port := range remaining {
		s.socket.Table().Remove(port)
		resultCh <- models.PortResult{State: models.StateUnknown, Technique: models.TechniqueSyn}
		s.forgetSourcePort(port, remaining)
	}
}

func (s *SynScanner) forgetSourcePort(port uint16, remaining map[uint16]struct{}) {
	s.mu.Lock()
	delete(s.sinks, port)
	s.mu.Unlock()

	s.ports.Release(port)
	delete(remaining, port)
}

// Stop is a no-op: the shared rawsock.Socket outlives any single scanner
// and is closed by whoever created it (the orchestrator).
func (s *SynScanner) Stop() error { return nil }

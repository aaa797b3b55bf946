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

// flagSpec parametrizes flagScanner's classification rule per RFC 793's
// differing behavior for the stealth (Fin/Null/Xmas), Ack and Window scans:
// the probe flags sent are always fixed per technique, but what a RST
// reply versus silence means differs.
type flagSpec struct {
	flags uint8

	// synAckOpensPort is unused by these techniques (only Syn looks for
	// SYN/ACK) but documents that none of them can observe "open" directly:
	// RST means not-open, silence means open-or-filtered.
	synAckOpensPort bool

	// rstClosesPort: for Fin/Null/Xmas, RST means the port is closed;
	// silence (no reply before deadline) means open|filtered, since a
	// firewall dropping the probe looks identical to an open port ignoring
	// an unexpected flag combination (RFC 793 §3.9).
	rstClosesPort bool

	// ackClassifiesFilteredState: for Ack/Window, RST means the port is
	// reachable (classified Closed here since this state table has no
	// distinct "unfiltered"); silence means Filtered.
	ackClassifiesFilteredState bool

	// useWindowField: for Window, a RST with a non-zero TCP window field
	// indicates Open rather than Closed (RFC 793 window-scan technique).
	useWindowField bool
}

var flagsByTechnique = map[models.ScanTechnique]uint8{
	models.TechniqueFin:    packet.FlagFIN,
	models.TechniqueNull:   0,
	models.TechniqueXmas:   packet.FlagFIN | packet.FlagPSH | packet.FlagURG,
	models.TechniqueAck:    packet.FlagACK,
	models.TechniqueWindow: packet.FlagACK,
}

// flagScanner implements Fin/Null/Xmas/Ack/Window scanning: every technique
// sends a different fixed TCP flag combination and reads the absence or
// presence of a RST reply, so they share one send/receive/correlate
// implementation that only varies the flags sent and the classification
// table, mirroring how little SynScanner's packet-building differs once
// the flag byte is a parameter (see pkg/packet.BuildTCP).
type flagScanner struct {
	technique models.ScanTechnique
	spec      flagSpec
	logger    logger.Logger
	timeout   time.Duration
	estimator *timing.Estimator
	socket    *rawsock.Socket
	sourceIP  net.IP
	ports     *PortAllocator

	mu    sync.Mutex
	sinks map[uint16]synSink
}

var (
	_ Scanner = (*flagScanner)(nil)
)

func newFlagScanner(technique models.ScanTechnique, spec flagSpec, opts ScannerOptions) (*flagScanner, error) {
	if opts.Socket == nil {
		return nil, &ConfigError{Detail: string(technique) + " scanner requires a shared rawsock.Socket"}
	}

	spec.flags = flagsByTechnique[technique]

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

	fs := &flagScanner{
		technique: technique,
		spec:      spec,
		logger:    opts.Logger,
		timeout:   timeout,
		estimator: opts.Estimator,
		socket:    opts.Socket,
		sourceIP:  sourceIP,
		ports:     allocator,
		sinks:     make(map[uint16]synSink),
	}

	opts.Socket.StartListening(context.Background(), fs.handleReply)

	return fs, nil
}

// probeTimeout returns the estimator's current adaptive timeout (seeded from
// its initial RTT before any sample arrives), and the static configured
// timeout only when no estimator is set.
func (fs *flagScanner) probeTimeout() time.Duration {
	if fs.estimator != nil {
		if t := fs.estimator.Timeout(); t > 0 {
			return t
		}
	}

	return fs.timeout
}

func (fs *flagScanner) Name() string { return string(fs.technique) }

func (fs *flagScanner) Capabilities() models.Capabilities {
	return models.Capabilities{
		Technique:        fs.technique,
		NeedsRawSocket:   true,
		NeedsRoot:        true,
		SupportsBatch:    true,
		PlatformSupports: true,
	}
}

func (fs *flagScanner) handleReply(srcIP net.IP, tcp packet.ParsedTCP) {
	pending, ok := fs.socket.Table().Lookup(tcp.DstPort)
	if !ok {
		return
	}

	if pending.Probe.Target.IP != nil && !pending.Probe.Target.IP.Equal(srcIP) {
		return
	}

	if tcp.Flags&packet.FlagRST == 0 {
		return
	}

	state := fs.classifyReset(tcp)
	rtt := time.Since(pending.Sent)

	if fs.estimator != nil {
		fs.estimator.Observe(rtt)
	}

	fs.deliver(pending.Probe.SourcePort, models.PortResult{
		Port:         pending.Probe.Port,
		State:        state,
		Technique:    fs.technique,
		ResponseTime: rtt,
		Service:      ServiceName(pending.Probe.Port),
	})
	fs.ports.Release(pending.Probe.SourcePort)
}

func (fs *flagScanner) classifyReset(tcp packet.ParsedTCP) models.PortState {
	switch {
	case fs.spec.rstClosesPort:
		return models.StateClosed
	case fs.spec.useWindowField:
		if tcp.Window > 0 {
			return models.StateOpen
		}

		return models.StateClosed
	case fs.spec.ackClassifiesFilteredState:
		return models.StateClosed
	default:
		return models.StateUnknown
	}
}

// classifyTimeout is the state assigned when no RST arrives before the
// probe's deadline.
func (fs *flagScanner) classifyTimeout() models.PortState {
	if fs.spec.rstClosesPort {
		return models.StateOpenOrFiltered
	}

	return models.StateFiltered
}

func (fs *flagScanner) deliver(sourcePort uint16, result models.PortResult) {
	fs.mu.Lock()
	sink, ok := fs.sinks[sourcePort]
	if ok {
		delete(fs.sinks, sourcePort)
	}
	fs.mu.Unlock()

	if !ok {
		return
	}

	sink.result <- result
	sink.done <- sourcePort
}

func (fs *flagScanner) ScanPort(ctx context.Context, t models.Target, port uint16) (models.PortResult, error) {
	ch, err := fs.ScanPorts(ctx, t, []uint16{port})
	if err != nil {
		return models.PortResult{}, err
	}

	result, ok := <-ch
	if !ok {
		return models.PortResult{Port: port, State: models.StateUnknown, Technique: fs.technique}, nil
	}

	return result, nil
}

func (fs *flagScanner) ScanPorts(ctx context.Context, t models.Target, ports []uint16) (<-chan models.PortResult, error) {
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

		return resultCh, &ConfigError{Detail: string(fs.technique) + " scanner requires a resolved IPv4 target"}
	}

	sourcePorts := make([]uint16, 0, len(ports))
	doneCh := make(chan uint16, len(ports))
	probeTimeout := fs.probeTimeout()

	for _, port := range ports {
		srcPort, perr := fs.ports.Reserve(ctx)
		if perr != nil {
			continue
		}

		sourcePorts = append(sourcePorts, srcPort)

		probe := models.Probe{
			Target:     models.Target{IP: dstIP, Host: t.Host},
			Port:       port,
			Technique:  fs.technique,
			SourcePort: srcPort,
			Deadline:   time.Now().Add(probeTimeout),
		}

		fs.mu.Lock()
		fs.sinks[srcPort] = synSink{result: resultCh, done: doneCh}
		fs.mu.Unlock()

		fs.socket.Table().Register(probe)

		pkt := packet.BuildTCP(packet.TCPSpec{
			SrcIP: fs.sourceIP, DstIP: dstIP,
			SrcPort: srcPort, DstPort: port,
			Flags: fs.spec.flags,
		})

		if sendErr := fs.socket.Send(dstIP, pkt, int(port)); sendErr != nil && fs.logger != nil {
			fs.logger.Debug().Err(sendErr).Str("target", t.String()).Msg(string(fs.technique) + " scanner: send failed")
		}
	}

	go fs.awaitTimeouts(ctx, sourcePorts, resultCh, doneCh)

	return resultCh, nil
}

func (fs *flagScanner) awaitTimeouts(ctx context.Context, sourcePorts []uint16, resultCh chan models.PortResult, doneCh chan uint16) {
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
			fs.flushRemaining(remaining, resultCh)

			return
		case port := <-doneCh:
			delete(remaining, port)
		case <-ticker.C:
			for _, expired := range fs.socket.Table().Expired(time.Now()) {
				if _, tracked := remaining[expired.Probe.SourcePort]; !tracked {
					continue
				}

				resultCh <- models.PortResult{Port: expired.Probe.Port, State: fs.classifyTimeout(), Technique: fs.technique}
				fs.forgetSourcePort(expired.Probe.SourcePort, remaining)
			}
		}
	}
}

func (fs *flagScanner) flushRemaining(remaining map[uint16]struct{}, resultCh chan models.PortResult) {
	for port := range remaining {
		fs.socket.Table().Remove(port)
		resultCh <- models.PortResult{State: models.StateUnknown, Technique: fs.technique}
		fs.forgetSourcePort(port, remaining)
	}
}

func (fs *flagScanner) forgetSourcePort(port uint16, remaining map[uint16]struct{}) {
	fs.mu.Lock()
	delete(fs.sinks, port)
	fs.mu.Unlock()

	fs.ports.Release(port)
	delete(remaining, port)
}

// Stop is a no-op: the shared rawsock.Socket outlives any single scanner.
func (fs *flagScanner) Stop() error { return nil }

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

// Package models provides the data model shared across the scanner core:
// targets, probes, techniques, port states and aggregated scan reports.
package models

import (
	"fmt"
	"net"
	"time"
)

// ScanTechnique identifies which probing method classified a port.
type ScanTechnique string

const (
	TechniqueConnect ScanTechnique = "connect"
	TechniqueSyn     ScanTechnique = "syn"
	TechniqueUdp     ScanTechnique = "udp"
	TechniqueFin     ScanTechnique = "fin"
	TechniqueNull    ScanTechnique = "null"
	TechniqueXmas    ScanTechnique = "xmas"
	TechniqueAck     ScanTechnique = "ack"
	TechniqueWindow  ScanTechnique = "window"
)

// RequiresRawSocket reports whether technique needs CAP_NET_RAW.
func (t ScanTechnique) RequiresRawSocket() bool {
	switch t {
	case TechniqueConnect, TechniqueUdp:
		return false
	default:
		return true
	}
}

// PortState is the classification assigned to a single (target, port) pair.
type PortState string

const (
	StateOpen           PortState = "open"
	StateClosed         PortState = "closed"
	StateFiltered       PortState = "filtered"
	StateUnknown        PortState = "unknown"
	StateOpenOrFiltered PortState = "open|filtered"
)

// Target is a resolved scan target: an IP address, optionally with the
// hostname it was resolved from.
type Target struct {
	IP       net.IP
	Host     string
	Metadata map[string]string
}

// String renders the target for logging, preferring the hostname when set.
func (t Target) String() string {
	if t.Host != "" {
		return t.Host
	}

	return t.IP.String()
}

// ProbeID uniquely correlates an outbound probe with its inbound reply when
// scanning statelessly over a raw socket. For stream-oriented techniques
// (Syn and the flag variants) it is the (source port, sequence number)
// pair the kernel would otherwise have tracked; for Udp it is keyed on
// source port alone since there is no sequence number to carry state in.
type ProbeID struct {
	SourcePort uint16
	Sequence   uint32
}

// Probe describes a single in-flight port probe.
type Probe struct {
	Target     Target
	Port       uint16
	Technique  ScanTechnique
	SourcePort uint16
	ID         ProbeID
	Deadline   time.Time
}

// PortResult is the classification outcome for a single port.
type PortResult struct {
	Port         uint16        `json:"port"`
	State        PortState     `json:"state"`
	Technique    ScanTechnique `json:"technique"`
	ResponseTime time.Duration `json:"response_time"`
	Service      string        `json:"service,omitempty"`
	Banner       string        `json:"banner,omitempty"`
}

// ScanStats aggregates packet-level counters for a scan run, as produced
// by pkg/metrics' ScanStatsCollector.Snapshot.
type ScanStats struct {
	PacketsSent     uint64
	PacketsReceived uint64
	Retries         uint64
	Errors          uint64
}

// ScanReport is the outcome of scanning one target across a set of ports.
type ScanReport struct {
	RunID       string
	Target      Target
	PortResults []PortResult
	Open        []uint16
	Closed      []uint16
	Filtered    []uint16
	Unknown     []uint16
	Duration    time.Duration
	Stats       ScanStats
	Cancelled   bool
}

// AddResult appends a PortResult and files its port into the matching
// state bucket. Every port passed to a scan appears in exactly one bucket.
func (r *ScanReport) AddResult(res PortResult) {
	r.PortResults = append(r.PortResults, res)

	switch res.State {
	case StateOpen:
		r.Open = append(r.Open, res.Port)
	case StateClosed:
		r.Closed = append(r.Closed, res.Port)
	case StateFiltered, StateOpenOrFiltered:
		r.Filtered = append(r.Filtered, res.Port)
	default:
		r.Unknown = append(r.Unknown, res.Port)
	}
}

// Capabilities describes what a Scanner implementation can and cannot do,
// used by the orchestrator to fall back to a weaker technique when the
// process lacks CAP_NET_RAW or the platform has no raw-socket support.
type Capabilities struct {
	Technique        ScanTechnique
	NeedsRawSocket   bool
	NeedsRoot        bool
	SupportsBatch    bool
	MaxConcurrency   int
	PlatformSupports bool
}

// String implements fmt.Stringer for log-friendly output.
func (c Capabilities) String() string {
	return fmt.Sprintf("%s(raw=%v root=%v batch=%v)", c.Technique, c.NeedsRawSocket, c.NeedsRoot, c.SupportsBatch)
}

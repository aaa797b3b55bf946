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

// Package metrics exports scan-run counters and a per-probe duration
// histogram to Prometheus. It uses a hand-written Collector
// (Describe/Collect over a lock-protected working set) instead of
// package-global promauto registrations, since a scan run's counters are
// scoped to one Orchestrator invocation rather than the process lifetime.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/carverauto/serviceradar/pkg/models"
)

// ScanStatsCollector accumulates a running scan's packet and port-state
// counters and exposes them as a prometheus.Collector. One instance is
// created per Orchestrator run.
type ScanStatsCollector struct {
	mu sync.Mutex

	packetsSent     uint64
	packetsReceived uint64
	retries         uint64
	errors          uint64
	portStates      map[models.PortState]uint64

	probeDuration prometheus.Histogram

	sentDesc     *prometheus.Desc
	receivedDesc *prometheus.Desc
	retriesDesc  *prometheus.Desc
	errorsDesc   *prometheus.Desc
	stateDesc    *prometheus.Desc
}

// NewScanStatsCollector builds a collector labeled with the run's
// technique and run ID, so multiple concurrent or sequential runs scraped
// from the same registry stay distinguishable.
func NewScanStatsCollector(technique, runID string) *ScanStatsCollector {
	constLabels := prometheus.Labels{"technique": technique, "run_id": runID}

	return &ScanStatsCollector{
		portStates: make(map[models.PortState]uint64),
		probeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "portscan",
			Name:        "probe_duration_seconds",
			Help:        "Round-trip latency observed for a single classified probe.",
			Buckets:     prometheus.ExponentialBuckets(0.001, 2, 16),
			ConstLabels: constLabels,
		}),
		sentDesc:     prometheus.NewDesc("portscan_packets_sent_total", "Packets sent during the run.", nil, constLabels),
		receivedDesc: prometheus.NewDesc("portscan_packets_received_total", "Packets received during the run.", nil, constLabels),
		retriesDesc:  prometheus.NewDesc("portscan_retries_total", "Probe retries issued during the run.", nil, constLabels),
		errorsDesc:   prometheus.NewDesc("portscan_errors_total", "Probe dispatch errors during the run.", nil, constLabels),
		stateDesc:    prometheus.NewDesc("portscan_port_results_total", "Classified ports by state.", []string{"state"}, constLabels),
	}
}

// RecordResult folds one PortResult into the running counters and
// observes its response time in the duration histogram.
func (c *ScanStatsCollector) RecordResult(res models.PortResult) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.packetsSent++
	c.portStates[res.State]++

	if res.State != models.StateUnknown {
		c.packetsReceived++
	}

	c.probeDuration.Observe(res.ResponseTime.Seconds())
}

// RecordRetry increments the retry counter, called once per retried probe
// attempt by the recovery layer.
func (c *ScanStatsCollector) RecordRetry() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.retries++
}

// RecordError increments the dispatch-error counter.
func (c *ScanStatsCollector) RecordError() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.errors++
}

// Snapshot returns the counters collected so far as a models.ScanStats,
// for attaching to the final ScanReport.
func (c *ScanStatsCollector) Snapshot() models.ScanStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return models.ScanStats{
		PacketsSent:     c.packetsSent,
		PacketsReceived: c.packetsReceived,
		Retries:         c.retries,
		Errors:          c.errors,
	}
}

// Describe implements prometheus.Collector.
func (c *ScanStatsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.sentDesc
	ch <- c.receivedDesc
	ch <- c.retriesDesc
	ch <- c.errorsDesc
	ch <- c.stateDesc
	c.probeDuration.Describe(ch)
}

// Collect implements prometheus.Collector.
func (c *ScanStatsCollector) Collect(ch chan<- prometheus.Metric) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch <- prometheus.MustNewConstMetric(c.sentDesc, prometheus.CounterValue, float64(c.packetsSent))
	ch <- prometheus.MustNewConstMetric(c.receivedDesc, prometheus.CounterValue, float64(c.packetsReceived))
	ch <- prometheus.MustNewConstMetric(c.retriesDesc, prometheus.CounterValue, float64(c.retries))
	ch <- prometheus.MustNewConstMetric(c.errorsDesc, prometheus.CounterValue, float64(c.errors))

	for state, count := range c.portStates {
		ch <- prometheus.MustNewConstMetric(c.stateDesc, prometheus.CounterValue, float64(count), string(state))
	}

	c.probeDuration.Collect(ch)
}

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

package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/carverauto/serviceradar/pkg/models"
)

func TestScanStatsCollectorRecordResultUpdatesSnapshot(t *testing.T) {
	c := NewScanStatsCollector("connect", "run-1")

	c.RecordResult(models.PortResult{Port: 80, State: models.StateOpen, ResponseTime: 10 * time.Millisecond})
	c.RecordResult(models.PortResult{Port: 81, State: models.StateClosed, ResponseTime: 5 * time.Millisecond})
	c.RecordResult(models.PortResult{Port: 82, State: models.StateUnknown})
	c.RecordRetry()
	c.RecordError()

	snap := c.Snapshot()
	require.EqualValues(t, 3, snap.PacketsSent)
	require.EqualValues(t, 2, snap.PacketsReceived)
	require.EqualValues(t, 1, snap.Retries)
	require.EqualValues(t, 1, snap.Errors)
}

func TestScanStatsCollectorRegistersWithoutError(t *testing.T) {
	c := NewScanStatsCollector("syn", "run-2")
	c.RecordResult(models.PortResult{Port: 443, State: models.StateOpen})

	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(c))

	families, err := reg.Gather()
	require.NoError(t, err)

	var foundSent bool

	for _, mf := range families {
		if mf.GetName() == "portscan_packets_sent_total" {
			foundSent = true
			require.Len(t, mf.GetMetric(), 1)
			require.Equal(t, float64(1), mf.GetMetric()[0].GetCounter().GetValue())
		}
	}

	require.True(t, foundSent)
}

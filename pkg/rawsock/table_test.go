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
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/carverauto/serviceradar/pkg/models"
)

func TestCorrelationTableRegisterAndLookup(t *testing.T) {
	table := NewCorrelationTable()

	probe := models.Probe{
		Target:     models.Target{IP: net.ParseIP("10.0.0.1")},
		Port:       443,
		SourcePort: 40000,
		Deadline:   time.Now().Add(time.Second),
	}

	table.Register(probe)

	got, ok := table.Lookup(40000)
	require.True(t, ok)
	require.Equal(t, uint16(443), got.Probe.Port)

	_, ok = table.Lookup(40000)
	require.False(t, ok, "Lookup should remove the entry")
}

func TestCorrelationTablePeekDoesNotRemove(t *testing.T) {
	table := NewCorrelationTable()

	probe := models.Probe{SourcePort: 50000, Deadline: time.Now().Add(time.Second)}
	table.Register(probe)

	_, ok := table.Peek(50000)
	require.True(t, ok)

	_, ok = table.Peek(50000)
	require.True(t, ok, "Peek should not remove the entry")
}

func TestCorrelationTableExpiredSweepsPastDeadline(t *testing.T) {
	table := NewCorrelationTable()

	table.Register(models.Probe{SourcePort: 1, Deadline: time.Now().Add(-time.Second)})
	table.Register(models.Probe{SourcePort: 2, Deadline: time.Now().Add(time.Hour)})

	expired := table.Expired(time.Now())
	require.Len(t, expired, 1)
	require.Equal(t, uint16(1), expired[0].Probe.SourcePort)

	_, ok := table.Peek(1)
	require.False(t, ok)

	_, ok = table.Peek(2)
	require.True(t, ok)
}

func TestPortRangeFilterCompiles(t *testing.T) {
	raw, err := PortRangeFilter(net.ParseIP("10.0.0.1"), 40000, 41000)
	require.NoError(t, err)
	require.NotEmpty(t, raw)
}

func TestPortRangeFilterRejectsNonIPv4(t *testing.T) {
	_, err := PortRangeFilter(net.ParseIP("::1"), 40000, 41000)
	require.ErrorIs(t, err, ErrNonIPv4LocalIP)
}

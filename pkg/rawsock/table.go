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
	"sync"
	"time"

	"github.com/carverauto/serviceradar/pkg/models"
)

// PendingProbe is what a scanner registers before sending, and what the
// correlation table returns on a matching reply.
type PendingProbe struct {
	Probe models.Probe
	Sent  time.Time
}

// CorrelationTable maps a probe's source port to its pending target, using
// sync.Map so SYN, flag-variant, and UDP scans can all register/clear
// concurrently without a shared lock held across the socket read in
// Socket.listenLoop.
type CorrelationTable struct {
	entries sync.Map // uint16 source port -> PendingProbe
}

// NewCorrelationTable builds an empty table.
func NewCorrelationTable() *CorrelationTable {
	return &CorrelationTable{}
}

// Register records a probe keyed by its source port, to be matched against
// an inbound reply's destination port.
func (t *CorrelationTable) Register(probe models.Probe) {
	t.entries.Store(probe.SourcePort, PendingProbe{Probe: probe, Sent: time.Now()})
}

// Lookup retrieves and removes the pending probe for sourcePort, if any.
// Removal prevents a duplicate or retransmitted reply from matching twice.
func (t *CorrelationTable) Lookup(sourcePort uint16) (PendingProbe, bool) {
	v, ok := t.entries.LoadAndDelete(sourcePort)
	if !ok {
		return PendingProbe{}, false
	}

	return v.(PendingProbe), true //nolint:forcetypeassert // entries are only ever stored as PendingProbe
}

// Peek retrieves the pending probe without removing it, used for timeout
// sweeps that need to inspect Sent without consuming the entry.
func (t *CorrelationTable) Peek(sourcePort uint16) (PendingProbe, bool) {
	v, ok := t.entries.Load(sourcePort)
	if !ok {
		return PendingProbe{}, false
	}

	return v.(PendingProbe), true //nolint:forcetypeassert // entries are only ever stored as PendingProbe
}

// Remove drops a pending probe without returning it, used once a probe has
// timed out and been reported as Filtered/Unknown.
func (t *CorrelationTable) Remove(sourcePort uint16) {
	t.entries.Delete(sourcePort)
}

// Expired walks the table and returns every pending probe whose deadline has
// passed, removing them from the table as it goes.
func (t *CorrelationTable) Expired(now time.Time) []PendingProbe {
	var expired []PendingProbe

	t.entries.Range(func(key, value any) bool {
		pending := value.(PendingProbe) //nolint:forcetypeassert // entries are only ever stored as PendingProbe

		if now.After(pending.Probe.Deadline) {
			expired = append(expired, pending)
			t.entries.Delete(key)
		}

		return true
	})

	return expired
}

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

package recovery

import (
	"context"
	"sync/atomic"

	"github.com/shirou/gopsutil/v3/mem"
)

// ResourceManager gates new in-flight probes on two budgets: a cap on
// in-flight probes (every raw-socket probe holds a correlation-table
// entry and, transiently, a kernel socket buffer slot) and a memory
// headroom check backed by gopsutil's host memory stats.
type ResourceManager struct {
	maxInFlight     int64
	minFreeMemoryMB uint64

	inFlight atomic.Int64
}

// NewResourceManager builds a ResourceManager admitting at most
// maxInFlight concurrent probes, and refusing new ones once the host has
// fewer than minFreeMemoryMB of available memory.
func NewResourceManager(maxInFlight int, minFreeMemoryMB uint64) *ResourceManager {
	if maxInFlight <= 0 {
		maxInFlight = 100_000
	}

	return &ResourceManager{maxInFlight: int64(maxInFlight), minFreeMemoryMB: minFreeMemoryMB}
}

// Acquire admits one probe, returning a release func to call when it
// completes. ok is false if admission was refused (caller should back off
// rather than dispatch the probe).
func (r *ResourceManager) Acquire(ctx context.Context) (release func(), ok bool) {
	if r.inFlight.Load() >= r.maxInFlight {
		return func() {}, false
	}

	if !r.hasMemoryHeadroom(ctx) {
		return func() {}, false
	}

	r.inFlight.Add(1)

	return func() { r.inFlight.Add(-1) }, true
}

func (r *ResourceManager) hasMemoryHeadroom(ctx context.Context) bool {
	if r.minFreeMemoryMB == 0 {
		return true
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		// Can't observe memory pressure; fail open rather than stall every scan.
		return true
	}

	availableMB := vm.Available / (1024 * 1024)

	return availableMB >= r.minFreeMemoryMB
}

// InFlight reports the current number of admitted, not-yet-released probes.
func (r *ResourceManager) InFlight() int64 {
	return r.inFlight.Load()
}

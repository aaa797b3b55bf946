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
	"errors"
	"math/rand/v2"
	"sync/atomic"
	"time"
)

// PortAllocator hands out ephemeral TCP/UDP source ports without reuse
// until Release. Each Reserve call starts its search from a freshly
// randomized slot rather than walking the range in a fixed order, so an
// observer watching a run's source ports can't predict the next one from
// the last — the unpredictability a randomized stealth-scan source port
// needs. Each slot carries an atomic free/used flag, so multiple scanner
// goroutines can reserve and release concurrently without a shared lock.
type PortAllocator struct {
	start uint16
	end   uint16
	cnt   uint32 // total ports (inclusive)

	// one entry per port; index 0 -> start, index cnt-1 -> end
	slots []portSlot
}

type portSlot struct {
	port  uint16
	state atomic.Uint32 // 0=free, 1=used
}

var (
	ErrNoPorts     = errors.New("no ports available")
	errCtxDone     = errors.New("context canceled")
	spinMaxBackoff = 200 * time.Microsecond
)

// NewPortAllocator builds an allocator for [start, end] inclusive.
// Panics if start > end or range size is 0.
func NewPortAllocator(start, end uint16) *PortAllocator {
	if start == 0 || end == 0 || start > end {
		panic("NewPortAllocator: invalid port range")
	}

	cnt := uint32(end - start + 1)
	slots := make([]portSlot, cnt)

	for i := uint32(0); i < cnt; i++ {
		slots[i].port = uint16(uint32(start) + i)
	}

	return &PortAllocator{
		start: start,
		end:   end,
		cnt:   cnt,
		slots: slots,
	}
}

// Reserve obtains one free port, probing forward from a uniformly random
// starting slot on each attempt. It retries with a short, growing backoff
// until a port frees up or ctx is done.
func (a *PortAllocator) Reserve(ctx context.Context) (uint16, error) {
	if a.cnt == 0 {
		return 0, ErrNoPorts
	}

	// One randomized pass over the ring; collisions probe forward.
	tryOnce := func() (uint16, bool) {
		startIdx := rand.Uint32N(a.cnt)

		for i := uint32(0); i < a.cnt; i++ {
			idx := (startIdx + i) % a.cnt
			s := &a.slots[idx]

			// Claim if free.
			if s.state.CompareAndSwap(0, 1) {
				return s.port, true
			}
		}

		return 0, false
	}

	// Loop with tiny backoff on full contention.
	backoff := time.Microsecond

	for {
		if p, ok := tryOnce(); ok {
			return p, nil
		}

		// nothing free right now
		if ctx != nil {
			select {
			case <-ctx.Done():
				return 0, errCtxDone
			default:
			}
		}

		time.Sleep(backoff)
		if backoff < spinMaxBackoff {
			backoff *= 2
		}
	}
}

// Release marks a port free again. It's safe to call multiple times.
func (a *PortAllocator) Release(port uint16) {
	if port < a.start || port > a.end {
		return
	}

	idx := uint32(port - a.start)
	a.slots[idx].state.Store(0)
}

// Available is a heuristic count of currently free ports (O(n)).
func (a *PortAllocator) Available() int {
	free := 0

	for i := range a.slots {
		if a.slots[i].state.Load() == 0 {
			free++
		}
	}

	return free
}

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

// Package ratelimit provides a lazily-refilled token bucket used to cap
// outbound probe rate, plus a sharded variant for high-contention fan-out.
package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrRateZero = errors.New("ratelimit: rate must be positive")

// Bucket is a token bucket that refills lazily from elapsed wall-clock time
// rather than a background ticking goroutine, mirroring the spin-and-backoff
// style of pkg/scan.PortAllocator.Reserve but gated on a timed refill instead
// of a free-slot scan.
type Bucket struct {
	mu       sync.Mutex
	capacity float64
	tokens   float64
	rate     float64 // tokens per second
	last     time.Time
}

// NewBucket creates a bucket with the given rate (tokens/sec) and burst
// capacity. The bucket starts full.
func NewBucket(rate float64, capacity float64) (*Bucket, error) {
	if rate <= 0 {
		return nil, ErrRateZero
	}

	if capacity <= 0 {
		capacity = rate
	}

	return &Bucket{
		capacity: capacity,
		tokens:   capacity,
		rate:     rate,
		last:     time.Now(),
	}, nil
}

func (b *Bucket) refillLocked() {
	now := time.Now()
	elapsed := now.Sub(b.last).Seconds()

	if elapsed <= 0 {
		return
	}

	b.tokens += elapsed * b.rate
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}

	b.last = now
}

// Acquire blocks until n tokens are available or ctx is cancelled.
func (b *Bucket) Acquire(ctx context.Context, n float64) error {
	for {
		b.mu.Lock()
		b.refillLocked()

		if b.tokens >= n {
			b.tokens -= n
			b.mu.Unlock()

			return nil
		}

		deficit := n - b.tokens
		wait := time.Duration(deficit / b.rate * float64(time.Second))
		b.mu.Unlock()

		timer := time.NewTimer(wait)

		select {
		case <-ctx.Done():
			timer.Stop()

			return ctx.Err()
		case <-timer.C:
		}
	}
}

// TryAcquire takes n tokens without blocking, reporting whether it succeeded.
func (b *Bucket) TryAcquire(n float64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()

	if b.tokens >= n {
		b.tokens -= n

		return true
	}

	return false
}

// SetRate adjusts the refill rate in place, used (through
// ShardedLimiter.SetRate) by the orchestrator's gated scanner, which scales
// the rate by pkg/timing's ConcurrencyHint ratio to throttle down under loss
// and grow back up on success.
func (b *Bucket) SetRate(rate float64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()
	b.rate = rate
}

// Available reports the current token count, a heuristic snapshot useful
// for metrics and tests.
func (b *Bucket) Available() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()

	return b.tokens
}

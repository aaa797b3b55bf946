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

// Package timing provides adaptive RTT estimation and concurrency control
// for the scan engines, replacing fixed per-technique timeouts with
// estimates that track observed network conditions.
package timing

import (
	"sync"
	"time"
)

// EstimatorConfig tunes the EWMA smoothing and timeout clamp bounds.
type EstimatorConfig struct {
	Alpha   float64 // RTT smoothing factor, 0 < alpha < 1
	Beta    float64 // variance smoothing factor
	K       float64 // stddev multiplier added to the RTT estimate
	Floor   time.Duration
	Ceiling time.Duration
}

// DefaultEstimatorConfig mirrors the conservative smoothing used by TCP's
// own RTO estimator (RFC 6298 alpha=1/8, beta=1/4).
func DefaultEstimatorConfig() EstimatorConfig {
	return EstimatorConfig{
		Alpha:   0.125,
		Beta:    0.25,
		K:       4,
		Floor:   100 * time.Millisecond,
		Ceiling: 10 * time.Second,
	}
}

// Estimator is an EWMA round-trip-time estimator with a variance term,
// smoothing observed probe latency into a running mean and deviation
// instead of reacting to a single outlier sample.
type Estimator struct {
	mu sync.Mutex

	cfg EstimatorConfig

	srtt   time.Duration
	rttvar time.Duration
	primed bool
}

// NewEstimator builds an Estimator seeded with an initial guess, used
// before any samples have arrived.
func NewEstimator(cfg EstimatorConfig, initial time.Duration) *Estimator {
	return &Estimator{
		cfg:    cfg,
		srtt:   initial,
		rttvar: initial / 2,
	}
}

// Observe feeds a new RTT sample into the estimator.
func (e *Estimator) Observe(sample time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.primed {
		e.srtt = sample
		e.rttvar = sample / 2
		e.primed = true

		return
	}

	delta := sample - e.srtt
	if delta < 0 {
		delta = -delta
	}

	e.rttvar = time.Duration(float64(e.rttvar) + e.cfg.Beta*(float64(delta)-float64(e.rttvar)))
	e.srtt = time.Duration(float64(e.srtt) + e.cfg.Alpha*(float64(sample)-float64(e.srtt)))
}

// Timeout returns the current suggested probe timeout, clamped to
// [floor, ceiling].
func (e *Estimator) Timeout() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()

	t := e.srtt + time.Duration(e.cfg.K*float64(e.rttvar))

	if t < e.cfg.Floor {
		return e.cfg.Floor
	}

	if t > e.cfg.Ceiling {
		return e.cfg.Ceiling
	}

	return t
}

// RTT returns the current smoothed round-trip estimate, for metrics.
func (e *Estimator) RTT() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.srtt
}

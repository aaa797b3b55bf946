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

package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/carverauto/serviceradar/pkg/models"
	"github.com/carverauto/serviceradar/pkg/ratelimit"
	"github.com/carverauto/serviceradar/pkg/recovery"
	"github.com/carverauto/serviceradar/pkg/scan"
	"github.com/carverauto/serviceradar/pkg/timing"
)

var errResourceRejected = errors.New("resource manager rejected probe admission")

// gatedScanner wraps a scan.Scanner with the error-recovery layer: a
// per-target circuit breaker, a shared rate limiter, a resource-admission
// check, and adaptive retry — every probe dispatched by an Orchestrator
// passes through here before it reaches the real scanner. ScanPorts
// fans its port list out to per-port ScanPort calls rather than
// delegating to the wrapped scanner's own ScanPorts, so every probe, not
// just whole-target batches, is individually gated.
type gatedScanner struct {
	inner       scan.Scanner
	limiter     *ratelimit.ShardedLimiter
	breakers    *recovery.BreakerSet
	resources   *recovery.ResourceManager
	retry       recovery.RetryPolicy
	estimator   *timing.Estimator
	concurrency *timing.ConcurrencyHint
	baseRate    float64 // configured rate limiter total, 0 if unlimited
}

var _ scan.Scanner = (*gatedScanner)(nil)

func (g *gatedScanner) Name() string                     { return g.inner.Name() }
func (g *gatedScanner) Capabilities() models.Capabilities { return g.inner.Capabilities() }
func (g *gatedScanner) Stop() error                       { return g.inner.Stop() }

// ScanPort is the uniform single-probe operation every engine dispatches
// through. While the target's breaker is open, it returns Filtered
// without acquiring a rate-limiter token, admission slot, or touching the
// wrapped scanner — no packet is sent, per the circuit-breaker contract.
func (g *gatedScanner) ScanPort(ctx context.Context, t models.Target, port uint16) (models.PortResult, error) {
	breaker := g.breakers.For(t.String())

	if breaker.State() == recovery.StateOpen {
		return models.PortResult{Port: port, State: models.StateFiltered, Technique: models.ScanTechnique(g.inner.Name())}, nil
	}

	if g.limiter != nil {
		if err := g.limiter.Acquire(ctx, 1); err != nil {
			return models.PortResult{}, err
		}
	}

	release, ok := g.resources.Acquire(ctx)
	if !ok {
		return models.PortResult{}, &scan.ResourceError{Resource: "admission", Err: errResourceRejected}
	}
	defer release()

	var result models.PortResult

	start := time.Now()

	execErr := breaker.Execute(ctx, func() error {
		return g.retry.Do(ctx, func(int) error {
			res, err := g.inner.ScanPort(ctx, t, port)
			result = res

			return err
		})
	})

	if g.estimator != nil {
		g.estimator.Observe(time.Since(start))
	}

	g.recordOutcome(execErr == nil)

	if execErr != nil {
		return models.PortResult{}, execErr
	}

	return result, nil
}

// recordOutcome feeds one probe's success/failure into the congestion
// signal and, when a shared rate limiter is configured, scales its total
// rate by the same ratio the concurrency hint just moved to: a burst of
// timeouts/errors lowers how fast new probes are admitted, and a run of
// clean probes raises it back. The engine's worker count is not changed.
func (g *gatedScanner) recordOutcome(success bool) {
	if g.concurrency == nil {
		return
	}

	g.concurrency.Record(success)

	if g.limiter != nil && g.baseRate > 0 {
		g.limiter.SetRate(g.baseRate * g.concurrency.Ratio())
	}
}

// ScanPorts fans out to ScanPort per port, bounded by a fixed worker
// count, so batch dispatch gets the same per-probe gating as single-port
// dispatch.
func (g *gatedScanner) ScanPorts(ctx context.Context, t models.Target, ports []uint16) (<-chan models.PortResult, error) {
	resultCh := make(chan models.PortResult, len(ports))

	if len(ports) == 0 {
		close(resultCh)
		return resultCh, nil
	}

	const fanout = 256

	workers := fanout
	if workers > len(ports) {
		workers = len(ports)
	}

	workCh := make(chan uint16, len(ports))
	for _, p := range ports {
		workCh <- p
	}
	close(workCh)

	done := make(chan struct{})

	for i := 0; i < workers; i++ {
		go func() {
			for port := range workCh {
				result, err := g.ScanPort(ctx, t, port)
				if err != nil {
					result = models.PortResult{Port: port, State: models.StateUnknown, Technique: models.ScanTechnique(g.inner.Name())}
				}

				select {
				case resultCh <- result:
				case <-ctx.Done():
					return
				}
			}

			select {
			case done <- struct{}{}:
			case <-ctx.Done():
			}
		}()
	}

	go func() {
		defer close(resultCh)

		for i := 0; i < workers; i++ {
			select {
			case <-done:
			case <-ctx.Done():
				return
			}
		}
	}()

	return resultCh, nil
}

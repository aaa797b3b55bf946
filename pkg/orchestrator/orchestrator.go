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

// Package orchestrator is the top-level dispatcher: it validates targets
// and ports, selects a scan technique (falling back to a weaker one when
// the process lacks the privilege the configured technique needs), wires
// an engine to a scanner, drives the run, and folds results into a
// ScanReport. It owns every shared, run-scoped resource: the rate
// limiter, the adaptive timer, the per-target circuit breakers, the
// resource manager, and (for raw-socket techniques) the shared socket.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/carverauto/serviceradar/pkg/engine"
	"github.com/carverauto/serviceradar/pkg/logger"
	"github.com/carverauto/serviceradar/pkg/metrics"
	"github.com/carverauto/serviceradar/pkg/models"
	"github.com/carverauto/serviceradar/pkg/ratelimit"
	"github.com/carverauto/serviceradar/pkg/rawsock"
	"github.com/carverauto/serviceradar/pkg/recovery"
	"github.com/carverauto/serviceradar/pkg/scan"
	"github.com/carverauto/serviceradar/pkg/timing"
)

// fallbackChain implements the degradation sequence from the recovery
// table: a technique that needs CAP_NET_RAW and isn't available falls
// back to the next entry here. Udp has no TCP fallback; Connect is
// already the floor.
var fallbackChain = map[models.ScanTechnique]models.ScanTechnique{
	models.TechniqueSyn:    models.TechniqueConnect,
	models.TechniqueFin:    models.TechniqueConnect,
	models.TechniqueNull:   models.TechniqueConnect,
	models.TechniqueXmas:   models.TechniqueConnect,
	models.TechniqueAck:    models.TechniqueConnect,
	models.TechniqueWindow: models.TechniqueConnect,
}

// Orchestrator is the scan run's top-level coordinator, built once per
// invocation by NewEngine and discarded after Scan/ScanStream completes.
type Orchestrator struct {
	cfg    Config
	logger logger.Logger

	excluded *exclusionList

	limiter     *ratelimit.ShardedLimiter
	rate        float64 // configured total rate backing limiter, 0 if unlimited
	estimator   *timing.Estimator
	concurrency *timing.ConcurrencyHint
	breakers    *recovery.BreakerSet
	retry       recovery.RetryPolicy
	resources   *recovery.ResourceManager
	ports       *scan.PortAllocator

	mu      sync.Mutex
	running bool
	socket  *rawsock.Socket
	cancel  context.CancelFunc
	stats   *metrics.ScanStatsCollector
}

// Metrics returns the Prometheus collector for the most recently started
// run, or nil if Scan/ScanStream has not been called yet. Callers
// register it with their own registry to expose it on a /metrics
// endpoint.
func (o *Orchestrator) Metrics() *metrics.ScanStatsCollector {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.stats
}

// NewEngine validates cfg, resolves fallback-free invariants it can check
// up front (technique names, exclusion CIDRs), and wires the shared
// run-scoped resources. It does not touch the network; that happens in
// Scan/ScanStream.
func NewEngine(cfg Config, log logger.Logger) (*Orchestrator, error) {
	if err := cfg.ScanConfig.Validate(); err != nil {
		return nil, &scan.ConfigError{Detail: "invalid scan config", Err: err}
	}

	excluded, err := newExclusionList(cfg.ExcludeCIDRs, log)
	if err != nil {
		return nil, &scan.ConfigError{Detail: "invalid exclusion list", Err: err}
	}

	tmpl := timing.TemplateByLevel(cfg.TimingLevel)

	rate := tmpl.RateLimit
	if cfg.RateLimit > 0 {
		rate = cfg.RateLimit
	}

	var limiter *ratelimit.ShardedLimiter
	if rate > 0 {
		limiter, err = ratelimit.NewShardedLimiter(float64(rate), 16)
		if err != nil {
			return nil, &scan.ConfigError{Detail: "invalid rate limit", Err: err}
		}
	}

	retry := recovery.DefaultRetryPolicy()
	if cfg.Retries > 0 {
		retry.MaxAttempts = cfg.Retries
	}

	return &Orchestrator{
		cfg:         cfg,
		logger:      log,
		excluded:    excluded,
		limiter:     limiter,
		rate:        float64(rate),
		estimator:   timing.NewEstimatorForTemplate(tmpl),
		concurrency: timing.NewConcurrencyHintForTemplate(tmpl),
		breakers:    recovery.NewBreakerSet(recovery.DefaultCircuitBreakerConfig(), log),
		retry:       retry,
		resources:   recovery.NewResourceManager(0, 0),
		ports:       scan.NewPortAllocator(32768, 65535),
	}, nil
}

// Scan runs the configured scan to completion and returns the aggregated
// report. Multiple targets (from CIDR expansion or a multi-host target
// list) are scanned together and folded into one report; Target is left
// as the sole target when there is exactly one, otherwise it names the
// count so callers can tell a fan-out run apart from a single-host one.
func (o *Orchestrator) Scan(ctx context.Context) (*models.ScanReport, error) {
	start := time.Now()

	targets, ports, scanner, err := o.prepare(ctx)
	if err != nil {
		return nil, err
	}
	defer o.teardown(scanner)

	resultCh, err := o.runEngine(ctx, scanner, targets, ports)
	if err != nil {
		return nil, err
	}

	runID := uuid.NewString()
	stats := o.attachStats(scanner.Name(), runID)

	report := &models.ScanReport{RunID: runID, Target: reportTarget(targets)}

	for res := range resultCh {
		report.AddResult(res)
		stats.RecordResult(res)
	}

	report.Duration = time.Since(start)
	report.Cancelled = ctx.Err() != nil
	report.Stats = stats.Snapshot()

	return report, nil
}

// ScanStream runs the configured scan and streams classified results as
// they arrive, for progress consumers. The returned channel closes when
// the run completes or ctx is cancelled.
func (o *Orchestrator) ScanStream(ctx context.Context) (<-chan models.PortResult, error) {
	targets, ports, scanner, err := o.prepare(ctx)
	if err != nil {
		return nil, err
	}

	resultCh, err := o.runEngine(ctx, scanner, targets, ports)
	if err != nil {
		o.teardown(scanner)
		return nil, err
	}

	stats := o.attachStats(scanner.Name(), uuid.NewString())

	out := make(chan models.PortResult, 256)

	go func() {
		defer close(out)
		defer o.teardown(scanner)

		for res := range resultCh {
			stats.RecordResult(res)
			out <- res
		}
	}()

	return out, nil
}

// attachStats builds a fresh per-run metrics collector and stores it where
// Metrics() can hand it to a caller's Prometheus registry.
func (o *Orchestrator) attachStats(technique, runID string) *metrics.ScanStatsCollector {
	stats := metrics.NewScanStatsCollector(technique, runID)

	o.mu.Lock()
	o.stats = stats
	o.mu.Unlock()

	return stats
}

// Cancel triggers cooperative cancellation of an in-flight run. Safe to
// call from any goroutine; a no-op if no scan is running.
func (o *Orchestrator) Cancel() {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.cancel != nil {
		o.cancel()
	}
}

// prepare performs ingress validation, technique selection with
// capability-gated fallback, and scanner construction — steps 1-3 of the
// 5-step sequence. Engine instantiation happens in runEngine.
func (o *Orchestrator) prepare(ctx context.Context) (targets []models.Target, ports []uint16, scanner scan.Scanner, err error) {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return nil, nil, nil, errScanAlreadyRunning
	}
	o.running = true
	runCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.mu.Unlock()

	targets, err = resolveTargets(o.cfg.Targets, o.excluded)
	if err != nil {
		o.finishRun()
		return nil, nil, nil, err
	}

	ports, err = resolvePorts(o.cfg.Ports, o.cfg.PortRanges)
	if err != nil {
		o.finishRun()
		return nil, nil, nil, err
	}

	scanner, err = o.selectScanner(runCtx)
	if err != nil {
		o.finishRun()
		return nil, nil, nil, err
	}

	return targets, ports, scanner, nil
}

// selectScanner builds the scanner for the configured technique, walking
// the degradation chain when the primary choice needs CAP_NET_RAW and the
// process doesn't have it. A technique at the end of the chain that still
// fails is a fatal capability error, not a silent downgrade past Connect.
func (o *Orchestrator) selectScanner(ctx context.Context) (scan.Scanner, error) {
	technique := models.TechniqueConnect
	if len(o.cfg.Techniques) > 0 {
		technique = models.ScanTechnique(o.cfg.Techniques[0])
	}

	for {
		opts := scan.ScannerOptions{
			Logger:        o.logger,
			Timeout:       o.cfg.Timeout,
			Concurrency:   o.cfg.Threads,
			Estimator:     o.estimator,
			PortAllocator: o.ports,
		}

		if technique.RequiresRawSocket() {
			socket, err := o.sharedSocket()
			if err != nil {
				next, ok := fallbackChain[technique]
				if !ok {
					return nil, &scan.CapabilityError{Technique: string(technique), Err: fmt.Errorf("%w: %w", errNoFallbackAvailable, err)}
				}

				if o.logger != nil {
					o.logger.Debug().Str("from", string(technique)).Str("to", string(next)).
						Msg("falling back to a technique that needs no raw socket")
				}

				technique = next
				continue
			}

			opts.Socket = socket
		}

		scanner, err := scan.NewScanner(technique, opts)
		if err == nil {
			return scanner, nil
		}

		var capErr *scan.CapabilityError
		if !errors.As(err, &capErr) {
			return nil, err
		}

		next, ok := fallbackChain[technique]
		if !ok {
			return nil, &scan.CapabilityError{Technique: string(technique), Err: fmt.Errorf("%w: %w", errNoFallbackAvailable, err)}
		}

		technique = next
	}
}

// sharedSocket lazily opens the one raw socket the stateless TCP
// techniques share: raw sockets are a process-wide resource, so every
// raw-socket technique in a run dispatches through the same instance.
func (o *Orchestrator) sharedSocket() (*rawsock.Socket, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.socket != nil {
		return o.socket, nil
	}

	socket, err := rawsock.NewSocket(o.logger)
	if err != nil {
		return nil, &scan.CapabilityError{Technique: "raw", Err: err}
	}

	o.socket = socket

	return socket, nil
}

// runEngine picks a streaming or batch engine by workload size and starts
// it. The returned channel is gated through the circuit breaker and rate
// limiter per target before any probe reaches scanner.ScanPort. The
// engine's own worker count is fixed at the concurrency hint's value when
// the run starts; congestion observed afterward adjusts the shared rate
// limiter (see gatedScanner.recordOutcome) rather than resizing the
// engine's pool mid-run.
func (o *Orchestrator) runEngine(ctx context.Context, scanner scan.Scanner, targets []models.Target, ports []uint16) (<-chan models.PortResult, error) {
	batchSize := o.cfg.BatchThreshold
	if batchSize <= 0 {
		batchSize = 1000
	}

	eng := engine.NewForSize(len(targets)*len(ports), o.concurrency.Current(), batchSize)

	gated := &gatedScanner{
		inner:       scanner,
		limiter:     o.limiter,
		breakers:    o.breakers,
		resources:   o.resources,
		retry:       o.retry,
		estimator:   o.estimator,
		concurrency: o.concurrency,
		baseRate:    o.rate,
	}

	resultCh, err := eng.Run(ctx, gated, targets, ports)
	if err != nil {
		return nil, &scan.NetworkError{Op: "start engine", Err: err}
	}

	return resultCh, nil
}

func (o *Orchestrator) finishRun() {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.running = false
	o.cancel = nil
}

func (o *Orchestrator) teardown(scanner scan.Scanner) {
	if scanner != nil {
		_ = scanner.Stop()
	}

	o.finishRun()
}

func reportTarget(targets []models.Target) models.Target {
	if len(targets) == 1 {
		return targets[0]
	}

	return models.Target{Host: fmt.Sprintf("%d targets", len(targets))}
}

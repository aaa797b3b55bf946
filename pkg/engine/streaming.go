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

package engine

import (
	"context"
	"sync"

	"github.com/carverauto/serviceradar/pkg/models"
	"github.com/carverauto/serviceradar/pkg/scan"
)

// StreamingEngine keeps a bounded number of probes in flight at once and
// refills from the backlog as each one completes, rather than waiting for a
// whole batch to finish (TCPSweeper.Scan's worker-pool shape, generalized to
// one slot per in-flight probe instead of one goroutine per target).
// NewForSize picks it above BatchThreshold: it generates (target, port)
// probes as workers free up instead of building the full probe list, so
// its queue holds at most concurrency probes however large the scan is.
type StreamingEngine struct {
	concurrency int
}

var _ Engine = (*StreamingEngine)(nil)

// NewStreamingEngine builds a StreamingEngine with concurrency in-flight
// probe slots (defaulting to 500).
func NewStreamingEngine(concurrency int) *StreamingEngine {
	if concurrency <= 0 {
		concurrency = 500
	}

	return &StreamingEngine{concurrency: concurrency}
}

func (e *StreamingEngine) Run(ctx context.Context, scanner scan.Scanner, targets []models.Target, ports []uint16) (<-chan models.PortResult, error) {
	total := len(targets) * len(ports)

	resultCh := make(chan models.PortResult, e.concurrency)

	if total == 0 {
		close(resultCh)

		return resultCh, nil
	}

	workCh := make(chan probe, e.concurrency)

	var wg sync.WaitGroup

	workers := e.concurrency
	if workers > total {
		workers = total
	}

	for i := 0; i < workers; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for p := range workCh {
				result, err := scanner.ScanPort(ctx, p.target, p.port)
				if err != nil {
					result = models.PortResult{Port: p.port, State: models.StateUnknown}
				}

				select {
				case resultCh <- result:
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	go func() {
		defer close(workCh)

		for _, t := range targets {
			for _, port := range ports {
				select {
				case workCh <- probe{target: t, port: port}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	go func() {
		wg.Wait()
		close(resultCh)
	}()

	return resultCh, nil
}

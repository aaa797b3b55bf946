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

const (
	defaultBatchSize        = 1000
	defaultTargetConcurrency = 4
)

// BatchEngine scans a target's ports in fixed-size chunks, waiting for each
// chunk to fully drain (and its correlation-table entries to clear) before
// issuing the next. This trades throughput for a bounded footprint.
// NewForSize picks it for scans of at most BatchThreshold probes; chunking
// bounds the correlation-table entries (one per in-flight stateless
// raw-socket probe) by the chunk size.
type BatchEngine struct {
	batchSize         int
	targetConcurrency int
}

var _ Engine = (*BatchEngine)(nil)

// NewBatchEngine builds a BatchEngine chunking each target's ports into
// groups of batchSize, processing up to targetConcurrency targets at once.
func NewBatchEngine(batchSize, targetConcurrency int) *BatchEngine {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	if targetConcurrency <= 0 {
		targetConcurrency = defaultTargetConcurrency
	}

	return &BatchEngine{batchSize: batchSize, targetConcurrency: targetConcurrency}
}

func (e *BatchEngine) Run(ctx context.Context, scanner scan.Scanner, targets []models.Target, ports []uint16) (<-chan models.PortResult, error) {
	resultCh := make(chan models.PortResult, e.batchSize)

	if len(targets) == 0 || len(ports) == 0 {
		close(resultCh)

		return resultCh, nil
	}

	targetCh := make(chan models.Target, len(targets))
	for _, t := range targets {
		targetCh <- t
	}
	close(targetCh)

	var wg sync.WaitGroup

	workers := e.targetConcurrency
	if workers > len(targets) {
		workers = len(targets)
	}

	for i := 0; i < workers; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for target := range targetCh {
				e.scanTargetInChunks(ctx, scanner, target, ports, resultCh)

				if ctx.Err() != nil {
					return
				}
			}
		}()
	}

	go func() {
		wg.Wait()
		close(resultCh)
	}()

	return resultCh, nil
}

// scanTargetInChunks is the chunk-and-wait loop: it calls ScanPorts on one
// batchSize-sized slice of ports at a time and fully drains that batch's
// channel before starting the next, so at most batchSize probes for this
// target are ever outstanding.
func (e *BatchEngine) scanTargetInChunks(ctx context.Context, scanner scan.Scanner, target models.Target, ports []uint16, resultCh chan<- models.PortResult) {
	for start := 0; start < len(ports); start += e.batchSize {
		if ctx.Err() != nil {
			return
		}

		end := start + e.batchSize
		if end > len(ports) {
			end = len(ports)
		}

		chunkCh, err := scanner.ScanPorts(ctx, target, ports[start:end])
		if err != nil {
			for _, port := range ports[start:end] {
				resultCh <- models.PortResult{Port: port, State: models.StateUnknown}
			}

			continue
		}

		for result := range chunkCh {
			select {
			case resultCh <- result:
			case <-ctx.Done():
				return
			}
		}
	}
}

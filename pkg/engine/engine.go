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

// Package engine drives a scan.Scanner across a target/port matrix,
// generalizing TCPSweeper.Scan's worker-pool-plus-channel shape from "one
// worker per target" to "one slot per in-flight probe", independent of how
// many targets are involved.
package engine

import (
	"context"

	"github.com/carverauto/serviceradar/pkg/models"
	"github.com/carverauto/serviceradar/pkg/scan"
)

// Engine runs scanner across every (target, port) pair and streams results
// as they're classified.
type Engine interface {
	Run(ctx context.Context, scanner scan.Scanner, targets []models.Target, ports []uint16) (<-chan models.PortResult, error)
}

// probe pairs a target with the port being scanned, the unit of work
// StreamingEngine schedules.
type probe struct {
	target models.Target
	port   uint16
}

func buildProbes(targets []models.Target, ports []uint16) []probe {
	probes := make([]probe, 0, len(targets)*len(ports))

	for _, t := range targets {
		for _, p := range ports {
			probes = append(probes, probe{target: t, port: p})
		}
	}

	return probes
}

// BatchThreshold is the total probe count (targets * ports) above which
// NewForSize selects StreamingEngine instead of BatchEngine.
const BatchThreshold = 10_000

// NewForSize picks BatchEngine for small scans, where building the whole
// probe matrix up front costs nothing, and StreamingEngine for large ones,
// where generating and scheduling probes as the run progresses keeps memory
// bounded instead of materializing every probe at once.
func NewForSize(totalProbes, concurrency, batchSize int) Engine {
	if totalProbes > BatchThreshold {
		return NewStreamingEngine(concurrency)
	}

	return NewBatchEngine(batchSize, concurrency)
}

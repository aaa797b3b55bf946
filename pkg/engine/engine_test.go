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
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/carverauto/serviceradar/pkg/models"
)

// fakeScanner is a minimal in-memory scan.Scanner: every port below
// openBelow classifies Open, everything else Closed.
type fakeScanner struct {
	openBelow uint16

	mu    sync.Mutex
	calls int
}

func (f *fakeScanner) Name() string                     { return "fake" }
func (f *fakeScanner) Capabilities() models.Capabilities { return models.Capabilities{} }
func (f *fakeScanner) Stop() error                      { return nil }

func (f *fakeScanner) ScanPort(_ context.Context, _ models.Target, port uint16) (models.PortResult, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()

	state := models.StateClosed
	if port < f.openBelow {
		state = models.StateOpen
	}

	return models.PortResult{Port: port, State: state}, nil
}

func (f *fakeScanner) ScanPorts(ctx context.Context, t models.Target, ports []uint16) (<-chan models.PortResult, error) {
	ch := make(chan models.PortResult, len(ports))

	go func() {
		defer close(ch)

		for _, port := range ports {
			result, _ := f.ScanPort(ctx, t, port)
			ch <- result
		}
	}()

	return ch, nil
}

func TestStreamingEngineRunCoversAllProbes(t *testing.T) {
	scanner := &fakeScanner{openBelow: 10}
	eng := NewStreamingEngine(4)

	targets := []models.Target{{Host: "a"}, {Host: "b"}}
	ports := []uint16{1, 5, 10, 20}

	ch, err := eng.Run(context.Background(), scanner, targets, ports)
	require.NoError(t, err)

	var results []models.PortResult
	for r := range ch {
		results = append(results, r)
	}

	require.Len(t, results, len(targets)*len(ports))

	var open int32

	for _, r := range results {
		if r.State == models.StateOpen {
			atomic.AddInt32(&open, 1)
		}
	}

	require.Equal(t, int32(4), open) // ports 1 and 5 for each of 2 targets
}

func TestStreamingEngineEmptyInputsClosesImmediately(t *testing.T) {
	eng := NewStreamingEngine(4)

	ch, err := eng.Run(context.Background(), &fakeScanner{}, nil, []uint16{80})
	require.NoError(t, err)

	_, ok := <-ch
	require.False(t, ok)
}

func TestBatchEngineRunChunksPerTarget(t *testing.T) {
	scanner := &fakeScanner{openBelow: 3}
	eng := NewBatchEngine(2, 2)

	targets := []models.Target{{Host: "a"}}
	ports := []uint16{1, 2, 3, 4, 5}

	ch, err := eng.Run(context.Background(), scanner, targets, ports)
	require.NoError(t, err)

	var results []models.PortResult
	for r := range ch {
		results = append(results, r)
	}

	require.Len(t, results, len(ports))
}

func TestBatchEngineMultipleTargetsConcurrently(t *testing.T) {
	scanner := &fakeScanner{openBelow: 1}
	eng := NewBatchEngine(10, 3)

	targets := []models.Target{{Host: "a"}, {Host: "b"}, {Host: "c"}}
	ports := []uint16{1, 2, 3}

	ch, err := eng.Run(context.Background(), scanner, targets, ports)
	require.NoError(t, err)

	count := 0
	for range ch {
		count++
	}

	require.Equal(t, len(targets)*len(ports), count)
}

func TestNewForSizeSelectsStreamingAboveThreshold(t *testing.T) {
	small := NewForSize(100, 10, 50)
	require.IsType(t, &BatchEngine{}, small)

	large := NewForSize(BatchThreshold+1, 10, 50)
	require.IsType(t, &StreamingEngine{}, large)
}

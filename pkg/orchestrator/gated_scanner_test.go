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
	"testing"
	"time"

	"github.com/carverauto/serviceradar/pkg/models"
	"github.com/carverauto/serviceradar/pkg/recovery"
	"github.com/stretchr/testify/require"
)

// failingScanner errors on every ScanPort call, used to drive a
// gatedScanner's circuit breaker open.
type failingScanner struct {
	calls int
}

func (f *failingScanner) Name() string                     { return "fake" }
func (f *failingScanner) Capabilities() models.Capabilities { return models.Capabilities{} }
func (f *failingScanner) Stop() error                       { return nil }

func (f *failingScanner) ScanPort(context.Context, models.Target, uint16) (models.PortResult, error) {
	f.calls++
	return models.PortResult{}, errors.New("simulated send failure")
}

func (f *failingScanner) ScanPorts(ctx context.Context, t models.Target, ports []uint16) (<-chan models.PortResult, error) {
	ch := make(chan models.PortResult)
	close(ch)

	return ch, nil
}

func TestGatedScannerOpensBreakerAndShortCircuits(t *testing.T) {
	inner := &failingScanner{}

	cfg := recovery.CircuitBreakerConfig{FailureThreshold: 2, SuccessThreshold: 1, Timeout: time.Hour, ResetTimeout: time.Hour}

	gs := &gatedScanner{
		inner:     inner,
		breakers:  recovery.NewBreakerSet(cfg, nil),
		resources: recovery.NewResourceManager(0, 0),
		retry:     recovery.RetryPolicy{MaxAttempts: 1},
	}

	target := models.Target{IP: []byte{10, 0, 0, 1}}

	for i := 0; i < 2; i++ {
		_, err := gs.ScanPort(context.Background(), target, 80)
		require.Error(t, err)
	}

	require.Equal(t, 2, inner.calls)

	result, err := gs.ScanPort(context.Background(), target, 81)
	require.NoError(t, err)
	require.Equal(t, models.StateFiltered, result.State)
	require.Equal(t, 2, inner.calls, "short-circuited probe must not reach the wrapped scanner")
}

func TestGatedScannerScanPortsCoversAllPorts(t *testing.T) {
	inner := &stubOKScanner{}

	gs := &gatedScanner{
		inner:     inner,
		breakers:  recovery.NewBreakerSet(recovery.DefaultCircuitBreakerConfig(), nil),
		resources: recovery.NewResourceManager(0, 0),
		retry:     recovery.RetryPolicy{MaxAttempts: 1},
	}

	resultCh, err := gs.ScanPorts(context.Background(), models.Target{IP: []byte{127, 0, 0, 1}}, []uint16{1, 2, 3, 4, 5})
	require.NoError(t, err)

	count := 0
	for range resultCh {
		count++
	}

	require.Equal(t, 5, count)
}

type stubOKScanner struct{}

func (s *stubOKScanner) Name() string                     { return "fake" }
func (s *stubOKScanner) Capabilities() models.Capabilities { return models.Capabilities{} }
func (s *stubOKScanner) Stop() error                       { return nil }

func (s *stubOKScanner) ScanPort(_ context.Context, _ models.Target, port uint16) (models.PortResult, error) {
	return models.PortResult{Port: port, State: models.StateClosed}, nil
}

func (s *stubOKScanner) ScanPorts(ctx context.Context, t models.Target, ports []uint16) (<-chan models.PortResult, error) {
	ch := make(chan models.PortResult)
	close(ch)

	return ch, nil
}

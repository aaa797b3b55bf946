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
	"net"
	"testing"
	"time"

	"github.com/carverauto/serviceradar/pkg/models"
	"github.com/stretchr/testify/require"
)

// listenOnOnePort opens a loopback TCP listener on an ephemeral port that
// accepts and immediately closes every connection, returning the port and
// a stop func.
func listenOnOnePort(t *testing.T) (uint16, func()) {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}

			conn.Close()
		}
	}()

	port := uint16(l.Addr().(*net.TCPAddr).Port)

	return port, func() { l.Close() }
}

func baseConfig(target string, ports []int) Config {
	return Config{ScanConfig: models.ScanConfig{
		Targets:     []string{target},
		Ports:       ports,
		Techniques:  []string{"connect"},
		Threads:     8,
		Timeout:     500 * time.Millisecond,
		Retries:     1,
		TimingLevel: 4, // aggressive: unlimited rate, avoids the paranoid template's 1pps default
	}}
}

func TestOrchestratorScanLoopbackFourPorts(t *testing.T) {
	openPort, stop := listenOnOnePort(t)
	defer stop()

	ports := []int{int(openPort), 1, 2, 3}

	o, err := NewEngine(baseConfig("127.0.0.1", ports), nil)
	require.NoError(t, err)

	report, err := o.Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, report.PortResults, 4)
	require.Contains(t, report.Open, openPort)
	require.False(t, report.Cancelled)
}

func TestOrchestratorInvalidHostnameIsFatal(t *testing.T) {
	cfg := baseConfig("this-host-does-not-resolve.invalid.example", []int{80})

	o, err := NewEngine(cfg, nil)
	require.NoError(t, err)

	_, err = o.Scan(context.Background())
	require.Error(t, err)
}

func TestOrchestratorScanStreamDeliversAllResults(t *testing.T) {
	cfg := baseConfig("127.0.0.1", []int{10, 11, 12})

	o, err := NewEngine(cfg, nil)
	require.NoError(t, err)

	resultCh, err := o.ScanStream(context.Background())
	require.NoError(t, err)

	count := 0
	for range resultCh {
		count++
	}

	require.Equal(t, 3, count)
}

func TestOrchestratorRejectsConcurrentScans(t *testing.T) {
	openPort, stop := listenOnOnePort(t)
	defer stop()

	cfg := baseConfig("127.0.0.1", []int{int(openPort)})

	o, err := NewEngine(cfg, nil)
	require.NoError(t, err)

	o.mu.Lock()
	o.running = true
	o.mu.Unlock()

	_, err = o.Scan(context.Background())
	require.ErrorIs(t, err, errScanAlreadyRunning)
}

func TestOrchestratorCancelStopsStream(t *testing.T) {
	cfg := baseConfig("127.0.0.1", []int{20, 21, 22, 23, 24})

	o, err := NewEngine(cfg, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())

	resultCh, err := o.ScanStream(ctx)
	require.NoError(t, err)

	cancel()

	for range resultCh {
		// drain; the point is this returns instead of hanging
	}
}

func TestOrchestratorNoPortsResolvedIsFatal(t *testing.T) {
	cfg := baseConfig("127.0.0.1", nil)

	_, err := NewEngine(cfg, nil)
	require.Error(t, err)
}

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

package scan

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/carverauto/serviceradar/pkg/logger"
	"github.com/carverauto/serviceradar/pkg/models"
	"github.com/carverauto/serviceradar/pkg/timing"
)

// ConnectScanner performs a full TCP three-way handshake per port via the
// kernel's own connect(2). It needs no raw socket and works for any
// unprivileged user.
type ConnectScanner struct {
	timeout     time.Duration
	concurrency int
	logger      logger.Logger
	estimator   *timing.Estimator
}

var _ Scanner = (*ConnectScanner)(nil)

// NewConnectScanner builds a ConnectScanner from shared options.
func NewConnectScanner(opts ScannerOptions) *ConnectScanner {
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}

	concurrency := opts.Concurrency
	if concurrency == 0 {
		concurrency = 500
	}

	return &ConnectScanner{timeout: timeout, concurrency: concurrency, logger: opts.Logger, estimator: opts.Estimator}
}

// probeTimeout returns the estimator's current adaptive timeout (seeded
// from its initial RTT before any sample arrives), and the static
// configured timeout only when no estimator is set.
func (s *ConnectScanner) probeTimeout() time.Duration {
	if s.estimator != nil {
		if t := s.estimator.Timeout(); t > 0 {
			return t
		}
	}

	return s.timeout
}

func (s *ConnectScanner) Name() string { return string(models.TechniqueConnect) }

func (s *ConnectScanner) Capabilities() models.Capabilities {
	return models.Capabilities{
		Technique:        models.TechniqueConnect,
		SupportsBatch:    true,
		PlatformSupports: true,
		MaxConcurrency:   s.concurrency,
	}
}

// ScanPort dials a single port and classifies it from the dial outcome.
func (s *ConnectScanner) ScanPort(ctx context.Context, t models.Target, port uint16) (models.PortResult, error) {
	probeCtx, cancel := context.WithTimeout(ctx, s.probeTimeout())
	defer cancel()

	start := time.Now()

	var dialer net.Dialer

	conn, err := dialer.DialContext(probeCtx, "tcp", fmt.Sprintf("%s:%d", t.String(), port))

	elapsed := time.Since(start)

	if s.estimator != nil {
		s.estimator.Observe(elapsed)
	}

	if err != nil {
		if probeCtx.Err() != nil {
			return models.PortResult{Port: port, State: models.StateFiltered, Technique: models.TechniqueConnect, ResponseTime: elapsed}, nil
		}

		return models.PortResult{Port: port, State: models.StateClosed, Technique: models.TechniqueConnect, ResponseTime: elapsed}, nil
	}

	defer func() {
		if cerr := conn.Close(); cerr != nil && s.logger != nil {
			s.logger.Debug().Err(cerr).Msg("connect scanner: error closing probe socket")
		}
	}()

	return models.PortResult{
		Port:         port,
		State:        models.StateOpen,
		Technique:    models.TechniqueConnect,
		ResponseTime: elapsed,
		Service:      ServiceName(port),
	}, nil
}

// ScanPorts fans ScanPort out across a bounded worker pool, streaming
// results as they complete.
func (s *ConnectScanner) ScanPorts(ctx context.Context, t models.Target, ports []uint16) (<-chan models.PortResult, error) {
	resultCh := make(chan models.PortResult, len(ports))

	if len(ports) == 0 {
		close(resultCh)

		return resultCh, nil
	}

	workCh := make(chan uint16, s.concurrency)

	done := make(chan struct{})

	for i := 0; i < s.concurrency && i < len(ports); i++ {
		go func() {
			for port := range workCh {
				result, err := s.ScanPort(ctx, t, port)
				if err != nil {
					result = models.PortResult{Port: port, State: models.StateUnknown, Technique: models.TechniqueConnect}
				}

				select {
				case resultCh <- result:
				case <-ctx.Done():
					return
				}
			}

			done <- struct{}{}
		}()
	}

	go func() {
		defer close(workCh)

		for _, p := range ports {
			select {
			case workCh <- p:
			case <-ctx.Done():
				return
			}
		}
	}()

	workers := s.concurrency
	if workers > len(ports) {
		workers = len(ports)
	}

	go func() {
		for i := 0; i < workers; i++ {
			<-done
		}

		close(resultCh)
	}()

	return resultCh, nil
}

// Stop is a no-op for ConnectScanner: every dial carries its own timeout
// context and there is no shared socket to release.
func (s *ConnectScanner) Stop() error { return nil }

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

// Package recovery holds the scan run's fault-tolerance primitives: a
// per-target CircuitBreaker, a RetryPolicy for transient probe failures,
// and a ResourceManager that gates new probes on an in-flight
// probe cap and available host memory.
package recovery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/carverauto/serviceradar/pkg/logger"
)

// CircuitBreakerState is the current state of a CircuitBreaker.
type CircuitBreakerState int

const (
	StateClosed CircuitBreakerState = iota
	StateOpen
	StateHalfOpen
)

func (s CircuitBreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig configures a CircuitBreaker.
type CircuitBreakerConfig struct {
	FailureThreshold int
	SuccessThreshold int
	Timeout          time.Duration
	ResetTimeout     time.Duration
}

// DefaultCircuitBreakerConfig returns sensible defaults for a per-target
// probe breaker: a handful of consecutive probe failures to a target (a
// host that's gone dark, or a firewall dropping everything) trips it well
// before a scan burns its whole timeout budget retrying a dead host.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          10 * time.Second,
		ResetTimeout:     30 * time.Second,
	}
}

// CircuitBreaker is scoped to one scan target: repeated probe failures
// (timeouts, send errors) against that target open the circuit so the
// orchestrator stops wasting probes on it. The Closed/Open/HalfOpen
// mechanics are the standard circuit-breaker pattern, wrapping a single
// probe dispatch instead of an HTTP client call.
type CircuitBreaker struct {
	config        CircuitBreakerConfig
	state         CircuitBreakerState
	failureCount  int
	successCount  int
	lastFailTime  time.Time
	lastResetTime time.Time
	mu            sync.RWMutex
	logger        logger.Logger
	target        string
}

// NewCircuitBreaker builds a CircuitBreaker for the named target.
func NewCircuitBreaker(target string, config CircuitBreakerConfig, log logger.Logger) *CircuitBreaker {
	return &CircuitBreaker{
		config:        config,
		state:         StateClosed,
		lastResetTime: time.Now(),
		logger:        log,
		target:        target,
	}
}

// Execute runs fn (a single probe dispatch) through the breaker, rejecting
// it outright while the circuit is open.
func (cb *CircuitBreaker) Execute(_ context.Context, fn func() error) error {
	if !cb.allowRequest() {
		return fmt.Errorf("circuit breaker for %s is open", cb.target)
	}

	err := fn()
	cb.recordResult(err)

	return err
}

func (cb *CircuitBreaker) allowRequest() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()

	switch cb.state {
	case StateClosed:
		if now.Sub(cb.lastResetTime) >= cb.config.ResetTimeout {
			cb.failureCount = 0
			cb.lastResetTime = now
		}

		return true

	case StateHalfOpen:
		return true

	case StateOpen:
		if now.Sub(cb.lastFailTime) < cb.config.Timeout {
			return false
		}

		cb.state = StateHalfOpen
		cb.successCount = 0

		if cb.logger != nil {
			cb.logger.Info().Str("target", cb.target).Msg("circuit breaker transitioning to half-open")
		}

		return true

	default:
		return false
	}
}

func (cb *CircuitBreaker) recordResult(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil {
		cb.onFailure()
	} else {
		cb.onSuccess()
	}
}

func (cb *CircuitBreaker) onFailure() {
	cb.failureCount++
	cb.lastFailTime = time.Now()

	switch cb.state {
	case StateClosed:
		if cb.failureCount >= cb.config.FailureThreshold {
			cb.state = StateOpen

			if cb.logger != nil {
				cb.logger.Warn().Str("target", cb.target).Int("failures", cb.failureCount).
					Msg("circuit breaker opened")
			}
		}

	case StateHalfOpen:
		cb.state = StateOpen

		if cb.logger != nil {
			cb.logger.Warn().Str("target", cb.target).Msg("circuit breaker reopened after failed trial")
		}

	case StateOpen:
	}
}

func (cb *CircuitBreaker) onSuccess() {
	switch cb.state {
	case StateHalfOpen:
		cb.successCount++

		if cb.successCount >= cb.config.SuccessThreshold {
			cb.state = StateClosed
			cb.failureCount = 0
			cb.lastResetTime = time.Now()

			if cb.logger != nil {
				cb.logger.Info().Str("target", cb.target).Msg("circuit breaker closed after recovery")
			}
		}

	case StateClosed:
		cb.failureCount = 0
		cb.lastResetTime = time.Now()

	case StateOpen:
	}
}

// State returns the breaker's current state. An open breaker whose Timeout
// has elapsed reports half-open, since its next Execute is admitted as the
// trial call.
func (cb *CircuitBreaker) State() CircuitBreakerState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	if cb.state == StateOpen && time.Since(cb.lastFailTime) >= cb.config.Timeout {
		return StateHalfOpen
	}

	return cb.state
}

// BreakerSet manages one CircuitBreaker per target, created on first use.
type BreakerSet struct {
	config CircuitBreakerConfig
	logger logger.Logger

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

// NewBreakerSet builds an empty set sharing config across every target's
// breaker.
func NewBreakerSet(config CircuitBreakerConfig, log logger.Logger) *BreakerSet {
	return &BreakerSet{config: config, logger: log, breakers: make(map[string]*CircuitBreaker)}
}

// For returns the breaker for target, creating it on first access.
func (s *BreakerSet) For(target string) *CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()

	cb, ok := s.breakers[target]
	if !ok {
		cb = NewCircuitBreaker(target, s.config, s.logger)
		s.breakers[target] = cb
	}

	return cb
}

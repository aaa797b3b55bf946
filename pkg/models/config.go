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

package models

import (
	"errors"
	"time"
)

var (
	ErrNoTargets        = errors.New("scan config: at least one target or CIDR is required")
	ErrNoPorts          = errors.New("scan config: at least one port is required")
	ErrInvalidTechnique = errors.New("scan config: unknown scan technique")
	ErrInvalidThreads   = errors.New("scan config: threads must not be negative")
)

// ScanConfig is the top-level configuration for a scanner invocation,
// loaded via pkg/config from a JSON file or the environment.
type ScanConfig struct {
	Targets        []string      `json:"targets"`
	Ports          []int         `json:"ports"`
	PortRanges     []string      `json:"port_ranges,omitempty"`
	Techniques     []string      `json:"techniques"`
	Threads        int           `json:"threads"`
	RateLimit      int           `json:"rate_limit,omitempty"` // packets per second, 0 = unlimited
	Timeout        time.Duration `json:"timeout"`
	Retries        int           `json:"retries"`
	TimingLevel    int           `json:"timing_template,omitempty"` // 0-5, see pkg/timing
	Interface      string        `json:"interface,omitempty"`
	SourcePort     int           `json:"source_port,omitempty"` // 0 = randomize
	BatchThreshold int           `json:"batch_threshold,omitempty"`
	Output         string        `json:"output,omitempty"` // "text"|"json"
}

// Validate implements config.Validator.
func (c *ScanConfig) Validate() error {
	if len(c.Targets) == 0 {
		return ErrNoTargets
	}

	if len(c.Ports) == 0 && len(c.PortRanges) == 0 {
		return ErrNoPorts
	}

	if c.Threads < 0 {
		return ErrInvalidThreads
	}

	for _, t := range c.Techniques {
		switch ScanTechnique(t) {
		case TechniqueConnect, TechniqueSyn, TechniqueUdp, TechniqueFin,
			TechniqueNull, TechniqueXmas, TechniqueAck, TechniqueWindow:
		default:
			return ErrInvalidTechnique
		}
	}

	return nil
}

// DefaultScanConfig returns baseline values mirroring nmap's T3 ("normal")
// timing template: see pkg/timing/template.go.
func DefaultScanConfig() *ScanConfig {
	return &ScanConfig{
		Techniques:     []string{string(TechniqueConnect)},
		Threads:        100,
		Timeout:        3 * time.Second,
		Retries:        1,
		TimingLevel:    3,
		BatchThreshold: 10000,
		Output:         "text",
	}
}

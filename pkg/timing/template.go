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

package timing

import (
	"fmt"
	"time"
)

// Template bundles the tunables a named timing level (0=Paranoid through
// 5=Insane) sets for an Estimator and ConcurrencyHint pair, modeled on
// nmap's -T0..-T5 presets.
type Template struct {
	Name           string
	InitialRTT     time.Duration
	MinConcurrency int
	MaxConcurrency int
	InitialWindow  int
	RateLimit      int // packets/sec, 0 = unlimited
}

// Templates indexed 0 (slowest, most evasive) through 5 (fastest).
var Templates = [6]Template{
	0: {Name: "paranoid", InitialRTT: 5 * time.Second, MinConcurrency: 1, MaxConcurrency: 1, InitialWindow: 1, RateLimit: 1},
	1: {Name: "sneaky", InitialRTT: 2 * time.Second, MinConcurrency: 1, MaxConcurrency: 5, InitialWindow: 1, RateLimit: 5},
	2: {Name: "polite", InitialRTT: time.Second, MinConcurrency: 1, MaxConcurrency: 20, InitialWindow: 4, RateLimit: 50},
	3: {Name: "normal", InitialRTT: 500 * time.Millisecond, MinConcurrency: 4, MaxConcurrency: 200, InitialWindow: 32, RateLimit: 0},
	4: {Name: "aggressive", InitialRTT: 250 * time.Millisecond, MinConcurrency: 16, MaxConcurrency: 1000, InitialWindow: 128, RateLimit: 0},
	5: {Name: "insane", InitialRTT: 100 * time.Millisecond, MinConcurrency: 32, MaxConcurrency: 4000, InitialWindow: 512, RateLimit: 0},
}

// TemplateByLevel returns the preset for level, clamping to [0, 5].
func TemplateByLevel(level int) Template {
	if level < 0 {
		level = 0
	}

	if level > 5 {
		level = 5
	}

	return Templates[level]
}

// NewEstimatorForTemplate builds an Estimator seeded from a timing template.
func NewEstimatorForTemplate(tmpl Template) *Estimator {
	cfg := DefaultEstimatorConfig()
	cfg.Ceiling = tmpl.InitialRTT * 10

	return NewEstimator(cfg, tmpl.InitialRTT)
}

// successWindowSize is the sliding-window length ConcurrencyHint samples
// before it trusts the success ratio enough to act on it; below this floor
// a handful of unlucky probes could swing the ratio past a threshold.
const successWindowSize = 100

// NewConcurrencyHintForTemplate builds a ConcurrencyHint seeded from a
// timing template.
func NewConcurrencyHintForTemplate(tmpl Template) *ConcurrencyHint {
	return NewConcurrencyHint(successWindowSize, tmpl.InitialWindow, tmpl.MinConcurrency, tmpl.MaxConcurrency)
}

func (t Template) String() string {
	return fmt.Sprintf("T%s", t.Name)
}

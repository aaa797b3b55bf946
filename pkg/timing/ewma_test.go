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
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEstimatorTimeoutClampedToFloorAndCeiling(t *testing.T) {
	cfg := EstimatorConfig{Alpha: 0.125, Beta: 0.25, K: 4, Floor: 50 * time.Millisecond, Ceiling: time.Second}
	e := NewEstimator(cfg, 10*time.Millisecond)

	require.Equal(t, 50*time.Millisecond, e.Timeout())

	for i := 0; i < 20; i++ {
		e.Observe(5 * time.Second)
	}

	require.Equal(t, time.Second, e.Timeout())
}

func TestEstimatorConvergesTowardStableSample(t *testing.T) {
	e := NewEstimator(DefaultEstimatorConfig(), 500*time.Millisecond)

	for i := 0; i < 200; i++ {
		e.Observe(100 * time.Millisecond)
	}

	require.InDelta(t, 100*time.Millisecond, e.RTT(), float64(10*time.Millisecond))
}

func TestConcurrencyHintHalvesOnSustainedLoss(t *testing.T) {
	h := NewConcurrencyHint(10, 100, 1, 1000)

	var got int

	for i := 0; i < 10; i++ {
		got = h.Record(false)
	}

	require.Equal(t, 50, got)
}

func TestConcurrencyHintGrowsOnSustainedSuccess(t *testing.T) {
	h := NewConcurrencyHint(10, 10, 1, 1000)

	var got int

	for i := 0; i < 10; i++ {
		got = h.Record(true)
	}

	require.Equal(t, 11, got)
}

func TestConcurrencyHintRespectsMinMax(t *testing.T) {
	h := NewConcurrencyHint(5, 2, 2, 4)

	for i := 0; i < 5; i++ {
		h.Record(false)
	}

	require.Equal(t, 2, h.Current())
}

func TestTemplateByLevelClamps(t *testing.T) {
	require.Equal(t, "paranoid", TemplateByLevel(-1).Name)
	require.Equal(t, "insane", TemplateByLevel(99).Name)
	require.Equal(t, "normal", TemplateByLevel(3).Name)
}

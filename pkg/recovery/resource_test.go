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

package recovery

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResourceManagerAdmitsUpToCap(t *testing.T) {
	rm := NewResourceManager(2, 0)

	release1, ok := rm.Acquire(context.Background())
	require.True(t, ok)

	release2, ok := rm.Acquire(context.Background())
	require.True(t, ok)

	_, ok = rm.Acquire(context.Background())
	require.False(t, ok)

	release1()
	release2()

	_, ok = rm.Acquire(context.Background())
	require.True(t, ok)
}

func TestResourceManagerInFlightTracksReleases(t *testing.T) {
	rm := NewResourceManager(5, 0)

	require.EqualValues(t, 0, rm.InFlight())

	release, ok := rm.Acquire(context.Background())
	require.True(t, ok)
	require.EqualValues(t, 1, rm.InFlight())

	release()
	require.EqualValues(t, 0, rm.InFlight())
}

func TestResourceManagerZeroMemoryFloorAlwaysAdmits(t *testing.T) {
	rm := NewResourceManager(1, 0)

	_, ok := rm.Acquire(context.Background())
	require.True(t, ok)
}

func TestResourceManagerLowMemoryFloorAdmits(t *testing.T) {
	rm := NewResourceManager(1, 1)

	_, ok := rm.Acquire(context.Background())
	require.True(t, ok)
}

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

package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewBucketRejectsNonPositiveRate(t *testing.T) {
	_, err := NewBucket(0, 10)
	require.ErrorIs(t, err, ErrRateZero)
}

func TestBucketTryAcquireDrainsCapacity(t *testing.T) {
	b, err := NewBucket(1000, 5)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.True(t, b.TryAcquire(1))
	}

	require.False(t, b.TryAcquire(1))
}

func TestBucketRefillsOverTime(t *testing.T) {
	b, err := NewBucket(1000, 2)
	require.NoError(t, err)

	require.True(t, b.TryAcquire(2))
	require.False(t, b.TryAcquire(1))

	time.Sleep(5 * time.Millisecond)
	require.True(t, b.TryAcquire(1))
}

func TestBucketAcquireBlocksThenSucceeds(t *testing.T) {
	b, err := NewBucket(500, 1)
	require.NoError(t, err)

	require.True(t, b.TryAcquire(1))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	start := time.Now()
	require.NoError(t, b.Acquire(ctx, 1))
	require.Greater(t, time.Since(start), time.Duration(0))
}

func TestBucketAcquireRespectsContextCancellation(t *testing.T) {
	b, err := NewBucket(1, 1)
	require.NoError(t, err)

	require.True(t, b.TryAcquire(1))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err = b.Acquire(ctx, 1)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestShardedLimiterDistributesRate(t *testing.T) {
	s, err := NewShardedLimiter(1000, 4)
	require.NoError(t, err)
	require.Len(t, s.shards, 4)

	ctx := context.Background()
	for i := 0; i < 8; i++ {
		require.NoError(t, s.Acquire(ctx, 0.1))
	}
}

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
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRetryPolicySucceedsWithoutRetry(t *testing.T) {
	policy := DefaultRetryPolicy()

	calls := 0

	err := policy.Do(context.Background(), func(_ int) error {
		calls++

		return nil
	})

	require.NoError(t, err)
	require.Equal(t, 1, calls)
}

func TestRetryPolicyRetriesUntilSuccess(t *testing.T) {
	policy := RetryPolicy{
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		BackoffFactor:  2,
		JitterFactor:   0,
		MaxAttempts:    5,
	}

	calls := 0

	err := policy.Do(context.Background(), func(attempt int) error {
		calls++
		if attempt < 3 {
			return errors.New("transient")
		}

		return nil
	})

	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestRetryPolicyExhaustsAttempts(t *testing.T) {
	policy := RetryPolicy{
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		BackoffFactor:  2,
		JitterFactor:   0,
		MaxAttempts:    3,
	}

	wantErr := errors.New("still failing")

	calls := 0

	err := policy.Do(context.Background(), func(_ int) error {
		calls++

		return wantErr
	})

	require.ErrorIs(t, err, wantErr)
	require.Equal(t, 3, calls)
}

func TestRetryPolicyRespectsContextCancellation(t *testing.T) {
	policy := RetryPolicy{
		InitialBackoff: 50 * time.Millisecond,
		MaxBackoff:     time.Second,
		BackoffFactor:  2,
		JitterFactor:   0,
		MaxAttempts:    5,
	}

	ctx, cancel := context.WithCancel(context.Background())

	calls := 0

	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()

	err := policy.Do(ctx, func(_ int) error {
		calls++

		return errors.New("keep failing")
	})

	require.ErrorIs(t, err, context.Canceled)
	require.Less(t, calls, 5)
}

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
	"math"
	"math/rand"
	"time"
)

// RetryPolicy implements exponential backoff with jitter for a single
// probe's retries.
type RetryPolicy struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64
	JitterFactor   float64
	MaxAttempts    int
}

// DefaultRetryPolicy returns backoff constants scaled for a probe that
// must finish within a scan's overall timeout budget, not a long-lived
// reconnect loop.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialBackoff: 50 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
		BackoffFactor:  2.0,
		JitterFactor:   0.1,
		MaxAttempts:    3,
	}
}

// Do calls fn until it succeeds, MaxAttempts is reached, or ctx is
// canceled, sleeping an exponentially growing, jittered backoff between
// attempts.
func (p RetryPolicy) Do(ctx context.Context, fn func(attempt int) error) error {
	backoff := p.InitialBackoff

	var err error

	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err = fn(attempt); err == nil {
			return nil
		}

		if attempt == p.MaxAttempts {
			break
		}

		wait := p.jittered(backoff)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}

		backoff = time.Duration(math.Min(float64(backoff)*p.BackoffFactor, float64(p.MaxBackoff)))
	}

	return err
}

func (p RetryPolicy) jittered(backoff time.Duration) time.Duration {
	if p.JitterFactor <= 0 {
		return backoff
	}

	jitter := time.Duration(float64(backoff) * p.JitterFactor * (rand.Float64()*2 - 1)) //nolint:gosec // timing jitter, not cryptographic

	wait := backoff + jitter
	if wait < 0 {
		return 0
	}

	return wait
}

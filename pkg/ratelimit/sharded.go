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
	"runtime"
	"sync/atomic"
)

// ShardedLimiter splits a single logical rate across N independent buckets
// so concurrent engine workers aren't all contending on one mutex, the same
// spirit as PortAllocator's per-slot CAS instead of a single counter.
type ShardedLimiter struct {
	shards []*Bucket
	cursor atomic.Uint32
}

// NewShardedLimiter divides rate evenly across runtime.GOMAXPROCS(0) shards.
// shardCount, if > 0, overrides the shard count (useful for tests).
func NewShardedLimiter(rate float64, shardCount int) (*ShardedLimiter, error) {
	if shardCount <= 0 {
		shardCount = runtime.GOMAXPROCS(0)
	}

	if shardCount < 1 {
		shardCount = 1
	}

	perShard := rate / float64(shardCount)

	shards := make([]*Bucket, shardCount)

	for i := range shards {
		b, err := NewBucket(perShard, perShard*2)
		if err != nil {
			return nil, err
		}

		shards[i] = b
	}

	return &ShardedLimiter{shards: shards}, nil
}

// Acquire picks a shard round-robin and blocks on it until a token is free.
func (s *ShardedLimiter) Acquire(ctx context.Context, n float64) error {
	idx := s.cursor.Add(1) - 1

	return s.shards[int(idx)%len(s.shards)].Acquire(ctx, n)
}

// SetRate redistributes a new total rate evenly across all shards.
func (s *ShardedLimiter) SetRate(rate float64) {
	perShard := rate / float64(len(s.shards))

	for _, shard := range s.shards {
		shard.SetRate(perShard)
	}
}

// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package queue implements the TaskQueue (spec §4.B): two Redis lists for
// priority and normal lanes, and a per-task result key. It is the Redis
// wiring successor to the teacher's persistence.RedisPersister — same
// "thin wrapper over a real github.com/redis/go-redis/v9 client" shape,
// generalized from a single idempotent-commit script to the full set of
// list/key operations the scan pipeline needs.
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"virusscan/internal/scanerr"
	"virusscan/internal/wire"
)

const resultTTL = 60 * time.Second

// TaskQueue is safe for concurrent use by many Producer streams and many
// Consumer workers.
type TaskQueue struct {
	client *redis.Client
	prefix string
}

func New(client *redis.Client, keyPrefix string) *TaskQueue {
	return &TaskQueue{client: client, prefix: keyPrefix}
}

func (q *TaskQueue) key(name string) string { return q.prefix + name }

// Push LPUSHes the task's wire header onto the lane selected by its
// Priority. Ordering is FIFO within each list via LPUSH+BRPOP.
func (q *TaskQueue) Push(ctx context.Context, t wire.Task) error {
	if err := q.client.LPush(ctx, t.QueueKey(q.prefix), t.Encode()).Err(); err != nil {
		return scanerr.NewTransientIO("queue: push", err)
	}
	return nil
}

// Pop blocks on both lanes with priority listed first, so a non-empty
// scan_priority list always preempts scan_normal (spec §4.B, §8 priority
// fairness invariant) — starvation of the normal lane is accepted by
// design.
func (q *TaskQueue) Pop(ctx context.Context, timeout time.Duration) (header string, queueName string, err error) {
	res, err := q.client.BRPop(ctx, timeout, q.key("scan_priority"), q.key("scan_normal")).Result()
	if err == redis.Nil {
		return "", "", nil // empty: caller loops
	}
	if err != nil {
		return "", "", scanerr.NewTransientIO("queue: pop", err)
	}
	if len(res) != 2 {
		return "", "", scanerr.NewTransientIO("queue: unexpected BRPOP reply", nil)
	}
	return res[1], res[0], nil
}

// PublishResult writes the verdict JSON and sets its TTL, per spec §3/§4.B.
func (q *TaskQueue) PublishResult(ctx context.Context, taskID string, result wire.Result) error {
	body, err := result.Encode()
	if err != nil {
		return scanerr.NewProtocolViolation("queue: encode result", err)
	}
	key := q.key("result:" + taskID)
	pipe := q.client.TxPipeline()
	pipe.LPush(ctx, key, body)
	pipe.Expire(ctx, key, resultTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return scanerr.NewTransientIO("queue: publish result", err)
	}
	return nil
}

// AwaitResult blocks on the task's single-delivery result key. Only the
// Producer that pushed task_id knows this key, so BRPOP here is
// inherently single-delivery (spec §3).
func (q *TaskQueue) AwaitResult(ctx context.Context, taskID string, timeout time.Duration) (wire.Result, bool, error) {
	key := q.key("result:" + taskID)
	res, err := q.client.BRPop(ctx, timeout, key).Result()
	if err == redis.Nil {
		return wire.Result{}, false, nil
	}
	if err != nil {
		return wire.Result{}, false, scanerr.NewTransientIO("queue: await result", err)
	}
	if len(res) != 2 {
		return wire.Result{}, false, scanerr.NewTransientIO("queue: unexpected BRPOP reply", nil)
	}
	r, err := wire.DecodeResult([]byte(res[1]))
	if err != nil {
		return wire.Result{}, false, scanerr.NewProtocolViolation("queue: decode result", err)
	}
	return r, true, nil
}

// Abandon removes the result key and any chunk keys for a task whose
// Producer-side stream was cancelled (spec §5: proxy disconnect). Best
// effort: a missing key is not an error.
func (q *TaskQueue) Abandon(ctx context.Context, taskID string) {
	_ = q.client.Del(ctx,
		q.key("result:"+taskID),
		q.key("chunks:"+taskID),
		q.key("chunks:"+taskID+":done"),
		q.key("chunks:"+taskID+":verified"),
		q.key("inline:"+taskID),
	).Err()
}

// Depth samples the current length of a lane for virusscan_queue_depth.
func (q *TaskQueue) Depth(ctx context.Context, lane string) (int64, error) {
	n, err := q.client.LLen(ctx, q.key(lane)).Result()
	if err != nil {
		return 0, fmt.Errorf("queue: depth %s: %w", lane, err)
	}
	return n, nil
}

// Prefix returns the configured Redis key prefix, for callers (providers,
// cache, HA coordinator) that need to build their own keys in the same
// namespace.
func (q *TaskQueue) Prefix() string { return q.prefix }

// Client exposes the underlying client for components (DataProvider,
// IntelligentCache, HA coordinator) that need lower-level primitives
// (BLMOVE, SET NX PX, Lua eval) the TaskQueue doesn't itself wrap.
func (q *TaskQueue) Client() *redis.Client { return q.client }

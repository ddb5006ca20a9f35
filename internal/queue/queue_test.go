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

package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"virusscan/internal/wire"
)

func newTestQueue(t *testing.T) (*TaskQueue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return New(client, "vs:"), mr
}

func TestPushAndPopRespectsPriorityLane(t *testing.T) {
	t.Parallel()
	q, _ := newTestQueue(t)
	ctx := context.Background()

	normalTask := wire.Task{ID: "n1", Priority: wire.PriorityNormal, Mode: wire.ModeInline, ContentRef: "inline:n1"}
	highTask := wire.Task{ID: "h1", Priority: wire.PriorityHigh, Mode: wire.ModeInline, ContentRef: "inline:h1"}

	if err := q.Push(ctx, normalTask); err != nil {
		t.Fatalf("push normal: %v", err)
	}
	if err := q.Push(ctx, highTask); err != nil {
		t.Fatalf("push high: %v", err)
	}

	header, lane, err := q.Pop(ctx, time.Second)
	if err != nil {
		t.Fatalf("pop: %v", err)
	}
	if lane != "vs:scan_priority" {
		t.Fatalf("expected priority lane to be drained first, got lane %q", lane)
	}
	got, err := wire.Decode(header)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != "h1" {
		t.Fatalf("expected high-priority task first, got %q", got.ID)
	}

	header2, lane2, err := q.Pop(ctx, time.Second)
	if err != nil {
		t.Fatalf("pop 2: %v", err)
	}
	if lane2 != "vs:scan_normal" {
		t.Fatalf("expected normal lane second, got %q", lane2)
	}
	got2, _ := wire.Decode(header2)
	if got2.ID != "n1" {
		t.Fatalf("expected normal task, got %q", got2.ID)
	}
}

func TestPopTimesOutOnEmptyQueue(t *testing.T) {
	t.Parallel()
	q, _ := newTestQueue(t)
	header, _, err := q.Pop(context.Background(), 50*time.Millisecond)
	if err != nil {
		t.Fatalf("pop on empty queue should not error, got %v", err)
	}
	if header != "" {
		t.Fatalf("expected empty header on timeout, got %q", header)
	}
}

func TestPublishAndAwaitResult(t *testing.T) {
	t.Parallel()
	q, _ := newTestQueue(t)
	ctx := context.Background()

	want := wire.Result{Status: wire.StatusClean, Metrics: &wire.Metrics{ScanMS: 3, TotalTatMS: 12}}
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := q.PublishResult(ctx, "task-1", want); err != nil {
			t.Errorf("publish result: %v", err)
		}
	}()
	<-done

	got, ok, err := q.AwaitResult(ctx, "task-1", time.Second)
	if err != nil {
		t.Fatalf("await result: %v", err)
	}
	if !ok {
		t.Fatal("expected a result to be available")
	}
	if got.Status != want.Status || got.Metrics.ScanMS != want.Metrics.ScanMS {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestAwaitResultTimesOut(t *testing.T) {
	t.Parallel()
	q, _ := newTestQueue(t)
	_, ok, err := q.AwaitResult(context.Background(), "never-published", 50*time.Millisecond)
	if err != nil {
		t.Fatalf("await result: %v", err)
	}
	if ok {
		t.Fatal("expected no result to be available")
	}
}

func TestAbandonRemovesAllTaskKeys(t *testing.T) {
	t.Parallel()
	q, mr := newTestQueue(t)
	ctx := context.Background()

	mr.Set("vs:inline:abandoned", "data")
	mr.Set("vs:chunks:abandoned:done", "1")
	mr.Lpush("vs:chunks:abandoned", "chunk")

	q.Abandon(ctx, "abandoned")

	for _, key := range []string{"vs:inline:abandoned", "vs:chunks:abandoned:done", "vs:chunks:abandoned"} {
		if mr.Exists(key) {
			t.Errorf("expected %q to be removed by Abandon", key)
		}
	}
}

func TestDepthReflectsLaneLength(t *testing.T) {
	t.Parallel()
	q, _ := newTestQueue(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = q.Push(ctx, wire.Task{ID: "x", Priority: wire.PriorityNormal, Mode: wire.ModeInline})
	}
	n, err := q.Depth(ctx, "scan_normal")
	if err != nil {
		t.Fatalf("depth: %v", err)
	}
	if n != 3 {
		t.Fatalf("depth = %d, want 3", n)
	}
}

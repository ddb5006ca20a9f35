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

// Package consumer implements the Consumer's queue-driven scanning loop
// (spec §4.E): pop a task, reconstruct its body through the matching
// DataProvider, stream it to clamd chunk by chunk, and publish a
// verdict. The worker pool itself — N goroutines, each holding at most
// one task, a WaitGroup-tracked graceful stop — is grounded on the
// teacher's core.Worker (internal/ratelimiter/core/worker.go), whose two
// ticker-driven background loops are generalized here into a pool of
// identical BRPOP-driven loops.
package consumer

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"virusscan/internal/clamd"
	"virusscan/internal/observability/metrics"
	"virusscan/internal/provider"
	"virusscan/internal/queue"
	"virusscan/internal/wire"
)

const popTimeout = 5 * time.Second

// ProviderFactory builds a consumer-side DataProvider from a task's mode
// and content_ref.
type ProviderFactory interface {
	NewConsumer(mode wire.Mode, taskID, contentRef string) (provider.Provider, error)
}

// Pool runs N worker goroutines, each independently popping and scanning
// tasks. There is no cross-worker shared state besides the queue and
// clamd itself (spec §4.E / §5).
type Pool struct {
	Queue      *queue.TaskQueue
	Provider   ProviderFactory
	ClamdAddr  string
	ClamdDial  time.Duration
	Log        *zap.Logger
	NumWorkers int

	wg       sync.WaitGroup
	stopChan chan struct{}
}

func (p *Pool) Start(ctx context.Context) {
	p.stopChan = make(chan struct{})
	n := p.NumWorkers
	if n <= 0 {
		n = 1
	}
	for i := 0; i < n; i++ {
		p.wg.Add(1)
		go func(id int) {
			defer p.wg.Done()
			p.loop(ctx, id)
		}(i)
	}
}

// Stop signals every worker to finish its current task (bounded by the
// caller's context) and exit, then waits for them.
func (p *Pool) Stop() {
	close(p.stopChan)
	p.wg.Wait()
}

func (p *Pool) loop(ctx context.Context, id int) {
	log := p.Log.With(zap.Int("worker_id", id))
	for {
		select {
		case <-p.stopChan:
			return
		case <-ctx.Done():
			return
		default:
		}

		header, lane, err := p.Queue.Pop(ctx, popTimeout)
		if err != nil {
			log.Error("consumer: pop failed", zap.Error(err))
			continue
		}
		if header == "" {
			continue // BRPOP timed out; loop and check stopChan again
		}

		p.processOne(ctx, log, header, lane)
	}
}

func (p *Pool) processOne(ctx context.Context, log *zap.Logger, header, lane string) {
	start := time.Now()

	task, err := wire.Decode(header)
	if err != nil {
		log.Warn("consumer: malformed queue header", zap.String("header", header), zap.Error(err))
		// The header is already popped and is not re-enqueued. When a
		// task_id can still be read from it, an ERROR result is published
		// so the waiting Producer is not left until its timeout.
		if id, _, ok := strings.Cut(header, "|"); ok && id != "" {
			p.publishError(ctx, log, wire.Task{ID: id, Priority: priorityFromLane(lane, p.Queue.Prefix())}, start)
		}
		return
	}
	task.Priority = priorityFromLane(lane, p.Queue.Prefix())
	log = log.With(zap.String("task_id", task.ID), zap.String("mode", string(task.Mode)), zap.String("priority", string(task.Priority)))

	prov, err := p.Provider.NewConsumer(task.Mode, task.ID, task.ContentRef)
	if err != nil {
		p.publishError(ctx, log, task, start)
		return
	}

	conn, err := clamd.Dial(p.ClamdAddr, p.ClamdDial)
	if err != nil {
		p.publishError(ctx, log, task, start)
		return
	}
	defer conn.Close()

	scanStart := time.Now()
	verdict, err := p.runScan(ctx, conn, prov)
	scanMS := time.Since(scanStart).Milliseconds()
	if err != nil {
		log.Error("consumer: scan failed", zap.Error(err))
		_ = prov.FinalizeConsume(ctx, false)
		p.publishError(ctx, log, task, start)
		return
	}

	infected := !verdict.Clean && !verdict.Error
	if err := prov.FinalizeConsume(ctx, infected); err != nil {
		log.Warn("consumer: finalize consume failed", zap.Error(err))
	}

	result := toResult(verdict, scanMS, start)
	if err := p.Queue.PublishResult(ctx, task.ID, result); err != nil {
		log.Error("consumer: publish result failed", zap.Error(err))
		return
	}

	// Cache population happens Producer-side (onResult in
	// internal/producer/statemachine.go), where the URI and body prefix
	// are already in hand; the wire header carries neither, so the
	// Consumer has nothing to fingerprint with.

	log.Info("consumer: scan complete",
		zap.String("verdict", string(result.Status)),
		zap.Int64("scan_ms", scanMS),
		zap.Int64("total_tat_ms", result.Metrics.TotalTatMS),
	)
}

// runScan drives the clamd INSTREAM session, pumping chunks from the
// provider as they arrive ("follower" scanning — the Consumer can start
// sending to clamd before the Producer has finished pushing, for STREAM
// tasks).
func (p *Pool) runScan(ctx context.Context, conn *clamd.Conn, prov provider.Provider) (clamd.Verdict, error) {
	if err := conn.BeginInstream(); err != nil {
		return clamd.Verdict{}, err
	}
	data, errs := prov.IterChunks(ctx)
	for {
		select {
		case chunk, ok := <-data:
			if !ok {
				return conn.End()
			}
			if err := conn.SendChunk(chunk.Data); err != nil {
				return clamd.Verdict{}, err
			}
			if chunk.Ack != nil {
				if err := chunk.Ack(ctx); err != nil {
					return clamd.Verdict{}, err
				}
			}
		case err := <-errs:
			if err != nil {
				return clamd.Verdict{}, err
			}
		case <-ctx.Done():
			return clamd.Verdict{}, ctx.Err()
		}
	}
}

func (p *Pool) publishError(ctx context.Context, log *zap.Logger, task wire.Task, start time.Time) {
	tat := time.Since(start).Milliseconds()
	result := wire.Result{Status: wire.StatusError, Metrics: &wire.Metrics{TotalTatMS: tat}}
	if err := p.Queue.PublishResult(ctx, task.ID, result); err != nil {
		log.Error("consumer: failed to publish ERROR result", zap.Error(err))
	}
	metrics.ObserveVerdict("ERROR", string(task.Priority), tat)
}

func toResult(v clamd.Verdict, scanMS int64, start time.Time) wire.Result {
	tat := time.Since(start).Milliseconds()
	m := &wire.Metrics{ScanMS: scanMS, TotalTatMS: tat}
	switch {
	case v.Error:
		return wire.Result{Status: wire.StatusError, Metrics: m}
	case v.Clean:
		return wire.Result{Status: wire.StatusClean, Metrics: m}
	default:
		name := v.Virus
		return wire.Result{Status: wire.StatusInfected, Virus: &name, Metrics: m}
	}
}

// priorityFromLane recovers which lane a task was popped from, since
// BRPOP across two keys does not otherwise tell the caller which one
// fired.
func priorityFromLane(lane, prefix string) wire.Priority {
	if lane == prefix+"scan_priority" {
		return wire.PriorityHigh
	}
	return wire.PriorityNormal
}

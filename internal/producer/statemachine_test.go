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

package producer

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"virusscan/internal/cache"
	"virusscan/internal/queue"
	"virusscan/internal/wire"
)

func newTestDeps(t *testing.T, processingTimeout time.Duration, failureModeAllow bool) (Deps, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	q := queue.New(client, "vs:")
	c := cache.New(client, "vs:", cache.Config{BypassHosts: []string{"bypass.example"}})
	factory := &RedisProviderFactory{Client: client, Prefix: "vs:", ScanTmpDir: t.TempDir(), SharedDiskMounted: true}

	return Deps{
		Queue:             q,
		Cache:             c,
		Provider:          factory,
		ProcessingTimeout: processingTimeout,
		FailureModeAllow:  failureModeAllow,
		BlockStatusCode:   406,
		InlineThreshold:   64 * 1024,
		SpillThreshold:    1 << 20,
		AbsoluteCap:       2 << 30,
	}, client
}

// respondToNextTask pops exactly one task off the queue and publishes the
// given result for it, simulating a Consumer.
func respondToNextTask(t *testing.T, deps Deps, result wire.Result) {
	t.Helper()
	header, _, err := deps.Queue.Pop(context.Background(), 2*time.Second)
	if err != nil {
		t.Fatalf("simulated consumer pop: %v", err)
	}
	if header == "" {
		t.Fatal("simulated consumer: no task was enqueued")
	}
	task, err := wire.Decode(header)
	if err != nil {
		t.Fatalf("simulated consumer decode: %v", err)
	}
	if err := deps.Queue.PublishResult(context.Background(), task.ID, result); err != nil {
		t.Fatalf("simulated consumer publish: %v", err)
	}
}

func TestHandleRequestHeadersBypassHost(t *testing.T) {
	t.Parallel()
	deps, _ := newTestDeps(t, time.Second, true)
	sess := NewSession(deps)

	d, err := sess.HandleRequestHeaders(context.Background(), "/pkg", "bypass.example", "")
	if err != nil {
		t.Fatalf("HandleRequestHeaders: %v", err)
	}
	if d.Outcome != OutcomeAdmit || d.ScanResult != "bypass" {
		t.Fatalf("got %+v, want Admit/bypass", d)
	}
	if sess.State() != StateDone {
		t.Fatalf("state = %v, want StateDone", sess.State())
	}
}

func TestHandleRequestHeadersRouteDisabledShortCircuits(t *testing.T) {
	t.Parallel()
	deps, _ := newTestDeps(t, time.Second, true)
	sess := NewSession(deps)
	sess.SetRouteDisabled(true)

	d, err := sess.HandleRequestHeaders(context.Background(), "/pkg", "anything.example", "")
	if err != nil {
		t.Fatalf("HandleRequestHeaders: %v", err)
	}
	if d.Outcome != OutcomeContinue {
		t.Fatalf("got %+v, want Continue", d)
	}
	if sess.State() != StateDone {
		t.Fatalf("state = %v, want StateDone", sess.State())
	}
}

func TestCleanVerdictFlowsToAdmit(t *testing.T) {
	t.Parallel()
	deps, _ := newTestDeps(t, 2*time.Second, true)
	sess := NewSession(deps)

	if _, err := sess.HandleRequestHeaders(context.Background(), "/pkg.tar.gz", "registry.example", "high"); err != nil {
		t.Fatalf("HandleRequestHeaders: %v", err)
	}

	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		respondToNextTask(t, deps, wire.Result{Status: wire.StatusClean, Metrics: &wire.Metrics{ScanMS: 5, TotalTatMS: 9}})
	}()

	d, err := sess.HandleRequestBody(context.Background(), []byte("file contents"), true)
	if err != nil {
		t.Fatalf("HandleRequestBody: %v", err)
	}
	<-consumerDone
	if d.Outcome != OutcomeAdmit || d.ScanResult != "clean" {
		t.Fatalf("got %+v, want Admit/clean", d)
	}
}

func TestInfectedVerdictFlowsToBlock(t *testing.T) {
	t.Parallel()
	deps, _ := newTestDeps(t, 2*time.Second, true)
	sess := NewSession(deps)

	if _, err := sess.HandleRequestHeaders(context.Background(), "/evil.exe", "attacker.example", ""); err != nil {
		t.Fatalf("HandleRequestHeaders: %v", err)
	}

	virus := "Win.Test.EICAR_HDB-1"
	go respondToNextTask(t, deps, wire.Result{Status: wire.StatusInfected, Virus: &virus, Metrics: &wire.Metrics{TotalTatMS: 4}})

	d, err := sess.HandleRequestBody(context.Background(), []byte("malicious"), true)
	if err != nil {
		t.Fatalf("HandleRequestBody: %v", err)
	}
	if d.Outcome != OutcomeBlock || d.BlockStatus != 406 || d.VirusName != virus {
		t.Fatalf("got %+v, want Block/406/%s", d, virus)
	}
}

func TestProcessingTimeoutAppliesFailureModeAllow(t *testing.T) {
	t.Parallel()
	deps, _ := newTestDeps(t, 100*time.Millisecond, true)
	sess := NewSession(deps)
	if _, err := sess.HandleRequestHeaders(context.Background(), "/slow", "slow.example", ""); err != nil {
		t.Fatalf("HandleRequestHeaders: %v", err)
	}
	// No simulated consumer: the task sits unanswered until ProcessingTimeout fires.
	d, err := sess.HandleRequestBody(context.Background(), []byte("data"), true)
	if err != nil {
		t.Fatalf("HandleRequestBody: %v", err)
	}
	if d.Outcome != OutcomeAdmit || d.ScanResult != "timeout-allow" {
		t.Fatalf("got %+v, want Admit/timeout-allow", d)
	}
}

func TestProcessingTimeoutBlocksWhenFailureModeAllowFalse(t *testing.T) {
	t.Parallel()
	deps, _ := newTestDeps(t, 100*time.Millisecond, false)
	sess := NewSession(deps)
	if _, err := sess.HandleRequestHeaders(context.Background(), "/slow", "slow.example", ""); err != nil {
		t.Fatalf("HandleRequestHeaders: %v", err)
	}
	d, err := sess.HandleRequestBody(context.Background(), []byte("data"), true)
	if err != nil {
		t.Fatalf("HandleRequestBody: %v", err)
	}
	if d.Outcome != OutcomeBlock || d.BlockStatus != 503 {
		t.Fatalf("got %+v, want Block/503", d)
	}
}

func TestAbsoluteCapBlocksWithoutEnqueueing(t *testing.T) {
	t.Parallel()
	deps, client := newTestDeps(t, time.Second, true)
	deps.AbsoluteCap = 8
	sess := NewSession(deps)
	if _, err := sess.HandleRequestHeaders(context.Background(), "/huge", "huge.example", ""); err != nil {
		t.Fatalf("HandleRequestHeaders: %v", err)
	}
	d, err := sess.HandleRequestBody(context.Background(), []byte("this is way more than 8 bytes"), false)
	if err != nil {
		t.Fatalf("HandleRequestBody: %v", err)
	}
	if d.Outcome != OutcomeBlock || d.BlockStatus != 413 {
		t.Fatalf("got %+v, want Block/413", d)
	}
	n, err := deps.Queue.Depth(context.Background(), "scan_normal")
	if err != nil {
		t.Fatalf("depth: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected nothing enqueued after an over-cap block, got depth %d", n)
	}
	_ = client
}

func TestAbortOnProxyDisconnectCleansUpQueuedTask(t *testing.T) {
	t.Parallel()
	deps, client := newTestDeps(t, 10*time.Second, true)
	sess := NewSession(deps)
	if _, err := sess.HandleRequestHeaders(context.Background(), "/abandon", "abandon.example", ""); err != nil {
		t.Fatalf("HandleRequestHeaders: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = sess.HandleRequestBody(ctx, []byte("payload"), true)
	}()
	// Allow enqueueAndWait to start blocking on AwaitResult, then simulate a
	// disconnect before any verdict arrives.
	time.Sleep(50 * time.Millisecond)
	cancel()
	sess.Abort(context.Background())
	<-done

	if sess.State() != StateDone {
		t.Fatalf("state after Abort = %v, want StateDone", sess.State())
	}
	if client.Exists(context.Background(), "vs:inline:"+sess.taskID).Val() != 0 {
		t.Error("expected Abort to delete the task's inline body key")
	}
}

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

// Package producer implements the protocol-agnostic per-stream state
// machine from spec §4.D (START -> DECIDE_BYPASS -> {RELAY, BUFFERING ->
// SPILL -> ENQUEUE -> WAIT_VERDICT -> {ADMIT, BLOCK}} -> DONE). Both the
// gRPC ext_proc transport and the ICAP transport drive the same Session
// type, so the state machine itself never imports gRPC or net — it is
// exercised through Session's methods and produces transport-neutral
// Decision values.
package producer

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"virusscan/internal/cache"
	"virusscan/internal/observability/metrics"
	"virusscan/internal/provider"
	"virusscan/internal/queue"
	"virusscan/internal/scanerr"
	"virusscan/internal/wire"
)

// State names the node in the per-stream state machine the Session is in.
type State int

const (
	StateStart State = iota
	StateDecideBypass
	StateBuffering
	StateSpill
	StateWaitVerdict
	StateRelay
	StateDone
)

// Outcome distinguishes the three terminal shapes a Decision can carry.
type Outcome int

const (
	OutcomeContinue Outcome = iota // CommonResponse{CONTINUE}; proxy relays as-is
	OutcomeAdmit                   // CommonResponse{CONTINUE} with X-Scan-* headers
	OutcomeBlock                   // ImmediateResponse
)

// Decision is what the Session tells its transport to do next.
type Decision struct {
	Outcome Outcome

	// Set when Outcome == OutcomeAdmit.
	ScanResult string // "clean" | "bypass" | "timeout-allow"
	TatMS      int64

	// Set when Outcome == OutcomeBlock.
	BlockStatus int
	VirusName   string
}

// Deps bundles the collaborators a Session needs. One Deps is shared by
// every concurrent stream; Session itself holds no state beyond one
// transaction and is safe to use from exactly one goroutine at a time.
type Deps struct {
	Queue    *queue.TaskQueue
	Cache    *cache.Cache
	Provider ProviderFactory

	ProcessingTimeout time.Duration
	FailureModeAllow  bool
	BlockStatusCode   int
	InlineThreshold   int64
	SpillThreshold    int64
	AbsoluteCap       int64
}

// ProviderFactory builds a producer-side DataProvider for a task, given
// the mode chosen by the selection policy.
type ProviderFactory interface {
	NewProducer(mode wire.Mode, taskID string) (provider.Provider, error)
	Capabilities() provider.Capabilities
}

// Session drives one proxied HTTP transaction (one request, one matching
// response) through the state machine. Create one per proxy stream.
type Session struct {
	deps Deps

	state State

	taskID     string
	priority   wire.Priority
	uri        string
	host       string
	bodyPrefix []byte

	prov         provider.Provider
	bodySize     int64
	ingestStart  time.Time
	cacheChecked bool

	routeDisabled bool
}

func NewSession(deps Deps) *Session {
	return &Session{deps: deps, state: StateStart}
}

// SetRouteDisabled records the proxy's per-route override. When true, the
// Session always short-circuits straight to RELAY with no enqueue (spec
// §4.D).
func (s *Session) SetRouteDisabled(v bool) { s.routeDisabled = v }

// HandleRequestHeaders is the START -> {RELAY | DECIDE_BYPASS} transition.
func (s *Session) HandleRequestHeaders(ctx context.Context, uri, host string, priorityHeader string) (Decision, error) {
	s.uri = cache.NormalizeURI(uri)
	s.host = host
	s.priority = wire.ParsePriority(priorityHeader)
	s.ingestStart = time.Now()

	if s.routeDisabled {
		s.state = StateDone
		return Decision{Outcome: OutcomeContinue}, nil
	}

	s.state = StateDecideBypass
	if s.deps.Cache != nil {
		bypass, forceNormal := s.deps.Cache.Classify(host)
		if bypass {
			s.state = StateDone
			metrics.BypassTotal.WithLabelValues(string(cache.BypassHost)).Inc()
			return Decision{Outcome: OutcomeAdmit, ScanResult: "bypass"}, nil
		}
		if forceNormal {
			s.priority = wire.PriorityNormal
		}
	}
	s.state = StateBuffering
	s.prov = nil
	return Decision{Outcome: OutcomeContinue}, nil
}

// HandleRequestBody is called once per BUFFERED or STREAMED body chunk
// the proxy forwards. endOfStream marks the final chunk. It implements
// BUFFERING -> SPILL and the ENQUEUE transition on EOF.
func (s *Session) HandleRequestBody(ctx context.Context, chunk []byte, endOfStream bool) (Decision, error) {
	if s.state == StateDone {
		return Decision{Outcome: OutcomeContinue}, nil
	}

	s.bodySize += int64(len(chunk))
	if s.bodySize > s.deps.AbsoluteCap {
		s.state = StateDone
		return Decision{Outcome: OutcomeBlock, BlockStatus: 413}, nil
	}

	prefixWasShort := len(s.bodyPrefix) < 4096
	if prefixWasShort {
		need := 4096 - len(s.bodyPrefix)
		if need > len(chunk) {
			need = len(chunk)
		}
		s.bodyPrefix = append(s.bodyPrefix, chunk[:need]...)
	}

	if s.state == StateBuffering && !s.cacheChecked && prefixWasShort && (len(s.bodyPrefix) == 4096 || endOfStream) {
		s.cacheChecked = true
		if d, hit, err := s.checkCleanCache(ctx); err != nil {
			return Decision{}, err
		} else if hit {
			return d, nil
		}
	}

	if err := s.ensureSpillIfNeeded(ctx); err != nil {
		return Decision{}, err
	}
	if s.prov != nil {
		if err := s.prov.Push(ctx, chunk); err != nil {
			return Decision{}, err
		}
	} else {
		// Still buffering in memory: stash directly via a lazily-created
		// INLINE provider so small bodies never touch Redis twice.
		if err := s.ensureInlineBuffer(ctx); err != nil {
			return Decision{}, err
		}
		if err := s.prov.Push(ctx, chunk); err != nil {
			return Decision{}, err
		}
	}

	if !endOfStream {
		return Decision{Outcome: OutcomeContinue}, nil
	}
	return s.enqueueAndWait(ctx)
}

// checkCleanCache implements the DECIDE_BYPASS -> RELAY cache-hit path
// (spec §4.C/§4.D): as soon as enough of the body is buffered to compute
// the fingerprint, look up a memoized clean verdict and, on a hit, admit
// without ever enqueueing a task.
func (s *Session) checkCleanCache(ctx context.Context) (Decision, bool, error) {
	if s.deps.Cache == nil {
		return Decision{}, false, nil
	}
	fp := cache.Fingerprint(s.uri, s.bodyPrefix)
	hit, err := s.deps.Cache.Lookup(ctx, fp)
	if err != nil {
		return Decision{}, false, err
	}
	if !hit {
		return Decision{}, false, nil
	}
	s.state = StateDone
	metrics.BypassTotal.WithLabelValues(string(cache.BypassCleanCache)).Inc()
	return Decision{Outcome: OutcomeAdmit, ScanResult: "bypass"}, true, nil
}

func (s *Session) ensureInlineBuffer(ctx context.Context) error {
	if s.prov != nil {
		return nil
	}
	s.taskID = uuid.NewString()
	mode := wire.ModeInline
	p, err := s.deps.Provider.NewProducer(mode, s.taskID)
	if err != nil {
		return err
	}
	s.prov = p
	return nil
}

// ensureSpillIfNeeded transitions BUFFERING -> SPILL once the body grows
// past InlineThreshold (spec §4.A: INLINE only fits a body "≤ threshold,
// default 64 KiB"), swapping the in-progress INLINE provider for whatever
// Select names — STREAM when available, else SHARED_DISK once the body
// also crosses the larger SpillThreshold. Replays nothing: the INLINE
// provider so far only held bytes in its own buffer, not yet pushed to
// Redis, so swapping is lossless.
func (s *Session) ensureSpillIfNeeded(ctx context.Context) error {
	if s.bodySize <= s.deps.InlineThreshold {
		return nil
	}
	if s.prov != nil && s.prov.Mode() != wire.ModeInline {
		return nil // already spilled
	}
	mode := provider.Select(s.bodySize, s.deps.SpillThreshold, s.deps.Provider.Capabilities())
	if mode == wire.ModeInline {
		// Already past InlineThreshold, but neither STREAM nor SHARED_DISK
		// is usable: keep buffering in the existing (or about-to-be-
		// created) INLINE provider rather than thrash.
		return nil
	}
	if s.taskID == "" {
		s.taskID = uuid.NewString()
	}
	p, err := s.deps.Provider.NewProducer(mode, s.taskID)
	if err != nil {
		return err
	}
	s.prov = p
	return nil
}

// enqueueAndWait implements ENQUEUE and WAIT_VERDICT.
func (s *Session) enqueueAndWait(ctx context.Context) (Decision, error) {
	if s.prov == nil {
		if err := s.ensureInlineBuffer(ctx); err != nil {
			return Decision{}, err
		}
	}
	if err := s.prov.Finalize(ctx); err != nil {
		return Decision{}, err
	}
	metrics.IngestTatMS.Observe(float64(time.Since(s.ingestStart) / time.Millisecond))

	t := wire.Task{
		ID:         s.taskID,
		Priority:   s.priority,
		Mode:       s.prov.Mode(),
		PushTimeNS: time.Now().UnixNano(),
		ContentRef: s.prov.ContentRef(),
	}
	if err := s.deps.Queue.Push(ctx, t); err != nil {
		return Decision{}, err
	}

	s.state = StateWaitVerdict
	// AwaitResult's own timeout parameter bounds the BRPOP, so ctx here
	// carries only the proxy's cancellation signal — wrapping it in a
	// second context.WithTimeout of the same duration would race the two
	// deadlines against each other.
	result, ok, err := s.deps.Queue.AwaitResult(ctx, s.taskID, s.deps.ProcessingTimeout)
	if err != nil {
		return Decision{}, err
	}
	s.state = StateDone
	if !ok {
		return s.onTimeout(), nil
	}
	return s.onResult(result), nil
}

func (s *Session) onTimeout() Decision {
	if s.deps.FailureModeAllow {
		metrics.TimeoutsTotal.WithLabelValues("allow").Inc()
		return Decision{Outcome: OutcomeAdmit, ScanResult: "timeout-allow"}
	}
	metrics.TimeoutsTotal.WithLabelValues("block").Inc()
	return Decision{Outcome: OutcomeBlock, BlockStatus: 503}
}

func (s *Session) onResult(r wire.Result) Decision {
	tat := int64(time.Since(s.ingestStart) / time.Millisecond)
	priority := string(s.priority)
	switch r.Status {
	case wire.StatusClean:
		if s.deps.Cache != nil {
			fp := cache.Fingerprint(s.uri, s.bodyPrefix)
			_ = s.deps.Cache.StoreClean(context.Background(), fp)
		}
		metrics.ObserveVerdict("CLEAN", priority, tat)
		return Decision{Outcome: OutcomeAdmit, ScanResult: "clean", TatMS: tat}
	case wire.StatusInfected:
		name := "unknown"
		if r.Virus != nil {
			name = *r.Virus
		}
		metrics.ObserveVerdict("INFECTED", priority, tat)
		return Decision{Outcome: OutcomeBlock, BlockStatus: s.deps.BlockStatusCode, VirusName: name}
	default: // ERROR
		metrics.ObserveVerdict("ERROR", priority, tat)
		if s.deps.FailureModeAllow {
			return Decision{Outcome: OutcomeAdmit, ScanResult: "timeout-allow", TatMS: tat}
		}
		return Decision{Outcome: OutcomeBlock, BlockStatus: 503}
	}
}

// Abort is invoked when the proxy disconnects mid-stream. It must not
// block and should best-effort free any queued resources (spec §5).
func (s *Session) Abort(ctx context.Context) {
	if s.taskID == "" {
		return
	}
	s.deps.Queue.Abandon(ctx, s.taskID)
	s.state = StateDone
}

func (s *Session) State() State { return s.state }

// DescribeError renders a scanerr.Error (or any error) as the block
// body text for an ImmediateResponse, never leaking internal detail
// beyond the taxonomy code.
func DescribeError(err error) string {
	return fmt.Sprintf("virus scan unavailable: %v", scanerrCode(err))
}

func scanerrCode(err error) string {
	switch {
	case scanerr.IsTimeout(err):
		return scanerr.CodeTimeout
	case scanerr.IsTransientIO(err):
		return scanerr.CodeTransientIO
	case scanerr.IsProtocolViolation(err):
		return scanerr.CodeProtocolViolation
	case scanerr.IsResourceExhausted(err):
		return scanerr.CodeResourceExhausted
	default:
		return "internal_error"
	}
}

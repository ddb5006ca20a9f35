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

// Package provider implements the DataProvider family (spec §4.A): a
// small tagged-variant interface over three transports — INLINE, STREAM,
// and SHARED_DISK — selected at runtime by Select. Grounded on the
// teacher's persistence.BuildPersister adapter-selector
// (internal/ratelimiter/persistence/factory.go), generalized here from a
// string flag to a size/capability-driven decision.
package provider

import (
	"context"

	"virusscan/internal/wire"
)

// Chunk is one unit yielded by IterChunks. Ack, when non-nil, must be
// called by the caller after the chunk has been handed to clamd
// successfully — for providers with a durable "verified" side-effect
// (STREAM's BLMOVE-equivalent handoff), Ack is what actually performs it,
// so a chunk is only ever marked verified once it has actually been sent
// (spec §4.E step 4). Providers with nothing to verify leave Ack nil.
type Chunk struct {
	Data []byte
	Ack  func(ctx context.Context) error
}

// Provider is the capability set every DataProvider variant implements.
// Producer-side callers use Push/Finalize; Consumer-side callers use
// IterChunks/FinalizeConsume. A single Provider value is only ever driven
// from one side.
type Provider interface {
	Mode() wire.Mode
	// ContentRef is the value that goes into the task's wire header.
	ContentRef() string

	// Push appends one chunk of producer-observed body bytes.
	Push(ctx context.Context, chunk []byte) error
	// Finalize signals producer-side EOF (e.g. writes the STREAM done
	// sentinel, or closes the SHARED_DISK file).
	Finalize(ctx context.Context) error

	// IterChunks lazily yields body chunks in push order. The data
	// channel closes on completion; at most one error is ever sent on
	// the error channel, after which the data channel is also closed.
	// The returned sequence is finite and not restartable.
	IterChunks(ctx context.Context) (<-chan Chunk, <-chan error)
	// FinalizeConsume releases any consumer-held resources (deletes the
	// SHARED_DISK file, etc). Called exactly once after the verdict is
	// known, on both CLEAN and INFECTED paths.
	FinalizeConsume(ctx context.Context, infected bool) error
}

// Capabilities describes what transports are usable in the current
// deployment, so Select can apply the policy in spec §4.A.
type Capabilities struct {
	StreamAvailable   bool // a Redis connection is reachable
	SharedDiskMounted bool // SCAN_TMP_DIR is a usable RWX volume
}

// Select implements the Producer's provider-selection policy: prefer
// STREAM when available, fall back to SHARED_DISK once the body is at or
// above thresholdBytes and a shared volume is mounted, otherwise INLINE.
func Select(sizeHint int64, thresholdBytes int64, caps Capabilities) wire.Mode {
	if caps.StreamAvailable {
		return wire.ModeStream
	}
	if sizeHint >= thresholdBytes && caps.SharedDiskMounted {
		return wire.ModePath
	}
	return wire.ModeInline
}

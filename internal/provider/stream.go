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

package provider

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"virusscan/internal/scanerr"
	"virusscan/internal/wire"
)

const streamBlockTimeout = 5 * time.Second

// MaxChunkBytes is the largest chunk StreamProvider will ever RPUSH, per
// spec §3 ("push-ordered binary chunks ≤ 1 MiB each").
const MaxChunkBytes = 1 << 20

// StreamProvider implements the STREAM transport: RPUSH into
// chunks:<task_id>, a ":done" sentinel on finalize, and "follower"
// handoff into chunks:<task_id>:verified — one RPUSH per chunk, issued
// only once the caller confirms that chunk was actually sent to clamd.
type StreamProvider struct {
	client    *redis.Client
	chunksKey string
	doneKey   string
	verifyKey string
}

func NewStreamProducer(client *redis.Client, prefix, taskID string) *StreamProvider {
	return &StreamProvider{
		client:    client,
		chunksKey: prefix + "chunks:" + taskID,
		doneKey:   prefix + "chunks:" + taskID + ":done",
		verifyKey: prefix + "chunks:" + taskID + ":verified",
	}
}

func NewStreamConsumer(client *redis.Client, prefix, taskID string) *StreamProvider {
	return NewStreamProducer(client, prefix, taskID)
}

func (p *StreamProvider) Mode() wire.Mode    { return wire.ModeStream }
func (p *StreamProvider) ContentRef() string { return p.chunksKey }

// Push RPUSHes one chunk, split into list elements of at most
// MaxChunkBytes each. An empty chunk pushes nothing.
func (p *StreamProvider) Push(ctx context.Context, chunk []byte) error {
	for len(chunk) > 0 {
		n := min(len(chunk), MaxChunkBytes)
		if err := p.client.RPush(ctx, p.chunksKey, chunk[:n]).Err(); err != nil {
			return scanerr.NewTransientIO("stream provider: RPUSH", err)
		}
		chunk = chunk[n:]
	}
	return nil
}

func (p *StreamProvider) Finalize(ctx context.Context) error {
	if err := p.client.Set(ctx, p.doneKey, "1", 0).Err(); err != nil {
		return scanerr.NewTransientIO("stream provider: set done sentinel", err)
	}
	return nil
}

// IterChunks pumps BLPOP chunks:<id> with a short timeout, checking the
// done sentinel on every empty timeout to decide whether emptiness is
// terminal (spec §4.A). Each yielded Chunk carries an Ack that RPUSHes
// the chunk into chunks:<id>:verified — the caller (runScan) must only
// invoke it after the chunk has actually been sent to clamd
// successfully, so a chunk popped here but never acknowledged (send
// failed, connection dropped) is simply gone from chunks:<id> and never
// appears in :verified, per spec §4.E step 4.
func (p *StreamProvider) IterChunks(ctx context.Context) (<-chan Chunk, <-chan error) {
	data := make(chan Chunk)
	errs := make(chan error, 1)
	go func() {
		defer close(data)
		defer close(errs)
		for {
			res, err := p.client.BLPop(ctx, streamBlockTimeout, p.chunksKey).Result()
			if err == redis.Nil {
				done, derr := p.client.Exists(ctx, p.doneKey).Result()
				if derr != nil {
					errs <- scanerr.NewTransientIO("stream provider: check done sentinel", derr)
					return
				}
				if done == 1 {
					return // producer is finished and the list drained: terminal EOF
				}
				continue // producer still pushing; emptiness is transient
			}
			if err != nil {
				errs <- scanerr.NewTransientIO("stream provider: BLPOP", err)
				return
			}
			payload := []byte(res[1])
			ack := func(ackCtx context.Context) error {
				if err := p.client.RPush(ackCtx, p.verifyKey, payload).Err(); err != nil {
					return scanerr.NewTransientIO("stream provider: RPUSH verified", err)
				}
				return nil
			}
			select {
			case data <- Chunk{Data: payload, Ack: ack}:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}
	}()
	return data, errs
}

// FinalizeConsume deletes :verified immediately when the task was
// INFECTED, per the invariant in spec §3/§8 ("|chunks:verified| == 0
// after INFECTED completion within 100 ms"). On CLEAN, :verified is left
// for a downstream reader (the non-destructive relay) and expires after
// 60s, like the task's result key.
func (p *StreamProvider) FinalizeConsume(ctx context.Context, infected bool) error {
	if infected {
		if err := p.client.Del(ctx, p.verifyKey).Err(); err != nil {
			return scanerr.NewTransientIO("stream provider: delete verified list on infection", err)
		}
	} else if err := p.client.Expire(ctx, p.verifyKey, 60*time.Second).Err(); err != nil {
		return scanerr.NewTransientIO("stream provider: set TTL on verified list", err)
	}
	return p.client.Del(ctx, p.chunksKey, p.doneKey).Err()
}

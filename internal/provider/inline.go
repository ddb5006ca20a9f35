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

// InlineProvider holds the whole body in one Redis value at
// inline:<task_id>, set with a 60s TTL. It is only appropriate for bodies
// at or under the configured inline threshold (default 64 KiB).
type InlineProvider struct {
	client *redis.Client
	key    string
	buf    []byte
}

// NewInlineProducer prepares an INLINE provider for the producer side.
// Push may be called several times; the chunks are concatenated in memory
// and written as one value by Finalize.
func NewInlineProducer(client *redis.Client, prefix, taskID string) *InlineProvider {
	return &InlineProvider{client: client, key: prefix + "inline:" + taskID}
}

// NewInlineConsumer opens an existing inline:<task_id> key for reading.
func NewInlineConsumer(client *redis.Client, prefix, taskID string) *InlineProvider {
	return &InlineProvider{client: client, key: prefix + "inline:" + taskID}
}

func (p *InlineProvider) Mode() wire.Mode    { return wire.ModeInline }
func (p *InlineProvider) ContentRef() string { return p.key }

func (p *InlineProvider) Push(ctx context.Context, chunk []byte) error {
	p.buf = append(p.buf, chunk...)
	return nil
}

func (p *InlineProvider) Finalize(ctx context.Context) error {
	if err := p.client.Set(ctx, p.key, p.buf, 60*time.Second).Err(); err != nil {
		return scanerr.NewTransientIO("inline provider: SET", err)
	}
	return nil
}

// IterChunks yields exactly one element: the whole body, or none if the
// body was zero-length (spec §8 boundary: zero-length body is valid and
// scanned as CLEAN without creating chunk keys — an empty inline value is
// likewise valid).
func (p *InlineProvider) IterChunks(ctx context.Context) (<-chan Chunk, <-chan error) {
	data := make(chan Chunk, 1)
	errs := make(chan error, 1)
	go func() {
		defer close(data)
		defer close(errs)
		body, err := p.client.Get(ctx, p.key).Bytes()
		if err == redis.Nil {
			body = nil
		} else if err != nil {
			errs <- scanerr.NewTransientIO("inline provider: GET", err)
			return
		}
		if len(body) > 0 {
			select {
			case data <- Chunk{Data: body}:
			case <-ctx.Done():
				errs <- ctx.Err()
			}
		}
	}()
	return data, errs
}

func (p *InlineProvider) FinalizeConsume(ctx context.Context, infected bool) error {
	return p.client.Del(ctx, p.key).Err()
}

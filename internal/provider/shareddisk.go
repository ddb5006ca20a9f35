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
	"bufio"
	"context"
	"io"
	"os"
	"path/filepath"

	"virusscan/internal/scanerr"
	"virusscan/internal/wire"
)

const sharedDiskReadChunk = 256 * 1024

// SharedDiskProvider backs the SHARED_DISK transport: the Producer writes
// a file under SCAN_TMP_DIR named by task_id, the Consumer streams it
// back, and whichever side reaches the verdict deletes it (spec §4.A —
// both INFECTED and CLEAN paths delete after the verdict is published).
type SharedDiskProvider struct {
	path string
	f    *os.File
}

func NewSharedDiskProducer(tmpDir, taskID string) (*SharedDiskProvider, error) {
	path := filepath.Join(tmpDir, taskID)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, scanerr.NewResourceExhausted("shared disk provider: create", err)
	}
	return &SharedDiskProvider{path: path, f: f}, nil
}

func NewSharedDiskConsumer(tmpDir, taskID string) *SharedDiskProvider {
	return &SharedDiskProvider{path: filepath.Join(tmpDir, taskID)}
}

func (p *SharedDiskProvider) Mode() wire.Mode    { return wire.ModePath }
func (p *SharedDiskProvider) ContentRef() string { return p.path }

func (p *SharedDiskProvider) Push(ctx context.Context, chunk []byte) error {
	if _, err := p.f.Write(chunk); err != nil {
		return scanerr.NewResourceExhausted("shared disk provider: write", err)
	}
	return nil
}

func (p *SharedDiskProvider) Finalize(ctx context.Context) error {
	if p.f == nil {
		return nil
	}
	return p.f.Close()
}

// IterChunks streams the file in fixed-size reads so Consumer memory use
// stays bounded regardless of file size.
func (p *SharedDiskProvider) IterChunks(ctx context.Context) (<-chan Chunk, <-chan error) {
	data := make(chan Chunk)
	errs := make(chan error, 1)
	go func() {
		defer close(data)
		defer close(errs)
		f, err := os.Open(p.path)
		if err != nil {
			errs <- scanerr.NewTransientIO("shared disk provider: open", err)
			return
		}
		defer f.Close()
		r := bufio.NewReaderSize(f, sharedDiskReadChunk)
		buf := make([]byte, sharedDiskReadChunk)
		for {
			n, rerr := r.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				select {
				case data <- Chunk{Data: chunk}:
				case <-ctx.Done():
					errs <- ctx.Err()
					return
				}
			}
			if rerr == io.EOF {
				return
			}
			if rerr != nil {
				errs <- scanerr.NewTransientIO("shared disk provider: read", rerr)
				return
			}
		}
	}()
	return data, errs
}

// FinalizeConsume removes the file regardless of verdict, per spec §4.A.
func (p *SharedDiskProvider) FinalizeConsume(ctx context.Context, infected bool) error {
	if err := os.Remove(p.path); err != nil && !os.IsNotExist(err) {
		return scanerr.NewTransientIO("shared disk provider: remove", err)
	}
	return nil
}

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

package consumer

import (
	"bufio"
	"context"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"virusscan/internal/queue"
	"virusscan/internal/wire"
)

// fakeClamd mirrors internal/clamd's test double: just enough of the
// line protocol to drive one INSTREAM scan per connection.
type fakeClamd struct {
	ln      net.Listener
	verdict string
}

func startFakeClamd(t *testing.T, verdict string) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	f := &fakeClamd{ln: ln, verdict: verdict}
	t.Cleanup(func() { ln.Close() })
	go f.serve()
	return ln.Addr().String()
}

func (f *fakeClamd) serve() {
	for {
		conn, err := f.ln.Accept()
		if err != nil {
			return
		}
		go f.handle(conn)
	}
}

func (f *fakeClamd) handle(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	for {
		cmd, err := r.ReadString(0)
		if err != nil {
			return
		}
		switch trimNull(cmd) {
		case "zINSTREAM":
			for {
				var hdr [4]byte
				if _, err := io.ReadFull(r, hdr[:]); err != nil {
					return
				}
				size := binary.BigEndian.Uint32(hdr[:])
				if size == 0 {
					conn.Write([]byte(f.verdict + "\n"))
					break
				}
				if _, err := io.CopyN(io.Discard, r, int64(size)); err != nil {
					return
				}
			}
		default:
			return
		}
	}
}

func trimNull(s string) string {
	if len(s) > 0 && s[len(s)-1] == 0 {
		return s[:len(s)-1]
	}
	return s
}

func newTestPool(t *testing.T, clamdVerdict string) (*Pool, *queue.TaskQueue, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	q := queue.New(client, "vs:")
	clamdAddr := startFakeClamd(t, clamdVerdict)
	pool := &Pool{
		Queue:      q,
		Provider:   &RedisProviderFactory{Client: client, Prefix: "vs:", ScanTmpDir: t.TempDir()},
		ClamdAddr:  "tcp://" + clamdAddr,
		ClamdDial:  time.Second,
		Log:        zap.NewNop(),
		NumWorkers: 1,
	}
	return pool, q, client
}

func TestPoolProcessesCleanInlineTask(t *testing.T) {
	t.Parallel()
	pool, q, client := newTestPool(t, "stream: OK")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	key := "vs:inline:task-clean"
	if err := client.Set(ctx, key, []byte("harmless"), time.Minute).Err(); err != nil {
		t.Fatalf("seed inline body: %v", err)
	}
	task := wire.Task{ID: "task-clean", Priority: wire.PriorityNormal, Mode: wire.ModeInline, PushTimeNS: 1, ContentRef: key}
	if err := q.Push(ctx, task); err != nil {
		t.Fatalf("push: %v", err)
	}

	pool.Start(ctx)
	defer pool.Stop()

	result, ok, err := q.AwaitResult(ctx, "task-clean", 5*time.Second)
	if err != nil {
		t.Fatalf("await result: %v", err)
	}
	if !ok {
		t.Fatal("expected a result to be published")
	}
	if result.Status != wire.StatusClean {
		t.Fatalf("status = %v, want CLEAN", result.Status)
	}
	if client.Exists(ctx, key).Val() != 0 {
		t.Error("expected inline key to be cleaned up")
	}
}

func TestPoolProcessesInfectedTask(t *testing.T) {
	t.Parallel()
	pool, q, client := newTestPool(t, "stream: Eicar FOUND")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	key := "vs:inline:task-infected"
	if err := client.Set(ctx, key, []byte("eicar"), time.Minute).Err(); err != nil {
		t.Fatalf("seed inline body: %v", err)
	}
	task := wire.Task{ID: "task-infected", Priority: wire.PriorityHigh, Mode: wire.ModeInline, PushTimeNS: 1, ContentRef: key}
	if err := q.Push(ctx, task); err != nil {
		t.Fatalf("push: %v", err)
	}

	pool.Start(ctx)
	defer pool.Stop()

	result, ok, err := q.AwaitResult(ctx, "task-infected", 5*time.Second)
	if err != nil {
		t.Fatalf("await result: %v", err)
	}
	if !ok {
		t.Fatal("expected a result to be published")
	}
	if result.Status != wire.StatusInfected || result.Virus == nil || *result.Virus != "Eicar" {
		t.Fatalf("result = %+v, want INFECTED/Eicar", result)
	}
}

func TestPoolStopDrainsWorkers(t *testing.T) {
	t.Parallel()
	pool, _, _ := newTestPool(t, "stream: OK")
	ctx := context.Background()
	pool.Start(ctx)
	pool.Stop() // must return promptly with no tasks in flight
}

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
	"net"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
)

// startPingClamd answers zPING with PONG, enough to drive HealthTracker
// without a real engine (mirrors internal/ha/coordinator_test.go's
// fakeClamd).
func startPingClamd(t *testing.T, answerPing bool) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				if !answerPing {
					return // simulate a dead/unresponsive engine
				}
				r := bufio.NewReader(conn)
				for {
					cmd, err := r.ReadString(0)
					if err != nil {
						return
					}
					if strings.TrimRight(cmd, "\x00") == "zPING" {
						conn.Write([]byte("PONG\x00"))
					}
				}
			}()
		}
	}()
	return ln.Addr().String()
}

func TestHealthTrackerHealthyAfterSuccessfulPing(t *testing.T) {
	t.Parallel()
	addr := startPingClamd(t, true)
	h := &HealthTracker{ClamdAddr: "tcp://" + addr, Log: zap.NewNop()}

	h.ping(context.Background())

	ok, reason := h.Healthy(time.Minute)
	if !ok {
		t.Fatalf("expected healthy, got unhealthy: %s", reason)
	}
}

func TestHealthTrackerUnhealthyBeforeFirstPing(t *testing.T) {
	t.Parallel()
	h := &HealthTracker{ClamdAddr: "127.0.0.1:0", Log: zap.NewNop()}

	ok, reason := h.Healthy(time.Minute)
	if ok {
		t.Fatal("expected unhealthy before any successful PING")
	}
	if reason == "" {
		t.Error("expected a non-empty reason")
	}
}

func TestHealthTrackerUnhealthyWhenClamdUnresponsive(t *testing.T) {
	t.Parallel()
	addr := startPingClamd(t, false)
	h := &HealthTracker{ClamdAddr: "tcp://" + addr, Log: zap.NewNop()}

	h.ping(context.Background())

	ok, _ := h.Healthy(time.Minute)
	if ok {
		t.Fatal("expected unhealthy when clamd never answers PING")
	}
}

func TestHealthTrackerUnhealthyOncePingGoesStale(t *testing.T) {
	t.Parallel()
	addr := startPingClamd(t, true)
	h := &HealthTracker{ClamdAddr: "tcp://" + addr, Log: zap.NewNop()}

	h.ping(context.Background())
	if ok, reason := h.Healthy(time.Minute); !ok {
		t.Fatalf("expected healthy immediately after ping: %s", reason)
	}
	if ok, _ := h.Healthy(0); ok {
		t.Fatal("expected unhealthy once staleAfter has already elapsed")
	}
}

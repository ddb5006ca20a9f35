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
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"virusscan/internal/clamd"
)

const (
	pingInterval = 10 * time.Second
	pingDial     = 3 * time.Second
)

// HealthTracker records the last time this node verified its clamd
// engine was alive with a real PING, independent of whatever the scan
// workers happen to be doing. Spec §6 requires Consumer's /health to
// fail once clamd liveness goes stale, not just on Redis unreachability
// — a worker pool that is merely idle (no tasks queued) must still
// report healthy, so liveness is tracked by its own lightweight pinger
// rather than piggybacked on runScan.
type HealthTracker struct {
	ClamdAddr string
	Log       *zap.Logger

	lastPingUnixNano atomic.Int64
	stopChan         chan struct{}
}

// Run pings clamd every pingInterval until ctx is cancelled or Stop is
// called, grounded on the same ticker/stopChan shape as ha.Coordinator's
// watchdog (internal/ha/coordinator.go).
func (h *HealthTracker) Run(ctx context.Context) {
	h.stopChan = make(chan struct{})
	h.ping(ctx) // seed lastPingUnixNano before the first tick so /health isn't stale-by-default at startup
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.stopChan:
			return
		case <-ticker.C:
			h.ping(ctx)
		}
	}
}

func (h *HealthTracker) Stop() {
	if h.stopChan != nil {
		close(h.stopChan)
	}
}

func (h *HealthTracker) ping(ctx context.Context) {
	conn, err := clamd.Dial(h.ClamdAddr, pingDial)
	if err != nil {
		h.Log.Warn("consumer: health pinger failed to dial clamd", zap.Error(err))
		return
	}
	defer conn.Close()
	if err := conn.Ping(); err != nil {
		h.Log.Warn("consumer: health pinger PING failed", zap.Error(err))
		return
	}
	h.lastPingUnixNano.Store(time.Now().UnixNano())
}

// Healthy reports whether the last successful PING is within staleAfter.
// A zero lastPingUnixNano (no successful PING yet) is always stale.
func (h *HealthTracker) Healthy(staleAfter time.Duration) (bool, string) {
	last := h.lastPingUnixNano.Load()
	if last == 0 {
		return false, "clamd: no successful PING yet"
	}
	age := time.Since(time.Unix(0, last))
	if age > staleAfter {
		return false, "clamd: last successful PING is stale"
	}
	return true, ""
}

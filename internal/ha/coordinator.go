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

// Package ha implements the HA-Update coordinator (spec §4.F): a
// background task in every Consumer process that watches
// clamav:target_epoch, takes the single cluster-wide clamav:update_lock,
// reloads the local clamd engine, and republishes its heartbeat at the
// new epoch. Grounded on the teacher's core.Worker
// (internal/ratelimiter/core/worker.go) for the ticker-driven,
// stopChan-stoppable background-loop shape, and on its Lua CAS pattern
// (internal/ratelimiter/persistence/redis.go) for the lock release.
package ha

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/dgryski/go-rendezvous"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"virusscan/internal/clamd"
	"virusscan/internal/observability/metrics"
	"virusscan/internal/scanerr"
)

const (
	tickInterval      = 5 * time.Second
	watchdogInterval  = 30 * time.Second
	heartbeatTTL      = 30 * time.Second
	updateLockTTL     = 120 * time.Second
	scalingRequestTTL = 300 * time.Second
)

// releaseLockScript is a compare-and-delete: only the node that holds
// update_lock with its own node_id may release it, so a node whose lock
// already expired (and was re-acquired by someone else) can never delete
// a lock it no longer owns.
var releaseLockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Coordinator runs the reload protocol for one Consumer node.
type Coordinator struct {
	Client        *redis.Client
	Prefix        string
	NodeID        string
	ClamdAddr     string
	ClamdDial     time.Duration
	ReloadTimeout time.Duration
	Log           *zap.Logger

	stopChan chan struct{}
}

// Run ticks every tickInterval until ctx is cancelled or Stop is called.
func (c *Coordinator) Run(ctx context.Context) {
	c.stopChan = make(chan struct{})
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopChan:
			return
		case <-ticker.C:
			c.tick(ctx)
		}
	}
}

func (c *Coordinator) Stop() {
	if c.stopChan != nil {
		close(c.stopChan)
	}
}

func (c *Coordinator) key(name string) string { return c.Prefix + name }

// tick implements spec §4.F steps 1-8. A failure at any step is logged
// and retried on the next tick; nothing here is allowed to silently
// report success.
func (c *Coordinator) tick(ctx context.Context) {
	target, err := c.Client.Get(ctx, c.key("clamav:target_epoch")).Result()
	if err != nil && err != redis.Nil {
		c.Log.Warn("ha: read target_epoch failed", zap.Error(err))
		return
	}
	if target == "" {
		return // no update pending
	}

	own, err := c.Client.Get(ctx, c.key("clamav:heartbeat:"+c.NodeID)).Result()
	if err != nil && err != redis.Nil {
		c.Log.Warn("ha: read own heartbeat failed", zap.Error(err))
		return
	}
	if own == target {
		return // already current
	}

	nodes, err := c.liveHeartbeatNodes(ctx)
	if err != nil {
		c.Log.Warn("ha: scan heartbeat keys failed", zap.Error(err))
		return
	}

	if len(nodes) <= 1 && c.shouldAnnounce(nodes) {
		if err := c.Client.Set(ctx, c.key("clamav:scaling_request"), "1", scalingRequestTTL).Err(); err != nil {
			c.Log.Warn("ha: set scaling_request failed", zap.Error(err))
		} else {
			c.Log.Info("ha: sole replica detected, requested surge scale", zap.String("target_epoch", target))
		}
		return // wait for a second node before reloading
	}

	ok, err := c.Client.SetNX(ctx, c.key("clamav:update_lock"), c.NodeID, updateLockTTL).Result()
	if err != nil {
		c.Log.Warn("ha: acquire update_lock failed", zap.Error(err))
		return
	}
	if !ok {
		return // another node is already reloading; back off
	}

	c.Log.Info("ha: acquired update_lock, starting reload", zap.String("target_epoch", target))
	c.reload(ctx, target, nodes)
}

// reload holds update_lock for the duration of one clamd RELOAD, extends
// it via a watchdog, and releases it unconditionally on return.
func (c *Coordinator) reload(ctx context.Context, target string, nodes map[string]string) {
	watchdogCtx, cancelWatchdog := context.WithCancel(ctx)
	defer cancelWatchdog()
	go c.watchdog(watchdogCtx)
	defer c.releaseLock(context.Background())

	reloadCtx, cancel := context.WithTimeout(ctx, c.ReloadTimeout)
	defer cancel()

	if err := c.runReload(reloadCtx); err != nil {
		c.Log.Error("ha: reload failed, heartbeat not advanced", zap.Error(err), zap.String("target_epoch", target))
		return
	}

	if err := c.Client.Set(context.Background(), c.key("clamav:heartbeat:"+c.NodeID), target, heartbeatTTL).Err(); err != nil {
		c.Log.Error("ha: failed to publish heartbeat after successful reload", zap.Error(err))
		return
	}
	metrics.ReloadEpoch.Set(epochNumber(target))
	c.Log.Info("ha: reload complete", zap.String("target_epoch", target))

	nodes[c.NodeID] = target
	c.maybeClearScalingRequest(context.Background(), target, nodes)
}

// runReload sends clamd RELOAD and polls PING until it succeeds or ctx
// expires. A RELOAD is never declared successful without a verified
// PING (spec §4.F step 5 / §7 propagation policy).
func (c *Coordinator) runReload(ctx context.Context) error {
	conn, err := clamd.Dial(c.ClamdAddr, c.ClamdDial)
	if err != nil {
		return scanerr.NewUpdateFailure("ha: dial clamd", err)
	}
	defer conn.Close()

	if err := conn.Reload(); err != nil {
		return scanerr.NewUpdateFailure("ha: send RELOAD", err)
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return scanerr.NewUpdateFailure("ha: reload_timeout exceeded waiting for PING", ctx.Err())
		case <-ticker.C:
			pingConn, err := clamd.Dial(c.ClamdAddr, c.ClamdDial)
			if err != nil {
				continue // clamd still restarting; try again next tick
			}
			pingErr := pingConn.Ping()
			pingConn.Close()
			if pingErr == nil {
				return nil
			}
		}
	}
}

func (c *Coordinator) watchdog(ctx context.Context) {
	ticker := time.NewTicker(watchdogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Client.Expire(context.Background(), c.key("clamav:update_lock"), updateLockTTL).Err(); err != nil {
				c.Log.Warn("ha: watchdog failed to extend update_lock", zap.Error(err))
			}
		}
	}
}

func (c *Coordinator) releaseLock(ctx context.Context) {
	if err := releaseLockScript.Run(ctx, c.Client, []string{c.key("clamav:update_lock")}, c.NodeID).Err(); err != nil && err != redis.Nil {
		c.Log.Warn("ha: release update_lock failed", zap.Error(err))
	}
}

// liveHeartbeatNodes scans clamav:heartbeat:* and returns node_id -> epoch.
func (c *Coordinator) liveHeartbeatNodes(ctx context.Context) (map[string]string, error) {
	nodes := make(map[string]string)
	iter := c.Client.Scan(ctx, 0, c.key("clamav:heartbeat:*"), 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		val, err := c.Client.Get(ctx, key).Result()
		if err != nil {
			continue // expired between SCAN and GET; harmless
		}
		nodeID := key[len(c.key("clamav:heartbeat:")):]
		nodes[nodeID] = val
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("ha: scan heartbeats: %w", err)
	}
	if _, ok := nodes[c.NodeID]; !ok {
		nodes[c.NodeID] = "" // count self even before its first heartbeat exists
	}
	return nodes, nil
}

// maybeClearScalingRequest implements step 8: once every observed
// heartbeat has reached target, the surge is no longer needed.
func (c *Coordinator) maybeClearScalingRequest(ctx context.Context, target string, nodes map[string]string) {
	for _, epoch := range nodes {
		if epoch != target {
			return
		}
	}
	if err := c.Client.Del(ctx, c.key("clamav:scaling_request")).Err(); err != nil {
		c.Log.Warn("ha: clear scaling_request failed", zap.Error(err))
	}
}

// shouldAnnounce deterministically picks one node among the observed
// heartbeat IDs, by rendezvous hashing (github.com/dgryski/go-rendezvous),
// to issue the scaling_request SET. With zero or one observed ID it
// returns true. tick only consults it when at most one node is observed,
// so every node that sees itself as the lone replica sets scaling_request.
func (c *Coordinator) shouldAnnounce(nodes map[string]string) bool {
	if len(nodes) <= 1 {
		return true
	}
	ids := make([]string, 0, len(nodes))
	for id := range nodes {
		ids = append(ids, id)
	}
	r := rendezvous.New(ids, xxhash.Sum64String)
	return r.Lookup("scaling_request") == c.NodeID
}

func epochNumber(epoch string) float64 {
	n, err := strconv.ParseFloat(epoch, 64)
	if err != nil {
		return 0
	}
	return n
}

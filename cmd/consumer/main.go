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

// Package main is the Consumer binary's entry point: a pool of scanning
// workers (spec §4.E) plus the HA-Update coordinator (spec §4.F) running
// alongside it, both driven off the same Redis client. Lifecycle follows
// the same teacher-grounded shape as cmd/producer.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"virusscan/internal/config"
	"virusscan/internal/consumer"
	"virusscan/internal/ha"
	"virusscan/internal/observability/metrics"
	"virusscan/internal/queue"
)

// clamdStaleAfter bounds how old the last successful clamd PING may be
// before /health fails; several multiples of the HealthTracker's own
// ping interval so one missed tick under load doesn't flap the probe.
const clamdStaleAfter = 30 * time.Second

// queueDepthSampleInterval governs how often virusscan_queue_depth is
// refreshed; a gauge, not a counter, so staleness only costs accuracy
// between ticks, not correctness.
const queueDepthSampleInterval = 10 * time.Second

func sampleQueueDepth(ctx context.Context, q *queue.TaskQueue, log *zap.Logger) {
	ticker := time.NewTicker(queueDepthSampleInterval)
	defer ticker.Stop()
	lanes := []string{"scan_priority", "scan_normal"}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, lane := range lanes {
				n, err := q.Depth(ctx, lane)
				if err != nil {
					log.Warn("consumer: queue depth sample failed", zap.String("lane", lane), zap.Error(err))
					continue
				}
				metrics.QueueDepth.WithLabelValues(lane).Set(float64(n))
			}
		}
	}
}

func main() {
	fs := pflag.NewFlagSet("consumer", pflag.ExitOnError)
	cfg := config.Load(fs)
	fs.Parse(os.Args[1:])

	log, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer redisClient.Close()

	taskQueue := queue.New(redisClient, cfg.RedisKeyPrefix)
	providerFactory := &consumer.RedisProviderFactory{
		Client:     redisClient,
		Prefix:     cfg.RedisKeyPrefix,
		ScanTmpDir: cfg.ScanTmpDir,
	}

	numWorkers := cfg.Workers
	if numWorkers <= 0 {
		numWorkers = runtime.GOMAXPROCS(0)
	}
	pool := &consumer.Pool{
		Queue:      taskQueue,
		Provider:   providerFactory,
		ClamdAddr:  cfg.ClamdURL,
		ClamdDial:  5 * time.Second,
		Log:        log,
		NumWorkers: numWorkers,
	}

	coordinator := &ha.Coordinator{
		Client:        redisClient,
		Prefix:        cfg.RedisKeyPrefix,
		NodeID:        cfg.NodeID,
		ClamdAddr:     cfg.ClamdURL,
		ClamdDial:     5 * time.Second,
		ReloadTimeout: cfg.ReloadTimeout(),
		Log:           log,
	}

	health := &consumer.HealthTracker{ClamdAddr: cfg.ClamdURL, Log: log}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool.Start(ctx)
	go coordinator.Run(ctx)
	go health.Run(ctx)
	go sampleQueueDepth(ctx, taskQueue, log)

	mux := http.NewServeMux()
	metrics.Handler(mux, func() (bool, string) {
		if err := redisClient.Ping(context.Background()).Err(); err != nil {
			return false, "redis unreachable: " + err.Error()
		}
		if ok, reason := health.Healthy(clamdStaleAfter); !ok {
			return false, reason
		}
		return true, ""
	})
	httpServer := &http.Server{
		Addr:         cfg.MetricsAddr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		log.Info("consumer: metrics/health listening", zap.String("addr", cfg.MetricsAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("consumer: metrics server stopped", zap.Error(err))
		}
	}()

	log.Info("consumer: started", zap.Int("workers", numWorkers), zap.String("node_id", cfg.NodeID))
	<-ctx.Done()
	log.Info("consumer: shutting down")

	coordinator.Stop()
	health.Stop()
	pool.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("consumer: metrics server shutdown failed", zap.Error(err))
	}

	log.Info("consumer: stopped")
}

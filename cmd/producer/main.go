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

// Package main is the Producer binary's entry point: it wires the Redis
// task queue, the IntelligentCache, the Redis-backed DataProvider
// factory, and serves both the gRPC ext_proc transport and the ICAP
// transport off the same Session state machine. Lifecycle follows the
// teacher's cmd/ratelimiter-api/main.go shape (flags double as
// production knobs, signal-driven graceful shutdown) generalized from
// flag to pflag and from fmt.Println to zap.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"virusscan/internal/cache"
	"virusscan/internal/config"
	"virusscan/internal/observability/metrics"
	"virusscan/internal/producer"
	"virusscan/internal/queue"
)

func main() {
	fs := pflag.NewFlagSet("producer", pflag.ExitOnError)
	cfg := config.Load(fs)
	trustedHosts := fs.StringSlice("trusted_hosts", nil, "Additional hosts to deprioritize to normal priority")
	bypassHosts := fs.StringSlice("bypass_hosts", nil, "Hosts to admit without scanning")
	fs.Parse(os.Args[1:])

	log, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer redisClient.Close()

	taskQueue := queue.New(redisClient, cfg.RedisKeyPrefix)
	intelCache := cache.New(redisClient, cfg.RedisKeyPrefix, cache.Config{
		TrustedHosts: *trustedHosts,
		BypassHosts:  *bypassHosts,
		TTL:          cfg.CacheTTL(),
	})
	providerFactory := &producer.RedisProviderFactory{
		Client:            redisClient,
		Prefix:            cfg.RedisKeyPrefix,
		ScanTmpDir:        cfg.ScanTmpDir,
		SharedDiskMounted: cfg.ScanTmpDir != "",
	}

	deps := producer.Deps{
		Queue:             taskQueue,
		Cache:             intelCache,
		Provider:          providerFactory,
		ProcessingTimeout: cfg.ProcessingTimeout(),
		FailureModeAllow:  cfg.FailureModeAllow,
		BlockStatusCode:   cfg.BlockStatusCode,
		InlineThreshold:   cfg.InlineThresholdBytes(),
		SpillThreshold:    cfg.ScanFileThresholdBytes(),
		AbsoluteCap:       cfg.AbsoluteCapBytes(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	grpcServer := grpc.NewServer()
	producer.Register(grpcServer, &producer.GRPCServer{Deps: deps, Log: log})
	grpcLis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.ProducerPort))
	if err != nil {
		log.Fatal("producer: listen failed", zap.Error(err), zap.Int("port", cfg.ProducerPort))
	}
	go func() {
		log.Info("producer: gRPC ext_proc listening", zap.Int("port", cfg.ProducerPort))
		if err := grpcServer.Serve(grpcLis); err != nil {
			log.Error("producer: gRPC server stopped", zap.Error(err))
		}
	}()

	var icapServer *producer.ICAPServer
	var icapLis net.Listener
	if cfg.ICAPAddr != "" {
		icapServer = &producer.ICAPServer{Deps: deps, Log: log}
		icapLis, err = net.Listen("tcp", cfg.ICAPAddr)
		if err != nil {
			log.Fatal("producer: ICAP listen failed", zap.Error(err), zap.String("addr", cfg.ICAPAddr))
		}
		go func() {
			log.Info("producer: ICAP listening", zap.String("addr", cfg.ICAPAddr))
			if err := icapServer.Serve(ctx, icapLis); err != nil {
				log.Error("producer: ICAP server stopped", zap.Error(err))
			}
		}()
	}

	mux := http.NewServeMux()
	metrics.Handler(mux, func() (bool, string) {
		if err := redisClient.Ping(context.Background()).Err(); err != nil {
			return false, "redis unreachable: " + err.Error()
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
		log.Info("producer: metrics/health listening", zap.String("addr", cfg.MetricsAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("producer: metrics server stopped", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("producer: shutting down")

	grpcServer.GracefulStop()
	if icapLis != nil {
		icapLis.Close()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("producer: metrics server shutdown failed", zap.Error(err))
	}

	log.Info("producer: stopped")
}

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

// Package config loads the environment variables and CLI flags listed in
// spec §6. Flags double as production-ready knobs the way the teacher's
// cmd/ratelimiter-api/main.go flag set did; here both binaries build a
// pflag.FlagSet from the same defaults table so "flags override env" holds
// uniformly without duplicating the var names.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/pflag"
)

// Config is the full set of knobs shared by the Producer and Consumer
// binaries. Not every field is meaningful to both; each cmd/ main only
// reads the fields it needs.
type Config struct {
	RedisHost string
	RedisPort int
	RedisAddr string // derived: host:port

	ClamdURL string

	ScanTmpDir          string
	ScanFileThresholdMB int64
	InlineThresholdKB   int64
	AbsoluteCapGB       int64

	ProducerPort        int
	ProcessingTimeoutMS int64
	FailureModeAllow    bool
	BlockStatusCode     int

	ICAPAddr string

	CacheTTLSeconds int64

	ReloadTimeoutSeconds int64

	MetricsAddr string

	Workers int

	RedisKeyPrefix string
	NodeID         string
}

func envOr(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func envOrInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envOrInt64(key string, def int64) int64 {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

func envOrBool(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

// Load builds defaults from the process environment (spec §6) and lets
// fs, if non-nil, override them via CLI flags of the same name. Call
// fs.Parse(os.Args[1:]) after Load returns so the flags are registered
// before parsing.
func Load(fs *pflag.FlagSet) *Config {
	c := &Config{
		RedisHost:            envOr("REDIS_HOST", "localhost"),
		RedisPort:            envOrInt("REDIS_PORT", 6379),
		ClamdURL:             envOr("CLAMD_URL", "tcp://127.0.0.1:3310"),
		ScanTmpDir:           envOr("SCAN_TMP_DIR", "/tmp/virusscan"),
		ScanFileThresholdMB:  envOrInt64("SCAN_FILE_THRESHOLD_MB", 10),
		InlineThresholdKB:    64,
		AbsoluteCapGB:        2,
		ProducerPort:         envOrInt("PRODUCER_PORT", 50051),
		ProcessingTimeoutMS:  envOrInt64("PROCESSING_TIMEOUT_MS", 30000),
		FailureModeAllow:     envOrBool("FAILURE_MODE_ALLOW", true),
		BlockStatusCode:      406,
		ICAPAddr:             envOr("ICAP_ADDR", ":11344"),
		CacheTTLSeconds:      3600,
		ReloadTimeoutSeconds: 120,
		MetricsAddr:          envOr("METRICS_ADDR", ":8080"),
		Workers:              envOrInt("WORKERS", 0),
		RedisKeyPrefix:       envOr("REDIS_KEY_PREFIX", ""),
		NodeID:               envOr("NODE_ID", defaultNodeID()),
	}

	if fs != nil {
		fs.StringVar(&c.RedisHost, "redis_host", c.RedisHost, "Redis host")
		fs.IntVar(&c.RedisPort, "redis_port", c.RedisPort, "Redis port")
		fs.StringVar(&c.ClamdURL, "clamd_url", c.ClamdURL, "clamd URL (tcp://host:port or unix:///path)")
		fs.StringVar(&c.ScanTmpDir, "scan_tmp_dir", c.ScanTmpDir, "Shared RWX volume for SHARED_DISK mode")
		fs.Int64Var(&c.ScanFileThresholdMB, "scan_file_threshold_mb", c.ScanFileThresholdMB, "Body size at or above which SHARED_DISK is used when STREAM is unavailable")
		fs.IntVar(&c.ProducerPort, "producer_port", c.ProducerPort, "gRPC ext_proc listen port")
		fs.Int64Var(&c.ProcessingTimeoutMS, "processing_timeout_ms", c.ProcessingTimeoutMS, "Max time to wait for a verdict before applying failure_mode_allow")
		fs.BoolVar(&c.FailureModeAllow, "failure_mode_allow", c.FailureModeAllow, "Admit (true) or block (false) on processing timeout")
		fs.IntVar(&c.BlockStatusCode, "block_status_code", c.BlockStatusCode, "HTTP status used for the blocked immediate response")
		fs.StringVar(&c.ICAPAddr, "icap_addr", c.ICAPAddr, "ICAP REQMOD listen address (RESPMOD is answered with 405); empty disables ICAP")
		fs.Int64Var(&c.CacheTTLSeconds, "cache_ttl_seconds", c.CacheTTLSeconds, "IntelligentCache clean-verdict TTL")
		fs.Int64Var(&c.ReloadTimeoutSeconds, "reload_timeout_seconds", c.ReloadTimeoutSeconds, "Bound on one HA engine reload")
		fs.StringVar(&c.MetricsAddr, "metrics_addr", c.MetricsAddr, "Prometheus /metrics and /health listen address")
		fs.IntVar(&c.Workers, "workers", c.Workers, "Consumer worker pool size; 0 means GOMAXPROCS")
		fs.StringVar(&c.RedisKeyPrefix, "redis_key_prefix", c.RedisKeyPrefix, "Namespace prefix for every Redis key this process touches")
		fs.StringVar(&c.NodeID, "node_id", c.NodeID, "Identity used in clamav:heartbeat:<node_id> and update_lock ownership")
		for _, name := range []string{"redis_host", "redis_port"} {
			fl := fs.Lookup(name)
			fl.Value = redisAddrFlag{Value: fl.Value, c: c}
		}
	}

	c.RedisAddr = fmt.Sprintf("%s:%d", c.RedisHost, c.RedisPort)
	return c
}

// redisAddrFlag wraps the redis_host and redis_port flag values so that
// setting either one on the command line re-derives RedisAddr.
type redisAddrFlag struct {
	pflag.Value
	c *Config
}

func (f redisAddrFlag) Set(s string) error {
	err := f.Value.Set(s)
	f.c.RedisAddr = fmt.Sprintf("%s:%d", f.c.RedisHost, f.c.RedisPort)
	return err
}

// ProcessingTimeout is the duration form of ProcessingTimeoutMS.
func (c *Config) ProcessingTimeout() time.Duration {
	return time.Duration(c.ProcessingTimeoutMS) * time.Millisecond
}

func (c *Config) ReloadTimeout() time.Duration {
	return time.Duration(c.ReloadTimeoutSeconds) * time.Second
}

func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSeconds) * time.Second
}

func (c *Config) AbsoluteCapBytes() int64 {
	return c.AbsoluteCapGB * 1024 * 1024 * 1024
}

func (c *Config) ScanFileThresholdBytes() int64 {
	return c.ScanFileThresholdMB * 1024 * 1024
}

func (c *Config) InlineThresholdBytes() int64 {
	return c.InlineThresholdKB * 1024
}

// defaultNodeID falls back to the pod/host name, generating a random
// suffix only if even that is unavailable, so two processes never
// collide on clamav:heartbeat:<node_id> by default.
func defaultNodeID() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return "node-" + strconv.FormatInt(time.Now().UnixNano(), 36)
}

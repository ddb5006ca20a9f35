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

// Package cache implements the IntelligentCache (spec §4.C): a
// read-through Redis cache of clean verdicts keyed by
// (normalized_uri, sha256(body_prefix_4KiB)), plus a static/configurable
// trusted-host priority map. Grounded on the teacher's
// persistence.BuildPersister "mock vs real adapter" split
// (internal/ratelimiter/persistence/factory.go) — here the two adapters
// are a Redis-backed cache and a bypass/priority decision table rather
// than alternate commit backends.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"virusscan/internal/scanerr"
)

const bodyPrefixLen = 4096

// defaultTrustedHosts maps registry-style hosts to priority normal (not
// bypass — trusted sources still get scanned, just deprioritized), per
// spec §4.C.
var defaultTrustedHosts = []string{
	"get.docker.com",
	"registry-1.docker.io",
	"quay.io",
	"gcr.io",
	"ghcr.io",
	"registry.k8s.io",
	"pypi.org",
	"registry.npmjs.org",
	"github.com",
	"*.maven.org",
}

// Config is the administrator-extensible host classification, per spec
// §4.C's `{trusted_hosts, bypass_hosts, ttl_seconds}`.
type Config struct {
	TrustedHosts []string
	BypassHosts  []string
	TTL          time.Duration
}

// Cache is the IntelligentCache.
type Cache struct {
	client       *redis.Client
	prefix       string
	ttl          time.Duration
	trustedHosts map[string]struct{}
	bypassHosts  map[string]struct{}
}

func New(client *redis.Client, keyPrefix string, cfg Config) *Cache {
	trusted := make(map[string]struct{}, len(defaultTrustedHosts)+len(cfg.TrustedHosts))
	for _, h := range defaultTrustedHosts {
		trusted[h] = struct{}{}
	}
	for _, h := range cfg.TrustedHosts {
		trusted[h] = struct{}{}
	}
	bypass := make(map[string]struct{}, len(cfg.BypassHosts))
	for _, h := range cfg.BypassHosts {
		bypass[h] = struct{}{}
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 3600 * time.Second
	}
	return &Cache{client: client, prefix: keyPrefix, ttl: ttl, trustedHosts: trusted, bypassHosts: bypass}
}

// Fingerprint computes the cache key's identity: normalizedURI joined
// by ":" to the hex sha256(body_prefix_4KiB). spec §9 resolves the ambiguity between
// "URI-based" and "content-based" fingerprinting in favor of this
// combined (normalized_uri, content-prefix-hash) shape.
func Fingerprint(normalizedURI string, bodyPrefix []byte) string {
	prefix := bodyPrefix
	if len(prefix) > bodyPrefixLen {
		prefix = prefix[:bodyPrefixLen]
	}
	sum := sha256.Sum256(prefix)
	return normalizedURI + ":" + hex.EncodeToString(sum[:])
}

// NormalizeURI lower-cases the scheme/host and strips a trailing slash,
// the minimal normalization needed for stable cache keys.
func NormalizeURI(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Path = strings.TrimSuffix(u.Path, "/")
	return u.String()
}

func hostMatches(set map[string]struct{}, host string) bool {
	host = strings.ToLower(host)
	if _, ok := set[host]; ok {
		return true
	}
	// wildcard "*.suffix" entries
	for pattern := range set {
		if strings.HasPrefix(pattern, "*.") && strings.HasSuffix(host, pattern[1:]) {
			return true
		}
	}
	return false
}

// BypassReason classifies a host for the Producer's DECIDE_BYPASS
// transition. It never returns a bare "bypass" for a trusted registry —
// those are deprioritized, not skipped (spec §4.C).
type BypassReason string

const (
	BypassNone       BypassReason = ""
	BypassHost       BypassReason = "bypass_host"
	BypassCleanCache BypassReason = "clean_cache_hit"
)

// Classify returns whether host is an explicit bypass host and, if not,
// whether it should be deprioritized to normal even under a
// high-priority header.
func (c *Cache) Classify(host string) (bypass bool, forceNormalPriority bool) {
	if hostMatches(c.bypassHosts, host) {
		return true, false
	}
	if hostMatches(c.trustedHosts, host) {
		return false, true
	}
	return false, false
}

// Lookup returns a cached CLEAN verdict for fingerprint, if any.
func (c *Cache) Lookup(ctx context.Context, fingerprint string) (hit bool, err error) {
	n, rerr := c.client.Exists(ctx, c.prefix+"cache:verdict:"+fingerprint).Result()
	if rerr != nil {
		return false, scanerr.NewTransientIO("cache: lookup", rerr)
	}
	return n == 1, nil
}

// StoreClean memoizes a CLEAN verdict. Only clean verdicts are ever
// cached — infected verdicts are never cached so operational alerting
// always fires on a genuine rescan (spec §4.C).
func (c *Cache) StoreClean(ctx context.Context, fingerprint string) error {
	key := c.prefix + "cache:verdict:" + fingerprint
	if err := c.client.Set(ctx, key, "1", c.ttl).Err(); err != nil {
		return scanerr.NewTransientIO("cache: store clean verdict", err)
	}
	return nil
}

func (c *Cache) TTL() time.Duration { return c.ttl }

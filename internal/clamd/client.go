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

// Package clamd is a minimal client for clamd's line protocol
// (INSTREAM/PING/VERSION/RELOAD), addressed the same way the teacher's
// GoRedisEvaler parses a Redis address
// (internal/ratelimiter/persistence/clients.go): a single Dial(addr)
// entry point that accepts "tcp://host:port" or "unix:///path". Error
// shaping follows DevHatRo-clamav-api-sdk-go/errors.go's
// Error{Code,Message,Cause} + Is*Error predicate pattern, adapted to this
// package's codes.
package clamd

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"virusscan/internal/scanerr"
)

// Verdict is the outcome of one INSTREAM scan.
type Verdict struct {
	Clean bool
	Virus string // set iff !Clean and the session ended with FOUND
	Error bool   // set when clamd itself reported ERROR
	Raw   string
}

// Conn is one exclusive connection to clamd. INSTREAM is not re-entrant
// on a single connection (spec §5), so each Consumer worker owns one
// Conn for the duration of a scan.
type Conn struct {
	nc      net.Conn
	r       *bufio.Reader
	timeout time.Duration
}

// Dial parses addr ("tcp://host:port" or "unix:///path") and opens a new
// connection with the given I/O timeout.
func Dial(addr string, timeout time.Duration) (*Conn, error) {
	network, target, err := parseAddr(addr)
	if err != nil {
		return nil, scanerr.NewProtocolViolation("clamd: parse address", err)
	}
	nc, err := net.DialTimeout(network, target, timeout)
	if err != nil {
		return nil, scanerr.NewTransientIO("clamd: dial", err)
	}
	return &Conn{nc: nc, r: bufio.NewReader(nc), timeout: timeout}, nil
}

func parseAddr(addr string) (network, target string, err error) {
	switch {
	case strings.HasPrefix(addr, "tcp://"):
		return "tcp", strings.TrimPrefix(addr, "tcp://"), nil
	case strings.HasPrefix(addr, "unix://"):
		return "unix", strings.TrimPrefix(addr, "unix://"), nil
	default:
		return "", "", fmt.Errorf("clamd: unsupported address scheme in %q", addr)
	}
}

func (c *Conn) Close() error { return c.nc.Close() }

func (c *Conn) deadline() time.Time { return time.Now().Add(c.timeout) }

// Ping sends PING and expects PONG.
func (c *Conn) Ping() error {
	if err := c.nc.SetDeadline(c.deadline()); err != nil {
		return scanerr.NewTransientIO("clamd: set deadline", err)
	}
	if _, err := c.nc.Write([]byte("zPING\x00")); err != nil {
		return scanerr.NewTransientIO("clamd: write PING", err)
	}
	line, err := c.r.ReadString(0)
	if err != nil {
		return scanerr.NewTransientIO("clamd: read PING reply", err)
	}
	if strings.TrimRight(line, "\x00") != "PONG" {
		return scanerr.NewScanError("clamd: unexpected PING reply: "+line, nil)
	}
	return nil
}

// Version sends VERSION and returns the raw banner string.
func (c *Conn) Version() (string, error) {
	if err := c.nc.SetDeadline(c.deadline()); err != nil {
		return "", scanerr.NewTransientIO("clamd: set deadline", err)
	}
	if _, err := c.nc.Write([]byte("zVERSION\x00")); err != nil {
		return "", scanerr.NewTransientIO("clamd: write VERSION", err)
	}
	line, err := c.r.ReadString(0)
	if err != nil {
		return "", scanerr.NewTransientIO("clamd: read VERSION reply", err)
	}
	return strings.TrimRight(line, "\x00"), nil
}

// Reload sends RELOAD. clamd does not reply to RELOAD; callers must poll
// Ping afterward until it succeeds or reload_timeout elapses (spec §4.F
// step 5 — "never declare reload success without a verified PING").
func (c *Conn) Reload() error {
	if err := c.nc.SetDeadline(c.deadline()); err != nil {
		return scanerr.NewTransientIO("clamd: set deadline", err)
	}
	if _, err := c.nc.Write([]byte("zRELOAD\x00")); err != nil {
		return scanerr.NewTransientIO("clamd: write RELOAD", err)
	}
	return nil
}

// BeginInstream starts an INSTREAM session. The caller must call
// SendChunk for each body chunk (each ≤ StreamMaxChunk), then End to
// send the zero-length terminator and read the verdict.
func (c *Conn) BeginInstream() error {
	if err := c.nc.SetDeadline(c.deadline()); err != nil {
		return scanerr.NewTransientIO("clamd: set deadline", err)
	}
	if _, err := c.nc.Write([]byte("zINSTREAM\x00")); err != nil {
		return scanerr.NewTransientIO("clamd: write INSTREAM", err)
	}
	return nil
}

// StreamMaxChunk is clamd's documented per-chunk limit for INSTREAM.
const StreamMaxChunk = 1 << 20

// SendChunk sends one length-prefixed chunk, per clamd's INSTREAM
// framing (4-byte big-endian length, then the raw bytes).
func (c *Conn) SendChunk(data []byte) error {
	if len(data) > StreamMaxChunk {
		return scanerr.NewProtocolViolation("clamd: chunk exceeds INSTREAM max", nil)
	}
	if err := c.nc.SetDeadline(c.deadline()); err != nil {
		return scanerr.NewTransientIO("clamd: set deadline", err)
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(data)))
	if _, err := c.nc.Write(hdr[:]); err != nil {
		return scanerr.NewTransientIO("clamd: write chunk length", err)
	}
	if len(data) > 0 {
		if _, err := c.nc.Write(data); err != nil {
			return scanerr.NewTransientIO("clamd: write chunk", err)
		}
	}
	return nil
}

// End sends the zero-length terminator and reads clamd's single-line
// verdict.
func (c *Conn) End() (Verdict, error) {
	var zero [4]byte
	if err := c.nc.SetDeadline(c.deadline()); err != nil {
		return Verdict{}, scanerr.NewTransientIO("clamd: set deadline", err)
	}
	if _, err := c.nc.Write(zero[:]); err != nil {
		return Verdict{}, scanerr.NewTransientIO("clamd: write terminator", err)
	}
	line, err := c.r.ReadString('\n')
	if err != nil {
		return Verdict{}, scanerr.NewTransientIO("clamd: read verdict", err)
	}
	line = strings.TrimRight(line, "\x00\n\r")
	return parseVerdict(line), nil
}

// parseVerdict interprets clamd's "stream: OK", "stream: <name> FOUND",
// or "stream: <msg> ERROR" reply shapes (spec §4.E step 6).
func parseVerdict(line string) Verdict {
	switch {
	case strings.HasSuffix(line, "OK"):
		return Verdict{Clean: true, Raw: line}
	case strings.HasSuffix(line, "FOUND"):
		name := strings.TrimSuffix(line, "FOUND")
		if idx := strings.Index(name, ": "); idx >= 0 {
			name = name[idx+2:]
		}
		return Verdict{Clean: false, Virus: strings.TrimSpace(name), Raw: line}
	default:
		return Verdict{Error: true, Raw: line}
	}
}

// ParsePort is a small helper for callers constructing tcp:// addresses
// from separate host/port config fields.
func ParsePort(s string) (int, error) { return strconv.Atoi(s) }

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

// Package wire defines the on-the-wire shapes shared between the Producer
// and the Consumer: the task queue element header, and the scan result
// JSON document. Both sides import this package so the framing stays in
// lockstep without either one re-deriving it.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Priority is the queue lane a task is pushed onto.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
)

// ParsePriority maps the X-Priority header value to a Priority, defaulting
// to normal for anything other than "high".
func ParsePriority(s string) Priority {
	if strings.EqualFold(s, "high") {
		return PriorityHigh
	}
	return PriorityNormal
}

// Mode selects which DataProvider variant backs a task's content.
type Mode string

const (
	ModeInline Mode = "INLINE"
	ModeStream Mode = "STREAM"
	ModePath   Mode = "PATH"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeInline, ModeStream, ModePath:
		return Mode(s), nil
	default:
		return "", fmt.Errorf("wire: unknown mode %q", s)
	}
}

// RequestMetadata carries the origin-request context a verdict may need for
// logging, cache keying, or admin decisions. It never appears in the queue
// header, and no code in this module populates or stores it.
type RequestMetadata struct {
	URI         string `json:"uri,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	TenantID    string `json:"tenant_id,omitempty"`
}

// Task is a scan request as understood by both Producer and Consumer.
type Task struct {
	ID         string
	Priority   Priority
	Mode       Mode
	PushTimeNS int64
	ContentRef string
	Metadata   *RequestMetadata
}

// QueueKey returns the Redis list the task belongs on.
func (t Task) QueueKey(prefix string) string {
	if t.Priority == PriorityHigh {
		return prefix + "scan_priority"
	}
	return prefix + "scan_normal"
}

// Encode renders the pipe-delimited queue header described in spec §3.
// Binary content never appears here — ContentRef is always a key or path.
func (t Task) Encode() string {
	return fmt.Sprintf("%s|%s|%d|%s", t.ID, t.Mode, t.PushTimeNS, t.ContentRef)
}

// Decode parses a queue header produced by Encode. A malformed header is a
// protocol violation (spec §7.2) and callers should publish an ERROR result
// for the task without re-enqueuing it.
func Decode(header string) (Task, error) {
	parts := strings.SplitN(header, "|", 4)
	if len(parts) != 4 {
		return Task{}, fmt.Errorf("wire: malformed header, want 4 fields, got %d", len(parts))
	}
	if parts[0] == "" {
		return Task{}, errors.New("wire: empty task_id")
	}
	mode, err := ParseMode(parts[1])
	if err != nil {
		return Task{}, err
	}
	pushTime, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return Task{}, fmt.Errorf("wire: invalid push_time_ns: %w", err)
	}
	return Task{
		ID:         parts[0],
		Mode:       mode,
		PushTimeNS: pushTime,
		ContentRef: parts[3],
	}, nil
}

// Status is the verdict classification reported in a Result.
type Status string

const (
	StatusClean    Status = "CLEAN"
	StatusInfected Status = "INFECTED"
	StatusError    Status = "ERROR"
)

// Metrics is the timing payload attached to every Result.
type Metrics struct {
	ScanMS     int64 `json:"scan_ms"`
	TotalTatMS int64 `json:"total_tat_ms"`
}

// Result is the JSON document published at result:<task_id>.
type Result struct {
	Status  Status   `json:"status"`
	Virus   *string  `json:"virus"`
	DataKey *string  `json:"data_key"`
	Metrics *Metrics `json:"metrics"`
}

// Encode is what TaskQueue.PublishResult calls. Virus and DataKey carry no
// omitempty tag, so nil values render as JSON null instead of being
// omitted, matching the schema in spec §3.
func (r Result) Encode() ([]byte, error) {
	return json.Marshal(r)
}

func DecodeResult(b []byte) (Result, error) {
	var r Result
	if err := json.Unmarshal(b, &r); err != nil {
		return Result{}, err
	}
	return r, nil
}

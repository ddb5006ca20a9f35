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

package wire

import (
	"strings"
	"testing"
)

func TestTaskEncodeDecodeRoundTrip(t *testing.T) {
	t.Parallel()
	tasks := []Task{
		{ID: "abc-123", Mode: ModeInline, PushTimeNS: 1700000000000000000, ContentRef: "inline:abc-123"},
		{ID: "def-456", Mode: ModeStream, PushTimeNS: 42, ContentRef: "chunks:def-456"},
		{ID: "ghi-789", Mode: ModePath, PushTimeNS: 1, ContentRef: "/tmp/virusscan/ghi-789"},
	}
	for _, want := range tasks {
		header := want.Encode()
		got, err := Decode(header)
		if err != nil {
			t.Fatalf("Decode(%q) error: %v", header, err)
		}
		if got.ID != want.ID || got.Mode != want.Mode || got.PushTimeNS != want.PushTimeNS || got.ContentRef != want.ContentRef {
			t.Fatalf("round-trip mismatch: got %+v, want %+v", got, want)
		}
	}
}

func TestDecodeMalformedHeader(t *testing.T) {
	t.Parallel()
	cases := []string{
		"",
		"only-one-field",
		"id|BOGUS_MODE|1|ref",
		"id|INLINE|not-a-number|ref",
		"|INLINE|1|ref",
	}
	for _, header := range cases {
		if _, err := Decode(header); err == nil {
			t.Errorf("Decode(%q) = nil error, want error", header)
		}
	}
}

func TestQueueKeySelectsLaneByPriority(t *testing.T) {
	t.Parallel()
	high := Task{Priority: PriorityHigh}
	normal := Task{Priority: PriorityNormal}
	if got := high.QueueKey("p:"); got != "p:scan_priority" {
		t.Errorf("high priority queue key = %q, want p:scan_priority", got)
	}
	if got := normal.QueueKey("p:"); got != "p:scan_normal" {
		t.Errorf("normal priority queue key = %q, want p:scan_normal", got)
	}
}

func TestParsePriorityDefaultsToNormal(t *testing.T) {
	t.Parallel()
	if ParsePriority("high") != PriorityHigh {
		t.Error("ParsePriority(\"high\") should be PriorityHigh")
	}
	if ParsePriority("HIGH") != PriorityHigh {
		t.Error("ParsePriority is case-insensitive")
	}
	for _, s := range []string{"", "normal", "bogus"} {
		if ParsePriority(s) != PriorityNormal {
			t.Errorf("ParsePriority(%q) should default to normal", s)
		}
	}
}

func TestResultEncodeNullsOmittedFields(t *testing.T) {
	t.Parallel()
	r := Result{Status: StatusClean, Metrics: &Metrics{ScanMS: 5, TotalTatMS: 10}}
	body, err := r.Encode()
	if err != nil {
		t.Fatalf("Encode error: %v", err)
	}
	if !strings.Contains(string(body), `"virus":null`) {
		t.Errorf("encoded result should render nil Virus as null, got %s", body)
	}
	if !strings.Contains(string(body), `"data_key":null`) {
		t.Errorf("encoded result should render nil DataKey as null, got %s", body)
	}

	back, err := DecodeResult(body)
	if err != nil {
		t.Fatalf("DecodeResult error: %v", err)
	}
	if back.Status != StatusClean || back.Virus != nil || back.Metrics.ScanMS != 5 {
		t.Fatalf("round-trip mismatch: %+v", back)
	}
}

func TestResultEncodeInfectedCarriesVirusName(t *testing.T) {
	t.Parallel()
	name := "Eicar-Test-Signature"
	r := Result{Status: StatusInfected, Virus: &name, Metrics: &Metrics{TotalTatMS: 20}}
	body, err := r.Encode()
	if err != nil {
		t.Fatalf("Encode error: %v", err)
	}
	back, err := DecodeResult(body)
	if err != nil {
		t.Fatalf("DecodeResult error: %v", err)
	}
	if back.Virus == nil || *back.Virus != name {
		t.Fatalf("virus name not preserved: %+v", back)
	}
}

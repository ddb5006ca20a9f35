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

// Package metrics registers the process-wide Prometheus collectors listed
// in spec §6. Collectors are package-level vars registered eagerly in
// init(), mirroring the teacher's internal/ratelimiter/telemetry/churn
// package — registration is harmless even when /metrics is never mounted.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	tatBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000}

	PriorityTatMS = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "virusscan_priority_tat_ms",
		Help:    "Turn-around time in ms for high-priority tasks",
		Buckets: tatBuckets,
	})
	NormalTatMS = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "virusscan_normal_tat_ms",
		Help:    "Turn-around time in ms for normal-priority tasks",
		Buckets: tatBuckets,
	})
	IngestTatMS = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "virusscan_ingest_tat_ms",
		Help:    "Producer-side ingest duration in ms, from first byte to EOF",
		Buckets: tatBuckets,
	})
	TasksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "virusscan_tasks_total",
		Help: "Total scanned tasks by verdict and priority",
	}, []string{"verdict", "priority"})
	TimeoutsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "virusscan_timeouts_total",
		Help: "Total processing-timeout events by resulting verdict",
	}, []string{"verdict"})
	BypassTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "virusscan_bypass_total",
		Help: "Total requests that bypassed scanning, by reason",
	}, []string{"reason"})
	ReloadEpoch = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "virusscan_reload_epoch",
		Help: "Engine epoch currently reflected by this node's heartbeat",
	})
	QueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "virusscan_queue_depth",
		Help: "Sampled depth of a task queue",
	}, []string{"queue"})
)

func init() {
	prometheus.MustRegister(
		PriorityTatMS, NormalTatMS, IngestTatMS,
		TasksTotal, TimeoutsTotal, BypassTotal,
		ReloadEpoch, QueueDepth,
	)
}

// ObserveVerdict records task completion metrics for one terminal verdict.
func ObserveVerdict(verdict, priority string, tatMS int64) {
	TasksTotal.WithLabelValues(verdict, priority).Inc()
	if priority == "high" {
		PriorityTatMS.Observe(float64(tatMS))
	} else {
		NormalTatMS.Observe(float64(tatMS))
	}
}

// Handler mounts /metrics and /health on mux. healthy is called on every
// /health request; the callbacks in cmd/producer and cmd/consumer PING
// Redis live on each call.
func Handler(mux *http.ServeMux, healthy func() (bool, string)) {
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		ok, reason := healthy()
		if ok {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(reason))
	})
}

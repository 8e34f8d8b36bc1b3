// Copyright 2025 Tom Barlow
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

// Package metrics exposes Prometheus collectors for the engine.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	runsTriggered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "durably_runs_triggered_total",
			Help: "Total runs created, by job",
		},
		[]string{"job"},
	)

	runsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "durably_runs_completed_total",
			Help: "Total runs reaching a terminal state, by job and status",
		},
		[]string{"job", "status"},
	)

	runDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "durably_run_duration_seconds",
			Help:    "Wall-clock duration of run attempts, by job and status",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 16),
		},
		[]string{"job", "status"},
	)

	stepsExecuted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "durably_steps_executed_total",
			Help: "Total step executions (cache hits excluded), by job and status",
		},
		[]string{"job", "status"},
	)

	stepsReplayed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "durably_steps_replayed_total",
			Help: "Total memoized step cache hits, by job",
		},
		[]string{"job"},
	)

	stepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "durably_step_duration_seconds",
			Help:    "Duration of step executions, by job",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 16),
		},
		[]string{"job"},
	)

	heartbeatFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "durably_heartbeat_failures_total",
			Help: "Total heartbeat writes that failed",
		},
	)

	runsReaped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "durably_runs_reaped_total",
			Help: "Total stale runs reset to pending by the reaper",
		},
	)

	eventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "durably_events_dropped_total",
			Help: "Total events dropped due to subscriber backpressure",
		},
	)

	claimErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "durably_claim_errors_total",
			Help: "Total errors while polling for claimable runs",
		},
	)
)

// RecordRunTriggered increments the trigger counter for a job.
func RecordRunTriggered(job string) {
	runsTriggered.WithLabelValues(job).Inc()
}

// RecordRunCompleted records a terminal transition and its attempt duration.
func RecordRunCompleted(job, status string, duration time.Duration) {
	runsCompleted.WithLabelValues(job, status).Inc()
	runDuration.WithLabelValues(job, status).Observe(duration.Seconds())
}

// RecordStepExecuted records a fresh step execution.
func RecordStepExecuted(job, status string, duration time.Duration) {
	stepsExecuted.WithLabelValues(job, status).Inc()
	stepDuration.WithLabelValues(job).Observe(duration.Seconds())
}

// RecordStepReplayed records a memoized cache hit.
func RecordStepReplayed(job string) {
	stepsReplayed.WithLabelValues(job).Inc()
}

// RecordHeartbeatFailure increments the heartbeat failure counter.
func RecordHeartbeatFailure() {
	heartbeatFailures.Inc()
}

// RecordRunsReaped adds to the reaped-run counter.
func RecordRunsReaped(count int) {
	runsReaped.Add(float64(count))
}

// RecordEventsDropped adds to the dropped-event counter.
func RecordEventsDropped(count int) {
	eventsDropped.Add(float64(count))
}

// RecordClaimError increments the claim error counter.
func RecordClaimError() {
	claimErrors.Inc()
}

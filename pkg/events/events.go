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

// Package events defines the event union published by the engine.
//
// Events are a tagged union serialized as a single JSON object with Type as
// the tag; unused fields are omitted. Sequence is a monotonic per-process
// counter assigned at publish time, so subscribers can rely on strictly
// increasing order within one stream.
package events

import (
	"encoding/json"
	"time"
)

// Type tags an event variant.
type Type string

const (
	// RunTrigger is emitted after a run row is created, before any worker
	// observes it. Carries the payload.
	RunTrigger Type = "run:trigger"
	// RunStart is emitted when a run transitions to running.
	RunStart Type = "run:start"
	// RunProgress is emitted on every progress report.
	RunProgress Type = "run:progress"
	// RunComplete is emitted on success. Carries the output and duration.
	RunComplete Type = "run:complete"
	// RunFail is emitted on failure. Carries the error and the failing step name.
	RunFail Type = "run:fail"
	// RunCancel is emitted when a run is cancelled.
	RunCancel Type = "run:cancel"
	// RunRetry is emitted when an operator retries a failed or cancelled run.
	RunRetry Type = "run:retry"
	// StepStart is emitted before a step function is invoked. Replayed steps
	// emit no events.
	StepStart Type = "step:start"
	// StepComplete is emitted after a step function returns. Carries the
	// output and duration.
	StepComplete Type = "step:complete"
	// StepFail is emitted after a step function returns an error.
	StepFail Type = "step:fail"
	// LogWrite is emitted for each persisted log entry.
	LogWrite Type = "log:write"
	// WorkerError reports a non-fatal engine fault (heartbeat write failure,
	// subscriber backpressure, reaper errors).
	WorkerError Type = "worker:error"
)

// Contexts carried by WorkerError events.
const (
	ContextHeartbeat              = "heartbeat"
	ContextReaper                 = "reaper"
	ContextClaim                  = "claim"
	ContextSubscriberBackpressure = "subscriber_backpressure"
)

// Progress mirrors the run's progress column on RunProgress events.
type Progress struct {
	Current int    `json:"current"`
	Total   *int   `json:"total,omitempty"`
	Message string `json:"message,omitempty"`
}

// Event is one notification from the engine. RunID and Timestamp are set on
// every variant except process-scoped WorkerError events, which may omit RunID.
type Event struct {
	Sequence  uint64    `json:"sequence"`
	Type      Type      `json:"type"`
	RunID     string    `json:"runId,omitempty"`
	JobName   string    `json:"jobName,omitempty"`
	Timestamp time.Time `json:"timestamp"`

	// StepName is set on step events, on RunFail (the failing step), and on
	// LogWrite entries emitted inside a step.
	StepName string `json:"stepName,omitempty"`

	Payload    json.RawMessage `json:"payload,omitempty"`
	Output     json.RawMessage `json:"output,omitempty"`
	Error      string          `json:"error,omitempty"`
	Progress   *Progress       `json:"progress,omitempty"`
	DurationMs int64           `json:"durationMs,omitempty"`

	// Level, Message, and Data are set on LogWrite events.
	Level   string          `json:"level,omitempty"`
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`

	// Context qualifies WorkerError events.
	Context  string `json:"context,omitempty"`
	WorkerID string `json:"workerId,omitempty"`
}

// Terminal reports whether the event ends a run's attempt stream.
func (e Event) Terminal() bool {
	switch e.Type {
	case RunComplete, RunFail, RunCancel:
		return true
	}
	return false
}

// Filter selects a subset of the event stream. Zero value matches everything.
type Filter struct {
	// RunID restricts the stream to a single run.
	RunID string
	// JobName restricts the stream to runs of one job.
	JobName string
}

// Matches reports whether the event passes the filter. Process-scoped
// WorkerError events (no run ID) pass run-filtered streams so subscribers
// still observe backpressure and heartbeat faults.
func (f Filter) Matches(e Event) bool {
	if f.RunID != "" && e.RunID != "" && e.RunID != f.RunID {
		return false
	}
	if f.RunID != "" && e.RunID == "" && e.Type != WorkerError {
		return false
	}
	if f.JobName != "" && e.JobName != "" && e.JobName != f.JobName {
		return false
	}
	return true
}

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

package durably

import (
	"context"
	"encoding/json"
	"fmt"
)

// RunFunc is the body of a job. It receives the trigger payload and a step
// context for memoized sub-steps, progress reports, and durable logging. The
// returned value is marshaled to JSON and stored as the run's output.
//
// The context is cancelled when the worker shuts down; cooperative run
// cancellation is surfaced through StepContext instead, so a half-finished
// step is never silently abandoned mid-write.
type RunFunc func(ctx context.Context, step *StepContext, payload json.RawMessage) (any, error)

// Validator checks a payload or output document. A non-nil error rejects it.
type Validator func(raw json.RawMessage) error

// Job is a reusable definition of durable work, identified by Name.
type Job struct {
	// Name uniquely identifies the job within an instance.
	Name string

	// Run is the job body. Required.
	Run RunFunc

	// ValidateInput, if set, is applied to the payload at trigger time and
	// again before execution. Invalid payloads never create a run row.
	ValidateInput Validator

	// ValidateOutput, if set, is applied to the marshaled output before the
	// run is marked completed. A rejection fails the run.
	ValidateOutput Validator
}

func (j Job) validate() error {
	if j.Name == "" {
		return fmt.Errorf("job name is required")
	}
	if j.Run == nil {
		return fmt.Errorf("job %q has no run function", j.Name)
	}
	return nil
}

// UnmarshalPayload decodes a trigger payload into a typed value. It is a
// convenience for job bodies that take structured input.
func UnmarshalPayload[T any](payload json.RawMessage) (T, error) {
	var v T
	if len(payload) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(payload, &v); err != nil {
		return v, fmt.Errorf("failed to decode payload: %w", err)
	}
	return v, nil
}

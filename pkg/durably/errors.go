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
	"errors"
	"fmt"

	"github.com/durably/durably/pkg/storage"
)

// Sentinel errors surfaced by the public API. Storage sentinels are re-bound
// here so callers never import the storage package for errors.Is checks.
var (
	// ErrNotFound is returned when a run, step, or job does not exist.
	ErrNotFound = storage.ErrNotFound

	// ErrInvalidTransition is returned when an operator action targets a run
	// whose status does not permit it.
	ErrInvalidTransition = storage.ErrInvalidTransition

	// ErrDuplicateStep is returned when a step name is reused within a run.
	ErrDuplicateStep = storage.ErrDuplicateStep

	// ErrCancelled is the cooperative cancellation sentinel. Step functions
	// are never invoked after cancellation is observed; user code that sees
	// this error from StepContext.Run should return it unchanged.
	ErrCancelled = errors.New("run cancelled")

	// ErrJobNotRegistered is returned when a trigger or claim references a
	// job name with no definition in this process.
	ErrJobNotRegistered = errors.New("job not registered")

	// ErrStopped is returned for operations on a stopped instance.
	ErrStopped = errors.New("instance stopped")

	// ErrWaitTimeout is returned by TriggerAndWait when the timeout elapses.
	// The underlying run keeps executing.
	ErrWaitTimeout = errors.New("wait timed out")
)

// ValidationError reports a payload or output that failed the job's validator.
type ValidationError struct {
	// Kind is "input" or "output".
	Kind string
	Err  error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s validation failed: %v", e.Kind, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// StepError wraps a failure raised inside a named step.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %q failed: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// RunFailure is the rejection returned by TriggerAndWait when the run fails.
type RunFailure struct {
	RunID      string
	FailedStep string
	Reason     string
}

func (e *RunFailure) Error() string {
	if e.FailedStep != "" {
		return fmt.Sprintf("run %s failed at step %q: %s", e.RunID, e.FailedStep, e.Reason)
	}
	return fmt.Sprintf("run %s failed: %s", e.RunID, e.Reason)
}

// failedStepName extracts the step name from a StepError chain, if any.
func failedStepName(err error) string {
	var stepErr *StepError
	if errors.As(err, &stepErr) {
		return stepErr.Step
	}
	return ""
}

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
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/durably/durably/internal/bus"
	intlog "github.com/durably/durably/internal/log"
	"github.com/durably/durably/internal/metrics"
	"github.com/durably/durably/pkg/events"
	"github.com/durably/durably/pkg/storage"
)

// StepContext is handed to a job's RunFunc. It scopes memoized steps,
// progress reports, and durable logs to one run. Not safe for concurrent use;
// a run body executes steps sequentially by contract.
type StepContext struct {
	runID   string
	jobName string

	store  storage.Store
	bus    *bus.Bus
	logger *slog.Logger
	tracer trace.Tracer

	// seen tracks step names completed during this attempt, fresh or
	// replayed, so duplicate names fail fast before touching the store.
	seen map[string]struct{}

	// localCancel is set by Cancel on the owning instance; the durable
	// cancel_requested flag covers cancellation from other processes.
	localCancel func() bool
}

// RunID returns the ID of the run this context belongs to.
func (s *StepContext) RunID() string { return s.runID }

// JobName returns the name of the job being executed.
func (s *StepContext) JobName() string { return s.jobName }

// cancelRequested checks the in-memory signal first, then the durable flag.
func (s *StepContext) cancelRequested(ctx context.Context) bool {
	if s.localCancel != nil && s.localCancel() {
		return true
	}
	run, err := s.store.GetRun(ctx, s.runID)
	if err != nil {
		s.logger.Warn("failed to read cancel flag", intlog.RunIDKey, s.runID, "error", err)
		return false
	}
	return run.CancelRequested
}

// Run executes a named memoized step. If a completed checkpoint exists for
// the name, its stored output is returned without invoking fn and without
// emitting events. Otherwise fn runs exactly once, its outcome is persisted,
// and step:start / step:complete / step:fail events are published.
//
// Cancellation is checked before fn is invoked; once a run is cancelled no
// further step function executes. Reusing a step name within one run fails
// the run with ErrDuplicateStep.
func (s *StepContext) Run(ctx context.Context, name string, fn func(ctx context.Context) (any, error)) (json.RawMessage, error) {
	if name == "" {
		return nil, &StepError{Step: name, Err: fmt.Errorf("step name is required")}
	}
	if _, dup := s.seen[name]; dup {
		return nil, &StepError{Step: name, Err: ErrDuplicateStep}
	}
	if s.cancelRequested(ctx) {
		return nil, ErrCancelled
	}

	// Replay path: a completed checkpoint is a cache hit. Failed rows from a
	// previous attempt are overwritten by re-execution.
	existing, err := s.store.GetStep(ctx, s.runID, name)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, &StepError{Step: name, Err: fmt.Errorf("failed to read checkpoint: %w", err)}
	}
	if existing != nil && existing.Status == storage.StepCompleted {
		s.seen[name] = struct{}{}
		s.logger.Debug("step replayed from checkpoint",
			intlog.RunIDKey, s.runID, intlog.StepNameKey, name)
		metrics.RecordStepReplayed(s.jobName)
		return existing.Output, nil
	}

	ctx, span := s.tracer.Start(ctx, "step.run",
		trace.WithAttributes(
			attribute.String("durably.run_id", s.runID),
			attribute.String("durably.job", s.jobName),
			attribute.String("durably.step", name),
		))
	defer span.End()

	started := time.Now().UTC()
	s.bus.Publish(events.Event{
		Type:     events.StepStart,
		RunID:    s.runID,
		JobName:  s.jobName,
		StepName: name,
	})

	result, runErr := s.invoke(ctx, fn)
	duration := time.Since(started)

	if runErr != nil {
		span.SetStatus(codes.Error, runErr.Error())
		if _, err := s.store.UpsertStep(ctx, storage.UpsertStepRequest{
			RunID:     s.runID,
			Name:      name,
			Status:    storage.StepFailed,
			Error:     runErr.Error(),
			StartedAt: started,
		}); err != nil {
			s.logger.Warn("failed to record step failure",
				intlog.RunIDKey, s.runID, intlog.StepNameKey, name, "error", err)
		}
		s.bus.Publish(events.Event{
			Type:       events.StepFail,
			RunID:      s.runID,
			JobName:    s.jobName,
			StepName:   name,
			Error:      runErr.Error(),
			DurationMs: duration.Milliseconds(),
		})
		metrics.RecordStepExecuted(s.jobName, string(storage.StepFailed), duration)
		return nil, &StepError{Step: name, Err: runErr}
	}

	output, err := marshalOutput(result)
	if err != nil {
		wrapped := &StepError{Step: name, Err: err}
		if _, uerr := s.store.UpsertStep(ctx, storage.UpsertStepRequest{
			RunID:     s.runID,
			Name:      name,
			Status:    storage.StepFailed,
			Error:     err.Error(),
			StartedAt: started,
		}); uerr != nil {
			s.logger.Warn("failed to record step failure",
				intlog.RunIDKey, s.runID, intlog.StepNameKey, name, "error", uerr)
		}
		s.bus.Publish(events.Event{
			Type:       events.StepFail,
			RunID:      s.runID,
			JobName:    s.jobName,
			StepName:   name,
			Error:      err.Error(),
			DurationMs: duration.Milliseconds(),
		})
		metrics.RecordStepExecuted(s.jobName, string(storage.StepFailed), duration)
		return nil, wrapped
	}

	if _, err := s.store.UpsertStep(ctx, storage.UpsertStepRequest{
		RunID:     s.runID,
		Name:      name,
		Status:    storage.StepCompleted,
		Output:    output,
		StartedAt: started,
	}); err != nil {
		if errors.Is(err, storage.ErrDuplicateStep) {
			return nil, &StepError{Step: name, Err: ErrDuplicateStep}
		}
		return nil, &StepError{Step: name, Err: fmt.Errorf("failed to persist checkpoint: %w", err)}
	}
	s.seen[name] = struct{}{}

	s.bus.Publish(events.Event{
		Type:       events.StepComplete,
		RunID:      s.runID,
		JobName:    s.jobName,
		StepName:   name,
		Output:     output,
		DurationMs: duration.Milliseconds(),
	})
	metrics.RecordStepExecuted(s.jobName, string(storage.StepCompleted), duration)
	return output, nil
}

// invoke runs a step function, converting panics into errors so a panicking
// step fails its run instead of killing the worker.
func (s *StepContext) invoke(ctx context.Context, fn func(ctx context.Context) (any, error)) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("step panicked: %v", r)
		}
	}()
	return fn(ctx)
}

// Step executes a memoized step and decodes its output into T. It is the
// typed counterpart of StepContext.Run.
func Step[T any](ctx context.Context, s *StepContext, name string, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	raw, err := s.Run(ctx, name, func(ctx context.Context) (any, error) {
		return fn(ctx)
	})
	if err != nil {
		return out, err
	}
	if len(raw) == 0 || string(raw) == "null" {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, &StepError{Step: name, Err: fmt.Errorf("failed to decode checkpoint output: %w", err)}
	}
	return out, nil
}

// Progress persists a progress report and publishes run:progress. The write
// is best-effort: a storage fault is logged and swallowed so progress
// reporting never fails a run.
func (s *StepContext) Progress(ctx context.Context, current int, total int, message string) {
	p := storage.Progress{Current: current, Message: message}
	if total > 0 {
		p.Total = &total
	}
	if err := s.store.UpdateProgress(ctx, s.runID, p); err != nil {
		s.logger.Warn("failed to persist progress",
			intlog.RunIDKey, s.runID, "error", err)
	}
	s.bus.Publish(events.Event{
		Type:    events.RunProgress,
		RunID:   s.runID,
		JobName: s.jobName,
		Progress: &events.Progress{
			Current: p.Current,
			Total:   p.Total,
			Message: p.Message,
		},
	})
}

// Log writes a structured durable log entry and publishes log:write. The
// optional data value is marshaled to JSON; best-effort like Progress.
func (s *StepContext) Log(ctx context.Context, level storage.LogLevel, message string, data any) {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			s.logger.Warn("failed to encode log data",
				intlog.RunIDKey, s.runID, "error", err)
		} else {
			raw = b
		}
	}
	entry := &storage.LogEntry{
		ID:        ulid.Make().String(),
		RunID:     s.runID,
		Level:     level,
		Message:   message,
		Data:      raw,
		Timestamp: time.Now().UTC(),
	}
	if err := s.store.WriteLog(ctx, entry); err != nil {
		s.logger.Warn("failed to persist run log",
			intlog.RunIDKey, s.runID, "error", err)
	}
	s.bus.Publish(events.Event{
		Type:    events.LogWrite,
		RunID:   s.runID,
		JobName: s.jobName,
		Level:   string(level),
		Message: message,
		Data:    raw,
	})
}

// Info logs at info level.
func (s *StepContext) Info(ctx context.Context, message string, data any) {
	s.Log(ctx, storage.LogInfo, message, data)
}

// Warn logs at warn level.
func (s *StepContext) Warn(ctx context.Context, message string, data any) {
	s.Log(ctx, storage.LogWarn, message, data)
}

// Error logs at error level.
func (s *StepContext) Error(ctx context.Context, message string, data any) {
	s.Log(ctx, storage.LogError, message, data)
}

// marshalOutput encodes a step or run result. A nil result is stored as
// absent rather than the literal null document.
func marshalOutput(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode output: %w", err)
	}
	return b, nil
}

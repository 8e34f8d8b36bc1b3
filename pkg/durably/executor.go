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
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/durably/durably/internal/bus"
	intlog "github.com/durably/durably/internal/log"
	"github.com/durably/durably/internal/metrics"
	"github.com/durably/durably/pkg/events"
	"github.com/durably/durably/pkg/storage"
)

// executor drives one claimed run from running to a terminal state.
type executor struct {
	store    storage.Store
	bus      *bus.Bus
	registry *registry
	logger   *slog.Logger
	tracer   trace.Tracer
	cancels  *cancelRegistry
}

// execute runs the job body for a claimed run and records the outcome. A
// storage fault while recording the terminal state leaves the run running;
// the reaper returns it to pending once the heartbeat goes stale.
func (e *executor) execute(ctx context.Context, run *storage.Run) {
	logger := e.logger.With(intlog.RunIDKey, run.ID, intlog.JobKey, run.JobName)
	started := time.Now().UTC()

	ctx, span := e.tracer.Start(ctx, "run.execute",
		trace.WithAttributes(
			attribute.String("durably.run_id", run.ID),
			attribute.String("durably.job", run.JobName),
		))
	defer span.End()

	job, ok := e.registry.lookup(run.JobName)
	if !ok {
		logger.Error("claimed run for unregistered job")
		e.finishFail(ctx, run, started, "", fmt.Sprintf("job %q is not registered", run.JobName))
		span.SetStatus(codes.Error, "job not registered")
		return
	}

	e.bus.Publish(events.Event{
		Type:    events.RunStart,
		RunID:   run.ID,
		JobName: run.JobName,
	})
	logger.Info("run started", intlog.WorkerIDKey, run.ClaimedBy)

	if job.ValidateInput != nil {
		if err := job.ValidateInput(run.Payload); err != nil {
			verr := &ValidationError{Kind: "input", Err: err}
			e.finishFail(ctx, run, started, "", verr.Error())
			span.SetStatus(codes.Error, verr.Error())
			return
		}
	}

	step := &StepContext{
		runID:       run.ID,
		jobName:     run.JobName,
		store:       e.store,
		bus:         e.bus,
		logger:      logger,
		tracer:      e.tracer,
		seen:        make(map[string]struct{}),
		localCancel: e.cancels.watcher(run.ID),
	}

	result, runErr := e.invokeBody(ctx, job, step, run)

	switch {
	case runErr == nil:
		output, err := marshalOutput(result)
		if err == nil && job.ValidateOutput != nil {
			if verr := job.ValidateOutput(output); verr != nil {
				err = &ValidationError{Kind: "output", Err: verr}
			}
		}
		if err != nil {
			e.finishFail(ctx, run, started, "", err.Error())
			span.SetStatus(codes.Error, err.Error())
			return
		}
		e.finishComplete(ctx, run, started, output)

	case errors.Is(runErr, ErrCancelled):
		e.finishCancel(ctx, run, started)
		span.SetStatus(codes.Error, "cancelled")

	default:
		e.finishFail(ctx, run, started, failedStepName(runErr), runErr.Error())
		span.SetStatus(codes.Error, runErr.Error())
	}
}

// invokeBody calls the job's RunFunc with panic recovery. A panicking body
// fails the run rather than the worker.
func (e *executor) invokeBody(ctx context.Context, job Job, step *StepContext, run *storage.Run) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return job.Run(ctx, step, run.Payload)
}

func (e *executor) finishComplete(ctx context.Context, run *storage.Run, started time.Time, output []byte) {
	if err := e.store.CompleteRun(ctx, run.ID, output); err != nil {
		e.logger.Error("failed to record run completion",
			intlog.RunIDKey, run.ID, "error", err)
		return
	}
	duration := time.Since(started)
	e.bus.Publish(events.Event{
		Type:       events.RunComplete,
		RunID:      run.ID,
		JobName:    run.JobName,
		Output:     output,
		DurationMs: duration.Milliseconds(),
	})
	metrics.RecordRunCompleted(run.JobName, string(storage.StatusCompleted), duration)
	e.logger.Info("run completed",
		intlog.RunIDKey, run.ID, intlog.JobKey, run.JobName,
		intlog.DurationKey, duration.Milliseconds())
}

func (e *executor) finishFail(ctx context.Context, run *storage.Run, started time.Time, stepName, reason string) {
	if err := e.store.FailRun(ctx, run.ID, reason); err != nil {
		e.logger.Error("failed to record run failure",
			intlog.RunIDKey, run.ID, "error", err)
		return
	}
	duration := time.Since(started)
	e.bus.Publish(events.Event{
		Type:       events.RunFail,
		RunID:      run.ID,
		JobName:    run.JobName,
		StepName:   stepName,
		Error:      reason,
		DurationMs: duration.Milliseconds(),
	})
	metrics.RecordRunCompleted(run.JobName, string(storage.StatusFailed), duration)
	e.logger.Warn("run failed",
		intlog.RunIDKey, run.ID, intlog.JobKey, run.JobName,
		intlog.StepNameKey, stepName, "error", reason)
}

func (e *executor) finishCancel(ctx context.Context, run *storage.Run, started time.Time) {
	if err := e.store.CancelRun(ctx, run.ID); err != nil {
		e.logger.Error("failed to record run cancellation",
			intlog.RunIDKey, run.ID, "error", err)
		return
	}
	duration := time.Since(started)
	e.bus.Publish(events.Event{
		Type:       events.RunCancel,
		RunID:      run.ID,
		JobName:    run.JobName,
		DurationMs: duration.Milliseconds(),
	})
	metrics.RecordRunCompleted(run.JobName, string(storage.StatusCancelled), duration)
	e.logger.Info("run cancelled",
		intlog.RunIDKey, run.ID, intlog.JobKey, run.JobName)
}

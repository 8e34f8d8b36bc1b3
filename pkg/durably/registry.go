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
	"reflect"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	intlog "github.com/durably/durably/internal/log"
	"github.com/durably/durably/internal/metrics"
	"github.com/durably/durably/pkg/events"
	"github.com/durably/durably/pkg/storage"
)

// registry maps job names to their handles.
type registry struct {
	mu      sync.RWMutex
	handles map[string]*Handle
}

func newRegistry() *registry {
	return &registry{handles: make(map[string]*Handle)}
}

func (r *registry) handle(name string) (*Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handles[name]
	return h, ok
}

func (r *registry) lookup(name string) (Job, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handles[name]
	if !ok {
		return Job{}, false
	}
	return h.job, true
}

// register binds a job definition. Registering the same definition again
// returns the existing handle; a different definition under an existing name
// is an error.
func (r *registry) register(inst *Instance, job Job) (*Handle, error) {
	if err := job.validate(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.handles[job.Name]; ok {
		if reflect.ValueOf(existing.job.Run).Pointer() == reflect.ValueOf(job.Run).Pointer() {
			return existing, nil
		}
		return nil, fmt.Errorf("job %q is already registered with a different definition", job.Name)
	}

	h := &Handle{inst: inst, job: job}
	r.handles[job.Name] = h
	return h, nil
}

// Handle is the client-side interface to one registered job: trigger runs,
// wait on outcomes, and query run history scoped to this job.
type Handle struct {
	inst *Instance
	job  Job
}

// Name returns the job name this handle is bound to.
func (h *Handle) Name() string { return h.job.Name }

// Trigger creates a pending run and returns its row immediately. The payload
// is marshaled to JSON (json.RawMessage passes through). With an idempotency
// key that matches an existing run, the existing run is returned and no
// event is emitted.
func (h *Handle) Trigger(ctx context.Context, payload any, opts ...TriggerOption) (*storage.Run, error) {
	var cfg triggerConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	return h.trigger(ctx, payload, cfg)
}

func (h *Handle) trigger(ctx context.Context, payload any, cfg triggerConfig) (*storage.Run, error) {
	if err := h.inst.running(); err != nil {
		return nil, err
	}

	raw, err := marshalOutput(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	if h.job.ValidateInput != nil {
		if err := h.job.ValidateInput(raw); err != nil {
			return nil, &ValidationError{Kind: "input", Err: err}
		}
	}

	run, existing, err := h.inst.store.CreateRun(ctx, storage.CreateRunRequest{
		ID:             ulid.Make().String(),
		JobName:        h.job.Name,
		Payload:        raw,
		IdempotencyKey: cfg.idempotencyKey,
		ConcurrencyKey: cfg.concurrencyKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}
	if existing {
		h.inst.logger.Debug("trigger deduplicated by idempotency key",
			intlog.RunIDKey, run.ID, intlog.JobKey, h.job.Name)
		return run, nil
	}

	metrics.RecordRunTriggered(h.job.Name)
	h.inst.bus.Publish(events.Event{
		Type:    events.RunTrigger,
		RunID:   run.ID,
		JobName: h.job.Name,
		Payload: raw,
	})
	h.inst.logger.Info("run triggered",
		intlog.RunIDKey, run.ID, intlog.JobKey, h.job.Name)
	return run, nil
}

// TriggerAndWait triggers a run and blocks until it reaches a terminal
// state. Completed runs return the final row with output; failures return a
// *RunFailure, cancellations ErrCancelled, and an elapsed WithWaitTimeout
// returns ErrWaitTimeout while the run keeps executing.
func (h *Handle) TriggerAndWait(ctx context.Context, payload any, opts ...TriggerOption) (*storage.Run, error) {
	var cfg triggerConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	// Subscribe before triggering so the terminal event cannot slip between
	// creation and subscription.
	ch, unsubscribe := h.inst.bus.Subscribe(events.Filter{JobName: h.job.Name})
	defer unsubscribe()

	run, err := h.trigger(ctx, payload, cfg)
	if err != nil {
		return nil, err
	}
	if run.Status.Terminal() {
		// Idempotency hit on an already-finished run.
		return h.resolve(ctx, run.ID, run.Status, "", run.Error)
	}

	var timeout <-chan time.Time
	if cfg.waitTimeout > 0 {
		timer := time.NewTimer(cfg.waitTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timeout:
			return nil, fmt.Errorf("run %s: %w", run.ID, ErrWaitTimeout)
		case ev, ok := <-ch:
			if !ok {
				return nil, ErrStopped
			}
			if ev.RunID != run.ID || !ev.Terminal() {
				continue
			}
			status := storage.StatusCompleted
			switch ev.Type {
			case events.RunFail:
				status = storage.StatusFailed
			case events.RunCancel:
				status = storage.StatusCancelled
			}
			return h.resolve(ctx, run.ID, status, ev.StepName, ev.Error)
		}
	}
}

// resolve loads the final run row and converts non-completed outcomes into
// errors.
func (h *Handle) resolve(ctx context.Context, runID string, status storage.Status, failedStep, errMsg string) (*storage.Run, error) {
	run, err := h.inst.store.GetRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to load finished run: %w", err)
	}
	switch status {
	case storage.StatusCompleted:
		return run, nil
	case storage.StatusCancelled:
		return nil, fmt.Errorf("run %s: %w", runID, ErrCancelled)
	default:
		reason := run.Error
		if reason == "" {
			reason = errMsg
		}
		if failedStep == "" {
			if steps, serr := h.inst.store.ListSteps(ctx, runID); serr == nil {
				for _, s := range steps {
					if s.Status == storage.StepFailed {
						failedStep = s.Name
					}
				}
			}
		}
		return nil, &RunFailure{RunID: runID, FailedStep: failedStep, Reason: reason}
	}
}

// BatchTrigger creates one run per payload. All payloads are validated up
// front; any invalid payload rejects the whole batch before a single row is
// written. Insertion is then best-effort: the returned slice aligns with the
// payloads, carrying nil where an insert failed, and the error joins the
// per-index failures.
func (h *Handle) BatchTrigger(ctx context.Context, payloads []any, opts ...TriggerOption) ([]*storage.Run, error) {
	var cfg triggerConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.idempotencyKey != "" {
		return nil, fmt.Errorf("batch trigger does not accept an idempotency key")
	}
	if err := h.inst.running(); err != nil {
		return nil, err
	}

	raws := make([]json.RawMessage, len(payloads))
	for i, p := range payloads {
		raw, err := marshalOutput(p)
		if err != nil {
			return nil, fmt.Errorf("payload %d: failed to encode: %w", i, err)
		}
		if h.job.ValidateInput != nil {
			if err := h.job.ValidateInput(raw); err != nil {
				return nil, fmt.Errorf("payload %d: %w", i, &ValidationError{Kind: "input", Err: err})
			}
		}
		raws[i] = raw
	}

	runs := make([]*storage.Run, len(payloads))
	var errs []error
	for i, raw := range raws {
		run, _, err := h.inst.store.CreateRun(ctx, storage.CreateRunRequest{
			ID:             ulid.Make().String(),
			JobName:        h.job.Name,
			Payload:        raw,
			ConcurrencyKey: cfg.concurrencyKey,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("payload %d: %w", i, err))
			continue
		}
		runs[i] = run
		metrics.RecordRunTriggered(h.job.Name)
		h.inst.bus.Publish(events.Event{
			Type:    events.RunTrigger,
			RunID:   run.ID,
			JobName: h.job.Name,
			Payload: raw,
		})
	}
	return runs, errors.Join(errs...)
}

// GetRun fetches a run owned by this job. Runs of other jobs yield
// ErrNotFound.
func (h *Handle) GetRun(ctx context.Context, runID string) (*storage.Run, error) {
	run, err := h.inst.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.JobName != h.job.Name {
		return nil, ErrNotFound
	}
	return run, nil
}

// GetRuns lists this job's runs, newest first.
func (h *Handle) GetRuns(ctx context.Context, status storage.Status, limit, offset int) ([]*storage.Run, error) {
	return h.inst.store.ListRuns(ctx, storage.RunFilter{
		JobName: h.job.Name,
		Status:  status,
		Limit:   limit,
		Offset:  offset,
	})
}

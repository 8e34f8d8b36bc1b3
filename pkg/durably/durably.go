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

// Package durably executes user-defined jobs as ordered sequences of
// memoized steps with crash-safe resume.
//
// A job is registered once per process; triggering it creates a durable run
// row that a polling worker claims and executes. Step outputs are
// checkpointed, so a run interrupted by a crash resumes on another worker by
// replaying completed steps from storage and executing only the remainder.
//
//	inst, _ := durably.New(durably.Options{Store: store})
//	job, _ := inst.Register(durably.Job{
//		Name: "send-welcome",
//		Run: func(ctx context.Context, step *durably.StepContext, payload json.RawMessage) (any, error) {
//			user, err := durably.Step(ctx, step, "load-user", loadUser)
//			if err != nil {
//				return nil, err
//			}
//			return durably.Step(ctx, step, "send-email", func(ctx context.Context) (string, error) {
//				return sendEmail(ctx, user)
//			})
//		},
//	})
//	inst.Init(ctx)
//	run, _ := job.Trigger(ctx, map[string]string{"userId": "u1"})
package durably

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/trace"

	"github.com/durably/durably/internal/bus"
	intlog "github.com/durably/durably/internal/log"
	"github.com/durably/durably/internal/metrics"
	"github.com/durably/durably/pkg/events"
	"github.com/durably/durably/pkg/storage"
)

type instanceState int

const (
	stateCreated instanceState = iota
	stateStarted
	stateStopped
)

// Instance owns the storage handle, the event bus, the job registry, and the
// worker. One Instance per process is typical; several processes may share
// one database.
type Instance struct {
	store    storage.Store
	bus      *bus.Bus
	registry *registry
	worker   *worker
	cancels  *cancelRegistry
	logger   *slog.Logger
	tracer   trace.Tracer

	mu    sync.Mutex
	state instanceState
}

// New creates an Instance. Jobs can be registered immediately; the worker
// does not poll until Init.
func New(opts Options) (*Instance, error) {
	if err := opts.withDefaults(); err != nil {
		return nil, err
	}

	logger := intlog.WithComponent(opts.Logger, "durably")
	eventBus := bus.New(
		bus.WithLogger(logger),
		bus.WithBufferSize(opts.EventBufferSize),
	)
	eventBus.OnDrop = metrics.RecordEventsDropped

	inst := &Instance{
		store:    opts.Store,
		bus:      eventBus,
		registry: newRegistry(),
		cancels:  newCancelRegistry(),
		logger:   logger,
		tracer:   opts.Tracer,
	}

	exec := &executor{
		store:    opts.Store,
		bus:      eventBus,
		registry: inst.registry,
		logger:   logger,
		tracer:   opts.Tracer,
		cancels:  inst.cancels,
	}
	inst.worker = &worker{
		id:       opts.WorkerID,
		store:    opts.Store,
		bus:      eventBus,
		exec:     exec,
		logger:   logger,
		onError:  opts.OnError,
		interval: opts.PollingInterval,
		hbEvery:  opts.HeartbeatInterval,
		stale:    opts.StaleThreshold,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	return inst, nil
}

// migrator is the optional schema-management capability of a store.
type migrator interface {
	Migrate(ctx context.Context) error
}

// Register binds a job definition to this instance and returns its handle.
// Registering the same definition again returns the same handle.
func (i *Instance) Register(job Job) (*Handle, error) {
	return i.registry.register(i, job)
}

// Job returns the handle for a registered job name.
func (i *Instance) Job(name string) (*Handle, bool) {
	return i.registry.handle(name)
}

// Init applies pending schema migrations when the store supports them and
// starts the worker. Calling Init twice is an error; calling it after Stop is
// ErrStopped.
func (i *Instance) Init(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	switch i.state {
	case stateStarted:
		return fmt.Errorf("instance already initialized")
	case stateStopped:
		return ErrStopped
	}

	if m, ok := i.store.(migrator); ok {
		if err := m.Migrate(ctx); err != nil {
			return fmt.Errorf("failed to migrate storage: %w", err)
		}
	}

	i.worker.start()
	i.state = stateStarted
	i.logger.Info("instance initialized", intlog.WorkerIDKey, i.worker.id)
	return nil
}

// Stop shuts the instance down: the worker finishes its current run (bounded
// by ctx), the bus closes every subscriber channel, and the store is closed.
// Idempotent.
func (i *Instance) Stop(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.state == stateStopped {
		return nil
	}
	started := i.state == stateStarted
	i.state = stateStopped

	var errs []error
	if started {
		if err := i.worker.shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("worker shutdown: %w", err))
		}
	}
	i.bus.Close()
	if err := i.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store close: %w", err))
	}
	i.logger.Info("instance stopped")
	return errors.Join(errs...)
}

// running reports an error unless the instance accepts work.
func (i *Instance) running() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.state == stateStopped {
		return ErrStopped
	}
	return nil
}

// GetRun fetches any run by ID.
func (i *Instance) GetRun(ctx context.Context, runID string) (*storage.Run, error) {
	return i.store.GetRun(ctx, runID)
}

// GetRuns lists runs across all jobs, newest first.
func (i *Instance) GetRuns(ctx context.Context, filter storage.RunFilter) ([]*storage.Run, error) {
	return i.store.ListRuns(ctx, filter)
}

// GetSteps returns a run's step checkpoints in execution order.
func (i *Instance) GetSteps(ctx context.Context, runID string) ([]*storage.Step, error) {
	if _, err := i.store.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	return i.store.ListSteps(ctx, runID)
}

// GetLogs returns a run's durable log entries in timestamp order.
func (i *Instance) GetLogs(ctx context.Context, runID string) ([]*storage.LogEntry, error) {
	if _, err := i.store.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	return i.store.ListLogs(ctx, runID)
}

// Cancel requests cancellation of a run. Pending runs transition directly to
// cancelled; running runs get their durable cancel flag set and, when owned
// by this process, an immediate in-memory signal. Terminal runs yield
// ErrInvalidTransition.
func (i *Instance) Cancel(ctx context.Context, runID string) error {
	terminal, err := i.store.RequestCancel(ctx, runID)
	if err != nil {
		return err
	}
	if terminal {
		run, gerr := i.store.GetRun(ctx, runID)
		jobName := ""
		if gerr == nil {
			jobName = run.JobName
		}
		i.bus.Publish(events.Event{
			Type:    events.RunCancel,
			RunID:   runID,
			JobName: jobName,
		})
		metrics.RecordRunCompleted(jobName, string(storage.StatusCancelled), 0)
		i.logger.Info("pending run cancelled", intlog.RunIDKey, runID)
		return nil
	}
	i.cancels.signal(runID)
	i.logger.Info("cancellation requested", intlog.RunIDKey, runID)
	return nil
}

// Retry returns a failed or cancelled run to pending. Completed step
// checkpoints are preserved, so the next attempt replays them and resumes
// where the previous attempt stopped.
func (i *Instance) Retry(ctx context.Context, runID string) error {
	if err := i.store.ResetRunToPending(ctx, runID); err != nil {
		return err
	}
	run, err := i.store.GetRun(ctx, runID)
	jobName := ""
	if err == nil {
		jobName = run.JobName
	}
	i.bus.Publish(events.Event{
		Type:    events.RunRetry,
		RunID:   runID,
		JobName: jobName,
	})
	i.logger.Info("run queued for retry", intlog.RunIDKey, runID)
	return nil
}

// Delete removes a terminal run with its steps and logs. Pending or running
// runs yield ErrInvalidTransition.
func (i *Instance) Delete(ctx context.Context, runID string) error {
	if err := i.store.DeleteRun(ctx, runID); err != nil {
		return err
	}
	i.logger.Info("run deleted", intlog.RunIDKey, runID)
	return nil
}

// Subscribe attaches a filtered listener to the event stream. The returned
// cancel function is idempotent; Stop closes the channel for all listeners.
func (i *Instance) Subscribe(filter events.Filter) (<-chan events.Event, func()) {
	return i.bus.Subscribe(filter)
}

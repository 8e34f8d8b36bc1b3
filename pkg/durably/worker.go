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
	"log/slog"
	"sync"
	"time"

	"github.com/durably/durably/internal/bus"
	intlog "github.com/durably/durably/internal/log"
	"github.com/durably/durably/internal/metrics"
	"github.com/durably/durably/pkg/events"
	"github.com/durably/durably/pkg/storage"
)

// cancelRegistry carries in-process cancellation signals from Cancel to the
// step context of a run executing in this process. The durable
// cancel_requested flag is authoritative; this is the fast path.
type cancelRegistry struct {
	mu   sync.Mutex
	runs map[string]bool
}

func newCancelRegistry() *cancelRegistry {
	return &cancelRegistry{runs: make(map[string]bool)}
}

func (c *cancelRegistry) signal(runID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.runs[runID] = true
}

func (c *cancelRegistry) clear(runID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.runs, runID)
}

func (c *cancelRegistry) watcher(runID string) func() bool {
	return func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.runs[runID]
	}
}

// worker is the polling loop: reap stale runs, claim the next pending run,
// execute it under a heartbeat, repeat. One worker executes one run at a
// time; run more instances (or processes) for parallelism.
type worker struct {
	id       string
	store    storage.Store
	bus      *bus.Bus
	exec     *executor
	logger   *slog.Logger
	onError  func(error)
	interval time.Duration
	hbEvery  time.Duration
	stale    time.Duration

	stop chan struct{}
	done chan struct{}
}

func (w *worker) start() {
	go w.loop()
}

// shutdown signals the loop to exit after the current run finishes and waits
// for it, bounded by ctx.
func (w *worker) shutdown(ctx context.Context) error {
	close(w.stop)
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *worker) loop() {
	defer close(w.done)
	logger := w.logger.With(intlog.WorkerIDKey, w.id)
	logger.Info("worker started",
		"polling_interval", w.interval.String(),
		"heartbeat_interval", w.hbEvery.String(),
		"stale_threshold", w.stale.String())

	ctx := context.Background()
	backoff := w.interval

	for {
		select {
		case <-w.stop:
			logger.Info("worker stopped")
			return
		default:
		}

		w.reap(ctx, logger)

		run, err := w.store.ClaimNextPendingRun(ctx, w.id)
		if err != nil {
			metrics.RecordClaimError()
			logger.Warn("claim failed", "error", err)
			w.fault(events.ContextClaim, err)
			backoff = w.sleep(min(backoff*2, 30*time.Second))
			continue
		}
		backoff = w.interval

		if run == nil {
			w.sleep(w.interval)
			continue
		}

		w.execute(ctx, run, logger)
	}
}

// execute drives one run with a heartbeat goroutine alongside it.
func (w *worker) execute(ctx context.Context, run *storage.Run, logger *slog.Logger) {
	hbStop := make(chan struct{})
	hbDone := make(chan struct{})
	go w.heartbeat(ctx, run.ID, hbStop, hbDone, logger)

	w.exec.execute(ctx, run)

	close(hbStop)
	<-hbDone
	w.exec.cancels.clear(run.ID)
}

func (w *worker) heartbeat(ctx context.Context, runID string, stop <-chan struct{}, done chan<- struct{}, logger *slog.Logger) {
	defer close(done)
	ticker := time.NewTicker(w.hbEvery)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := w.store.Heartbeat(ctx, runID); err != nil {
				if errors.Is(err, storage.ErrNotRunning) {
					// Run reached a terminal state or was reaped; stop quietly.
					return
				}
				metrics.RecordHeartbeatFailure()
				logger.Warn("heartbeat failed", intlog.RunIDKey, runID, "error", err)
				w.fault(events.ContextHeartbeat, err)
			}
		}
	}
}

// reap returns running runs with stale heartbeats to pending and announces
// each as a run:retry so watchers know the attempt restarted.
func (w *worker) reap(ctx context.Context, logger *slog.Logger) {
	cutoff := time.Now().UTC().Add(-w.stale)
	ids, err := w.store.ReapStaleRuns(ctx, cutoff)
	if err != nil {
		logger.Warn("reaper failed", "error", err)
		w.fault(events.ContextReaper, err)
		return
	}
	if len(ids) == 0 {
		return
	}
	metrics.RecordRunsReaped(len(ids))
	for _, id := range ids {
		logger.Warn("reaped stale run", intlog.RunIDKey, id)
		w.bus.Publish(events.Event{
			Type:     events.RunRetry,
			RunID:    id,
			WorkerID: w.id,
			Context:  events.ContextReaper,
		})
	}
}

// fault publishes a worker:error event and invokes the OnError hook.
func (w *worker) fault(context string, err error) {
	w.bus.Publish(events.Event{
		Type:     events.WorkerError,
		WorkerID: w.id,
		Context:  context,
		Error:    err.Error(),
	})
	if w.onError != nil {
		w.onError(err)
	}
}

// sleep waits for d or until the worker is stopped, returning d for backoff
// chaining.
func (w *worker) sleep(d time.Duration) time.Duration {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-w.stop:
	case <-timer.C:
	}
	return d
}

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
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/durably/durably/pkg/storage"
)

// Worker timing defaults. StaleThreshold must comfortably exceed the
// heartbeat interval or healthy workers get reaped under load.
const (
	DefaultPollingInterval   = 1 * time.Second
	DefaultHeartbeatInterval = 5 * time.Second
	DefaultStaleThreshold    = 30 * time.Second
)

// Options configures an Instance.
type Options struct {
	// Store is the persistence backend. Required.
	Store storage.Store

	// Logger receives engine diagnostics. Defaults to slog.Default().
	Logger *slog.Logger

	// Tracer instruments runs and steps. Defaults to a no-op tracer.
	Tracer trace.Tracer

	// WorkerID identifies this process in claim rows. Defaults to a random UUID.
	WorkerID string

	// PollingInterval is the sleep between empty claim attempts.
	PollingInterval time.Duration

	// HeartbeatInterval is the period of liveness writes while a run executes.
	HeartbeatInterval time.Duration

	// StaleThreshold is the heartbeat age beyond which a running run is
	// considered orphaned and reset to pending.
	StaleThreshold time.Duration

	// EventBufferSize is the per-subscriber event channel capacity.
	EventBufferSize int

	// OnError, if set, receives non-fatal engine faults (heartbeat write
	// failures, reaper errors, claim errors) in addition to the worker:error
	// events published on the bus. Must not block.
	OnError func(err error)
}

func (o *Options) withDefaults() error {
	if o.Store == nil {
		return fmt.Errorf("options: Store is required")
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Tracer == nil {
		o.Tracer = noop.NewTracerProvider().Tracer("durably")
	}
	if o.WorkerID == "" {
		o.WorkerID = uuid.NewString()
	}
	if o.PollingInterval <= 0 {
		o.PollingInterval = DefaultPollingInterval
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if o.StaleThreshold <= 0 {
		o.StaleThreshold = DefaultStaleThreshold
	}
	if o.StaleThreshold < 2*o.HeartbeatInterval {
		return fmt.Errorf("options: StaleThreshold (%s) must be at least twice HeartbeatInterval (%s)",
			o.StaleThreshold, o.HeartbeatInterval)
	}
	return nil
}

// TriggerOption customizes a single trigger.
type TriggerOption func(*triggerConfig)

type triggerConfig struct {
	idempotencyKey string
	concurrencyKey string
	waitTimeout    time.Duration
}

// WithIdempotencyKey makes the trigger a no-op if a run for the same job
// already carries the key; the existing run is returned instead.
func WithIdempotencyKey(key string) TriggerOption {
	return func(c *triggerConfig) { c.idempotencyKey = key }
}

// WithConcurrencyKey serializes execution: at most one run per (job, key)
// executes at a time; others wait in pending.
func WithConcurrencyKey(key string) TriggerOption {
	return func(c *triggerConfig) { c.concurrencyKey = key }
}

// WithWaitTimeout bounds TriggerAndWait. On expiry the call returns
// ErrWaitTimeout while the run keeps executing. Ignored by Trigger.
func WithWaitTimeout(d time.Duration) TriggerOption {
	return func(c *triggerConfig) { c.waitTimeout = d }
}

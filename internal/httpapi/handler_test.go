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

package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/durably/durably/pkg/durably"
	"github.com/durably/durably/pkg/events"
	"github.com/durably/durably/pkg/storage"
	"github.com/durably/durably/pkg/storage/memory"
)

type fixture struct {
	inst *durably.Instance
	mux  *http.ServeMux

	// release unblocks the "blocked" job's only step.
	release chan struct{}
}

// newFixture builds an API handler over a memory-backed instance. With start
// false the worker never polls, so triggered runs stay pending.
func newFixture(t *testing.T, start bool) *fixture {
	t.Helper()

	inst, err := durably.New(durably.Options{
		Store:           memory.New(),
		Logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
		PollingInterval: 5 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = inst.Stop(ctx)
	})

	f := &fixture{inst: inst, mux: http.NewServeMux(), release: make(chan struct{})}

	_, err = inst.Register(durably.Job{
		Name: "echo",
		Run: func(ctx context.Context, step *durably.StepContext, payload json.RawMessage) (any, error) {
			return step.Run(ctx, "copy", func(ctx context.Context) (any, error) {
				return payload, nil
			})
		},
	})
	require.NoError(t, err)

	_, err = inst.Register(durably.Job{
		Name: "strict",
		Run: func(ctx context.Context, step *durably.StepContext, payload json.RawMessage) (any, error) {
			return nil, nil
		},
		ValidateInput: func(raw json.RawMessage) error {
			var v struct {
				N int `json:"n"`
			}
			if err := json.Unmarshal(raw, &v); err != nil {
				return err
			}
			if v.N <= 0 {
				return fmt.Errorf("n must be positive")
			}
			return nil
		},
	})
	require.NoError(t, err)

	_, err = inst.Register(durably.Job{
		Name: "blocked",
		Run: func(ctx context.Context, step *durably.StepContext, payload json.RawMessage) (any, error) {
			return step.Run(ctx, "wait", func(ctx context.Context) (any, error) {
				<-f.release
				return "released", nil
			})
		},
	})
	require.NoError(t, err)

	if start {
		require.NoError(t, inst.Init(context.Background()))
	}

	handler := NewHandler(inst,
		WithBasePath("/v1"),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	handler.RegisterRoutes(f.mux)
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) triggerRun(t *testing.T, job string, input any) string {
	t.Helper()
	rec := f.do(t, "POST", "/v1/trigger", TriggerRequest{
		JobName: job,
		Input:   mustRaw(t, input),
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp["runId"])
	return resp["runId"]
}

func (f *fixture) waitForStatus(t *testing.T, runID string, want storage.Status) *storage.Run {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		run, err := f.inst.GetRun(context.Background(), runID)
		require.NoError(t, err)
		if run.Status == want {
			return run
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("run %s never reached %s", runID, want)
	return nil
}

func mustRaw(t *testing.T, v any) json.RawMessage {
	t.Helper()
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func TestTriggerAndGetRun(t *testing.T) {
	f := newFixture(t, true)

	runID := f.triggerRun(t, "echo", map[string]string{"hello": "world"})
	f.waitForStatus(t, runID, storage.StatusCompleted)

	rec := f.do(t, "GET", "/v1/run?runId="+runID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var run storage.Run
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
	assert.Equal(t, storage.StatusCompleted, run.Status)
	assert.JSONEq(t, `{"hello":"world"}`, string(run.Output))
}

func TestTriggerRejectsBadRequests(t *testing.T) {
	f := newFixture(t, false)

	req := httptest.NewRequest("POST", "/v1/trigger", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, "POST", "/v1/trigger", TriggerRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "jobName is required")

	rec = f.do(t, "POST", "/v1/trigger", TriggerRequest{JobName: "nope"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "unknown job")

	// Input validation failures surface as 400.
	rec = f.do(t, "POST", "/v1/trigger", TriggerRequest{
		JobName: "strict",
		Input:   mustRaw(t, map[string]int{"n": 0}),
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "validation failed")
}

func TestTriggerIdempotencyKey(t *testing.T) {
	f := newFixture(t, false)

	first := f.do(t, "POST", "/v1/trigger", TriggerRequest{
		JobName:        "echo",
		Input:          mustRaw(t, map[string]int{"x": 1}),
		IdempotencyKey: "same-key",
	})
	require.Equal(t, http.StatusOK, first.Code)
	second := f.do(t, "POST", "/v1/trigger", TriggerRequest{
		JobName:        "echo",
		Input:          mustRaw(t, map[string]int{"x": 1}),
		IdempotencyKey: "same-key",
	})
	require.Equal(t, http.StatusOK, second.Code)
	assert.JSONEq(t, first.Body.String(), second.Body.String())
}

func TestGetRunErrors(t *testing.T) {
	f := newFixture(t, false)

	rec := f.do(t, "GET", "/v1/run", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, "GET", "/v1/run?runId=missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListRuns(t *testing.T) {
	f := newFixture(t, true)

	id1 := f.triggerRun(t, "echo", map[string]int{"n": 1})
	id2 := f.triggerRun(t, "echo", map[string]int{"n": 2})
	f.waitForStatus(t, id1, storage.StatusCompleted)
	f.waitForStatus(t, id2, storage.StatusCompleted)

	rec := f.do(t, "GET", "/v1/runs?jobName=echo&status=completed", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var runs []*storage.Run
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &runs))
	assert.Len(t, runs, 2)

	rec = f.do(t, "GET", "/v1/runs?jobName=echo&limit=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &runs))
	assert.Len(t, runs, 1)

	// No matches serializes as an empty array, not null.
	rec = f.do(t, "GET", "/v1/runs?jobName=absent", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	rec = f.do(t, "GET", "/v1/runs?status=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, "GET", "/v1/runs?limit=-1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, "GET", "/v1/runs?offset=x", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListStepsAndLogs(t *testing.T) {
	f := newFixture(t, true)

	runID := f.triggerRun(t, "echo", map[string]int{"n": 1})
	f.waitForStatus(t, runID, storage.StatusCompleted)

	rec := f.do(t, "GET", "/v1/steps?runId="+runID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var steps []*storage.Step
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &steps))
	require.Len(t, steps, 1)
	assert.Equal(t, "copy", steps[0].Name)

	rec = f.do(t, "GET", "/v1/logs?runId="+runID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	rec = f.do(t, "GET", "/v1/steps", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = f.do(t, "GET", "/v1/steps?runId=missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = f.do(t, "GET", "/v1/logs?runId=missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelAndRetryTransitions(t *testing.T) {
	f := newFixture(t, false)

	// Pending runs cancel directly.
	runID := f.triggerRun(t, "echo", nil)
	rec := f.do(t, "POST", "/v1/cancel?runId="+runID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	run, err := f.inst.GetRun(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusCancelled, run.Status)

	// A second cancel hits a terminal run: 409.
	rec = f.do(t, "POST", "/v1/cancel?runId="+runID, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	// Cancelled runs can be retried back to pending.
	rec = f.do(t, "POST", "/v1/retry?runId="+runID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	run, err = f.inst.GetRun(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusPending, run.Status)

	// Retrying a pending run is a conflict.
	rec = f.do(t, "POST", "/v1/retry?runId="+runID, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, "POST", "/v1/cancel", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = f.do(t, "POST", "/v1/retry?runId=missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeleteRun(t *testing.T) {
	f := newFixture(t, true)

	runID := f.triggerRun(t, "echo", nil)
	f.waitForStatus(t, runID, storage.StatusCompleted)

	rec := f.do(t, "DELETE", "/v1/run?runId="+runID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = f.do(t, "GET", "/v1/run?runId="+runID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeleteRunRejectsPending(t *testing.T) {
	f := newFixture(t, false)

	runID := f.triggerRun(t, "echo", nil)
	rec := f.do(t, "DELETE", "/v1/run?runId="+runID, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestSubscribeRunTerminalSnapshot(t *testing.T) {
	f := newFixture(t, true)

	runID := f.triggerRun(t, "echo", map[string]string{"k": "v"})
	f.waitForStatus(t, runID, storage.StatusCompleted)

	// A stream opened after the run finished gets one synthesized terminal
	// frame and closes.
	rec := f.do(t, "GET", "/v1/subscribe?runId="+runID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	body := rec.Body.String()
	require.True(t, strings.HasPrefix(body, "data: "), "expected an SSE data frame, got %q", body)
	var ev events.Event
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(body), "data: ")), &ev))
	assert.Equal(t, events.RunComplete, ev.Type)
	assert.Equal(t, runID, ev.RunID)
	assert.JSONEq(t, `{"k":"v"}`, string(ev.Output))
}

func TestSubscribeRunValidation(t *testing.T) {
	f := newFixture(t, false)

	rec := f.do(t, "GET", "/v1/subscribe", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = f.do(t, "GET", "/v1/subscribe?runId=missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSubscribeRunLiveStream(t *testing.T) {
	f := newFixture(t, true)
	srv := httptest.NewServer(f.mux)
	defer srv.Close()

	runID := f.triggerRun(t, "blocked", nil)
	f.waitForStatus(t, runID, storage.StatusRunning)

	resp, err := http.Get(srv.URL + "/v1/subscribe?runId=" + runID)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	close(f.release)

	// The stream ends with the run's terminal event, then the server closes it.
	var types []events.Type
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev events.Event
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev))
		types = append(types, ev.Type)
	}
	require.NoError(t, scanner.Err())
	require.NotEmpty(t, types)
	assert.Equal(t, events.RunComplete, types[len(types)-1])
}

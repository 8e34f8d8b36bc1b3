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
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	intlog "github.com/durably/durably/internal/log"
	"github.com/durably/durably/pkg/events"
	"github.com/durably/durably/pkg/storage"
)

const (
	// ssePingInterval keeps idle-connection proxies from cutting streams.
	ssePingInterval = 15 * time.Second

	// sseWriteTimeout bounds each frame write; a stalled client is dropped.
	sseWriteTimeout = 5 * time.Second
)

// SubscribeRun handles GET /subscribe?runId= as a per-run SSE stream. The
// stream closes once the run's terminal event has been flushed.
func (h *Handler) SubscribeRun(w http.ResponseWriter, r *http.Request) {
	runID := r.URL.Query().Get("runId")
	if runID == "" {
		h.writeError(w, http.StatusBadRequest, "runId is required")
		return
	}

	run, err := h.inst.GetRun(r.Context(), runID)
	if err != nil {
		h.handleError(w, err)
		return
	}

	h.stream(w, r, events.Filter{RunID: runID}, run)
}

// SubscribeRuns handles GET /runs/subscribe?jobName= as a job-level (or
// global, when jobName is empty) SSE stream. Runs until the client
// disconnects or the instance stops.
func (h *Handler) SubscribeRuns(w http.ResponseWriter, r *http.Request) {
	h.stream(w, r, events.Filter{JobName: r.URL.Query().Get("jobName")}, nil)
}

// stream pumps bus events to the client as data: frames. When run is non-nil
// the stream is terminal-closing: an already-finished run gets a single
// synthesized terminal event, a live one streams until its terminal event.
func (h *Handler) stream(w http.ResponseWriter, r *http.Request, filter events.Filter, run *storage.Run) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	// Subscribe before inspecting run state so a terminal transition cannot
	// slip between the check and the subscription.
	ch, unsubscribe := h.inst.Subscribe(filter)
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	rc := http.NewResponseController(w)
	writeFrame := func(data []byte) bool {
		rc.SetWriteDeadline(time.Now().Add(sseWriteTimeout))
		_, err := fmt.Fprintf(w, "data: %s\n\n", data)
		rc.SetWriteDeadline(time.Time{})
		if err != nil {
			h.logger.Warn("dropping stalled event stream subscriber",
				"remote", r.RemoteAddr, intlog.Error(err))
			return false
		}
		flusher.Flush()
		return true
	}

	if run != nil && run.Status.Terminal() {
		if data, err := json.Marshal(terminalEvent(run)); err == nil {
			writeFrame(data)
		}
		return
	}

	ping := time.NewTicker(ssePingInterval)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ping.C:
			rc.SetWriteDeadline(time.Now().Add(sseWriteTimeout))
			_, err := fmt.Fprint(w, ": ping\n\n")
			rc.SetWriteDeadline(time.Time{})
			if err != nil {
				return
			}
			flusher.Flush()
		case ev, chOpen := <-ch:
			if !chOpen {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				h.logger.Warn("failed to encode event", intlog.Error(err))
				continue
			}
			if !writeFrame(data) {
				return
			}
			if run != nil && ev.RunID == run.ID && ev.Terminal() {
				return
			}
		}
	}
}

// terminalEvent synthesizes the terminal event for a run that finished
// before the stream was opened.
func terminalEvent(run *storage.Run) events.Event {
	ev := events.Event{
		RunID:     run.ID,
		JobName:   run.JobName,
		Timestamp: time.Now().UTC(),
	}
	switch run.Status {
	case storage.StatusFailed:
		ev.Type = events.RunFail
		ev.Error = run.Error
	case storage.StatusCancelled:
		ev.Type = events.RunCancel
	default:
		ev.Type = events.RunComplete
		ev.Output = run.Output
	}
	return ev
}

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

// Package bus provides the in-process pub/sub that carries engine events.
//
// Delivery is best-effort: each subscriber owns a bounded channel, and a
// subscriber that cannot keep up has its oldest buffered events dropped. A
// slow or misbehaving subscriber never blocks run execution.
package bus

import (
	"log/slog"
	"sync"
	"time"

	"github.com/durably/durably/pkg/events"
)

// DefaultBufferSize is the per-subscriber channel capacity.
const DefaultBufferSize = 256

// Bus is a process-wide event publisher. The zero value is not usable; use New.
type Bus struct {
	mu       sync.Mutex
	seq      uint64
	nextID   int
	subs     map[int]*subscriber
	closed   bool
	logger   *slog.Logger
	bufSize  int
	OnDrop   func(count int)  // optional hook for metrics
	OnClosed func()           // optional hook invoked once on Close
}

type subscriber struct {
	ch     chan events.Event
	filter events.Filter
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the logger used for drop diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) { b.logger = logger }
}

// WithBufferSize overrides the per-subscriber channel capacity.
func WithBufferSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.bufSize = n
		}
	}
}

// New creates a new event bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		subs:    make(map[int]*subscriber),
		logger:  slog.Default(),
		bufSize: DefaultBufferSize,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a filtered listener. The returned channel is closed by
// Close or by the returned unsubscribe function, which is idempotent.
func (b *Bus) Subscribe(filter events.Filter) (<-chan events.Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		ch := make(chan events.Event)
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	sub := &subscriber{
		ch:     make(chan events.Event, b.bufSize),
		filter: filter,
	}
	b.subs[id] = sub

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if s, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(s.ch)
			}
		})
	}
	return sub.ch, unsubscribe
}

// Publish stamps the event with the next sequence number and timestamp, then
// fans it out to matching subscribers. Sequence assignment and fan-out share
// one critical section so every subscriber observes strictly increasing order.
func (b *Bus) Publish(event events.Event) events.Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return event
	}

	b.seq++
	event.Sequence = b.seq
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	for _, sub := range b.subs {
		if !sub.filter.Matches(event) {
			continue
		}
		b.deliver(sub, event)
	}
	return event
}

// deliver sends to one subscriber, dropping its oldest buffered event on
// overflow. Called with the bus mutex held; the subscriber channel is only
// drained by its consumer, so the recv-then-send pair cannot livelock.
func (b *Bus) deliver(sub *subscriber, event events.Event) {
	select {
	case sub.ch <- event:
		return
	default:
	}

	// Buffer full: drop oldest, then retry once.
	dropped := 0
	select {
	case <-sub.ch:
		dropped++
	default:
	}
	select {
	case sub.ch <- event:
	default:
		dropped++
	}

	if dropped > 0 {
		b.logger.Warn("subscriber backpressure, dropping events",
			"dropped", dropped, "run_id", event.RunID)
		if b.OnDrop != nil {
			b.OnDrop(dropped)
		}

		b.seq++
		notice := events.Event{
			Sequence:  b.seq,
			Type:      events.WorkerError,
			RunID:     event.RunID,
			Timestamp: time.Now().UTC(),
			Context:   events.ContextSubscriberBackpressure,
		}
		select {
		case sub.ch <- notice:
		default:
		}
	}
}

// Close shuts down the bus and closes every subscriber channel. Idempotent.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
	if b.OnClosed != nil {
		b.OnClosed()
	}
}

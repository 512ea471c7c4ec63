// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
)

// traceEvent is an event in the Chrome tracing format. For details, see:
//
//	https://docs.google.com/document/d/1CvAClvFfyA5R-PhYUmn5OOQtYMH4h6I0nSsKchNAySU/preview
type traceEvent struct {
	Pid  int                    `json:"pid"`
	Tid  int                    `json:"tid"`
	Ts   int64                  `json:"ts"`
	Ph   string                 `json:"ph"`
	Dur  int64                  `json:"dur,omitempty"`
	Name string                 `json:"name"`
	Cat  string                 `json:"cat,omitempty"`
	Args map[string]interface{} `json:"args"`
}

// A phaseSpan records a phase as run by one rank.
type phaseSpan struct {
	Phase      Phase
	Start      time.Time
	Duration   time.Duration
	Supersteps int
}

// A tracer collects the phase spans of a session's jobs. Each rank
// of each job is rendered as a Chrome "process" so that the phases
// of concurrent ranks line up. The trace can be viewed with
// chrome://tracing.
type tracer struct {
	mu         sync.Mutex
	events     []traceEvent
	pids       map[string]int
	firstEvent time.Time
}

func newTracer() *tracer {
	return &tracer{pids: make(map[string]int)}
}

// Record adds the phase spans of every rank of job id.
func (t *tracer) Record(id string, results []rankResult) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, r := range results {
		for _, span := range r.Spans {
			if t.firstEvent.IsZero() || span.Start.Before(t.firstEvent) {
				t.rebase(span.Start)
			}
		}
	}
	for _, r := range results {
		key := fmt.Sprintf("job %s rank %d", id, r.Rank)
		pid, ok := t.pids[key]
		if !ok {
			pid = len(t.pids) + 1
			t.pids[key] = pid
			t.events = append(t.events, traceEvent{
				Pid:  pid,
				Ph:   "M",
				Name: "process_name",
				Args: map[string]interface{}{"name": key},
			})
		}
		for _, span := range r.Spans {
			dur := span.Duration.Nanoseconds() / 1e3
			if dur == 0 {
				dur = 1
			}
			t.events = append(t.events, traceEvent{
				Pid:  pid,
				Ts:   span.Start.Sub(t.firstEvent).Nanoseconds() / 1e3,
				Ph:   "X",
				Dur:  dur,
				Name: span.Phase.String(),
				Cat:  "phase",
				Args: map[string]interface{}{
					"job":        id,
					"supersteps": span.Supersteps,
				},
			})
		}
	}
}

// rebase moves the origin of the trace to first, shifting existing
// events accordingly.
func (t *tracer) rebase(first time.Time) {
	if !t.firstEvent.IsZero() {
		shift := t.firstEvent.Sub(first).Nanoseconds() / 1e3
		for i := range t.events {
			if t.events[i].Ph != "M" {
				t.events[i].Ts += shift
			}
		}
	}
	t.firstEvent = first
}

// Marshal writes the trace captured by t into the writer w in
// Chrome's event tracing format.
func (t *tracer) Marshal(w io.Writer) error {
	t.mu.Lock()
	events := make([]traceEvent, len(t.events))
	copy(events, t.events)
	t.mu.Unlock()
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Ts < events[j].Ts
	})
	envelope := struct {
		TraceEvents []traceEvent `json:"traceEvents"`
	}{events}
	return json.NewEncoder(w).Encode(envelope)
}

func writeTraceFile(ctx context.Context, t *tracer, path string) {
	f, err := file.Create(ctx, path)
	if err != nil {
		log.Error.Printf("error creating trace file at %q: %v", path, err)
		return
	}
	if err := t.Marshal(f.Writer(ctx)); err != nil {
		log.Error.Printf("error marshaling to trace file at %q: %v", path, err)
		f.Discard(ctx)
		return
	}
	if err := f.Close(ctx); err != nil {
		log.Error.Printf("error closing trace file at %q: %v", path, err)
	}
}

// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/grailbio/base/traverse"
	"github.com/grailbio/bigmatch"
	"github.com/grailbio/bigmatch/aggregate"
	"github.com/grailbio/bigmatch/bloom"
	"github.com/grailbio/bigmatch/message"
	"github.com/grailbio/bigmatch/transport"
)

// DefaultFalsePositiveRate is the default false positive probability
// of a worker's edge filter.
const DefaultFalsePositiveRate = 0.01

// WorkerOptions configures a Worker.
type WorkerOptions struct {
	// Parallelism is the number of vertices computed concurrently.
	// It defaults to 1.
	Parallelism int
	// HaltWhenIdle stops a phase early once no rank has active
	// vertices or pending messages. By default every phase runs for
	// its full number of supersteps.
	HaltWhenIdle bool
	// Combiner, if non-nil, merges messages before they are sent.
	Combiner message.Combiner
	// Aggregator accumulates the rank's statistics. It defaults to a
	// sum aggregator over aggregate.Dim x aggregate.Dim matrices.
	Aggregator aggregate.Aggregator
	// Sink receives solutions. Solutions are counted but discarded if
	// Sink is nil.
	Sink Sink
	// FalsePositiveRate is the false positive probability of the
	// worker's edge filter. It defaults to DefaultFalsePositiveRate.
	FalsePositiveRate float64
	// Status, if non-nil, reports the worker's progress.
	Status *status.Task
}

// Worker runs a rank's partition of the data graph through a sequence
// of phases. Within a phase, the worker proceeds in supersteps that
// are synchronized with every other rank: each superstep computes the
// vertices that are active or have pending messages, exchanges the
// messages they send, and ends with a barrier.
//
// In the first superstep of each phase, every vertex is activated.
type Worker struct {
	t       transport.Transport
	c       *Context
	buf     *message.Buffer
	program Program
	opts    WorkerOptions

	vertices map[bigmatch.VertexID]*Vertex
	ids      []bigmatch.VertexID
	sorted   bool

	// disposal holds the payloads of messages delivered during
	// matching, released after the superstep that consumes them.
	disposal message.Disposal

	supersteps int
}

// NewWorker returns a worker for the rank of transport t, which
// matches query q using the provided program.
func NewWorker(t transport.Transport, q *bigmatch.Query, program Program, opts WorkerOptions) *Worker {
	if opts.Parallelism <= 0 {
		opts.Parallelism = 1
	}
	if opts.Aggregator == nil {
		opts.Aggregator = aggregate.NewSum(aggregate.Dim, aggregate.Dim)
	}
	if opts.FalsePositiveRate == 0 {
		opts.FalsePositiveRate = DefaultFalsePositiveRate
	}
	buf := message.NewBuffer(t, opts.Combiner)
	return &Worker{
		t:       t,
		buf:     buf,
		program: program,
		opts:    opts,
		c: &Context{
			Query: q,
			Edges: bloom.New(opts.FalsePositiveRate, 1),
			rank:  t.Rank(),
			size:  t.Size(),
			buf:   buf,
			agg:   opts.Aggregator,
			sink:  opts.Sink,
		},
		vertices: make(map[bigmatch.VertexID]*Vertex),
	}
}

// Context returns the worker's context.
func (w *Worker) Context() *Context { return w.c }

// Aggregator returns the worker's aggregator.
func (w *Worker) Aggregator() aggregate.Aggregator { return w.opts.Aggregator }

// Stats returns the worker's message exchange statistics.
func (w *Worker) Stats() message.Stats { return w.buf.Stats() }

// Add adds the provided vertices to the worker and rebuilds its edge
// filter. Vertices owned by other ranks are rejected.
func (w *Worker) Add(recs []bigmatch.Vertex) error {
	for _, rec := range recs {
		if part := bigmatch.Partition(rec.ID, w.t.Size()); part != w.t.Rank() {
			return errors.E(errors.Invalid, fmt.Sprintf("vertex %v belongs to rank %d, not %d", rec.ID, part, w.t.Rank()))
		}
		if _, ok := w.vertices[rec.ID]; ok {
			log.Printf("rank %d: duplicate vertex %v; keeping the last definition", w.t.Rank(), rec.ID)
		} else {
			w.ids = append(w.ids, rec.ID)
			w.sorted = false
		}
		w.vertices[rec.ID] = newVertex(rec)
	}
	var nedge int
	for _, v := range w.vertices {
		nedge += v.Degree()
	}
	w.c.Edges = bloom.New(w.opts.FalsePositiveRate, nedge)
	for _, v := range w.vertices {
		for _, nbr := range v.Neighbors {
			w.c.Edges.Insert(int64(v.ID), int64(nbr))
		}
	}
	return nil
}

// Vertex returns the vertex with the provided id, or nil.
func (w *Worker) Vertex(id bigmatch.VertexID) *Vertex {
	return w.vertices[id]
}

// Len returns the number of vertices owned by the worker, including
// virtual vertices.
func (w *Worker) Len() int { return len(w.vertices) }

func (w *Worker) known(id bigmatch.VertexID) bool {
	_, ok := w.vertices[id]
	return ok
}

// Run runs the provided phase for maxSupersteps supersteps, or fewer
// if the worker halts when idle. Every rank must run the same phases
// with the same number of supersteps.
func (w *Worker) Run(ctx context.Context, phase Phase, maxSupersteps int) error {
	fn, ok := w.program[phase]
	if !ok {
		return errors.E(errors.Fatal, fmt.Sprintf("no computation for phase %v", phase))
	}
	if n := w.buf.Clear(); n > 0 {
		log.Debug.Printf("rank %d: phase %v: dropping %d undelivered messages", w.t.Rank(), phase, n)
	}
	w.c.Phase = phase
	for step := 1; step <= maxSupersteps; step++ {
		start := time.Now()
		w.c.Step = step
		w.supersteps++
		active, err := w.compute(fn, step)
		if err != nil {
			return err
		}
		spawn, err := w.buf.SyncMessages(ctx, w.known)
		if err != nil {
			return err
		}
		w.buf.Release(step == maxSupersteps)
		for _, id := range spawn {
			if !id.IsVirtual() {
				continue
			}
			w.vertices[id] = newVirtualVertex(id)
			w.ids = append(w.ids, id)
			w.sorted = false
			active++
		}
		var d *message.Disposal
		if phase == Match {
			w.disposal.Release()
			d = &w.disposal
		}
		w.buf.DistributeMessages(d)
		for _, id := range spawn {
			if id.IsVirtual() {
				continue
			}
			msgs := w.buf.Take(id)
			log.Debug.Printf("rank %d: dropping %d messages to unknown vertex %v", w.t.Rank(), len(msgs), id)
		}
		pending := w.buf.NumPending()
		superstepsTotal.WithLabelValues(phase.String()).Inc()
		activeVertices.Set(float64(active))
		if w.opts.Status != nil {
			w.opts.Status.Printf("%v superstep %d/%d: %d active, %d pending", phase, step, maxSupersteps, active, pending)
		}
		log.Debug.Printf("rank %d: %v superstep %d/%d: %d active, %d pending (%s)",
			w.t.Rank(), phase, step, maxSupersteps, active, pending, time.Since(start))
		if err := w.t.Barrier(ctx); err != nil {
			return err
		}
		if w.opts.HaltWhenIdle && step < maxSupersteps {
			n, err := w.t.SumReduce(ctx, int64(active+pending))
			if err != nil {
				return err
			}
			if n == 0 {
				log.Debug.Printf("rank %d: %v idle after superstep %d", w.t.Rank(), phase, step)
				break
			}
		}
	}
	return nil
}

// compute runs fn on every vertex that should compute in the given
// superstep. It returns the number of vertices that remain active.
func (w *Worker) compute(fn VertexFunc, step int) (int, error) {
	if !w.sorted {
		sort.Slice(w.ids, func(i, j int) bool { return w.ids[i] < w.ids[j] })
		w.sorted = true
	}
	var ids []bigmatch.VertexID
	for _, id := range w.ids {
		v := w.vertices[id]
		if step == 1 {
			v.Active = true
		}
		if v.Active || w.buf.Pending(id) {
			ids = append(ids, id)
		}
	}
	err := traverse.Limit(w.opts.Parallelism).Each(len(ids), func(i int) (err error) {
		v := w.vertices[ids[i]]
		defer func() {
			if e := recover(); e != nil {
				err = errors.E(errors.Fatal, fmt.Sprintf("vertex %v: panic while computing %v: %v\n%s", v.ID, w.c.Phase, e, debug.Stack()))
			}
		}()
		return fn(w.c, v, w.buf.Take(v.ID))
	})
	if err != nil {
		return 0, err
	}
	var active int
	for _, id := range w.ids {
		if w.vertices[id].Active {
			active++
		}
	}
	return active, nil
}

// Finish reduces the workers' aggregators and waits for every rank
// to complete. It must be called once, after the last phase.
func (w *Worker) Finish(ctx context.Context) error {
	if err := w.opts.Aggregator.Reduce(ctx, w.t); err != nil {
		return err
	}
	return w.t.Barrier(ctx)
}

// Supersteps returns the number of supersteps run by the worker.
func (w *Worker) Supersteps() int { return w.supersteps }

// Close releases the worker's resources.
func (w *Worker) Close() {
	w.buf.Close()
	w.disposal.Release()
	for _, v := range w.vertices {
		if v.arena != nil {
			v.arena.Reset()
		}
	}
}

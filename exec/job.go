// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"strings"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigmatch"
	"github.com/grailbio/bigmatch/aggregate"
	"github.com/grailbio/bigmatch/message"
	"github.com/grailbio/bigmatch/transport"
)

// A Job describes a matching run: the data graph, the query, and
// where solutions are written.
type Job struct {
	// Graph is the path of the data graph: one vertex per line, as
	// parsed by bigmatch.ParseVertex.
	Graph string
	// Query is the path of the query, as parsed by
	// bigmatch.ParseQuery.
	Query string
	// Output is the prefix of the per-rank output files. If empty,
	// solutions are counted but not written.
	Output string
}

// rankOptions are the per-rank settings of a job. They are sent to
// remote ranks.
type rankOptions struct {
	Parallelism       int
	HaltWhenIdle      bool
	FilterSupersteps  int
	GatherThreshold   int
	FalsePositiveRate float64
}

// rankResult is the outcome of a rank's run.
type rankResult struct {
	Rank       int
	Matrix     aggregate.Matrix
	Solutions  int64
	Vertices   int
	Supersteps int
	Stats      message.Stats
	Spans      []phaseSpan
}

// queryBroadcast carries the query from the coordinator to every rank,
// or the error the coordinator encountered reading it.
type queryBroadcast struct {
	Lines []string
	Kind  errors.Kind
	Err   string
}

// runRank runs a job's rank over transport t. Every rank of the job
// must run concurrently.
func runRank(ctx context.Context, t transport.Transport, job Job, opts rankOptions, task *status.Task) (rankResult, error) {
	res := rankResult{Rank: t.Rank()}
	if task != nil {
		task.Print("reading query")
	}
	q, err := broadcastQuery(ctx, t, job.Query)
	if err != nil {
		return res, err
	}
	if t.Rank() == aggregate.Coordinator {
		log.Printf("query %s: %d nodes, prefix %d, depth %d", job.Query, q.NumNodes(), q.Prefix(), q.Depth())
	}

	if task != nil {
		task.Print("loading graph")
	}
	recs, err := load(ctx, t, job.Graph)
	if err != nil {
		return res, err
	}

	var writer *LineWriter
	if job.Output != "" {
		writer, err = CreateLines(ctx, ShardPath(job.Output, t.Rank(), t.Size()))
		if err != nil {
			return res, err
		}
	}
	agg := aggregate.NewSum(aggregate.Dim, aggregate.Dim)
	agg.GatherThreshold = opts.GatherThreshold
	wopts := WorkerOptions{
		Parallelism:       opts.Parallelism,
		HaltWhenIdle:      opts.HaltWhenIdle,
		Combiner:          message.ConcatRows,
		Aggregator:        agg,
		FalsePositiveRate: opts.FalsePositiveRate,
		Status:            task,
	}
	if writer != nil {
		wopts.Sink = writer
	}
	w := NewWorker(t, q, MatchProgram(), wopts)
	defer w.Close()
	if err := w.Add(recs); err != nil {
		if writer != nil {
			_ = writer.Discard()
		}
		return res, err
	}
	res.Vertices = w.Len()

	err = func() error {
		for _, phases := range [][]Phase{{Preprocess, Filter}, {Match}, {Enumerate}} {
			start := time.Now()
			for _, phase := range phases {
				span := phaseSpan{Phase: phase, Start: time.Now(), Supersteps: w.Supersteps()}
				if err := w.Run(ctx, phase, PhaseSupersteps(q, phase, opts.FilterSupersteps)); err != nil {
					return errors.E(fmt.Sprintf("rank %d: phase %v", t.Rank(), phase), err)
				}
				span.Duration = time.Since(span.Start)
				span.Supersteps = w.Supersteps() - span.Supersteps
				res.Spans = append(res.Spans, span)
			}
			w.Context().Accumulate(2, timingCell(phases[0]), float64(time.Since(start).Milliseconds()))
		}
		return w.Finish(ctx)
	}()
	if err != nil {
		if writer != nil {
			_ = writer.Discard()
		}
		return res, err
	}
	if writer != nil {
		if err := writer.Close(); err != nil {
			return res, err
		}
	}
	res.Matrix = w.Aggregator().Final()
	res.Solutions = w.Context().Solutions()
	res.Supersteps = w.Supersteps()
	res.Stats = w.Stats()
	if task != nil {
		task.Printf("done: %d solutions, %s", res.Solutions, res.Stats)
	}
	return res, nil
}

// timingCell returns the column of the timing row that accounts for
// the phase group starting with phase.
func timingCell(phase Phase) int {
	switch phase {
	case Match:
		return 1
	case Enumerate:
		return 2
	default:
		return 0
	}
}

// broadcastQuery reads the query on the coordinator and broadcasts
// it to every rank, which parses it.
func broadcastQuery(ctx context.Context, t transport.Transport, path string) (*bigmatch.Query, error) {
	var p []byte
	if t.Rank() == aggregate.Coordinator {
		var b queryBroadcast
		err := ReadLines(ctx, path, func(_ int, line string) error {
			b.Lines = append(b.Lines, line)
			return nil
		})
		if err != nil {
			b.Kind, b.Err = errors.Recover(err).Kind, err.Error()
		}
		var buf bytes.Buffer
		if err := gob.NewEncoder(&buf).Encode(b); err != nil {
			return nil, err
		}
		p = buf.Bytes()
	}
	p, err := t.Broadcast(ctx, aggregate.Coordinator, p)
	if err != nil {
		return nil, err
	}
	var b queryBroadcast
	if err := gob.NewDecoder(bytes.NewReader(p)).Decode(&b); err != nil {
		return nil, errors.E(errors.Integrity, "decoding query", err)
	}
	if b.Err != "" {
		return nil, errors.E(b.Kind, fmt.Sprintf("reading query %s: %s", path, b.Err))
	}
	q, err := bigmatch.ParseQuery(b.Lines)
	if err != nil {
		return nil, errors.E(fmt.Sprintf("query %s", path), err)
	}
	return q, nil
}

type vertexBatch struct {
	Vertices []bigmatch.Vertex
}

// load reads the data graph and redistributes its vertices so that
// each rank returns the vertices it owns. Rank r parses every line
// whose (0-based) number is r modulo the number of ranks.
func load(ctx context.Context, t transport.Transport, path string) ([]bigmatch.Vertex, error) {
	parts := make([][]bigmatch.Vertex, t.Size())
	err := ReadLines(ctx, path, func(lineno int, line string) error {
		if lineno%t.Size() != t.Rank() {
			return nil
		}
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			return nil
		}
		v, err := bigmatch.ParseVertex(line)
		if err != nil {
			return errors.E(fmt.Sprintf("%s:%d", path, lineno+1), err)
		}
		part := bigmatch.Partition(v.ID, t.Size())
		parts[part] = append(parts[part], v)
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := make([][]byte, t.Size())
	for i, part := range parts {
		var buf bytes.Buffer
		if err := gob.NewEncoder(&buf).Encode(vertexBatch{part}); err != nil {
			return nil, err
		}
		out[i] = buf.Bytes()
	}
	in, err := t.AllToAll(ctx, out)
	if err != nil {
		return nil, err
	}
	var recs []bigmatch.Vertex
	for src, p := range in {
		var batch vertexBatch
		if err := gob.NewDecoder(bytes.NewReader(p)).Decode(&batch); err != nil {
			return nil, errors.E(errors.Integrity, fmt.Sprintf("decoding vertices from rank %d", src), err)
		}
		recs = append(recs, batch.Vertices...)
	}
	log.Debug.Printf("rank %d: loaded %d vertices", t.Rank(), len(recs))
	return recs, nil
}

// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"encoding/gob"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/grailbio/base/backgroundcontext"
	"github.com/grailbio/base/diagnostic/dump"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/eventlog"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigmachine"
	"github.com/grailbio/bigmatch/aggregate"
	"github.com/grailbio/bigmatch/message"
)

func init() {
	gob.Register(rankResult{})
}

// An executor runs the ranks of a job.
type executor interface {
	// Name returns the executor's name, used in events.
	Name() string
	// Start starts the executor. It returns a function that
	// shuts it down.
	Start(sess *Session) (shutdown func())
	// Run runs every rank of the job identified by id and returns
	// their results, indexed by rank.
	Run(ctx context.Context, id string, job Job, group *status.Group) ([]rankResult, error)
}

// Session represents a bigmatch compute session: a fixed set of ranks
// on which jobs are run. A session's executor determines where the
// ranks run: in-process (Local), or one per machine on a bigmachine
// system (Bigmachine).
//
// A session may run any number of jobs, one at a time or
// concurrently; the ranks of each job share nothing with other jobs.
//
//	sess := exec.Start(exec.Ranks(4))
//	defer sess.Shutdown()
//	res, err := sess.Run(ctx, exec.Job{Graph: "graph.txt", Query: "query.txt", Output: "out"})
//	if err != nil {
//		log.Fatal(err)
//	}
//	log.Printf("%d solutions", res.Solutions)
type Session struct {
	context.Context
	index     int32
	shutdown  func()
	ranks     int
	executor  executor
	status    *status.Status
	eventer   eventlog.Eventer
	opts      rankOptions
	overwrite bool
	jobs      int32
	tracePath string
	tracer    *tracer
}

func newSession() *Session {
	return &Session{
		Context: backgroundcontext.Get(),
		index:   atomic.AddInt32(&nextSessionIndex, 1) - 1,
		eventer: eventlog.Nop{},
	}
}

// nextSessionIndex is the index of the next session that will be
// started by Start.
var nextSessionIndex int32

// An Option represents a session configuration parameter value.
type Option func(s *Session)

// Local configures a session to run its ranks in-process.
var Local Option = func(s *Session) {
	s.executor = newLocalExecutor()
}

// Bigmachine configures a session to run each rank on its own machine
// of the provided bigmachine system. If any params are provided, they
// are applied to each machine.
func Bigmachine(system bigmachine.System, params ...bigmachine.Param) Option {
	return func(s *Session) {
		s.executor = newBigmachineExecutor(system, params...)
	}
}

// Ranks configures the number of ranks among which the data graph is
// partitioned.
func Ranks(n int) Option {
	if n <= 0 {
		panic("exec.Ranks: n <= 0")
	}
	return func(s *Session) {
		s.ranks = n
	}
}

// Parallelism configures the number of vertices each rank computes
// concurrently.
func Parallelism(p int) Option {
	if p <= 0 {
		panic("exec.Parallelism: p <= 0")
	}
	return func(s *Session) {
		s.opts.Parallelism = p
	}
}

// Status configures the session with a status object to which
// run statuses are reported.
func Status(status *status.Status) Option {
	return func(s *Session) {
		s.status = status

		name := fmt.Sprintf("bigmatch-%02d-status", s.index)
		dump.Register(name, func(ctx context.Context, w io.Writer) error {
			return status.Marshal(w)
		})
	}
}

// Eventer configures the session with an Eventer that will be used to
// log session events (for analytics).
func Eventer(e eventlog.Eventer) Option {
	return func(s *Session) {
		s.eventer = e
	}
}

// HaltWhenIdle configures ranks to end a phase early once no vertex
// is active and no message is pending on any rank. By default each
// phase runs for its full number of supersteps.
var HaltWhenIdle Option = func(s *Session) {
	s.opts.HaltWhenIdle = true
}

// FilterSupersteps configures the number of supersteps for which
// candidates are pruned. By default, pruning runs for one more
// superstep than there are query nodes.
func FilterSupersteps(n int) Option {
	if n <= 0 {
		panic("exec.FilterSupersteps: n <= 0")
	}
	return func(s *Session) {
		s.opts.FilterSupersteps = n
	}
}

// GatherThreshold configures the size, in bytes, of the statistics
// of all ranks below which they are gathered in a single collective
// rather than sent individually to the coordinator.
func GatherThreshold(n int) Option {
	return func(s *Session) {
		s.opts.GatherThreshold = n
	}
}

// FalsePositiveRate configures the false positive probability of the
// edge filters consulted while matching.
func FalsePositiveRate(p float64) Option {
	if p <= 0 || p >= 1 {
		panic("exec.FalsePositiveRate: p not in (0, 1)")
	}
	return func(s *Session) {
		s.opts.FalsePositiveRate = p
	}
}

// TracePath configures the path to which a Chrome trace of the
// phases run by every rank of the session's jobs is written when the
// session is shut down.
func TracePath(path string) Option {
	return func(s *Session) {
		s.tracePath = path
	}
}

// Overwrite permits jobs to replace existing output files.
var Overwrite Option = func(s *Session) {
	s.overwrite = true
}

// Start creates and starts a new bigmatch session, configuring it
// according to the provided options. If no executor is configured,
// ranks run in-process. If no number of ranks is configured, the
// session uses a single rank.
func Start(options ...Option) *Session {
	s := newSession()
	for _, opt := range options {
		opt(s)
	}
	if s.ranks == 0 {
		s.ranks = 1
	}
	if s.opts.Parallelism == 0 {
		s.opts.Parallelism = 1
	}
	if s.opts.GatherThreshold == 0 {
		s.opts.GatherThreshold = aggregate.DefaultGatherThreshold
	}
	if s.opts.FalsePositiveRate == 0 {
		s.opts.FalsePositiveRate = DefaultFalsePositiveRate
	}
	if s.executor == nil {
		s.executor = newLocalExecutor()
	}
	s.start()
	return s
}

func (s *Session) start() {
	s.shutdown = s.executor.Start(s)
	s.eventer.Event("bigmatch:sessionStart",
		"command", command(),
		"executorType", s.executor.Name(),
		"ranks", s.ranks,
		"parallelism", s.opts.Parallelism,
		"haltWhenIdle", s.opts.HaltWhenIdle)
	s.tracer = newTracer()
	name := fmt.Sprintf("bigmatch-%02d-trace", s.index)
	dump.Register(name, func(ctx context.Context, w io.Writer) error {
		return s.tracer.Marshal(w)
	})
}

// A Result is the outcome of a job.
type Result struct {
	// Matrix holds the job's statistics, summed over every rank.
	Matrix aggregate.Matrix
	// Solutions is the number of solutions found.
	Solutions int64
	// Vertices is the number of data graph vertices.
	Vertices int
	// Supersteps is the number of supersteps run by each rank.
	Supersteps int
	// Stats sums the message exchange statistics of every rank.
	Stats message.Stats
	// Outputs lists the output files written, one per rank.
	Outputs []string
	// Duration is the job's wall clock time.
	Duration time.Duration
}

// Run runs the provided job on the session's ranks. It returns an
// error of kind errors.Exists if the job's outputs exist and the
// session was not configured to overwrite them.
func (s *Session) Run(ctx context.Context, job Job) (*Result, error) {
	if job.Graph == "" || job.Query == "" {
		return nil, errors.E(errors.Invalid, "job needs a graph and a query")
	}
	for _, path := range []string{job.Graph, job.Query} {
		if _, err := file.Stat(ctx, path); err != nil {
			return nil, err
		}
	}
	if job.Output != "" && !s.overwrite {
		if err := CheckOutput(ctx, job.Output, s.ranks); err != nil {
			return nil, err
		}
	}
	id := fmt.Sprintf("%d.%d", s.index, atomic.AddInt32(&s.jobs, 1))
	var group *status.Group
	if s.status != nil {
		group = s.status.Groupf("job %s: %s in %s", id, job.Query, job.Graph)
	}
	s.eventer.Event("bigmatch:jobStart",
		"job", id,
		"graph", job.Graph,
		"query", job.Query)
	start := time.Now()
	results, err := s.executor.Run(ctx, id, job, group)
	if err != nil {
		s.eventer.Event("bigmatch:jobError", "job", id, "error", err.Error())
		if group != nil {
			group.Printf("failed: %v", err)
		}
		return nil, err
	}
	res := &Result{Duration: time.Since(start)}
	s.tracer.Record(id, results)
	for i, r := range results {
		if i == 0 {
			res.Matrix = r.Matrix
			res.Supersteps = r.Supersteps
		}
		res.Solutions += r.Solutions
		res.Vertices += r.Vertices
		res.Stats.MessagesSent += r.Stats.MessagesSent
		res.Stats.MessagesReceived += r.Stats.MessagesReceived
		res.Stats.BytesSent += r.Stats.BytesSent
		res.Stats.BytesReceived += r.Stats.BytesReceived
		res.Stats.Combined += r.Stats.Combined
		res.Stats.Exchanges += r.Stats.Exchanges
		if job.Output != "" {
			res.Outputs = append(res.Outputs, ShardPath(job.Output, i, len(results)))
		}
	}
	if got := int64(res.Matrix.At(1, cellSolutions)); got != res.Solutions {
		log.Error.Printf("job %s: aggregated %d solutions, emitted %d", id, got, res.Solutions)
	}
	s.eventer.Event("bigmatch:jobDone",
		"job", id,
		"solutions", res.Solutions,
		"supersteps", res.Supersteps,
		"duration", res.Duration.String())
	if group != nil {
		group.Printf("done: %d solutions in %s", res.Solutions, res.Duration)
	}
	return res, nil
}

// Must is a version of Run that panics if the job fails.
func (s *Session) Must(ctx context.Context, job Job) *Result {
	res, err := s.Run(ctx, job)
	if err != nil {
		log.Panicf("exec.Run: %v", err)
	}
	return res
}

func (s *Session) rankOptions() rankOptions {
	return s.opts
}

// Ranks returns the number of ranks in the session.
func (s *Session) Ranks() int {
	return s.ranks
}

// Parallelism returns the per-rank vertex parallelism.
func (s *Session) Parallelism() int {
	return s.opts.Parallelism
}

// Shutdown tears down resources associated with this session.
// It should be called when the session is discarded.
func (s *Session) Shutdown() {
	if s.shutdown != nil {
		s.shutdown()
	}
	if s.tracePath != "" {
		writeTraceFile(s.Context, s.tracer, s.tracePath)
	}
}

// Status returns the session's status aggregator.
func (s *Session) Status() *status.Status {
	return s.status
}

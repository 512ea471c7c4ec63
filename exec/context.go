// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"fmt"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigmatch"
	"github.com/grailbio/bigmatch/aggregate"
	"github.com/grailbio/bigmatch/bloom"
	"github.com/grailbio/bigmatch/message"
)

// A Sink receives output lines.
type Sink interface {
	Append(line string) error
}

// Context is the per-rank state shared by vertex computations: the
// query, the rank's message buffer, aggregator, edge filter, and
// output sink. Its methods are safe for concurrent use by vertex
// computations.
type Context struct {
	// Query is the query being matched.
	Query *bigmatch.Query
	// Edges contains every edge (v, w) of the rank's vertices v.
	Edges *bloom.Filter

	// Phase and Step are the current phase and its (1-based)
	// superstep.
	Phase Phase
	Step  int

	rank, size int
	buf        *message.Buffer
	agg        aggregate.Aggregator
	sink       Sink

	mu        sync.Mutex
	solutions int64
}

// Rank returns the rank of the worker.
func (c *Context) Rank() int { return c.rank }

// Size returns the number of ranks.
func (c *Context) Size() int { return c.size }

// Send queues a message for delivery in the next superstep.
func (c *Context) Send(m message.Message) {
	c.buf.Send(m)
}

// Accumulate adds v to cell (i, j) of the rank's aggregation matrix.
func (c *Context) Accumulate(i, j int, v float64) {
	c.agg.Accumulate(i, j, v)
}

// Emit writes a solution. The row assigns a data vertex to each
// position of the query's matching order. The solution is written as
// one "queryNode\tdataVertex" line per query node, in query node
// order, followed by an empty line.
func (c *Context) Emit(row []bigmatch.VertexID) error {
	if len(row) != c.Query.Depth() {
		return errors.E(errors.Invalid, fmt.Sprintf("emit: row of length %d for query of depth %d", len(row), c.Query.Depth()))
	}
	solution := c.Query.Solution(row)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.solutions++
	if c.sink == nil {
		return nil
	}
	for u, id := range solution {
		if err := c.sink.Append(fmt.Sprintf("%d\t%d", u, id)); err != nil {
			return err
		}
	}
	return c.sink.Append("")
}

// Solutions returns the number of solutions emitted by the rank.
func (c *Context) Solutions() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.solutions
}

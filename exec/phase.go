// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"fmt"

	"github.com/grailbio/bigmatch/message"
)

// Phase is a stage of a matching run. Each phase runs for a number of
// supersteps, computing a phase-specific function on each vertex.
type Phase int

const (
	// Preprocess exchanges vertex labels and degrees between
	// neighbors.
	Preprocess Phase = iota
	// Filter computes and prunes per-vertex candidates.
	Filter
	// Match grows partial mappings along the query's matching order.
	Match
	// Enumerate expands complete prefix mappings into solutions.
	Enumerate

	maxPhase
)

var phaseNames = [...]string{
	Preprocess: "preprocess",
	Filter:     "filter",
	Match:      "match",
	Enumerate:  "enumerate",
}

func (p Phase) String() string {
	if p < 0 || p >= maxPhase {
		return fmt.Sprintf("Phase(%d)", int(p))
	}
	return phaseNames[p]
}

// A VertexFunc is the computation performed by a vertex in a
// superstep. It receives the messages delivered to the vertex since
// the previous superstep, which remain valid only for the duration of
// the call. It may send messages and update the vertex's state,
// including whether it remains active.
type VertexFunc func(c *Context, v *Vertex, msgs []message.Message) error

// A Program maps each phase to its vertex computation.
type Program map[Phase]VertexFunc

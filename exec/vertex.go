// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"sort"

	"github.com/grailbio/bigmatch"
	"github.com/grailbio/bigmatch/branch"
	"github.com/grailbio/bigmatch/candidate"
)

// A Vertex is a vertex owned by a worker: either a data graph vertex
// or a virtual vertex that hosts branches during enumeration.
type Vertex struct {
	ID    bigmatch.VertexID
	Label bigmatch.Label
	// Neighbors is sorted. NeighborLabels and NeighborDegrees are
	// parallel to Neighbors and are learnt during preprocessing.
	Neighbors       []bigmatch.VertexID
	NeighborLabels  []bigmatch.Label
	NeighborDegrees []int32

	// Active vertices compute in the next superstep even if they
	// receive no messages.
	Active bool

	// Cands holds the vertex's candidates, computed while filtering.
	Cands *candidate.Set
	// Rows holds the complete prefix mappings that end at this
	// vertex.
	Rows [][]bigmatch.VertexID

	// State is available to programs for other per-vertex state.
	State interface{}

	// Branches hosted by virtual vertices, keyed by bigmatch.RowKey.
	arena    *branch.Arena
	branches map[string]branch.Handle
}

func newVertex(rec bigmatch.Vertex) *Vertex {
	v := &Vertex{
		ID:              rec.ID,
		Label:           rec.Label,
		Neighbors:       rec.Neighbors,
		NeighborLabels:  make([]bigmatch.Label, len(rec.Neighbors)),
		NeighborDegrees: make([]int32, len(rec.Neighbors)),
	}
	for i := range v.NeighborLabels {
		v.NeighborLabels[i] = bigmatch.NoLabel
	}
	return v
}

func newVirtualVertex(id bigmatch.VertexID) *Vertex {
	return &Vertex{ID: id, Label: bigmatch.NoLabel, Active: true}
}

// Degree returns the vertex's degree.
func (v *Vertex) Degree() int { return len(v.Neighbors) }

// NeighborIndex returns the index of id in the vertex's neighbor
// list, or -1.
func (v *Vertex) NeighborIndex(id bigmatch.VertexID) int {
	i := sort.Search(len(v.Neighbors), func(i int) bool { return v.Neighbors[i] >= id })
	if i < len(v.Neighbors) && v.Neighbors[i] == id {
		return i
	}
	return -1
}

// HasNeighbor tells whether id is adjacent to the vertex.
func (v *Vertex) HasNeighbor(id bigmatch.VertexID) bool {
	return v.NeighborIndex(id) >= 0
}

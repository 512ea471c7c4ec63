// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigmatch"
	"github.com/grailbio/bigmatch/branch"
	"github.com/grailbio/bigmatch/candidate"
	"github.com/grailbio/bigmatch/message"
)

// Cells of the aggregation matrix.
const (
	cellValidPairs = iota
	cellCandidates
	cellInvalidated
)

const (
	cellMappings = iota
	cellSolutions
	cellBranches
)

// MatchProgram returns the subgraph matching program.
//
// Preprocessing exchanges labels and degrees between neighbors.
// Filtering computes, for each vertex, the query nodes it may realize
// and the candidate neighbors for each of their query neighbors, and
// prunes them until neighbors agree. Matching grows rows along the
// prefix of the query's matching order; a row is extended by the
// vertex matching its next position's parent ("router"), which offers
// it to each of its candidates. Enumeration hands each complete prefix
// row to a virtual vertex, which collects the alternatives for the
// query's leaves and enumerates the injective assignments.
func MatchProgram() Program {
	return Program{
		Preprocess: preprocess,
		Filter:     filter,
		Match:      match,
		Enumerate:  enumerate,
	}
}

// PhaseSupersteps returns the number of supersteps needed by each
// phase of the match program for query q. FILTER runs for filterSteps
// supersteps if positive, and for q.NumNodes()+1 otherwise.
func PhaseSupersteps(q *bigmatch.Query, phase Phase, filterSteps int) int {
	switch phase {
	case Preprocess:
		return 2
	case Filter:
		if filterSteps > 0 {
			return filterSteps
		}
		return q.NumNodes() + 1
	case Match:
		return 2 * q.Prefix()
	case Enumerate:
		return 3
	default:
		panic(fmt.Sprintf("exec: invalid phase %v", phase))
	}
}

func preprocess(c *Context, v *Vertex, msgs []message.Message) error {
	v.Active = false
	if v.ID.IsVirtual() {
		return nil
	}
	if c.Step == 1 {
		for _, w := range v.Neighbors {
			payload := message.Alloc(2)
			payload[0] = bigmatch.VertexID(v.Label)
			payload[1] = bigmatch.VertexID(v.Degree())
			c.Send(message.New(message.LabelInfo, w, v.ID, 0, 2, payload))
		}
		return nil
	}
	for _, m := range msgs {
		if m.Tag != message.LabelInfo || m.Cols != 2 || m.Rows != 1 {
			return errors.E(errors.Integrity, fmt.Sprintf("vertex %v: unexpected message %v while preprocessing", v.ID, m))
		}
		i := v.NeighborIndex(m.From)
		if i < 0 {
			continue
		}
		row := m.Row(0)
		v.NeighborLabels[i] = bigmatch.Label(row[0])
		v.NeighborDegrees[i] = int32(row[1])
	}
	return nil
}

func filter(c *Context, v *Vertex, msgs []message.Message) error {
	v.Active = false
	if v.ID.IsVirtual() {
		return nil
	}
	q := c.Query
	if c.Step == 1 {
		cands := candidate.New()
		for u := 0; u < q.NumNodes(); u++ {
			if q.Label(u) != v.Label || v.Degree() < q.Degree(u) {
				continue
			}
			cands.AddNode(u, q.Neighbors(u)...)
			for _, un := range q.Neighbors(u) {
				for i, w := range v.Neighbors {
					if v.NeighborLabels[i] == q.Label(un) && int(v.NeighborDegrees[i]) >= q.Degree(un) {
						cands.Add(u, un, w)
					}
				}
			}
		}
		v.Cands = cands
		invalidate(c, v)
		broadcastValid(c, v)
		return nil
	}
	if v.Cands == nil {
		return nil
	}
	var pruned int
	for _, m := range msgs {
		if m.Tag != message.LabelInfo || m.Cols != 1 {
			return errors.E(errors.Integrity, fmt.Sprintf("vertex %v: unexpected message %v while filtering", v.ID, m))
		}
		valid := make(map[int]bool, m.Rows)
		for i := 0; i < int(m.Rows); i++ {
			valid[int(m.Row(i)[0])] = true
		}
		w := m.From
		for _, u := range v.Cands.Nodes() {
			for _, un := range q.Neighbors(u) {
				if valid[un] {
					continue
				}
				pruned += v.Cands.Prune(u, un, func(id bigmatch.VertexID) bool { return id != w })
			}
		}
	}
	if pruned > 0 && invalidate(c, v) > 0 {
		broadcastValid(c, v)
	}
	return nil
}

// invalidate recomputes the validity of the vertex's query nodes and
// removes the invalid ones. It returns the number removed.
func invalidate(c *Context, v *Vertex) int {
	n := v.Cands.FillInvalidSet()
	if n == 0 {
		return 0
	}
	c.Accumulate(0, cellInvalidated, float64(n))
	for _, u := range v.Cands.Invalid() {
		v.Cands.Remove(u)
	}
	return n
}

// broadcastValid sends the vertex's valid query nodes to each of its
// neighbors, even if there are none.
func broadcastValid(c *Context, v *Vertex) {
	nodes := v.Cands.ValidNodes()
	for _, w := range v.Neighbors {
		payload := message.Alloc(len(nodes))
		for i, u := range nodes {
			payload[i] = bigmatch.VertexID(u)
		}
		c.Send(message.New(message.LabelInfo, w, v.ID, 0, 1, payload))
	}
}

func match(c *Context, v *Vertex, msgs []message.Message) error {
	v.Active = false
	if v.ID.IsVirtual() {
		return nil
	}
	q := c.Query
	if c.Step == 1 && v.Cands != nil {
		c.Accumulate(0, cellValidPairs, float64(len(v.Cands.ValidNodes())))
		c.Accumulate(0, cellCandidates, float64(v.Cands.Size()))
		if v.Cands.Valid(q.Node(0)) {
			advance(c, v, []bigmatch.VertexID{v.ID})
		}
	}
	for _, m := range msgs {
		switch m.Tag {
		case message.InMapping:
			for i := 0; i < int(m.Rows); i++ {
				expand(c, v, m.Row(i))
			}
		case message.BranchMappingWithoutSelf:
			for i := 0; i < int(m.Rows); i++ {
				extend(c, v, m.Row(i))
			}
		default:
			return errors.E(errors.Integrity, fmt.Sprintf("vertex %v: unexpected message %v while matching", v.ID, m))
		}
	}
	return nil
}

// conflicts tells whether assigning id to position pos of row
// violates injectivity.
func conflicts(q *bigmatch.Query, row []bigmatch.VertexID, pos int, id bigmatch.VertexID) bool {
	for _, c := range q.Conflicts(pos) {
		if c < len(row) && row[c] == id {
			return true
		}
	}
	return false
}

// advance handles a row that was just extended by v: complete prefix
// rows are stored; others are routed to the vertex that extends them.
func advance(c *Context, v *Vertex, row []bigmatch.VertexID) {
	c.Accumulate(1, cellMappings, 1)
	q := c.Query
	n := len(row)
	if n == q.Prefix() {
		v.Rows = append(v.Rows, row)
		return
	}
	router := row[q.Parent(n)]
	if router == v.ID {
		expand(c, v, row)
		return
	}
	payload := message.Alloc(n - 1)
	copy(payload, row[:n-1])
	c.Send(message.New(message.OutMapping, router, v.ID, n, n-1, payload))
}

// expand offers row to each candidate for its next position. The
// vertex v realizes the next position's parent.
func expand(c *Context, v *Vertex, row []bigmatch.VertexID) {
	if v.Cands == nil {
		return
	}
	q := c.Query
	n := len(row)
	for _, w := range v.Cands.Keys(q.Node(q.Parent(n)), q.Node(n)) {
		if conflicts(q, row, n, w) {
			continue
		}
		payload := message.Alloc(n)
		copy(payload, row)
		c.Send(message.New(message.BranchMappingWithoutSelf, w, v.ID, n, n, payload))
	}
}

// extend verifies that v may realize the next position of row and, if
// so, advances the extended row.
func extend(c *Context, v *Vertex, row []bigmatch.VertexID) {
	q := c.Query
	n := len(row)
	if v.Cands == nil || !v.Cands.Valid(q.Node(n)) || conflicts(q, row, n, v.ID) {
		return
	}
	for _, b := range q.Back(n) {
		if !c.Edges.Contains(int64(v.ID), int64(row[b])) || !v.HasNeighbor(row[b]) {
			return
		}
	}
	next := make([]bigmatch.VertexID, n+1)
	copy(next, row)
	next[n] = v.ID
	advance(c, v, next)
}

func enumerate(c *Context, v *Vertex, msgs []message.Message) error {
	v.Active = false
	if v.ID.IsVirtual() {
		return enumerateBranches(c, v, msgs)
	}
	q := c.Query
	m := q.Prefix()
	if c.Step == 1 {
		for _, row := range v.Rows {
			c.Send(message.New(message.BranchMappingWithSelf, bigmatch.VirtualID(row), v.ID, m, m, row))
			var sent []bigmatch.VertexID
		leaves:
			for i := m; i < q.Depth(); i++ {
				parent := row[q.Parent(i)]
				for _, id := range sent {
					if id == parent {
						continue leaves
					}
				}
				sent = append(sent, parent)
				payload := message.Alloc(m)
				copy(payload, row)
				c.Send(message.New(message.BranchMappingWithSelf, parent, v.ID, m, m, payload))
			}
		}
		v.Rows = nil
		return nil
	}
	for _, msg := range msgs {
		if msg.Tag != message.BranchMappingWithSelf || int(msg.Cols) != m {
			return errors.E(errors.Integrity, fmt.Sprintf("vertex %v: unexpected message %v while enumerating", v.ID, msg))
		}
		for i := 0; i < int(msg.Rows); i++ {
			offerLeaves(c, v, msg.Row(i))
		}
	}
	return nil
}

// offerLeaves sends, to the virtual vertex of row, the alternatives v
// offers for each leaf position whose parent it realizes. Each
// alternative is sent as the row extended by the leaf position and
// the candidate.
func offerLeaves(c *Context, v *Vertex, row []bigmatch.VertexID) {
	if v.Cands == nil {
		return
	}
	q := c.Query
	m := q.Prefix()
	var payload []bigmatch.VertexID
	for i := m; i < q.Depth(); i++ {
		if row[q.Parent(i)] != v.ID {
			continue
		}
		for _, w := range v.Cands.Keys(q.Node(q.Parent(i)), q.Node(i)) {
			if conflicts(q, row[:m], i, w) {
				continue
			}
			payload = append(payload, row...)
			payload = append(payload, bigmatch.VertexID(i), w)
		}
	}
	if len(payload) == 0 {
		return
	}
	out := message.Alloc(len(payload))
	copy(out, payload)
	c.Send(message.New(message.BranchMappingWithoutSelf, bigmatch.VirtualID(row), v.ID, m, m+2, out))
}

// enumerateBranches runs on virtual vertices: in the second superstep,
// each received row creates a branch with one child position per leaf;
// in the third, leaf alternatives are added to the branches, and their
// solutions are enumerated.
func enumerateBranches(c *Context, v *Vertex, msgs []message.Message) error {
	q := c.Query
	m, k := q.Prefix(), q.Depth()
	if v.arena == nil {
		v.arena = branch.NewArena()
		v.branches = make(map[string]branch.Handle)
	}
	var (
		order   []string
		touched = make(map[string]bool)
	)
	for _, msg := range msgs {
		switch {
		case msg.Tag == message.BranchMappingWithSelf && int(msg.Cols) == m:
			for i := 0; i < int(msg.Rows); i++ {
				row := msg.Row(i)
				key := bigmatch.RowKey(row)
				if _, ok := v.branches[key]; ok {
					continue
				}
				mapping := append([]bigmatch.VertexID(nil), row...)
				c.Accumulate(1, cellBranches, 1)
				if k == m {
					c.Accumulate(1, cellSolutions, 1)
					if err := c.Emit(mapping); err != nil {
						return err
					}
					continue
				}
				v.branches[key] = v.arena.New(mapping, k-m)
			}
		case msg.Tag == message.BranchMappingWithoutSelf && int(msg.Cols) == m+2:
			for i := 0; i < int(msg.Rows); i++ {
				row := msg.Row(i)
				key := bigmatch.RowKey(row[:m])
				h, ok := v.branches[key]
				if !ok {
					log.Debug.Printf("vertex %v: leaf alternative for unknown branch", v.ID)
					continue
				}
				pos := int(row[m]) - m
				if pos < 0 || pos >= k-m {
					return errors.E(errors.Integrity, fmt.Sprintf("vertex %v: leaf position %d out of range", v.ID, row[m]))
				}
				v.arena.AddPseudo(h, pos, row[m+1])
				if !touched[key] {
					touched[key] = true
					order = append(order, key)
				}
			}
		default:
			return errors.E(errors.Integrity, fmt.Sprintf("vertex %v: unexpected message %v while enumerating", v.ID, msg))
		}
	}
	if len(order) == 0 {
		return nil
	}
	after := func(pos int) []int {
		var later []int
		for _, i := range q.ConflictsAfter(m + pos) {
			later = append(later, i-m)
		}
		return later
	}
	for _, key := range order {
		h := v.branches[key]
		for pos := 0; pos < k-m; pos++ {
			v.arena.Materialize(h, pos)
		}
		if v.arena.Empty(h) {
			continue
		}
		mapping := v.arena.Mapping(h)
		var err error
		n := v.arena.Enumerate(h, after, func(values []bigmatch.VertexID) {
			if err != nil {
				return
			}
			row := make([]bigmatch.VertexID, 0, k)
			row = append(row, mapping...)
			row = append(row, values...)
			err = c.Emit(row)
		})
		if err != nil {
			return err
		}
		c.Accumulate(1, cellSolutions, float64(n))
	}
	v.arena.Reset()
	v.branches = make(map[string]branch.Handle)
	return nil
}

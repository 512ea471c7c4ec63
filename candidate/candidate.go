// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package candidate implements the per-vertex candidate model used to
// filter and expand partial mappings. A Set records, for each query
// node a vertex may realize, the data vertices that may realize each
// adjacent query node. The structure is an AND-OR tree: a query node
// is viable only if every required neighbor (AND) has at least one
// candidate vertex (OR).
package candidate

import (
	"sort"

	"github.com/emirpasic/gods/sets/treeset"
	"github.com/grailbio/bigmatch"
)

func compareIDs(a, b interface{}) int {
	x, y := a.(bigmatch.VertexID), b.(bigmatch.VertexID)
	switch {
	case x < y:
		return -1
	case x > y:
		return 1
	default:
		return 0
	}
}

type node struct {
	next    map[int]*treeset.Set
	invalid bool
}

// Set is a candidate set for a single data vertex. The zero Set is
// not usable; use New.
type Set struct {
	nodes map[int]*node
}

// New returns a new, empty candidate set.
func New() *Set {
	return &Set{nodes: make(map[int]*node)}
}

// AddNode adds query node u to the set, requiring a (possibly empty)
// candidate set for each of the provided neighbor query nodes.
// Adding an existing node adds the requirements.
func (s *Set) AddNode(u int, required ...int) {
	n := s.nodes[u]
	if n == nil {
		n = &node{next: make(map[int]*treeset.Set)}
		s.nodes[u] = n
	}
	for _, next := range required {
		if n.next[next] == nil {
			n.next[next] = treeset.NewWith(compareIDs)
		}
	}
}

// Require adds a requirement for query neighbor next to query node u.
func (s *Set) Require(u, next int) {
	s.AddNode(u, next)
}

// Add adds the data vertex key as a candidate for query node next,
// given that the set's vertex realizes query node u. The node and the
// requirement are created if needed.
func (s *Set) Add(u, next int, key bigmatch.VertexID) {
	s.AddNode(u, next)
	s.nodes[u].next[next].Add(key)
}

// Has tells whether the set contains query node u.
func (s *Set) Has(u int) bool {
	return s.nodes[u] != nil
}

// Keys returns the candidates for query node next given query node u,
// in ascending order.
func (s *Set) Keys(u, next int) []bigmatch.VertexID {
	set := s.lookup(u, next)
	if set == nil {
		return nil
	}
	keys := make([]bigmatch.VertexID, 0, set.Size())
	it := set.Iterator()
	for it.Next() {
		keys = append(keys, it.Value().(bigmatch.VertexID))
	}
	return keys
}

// Contains tells whether key is a candidate for query node next given
// query node u.
func (s *Set) Contains(u, next int, key bigmatch.VertexID) bool {
	set := s.lookup(u, next)
	return set != nil && set.Contains(key)
}

// Len returns the number of candidates for query node next given query
// node u.
func (s *Set) Len(u, next int) int {
	set := s.lookup(u, next)
	if set == nil {
		return 0
	}
	return set.Size()
}

func (s *Set) lookup(u, next int) *treeset.Set {
	n := s.nodes[u]
	if n == nil {
		return nil
	}
	return n.next[next]
}

// Prune removes every candidate for query node next given query node
// u for which keep returns false. It returns the number of candidates
// removed. Pruning does not update validity; see FillInvalidSet.
func (s *Set) Prune(u, next int, keep func(bigmatch.VertexID) bool) int {
	set := s.lookup(u, next)
	if set == nil {
		return 0
	}
	var drop []interface{}
	it := set.Iterator()
	for it.Next() {
		if !keep(it.Value().(bigmatch.VertexID)) {
			drop = append(drop, it.Value())
		}
	}
	set.Remove(drop...)
	return len(drop)
}

// FillInvalidSet recomputes node validity: a query node is invalid
// if and only if some required neighbor has no candidates. It returns
// the number of invalid nodes.
func (s *Set) FillInvalidSet() int {
	var count int
	for _, n := range s.nodes {
		n.invalid = false
		for _, set := range n.next {
			if set.Empty() {
				n.invalid = true
				break
			}
		}
		if n.invalid {
			count++
		}
	}
	return count
}

// Valid tells whether query node u is present and valid as of the
// last call to FillInvalidSet.
func (s *Set) Valid(u int) bool {
	n := s.nodes[u]
	return n != nil && !n.invalid
}

// Nodes returns the query nodes in the set, in ascending order.
func (s *Set) Nodes() []int {
	nodes := make([]int, 0, len(s.nodes))
	for u := range s.nodes {
		nodes = append(nodes, u)
	}
	sort.Ints(nodes)
	return nodes
}

// ValidNodes returns the valid query nodes in the set, in ascending
// order.
func (s *Set) ValidNodes() []int {
	var nodes []int
	for _, u := range s.Nodes() {
		if !s.nodes[u].invalid {
			nodes = append(nodes, u)
		}
	}
	return nodes
}

// Invalid returns the invalid query nodes in the set, in ascending
// order.
func (s *Set) Invalid() []int {
	var nodes []int
	for _, u := range s.Nodes() {
		if s.nodes[u].invalid {
			nodes = append(nodes, u)
		}
	}
	return nodes
}

// Remove drops query node u and its candidates from the set.
func (s *Set) Remove(u int) {
	delete(s.nodes, u)
}

// Size returns the total number of candidate entries in the set.
func (s *Set) Size() int {
	var size int
	for _, n := range s.nodes {
		for _, set := range n.next {
			size += set.Size()
		}
	}
	return size
}

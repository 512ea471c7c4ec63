// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigmatch

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/grailbio/base/errors"
)

// A Query is a connected pattern graph together with the matching
// order used to embed it. Query nodes are numbered 0..k-1. Positions
// index the matching order: position 0 is the root of a BFS spanning
// tree and every later position is joined to an earlier one (its
// parent) by a tree edge.
//
// The order is split into a prefix, which is matched row by row, and
// a suffix of leaf positions: query nodes of degree one whose only
// edge is the tree edge to a prefix position. Leaf positions are
// expanded as OR-alternatives during enumeration.
//
// Queries are immutable once constructed.
type Query struct {
	labels []Label
	adj    [][]int
	edges  map[[2]int]bool

	order    []int
	position []int
	parent   []int
	prefix   int

	children  []int
	back      [][]int
	conflicts [][]int
	after     [][]int
}

// NewQuery returns a query with the provided node labels and
// undirected edges. The query must be non-empty and connected.
func NewQuery(labels []Label, edges [][2]int) (*Query, error) {
	k := len(labels)
	if k == 0 {
		return nil, errors.E(errors.Invalid, "query has no nodes")
	}
	q := &Query{
		labels: append([]Label(nil), labels...),
		adj:    make([][]int, k),
		edges:  make(map[[2]int]bool),
	}
	for _, e := range edges {
		a, b := e[0], e[1]
		if a < 0 || a >= k || b < 0 || b >= k {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("query edge (%d, %d) out of range", a, b))
		}
		if a == b {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("query edge (%d, %d) is a self loop", a, b))
		}
		if q.edges[[2]int{a, b}] {
			continue
		}
		q.edges[[2]int{a, b}] = true
		q.edges[[2]int{b, a}] = true
		q.adj[a] = append(q.adj[a], b)
		q.adj[b] = append(q.adj[b], a)
	}
	for _, nbrs := range q.adj {
		sort.Ints(nbrs)
	}
	if err := q.plan(); err != nil {
		return nil, err
	}
	return q, nil
}

// plan computes the matching order and the per-position constraint
// lists.
func (q *Query) plan() error {
	k := len(q.labels)
	isLeaf := func(u int) bool { return k > 1 && len(q.adj[u]) == 1 }
	// Root at the highest-degree node; it is never a leaf unless the
	// query is a single edge.
	root := 0
	for u := 1; u < k; u++ {
		if len(q.adj[u]) > len(q.adj[root]) {
			root = u
		}
	}
	q.position = make([]int, k)
	for i := range q.position {
		q.position[i] = -1
	}
	q.order = []int{root}
	q.parent = []int{-1}
	q.position[root] = 0
	for i := 0; i < len(q.order); i++ {
		u := q.order[i]
		for _, w := range q.adj[u] {
			if q.position[w] >= 0 || isLeaf(w) {
				continue
			}
			q.position[w] = len(q.order)
			q.order = append(q.order, w)
			q.parent = append(q.parent, i)
		}
	}
	q.prefix = len(q.order)
	for u := 0; u < k; u++ {
		if q.position[u] >= 0 || !isLeaf(u) {
			continue
		}
		p := q.position[q.adj[u][0]]
		if p < 0 {
			continue
		}
		q.position[u] = len(q.order)
		q.order = append(q.order, u)
		q.parent = append(q.parent, p)
	}
	if len(q.order) != k {
		return errors.E(errors.Invalid, fmt.Sprintf("query is not connected: reached %d of %d nodes", len(q.order), k))
	}

	q.children = make([]int, k)
	q.back = make([][]int, k)
	q.conflicts = make([][]int, k)
	q.after = make([][]int, k)
	for i := 1; i < k; i++ {
		q.children[q.order[q.parent[i]]]++
	}
	for i := 0; i < k; i++ {
		u := q.order[i]
		for j := 0; j < i; j++ {
			w := q.order[j]
			if j != q.parent[i] && q.edges[[2]int{u, w}] {
				q.back[i] = append(q.back[i], j)
			}
			if q.labels[u] == q.labels[w] {
				q.conflicts[i] = append(q.conflicts[i], j)
				q.after[j] = append(q.after[j], i)
			}
		}
	}
	return nil
}

// ParseQuery parses a query from lines of the form
//
//	t numNodes numEdges   (optional header)
//	v id label [degree]
//	e a b
//
// Node ids must be dense, starting at 0. Blank lines and lines
// starting with '#' are ignored.
func ParseQuery(lines []string) (*Query, error) {
	var (
		labels []Label
		seen   []bool
		edges  [][2]int
	)
	for lineno, line := range lines {
		fields := strings.Fields(line)
		if len(fields) == 0 || strings.HasPrefix(fields[0], "#") {
			continue
		}
		nums := make([]int, len(fields)-1)
		for i := range nums {
			n, err := strconv.Atoi(fields[i+1])
			if err != nil {
				return nil, errors.E(errors.Invalid, fmt.Sprintf("query line %d: %q", lineno+1, line), err)
			}
			nums[i] = n
		}
		switch fields[0] {
		case "t":
		case "v":
			if len(nums) < 2 || nums[0] < 0 || nums[1] < 0 {
				return nil, errors.E(errors.Invalid, fmt.Sprintf("query line %d: malformed node %q", lineno+1, line))
			}
			for len(labels) <= nums[0] {
				labels = append(labels, NoLabel)
				seen = append(seen, false)
			}
			if seen[nums[0]] {
				return nil, errors.E(errors.Invalid, fmt.Sprintf("query line %d: duplicate node %d", lineno+1, nums[0]))
			}
			labels[nums[0]] = Label(nums[1])
			seen[nums[0]] = true
		case "e":
			if len(nums) < 2 {
				return nil, errors.E(errors.Invalid, fmt.Sprintf("query line %d: malformed edge %q", lineno+1, line))
			}
			edges = append(edges, [2]int{nums[0], nums[1]})
		default:
			return nil, errors.E(errors.Invalid, fmt.Sprintf("query line %d: unknown record type %q", lineno+1, fields[0]))
		}
	}
	for u, ok := range seen {
		if !ok {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("query node %d is not declared", u))
		}
	}
	return NewQuery(labels, edges)
}

// NumNodes returns the number of query nodes.
func (q *Query) NumNodes() int { return len(q.labels) }

// Depth returns the maximum depth of a mapping, the number of
// positions in the matching order.
func (q *Query) Depth() int { return len(q.order) }

// Prefix returns the number of positions matched row by row. Positions
// Prefix()..Depth()-1 are leaf positions.
func (q *Query) Prefix() int { return q.prefix }

// Label returns the label of query node u.
func (q *Query) Label(u int) Label { return q.labels[u] }

// Degree returns the degree of query node u.
func (q *Query) Degree(u int) int { return len(q.adj[u]) }

// Neighbors returns the sorted neighbors of query node u. The
// returned slice must not be modified.
func (q *Query) Neighbors(u int) []int { return q.adj[u] }

// HasEdge tells whether query nodes u and w are adjacent.
func (q *Query) HasEdge(u, w int) bool { return q.edges[[2]int{u, w}] }

// Node returns the query node at position i.
func (q *Query) Node(i int) int { return q.order[i] }

// Position returns the position of query node u.
func (q *Query) Position(u int) int { return q.position[u] }

// Parent returns the position of the tree parent of position i, or -1
// for the root.
func (q *Query) Parent(i int) int { return q.parent[i] }

// Branches returns the number of tree children of query node u.
func (q *Query) Branches(u int) int { return q.children[u] }

// Back returns the earlier positions joined to position i by non-tree
// edges.
func (q *Query) Back(i int) []int { return q.back[i] }

// Conflicts returns the earlier positions whose assignment must differ
// from that of position i.
func (q *Query) Conflicts(i int) []int { return q.conflicts[i] }

// ConflictsAfter returns the later positions whose assignment must
// differ from that of position i.
func (q *Query) ConflictsAfter(i int) []int { return q.after[i] }

// Solution converts a complete mapping row, indexed by position, into
// an assignment indexed by query node.
func (q *Query) Solution(row []VertexID) []VertexID {
	s := make([]VertexID, len(row))
	for i, id := range row {
		s[q.order[i]] = id
	}
	return s
}

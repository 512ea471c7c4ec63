// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package branch implements the backtracking tree used to enumerate
// complete mappings. A branch holds a partial mapping together with,
// for each child position, a list of alternative continuations (an
// OR-list). Pseudo-children are raw candidate values that have not
// yet been turned into child branches.
//
// Branches live in an Arena and are addressed by Handle. Operations
// that change a branch's lists never mutate lists in place: they copy
// the branch and return the copy's handle, so that lists shared
// between branches (see CopyBranch) stay intact. The arena is freed in
// bulk by Reset.
package branch

import (
	"fmt"

	"github.com/grailbio/bigmatch"
)

// Handle addresses a branch in an arena.
type Handle int32

// Nil is the invalid handle.
const Nil Handle = -1

type node struct {
	mapping  []bigmatch.VertexID
	children [][]Handle
	pseudo   [][]bigmatch.VertexID
}

// Arena stores branches. Arenas are not safe for concurrent use.
type Arena struct {
	nodes []node
}

// NewArena returns a new, empty arena.
func NewArena() *Arena {
	return new(Arena)
}

// New allocates a branch with the provided mapping and the provided
// number of (empty) child positions. The arena retains the mapping.
func (a *Arena) New(mapping []bigmatch.VertexID, positions int) Handle {
	a.nodes = append(a.nodes, node{
		mapping:  mapping,
		children: make([][]Handle, positions),
		pseudo:   make([][]bigmatch.VertexID, positions),
	})
	return Handle(len(a.nodes) - 1)
}

// Leaf allocates a branch without child positions that assigns the
// provided value.
func (a *Arena) Leaf(value bigmatch.VertexID) Handle {
	a.nodes = append(a.nodes, node{mapping: []bigmatch.VertexID{value}})
	return Handle(len(a.nodes) - 1)
}

func (a *Arena) node(h Handle) *node {
	if h < 0 || int(h) >= len(a.nodes) {
		panic(fmt.Sprintf("branch: invalid handle %d (arena size %d)", h, len(a.nodes)))
	}
	return &a.nodes[h]
}

// clone allocates a copy of branch h that shares its mapping and its
// lists but owns its outer slices.
func (a *Arena) clone(h Handle) Handle {
	n := a.node(h)
	c := node{
		mapping:  n.mapping,
		children: append([][]Handle(nil), n.children...),
		pseudo:   append([][]bigmatch.VertexID(nil), n.pseudo...),
	}
	a.nodes = append(a.nodes, c)
	return Handle(len(a.nodes) - 1)
}

// Mapping returns the mapping of branch h. It must not be modified.
func (a *Arena) Mapping(h Handle) []bigmatch.VertexID {
	return a.node(h).mapping
}

// Value returns the value assigned by branch h: the last entry of its
// mapping.
func (a *Arena) Value(h Handle) bigmatch.VertexID {
	m := a.node(h).mapping
	return m[len(m)-1]
}

// NumPositions returns the number of child positions of branch h.
func (a *Arena) NumPositions(h Handle) int {
	return len(a.node(h).children)
}

// Children returns the alternatives at child position pos of branch h.
// The returned slice must not be modified.
func (a *Arena) Children(h Handle, pos int) []Handle {
	return a.node(h).children[pos]
}

// Pseudo returns the pseudo-children at child position pos of branch
// h. The returned slice must not be modified.
func (a *Arena) Pseudo(h Handle, pos int) []bigmatch.VertexID {
	return a.node(h).pseudo[pos]
}

// AddChild appends child as an alternative at position pos of branch
// h. AddChild mutates h; it must be used only while building a branch,
// before it is shared.
func (a *Arena) AddChild(h Handle, pos int, child Handle) {
	n := a.node(h)
	n.children[pos] = append(n.children[pos], child)
}

// AddPseudo appends a pseudo-child with the provided value at position
// pos of branch h. Like AddChild, it must be used only while building
// a branch.
func (a *Arena) AddPseudo(h Handle, pos int, value bigmatch.VertexID) {
	n := a.node(h)
	n.pseudo[pos] = append(n.pseudo[pos], value)
}

// Len returns the number of branches allocated in the arena.
func (a *Arena) Len() int { return len(a.nodes) }

// Reset frees every branch in the arena. Handles obtained before the
// reset are invalid afterwards.
func (a *Arena) Reset() {
	for i := range a.nodes {
		a.nodes[i] = node{}
	}
	a.nodes = a.nodes[:0]
}

// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package branch

import "github.com/grailbio/bigmatch"

// NoSolution is returned by RecursiveTrim when no alternatives remain
// under the trimmed position.
const NoSolution = -1

// RecursiveTrim removes alternatives that assign the value conflict.
// The chain names a nested child position: chain[depth] is a position
// of branch h, chain[depth+1] a position of each of its children, and
// so on. At the last hop, every alternative (child or pseudo-child)
// whose value equals conflict is removed. At intermediate hops, each
// child is trimmed recursively, and children that are left without
// solutions are removed.
//
// RecursiveTrim returns the handle of the trimmed branch together with
// the number of alternatives remaining at position chain[depth], or
// NoSolution if none remain. If nothing was removed, the returned
// handle is h itself; otherwise it is a fresh copy, and h is left
// unchanged. Trimming is monotonic: repeating a trim is a no-op.
func (a *Arena) RecursiveTrim(h Handle, conflict bigmatch.VertexID, chain []int, depth int) (Handle, int) {
	pos := chain[depth]
	if pos >= a.NumPositions(h) {
		return h, 0
	}
	var (
		children = a.node(h).children[pos]
		pseudo   = a.node(h).pseudo[pos]
		kept     []Handle
		changed  bool
	)
	if depth == len(chain)-1 {
		for _, c := range children {
			if a.Value(c) == conflict {
				changed = true
				continue
			}
			kept = append(kept, c)
		}
		var keptPseudo []bigmatch.VertexID
		for _, v := range pseudo {
			if v == conflict {
				changed = true
				continue
			}
			keptPseudo = append(keptPseudo, v)
		}
		if changed {
			h = a.clone(h)
			n := a.node(h)
			n.children[pos] = kept
			n.pseudo[pos] = keptPseudo
		}
		return h, remaining(len(kept) + len(keptPseudo))
	}
	for _, c := range children {
		trimmed, n := a.RecursiveTrim(c, conflict, chain, depth+1)
		if n == NoSolution {
			changed = true
			continue
		}
		if trimmed != c {
			changed = true
		}
		kept = append(kept, trimmed)
	}
	if changed {
		h = a.clone(h)
		a.node(h).children[pos] = kept
	}
	return h, remaining(len(kept) + len(pseudo))
}

func remaining(n int) int {
	if n == 0 {
		return NoSolution
	}
	return n
}

// CopyBranch returns a copy of branch h whose alternatives at position
// pos are replaced by the single alternative child. The copy shares
// every other list with h.
func (a *Arena) CopyBranch(h Handle, pos int, child Handle) Handle {
	c := a.clone(h)
	n := a.node(c)
	n.children[pos] = []Handle{child}
	n.pseudo[pos] = nil
	return c
}

// Materialize turns the pseudo-children at position pos of branch h
// into leaf children. Like AddChild, it mutates h and must be used only
// before h is shared.
func (a *Arena) Materialize(h Handle, pos int) {
	pseudo := a.node(h).pseudo[pos]
	for _, v := range pseudo {
		leaf := a.Leaf(v)
		a.AddChild(h, pos, leaf)
	}
	a.node(h).pseudo[pos] = nil
}

// Leaves returns the number of leaves of the tree rooted at h. A
// branch without child positions is a leaf; pseudo-children count as
// leaves.
func (a *Arena) Leaves(h Handle) int {
	if a.NumPositions(h) == 0 {
		return 1
	}
	var leaves int
	for pos := 0; pos < a.NumPositions(h); pos++ {
		for _, c := range a.Children(h, pos) {
			leaves += a.Leaves(c)
		}
		leaves += len(a.Pseudo(h, pos))
	}
	return leaves
}

// Empty tells whether branch h cannot produce a solution: some child
// position of h, or of a descendant, has no alternatives left.
func (a *Arena) Empty(h Handle) bool {
	for pos := 0; pos < a.NumPositions(h); pos++ {
		if len(a.Pseudo(h, pos)) > 0 {
			continue
		}
		children := a.Children(h, pos)
		if len(children) == 0 {
			return true
		}
		empty := true
		for _, c := range children {
			if !a.Empty(c) {
				empty = false
				break
			}
		}
		if empty {
			return true
		}
	}
	return false
}

// Enumerate enumerates the complete assignments of branch h: one
// alternative for each of its child positions, taken in order. Once
// the alternative at position pos is fixed, its value is trimmed from
// every position in after(pos), which must name only later positions.
// Emit is called with the chosen values, indexed by position; the
// slice is reused across calls. Enumerate returns the number of
// assignments emitted.
//
// Pseudo-children must be materialized before enumeration.
func (a *Arena) Enumerate(h Handle, after func(pos int) []int, emit func([]bigmatch.VertexID)) int {
	values := make([]bigmatch.VertexID, a.NumPositions(h))
	return a.enumerate(h, 0, values, after, emit)
}

func (a *Arena) enumerate(h Handle, pos int, values []bigmatch.VertexID, after func(int) []int, emit func([]bigmatch.VertexID)) int {
	if pos == len(values) {
		emit(values)
		return 1
	}
	var count int
	var chain [1]int
	for _, c := range a.Children(h, pos) {
		v := a.Value(c)
		fixed := a.CopyBranch(h, pos, c)
		ok := true
		for _, later := range after(pos) {
			chain[0] = later
			var n int
			fixed, n = a.RecursiveTrim(fixed, v, chain[:], 0)
			if n == NoSolution {
				ok = false
				break
			}
		}
		if !ok {
			continue
		}
		values[pos] = v
		count += a.enumerate(fixed, pos+1, values, after, emit)
	}
	return count
}

// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigmatch

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/spaolacci/murmur3"
)

// A VertexID identifies a vertex of the data graph. Data vertices
// have non-negative ids; virtual vertices (partial mappings realized
// as first-class vertices during enumeration) have the top bit set.
type VertexID int64

// IsVirtual tells whether the id names a virtual vertex.
func (id VertexID) IsVirtual() bool { return id < 0 }

func (id VertexID) String() string {
	if id.IsVirtual() {
		return fmt.Sprintf("v%x", uint64(id)&^(1<<63))
	}
	return strconv.FormatInt(int64(id), 10)
}

// A Label is a vertex label of the data or query graph.
type Label int32

// NoLabel is the label of a vertex whose label is not (yet) known.
const NoLabel Label = -1

// Vertex is a data graph vertex as read from the input: its id,
// label and (undirected) adjacency.
type Vertex struct {
	ID        VertexID
	Label     Label
	Neighbors []VertexID
}

// ParseVertex parses a graph input line of the form
//
//	vertexID labelID numNeighbors neighbor1 neighbor2 ...
//
// The returned neighbor list is sorted and free of duplicates and
// self loops.
func ParseVertex(line string) (Vertex, error) {
	fields := strings.Fields(line)
	if len(fields) < 3 {
		return Vertex{}, errors.E(errors.Invalid, fmt.Sprintf("vertex line %q: expected at least 3 fields, got %d", line, len(fields)))
	}
	var nums [3]int64
	for i := range nums {
		n, err := strconv.ParseInt(fields[i], 10, 64)
		if err != nil {
			return Vertex{}, errors.E(errors.Invalid, fmt.Sprintf("vertex line %q", line), err)
		}
		nums[i] = n
	}
	if nums[0] < 0 {
		return Vertex{}, errors.E(errors.Invalid, fmt.Sprintf("vertex line %q: negative vertex id", line))
	}
	if nums[1] < 0 || nums[1] > math.MaxInt32 {
		return Vertex{}, errors.E(errors.Invalid, fmt.Sprintf("vertex line %q: label out of range", line))
	}
	if got, want := int64(len(fields)-3), nums[2]; got != want {
		return Vertex{}, errors.E(errors.Invalid, fmt.Sprintf("vertex line %q: declared %d neighbors, got %d", line, want, got))
	}
	v := Vertex{ID: VertexID(nums[0]), Label: Label(nums[1])}
	for _, field := range fields[3:] {
		n, err := strconv.ParseInt(field, 10, 64)
		if err != nil || n < 0 {
			return Vertex{}, errors.E(errors.Invalid, fmt.Sprintf("vertex line %q: bad neighbor %q", line, field))
		}
		if VertexID(n) == v.ID {
			continue
		}
		v.Neighbors = append(v.Neighbors, VertexID(n))
	}
	v.Neighbors = sortUnique(v.Neighbors)
	return v, nil
}

// Partition returns the partition (rank) that owns the vertex with
// the provided id, given n partitions.
func Partition(id VertexID, n int) int {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(id))
	return int(murmur3.Sum32(b[:]) % uint32(n))
}

// VirtualID returns the id of the virtual vertex that realizes the
// provided mapping row. Distinct rows may (rarely) share an id;
// virtual vertices key their state by the full row.
func VirtualID(row []VertexID) VertexID {
	h := murmur3.New64()
	var b [8]byte
	for _, id := range row {
		binary.LittleEndian.PutUint64(b[:], uint64(id))
		h.Write(b[:])
	}
	return VertexID(int64(h.Sum64() | 1<<63))
}

// RowKey returns a string key that uniquely identifies a mapping row.
func RowKey(row []VertexID) string {
	b := make([]byte, 8*len(row))
	for i, id := range row {
		binary.LittleEndian.PutUint64(b[8*i:], uint64(id))
	}
	return string(b)
}

func sortUnique(ids []VertexID) []VertexID {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	n := 0
	for i := range ids {
		if i > 0 && ids[i] == ids[n-1] {
			continue
		}
		ids[n] = ids[i]
		n++
	}
	return ids[:n]
}

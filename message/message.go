// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package message defines the messages exchanged between vertices,
// their wire codec, and the per-rank Buffer that routes them between
// ranks at superstep boundaries.
package message

import (
	"fmt"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigmatch"
)

// Tag identifies the kind of a message.
type Tag uint8

const (
	// LabelInfo carries vertex attributes: labels and degrees during
	// preprocessing, valid query nodes during filtering.
	LabelInfo Tag = iota
	// InMapping carries partial mappings to the vertex that should
	// extend them.
	InMapping
	// OutMapping carries partial mappings that omit the sender's own
	// assignment. It is received as an InMapping with the sender's id
	// appended to every row.
	OutMapping
	// BranchMappingWithSelf carries mappings that include the
	// addressee's assignment.
	BranchMappingWithSelf
	// BranchMappingWithoutSelf carries mappings that the addressee
	// should verify and extend with its own assignment.
	BranchMappingWithoutSelf

	maxTag
)

var tagNames = [...]string{
	LabelInfo:                "LabelInfo",
	InMapping:                "InMapping",
	OutMapping:               "OutMapping",
	BranchMappingWithSelf:    "BranchMappingWithSelf",
	BranchMappingWithoutSelf: "BranchMappingWithoutSelf",
}

// Valid tells whether the tag is known.
func (t Tag) Valid() bool { return t < maxTag }

func (t Tag) String() string {
	if !t.Valid() {
		return fmt.Sprintf("Tag(%d)", t)
	}
	return tagNames[t]
}

// A Message is a batch of rows addressed to a single vertex. Rows are
// stored row-major in Payload: row i is Payload[i*Cols:(i+1)*Cols].
// For mapping messages, columns are positions in the query's matching
// order.
type Message struct {
	Tag Tag
	// To is the addressee; From is the sending vertex.
	To, From bigmatch.VertexID
	// Node is the query node, or matching position, that the rows
	// refer to; its meaning depends on the tag.
	Node int32
	// Rows and Cols give the shape of Payload.
	Rows, Cols int32
	Payload    []bigmatch.VertexID
}

// New returns a message with the provided payload, whose rows have
// cols columns each.
func New(tag Tag, to, from bigmatch.VertexID, node, cols int, payload []bigmatch.VertexID) Message {
	var rows int
	if cols > 0 {
		rows = len(payload) / cols
	}
	return Message{
		Tag:     tag,
		To:      to,
		From:    from,
		Node:    int32(node),
		Rows:    int32(rows),
		Cols:    int32(cols),
		Payload: payload,
	}
}

// Row returns row i of the message. The returned slice aliases the
// message's payload.
func (m Message) Row(i int) []bigmatch.VertexID {
	c := int(m.Cols)
	return m.Payload[i*c : (i+1)*c : (i+1)*c]
}

// Validate returns an integrity error if the message's tag is unknown
// or its shape disagrees with its payload.
func (m Message) Validate() error {
	if !m.Tag.Valid() {
		return errors.E(errors.Integrity, fmt.Sprintf("message to %v: invalid tag %d", m.To, m.Tag))
	}
	if m.Rows < 0 || m.Cols < 0 {
		return errors.E(errors.Integrity, fmt.Sprintf("message %v to %v: negative shape %dx%d", m.Tag, m.To, m.Rows, m.Cols))
	}
	if got, want := int64(len(m.Payload)), int64(m.Rows)*int64(m.Cols); got != want {
		return errors.E(errors.Integrity, fmt.Sprintf("message %v to %v: shape %dx%d but payload has %d entries", m.Tag, m.To, m.Rows, m.Cols, got))
	}
	return nil
}

func (m Message) String() string {
	return fmt.Sprintf("%v(%v->%v node %d, %dx%d)", m.Tag, m.From, m.To, m.Node, m.Rows, m.Cols)
}

// maxPooled is the largest payload capacity that is recycled.
const maxPooled = 1 << 16

var payloads = sync.Pool{
	New: func() interface{} { return new([]bigmatch.VertexID) },
}

// Alloc returns a payload of length n, reusing released payloads when
// possible.
func Alloc(n int) []bigmatch.VertexID {
	p := payloads.Get().(*[]bigmatch.VertexID)
	if cap(*p) < n {
		payloads.Put(p)
		return make([]bigmatch.VertexID, n)
	}
	s := (*p)[:n]
	*p = nil
	payloads.Put(p)
	return s
}

func free(payload []bigmatch.VertexID) {
	if cap(payload) == 0 || cap(payload) > maxPooled {
		return
	}
	p := payloads.Get().(*[]bigmatch.VertexID)
	*p = payload[:0]
	payloads.Put(p)
}

// Disposal records message payloads whose release is deferred, so
// that they can be released together.
type Disposal struct {
	payloads [][]bigmatch.VertexID
}

// Add records a payload for release.
func (d *Disposal) Add(payload []bigmatch.VertexID) {
	if cap(payload) > 0 {
		d.payloads = append(d.payloads, payload)
	}
}

// Len returns the number of payloads recorded.
func (d *Disposal) Len() int { return len(d.payloads) }

// Release releases every recorded payload. Payloads must not be used
// afterwards. A payload recorded more than once is released once.
func (d *Disposal) Release() {
	seen := make(map[*bigmatch.VertexID]bool, len(d.payloads))
	for i, p := range d.payloads {
		d.payloads[i] = nil
		if key := &p[:1][0]; !seen[key] {
			seen[key] = true
			free(p)
		}
	}
	d.payloads = d.payloads[:0]
}

// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package message

import (
	"context"
	"fmt"
	"sync"

	"github.com/emirpasic/gods/trees/redblacktree"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigmatch"
	"github.com/grailbio/bigmatch/transport"
)

// A Combiner merges message b into message a, both addressed to the
// same vertex. It returns false if the messages cannot be merged, in
// which case both are sent.
type Combiner func(a, b Message) (Message, bool)

// ConcatRows is a Combiner that concatenates the rows of messages with
// the same tag, sender, node, and column count.
func ConcatRows(a, b Message) (Message, bool) {
	if a.Tag != b.Tag || a.From != b.From || a.Node != b.Node || a.Cols != b.Cols {
		return a, false
	}
	payload := Alloc(len(a.Payload) + len(b.Payload))
	copy(payload, a.Payload)
	copy(payload[len(a.Payload):], b.Payload)
	a.Payload = payload
	a.Rows += b.Rows
	return a, true
}

// outKey orders a partition's outbound messages by addressee, and by
// insertion order among messages to the same addressee.
type outKey struct {
	to  bigmatch.VertexID
	seq uint64
}

func compareOutKeys(a, b interface{}) int {
	x, y := a.(outKey), b.(outKey)
	switch {
	case x.to < y.to:
		return -1
	case x.to > y.to:
		return 1
	case x.seq < y.seq:
		return -1
	case x.seq > y.seq:
		return 1
	default:
		return 0
	}
}

// Stats holds a buffer's cumulative exchange counts.
type Stats struct {
	MessagesSent, MessagesReceived int64
	BytesSent, BytesReceived       int64
	Combined                       int64
	Exchanges                      int64
}

func (s Stats) String() string {
	return fmt.Sprintf("exchanges:%d sent:%d(%dB) received:%d(%dB) combined:%d",
		s.Exchanges, s.MessagesSent, s.BytesSent, s.MessagesReceived, s.BytesReceived, s.Combined)
}

// Buffer holds a rank's messages: an outbox per destination rank,
// ordered by addressee, and an inbox per local vertex. SyncMessages
// exchanges the outboxes among all ranks; DistributeMessages delivers
// the received messages into inboxes.
//
// Payloads are retained for two generations: the messages delivered
// in the previous superstep, and the messages sent in the current
// one. Release frees both once a superstep's exchange is complete.
//
// Send and Take may be called concurrently; other methods may not.
type Buffer struct {
	t        transport.Transport
	combiner Combiner

	mu     sync.Mutex
	seq    uint64
	outbox []*redblacktree.Tree
	inbox  map[bigmatch.VertexID][]Message

	received []Message
	sent     Disposal
	inGen    Disposal

	stats Stats
}

// NewBuffer returns a buffer that exchanges messages over transport t.
// If combiner is non-nil, it is applied to consecutive messages to the
// same addressee before they are sent.
func NewBuffer(t transport.Transport, combiner Combiner) *Buffer {
	b := &Buffer{
		t:        t,
		combiner: combiner,
		outbox:   make([]*redblacktree.Tree, t.Size()),
		inbox:    make(map[bigmatch.VertexID][]Message),
	}
	for i := range b.outbox {
		b.outbox[i] = redblacktree.NewWith(compareOutKeys)
	}
	return b
}

// Send queues message m for delivery to its addressee in the next
// superstep.
func (b *Buffer) Send(m Message) {
	part := bigmatch.Partition(m.To, len(b.outbox))
	b.mu.Lock()
	b.seq++
	b.outbox[part].Put(outKey{m.To, b.seq}, m)
	b.mu.Unlock()
}

// Take removes and returns the messages delivered to vertex id.
func (b *Buffer) Take(id bigmatch.VertexID) []Message {
	b.mu.Lock()
	msgs := b.inbox[id]
	delete(b.inbox, id)
	b.mu.Unlock()
	return msgs
}

// Pending tells whether messages are waiting for vertex id.
func (b *Buffer) Pending(id bigmatch.VertexID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.inbox[id]) > 0
}

// NumPending returns the number of messages waiting in inboxes.
func (b *Buffer) NumPending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	var n int
	for _, msgs := range b.inbox {
		n += len(msgs)
	}
	return n
}

// Addressees returns the vertices with pending messages.
func (b *Buffer) Addressees() []bigmatch.VertexID {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := make([]bigmatch.VertexID, 0, len(b.inbox))
	for id := range b.inbox {
		ids = append(ids, id)
	}
	return ids
}

// Clear drops every pending message. It returns the number of messages
// dropped.
func (b *Buffer) Clear() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	var n int
	for id, msgs := range b.inbox {
		n += len(msgs)
		delete(b.inbox, id)
	}
	return n
}

// drain removes the messages queued for partition part, in addressee
// order, applying the combiner.
func (b *Buffer) drain(part int) []Message {
	tree := b.outbox[part]
	msgs := make([]Message, 0, tree.Size())
	it := tree.Iterator()
	for it.Next() {
		m := it.Value().(Message)
		b.sent.Add(m.Payload)
		if n := len(msgs); n > 0 && b.combiner != nil && msgs[n-1].To == m.To {
			if c, ok := b.combiner(msgs[n-1], m); ok {
				msgs[n-1] = c
				b.stats.Combined++
				continue
			}
		}
		msgs = append(msgs, m)
	}
	tree.Clear()
	return msgs
}

// SyncMessages exchanges queued messages among all ranks. Every rank
// must call SyncMessages in the same superstep. It returns the
// addressees of received messages that known does not recognize:
// vertices that must be spawned on this rank before the messages are
// distributed.
func (b *Buffer) SyncMessages(ctx context.Context, known func(bigmatch.VertexID) bool) ([]bigmatch.VertexID, error) {
	var (
		out   = make([][]byte, len(b.outbox))
		nmsg  int
		nsent int
	)
	for part := range b.outbox {
		msgs := b.drain(part)
		if len(msgs) == 0 {
			continue
		}
		p, err := Marshal(msgs)
		if err != nil {
			return nil, err
		}
		out[part] = p
		nmsg += len(msgs)
		nsent += len(p)
	}
	b.stats.BytesSent += int64(nsent)
	b.stats.MessagesSent += int64(nmsg)
	b.stats.Exchanges++
	exchangeMessages.WithLabelValues("sent").Add(float64(nmsg))

	in, err := b.t.AllToAll(ctx, out)
	if err != nil {
		return nil, err
	}
	var (
		spawn []bigmatch.VertexID
		seen  = make(map[bigmatch.VertexID]bool)
		nbyte int
	)
	for src, p := range in {
		nbyte += len(p)
		msgs, err := Unmarshal(p)
		if err != nil {
			return nil, errors.E(fmt.Sprintf("decoding messages from rank %d", src), err)
		}
		for _, m := range msgs {
			if part := bigmatch.Partition(m.To, len(b.outbox)); part != b.t.Rank() {
				log.Error.Printf("rank %d: received message %v owned by rank %d", b.t.Rank(), m, part)
			}
			if !seen[m.To] && !known(m.To) {
				spawn = append(spawn, m.To)
			}
			seen[m.To] = true
		}
		b.received = append(b.received, msgs...)
	}
	b.stats.MessagesReceived += int64(len(b.received))
	b.stats.BytesReceived += int64(nbyte)
	exchangeMessages.WithLabelValues("received").Add(float64(len(b.received)))
	exchangeBytes.WithLabelValues("sent").Add(float64(nsent))
	exchangeBytes.WithLabelValues("received").Add(float64(nbyte))
	return spawn, nil
}

// DistributeMessages delivers the messages received by the last call
// to SyncMessages into their addressees' inboxes. If d is non-nil, the
// payloads are recorded in d and released when the caller releases d;
// otherwise they are released by the buffer after the next superstep.
func (b *Buffer) DistributeMessages(d *Disposal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, m := range b.received {
		b.inbox[m.To] = append(b.inbox[m.To], m)
		if d != nil {
			d.Add(m.Payload)
		} else {
			b.inGen.Add(m.Payload)
		}
	}
	b.received = b.received[:0]
}

// Release frees the payloads of the messages delivered in the previous
// superstep and of the messages sent in this one. Release must be
// called after SyncMessages and before DistributeMessages. In the
// final superstep no payloads are freed; they are freed by Close.
func (b *Buffer) Release(final bool) {
	if final {
		return
	}
	b.inGen.Release()
	b.sent.Release()
}

// Stats returns the buffer's cumulative exchange counts.
func (b *Buffer) Stats() Stats {
	return b.stats
}

// Close releases every payload retained by the buffer and drops
// pending messages.
func (b *Buffer) Close() {
	b.Clear()
	b.inGen.Release()
	b.sent.Release()
	b.received = nil
	for _, tree := range b.outbox {
		tree.Clear()
	}
}

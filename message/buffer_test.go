// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package message

import (
	"context"
	"fmt"
	"reflect"
	"testing"

	"github.com/grailbio/bigmatch"
	"github.com/grailbio/bigmatch/transport"
	"golang.org/x/sync/errgroup"
)

// idsOn returns n vertex ids owned by rank part of size ranks.
func idsOn(part, size, n int) []bigmatch.VertexID {
	var ids []bigmatch.VertexID
	for id := bigmatch.VertexID(0); len(ids) < n; id++ {
		if bigmatch.Partition(id, size) == part {
			ids = append(ids, id)
		}
	}
	return ids
}

func runBuffers(t *testing.T, size int, combiner Combiner, fn func(ctx context.Context, rank int, b *Buffer) error) {
	t.Helper()
	ts := transport.Local(size)
	g, ctx := errgroup.WithContext(context.Background())
	for i := range ts {
		i := i
		g.Go(func() error {
			b := NewBuffer(ts[i], combiner)
			defer b.Close()
			defer ts[i].Close()
			return fn(ctx, i, b)
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
}

func TestBufferExchange(t *testing.T) {
	const N = 3
	runBuffers(t, N, nil, func(ctx context.Context, rank int, b *Buffer) error {
		local := idsOn(rank, N, 2)
		known := func(id bigmatch.VertexID) bool { return id == local[0] || id == local[1] }
		// Every rank sends two messages to the first vertex of every
		// rank, and nothing to the second.
		for dst := 0; dst < N; dst++ {
			to := idsOn(dst, N, 1)[0]
			for i := 0; i < 2; i++ {
				b.Send(New(LabelInfo, to, bigmatch.VertexID(rank), i, 1, []bigmatch.VertexID{bigmatch.VertexID(10*rank + i)}))
			}
		}
		spawn, err := b.SyncMessages(ctx, known)
		if err != nil {
			return err
		}
		if len(spawn) != 0 {
			return fmt.Errorf("rank %d: unexpected spawn %v", rank, spawn)
		}
		b.Release(false)
		b.DistributeMessages(nil)
		if got, want := b.NumPending(), 2*N; got != want {
			return fmt.Errorf("rank %d: %d pending, want %d", rank, got, want)
		}
		if b.Pending(local[1]) {
			return fmt.Errorf("rank %d: unexpected messages for %v", rank, local[1])
		}
		msgs := b.Take(local[0])
		// Messages arrive grouped by sender, in the order sent.
		var got []bigmatch.VertexID
		for _, m := range msgs {
			got = append(got, m.Row(0)[0])
		}
		var want []bigmatch.VertexID
		for src := 0; src < N; src++ {
			want = append(want, bigmatch.VertexID(10*src), bigmatch.VertexID(10*src+1))
		}
		if !reflect.DeepEqual(got, want) {
			return fmt.Errorf("rank %d: got %v, want %v", rank, got, want)
		}
		if b.NumPending() != 0 {
			return fmt.Errorf("rank %d: messages left after take", rank)
		}
		stats := b.Stats()
		if stats.MessagesSent != 2*N || stats.MessagesReceived != 2*N {
			return fmt.Errorf("rank %d: bad stats %v", rank, stats)
		}
		return nil
	})
}

func TestBufferSpawn(t *testing.T) {
	const N = 3
	runBuffers(t, N, nil, func(ctx context.Context, rank int, b *Buffer) error {
		// Every rank addresses the same virtual vertex.
		virtual := bigmatch.VirtualID([]bigmatch.VertexID{1, 2, 3})
		owner := bigmatch.Partition(virtual, N)
		b.Send(New(BranchMappingWithSelf, virtual, bigmatch.VertexID(rank), 0, 3, []bigmatch.VertexID{1, 2, 3}))
		spawn, err := b.SyncMessages(ctx, func(bigmatch.VertexID) bool { return false })
		if err != nil {
			return err
		}
		var want []bigmatch.VertexID
		if rank == owner {
			want = []bigmatch.VertexID{virtual}
		}
		if !reflect.DeepEqual(spawn, want) {
			return fmt.Errorf("rank %d: got %v, want %v", rank, spawn, want)
		}
		var d Disposal
		b.Release(false)
		b.DistributeMessages(&d)
		if rank == owner {
			if got, want := len(b.Take(virtual)), N; got != want {
				return fmt.Errorf("got %v, want %v", got, want)
			}
			if got, want := d.Len(), N; got != want {
				return fmt.Errorf("got %v, want %v", got, want)
			}
		}
		d.Release()
		return nil
	})
}

func TestBufferCombiner(t *testing.T) {
	const N = 2
	runBuffers(t, N, ConcatRows, func(ctx context.Context, rank int, b *Buffer) error {
		to := idsOn(0, N, 1)[0]
		for i := 0; i < 3; i++ {
			b.Send(New(OutMapping, to, 5, 1, 2, []bigmatch.VertexID{bigmatch.VertexID(i), bigmatch.VertexID(i)}))
		}
		if _, err := b.SyncMessages(ctx, func(bigmatch.VertexID) bool { return true }); err != nil {
			return err
		}
		b.Release(true)
		b.DistributeMessages(nil)
		if got, want := b.Stats().Combined, int64(2); got != want {
			return fmt.Errorf("got %v, want %v", got, want)
		}
		if rank != 0 {
			return nil
		}
		msgs := b.Take(to)
		if got, want := len(msgs), N; got != want {
			return fmt.Errorf("got %v, want %v", got, want)
		}
		for _, m := range msgs {
			if m.Tag != InMapping || m.Rows != 3 || m.Cols != 3 {
				return fmt.Errorf("bad combined message %v", m)
			}
			if got, want := m.Row(2), []bigmatch.VertexID{2, 2, 5}; !reflect.DeepEqual(got, want) {
				return fmt.Errorf("got %v, want %v", got, want)
			}
		}
		return nil
	})
}

func TestConcatRows(t *testing.T) {
	a := New(InMapping, 1, 2, 3, 2, []bigmatch.VertexID{1, 2})
	if _, ok := ConcatRows(a, New(InMapping, 1, 2, 3, 1, []bigmatch.VertexID{1})); ok {
		t.Error("combined messages of different shapes")
	}
	if _, ok := ConcatRows(a, New(LabelInfo, 1, 2, 3, 2, []bigmatch.VertexID{1, 2})); ok {
		t.Error("combined messages with different tags")
	}
	c, ok := ConcatRows(a, New(InMapping, 1, 2, 3, 2, []bigmatch.VertexID{3, 4}))
	if !ok {
		t.Fatal("messages not combined")
	}
	if err := c.Validate(); err != nil {
		t.Fatal(err)
	}
	if got, want := c.Payload, []bigmatch.VertexID{1, 2, 3, 4}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestDisposal(t *testing.T) {
	var d Disposal
	p := Alloc(4)
	d.Add(p)
	d.Add(p)
	d.Add(nil)
	if got, want := d.Len(), 2; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	d.Release()
	if got, want := d.Len(), 0; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := len(Alloc(3)), 3; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

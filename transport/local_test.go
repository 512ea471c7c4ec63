// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package transport

import (
	"context"
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/grailbio/base/errors"
	"golang.org/x/sync/errgroup"
)

// runRanks runs fn concurrently for every transport.
func runRanks(t *testing.T, ts []Transport, fn func(ctx context.Context, t Transport) error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)
	for _, tr := range ts {
		tr := tr
		g.Go(func() error { return fn(ctx, tr) })
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
}

// testCollectives exercises every collective on the provided group.
func testCollectives(t *testing.T, ts []Transport) {
	n := len(ts)
	runRanks(t, ts, func(ctx context.Context, tr Transport) error {
		rank := tr.Rank()
		if tr.Size() != n {
			return fmt.Errorf("rank %d: size %d, want %d", rank, tr.Size(), n)
		}
		if err := tr.Barrier(ctx); err != nil {
			return err
		}
		sum, err := tr.SumReduce(ctx, int64(rank+1))
		if err != nil {
			return err
		}
		if want := int64(n * (n + 1) / 2); sum != want {
			return fmt.Errorf("rank %d: sum %d, want %d", rank, sum, want)
		}
		root := n - 1
		gathered, err := tr.Gather(ctx, root, []byte{byte(rank)})
		if err != nil {
			return err
		}
		if rank == root {
			for src, p := range gathered {
				if !reflect.DeepEqual(p, []byte{byte(src)}) {
					return fmt.Errorf("gather: rank %d sent %v", src, p)
				}
			}
		} else if gathered != nil {
			return fmt.Errorf("rank %d: gather returned data at non-root", rank)
		}
		var data []byte
		if rank == 0 {
			data = []byte("hello")
		}
		got, err := tr.Broadcast(ctx, 0, data)
		if err != nil {
			return err
		}
		if string(got) != "hello" {
			return fmt.Errorf("rank %d: broadcast %q", rank, got)
		}
		out := make([][]byte, n)
		for dst := range out {
			out[dst] = []byte{byte(rank), byte(dst)}
		}
		in, err := tr.AllToAll(ctx, out)
		if err != nil {
			return err
		}
		for src, p := range in {
			if want := []byte{byte(src), byte(rank)}; !reflect.DeepEqual(p, want) {
				return fmt.Errorf("rank %d: from %d got %v, want %v", rank, src, p, want)
			}
		}
		// Every rank sends two messages to rank 0, which receives them
		// in order.
		if rank != 0 {
			for i := 0; i < 2; i++ {
				if err := tr.Send(ctx, 0, []byte{byte(rank), byte(i)}); err != nil {
					return err
				}
			}
		} else {
			for src := n - 1; src > 0; src-- {
				for i := 0; i < 2; i++ {
					p, err := tr.Recv(ctx, src)
					if err != nil {
						return err
					}
					if want := []byte{byte(src), byte(i)}; !reflect.DeepEqual(p, want) {
						return fmt.Errorf("recv from %d got %v, want %v", src, p, want)
					}
				}
			}
		}
		return tr.Barrier(ctx)
	})
}

func TestLocal(t *testing.T) {
	for _, n := range []int{1, 3} {
		ts := Local(n)
		testCollectives(t, ts)
		for _, tr := range ts {
			if err := tr.Close(); err != nil {
				t.Fatal(err)
			}
		}
	}
}

func TestHubRoundsReleased(t *testing.T) {
	hub := NewHub()
	ts := make([]Transport, 3)
	for i := range ts {
		ts[i] = newConn(hub, i, len(ts), nil)
	}
	testCollectives(t, ts)
	if got, want := hub.Pending(), 0; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestHubRoundAbandoned(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out := [][]byte{[]byte("a0"), []byte("a1")}
	if _, err := hub.Exchange(ctx, "round", 0, 2, out); err != context.Canceled {
		t.Fatalf("got %v, want %v", err, context.Canceled)
	}
	if got, want := hub.Pending(), 0; got != want {
		t.Errorf("got %v, want %v", got, want)
	}

	// The rank may rejoin the round.
	var g errgroup.Group
	ins := make([][][]byte, 2)
	for rank := range ins {
		rank := rank
		g.Go(func() (err error) {
			out := [][]byte{[]byte(fmt.Sprintf("%d0", rank)), []byte(fmt.Sprintf("%d1", rank))}
			ins[rank], err = hub.Exchange(context.Background(), "round", rank, 2, out)
			return
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	if got, want := ins[1], [][]byte{[]byte("01"), []byte("11")}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %q, want %q", got, want)
	}
	if got, want := hub.Pending(), 0; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestHubClosed(t *testing.T) {
	ts := Local(2)
	ctx := context.Background()
	errc := make(chan error)
	go func() {
		_, err := ts[1].Recv(ctx, 0)
		errc <- err
	}()
	// Close both ends; the blocked receive fails.
	ts[0].Close()
	ts[1].Close()
	if err := <-errc; !errors.Is(errors.Unavailable, err) {
		t.Errorf("got %v, want unavailable", err)
	}
	if err := ts[0].Barrier(ctx); !errors.Is(errors.Unavailable, err) {
		t.Errorf("got %v, want unavailable", err)
	}
}

func TestInvalidRank(t *testing.T) {
	ts := Local(2)
	ctx := context.Background()
	if err := ts[0].Send(ctx, 2, nil); !errors.Is(errors.Invalid, err) {
		t.Errorf("got %v, want invalid", err)
	}
	if _, err := ts[0].AllToAll(ctx, make([][]byte, 3)); !errors.Is(errors.Invalid, err) {
		t.Errorf("got %v, want invalid", err)
	}
}

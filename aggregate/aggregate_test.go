// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package aggregate

import (
	"context"
	"fmt"
	"reflect"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigmatch/transport"
	"golang.org/x/sync/errgroup"
)

func reduceAll(t *testing.T, aggs []Aggregator) {
	t.Helper()
	ts := transport.Local(len(aggs))
	g, ctx := errgroup.WithContext(context.Background())
	for i := range aggs {
		i := i
		g.Go(func() error {
			defer ts[i].Close()
			return aggs[i].Reduce(ctx, ts[i])
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
}

func TestSum(t *testing.T) {
	for _, threshold := range []int{1, 1 << 20} {
		t.Run(fmt.Sprint(threshold), func(t *testing.T) {
			aggs := make([]Aggregator, 3)
			for i := range aggs {
				s := NewSum(1, 1)
				s.GatherThreshold = threshold
				s.Accumulate(0, 0, float64(i+1))
				aggs[i] = s
			}
			reduceAll(t, aggs)
			for i, agg := range aggs {
				if got, want := agg.Final(), (Matrix{Rows: 1, Cols: 1, Data: []float64{6}}); !reflect.DeepEqual(got, want) {
					t.Errorf("rank %d: got %v, want %v", i, got, want)
				}
			}
		})
	}
}

func TestSumMatrix(t *testing.T) {
	aggs := make([]Aggregator, 4)
	want := NewMatrix(Dim, Dim)
	for i := range aggs {
		s := NewSum(Dim, Dim)
		for r := 0; r < Dim; r++ {
			for c := 0; c < Dim; c++ {
				v := float64(i*Dim*Dim + r*Dim + c)
				s.Accumulate(r, c, v)
				s.Accumulate(r, c, 1)
				want.Inc(r, c, v+1)
			}
		}
		aggs[i] = s
	}
	reduceAll(t, aggs)
	for i, agg := range aggs {
		if got := agg.Final(); !reflect.DeepEqual(got, want) {
			t.Errorf("rank %d: got %v, want %v", i, got, want)
		}
	}
}

func TestNop(t *testing.T) {
	aggs := []Aggregator{Nop{}, Nop{}, Nop{}}
	reduceAll(t, aggs)
	if got, want := aggs[0].Final(), (Matrix{}); !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestMatrix(t *testing.T) {
	m := NewMatrix(2, 3)
	m.Set(1, 2, 5)
	m.Inc(1, 2, 1)
	if got, want := m.At(1, 2), 6.0; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	c := m.Copy()
	c.Inc(0, 0, 1)
	if m.At(0, 0) != 0 {
		t.Error("copy aliases data")
	}
	if got, want := m.String(), "[[0 0 0] [0 0 6]]"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
	if err := m.Add(NewMatrix(3, 2)); !errors.Is(errors.Integrity, err) {
		t.Errorf("got %v, want integrity error", err)
	}
}

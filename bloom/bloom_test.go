// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bloom

import (
	"math/rand"
	"testing"
)

func TestParams(t *testing.T) {
	for _, c := range []struct {
		p float64
		n int
	}{
		{0.5, 10},
		{0.01, 1},
		{0.01, 1000},
		{0.001, 100000},
		{1e-60, 10},
	} {
		k, m := Params(c.p, c.n)
		if k < minHashes || k > maxHashes {
			t.Errorf("p=%v n=%v: hash count %d out of range", c.p, c.n, k)
		}
		if m < minBits || m%8 != 0 {
			t.Errorf("p=%v n=%v: bad table size %d", c.p, c.n, m)
		}
		if r := rate(k, m, c.n); r > c.p {
			t.Errorf("p=%v n=%v: expected rate %v exceeds bound", c.p, c.n, r)
		}
	}
}

func TestParamsPanic(t *testing.T) {
	for _, p := range []float64{0, 1, -1, 2} {
		func() {
			defer func() {
				if recover() == nil {
					t.Errorf("p=%v: expected panic", p)
				}
			}()
			Params(p, 10)
		}()
	}
}

func TestFilter(t *testing.T) {
	const (
		N      = 20000
		Sample = 200000
		P      = 0.01
	)
	r := rand.New(rand.NewSource(0))
	f := New(P, N)
	pairs := make([][2]int64, N)
	for i := range pairs {
		pairs[i] = [2]int64{r.Int63(), r.Int63()}
		f.Insert(pairs[i][0], pairs[i][1])
	}
	if got, want := f.Len(), N; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	for _, p := range pairs {
		if !f.Contains(p[0], p[1]) {
			t.Fatalf("false negative for %v", p)
		}
	}
	// Never-inserted pairs: inserted pairs are non-negative.
	var fp int
	for i := 0; i < Sample; i++ {
		if f.Contains(-r.Int63()-1, r.Int63()) {
			fp++
		}
	}
	if got, max := float64(fp)/Sample, 1.25*P; got > max {
		t.Errorf("false positive rate %v exceeds %v", got, max)
	}
}

func TestFilterOrdered(t *testing.T) {
	f := New(0.001, 100)
	f.Insert(1, 2)
	if !f.Contains(1, 2) {
		t.Error("false negative")
	}
	if f.Contains(2, 1) {
		t.Error("pairs are ordered")
	}
}

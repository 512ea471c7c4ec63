// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package bloom implements a bloom filter over pairs of integers. It
// is used to reject candidate edges before they are verified against
// a vertex's exact adjacency.
package bloom

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/spaolacci/murmur3"
)

const (
	minHashes = 3
	maxHashes = 128
	minBits   = 64
)

// Params returns the number of hash functions and the number of table
// bits for a filter holding n elements with a false positive
// probability of at most p. The hash count is clamped to [3, 128];
// the table is at least 64 bits and a whole number of bytes.
func Params(p float64, n int) (k, m int) {
	if !(p > 0 && p < 1) {
		panic(fmt.Sprintf("bloom: false positive probability %v not in (0, 1)", p))
	}
	if n < 1 {
		n = 1
	}
	k = int(math.Ceil(-math.Log2(p)))
	if k < minHashes {
		k = minHashes
	}
	if k > maxHashes {
		k = maxHashes
	}
	m = int(math.Ceil(-float64(n) * math.Log(p) / (math.Ln2 * math.Ln2)))
	if m < minBits {
		m = minBits
	}
	m = roundBits(m)
	// The clamped hash count may be far from the optimum for the
	// table size; grow the table until the expected rate is met.
	for rate(k, m, n) > p {
		m = roundBits(m + m/16)
	}
	return k, m
}

func roundBits(m int) int {
	return (m + 7) &^ 7
}

// rate returns the expected false positive rate of a filter with k
// hashes and m bits holding n elements.
func rate(k, m, n int) float64 {
	return math.Pow(1-math.Exp(-float64(k)*float64(n)/float64(m)), float64(k))
}

// Filter is a bloom filter of (int64, int64) pairs. Filters have no
// false negatives. Filters are not safe for concurrent insertion;
// concurrent lookups are safe once insertion is complete.
type Filter struct {
	k    int
	m    uint64
	bits []byte
	n    int
}

// New returns a new filter sized for n elements with a false positive
// probability of p. New panics if p is not in (0, 1).
func New(p float64, n int) *Filter {
	k, m := Params(p, n)
	return &Filter{k: k, m: uint64(m), bits: make([]byte, m/8)}
}

// K returns the number of hash functions used by the filter.
func (f *Filter) K() int { return f.k }

// M returns the size of the filter's table, in bits.
func (f *Filter) M() int { return int(f.m) }

// Len returns the number of insertions into the filter.
func (f *Filter) Len() int { return f.n }

// Insert adds the pair (a, b) to the filter.
func (f *Filter) Insert(a, b int64) {
	h1, h2 := hash(a, b)
	for i := 0; i < f.k; i++ {
		j := (h1 + uint64(i)*h2) % f.m
		f.bits[j>>3] |= 1 << (j & 7)
	}
	f.n++
}

// Contains tells whether the pair (a, b) may have been inserted into
// the filter. A false return is authoritative.
func (f *Filter) Contains(a, b int64) bool {
	h1, h2 := hash(a, b)
	for i := 0; i < f.k; i++ {
		j := (h1 + uint64(i)*h2) % f.m
		if f.bits[j>>3]&(1<<(j&7)) == 0 {
			return false
		}
	}
	return true
}

func hash(a, b int64) (h1, h2 uint64) {
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[:8], uint64(a))
	binary.LittleEndian.PutUint64(buf[8:], uint64(b))
	h1, h2 = murmur3.Sum128(buf[:])
	// An even stride would visit only half of an even-sized table.
	h2 |= 1
	return
}

// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package aggregate implements the reduction of per-rank numeric
// results into a single result that is replicated on every rank.
//
// Each rank accumulates a partial Matrix. Reduce sums the partials
// at the coordinator (rank 0) and broadcasts the final matrix. The
// partials reach the coordinator through a single gather when their
// total encoded size is below a threshold, and through point-to-point
// messages otherwise.
package aggregate

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"strings"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigmatch/transport"
)

// Coordinator is the rank that folds partial results.
const Coordinator = 0

// DefaultGatherThreshold is the total encoded size of the partial
// results at or above which they are sent point-to-point instead of
// gathered.
const DefaultGatherThreshold = 64 << 10

// Dim is the dimension of the default, square, aggregation matrix.
const Dim = 3

// Matrix is a dense matrix stored in row-major order.
type Matrix struct {
	Rows, Cols int
	Data       []float64
}

// NewMatrix returns a zero matrix with the given dimensions.
func NewMatrix(rows, cols int) Matrix {
	return Matrix{Rows: rows, Cols: cols, Data: make([]float64, rows*cols)}
}

// At returns the value at row i, column j.
func (m Matrix) At(i, j int) float64 {
	return m.Data[i*m.Cols+j]
}

// Set sets the value at row i, column j.
func (m Matrix) Set(i, j int, v float64) {
	m.Data[i*m.Cols+j] = v
}

// Inc adds v to the value at row i, column j.
func (m Matrix) Inc(i, j int, v float64) {
	m.Data[i*m.Cols+j] += v
}

// Add adds matrix o to m elementwise.
func (m Matrix) Add(o Matrix) error {
	if m.Rows != o.Rows || m.Cols != o.Cols || len(o.Data) != len(m.Data) {
		return errors.E(errors.Integrity, fmt.Sprintf("aggregate: cannot add %dx%d matrix to %dx%d matrix", o.Rows, o.Cols, m.Rows, m.Cols))
	}
	for i, v := range o.Data {
		m.Data[i] += v
	}
	return nil
}

// Copy returns a deep copy of m.
func (m Matrix) Copy() Matrix {
	c := m
	c.Data = append([]float64(nil), m.Data...)
	return c
}

func (m Matrix) String() string {
	var b strings.Builder
	b.WriteString("[")
	for i := 0; i < m.Rows; i++ {
		if i > 0 {
			b.WriteString(" ")
		}
		b.WriteString("[")
		for j := 0; j < m.Cols; j++ {
			if j > 0 {
				b.WriteString(" ")
			}
			fmt.Fprintf(&b, "%g", m.At(i, j))
		}
		b.WriteString("]")
	}
	b.WriteString("]")
	return b.String()
}

// An Aggregator reduces per-rank partial results. Every rank must call
// Reduce exactly once, after which Final returns the same result on
// every rank.
type Aggregator interface {
	// Accumulate adds v to cell (i, j) of the rank's partial result.
	// Accumulate may be called concurrently.
	Accumulate(i, j int, v float64)
	// Reduce performs the reduction. It is a collective operation.
	Reduce(ctx context.Context, t transport.Transport) error
	// Final returns the reduced result.
	Final() Matrix
}

// Sum is an Aggregator that sums partial matrices.
type Sum struct {
	// GatherThreshold overrides DefaultGatherThreshold when positive.
	GatherThreshold int

	mu      sync.Mutex
	partial Matrix
	final   Matrix
}

// NewSum returns a sum aggregator over rows x cols matrices.
func NewSum(rows, cols int) *Sum {
	return &Sum{partial: NewMatrix(rows, cols), final: NewMatrix(rows, cols)}
}

// Accumulate implements Aggregator.
func (s *Sum) Accumulate(i, j int, v float64) {
	s.mu.Lock()
	s.partial.Inc(i, j, v)
	s.mu.Unlock()
}

// Partial returns a copy of the rank's partial result.
func (s *Sum) Partial() Matrix {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.partial.Copy()
}

// StepFinal folds a partial result into the final result.
func (s *Sum) StepFinal(p Matrix) error {
	return s.final.Add(p)
}

// FinishFinal completes the final result once every partial result
// has been folded.
func (s *Sum) FinishFinal() {
	log.Debug.Printf("aggregate: final result %v", s.final)
}

// Final implements Aggregator.
func (s *Sum) Final() Matrix {
	return s.final
}

func (s *Sum) threshold() int {
	if s.GatherThreshold > 0 {
		return s.GatherThreshold
	}
	return DefaultGatherThreshold
}

// Reduce implements Aggregator.
func (s *Sum) Reduce(ctx context.Context, t transport.Transport) error {
	p, err := encode(s.Partial())
	if err != nil {
		return err
	}
	parts, err := collect(ctx, t, p, s.threshold())
	if err != nil {
		return err
	}
	var final []byte
	if t.Rank() == Coordinator {
		s.final = NewMatrix(s.partial.Rows, s.partial.Cols)
		for rank, part := range parts {
			m, err := decode(part)
			if err != nil {
				return errors.E(fmt.Sprintf("aggregate: partial result from rank %d", rank), err)
			}
			if err := s.StepFinal(m); err != nil {
				return err
			}
		}
		s.FinishFinal()
		if final, err = encode(s.final); err != nil {
			return err
		}
	}
	final, err = t.Broadcast(ctx, Coordinator, final)
	if err != nil {
		return err
	}
	s.final, err = decode(final)
	return err
}

// collect delivers every rank's partial result to the coordinator,
// choosing the strategy by the total encoded size. Only the
// coordinator receives the results.
func collect(ctx context.Context, t transport.Transport, p []byte, threshold int) ([][]byte, error) {
	total, err := t.SumReduce(ctx, int64(len(p)))
	if err != nil {
		return nil, err
	}
	if total < int64(threshold) {
		log.Debug.Printf("aggregate: gathering %d bytes", total)
		return t.Gather(ctx, Coordinator, p)
	}
	log.Debug.Printf("aggregate: sending %d bytes point-to-point", total)
	if t.Rank() != Coordinator {
		return nil, t.Send(ctx, Coordinator, p)
	}
	parts := make([][]byte, t.Size())
	parts[Coordinator] = p
	for rank := range parts {
		if rank == Coordinator {
			continue
		}
		if parts[rank], err = t.Recv(ctx, rank); err != nil {
			return nil, err
		}
	}
	return parts, nil
}

// Nop is an Aggregator without state. It performs the same sequence
// of collective operations as Sum, with empty payloads.
type Nop struct{}

// Accumulate implements Aggregator.
func (Nop) Accumulate(i, j int, v float64) {}

// Reduce implements Aggregator.
func (Nop) Reduce(ctx context.Context, t transport.Transport) error {
	if _, err := collect(ctx, t, nil, DefaultGatherThreshold); err != nil {
		return err
	}
	_, err := t.Broadcast(ctx, Coordinator, nil)
	return err
}

// Final implements Aggregator.
func (Nop) Final() Matrix { return Matrix{} }

func encode(m Matrix) ([]byte, error) {
	var b bytes.Buffer
	if err := gob.NewEncoder(&b).Encode(m); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

func decode(p []byte) (Matrix, error) {
	var m Matrix
	if err := gob.NewDecoder(bytes.NewReader(p)).Decode(&m); err != nil {
		return Matrix{}, errors.E(errors.Integrity, err)
	}
	if len(m.Data) != m.Rows*m.Cols {
		return Matrix{}, errors.E(errors.Integrity, fmt.Sprintf("aggregate: %dx%d matrix with %d values", m.Rows, m.Cols, len(m.Data)))
	}
	return m, nil
}

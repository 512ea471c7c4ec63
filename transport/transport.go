// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package transport provides the collective operations that ranks use
// to exchange data: barriers, reductions, gathers, broadcasts,
// all-to-all exchanges, and point-to-point messages. Every collective
// blocks until all ranks have entered it; ranks must invoke
// collectives in the same order.
//
// Collectives are implemented on top of a rendezvous Hub. Local
// returns transports for ranks in the same process; Remote returns a
// transport that reaches a hub exported as a bigmachine service.
package transport

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/grailbio/base/errors"
)

// Transport is a rank's endpoint in a group of ranks. A Transport is
// used by a single goroutine: collectives are not safe for concurrent
// invocation.
type Transport interface {
	// Rank returns the rank of this endpoint, in [0, Size).
	Rank() int
	// Size returns the number of ranks.
	Size() int

	// Barrier returns once every rank has entered the barrier.
	Barrier(ctx context.Context) error
	// SumReduce returns the sum of the values contributed by every
	// rank. Every rank receives the sum.
	SumReduce(ctx context.Context, v int64) (int64, error)
	// Gather collects each rank's data at rank root, indexed by rank.
	// Ranks other than root receive nil.
	Gather(ctx context.Context, root int, data []byte) ([][]byte, error)
	// Broadcast returns rank root's data on every rank. The data
	// argument is ignored on other ranks.
	Broadcast(ctx context.Context, root int, data []byte) ([]byte, error)
	// AllToAll sends out[i] to rank i (including this rank) and
	// returns the data received from each rank, indexed by rank.
	AllToAll(ctx context.Context, out [][]byte) ([][]byte, error)

	// Send sends data to rank to. Send does not wait for the
	// receiver.
	Send(ctx context.Context, to int, data []byte) error
	// Recv returns the next message sent by rank from.
	Recv(ctx context.Context, from int) ([]byte, error)

	// Close releases the transport's resources.
	Close() error
}

// rendezvous is the primitive on which collectives are built. It is
// implemented by *Hub and by the bigmachine hub client.
type rendezvous interface {
	// Exchange contributes out, a buffer per destination rank, to the
	// round named by key, and returns the buffers addressed to rank
	// once all size ranks have contributed.
	Exchange(ctx context.Context, key string, rank, size int, out [][]byte) ([][]byte, error)
	// Post stores data in the mailbox named by key.
	Post(ctx context.Context, key string, data []byte) error
	// Fetch waits for and removes the data in the mailbox named by key.
	Fetch(ctx context.Context, key string) ([]byte, error)
}

// conn implements Transport for one rank on top of a rendezvous.
type conn struct {
	hub        rendezvous
	rank, size int
	close      func() error

	seq              uint64
	sendSeq, recvSeq []uint64
}

func newConn(hub rendezvous, rank, size int, close func() error) *conn {
	return &conn{
		hub:     hub,
		rank:    rank,
		size:    size,
		close:   close,
		sendSeq: make([]uint64, size),
		recvSeq: make([]uint64, size),
	}
}

func (c *conn) Rank() int { return c.rank }
func (c *conn) Size() int { return c.size }

func (c *conn) exchange(ctx context.Context, op string, out [][]byte) ([][]byte, error) {
	c.seq++
	key := fmt.Sprintf("%s/%d", op, c.seq)
	return c.hub.Exchange(ctx, key, c.rank, c.size, out)
}

func (c *conn) checkRank(r int) error {
	if r < 0 || r >= c.size {
		return errors.E(errors.Invalid, fmt.Sprintf("rank %d out of range [0, %d)", r, c.size))
	}
	return nil
}

func (c *conn) Barrier(ctx context.Context) error {
	_, err := c.exchange(ctx, "barrier", nil)
	return err
}

func (c *conn) SumReduce(ctx context.Context, v int64) (int64, error) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(v))
	out := make([][]byte, c.size)
	for i := range out {
		out[i] = b[:]
	}
	in, err := c.exchange(ctx, "sum", out)
	if err != nil {
		return 0, err
	}
	var sum int64
	for rank, p := range in {
		if len(p) != 8 {
			return 0, errors.E(errors.Integrity, fmt.Sprintf("sum-reduce: rank %d contributed %d bytes", rank, len(p)))
		}
		sum += int64(binary.LittleEndian.Uint64(p))
	}
	return sum, nil
}

func (c *conn) Gather(ctx context.Context, root int, data []byte) ([][]byte, error) {
	if err := c.checkRank(root); err != nil {
		return nil, err
	}
	out := make([][]byte, c.size)
	out[root] = nonNil(data)
	in, err := c.exchange(ctx, "gather", out)
	if err != nil || c.rank != root {
		return nil, err
	}
	return in, nil
}

func (c *conn) Broadcast(ctx context.Context, root int, data []byte) ([]byte, error) {
	if err := c.checkRank(root); err != nil {
		return nil, err
	}
	var out [][]byte
	if c.rank == root {
		out = make([][]byte, c.size)
		for i := range out {
			out[i] = nonNil(data)
		}
	}
	in, err := c.exchange(ctx, "broadcast", out)
	if err != nil {
		return nil, err
	}
	return in[root], nil
}

func (c *conn) AllToAll(ctx context.Context, out [][]byte) ([][]byte, error) {
	if len(out) != c.size {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("all-to-all: %d buffers for %d ranks", len(out), c.size))
	}
	return c.exchange(ctx, "alltoall", out)
}

func (c *conn) Send(ctx context.Context, to int, data []byte) error {
	if err := c.checkRank(to); err != nil {
		return err
	}
	c.sendSeq[to]++
	return c.hub.Post(ctx, mailbox(c.rank, to, c.sendSeq[to]), nonNil(data))
}

func (c *conn) Recv(ctx context.Context, from int) ([]byte, error) {
	if err := c.checkRank(from); err != nil {
		return nil, err
	}
	c.recvSeq[from]++
	return c.hub.Fetch(ctx, mailbox(from, c.rank, c.recvSeq[from]))
}

func (c *conn) Close() error {
	if c.close == nil {
		return nil
	}
	return c.close()
}

func mailbox(from, to int, seq uint64) string {
	return fmt.Sprintf("mail/%d/%d/%d", from, to, seq)
}

// nonNil returns an empty, non-nil slice for nil data so that empty
// contributions survive gob encoding.
func nonNil(data []byte) []byte {
	if data == nil {
		return []byte{}
	}
	return data
}

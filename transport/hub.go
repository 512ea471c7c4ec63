// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/sync/ctxsync"
)

type round struct {
	size     int
	outs     [][][]byte
	arrived  int
	fetched  int
	received []bool
}

// Hub is the meeting point of a group of ranks. Each collective round
// is named by a key; a round completes once every rank has
// contributed to it, and is discarded after every rank has collected
// its share. Mailboxes hold point-to-point messages until they are
// fetched.
type Hub struct {
	mu     sync.Mutex
	cond   *ctxsync.Cond
	rounds map[string]*round
	mail   map[string][]byte
	closed bool
}

// NewHub returns a new, empty hub.
func NewHub() *Hub {
	h := &Hub{
		rounds: make(map[string]*round),
		mail:   make(map[string][]byte),
	}
	h.cond = ctxsync.NewCond(&h.mu)
	return h
}

var errClosed = errors.E(errors.Unavailable, "transport: hub closed")

// Exchange implements rendezvous.
func (h *Hub) Exchange(ctx context.Context, key string, rank, size int, out [][]byte) ([][]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, errClosed
	}
	r := h.rounds[key]
	if r == nil {
		r = &round{size: size, outs: make([][][]byte, size), received: make([]bool, size)}
		h.rounds[key] = r
	}
	if r.size != size || rank < 0 || rank >= size {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("transport: round %s: rank %d of %d joined a round of %d", key, rank, size, r.size))
	}
	if r.received[rank] {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("transport: round %s: rank %d contributed twice", key, rank))
	}
	r.received[rank] = true
	r.outs[rank] = out
	r.arrived++
	if r.arrived == size {
		h.cond.Broadcast()
	}
	for r.arrived < size {
		err := errClosed
		if !h.closed {
			err = h.cond.Wait(ctx)
		}
		if err != nil {
			h.leave(key, r, rank)
			return nil, err
		}
	}
	in := make([][]byte, size)
	for src, bufs := range r.outs {
		if rank < len(bufs) {
			in[src] = bufs[rank]
		}
	}
	h.fetch(key, r)
	return in, nil
}

// leave withdraws rank's contribution to round r after it stopped
// waiting. A round that no rank remains in is discarded. h.mu must be
// held.
func (h *Hub) leave(key string, r *round, rank int) {
	if r.arrived == r.size {
		// The round completed while the rank gave up.
		h.fetch(key, r)
		return
	}
	r.received[rank] = false
	r.outs[rank] = nil
	r.arrived--
	if r.arrived == 0 && h.rounds[key] == r {
		delete(h.rounds, key)
	}
}

// fetch records that a rank collected its share of round r. h.mu
// must be held.
func (h *Hub) fetch(key string, r *round) {
	r.fetched++
	if r.fetched == r.size && h.rounds[key] == r {
		delete(h.rounds, key)
	}
}

// Post implements rendezvous.
func (h *Hub) Post(ctx context.Context, key string, data []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return errClosed
	}
	if _, ok := h.mail[key]; ok {
		return errors.E(errors.Exists, fmt.Sprintf("transport: mailbox %s is full", key))
	}
	h.mail[key] = data
	h.cond.Broadcast()
	return nil
}

// Fetch implements rendezvous.
func (h *Hub) Fetch(ctx context.Context, key string) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for {
		if h.closed {
			return nil, errClosed
		}
		if data, ok := h.mail[key]; ok {
			delete(h.mail, key)
			return data, nil
		}
		if err := h.cond.Wait(ctx); err != nil {
			return nil, err
		}
	}
}

// Pending returns the number of incomplete rounds and unfetched
// messages held by the hub.
func (h *Hub) Pending() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rounds) + len(h.mail)
}

// Close closes the hub. Blocked and future calls fail.
func (h *Hub) Close() error {
	h.mu.Lock()
	h.closed = true
	h.cond.Broadcast()
	h.mu.Unlock()
	return nil
}

// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package transport

import (
	"context"
	"encoding/gob"
	"sync"

	"github.com/grailbio/base/log"
	"github.com/grailbio/bigmachine"
)

func init() {
	gob.Register(&HubService{})
}

// HubService is a bigmachine service that hosts hubs, one per job.
// It is installed on a single machine; ranks on every machine reach it
// through transports returned by Remote.
type HubService struct {
	// Exported just satisfies gob's persnickety nature: we need at least
	// one exported field.
	Exported struct{}

	mu   sync.Mutex
	hubs map[string]*Hub
}

// Init implements bigmachine's service initialization.
func (s *HubService) Init(b *bigmachine.B) error {
	s.hubs = make(map[string]*Hub)
	return nil
}

func (s *HubService) hub(job string) *Hub {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.hubs[job]
	if h == nil {
		h = NewHub()
		s.hubs[job] = h
	}
	return h
}

type exchangeRequest struct {
	Job, Key   string
	Rank, Size int
	Out        [][]byte
}

type mailRequest struct {
	Job, Key string
	Data     []byte
}

// Exchange contributes to a collective round of a job's hub.
func (s *HubService) Exchange(ctx context.Context, req exchangeRequest, reply *[][]byte) error {
	in, err := s.hub(req.Job).Exchange(ctx, req.Key, req.Rank, req.Size, req.Out)
	if err != nil {
		return err
	}
	*reply = in
	return nil
}

// Post stores a point-to-point message in a job's hub.
func (s *HubService) Post(ctx context.Context, req mailRequest, _ *struct{}) error {
	return s.hub(req.Job).Post(ctx, req.Key, req.Data)
}

// Fetch retrieves a point-to-point message from a job's hub.
func (s *HubService) Fetch(ctx context.Context, req mailRequest, reply *[]byte) error {
	data, err := s.hub(req.Job).Fetch(ctx, req.Key)
	if err != nil {
		return err
	}
	*reply = data
	return nil
}

// Close closes and discards a job's hub.
func (s *HubService) Close(ctx context.Context, job string, _ *struct{}) error {
	s.mu.Lock()
	h := s.hubs[job]
	delete(s.hubs, job)
	s.mu.Unlock()
	if h == nil {
		return nil
	}
	if n := h.Pending(); n > 0 {
		log.Printf("transport: job %s: closing hub with %d pending rounds or messages", job, n)
	}
	return h.Close()
}

// remoteHub implements rendezvous by calling a HubService.
type remoteHub struct {
	machine *bigmachine.Machine
	job     string
}

func (r *remoteHub) Exchange(ctx context.Context, key string, rank, size int, out [][]byte) ([][]byte, error) {
	req := exchangeRequest{Job: r.job, Key: key, Rank: rank, Size: size, Out: out}
	var in [][]byte
	if err := r.machine.Call(ctx, "Hub.Exchange", req, &in); err != nil {
		return nil, err
	}
	return in, nil
}

func (r *remoteHub) Post(ctx context.Context, key string, data []byte) error {
	return r.machine.Call(ctx, "Hub.Post", mailRequest{Job: r.job, Key: key, Data: data}, nil)
}

func (r *remoteHub) Fetch(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := r.machine.Call(ctx, "Hub.Fetch", mailRequest{Job: r.job, Key: key}, &data)
	return data, err
}

// Remote returns the transport for the given rank of a job whose hub
// is served by the HubService installed (as "Hub") on machine m. The
// hub is released by calling CloseRemote once every rank is done.
func Remote(m *bigmachine.Machine, job string, rank, size int) Transport {
	return newConn(&remoteHub{machine: m, job: job}, rank, size, nil)
}

// CloseRemote closes the hub of a job served by machine m.
func CloseRemote(ctx context.Context, m *bigmachine.Machine, job string) error {
	return m.Call(ctx, "Hub.Close", job, nil)
}

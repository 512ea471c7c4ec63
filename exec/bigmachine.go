// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"encoding/gob"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/retry"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigmachine"
	"github.com/grailbio/bigmatch/transport"
	"golang.org/x/sync/errgroup"
)

func init() {
	gob.Register(&rankService{})
}

// retryPolicy is used when closing a job's hub.
var retryPolicy = retry.Backoff(time.Second, 5*time.Second, 1.5)

// bigmachineExecutor runs each rank of a job on its own bigmachine
// machine. The first machine also hosts the hub through which the
// ranks of every job communicate. Machines are started on the first
// run and reused by later runs.
type bigmachineExecutor struct {
	system bigmachine.System
	params []bigmachine.Param

	sess   *Session
	b      *bigmachine.B
	status *status.Group

	mu       sync.Mutex
	machines []*bigmachine.Machine
}

func newBigmachineExecutor(system bigmachine.System, params ...bigmachine.Param) *bigmachineExecutor {
	return &bigmachineExecutor{system: system, params: params}
}

func (*bigmachineExecutor) Name() string { return "bigmachine" }

// Start starts the bigmachine instance.
func (b *bigmachineExecutor) Start(sess *Session) (shutdown func()) {
	b.sess = sess
	b.b = bigmachine.Start(b.system)
	if status := sess.Status(); status != nil {
		b.status = status.Group("bigmachine")
	}
	return b.b.Shutdown
}

// start returns the executor's machines, starting them if needed. It
// fails if any machine fails to start.
func (b *bigmachineExecutor) start(ctx context.Context) ([]*bigmachine.Machine, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.machines != nil {
		return b.machines, nil
	}
	n := b.sess.Ranks()
	params := append([]bigmachine.Param{bigmachine.Services{
		"Rank": &rankService{},
		"Hub":  &transport.HubService{},
	}}, b.params...)
	machines, err := b.b.Start(ctx, n, params...)
	if err != nil {
		return nil, err
	}
	if len(machines) != n {
		return nil, errors.E(errors.Unavailable, fmt.Sprintf("started %d of %d machines", len(machines), n))
	}
	g, ctx := errgroup.WithContext(ctx)
	for i := range machines {
		m := machines[i]
		var task *status.Task
		if b.status != nil {
			task = b.status.Start()
			task.Print("waiting for machine to boot")
		}
		g.Go(func() error {
			select {
			case <-m.Wait(bigmachine.Running):
			case <-ctx.Done():
				return ctx.Err()
			}
			if err := m.Err(); err != nil {
				log.Printf("machine %s failed to start: %v", m.Addr, err)
				if task != nil {
					task.Printf("failed to start: %v", err)
					task.Done()
				}
				return err
			}
			if task != nil {
				task.Title(m.Addr)
				task.Print("running")
			}
			log.Printf("machine %v is ready", m.Addr)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, m := range machines {
			m.Cancel()
		}
		return nil, err
	}
	b.machines = machines
	return machines, nil
}

func (b *bigmachineExecutor) Run(ctx context.Context, id string, job Job, group *status.Group) ([]rankResult, error) {
	machines, err := b.start(ctx)
	if err != nil {
		return nil, err
	}
	var (
		hub     = machines[0]
		opts    = b.sess.rankOptions()
		results = make([]rankResult, len(machines))
	)
	g, gctx := errgroup.WithContext(ctx)
	for i := range machines {
		i, m := i, machines[i]
		g.Go(func() error {
			var task *status.Task
			if group != nil {
				task = group.Startf("rank %d on %s", i, m.Addr)
				defer task.Done()
				task.Print("running")
			}
			req := rankRequest{
				ID:      id,
				Job:     job,
				Rank:    i,
				Size:    len(machines),
				Hub:     hub.Addr,
				Options: opts,
			}
			if err := m.Call(gctx, "Rank.Run", req, &results[i]); err != nil {
				if task != nil {
					task.Printf("failed: %v", err)
				}
				return err
			}
			if task != nil {
				task.Printf("done: %d solutions, %s", results[i].Solutions, results[i].Stats)
			}
			return nil
		})
	}
	err = g.Wait()
	if closeErr := closeHub(ctx, hub, id); closeErr != nil {
		log.Error.Printf("job %s: closing hub: %v", id, closeErr)
	}
	if err != nil {
		return nil, err
	}
	return results, nil
}

func closeHub(ctx context.Context, hub *bigmachine.Machine, id string) error {
	for retries := 0; ; retries++ {
		err := transport.CloseRemote(ctx, hub, id)
		if err == nil || errors.Recover(err).Severity == errors.Fatal {
			return err
		}
		if err := retry.Wait(ctx, retryPolicy, retries); err != nil {
			return err
		}
	}
}

// rankRequest asks a rank service to run a rank of a job.
type rankRequest struct {
	ID         string
	Job        Job
	Rank, Size int
	// Hub is the address of the machine that hosts the job's hub.
	Hub     string
	Options rankOptions
}

// rankService is the bigmachine service that runs ranks of jobs.
type rankService struct {
	// Exported just satisfies gob's persnickety nature: we need at least
	// one exported field.
	Exported struct{}

	b *bigmachine.B
}

func (r *rankService) Init(b *bigmachine.B) error {
	r.b = b
	return nil
}

// Run runs the rank described by the request. It returns when every
// rank of the job has completed, or on error.
func (r *rankService) Run(ctx context.Context, req rankRequest, reply *rankResult) (err error) {
	defer func() {
		if e := recover(); e != nil {
			err = errors.E(errors.Fatal, fmt.Sprintf("rank %d: panic: %v\n%s", req.Rank, e, debug.Stack()))
		}
		if err != nil {
			log.Printf("job %s rank %d: %v", req.ID, req.Rank, err)
		}
	}()
	hub, err := r.b.Dial(ctx, req.Hub)
	if err != nil {
		return err
	}
	t := transport.Remote(hub, req.ID, req.Rank, req.Size)
	defer t.Close()
	*reply, err = runRank(ctx, t, req.Job, req.Options, nil)
	return err
}

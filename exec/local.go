// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigmatch/transport"
	"golang.org/x/sync/errgroup"
)

// localExecutor runs each rank of a job in its own goroutine. Ranks
// communicate through an in-process hub.
type localExecutor struct {
	sess *Session
}

func newLocalExecutor() *localExecutor {
	return new(localExecutor)
}

func (*localExecutor) Name() string { return "local" }

func (l *localExecutor) Start(sess *Session) (shutdown func()) {
	l.sess = sess
	return func() {}
}

func (l *localExecutor) Run(ctx context.Context, id string, job Job, group *status.Group) ([]rankResult, error) {
	var (
		ts      = transport.Local(l.sess.Ranks())
		opts    = l.sess.rankOptions()
		results = make([]rankResult, len(ts))
	)
	g, ctx := errgroup.WithContext(ctx)
	for i := range ts {
		i := i
		g.Go(func() (err error) {
			defer func() {
				if e := recover(); e != nil {
					err = errors.E(errors.Fatal, fmt.Sprintf("rank %d: panic: %v\n%s", i, e, debug.Stack()))
				}
				if closeErr := ts[i].Close(); err == nil {
					err = closeErr
				}
			}()
			var task *status.Task
			if group != nil {
				task = group.Startf("rank %d", i)
				defer task.Done()
			}
			results[i], err = runRank(ctx, ts[i], job, opts, task)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

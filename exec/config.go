// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"github.com/grailbio/base/config"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigmachine"
	"github.com/grailbio/bigmatch/aggregate"
)

func init() {
	config.Register("bigmatch", func(inst *config.Constructor) {
		sess := newSession()
		inst.IntVar(&sess.ranks, "ranks", 1, "number of ranks among which the data graph is partitioned")
		inst.IntVar(&sess.opts.Parallelism, "parallelism", 1, "number of vertices computed concurrently by each rank")
		inst.IntVar(&sess.opts.FilterSupersteps, "filter-supersteps", 0, "number of candidate pruning supersteps; 0 uses the query size plus one")
		inst.FloatVar(&sess.opts.FalsePositiveRate, "false-positive-rate", DefaultFalsePositiveRate, "false positive probability of edge filters")
		var system bigmachine.System
		inst.InstanceVar(&system, "system", "", "the bigmachine system used for job execution; ranks run in-process if empty")
		inst.Doc = "bigmatch configures the bigmatch runtime"
		inst.New = func() (interface{}, error) {
			if sess.ranks <= 0 || sess.opts.Parallelism <= 0 {
				return nil, errors.E(errors.Invalid, "bigmatch: ranks and parallelism must be positive")
			}
			if system != nil {
				sess.executor = newBigmachineExecutor(system)
			} else {
				sess.executor = newLocalExecutor()
			}
			if sess.opts.GatherThreshold == 0 {
				sess.opts.GatherThreshold = aggregate.DefaultGatherThreshold
			}
			sess.start()
			return sess, nil
		}
	})
}

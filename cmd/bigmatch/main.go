// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Command bigmatch finds every embedding of a query graph in a
// partitioned data graph.
//
// Usage:
//
//	bigmatch [flags] -graph path -query path [-out prefix]
//
// The data graph holds one vertex per line:
//
//	vertexID labelID numNeighbors n1 n2 ...
//
// and the query holds "v id label" and "e a b" lines. Solutions are
// written to one file per rank, named prefix-RRRR-of-NNNN, as
// "queryVertex\tdataVertex" lines with a blank line after each
// solution. Paths may be local or s3://bucket/key.
//
// Bigmatch exits with status 2 on usage errors and 1 if the job fails.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"

	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/file/s3file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/must"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigmachine/ec2system"
	"github.com/grailbio/bigmatch/exec"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func init() {
	file.RegisterImplementation("s3", func() file.Implementation {
		return s3file.NewImplementation(
			s3file.NewDefaultProvider(session.Options{}), s3file.Options{})
	})
}

func usage() {
	fmt.Fprintf(os.Stderr, "usage: %s [flags] -graph path -query path [-out prefix]\n", os.Args[0])
	flag.PrintDefaults()
	os.Exit(2)
}

// cmdFlags holds the command's flag values.
type cmdFlags struct {
	graph, query, out   string
	overwrite           bool
	ranks, parallelism  int
	system, instance    string
	haltWhenIdle        bool
	filterSteps         int
	consoleStatus       bool
	tracePath, httpAddr string
}

func registerFlags(fs *flag.FlagSet) *cmdFlags {
	fl := new(cmdFlags)
	fs.StringVar(&fl.graph, "graph", "", "data graph path")
	fs.StringVar(&fl.query, "query", "", "query graph path")
	fs.StringVar(&fl.out, "out", "", "output path prefix; solutions are only counted if empty")
	fs.BoolVar(&fl.overwrite, "overwrite", false, "replace existing output files")
	fs.IntVar(&fl.ranks, "ranks", 1, "number of ranks among which the data graph is partitioned")
	fs.IntVar(&fl.parallelism, "p", 1, "number of vertices computed concurrently by each rank")
	fs.StringVar(&fl.system, "system", "local", "system on which ranks run: local or ec2")
	fs.StringVar(&fl.instance, "instance", "m5.xlarge", "EC2 instance type used by the ec2 system")
	fs.BoolVar(&fl.haltWhenIdle, "halt-when-idle", false, "end each phase once no vertex is active")
	fs.IntVar(&fl.filterSteps, "filter-supersteps", 0, "number of candidate pruning supersteps; 0 uses the query size plus one")
	fs.BoolVar(&fl.consoleStatus, "status", false, "print job status to stdout")
	fs.StringVar(&fl.tracePath, "trace", "", "path of a Chrome trace of the phases run by each rank")
	fs.StringVar(&fl.httpAddr, "http", "", "address of the diagnostic HTTP server serving /metrics and /debug/status")
	return fl
}

// options returns the session options selected by the flags. It
// returns an invalid error if a flag value is out of range.
func (fl *cmdFlags) options() ([]exec.Option, error) {
	if fl.ranks <= 0 || fl.parallelism <= 0 {
		return nil, errors.E(errors.Invalid, "-ranks and -p must be positive")
	}
	if fl.filterSteps < 0 {
		return nil, errors.E(errors.Invalid, "-filter-supersteps must not be negative")
	}
	options := []exec.Option{
		exec.Ranks(fl.ranks),
		exec.Parallelism(fl.parallelism),
		exec.Status(new(status.Status)),
	}
	switch fl.system {
	case "local":
		options = append(options, exec.Local)
	case "ec2":
		options = append(options, exec.Bigmachine(&ec2system.System{
			InstanceType: fl.instance,
		}))
	default:
		return nil, errors.E(errors.Invalid, fmt.Sprintf("unknown system %q", fl.system))
	}
	if fl.filterSteps > 0 {
		options = append(options, exec.FilterSupersteps(fl.filterSteps))
	}
	if fl.haltWhenIdle {
		options = append(options, exec.HaltWhenIdle)
	}
	if fl.overwrite {
		options = append(options, exec.Overwrite)
	}
	if fl.tracePath != "" {
		options = append(options, exec.TracePath(fl.tracePath))
	}
	return options, nil
}

func main() {
	fl := registerFlags(flag.CommandLine)
	log.AddFlags()
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() != 0 || fl.graph == "" || fl.query == "" {
		usage()
	}
	options, err := fl.options()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		usage()
	}
	// Bigmachine workers run this same binary; the session must be
	// started before anything else happens.
	sess := exec.Start(options...)

	if fl.consoleStatus {
		var console status.Reporter
		go console.Go(os.Stdout, sess.Status())
	}
	if fl.httpAddr != "" {
		http.Handle("/metrics", promhttp.Handler())
		http.Handle("/debug/status", status.Handler(sess.Status()))
		go func() {
			log.Printf("http server at %s", fl.httpAddr)
			if err := http.ListenAndServe(fl.httpAddr, nil); err != nil {
				log.Error.Printf("http server: %v", err)
			}
		}()
	}

	ctx := context.Background()
	res, err := sess.Run(ctx, exec.Job{Graph: fl.graph, Query: fl.query, Output: fl.out})
	sess.Shutdown()
	if errors.Is(errors.Exists, err) {
		log.Error.Printf("%v; use -overwrite to replace existing outputs", err)
		os.Exit(1)
	}
	must.Nil(err)
	fmt.Printf("%d solutions in %s (%d vertices, %d supersteps)\n",
		res.Solutions, res.Duration, res.Vertices, res.Supersteps)
	fmt.Println(res.Matrix)
	for _, path := range res.Outputs {
		fmt.Println(path)
	}
}

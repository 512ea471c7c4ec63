// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"io/ioutil"
	"path/filepath"
	"strings"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigmatch/exec"
	"github.com/grailbio/testutil"
)

var (
	k4 = []string{
		"0 0 3 1 2 3",
		"1 0 3 0 2 3",
		"2 0 3 0 1 3",
		"3 0 3 0 1 2",
	}
	triangle = []string{
		"t 3 3",
		"v 0 0", "v 1 0", "v 2 0",
		"e 0 1", "e 1 2", "e 0 2",
	}
)

func parseFlags(t *testing.T, args ...string) *cmdFlags {
	t.Helper()
	fs := flag.NewFlagSet("bigmatch", flag.ContinueOnError)
	fl := registerFlags(fs)
	if err := fs.Parse(args); err != nil {
		t.Fatal(err)
	}
	return fl
}

// runFlags runs the triangle query on K4 with a session configured
// by the provided flags.
func runFlags(t *testing.T, args ...string) *exec.Result {
	t.Helper()
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	var (
		graph = filepath.Join(dir, "graph")
		query = filepath.Join(dir, "query")
	)
	if err := ioutil.WriteFile(graph, []byte(strings.Join(k4, "\n")), 0644); err != nil {
		t.Fatal(err)
	}
	if err := ioutil.WriteFile(query, []byte(strings.Join(triangle, "\n")), 0644); err != nil {
		t.Fatal(err)
	}
	args = append([]string{"-graph", graph, "-query", query}, args...)
	options, err := parseFlags(t, args...).options()
	if err != nil {
		t.Fatal(err)
	}
	sess := exec.Start(options...)
	defer sess.Shutdown()
	res, err := sess.Run(context.Background(), exec.Job{Graph: graph, Query: query})
	if err != nil {
		t.Fatal(err)
	}
	return res
}

func TestDefaultFlags(t *testing.T) {
	res := runFlags(t)
	if got, want := res.Solutions, int64(24); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	// By default pruning runs for one superstep more than there are
	// query nodes.
	explicit := runFlags(t, "-filter-supersteps", "4")
	if got, want := res.Supersteps, explicit.Supersteps; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := explicit.Solutions, int64(24); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestFlagOptions(t *testing.T) {
	res := runFlags(t, "-ranks", "2", "-p", "3", "-halt-when-idle")
	if got, want := res.Solutions, int64(24); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestInvalidFlags(t *testing.T) {
	for _, args := range [][]string{
		{"-ranks", "0"},
		{"-p", "-1"},
		{"-filter-supersteps", "-1"},
		{"-system", "mainframe"},
	} {
		_, err := parseFlags(t, args...).options()
		if !errors.Is(errors.Invalid, err) {
			t.Errorf("%v: got %v, want invalid error", args, err)
		}
	}
}

// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"math/rand"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/grailbio/bigmachine"
	"github.com/grailbio/bigmachine/testsystem"
	"github.com/grailbio/bigmatch/transport"
	"github.com/grailbio/testutil"
)

func TestBigmachineSession(t *testing.T) {
	res, solutions := runJob(t, completeGraph(4), triangle, Bigmachine(testsystem.New()), Ranks(3))
	if got, want := res.Solutions, int64(24); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := solutions, embeddings(completeGraph(4), triangle); !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestBigmachineSessionReuse(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	var (
		ctx = context.Background()
		g   = randomGraph(rand.New(rand.NewSource(2)), 16, 2, 0.3)
		job = Job{
			Graph: filepath.Join(dir, "graph"),
			Query: filepath.Join(dir, "query"),
		}
	)
	writeLines(t, job.Graph, g.lines())
	writeLines(t, job.Query, tailedSquare.lines())
	sess := Start(Bigmachine(testsystem.New()), Ranks(2), Parallelism(2))
	defer sess.Shutdown()
	want := int64(len(embeddings(g, tailedSquare)))
	// Jobs on the same machines use distinct hubs.
	for i := 0; i < 2; i++ {
		res, err := sess.Run(ctx, job)
		if err != nil {
			t.Fatal(err)
		}
		if got := res.Solutions; got != want {
			t.Errorf("run %d: got %v, want %v", i, got, want)
		}
		if len(res.Outputs) != 0 {
			t.Errorf("run %d: unexpected outputs %v", i, res.Outputs)
		}
	}

	writeLines(t, job.Query, []string{"v 0 0", "e 0 1"})
	if _, err := sess.Run(ctx, job); err == nil {
		t.Error("expected error")
	}
}

func TestCloseHub(t *testing.T) {
	b := bigmachine.Start(testsystem.New())
	defer b.Shutdown()
	ctx := context.Background()
	machines, err := b.Start(ctx, 1, bigmachine.Services{"Hub": &transport.HubService{}})
	if err != nil {
		t.Fatal(err)
	}
	m := machines[0]
	<-m.Wait(bigmachine.Running)
	if err := m.Err(); err != nil {
		t.Fatal(err)
	}
	if err := closeHub(ctx, m, "0.1"); err != nil {
		t.Fatal(err)
	}
	// Retries stop once the context is done.
	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if err := closeHub(cancelled, m, "0.2"); err == nil {
		t.Error("expected error")
	}
}

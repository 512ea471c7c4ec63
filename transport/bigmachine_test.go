// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package transport

import (
	"context"
	"testing"

	"github.com/grailbio/bigmachine"
	"github.com/grailbio/bigmachine/testsystem"
)

func TestRemote(t *testing.T) {
	system := testsystem.New()
	b := bigmachine.Start(system)
	defer b.Shutdown()
	ctx := context.Background()
	machines, err := b.Start(ctx, 1, bigmachine.Services{"Hub": &HubService{}})
	if err != nil {
		t.Fatal(err)
	}
	m := machines[0]
	<-m.Wait(bigmachine.Running)
	if err := m.Err(); err != nil {
		t.Fatal(err)
	}
	const N = 3
	for _, job := range []string{"a", "b"} {
		ts := make([]Transport, N)
		for i := range ts {
			ts[i] = Remote(m, job, i, N)
		}
		testCollectives(t, ts)
		for _, tr := range ts {
			if err := tr.Close(); err != nil {
				t.Fatal(err)
			}
		}
		if err := CloseRemote(ctx, m, job); err != nil {
			t.Fatal(err)
		}
	}
}

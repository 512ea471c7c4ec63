// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"fmt"
	"io/ioutil"
	"math/rand"
	"path/filepath"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigmatch"
	"github.com/grailbio/testutil"
)

// testGraph is a small labelled, undirected data graph.
type testGraph struct {
	labels []bigmatch.Label
	adj    []map[int]bool
}

func newTestGraph(labels ...bigmatch.Label) *testGraph {
	g := &testGraph{labels: labels, adj: make([]map[int]bool, len(labels))}
	for i := range g.adj {
		g.adj[i] = make(map[int]bool)
	}
	return g
}

func (g *testGraph) edge(a, b int) {
	g.adj[a][b] = true
	g.adj[b][a] = true
}

func completeGraph(n int) *testGraph {
	g := newTestGraph(make([]bigmatch.Label, n)...)
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			g.edge(i, j)
		}
	}
	return g
}

func randomGraph(r *rand.Rand, n, nlabel int, p float64) *testGraph {
	labels := make([]bigmatch.Label, n)
	for i := range labels {
		labels[i] = bigmatch.Label(r.Intn(nlabel))
	}
	g := newTestGraph(labels...)
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			if r.Float64() < p {
				g.edge(i, j)
			}
		}
	}
	return g
}

// id maps graph vertex i to a sparse vertex id, so that ids are not
// dense.
func (g *testGraph) id(i int) bigmatch.VertexID {
	return bigmatch.VertexID(1000 + 7*i)
}

func (g *testGraph) lines() []string {
	var lines []string
	for i, label := range g.labels {
		var nbrs []int
		for j := range g.adj[i] {
			nbrs = append(nbrs, j)
		}
		sort.Ints(nbrs)
		fields := []string{fmt.Sprint(g.id(i)), fmt.Sprint(label), fmt.Sprint(len(nbrs))}
		for _, j := range nbrs {
			fields = append(fields, fmt.Sprint(g.id(j)))
		}
		lines = append(lines, strings.Join(fields, " "))
	}
	return lines
}

// testQuery is a query given by its labels and edges.
type testQuery struct {
	labels []bigmatch.Label
	edges  [][2]int
}

func (q testQuery) lines() []string {
	lines := []string{fmt.Sprintf("t %d %d", len(q.labels), len(q.edges))}
	for u, label := range q.labels {
		lines = append(lines, fmt.Sprintf("v %d %d", u, label))
	}
	for _, e := range q.edges {
		lines = append(lines, fmt.Sprintf("e %d %d", e[0], e[1]))
	}
	return lines
}

// embeddings returns, by brute force, every injective assignment of
// graph vertices to query nodes that preserves labels and edges. Each
// assignment is indexed by query node.
func embeddings(g *testGraph, q testQuery) [][]bigmatch.VertexID {
	k := len(q.labels)
	adj := make([]map[int]bool, k)
	for i := range adj {
		adj[i] = make(map[int]bool)
	}
	for _, e := range q.edges {
		adj[e[0]][e[1]] = true
		adj[e[1]][e[0]] = true
	}
	var (
		out    [][]bigmatch.VertexID
		assign = make([]int, k)
		used   = make(map[int]bool)
		search func(u int)
	)
	search = func(u int) {
		if u == k {
			s := make([]bigmatch.VertexID, k)
			for i, v := range assign {
				s[i] = g.id(v)
			}
			out = append(out, s)
			return
		}
		for v := range g.labels {
			if used[v] || g.labels[v] != q.labels[u] {
				continue
			}
			ok := true
			for w := 0; w < u; w++ {
				if adj[u][w] && !g.adj[v][assign[w]] {
					ok = false
					break
				}
			}
			if !ok {
				continue
			}
			used[v] = true
			assign[u] = v
			search(u + 1)
			used[v] = false
		}
	}
	search(0)
	sortSolutions(out)
	return out
}

func sortSolutions(s [][]bigmatch.VertexID) {
	sort.Slice(s, func(i, j int) bool {
		for k := range s[i] {
			if s[i][k] != s[j][k] {
				return s[i][k] < s[j][k]
			}
		}
		return false
	})
}

func writeLines(t *testing.T, path string, lines []string) {
	t.Helper()
	if err := ioutil.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0644); err != nil {
		t.Fatal(err)
	}
}

// readSolutions parses the solutions written to the outputs of a
// job.
func readSolutions(t *testing.T, paths []string, k int) [][]bigmatch.VertexID {
	t.Helper()
	var (
		out     [][]bigmatch.VertexID
		current []bigmatch.VertexID
	)
	for _, path := range paths {
		err := ReadLines(context.Background(), path, func(_ int, line string) error {
			if line == "" {
				if len(current) != k {
					return fmt.Errorf("solution %v has %d pairs, want %d", current, len(current), k)
				}
				out = append(out, current)
				current = nil
				return nil
			}
			fields := strings.Split(line, "\t")
			if len(fields) != 2 {
				return fmt.Errorf("bad line %q", line)
			}
			u, err := strconv.Atoi(fields[0])
			if err != nil {
				return err
			}
			if u != len(current) {
				return fmt.Errorf("query node %d out of order", u)
			}
			id, err := strconv.ParseInt(fields[1], 10, 64)
			if err != nil {
				return err
			}
			current = append(current, bigmatch.VertexID(id))
			return nil
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	if len(current) != 0 {
		t.Fatalf("trailing partial solution %v", current)
	}
	sortSolutions(out)
	return out
}

var (
	triangle = testQuery{
		labels: []bigmatch.Label{0, 0, 0},
		edges:  [][2]int{{0, 1}, {1, 2}, {2, 0}},
	}
	path3 = testQuery{
		labels: []bigmatch.Label{0, 1, 0},
		edges:  [][2]int{{0, 1}, {1, 2}},
	}
	path4 = testQuery{
		labels: []bigmatch.Label{1, 0, 0, 1},
		edges:  [][2]int{{0, 1}, {1, 2}, {2, 3}},
	}
	star = testQuery{
		labels: []bigmatch.Label{0, 1, 1, 0},
		edges:  [][2]int{{0, 1}, {0, 2}, {0, 3}},
	}
	tailedSquare = testQuery{
		labels: []bigmatch.Label{0, 0, 1, 0, 1},
		edges:  [][2]int{{0, 1}, {1, 2}, {2, 3}, {3, 0}, {3, 4}},
	}
	single = testQuery{labels: []bigmatch.Label{1}}
	edge   = testQuery{
		labels: []bigmatch.Label{0, 0},
		edges:  [][2]int{{0, 1}},
	}
)

func runJob(t *testing.T, g *testGraph, q testQuery, opts ...Option) (*Result, [][]bigmatch.VertexID) {
	t.Helper()
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	job := Job{
		Graph:  filepath.Join(dir, "graph"),
		Query:  filepath.Join(dir, "query"),
		Output: filepath.Join(dir, "out"),
	}
	writeLines(t, job.Graph, g.lines())
	writeLines(t, job.Query, q.lines())
	sess := Start(append([]Option{Local}, opts...)...)
	defer sess.Shutdown()
	res, err := sess.Run(context.Background(), job)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := len(res.Outputs), sess.Ranks(); got != want {
		t.Fatalf("got %v outputs, want %v", got, want)
	}
	return res, readSolutions(t, res.Outputs, len(q.labels))
}

func TestMatchComplete(t *testing.T) {
	for _, ranks := range []int{1, 3} {
		res, solutions := runJob(t, completeGraph(4), triangle, Ranks(ranks))
		if got, want := res.Solutions, int64(24); got != want {
			t.Errorf("ranks %d: got %v, want %v", ranks, got, want)
		}
		if got, want := solutions, embeddings(completeGraph(4), triangle); !reflect.DeepEqual(got, want) {
			t.Errorf("ranks %d: got %v, want %v", ranks, got, want)
		}
		if got, want := res.Matrix.At(1, cellSolutions), 24.0; got != want {
			t.Errorf("ranks %d: got %v, want %v", ranks, got, want)
		}
		if got, want := res.Vertices, 4; got != want {
			t.Errorf("ranks %d: got %v, want %v", ranks, got, want)
		}
	}
}

func TestMatchRandom(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	graphs := []*testGraph{
		randomGraph(r, 12, 2, 0.4),
		randomGraph(r, 20, 2, 0.25),
		randomGraph(r, 8, 1, 0.6),
	}
	queries := map[string]testQuery{
		"triangle":     triangle,
		"path3":        path3,
		"path4":        path4,
		"star":         star,
		"tailedSquare": tailedSquare,
		"single":       single,
		"edge":         edge,
	}
	configs := [][]Option{
		{Ranks(1)},
		{Ranks(3), Parallelism(4)},
		{Ranks(2), HaltWhenIdle, GatherThreshold(1)},
	}
	for gi, g := range graphs {
		for name, q := range queries {
			want := embeddings(g, q)
			for ci, config := range configs {
				t.Run(fmt.Sprintf("g%d/%s/c%d", gi, name, ci), func(t *testing.T) {
					res, got := runJob(t, g, q, config...)
					if got, want := res.Solutions, int64(len(want)); got != want {
						t.Errorf("got %v solutions, want %v", got, want)
					}
					if !reflect.DeepEqual(got, want) {
						t.Errorf("got %v, want %v", got, want)
					}
				})
			}
		}
	}
}

func TestMatchNoSolutions(t *testing.T) {
	g := newTestGraph(0, 0, 0, 0)
	g.edge(0, 1)
	g.edge(1, 2)
	g.edge(2, 3)
	res, solutions := runJob(t, g, triangle, Ranks(2))
	if got, want := res.Solutions, int64(0); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if len(solutions) != 0 {
		t.Errorf("got %v, want none", solutions)
	}
}

func TestMatchFixedSupersteps(t *testing.T) {
	res, _ := runJob(t, completeGraph(4), path4, Ranks(2), FilterSupersteps(2))
	q, err := bigmatch.ParseQuery(path4.lines())
	if err != nil {
		t.Fatal(err)
	}
	want := 2 + 2 + PhaseSupersteps(q, Match, 0) + PhaseSupersteps(q, Enumerate, 0)
	if got := res.Supersteps; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestRunErrors(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	var (
		ctx   = context.Background()
		graph = filepath.Join(dir, "graph")
		query = filepath.Join(dir, "query")
		bad   = filepath.Join(dir, "bad")
		out   = filepath.Join(dir, "out")
	)
	writeLines(t, graph, completeGraph(3).lines())
	writeLines(t, query, triangle.lines())
	writeLines(t, bad, []string{"v 0 0", "v 2 0"})
	sess := Start(Local, Ranks(2))
	defer sess.Shutdown()

	if _, err := sess.Run(ctx, Job{Graph: graph}); !errors.Is(errors.Invalid, err) {
		t.Errorf("got %v, want invalid", err)
	}
	if _, err := sess.Run(ctx, Job{Graph: filepath.Join(dir, "missing"), Query: query}); !errors.Is(errors.NotExist, err) {
		t.Errorf("got %v, want not exist", err)
	}
	if _, err := sess.Run(ctx, Job{Graph: graph, Query: bad}); !errors.Is(errors.Invalid, err) {
		t.Errorf("got %v, want invalid", err)
	}
	if _, err := sess.Run(ctx, Job{Graph: graph, Query: query, Output: out}); err != nil {
		t.Fatal(err)
	}
	if _, err := sess.Run(ctx, Job{Graph: graph, Query: query, Output: out}); !errors.Is(errors.Exists, err) {
		t.Errorf("got %v, want exists", err)
	}

	over := Start(Local, Ranks(2), Overwrite)
	defer over.Shutdown()
	res, err := over.Run(ctx, Job{Graph: graph, Query: query, Output: out})
	if err != nil {
		t.Fatal(err)
	}
	if got, want := res.Solutions, int64(6); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

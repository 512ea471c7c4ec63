// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

/*
	Package bigmatch implements distributed subgraph matching over a
	partitioned, labelled data graph. Given a small connected query
	graph, bigmatch finds every injective, label-preserving embedding of
	the query into the data graph.

	Computation is vertex-centric and bulk-synchronous. A fixed number
	of ranks each own a disjoint partition of the data graph (vertices
	are assigned to ranks by hashing their ids; see Partition). Ranks
	advance together through supersteps: in each superstep, every active
	vertex consumes the messages sent to it in the previous superstep
	and may send messages of its own. A global barrier separates
	supersteps.

	Matching proceeds in four phases:

	1. Preprocess: vertices exchange labels and degrees with their
	neighbors.

	2. Filter: each vertex computes which query nodes it could realize,
	together with the candidate neighbors for each adjacent query node.
	Candidates are pruned iteratively against the neighbors' own
	candidate sets.

	3. Match: partial mappings are grown along the query's matching
	order (see Query), moving between ranks as they are extended.

	4. Enumerate: mappings that cover the non-leaf part of the query
	are realized as virtual vertices, which collect alternatives for the
	query's leaves and enumerate every conflict-free completion.

	This package contains the data model shared by the engine: vertex
	records and their parsing, partitioning, and query planning. The
	engine itself lives in package exec; the command
	github.com/grailbio/bigmatch/cmd/bigmatch drives it.
*/
package bigmatch

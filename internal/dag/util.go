// Copyright 2024 rg0now. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dag

// Roots returns the roots of the graph, i.e., the nodes without an incoming
// edge.
func (g *Graph[N]) Roots() []N {
	roots := make([]N, 0, len(g.succs))
	for n := range g.succs {
		if len(g.preds[n]) == 0 {
			roots = append(roots, n)
		}
	}
	return roots
}

// BFS walks the graph from a start node following the given adjacency (Succs
// for forward, Preds for reverse reachability), calling visit on every node
// reached, the start node excluded unless it is reachable from itself. The
// walk stops early when visit returns false.
func BFS[N comparable](start N, adjacency func(N) []N, visit func(N) bool) {
	visited := map[N]struct{}{}
	queue := adjacency(start)

	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]

		if _, ok := visited[n]; ok {
			continue
		}
		visited[n] = struct{}{}

		if !visit(n) {
			return
		}

		queue = append(queue, adjacency(n)...)
	}
}

// Copyright 2024 rg0now. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package dag implements a directed graph over comparable node labels with
// both forward and reverse adjacency, so that reachability can be traversed
// in either direction.
package dag

// Graph is a directed graph. The zero value is not usable, call New.
type Graph[N comparable] struct {
	succs map[N]map[N]struct{}
	preds map[N]map[N]struct{}
}

// New creates an empty graph.
func New[N comparable]() *Graph[N] {
	return &Graph[N]{
		succs: map[N]map[N]struct{}{},
		preds: map[N]map[N]struct{}{},
	}
}

// Len returns the number of nodes in the graph.
func (g *Graph[N]) Len() int { return len(g.succs) }

// AddNode inserts a node. Returns false if the node already exists.
func (g *Graph[N]) AddNode(n N) bool {
	if _, ok := g.succs[n]; ok {
		return false
	}
	g.succs[n] = map[N]struct{}{}
	g.preds[n] = map[N]struct{}{}
	return true
}

// HasNode reports whether the node exists.
func (g *Graph[N]) HasNode(n N) bool {
	_, ok := g.succs[n]
	return ok
}

// AddEdge inserts a directed edge, adding the endpoints as needed.
func (g *Graph[N]) AddEdge(from, to N) {
	g.AddNode(from)
	g.AddNode(to)
	g.succs[from][to] = struct{}{}
	g.preds[to][from] = struct{}{}
}

// DelEdge removes a directed edge.
func (g *Graph[N]) DelEdge(from, to N) {
	if _, ok := g.succs[from]; ok {
		delete(g.succs[from], to)
	}
	if _, ok := g.preds[to]; ok {
		delete(g.preds[to], from)
	}
}

// HasEdge reports whether the directed edge exists.
func (g *Graph[N]) HasEdge(from, to N) bool {
	if _, ok := g.succs[from]; !ok {
		return false
	}
	_, ok := g.succs[from][to]
	return ok
}

// DelNode removes a node with all its incident edges.
func (g *Graph[N]) DelNode(n N) {
	for to := range g.succs[n] {
		delete(g.preds[to], n)
	}
	for from := range g.preds[n] {
		delete(g.succs[from], n)
	}
	delete(g.succs, n)
	delete(g.preds, n)
}

// Succs returns the successors of a node (the targets of its out-edges).
func (g *Graph[N]) Succs(n N) []N {
	out := make([]N, 0, len(g.succs[n]))
	for m := range g.succs[n] {
		out = append(out, m)
	}
	return out
}

// Preds returns the predecessors of a node (the sources of its in-edges).
func (g *Graph[N]) Preds(n N) []N {
	out := make([]N, 0, len(g.preds[n]))
	for m := range g.preds[n] {
		out = append(out, m)
	}
	return out
}

// Nodes returns all nodes of the graph.
func (g *Graph[N]) Nodes() []N {
	out := make([]N, 0, len(g.succs))
	for n := range g.succs {
		out = append(out, n)
	}
	return out
}

package visualize

import (
	"sort"

	"github.com/emicklei/dot"

	"github.com/l7mp/dtable/pkg/graph"
	"github.com/l7mp/dtable/pkg/row"
)

// BuildCellDotGraph renders the recorded cell dependency edges as a dot.Graph,
// one cluster per table. Edges run from consumer to producer, the direction
// the evaluator reads.
func BuildCellDotGraph(name string, b *graph.Builder) *dot.Graph {
	g := dot.NewGraph(dot.Directed)
	g.Attr("rankdir", "LR")
	g.Attr("compound", "true")
	g.Attr("label", name)
	g.Attr("labelloc", "t")
	g.Attr("fontsize", "16")

	cells := b.Cells()
	sort.Slice(cells, func(i, j int) bool {
		return cells[i].String() < cells[j].String()
	})

	clusters := map[string]*dot.Graph{}
	nodes := map[row.Cell]dot.Node{}

	for _, c := range cells {
		cluster, ok := clusters[c.Table]
		if !ok {
			cluster = g.Subgraph(c.Table, dot.ClusterOption{})
			cluster.Attr("style", "rounded")
			cluster.Attr("fontname", "helvetica")
			clusters[c.Table] = cluster
		}

		node := cluster.Node(c.String()).
			Attr("fontname", "helvetica").
			Attr("fontsize", "10")
		if c.IsPresence() {
			node.Attr("label", c.Key).
				Attr("shape", "diamond").
				Attr("style", "filled").
				Attr("fillcolor", "lightyellow")
		} else {
			node.Attr("label", c.Key+"."+c.Attr).
				Attr("shape", "box").
				Attr("style", "filled,rounded").
				Attr("fillcolor", "lightblue")
		}
		nodes[c] = node
	}

	type edge struct{ consumer, producer row.Cell }
	edges := []edge{}
	b.Edges(func(consumer, producer row.Cell) {
		edges = append(edges, edge{consumer, producer})
	})
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].consumer != edges[j].consumer {
			return edges[i].consumer.String() < edges[j].consumer.String()
		}
		return edges[i].producer.String() < edges[j].producer.String()
	})

	for _, e := range edges {
		g.Edge(nodes[e.consumer], nodes[e.producer]).
			Attr("fontsize", "10")
	}

	return g
}

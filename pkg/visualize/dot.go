package visualize

import "github.com/l7mp/dtable/pkg/graph"

// DotGenerator generates Graphviz DOT diagrams.
type DotGenerator struct{}

// Generate creates a Graphviz DOT diagram from the graph.
func (d *DotGenerator) Generate(g *Graph) string {
	dotGraph := BuildDotGraph(g)
	return dotGraph.String()
}

// GenerateCells creates a Graphviz DOT diagram of the recorded cell
// dependencies.
func (d *DotGenerator) GenerateCells(name string, b *graph.Builder) string {
	dotGraph := BuildCellDotGraph(name, b)
	return dotGraph.String()
}

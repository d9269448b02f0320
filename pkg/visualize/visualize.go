// Package visualize renders transformer topologies and cell dependency
// graphs as diagrams.
package visualize

import (
	"fmt"
	"sort"
	"strings"

	"github.com/emicklei/dot"

	"github.com/l7mp/dtable/pkg/transformer"
	"github.com/l7mp/dtable/pkg/util"
)

// Graph represents the visualization graph of a set of transformer instances.
type Graph struct {
	Name        string
	Instances   []InstanceNode
	Connections []Connection
}

// InstanceNode represents a single transformer instance in the graph.
type InstanceNode struct {
	Name    string
	Input   string
	Attrs   []string
	Outputs []OutputRef
}

// OutputRef represents one output table of an instance.
type OutputRef struct {
	Table string
	Attrs []string
	// Derived marks outputs whose row keys are computed instead of
	// inherited from the input row.
	Derived bool
}

// Connection represents an edge between two instances chained through a
// table: the upstream instance writes it, the downstream one reads it.
type Connection struct {
	FromInstance string
	ToInstance   string
	Table        string
}

// BuildGraph constructs a visualization graph from transformer definitions.
func BuildGraph(name string, defs []*transformer.Definition) *Graph {
	g := &Graph{
		Name:        name,
		Instances:   make([]InstanceNode, 0, len(defs)),
		Connections: make([]Connection, 0),
	}

	for _, def := range defs {
		g.Instances = append(g.Instances, InstanceNode{
			Name:  def.Name,
			Input: def.Input.Table,
			Attrs: append([]string{}, def.Input.Attrs...),
			Outputs: util.Map(func(o transformer.OutputSpec) OutputRef {
				attrs := make([]string, 0, len(o.Attrs))
				for a := range o.Attrs {
					attrs = append(attrs, a)
				}
				sort.Strings(attrs)
				return OutputRef{
					Table:   o.Table,
					Attrs:   attrs,
					Derived: o.KeyFrom != nil,
				}
			}, def.Outputs),
		})
	}

	g.buildConnections()

	return g
}

// buildConnections identifies instances chained through a shared table.
func (g *Graph) buildConnections() {
	producers := map[string]string{}
	for _, inst := range g.Instances {
		for _, o := range inst.Outputs {
			producers[o.Table] = inst.Name
		}
	}

	for _, inst := range g.Instances {
		if from, ok := producers[inst.Input]; ok {
			g.Connections = append(g.Connections, Connection{
				FromInstance: from,
				ToInstance:   inst.Name,
				Table:        inst.Input,
			})
		}
	}
}

// isDerivedTable tells whether a table is produced by one of the graph's
// instances.
func (g *Graph) isDerivedTable(table string) bool {
	for _, inst := range g.Instances {
		for _, o := range inst.Outputs {
			if o.Table == table {
				return true
			}
		}
	}
	return false
}

// IsTerminalOutput checks if an output table is terminal: produced but not
// consumed by any instance.
func (g *Graph) IsTerminalOutput(table string) bool {
	for _, inst := range g.Instances {
		if inst.Input == table {
			return false
		}
	}
	return true
}

// FormatTable formats a table reference with its attribute names for display.
func FormatTable(table string, attrs []string) string {
	if len(attrs) == 0 {
		return table
	}
	return fmt.Sprintf("%s [%s]", table, strings.Join(attrs, ", "))
}

// BuildDotGraph creates a dot.Graph from the visualization graph. This
// unified graph can then be rendered in different formats (DOT, Mermaid,
// etc.).
func BuildDotGraph(g *Graph) *dot.Graph {
	graph := dot.NewGraph(dot.Directed)
	graph.Attr("rankdir", "LR")
	graph.Attr("newrank", "true")
	graph.Attr("label", g.Name)
	graph.Attr("labelloc", "t")
	graph.Attr("fontsize", "16")

	instanceNodes := make(map[string]dot.Node)
	tableNodes := make(map[string]dot.Node)

	for _, inst := range g.Instances {
		node := graph.Node(inst.Name).
			Attr("label", inst.Name).
			Attr("shape", "box").
			Attr("style", "filled,rounded").
			Attr("fillcolor", "lightblue").
			Attr("color", "darkblue").
			Attr("penwidth", "2").
			Attr("fontname", "helvetica")
		instanceNodes[inst.Name] = node
	}

	// Source tables: inputs that no instance produces.
	for _, inst := range g.Instances {
		if g.isDerivedTable(inst.Input) {
			continue
		}
		srcNode, exists := tableNodes[inst.Input]
		if !exists {
			srcNode = graph.Node(inst.Input).
				Attr("label", FormatTable(inst.Input, inst.Attrs)).
				Attr("shape", "ellipse").
				Attr("style", "filled").
				Attr("fillcolor", "lightgreen")
			tableNodes[inst.Input] = srcNode
		}
		graph.Edge(srcNode, instanceNodes[inst.Name]).
			Attr("fontname", "helvetica").
			Attr("fontsize", "10")
	}

	// Terminal output tables.
	for _, inst := range g.Instances {
		for _, o := range inst.Outputs {
			if !g.IsTerminalOutput(o.Table) {
				continue
			}
			outNode, exists := tableNodes[o.Table]
			if !exists {
				outNode = graph.Node(o.Table).
					Attr("label", FormatTable(o.Table, o.Attrs)).
					Attr("shape", "box").
					Attr("style", "filled,rounded").
					Attr("fillcolor", "lightcyan")
				tableNodes[o.Table] = outNode
			}
			label := ""
			if o.Derived {
				label = "derived keys"
			}
			graph.Edge(instanceNodes[inst.Name], outNode).
				Attr("label", label).
				Attr("fontname", "helvetica").
				Attr("fontsize", "10")
		}
	}

	// Chained instances.
	for _, conn := range g.Connections {
		fromNode, fromExists := instanceNodes[conn.FromInstance]
		toNode, toExists := instanceNodes[conn.ToInstance]
		if fromExists && toExists {
			graph.Edge(fromNode, toNode).
				Attr("label", conn.Table).
				Attr("style", "dashed").
				Attr("color", "blue").
				Attr("fontname", "helvetica").
				Attr("fontsize", "10")
		}
	}

	return graph
}

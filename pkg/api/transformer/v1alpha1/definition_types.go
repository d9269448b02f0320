package v1alpha1

import (
	"k8s.io/apimachinery/pkg/util/json"

	"github.com/l7mp/dtable/pkg/expression"
)

// Definition is the declarative form of a transformer: a named input table
// with declared input attributes, and one or more output tables whose
// attributes are computed by expressions. Decoded from YAML/JSON and compiled
// into the native form by pkg/transformer.
type Definition struct {
	// Name identifies the transformer instance. Mandatory.
	Name string `json:"name"`
	// Input names the input table and the attributes the transformer reads.
	Input InputSpec `json:"input"`
	// Outputs declare the derived tables.
	Outputs []OutputSpec `json:"outputs"`
}

// InputSpec names the input table and its declared attributes.
type InputSpec struct {
	// Table is the input table name. Mandatory.
	Table string `json:"table"`
	// Attrs are the input attribute names the transformer reads. Attrs are
	// copied verbatim into every output row.
	Attrs []string `json:"attrs,omitempty"`
}

// OutputSpec declares one derived table: its name and the expression
// computing each output attribute.
type OutputSpec struct {
	// Table is the output table name. Mandatory.
	Table string `json:"table"`
	// Attrs maps output attribute names to the expressions computing them.
	Attrs map[string]expression.Expression `json:"attrs"`
	// KeyFrom optionally derives the output row key from the listed
	// expressions instead of reusing the input row key.
	KeyFrom []expression.Expression `json:"keyFrom,omitempty"`
}

func (d *Definition) DeepCopyInto(out *Definition) {
	if d == nil || out == nil {
		return
	}
	out.Name = d.Name
	out.Input = InputSpec{Table: d.Input.Table}
	if d.Input.Attrs != nil {
		out.Input.Attrs = make([]string, len(d.Input.Attrs))
		copy(out.Input.Attrs, d.Input.Attrs)
	}
	out.Outputs = make([]OutputSpec, 0, len(d.Outputs))
	for _, o := range d.Outputs {
		oc := OutputSpec{Table: o.Table}
		if o.Attrs != nil {
			oc.Attrs = make(map[string]expression.Expression, len(o.Attrs))
			for k := range o.Attrs {
				e := o.Attrs[k]
				var ec expression.Expression
				e.DeepCopyInto(&ec)
				oc.Attrs[k] = ec
			}
		}
		for i := range o.KeyFrom {
			var ec expression.Expression
			o.KeyFrom[i].DeepCopyInto(&ec)
			oc.KeyFrom = append(oc.KeyFrom, ec)
		}
		out.Outputs = append(out.Outputs, oc)
	}
}

func (d *Definition) DeepCopy() *Definition {
	if d == nil {
		return nil
	}
	out := new(Definition)
	d.DeepCopyInto(out)
	return out
}

func (d *Definition) String() string {
	b, err := json.Marshal(d)
	if err != nil {
		return ""
	}
	return string(b)
}

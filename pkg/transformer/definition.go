// Package transformer implements transformer definitions and their
// compilation: a named input table with declared input attributes is bound to
// one or more output tables whose attributes are computed per row by
// attribute functions. Evaluation happens through an explicit read-only
// context that records every cell read for dependency tracking.
package transformer

import (
	"github.com/l7mp/dtable/pkg/api/transformer/v1alpha1"
)

// AttrFunc computes one output attribute for one row. All reads go through
// the evaluation context.
type AttrFunc func(ec *EvalContext) (any, error)

// KeyFunc derives the output row key for one input row. All reads go through
// the evaluation context.
type KeyFunc func(ec *EvalContext) (string, error)

// InputSpec names the input table and the attributes the transformer reads.
type InputSpec struct {
	// Table is the input table name.
	Table string
	// Attrs are the declared input attribute names. Declared attributes
	// are readable through EvalContext.Get and are copied verbatim into
	// every output row.
	Attrs []string
}

// OutputSpec declares one derived table.
type OutputSpec struct {
	// Table is the output table name.
	Table string
	// Attrs maps output attribute names to the functions computing them.
	Attrs map[string]AttrFunc
	// KeyFrom optionally derives the output row key. When nil the output
	// row reuses the input row key.
	KeyFrom KeyFunc
	// Schema optionally declares the output table schema. When nil a
	// schema is synthesized from the input attributes and output
	// attribute names, all typed "any".
	Schema *v1alpha1.Schema
}

// Definition is the native form of a transformer.
type Definition struct {
	Name    string
	Input   InputSpec
	Outputs []OutputSpec
}

// OutputSchema returns the declared or synthesized schema of an output.
func (o *OutputSpec) outputSchema(input InputSpec) *v1alpha1.Schema {
	if o.Schema != nil {
		return o.Schema.DeepCopy()
	}
	s := &v1alpha1.Schema{}
	for _, a := range input.Attrs {
		s = s.WithColumn(a, v1alpha1.ColumnTypeAny)
	}
	for _, a := range sortedAttrNames(o.Attrs) {
		s = s.WithColumn(a, v1alpha1.ColumnTypeAny)
	}
	return s
}

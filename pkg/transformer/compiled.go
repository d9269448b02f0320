package transformer

import (
	"fmt"
	"sort"

	"github.com/go-logr/logr"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/l7mp/dtable/pkg/api/transformer/v1alpha1"
	"github.com/l7mp/dtable/pkg/row"
)

// Compiled is a definition bound against its input schema, ready for per-row
// evaluation.
type Compiled struct {
	def        *Definition
	inputAttrs sets.Set[string]
	// attrOrder fixes a deterministic evaluation order per output table.
	attrOrder map[string][]string
	schemas   map[string]*v1alpha1.Schema
}

// Bind validates the definition against the input table's schema and
// compiles it. Binding fails with BindingError when a declared input
// attribute is absent from the schema, an output attribute name collides with
// an input attribute, output table names collide with each other or with the
// input table, or an attribute function is nil.
func (d *Definition) Bind(schema *v1alpha1.Schema) (*Compiled, error) {
	if d.Name == "" {
		return nil, NewBindingError(d.Name, "empty definition name")
	}
	if d.Input.Table == "" {
		return nil, NewBindingError(d.Name, "empty input table name")
	}
	if len(d.Outputs) == 0 {
		return nil, NewBindingError(d.Name, "no outputs")
	}

	inputAttrs := sets.New[string]()
	for _, a := range d.Input.Attrs {
		if !schema.Has(a) {
			return nil, NewBindingError(d.Name,
				"input attribute %q not in the schema of table %q", a, d.Input.Table)
		}
		inputAttrs.Insert(a)
	}

	attrOrder := map[string][]string{}
	schemas := map[string]*v1alpha1.Schema{}
	for i := range d.Outputs {
		o := &d.Outputs[i]
		if o.Table == "" {
			return nil, NewBindingError(d.Name, "empty output table name")
		}
		if o.Table == d.Input.Table {
			return nil, NewBindingError(d.Name,
				"output table %q collides with the input table", o.Table)
		}
		if _, ok := attrOrder[o.Table]; ok {
			return nil, NewBindingError(d.Name, "duplicate output table %q", o.Table)
		}
		if len(o.Attrs) == 0 {
			return nil, NewBindingError(d.Name, "output table %q has no attributes", o.Table)
		}

		for name, fn := range o.Attrs {
			if fn == nil {
				return nil, NewBindingError(d.Name,
					"nil attribute function for %q in output table %q", name, o.Table)
			}
			if inputAttrs.Has(name) {
				return nil, NewBindingError(d.Name,
					"output attribute %q in table %q collides with an input attribute",
					name, o.Table)
			}
		}

		attrOrder[o.Table] = sortedAttrNames(o.Attrs)
		schemas[o.Table] = o.outputSchema(d.Input)
	}

	return &Compiled{
		def:        d,
		inputAttrs: inputAttrs,
		attrOrder:  attrOrder,
		schemas:    schemas,
	}, nil
}

// Definition returns the definition the compilation was made from.
func (c *Compiled) Definition() *Definition { return c.def }

// OutputSchemas returns the declared or synthesized schema of each output
// table.
func (c *Compiled) OutputSchemas() map[string]*v1alpha1.Schema {
	out := make(map[string]*v1alpha1.Schema, len(c.schemas))
	for name, s := range c.schemas {
		out[name] = s.DeepCopy()
	}
	return out
}

// Evaluate computes the output rows derived from one input row. Each output
// attribute function runs exactly once, in deterministic attribute order;
// declared input attributes are copied into the output verbatim. Every cell
// read during evaluation is recorded through the deps before Evaluate
// returns. The first failing attribute fails the whole row: the error is
// returned with its chain intact so callers can tell resolution failures and
// cyclic reads apart from plain evaluation errors.
func (c *Compiled) Evaluate(r *row.Row, deps EvalDeps) (map[string]*row.Row, error) {
	log := deps.Log
	if log.GetSink() == nil {
		log = logr.Discard()
	}

	out := make(map[string]*row.Row, len(c.def.Outputs))
	for i := range c.def.Outputs {
		o := &c.def.Outputs[i]

		ec := &EvalContext{
			input:      r,
			inputAttrs: c.inputAttrs,
			deps:       deps,
			log:        log,
		}

		// Output key: input key unless the output derives its own.
		key := r.Key()
		if o.KeyFrom != nil {
			k, err := o.KeyFrom(ec)
			if err != nil {
				return nil, fmt.Errorf("output %q: key derivation failed for row %s: %w",
					o.Table, r.Key(), err)
			}
			key = k
		}

		// The output row exists because the input row does: presence
		// depends on presence. KeyFrom reads buffered above land here.
		if err := ec.setConsumer(row.PresenceCell(o.Table, key)); err != nil {
			return nil, err
		}
		if err := ec.record(row.PresenceCell(c.def.Input.Table, r.Key())); err != nil {
			return nil, err
		}

		content := row.Content{}

		for _, a := range c.def.Input.Attrs {
			if err := ec.setConsumer(row.NewCell(o.Table, key, a)); err != nil {
				return nil, err
			}
			if err := ec.record(r.Cell(a)); err != nil {
				return nil, err
			}
			if v, ok := r.Get(a); ok {
				content[a] = v
			}
		}

		for _, a := range c.attrOrder[o.Table] {
			if err := ec.setConsumer(row.NewCell(o.Table, key, a)); err != nil {
				return nil, err
			}

			v, err := o.Attrs[a](ec)
			if err != nil {
				return nil, fmt.Errorf("output %q: attribute %q failed for row %s: %w",
					o.Table, a, r.Key(), err)
			}
			content[a] = v

			log.V(8).Info("attribute computed", "output", o.Table, "key", key,
				"attr", a, "value", v)
		}

		out[o.Table] = row.FromContent(o.Table, key, content)

		log.V(4).Info("row evaluated", "input", r.String(), "output", o.Table, "key", key)
	}

	return out, nil
}

func sortedAttrNames(attrs map[string]AttrFunc) []string {
	names := make([]string, 0, len(attrs))
	for a := range attrs {
		names = append(names, a)
	}
	sort.Strings(names)
	return names
}

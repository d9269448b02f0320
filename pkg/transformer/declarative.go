package transformer

import (
	"errors"

	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/l7mp/dtable/pkg/api/transformer/v1alpha1"
	"github.com/l7mp/dtable/pkg/expression"
	"github.com/l7mp/dtable/pkg/row"
)

// FromSpec compiles a declarative definition into the native form. Output
// attributes become expression evaluations over the row content; pointer
// dereferences (@deref) go through the evaluation context so all reads are
// recorded.
func FromSpec(spec *v1alpha1.Definition) (*Definition, error) {
	if spec == nil {
		return nil, errors.New("nil definition")
	}

	def := &Definition{
		Name:  spec.Name,
		Input: InputSpec{Table: spec.Input.Table},
	}
	def.Input.Attrs = append(def.Input.Attrs, spec.Input.Attrs...)

	for i := range spec.Outputs {
		o := &spec.Outputs[i]

		attrs := make(map[string]AttrFunc, len(o.Attrs))
		for name := range o.Attrs {
			var e expression.Expression
			exp := o.Attrs[name]
			exp.DeepCopyInto(&e)
			attrs[name] = exprAttrFunc(&e)
		}

		var keyFrom KeyFunc
		if len(o.KeyFrom) > 0 {
			exps := make([]expression.Expression, 0, len(o.KeyFrom))
			for j := range o.KeyFrom {
				var e expression.Expression
				o.KeyFrom[j].DeepCopyInto(&e)
				exps = append(exps, e)
			}
			keyFrom = exprKeyFunc(exps)
		}

		def.Outputs = append(def.Outputs, OutputSpec{
			Table:   o.Table,
			Attrs:   attrs,
			KeyFrom: keyFrom,
		})
	}

	return def, nil
}

func exprAttrFunc(e *expression.Expression) AttrFunc {
	return func(ec *EvalContext) (any, error) {
		ctx, err := ec.exprCtx()
		if err != nil {
			return nil, err
		}
		return e.Evaluate(ctx)
	}
}

func exprKeyFunc(exps []expression.Expression) KeyFunc {
	return func(ec *EvalContext) (string, error) {
		ctx, err := ec.exprCtx()
		if err != nil {
			return "", err
		}

		vals := make([]any, 0, len(exps))
		for i := range exps {
			v, err := exps[i].Evaluate(ctx)
			if err != nil {
				return "", err
			}
			vals = append(vals, v)
		}
		return row.KeyFrom(vals...), nil
	}
}

// exprCtx adapts the evaluation context for the expression engine. An
// expression may read any declared input attribute through JSONPath, so every
// declared attribute is recorded as read; @deref calls route through Resolve
// so remote reads are recorded too.
func (ec *EvalContext) exprCtx() (expression.EvalCtx, error) {
	content := row.Content{}
	for _, a := range sets.List(ec.inputAttrs) {
		v, err := ec.Get(a)
		if err != nil {
			return expression.EvalCtx{}, err
		}
		content[a] = v
	}

	deref := func(ptr row.Pointer, attr string) (any, error) {
		peer, err := ec.Resolve(ptr)
		if err != nil {
			return nil, err
		}
		return peer.Get(attr)
	}

	return expression.EvalCtx{
		Object: content,
		Key:    ec.Key(),
		Deref:  deref,
		Log:    ec.log,
	}, nil
}

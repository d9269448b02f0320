// Package expression implements the declarative row-expression engine used
// by declarative transformer definitions: JSON/YAML documents of @-prefixed
// operators evaluated against row content, with JSONPath attribute reads and
// pointer dereference through an explicit hook.
package expression

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"strings"

	"github.com/go-logr/logr"
	"k8s.io/apimachinery/pkg/util/json"

	"github.com/l7mp/dtable/pkg/row"
)

type Unstructured = map[string]any

// DerefFunc resolves a pointer-attribute read issued by a @deref op. The
// engine installs a hook here that records the remote cell into the
// dependency graph.
type DerefFunc func(ptr row.Pointer, attr string) (any, error)

// EvalCtx is the evaluation context of an expression: the row content the
// expression runs against plus the capabilities handed to row-centric ops.
type EvalCtx struct {
	// Object is the row content, referenced by "$." JSONPath expressions.
	Object any
	// Subject is the local subject inside list ops (@map, @filter, ...),
	// referenced by "$$." JSONPath expressions.
	Subject any
	// Key is the key of the row under evaluation, returned by @key.
	Key string
	// Deref resolves @deref pointer lookups. Evaluation of @deref fails
	// if no hook is installed.
	Deref DerefFunc
	Log   logr.Logger
}

type Expression struct {
	Op      string
	Arg     *Expression
	Literal any
}

func (e *Expression) Evaluate(ctx EvalCtx) (any, error) {
	if len(e.Op) == 0 {
		return nil, NewInvalidArgumentsError(fmt.Sprintf("empty operator in expession %q", e.String()))
	}

	switch e.Op {
	case "@bool":
		lit := e.Literal
		if e.Arg != nil {
			// eval stacked expressions stored in e.Arg
			v, err := e.Arg.Evaluate(ctx)
			if err != nil {
				return nil, err
			}
			lit = v
		}

		v, err := AsBool(lit)
		if err != nil {
			return nil, NewExpressionError(e, err)
		}

		ctx.Log.V(8).Info("eval ready", "expression", e.String(), "result", v)

		return v, nil

	case "@int":
		lit := e.Literal
		if e.Arg != nil {
			// eval stacked expressions stored in e.Arg
			v, err := e.Arg.Evaluate(ctx)
			if err != nil {
				return nil, err
			}
			lit = v
		}

		v, err := AsInt(lit)
		if err != nil {
			return nil, NewExpressionError(e, err)
		}

		ctx.Log.V(8).Info("eval ready", "expression", e.String(), "result", v)

		return v, nil

	case "@float":
		lit := e.Literal
		if e.Arg != nil {
			// eval stacked expressions stored in e.Arg
			v, err := e.Arg.Evaluate(ctx)
			if err != nil {
				return nil, err
			}
			lit = v
		}

		v, err := AsFloat(lit)
		if err != nil {
			return nil, NewExpressionError(e, err)
		}

		ctx.Log.V(8).Info("eval ready", "expression", e.String(), "result", v)

		return v, nil

	case "@string":
		lit := e.Literal
		if e.Arg != nil {
			// eval stacked expressions stored in e.Arg
			v, err := e.Arg.Evaluate(ctx)
			if err != nil {
				return nil, err
			}
			lit = v
		}

		str, err := AsString(lit)
		if err != nil {
			return nil, NewExpressionError(e, err)
		}

		// string literals starting with $ are JSONPath reads into the row
		ret, err := e.GetJSONPath(ctx, str)
		if err != nil {
			return nil, err
		}

		ctx.Log.V(8).Info("eval ready", "expression", e.String(), "result", ret)

		return ret, nil

	case "@list":
		ret := []any{}
		if e.Arg != nil {
			// eval stacked expressions stored in e.Arg
			v, err := e.Arg.Evaluate(ctx)
			if err != nil {
				return nil, err
			}

			vs, ok := v.([]any)
			if !ok {
				return nil, NewExpressionError(e, errors.New("argument must be a list"))
			}

			ret = vs
		} else {
			// literal lists stored in Literal
			vs, ok := e.Literal.([]Expression)
			if !ok {
				return nil, NewExpressionError(e,
					errors.New("argument must be an expression list"))
			}

			for _, exp := range vs {
				res, err := exp.Evaluate(ctx)
				if err != nil {
					return nil, err
				}
				ret = append(ret, res)
			}
		}

		ctx.Log.V(8).Info("eval ready", "expression", e.String(), "result", ret)

		return ret, nil

	case "@dict":
		ret := Unstructured{}
		if e.Arg != nil {
			// eval stacked expressions stored in e.Arg
			v, err := e.Arg.Evaluate(ctx)
			if err != nil {
				return nil, err
			}

			// must be Unstructured
			vs, ok := v.(Unstructured)
			if !ok {
				return nil, NewExpressionError(e, errors.New("argument must be a map"))
			}
			ret = vs
		} else {
			// map stored as a Literal
			vm, ok := e.Literal.(map[string]Expression)
			if !ok {
				return nil, NewExpressionError(e,
					errors.New("argument must be a string->expression map"))
			}

			for k, exp := range vm {
				// evaluate arguments
				res, err := exp.Evaluate(ctx)
				if err != nil {
					return nil, err
				}
				err = e.SetJSONPath(ctx, k, res, ret)
				if err != nil {
					return nil, NewExpressionError(e,
						fmt.Errorf("could not deference JSON \"set\" expression: %w", err))
				}
			}
		}

		ctx.Log.V(8).Info("eval ready", "expression", e.String(), "result", ret)

		return ret, nil

	case "@key":
		// the key of the row under evaluation
		ctx.Log.V(8).Info("eval ready", "expression", e.String(), "result", ctx.Key)

		return ctx.Key, nil
	}

	// list commands: must eval the arg themselves
	if string(e.Op[0]) == "@" {
		switch e.Op {
		case "@filter", "@any", "@none", "@all", "@map":
			return e.evaluateListCommand(ctx)
		}
	}

	// operators
	// evaluate subexpression
	if e.Arg == nil {
		return nil, NewExpressionError(e, errors.New("empty argument list"))
	}

	arg, err := e.Arg.Evaluate(ctx)
	if err != nil {
		return nil, err
	}

	if string(e.Op[0]) == "@" {
		switch e.Op {
		// unary bool
		case "@isnil":
			v := arg == nil
			ctx.Log.V(8).Info("eval ready", "expression", e.String(), "args", arg, "result", v)
			return v, nil

		case "@exists":
			v := arg != nil
			ctx.Log.V(8).Info("eval ready", "expression", e.String(), "args", arg, "result", v)
			return v, nil

		case "@not":
			arg, err := AsBool(arg)
			if err != nil {
				return nil, NewExpressionError(e, err)
			}

			v := !arg
			ctx.Log.V(8).Info("eval ready", "expression", e.String(), "args", arg, "result", v)
			return v, nil

		// binary bool
		case "@eq":
			args, err := AsList(arg)
			if err != nil {
				return nil, NewExpressionError(e, err)
			}

			if len(args) != 2 {
				return nil, NewExpressionError(e, errors.New("expected 2 arguments"))
			}

			v := reflect.DeepEqual(args[0], args[1])
			ctx.Log.V(8).Info("eval ready", "expression", e.String(), "args", args, "result", v)
			return v, nil

			// list bool
		case "@and":
			args, err := AsBoolList(arg)
			if err != nil {
				return nil, NewExpressionError(e, err)
			}

			v := true
			for i := range args {
				v = v && args[i]
			}

			ctx.Log.V(8).Info("eval ready", "expression", e.String(), "args", args, "result", v)

			return v, nil

		case "@or":
			args, err := AsBoolList(arg)
			if err != nil {
				return nil, NewExpressionError(e, err)
			}

			v := false
			for i := range args {
				v = v || args[i]
			}

			ctx.Log.V(8).Info("eval ready", "expression", e.String(), "args", args, "result", v)

			return v, nil

			// binary compare
		case "@lt":
			is, fs, kind, err := AsBinaryIntOrFloatList(arg)
			if err != nil {
				return nil, NewExpressionError(e, err)
			}

			if kind == reflect.Int64 {
				v := is[0] < is[1]
				ctx.Log.V(8).Info("eval ready", "expression", e.String(), "args", is, "result", v)
				return v, nil
			}

			v := fs[0] < fs[1]
			ctx.Log.V(8).Info("eval ready", "expression", e.String(), "args", fs, "result", v)
			return v, nil

		case "@lte":
			is, fs, kind, err := AsBinaryIntOrFloatList(arg)
			if err != nil {
				return nil, NewExpressionError(e, err)
			}

			if kind == reflect.Int64 {
				v := is[0] <= is[1]
				ctx.Log.V(8).Info("eval ready", "expression", e.String(), "args", is, "result", v)
				return v, nil
			}

			v := fs[0] <= fs[1]
			ctx.Log.V(8).Info("eval ready", "expression", e.String(), "args", fs, "result", v)
			return v, nil

		case "@gt":
			is, fs, kind, err := AsBinaryIntOrFloatList(arg)
			if err != nil {
				return nil, NewExpressionError(e, err)
			}

			if kind == reflect.Int64 {
				v := is[0] > is[1]
				ctx.Log.V(8).Info("eval ready", "expression", e.String(), "args", is, "result", v)
				return v, nil
			}

			v := fs[0] > fs[1]
			ctx.Log.V(8).Info("eval ready", "expression", e.String(), "args", fs, "result", v)
			return v, nil

		case "@gte":
			is, fs, kind, err := AsBinaryIntOrFloatList(arg)
			if err != nil {
				return nil, NewExpressionError(e, err)
			}

			if kind == reflect.Int64 {
				v := is[0] >= is[1]
				ctx.Log.V(8).Info("eval ready", "expression", e.String(), "args", is, "result", v)
				return v, nil
			}

			v := fs[0] >= fs[1]
			ctx.Log.V(8).Info("eval ready", "expression", e.String(), "args", fs, "result", v)
			return v, nil

			// unary arithmetic
		case "@abs":
			f, err := AsFloat(arg)
			if err != nil {
				return nil, NewExpressionError(e, err)
			}

			v := math.Abs(f)
			ctx.Log.V(8).Info("eval ready", "expression", e.String(), "args", f, "result", v)
			return v, nil

		case "@ceil":
			f, err := AsFloat(arg)
			if err != nil {
				return nil, NewExpressionError(e, err)
			}

			v := math.Ceil(f)
			ctx.Log.V(8).Info("eval ready", "expression", e.String(), "args", f, "result", v)
			return v, nil

		case "@floor":
			f, err := AsFloat(arg)
			if err != nil {
				return nil, NewExpressionError(e, err)
			}

			v := math.Floor(f)
			ctx.Log.V(8).Info("eval ready", "expression", e.String(), "args", f, "result", v)
			return v, nil

			// binary arithmetic
		case "@sub":
			is, fs, kind, err := AsBinaryIntOrFloatList(arg)
			if err != nil {
				return nil, NewExpressionError(e, err)
			}

			var v any
			if kind == reflect.Int64 {
				v = is[0] - is[1]
			} else {
				v = fs[0] - fs[1]
			}

			ctx.Log.V(8).Info("eval ready", "expression", e.String(), "arg", arg, "result", v)
			return v, nil

		case "@div":
			is, fs, kind, err := AsBinaryIntOrFloatList(arg)
			if err != nil {
				return nil, NewExpressionError(e, err)
			}

			var v any
			if kind == reflect.Int64 {
				if is[1] == 0 {
					return nil, NewExpressionError(e, errors.New("division by zero"))
				}
				v = is[0] / is[1]
			} else {
				if fs[1] == 0.0 {
					return nil, NewExpressionError(e, errors.New("division by zero"))
				}
				v = fs[0] / fs[1]
			}

			ctx.Log.V(8).Info("eval ready", "expression", e.String(), "arg", arg, "result", v)
			return v, nil

			// list arithmetic
		case "@sum":
			is, fs, kind, err := AsIntOrFloatList(arg)
			if err != nil {
				return nil, NewExpressionError(e, err)
			}

			var v any
			if kind == reflect.Int64 {
				vi := int64(0)
				for i := range is {
					vi += is[i]
				}
				v = vi
			} else {
				vf := 0.0
				for i := range fs {
					vf += fs[i]
				}
				v = vf
			}

			ctx.Log.V(8).Info("eval ready", "expression", e.String(), "arg", arg, "result", v)
			return v, nil

		case "@mul":
			is, fs, kind, err := AsIntOrFloatList(arg)
			if err != nil {
				return nil, NewExpressionError(e, err)
			}

			var v any
			if kind == reflect.Int64 {
				vi := int64(1)
				for i := range is {
					vi *= is[i]
				}
				v = vi
			} else {
				vf := 1.0
				for i := range fs {
					vf *= fs[i]
				}
				v = vf
			}

			ctx.Log.V(8).Info("eval ready", "expression", e.String(), "arg", arg, "result", v)
			return v, nil

		case "@len":
			args, err := AsList(arg)
			if err != nil {
				return nil, NewExpressionError(e, err)
			}

			v := int64(len(args))
			ctx.Log.V(8).Info("eval ready", "expression", e.String(), "arg", args, "result", v)
			return v, nil

		case "@in": // @in: [elem, list]
			args, err := AsList(arg)
			if err != nil {
				return nil, NewExpressionError(e, err)
			}

			if len(args) != 2 {
				return nil, NewExpressionError(e, errors.New("expected 2 arguments"))
			}

			elem := args[0]
			list, err := AsList(args[1])
			if err != nil {
				return nil, NewExpressionError(e, err)
			}

			v := false
			for i := range list {
				if reflect.DeepEqual(list[i], elem) {
					v = true
					break
				}
			}

			ctx.Log.V(8).Info("eval ready", "expression", e.String(), "arg", args, "result", v)
			return v, nil

			// strings
		case "@concat":
			args, err := AsStringList(arg)
			if err != nil {
				return nil, NewExpressionError(e, err)
			}

			v := ""
			for i := range args {
				v += args[i]
			}

			ctx.Log.V(8).Info("eval ready", "expression", e.String(), "arg", args, "result", v)

			return v, nil

		case "@upper":
			s, err := AsString(arg)
			if err != nil {
				return nil, NewExpressionError(e, err)
			}

			v := strings.ToUpper(s)
			ctx.Log.V(8).Info("eval ready", "expression", e.String(), "arg", s, "result", v)
			return v, nil

		case "@lower":
			s, err := AsString(arg)
			if err != nil {
				return nil, NewExpressionError(e, err)
			}

			v := strings.ToLower(s)
			ctx.Log.V(8).Info("eval ready", "expression", e.String(), "arg", s, "result", v)
			return v, nil

			// row-centric ops
		case "@ptr": // @ptr: [table, key]
			args, err := AsStringList(arg)
			if err != nil {
				return nil, NewExpressionError(e, err)
			}

			if len(args) != 2 {
				return nil, NewExpressionError(e, errors.New("expected 2 arguments"))
			}

			v := row.NewPointer(args[0], args[1])
			ctx.Log.V(8).Info("eval ready", "expression", e.String(), "arg", args, "result", v.String())
			return v, nil

		case "@deref": // @deref: [pointer, attr]
			args, err := AsList(arg)
			if err != nil {
				return nil, NewExpressionError(e, err)
			}

			if len(args) != 2 {
				return nil, NewExpressionError(e, errors.New("expected 2 arguments"))
			}

			ptr, ok := row.AsPointer(args[0])
			if !ok {
				return nil, NewExpressionError(e,
					fmt.Errorf("first argument must be a pointer, got %#v", args[0]))
			}

			attr, err := AsString(args[1])
			if err != nil {
				return nil, NewExpressionError(e, err)
			}

			if ctx.Deref == nil {
				return nil, NewExpressionError(e,
					errors.New("no pointer dereference capability in evaluation context"))
			}

			v, err := ctx.Deref(ptr, attr)
			if err != nil {
				// resolution failures must short-circuit row evaluation
				// untouched, so the engine can tell them apart
				return nil, err
			}

			ctx.Log.V(8).Info("eval ready", "expression", e.String(), "pointer", ptr.String(),
				"attr", attr, "result", v)
			return v, nil

		default:
			return nil, NewExpressionError(e, errors.New("unknown op"))
		}
	}

	// literal map
	return Unstructured{e.Op: arg}, nil
}

// evaluateListCommand handles the ops that bind a local subject: the first
// argument is an expression evaluated once per element of the second.
func (e *Expression) evaluateListCommand(ctx EvalCtx) (any, error) {
	args, err := AsExpOrExpList(e.Arg)
	if err != nil {
		return nil, NewExpressionError(e, err)
	}

	if len(args) != 2 {
		return nil, NewExpressionError(e,
			errors.New("invalid arguments: expected 2 arguments"))
	}

	// function or conditional
	exp := args[0]

	// arguments
	rawArg, err := args[1].Evaluate(ctx)
	if err != nil {
		return nil, errors.New("failed to evaluate arguments")
	}

	list, err := AsList(rawArg)
	if err != nil {
		return nil, errors.New("invalid arguments: expected a list")
	}

	subjectCtx := func(input any) EvalCtx {
		return EvalCtx{Object: ctx.Object, Subject: input, Key: ctx.Key, Deref: ctx.Deref, Log: ctx.Log}
	}

	evalBool := func(input any) (bool, error) {
		res, err := exp.Evaluate(subjectCtx(input))
		if err != nil {
			return false, err
		}

		b, err := AsBool(res)
		if err != nil {
			return false, NewExpressionError(e,
				fmt.Errorf("expected conditional expression to "+
					"evaluate to boolean: %w", err))
		}
		return b, nil
	}

	switch e.Op {
	case "@filter":
		vs := []any{}
		for _, input := range list {
			b, err := evalBool(input)
			if err != nil {
				return nil, err
			}
			if b {
				vs = append(vs, input)
			}
		}

		ctx.Log.V(8).Info("eval ready", "expression", e.String(), "result", vs)
		return vs, nil

	case "@map":
		vs := []any{}
		for _, input := range list {
			res, err := exp.Evaluate(subjectCtx(input))
			if err != nil {
				return nil, err
			}
			vs = append(vs, res)
		}

		ctx.Log.V(8).Info("eval ready", "expression", e.String(), "result", vs)
		return vs, nil

	case "@any":
		v := false
		for _, input := range list {
			b, err := evalBool(input)
			if err != nil {
				return nil, err
			}
			if b {
				v = true
				break
			}
		}

		ctx.Log.V(8).Info("eval ready", "expression", e.String(), "result", v)
		return v, nil

	case "@none":
		v := true
		for _, input := range list {
			b, err := evalBool(input)
			if err != nil {
				return nil, err
			}
			if b {
				v = false
				break
			}
		}

		ctx.Log.V(8).Info("eval ready", "expression", e.String(), "result", v)
		return v, nil

	case "@all":
		v := true
		for _, input := range list {
			b, err := evalBool(input)
			if err != nil {
				return nil, err
			}
			if !b {
				v = false
				break
			}
		}

		ctx.Log.V(8).Info("eval ready", "expression", e.String(), "result", v)
		return v, nil
	}

	return nil, NewExpressionError(e, errors.New("unknown list op"))
}

func (e *Expression) UnmarshalJSON(b []byte) error {
	// try to unmarshal as a bool terminal expression
	bv := false
	if err := json.Unmarshal(b, &bv); err == nil {
		*e = Expression{Op: "@bool", Literal: bv}
		return nil
	}

	// try to unmarshal as an int terminal expression
	var iv int64 = 0
	if err := json.Unmarshal(b, &iv); err == nil {
		*e = Expression{Op: "@int", Literal: iv}
		return nil
	}

	// try to unmarshal as a float terminal expression
	fv := 0.0
	if err := json.Unmarshal(b, &fv); err == nil {
		*e = Expression{Op: "@float", Literal: fv}
		return nil
	}

	// try to unmarshal as a string terminal expression
	sv := ""
	if err := json.Unmarshal(b, &sv); err == nil && sv != "" {
		*e = Expression{Op: "@string", Literal: sv}
		return nil
	}

	// try to unmarshal as a literal list expression
	mv := []Expression{}
	if err := json.Unmarshal(b, &mv); err == nil {
		*e = Expression{Op: "@list", Literal: mv}
		return nil
	}

	// try to unmarshal as a map expression
	cv := map[string]Expression{}
	if err := json.Unmarshal(b, &cv); err == nil {
		// specialcase operators: an op has a single key that starts with @
		if len(cv) == 1 {
			op := ""
			for k := range cv {
				op = k
				break
			}
			if string(op[0]) == "@" {
				exp := cv[op]
				*e = Expression{Op: op, Arg: &exp}
				return nil
			}
		}

		// literal map: store as exp with op @dict and map as Literal
		*e = Expression{Op: "@dict", Literal: cv}
		return nil
	}

	return NewUnmarshalError("expression", string(b))
}

func (e *Expression) MarshalJSON() ([]byte, error) {
	switch e.Op {
	case "@bool":
		if e.Arg != nil {
			// keep the op for a correct round-trip and possible side-effects (conversion)
			ret := map[string]*Expression{e.Op: e.Arg}
			return json.Marshal(ret)
		}
		v, err := AsBool(e.Literal)
		if err != nil {
			return []byte(""), err
		}
		return json.Marshal(v)

	case "@int":
		if e.Arg != nil {
			// keep the op for a correct round-trip and possible side-effects (conversion)
			ret := map[string]*Expression{e.Op: e.Arg}
			return json.Marshal(ret)
		}
		v, err := AsInt(e.Literal)
		if err != nil {
			return []byte(""), err
		}
		return json.Marshal(v)

	case "@float":
		if e.Arg != nil {
			// keep the op for a correct round-trip and possible side-effects (conversion)
			ret := map[string]*Expression{e.Op: e.Arg}
			return json.Marshal(ret)
		}
		v, err := AsFloat(e.Literal)
		if err != nil {
			return []byte(""), err
		}
		return json.Marshal(v)

	case "@string":
		if e.Arg != nil {
			// keep the op for a correct round-trip and possible side-effects (conversion)
			ret := map[string]*Expression{e.Op: e.Arg}
			return json.Marshal(ret)
		}
		v, err := AsString(e.Literal)
		if err != nil {
			return []byte(""), err
		}
		return json.Marshal(v)

	case "@list":
		if e.Arg != nil {
			return json.Marshal(e.Arg)
		}
		es, ok := e.Literal.([]Expression)
		if !ok {
			return []byte(""), fmt.Errorf("invalid expression list: %#v", e)
		}
		return json.Marshal(es)

	case "@dict":
		if e.Arg != nil {
			return json.Marshal(e.Arg)
		}

		es, ok := e.Literal.(map[string]Expression)
		if !ok {
			return []byte(""), fmt.Errorf("invalid expression map: %#v", e)
		}
		em := map[string]*Expression{}
		for k, v := range es {
			v := v
			em[k] = &v
		}
		return json.Marshal(em)

	default:
		// everything else is a valid op
		if e.Op[0] != '@' {
			return []byte(""), fmt.Errorf("expected an op starting with @, got %#v", e)
		}

		ret := map[string]*Expression{e.Op: e.Arg}
		return json.Marshal(ret)
	}
}

func (e *Expression) String() string {
	b, err := json.Marshal(e)
	if err != nil {
		return ""
	}
	return string(b)
}

func (e *Expression) DeepCopyInto(out *Expression) {
	if e == nil || out == nil {
		return
	}
	*out = *e

	j, err := json.Marshal(e)
	if err != nil {
		return
	}

	if err := json.Unmarshal(j, out); err != nil {
		return
	}
}

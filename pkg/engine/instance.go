package engine

import (
	"context"
	"fmt"

	"github.com/l7mp/dtable/pkg/table"
	"github.com/l7mp/dtable/pkg/transformer"
)

// outRef identifies one output row.
type outRef struct{ table, key string }

// Instance is a registered transformer bound to its input table, with
// handles to the output tables it owns.
type Instance struct {
	name     string
	def      *transformer.Definition
	compiled *transformer.Compiled
	input    string
	outputs  []string
	// derived marks the outputs whose row keys come from KeyFrom instead
	// of the input key.
	derived map[string]bool
	eng     *Engine

	// Row bookkeeping, guarded by the wave mutex while a wave runs.
	outKeys  map[string]map[string]string // output table -> input key -> output key
	inKeys   map[string]map[string]string // output table -> output key -> input key
	failures map[string]int               // input key -> consecutive failures
}

func newInstance(e *Engine, def *transformer.Definition, compiled *transformer.Compiled) *Instance {
	inst := &Instance{
		name:     def.Name,
		def:      def,
		compiled: compiled,
		input:    def.Input.Table,
		eng:      e,
		derived:  map[string]bool{},
		outKeys:  map[string]map[string]string{},
		inKeys:   map[string]map[string]string{},
		failures: map[string]int{},
	}
	for i := range def.Outputs {
		o := &def.Outputs[i]
		inst.outputs = append(inst.outputs, o.Table)
		inst.derived[o.Table] = o.KeyFrom != nil
		inst.outKeys[o.Table] = map[string]string{}
		inst.inKeys[o.Table] = map[string]string{}
	}
	return inst
}

// Name returns the instance name.
func (inst *Instance) Name() string { return inst.name }

// Outputs returns the names of the output tables the instance owns.
func (inst *Instance) Outputs() []string {
	out := make([]string, len(inst.outputs))
	copy(out, inst.outputs)
	return out
}

// Watch attaches a changelog watcher to one of the instance's output tables.
func (inst *Instance) Watch(ctx context.Context, output string) (*table.Watcher, error) {
	for _, o := range inst.outputs {
		if o == output {
			return inst.eng.store.Watch(ctx, output)
		}
	}
	return nil, fmt.Errorf("instance %q has no output table %q", inst.name, output)
}

// inputKeyFor maps an output row back to the input row that produces it.
func (inst *Instance) inputKeyFor(output, outKey string) (string, bool) {
	if ik, ok := inst.inKeys[output][outKey]; ok {
		return ik, true
	}
	if !inst.derived[output] {
		// Default keying: the output row shares the input key.
		return outKey, true
	}
	// Derived keys cannot be inverted without bookkeeping; the producing
	// input row is unknown until it is evaluated.
	return "", false
}

// record notes that an input row produced an output row. Returns the key of a
// previously produced row of the same output that the new one replaces, if
// the derived key changed.
func (inst *Instance) record(output, inputKey, outKey string) (string, bool) {
	prev, had := inst.outKeys[output][inputKey]
	inst.outKeys[output][inputKey] = outKey
	inst.inKeys[output][outKey] = inputKey
	if had && prev != outKey {
		delete(inst.inKeys[output], prev)
		return prev, true
	}
	return "", false
}

// retract forgets the output rows produced by an input row and returns their
// references so the caller can emit the deletions.
func (inst *Instance) retract(inputKey string) []outRef {
	refs := []outRef{}
	for _, o := range inst.outputs {
		outKey, found := inst.outKeys[o][inputKey]
		if !found {
			if inst.derived[o] {
				continue
			}
			if _, err := inst.eng.store.Get(o, inputKey); err != nil {
				continue
			}
			outKey = inputKey
		}
		refs = append(refs, outRef{o, outKey})
		delete(inst.outKeys[o], inputKey)
		delete(inst.inKeys[o], outKey)
	}
	delete(inst.failures, inputKey)
	return refs
}

// Package engine implements the incremental recomputation engine: it
// consumes changelog batches from the table store, computes the set of output
// cells invalidated by each change through the dependency graph, re-evaluates
// exactly the affected rows, and applies the resulting output batches back to
// the store. Rows outside the invalidation set are never re-evaluated.
package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/go-logr/logr"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/l7mp/dtable/pkg/graph"
	"github.com/l7mp/dtable/pkg/row"
	"github.com/l7mp/dtable/pkg/table"
	"github.com/l7mp/dtable/pkg/transformer"
)

const (
	// DefaultWorkers is the default size of the wave worker pool.
	DefaultWorkers = 4
	// DefaultFailureBudget is the number of consecutive evaluation
	// failures after which a dependent output row is deleted. The default
	// deletes on the first failure.
	DefaultFailureBudget = 1
	// maxCascade bounds the depth of batch cascades across chained
	// instances within one OnBatch call.
	maxCascade = 64
)

// Options configures an engine.
type Options struct {
	// Logger is the logger of the engine. Default is to discard logs.
	Logger logr.Logger
	// Workers is the size of the wave worker pool. Default is
	// DefaultWorkers.
	Workers int
	// MaxWave bounds the size of one invalidation wave, see pkg/graph.
	MaxWave int
	// FailureBudget is the number of consecutive row evaluation failures
	// tolerated before the dependent output row is deleted. Default is
	// DefaultFailureBudget.
	FailureBudget int
}

// RowError is a row-local evaluation failure carried in a Result. Row-local
// failures never abort a batch.
type RowError struct {
	// Instance is the transformer instance that failed.
	Instance string
	// Table and Key identify the input row whose evaluation failed.
	Table string
	Key   string
	Err   error
}

func (e RowError) Error() string {
	return fmt.Sprintf("instance %q: row %s/%s: %v", e.Instance, e.Table, e.Key, e.Err)
}

// Result is the outcome of processing one changelog batch: the output batches
// applied to the store (cascaded batches included, in apply order) and the
// row-local failures encountered.
type Result struct {
	Batches   []*table.Batch
	RowErrors []RowError
}

// Engine drives incremental recomputation over a table store.
type Engine struct {
	store *table.Store
	// mu serializes registration and batch processing: one wave at a
	// time.
	mu        sync.Mutex
	instances map[string]*Instance
	byInput   map[string][]*Instance
	byOutput  map[string]*Instance
	// gmu guards the dependency graph, which wave workers access
	// concurrently.
	gmu   sync.Mutex
	graph *graph.Builder

	workers int
	budget  int
	log     logr.Logger
}

// New creates an engine over a table store.
func New(store *table.Store, opts Options) *Engine {
	logger := opts.Logger
	if logger.GetSink() == nil {
		logger = logr.Discard()
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}
	budget := opts.FailureBudget
	if budget <= 0 {
		budget = DefaultFailureBudget
	}

	return &Engine{
		store:     store,
		instances: map[string]*Instance{},
		byInput:   map[string][]*Instance{},
		byOutput:  map[string]*Instance{},
		graph:     graph.New(graph.Options{Logger: logger, MaxWave: opts.MaxWave}),
		workers:   workers,
		budget:    budget,
		log:       logger.WithName("engine"),
	}
}

// Register binds a definition against its input table's registered schema,
// registers the output tables, and synthesizes the initial output state by
// replaying the input table's current snapshot as a Sync batch. Registration
// is idempotent: re-registering an identical definition returns the existing
// instance; a conflicting definition under the same name fails with
// BindingError.
func (e *Engine) Register(def *transformer.Definition) (*Instance, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if inst, ok := e.instances[def.Name]; ok {
		if sameShape(inst.def, def) {
			return inst, nil
		}
		return nil, transformer.NewBindingError(def.Name,
			"a conflicting definition is already registered under this name")
	}

	schema, err := e.store.Schema(def.Input.Table)
	if err != nil {
		return nil, transformer.NewBindingError(def.Name,
			"input table %q is not registered: %s", def.Input.Table, err.Error())
	}

	compiled, err := def.Bind(schema)
	if err != nil {
		return nil, err
	}

	schemas := compiled.OutputSchemas()
	for name := range schemas {
		if owner, ok := e.byOutput[name]; ok {
			return nil, transformer.NewBindingError(def.Name,
				"output table %q is already owned by instance %q", name, owner.name)
		}
	}
	for name, s := range schemas {
		if err := e.store.RegisterTable(name, s); err != nil {
			return nil, transformer.NewBindingError(def.Name,
				"cannot register output table %q: %s", name, err.Error())
		}
	}

	inst := newInstance(e, def, compiled)
	e.instances[def.Name] = inst
	e.byInput[def.Input.Table] = append(e.byInput[def.Input.Table], inst)
	for _, name := range inst.outputs {
		e.byOutput[name] = inst
	}

	e.log.V(1).Info("instance registered", "name", def.Name, "input", def.Input.Table,
		"outputs", inst.outputs)

	// Populate the outputs from the rows already in the input table.
	rows, err := e.store.List(def.Input.Table)
	if err != nil {
		return nil, err
	}
	if len(rows) > 0 {
		deltas := make([]table.Delta, 0, len(rows))
		for _, r := range rows {
			deltas = append(deltas, table.Delta{Type: table.Sync, Row: r})
		}
		batch := &table.Batch{
			Table:   def.Input.Table,
			Version: e.store.Version(),
			Deltas:  deltas,
		}
		res := &Result{}
		if err := e.process(context.Background(), batch, 0, res); err != nil {
			return nil, err
		}
		for _, re := range res.RowErrors {
			e.log.V(1).Info("row failed during initial sync", "instance", re.Instance,
				"table", re.Table, "key", re.Key, "error", re.Err.Error())
		}
	}

	return inst, nil
}

// Instance returns a registered instance by name.
func (e *Engine) Instance(name string) (*Instance, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	inst, ok := e.instances[name]
	return inst, ok
}

// OnBatch processes one changelog batch: invalidation, recomputation of
// exactly the invalidated rows, and application of the resulting output
// batches, cascading across chained instances. Row-local failures are
// collected in the result; batch-level failures (wave overrun, store
// validation, cancellation) abort processing with nothing committed for the
// failing wave.
func (e *Engine) OnBatch(ctx context.Context, batch *table.Batch) (*Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	res := &Result{}
	if err := e.process(ctx, batch, 0, res); err != nil {
		return nil, err
	}
	return res, nil
}

// Start runs the watch-driven loop: every table that is not an instance
// output is watched and incoming batches are fed through OnBatch. Start
// blocks until the context is cancelled. Tables registered after Start are
// not picked up.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	sources := []string{}
	for _, name := range e.store.Tables() {
		if _, ok := e.byOutput[name]; !ok {
			sources = append(sources, name)
		}
	}
	e.mu.Unlock()

	for _, name := range sources {
		w, err := e.store.Watch(ctx, name)
		if err != nil {
			return err
		}

		go func(name string, w *table.Watcher) {
			for batch := range w.ResultChan() {
				if _, err := e.OnBatch(ctx, batch); err != nil {
					e.log.Error(err, "failed to process batch", "table", name,
						"version", batch.Version)
				}
			}
		}(name, w)
	}

	e.log.V(1).Info("started", "sources", sources)

	<-ctx.Done()
	return nil
}

// process runs one wave for a batch and cascades the emitted output batches.
// Caller holds e.mu.
func (e *Engine) process(ctx context.Context, batch *table.Batch, depth int, res *Result) error {
	if depth > maxCascade {
		return fmt.Errorf("batch cascade deeper than %d on table %q", maxCascade, batch.Table)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	e.log.V(2).Info("processing batch", "table", batch.Table, "version", batch.Version,
		"deltas", len(batch.Deltas), "depth", depth)

	w := newWave(e, batch.Version, res)

	// Seed cells from the per-delta attribute diffs.
	seeds := []row.Cell{}
	cleanup := []outRef{}
	sourceBatch := e.byOutput[batch.Table] == nil

	for _, d := range batch.Deltas {
		if d.IsUnchanged() {
			continue
		}
		key := d.Row.Key()

		switch d.Type {
		case table.Added, table.Sync:
			// New rows have no attribute readers yet, only failed
			// resolutions parked on the presence cell.
			seeds = append(seeds, row.PresenceCell(batch.Table, key))

		case table.Updated:
			old, err := e.store.Read(batch.Table, key, batch.Version-1)
			if err != nil {
				seeds = append(seeds, row.PresenceCell(batch.Table, key))
				for _, a := range d.Row.Attrs() {
					seeds = append(seeds, row.NewCell(batch.Table, key, a))
				}
				continue
			}
			for _, a := range changedAttrs(old, d.Row) {
				seeds = append(seeds, row.NewCell(batch.Table, key, a))
			}

		case table.Deleted:
			seeds = append(seeds, row.PresenceCell(batch.Table, key))
			old := d.Row
			if prior, err := e.store.Read(batch.Table, key, batch.Version-1); err == nil {
				old = prior
			}
			for _, a := range old.Attrs() {
				seeds = append(seeds, row.NewCell(batch.Table, key, a))
			}
			if sourceBatch {
				cleanup = append(cleanup, outRef{batch.Table, key})
			}
		}
	}

	// Gather the transitive consumer cone of every seed.
	affected := sets.New[row.Cell]()
	e.gmu.Lock()
	for _, seed := range seeds {
		cells, err := e.graph.Invalidate(seed)
		if err != nil {
			if graph.IsRecomputationOverrun(err) {
				e.gmu.Unlock()
				return err
			}
			// A self-reaching cone fails the offending row only.
			res.RowErrors = append(res.RowErrors, RowError{
				Table: seed.Table, Key: seed.Key, Err: err,
			})
			continue
		}
		affected = affected.Union(cells)
	}
	e.gmu.Unlock()

	// Direct tasks: rows of instances fed by this table.
	for _, inst := range e.byInput[batch.Table] {
		for _, d := range batch.Deltas {
			if d.IsUnchanged() {
				continue
			}
			key := d.Row.Key()
			switch d.Type {
			case table.Added, table.Updated, table.Sync:
				w.addTask(taskKey{inst.name, key})
			case table.Deleted:
				// The input row is gone: retract its outputs.
				w.dropTask(taskKey{inst.name, key})
				for _, ref := range inst.retract(key) {
					w.stageTombstone(ref.table, ref.key)
					cleanup = append(cleanup, ref)
				}
			}
		}
	}

	// Invalidated tasks: map affected output cells back to the input rows
	// that produce them.
	for c := range affected {
		inst, ok := e.byOutput[c.Table]
		if !ok {
			continue
		}
		ik, ok := inst.inputKeyFor(c.Table, c.Key)
		if !ok {
			continue
		}
		w.addTask(taskKey{inst.name, ik})
	}

	e.log.V(2).Info("wave seeded", "table", batch.Table, "version", batch.Version,
		"seeds", len(seeds), "affected", affected.Len(), "tasks", len(w.tasks))

	if err := w.run(ctx); err != nil {
		return err
	}

	// Commit the staged output deltas, one batch per output table, and
	// cascade.
	emitted, err := w.apply(ctx)
	if err != nil {
		return err
	}
	res.Batches = append(res.Batches, emitted...)

	for _, out := range emitted {
		if err := e.process(ctx, out, depth+1, res); err != nil {
			return err
		}
	}

	// Forget the reads of the deleted rows. Their producer edges stay: a
	// reader that failed to resolve a deleted row during the cascade holds
	// an edge into its presence cell, and that edge is what re-triggers the
	// reader if the row comes back.
	e.gmu.Lock()
	for _, ref := range cleanup {
		e.graph.DropRowConsumers(ref.table, ref.key)
	}
	e.gmu.Unlock()

	return nil
}

// changedAttrs returns the attribute names whose values differ between two
// versions of a row.
func changedAttrs(old, new *row.Row) []string {
	attrs := sets.New[string](old.Attrs()...).Union(sets.New[string](new.Attrs()...))
	changed := []string{}
	for _, a := range sets.List(attrs) {
		ov, _ := old.Get(a)
		nv, _ := new.Get(a)
		if !row.ValueEqual(ov, nv) {
			changed = append(changed, a)
		}
	}
	return changed
}

// sameShape tells whether two definitions describe the same transformer:
// name, input, output table/attribute names, and whether each output derives
// its own keys. Attribute and key functions are not comparable, only their
// presence is.
func sameShape(a, b *transformer.Definition) bool {
	if a.Name != b.Name || a.Input.Table != b.Input.Table {
		return false
	}
	if !sets.New(a.Input.Attrs...).Equal(sets.New(b.Input.Attrs...)) {
		return false
	}
	if len(a.Outputs) != len(b.Outputs) {
		return false
	}

	type outShape struct {
		attrs   sets.Set[string]
		keyFrom bool
	}
	shape := func(outs []transformer.OutputSpec) map[string]outShape {
		m := map[string]outShape{}
		for i := range outs {
			attrs := sets.New[string]()
			for name := range outs[i].Attrs {
				attrs.Insert(name)
			}
			m[outs[i].Table] = outShape{attrs: attrs, keyFrom: outs[i].KeyFrom != nil}
		}
		return m
	}

	as, bs := shape(a.Outputs), shape(b.Outputs)
	if len(as) != len(bs) {
		return false
	}
	for t, s := range as {
		bshape, ok := bs[t]
		if !ok || s.keyFrom != bshape.keyFrom || !s.attrs.Equal(bshape.attrs) {
			return false
		}
	}
	return true
}

// sortedKeys returns the keys of a map in sorted order for deterministic
// iteration.
func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

package engine

import (
	"context"
	"sync"

	"k8s.io/client-go/util/workqueue"

	"github.com/l7mp/dtable/pkg/graph"
	"github.com/l7mp/dtable/pkg/row"
	"github.com/l7mp/dtable/pkg/table"
	"github.com/l7mp/dtable/pkg/transformer"
)

// taskKey identifies one unit of wave work: the re-evaluation of one input
// row of one instance.
type taskKey struct {
	instance string
	inputKey string
}

type taskState int

const (
	taskPending taskState = iota
	taskRunning
	taskDone
)

type task struct {
	key   taskKey
	state taskState
	done  chan struct{}
}

// chain is the claim trail of one evaluating goroutine: the tasks it has
// claimed (outermost first, extended by in-wave forcing) and the task it is
// currently parked on, if any. Chains are the edges of the waits-for graph
// used for cyclic-wait detection.
type chain struct {
	path      []taskKey
	waitingOn *taskKey
}

// staged is a computed output row pending application; a nil row is a
// tombstone.
type staged struct {
	row *row.Row
}

// wave is the execution state of one recomputation pass: the tasks derived
// from the invalidation set, the output rows computed so far, and the
// bookkeeping for lazy in-wave forcing.
type wave struct {
	eng     *Engine
	version uint64

	mu     sync.Mutex
	tasks  map[taskKey]*task
	chains map[taskKey]*chain
	staged map[string]map[string]*staged
	res    *Result
}

func newWave(e *Engine, version uint64, res *Result) *wave {
	return &wave{
		eng:     e,
		version: version,
		tasks:   map[taskKey]*task{},
		chains:  map[taskKey]*chain{},
		staged:  map[string]map[string]*staged{},
		res:     res,
	}
}

func (w *wave) addTask(tk taskKey) {
	if _, ok := w.tasks[tk]; ok {
		return
	}
	w.tasks[tk] = &task{key: tk, done: make(chan struct{})}
}

func (w *wave) dropTask(tk taskKey) {
	delete(w.tasks, tk)
}

func (w *wave) stageTombstone(name, key string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.setStaged(name, key, nil)
}

// setStaged records a computed row or tombstone. Caller holds w.mu.
func (w *wave) setStaged(name, key string, r *row.Row) {
	if w.staged[name] == nil {
		w.staged[name] = map[string]*staged{}
	}
	w.staged[name][key] = &staged{row: r}
}

// run distributes the wave tasks to the worker pool and waits for the wave
// to drain. Rows sharing no dependency edge evaluate concurrently; in-wave
// dependencies are forced lazily by the readers that need them.
func (w *wave) run(ctx context.Context) error {
	if len(w.tasks) == 0 {
		return ctx.Err()
	}

	queue := workqueue.NewTyped[taskKey]()
	for tk := range w.tasks {
		queue.Add(tk)
	}
	// The task set is fixed up front: workers drain the queue and stop.
	queue.ShutDown()

	workers := w.eng.workers
	if workers > len(w.tasks) {
		workers = len(w.tasks)
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				tk, shutdown := queue.Get()
				if shutdown {
					return
				}
				w.runTask(ctx, tk)
				queue.Done(tk)
			}
		}()
	}
	wg.Wait()

	return ctx.Err()
}

// runTask claims and evaluates one queued task on a fresh chain. Tasks
// already claimed by a forcing reader are skipped.
func (w *wave) runTask(ctx context.Context, tk taskKey) {
	ch := &chain{}
	w.mu.Lock()
	t := w.tasks[tk]
	if t == nil || t.state != taskPending {
		w.mu.Unlock()
		return
	}
	t.state = taskRunning
	ch.path = append(ch.path, tk)
	w.chains[tk] = ch
	w.mu.Unlock()

	w.evaluate(ctx, ch, tk)
}

// finish marks a task done and releases its waiters. Claimed tasks are
// always finished, even when evaluation bails out early.
func (w *wave) finish(ch *chain, tk taskKey) {
	w.mu.Lock()
	defer w.mu.Unlock()
	t := w.tasks[tk]
	t.state = taskDone
	close(t.done)
	delete(w.chains, tk)
	ch.path = ch.path[:len(ch.path)-1]
}

// evaluate recomputes the outputs of one input row: drop the rows' stale
// reads, run the compiled transformer recording fresh edges, and stage the
// results. Row-local failures are collected; past the failure budget the
// dependent output rows are retracted.
func (w *wave) evaluate(ctx context.Context, ch *chain, tk taskKey) {
	defer w.finish(ch, tk)

	if ctx.Err() != nil {
		return
	}

	e := w.eng
	inst := e.instances[tk.instance]

	in, err := e.store.Read(inst.input, tk.inputKey, w.version)
	if err != nil {
		// The input row is gone at this version: retract its outputs.
		w.mu.Lock()
		for _, ref := range inst.retract(tk.inputKey) {
			w.setStaged(ref.table, ref.key, nil)
		}
		w.mu.Unlock()
		return
	}

	// Forget the previous reads of the rows about to be recomputed so
	// stale edges do not over-invalidate.
	w.mu.Lock()
	prev := []outRef{}
	for _, o := range inst.outputs {
		if outKey, ok := inst.outKeys[o][tk.inputKey]; ok {
			prev = append(prev, outRef{o, outKey})
		} else if !inst.derived[o] {
			prev = append(prev, outRef{o, tk.inputKey})
		}
	}
	w.mu.Unlock()

	e.gmu.Lock()
	for _, ref := range prev {
		e.graph.DropRowConsumers(ref.table, ref.key)
	}
	e.gmu.Unlock()

	deps := transformer.EvalDeps{
		Reader: func(ptr row.Pointer) (*row.Row, error) {
			return w.read(ctx, ch, ptr)
		},
		Record: func(consumer, producer row.Cell) error {
			e.gmu.Lock()
			defer e.gmu.Unlock()
			return e.graph.Record(consumer, producer)
		},
		Log: e.log,
	}

	outs, err := inst.compiled.Evaluate(in, deps)

	w.mu.Lock()
	defer w.mu.Unlock()

	if err != nil {
		w.res.RowErrors = append(w.res.RowErrors, RowError{
			Instance: inst.name, Table: inst.input, Key: tk.inputKey, Err: err,
		})
		inst.failures[tk.inputKey]++
		e.log.V(2).Info("row evaluation failed", "instance", inst.name,
			"key", tk.inputKey, "failures", inst.failures[tk.inputKey],
			"error", err.Error())

		if inst.failures[tk.inputKey] >= e.budget {
			for _, ref := range inst.retract(tk.inputKey) {
				w.setStaged(ref.table, ref.key, nil)
			}
		}
		return
	}

	delete(inst.failures, tk.inputKey)
	for o, r := range outs {
		if prevKey, moved := inst.record(o, tk.inputKey, r.Key()); moved {
			// The derived key changed: the old output row goes away.
			w.setStaged(o, prevKey, nil)
		}
		w.setStaged(o, r.Key(), r)
	}
}

// read is the wave's snapshot resolver. Source tables are read at the wave's
// base version. Output tables are served from the wave's staged rows; a
// target that is invalidated but not yet recomputed is forced lazily: the
// reader claims an unclaimed producer and evaluates it inline, or parks on
// the owner's completion. A wait that would close a cycle in the waits-for
// graph is surfaced as CyclicDependencyError instead of deadlocking.
func (w *wave) read(ctx context.Context, ch *chain, ptr row.Pointer) (*row.Row, error) {
	e := w.eng
	name, key := ptr.Table(), ptr.Key()

	inst, isOutput := e.byOutput[name]
	if !isOutput {
		r, err := e.store.Read(name, key, w.version)
		if err != nil {
			return nil, table.NewResolutionError(ptr, err)
		}
		return r, nil
	}

	for {
		w.mu.Lock()

		if st, ok := w.staged[name][key]; ok {
			w.mu.Unlock()
			if st.row == nil {
				return nil, table.NewResolutionError(ptr,
					table.NewNotFoundError(name, key))
			}
			return st.row, nil
		}

		ik, ok := inst.inputKeyFor(name, key)
		if !ok {
			w.mu.Unlock()
			return w.readStored(ptr)
		}

		tk := taskKey{inst.name, ik}
		t := w.tasks[tk]
		if t == nil || t.state == taskDone {
			// Not invalidated this wave, or already recomputed
			// without producing this row.
			w.mu.Unlock()
			return w.readStored(ptr)
		}

		if t.state == taskPending {
			// Claim and force inline on this goroutine.
			t.state = taskRunning
			ch.path = append(ch.path, tk)
			w.chains[tk] = ch
			w.mu.Unlock()
			w.evaluate(ctx, ch, tk)
			continue
		}

		// Owned by another goroutine: park, unless the wait closes a
		// cycle.
		if w.closesCycle(ch, w.chains[tk]) {
			w.mu.Unlock()
			return nil, graph.NewCyclicDependencyError(row.PresenceCell(name, key))
		}
		ch.waitingOn = &tk
		done := t.done
		w.mu.Unlock()

		select {
		case <-done:
		case <-ctx.Done():
			w.mu.Lock()
			ch.waitingOn = nil
			w.mu.Unlock()
			return nil, ctx.Err()
		}

		w.mu.Lock()
		ch.waitingOn = nil
		w.mu.Unlock()
	}
}

// closesCycle walks the waits-for edges from the owner chain; parking would
// deadlock exactly when the walk reaches the waiter's own chain. Caller
// holds w.mu.
func (w *wave) closesCycle(ch, owner *chain) bool {
	for i := 0; owner != nil && i <= len(w.tasks); i++ {
		if owner == ch {
			return true
		}
		if owner.waitingOn == nil {
			return false
		}
		owner = w.chains[*owner.waitingOn]
	}
	return false
}

// readStored reads the latest live row, for output rows settled before this
// wave.
func (w *wave) readStored(ptr row.Pointer) (*row.Row, error) {
	r, err := w.eng.store.Get(ptr.Table(), ptr.Key())
	if err != nil {
		return nil, table.NewResolutionError(ptr, err)
	}
	return r, nil
}

// apply commits the staged rows of the wave as one store transaction,
// suppressing semantically unchanged emissions. An aborted wave publishes
// nothing, even when the outputs span several tables.
func (w *wave) apply(ctx context.Context) ([]*table.Batch, error) {
	e := w.eng
	all := map[string][]table.Delta{}

	for _, name := range sortedKeys(w.staged) {
		rows := w.staged[name]
		deltas := []table.Delta{}

		for _, key := range sortedKeys(rows) {
			st := rows[key]
			cur, err := e.store.Get(name, key)
			live := err == nil

			switch {
			case st.row == nil:
				if live {
					deltas = append(deltas, table.Delta{Type: table.Deleted, Row: cur})
				}
			case !live:
				deltas = append(deltas, table.Delta{Type: table.Added, Row: st.row})
			case !row.DeepEqual(cur, st.row):
				deltas = append(deltas, table.Delta{Type: table.Updated, Row: st.row})
			}
		}

		if len(deltas) > 0 {
			all[name] = deltas
		}
	}

	if len(all) == 0 {
		return nil, nil
	}

	committed, err := e.store.ApplyAll(ctx, all)
	if err != nil {
		return nil, err
	}

	batches := []*table.Batch{}
	for _, b := range committed {
		if len(b.Deltas) > 0 {
			batches = append(batches, b)
		}
		e.log.V(2).Info("output batch applied", "table", b.Table,
			"version", b.Version, "deltas", len(b.Deltas))
	}

	return batches, nil
}

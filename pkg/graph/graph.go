// Package graph implements the dependency graph builder: a directed graph of
// (table, row key, attribute) cells recording, per evaluated output cell,
// exactly which cells the evaluation read. Invalidation is reverse
// reachability over the recorded edges.
package graph

import (
	"fmt"

	"github.com/go-logr/logr"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/l7mp/dtable/internal/dag"
	"github.com/l7mp/dtable/pkg/row"
)

// DefaultMaxWave is the default bound on the size of one invalidation wave.
const DefaultMaxWave = 65536

// Options configures a builder.
type Options struct {
	// Logger is the logger of the builder. Default is to discard logs.
	Logger logr.Logger
	// MaxWave bounds the number of cells one invalidation may visit.
	// Default is DefaultMaxWave.
	MaxWave int
}

// Builder owns the cell dependency edges. Edges run from consumer to
// producer; cells are back-references into the table store, the builder
// never holds row data.
//
// The builder is not safe for concurrent use: the recomputation engine
// serializes access per wave.
type Builder struct {
	graph *dag.Graph[row.Cell]
	// rows indexes the cells of each table/key pair so that a whole row
	// can be forgotten without scanning the graph.
	rows    map[string]sets.Set[row.Cell]
	maxWave int
	log     logr.Logger
}

// New creates an empty builder.
func New(opts Options) *Builder {
	logger := opts.Logger
	if logger.GetSink() == nil {
		logger = logr.Discard()
	}
	maxWave := opts.MaxWave
	if maxWave <= 0 {
		maxWave = DefaultMaxWave
	}

	return &Builder{
		graph:   dag.New[row.Cell](),
		rows:    map[string]sets.Set[row.Cell]{},
		maxWave: maxWave,
		log:     logger.WithName("depgraph"),
	}
}

func rowIndexKey(table, key string) string { return table + "/" + key }

// Record adds a dependency edge: the evaluation of the consumer cell read the
// producer cell. A direct self-edge fails with CyclicDependencyError.
func (b *Builder) Record(consumer, producer row.Cell) error {
	if consumer == producer {
		return NewCyclicDependencyError(consumer)
	}

	b.log.V(8).Info("recording dependency", "consumer", consumer.String(),
		"producer", producer.String())

	b.graph.AddEdge(consumer, producer)
	b.indexCell(consumer)
	b.indexCell(producer)

	return nil
}

func (b *Builder) indexCell(c row.Cell) {
	k := rowIndexKey(c.Table, c.Key)
	if _, ok := b.rows[k]; !ok {
		b.rows[k] = sets.New[row.Cell]()
	}
	b.rows[k].Insert(c)
}

// Invalidate returns the set of cells transitively affected by a change to
// the producer cell: reverse reachability over the recorded edges. The
// traversal is a visited-set BFS, so it terminates on arbitrary chains. If
// the producer is reachable from itself the traversal fails with
// CyclicDependencyError instead of looping; if it visits more cells than the
// configured bound it fails with RecomputationOverrunError.
//
// Complexity: if a row's output attribute reads d distinct other rows'
// attributes, one upstream change invalidates up to O(d) downstream cells
// per affected row, and a full-table change costs up to O(n*d) for table
// size n. When d scales with n the worst case is O(n^2). This
// quadratic-in-dependency-count behavior is a documented property of the
// model, not a bug; the bound is enforced per wave, with no amortization
// across batches.
func (b *Builder) Invalidate(producer row.Cell) (sets.Set[row.Cell], error) {
	affected := sets.New[row.Cell]()

	var traversalErr error
	dag.BFS(producer, b.graph.Preds, func(c row.Cell) bool {
		if c == producer {
			traversalErr = NewCyclicDependencyError(producer)
			return false
		}
		affected.Insert(c)
		if affected.Len() > b.maxWave {
			traversalErr = NewRecomputationOverrunError(producer, b.maxWave)
			return false
		}
		return true
	})
	if traversalErr != nil {
		return nil, fmt.Errorf("invalidation failed: %w", traversalErr)
	}

	b.log.V(4).Info("invalidation ready", "producer", producer.String(),
		"affected", affected.Len())

	return affected, nil
}

// DropConsumer forgets the recorded reads of a consumer cell. Called before
// a cell is re-evaluated so that stale edges do not over-invalidate.
func (b *Builder) DropConsumer(consumer row.Cell) {
	for _, producer := range b.graph.Succs(consumer) {
		b.graph.DelEdge(consumer, producer)
		b.pruneCell(producer)
	}
	b.pruneCell(consumer)
}

// DropRowConsumers forgets the recorded reads of every cell of a row but
// keeps the edges of other rows reading it. Called before a whole row is
// re-evaluated.
func (b *Builder) DropRowConsumers(table, key string) {
	k := rowIndexKey(table, key)
	for c := range b.rows[k].Clone() {
		b.DropConsumer(c)
	}
}

// DropRow forgets every cell of a row, consumer and producer edges alike.
// Called when a row is deleted and its key will never be reused.
func (b *Builder) DropRow(table, key string) {
	k := rowIndexKey(table, key)
	for c := range b.rows[k] {
		b.graph.DelNode(c)
	}
	delete(b.rows, k)
}

// pruneCell drops a cell from the row index once it has no edges left.
func (b *Builder) pruneCell(c row.Cell) {
	if len(b.graph.Succs(c)) > 0 || len(b.graph.Preds(c)) > 0 {
		return
	}
	b.graph.DelNode(c)

	k := rowIndexKey(c.Table, c.Key)
	if cells, ok := b.rows[k]; ok {
		cells.Delete(c)
		if cells.Len() == 0 {
			delete(b.rows, k)
		}
	}
}

// Dependents returns the direct consumers of a producer cell.
func (b *Builder) Dependents(producer row.Cell) sets.Set[row.Cell] {
	return sets.New(b.graph.Preds(producer)...)
}

// Dependencies returns the direct producers read by a consumer cell.
func (b *Builder) Dependencies(consumer row.Cell) sets.Set[row.Cell] {
	return sets.New(b.graph.Succs(consumer)...)
}

// Cells returns every cell currently present in the graph.
func (b *Builder) Cells() []row.Cell {
	return b.graph.Nodes()
}

// Edges calls visit for every recorded (consumer, producer) edge.
func (b *Builder) Edges(visit func(consumer, producer row.Cell)) {
	for _, consumer := range b.graph.Nodes() {
		for _, producer := range b.graph.Succs(consumer) {
			visit(consumer, producer)
		}
	}
}

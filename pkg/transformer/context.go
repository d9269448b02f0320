package transformer

import (
	"fmt"

	"github.com/go-logr/logr"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/l7mp/dtable/pkg/row"
)

// EvalDeps are the capabilities the caller (normally the recomputation
// engine) hands to Evaluate: a snapshot-consistent row reader and a
// dependency recorder. Tests may pass map-backed fakes.
type EvalDeps struct {
	// Reader resolves a pointer to the target row at the version under
	// evaluation. A missing target must fail with table.ResolutionError.
	Reader func(ptr row.Pointer) (*row.Row, error)
	// Record records that the consumer cell read the producer cell. A
	// read closing a cycle fails with graph.CyclicDependencyError.
	Record func(consumer, producer row.Cell) error
	// Log is the evaluation logger. Default is to discard logs.
	Log logr.Logger
}

// EvalContext is the explicit read-only capability handed to attribute
// functions. Every read issued through the context is recorded as a
// dependency edge of the cell currently being computed.
type EvalContext struct {
	input      *row.Row
	inputAttrs sets.Set[string]
	deps       EvalDeps
	// consumer is the cell currently being computed. Reads issued before
	// the output key is known (KeyFrom evaluation) are buffered and
	// flushed once the presence cell is known.
	consumer row.Cell
	pending  []row.Cell
	log      logr.Logger
}

// Key returns the key of the input row under evaluation.
func (ec *EvalContext) Key() string { return ec.input.Key() }

// Get reads a declared input attribute and records the read.
func (ec *EvalContext) Get(attr string) (any, error) {
	if !ec.inputAttrs.Has(attr) {
		return nil, fmt.Errorf("read of undeclared input attribute %q", attr)
	}

	if err := ec.record(ec.input.Cell(attr)); err != nil {
		return nil, err
	}

	v, _ := ec.input.Get(attr)
	return v, nil
}

// Ptr constructs a pointer to a row of a named table.
func (ec *EvalContext) Ptr(table, key string) row.Pointer {
	return row.NewPointer(table, key)
}

// Resolve dereferences a pointer into a remote row view. The target's
// row-presence cell is recorded as read whether or not the target exists, so
// a later insert or delete of the target re-triggers recomputation.
func (ec *EvalContext) Resolve(ptr row.Pointer) (*Peer, error) {
	if err := ec.record(row.PresenceCell(ptr.Table(), ptr.Key())); err != nil {
		return nil, err
	}

	r, err := ec.deps.Reader(ptr)
	if err != nil {
		ec.log.V(4).Info("pointer resolution failed", "pointer", ptr.String(), "error", err.Error())
		return nil, err
	}

	return &Peer{row: r, ec: ec}, nil
}

// Lookup resolves a (table, key) pair directly, Ptr and Resolve combined.
func (ec *EvalContext) Lookup(table, key string) (*Peer, error) {
	return ec.Resolve(row.NewPointer(table, key))
}

// record registers a producer-cell read of the current consumer, buffering
// when no consumer is set yet.
func (ec *EvalContext) record(producer row.Cell) error {
	if ec.consumer == (row.Cell{}) {
		ec.pending = append(ec.pending, producer)
		return nil
	}
	return ec.deps.Record(ec.consumer, producer)
}

// setConsumer switches the cell under evaluation, flushing any buffered
// reads against it.
func (ec *EvalContext) setConsumer(c row.Cell) error {
	ec.consumer = c
	for _, p := range ec.pending {
		if err := ec.deps.Record(c, p); err != nil {
			return err
		}
	}
	ec.pending = nil
	return nil
}

// Peer is the read-only view of a resolved remote row. Attribute reads are
// recorded as dependencies of the cell under evaluation.
type Peer struct {
	row *row.Row
	ec  *EvalContext
}

// Key returns the key of the remote row.
func (p *Peer) Key() string { return p.row.Key() }

// Get reads a remote attribute and records the read. A missing attribute
// reads as nil; the read is recorded either way so a later write to the
// attribute re-triggers recomputation.
func (p *Peer) Get(attr string) (any, error) {
	if err := p.ec.record(p.row.Cell(attr)); err != nil {
		return nil, err
	}

	v, _ := p.row.Get(attr)
	return v, nil
}

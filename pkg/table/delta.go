package table

import (
	toolscache "k8s.io/client-go/tools/cache"

	"github.com/l7mp/dtable/pkg/row"
)

// DeltaType is the operation of a changelog entry.
type DeltaType = toolscache.DeltaType

const (
	Added   = toolscache.Added
	Updated = toolscache.Updated
	Deleted = toolscache.Deleted
	// Sync marks the snapshot replay a watcher receives on attach.
	Sync = toolscache.Sync
)

// Delta registers a change (addition, deletion, etc) on a row. By convention,
// Row is nil if no change occurs.
type Delta struct {
	Type DeltaType
	Row  *row.Row
}

// IsUnchanged tells whether the delta carries no change.
func (d Delta) IsUnchanged() bool { return d.Row == nil }

// Batch is an applied changelog: the ordered deltas that derived one table
// version from the prior one. Batches are immutable after emission.
type Batch struct {
	Table   string
	Version uint64
	Deltas  []Delta
}

// Package table implements the versioned table store: named collections of
// keyed rows with per-key MVCC history, strict atomic changelog application,
// historical snapshots, and buffered changelog watchers.
package table

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/go-logr/logr"
	toolscache "k8s.io/client-go/tools/cache"

	tablev1a1 "github.com/l7mp/dtable/pkg/api/transformer/v1alpha1"
	"github.com/l7mp/dtable/pkg/row"
)

// rowKeyFunc keys the live-row indexers by the stable row key.
func rowKeyFunc(obj any) (string, error) {
	r, ok := obj.(*row.Row)
	if !ok {
		return "", fmt.Errorf("expected a row, got %T", obj)
	}
	return r.Key(), nil
}

// Options configures a store.
type Options struct {
	// Logger is the logger of the store. Default is to discard logs.
	Logger logr.Logger
	// WatchBuffer is the event buffer size of the watchers created on the
	// store. Default is DefaultWatchBuffer.
	WatchBuffer int
}

// entry is one step in the version history of a key. A nil row is a
// tombstone.
type entry struct {
	version uint64
	row     *row.Row
}

// tableState holds one registered table: the schema, the per-key version
// history, and the live-row index.
type tableState struct {
	name    string
	schema  *tablev1a1.Schema
	history map[string][]entry
	live    toolscache.Indexer
	version uint64
}

// Store is a versioned in-process table store. A single store-wide version
// counter orders all applied batches; a table's version is the store version
// of its last applied batch. Rows handed out by the store are deep copies:
// reads at a given version are stable and never mutate.
type Store struct {
	mu       sync.RWMutex
	version  uint64
	tables   map[string]*tableState
	watchers map[string][]*Watcher
	opts     Options
	log      logr.Logger
}

// New creates an empty store.
func New(opts Options) *Store {
	logger := opts.Logger
	if logger.GetSink() == nil {
		logger = logr.Discard()
	}
	if opts.WatchBuffer <= 0 {
		opts.WatchBuffer = DefaultWatchBuffer
	}

	return &Store{
		tables:   make(map[string]*tableState),
		watchers: make(map[string][]*Watcher),
		opts:     opts,
		log:      logger.WithName("store"),
	}
}

// RegisterTable registers a named table under a schema. Re-registering an
// identical table is a no-op; a conflicting schema under the same name is an
// error.
func (s *Store) RegisterTable(name string, schema *tablev1a1.Schema) error {
	if name == "" {
		return fmt.Errorf("empty table name")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if t, exists := s.tables[name]; exists {
		if t.schema.String() == schema.String() {
			s.log.V(8).Info("refusing to re-register table: already exists", "table", name)
			return nil
		}
		return fmt.Errorf("table %q already registered with a different schema", name)
	}

	s.log.V(1).Info("registering table", "table", name, "schema", schema.String())

	s.tables[name] = &tableState{
		name:    name,
		schema:  schema.DeepCopy(),
		history: make(map[string][]entry),
		live:    toolscache.NewIndexer(rowKeyFunc, toolscache.Indexers{}),
	}

	return nil
}

// Schema returns the registered schema of a table.
func (s *Store) Schema(name string) (*tablev1a1.Schema, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, exists := s.tables[name]
	if !exists {
		return nil, NewNotFoundError(name, "")
	}
	return t.schema.DeepCopy(), nil
}

// Tables returns the names of the registered tables.
func (s *Store) Tables() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.tables))
	for name := range s.tables {
		names = append(names, name)
	}
	return names
}

// Version returns the current store version: the logical timestamp of the
// last applied batch.
func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// TableVersion returns the store version of the last batch applied to the
// named table.
func (s *Store) TableVersion(name string) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, exists := s.tables[name]
	if !exists {
		return 0, NewNotFoundError(name, "")
	}
	return t.version, nil
}

// Apply stages, validates and atomically commits a changelog onto a table,
// advancing the store version by one. Validation is strict: an Added delta on
// a live key fails with AlreadyExistsError and an Updated or Deleted delta on
// a missing key fails with NotFoundError, and on any validation error nothing
// commits. Updated deltas whose new value is semantically unchanged are
// dropped from the emitted batch. The applied batch is delivered to every
// watcher of the table.
func (s *Store) Apply(ctx context.Context, name string, deltas []Delta) (*Batch, error) {
	s.mu.Lock()

	t, exists := s.tables[name]
	if !exists {
		s.mu.Unlock()
		return nil, NewNotFoundError(name, "")
	}

	// Stage: validate the whole batch against the live set before touching
	// anything.
	staged, err := t.stage(deltas)
	if err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("failed to apply batch to table %q: %w", name, err)
	}

	if err := ctx.Err(); err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("batch aborted on table %q: %w", name, err)
	}

	// Commit under the same critical section: the version advance and the
	// row writes are atomic.
	batch, watchers := s.commitLocked(t, staged)

	s.mu.Unlock()

	s.log.V(2).Info("batch applied", "table", name, "version", batch.Version,
		"deltas", len(batch.Deltas))

	for _, w := range watchers {
		w.send(batch)
	}

	return batch, nil
}

// ApplyAll stages, validates and commits changelogs onto several tables as
// one transaction. Every table's batch is validated before anything commits,
// so a failing batch, an unknown table, or a cancelled context publishes
// nothing. On success the tables commit in name order, each advancing the
// store version by one, and every batch reaches its table's watchers.
func (s *Store) ApplyAll(ctx context.Context, deltas map[string][]Delta) ([]*Batch, error) {
	names := make([]string, 0, len(deltas))
	for name := range deltas {
		names = append(names, name)
	}
	sort.Strings(names)

	s.mu.Lock()

	type stagedTable struct {
		t      *tableState
		staged []stagedDelta
	}
	stagedTables := make([]stagedTable, 0, len(names))
	for _, name := range names {
		t, exists := s.tables[name]
		if !exists {
			s.mu.Unlock()
			return nil, NewNotFoundError(name, "")
		}
		staged, err := t.stage(deltas[name])
		if err != nil {
			s.mu.Unlock()
			return nil, fmt.Errorf("failed to apply batch to table %q: %w", name, err)
		}
		stagedTables = append(stagedTables, stagedTable{t: t, staged: staged})
	}

	if err := ctx.Err(); err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("transaction aborted: %w", err)
	}

	batches := make([]*Batch, 0, len(stagedTables))
	delivery := make([][]*Watcher, 0, len(stagedTables))
	for _, st := range stagedTables {
		batch, watchers := s.commitLocked(st.t, st.staged)
		batches = append(batches, batch)
		delivery = append(delivery, watchers)
	}

	s.mu.Unlock()

	for i, batch := range batches {
		s.log.V(2).Info("batch applied", "table", batch.Table, "version", batch.Version,
			"deltas", len(batch.Deltas))
		for _, w := range delivery[i] {
			w.send(batch)
		}
	}

	return batches, nil
}

// commitLocked writes one staged batch into a table's history and live index
// and snapshots the watchers the batch must reach. Caller holds s.mu.
func (s *Store) commitLocked(t *tableState, staged []stagedDelta) (*Batch, []*Watcher) {
	s.version++
	t.version = s.version

	batch := &Batch{Table: t.name, Version: s.version, Deltas: make([]Delta, 0, len(staged))}
	for _, d := range staged {
		t.history[d.Row.Key()] = append(t.history[d.Row.Key()], entry{
			version: s.version,
			row:     d.stored,
		})

		switch d.Type {
		case Added:
			t.live.Add(d.stored) //nolint:errcheck
		case Updated:
			t.live.Update(d.stored) //nolint:errcheck
		case Deleted:
			t.live.Delete(d.Row) //nolint:errcheck
		}

		batch.Deltas = append(batch.Deltas, Delta{Type: d.Type, Row: d.Row.DeepCopy()})
	}

	watchers := make([]*Watcher, len(s.watchers[t.name]))
	copy(watchers, s.watchers[t.name])

	return batch, watchers
}

// stagedDelta is a validated delta: Row is the caller's row, stored is the
// deep copy that enters the history (nil for a tombstone).
type stagedDelta struct {
	Delta
	stored *row.Row
}

func (t *tableState) stage(deltas []Delta) ([]stagedDelta, error) {
	staged := make([]stagedDelta, 0, len(deltas))

	// Track the keys the batch itself adds or deletes so that validation
	// sees the in-batch state, not just the committed one.
	pending := make(map[string]bool)

	liveRow := func(key string) (*row.Row, bool) {
		if touched, ok := pending[key]; ok {
			return nil, touched
		}
		obj, exists, err := t.live.GetByKey(key)
		if err != nil || !exists {
			return nil, false
		}
		return obj.(*row.Row), true
	}

	for _, d := range deltas {
		if d.Row == nil {
			return nil, fmt.Errorf("empty row in %s delta", d.Type)
		}
		if d.Row.Table() != t.name {
			return nil, fmt.Errorf("row %s in %s delta belongs to another table", d.Row, d.Type)
		}
		key := d.Row.Key()

		switch d.Type {
		case Added:
			if _, live := liveRow(key); live {
				return nil, NewAlreadyExistsError(t.name, key)
			}
			pending[key] = true
			staged = append(staged, stagedDelta{Delta: d, stored: d.Row.DeepCopy()})

		case Updated:
			old, live := liveRow(key)
			if !live {
				return nil, NewNotFoundError(t.name, key)
			}
			if row.DeepEqual(old, d.Row) {
				// No semantic change: suppress the duplicate event.
				continue
			}
			pending[key] = true
			staged = append(staged, stagedDelta{Delta: d, stored: d.Row.DeepCopy()})

		case Deleted:
			if _, live := liveRow(key); !live {
				return nil, NewNotFoundError(t.name, key)
			}
			pending[key] = false
			staged = append(staged, stagedDelta{Delta: d, stored: nil})

		default:
			return nil, fmt.Errorf("unexpected delta type %s", d.Type)
		}
	}

	return staged, nil
}

// Get returns the latest live row under a key.
func (s *Store) Get(name, key string) (*row.Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, exists := s.tables[name]
	if !exists {
		return nil, NewNotFoundError(name, "")
	}

	obj, exists, err := t.live.GetByKey(key)
	if err != nil || !exists {
		return nil, NewNotFoundError(name, key)
	}
	return obj.(*row.Row).DeepCopy(), nil
}

// List returns the latest live rows of a table.
func (s *Store) List(name string) ([]*row.Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, exists := s.tables[name]
	if !exists {
		return nil, NewNotFoundError(name, "")
	}

	objs := t.live.List()
	rows := make([]*row.Row, 0, len(objs))
	for _, obj := range objs {
		rows = append(rows, obj.(*row.Row).DeepCopy())
	}
	return rows, nil
}

// Read returns the row stored under a key as of the given store version: the
// newest history entry at or below the version. Deleted keys and keys not
// yet inserted at the version fail with NotFoundError.
func (s *Store) Read(name, key string, version uint64) (*row.Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, exists := s.tables[name]
	if !exists {
		return nil, NewNotFoundError(name, "")
	}

	r := readAt(t.history[key], version)
	if r == nil {
		return nil, NewNotFoundError(name, key)
	}
	return r.DeepCopy(), nil
}

// Snapshot returns the full row set of a table as of the given store
// version. The returned rows are stable: they are copies that never mutate.
func (s *Store) Snapshot(name string, version uint64) ([]*row.Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, exists := s.tables[name]
	if !exists {
		return nil, NewNotFoundError(name, "")
	}

	rows := []*row.Row{}
	for key := range t.history {
		if r := readAt(t.history[key], version); r != nil {
			rows = append(rows, r.DeepCopy())
		}
	}
	return rows, nil
}

// readAt returns the newest entry at or below the version, or nil if the key
// does not exist (or is a tombstone) at that version. History entries are
// appended in version order so a backward scan finds the newest first.
func readAt(history []entry, version uint64) *row.Row {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].version <= version {
			return history[i].row
		}
	}
	return nil
}

// Watch returns a changelog stream on a table. The watcher first receives the
// current snapshot as a single Sync batch, then every applied batch in order.
// The watcher is stopped when the context is cancelled.
func (s *Store) Watch(ctx context.Context, name string) (*Watcher, error) {
	s.mu.Lock()

	t, exists := s.tables[name]
	if !exists {
		s.mu.Unlock()
		return nil, NewNotFoundError(name, "")
	}

	w := newWatcher(s.opts.WatchBuffer, s.log)

	// Replay the current snapshot as a Sync batch so the watcher needs no
	// synthetic source change to see pre-existing rows.
	sync := &Batch{Table: name, Version: t.version}
	for _, obj := range t.live.List() {
		sync.Deltas = append(sync.Deltas, Delta{Type: Sync, Row: obj.(*row.Row).DeepCopy()})
	}
	w.send(sync)

	s.watchers[name] = append(s.watchers[name], w)
	s.mu.Unlock()

	s.log.V(4).Info("watch: adding watcher", "table", name)

	go func() {
		<-ctx.Done()
		s.log.V(4).Info("stopping watcher", "table", name)
		s.removeWatcher(name, w)
		w.Stop()
	}()

	return w, nil
}

func (s *Store) removeWatcher(name string, w *Watcher) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ws := s.watchers[name]
	for i := range ws {
		if ws[i] == w {
			ws[i] = ws[len(ws)-1]
			s.watchers[name] = ws[:len(ws)-1]
			break
		}
	}
}

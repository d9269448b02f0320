package testutils

import (
	"time"

	"github.com/l7mp/dtable/pkg/row"
)

// Shared fixture rows for the test suites.

// WatchTimeout bounds how long a test waits for a watch event.
const WatchTimeout = time.Second

// WordRows is the input of the map scenario: a tiny keyed table of words.
func WordRows() []*row.Row {
	return []*row.Row{
		row.FromContent("words", "0", row.Content{"word": "x"}),
		row.FromContent("words", "1", row.Content{"word": "y"}),
		row.FromContent("words", "2", row.Content{"word": "z"}),
	}
}

// ValueRow is the pointer-sum target: a single row holding a number.
func ValueRow(key string, value int64) *row.Row {
	return row.FromContent("values", key, row.Content{"value": value})
}

// LinkedRow is the pointer-sum source: a row holding a number and a pointer
// into the values table.
func LinkedRow(key string, value int64, target string) *row.Row {
	return row.FromContent("linked", key, row.Content{
		"value": value,
		"peer":  row.NewPointer("values", target),
	})
}

// TreeRow is a node of the recursive tree scenario: a row naming its parent
// in the same input table (empty parent marks the root).
func TreeRow(key, parent string) *row.Row {
	return row.FromContent("nodes", key, row.Content{"parent": parent})
}

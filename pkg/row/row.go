// Package row implements the data model of the engine: keyed rows with
// unstructured content, typed cross-table pointers, and the (table, key,
// attribute) cells used for dependency tracking.
//
// Row content follows JSON conventions: values are maps, lists, int64,
// float64, string, bool or nil, plus Pointer values for cross-table
// references. Rows are copy-on-write: once a row is handed to the table
// store it must never be mutated, updates go through DeepCopy.
package row

import (
	"fmt"

	"k8s.io/apimachinery/pkg/api/equality"
)

// Content is the unstructured payload of a row.
type Content = map[string]any

// Row is a keyed record within a named table. The key is stable across
// updates to the same logical entity and is never reused after deletion.
type Row struct {
	table   string
	key     string
	content Content
}

// New creates an empty row for a table under the given key.
func New(table, key string) *Row {
	return &Row{table: table, key: key, content: Content{}}
}

// FromContent creates a row holding a deep copy of the given content.
func FromContent(table, key string, content Content) *Row {
	return &Row{table: table, key: key, content: DeepCopyContent(content)}
}

// Table returns the name of the table the row belongs to.
func (r *Row) Table() string { return r.table }

// Key returns the stable row key.
func (r *Row) Key() string { return r.key }

// Content returns the raw content of the row. Callers must treat the
// returned map as read-only; boundaries that need to retain content use
// DeepCopy.
func (r *Row) Content() Content {
	if r.content == nil {
		return Content{}
	}
	return r.content
}

// Get returns the value of an attribute.
func (r *Row) Get(attr string) (any, bool) {
	v, ok := r.content[attr]
	return v, ok
}

// Set writes an attribute value. Set is for building rows before they are
// published; stored rows are immutable.
func (r *Row) Set(attr string, value any) {
	if r.content == nil {
		r.content = Content{}
	}
	r.content[attr] = value
}

// Attrs returns the attribute names present in the row.
func (r *Row) Attrs() []string {
	attrs := make([]string, 0, len(r.content))
	for a := range r.content {
		attrs = append(attrs, a)
	}
	return attrs
}

// Cell returns the cell naming the given attribute of this row.
func (r *Row) Cell(attr string) Cell {
	return Cell{Table: r.table, Key: r.key, Attr: attr}
}

// DeepCopy returns a full copy of the row that shares no structure with the
// original.
func (r *Row) DeepCopy() *Row {
	if r == nil {
		return nil
	}
	return &Row{table: r.table, key: r.key, content: DeepCopyContent(r.content)}
}

// WithTable returns a copy of the row re-homed into another table. Used when
// input attributes are carried over verbatim into an output table.
func (r *Row) WithTable(table string) *Row {
	out := r.DeepCopy()
	out.table = table
	return out
}

// String returns a short diagnostic form. The content rendering is for logs
// only and is not a stable encoding.
func (r *Row) String() string {
	if r == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s/%s:%v", r.table, r.key, r.content)
}

// DeepEqual compares two rows for semantic equality of identity and content.
func DeepEqual(a, b *Row) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.table != b.table || a.key != b.key {
		return false
	}
	return ValueEqual(a.content, b.content)
}

// ValueEqual compares two content values semantically. Containers recurse,
// pointers compare by target identity (the native type and the JSON wrapper
// form are interchangeable), and leaves fall back to apimachinery semantic
// equality for its numeric conversions. The apimachinery comparator cannot be
// used on whole content directly: it refuses the unexported fields of Pointer.
func ValueEqual(a, b any) bool {
	if ap, ok := AsPointer(a); ok {
		bp, ok := AsPointer(b)
		return ok && ap == bp
	}
	if _, ok := AsPointer(b); ok {
		return false
	}

	switch av := a.(type) {
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, sub := range av {
			bsub, ok := bv[k]
			if !ok || !ValueEqual(sub, bsub) {
				return false
			}
		}
		return true

	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !ValueEqual(av[i], bv[i]) {
				return false
			}
		}
		return true

	default:
		if _, ok := b.(map[string]any); ok {
			return false
		}
		if _, ok := b.([]any); ok {
			return false
		}
		return equality.Semantic.DeepEqual(a, b)
	}
}

// DeepCopyContent deep-copies row content. Unlike the JSON deep-copier of
// apimachinery it tolerates Pointer values, which are immutable and copied
// as-is.
func DeepCopyContent(content Content) Content {
	if content == nil {
		return nil
	}
	return deepCopyValue(content).(Content)
}

func deepCopyValue(val any) any {
	switch v := val.(type) {
	case map[string]any:
		result := make(map[string]any, len(v))
		for k, subVal := range v {
			result[k] = deepCopyValue(subVal)
		}
		return result

	case []any:
		result := make([]any, len(v))
		for i, subVal := range v {
			result[i] = deepCopyValue(subVal)
		}
		return result

	case Pointer:
		// Pointers are immutable value types.
		return v

	default:
		// Primitives (int64, float64, string, bool, nil) are copied
		// directly, as is anything else that sneaks in.
		return v
	}
}

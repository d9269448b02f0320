package row

import (
	"fmt"

	"k8s.io/apimachinery/pkg/util/json"
)

// pointerField is the wrapper key of the JSON form of a pointer. The JSON
// form exists for logging and declarative literals; it is not a stability
// contract for callers.
const pointerField = "$ptr"

// Pointer is an opaque typed reference to a row of a named table. A pointer
// never owns its target: resolution fails cleanly when the target key no
// longer exists.
type Pointer struct {
	table string
	key   string
}

// NewPointer creates a pointer to the given key of a named table.
func NewPointer(table, key string) Pointer {
	return Pointer{table: table, key: key}
}

// Table returns the name of the target table.
func (p Pointer) Table() string { return p.table }

// Key returns the target row key.
func (p Pointer) Key() string { return p.key }

// IsZero reports whether the pointer is unset.
func (p Pointer) IsZero() bool { return p.table == "" && p.key == "" }

// Cell returns the cell naming an attribute of the target row.
func (p Pointer) Cell(attr string) Cell {
	return Cell{Table: p.table, Key: p.key, Attr: attr}
}

func (p Pointer) String() string {
	return fmt.Sprintf("%s/%s", p.table, p.key)
}

func (p Pointer) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]any{
		pointerField: map[string]any{"table": p.table, "key": p.key},
	})
}

func (p *Pointer) UnmarshalJSON(b []byte) error {
	var wrapper map[string]map[string]string
	if err := json.Unmarshal(b, &wrapper); err != nil {
		return err
	}
	ref, ok := wrapper[pointerField]
	if !ok {
		return fmt.Errorf("not a pointer: %q", string(b))
	}
	p.table, p.key = ref["table"], ref["key"]
	return nil
}

// AsPointer extracts a pointer from an attribute value. It accepts both the
// native Pointer type and the JSON wrapper form produced by MarshalJSON.
func AsPointer(val any) (Pointer, bool) {
	switch v := val.(type) {
	case Pointer:
		return v, true
	case *Pointer:
		if v != nil {
			return *v, true
		}
	case map[string]any:
		ref, ok := v[pointerField].(map[string]any)
		if !ok || len(v) != 1 {
			return Pointer{}, false
		}
		table, ok1 := ref["table"].(string)
		key, ok2 := ref["key"].(string)
		if ok1 && ok2 {
			return Pointer{table: table, key: key}, true
		}
	}
	return Pointer{}, false
}

// Package v1alpha1 contains the declarative API of the engine: table schemas
// and transformer definitions. Artifacts in this API are plain JSON/YAML
// documents decoded with sigs.k8s.io/yaml.
package v1alpha1

import (
	"k8s.io/apimachinery/pkg/util/json"
)

// ColumnType is the semantic type of a column.
type ColumnType string

const (
	// ColumnTypeString is a UTF-8 string column.
	ColumnTypeString ColumnType = "string"
	// ColumnTypeInt is a 64-bit integer column.
	ColumnTypeInt ColumnType = "int"
	// ColumnTypeFloat is a 64-bit floating point column.
	ColumnTypeFloat ColumnType = "float"
	// ColumnTypeBool is a boolean column.
	ColumnTypeBool ColumnType = "bool"
	// ColumnTypePointer is a typed reference to a row of a named table.
	ColumnTypePointer ColumnType = "pointer"
	// ColumnTypeList is an ordered list column.
	ColumnTypeList ColumnType = "list"
	// ColumnTypeMap is a string-keyed map column.
	ColumnTypeMap ColumnType = "map"
	// ColumnTypeAny is an unconstrained column.
	ColumnTypeAny ColumnType = "any"
)

// Column declares a single named, typed attribute of a table schema.
type Column struct {
	// Name is the attribute name. Mandatory.
	Name string `json:"name"`
	// Type is the semantic type of the attribute. Default is "any".
	Type ColumnType `json:"type,omitempty"`
}

// Schema declares the shape of a table: an ordered list of named, typed
// columns. Column order is the declaration order.
type Schema struct {
	Columns []Column `json:"columns"`
}

// Has reports whether the schema declares the named column.
func (s *Schema) Has(name string) bool {
	if s == nil {
		return false
	}
	for _, c := range s.Columns {
		if c.Name == name {
			return true
		}
	}
	return false
}

// Names returns the declared column names in declaration order.
func (s *Schema) Names() []string {
	if s == nil {
		return nil
	}
	names := make([]string, 0, len(s.Columns))
	for _, c := range s.Columns {
		names = append(names, c.Name)
	}
	return names
}

// WithColumn returns a copy of the schema extended with a column. Existing
// columns with the same name are left in place.
func (s *Schema) WithColumn(name string, typ ColumnType) *Schema {
	out := s.DeepCopy()
	if out == nil {
		out = &Schema{}
	}
	if out.Has(name) {
		return out
	}
	out.Columns = append(out.Columns, Column{Name: name, Type: typ})
	return out
}

// DeepCopy returns a full copy of the schema.
func (s *Schema) DeepCopy() *Schema {
	if s == nil {
		return nil
	}
	out := &Schema{Columns: make([]Column, len(s.Columns))}
	copy(out.Columns, s.Columns)
	return out
}

func (s *Schema) String() string {
	b, err := json.Marshal(s)
	if err != nil {
		return ""
	}
	return string(b)
}

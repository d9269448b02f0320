package row

import "fmt"

// Cell names a single (table, row key, attribute) value, the unit of
// dependency tracking. The empty attribute names the row-presence cell,
// which stands for the existence of the row rather than any of its values:
// inserting or deleting the key touches the presence cell.
type Cell struct {
	Table string
	Key   string
	Attr  string
}

// NewCell creates a cell for an attribute of a keyed row.
func NewCell(table, key, attr string) Cell {
	return Cell{Table: table, Key: key, Attr: attr}
}

// PresenceCell returns the cell standing for the existence of a row.
func PresenceCell(table, key string) Cell {
	return Cell{Table: table, Key: key}
}

// IsPresence reports whether the cell is a row-presence cell.
func (c Cell) IsPresence() bool { return c.Attr == "" }

func (c Cell) String() string {
	if c.IsPresence() {
		return fmt.Sprintf("%s/%s", c.Table, c.Key)
	}
	return fmt.Sprintf("%s/%s.%s", c.Table, c.Key, c.Attr)
}

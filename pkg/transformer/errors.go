package transformer

import (
	"errors"
	"fmt"
)

// BindingError is returned when a definition cannot be bound against the
// input table's schema: undeclared input attributes, attribute or table name
// collisions, or a missing attribute function. A BindingError is fatal to the
// offending definition only.
type BindingError struct {
	Definition string
	Reason     string
}

func NewBindingError(definition, format string, args ...any) error {
	return &BindingError{Definition: definition, Reason: fmt.Sprintf(format, args...)}
}

func (e *BindingError) Error() string {
	return fmt.Sprintf("cannot bind definition %q: %s", e.Definition, e.Reason)
}

// IsBinding tells whether an error chain contains a BindingError.
func IsBinding(err error) bool {
	var e *BindingError
	return errors.As(err, &e)
}

package table

import (
	"errors"
	"fmt"

	"github.com/l7mp/dtable/pkg/row"
)

// NotFoundError is returned when a table, or a row key within a table, does
// not exist at the requested version.
type NotFoundError struct {
	Table string
	Key   string
}

func NewNotFoundError(table, key string) error {
	return &NotFoundError{Table: table, Key: key}
}

func (e *NotFoundError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("table %q not found", e.Table)
	}
	return fmt.Sprintf("row %s/%s not found", e.Table, e.Key)
}

// IsNotFound tells whether an error chain contains a NotFoundError.
func IsNotFound(err error) bool {
	var e *NotFoundError
	return errors.As(err, &e)
}

// AlreadyExistsError is returned when an Added delta names a key that is
// still live in the target table.
type AlreadyExistsError struct {
	Table string
	Key   string
}

func NewAlreadyExistsError(table, key string) error {
	return &AlreadyExistsError{Table: table, Key: key}
}

func (e *AlreadyExistsError) Error() string {
	return fmt.Sprintf("row %s/%s already exists", e.Table, e.Key)
}

// IsAlreadyExists tells whether an error chain contains an AlreadyExistsError.
func IsAlreadyExists(err error) bool {
	var e *AlreadyExistsError
	return errors.As(err, &e)
}

// ResolutionError is returned when a pointer target is missing or deleted.
// Resolution errors are row-local: the dependent cell fails, the batch goes
// on.
type ResolutionError struct {
	Pointer row.Pointer
	Err     error
}

func NewResolutionError(ptr row.Pointer, err error) error {
	return &ResolutionError{Pointer: ptr, Err: err}
}

func (e *ResolutionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("cannot resolve pointer %s", e.Pointer)
	}
	return fmt.Sprintf("cannot resolve pointer %s: %s", e.Pointer, e.Err.Error())
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// IsResolutionError tells whether an error chain contains a ResolutionError.
func IsResolutionError(err error) bool {
	var e *ResolutionError
	return errors.As(err, &e)
}

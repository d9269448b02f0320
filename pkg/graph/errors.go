package graph

import (
	"errors"
	"fmt"

	"github.com/l7mp/dtable/pkg/row"
)

// CyclicDependencyError is returned when a cell transitively depends on
// itself. The offending row fails, the batch goes on.
type CyclicDependencyError struct {
	Cell row.Cell
}

func NewCyclicDependencyError(cell row.Cell) error {
	return &CyclicDependencyError{Cell: cell}
}

func (e *CyclicDependencyError) Error() string {
	return fmt.Sprintf("cell %s depends on itself", e.Cell)
}

// IsCyclicDependency tells whether an error chain contains a
// CyclicDependencyError.
func IsCyclicDependency(err error) bool {
	var e *CyclicDependencyError
	return errors.As(err, &e)
}

// RecomputationOverrunError is returned when an invalidation wave exceeds the
// configured bound, suggesting pathological dependency fan-out. The wave is
// reported as failed, never truncated.
type RecomputationOverrunError struct {
	Cell  row.Cell
	Limit int
}

func NewRecomputationOverrunError(cell row.Cell, limit int) error {
	return &RecomputationOverrunError{Cell: cell, Limit: limit}
}

func (e *RecomputationOverrunError) Error() string {
	return fmt.Sprintf("invalidation wave from cell %s exceeds %d cells", e.Cell, e.Limit)
}

// IsRecomputationOverrun tells whether an error chain contains a
// RecomputationOverrunError.
func IsRecomputationOverrun(err error) bool {
	var e *RecomputationOverrunError
	return errors.As(err, &e)
}

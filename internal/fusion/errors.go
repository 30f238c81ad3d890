package fusion

import (
	"errors"
	"fmt"
)

// ErrMissingCollaborator is returned by NewRunner when a required
// dependency is nil.
var ErrMissingCollaborator = errors.New("missing fusion collaborator")

// EstimatorError reports a failed optimize. The accumulated estimator state
// is no longer trustworthy, so the run must stop; Dump carries the
// diagnostic state captured at the moment of failure.
type EstimatorError struct {
	Cycle uint64
	Err   error
	Dump  string
}

func (e *EstimatorError) Error() string {
	return fmt.Sprintf("estimator optimize failed in cycle %d: %v", e.Cycle, e.Err)
}

func (e *EstimatorError) Unwrap() error {
	return e.Err
}

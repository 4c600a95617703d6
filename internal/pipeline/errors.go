package pipeline

import (
	"errors"
	"fmt"
)

// ErrNotFound reports that no persisted state exists for a run ID. Callers
// treat it as "start fresh", unlike PersistenceError which is fatal.
var ErrNotFound = errors.New("run state not found")

// PersistenceError wraps a failure to read or write durable run state.
// Present-but-corrupt state surfaces as this error and is never silently
// discarded.
type PersistenceError struct {
	Op   string // "load" or "save"
	Path string
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// CircuitOpenError halts a run after repeated consecutive stage failures.
type CircuitOpenError struct {
	Failures  int
	Threshold int
	LastStage string
	Reason    string
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit breaker open after %d consecutive failures (threshold %d), last stage %q: %s",
		e.Failures, e.Threshold, e.LastStage, e.Reason)
}

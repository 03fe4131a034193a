package scan

import (
	"fmt"
	"time"
)

// SourceUnreachableError is fatal for the target's current run; the scope
// stays unattempted and the next scheduled invocation retries.
type SourceUnreachableError struct {
	Target string
	Err    error
}

func (e *SourceUnreachableError) Error() string {
	return fmt.Sprintf("source %s unreachable: %v", e.Target, e.Err)
}

func (e *SourceUnreachableError) Unwrap() error { return e.Err }

// ItemReadError covers one unreadable file or row batch; the item is
// skipped and the phase continues
type ItemReadError struct {
	Item string
	Err  error
}

func (e *ItemReadError) Error() string {
	return fmt.Sprintf("failed to read item %s: %v", e.Item, e.Err)
}

func (e *ItemReadError) Unwrap() error { return e.Err }

// ClassificationTimeout marks an item that exceeded its time limit.
// Timeouts are per item, not per run, so one slow file cannot stall the
// whole target.
type ClassificationTimeout struct {
	Item    string
	Timeout time.Duration
}

func (e *ClassificationTimeout) Error() string {
	return fmt.Sprintf("item %s timed out after %s", e.Item, e.Timeout)
}

// PersistenceError aborts the run: result integrity cannot be guaranteed
// once a write has failed
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure during %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

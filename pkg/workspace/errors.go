package workspace

import (
	"errors"
	"fmt"
)

var (
	// ErrLockTimeout is returned when the file lock cannot be acquired
	// within the configured wait.
	ErrLockTimeout = errors.New("timed out waiting for file lock")

	// ErrNotHeld is returned when a guard is used after Release.
	ErrNotHeld = errors.New("lock not held")
)

// LockError wraps a lock acquisition or release failure with the guarded
// path and, when known, the PID of the current holder.
type LockError struct {
	Path      string
	HolderPID int
	Err       error
}

func (e *LockError) Error() string {
	if e.HolderPID != 0 {
		return fmt.Sprintf("lock error for %s (held by pid %d): %v", e.Path, e.HolderPID, e.Err)
	}
	return fmt.Sprintf("lock error for %s: %v", e.Path, e.Err)
}

func (e *LockError) Unwrap() error {
	return e.Err
}

// IOError wraps a read/write/backup failure on a guarded file.
type IOError struct {
	Path string
	Op   string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s failed for %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

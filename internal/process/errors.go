package process

import (
	"errors"
	"fmt"
)

var (
	// ErrNotServiced is returned to queued tasks that were dropped because
	// the supervisor can make no further progress.
	ErrNotServiced = errors.New("process: request not serviced")

	// ErrClosed is returned by Submit after Close.
	ErrClosed = errors.New("process: supervisor closed")

	// ErrNotRunning is returned by queries that need a live process.
	ErrNotRunning = errors.New("process: not running")
)

// ToolMissingError reports that the supervised binary could not be run.
// Once returned, the Supervisor stays in StateToolMissing.
type ToolMissingError struct {
	Binary string
	Hint   string
	Err    error
}

func (e *ToolMissingError) Error() string {
	msg := fmt.Sprintf("process: %s not available: %v", e.Binary, e.Err)
	if e.Hint != "" {
		msg += " (install with: " + e.Hint + ")"
	}
	return msg
}

func (e *ToolMissingError) Unwrap() error {
	return e.Err
}

// SupervisorError is returned to the active task when the process failed
// to spawn, exited abnormally on its own, or was stopped because the
// task's context was cancelled.
type SupervisorError struct {
	Name string

	// ExitCode is -1 when the process never ran or was killed by a signal.
	ExitCode int

	// Signal is set when the process was terminated by a signal.
	Signal string

	// Stderr holds the last bytes the process wrote to stderr.
	Stderr string

	Err error
}

func (e *SupervisorError) Error() string {
	switch {
	case e.Signal != "":
		return fmt.Sprintf("process: %s terminated by signal %s: %v", e.Name, e.Signal, e.Err)
	case e.ExitCode > 0:
		return fmt.Sprintf("process: %s exited with code %d: %v", e.Name, e.ExitCode, e.Err)
	default:
		return fmt.Sprintf("process: %s: %v", e.Name, e.Err)
	}
}

func (e *SupervisorError) Unwrap() error {
	return e.Err
}

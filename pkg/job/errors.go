package job

import "fmt"

// AllocationError indicates the profile allocator could not provide an
// isolated profile directory for the job. Fatal to that admission only.
type AllocationError struct {
	JobID string
	Err   error
}

func (e *AllocationError) Error() string {
	return fmt.Sprintf("profile allocation for job %q failed: %v", e.JobID, e.Err)
}

func (e *AllocationError) Unwrap() error { return e.Err }

// StartupError indicates the browser engine failed to become ready within
// the bounded retry window.
type StartupError struct {
	JobID    string
	Attempts int
	Err      error
}

func (e *StartupError) Error() string {
	return fmt.Sprintf("browser startup for job %q failed after %d attempts: %v", e.JobID, e.Attempts, e.Err)
}

func (e *StartupError) Unwrap() error { return e.Err }

// ExecutionError wraps a payload-level failure inside a live session.
// The session is still terminated cleanly and the job's outcome is Failed.
type ExecutionError struct {
	JobID string
	Err   error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("execution of job %q failed: %v", e.JobID, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// TimeoutError indicates the job exceeded its deadline, or was canceled
// by the caller, and its session was forcibly terminated.
type TimeoutError struct {
	JobID    string
	Canceled bool
}

func (e *TimeoutError) Error() string {
	if e.Canceled {
		return fmt.Sprintf("job %q canceled by caller", e.JobID)
	}
	return fmt.Sprintf("job %q exceeded its deadline", e.JobID)
}

// InterruptedError marks a job discovered dead during startup
// reconciliation.
type InterruptedError struct {
	JobID string
	PID   int
}

func (e *InterruptedError) Error() string {
	return fmt.Sprintf("job %q interrupted: owning process %d is gone", e.JobID, e.PID)
}

// PersistenceError indicates the report writer could not durably record
// the job's result. It escalates: the job's outcome becomes Failed
// regardless of how the payload itself fared.
type PersistenceError struct {
	JobID string
	Err   error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persisting report for job %q failed: %v", e.JobID, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

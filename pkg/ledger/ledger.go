// Package ledger persists the durable record of job state used for
// crash recovery. Every in-flight job has exactly one entry in the
// active namespace; every terminal job has exactly one entry in the
// finished namespace. A directory listing alone reveals liveness.
package ledger

import (
	"errors"
	"time"

	"github.com/entrhq/browserd/pkg/job"
)

var (
	// ErrDuplicate is returned when recording an entry whose job ID is
	// already present in the active namespace.
	ErrDuplicate = errors.New("ledger: job already active")

	// ErrNotActive is returned when finishing a job that has no entry in
	// the active namespace.
	ErrNotActive = errors.New("ledger: job not active")

	// ErrNotFound is returned when a job exists in neither namespace.
	ErrNotFound = errors.New("ledger: job not found")
)

// Entry is the durable projection of a job. It is self-describing so a
// reconciling process can act on it without any in-memory context.
type Entry struct {
	JobID string `json:"job_id"`
	Kind  string `json:"kind"`

	// PID and PIDStartedAt identify the service process that owned the
	// session. The start-time fingerprint (unix milliseconds) guards
	// against the OS reusing the PID for an unrelated process.
	PID          int   `json:"pid"`
	PIDStartedAt int64 `json:"pid_started_at"`

	CreatedAt time.Time `json:"created_at"`
	StartedAt time.Time `json:"started_at"`

	// Set only on finished entries.
	Outcome    job.Outcome `json:"outcome,omitempty"`
	Error      string      `json:"error,omitempty"`
	ReportPath string      `json:"report_path,omitempty"`
	EndedAt    time.Time   `json:"ended_at,omitzero"`
}

// Ledger is the injectable store interface the pool manager records
// through. Implementations must make every mutation atomic at the
// granularity of a single job's entry.
type Ledger interface {
	// RecordActive atomically creates an entry in the active namespace.
	RecordActive(e Entry) error

	// RecordFinished atomically moves the job's entry from the active to
	// the finished namespace, attaching outcome metadata.
	RecordFinished(jobID string, outcome job.Outcome, detail, reportPath string, endedAt time.Time) error

	// Get returns the entry for a job and whether it is still active.
	Get(jobID string) (Entry, bool, error)

	// ListActive returns all entries in the active namespace.
	ListActive() ([]Entry, error)

	// Reconcile cross-checks every active entry against the live process
	// set and moves entries owned by dead processes to the finished
	// namespace with outcome Interrupted. It returns the orphaned
	// entries so their profile allocations can be reclaimed.
	Reconcile(check ProcessChecker) ([]Entry, error)

	// Prune removes finished entries older than maxAge and returns how
	// many were removed. This is the only path that destroys entries.
	Prune(maxAge time.Duration) (int, error)
}

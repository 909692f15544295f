package job

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle state of a job as tracked by the pool manager.
type State string

const (
	StateQueued    State = "QUEUED"
	StateStarting  State = "STARTING"
	StateRunning   State = "RUNNING"
	StateFinishing State = "FINISHING"
	StateCompleted State = "COMPLETED"
	StateFailed    State = "FAILED"
	StateTimedOut  State = "TIMED_OUT"

	// StateInterrupted is only reachable through startup reconciliation:
	// the entry was active in the ledger but its owning process is gone.
	StateInterrupted State = "INTERRUPTED"
)

// Terminal reports whether the state is one of the four exit states.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateTimedOut, StateInterrupted:
		return true
	}
	return false
}

// Outcome classifies how a job ended. It is recorded in the finished
// ledger namespace and in the job's report.
type Outcome string

const (
	OutcomeCompleted   Outcome = "completed"
	OutcomeFailed      Outcome = "failed"
	OutcomeTimedOut    Outcome = "timed_out"
	OutcomeInterrupted Outcome = "interrupted"
)

// State maps an outcome to its terminal state.
func (o Outcome) State() State {
	switch o {
	case OutcomeCompleted:
		return StateCompleted
	case OutcomeTimedOut:
		return StateTimedOut
	case OutcomeInterrupted:
		return StateInterrupted
	default:
		return StateFailed
	}
}

// Config carries the per-job options a caller may override at submission.
type Config struct {
	// Headless controls whether the browser engine runs without a display.
	Headless bool `json:"headless"`

	// Timeout is the per-job execution deadline. Zero means the pool's
	// configured default applies.
	Timeout time.Duration `json:"timeout"`
}

// Job is one requested unit of browser-driven automation work.
type Job struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Config    Config    `json:"config"`
	State     State     `json:"state"`
	Outcome   Outcome   `json:"outcome,omitempty"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	StartedAt time.Time `json:"started_at,omitzero"`
	EndedAt   time.Time `json:"ended_at,omitzero"`

	// PID is the identifier of the service process owning the session,
	// recorded once the job is running.
	PID int `json:"pid,omitempty"`

	// ReportPath points at the persisted report once the job finishes.
	ReportPath string `json:"report_path,omitempty"`
}

// NewID generates a job identifier for callers that did not supply one.
func NewID() string {
	return uuid.New().String()
}

// ValidID reports whether a caller-supplied identifier is safe to use as
// a ledger key, profile directory name and report directory name.
func ValidID(id string) bool {
	if id == "" || len(id) > 128 {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '-' || r == '_' || r == '.':
		default:
			return false
		}
	}
	// Path traversal guard: no identifier may be a dot-only name.
	return strings.Trim(id, ".") != ""
}

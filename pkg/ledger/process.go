package ledger

import (
	"os"

	"github.com/shirou/gopsutil/v3/process"
)

// ProcessChecker answers whether the process recorded in a ledger entry
// is still alive. The start-time fingerprint disambiguates a recorded
// PID from an unrelated process the OS handed the same number to.
type ProcessChecker interface {
	Alive(pid int, startedAt int64) bool
}

// ProcessCheckerFunc adapts a function to the ProcessChecker interface.
type ProcessCheckerFunc func(pid int, startedAt int64) bool

// Alive calls f.
func (f ProcessCheckerFunc) Alive(pid int, startedAt int64) bool {
	return f(pid, startedAt)
}

// startTimeTolerance absorbs the sub-second rounding some platforms
// apply to process creation times, in milliseconds.
const startTimeTolerance = 2000

// OSChecker checks liveness against the real OS process table.
type OSChecker struct{}

// Alive reports whether pid exists and, when a fingerprint was
// recorded, whether its creation time matches within tolerance.
func (OSChecker) Alive(pid int, startedAt int64) bool {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return false
	}
	if startedAt == 0 {
		return true
	}
	created, err := p.CreateTime()
	if err != nil {
		// Existence is confirmed but the fingerprint is unreadable.
		// Treat as alive rather than falsely interrupting a job.
		return true
	}
	diff := created - startedAt
	if diff < 0 {
		diff = -diff
	}
	return diff <= startTimeTolerance
}

// Self returns the PID and start-time fingerprint of the current
// process, for recording in active ledger entries.
func Self() (int, int64) {
	pid := os.Getpid()
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return pid, 0
	}
	created, err := p.CreateTime()
	if err != nil {
		return pid, 0
	}
	return pid, created
}

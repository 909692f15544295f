package ledger

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/entrhq/browserd/pkg/job"
)

const entryExt = ".json"

// FileLedger implements Ledger on a local directory tree:
//
//	<root>/active/<jobID>.json
//	<root>/finished/<jobID>.json
//
// Entries are written to a temp file and renamed into place, so a
// partially written entry is never observable under its final name, and
// active-to-finished is a single rename with no both/neither window.
type FileLedger struct {
	root   string
	logger *slog.Logger
}

// NewFileLedger creates both namespaces under root.
func NewFileLedger(root string, logger *slog.Logger) (*FileLedger, error) {
	if logger == nil {
		logger = slog.Default()
	}
	for _, dir := range []string{activeDir(root), finishedDir(root)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create ledger namespace %s: %w", dir, err)
		}
	}
	return &FileLedger{root: root, logger: logger}, nil
}

func activeDir(root string) string   { return filepath.Join(root, "active") }
func finishedDir(root string) string { return filepath.Join(root, "finished") }

func (l *FileLedger) activePath(jobID string) string {
	return filepath.Join(activeDir(l.root), jobID+entryExt)
}

func (l *FileLedger) finishedPath(jobID string) string {
	return filepath.Join(finishedDir(l.root), jobID+entryExt)
}

// writeAtomic writes the entry next to its destination and renames it
// into place. The temp file lives in the same directory so the rename
// never crosses a filesystem boundary.
func writeAtomic(path string, e Entry) error {
	data, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode ledger entry: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-")
	if err != nil {
		return fmt.Errorf("failed to create temp entry: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write temp entry: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to sync temp entry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp entry: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to publish ledger entry: %w", err)
	}
	return nil
}

func readEntry(path string) (Entry, error) {
	var e Entry
	data, err := os.ReadFile(path)
	if err != nil {
		return e, err
	}
	if err := json.Unmarshal(data, &e); err != nil {
		return e, fmt.Errorf("failed to decode ledger entry %s: %w", path, err)
	}
	return e, nil
}

// RecordActive atomically creates the job's entry in the active namespace.
func (l *FileLedger) RecordActive(e Entry) error {
	if e.JobID == "" {
		return fmt.Errorf("ledger: entry has no job ID")
	}
	if _, err := os.Stat(l.activePath(e.JobID)); err == nil {
		return fmt.Errorf("%w: %s", ErrDuplicate, e.JobID)
	}
	return writeAtomic(l.activePath(e.JobID), e)
}

// RecordFinished attaches the outcome to the active entry in place, then
// renames it into the finished namespace. The rename is the commit
// point: the entry is in exactly one namespace before and after it.
func (l *FileLedger) RecordFinished(jobID string, outcome job.Outcome, detail, reportPath string, endedAt time.Time) error {
	e, err := readEntry(l.activePath(jobID))
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrNotActive, jobID)
		}
		return err
	}

	e.Outcome = outcome
	e.Error = detail
	e.ReportPath = reportPath
	e.EndedAt = endedAt

	if err := writeAtomic(l.activePath(jobID), e); err != nil {
		return err
	}
	if err := os.Rename(l.activePath(jobID), l.finishedPath(jobID)); err != nil {
		return fmt.Errorf("failed to move job %s to finished: %w", jobID, err)
	}
	return nil
}

// Get looks the job up in the active namespace first, then finished.
func (l *FileLedger) Get(jobID string) (Entry, bool, error) {
	if e, err := readEntry(l.activePath(jobID)); err == nil {
		return e, true, nil
	} else if !os.IsNotExist(err) {
		return Entry{}, false, err
	}

	e, err := readEntry(l.finishedPath(jobID))
	if err != nil {
		if os.IsNotExist(err) {
			return Entry{}, false, fmt.Errorf("%w: %s", ErrNotFound, jobID)
		}
		return Entry{}, false, err
	}
	return e, false, nil
}

// ListActive returns every parseable entry in the active namespace.
// Corrupt entries are logged and skipped, never fatal.
func (l *FileLedger) ListActive() ([]Entry, error) {
	return l.list(activeDir(l.root))
}

// ListFinished returns every parseable entry in the finished namespace.
func (l *FileLedger) ListFinished() ([]Entry, error) {
	return l.list(finishedDir(l.root))
}

func (l *FileLedger) list(dir string) ([]Entry, error) {
	names, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list ledger namespace %s: %w", dir, err)
	}

	var entries []Entry
	for _, d := range names {
		if d.IsDir() || !strings.HasSuffix(d.Name(), entryExt) || strings.HasPrefix(d.Name(), ".") {
			continue
		}
		e, err := readEntry(filepath.Join(dir, d.Name()))
		if err != nil {
			l.logger.Warn("skipping unreadable ledger entry", "path", filepath.Join(dir, d.Name()), "error", err)
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Reconcile classifies every active entry whose owning process is gone
// as orphaned, moves it to finished with outcome Interrupted, and
// returns the orphaned entries for profile cleanup.
func (l *FileLedger) Reconcile(check ProcessChecker) ([]Entry, error) {
	active, err := l.ListActive()
	if err != nil {
		return nil, err
	}

	var orphans []Entry
	for _, e := range active {
		if check.Alive(e.PID, e.PIDStartedAt) {
			l.logger.Info("ledger entry still owned by a live process", "job_id", e.JobID, "pid", e.PID)
			continue
		}

		detail := (&job.InterruptedError{JobID: e.JobID, PID: e.PID}).Error()
		if err := l.RecordFinished(e.JobID, job.OutcomeInterrupted, detail, "", time.Now().UTC()); err != nil {
			l.logger.Error("failed to move orphaned entry to finished", "job_id", e.JobID, "error", err)
			continue
		}
		l.logger.Warn("reconciled orphaned job", "job_id", e.JobID, "pid", e.PID)
		orphans = append(orphans, e)
	}
	return orphans, nil
}

// Prune removes finished entries whose jobs ended more than maxAge ago.
func (l *FileLedger) Prune(maxAge time.Duration) (int, error) {
	finished, err := l.ListFinished()
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, e := range finished {
		ended := e.EndedAt
		if ended.IsZero() {
			ended = e.StartedAt
		}
		if ended.After(cutoff) {
			continue
		}
		if err := os.Remove(l.finishedPath(e.JobID)); err != nil {
			l.logger.Warn("failed to prune finished entry", "job_id", e.JobID, "error", err)
			continue
		}
		removed++
	}
	return removed, nil
}

// Package report persists the terminal outcome of a job to durable
// storage. Reports are written before the ledger records the job as
// finished, so a finished entry never references a report that failed
// to persist.
package report

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/entrhq/browserd/pkg/job"
)

// Report is the durable artifact set of one finished job.
type Report struct {
	JobID   string      `json:"job_id"`
	Kind    string      `json:"kind"`
	Outcome job.Outcome `json:"outcome"`
	Error   string      `json:"error,omitempty"`

	// Result is the payload's structured output, opaque to the core.
	Result json.RawMessage `json:"result,omitempty"`

	StartedAt time.Time `json:"started_at,omitzero"`
	EndedAt   time.Time `json:"ended_at,omitzero"`

	// Artifacts lists extra files the payload produced during execution,
	// relative to the job's report directory.
	Artifacts []string `json:"artifacts,omitempty"`
}

// Writer persists reports. The pool treats a Persist failure as a lost
// job and overrides the outcome to Failed.
type Writer interface {
	Persist(r Report) (string, error)
}

// FileWriter writes one report directory per job identifier under a
// fixed root, plus a daily NDJSON rollup of every finished job.
type FileWriter struct {
	root   string
	logger *slog.Logger

	// rollupMu serializes appends to the shared rollup file.
	rollupMu sync.Mutex
}

// NewFileWriter ensures the reports root exists.
func NewFileWriter(root string, logger *slog.Logger) (*FileWriter, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("reports root %s is not usable: %w", root, err)
	}
	return &FileWriter{root: root, logger: logger}, nil
}

// Dir returns the artifact directory for a job. Payloads may write
// files there while the job is running.
func (w *FileWriter) Dir(jobID string) string {
	return filepath.Join(w.root, jobID)
}

// Persist durably writes the job's report and appends it to the daily
// rollup. The report path is collision-free across restarts because it
// is keyed by job identifier, not wall clock.
func (w *FileWriter) Persist(r Report) (string, error) {
	dir := w.Dir(r.JobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", &job.PersistenceError{JobID: r.JobID, Err: err}
	}

	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", &job.PersistenceError{JobID: r.JobID, Err: err}
	}

	path := filepath.Join(dir, "report.json")
	if err := writeFileAtomic(path, data); err != nil {
		return "", &job.PersistenceError{JobID: r.JobID, Err: err}
	}

	// The rollup is an operational convenience; its failure must not
	// void an already persisted report.
	if err := w.appendRollup(r); err != nil {
		w.logger.Warn("failed to append daily rollup", "job_id", r.JobID, "error", err)
	}

	return path, nil
}

// appendRollup adds one JSON line per finished job under
// <root>/daily/YYYY-MM-DD/rollup.ndjson.
func (w *FileWriter) appendRollup(r Report) error {
	day := r.EndedAt
	if day.IsZero() {
		day = time.Now()
	}
	dir := filepath.Join(w.root, "daily", day.Format("2006-01-02"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	line := struct {
		JobID   string      `json:"job_id"`
		Kind    string      `json:"kind"`
		Outcome job.Outcome `json:"outcome"`
		TS      time.Time   `json:"ts"`
	}{r.JobID, r.Kind, r.Outcome, time.Now().UTC()}

	data, err := json.Marshal(line)
	if err != nil {
		return err
	}

	w.rollupMu.Lock()
	defer w.rollupMu.Unlock()

	f, err := os.OpenFile(filepath.Join(dir, "rollup.ndjson"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(append(data, '\n'))
	return err
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

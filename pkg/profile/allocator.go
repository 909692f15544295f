// Package profile manages isolated, per-job browser profile directories
// under a configured scratch root. At most one live session ever
// references a given allocation; directory names are derived from the
// job identifier so collisions are impossible across restarts.
package profile

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/entrhq/browserd/pkg/job"
)

const dirPrefix = "profile-"

// Handle references one allocated profile directory tree.
type Handle struct {
	// JobID is the owning job.
	JobID string

	// Dir is the browser user-data directory.
	Dir string

	// TempDir is scratch space for downloads and other session litter.
	TempDir string
}

// Allocator creates and destroys profile allocations.
type Allocator struct {
	root   string
	logger *slog.Logger
}

// NewAllocator ensures the scratch root exists and is writable.
func NewAllocator(root string, logger *slog.Logger) (*Allocator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("scratch root %s is not usable: %w", root, err)
	}
	return &Allocator{root: root, logger: logger}, nil
}

func (a *Allocator) dirFor(jobID string) string {
	return filepath.Join(a.root, dirPrefix+jobID)
}

// Allocate creates a fresh, empty profile directory tree for the job.
// A pre-existing directory for the same job ID means either a duplicate
// admission or debris from a crash that reconciliation has not swept
// yet; both are collisions and both fail the allocation.
func (a *Allocator) Allocate(jobID string) (*Handle, error) {
	dir := a.dirFor(jobID)

	if err := os.Mkdir(dir, 0o755); err != nil {
		if os.IsExist(err) {
			return nil, &job.AllocationError{JobID: jobID, Err: fmt.Errorf("profile directory %s already exists", dir)}
		}
		return nil, &job.AllocationError{JobID: jobID, Err: err}
	}

	tempDir := filepath.Join(dir, "tmp")
	if err := os.Mkdir(tempDir, 0o755); err != nil {
		os.RemoveAll(dir)
		return nil, &job.AllocationError{JobID: jobID, Err: err}
	}

	a.logger.Debug("allocated profile", "job_id", jobID, "dir", dir)
	return &Handle{JobID: jobID, Dir: dir, TempDir: tempDir}, nil
}

// Release removes the allocation's directory tree. Releasing an already
// released (or never materialized) allocation is a no-op. Failures are
// logged, never fatal; the orphan sweep retries them.
func (a *Allocator) Release(h *Handle) {
	if h == nil {
		return
	}
	if err := os.RemoveAll(h.Dir); err != nil {
		a.logger.Warn("failed to release profile, leaving for sweep", "job_id", h.JobID, "dir", h.Dir, "error", err)
		return
	}
	a.logger.Debug("released profile", "job_id", h.JobID)
}

// ReleaseJob removes the profile directory for a job without a handle,
// used when reconciliation reclaims allocations of crashed jobs.
func (a *Allocator) ReleaseJob(jobID string) {
	a.Release(&Handle{JobID: jobID, Dir: a.dirFor(jobID)})
}

// Sweep removes every profile directory whose job is not in live. It is
// the best-effort cleanup pass for directories orphaned by crashes or
// failed releases.
func (a *Allocator) Sweep(live map[string]bool) int {
	names, err := os.ReadDir(a.root)
	if err != nil {
		a.logger.Warn("failed to list scratch root for sweep", "root", a.root, "error", err)
		return 0
	}

	removed := 0
	for _, d := range names {
		if !d.IsDir() || !strings.HasPrefix(d.Name(), dirPrefix) {
			continue
		}
		jobID := strings.TrimPrefix(d.Name(), dirPrefix)
		if live[jobID] {
			continue
		}
		if err := os.RemoveAll(filepath.Join(a.root, d.Name())); err != nil {
			a.logger.Warn("failed to sweep orphaned profile", "dir", d.Name(), "error", err)
			continue
		}
		a.logger.Info("swept orphaned profile", "job_id", jobID)
		removed++
	}
	return removed
}

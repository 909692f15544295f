// Package pool admits automation jobs, bounds how many browser sessions
// run concurrently, supervises per-job deadlines, and funnels every
// exit through one consistent cleanup path. It is the single point of
// concurrency control; execution itself is parallel.
package pool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/entrhq/browserd/pkg/automation"
	"github.com/entrhq/browserd/pkg/config"
	"github.com/entrhq/browserd/pkg/job"
	"github.com/entrhq/browserd/pkg/ledger"
	"github.com/entrhq/browserd/pkg/profile"
	"github.com/entrhq/browserd/pkg/report"
	"github.com/entrhq/browserd/pkg/session"
)

var (
	// ErrSaturated is returned in reject mode when the pool is at its
	// concurrency ceiling.
	ErrSaturated = errors.New("pool: at concurrency ceiling")

	// ErrDuplicate is returned when the submitted job ID is already known.
	ErrDuplicate = errors.New("pool: duplicate job id")

	// ErrInvalidID is returned for unusable caller-supplied identifiers.
	ErrInvalidID = errors.New("pool: invalid job id")

	// ErrUnknownJob is returned by status and cancel lookups.
	ErrUnknownJob = errors.New("pool: unknown job")

	// ErrTerminal is returned when canceling a job that already ended.
	ErrTerminal = errors.New("pool: job already terminal")

	// ErrShuttingDown is returned for submissions after Shutdown began.
	ErrShuttingDown = errors.New("pool: shutting down")
)

// Options configures a Manager.
type Options struct {
	MaxSessions    int
	DefaultTimeout time.Duration
	AdmissionMode  config.AdmissionMode
	StartupRetries int
	TerminateGrace time.Duration

	// QueueSaturationGrace is how many queued jobs the health probe
	// tolerates before reporting the pool saturated.
	QueueSaturationGrace int
}

// Request is one admission request.
type Request struct {
	// JobID is optional; one is generated when absent.
	JobID  string
	Kind   string
	Params json.RawMessage
	Config job.Config
}

// Health is the liveness snapshot served by the health probe.
type Health struct {
	Reconciled bool `json:"reconciled"`
	Active     int  `json:"active_sessions"`
	Queued     int  `json:"queued"`
	Saturated  bool `json:"saturated"`
}

// Healthy reports whether the service should answer its liveness probe
// positively: reconciliation finished and the queue is within grace.
func (h Health) Healthy() bool {
	return h.Reconciled && !h.Saturated
}

// tracked is the in-memory side of one job. Its terminal transition has
// exactly one writer: the run goroutine that owns the job.
type tracked struct {
	mu  sync.Mutex
	job job.Job

	payload automation.Payload

	cancelOnce sync.Once
	cancelCh   chan struct{}
	canceled   atomic.Bool
}

func (t *tracked) snapshot() job.Job {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.job
}

// Manager owns the job table and every session's lifecycle.
type Manager struct {
	opts     Options
	alloc    *profile.Allocator
	launcher session.Launcher
	ledger   ledger.Ledger
	reports  report.Writer
	registry *automation.Registry
	logger   *slog.Logger

	pid      int
	pidStart int64

	sem *semaphore.Weighted

	// reconciled is closed once startup reconciliation completes;
	// admissions drain on it so they cannot race the listing pass.
	reconciled chan struct{}

	mu     sync.Mutex
	jobs   map[string]*tracked
	queued int

	baseCtx   context.Context
	cancelAll context.CancelFunc
	wg        sync.WaitGroup
	closed    atomic.Bool

	fatalOnce sync.Once
	fatalCh   chan error
}

// NewManager wires a pool from its collaborators.
func NewManager(opts Options, alloc *profile.Allocator, launcher session.Launcher, led ledger.Ledger, reports report.Writer, registry *automation.Registry, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxSessions < 1 {
		opts.MaxSessions = 1
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 5 * time.Minute
	}
	if opts.AdmissionMode == "" {
		opts.AdmissionMode = config.AdmissionBlock
	}

	pid, pidStart := ledger.Self()
	baseCtx, cancelAll := context.WithCancel(context.Background())

	return &Manager{
		opts:       opts,
		alloc:      alloc,
		launcher:   launcher,
		ledger:     led,
		reports:    reports,
		registry:   registry,
		logger:     logger,
		pid:        pid,
		pidStart:   pidStart,
		sem:        semaphore.NewWeighted(int64(opts.MaxSessions)),
		reconciled: make(chan struct{}),
		jobs:       make(map[string]*tracked),
		baseCtx:    baseCtx,
		cancelAll:  cancelAll,
		fatalCh:    make(chan error, 1),
	}
}

// Fatal delivers the first ledger-unavailability error. A pool without
// a working ledger cannot track jobs, so the process should exit.
func (m *Manager) Fatal() <-chan error {
	return m.fatalCh
}

func (m *Manager) reportFatal(err error) {
	m.fatalOnce.Do(func() {
		m.fatalCh <- err
	})
}

// Reconcile cross-checks the ledger against live processes, reclaims
// orphaned profile allocations, and opens the pool for admissions.
// It must run before any submission is admitted after a restart.
func (m *Manager) Reconcile(check ledger.ProcessChecker) error {
	orphans, err := m.ledger.Reconcile(check)
	if err != nil {
		return fmt.Errorf("startup reconciliation failed: %w", err)
	}

	for _, o := range orphans {
		m.alloc.ReleaseJob(o.JobID)
	}

	// Anything still active belongs to a live process; everything else
	// under the scratch root is debris from failed releases.
	live := map[string]bool{}
	active, err := m.ledger.ListActive()
	if err != nil {
		return fmt.Errorf("startup reconciliation failed: %w", err)
	}
	for _, e := range active {
		live[e.JobID] = true
	}
	m.alloc.Sweep(live)

	close(m.reconciled)
	m.logger.Info("reconciliation complete", "orphans", len(orphans), "still_active", len(active))
	return nil
}

// Submit admits one job. It returns once the job is registered as
// Queued; execution proceeds asynchronously. In reject mode it fails
// with ErrSaturated instead of queueing at the ceiling.
func (m *Manager) Submit(ctx context.Context, req Request) (job.Job, error) {
	if m.closed.Load() {
		return job.Job{}, ErrShuttingDown
	}

	// Resolve the payload up front so a bad request fails at admission,
	// not inside a live session.
	payload, err := m.registry.Resolve(req.Kind, req.Params)
	if err != nil {
		return job.Job{}, err
	}

	id := req.JobID
	if id == "" {
		id = job.NewID()
	} else if !job.ValidID(id) {
		return job.Job{}, fmt.Errorf("%w: %q", ErrInvalidID, id)
	}

	// Drain admission until startup reconciliation has finished.
	select {
	case <-m.reconciled:
	case <-ctx.Done():
		return job.Job{}, ctx.Err()
	case <-m.baseCtx.Done():
		return job.Job{}, ErrShuttingDown
	}

	cfg := req.Config
	if cfg.Timeout <= 0 {
		cfg.Timeout = m.opts.DefaultTimeout
	}

	t := &tracked{
		job: job.Job{
			ID:        id,
			Kind:      req.Kind,
			Config:    cfg,
			State:     job.StateQueued,
			CreatedAt: time.Now().UTC(),
		},
		payload:  payload,
		cancelCh: make(chan struct{}),
	}

	m.mu.Lock()
	if _, exists := m.jobs[id]; exists {
		m.mu.Unlock()
		return job.Job{}, fmt.Errorf("%w: %s", ErrDuplicate, id)
	}
	if _, active, err := m.ledger.Get(id); err == nil && active {
		m.mu.Unlock()
		return job.Job{}, fmt.Errorf("%w: %s (active in ledger)", ErrDuplicate, id)
	} else if err != nil && !errors.Is(err, ledger.ErrNotFound) {
		// Admitting a job the ledger could not be consulted about risks
		// a silent duplicate.
		m.mu.Unlock()
		return job.Job{}, fmt.Errorf("ledger lookup for %s failed: %w", id, err)
	}

	acquired := false
	if m.opts.AdmissionMode == config.AdmissionReject {
		if !m.sem.TryAcquire(1) {
			m.mu.Unlock()
			return job.Job{}, ErrSaturated
		}
		acquired = true
	}

	m.jobs[id] = t
	m.queued++
	m.mu.Unlock()

	m.logger.Info("job admitted", "job_id", id, "kind", req.Kind)

	// Snapshot before the run goroutine can advance the state, so the
	// caller always observes the job as Queued.
	snap := t.snapshot()

	m.wg.Add(1)
	go m.run(t, acquired)

	return snap, nil
}

// run carries one job from Queued to its terminal state.
func (m *Manager) run(t *tracked, acquired bool) {
	defer m.wg.Done()

	id := t.snapshot().ID

	if !acquired {
		// Block until a slot frees. External cancel and shutdown both
		// abort the wait.
		acqCtx, stop := context.WithCancel(m.baseCtx)
		go func() {
			select {
			case <-t.cancelCh:
				stop()
			case <-acqCtx.Done():
			}
		}()
		err := m.sem.Acquire(acqCtx, 1)
		stop()
		if err != nil {
			m.finishQueued(t)
			return
		}
	}
	defer m.sem.Release(1)

	if t.canceled.Load() {
		m.finishQueued(t)
		return
	}

	startedAt := time.Now().UTC()
	m.transition(t, job.StateStarting, func(j *job.Job) {
		j.StartedAt = startedAt
		j.PID = m.pid
	})

	// The active entry is the crash-recovery source of truth; it must
	// exist before the session does so a crash during startup is still
	// discovered by reconciliation.
	entry := ledger.Entry{
		JobID:        id,
		Kind:         t.snapshot().Kind,
		PID:          m.pid,
		PIDStartedAt: m.pidStart,
		CreatedAt:    t.snapshot().CreatedAt,
		StartedAt:    startedAt,
	}
	if err := m.ledger.RecordActive(entry); err != nil {
		m.logger.Error("ledger unavailable, cannot track job", "job_id", id, "error", err)
		m.reportFatal(err)
		m.finishLocal(t, job.OutcomeFailed, err.Error())
		return
	}

	prof, err := m.alloc.Allocate(id)
	if err != nil {
		m.exit(t, nil, nil, job.OutcomeFailed, err.Error(), nil, startedAt)
		return
	}

	sess, err := m.launcher.Start(m.baseCtx, prof, session.Options{
		Headless:       t.snapshot().Config.Headless,
		StartupRetries: m.opts.StartupRetries,
		TerminateGrace: m.opts.TerminateGrace,
	})
	if err != nil {
		m.exit(t, nil, prof, job.OutcomeFailed, err.Error(), nil, startedAt)
		return
	}

	m.transition(t, job.StateRunning, nil)
	m.logger.Info("job running", "job_id", id, "timeout", t.snapshot().Config.Timeout)

	outcome, detail, result := m.supervise(t, sess)

	m.exit(t, sess, prof, outcome, detail, result, startedAt)
}

type payloadReturn struct {
	result json.RawMessage
	err    error
}

// supervise races the payload against the job's deadline and external
// cancellation. The select claims exactly one winner; a losing
// payload's late return parks in the buffered channel and is discarded.
func (m *Manager) supervise(t *tracked, sess session.Session) (job.Outcome, string, json.RawMessage) {
	id := t.snapshot().ID

	jobCtx, cancelJob := context.WithCancel(m.baseCtx)
	defer cancelJob()

	done := make(chan payloadReturn, 1)
	go func() {
		// Payloads are opaque caller-supplied callbacks; a panic in one
		// must end that job, not the pool.
		defer func() {
			if r := recover(); r != nil {
				m.logger.Error("payload panicked", "job_id", id, "panic", r)
				done <- payloadReturn{err: fmt.Errorf("payload panicked: %v", r)}
			}
		}()
		result, err := t.payload(jobCtx, sess.Page())
		done <- payloadReturn{result: result, err: err}
	}()

	timer := time.NewTimer(t.snapshot().Config.Timeout)
	defer timer.Stop()

	select {
	case r := <-done:
		if r.err != nil {
			execErr := &job.ExecutionError{JobID: id, Err: r.err}
			m.logger.Warn("payload failed", "job_id", id, "error", r.err)
			return job.OutcomeFailed, execErr.Error(), nil
		}
		return job.OutcomeCompleted, "", r.result

	case <-timer.C:
		m.logger.Warn("job exceeded its deadline, terminating session", "job_id", id)
		cancelJob()
		if err := sess.Terminate(); err != nil {
			m.logger.Warn("forced termination reported an error", "job_id", id, "error", err)
		}
		return job.OutcomeTimedOut, (&job.TimeoutError{JobID: id}).Error(), nil

	case <-t.cancelCh:
		m.logger.Info("job canceled by caller, terminating session", "job_id", id)
		cancelJob()
		if err := sess.Terminate(); err != nil {
			m.logger.Warn("forced termination reported an error", "job_id", id, "error", err)
		}
		return job.OutcomeTimedOut, (&job.TimeoutError{JobID: id, Canceled: true}).Error(), nil
	}
}

// exit is the single terminal path every job funnels through once it
// has an active ledger entry: terminate the session, release the
// profile, persist the report, then move the ledger entry to finished.
func (m *Manager) exit(t *tracked, sess session.Session, prof *profile.Handle, outcome job.Outcome, detail string, result json.RawMessage, startedAt time.Time) {
	id := t.snapshot().ID
	m.transition(t, job.StateFinishing, nil)

	if sess != nil {
		if err := sess.Terminate(); err != nil {
			m.logger.Warn("session termination reported an error", "job_id", id, "error", err)
		}
	}
	m.alloc.Release(prof)

	endedAt := time.Now().UTC()
	reportPath, err := m.reports.Persist(report.Report{
		JobID:     id,
		Kind:      t.snapshot().Kind,
		Outcome:   outcome,
		Error:     detail,
		Result:    result,
		StartedAt: startedAt,
		EndedAt:   endedAt,
	})
	if err != nil {
		// An unrecorded result is operationally a lost job: escalate.
		m.logger.Error("report persistence failed, overriding outcome", "job_id", id, "error", err)
		outcome = job.OutcomeFailed
		detail = err.Error()
		reportPath = ""
	}

	if err := m.ledger.RecordFinished(id, outcome, detail, reportPath, endedAt); err != nil {
		m.logger.Error("ledger unavailable, finished state not durable", "job_id", id, "error", err)
		m.reportFatal(err)
	}

	m.transition(t, outcome.State(), func(j *job.Job) {
		j.Outcome = outcome
		j.Error = detail
		j.EndedAt = endedAt
		j.ReportPath = reportPath
	})
	m.logger.Info("job finished", "job_id", id, "outcome", outcome)
}

// finishQueued ends a job that never acquired a slot, so it has no
// ledger entry, session or profile to clean up.
func (m *Manager) finishQueued(t *tracked) {
	id := t.snapshot().ID
	detail := (&job.TimeoutError{JobID: id, Canceled: true}).Error()
	if m.closed.Load() || !t.canceled.Load() {
		detail = "shut down before a session slot freed"
	}
	m.finishLocal(t, job.OutcomeTimedOut, detail)
}

// finishLocal records a terminal state in memory only, for jobs that
// ended before their active ledger entry existed.
func (m *Manager) finishLocal(t *tracked, outcome job.Outcome, detail string) {
	m.transition(t, outcome.State(), func(j *job.Job) {
		j.Outcome = outcome
		j.Error = detail
		j.EndedAt = time.Now().UTC()
	})
	m.logger.Info("job finished before start", "job_id", t.snapshot().ID, "outcome", outcome)
}

// transition advances a job's state under its lock, maintaining the
// queued counter as jobs leave Queued.
func (m *Manager) transition(t *tracked, state job.State, mutate func(*job.Job)) {
	t.mu.Lock()
	wasQueued := t.job.State == job.StateQueued
	t.job.State = state
	if mutate != nil {
		mutate(&t.job)
	}
	t.mu.Unlock()

	if wasQueued && state != job.StateQueued {
		m.mu.Lock()
		m.queued--
		m.mu.Unlock()
	}
}

// Get returns the job's current view. Jobs from previous epochs are
// served from the ledger, so status queries always reflect the last
// durably recorded state.
func (m *Manager) Get(id string) (job.Job, error) {
	m.mu.Lock()
	t, ok := m.jobs[id]
	m.mu.Unlock()
	if ok {
		return t.snapshot(), nil
	}

	e, active, err := m.ledger.Get(id)
	if err != nil {
		return job.Job{}, fmt.Errorf("%w: %s", ErrUnknownJob, id)
	}

	j := job.Job{
		ID:         e.JobID,
		Kind:       e.Kind,
		State:      job.StateRunning,
		CreatedAt:  e.CreatedAt,
		StartedAt:  e.StartedAt,
		EndedAt:    e.EndedAt,
		PID:        e.PID,
		ReportPath: e.ReportPath,
		Error:      e.Error,
	}
	if !active {
		j.Outcome = e.Outcome
		j.State = e.Outcome.State()
	}
	return j, nil
}

// List returns every job known to this epoch, non-terminal first, then
// newest first.
func (m *Manager) List() []job.Job {
	m.mu.Lock()
	jobs := make([]job.Job, 0, len(m.jobs))
	for _, t := range m.jobs {
		jobs = append(jobs, t.snapshot())
	}
	m.mu.Unlock()

	sort.Slice(jobs, func(i, k int) bool {
		ti, tk := jobs[i].State.Terminal(), jobs[k].State.Terminal()
		if ti != tk {
			return !ti
		}
		return jobs[i].CreatedAt.After(jobs[k].CreatedAt)
	})
	return jobs
}

// Cancel requests termination of a job. Equivalent to an immediate
// deadline fire: the session is torn down and the outcome is TimedOut.
func (m *Manager) Cancel(id string) error {
	m.mu.Lock()
	t, ok := m.jobs[id]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, id)
	}
	if t.snapshot().State.Terminal() {
		return fmt.Errorf("%w: %s", ErrTerminal, id)
	}

	t.cancelOnce.Do(func() {
		t.canceled.Store(true)
		close(t.cancelCh)
	})
	return nil
}

// Health reports the pool's liveness snapshot.
func (m *Manager) Health() Health {
	m.mu.Lock()
	defer m.mu.Unlock()

	active := 0
	for _, t := range m.jobs {
		switch t.snapshot().State {
		case job.StateStarting, job.StateRunning, job.StateFinishing:
			active++
		}
	}

	reconciled := false
	select {
	case <-m.reconciled:
		reconciled = true
	default:
	}

	return Health{
		Reconciled: reconciled,
		Active:     active,
		Queued:     m.queued,
		Saturated:  m.queued > m.opts.QueueSaturationGrace,
	}
}

// Shutdown stops admissions, cancels every in-flight job and waits for
// their exit paths to complete, then closes the launcher.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.closed.Store(true)
	m.cancelAll()

	m.mu.Lock()
	for _, t := range m.jobs {
		t.cancelOnce.Do(func() {
			t.canceled.Store(true)
			close(t.cancelCh)
		})
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("shutdown wait aborted: %w", ctx.Err())
	}

	return m.launcher.Close()
}

package session

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"

	"github.com/entrhq/browserd/pkg/job"
	"github.com/entrhq/browserd/pkg/profile"
)

const (
	defaultViewportWidth  = 1280
	defaultViewportHeight = 800

	// retryBackoff is the base delay between launch attempts; attempt n
	// waits n times this.
	retryBackoff = 500 * time.Millisecond
)

// PlaywrightLauncher launches one Chromium engine per job through a
// shared Playwright driver. The persistent context is bound to the
// job's profile directory, which is what isolates browser state between
// concurrent jobs.
type PlaywrightLauncher struct {
	pw     *playwright.Playwright
	logger *slog.Logger
}

// NewPlaywrightLauncher installs the driver if needed and starts it.
// Driver output is discarded so it cannot pollute structured logs.
func NewPlaywrightLauncher(logger *slog.Logger) (*PlaywrightLauncher, error) {
	if logger == nil {
		logger = slog.Default()
	}

	opts := &playwright.RunOptions{
		Verbose: false,
		Stdout:  io.Discard,
		Stderr:  io.Discard,
	}

	if err := playwright.Install(opts); err != nil {
		return nil, fmt.Errorf("failed to install playwright: %w", err)
	}

	pw, err := playwright.Run(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to start playwright: %w", err)
	}

	return &PlaywrightLauncher{pw: pw, logger: logger}, nil
}

// Start launches the engine bound to the given profile and returns once
// the protocol client confirms readiness, retrying within the bounded
// window before surfacing a StartupError.
func (l *PlaywrightLauncher) Start(ctx context.Context, prof *profile.Handle, opts Options) (Session, error) {
	retries := opts.StartupRetries
	if retries < 1 {
		retries = 1
	}

	var lastErr error
	for attempt := 1; attempt <= retries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, &job.StartupError{JobID: prof.JobID, Attempts: attempt - 1, Err: err}
		}

		sess, err := l.launchOnce(prof, opts)
		if err == nil {
			return sess, nil
		}
		lastErr = err
		l.logger.Warn("browser launch attempt failed",
			"job_id", prof.JobID, "attempt", attempt, "error", err)

		select {
		case <-ctx.Done():
			return nil, &job.StartupError{JobID: prof.JobID, Attempts: attempt, Err: ctx.Err()}
		case <-time.After(time.Duration(attempt) * retryBackoff):
		}
	}

	return nil, &job.StartupError{JobID: prof.JobID, Attempts: retries, Err: lastErr}
}

func (l *PlaywrightLauncher) launchOnce(prof *profile.Handle, opts Options) (Session, error) {
	browserCtx, err := l.pw.Chromium.LaunchPersistentContext(prof.Dir, playwright.BrowserTypeLaunchPersistentContextOptions{
		Headless:        playwright.Bool(opts.Headless),
		AcceptDownloads: playwright.Bool(true),
		DownloadsPath:   playwright.String(prof.TempDir),
		Viewport: &playwright.Size{
			Width:  defaultViewportWidth,
			Height: defaultViewportHeight,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	// A persistent context opens with one page; readiness is the client
	// answering for it.
	var page playwright.Page
	if pages := browserCtx.Pages(); len(pages) > 0 {
		page = pages[0]
	} else {
		page, err = browserCtx.NewPage()
		if err != nil {
			browserCtx.Close()
			return nil, fmt.Errorf("failed to open page: %w", err)
		}
	}

	return &playwrightSession{
		jobID:   prof.JobID,
		browser: browserCtx,
		page:    page,
		grace:   opts.TerminateGrace,
		logger:  l.logger,
	}, nil
}

// Close stops the shared Playwright driver. Sessions must already be
// terminated.
func (l *PlaywrightLauncher) Close() error {
	if err := l.pw.Stop(); err != nil {
		return fmt.Errorf("failed to stop playwright: %w", err)
	}
	return nil
}

type playwrightSession struct {
	jobID   string
	browser playwright.BrowserContext
	page    playwright.Page
	grace   time.Duration
	logger  *slog.Logger

	closeOnce sync.Once
	closeErr  error
}

func (s *playwrightSession) Page() playwright.Page { return s.page }

// Terminate closes the browser context gracefully, waiting at most the
// configured grace period before force-closing the engine.
func (s *playwrightSession) Terminate() error {
	s.closeOnce.Do(func() {
		done := make(chan error, 1)
		go func() { done <- s.browser.Close() }()

		grace := s.grace
		if grace <= 0 {
			grace = 5 * time.Second
		}

		select {
		case err := <-done:
			s.closeErr = err
		case <-time.After(grace):
			s.logger.Warn("graceful browser shutdown timed out, force-closing", "job_id", s.jobID)
			if b := s.browser.Browser(); b != nil {
				s.closeErr = b.Close()
			}
		}
	})
	return s.closeErr
}

// Package session wraps one launched browser-engine process and its
// automation-protocol client, scoped to exactly one job. A session owns
// its profile allocation exclusively for its lifetime and is never
// shared across jobs.
package session

import (
	"context"
	"time"

	"github.com/playwright-community/playwright-go"

	"github.com/entrhq/browserd/pkg/profile"
)

// Options configures a new session launch.
type Options struct {
	// Headless controls whether the browser runs without a visible window.
	Headless bool

	// StartupRetries bounds the launch attempts before StartupError.
	// Process launch is inherently flaky: port binding races, slow cold
	// starts.
	StartupRetries int

	// TerminateGrace is how long Terminate waits for a graceful shutdown
	// before force-killing the engine.
	TerminateGrace time.Duration
}

// Session is a live browser engine bound to one job.
type Session interface {
	// Page returns the automation client's page handle the job payload
	// drives.
	Page() playwright.Page

	// Terminate shuts the engine down. It is idempotent and safe to call
	// from both normal completion and timeout-triggered abort.
	Terminate() error
}

// Launcher starts sessions bound to profile allocations.
type Launcher interface {
	Start(ctx context.Context, prof *profile.Handle, opts Options) (Session, error)
	Close() error
}

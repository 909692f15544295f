// Package sessiontest provides fake session launchers for exercising
// the pool without a real browser engine.
package sessiontest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/playwright-community/playwright-go"

	"github.com/entrhq/browserd/pkg/profile"
	"github.com/entrhq/browserd/pkg/session"
)

// Session is a fake session that records whether it was terminated.
type Session struct {
	JobID      string
	terminated atomic.Bool
}

// Page returns nil; fake payloads must not touch the page.
func (s *Session) Page() playwright.Page { return nil }

// Terminate marks the session dead. Idempotent, like the real thing.
func (s *Session) Terminate() error {
	s.terminated.Store(true)
	return nil
}

// Terminated reports whether Terminate was called.
func (s *Session) Terminated() bool { return s.terminated.Load() }

// Launcher hands out fake sessions and can be made to fail.
type Launcher struct {
	mu       sync.Mutex
	sessions []*Session
	starts   int

	// FailStarts makes the first N Start calls fail.
	FailStarts int

	// StartErr, when set, fails every Start call.
	StartErr error

	closed atomic.Bool
}

// Start returns a fresh fake session unless a failure is configured.
func (l *Launcher) Start(ctx context.Context, prof *profile.Handle, opts session.Options) (session.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.starts++
	if l.StartErr != nil {
		return nil, l.StartErr
	}
	if l.starts <= l.FailStarts {
		return nil, errors.New("sessiontest: injected launch failure")
	}

	s := &Session{JobID: prof.JobID}
	l.sessions = append(l.sessions, s)
	return s, nil
}

// Close marks the launcher shut down.
func (l *Launcher) Close() error {
	l.closed.Store(true)
	return nil
}

// Closed reports whether Close was called.
func (l *Launcher) Closed() bool { return l.closed.Load() }

// Starts returns how many launches were attempted.
func (l *Launcher) Starts() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.starts
}

// Sessions returns every session handed out so far.
func (l *Launcher) Sessions() []*Session {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*Session(nil), l.sessions...)
}

// Live returns how many handed-out sessions are not yet terminated.
func (l *Launcher) Live() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, s := range l.sessions {
		if !s.Terminated() {
			n++
		}
	}
	return n
}

// Package automation holds the job payloads: the opaque, job-specific
// logic executed inside a live browser session. The core never inspects
// what a payload does with the page; it only races it against the
// job's deadline.
package automation

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/playwright-community/playwright-go"
)

// Payload runs the job's logic against a live session's page and
// returns its structured result.
type Payload func(ctx context.Context, page playwright.Page) (json.RawMessage, error)

// Builder constructs a payload from the raw parameters submitted with
// the job, validating them up front so bad requests fail at admission
// rather than mid-session.
type Builder func(params json.RawMessage) (Payload, error)

// Registry maps payload kinds to builders.
type Registry struct {
	mu       sync.RWMutex
	builders map[string]Builder
}

// NewRegistry returns a registry with the builtin payloads registered.
func NewRegistry() *Registry {
	r := &Registry{builders: make(map[string]Builder)}
	r.Register("navigate", NewNavigatePayload)
	return r
}

// Register adds a payload kind. Re-registering a kind replaces it,
// which lets embedding programs override the builtins.
func (r *Registry) Register(kind string, b Builder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builders[kind] = b
}

// Resolve builds the payload for a submitted job.
func (r *Registry) Resolve(kind string, params json.RawMessage) (Payload, error) {
	r.mu.RLock()
	b, ok := r.builders[kind]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown payload kind %q (known: %v)", kind, r.Kinds())
	}
	return b(params)
}

// Kinds returns the registered payload kinds, sorted.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]string, 0, len(r.builders))
	for k := range r.builders {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

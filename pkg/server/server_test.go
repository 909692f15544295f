package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/playwright-community/playwright-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrhq/browserd/pkg/automation"
	"github.com/entrhq/browserd/pkg/job"
	"github.com/entrhq/browserd/pkg/ledger"
	"github.com/entrhq/browserd/pkg/pool"
	"github.com/entrhq/browserd/pkg/profile"
	"github.com/entrhq/browserd/pkg/report"
	"github.com/entrhq/browserd/pkg/session/sessiontest"
)

func newTestServer(t *testing.T, reconcile bool) (*httptest.Server, *pool.Manager, chan struct{}) {
	t.Helper()

	alloc, err := profile.NewAllocator(t.TempDir(), nil)
	require.NoError(t, err)
	led, err := ledger.NewFileLedger(t.TempDir(), nil)
	require.NoError(t, err)
	writer, err := report.NewFileWriter(t.TempDir(), nil)
	require.NoError(t, err)

	gate := make(chan struct{})
	reg := automation.NewRegistry()
	reg.Register("echo", func(params json.RawMessage) (automation.Payload, error) {
		return func(ctx context.Context, page playwright.Page) (json.RawMessage, error) {
			return json.RawMessage(`{"echoed":true}`), nil
		}, nil
	})
	reg.Register("gate", func(params json.RawMessage) (automation.Payload, error) {
		return func(ctx context.Context, page playwright.Page) (json.RawMessage, error) {
			select {
			case <-gate:
				return json.RawMessage(`{}`), nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}, nil
	})

	mgr := pool.NewManager(pool.Options{
		MaxSessions:          2,
		DefaultTimeout:       5 * time.Second,
		QueueSaturationGrace: 4,
	}, alloc, &sessiontest.Launcher{}, led, writer, reg, nil)
	if reconcile {
		require.NoError(t, mgr.Reconcile(ledger.ProcessCheckerFunc(func(int, int64) bool { return false })))
	}

	ts := httptest.NewServer(New(mgr, true, nil).Router())
	t.Cleanup(func() {
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		mgr.Shutdown(ctx)
	})
	return ts, mgr, gate
}

func postJSON(t *testing.T, url string, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestSubmitAndStatus(t *testing.T) {
	ts, _, _ := newTestServer(t, true)

	resp := postJSON(t, ts.URL+"/jobs", `{"job_id":"j1","kind":"echo"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decode[job.Job](t, resp)
	assert.Equal(t, "j1", created.ID)
	assert.Equal(t, job.StateQueued, created.State)

	require.Eventually(t, func() bool {
		resp, err := http.Get(ts.URL + "/jobs/j1")
		if err != nil {
			return false
		}
		j := decode[job.Job](t, resp)
		return j.State == job.StateCompleted
	}, 5*time.Second, 20*time.Millisecond)
}

func TestSubmitGeneratesID(t *testing.T) {
	ts, _, _ := newTestServer(t, true)

	resp := postJSON(t, ts.URL+"/jobs", `{"kind":"echo"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decode[job.Job](t, resp)
	assert.NotEmpty(t, created.ID)
}

func TestSubmitValidation(t *testing.T) {
	ts, _, gate := newTestServer(t, true)

	tests := []struct {
		name string
		body string
		code int
	}{
		{"missing kind", `{}`, http.StatusBadRequest},
		{"unknown kind", `{"kind":"teleport"}`, http.StatusBadRequest},
		{"invalid id", `{"job_id":"../x","kind":"echo"}`, http.StatusBadRequest},
		{"malformed body", `{"kind":`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postJSON(t, ts.URL+"/jobs", tt.body)
			defer resp.Body.Close()
			assert.Equal(t, tt.code, resp.StatusCode)
		})
	}

	t.Run("duplicate id conflicts", func(t *testing.T) {
		resp := postJSON(t, ts.URL+"/jobs", `{"job_id":"dup","kind":"gate"}`)
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		resp.Body.Close()

		resp = postJSON(t, ts.URL+"/jobs", `{"job_id":"dup","kind":"gate"}`)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusConflict, resp.StatusCode)
		gate <- struct{}{}
	})
}

func TestStatusUnknownJob(t *testing.T) {
	ts, _, _ := newTestServer(t, true)

	resp, err := http.Get(ts.URL + "/jobs/ghost")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCancelEndpoint(t *testing.T) {
	ts, mgr, _ := newTestServer(t, true)

	resp := postJSON(t, ts.URL+"/jobs", `{"job_id":"c1","kind":"gate"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	require.Eventually(t, func() bool {
		j, err := mgr.Get("c1")
		return err == nil && j.State == job.StateRunning
	}, 5*time.Second, 20*time.Millisecond)

	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/jobs/c1", nil)
	require.NoError(t, err)
	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp2.StatusCode)

	require.Eventually(t, func() bool {
		j, err := mgr.Get("c1")
		return err == nil && j.State == job.StateTimedOut
	}, 5*time.Second, 20*time.Millisecond)

	t.Run("canceling again conflicts", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodDelete, ts.URL+"/jobs/c1", nil)
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusConflict, resp.StatusCode)
	})

	t.Run("unknown job is 404", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodDelete, ts.URL+"/jobs/ghost", nil)
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}

func TestListEndpoint(t *testing.T) {
	ts, mgr, _ := newTestServer(t, true)

	for i := 1; i <= 2; i++ {
		resp := postJSON(t, ts.URL+"/jobs", fmt.Sprintf(`{"job_id":"l%d","kind":"echo"}`, i))
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		resp.Body.Close()
	}
	require.Eventually(t, func() bool {
		j1, err1 := mgr.Get("l1")
		j2, err2 := mgr.Get("l2")
		return err1 == nil && err2 == nil && j1.State.Terminal() && j2.State.Terminal()
	}, 5*time.Second, 20*time.Millisecond)

	resp, err := http.Get(ts.URL + "/jobs")
	require.NoError(t, err)
	jobs := decode[[]job.Job](t, resp)
	assert.Len(t, jobs, 2)
}

func TestHealthz(t *testing.T) {
	t.Run("unhealthy before reconciliation", func(t *testing.T) {
		ts, _, _ := newTestServer(t, false)
		resp, err := http.Get(ts.URL + "/healthz")
		require.NoError(t, err)
		h := decode[pool.Health](t, resp)
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
		assert.False(t, h.Reconciled)
	})

	t.Run("healthy after reconciliation", func(t *testing.T) {
		ts, _, _ := newTestServer(t, true)
		resp, err := http.Get(ts.URL + "/healthz")
		require.NoError(t, err)
		h := decode[pool.Health](t, resp)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.True(t, h.Reconciled)
	})
}

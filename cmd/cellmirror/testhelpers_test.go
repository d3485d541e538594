package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/mesh-intelligence/cellmirror/internal/testutil"
	"github.com/mesh-intelligence/cellmirror/pkg/types"
)

// catalog serves a FakeRemote over the HTTP API the remote client speaks.
type catalog struct {
	*testutil.FakeRemote
	srv *httptest.Server

	mu   sync.Mutex
	down bool
}

func newCatalog(t *testing.T) *catalog {
	t.Helper()
	c := &catalog{FakeRemote: testutil.NewFakeRemote(2)}
	c.srv = httptest.NewServer(http.HandlerFunc(c.serve))
	t.Cleanup(c.srv.Close)
	return c
}

func (c *catalog) setDown(down bool) {
	c.mu.Lock()
	c.down = down
	c.mu.Unlock()
}

func (c *catalog) serve(w http.ResponseWriter, r *http.Request) {
	c.mu.Lock()
	down := c.down
	c.mu.Unlock()
	if down {
		http.Error(w, "maintenance", http.StatusServiceUnavailable)
		return
	}

	ctx := r.Context()
	path := strings.TrimPrefix(r.URL.Path, "/")
	if id, ok := strings.CutSuffix(strings.TrimPrefix(path, "test_records/"), "/payload"); ok {
		data, err := c.FetchPayload(ctx, id)
		if err != nil {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(data)
		return
	}
	if path != "test_records" {
		http.NotFound(w, r)
		return
	}

	q := r.URL.Query()
	var f types.RemoteFilter
	f.ID = q.Get("id")
	if v := q.Get("device_id"); v != "" {
		id, _ := parseDevice(v)
		f.DeviceID = id
	}
	if v := q.Get("start_after"); v != "" {
		t := types.MustParseTime(v)
		f.StartAfter = &t
	}
	if v := q.Get("start_before"); v != "" {
		t := types.MustParseTime(v)
		f.StartBefore = &t
	}
	page, err := c.ListRecords(ctx, f, q.Get("page_token"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]any{
		"results":         page.Records,
		"next_page_token": page.NextPageToken,
	})
}

// env is an isolated config dir and mirror root.
type env struct {
	t         *testing.T
	configDir string
	root      string
}

func newEnv(t *testing.T, remoteURL string) *env {
	t.Helper()
	e := &env{t: t, configDir: t.TempDir(), root: t.TempDir()}
	t.Setenv("CELLMIRROR_REMOTE_URL", remoteURL)
	t.Setenv("CELLMIRROR_REMOTE_BACKOFF", "1ms")
	t.Setenv("CELLMIRROR_REMOTE_RETRIES", "1")
	t.Setenv("CELLMIRROR_LOG_LEVEL", "error")
	return e
}

// run executes the CLI and returns stdout, stderr and the exit code.
func (e *env) run(args ...string) (string, string, int) {
	e.t.Helper()
	var stdout, stderr bytes.Buffer
	full := append([]string{"--config-dir", e.configDir, "--root", e.root}, args...)
	code := execute(context.Background(), full, &stdout, &stderr)
	return stdout.String(), stderr.String(), code
}

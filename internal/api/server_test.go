package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/crucible-run/crucible/internal/engine"
	"github.com/crucible-run/crucible/internal/overlay"
	"github.com/crucible-run/crucible/internal/runner"
	"github.com/crucible-run/crucible/internal/store"
)

// scriptRuntime emits a fixed chunk script, optionally failing afterwards.
type scriptRuntime struct {
	chunks     []string
	compileErr string
	runErr     string

	// blockRun, when non-nil, makes Run wait (cancellably) after emitting.
	blockRun chan struct{}
}

func (f *scriptRuntime) Compile(ctx context.Context, a runner.Artifact, _ map[string]any) (runner.CompiledUnit, error) {
	if f.compileErr != "" {
		return runner.CompiledUnit{}, errors.New(f.compileErr)
	}
	return runner.CompiledUnit{Runtime: a.Runtime, Ref: "unit"}, nil
}

func (f *scriptRuntime) Run(ctx context.Context, _ runner.CompiledUnit, emit func([]byte)) (runner.Result, error) {
	for _, c := range f.chunks {
		emit([]byte(c))
	}
	if f.blockRun != nil {
		select {
		case <-f.blockRun:
		case <-ctx.Done():
			return runner.Result{}, ctx.Err()
		}
	}
	if f.runErr != "" {
		return runner.Result{Diagnostic: f.runErr, ExitCode: 1}, errors.New(f.runErr)
	}
	return runner.Result{}, nil
}

func (f *scriptRuntime) Capabilities() runner.Capabilities {
	return runner.Capabilities{Name: "script", SupportedRuntimes: []string{"script"}}
}

func newTestServer(t *testing.T, rt runner.Runtime) (*Server, store.Store) {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	reg := runner.NewRegistry()
	if rt != nil {
		reg.Register("script", rt)
	}

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	eng := engine.NewEngine(s, reg, overlay.Map{"opt": "base"}, logger)
	return NewServer(":0", s, reg, eng, logger), s
}

func TestPanicRecovery(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	srv.Router().Get("/panic", func(w http.ResponseWriter, r *http.Request) {
		panic("test panic")
	})

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/panic")
	if err != nil {
		t.Fatalf("GET /panic: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", resp.StatusCode)
	}
}

func TestCORSHeaders(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	req, _ := http.NewRequest("OPTIONS", ts.URL+"/healthz", nil)
	req.Header.Set("Origin", "http://example.com")
	req.Header.Set("Access-Control-Request-Method", "GET")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("OPTIONS /healthz: %v", err)
	}
	defer resp.Body.Close()

	if v := resp.Header.Get("Access-Control-Allow-Origin"); v != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q, want %q", v, "*")
	}
}

func TestListRuntimes(t *testing.T) {
	srv, _ := newTestServer(t, &scriptRuntime{})

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/runtimes")
	if err != nil {
		t.Fatalf("GET /v1/runtimes: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/walletsender/wallet-engine/internal/engine"
	"github.com/walletsender/wallet-engine/internal/store"
)

func newTestServer(t *testing.T, apiKey string) (*Server, *store.Store) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "wallet-engine.db")
	st, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	eng := engine.New(st, 10*time.Millisecond)
	eng.RegisterFactory("noop", func(job *store.Job, _ *engine.Engine) (engine.Executor, error) {
		return &noopExecutor{total: job.Total}, nil
	})

	return NewServer(apiKey, eng), st
}

// noopExecutor's Run returns immediately and it reports itself done only
// once cancelled, for exercising the control plane without touching any
// chain dependency.
type noopExecutor struct {
	total int
	done  bool
}

func (n *noopExecutor) Run(ctx context.Context) {}
func (n *noopExecutor) Pause()           {}
func (n *noopExecutor) Resume()          {}
func (n *noopExecutor) Cancel()          { n.done = true }
func (n *noopExecutor) Progress() (int, int, int) {
	if n.done {
		return n.total, n.total, 0
	}
	return n.total, 0, 0
}
func (n *noopExecutor) ETA() time.Duration { return 0 }
func (n *noopExecutor) IsDone() bool       { return n.done }
func (n *noopExecutor) Successful() bool   { return true }
func (n *noopExecutor) Err() error         { return nil }

func TestHandleHealth(t *testing.T) {
	server, _ := newTestServer(t, "")
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	server.HandleRequest(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["status"] != "healthy" {
		t.Errorf("expected status healthy, got %q", body["status"])
	}
}

func TestHandleVersion(t *testing.T) {
	server, _ := newTestServer(t, "")
	req := httptest.NewRequest(http.MethodGet, "/version", nil)
	rec := httptest.NewRecorder()

	server.HandleRequest(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestHandleMetrics(t *testing.T) {
	server, _ := newTestServer(t, "")
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()

	server.HandleRequest(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Body.Len() < 50 {
		t.Errorf("expected prometheus exposition output, got %d bytes", rec.Body.Len())
	}
}

func TestAuthRequired(t *testing.T) {
	server, _ := newTestServer(t, "secret-key")

	t.Run("rejected without auth", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/jobs", nil)
		rec := httptest.NewRecorder()
		server.HandleRequest(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("expected 401, got %d", rec.Code)
		}
	})

	t.Run("rejected with wrong key", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/jobs", nil)
		req.Header.Set("X-API-Key", "wrong-key")
		rec := httptest.NewRecorder()
		server.HandleRequest(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("expected 401, got %d", rec.Code)
		}
	})
}

func TestAuthMethods(t *testing.T) {
	server, _ := newTestServer(t, "secret-key")

	cases := []struct {
		name    string
		prepare func(r *http.Request)
	}{
		{"X-API-Key header", func(r *http.Request) { r.Header.Set("X-API-Key", "secret-key") }},
		{"Bearer token", func(r *http.Request) { r.Header.Set("Authorization", "Bearer secret-key") }},
		{"query parameter", func(r *http.Request) {
			q := r.URL.Query()
			q.Set("apiKey", "secret-key")
			r.URL.RawQuery = q.Encode()
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/jobs", nil)
			tc.prepare(req)
			rec := httptest.NewRecorder()
			server.HandleRequest(rec, req)
			if rec.Code == http.StatusUnauthorized {
				t.Errorf("expected auth to pass, got 401")
			}
		})
	}
}

func TestJobLifecycle(t *testing.T) {
	server, _ := newTestServer(t, "")

	submitBody := `{"title":"test job","mode":"noop","config":"{}","priority":1,"total":3}`
	req := httptest.NewRequest(http.MethodPost, "/jobs", strings.NewReader(submitBody))
	rec := httptest.NewRecorder()
	server.HandleRequest(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	var submitResp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &submitResp); err != nil {
		t.Fatalf("decode submit response: %v", err)
	}
	jobID := submitResp["job_id"]
	if jobID == "" {
		t.Fatal("expected job_id in response")
	}

	getReq := httptest.NewRequest(http.MethodGet, "/jobs/"+jobID, nil)
	getRec := httptest.NewRecorder()
	server.HandleRequest(getRec, getReq)
	if getRec.Code != http.StatusOK {
		t.Fatalf("expected 200 on job lookup, got %d", getRec.Code)
	}

	listReq := httptest.NewRequest(http.MethodGet, "/jobs", nil)
	listRec := httptest.NewRecorder()
	server.HandleRequest(listRec, listReq)
	if listRec.Code != http.StatusOK {
		t.Fatalf("expected 200 on job list, got %d", listRec.Code)
	}

	cancelReq := httptest.NewRequest(http.MethodPost, "/jobs/"+jobID+"/cancel", nil)
	cancelRec := httptest.NewRecorder()
	server.HandleRequest(cancelRec, cancelReq)
	if cancelRec.Code != http.StatusOK {
		t.Fatalf("expected 200 on cancel, got %d: %s", cancelRec.Code, cancelRec.Body.String())
	}

	// Cancelling a job that was never admitted (engine isn't running in
	// this test) still transitions its stored state, so a second cancel
	// is idempotent.
	cancelAgainRec := httptest.NewRecorder()
	server.HandleRequest(cancelAgainRec, httptest.NewRequest(http.MethodPost, "/jobs/"+jobID+"/cancel", nil))
	if cancelAgainRec.Code != http.StatusOK {
		t.Errorf("expected idempotent cancel to return 200, got %d", cancelAgainRec.Code)
	}
}

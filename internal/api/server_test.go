package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/Ashish9059/MedGuardian-Edge/internal/clinical"
	xerrors "github.com/Ashish9059/MedGuardian-Edge/internal/errors"
	"github.com/Ashish9059/MedGuardian-Edge/internal/llm"
	"github.com/Ashish9059/MedGuardian-Edge/internal/orchestrator"
	"github.com/Ashish9059/MedGuardian-Edge/internal/run"
)

type stubExecutor struct {
	result *orchestrator.Result
	err    error
}

func (s *stubExecutor) ExecuteRun(_ context.Context, _ string, _ clinical.Payload) (*orchestrator.Result, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.result, nil
}

type stubGateway struct {
	status llm.HealthStatus
}

func (s *stubGateway) Complete(context.Context, []llm.Message) (string, error) {
	return "", nil
}

func (s *stubGateway) CompleteJSON(context.Context, []llm.Message) (map[string]any, error) {
	return map[string]any{}, nil
}

func (s *stubGateway) HealthCheck(context.Context) llm.HealthStatus {
	return s.status
}

func newRunService(t *testing.T) *run.Service {
	t.Helper()
	store := run.NewMemoryStore()
	queue := run.NewMemoryQueue(16)
	t.Cleanup(func() {
		_ = store.Close()
		_ = queue.Close()
	})
	return run.NewService(store, queue, 3)
}

func doRequest(handler http.Handler, method, path, body string) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestAnalyzeSuccess(t *testing.T) {
	executor := &stubExecutor{
		result: &orchestrator.Result{
			Metadata: orchestrator.Metadata{Version: orchestrator.ProtocolVersion},
			Risk:     map[string]any{"risk_level": "Low"},
		},
	}
	server := NewServer(":0", executor, nil, &stubGateway{})

	rec := doRequest(server.Routes(), http.MethodPost, "/api/v1/analyses",
		`{"patient":{"age":40,"symptoms":["headache"]}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d (%s)", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("Content-Type"); got != "application/json" {
		t.Fatalf("unexpected content type: %s", got)
	}

	var result orchestrator.Result
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if result.Metadata.Version != orchestrator.ProtocolVersion {
		t.Fatalf("unexpected version: %s", result.Metadata.Version)
	}
	if result.Risk["risk_level"] != "Low" {
		t.Fatalf("unexpected risk slot: %v", result.Risk)
	}
}

func TestAnalyzeRejectsBadRequests(t *testing.T) {
	server := NewServer(":0", &stubExecutor{}, nil, &stubGateway{})
	routes := server.Routes()

	rec := doRequest(routes, http.MethodGet, "/api/v1/analyses", "")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET: expected 405, got %d", rec.Code)
	}

	rec = doRequest(routes, http.MethodPost, "/api/v1/analyses", "not json")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("malformed body: expected 400, got %d", rec.Code)
	}

	rec = doRequest(routes, http.MethodPost, "/api/v1/analyses", "{}")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("empty payload: expected 400, got %d", rec.Code)
	}
}

func TestAnalyzeErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
	}{
		{"backend unavailable", xerrors.New(llm.CodeBackendUnavailable, "down"), http.StatusServiceUnavailable},
		{"timeout", xerrors.New(llm.CodeRequestTimeout, "slow"), http.StatusGatewayTimeout},
		{"backend error", xerrors.New(llm.CodeBackendError, "500"), http.StatusBadGateway},
		{"malformed output", xerrors.New(llm.CodeMalformedOutput, "prose"), http.StatusUnprocessableEntity},
		{"unknown", xerrors.New(xerrors.CodeUnknown, "boom"), http.StatusInternalServerError},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			server := NewServer(":0", &stubExecutor{err: tc.err}, nil, &stubGateway{})
			rec := doRequest(server.Routes(), http.MethodPost, "/api/v1/analyses",
				`{"patient":{"symptoms":["headache"]}}`)
			if rec.Code != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, rec.Code)
			}
			var body map[string]any
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if body["code"] != string(xerrors.CodeOf(tc.err)) {
				t.Fatalf("unexpected error code: %v", body)
			}
		})
	}
}

func TestCreateAndFetchRun(t *testing.T) {
	server := NewServer(":0", &stubExecutor{}, newRunService(t), &stubGateway{})
	routes := server.Routes()

	rec := doRequest(routes, http.MethodPost, "/api/v1/runs",
		`{"patient":{"symptoms":["fever"]}}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("create: expected 202, got %d (%s)", rec.Code, rec.Body.String())
	}
	var created run.Run
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.ID == "" || created.Status != run.StatusPending {
		t.Fatalf("unexpected created run: %+v", created)
	}

	rec = doRequest(routes, http.MethodGet, "/api/v1/runs/"+created.ID, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("fetch: expected 200, got %d", rec.Code)
	}
	var fetched run.Run
	if err := json.Unmarshal(rec.Body.Bytes(), &fetched); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if fetched.ID != created.ID {
		t.Fatalf("unexpected run: %+v", fetched)
	}
}

func TestRunDetailNotFound(t *testing.T) {
	server := NewServer(":0", &stubExecutor{}, newRunService(t), &stubGateway{})
	rec := doRequest(server.Routes(), http.MethodGet, "/api/v1/runs/absent", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), string(run.CodeRunNotFound)) {
		t.Fatalf("expected run-not-found code in body: %s", rec.Body.String())
	}
}

func TestCreateRunRejectsEmptyPayload(t *testing.T) {
	server := NewServer(":0", &stubExecutor{}, newRunService(t), &stubGateway{})
	rec := doRequest(server.Routes(), http.MethodPost, "/api/v1/runs", "{}")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d (%s)", rec.Code, rec.Body.String())
	}
}

func TestListRunsWithFilters(t *testing.T) {
	service := newRunService(t)
	server := NewServer(":0", &stubExecutor{}, service, &stubGateway{})
	routes := server.Routes()

	for i := 0; i < 3; i++ {
		rec := doRequest(routes, http.MethodPost, "/api/v1/runs",
			`{"patient":{"symptoms":["fever"]}}`)
		if rec.Code != http.StatusAccepted {
			t.Fatalf("create %d: got %d", i, rec.Code)
		}
	}

	rec := doRequest(routes, http.MethodGet, "/api/v1/runs?limit=2&status=pending", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list: expected 200, got %d", rec.Code)
	}
	var listed []run.Run
	if err := json.Unmarshal(rec.Body.Bytes(), &listed); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(listed) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(listed))
	}

	rec = doRequest(routes, http.MethodGet, "/api/v1/runs?status=failed", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list failed: expected 200, got %d", rec.Code)
	}
	listed = nil
	if err := json.Unmarshal(rec.Body.Bytes(), &listed); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(listed) != 0 {
		t.Fatalf("expected no failed runs, got %d", len(listed))
	}
}

func TestRunStats(t *testing.T) {
	service := newRunService(t)
	server := NewServer(":0", &stubExecutor{}, service, &stubGateway{})
	routes := server.Routes()

	rec := doRequest(routes, http.MethodPost, "/api/v1/runs",
		`{"patient":{"symptoms":["fever"]}}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("create: got %d", rec.Code)
	}

	rec = doRequest(routes, http.MethodGet, "/api/v1/runs/stats", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("stats: expected 200, got %d", rec.Code)
	}
	var stats run.Stats
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if stats.Total != 1 || stats.Pending != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestWithContextRejectsAfterShutdown(t *testing.T) {
	server := NewServer(":0", &stubExecutor{}, nil, &stubGateway{status: llm.HealthStatus{OllamaStatus: "online"}})
	ctx, cancel := context.WithCancel(context.Background())
	handler := withContext(ctx, server.Routes())

	rec := doRequest(handler, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("live root context: expected 200, got %d", rec.Code)
	}

	cancel()
	rec = doRequest(handler, http.MethodGet, "/health", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("canceled root context: expected 503, got %d", rec.Code)
	}
}

func TestHealthEndpoint(t *testing.T) {
	online := &stubGateway{status: llm.HealthStatus{
		BackendStatus: "healthy",
		OllamaStatus:  "online",
		ModelLoaded:   true,
		ModelName:     "medgemma",
	}}
	server := NewServer(":0", &stubExecutor{}, nil, online)
	rec := doRequest(server.Routes(), http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var status llm.HealthStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !status.ModelLoaded || status.ModelName != "medgemma" {
		t.Fatalf("unexpected status body: %+v", status)
	}

	offline := &stubGateway{status: llm.HealthStatus{OllamaStatus: "offline"}}
	server = NewServer(":0", &stubExecutor{}, nil, offline)
	rec = doRequest(server.Routes(), http.MethodGet, "/health", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

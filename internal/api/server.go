package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Ashish9059/MedGuardian-Edge/internal/clinical"
	xerrors "github.com/Ashish9059/MedGuardian-Edge/internal/errors"
	"github.com/Ashish9059/MedGuardian-Edge/internal/llm"
	"github.com/Ashish9059/MedGuardian-Edge/internal/observability/metrics"
	"github.com/Ashish9059/MedGuardian-Edge/internal/orchestrator"
	"github.com/Ashish9059/MedGuardian-Edge/internal/run"
)

// Executor runs one analysis synchronously.
type Executor interface {
	ExecuteRun(ctx context.Context, runID string, payload clinical.Payload) (*orchestrator.Result, error)
}

// Server exposes the REST interface.
type Server struct {
	addr     string
	executor Executor
	runs     *run.Service
	gateway  llm.Client
}

// NewServer builds the API server. The run service may be nil when
// asynchronous runs are disabled.
func NewServer(addr string, executor Executor, runs *run.Service, gateway llm.Client) *Server {
	return &Server{addr: addr, executor: executor, runs: runs, gateway: gateway}
}

// Start serves HTTP until the context is canceled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Routes()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// withContext rejects new requests once the root context is canceled, so
// in-flight shutdown does not accept work it cannot finish.
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}

// Routes builds the handler mux. Exposed for tests.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/analyses", s.instrument("analyses", s.handleAnalyze))
	mux.HandleFunc("/api/v1/runs", s.instrument("runs", s.handleRuns))
	mux.HandleFunc("/api/v1/runs/", s.instrument("run_detail", s.handleRunDetail))
	mux.HandleFunc("/health", s.instrument("health", s.handleHealth))
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "only POST is supported", http.StatusMethodNotAllowed)
		return
	}
	if s.executor == nil {
		http.Error(w, "executor not initialized", http.StatusServiceUnavailable)
		return
	}

	var payload clinical.Payload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "failed to decode request body", http.StatusBadRequest)
		return
	}
	if payload.Patient == nil && payload.Lab == nil && payload.Prescription == nil {
		http.Error(w, "payload must contain at least one section", http.StatusBadRequest)
		return
	}

	result, err := s.executor.ExecuteRun(r.Context(), uuid.NewString(), payload)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleCreateRun(w, r)
	case http.MethodGet:
		s.handleListRuns(w, r)
	default:
		http.Error(w, "only GET/POST are supported", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		http.Error(w, "run service not initialized", http.StatusServiceUnavailable)
		return
	}
	var payload clinical.Payload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "failed to decode request body", http.StatusBadRequest)
		return
	}
	record, err := s.runs.Submit(r.Context(), payload)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, record)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		http.Error(w, "run service not initialized", http.StatusServiceUnavailable)
		return
	}
	opts := []run.ListOption{}
	query := r.URL.Query()
	if raw := query.Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			opts = append(opts, run.WithLimit(parsed))
		}
	}
	if raw := query.Get("offset"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			opts = append(opts, run.WithOffset(parsed))
		}
	}
	if raw := query.Get("status"); raw != "" {
		statuses := make([]run.Status, 0, 4)
		for _, part := range strings.Split(raw, ",") {
			status := run.Status(strings.TrimSpace(part))
			if run.IsValidStatus(status) {
				statuses = append(statuses, status)
			}
		}
		if len(statuses) > 0 {
			opts = append(opts, run.WithStatuses(statuses...))
		}
	}

	records, err := s.runs.List(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleRunDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "only GET is supported", http.StatusMethodNotAllowed)
		return
	}
	if s.runs == nil {
		http.Error(w, "run service not initialized", http.StatusServiceUnavailable)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/v1/runs/")
	if id == "" {
		http.Error(w, "run ID is required", http.StatusBadRequest)
		return
	}
	if id == "stats" {
		stats, err := s.runs.Stats(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, stats)
		return
	}

	record, err := s.runs.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "only GET is supported", http.StatusMethodNotAllowed)
		return
	}
	if s.gateway == nil {
		http.Error(w, "gateway not initialized", http.StatusServiceUnavailable)
		return
	}
	status := s.gateway.HealthCheck(r.Context())
	code := http.StatusOK
	if status.OllamaStatus != "online" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

// instrument wraps a handler with request metrics.
func (s *Server) instrument(name string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		handler(recorder, r)
		metrics.ObserveHTTPRequest(name, r.Method, recorder.status, time.Since(started))
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError maps unified error codes onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	code := xerrors.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case llm.CodeBackendUnavailable:
		status = http.StatusServiceUnavailable
	case llm.CodeRequestTimeout:
		status = http.StatusGatewayTimeout
	case llm.CodeBackendError:
		status = http.StatusBadGateway
	case llm.CodeMalformedOutput:
		status = http.StatusUnprocessableEntity
	case run.CodeRunValidation, xerrors.CodeInvalidArgument:
		status = http.StatusBadRequest
	case run.CodeRunNotFound, xerrors.CodeNotFound:
		status = http.StatusNotFound
	case xerrors.CodeTimeout:
		status = http.StatusGatewayTimeout
	}
	writeJSON(w, status, map[string]any{
		"error": err.Error(),
		"code":  string(code),
	})
}

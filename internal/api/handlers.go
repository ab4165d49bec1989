// Package api provides the HTTP control plane for the wallet engine:
// job submission, lifecycle control, health, version, and metrics.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/walletsender/wallet-engine/internal/config"
	"github.com/walletsender/wallet-engine/internal/engine"
	"github.com/walletsender/wallet-engine/internal/metrics"
)

// Server handles HTTP requests for the wallet engine's control plane.
type Server struct {
	apiKey string
	eng    *engine.Engine
}

// NewServer creates a new API Server bound to eng.
func NewServer(apiKey string, eng *engine.Engine) *Server {
	return &Server{
		apiKey: apiKey,
		eng:    eng,
	}
}

// authenticate checks if the request has a valid API key.
// Returns true if authentication passes (no key configured or valid key provided).
func (s *Server) authenticate(r *http.Request) bool {
	if s.apiKey == "" {
		return true
	}

	authHeader := r.Header.Get("Authorization")
	if authHeader != "" {
		const bearerPrefix = "Bearer "
		if len(authHeader) > len(bearerPrefix) && authHeader[:len(bearerPrefix)] == bearerPrefix {
			if authHeader[len(bearerPrefix):] == s.apiKey {
				return true
			}
		}
	}

	if r.Header.Get("X-API-Key") == s.apiKey {
		return true
	}

	if r.URL.Query().Get("apiKey") == s.apiKey {
		return true
	}

	return false
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// sendError sends an error response.
func sendError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(status)
	w.Write([]byte(message))
}

func sendJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// handleHealth handles the health check endpoint.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	sendJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": config.Version,
	})
}

// handleVersion handles the version endpoint.
func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	sendJSON(w, http.StatusOK, map[string]string{
		"version":   config.Version,
		"gitCommit": config.GitCommit,
		"buildTime": config.BuildTime,
	})
}

// jobSubmitRequest is the POST /jobs request body.
type jobSubmitRequest struct {
	Title    string          `json:"title"`
	Mode     string          `json:"mode"`
	Config   json.RawMessage `json:"config"`
	Priority int             `json:"priority"`
	Total    int             `json:"total"`
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		sendError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req jobSubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Mode == "" {
		sendError(w, http.StatusBadRequest, "mode is required")
		return
	}

	id, err := s.eng.Submit(req.Title, req.Mode, string(req.Config), req.Priority, req.Total)
	if err != nil {
		sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	sendJSON(w, http.StatusCreated, map[string]string{"job_id": id})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.eng.ListJobs()
	if err != nil {
		sendError(w, http.StatusInternalServerError, err.Error())
		return
	}
	sendJSON(w, http.StatusOK, jobs)
}

// handleJobByID dispatches GET /jobs/{id} and POST /jobs/{id}/{action}.
func (s *Server) handleJobByID(w http.ResponseWriter, r *http.Request, rest string) {
	parts := strings.SplitN(rest, "/", 2)
	jobID := parts[0]
	if jobID == "" {
		sendError(w, http.StatusBadRequest, "job id is required")
		return
	}

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			sendError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		progress, err := s.eng.Progress(jobID)
		if err != nil {
			sendError(w, http.StatusNotFound, "job not found")
			return
		}
		sendJSON(w, http.StatusOK, progress)
		return
	}

	action := parts[1]
	if r.Method != http.MethodPost {
		sendError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var ok bool
	switch action {
	case "pause":
		ok = s.eng.Pause(jobID)
	case "resume":
		ok = s.eng.Resume(jobID)
	case "cancel":
		ok = s.eng.Cancel(jobID)
	default:
		sendError(w, http.StatusNotFound, "unknown action")
		return
	}

	if !ok {
		sendError(w, http.StatusConflict, "action had no effect")
		return
	}
	sendJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// HandleRequest is the main request handler.
func (s *Server) HandleRequest(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	path := r.URL.Path
	if path == "" {
		path = "/"
	}

	if r.Header.Get("X-Request-Id") == "" {
		r.Header.Set("X-Request-Id", uuid.NewString())
	}
	w.Header().Set("X-Request-Id", r.Header.Get("X-Request-Id"))

	wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
	s.handleRequestInternal(wrapped, r)

	if path != "/metrics" {
		duration := time.Since(start).Seconds()
		status := strconv.Itoa(wrapped.statusCode)
		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	}
}

// handleRequestInternal handles the actual request routing.
func (s *Server) handleRequestInternal(w http.ResponseWriter, r *http.Request) {
	slog.Debug("request received", "method", r.Method, "url", r.URL.String(), "request_id", r.Header.Get("X-Request-Id"))

	if r.URL.Path == "/metrics" {
		promhttp.Handler().ServeHTTP(w, r)
		return
	}

	if r.URL.Path == "/health" {
		s.handleHealth(w, r)
		return
	}

	if r.URL.Path == "/version" {
		s.handleVersion(w, r)
		return
	}

	if !s.authenticate(r) {
		sendError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	switch {
	case r.URL.Path == "/jobs" && r.Method == http.MethodPost:
		s.handleSubmitJob(w, r)
	case r.URL.Path == "/jobs" && r.Method == http.MethodGet:
		s.handleListJobs(w, r)
	case strings.HasPrefix(r.URL.Path, "/jobs/"):
		s.handleJobByID(w, r, strings.TrimPrefix(r.URL.Path, "/jobs/"))
	default:
		sendError(w, http.StatusNotFound, "not found")
	}
}

package session

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"stream-supervisor/internal/routing"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
)

const maxBodyBytes = 64 << 10

// Handler exposes session HTTP endpoints using go-chi.
type Handler struct {
	sup *Supervisor
	log *slog.Logger
}

// NewHandler returns a Handler that uses the given Supervisor and Logger.
func NewHandler(sup *Supervisor, log *slog.Logger) *Handler {
	return &Handler{sup: sup, log: log}
}

type errorResponse struct {
	Error         string `json:"error"`
	Detail        string `json:"detail,omitempty"`
	Field         string `json:"field,omitempty"`
	Role          Role   `json:"role,omitempty"`
	BackendStatus int    `json:"backend_status,omitempty"`
}

type registerRequest struct {
	Source string `json:"source" validate:"required,max=2048"`
}

// StartSession handles POST /streams/{key}.
// Body: {"source": "file:///videos/a.mp4", "loop": true}.
func (h *Handler) StartSession(w http.ResponseWriter, r *http.Request) {
	key := StreamKey(chi.URLParam(r, "key"))

	var params Params
	if !h.decode(w, r, &params) {
		return
	}

	sess, err := h.sup.StartSession(r.Context(), key, params)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

// StopSession handles DELETE /streams/{key}.
func (h *Handler) StopSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.sup.StopSession(r.Context(), StreamKey(chi.URLParam(r, "key")))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// GetSession handles GET /streams/{key}.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.sup.SessionStatus(StreamKey(chi.URLParam(r, "key")))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// ListSessions handles GET /streams.
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sessions": h.sup.ListActiveSessions()})
}

// SessionLogs handles GET /streams/{key}/logs?lines=N.
func (h *Handler) SessionLogs(w http.ResponseWriter, r *http.Request) {
	lines := 50
	if v := r.URL.Query().Get("lines"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			h.writeError(w, r, &ValidationError{Field: "lines", Reason: "must be a non-negative integer"})
			return
		}
		lines = n
	}

	logs, err := h.sup.SessionLogs(StreamKey(chi.URLParam(r, "key")), lines)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"processes": logs})
}

// RegisterPath handles POST /paths/{key}.
// Body: {"source": "rtmp://localhost:1935/live/cam1"}.
func (h *Handler) RegisterPath(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := validateStruct(req); err != nil {
		h.writeError(w, r, err)
		return
	}

	reg, err := h.sup.RegisterStream(r.Context(), StreamKey(chi.URLParam(r, "key")), req.Source)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, reg)
}

// GetStats handles GET /stats/{key}.
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	st, err := h.sup.GetAggregatedStats(r.Context(), StreamKey(chi.URLParam(r, "key")))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// ListStats handles GET /stats.
func (h *Handler) ListStats(w http.ResponseWriter, r *http.Request) {
	all, err := h.sup.ListAggregatedStats(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"paths": all})
}

// Health handles GET /healthz.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	body := map[string]any{
		"status":          "ok",
		"backend":         "ok",
		"active_sessions": h.sup.ActiveCount(),
	}
	if err := h.sup.HealthCheck(r.Context()); err != nil {
		h.log.Warn("routing backend unhealthy", slog.String("error", err.Error()))
		status = http.StatusServiceUnavailable
		body["status"] = "degraded"
		body["backend"] = err.Error()
	}
	writeJSON(w, status, body)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.log.Debug("invalid request body", slog.String("error", err.Error()))
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid_body", Detail: err.Error()})
		return false
	}
	return true
}

// writeError maps supervisor and backend errors to HTTP responses.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		verr *ValidationError
		sf   *SpawnFailure
		berr *routing.BackendError
	)
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "validation_error", Field: verr.Field, Detail: verr.Reason})
	case errors.Is(err, ErrNotFound), errors.Is(err, routing.ErrPathNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "not_found", Detail: err.Error()})
	case errors.Is(err, ErrConflict):
		writeJSON(w, http.StatusConflict, errorResponse{Error: "conflict", Detail: err.Error()})
	case errors.As(err, &sf):
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: "spawn_failure", Role: sf.Role, Detail: sf.Reason})
	case errors.Is(err, routing.ErrUnavailable):
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "backend_unavailable", Detail: err.Error()})
	case errors.As(err, &berr):
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: "backend_error", BackendStatus: berr.StatusCode, Detail: berr.Body})
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "canceled", Detail: err.Error()})
	default:
		h.log.Error("request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal_error", Detail: err.Error()})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

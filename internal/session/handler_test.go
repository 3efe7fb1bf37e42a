//go:build unix

package session

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"stream-supervisor/internal/routing"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
)

func newTestRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()
	r.Get("/healthz", h.Health)
	r.Route("/streams", func(r chi.Router) {
		r.Get("/", h.ListSessions)
		r.Route("/{key}", func(r chi.Router) {
			r.Post("/", h.StartSession)
			r.Get("/", h.GetSession)
			r.Delete("/", h.StopSession)
			r.Get("/logs", h.SessionLogs)
		})
	})
	r.Post("/paths/{key}", h.RegisterPath)
	r.Get("/stats", h.ListStats)
	r.Get("/stats/{key}", h.GetStats)
	return r
}

func newHandlerFixture(t *testing.T, planner Planner, backend *fakeBackend) *chi.Mux {
	t.Helper()
	if backend == nil {
		backend = &fakeBackend{}
	}
	sup, _ := newTestSupervisor(t, planner, backend, nil)
	return newTestRouter(NewHandler(sup, slog.New(slog.NewTextHandler(io.Discard, nil))))
}

func doRequest(t *testing.T, r http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	var decoded map[string]any
	if b := bytes.TrimSpace(rec.Body.Bytes()); len(b) > 0 {
		if err := json.Unmarshal(b, &decoded); err != nil {
			t.Fatalf("response is not JSON: %s", b)
		}
	}
	return rec, decoded
}

func TestHandler_session_lifecycle(t *testing.T) {
	r := newHandlerFixture(t, shell("sleep 30"), nil)
	body := fmt.Sprintf(`{"source": %q, "loop": true}`, tempSource(t))

	rec, got := doRequest(t, r, http.MethodPost, "/streams/cam1", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body)
	}
	if got["state"] != "running" {
		t.Errorf("expected running, got %v", got["state"])
	}
	endpoints, _ := got["endpoints"].(map[string]any)
	if rtsp, _ := endpoints["rtsp"].(string); !strings.Contains(rtsp, "cam1") {
		t.Errorf("expected rtsp endpoint containing the key, got %v", endpoints)
	}

	rec, got = doRequest(t, r, http.MethodPost, "/streams/cam1", body)
	if rec.Code != http.StatusConflict || got["error"] != "conflict" {
		t.Errorf("expected 409 conflict, got %d: %s", rec.Code, rec.Body)
	}

	rec, got = doRequest(t, r, http.MethodGet, "/streams/cam1", "")
	if rec.Code != http.StatusOK || got["state"] != "running" {
		t.Errorf("expected running status, got %d: %s", rec.Code, rec.Body)
	}

	rec, got = doRequest(t, r, http.MethodGet, "/streams", "")
	if sessions, _ := got["sessions"].([]any); rec.Code != http.StatusOK || len(sessions) != 1 {
		t.Errorf("expected one listed session, got %d: %s", rec.Code, rec.Body)
	}

	rec, got = doRequest(t, r, http.MethodGet, "/streams/cam1/logs?lines=5", "")
	if procs, _ := got["processes"].([]any); rec.Code != http.StatusOK || len(procs) != 1 {
		t.Errorf("expected logs for one process, got %d: %s", rec.Code, rec.Body)
	}

	rec, got = doRequest(t, r, http.MethodDelete, "/streams/cam1", "")
	if rec.Code != http.StatusOK || got["state"] != "stopped" {
		t.Errorf("expected 200 stopped, got %d: %s", rec.Code, rec.Body)
	}

	rec, _ = doRequest(t, r, http.MethodDelete, "/streams/cam1", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 on second stop, got %d", rec.Code)
	}
	rec, _ = doRequest(t, r, http.MethodGet, "/streams/cam1", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 after stop, got %d", rec.Code)
	}
}

func TestHandler_StartSession_bad_requests(t *testing.T) {
	r := newHandlerFixture(t, shell("sleep 30"), nil)

	cases := []struct {
		name  string
		path  string
		body  string
		error string
	}{
		{"not_json", "/streams/cam1", "not json", "invalid_body"},
		{"empty_body", "/streams/cam1", "", "invalid_body"},
		{"bad_key", "/streams/cam.1", `{"source": "rtmp://host/live/a"}`, "validation_error"},
		{"missing_file", "/streams/cam1", `{"source": "/no/such/file.mp4"}`, "validation_error"},
		{"bad_scheme", "/streams/cam1", `{"source": "ftp://host/a.mp4"}`, "validation_error"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec, got := doRequest(t, r, http.MethodPost, tc.path, tc.body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d: %s", rec.Code, rec.Body)
			}
			if got["error"] != tc.error {
				t.Errorf("expected error %q, got %v", tc.error, got["error"])
			}
		})
	}
}

func TestHandler_StartSession_spawn_failure(t *testing.T) {
	r := newHandlerFixture(t, shell(`echo "Invalid data found when processing input" >&2; exit 1`), nil)

	rec, got := doRequest(t, r, http.MethodPost, "/streams/cam1", fmt.Sprintf(`{"source": %q}`, tempSource(t)))
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d: %s", rec.Code, rec.Body)
	}
	if got["error"] != "spawn_failure" || got["role"] != "primary" {
		t.Errorf("unexpected body %v", got)
	}
	if detail, _ := got["detail"].(string); !strings.Contains(detail, "Invalid data") {
		t.Errorf("expected diagnostic detail, got %q", detail)
	}

	rec, _ = doRequest(t, r, http.MethodGet, "/streams/cam1", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected no session after failure, got %d", rec.Code)
	}
}

func TestHandler_SessionLogs_bad_lines(t *testing.T) {
	r := newHandlerFixture(t, shell("sleep 30"), nil)
	rec, _ := doRequest(t, r, http.MethodGet, "/streams/cam1/logs?lines=abc", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestHandler_RegisterPath(t *testing.T) {
	backend := &fakeBackend{}
	r := newHandlerFixture(t, shell("sleep 30"), backend)

	rec, got := doRequest(t, r, http.MethodPost, "/paths/cam1", `{"source": "rtsp://localhost:8554/upstream"}`)
	if rec.Code != http.StatusCreated || got["path"] != "live/cam1" {
		t.Errorf("expected 201 for live/cam1, got %d: %s", rec.Code, rec.Body)
	}

	rec, got = doRequest(t, r, http.MethodPost, "/paths/cam2", `{}`)
	if rec.Code != http.StatusBadRequest || got["field"] != "source" {
		t.Errorf("expected 400 for missing source, got %d: %s", rec.Code, rec.Body)
	}

	backend.err = &routing.BackendError{Op: "register_path", StatusCode: http.StatusBadRequest, Body: "path already exists"}
	rec, got = doRequest(t, r, http.MethodPost, "/paths/cam1", `{"source": "rtsp://localhost:8554/upstream"}`)
	if rec.Code != http.StatusBadGateway || got["backend_status"] != float64(http.StatusBadRequest) {
		t.Errorf("expected 502 with backend status, got %d: %s", rec.Code, rec.Body)
	}
}

func TestHandler_stats(t *testing.T) {
	backend := &fakeBackend{paths: []routing.PathInfo{
		{Name: "live/cam1", Readers: []routing.Reader{{Protocol: "tcp"}, {Protocol: "tcp"}, {Protocol: "tcp"}}},
		{Name: "live/cam2"},
	}}
	r := newHandlerFixture(t, shell("sleep 30"), backend)

	rec, got := doRequest(t, r, http.MethodGet, "/stats/cam1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}
	counts, _ := got["protocol_counts"].(map[string]any)
	if counts["tcp"] != float64(3) {
		t.Errorf("expected tcp=3, got %v", counts)
	}
	if v, present := got["uptime_seconds"]; !present || v != nil {
		t.Errorf("expected null uptime, got %v", v)
	}

	rec, got = doRequest(t, r, http.MethodGet, "/stats", "")
	if paths, _ := got["paths"].([]any); rec.Code != http.StatusOK || len(paths) != 2 {
		t.Errorf("expected two paths, got %d: %s", rec.Code, rec.Body)
	}

	rec, _ = doRequest(t, r, http.MethodGet, "/stats/missing", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}

	backend.err = fmt.Errorf("list paths: %w", routing.ErrUnavailable)
	rec, _ = doRequest(t, r, http.MethodGet, "/stats", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", rec.Code)
	}
}

func TestHandler_Health(t *testing.T) {
	backend := &fakeBackend{}
	r := newHandlerFixture(t, shell("sleep 30"), backend)

	rec, got := doRequest(t, r, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK || got["status"] != "ok" {
		t.Errorf("expected healthy, got %d: %s", rec.Code, rec.Body)
	}

	backend.err = routing.ErrUnavailable
	rec, got = doRequest(t, r, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusServiceUnavailable || got["status"] != "degraded" {
		t.Errorf("expected degraded, got %d: %s", rec.Code, rec.Body)
	}
}

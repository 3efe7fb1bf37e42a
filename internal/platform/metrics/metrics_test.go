package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRequestMiddleware_counts_errors(t *testing.T) {
	m := New()
	h := RequestMiddleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))

	for _, path := range []string{"/ok", "/missing", "/ok"} {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	if got := testutil.ToFloat64(m.requestsTotal); got != 3 {
		t.Errorf("expected 3 requests, got %v", got)
	}
	if got := testutil.ToFloat64(m.errorsTotal); got != 1 {
		t.Errorf("expected 1 error, got %v", got)
	}
}

func TestHandler_refreshes_gauges(t *testing.T) {
	m := New()
	m.IncBackendRequest("get", "success")

	rec := httptest.NewRecorder()
	m.Handler(func() { m.SetActiveSessions(4) }).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	body := rec.Body.String()
	if !strings.Contains(body, "stream_active_sessions 4") {
		t.Errorf("expected active sessions gauge in output: %s", body)
	}
	if !strings.Contains(body, `stream_backend_requests_total{op="get",result="success"} 1`) {
		t.Errorf("expected backend request counter in output: %s", body)
	}
}

package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func render(t *testing.T) string {
	t.Helper()
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	body, err := io.ReadAll(rec.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(body)
}

func TestHandlerRendersRequestCounters(t *testing.T) {
	ObserveHTTPRequest("tasks", http.MethodPost, http.StatusOK, 30*time.Millisecond)
	ObserveHTTPRequest("tasks", http.MethodPost, http.StatusOK, 80*time.Millisecond)
	ObserveHTTPRequest("tasks", http.MethodGet, http.StatusInternalServerError, 10*time.Millisecond)

	body := render(t)
	for _, want := range []string{
		`autoagent_http_requests_total{handler="tasks",method="POST",code="200"} 2`,
		`autoagent_http_requests_total{handler="tasks",method="GET",code="500"} 1`,
		`autoagent_http_request_errors_total{handler="tasks",method="GET"} 1`,
		`autoagent_http_request_duration_seconds_bucket{handler="tasks",method="POST",le="0.05"} 1`,
		`autoagent_http_request_duration_seconds_bucket{handler="tasks",method="POST",le="+Inf"} 2`,
		`autoagent_http_request_duration_seconds_count{handler="tasks",method="POST"} 2`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("missing metric line %q in:\n%s", want, body)
		}
	}
}

func TestHandlerRendersTaskCounters(t *testing.T) {
	ObserveTask("completed")
	ObserveTask("completed")
	ObserveTask("failed")

	body := render(t)
	for _, want := range []string{
		`autoagent_tasks_processed_total{status="completed"} 2`,
		`autoagent_tasks_processed_total{status="failed"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("missing metric line %q in:\n%s", want, body)
		}
	}
}

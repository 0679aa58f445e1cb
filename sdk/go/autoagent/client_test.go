package autoagent

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestExecuteTask(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/v1/tasks" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("missing api key header: %q", got)
		}
		var payload struct {
			Description string `json:"description"`
			Priority    int    `json:"priority"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		if payload.Description != "ship release notes" || payload.Priority != 7 {
			t.Errorf("unexpected payload: %+v", payload)
		}
		_ = json.NewEncoder(w).Encode(Task{ID: "t-1", Status: "completed", Result: "done"})
	}))
	defer server.Close()

	client, err := NewClient(server.URL, WithAPIKey("sk-test"))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	result, err := client.ExecuteTask(context.Background(), "ship release notes", 7)
	if err != nil {
		t.Fatalf("execute task: %v", err)
	}
	if result.ID != "t-1" || result.Status != "completed" {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestSubmitTaskUsesAsyncQuery(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("async") != "1" {
			t.Errorf("missing async flag: %s", r.URL.RawQuery)
		}
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(Task{ID: "t-2", Status: "pending"})
	}))
	defer server.Close()

	client, err := NewClient(server.URL)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	created, err := client.SubmitTask(context.Background(), "background job", 1)
	if err != nil {
		t.Fatalf("submit task: %v", err)
	}
	if created.Status != "pending" {
		t.Fatalf("unexpected status: %q", created.Status)
	}
}

func TestListTasksBuildsQuery(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		if query.Get("limit") != "5" || query.Get("status") != "completed,failed" || query.Get("q") != "report" {
			t.Errorf("unexpected query: %s", r.URL.RawQuery)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"tasks": []Task{{ID: "t-3"}}})
	}))
	defer server.Close()

	client, err := NewClient(server.URL)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	tasks, err := client.ListTasks(context.Background(), ListQuery{
		Limit:    5,
		Statuses: []string{"completed", "failed"},
		Query:    "report",
	})
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(tasks) != 1 || tasks[0].ID != "t-3" {
		t.Fatalf("unexpected tasks: %+v", tasks)
	}
}

func TestAPIErrorDecoding(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":{"code":"TASK_NOT_FOUND","message":"task not found"}}`))
	}))
	defer server.Close()

	client, err := NewClient(server.URL)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	_, err = client.GetTask(context.Background(), "missing")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusNotFound || apiErr.Code != "TASK_NOT_FOUND" {
		t.Fatalf("unexpected api error: %+v", apiErr)
	}
}

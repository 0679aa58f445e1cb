// Package autoagent provides a small Go client for the AutoAgent REST API.
package autoagent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. It is intentionally short to avoid hanging network calls.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the AutoAgent REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	apiKey     string
}

// Option customises the client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.httpClient = httpClient
		}
	}
}

// WithAPIKey attaches an API key to every request.
func WithAPIKey(key string) Option {
	return func(c *Client) {
		c.apiKey = key
	}
}

// Task mirrors the task resource returned by the server.
type Task struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	Priority    int    `json:"priority"`
	Status      string `json:"status"`
	Attempts    int    `json:"attempts"`
	MaxAttempts int    `json:"max_attempts"`
	Result      string `json:"result,omitempty"`
	LastError   string `json:"last_error,omitempty"`
	ErrorCode   string `json:"error_code,omitempty"`
	CreatedAt   int64  `json:"created_at"`
	UpdatedAt   int64  `json:"updated_at"`
}

// TaskStats aggregates task counts per status.
type TaskStats struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// CostRecord summarises spending per model.
type CostRecord struct {
	Model        string  `json:"model"`
	Calls        int64   `json:"calls"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	TotalTokens  int64   `json:"total_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

// StatusReport is the payload of GET /api/v1/status.
type StatusReport struct {
	Tasks  TaskStats             `json:"tasks"`
	Costs  map[string]CostRecord `json:"costs,omitempty"`
	Recent []*Task               `json:"recent,omitempty"`
}

// ListQuery filters GET /api/v1/tasks.
type ListQuery struct {
	Limit     int
	Offset    int
	Statuses  []string
	Query     string
	Since     time.Time
	Until     time.Time
	HasResult *bool
	Ascending bool
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("autoagent api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("autoagent api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the AutoAgent API.
func NewClient(rawURL string, opts ...Option) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	client := &Client{
		baseURL:    parsed,
		httpClient: &http.Client{Timeout: DefaultHTTPTimeout},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(client)
		}
	}
	return client, nil
}

// ExecuteTask submits a task and blocks until the server reports a terminal
// status. The request honours the context deadline.
func (c *Client) ExecuteTask(ctx context.Context, description string, priority int) (Task, error) {
	var result Task
	payload := map[string]any{"description": description, "priority": priority}
	if err := c.post(ctx, "/api/v1/tasks", nil, payload, &result); err != nil {
		return Task{}, err
	}
	return result, nil
}

// SubmitTask enqueues a task and returns immediately.
func (c *Client) SubmitTask(ctx context.Context, description string, priority int) (Task, error) {
	var result Task
	payload := map[string]any{"description": description, "priority": priority}
	if err := c.post(ctx, "/api/v1/tasks", url.Values{"async": {"1"}}, payload, &result); err != nil {
		return Task{}, err
	}
	return result, nil
}

// GetTask fetches task details by identifier.
func (c *Client) GetTask(ctx context.Context, taskID string) (Task, error) {
	var result Task
	if err := c.get(ctx, "/api/v1/tasks/"+url.PathEscape(taskID), nil, &result); err != nil {
		return Task{}, err
	}
	return result, nil
}

// CancelTask requests cooperative cancellation and returns the updated task.
func (c *Client) CancelTask(ctx context.Context, taskID string) (Task, error) {
	var result Task
	endpoint := "/api/v1/tasks/" + url.PathEscape(taskID) + "/cancel"
	if err := c.post(ctx, endpoint, nil, nil, &result); err != nil {
		return Task{}, err
	}
	return result, nil
}

// ListTasks returns tasks matching the query.
func (c *Client) ListTasks(ctx context.Context, query ListQuery) ([]*Task, error) {
	values := url.Values{}
	if query.Limit > 0 {
		values.Set("limit", strconv.Itoa(query.Limit))
	}
	if query.Offset > 0 {
		values.Set("offset", strconv.Itoa(query.Offset))
	}
	if len(query.Statuses) > 0 {
		values.Set("status", strings.Join(query.Statuses, ","))
	}
	if query.Query != "" {
		values.Set("q", query.Query)
	}
	if !query.Since.IsZero() {
		values.Set("since", query.Since.Format(time.RFC3339))
	}
	if !query.Until.IsZero() {
		values.Set("until", query.Until.Format(time.RFC3339))
	}
	if query.HasResult != nil {
		values.Set("has_result", strconv.FormatBool(*query.HasResult))
	}
	if query.Ascending {
		values.Set("order", "asc")
	}
	var resp struct {
		Tasks []*Task `json:"tasks"`
	}
	if err := c.get(ctx, "/api/v1/tasks", values, &resp); err != nil {
		return nil, err
	}
	return resp.Tasks, nil
}

// Status returns the engine status report.
func (c *Client) Status(ctx context.Context) (StatusReport, error) {
	var report StatusReport
	if err := c.get(ctx, "/api/v1/status", nil, &report); err != nil {
		return StatusReport{}, err
	}
	return report, nil
}

func (c *Client) post(ctx context.Context, endpoint string, query url.Values, payload, out any) error {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(encoded)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, query, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, query url.Values, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, query, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, query url.Values, body io.Reader) (*http.Request, error) {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint), RawQuery: query.Encode()}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			var wrapped struct {
				Error APIError `json:"error"`
			}
			if err := json.Unmarshal(data, &wrapped); err == nil && wrapped.Error.Code != "" {
				apiErr.Code = wrapped.Error.Code
				apiErr.Message = wrapped.Error.Message
			}
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return &apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
